package normalize_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/dantte-lp/gofvt/internal/normalize"
	"github.com/dantte-lp/gofvt/internal/ofp"
)

func flowMod(xid uint32, cookie uint64, prio uint16) []byte {
	return (&ofp.FlowMod{
		XID:      xid,
		Match:    ofp.Match{Wildcards: 0x3ff, InPort: 1},
		Cookie:   cookie,
		Priority: prio,
		BufferID: ofp.BufferNone,
		OutPort:  ofp.PortNone,
		Actions:  []ofp.ActionOutput{{Port: 2}},
	}).Marshal()
}

// -------------------------------------------------------------------------
// Field access
// -------------------------------------------------------------------------

func TestRewriteTransactionIDCopies(t *testing.T) {
	t.Parallel()

	resp := ofp.EchoReply(0x11111111, []byte("x")).Marshal()
	want := ofp.EchoReply(0x22222222, []byte("x")).Marshal()
	orig := bytes.Clone(resp)

	got := normalize.RewriteTransactionID(resp, want)
	if !bytes.Equal(got, want) {
		t.Errorf("rewritten = % x, want % x", got, want)
	}
	if !bytes.Equal(resp, orig) {
		t.Error("RewriteTransactionID mutated its input")
	}
}

func TestHandleKinds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		buf    []byte
		want   uint64
		wantOK bool
	}{
		{name: "flow mod", buf: flowMod(1, 0xAA, 1), want: 0xAA, wantOK: true},
		{name: "flow removed", buf: (&ofp.FlowRemoved{XID: 1, Cookie: 0xBB}).Marshal(), want: 0xBB, wantOK: true},
		{name: "packet in", buf: (&ofp.PacketIn{XID: 1, Data: make([]byte, 60)}).Marshal()},
		{name: "hello", buf: ofp.Hello(1).Marshal()},
		{name: "truncated flow mod", buf: flowMod(1, 0xAA, 1)[:40]},
		{name: "empty", buf: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, ok := normalize.Handle(tt.buf)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("Handle = (0x%x, %v), want (0x%x, %v)", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestMaskHandle(t *testing.T) {
	t.Parallel()

	a := flowMod(1, 0x1111, 10)
	b := flowMod(1, 0x2222, 10)
	if normalize.EqualExact(a, b) {
		t.Fatal("buffers with different cookies compare equal before masking")
	}
	ma, mb := normalize.MaskHandle(a), normalize.MaskHandle(b)
	if !normalize.EqualExact(ma, mb) {
		t.Errorf("masked buffers differ:\n% x\n% x", ma, mb)
	}
	if h, _ := normalize.Handle(a); h != 0x1111 {
		t.Error("MaskHandle mutated its input")
	}

	// A difference outside the handle must survive masking.
	c := flowMod(1, 0x3333, 11)
	if normalize.EqualExact(ma, normalize.MaskHandle(c)) {
		t.Error("priority difference hidden by masking")
	}

	hello := ofp.Hello(5).Marshal()
	if !bytes.Equal(normalize.MaskHandle(hello), hello) {
		t.Error("MaskHandle changed a kind without a handle")
	}
}

func TestEqualHeader(t *testing.T) {
	t.Parallel()

	a := (&ofp.Error{XID: 7, Type: ofp.ErrBadRequest, Data: []byte{1, 2, 3, 4}}).Marshal()
	b := (&ofp.Error{XID: 7, Type: ofp.ErrBadRequest, Data: []byte{9, 9, 9, 9}}).Marshal()
	if !normalize.EqualHeader(a, b) {
		t.Error("headers equal but EqualHeader = false")
	}
	if normalize.EqualExact(a, b) {
		t.Error("bodies differ but EqualExact = true")
	}

	c := (&ofp.Error{XID: 7, Type: ofp.ErrBadRequest, Data: []byte{1, 2}}).Marshal()
	if normalize.EqualHeader(a, c) {
		t.Error("lengths differ but EqualHeader = true")
	}
	if normalize.EqualHeader(a[:4], a[:4]) {
		t.Error("short buffers compare equal")
	}
}

func TestCheckFraming(t *testing.T) {
	t.Parallel()

	if err := normalize.CheckFraming(ofp.Hello(1).Marshal()); err != nil {
		t.Errorf("hello: %v", err)
	}
	bad := []byte{0x01, 0x0E, 0x00, 0x02, 0, 0, 0, 1}
	if err := normalize.CheckFraming(bad); !errors.Is(err, normalize.ErrMalformedFrame) {
		t.Errorf("short length: err = %v", err)
	}
	if err := normalize.CheckFraming([]byte{1}); !errors.Is(err, ofp.ErrPacketTooShort) {
		t.Errorf("one byte: err = %v", err)
	}
}

// -------------------------------------------------------------------------
// Prepare
// -------------------------------------------------------------------------

func TestPrepare(t *testing.T) {
	t.Parallel()

	var n normalize.Normalizer

	tests := []struct {
		name       string
		expected   []byte
		observed   []byte
		rules      normalize.Rules
		wantEqual  bool
		wantXID    uint32
		wantHandle uint64
		hasHandle  bool
	}{
		{
			name:      "exact match",
			expected:  ofp.Hello(9).Marshal(),
			observed:  ofp.Hello(9).Marshal(),
			wantEqual: true,
			wantXID:   9,
		},
		{
			name:     "xid differs without ignore",
			expected: ofp.Hello(9).Marshal(),
			observed: ofp.Hello(10).Marshal(),
			wantXID:  10,
		},
		{
			name:      "xid differs with ignore keeps true xid",
			expected:  ofp.Hello(9).Marshal(),
			observed:  ofp.Hello(10).Marshal(),
			rules:     normalize.Rules{IgnoreXID: true},
			wantEqual: true,
			wantXID:   10,
		},
		{
			name:       "cookie ignored and captured",
			expected:   flowMod(1, 0, 5),
			observed:   flowMod(1, 0xFEED, 5),
			rules:      normalize.Rules{IgnoreHandle: true},
			wantEqual:  true,
			wantXID:    1,
			wantHandle: 0xFEED,
			hasHandle:  true,
		},
		{
			name:      "cookie differs without ignore",
			expected:  flowMod(1, 0, 5),
			observed:  flowMod(1, 0xFEED, 5),
			wantXID:   1,
			wantEqual: false,
		},
		{
			name:       "header only captures handle",
			expected:   flowMod(1, 0, 5),
			observed:   flowMod(1, 0xFEED, 6),
			rules:      normalize.Rules{Mode: normalize.ModeHeaderOnly, IgnoreHandle: true},
			wantEqual:  true,
			wantXID:    1,
			wantHandle: 0xFEED,
			hasHandle:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			obs := bytes.Clone(tt.observed)
			p := n.Prepare(tt.expected, tt.observed, tt.rules)

			if got := p.Equal(); got != tt.wantEqual {
				t.Errorf("Equal = %v, want %v", got, tt.wantEqual)
			}
			if !p.HasXID || p.XID != tt.wantXID {
				t.Errorf("XID = (0x%x, %v), want 0x%x", p.XID, p.HasXID, tt.wantXID)
			}
			if p.HasHandle != tt.hasHandle || p.Handle != tt.wantHandle {
				t.Errorf("Handle = (0x%x, %v), want (0x%x, %v)", p.Handle, p.HasHandle, tt.wantHandle, tt.hasHandle)
			}
			if !bytes.Equal(tt.observed, obs) {
				t.Error("Prepare mutated observed")
			}
		})
	}
}

// FuzzMaskHandle checks that two flow messages differing only in their
// handle compare equal once masked.
func FuzzMaskHandle(f *testing.F) {
	f.Add(uint64(0), uint64(1), uint16(0), false)
	f.Add(uint64(0xFFFFFFFFFFFFFFFF), uint64(42), uint16(0x8000), true)

	f.Fuzz(func(t *testing.T, c1, c2 uint64, prio uint16, removed bool) {
		var a, b []byte
		if removed {
			a = (&ofp.FlowRemoved{XID: 3, Cookie: c1, Priority: prio}).Marshal()
			b = (&ofp.FlowRemoved{XID: 3, Cookie: c2, Priority: prio}).Marshal()
		} else {
			a = flowMod(3, c1, prio)
			b = flowMod(3, c2, prio)
		}
		if !normalize.EqualExact(normalize.MaskHandle(a), normalize.MaskHandle(b)) {
			t.Fatalf("masked messages differ for cookies 0x%x and 0x%x", c1, c2)
		}
		if h, ok := normalize.Handle(b); !ok || h != c2 {
			t.Fatalf("Handle = (0x%x, %v), want 0x%x", h, ok, c2)
		}
	})
}
