// Package normalize makes two framed OpenFlow messages comparable despite
// the fields an intermediary is allowed to choose on its own: the
// transaction id of every message and the cookie of flow messages.
//
// All functions operate on framed bytes and never mutate their inputs.
package normalize

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dantte-lp/gofvt/internal/ofp"
)

// ErrMalformedFrame indicates a frame whose length field disagrees with
// the number of bytes actually framed.
var ErrMalformedFrame = errors.New("malformed frame")

// Mode selects how much of a message is compared.
type Mode uint8

const (
	// ModeExact compares every byte after normalization.
	ModeExact Mode = iota
	// ModeHeaderOnly compares only the common header.
	ModeHeaderOnly
)

// String returns the mode name used in logs.
func (m Mode) String() string {
	switch m {
	case ModeExact:
		return "exact"
	case ModeHeaderOnly:
		return "header-only"
	default:
		return fmt.Sprintf("Mode(%d)", m)
	}
}

// -------------------------------------------------------------------------
// Handle table
// -------------------------------------------------------------------------

// field locates a maskable field inside a message body.
type field struct {
	offset int
	size   int
}

// handleFields lists, per message kind, where the intermediary-assigned
// opaque handle lives. Kinds absent from the table carry no handle.
var handleFields = map[ofp.Type]field{
	ofp.TypeFlowMod:     {offset: ofp.CookieOffset, size: ofp.CookieSize},
	ofp.TypeFlowRemoved: {offset: ofp.CookieOffset, size: ofp.CookieSize},
}

// handleField returns the handle location for buf if its kind carries one
// and buf is long enough to contain it.
func handleField(buf []byte) (field, bool) {
	t, ok := ofp.TypeOf(buf)
	if !ok {
		return field{}, false
	}
	f, ok := handleFields[t]
	if !ok || len(buf) < f.offset+f.size {
		return field{}, false
	}
	return f, true
}

// CarriesHandle reports whether buf's kind carries an opaque handle.
func CarriesHandle(buf []byte) bool {
	_, ok := handleField(buf)
	return ok
}

// -------------------------------------------------------------------------
// Field access
// -------------------------------------------------------------------------

// TransactionID reads the xid from the common header.
func TransactionID(buf []byte) (uint32, error) {
	return ofp.XID(buf)
}

// RewriteTransactionID returns a copy of response carrying expected's xid.
// If either buffer is too short to hold a header, the copy is returned
// unchanged.
func RewriteTransactionID(response, expected []byte) []byte {
	out := bytes.Clone(response)
	xid, err := ofp.XID(expected)
	if err != nil {
		return out
	}
	_ = ofp.SetXID(out, xid) // short out is returned as-is
	return out
}

// Handle extracts the opaque handle for kinds that carry one.
func Handle(buf []byte) (uint64, bool) {
	f, ok := handleField(buf)
	if !ok {
		return 0, false
	}
	return binary.BigEndian.Uint64(buf[f.offset : f.offset+f.size]), true
}

// MaskHandle returns a copy of buf with its handle bytes zeroed. Kinds
// without a handle are copied unchanged.
func MaskHandle(buf []byte) []byte {
	out := bytes.Clone(buf)
	if f, ok := handleField(out); ok {
		clear(out[f.offset : f.offset+f.size])
	}
	return out
}

// EqualExact reports byte-for-byte equality.
func EqualExact(a, b []byte) bool {
	return bytes.Equal(a, b)
}

// EqualHeader reports equality of the common header: version, kind,
// length and xid. Buffers shorter than a header are never equal.
func EqualHeader(a, b []byte) bool {
	if len(a) < ofp.HeaderSize || len(b) < ofp.HeaderSize {
		return false
	}
	return bytes.Equal(a[:ofp.HeaderSize], b[:ofp.HeaderSize])
}

// CheckFraming verifies that the header length field matches the framed
// size. Version and kind are not inspected.
func CheckFraming(buf []byte) error {
	var h ofp.Header
	if err := ofp.UnmarshalHeader(buf, &h); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	if int(h.Length) != len(buf) {
		return fmt.Errorf("%w: length field %d, framed %d bytes", ErrMalformedFrame, h.Length, len(buf))
	}
	return nil
}

// -------------------------------------------------------------------------
// Normalizer
// -------------------------------------------------------------------------

// Rules selects the normalizations applied before comparison.
type Rules struct {
	Mode         Mode
	IgnoreXID    bool
	IgnoreHandle bool
}

// Pair is the result of preparing one expected/observed pair. Expected and
// Observed are compare-ready copies; XID and Handle always carry the true
// values read off the observed frame before any masking.
type Pair struct {
	Expected []byte
	Observed []byte
	Mode     Mode

	XID    uint32
	HasXID bool

	Handle    uint64
	HasHandle bool
}

// Equal compares the prepared buffers under the pair's mode.
func (p Pair) Equal() bool {
	if p.Mode == ModeHeaderOnly {
		return EqualHeader(p.Expected, p.Observed)
	}
	return EqualExact(p.Expected, p.Observed)
}

// Normalizer applies Rules to expected/observed pairs.
type Normalizer struct{}

// Prepare reads the correlation values off observed and then applies the
// rules. Neither input is mutated.
func (Normalizer) Prepare(expected, observed []byte, r Rules) Pair {
	p := Pair{
		Expected: bytes.Clone(expected),
		Observed: bytes.Clone(observed),
		Mode:     r.Mode,
	}

	if xid, err := TransactionID(observed); err == nil {
		p.XID, p.HasXID = xid, true
	}

	if r.IgnoreXID {
		p.Observed = RewriteTransactionID(p.Observed, expected)
	}

	if r.IgnoreHandle {
		p.Handle, p.HasHandle = Handle(observed)
		p.Expected = MaskHandle(p.Expected)
		p.Observed = MaskHandle(p.Observed)
	}
	return p
}
