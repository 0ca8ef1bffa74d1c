package endpoint_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/net/nettest"

	"github.com/dantte-lp/gofvt/internal/endpoint"
	"github.com/dantte-lp/gofvt/internal/ofp"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// tcpPair returns two ends of a loopback TCP connection.
func tcpPair(t *testing.T) (local, remote net.Conn) {
	t.Helper()

	ln, err := nettest.NewLocalListener("tcp")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			accepted <- nil
			return
		}
		accepted <- c
	}()

	local, err = net.Dial(ln.Addr().Network(), ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	remote = <-accepted
	if remote == nil {
		local.Close()
		t.Fatal("accept failed")
	}
	return local, remote
}

// newPeer wraps the local end in an Endpoint and returns the remote end
// for the test to drive.
func newPeer(t *testing.T, opts ...endpoint.Option) (*endpoint.Endpoint, net.Conn) {
	t.Helper()

	local, remote := tcpPair(t)
	ep := endpoint.New(local, endpoint.Downstream(0), discardLogger(), opts...)
	t.Cleanup(func() {
		remote.Close()
		ep.Close()
	})
	return ep, remote
}

// -------------------------------------------------------------------------
// Receive
// -------------------------------------------------------------------------

func TestReceiveFIFO(t *testing.T) {
	t.Parallel()

	ep, remote := newPeer(t)

	m1 := ofp.Hello(1).Marshal()
	m2 := ofp.FlowModFlush(2).Marshal()
	m3 := ofp.BarrierRequest(3).Marshal()
	for _, m := range [][]byte{m1, m2, m3} {
		if _, err := remote.Write(m); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	ctx := context.Background()
	for i, want := range [][]byte{m1, m2, m3} {
		got, err := ep.Receive(ctx, time.Second)
		if err != nil {
			t.Fatalf("Receive %d: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("frame %d = % x, want % x", i, got, want)
		}
	}
}

func TestReceiveTimeout(t *testing.T) {
	t.Parallel()

	ep, _ := newPeer(t)

	const d = 50 * time.Millisecond
	start := time.Now()
	_, err := ep.Receive(context.Background(), d)
	elapsed := time.Since(start)

	if !errors.Is(err, endpoint.ErrReceiveTimeout) {
		t.Fatalf("err = %v, want ErrReceiveTimeout", err)
	}
	if elapsed < d {
		t.Errorf("returned after %v, before the %v deadline", elapsed, d)
	}
	if elapsed > d+time.Second {
		t.Errorf("returned after %v, overshoot too large", elapsed)
	}
}

func TestReceiveWakesOnDelivery(t *testing.T) {
	t.Parallel()

	ep, remote := newPeer(t)
	want := ofp.EchoReply(9, nil).Marshal()

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = remote.Write(want)
	}()

	got, err := ep.Receive(context.Background(), 5*time.Second)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("got % x, want % x", got, want)
	}
}

func TestReceiveContextCancel(t *testing.T) {
	t.Parallel()

	ep, _ := newPeer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := ep.Receive(ctx, time.Minute)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want context.DeadlineExceeded", err)
	}
}

func TestTryReceiveEmpty(t *testing.T) {
	t.Parallel()

	ep, _ := newPeer(t)
	if frame, ok := ep.TryReceive(); ok {
		t.Errorf("TryReceive on empty inbox = % x", frame)
	}
}

func TestReceiveAfterPeerClose(t *testing.T) {
	t.Parallel()

	ep, remote := newPeer(t)
	last := ofp.Hello(5).Marshal()
	if _, err := remote.Write(last); err != nil {
		t.Fatalf("write: %v", err)
	}
	remote.Close()
	<-ep.Done()

	// Queued frames are still delivered after the reader stops.
	got, err := ep.Receive(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Receive queued frame: %v", err)
	}
	if !bytes.Equal(got, last) {
		t.Errorf("got % x, want % x", got, last)
	}

	_, err = ep.Receive(context.Background(), time.Second)
	var te *endpoint.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want *TransportError", err)
	}
	if te.Endpoint != "downstream[0]" || te.Op != "receive" {
		t.Errorf("TransportError = %+v", te)
	}
	if !errors.Is(err, io.EOF) {
		t.Errorf("err = %v, want wrapped io.EOF", err)
	}
}

func TestMalformedFrameDelivered(t *testing.T) {
	t.Parallel()

	ep, remote := newPeer(t)
	bad := []byte{0x01, 0x0E, 0x00, 0x03, 0x00, 0x00, 0x00, 0x07}
	if _, err := remote.Write(bad); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := ep.Receive(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if !bytes.Equal(got, bad) {
		t.Errorf("got % x, want raw malformed bytes % x", got, bad)
	}
}

func TestReceiveKind(t *testing.T) {
	t.Parallel()

	ep, remote := newPeer(t)
	_, _ = remote.Write(ofp.Hello(1).Marshal())
	_, _ = remote.Write(ofp.Hello(2).Marshal())

	ctx := context.Background()
	if _, err := ep.ReceiveKind(ctx, time.Second, ofp.TypeHello); err != nil {
		t.Fatalf("ReceiveKind(HELLO): %v", err)
	}
	frame, err := ep.ReceiveKind(ctx, time.Second, ofp.TypeFeaturesRequest)
	if !errors.Is(err, endpoint.ErrUnexpectedKind) {
		t.Fatalf("err = %v, want ErrUnexpectedKind", err)
	}
	if xid, _ := ofp.XID(frame); xid != 2 {
		t.Errorf("mismatched frame xid = %d, want 2", xid)
	}
}

// lockedBuffer is a bytes.Buffer safe for a logger and a test to share.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestReceiveKindLogsFailedEchoReply(t *testing.T) {
	t.Parallel()

	local, remote := tcpPair(t)
	t.Cleanup(func() { remote.Close() })
	var logs lockedBuffer
	ep := endpoint.New(local, endpoint.Downstream(0), slog.New(slog.NewTextHandler(&logs, nil)))

	_, _ = remote.Write(ofp.EchoRequest(9, nil).Marshal())
	_, _ = remote.Write(ofp.Hello(1).Marshal())
	deadline := time.Now().Add(5 * time.Second)
	for ep.Pending() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("pending = %d, want 2", ep.Pending())
		}
		time.Sleep(time.Millisecond)
	}

	// With the connection closed the echo reply cannot be written, but
	// the queued HELLO is still returned.
	if err := ep.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	frame, err := ep.ReceiveKind(context.Background(), time.Second, ofp.TypeHello)
	if err != nil {
		t.Fatalf("ReceiveKind(HELLO): %v", err)
	}
	if xid, _ := ofp.XID(frame); xid != 1 {
		t.Errorf("xid = %d, want 1", xid)
	}

	out := logs.String()
	if !strings.Contains(out, "level=WARN") || !strings.Contains(out, "echo reply failed") {
		t.Errorf("missing echo failure warning in logs:\n%s", out)
	}
}

// -------------------------------------------------------------------------
// Send / Echo / Close
// -------------------------------------------------------------------------

func TestSendWritesFrame(t *testing.T) {
	t.Parallel()

	ep, remote := newPeer(t)
	want := ofp.FeaturesRequest(77).Marshal()
	if err := ep.Send(want); err != nil {
		t.Fatalf("Send: %v", err)
	}

	_ = remote.SetReadDeadline(time.Now().Add(time.Second))
	got, err := ofp.NewFrameReader(remote).ReadFrame()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("got % x, want % x", got, want)
	}
}

func TestEchoResponder(t *testing.T) {
	t.Parallel()

	ep, remote := newPeer(t, endpoint.WithEchoResponder())
	if _, err := remote.Write(ofp.EchoRequest(0x42, []byte("ping")).Marshal()); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = remote.SetReadDeadline(time.Now().Add(time.Second))
	got, err := ofp.NewFrameReader(remote).ReadFrame()
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	want := ofp.EchoReply(0x42, []byte("ping")).Marshal()
	if !bytes.Equal(got, want) {
		t.Errorf("reply = % x, want % x", got, want)
	}
	if n := ep.Pending(); n != 0 {
		t.Errorf("echo request queued: %d pending", n)
	}
}

func TestSendAfterClose(t *testing.T) {
	t.Parallel()

	ep, _ := newPeer(t)
	if err := ep.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := ep.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	err := ep.Send(ofp.Hello(1).Marshal())
	if !errors.Is(err, endpoint.ErrEndpointClosed) {
		t.Fatalf("Send after close err = %v", err)
	}
	var te *endpoint.TransportError
	if errors.As(err, &te) && te.Class() != "ECLOSED" {
		t.Errorf("Class = %q, want ECLOSED", te.Class())
	}

	_, err = ep.Receive(context.Background(), time.Second)
	if !errors.Is(err, endpoint.ErrEndpointClosed) {
		t.Errorf("Receive after close err = %v", err)
	}
}

func TestDrain(t *testing.T) {
	t.Parallel()

	ep, remote := newPeer(t)
	for i := range 3 {
		_, _ = remote.Write(ofp.Hello(uint32(i)).Marshal())
	}
	deadline := time.Now().Add(time.Second)
	for ep.Pending() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := ep.Drain(); n != 3 {
		t.Errorf("Drain = %d, want 3", n)
	}
	if _, ok := ep.TryReceive(); ok {
		t.Error("inbox not empty after Drain")
	}
}
