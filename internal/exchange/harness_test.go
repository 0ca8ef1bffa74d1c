package exchange_test

import (
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/net/nettest"

	"github.com/dantte-lp/gofvt/internal/endpoint"
	"github.com/dantte-lp/gofvt/internal/ofp"
	"github.com/dantte-lp/gofvt/internal/transcript"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// harness wires endpoints to loopback TCP connections whose far ends the
// test drives as a stand-in for the intermediary.
type harness struct {
	reg     *endpoint.Registry
	remotes map[endpoint.Address]net.Conn
	wg      sync.WaitGroup
}

func tcpPair(t *testing.T) (local, remote net.Conn) {
	t.Helper()

	ln, err := nettest.NewLocalListener("tcp")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		accepted <- c
	}()
	local, err = net.Dial(ln.Addr().Network(), ln.Addr().String())
	require.NoError(t, err)
	remote = <-accepted
	require.NotNil(t, remote)
	return local, remote
}

// newHarness builds switches downstream endpoints and controllers upstream
// peers, each holding one sub-session per switch.
func newHarness(t *testing.T, switches, controllers int) *harness {
	t.Helper()

	h := &harness{
		reg:     endpoint.NewRegistry(),
		remotes: make(map[endpoint.Address]net.Conn),
	}
	for i := range switches {
		local, remote := tcpPair(t)
		addr := endpoint.Downstream(i)
		require.NoError(t, h.reg.AddDownstream(i, endpoint.New(local, addr, discardLogger())))
		h.remotes[addr] = remote
	}
	for c := range controllers {
		up := endpoint.NewPeer(c, discardLogger())
		require.NoError(t, h.reg.AddUpstream(up))
		for i := range switches {
			local, remote := tcpPair(t)
			addr := up.Address(i)
			require.NoError(t, up.Attach(i, endpoint.New(local, addr, discardLogger())))
			h.remotes[addr] = remote
		}
	}

	t.Cleanup(func() {
		_ = h.reg.Close()
		for _, c := range h.remotes {
			_ = c.Close()
		}
		h.wg.Wait()
	})
	return h
}

// serve runs fn for every frame the endpoint at addr sends.
func (h *harness) serve(addr endpoint.Address, fn func(frame []byte)) {
	remote := h.remotes[addr]
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		fr := ofp.NewFrameReader(remote)
		for {
			frame, err := fr.ReadFrame()
			if err != nil {
				return
			}
			fn(frame)
		}
	}()
}

// deliver writes frame so that the endpoint at addr receives it.
func (h *harness) deliver(t *testing.T, addr endpoint.Address, frame []byte) {
	t.Helper()
	_, err := h.remotes[addr].Write(frame)
	require.NoError(t, err)
}

// forward is deliver for use inside serve callbacks, which must not fail
// the test from a background goroutine.
func (h *harness) forward(addr endpoint.Address, frame []byte) {
	_, _ = h.remotes[addr].Write(frame)
}

// deliverQueued writes frame and waits until the endpoint has queued it.
func (h *harness) deliverQueued(t *testing.T, addr endpoint.Address, frame []byte) {
	t.Helper()

	ep, err := h.reg.Resolve(addr)
	require.NoError(t, err)
	before := ep.Pending()
	h.deliver(t, addr, frame)
	require.Eventually(t, func() bool { return ep.Pending() > before }, time.Second, 2*time.Millisecond)
}

// memRecorder keeps transcript records in memory.
type memRecorder struct {
	mu      sync.Mutex
	records []transcript.Record
}

func (m *memRecorder) Record(rec transcript.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

// countingMetrics counts exchange outcomes.
type countingMetrics struct {
	mu       sync.Mutex
	outcomes map[string]int
	handles  int
}

func (c *countingMetrics) ObserveExchange(outcome string, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.outcomes == nil {
		c.outcomes = make(map[string]int)
	}
	c.outcomes[outcome]++
}

func (c *countingMetrics) IncHandlesCaptured() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handles++
}
