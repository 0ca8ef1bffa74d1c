package endpoint_test

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/dantte-lp/gofvt/internal/endpoint"
)

func pipeEndpoint(t *testing.T, addr endpoint.Address) *endpoint.Endpoint {
	t.Helper()

	local, remote := net.Pipe()
	t.Cleanup(func() { remote.Close() })
	return endpoint.New(local, addr, discardLogger())
}

func TestAddressString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		addr endpoint.Address
		want string
	}{
		{addr: endpoint.Downstream(0), want: "downstream[0]"},
		{addr: endpoint.Upstream(2), want: "upstream[2]"},
		{addr: endpoint.Upstream(1).Via(3), want: "upstream[1]/downstream[3]"},
	}
	for _, tt := range tests {
		if got := tt.addr.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestRegistryResolve(t *testing.T) {
	t.Parallel()

	reg := endpoint.NewRegistry()
	t.Cleanup(func() { _ = reg.Close() })

	sw0 := pipeEndpoint(t, endpoint.Downstream(0))
	if err := reg.AddDownstream(0, sw0); err != nil {
		t.Fatalf("AddDownstream: %v", err)
	}

	ctl := endpoint.NewPeer(1, discardLogger())
	if err := reg.AddUpstream(ctl); err != nil {
		t.Fatalf("AddUpstream: %v", err)
	}
	sub := pipeEndpoint(t, ctl.Address(0))
	if err := ctl.Attach(0, sub); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	tests := []struct {
		name    string
		addr    endpoint.Address
		want    *endpoint.Endpoint
		wantErr error
	}{
		{name: "downstream", addr: endpoint.Downstream(0), want: sw0},
		{name: "sub-session", addr: endpoint.Upstream(1).Via(0), want: sub},
		{name: "unknown downstream", addr: endpoint.Downstream(7), wantErr: endpoint.ErrUnknownEndpoint},
		{name: "unknown upstream", addr: endpoint.Upstream(9).Via(0), wantErr: endpoint.ErrUnknownEndpoint},
		{name: "unknown sub-session", addr: endpoint.Upstream(1).Via(4), wantErr: endpoint.ErrUnknownEndpoint},
		{name: "upstream without sub", addr: endpoint.Upstream(1), wantErr: endpoint.ErrSubSessionRequired},
		{name: "downstream with sub", addr: endpoint.Downstream(0).Via(1), wantErr: endpoint.ErrUnknownEndpoint},
		{name: "zero address", addr: endpoint.Address{}, wantErr: endpoint.ErrUnknownEndpoint},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := reg.Resolve(tt.addr)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				if got != nil {
					t.Errorf("endpoint = %v, want nil on error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if got != tt.want {
				t.Errorf("Resolve returned %s, want %s", got.Name(), tt.want.Name())
			}
		})
	}
}

func TestRegistryDuplicate(t *testing.T) {
	t.Parallel()

	reg := endpoint.NewRegistry()
	t.Cleanup(func() { _ = reg.Close() })

	if err := reg.AddDownstream(0, pipeEndpoint(t, endpoint.Downstream(0))); err != nil {
		t.Fatalf("AddDownstream: %v", err)
	}
	dup := pipeEndpoint(t, endpoint.Downstream(0))
	t.Cleanup(func() { _ = dup.Close() })
	if err := reg.AddDownstream(0, dup); !errors.Is(err, endpoint.ErrDuplicateEndpoint) {
		t.Errorf("duplicate downstream err = %v", err)
	}

	if err := reg.AddUpstream(endpoint.NewPeer(0, discardLogger())); err != nil {
		t.Fatalf("AddUpstream: %v", err)
	}
	if err := reg.AddUpstream(endpoint.NewPeer(0, discardLogger())); !errors.Is(err, endpoint.ErrDuplicateEndpoint) {
		t.Errorf("duplicate upstream err = %v", err)
	}

	if got := reg.DownstreamIndexes(); len(got) != 1 || got[0] != 0 {
		t.Errorf("DownstreamIndexes = %v", got)
	}
}

func TestRegistryCloseClosesEverything(t *testing.T) {
	t.Parallel()

	reg := endpoint.NewRegistry()
	sw := pipeEndpoint(t, endpoint.Downstream(0))
	_ = reg.AddDownstream(0, sw)

	ctl := endpoint.NewPeer(0, discardLogger())
	_ = reg.AddUpstream(ctl)
	sub := pipeEndpoint(t, ctl.Address(0))
	_ = ctl.Attach(0, sub)

	if err := reg.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	for _, ep := range []*endpoint.Endpoint{sw, sub} {
		select {
		case <-ep.Done():
		default:
			t.Errorf("%s reader still running after registry close", ep.Name())
		}
	}
	if err := ctl.Attach(1, pipeEndpoint(t, ctl.Address(1))); !errors.Is(err, endpoint.ErrUpstreamClosed) {
		t.Errorf("Attach after close err = %v", err)
	}
}

func TestPeerWaitSession(t *testing.T) {
	t.Parallel()

	ctl := endpoint.NewPeer(0, discardLogger())
	t.Cleanup(func() { _ = ctl.Close() })

	sub := pipeEndpoint(t, ctl.Address(2))
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = ctl.Attach(2, sub)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := ctl.WaitSession(ctx, 2)
	if err != nil {
		t.Fatalf("WaitSession: %v", err)
	}
	if got != sub {
		t.Errorf("WaitSession returned %s", got.Name())
	}
	if s := ctl.Sessions(); len(s) != 1 || s[0] != 2 {
		t.Errorf("Sessions = %v", s)
	}

	short, cancelShort := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancelShort()
	if _, err := ctl.WaitSession(short, 5); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitSession(absent) err = %v", err)
	}
}

func TestRegistryUpstreamLookup(t *testing.T) {
	t.Parallel()

	reg := endpoint.NewRegistry()
	t.Cleanup(func() { _ = reg.Close() })

	peer := endpoint.NewPeer(3, discardLogger())
	if err := reg.AddUpstream(peer); err != nil {
		t.Fatalf("AddUpstream: %v", err)
	}

	got, ok := reg.Upstream(3)
	if !ok || got != peer {
		t.Fatalf("Upstream(3) = %v, %v; want the registered peer", got, ok)
	}
	if got.Index() != 3 {
		t.Errorf("Index() = %d, want 3", got.Index())
	}
	if want := endpoint.Upstream(3).Via(1); got.Address(1) != want {
		t.Errorf("Address(1) = %s, want %s", got.Address(1), want)
	}
	if _, ok := reg.Upstream(4); ok {
		t.Error("Upstream(4) found an unregistered peer")
	}
	if idx := reg.UpstreamIndexes(); len(idx) != 1 || idx[0] != 3 {
		t.Errorf("UpstreamIndexes = %v", idx)
	}
}
