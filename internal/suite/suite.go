// Package suite holds the built-in conformance checks run by
// "gofvt selftest" and the integration tests. Each check drives the
// fixture's orchestrator through a short sequence of exchanges.
package suite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dantte-lp/gofvt/internal/endpoint"
	"github.com/dantte-lp/gofvt/internal/exchange"
	"github.com/dantte-lp/gofvt/internal/ofp"
)

// ErrNoHandle indicates an exchange that should have captured a handle
// did not.
var ErrNoHandle = errors.New("no handle captured")

// Topology is the number of simulated switches and controllers a check
// runs against.
type Topology struct {
	Switches    int
	Controllers int
}

// Check is one named conformance check.
type Check struct {
	Name string

	// MinSwitches and MinControllers are the smallest topology the check
	// is meaningful on. Smaller topologies skip it.
	MinSwitches    int
	MinControllers int

	Run func(ctx context.Context, r *Runner, topo Topology) error
}

// Outcome is the verdict of one check.
type Outcome struct {
	Name      string        `json:"name"`
	OK        bool          `json:"ok"`
	Skipped   bool          `json:"skipped,omitempty"`
	Exchanges int           `json:"exchanges"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
}

// Runner counts the exchanges a check runs and turns failed verdicts
// into errors.
type Runner struct {
	orc       *exchange.Orchestrator
	exchanges int
}

// Exchange runs one exchange and returns its result. A failed verdict is
// returned as the error as well.
func (r *Runner) Exchange(ctx context.Context, d exchange.Directive, exps ...exchange.Expectation) (exchange.Result, error) {
	r.exchanges++
	res := r.orc.Run(ctx, d, exps...)
	return res, res.Err()
}

// Run executes checks in order against orc. A failing check does not
// stop the ones after it.
func Run(ctx context.Context, orc *exchange.Orchestrator, topo Topology, checks ...Check) []Outcome {
	out := make([]Outcome, 0, len(checks))
	for _, c := range checks {
		o := Outcome{Name: c.Name}
		if topo.Switches < c.MinSwitches || topo.Controllers < c.MinControllers {
			o.OK = true
			o.Skipped = true
			out = append(out, o)
			continue
		}

		r := &Runner{orc: orc}
		start := time.Now()
		err := c.Run(ctx, r, topo)
		o.Duration = time.Since(start)
		o.Exchanges = r.exchanges
		o.OK = err == nil
		if err != nil {
			o.Error = err.Error()
		}
		out = append(out, o)
	}
	return out
}

// Passed reports whether every outcome is OK.
func Passed(outcomes []Outcome) bool {
	for _, o := range outcomes {
		if !o.OK {
			return false
		}
	}
	return true
}

// -------------------------------------------------------------------------
// Built-in checks
// -------------------------------------------------------------------------

// Builtin returns the checks every OpenFlow intermediary should pass.
func Builtin() []Check {
	return []Check{
		{Name: "packet_out_forwarded", MinSwitches: 1, MinControllers: 1, Run: packetOutForwarded},
		{Name: "packet_in_fanout", MinSwitches: 1, MinControllers: 1, Run: packetInFanout},
		{Name: "barrier_reply_routed", MinSwitches: 1, MinControllers: 1, Run: barrierReplyRouted},
		{Name: "flow_cookie_round_trip", MinSwitches: 1, MinControllers: 1, Run: flowCookieRoundTrip},
		{Name: "bad_version_rejected", MinSwitches: 1, MinControllers: 1, Run: badVersionRejected},
	}
}

// Lookup returns the built-in check called name.
func Lookup(name string) (Check, bool) {
	for _, c := range Builtin() {
		if c.Name == name {
			return c, true
		}
	}
	return Check{}, false
}

// packetOutForwarded sends a PACKET_OUT from every controller through
// switch 0's session. The intermediary may rewrite the xid.
func packetOutForwarded(ctx context.Context, r *Runner, topo Topology) error {
	for c := range topo.Controllers {
		out := (&ofp.PacketOut{
			XID:      0x4200 + uint32(c),
			BufferID: ofp.BufferNone,
			InPort:   ofp.PortNone,
			Actions:  []ofp.ActionOutput{{Port: 1}},
			Data:     []byte{0xde, 0xad, 0xbe, 0xef, byte(c)},
		}).Marshal()

		exp := exchange.Expect(endpoint.Downstream(0), out)
		exp.IgnoreXID = true
		if _, err := r.Exchange(ctx, exchange.Directive{Origin: endpoint.Upstream(c).Via(0), Payload: out}, exp); err != nil {
			return fmt.Errorf("controller %d: %w", c, err)
		}
	}
	return nil
}

// packetInFanout sends an unsolicited PACKET_IN from every switch and
// expects every controller to see it unchanged.
func packetInFanout(ctx context.Context, r *Runner, topo Topology) error {
	for sw := range topo.Switches {
		pin := (&ofp.PacketIn{
			XID:      0,
			BufferID: ofp.BufferNone,
			InPort:   1,
			Reason:   ofp.ReasonNoMatch,
			Data:     []byte{0x01, 0x02, 0x03, byte(sw)},
		}).Marshal()

		exps := make([]exchange.Expectation, 0, topo.Controllers)
		for c := range topo.Controllers {
			exps = append(exps, exchange.Expect(endpoint.Upstream(c), pin))
		}
		if _, err := r.Exchange(ctx, exchange.Directive{Origin: endpoint.Downstream(sw), Payload: pin}, exps...); err != nil {
			return fmt.Errorf("switch %d: %w", sw, err)
		}
	}
	return nil
}

// barrierReplyRouted checks that a BARRIER_REPLY reaches only the
// controller that asked, with its own xid restored.
func barrierReplyRouted(ctx context.Context, r *Runner, topo Topology) error {
	for c := range topo.Controllers {
		xid := 0x5100 + uint32(c)
		req := ofp.BarrierRequest(xid).Marshal()

		exp := exchange.Expect(endpoint.Downstream(0), req)
		exp.IgnoreXID = true
		res, err := r.Exchange(ctx, exchange.Directive{Origin: endpoint.Upstream(c).Via(0), Payload: req}, exp)
		if err != nil {
			return fmt.Errorf("controller %d request: %w", c, err)
		}

		reply := &ofp.Simple{Type: ofp.TypeBarrierReply, XID: res.TransactionID}
		want := &ofp.Simple{Type: ofp.TypeBarrierReply, XID: xid}
		exps := []exchange.Expectation{exchange.Expect(endpoint.Upstream(c), want.Marshal())}
		for other := range topo.Controllers {
			if other != c {
				exps = append(exps, exchange.ExpectNothing(endpoint.Upstream(other)))
			}
		}
		if _, err := r.Exchange(ctx, exchange.Directive{Origin: endpoint.Downstream(0), Payload: reply.Marshal()}, exps...); err != nil {
			return fmt.Errorf("controller %d reply: %w", c, err)
		}
	}
	return nil
}

// flowCookieRoundTrip installs a flow from controller 0, captures the
// cookie the switch saw and removes the flow with it. The FLOW_REMOVED
// must reach controller 0 carrying the original cookie.
func flowCookieRoundTrip(ctx context.Context, r *Runner, _ Topology) error {
	const cookie = 0x00c0ffee

	fm := (&ofp.FlowMod{
		XID:      0x61,
		Match:    ofp.MatchAll(),
		Cookie:   cookie,
		Command:  ofp.FlowAdd,
		Priority: 100,
		BufferID: ofp.BufferNone,
		OutPort:  ofp.PortNone,
		Actions:  []ofp.ActionOutput{{Port: 2}},
	}).Marshal()

	exp := exchange.Expect(endpoint.Downstream(0), fm)
	exp.IgnoreXID = true
	exp.IgnoreHandle = true
	res, err := r.Exchange(ctx, exchange.Directive{Origin: endpoint.Upstream(0).Via(0), Payload: fm}, exp)
	if err != nil {
		return fmt.Errorf("flow mod: %w", err)
	}
	seen, ok := res.Handle(0)
	if !ok {
		return fmt.Errorf("flow mod: %w", ErrNoHandle)
	}

	removed := &ofp.FlowRemoved{XID: 0, Match: ofp.MatchAll(), Cookie: seen, Priority: 100}
	restored := &ofp.FlowRemoved{XID: 0, Match: ofp.MatchAll(), Cookie: cookie, Priority: 100}
	if _, err := r.Exchange(ctx,
		exchange.Directive{Origin: endpoint.Downstream(0), Payload: removed.Marshal()},
		exchange.Expect(endpoint.Upstream(0), restored.Marshal()),
	); err != nil {
		return fmt.Errorf("flow removed: %w", err)
	}
	return nil
}

// badVersionRejected sends a frame with a foreign version byte and
// expects an ERROR carrying BAD_REQUEST/BAD_VERSION back on the same
// session, never reaching the switch.
func badVersionRejected(ctx context.Context, r *Runner, _ Topology) error {
	frame := ofp.BarrierRequest(0x77).Marshal()
	frame[0] = 0x04

	want := &ofp.Error{XID: 0x77, Type: ofp.ErrBadRequest, Code: ofp.BadRequestBadVersion, Data: frame}
	if _, err := r.Exchange(ctx,
		exchange.Directive{Origin: endpoint.Upstream(0).Via(0), Payload: frame},
		exchange.Expect(endpoint.Upstream(0).Via(0), want.Marshal()),
		exchange.ExpectNothing(endpoint.Downstream(0)),
	); err != nil {
		return err
	}
	return nil
}
