package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dantte-lp/gofvt/internal/ofp"
)

// link is one relay-owned OpenFlow connection.
type link struct {
	conn   net.Conn
	reader *ofp.FrameReader

	// mu serializes whole-frame writes.
	mu sync.Mutex
}

func newLink(conn net.Conn) *link {
	return &link{conn: conn, reader: ofp.NewFrameReader(conn)}
}

func (l *link) write(frame []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.conn.Write(frame); err != nil {
		return fmt.Errorf("write to %s: %w", l.conn.RemoteAddr(), err)
	}
	return nil
}

// expect reads frames until one of kind want arrives, answering keepalives
// on the way.
func (l *link) expect(want ofp.Type) ([]byte, error) {
	for {
		frame, err := l.reader.ReadFrame()
		if err != nil {
			return nil, fmt.Errorf("await %s: %w", want, err)
		}
		t, _ := ofp.TypeOf(frame)
		if t == ofp.TypeEchoRequest {
			if err := l.answerEcho(frame); err != nil {
				return nil, err
			}
			continue
		}
		if t != want {
			return nil, fmt.Errorf("await %s: got %s: %w", want, ofp.Describe(frame), ErrHandshake)
		}
		return frame, nil
	}
}

func (l *link) answerEcho(frame []byte) error {
	xid, _ := ofp.XID(frame)
	return l.write(ofp.EchoReply(xid, frame[ofp.HeaderSize:]).Marshal())
}

// dialController opens a controller link and exchanges HELLOs.
func dialController(ctx context.Context, addr string, timeout time.Duration) (*link, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial controller %s: %w", addr, err)
	}
	l := newLink(conn)
	_ = conn.SetDeadline(time.Now().Add(timeout))
	if err := l.write(ofp.Hello(ofp.NextXID()).Marshal()); err != nil {
		conn.Close()
		return nil, err
	}
	if _, err := l.expect(ofp.TypeHello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("controller %s: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})
	return l, nil
}

// -------------------------------------------------------------------------
// Session
// -------------------------------------------------------------------------

// session bridges one switch to the controller links dialed for it.
type session struct {
	relay  *Relay
	logger *slog.Logger
	sw     *link
	ctls   []*link

	xids    *Translator
	cookies *Translator

	// mu guards ctls against closeAll while links are still being dialed.
	mu     sync.Mutex
	closed bool
}

// addController adds a dialed link. It reports false, closing l, when the
// session is already shutting down.
func (s *session) addController(l *link) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		_ = l.conn.Close()
		return false
	}
	s.ctls = append(s.ctls, l)
	return true
}

// switchHandshake answers the switch's HELLO, flushes its flow table and
// requests its features. It returns the datapath id.
func (s *session) switchHandshake(timeout time.Duration) (uint64, error) {
	conn := s.sw.conn
	_ = conn.SetDeadline(time.Now().Add(timeout))
	defer func() { _ = conn.SetDeadline(time.Time{}) }()

	hello, err := s.sw.expect(ofp.TypeHello)
	if err != nil {
		return 0, err
	}
	xid, _ := ofp.XID(hello)
	if err := s.sw.write(ofp.Hello(xid).Marshal()); err != nil {
		return 0, err
	}
	if err := s.sw.write(ofp.FlowModFlush(ofp.NextXID()).Marshal()); err != nil {
		return 0, err
	}
	reqXID := ofp.NextXID()
	if err := s.sw.write(ofp.FeaturesRequest(reqXID).Marshal()); err != nil {
		return 0, err
	}
	frame, err := s.sw.expect(ofp.TypeFeaturesReply)
	if err != nil {
		return 0, err
	}
	features, err := ofp.ParseFeaturesReply(frame)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	if features.XID != reqXID {
		return 0, fmt.Errorf("features reply xid 0x%08x, requested 0x%08x: %w", features.XID, reqXID, ErrHandshake)
	}
	return features.DatapathID, nil
}

// run forwards in both directions until any link fails or ctx ends.
func (s *session) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		s.closeAll()
		return nil
	})
	g.Go(s.fromSwitch)
	for i := range s.ctls {
		g.Go(func() error { return s.fromController(i) })
	}
	return g.Wait()
}

func (s *session) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	_ = s.sw.conn.Close()
	for _, l := range s.ctls {
		_ = l.conn.Close()
	}
}

// fromController rewrites and forwards everything controller i sends.
func (s *session) fromController(i int) error {
	l := s.ctls[i]
	for {
		frame, err := l.reader.ReadFrame()
		if err != nil {
			return fmt.Errorf("controller %d: %w", i, err)
		}
		t, _ := ofp.TypeOf(frame)
		xid, _ := ofp.XID(frame)

		if frame[0] != ofp.Version {
			reject := &ofp.Error{
				XID:  xid,
				Type: ofp.ErrBadRequest,
				Code: ofp.BadRequestBadVersion,
				Data: frame[:min(len(frame), errorDataLimit)],
			}
			if err := l.write(reject.Marshal()); err != nil {
				return err
			}
			s.relay.metrics.IncRejected(t.String())
			s.logger.Debug("rejected frame",
				slog.Int("controller", i),
				slog.String("frame", ofp.Describe(frame)),
			)
			continue
		}

		switch t {
		case ofp.TypeHello, ofp.TypeEchoReply:
			continue
		case ofp.TypeEchoRequest:
			if err := l.answerEcho(frame); err != nil {
				return err
			}
			continue
		}

		out := append([]byte(nil), frame...)
		relayXID, err := s.xids.Assign(Origin{Controller: i, Value: uint64(xid)})
		if err != nil {
			return err
		}
		_ = ofp.SetXID(out, uint32(relayXID))

		if t == ofp.TypeFlowMod {
			if cookie, err := ofp.Cookie(out); err == nil {
				relayCookie, err := s.cookies.Assign(Origin{Controller: i, Value: cookie})
				if err != nil {
					return err
				}
				_ = ofp.SetCookie(out, relayCookie)
			}
		}

		if err := s.sw.write(out); err != nil {
			return err
		}
		s.relay.metrics.IncRelayed(DirectionToSwitch, t.String())
	}
}

// fromSwitch routes replies to the controller that asked, flow removals to
// the controller that installed the flow, and everything else to all
// controllers.
func (s *session) fromSwitch() error {
	for {
		frame, err := s.sw.reader.ReadFrame()
		if err != nil {
			return fmt.Errorf("switch: %w", err)
		}
		t, _ := ofp.TypeOf(frame)

		switch t {
		case ofp.TypeHello, ofp.TypeEchoReply:
			continue
		case ofp.TypeEchoRequest:
			if err := s.sw.answerEcho(frame); err != nil {
				return err
			}
			continue
		}

		if isReply(t) {
			xid, _ := ofp.XID(frame)
			if o, ok := s.xids.Lookup(uint64(xid)); ok {
				out := append([]byte(nil), frame...)
				_ = ofp.SetXID(out, uint32(o.Value))
				if err := s.toController(o.Controller, t, out); err != nil {
					return err
				}
				continue
			}
		}

		if t == ofp.TypeFlowRemoved {
			if cookie, err := ofp.Cookie(frame); err == nil {
				if o, ok := s.cookies.Take(cookie); ok {
					out := append([]byte(nil), frame...)
					_ = ofp.SetCookie(out, o.Value)
					if err := s.toController(o.Controller, t, out); err != nil {
						return err
					}
					continue
				}
			}
		}

		for i := range s.ctls {
			if err := s.toController(i, t, frame); err != nil {
				return err
			}
		}
	}
}

func (s *session) toController(i int, t ofp.Type, frame []byte) error {
	if i < 0 || i >= len(s.ctls) {
		return nil
	}
	if err := s.ctls[i].write(frame); err != nil {
		return err
	}
	s.relay.metrics.IncRelayed(DirectionToController, t.String())
	return nil
}

// isReply reports whether t answers a controller request and so carries
// a relay-assigned xid.
func isReply(t ofp.Type) bool {
	switch t {
	case ofp.TypeError,
		ofp.TypeFeaturesReply,
		ofp.TypeGetConfigReply,
		ofp.TypeStatsReply,
		ofp.TypeBarrierReply,
		ofp.TypeQueueGetConfigReply:
		return true
	default:
		return false
	}
}
