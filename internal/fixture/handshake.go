package fixture

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/dantte-lp/gofvt/internal/ofp"
)

// ErrHandshake indicates the peer deviated from the OpenFlow handshake.
var ErrHandshake = errors.New("handshake failed")

// handshake walks the fixed opening message sequence on a raw connection
// before it is handed to an Endpoint. Frames are read one at a time with
// no read-ahead, so the Endpoint's reader starts exactly where the
// handshake stopped.
type handshake struct {
	conn     net.Conn
	reader   *ofp.FrameReader
	deadline time.Time
}

func newHandshake(conn net.Conn, timeout time.Duration) *handshake {
	return &handshake{
		conn:     conn,
		reader:   ofp.NewFrameReader(conn),
		deadline: time.Now().Add(timeout),
	}
}

// send writes one frame.
func (h *handshake) send(m ofp.Message) error {
	_ = h.conn.SetWriteDeadline(h.deadline)
	if _, err := h.conn.Write(m.Marshal()); err != nil {
		return fmt.Errorf("send %s: %w", m.MessageType(), err)
	}
	return nil
}

// expect reads the next frame and checks its kind. ECHO_REQUEST frames in
// between are answered and skipped.
func (h *handshake) expect(want ofp.Type) ([]byte, error) {
	_ = h.conn.SetReadDeadline(h.deadline)
	for {
		frame, err := h.reader.ReadFrame()
		if err != nil {
			return nil, fmt.Errorf("await %s: %w", want, err)
		}
		got, _ := ofp.TypeOf(frame)
		if got == ofp.TypeEchoRequest && want != ofp.TypeEchoRequest {
			xid, _ := ofp.XID(frame)
			if err := h.send(ofp.EchoReply(xid, nil)); err != nil {
				return nil, err
			}
			continue
		}
		if got != want {
			return frame, fmt.Errorf("await %s: got %s: %w", want, ofp.Describe(frame), ErrHandshake)
		}
		return frame, nil
	}
}

// finish clears the deadlines so the Endpoint can block freely.
func (h *handshake) finish() {
	_ = h.conn.SetDeadline(time.Time{})
}
