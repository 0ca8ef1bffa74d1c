package ofp

import (
	"encoding/binary"
	"fmt"
	"net"
)

// -------------------------------------------------------------------------
// Wire Constants (OpenFlow 1.0)
// -------------------------------------------------------------------------

// Structure sizes in bytes.
const (
	MatchSize        = 40
	PhyPortSize      = 48
	ActionOutputSize = 8

	flowModSize       = HeaderSize + MatchSize + 24 // 72
	flowRemovedSize   = HeaderSize + MatchSize + 40 // 88
	featuresReplySize = 32
	packetInSize      = 18
	packetOutSize     = 16
	errorSize         = 12
	portNameLen       = 16
)

// Well-known field values.
const (
	// WildcardAll is OFPFW_ALL: every match field wildcarded.
	WildcardAll uint32 = (1 << 22) - 1

	// PortNone is OFPP_NONE.
	PortNone uint16 = 0xFFFF

	// BufferNone is the buffer id meaning "not buffered".
	BufferNone uint32 = 0xFFFFFFFF

	// CapFlowStats, CapTableStats and CapPortStats are ofp_capabilities bits.
	CapFlowStats  uint32 = 1 << 0
	CapTableStats uint32 = 1 << 1
	CapPortStats  uint32 = 1 << 2

	// ActionTypeOutput is OFPAT_OUTPUT.
	ActionTypeOutput uint16 = 0

	// ReasonNoMatch is OFPR_NO_MATCH for PACKET_IN.
	ReasonNoMatch uint8 = 0
)

// FlowModCommand is the ofp_flow_mod_command.
type FlowModCommand uint16

const (
	FlowAdd          FlowModCommand = 0
	FlowModify       FlowModCommand = 1
	FlowModifyStrict FlowModCommand = 2
	FlowDelete       FlowModCommand = 3
	FlowDeleteStrict FlowModCommand = 4
)

// ErrorType is the ofp_error_type.
type ErrorType uint16

const (
	ErrHelloFailed   ErrorType = 0
	ErrBadRequest    ErrorType = 1
	ErrBadAction     ErrorType = 2
	ErrFlowModFailed ErrorType = 3
	ErrPortModFailed ErrorType = 4
	ErrQueueOpFailed ErrorType = 5
)

// Bad request codes (ofp_bad_request_code).
const (
	BadRequestBadVersion uint16 = 0
	BadRequestBadType    uint16 = 1
	BadRequestEPerm      uint16 = 5
	BadRequestBadLen     uint16 = 6
)

// Message is anything that serializes to a complete OpenFlow frame.
type Message interface {
	MessageType() Type
	Marshal() []byte
}

// newFrame allocates a frame of size bytes with the common header filled in.
func newFrame(t Type, xid uint32, size int) []byte {
	buf := make([]byte, size)
	// size is always >= HeaderSize here.
	_ = MarshalHeader(Header{Version: Version, Type: t, Length: uint16(size), XID: xid}, buf)
	return buf
}

// -------------------------------------------------------------------------
// Header-only messages
// -------------------------------------------------------------------------

// Simple is a message consisting of the common header plus an optional
// opaque body: HELLO, ECHO_REQUEST/REPLY, FEATURES_REQUEST, BARRIER_*.
type Simple struct {
	Type Type
	XID  uint32
	Body []byte
}

// Hello returns a HELLO with the given xid.
func Hello(xid uint32) *Simple { return &Simple{Type: TypeHello, XID: xid} }

// EchoRequest returns an ECHO_REQUEST carrying body.
func EchoRequest(xid uint32, body []byte) *Simple {
	return &Simple{Type: TypeEchoRequest, XID: xid, Body: body}
}

// EchoReply returns an ECHO_REPLY carrying body.
func EchoReply(xid uint32, body []byte) *Simple {
	return &Simple{Type: TypeEchoReply, XID: xid, Body: body}
}

// FeaturesRequest returns a FEATURES_REQUEST.
func FeaturesRequest(xid uint32) *Simple { return &Simple{Type: TypeFeaturesRequest, XID: xid} }

// BarrierRequest returns a BARRIER_REQUEST.
func BarrierRequest(xid uint32) *Simple { return &Simple{Type: TypeBarrierRequest, XID: xid} }

// MessageType implements Message.
func (m *Simple) MessageType() Type { return m.Type }

// Marshal implements Message.
func (m *Simple) Marshal() []byte {
	buf := newFrame(m.Type, m.XID, HeaderSize+len(m.Body))
	copy(buf[HeaderSize:], m.Body)
	return buf
}

// -------------------------------------------------------------------------
// ofp_match
// -------------------------------------------------------------------------

// Match is the 40-byte ofp_match structure.
type Match struct {
	Wildcards uint32
	InPort    uint16
	DLSrc     net.HardwareAddr
	DLDst     net.HardwareAddr
	DLVLAN    uint16
	DLVLANPCP uint8
	DLType    uint16
	NWTos     uint8
	NWProto   uint8
	NWSrc     uint32
	NWDst     uint32
	TPSrc     uint16
	TPDst     uint16
}

// MatchAll returns a fully wildcarded match.
func MatchAll() Match {
	return Match{Wildcards: WildcardAll}
}

func (m Match) marshalTo(b []byte) {
	binary.BigEndian.PutUint32(b[0:4], m.Wildcards)
	binary.BigEndian.PutUint16(b[4:6], m.InPort)
	copy(b[6:12], m.DLSrc)
	copy(b[12:18], m.DLDst)
	binary.BigEndian.PutUint16(b[18:20], m.DLVLAN)
	b[20] = m.DLVLANPCP
	binary.BigEndian.PutUint16(b[22:24], m.DLType)
	b[24] = m.NWTos
	b[25] = m.NWProto
	binary.BigEndian.PutUint32(b[28:32], m.NWSrc)
	binary.BigEndian.PutUint32(b[32:36], m.NWDst)
	binary.BigEndian.PutUint16(b[36:38], m.TPSrc)
	binary.BigEndian.PutUint16(b[38:40], m.TPDst)
}

func unmarshalMatch(b []byte) Match {
	return Match{
		Wildcards: binary.BigEndian.Uint32(b[0:4]),
		InPort:    binary.BigEndian.Uint16(b[4:6]),
		DLSrc:     net.HardwareAddr(append([]byte(nil), b[6:12]...)),
		DLDst:     net.HardwareAddr(append([]byte(nil), b[12:18]...)),
		DLVLAN:    binary.BigEndian.Uint16(b[18:20]),
		DLVLANPCP: b[20],
		DLType:    binary.BigEndian.Uint16(b[22:24]),
		NWTos:     b[24],
		NWProto:   b[25],
		NWSrc:     binary.BigEndian.Uint32(b[28:32]),
		NWDst:     binary.BigEndian.Uint32(b[32:36]),
		TPSrc:     binary.BigEndian.Uint16(b[36:38]),
		TPDst:     binary.BigEndian.Uint16(b[38:40]),
	}
}

// -------------------------------------------------------------------------
// Actions
// -------------------------------------------------------------------------

// ActionOutput is OFPAT_OUTPUT.
type ActionOutput struct {
	Port   uint16
	MaxLen uint16
}

func marshalActions(actions []ActionOutput, b []byte) {
	for i, a := range actions {
		off := i * ActionOutputSize
		binary.BigEndian.PutUint16(b[off:off+2], ActionTypeOutput)
		binary.BigEndian.PutUint16(b[off+2:off+4], ActionOutputSize)
		binary.BigEndian.PutUint16(b[off+4:off+6], a.Port)
		binary.BigEndian.PutUint16(b[off+6:off+8], a.MaxLen)
	}
}

// -------------------------------------------------------------------------
// FLOW_MOD / FLOW_REMOVED
// -------------------------------------------------------------------------

// FlowMod is OFPT_FLOW_MOD. Cookie is the opaque handle intermediaries may
// rewrite.
type FlowMod struct {
	XID         uint32
	Match       Match
	Cookie      uint64
	Command     FlowModCommand
	IdleTimeout uint16
	HardTimeout uint16
	Priority    uint16
	BufferID    uint32
	OutPort     uint16
	Flags       uint16
	Actions     []ActionOutput
}

// FlowModFlush returns the delete-everything FLOW_MOD an intermediary sends
// to a newly connected switch.
func FlowModFlush(xid uint32) *FlowMod {
	return &FlowMod{
		XID:      xid,
		Match:    MatchAll(),
		Command:  FlowDelete,
		BufferID: BufferNone,
		OutPort:  PortNone,
	}
}

// MessageType implements Message.
func (m *FlowMod) MessageType() Type { return TypeFlowMod }

// Marshal implements Message.
func (m *FlowMod) Marshal() []byte {
	buf := newFrame(TypeFlowMod, m.XID, flowModSize+len(m.Actions)*ActionOutputSize)
	m.Match.marshalTo(buf[HeaderSize:CookieOffset])
	binary.BigEndian.PutUint64(buf[CookieOffset:CookieOffset+CookieSize], m.Cookie)
	binary.BigEndian.PutUint16(buf[56:58], uint16(m.Command))
	binary.BigEndian.PutUint16(buf[58:60], m.IdleTimeout)
	binary.BigEndian.PutUint16(buf[60:62], m.HardTimeout)
	binary.BigEndian.PutUint16(buf[62:64], m.Priority)
	binary.BigEndian.PutUint32(buf[64:68], m.BufferID)
	binary.BigEndian.PutUint16(buf[68:70], m.OutPort)
	binary.BigEndian.PutUint16(buf[70:72], m.Flags)
	marshalActions(m.Actions, buf[flowModSize:])
	return buf
}

// FlowRemoved is OFPT_FLOW_REMOVED.
type FlowRemoved struct {
	XID          uint32
	Match        Match
	Cookie       uint64
	Priority     uint16
	Reason       uint8
	DurationSec  uint32
	DurationNsec uint32
	IdleTimeout  uint16
	PacketCount  uint64
	ByteCount    uint64
}

// MessageType implements Message.
func (m *FlowRemoved) MessageType() Type { return TypeFlowRemoved }

// Marshal implements Message.
func (m *FlowRemoved) Marshal() []byte {
	buf := newFrame(TypeFlowRemoved, m.XID, flowRemovedSize)
	m.Match.marshalTo(buf[HeaderSize:CookieOffset])
	binary.BigEndian.PutUint64(buf[CookieOffset:CookieOffset+CookieSize], m.Cookie)
	binary.BigEndian.PutUint16(buf[56:58], m.Priority)
	buf[58] = m.Reason
	binary.BigEndian.PutUint32(buf[60:64], m.DurationSec)
	binary.BigEndian.PutUint32(buf[64:68], m.DurationNsec)
	binary.BigEndian.PutUint16(buf[68:70], m.IdleTimeout)
	binary.BigEndian.PutUint64(buf[72:80], m.PacketCount)
	binary.BigEndian.PutUint64(buf[80:88], m.ByteCount)
	return buf
}

// Cookie reads the cookie of a FLOW_MOD or FLOW_REMOVED frame.
func Cookie(buf []byte) (uint64, error) {
	t, _ := TypeOf(buf)
	if t != TypeFlowMod && t != TypeFlowRemoved {
		return 0, fmt.Errorf("read cookie from %s: %w", t, ErrUnexpectedType)
	}
	if len(buf) < CookieOffset+CookieSize {
		return 0, fmt.Errorf("read cookie: %d bytes: %w", len(buf), ErrPacketTooShort)
	}
	return binary.BigEndian.Uint64(buf[CookieOffset : CookieOffset+CookieSize]), nil
}

// SetCookie overwrites the cookie of a FLOW_MOD or FLOW_REMOVED in place.
func SetCookie(buf []byte, cookie uint64) error {
	t, _ := TypeOf(buf)
	if t != TypeFlowMod && t != TypeFlowRemoved {
		return fmt.Errorf("write cookie to %s: %w", t, ErrUnexpectedType)
	}
	if len(buf) < CookieOffset+CookieSize {
		return fmt.Errorf("write cookie: %d bytes: %w", len(buf), ErrPacketTooShort)
	}
	binary.BigEndian.PutUint64(buf[CookieOffset:CookieOffset+CookieSize], cookie)
	return nil
}

// -------------------------------------------------------------------------
// FEATURES_REPLY
// -------------------------------------------------------------------------

// PhyPort is ofp_phy_port.
type PhyPort struct {
	PortNo     uint16
	HWAddr     net.HardwareAddr
	Name       string
	Config     uint32
	State      uint32
	Curr       uint32
	Advertised uint32
	Supported  uint32
	Peer       uint32
}

// FeaturesReply is OFPT_FEATURES_REPLY.
type FeaturesReply struct {
	XID          uint32
	DatapathID   uint64
	NBuffers     uint32
	NTables      uint8
	Capabilities uint32
	Actions      uint32
	Ports        []PhyPort
}

// MessageType implements Message.
func (m *FeaturesReply) MessageType() Type { return TypeFeaturesReply }

// Marshal implements Message.
func (m *FeaturesReply) Marshal() []byte {
	buf := newFrame(TypeFeaturesReply, m.XID, featuresReplySize+len(m.Ports)*PhyPortSize)
	binary.BigEndian.PutUint64(buf[8:16], m.DatapathID)
	binary.BigEndian.PutUint32(buf[16:20], m.NBuffers)
	buf[20] = m.NTables
	binary.BigEndian.PutUint32(buf[24:28], m.Capabilities)
	binary.BigEndian.PutUint32(buf[28:32], m.Actions)
	for i, p := range m.Ports {
		b := buf[featuresReplySize+i*PhyPortSize:]
		binary.BigEndian.PutUint16(b[0:2], p.PortNo)
		copy(b[2:8], p.HWAddr)
		copy(b[8:8+portNameLen-1], p.Name) // keep the trailing NUL
		binary.BigEndian.PutUint32(b[24:28], p.Config)
		binary.BigEndian.PutUint32(b[28:32], p.State)
		binary.BigEndian.PutUint32(b[32:36], p.Curr)
		binary.BigEndian.PutUint32(b[36:40], p.Advertised)
		binary.BigEndian.PutUint32(b[40:44], p.Supported)
		binary.BigEndian.PutUint32(b[44:48], p.Peer)
	}
	return buf
}

// SwitchFeatures builds the FEATURES_REPLY a simulated switch answers with:
// 128 buffers, 2 tables, flow/table/port stats, and one port per entry in
// ports whose MAC is derived from the datapath id and port number.
func SwitchFeatures(xid uint32, dpid uint64, ports []uint16) *FeaturesReply {
	fr := &FeaturesReply{
		XID:          xid,
		DatapathID:   dpid,
		NBuffers:     128,
		NTables:      2,
		Capabilities: CapFlowStats | CapTableStats | CapPortStats,
		Actions:      1 << ActionTypeOutput,
	}
	for _, p := range ports {
		fr.Ports = append(fr.Ports, PhyPort{
			PortNo: p,
			HWAddr: net.HardwareAddr{
				0,
				byte(dpid >> 16), byte(dpid >> 8), byte(dpid),
				byte(p >> 8), byte(p),
			},
			Name: fmt.Sprintf("port %d", p),
		})
	}
	return fr
}

// ParseFeaturesReply decodes the fixed part and the port list.
func ParseFeaturesReply(buf []byte) (*FeaturesReply, error) {
	h, err := ValidateHeader(buf)
	if err != nil {
		return nil, fmt.Errorf("parse features reply: %w", err)
	}
	if h.Type != TypeFeaturesReply {
		return nil, fmt.Errorf("parse features reply: got %s: %w", h.Type, ErrUnexpectedType)
	}
	if h.Length < featuresReplySize {
		return nil, fmt.Errorf("parse features reply: length %d: %w", h.Length, ErrPacketTooShort)
	}
	fr := &FeaturesReply{
		XID:          h.XID,
		DatapathID:   binary.BigEndian.Uint64(buf[8:16]),
		NBuffers:     binary.BigEndian.Uint32(buf[16:20]),
		NTables:      buf[20],
		Capabilities: binary.BigEndian.Uint32(buf[24:28]),
		Actions:      binary.BigEndian.Uint32(buf[28:32]),
	}
	for off := featuresReplySize; off+PhyPortSize <= int(h.Length); off += PhyPortSize {
		b := buf[off : off+PhyPortSize]
		fr.Ports = append(fr.Ports, PhyPort{
			PortNo:     binary.BigEndian.Uint16(b[0:2]),
			HWAddr:     net.HardwareAddr(append([]byte(nil), b[2:8]...)),
			Name:       cString(b[8 : 8+portNameLen]),
			Config:     binary.BigEndian.Uint32(b[24:28]),
			State:      binary.BigEndian.Uint32(b[28:32]),
			Curr:       binary.BigEndian.Uint32(b[32:36]),
			Advertised: binary.BigEndian.Uint32(b[36:40]),
			Supported:  binary.BigEndian.Uint32(b[40:44]),
			Peer:       binary.BigEndian.Uint32(b[44:48]),
		})
	}
	return fr, nil
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// -------------------------------------------------------------------------
// PACKET_IN / PACKET_OUT
// -------------------------------------------------------------------------

// PacketIn is OFPT_PACKET_IN. TotalLen defaults to len(Data) when zero.
type PacketIn struct {
	XID      uint32
	BufferID uint32
	TotalLen uint16
	InPort   uint16
	Reason   uint8
	Data     []byte
}

// MessageType implements Message.
func (m *PacketIn) MessageType() Type { return TypePacketIn }

// Marshal implements Message.
func (m *PacketIn) Marshal() []byte {
	buf := newFrame(TypePacketIn, m.XID, packetInSize+len(m.Data))
	total := m.TotalLen
	if total == 0 {
		total = uint16(len(m.Data))
	}
	binary.BigEndian.PutUint32(buf[8:12], m.BufferID)
	binary.BigEndian.PutUint16(buf[12:14], total)
	binary.BigEndian.PutUint16(buf[14:16], m.InPort)
	buf[16] = m.Reason
	copy(buf[packetInSize:], m.Data)
	return buf
}

// PacketOut is OFPT_PACKET_OUT.
type PacketOut struct {
	XID      uint32
	BufferID uint32
	InPort   uint16
	Actions  []ActionOutput
	Data     []byte
}

// MessageType implements Message.
func (m *PacketOut) MessageType() Type { return TypePacketOut }

// Marshal implements Message.
func (m *PacketOut) Marshal() []byte {
	actionsLen := len(m.Actions) * ActionOutputSize
	buf := newFrame(TypePacketOut, m.XID, packetOutSize+actionsLen+len(m.Data))
	binary.BigEndian.PutUint32(buf[8:12], m.BufferID)
	binary.BigEndian.PutUint16(buf[12:14], m.InPort)
	binary.BigEndian.PutUint16(buf[14:16], uint16(actionsLen))
	marshalActions(m.Actions, buf[packetOutSize:])
	copy(buf[packetOutSize+actionsLen:], m.Data)
	return buf
}

// -------------------------------------------------------------------------
// ERROR
// -------------------------------------------------------------------------

// Error is OFPT_ERROR. Data usually embeds (a prefix of) the offending
// request.
type Error struct {
	XID  uint32
	Type ErrorType
	Code uint16
	Data []byte
}

// MessageType implements Message.
func (m *Error) MessageType() Type { return TypeError }

// Marshal implements Message.
func (m *Error) Marshal() []byte {
	buf := newFrame(TypeError, m.XID, errorSize+len(m.Data))
	binary.BigEndian.PutUint16(buf[8:10], uint16(m.Type))
	binary.BigEndian.PutUint16(buf[10:12], m.Code)
	copy(buf[errorSize:], m.Data)
	return buf
}
