// Package ofp implements the OpenFlow 1.0 wire primitives used by the
// conformance oracle: the common header codec, stream framing, the small set
// of message builders fixtures and scenarios need, and a diagnostic describer.
//
// Comparison in the oracle is always done on framed bytes; the decode helpers
// here only read the handful of fields the normalizer and fixtures depend on.
package ofp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
)

// -------------------------------------------------------------------------
// Protocol Constants (OpenFlow 1.0 Section 5.1)
// -------------------------------------------------------------------------

// Version is the OpenFlow wire protocol version (OFP_VERSION 0x01).
const Version uint8 = 0x01

// HeaderSize is the size of the common ofp_header in bytes:
// version(1) + type(1) + length(2) + xid(4).
const HeaderSize = 8

// MaxFrameSize is the largest frame the 16-bit length field can describe.
const MaxFrameSize = 0xFFFF

// Field offsets inside the common header.
const (
	offVersion = 0
	offType    = 1
	offLength  = 2
	offXID     = 4
)

// CookieOffset is the byte offset of the 64-bit cookie in FLOW_MOD and
// FLOW_REMOVED: header(8) + ofp_match(40).
const CookieOffset = HeaderSize + MatchSize

// CookieSize is the width of the cookie field in bytes.
const CookieSize = 8

// unknownFmt is the format string for unrecognized enum values with numeric code.
const unknownFmt = "Unknown(%d)"

// -------------------------------------------------------------------------
// Message Types (enum ofp_type)
// -------------------------------------------------------------------------

// Type is the ofp_type kind tag carried in byte 1 of every message.
type Type uint8

const (
	TypeHello                 Type = 0
	TypeError                 Type = 1
	TypeEchoRequest           Type = 2
	TypeEchoReply             Type = 3
	TypeVendor                Type = 4
	TypeFeaturesRequest       Type = 5
	TypeFeaturesReply         Type = 6
	TypeGetConfigRequest      Type = 7
	TypeGetConfigReply        Type = 8
	TypeSetConfig             Type = 9
	TypePacketIn              Type = 10
	TypeFlowRemoved           Type = 11
	TypePortStatus            Type = 12
	TypePacketOut             Type = 13
	TypeFlowMod               Type = 14
	TypePortMod               Type = 15
	TypeStatsRequest          Type = 16
	TypeStatsReply            Type = 17
	TypeBarrierRequest        Type = 18
	TypeBarrierReply          Type = 19
	TypeQueueGetConfigRequest Type = 20
	TypeQueueGetConfigReply   Type = 21
)

// typeNames maps message types to their ofp_type names without the OFPT_ prefix.
var typeNames = [...]string{
	"HELLO",
	"ERROR",
	"ECHO_REQUEST",
	"ECHO_REPLY",
	"VENDOR",
	"FEATURES_REQUEST",
	"FEATURES_REPLY",
	"GET_CONFIG_REQUEST",
	"GET_CONFIG_REPLY",
	"SET_CONFIG",
	"PACKET_IN",
	"FLOW_REMOVED",
	"PORT_STATUS",
	"PACKET_OUT",
	"FLOW_MOD",
	"PORT_MOD",
	"STATS_REQUEST",
	"STATS_REPLY",
	"BARRIER_REQUEST",
	"BARRIER_REPLY",
	"QUEUE_GET_CONFIG_REQUEST",
	"QUEUE_GET_CONFIG_REPLY",
}

// String returns the OpenFlow name of the message type.
func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf(unknownFmt, t)
}

// -------------------------------------------------------------------------
// Header
// -------------------------------------------------------------------------

// Header is the decoded common ofp_header.
type Header struct {
	Version uint8
	Type    Type
	Length  uint16
	XID     uint32
}

// String renders the header the way diagnostics print it.
func (h Header) String() string {
	return fmt.Sprintf("version=%d type=%s length=%d xid=0x%08x", h.Version, h.Type, h.Length, h.XID)
}

// -------------------------------------------------------------------------
// Codec Errors
// -------------------------------------------------------------------------

// Sentinel errors for header validation failures.
var (
	// ErrPacketTooShort indicates the buffer cannot hold a common header.
	ErrPacketTooShort = errors.New("packet too short")

	// ErrInvalidVersion indicates the version byte is not 0x01.
	ErrInvalidVersion = errors.New("invalid OpenFlow version")

	// ErrInvalidLength indicates the length field is below HeaderSize.
	ErrInvalidLength = errors.New("invalid length field")

	// ErrLengthExceedsPayload indicates the length field is larger than
	// the bytes available.
	ErrLengthExceedsPayload = errors.New("length exceeds payload")

	// ErrBufTooSmall indicates a caller-provided buffer is too small.
	ErrBufTooSmall = errors.New("buffer too small for OpenFlow message")

	// ErrUnexpectedType indicates a decode helper was handed the wrong kind.
	ErrUnexpectedType = errors.New("unexpected message type")
)

// unmarshalErrPrefix is the common error prefix for header decoding failures.
const unmarshalErrPrefix = "unmarshal header"

// MarshalHeader writes h into the first HeaderSize bytes of buf.
func MarshalHeader(h Header, buf []byte) error {
	if len(buf) < HeaderSize {
		return fmt.Errorf("marshal header: need %d bytes, got %d: %w",
			HeaderSize, len(buf), ErrBufTooSmall)
	}
	buf[offVersion] = h.Version
	buf[offType] = uint8(h.Type)
	binary.BigEndian.PutUint16(buf[offLength:offXID], h.Length)
	binary.BigEndian.PutUint32(buf[offXID:HeaderSize], h.XID)
	return nil
}

// UnmarshalHeader decodes the common header from buf into h without any
// semantic validation beyond the minimum size. Use ValidateHeader for the
// version and length checks.
func UnmarshalHeader(buf []byte, h *Header) error {
	if len(buf) < HeaderSize {
		return fmt.Errorf("%s: received %d bytes, minimum %d: %w",
			unmarshalErrPrefix, len(buf), HeaderSize, ErrPacketTooShort)
	}
	h.Version = buf[offVersion]
	h.Type = Type(buf[offType])
	h.Length = binary.BigEndian.Uint16(buf[offLength:offXID])
	h.XID = binary.BigEndian.Uint32(buf[offXID:HeaderSize])
	return nil
}

// ValidateHeader decodes and checks the header against buf:
//
//  1. len(buf) >= HeaderSize
//  2. Version == 0x01
//  3. Length >= HeaderSize
//  4. Length <= len(buf)
func ValidateHeader(buf []byte) (Header, error) {
	var h Header
	if err := UnmarshalHeader(buf, &h); err != nil {
		return h, err
	}
	if h.Version != Version {
		return h, fmt.Errorf("%s: version %d: %w", unmarshalErrPrefix, h.Version, ErrInvalidVersion)
	}
	if h.Length < HeaderSize {
		return h, fmt.Errorf("%s: length field %d below minimum %d: %w",
			unmarshalErrPrefix, h.Length, HeaderSize, ErrInvalidLength)
	}
	if int(h.Length) > len(buf) {
		return h, fmt.Errorf("%s: length field %d exceeds payload %d: %w",
			unmarshalErrPrefix, h.Length, len(buf), ErrLengthExceedsPayload)
	}
	return h, nil
}

// XID reads the transaction id at its fixed offset.
func XID(buf []byte) (uint32, error) {
	if len(buf) < HeaderSize {
		return 0, fmt.Errorf("read xid: received %d bytes: %w", len(buf), ErrPacketTooShort)
	}
	return binary.BigEndian.Uint32(buf[offXID:HeaderSize]), nil
}

// SetXID overwrites the transaction id of buf in place.
func SetXID(buf []byte, xid uint32) error {
	if len(buf) < HeaderSize {
		return fmt.Errorf("write xid: received %d bytes: %w", len(buf), ErrPacketTooShort)
	}
	binary.BigEndian.PutUint32(buf[offXID:HeaderSize], xid)
	return nil
}

// TypeOf returns the kind tag of buf, or false when buf is shorter than the
// type byte.
func TypeOf(buf []byte) (Type, bool) {
	if len(buf) <= offType {
		return 0, false
	}
	return Type(buf[offType]), true
}

// -------------------------------------------------------------------------
// Transaction ids
// -------------------------------------------------------------------------

// xidCounter backs NextXID. It starts at an arbitrary nonzero value so
// fresh processes do not all begin at 1.
var xidCounter atomic.Uint32

func init() {
	xidCounter.Store(0x1000)
}

// NextXID returns a process-unique nonzero transaction id. Zero and
// 0xFFFFFFFF are never returned.
func NextXID() uint32 {
	for {
		x := xidCounter.Add(1)
		if x != 0 && x != 0xFFFFFFFF {
			return x
		}
	}
}
