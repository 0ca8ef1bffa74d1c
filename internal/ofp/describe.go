package ofp

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// maxHexDump caps the raw bytes printed for frames that fail validation.
const maxHexDump = 64

// Describe renders buf as a one-line human readable summary for mismatch
// diagnostics. It never fails: frames whose length field cannot be trusted
// are printed as a hex dump. A foreign version byte is reported but the
// body is still decoded as OpenFlow 1.0.
func Describe(buf []byte) string {
	var h Header
	if err := UnmarshalHeader(buf, &h); err != nil {
		return fmt.Sprintf("malformed(%v) % x", err, clip(buf))
	}
	if h.Length < HeaderSize || int(h.Length) > len(buf) {
		return fmt.Sprintf("malformed(length=%d) % x", h.Length, clip(buf))
	}
	body := buf[:h.Length]

	var b strings.Builder
	b.WriteString(h.Type.String())
	fmt.Fprintf(&b, " xid=0x%08x len=%d", h.XID, h.Length)
	if h.Version != Version {
		fmt.Fprintf(&b, " version=%d", h.Version)
	}

	switch h.Type {
	case TypeFlowMod:
		if len(body) >= flowModSize {
			fmt.Fprintf(&b, " cookie=0x%016x cmd=%d prio=%d buffer=0x%08x out_port=%d actions=%d",
				binary.BigEndian.Uint64(body[CookieOffset:]),
				binary.BigEndian.Uint16(body[56:58]),
				binary.BigEndian.Uint16(body[62:64]),
				binary.BigEndian.Uint32(body[64:68]),
				binary.BigEndian.Uint16(body[68:70]),
				(len(body)-flowModSize)/ActionOutputSize)
		}
	case TypeFlowRemoved:
		if len(body) >= flowRemovedSize {
			fmt.Fprintf(&b, " cookie=0x%016x prio=%d reason=%d packets=%d bytes=%d",
				binary.BigEndian.Uint64(body[CookieOffset:]),
				binary.BigEndian.Uint16(body[56:58]),
				body[58],
				binary.BigEndian.Uint64(body[72:80]),
				binary.BigEndian.Uint64(body[80:88]))
		}
	case TypePacketIn:
		if len(body) >= packetInSize {
			fmt.Fprintf(&b, " buffer=0x%08x in_port=%d reason=%d data=[%s]",
				binary.BigEndian.Uint32(body[8:12]),
				binary.BigEndian.Uint16(body[14:16]),
				body[16],
				describeFrame(body[packetInSize:]))
		}
	case TypePacketOut:
		if len(body) >= packetOutSize {
			alen := int(binary.BigEndian.Uint16(body[14:16]))
			fmt.Fprintf(&b, " buffer=0x%08x in_port=%d actions_len=%d",
				binary.BigEndian.Uint32(body[8:12]),
				binary.BigEndian.Uint16(body[12:14]),
				alen)
			if packetOutSize+alen <= len(body) {
				fmt.Fprintf(&b, " data=[%s]", describeFrame(body[packetOutSize+alen:]))
			}
		}
	case TypeError:
		if len(body) >= errorSize {
			fmt.Fprintf(&b, " type=%d code=%d data=%d bytes",
				binary.BigEndian.Uint16(body[8:10]),
				binary.BigEndian.Uint16(body[10:12]),
				len(body)-errorSize)
		}
	case TypeFeaturesReply:
		if len(body) >= featuresReplySize {
			fmt.Fprintf(&b, " dpid=0x%016x ports=%d",
				binary.BigEndian.Uint64(body[8:16]),
				(len(body)-featuresReplySize)/PhyPortSize)
		}
	}
	return b.String()
}

// describeFrame decodes an embedded Ethernet frame and lists its layers.
func describeFrame(data []byte) string {
	if len(data) == 0 {
		return "empty"
	}
	pkt := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.NoCopy)
	names := make([]string, 0, 4)
	for _, l := range pkt.Layers() {
		names = append(names, l.LayerType().String())
	}
	if el := pkt.ErrorLayer(); el != nil {
		names = append(names, "DecodeFailure")
	}
	if eth, ok := pkt.LinkLayer().(*layers.Ethernet); ok {
		return fmt.Sprintf("%s %s>%s", strings.Join(names, "/"), eth.SrcMAC, eth.DstMAC)
	}
	return strings.Join(names, "/") + " " + hex.EncodeToString(clip(data))
}

func clip(b []byte) []byte {
	if len(b) > maxHexDump {
		return b[:maxHexDump]
	}
	return b
}
