// Package packet parses the handful of L2/L3/L4 fields the filter and
// truncator need out of a raw Ethernet frame. It never allocates and never
// copies: every field is read directly out of the caller-owned byte slice.
package packet

import "encoding/binary"

const (
	ethHLen       = 14
	vlanHLen      = 4
	ethTypeIPv4   = 0x0800
	ethType8021Q  = 0x8100
	ethType8021AD = 0x88A8

	ipMinHLen = 20

	ProtoICMP = 1
	ProtoTCP  = 6
	ProtoUDP  = 17
)

// Fields holds the subset of a frame's headers the filter engine and
// truncator act on. SrcIP/DstIP are host-order uint32, the same form as
// filter.Match's SrcIP/DstIP: it keeps CIDR comparisons plain integer ops
// with no ntohl/htonl traps at the match site.
type Fields struct {
	EthType  uint16
	IPOffset uint32 // 0 if no IPv4 header was found
	SrcIP    uint32
	DstIP    uint32
	Protocol uint8
	SrcPort  uint16
	DstPort  uint16
	HasIP    bool
	HasPorts bool
}

// Parse extracts Fields from a raw frame. It mirrors filter_packet's header
// walk: plain Ethernet, single 802.1Q tag, or (fallback) a bare IPv4 header
// sitting at offset 18 with no recognizable ethertype in front of it.
func Parse(pkt []byte) Fields {
	var f Fields
	if len(pkt) < ethHLen {
		return f
	}

	f.EthType = binary.BigEndian.Uint16(pkt[12:14])
	ipOff := uint32(0)

	switch {
	case f.EthType == ethTypeIPv4 && len(pkt) >= ethHLen+ipMinHLen:
		ipOff = ethHLen
	case (f.EthType == ethType8021Q || f.EthType == ethType8021AD) && len(pkt) >= ethHLen+vlanHLen+ipMinHLen:
		inner := binary.BigEndian.Uint16(pkt[16:18])
		if inner == ethTypeIPv4 {
			f.EthType = inner
			ipOff = ethHLen + vlanHLen
		}
	}

	if ipOff == 0 && len(pkt) >= 18+ipMinHLen && pkt[18]&0xf0 == 0x40 {
		ihl := int(pkt[18]&0x0f) * 4
		if ihl >= ipMinHLen && 18+ihl <= len(pkt) {
			ipOff = 18
			f.EthType = ethTypeIPv4
		}
	}

	if ipOff == 0 || len(pkt) < int(ipOff)+ipMinHLen {
		return f
	}

	ihl := int(pkt[ipOff]&0x0f) * 4
	if ihl < ipMinHLen || len(pkt) < int(ipOff)+ihl {
		return f
	}

	f.IPOffset = ipOff
	f.Protocol = pkt[ipOff+9]
	f.SrcIP = binary.BigEndian.Uint32(pkt[ipOff+12 : ipOff+16])
	f.DstIP = binary.BigEndian.Uint32(pkt[ipOff+16 : ipOff+20])
	f.HasIP = true

	if (f.Protocol == ProtoTCP || f.Protocol == ProtoUDP) && len(pkt) >= int(ipOff)+ihl+4 {
		l4 := pkt[int(ipOff)+ihl:]
		f.SrcPort = binary.BigEndian.Uint16(l4[0:2])
		f.DstPort = binary.BigEndian.Uint16(l4[2:4])
		f.HasPorts = true
	}

	return f
}
