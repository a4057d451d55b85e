// Package tunnel implements the userspace VXLAN/GRE encapsulator: it builds
// an outer Ethernet+IPv4+(UDP+VXLAN|GRE) header around each inner frame and
// sends it out a raw socket on the output interface. There is no kernel
// tunnel device involved — encapsulation and header construction happen
// entirely in userspace, exactly as vasn_tap's tunnel.c does it.
package tunnel

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync/atomic"
)

// Type selects the outer encapsulation.
type Type int

const (
	VXLAN Type = iota
	GRE
)

const (
	ethHLen      = 14
	outerIPLen   = 20
	outerUDPLen  = 8
	vxlanHdrLen  = 8
	greHdrLen    = 4
	defaultMTU   = 1500
	ethTypeIPv4  = 0x0800
	ipProtoUDP   = 17
	ipProtoGRE   = 47
	greEthProto  = 0x6558 // Transparent Ethernet Bridging
	defaultVNPrt = 4789
)

// Config describes one tunnel endpoint.
type Config struct {
	Type         Type
	RemoteIP     net.IP // IPv4
	VNI          uint32 // 24 bits, VXLAN only
	DstPort      uint16 // VXLAN UDP destination port, default 4789
	Key          uint32 // GRE key (reserved; vasn_tap does not set the GRE key bit)
	LocalIP      net.IP // optional; derived from OutputIface when nil
	OutputIfname string
}

// Endpoint is a live tunnel send path: one raw socket, one resolved remote
// MAC, and send-path statistics. Send builds each frame in its own freshly
// allocated buffer and keeps its counters in atomics, so it is safe for
// concurrent callers.
type Endpoint struct {
	typ      Type
	localIP  uint32 // host order
	remoteIP uint32
	dstPort  uint16
	vni      uint32

	srcMAC, dstMAC net.HardwareAddr
	maxInner       uint32

	send func(frame []byte) error
	close func() error

	stats stats
}

type stats struct {
	packetsSent atomic.Uint64
	bytesSent   atomic.Uint64
}

// IsOwnPacket reports whether pkt is this endpoint's own encapsulated
// output (or already-encapsulated input), so the worker pool can skip
// re-encapsulating traffic when the input and output interfaces are the
// same. Grounded on tunnel_is_own_packet / is_our_tunnel_at.
func (e *Endpoint) IsOwnPacket(pkt []byte) bool {
	if e == nil || len(pkt) < ethHLen {
		return false
	}
	if e.isOurTunnelAt(pkt, 0) {
		return true
	}
	outerLen := ethHLen + outerIPLen + outerUDPLen + vxlanHdrLen
	if len(pkt) >= outerLen+ethHLen+20 && e.isOurTunnelAt(pkt, outerLen) {
		return true
	}
	return false
}

func (e *Endpoint) isOurTunnelAt(pkt []byte, l2Off int) bool {
	if len(pkt) < l2Off+ethHLen+20 {
		return false
	}
	ethType := binary.BigEndian.Uint16(pkt[l2Off+12 : l2Off+14])
	ipOff := 0
	switch {
	case ethType == ethTypeIPv4:
		ipOff = l2Off + ethHLen
	case ethType == 0x8100 && len(pkt) >= l2Off+ethHLen+4+20:
		if binary.BigEndian.Uint16(pkt[l2Off+16:l2Off+18]) != ethTypeIPv4 {
			return false
		}
		ipOff = l2Off + ethHLen + 4
	default:
		return false
	}
	if len(pkt) < ipOff+20 {
		return false
	}
	ihl := int(pkt[ipOff]&0x0f) * 4
	if ihl < 20 || len(pkt) < ipOff+ihl {
		return false
	}

	protocol := pkt[ipOff+9]
	srcIP := binary.BigEndian.Uint32(pkt[ipOff+12 : ipOff+16])
	dstIP := binary.BigEndian.Uint32(pkt[ipOff+16 : ipOff+20])
	if srcIP != e.localIP || dstIP != e.remoteIP {
		return false
	}

	switch e.typ {
	case VXLAN:
		if protocol != ipProtoUDP || len(pkt) < ipOff+ihl+8+8 {
			return false
		}
		udpDst := binary.BigEndian.Uint16(pkt[ipOff+ihl+2 : ipOff+ihl+4])
		if udpDst != e.dstPort {
			return false
		}
		vni := uint32(pkt[ipOff+ihl+8+4])<<16 | uint32(pkt[ipOff+ihl+8+5])<<8 | uint32(pkt[ipOff+ihl+8+6])
		return vni == e.vni
	case GRE:
		if protocol != ipProtoGRE || len(pkt) < ipOff+ihl+4 {
			return false
		}
		greProto := binary.BigEndian.Uint16(pkt[ipOff+ihl+2 : ipOff+ihl+4])
		return greProto == greEthProto
	}
	return false
}

// Send encapsulates inner and writes it to the wire. It returns an error if
// inner exceeds the path MTU budget or the underlying socket write fails.
func (e *Endpoint) Send(inner []byte) error {
	if e == nil {
		return fmt.Errorf("tunnel: nil endpoint")
	}
	if uint32(len(inner)) > e.maxInner {
		return fmt.Errorf("tunnel: frame of %d bytes exceeds max_inner %d", len(inner), e.maxInner)
	}
	var frame []byte
	switch e.typ {
	case VXLAN:
		frame = e.buildVXLAN(inner)
	case GRE:
		frame = e.buildGRE(inner)
	default:
		return fmt.Errorf("tunnel: unknown type %d", e.typ)
	}
	if err := e.send(frame); err != nil {
		return err
	}
	e.stats.packetsSent.Add(1)
	e.stats.bytesSent.Add(uint64(len(frame)))
	return nil
}

// Write is an alias for Send so Endpoint satisfies the same Sink contract
// (Write/Flush) that txring.Ring does, letting worker dispatch to either
// backend through one interface.
func (e *Endpoint) Write(inner []byte) error { return e.Send(inner) }

// Flush is a no-op: every Send is already a synchronous socket write, same
// as tunnel_flush's comment in tunnel.c.
func (e *Endpoint) Flush() {}

// Close releases the underlying socket.
func (e *Endpoint) Close() error {
	if e == nil || e.close == nil {
		return nil
	}
	return e.close()
}

// Stats returns cumulative packets/bytes sent.
func (e *Endpoint) Stats() (packets, bytes uint64) {
	if e == nil {
		return 0, 0
	}
	return e.stats.packetsSent.Load(), e.stats.bytesSent.Load()
}

func (e *Endpoint) buildVXLAN(inner []byte) []byte {
	total := ethHLen + outerIPLen + outerUDPLen + vxlanHdrLen + len(inner)
	buf := make([]byte, total)
	p := buf

	copy(p[0:6], e.dstMAC)
	copy(p[6:12], e.srcMAC)
	binary.BigEndian.PutUint16(p[12:14], ethTypeIPv4)
	p = p[ethHLen:]

	writeOuterIP(p, e.localIP, e.remoteIP, ipProtoUDP, uint16(outerUDPLen+vxlanHdrLen+len(inner)))
	p = p[outerIPLen:]

	binary.BigEndian.PutUint16(p[0:2], 0) // source port
	binary.BigEndian.PutUint16(p[2:4], e.dstPort)
	binary.BigEndian.PutUint16(p[4:6], uint16(outerUDPLen+vxlanHdrLen+len(inner)))
	binary.BigEndian.PutUint16(p[6:8], 0) // checksum: zero is valid for IPv4/UDP
	p = p[outerUDPLen:]

	p[0], p[1], p[2], p[3] = 0x08, 0, 0, 0 // flags: I flag set (VNI valid)
	p[4] = byte(e.vni >> 16)
	p[5] = byte(e.vni >> 8)
	p[6] = byte(e.vni)
	p[7] = 0
	p = p[vxlanHdrLen:]

	copy(p, inner)
	return buf
}

func (e *Endpoint) buildGRE(inner []byte) []byte {
	total := ethHLen + outerIPLen + greHdrLen + len(inner)
	buf := make([]byte, total)
	p := buf

	copy(p[0:6], e.dstMAC)
	copy(p[6:12], e.srcMAC)
	binary.BigEndian.PutUint16(p[12:14], ethTypeIPv4)
	p = p[ethHLen:]

	writeOuterIP(p, e.localIP, e.remoteIP, ipProtoGRE, uint16(greHdrLen+len(inner)))
	p = p[outerIPLen:]

	binary.BigEndian.PutUint16(p[0:2], 0) // GRE flags/version
	binary.BigEndian.PutUint16(p[2:4], greEthProto)
	p = p[greHdrLen:]

	copy(p, inner)
	return buf
}

// writeOuterIP fills a minimal (no options) IPv4 header and computes its
// checksum the same way tunnel.c's ip_csum does.
func writeOuterIP(p []byte, srcIP, dstIP uint32, protocol uint8, payloadLen uint16) {
	p[0] = 0x45 // version 4, IHL 5
	p[1] = 0
	binary.BigEndian.PutUint16(p[2:4], outerIPLen+payloadLen)
	binary.BigEndian.PutUint16(p[4:6], 0) // id
	binary.BigEndian.PutUint16(p[6:8], 0) // frag_off
	p[8] = 64                             // ttl
	p[9] = protocol
	binary.BigEndian.PutUint16(p[10:12], 0) // checksum placeholder
	binary.BigEndian.PutUint32(p[12:16], srcIP)
	binary.BigEndian.PutUint32(p[16:20], dstIP)
	sum := ipChecksum(p[:outerIPLen])
	binary.BigEndian.PutUint16(p[10:12], sum)
}

func ipChecksum(buf []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(buf); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(buf[i : i+2]))
	}
	if len(buf)&1 == 1 {
		sum += uint32(buf[len(buf)-1]) << 8
	}
	for sum>>16 != 0 {
		sum = sum&0xFFFF + sum>>16
	}
	return uint16(^sum)
}

func ipToUint32(ip net.IP) uint32 {
	v4 := ip.To4()
	return binary.BigEndian.Uint32(v4)
}
