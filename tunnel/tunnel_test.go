package tunnel

import (
	"encoding/binary"
	"net"
	"testing"
)

func testEndpoint(typ Type) *Endpoint {
	var sent []byte
	e := &Endpoint{
		typ:      typ,
		localIP:  ipToUint32(net.ParseIP("10.0.0.1").To4()),
		remoteIP: ipToUint32(net.ParseIP("10.0.0.2").To4()),
		dstPort:  4789,
		vni:      42,
		srcMAC:   net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		dstMAC:   net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		maxInner: 1500,
		send:     func(f []byte) error { sent = f; return nil },
	}
	_ = sent
	return e
}

func TestVXLANFrameShape(t *testing.T) {
	e := testEndpoint(VXLAN)
	var captured []byte
	e.send = func(f []byte) error { captured = f; return nil }

	inner := []byte("hello-inner-frame")
	if err := e.Send(inner); err != nil {
		t.Fatalf("Send: %v", err)
	}

	wantLen := ethHLen + outerIPLen + outerUDPLen + vxlanHdrLen + len(inner)
	if len(captured) != wantLen {
		t.Fatalf("unexpected frame length: got %d want %d", len(captured), wantLen)
	}

	if binary.BigEndian.Uint16(captured[12:14]) != ethTypeIPv4 {
		t.Fatalf("expected outer ethertype IPv4")
	}
	ip := captured[ethHLen:]
	if ip[9] != ipProtoUDP {
		t.Fatalf("expected outer protocol UDP, got %d", ip[9])
	}
	udp := captured[ethHLen+outerIPLen:]
	if binary.BigEndian.Uint16(udp[2:4]) != 4789 {
		t.Fatalf("expected VXLAN dst port 4789")
	}
	vx := captured[ethHLen+outerIPLen+outerUDPLen:]
	vni := uint32(vx[4])<<16 | uint32(vx[5])<<8 | uint32(vx[6])
	if vni != 42 {
		t.Fatalf("expected VNI 42, got %d", vni)
	}

	innerGot := captured[ethHLen+outerIPLen+outerUDPLen+vxlanHdrLen:]
	if string(innerGot) != string(inner) {
		t.Fatalf("inner frame not preserved verbatim")
	}

	packets, bytes := e.Stats()
	if packets != 1 || bytes != uint64(wantLen) {
		t.Fatalf("unexpected stats: packets=%d bytes=%d", packets, bytes)
	}
}

func TestGREFrameShape(t *testing.T) {
	e := testEndpoint(GRE)
	var captured []byte
	e.send = func(f []byte) error { captured = f; return nil }

	inner := []byte("inner")
	if err := e.Send(inner); err != nil {
		t.Fatalf("Send: %v", err)
	}
	ip := captured[ethHLen:]
	if ip[9] != ipProtoGRE {
		t.Fatalf("expected outer protocol GRE, got %d", ip[9])
	}
	gre := captured[ethHLen+outerIPLen:]
	if binary.BigEndian.Uint16(gre[2:4]) != greEthProto {
		t.Fatalf("expected GRE protocol 0x6558 (transparent ethernet bridging)")
	}
}

func TestIsOwnPacketDetectsOurTunnel(t *testing.T) {
	e := testEndpoint(VXLAN)
	var captured []byte
	e.send = func(f []byte) error { captured = f; return nil }
	if err := e.Send([]byte("payload")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !e.IsOwnPacket(captured) {
		t.Fatalf("expected our own tunnel output to be recognized")
	}
}

func TestIsOwnPacketRejectsUnrelatedTraffic(t *testing.T) {
	e := testEndpoint(VXLAN)
	pkt := make([]byte, 64)
	binary.BigEndian.PutUint16(pkt[12:14], ethTypeIPv4)
	if e.IsOwnPacket(pkt) {
		t.Fatalf("unrelated traffic must not be flagged as our own tunnel output")
	}
}

func TestSendRejectsOversizeFrame(t *testing.T) {
	e := testEndpoint(VXLAN)
	e.maxInner = 4
	if err := e.Send([]byte("too-long")); err == nil {
		t.Fatalf("expected oversize frame to be rejected")
	}
}
