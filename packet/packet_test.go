package packet

import "testing"

func ethIPv4(proto byte, src, dst [4]byte, l4 []byte) []byte {
	pkt := make([]byte, ethHLen+ipMinHLen+len(l4))
	pkt[12], pkt[13] = 0x08, 0x00
	ip := pkt[ethHLen:]
	ip[0] = 0x45
	ip[9] = proto
	copy(ip[12:16], src[:])
	copy(ip[16:20], dst[:])
	copy(pkt[ethHLen+ipMinHLen:], l4)
	return pkt
}

func TestParseTCP(t *testing.T) {
	l4 := make([]byte, 4)
	l4[0], l4[1] = 0x1f, 0x90 // 8080
	l4[2], l4[3] = 0x00, 0x50 // 80
	pkt := ethIPv4(ProtoTCP, [4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, l4)

	f := Parse(pkt)
	if !f.HasIP || !f.HasPorts {
		t.Fatalf("expected IP and ports parsed, got %+v", f)
	}
	if f.SrcIP != 0x0A000001 || f.DstIP != 0x0A000002 {
		t.Fatalf("unexpected host-order IPs: src=%#x dst=%#x", f.SrcIP, f.DstIP)
	}
	if f.SrcPort != 8080 || f.DstPort != 80 {
		t.Fatalf("unexpected ports: %d -> %d", f.SrcPort, f.DstPort)
	}
}

func TestParseVLAN(t *testing.T) {
	inner := ethIPv4(ProtoUDP, [4]byte{192, 168, 1, 1}, [4]byte{192, 168, 1, 2}, make([]byte, 4))
	pkt := make([]byte, 4+len(inner))
	copy(pkt, inner[:12])
	pkt[12], pkt[13] = 0x81, 0x00 // 802.1Q
	pkt[14], pkt[15] = 0x00, 0x0a // VLAN id 10
	pkt[16], pkt[17] = 0x08, 0x00
	copy(pkt[18:], inner[ethHLen:])

	f := Parse(pkt)
	if !f.HasIP {
		t.Fatalf("expected IPv4 found behind VLAN tag, got %+v", f)
	}
	if f.IPOffset != ethHLen+vlanHLen {
		t.Fatalf("unexpected IP offset: %d", f.IPOffset)
	}
}

func TestParseTooShort(t *testing.T) {
	f := Parse(make([]byte, 8))
	if f.HasIP {
		t.Fatalf("runt frame should never report HasIP")
	}
}

func TestParseNonIP(t *testing.T) {
	pkt := make([]byte, 20)
	pkt[12], pkt[13] = 0x08, 0x06 // ARP
	f := Parse(pkt)
	if f.HasIP {
		t.Fatalf("ARP frame must not be treated as IPv4")
	}
}
