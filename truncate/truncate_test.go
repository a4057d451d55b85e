package truncate

import "testing"

func buildIPv4(payloadLen int) []byte {
	pkt := make([]byte, 14+20+payloadLen)
	pkt[12], pkt[13] = 0x08, 0x00
	ip := pkt[14:]
	ip[0] = 0x45 // version 4, IHL 5
	totalLen := uint16(20 + payloadLen)
	ip[2], ip[3] = byte(totalLen>>8), byte(totalLen)
	for i := range ip[:20] {
		if i != 10 && i != 11 {
			ip[i] |= 0x01
		}
	}
	return pkt
}

func TestApplyNoopWhenDisabled(t *testing.T) {
	pkt := buildIPv4(1000)
	got := Apply(pkt, uint32(len(pkt)), false, 100)
	if got != uint32(len(pkt)) {
		t.Fatalf("disabled truncation must be a no-op, got len=%d", got)
	}
}

func TestApplyNoopWhenShorterThanLimit(t *testing.T) {
	pkt := buildIPv4(10)
	got := Apply(pkt, uint32(len(pkt)), true, 9000)
	if got != uint32(len(pkt)) {
		t.Fatalf("packet shorter than limit must be unchanged, got len=%d", got)
	}
}

func TestApplyFixesIPv4Header(t *testing.T) {
	pkt := buildIPv4(1000)
	origLen := uint32(len(pkt))
	newLen := Apply(pkt, origLen, true, 100)

	if newLen != 100 {
		t.Fatalf("expected truncated length 100, got %d", newLen)
	}

	gotTotalLen := uint16(pkt[16])<<8 | uint16(pkt[17])
	wantTotalLen := uint16(100 - 14)
	if gotTotalLen != wantTotalLen {
		t.Fatalf("IPv4 total length not repaired: got %d want %d", gotTotalLen, wantTotalLen)
	}

	sum := csum16(pkt[14:34])
	if sum != 0 {
		t.Fatalf("repaired header checksum must fold to zero over itself, got %#x", sum)
	}
}
