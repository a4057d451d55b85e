package filter

import "testing"

func ethIPv4TCP(src, dst [4]byte, srcPort, dstPort uint16) []byte {
	pkt := make([]byte, 14+20+4)
	pkt[12], pkt[13] = 0x08, 0x00
	ip := pkt[14:]
	ip[0] = 0x45
	ip[9] = 6
	copy(ip[12:16], src[:])
	copy(ip[16:20], dst[:])
	l4 := pkt[34:]
	l4[0], l4[1] = byte(srcPort>>8), byte(srcPort)
	l4[2], l4[3] = byte(dstPort>>8), byte(dstPort)
	return pkt
}

func TestFirstMatchWins(t *testing.T) {
	cfg := New(Drop, []Rule{
		{Action: Allow, Match: Match{HasDstPort: true, DstPort: 443}},
		{Action: Drop, Match: Match{HasProtocol: true, Protocol: 6}},
	})
	pkt := ethIPv4TCP([4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, 1234, 443)

	action, idx := cfg.Evaluate(pkt)
	if action != Allow || idx != 0 {
		t.Fatalf("expected rule 0 (allow 443) to win, got action=%v idx=%d", action, idx)
	}
	if cfg.Hits[0].Load() != 1 {
		t.Fatalf("expected rule 0 hit counter to be 1, got %d", cfg.Hits[0].Load())
	}
}

func TestDefaultActionOnNoMatch(t *testing.T) {
	cfg := New(Drop, []Rule{
		{Action: Allow, Match: Match{HasDstPort: true, DstPort: 22}},
	})
	pkt := ethIPv4TCP([4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, 1234, 443)

	action, idx := cfg.Evaluate(pkt)
	if action != Drop || idx != -1 {
		t.Fatalf("expected default drop, got action=%v idx=%d", action, idx)
	}
	if cfg.Hits[len(cfg.Rules)].Load() != 1 {
		t.Fatalf("expected default slot hit counter to be 1")
	}
}

func TestCIDRMatch(t *testing.T) {
	cfg := New(Drop, []Rule{
		{Action: Allow, Match: Match{
			HasSrcIP: true,
			SrcIP:    0x0A000000, // 10.0.0.0
			SrcMask:  MaskFromPrefixLen(8),
		}},
	})
	pkt := ethIPv4TCP([4]byte{10, 1, 2, 3}, [4]byte{8, 8, 8, 8}, 1, 1)
	action, idx := cfg.Evaluate(pkt)
	if action != Allow || idx != 0 {
		t.Fatalf("expected CIDR match to allow, got action=%v idx=%d", action, idx)
	}

	pkt2 := ethIPv4TCP([4]byte{11, 1, 2, 3}, [4]byte{8, 8, 8, 8}, 1, 1)
	action2, idx2 := cfg.Evaluate(pkt2)
	if action2 != Drop || idx2 != -1 {
		t.Fatalf("expected out-of-CIDR packet to hit default, got action=%v idx=%d", action2, idx2)
	}
}

func TestNilConfigAllowsEverything(t *testing.T) {
	var cfg *Config
	action, idx := cfg.Evaluate(make([]byte, 14))
	if action != Allow || idx != -1 {
		t.Fatalf("nil config must allow unconditionally, got action=%v idx=%d", action, idx)
	}
}

func TestShortPacketAllowsUnconditionally(t *testing.T) {
	cfg := New(Drop, []Rule{
		{Action: Drop, Match: Match{}},
	})
	pkt := make([]byte, 13) // shorter than an Ethernet header (14 bytes)

	action, idx := cfg.Evaluate(pkt)
	if action != Allow || idx != -1 {
		t.Fatalf("expected short packet to be allowed unconditionally, got action=%v idx=%d", action, idx)
	}
	if cfg.Hits[0].Load() != 0 || cfg.Hits[len(cfg.Rules)].Load() != 0 {
		t.Fatalf("expected no hit counter to be touched for a short packet, got rule=%d default=%d",
			cfg.Hits[0].Load(), cfg.Hits[len(cfg.Rules)].Load())
	}
}

func TestFormatRuleDefault(t *testing.T) {
	cfg := New(Drop, nil)
	if got := cfg.FormatRule(0); got != "(default) drop" {
		t.Fatalf("unexpected default rule format: %q", got)
	}
}
