// Package filter implements the ordered, first-match ACL that every worker
// runs a packet through before it reaches the tunnel or TX ring. It is
// grounded on vasn_tap's filter.c: the same field set, the same first-match
// semantics, and the same per-rule atomic hit counters (index num_rules is
// reserved for "no rule matched, default_action applied").
package filter

import (
	"fmt"
	"net"
	"sync/atomic"

	"github.com/AvizNetworks/vasntap/packet"
)

// Action is the verdict a Rule or the default action produces.
type Action int

const (
	Allow Action = iota
	Drop
)

func (a Action) String() string {
	if a == Drop {
		return "drop"
	}
	return "allow"
}

// Match holds the optional predicates of one rule. A predicate only
// participates in matching when its Has flag is set; an absent predicate
// never excludes a packet.
type Match struct {
	HasEthType bool
	EthType    uint16

	HasSrcIP bool
	SrcIP    uint32 // host order
	SrcMask  uint32 // host order; 0 (a /0 with SrcIP 0) matches every address

	HasDstIP bool
	DstIP    uint32
	DstMask  uint32

	HasProtocol bool
	Protocol    uint8

	HasSrcPort bool
	SrcPort    uint16

	HasDstPort bool
	DstPort    uint16
}

func (m Match) matches(f packet.Fields) bool {
	if m.HasEthType && m.EthType != f.EthType {
		return false
	}
	if m.HasSrcIP {
		if !f.HasIP || f.SrcIP&m.SrcMask != m.SrcIP {
			return false
		}
	}
	if m.HasDstIP {
		if !f.HasIP || f.DstIP&m.DstMask != m.DstIP {
			return false
		}
	}
	if m.HasProtocol && m.Protocol != f.Protocol {
		return false
	}
	if m.HasSrcPort {
		if !f.HasPorts || m.SrcPort != f.SrcPort {
			return false
		}
	}
	if m.HasDstPort {
		if !f.HasPorts || m.DstPort != f.DstPort {
			return false
		}
	}
	return true
}

// Rule pairs one Match with the action taken when it matches.
type Rule struct {
	Action Action
	Match  Match
}

// Config is an immutable, ordered rule set plus a default action. It is
// built once at startup and shared read-only across all workers; the only
// mutable state it carries is the per-rule hit counters, which are atomics
// and safe for concurrent increment.
type Config struct {
	DefaultAction Action
	Rules         []Rule

	// Hits[0..len(Rules)-1] count matches on that rule; Hits[len(Rules)]
	// counts packets that fell through to DefaultAction.
	Hits []atomic.Uint64
}

// New builds a Config ready for concurrent use by Evaluate.
func New(defaultAction Action, rules []Rule) *Config {
	return &Config{
		DefaultAction: defaultAction,
		Rules:         rules,
		Hits:          make([]atomic.Uint64, len(rules)+1),
	}
}

// ResetStats zeroes every hit counter, matching filter_stats_reset.
func (c *Config) ResetStats() {
	for i := range c.Hits {
		c.Hits[i].Store(0)
	}
}

// Evaluate runs the first-match scan over pkt and returns the verdict and
// the matching rule index, or -1 if DefaultAction applied. It also
// increments the matching rule's (or the default slot's) hit counter.
// A nil Config always allows and never touches counters, matching
// filter_packet's "cfg == NULL -> allow" short-circuit. A packet shorter
// than an Ethernet header is likewise unconditionally allowed with no
// rule/default-action evaluation and no counter increment, matching
// filter_packet's "pkt_len < ETH_HLEN -> allow" short-circuit.
func (c *Config) Evaluate(pkt []byte) (Action, int) {
	if c == nil || len(pkt) < 14 {
		return Allow, -1
	}
	f := packet.Parse(pkt)
	for i, r := range c.Rules {
		if r.Match.matches(f) {
			c.Hits[i].Add(1)
			return r.Action, i
		}
	}
	c.Hits[len(c.Rules)].Add(1)
	return c.DefaultAction, -1
}

// FormatRule renders one rule (or, when index == len(Rules), the default
// action) the way filter_format_rule prints it for the --filter-stats dump.
func (c *Config) FormatRule(index int) string {
	if index < 0 || index >= len(c.Rules) {
		return fmt.Sprintf("(default) %s", c.DefaultAction)
	}
	r := c.Rules[index]
	s := r.Action.String() + " "
	m := r.Match
	if !m.HasEthType && !m.HasSrcIP && !m.HasDstIP && !m.HasProtocol && !m.HasSrcPort && !m.HasDstPort {
		return s + "match: (any)"
	}
	s += "match:"
	if m.HasEthType {
		s += fmt.Sprintf(" eth_type=0x%x", m.EthType)
	}
	if m.HasProtocol {
		if name, ok := protocolName(m.Protocol); ok {
			s += " protocol=" + name
		} else {
			s += fmt.Sprintf(" protocol=%d", m.Protocol)
		}
	}
	if m.HasSrcPort {
		s += fmt.Sprintf(" port_src=%d", m.SrcPort)
	}
	if m.HasDstPort {
		s += fmt.Sprintf(" port_dst=%d", m.DstPort)
	}
	if m.HasSrcIP {
		s += " ip_src=" + formatCIDR(m.SrcIP, m.SrcMask)
	}
	if m.HasDstIP {
		s += " ip_dst=" + formatCIDR(m.DstIP, m.DstMask)
	}
	return s
}

func protocolName(p uint8) (string, bool) {
	switch p {
	case 1:
		return "icmp", true
	case packet.ProtoTCP:
		return "tcp", true
	case packet.ProtoUDP:
		return "udp", true
	case 58:
		return "icmpv6", true
	default:
		return "", false
	}
}

func formatCIDR(ip, mask uint32) string {
	addr := net.IPv4(byte(ip>>24), byte(ip>>16), byte(ip>>8), byte(ip)).String()
	if mask == 0 || mask == 0xFFFFFFFF {
		return addr
	}
	prefix := popcount(mask)
	return fmt.Sprintf("%s/%d", addr, prefix)
}

func popcount(v uint32) int {
	n := 0
	for v != 0 {
		n += int(v & 1)
		v >>= 1
	}
	return n
}

// MaskFromPrefixLen builds a host-order /prefix CIDR mask, e.g. 24 -> 0xFFFFFF00.
func MaskFromPrefixLen(prefix int) uint32 {
	if prefix <= 0 {
		return 0
	}
	if prefix >= 32 {
		return 0xFFFFFFFF
	}
	return ^uint32(0) << (32 - prefix)
}
