// Package config loads and validates the YAML config file that selects
// the RX backend, the filter rule set, and the optional tunnel endpoint.
// Field names and validation rules are grounded on vasn_tap's config.c,
// translated from its libyaml event-driven parser to gopkg.in/yaml.v3's
// struct-tag unmarshaling, the same library the rest of this module's
// ecosystem favors for declarative config.
package config

import (
	"fmt"
	"net"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/AvizNetworks/vasntap/filter"
)

// Mode selects which RX backend captures traffic.
type Mode string

const (
	ModeEBPF     Mode = "ebpf"
	ModeAFPacket Mode = "afpacket"
)

// TunnelType selects the outer encapsulation vasn_tap builds in userspace.
type TunnelType string

const (
	TunnelVXLAN TunnelType = "vxlan"
	TunnelGRE   TunnelType = "gre"
)

const (
	defaultTunnelDstPort = 4789
	minTruncateLength    = 64
	maxTruncateLength    = 9000
	maxWorkers           = 128
	maxFilterRules       = 64
)

// Truncate mirrors runtime.truncate: {enabled, length}.
type Truncate struct {
	Enabled bool `yaml:"enabled"`
	Length  uint32 `yaml:"length"`
}

// Runtime mirrors the runtime: section.
type Runtime struct {
	InputIface        string   `yaml:"input_iface"`
	OutputIface       string   `yaml:"output_iface"`
	Mode              Mode     `yaml:"mode"`
	Workers           int      `yaml:"workers"`
	Verbose           bool     `yaml:"verbose"`
	Debug             bool     `yaml:"debug"`
	ShowStats         bool     `yaml:"stats"`
	ShowFilterStats   bool     `yaml:"filter_stats"`
	ShowResourceUsage bool     `yaml:"resource_usage"`
	Truncate          Truncate `yaml:"truncate"`
}

// Match mirrors one rule's match: section.
type Match struct {
	EthType  *uint16 `yaml:"eth_type"`
	IPSrc    *string `yaml:"ip_src"`
	IPDst    *string `yaml:"ip_dst"`
	Protocol *string `yaml:"protocol"`
	PortSrc  *uint16 `yaml:"port_src"`
	PortDst  *uint16 `yaml:"port_dst"`
}

// Rule mirrors one entry of filter.rules.
type Rule struct {
	Action string `yaml:"action"`
	Match  Match  `yaml:"match"`
}

// Filter mirrors the filter: section.
type Filter struct {
	DefaultAction string `yaml:"default_action"`
	Rules         []Rule `yaml:"rules"`
}

// Tunnel mirrors the tunnel: section. Presence of the YAML key itself
// (not a boolean) is what config.c treats as "tunnel enabled"; Config
// tracks that with tunnelPresent, set by Load/Parse, not by yaml tags.
type Tunnel struct {
	Type      TunnelType `yaml:"type"`
	RemoteIP  string     `yaml:"remote_ip"`
	LocalIP   string     `yaml:"local_ip"`
	VNI       uint32     `yaml:"vni"`
	DstPort   uint16     `yaml:"dstport"`
	Key       uint32     `yaml:"key"`
}

// Config is the top-level parsed and validated document.
type Config struct {
	Runtime Runtime `yaml:"runtime"`
	Filter  Filter  `yaml:"filter"`
	Tunnel  Tunnel  `yaml:"tunnel"`

	tunnelPresent bool
}

// rawDoc lets Parse tell whether the tunnel: key was present at all,
// distinguishing "no tunnel section" from "tunnel section with zero
// values", mirroring tunnel.enabled in config.c.
type rawDoc struct {
	Tunnel *Tunnel `yaml:"tunnel"`
}

// Load reads and parses path, then validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals data and validates the result, matching config.c's
// parse_yaml_events + its post-parse validation block.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	if cfg.Tunnel.DstPort == 0 {
		cfg.Tunnel.DstPort = defaultTunnelDstPort
	}

	var raw rawDoc
	if err := yaml.Unmarshal(data, &raw); err == nil {
		cfg.tunnelPresent = raw.Tunnel != nil
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces the same required-field and range rules config.c's
// tap_config_load applies after parsing.
func (c *Config) Validate() error {
	if c.Runtime.InputIface == "" {
		return fmt.Errorf("config: runtime input_iface is required")
	}
	switch c.Runtime.Mode {
	case ModeEBPF, ModeAFPacket:
	default:
		return fmt.Errorf("config: runtime mode is required (must be %q or %q)", ModeEBPF, ModeAFPacket)
	}
	if c.Runtime.Truncate.Enabled {
		if c.Runtime.Truncate.Length < minTruncateLength || c.Runtime.Truncate.Length > maxTruncateLength {
			return fmt.Errorf("config: runtime truncate.length must be in range %d-%d when enabled", minTruncateLength, maxTruncateLength)
		}
	}
	if c.Runtime.Workers < 0 || c.Runtime.Workers > maxWorkers {
		return fmt.Errorf("config: runtime workers must be in range 0-%d (0 means num CPUs)", maxWorkers)
	}
	if len(c.Filter.Rules) > maxFilterRules {
		return fmt.Errorf("config: too many filter rules (max %d)", maxFilterRules)
	}
	if c.tunnelPresent {
		switch c.Tunnel.Type {
		case TunnelVXLAN, TunnelGRE:
		default:
			return fmt.Errorf("config: tunnel section present but type not set (must be %q or %q)", TunnelVXLAN, TunnelGRE)
		}
		if c.Tunnel.RemoteIP == "" {
			return fmt.Errorf("config: tunnel remote_ip is required")
		}
		if net.ParseIP(c.Tunnel.RemoteIP) == nil {
			return fmt.Errorf("config: tunnel remote_ip %q is not a valid IP address", c.Tunnel.RemoteIP)
		}
		if c.Tunnel.LocalIP != "" && net.ParseIP(c.Tunnel.LocalIP) == nil {
			return fmt.Errorf("config: tunnel local_ip %q is not a valid IP address", c.Tunnel.LocalIP)
		}
		if c.Tunnel.VNI > 0xFFFFFF {
			return fmt.Errorf("config: tunnel vni %d exceeds the 24-bit VXLAN VNI range", c.Tunnel.VNI)
		}
		if c.Runtime.OutputIface == "" {
			return fmt.Errorf("config: runtime output_iface is required when tunnel is enabled")
		}
	}
	for i, r := range c.Filter.Rules {
		if _, err := parseAction(r.Action); err != nil {
			return fmt.Errorf("config: filter rule %d: %w", i, err)
		}
	}
	if c.Filter.DefaultAction != "" {
		if _, err := parseAction(c.Filter.DefaultAction); err != nil {
			return fmt.Errorf("config: filter default_action: %w", err)
		}
	}
	return nil
}

// TunnelEnabled reports whether a tunnel: section was present in the
// source document.
func (c *Config) TunnelEnabled() bool { return c.tunnelPresent }

func parseAction(s string) (filter.Action, error) {
	switch s {
	case "allow", "":
		return filter.Allow, nil
	case "drop":
		return filter.Drop, nil
	default:
		return filter.Allow, fmt.Errorf("unknown action %q (want \"allow\" or \"drop\")", s)
	}
}

// BuildFilter compiles the parsed Filter section into a filter.Config
// ready for Evaluate, resolving CIDR strings, protocol names, and
// action strings the same way config.c's parse_cidr/parse_protocol do.
func (c *Config) BuildFilter() (*filter.Config, error) {
	defaultAction, err := parseAction(c.Filter.DefaultAction)
	if err != nil {
		return nil, err
	}
	rules := make([]filter.Rule, 0, len(c.Filter.Rules))
	for i, r := range c.Filter.Rules {
		action, err := parseAction(r.Action)
		if err != nil {
			return nil, fmt.Errorf("config: filter rule %d: %w", i, err)
		}
		m, err := buildMatch(r.Match)
		if err != nil {
			return nil, fmt.Errorf("config: filter rule %d match: %w", i, err)
		}
		rules = append(rules, filter.Rule{Action: action, Match: m})
	}
	return filter.New(defaultAction, rules), nil
}

func buildMatch(m Match) (filter.Match, error) {
	var out filter.Match
	if m.EthType != nil {
		out.HasEthType = true
		out.EthType = *m.EthType
	}
	if m.Protocol != nil {
		proto, err := parseProtocol(*m.Protocol)
		if err != nil {
			return out, err
		}
		out.HasProtocol = true
		out.Protocol = proto
	}
	if m.PortSrc != nil {
		out.HasSrcPort = true
		out.SrcPort = *m.PortSrc
	}
	if m.PortDst != nil {
		out.HasDstPort = true
		out.DstPort = *m.PortDst
	}
	if m.IPSrc != nil {
		ip, mask, err := parseCIDR(*m.IPSrc)
		if err != nil {
			return out, fmt.Errorf("ip_src: %w", err)
		}
		out.HasSrcIP, out.SrcIP, out.SrcMask = true, ip, mask
	}
	if m.IPDst != nil {
		ip, mask, err := parseCIDR(*m.IPDst)
		if err != nil {
			return out, fmt.Errorf("ip_dst: %w", err)
		}
		out.HasDstIP, out.DstIP, out.DstMask = true, ip, mask
	}
	return out, nil
}

func parseProtocol(s string) (uint8, error) {
	switch s {
	case "icmp":
		return 1, nil
	case "tcp":
		return 6, nil
	case "udp":
		return 17, nil
	case "icmpv6":
		return 58, nil
	default:
		return 0, fmt.Errorf("unknown protocol %q", s)
	}
}

// parseCIDR parses "a.b.c.d" or "a.b.c.d/prefix" into a host-order IP and
// mask, the same way config.c's parse_cidr does (a bare address implies
// a full /32 match).
func parseCIDR(s string) (ip uint32, mask uint32, err error) {
	addr, bits, hasPrefix := splitCIDR(s)
	parsed := net.ParseIP(addr)
	if parsed == nil {
		return 0, 0, fmt.Errorf("invalid address %q", s)
	}
	v4 := parsed.To4()
	if v4 == nil {
		return 0, 0, fmt.Errorf("not an IPv4 address: %q", s)
	}
	ip = uint32(v4[0])<<24 | uint32(v4[1])<<16 | uint32(v4[2])<<8 | uint32(v4[3])
	if !hasPrefix {
		return ip, filter.MaskFromPrefixLen(32), nil
	}
	if bits < 0 || bits > 32 {
		return 0, 0, fmt.Errorf("invalid prefix length in %q", s)
	}
	mask = filter.MaskFromPrefixLen(bits)
	return ip & mask, mask, nil
}

func splitCIDR(s string) (addr string, prefix int, hasPrefix bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			n := 0
			for j := i + 1; j < len(s); j++ {
				if s[j] < '0' || s[j] > '9' {
					return s[:i], -1, true
				}
				n = n*10 + int(s[j]-'0')
			}
			return s[:i], n, true
		}
	}
	return s, 0, false
}
