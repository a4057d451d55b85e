package config

import (
	"strings"
	"testing"
)

func TestParseMinimal(t *testing.T) {
	doc := []byte(`
runtime:
  input_iface: eth0
  mode: afpacket
`)
	cfg, err := Parse(doc)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Runtime.InputIface != "eth0" || cfg.Runtime.Mode != ModeAFPacket {
		t.Fatalf("unexpected runtime: %+v", cfg.Runtime)
	}
	if cfg.TunnelEnabled() {
		t.Fatalf("expected no tunnel section")
	}
}

func TestParseRequiresInputIface(t *testing.T) {
	doc := []byte(`
runtime:
  mode: afpacket
`)
	if _, err := Parse(doc); err == nil {
		t.Fatalf("expected error for missing input_iface")
	}
}

func TestParseRequiresMode(t *testing.T) {
	doc := []byte(`
runtime:
  input_iface: eth0
`)
	if _, err := Parse(doc); err == nil {
		t.Fatalf("expected error for missing mode")
	}
}

func TestParseTruncateRangeValidation(t *testing.T) {
	doc := []byte(`
runtime:
  input_iface: eth0
  mode: ebpf
  truncate:
    enabled: true
    length: 10
`)
	if _, err := Parse(doc); err == nil {
		t.Fatalf("expected error for truncate length below minimum")
	}
}

func TestParseTunnelRequiresRemoteIPAndOutputIface(t *testing.T) {
	doc := []byte(`
runtime:
  input_iface: eth0
  mode: ebpf
tunnel:
  type: vxlan
`)
	if _, err := Parse(doc); err == nil {
		t.Fatalf("expected error for tunnel missing remote_ip/output_iface")
	}
}

func TestParseTunnelDefaultsDstPort(t *testing.T) {
	doc := []byte(`
runtime:
  input_iface: eth0
  output_iface: eth1
  mode: ebpf
tunnel:
  type: vxlan
  remote_ip: 10.0.0.2
  vni: 42
`)
	cfg, err := Parse(doc)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Tunnel.DstPort != 4789 {
		t.Fatalf("expected default VXLAN dst port 4789, got %d", cfg.Tunnel.DstPort)
	}
	if !cfg.TunnelEnabled() {
		t.Fatalf("expected tunnel section to be recognized as present")
	}
}

func TestBuildFilterCIDRAndProtocol(t *testing.T) {
	doc := []byte(`
runtime:
  input_iface: eth0
  mode: ebpf
filter:
  default_action: allow
  rules:
    - action: drop
      match:
        protocol: tcp
        ip_src: 10.0.0.0/8
        port_dst: 22
`)
	cfg, err := Parse(doc)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	fc, err := cfg.BuildFilter()
	if err != nil {
		t.Fatalf("BuildFilter: %v", err)
	}
	if len(fc.Rules) != 1 {
		t.Fatalf("expected 1 rule, got %d", len(fc.Rules))
	}
	r := fc.Rules[0]
	if !r.Match.HasSrcIP || r.Match.SrcMask != 0xFF000000 {
		t.Fatalf("unexpected src CIDR: %+v", r.Match)
	}
	if !r.Match.HasProtocol || r.Match.Protocol != 6 {
		t.Fatalf("expected tcp protocol 6, got %+v", r.Match)
	}
}

func TestParseWorkersRangeValidation(t *testing.T) {
	doc := []byte(`
runtime:
  input_iface: eth0
  mode: afpacket
  workers: 129
`)
	if _, err := Parse(doc); err == nil {
		t.Fatalf("expected error for workers above maximum")
	}
}

func TestParseRejectsTooManyFilterRules(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("runtime:\n  input_iface: eth0\n  mode: afpacket\nfilter:\n  rules:\n")
	for i := 0; i < maxFilterRules+1; i++ {
		sb.WriteString("    - action: allow\n")
	}
	if _, err := Parse([]byte(sb.String())); err == nil {
		t.Fatalf("expected error for exceeding max filter rules")
	}
}

func TestParseRejectsUnknownAction(t *testing.T) {
	doc := []byte(`
runtime:
  input_iface: eth0
  mode: ebpf
filter:
  rules:
    - action: maybe
`)
	cfg, err := Parse(doc)
	if err == nil {
		t.Fatalf("expected Parse/Validate to reject unknown action %+v", cfg)
	}
}
