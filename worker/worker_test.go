package worker

import (
	"testing"

	"github.com/AvizNetworks/vasntap/config"
)

func TestNewRejectsUnknownInputInterface(t *testing.T) {
	cfg := &config.Config{}
	cfg.Runtime.InputIface = "vasntap-test-iface-does-not-exist"
	cfg.Runtime.Mode = config.ModeAFPacket

	if _, err := New(cfg, ""); err == nil {
		t.Fatalf("expected error for nonexistent input interface")
	}
}

func TestNewRejectsNilConfig(t *testing.T) {
	if _, err := New(nil, ""); err == nil {
		t.Fatalf("expected error for nil config")
	}
}
