package rxmmap

import "testing"

func TestNewRejectsInvalidIfindex(t *testing.T) {
	_, err := New(Config{Ifindex: 0}, nil, nil, nil, false, 0)
	if err == nil {
		t.Fatalf("expected error for ifindex 0")
	}
}

func TestStatsZeroValue(t *testing.T) {
	var s Stats
	if s.PacketsReceived.Load() != 0 {
		t.Fatalf("expected zero-value stats to start at 0")
	}
}
