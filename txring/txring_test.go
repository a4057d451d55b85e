package txring

import "testing"

func TestNewRejectsInvalidIfindex(t *testing.T) {
	_, err := New(Config{Ifindex: 0})
	if err == nil {
		t.Fatalf("expected an error for ifindex 0")
	}
}
