package pool_test

import (
	"testing"

	"github.com/AvizNetworks/vasntap/pool"
)

func TestSimpleBytePoolReuse(t *testing.T) {
	bp := pool.NewSimpleBytePool(2, 64)
	b1 := bp.Get()
	if len(b1) != 64 {
		t.Fatalf("expected length 64, got %d", len(b1))
	}
	bp.Put(b1)
	b2 := bp.Get()
	if len(b2) != 64 {
		t.Fatalf("expected reused buffer length 64, got %d", len(b2))
	}
}

func TestSimpleBytePoolExhaustionAllocatesFresh(t *testing.T) {
	bp := pool.NewSimpleBytePool(0, 32)
	b := bp.Get()
	if len(b) != 32 {
		t.Fatalf("expected length 32, got %d", len(b))
	}
}

func TestSimpleBytePoolDropsWrongSize(t *testing.T) {
	bp := pool.NewSimpleBytePool(1, 64)
	bp.Put(make([]byte, 8))
	got := bp.Get()
	if len(got) != 64 {
		t.Fatalf("expected pool to ignore undersized buffer and return 64, got %d", len(got))
	}
}
