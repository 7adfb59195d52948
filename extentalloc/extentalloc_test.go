package extentalloc

import (
	"testing"

	"github.com/openzfs/zfs-object-agent/types"
)

func TestAllocateFree(t *testing.T) {
	a := New(0, 1<<20)
	e1 := a.Allocate(512, 4096)
	if e1.Size != 4096 {
		t.Fatalf("expected 4096, got %d", e1.Size)
	}
	e2 := a.Allocate(512, 4096)
	if e2.Offset == e1.Offset {
		t.Fatalf("expected disjoint allocations")
	}
	a.Free(e1)
	// not yet reusable before CheckpointDone
	before := a.AvailableBytes()
	a.CheckpointDone()
	after := a.AvailableBytes()
	if after <= before {
		t.Fatalf("expected available bytes to grow after CheckpointDone: %d -> %d", before, after)
	}
}

func TestAllocateExhaustionPanics(t *testing.T) {
	a := New(0, 4096)
	a.Allocate(4096, 4096)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on exhaustion")
		}
	}()
	a.Allocate(512, 512)
}

func TestClaimReconstruction(t *testing.T) {
	a := New(0, 1<<20)
	a.Claim(types.Extent{Offset: 0, Size: 8192})
	e := a.Allocate(512, 1<<30)
	if e.Offset < 8192 {
		t.Fatalf("expected allocation past claimed region, got offset %d", e.Offset)
	}
}
