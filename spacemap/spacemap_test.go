package spacemap

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/openzfs/zfs-object-agent/blockdev"
	"github.com/openzfs/zfs-object-agent/extentalloc"
	"github.com/openzfs/zfs-object-agent/types"
)

func newTestAllocator(t *testing.T) *Allocator {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cache.img")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Truncate(128 << 20); err != nil {
		t.Fatal(err)
	}
	f.Close()

	dev, err := blockdev.Open(path, 512, 8, 8, 8)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { dev.Close() })

	metaEnd := types.DiskLocation(4 << 20)
	metaAlloc := extentalloc.New(0, metaEnd)
	dataEnd := types.DiskLocation(dev.Size())

	// 1 MiB log chunks so both spacemaps fit in the 4 MiB metadata region.
	return New(dev, metaAlloc, metaEnd, dataEnd, 1<<20, []uint64{4096, 1 << 20}, 2, 200, 1<<20)
}

func TestAllocateFreeRoundTrip(t *testing.T) {
	a := newTestAllocator(t)
	loc, err := a.Allocate(4096)
	if err != nil {
		t.Fatal(err)
	}
	a.Free(loc, 4096)
	if err := a.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestAllocateDistinctAddresses(t *testing.T) {
	a := newTestAllocator(t)
	seen := map[types.DiskLocation]bool{}
	for i := 0; i < 10; i++ {
		loc, err := a.Allocate(4096)
		if err != nil {
			t.Fatal(err)
		}
		if seen[loc] {
			t.Fatalf("duplicate allocation at %d", loc)
		}
		seen[loc] = true
	}
}

func TestCondenseAdvancesCursor(t *testing.T) {
	a := newTestAllocator(t)
	// Each 1 MiB allocation fills a whole slab, giving five slabs: more than
	// the two condensed per pass, so the cursor advances without wrapping.
	for i := 0; i < 5; i++ {
		if _, err := a.Allocate(1 << 20); err != nil {
			t.Fatal(err)
		}
	}
	if err := a.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := a.Condense(context.Background()); err != nil {
		t.Fatal(err)
	}
	if a.nextSlabToCondense == 0 && len(a.slabs) > 0 {
		t.Fatalf("expected condense cursor to advance")
	}
}
