package blocklog

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/openzfs/zfs-object-agent/blockdev"
	"github.com/openzfs/zfs-object-agent/extentalloc"
	"github.com/openzfs/zfs-object-agent/types"
)

type entry struct {
	Key   uint64 `json:"key"`
	Value string `json:"value"`
}

func newTestDevice(t *testing.T) (*blockdev.Device, *extentalloc.Allocator) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cache.img")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Truncate(64 << 20); err != nil {
		t.Fatal(err)
	}
	f.Close()

	dev, err := blockdev.Open(path, 512, 8, 8, 8)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { dev.Close() })
	alloc := extentalloc.New(0, types.DiskLocation(dev.Size()))
	return dev, alloc
}

func TestLogAppendFlushIter(t *testing.T) {
	dev, alloc := newTestDevice(t)
	log := New[entry](dev, alloc, 4, 1<<20, nil)

	for i := uint64(0); i < 10; i++ {
		log.Append(entry{Key: i, Value: "v"})
	}
	if err := log.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}

	got, err := log.Iter(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 10 {
		t.Fatalf("expected 10 entries, got %d", len(got))
	}
	for i, e := range got {
		if e.Key != uint64(i) {
			t.Fatalf("entry %d: expected key %d, got %d", i, i, e.Key)
		}
	}
}

func TestSummaryLookupByKey(t *testing.T) {
	dev, alloc := newTestDevice(t)
	slog := NewSummary[entry, uint64](dev, alloc, 4, 1<<20,
		func(e entry) uint64 { return e.Key },
		func(a, b uint64) bool { return a < b },
	)

	for i := uint64(0); i < 20; i++ {
		slog.Append(entry{Key: i * 2, Value: "v"})
	}
	if err := slog.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}

	e, ok, err := slog.LookupByKey(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || e.Key != 10 {
		t.Fatalf("expected hit on key 10, got ok=%v e=%+v", ok, e)
	}

	_, ok, err = slog.LookupByKey(context.Background(), 11)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatalf("expected miss on odd key 11")
	}

	_, ok, err = slog.LookupByKey(context.Background(), 1000)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatalf("expected miss past last key")
	}
}
