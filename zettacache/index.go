package zettacache

import (
	"context"
	"sync"

	"github.com/openzfs/zfs-object-agent/blockdev"
	"github.com/openzfs/zfs-object-agent/blocklog"
	"github.com/openzfs/zfs-object-agent/extentalloc"
	"github.com/openzfs/zfs-object-agent/types"
)

// Value is the Index's mapped value: where a block lives on the cache
// device, its size, and its last access time (§3).
type Value struct {
	Location types.DiskLocation `json:"location"`
	Size     uint64             `json:"size"`
	Atime    types.Atime        `json:"atime"`
}

// IndexEntry is one (key, value) pair as stored in the sorted Index log.
type IndexEntry struct {
	Key   types.Key `json:"key"`
	Value Value     `json:"value"`
}

func indexKeyOf(e IndexEntry) types.Key { return e.Key }
func indexKeyLess(a, b types.Key) bool  { return a.Less(b) }

// Index is the sorted on-disk (PoolGuid,BlockId)->(location,size,atime)
// log-with-summary, paired with the live atime histogram (§3, §4.H).
type Index struct {
	log  *blocklog.SummaryLog[IndexEntry, types.Key]
	hist *AtimeHistogram

	mu      sync.RWMutex
	entries []IndexEntry // not populated; Lookup and All read through log
}

// NewIndex creates an empty Index.
func NewIndex(dev *blockdev.Device, alloc *extentalloc.Allocator, entriesPerChunk int, chunkBytes int64, firstAtime types.Atime) *Index {
	return &Index{
		log:  blocklog.NewSummary[IndexEntry, types.Key](dev, alloc, entriesPerChunk, chunkBytes, indexKeyOf, indexKeyLess),
		hist: NewAtimeHistogram(firstAtime),
	}
}

// Histogram exposes the index's atime histogram.
func (ix *Index) Histogram() *AtimeHistogram { return ix.hist }

// Lookup consults the summary+chunk binary search.
func (ix *Index) Lookup(ctx context.Context, key types.Key) (Value, bool, error) {
	e, ok, err := ix.log.LookupByKey(ctx, key)
	if err != nil || !ok {
		return Value{}, false, err
	}
	return e.Value, true, nil
}

// All returns every entry in ascending key order, for the merge task's
// lock-step scan. Requires the log to have no pending entries.
func (ix *Index) All(ctx context.Context) ([]IndexEntry, error) {
	return ix.log.Iter(ctx)
}

// Append adds an entry in ascending-key order, updating the histogram.
func (ix *Index) Append(e IndexEntry) {
	ix.log.Append(e)
	ix.hist.Insert(e.Value.Atime, e.Value.Size)
}

// Flush durably writes appended entries.
func (ix *Index) Flush(ctx context.Context) error { return ix.log.Flush(ctx) }

// LastKey returns the most recently appended key, if any — used to resume
// an interrupted merge from next_index.last_key (§4.H).
func (ix *Index) LastKey() (types.Key, bool) { return ix.log.LastKey() }
