package blocklog

import (
	"context"
	"sort"
	"sync"

	"github.com/openzfs/zfs-object-agent/blockdev"
	"github.com/openzfs/zfs-object-agent/internal/debug"
	"github.com/openzfs/zfs-object-agent/internal/zerr"
	"github.com/openzfs/zfs-object-agent/extentalloc"
	"github.com/openzfs/zfs-object-agent/types"
)

// KeyOf extracts the sort key from an entry of type T.
type KeyOf[T any, K any] func(T) K

// LessKey orders keys of type K.
type LessKey[K any] func(a, b K) bool

// summaryEntry pairs a chunk's id with its first entry's full value,
// enabling binary search over chunks before an in-chunk binary search.
type summaryEntry[T any] struct {
	ChunkID uint64 `json:"chunk_id"`
	First   T      `json:"first"`
}

// SummaryLog is a Log[T] that requires key-ascending append order and
// maintains an in-RAM, binary-searchable summary (itself backed by a
// sibling Log of (chunk_id, first_entry) pairs) supporting LookupByKey in
// O(log(chunks) + log(entries-per-chunk)) (§4.D).
type SummaryLog[T any, K any] struct {
	*Log[T]
	keyOf KeyOf[T, K]
	less  LessKey[K]
	sum   *Log[summaryEntry[T]]

	mu      sync.RWMutex
	summary []summaryEntry[T] // RAM cache, ascending by First's key
	lastKey K
	hasLast bool
	cache   map[uint64][]T
}

// NewSummary wraps a fresh Log[T] with a key-ascending summary index.
func NewSummary[T any, K any](dev *blockdev.Device, alloc *extentalloc.Allocator, entriesPerChunk int, chunkBytes int64, keyOf KeyOf[T, K], less LessKey[K]) *SummaryLog[T, K] {
	s := &SummaryLog[T, K]{keyOf: keyOf, less: less, cache: map[uint64][]T{}}
	s.sum = New[summaryEntry[T]](dev, alloc, entriesPerChunk, chunkBytes, nil)
	s.Log = New[T](dev, alloc, entriesPerChunk, chunkBytes, nil)
	return s
}

// Append appends entry, which must have a key >= every previously appended
// entry's key (the "requires entries appended in key-ascending order"
// invariant).
func (s *SummaryLog[T, K]) Append(entry T) {
	s.mu.Lock()
	k := s.keyOf(entry)
	if s.hasLast {
		debug.Assert(!s.less(k, s.lastKey), "blocklog summary: keys must be appended in ascending order")
	}
	s.lastKey = k
	s.hasLast = true
	s.mu.Unlock()
	s.Log.Append(entry)
}

// LastKey returns the key of the most recently appended entry.
func (s *SummaryLog[T, K]) LastKey() (K, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastKey, s.hasLast
}

// Flush flushes the underlying log, recording one summary entry per newly
// written chunk (that chunk's first entry), then flushes the summary log.
func (s *SummaryLog[T, K]) Flush(ctx context.Context) error {
	s.Log.mu.Lock()
	pendingSnapshot := append([]T(nil), s.Log.pending...)
	nextID := s.Log.phys.NextChunk
	entriesPerChunk := s.Log.entriesPerChunk
	s.Log.mu.Unlock()

	firstByChunk := map[uint64]T{}
	for i := 0; i < len(pendingSnapshot); i += entriesPerChunk {
		firstByChunk[nextID] = pendingSnapshot[i]
		nextID++
	}

	if err := s.Log.Flush(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	ids := make([]uint64, 0, len(firstByChunk))
	for id := range firstByChunk {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		se := summaryEntry[T]{ChunkID: id, First: firstByChunk[id]}
		s.summary = append(s.summary, se)
		s.sum.Append(se)
	}
	s.mu.Unlock()
	return s.sum.Flush(ctx)
}

// LookupByKey binary-searches the RAM summary for the chunk that may
// contain key, then binary-searches within that chunk. Returns (entry,
// true) on a hit. Short-circuits to "not found" when key is past the last
// appended key, per §4.D.
func (s *SummaryLog[T, K]) LookupByKey(ctx context.Context, key K) (T, bool, error) {
	var zero T
	s.mu.RLock()
	if s.hasLast && s.less(s.lastKey, key) {
		s.mu.RUnlock()
		return zero, false, nil
	}
	idx := sort.Search(len(s.summary), func(i int) bool {
		return s.less(key, s.keyOf(s.summary[i].First))
	}) - 1
	if idx < 0 {
		s.mu.RUnlock()
		return zero, false, nil
	}
	chunkID := s.summary[idx].ChunkID
	ext, ok := s.Log.phys.Chunks[chunkID]
	s.mu.RUnlock()
	if !ok {
		return zero, false, zerr.Wrapf(zerr.ErrInvariant, "blocklog summary: missing chunk %d", chunkID)
	}

	entries, err := s.readChunk(ctx, chunkID, ext)
	if err != nil {
		return zero, false, err
	}
	j := sort.Search(len(entries), func(i int) bool {
		return !s.less(s.keyOf(entries[i]), key)
	})
	if j < len(entries) && !s.less(key, s.keyOf(entries[j])) && !s.less(s.keyOf(entries[j]), key) {
		return entries[j], true, nil
	}
	return zero, false, nil
}

func (s *SummaryLog[T, K]) readChunk(ctx context.Context, chunkID uint64, ext types.Extent) ([]T, error) {
	s.mu.RLock()
	if cached, ok := s.cache[chunkID]; ok {
		s.mu.RUnlock()
		return cached, nil
	}
	s.mu.RUnlock()

	raw, err := s.Log.dev.ReadRaw(ctx, ext)
	if err != nil {
		return nil, err
	}
	payload, _, err := blockdev.ChunkFromRaw(raw)
	if err != nil {
		return nil, err
	}
	var cp chunkPayload[T]
	if err := json.Unmarshal(payload, &cp); err != nil {
		return nil, zerr.Wrap(err, "unmarshal log chunk")
	}
	s.mu.Lock()
	s.cache[chunkID] = cp.Entries
	s.mu.Unlock()
	return cp.Entries, nil
}
