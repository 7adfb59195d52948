package zettacache

import (
	"context"
	"sort"

	"github.com/openzfs/zfs-object-agent/blockdev"
	"github.com/openzfs/zfs-object-agent/blocklog"
	"github.com/openzfs/zfs-object-agent/extentalloc"
	"github.com/openzfs/zfs-object-agent/internal/nlog"
	"github.com/openzfs/zfs-object-agent/internal/zerr"
	"github.com/openzfs/zfs-object-agent/types"
)

// MergeProgressKind distinguishes a mid-merge progress message from the
// final completion message sent on the merge task's progress channel.
type MergeProgressKind int

const (
	MergeProgress MergeProgressKind = iota
	MergeDone
)

// MergeMessage is what the merge task emits on its progress channel: as
// entries are folded into the new index and old locations are freed, the
// cache-side checkpoint task consumes these to flush next_index's phys and
// release evicted extents incrementally rather than waiting for the whole
// merge to complete (§4.H).
type MergeMessage struct {
	Kind       MergeProgressKind
	NextIndex  blocklog.Phys
	LastKey    types.Key
	HasLastKey bool
	Evicted    []types.Extent
	// Done fields, valid when Kind == MergeDone.
	FinalIndex   *Index
	EvictedBytes uint64
}

// MergeState is the snapshot a merge round operates against: the pending
// changes accumulated since the last merge, sorted by key for the
// lock-step scan against the current Index.
type MergeState struct {
	Pending []pendingEntry // sorted by Key
}

type pendingEntry struct {
	Key types.Key
	PendingChange
}

// SnapshotMergeState builds a sorted MergeState from the live
// PendingChanges map. The operation log itself is only consulted on crash
// recovery (via ReplayAgainstIndex) — once PendingChanges is populated it
// is the merge's source of truth.
func SnapshotMergeState(pc *PendingChanges) *MergeState {
	m := pc.Snapshot()
	out := make([]pendingEntry, 0, len(m))
	for k, c := range m {
		out = append(out, pendingEntry{Key: k, PendingChange: c})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Less(out[j].Key) })
	return &MergeState{Pending: out}
}

// MergeTask performs the lock-step merge of the current Index against a
// MergeState, producing a new Index with evicted (cold) entries dropped.
// Progress is reported incrementally on progress so the checkpoint task can
// flush next_index and release freed extents without waiting for
// completion; resume-after-crash restarts the scan from next_index's
// LastKey (§4.H).
type MergeTask struct {
	dev   *blockdev.Device
	alloc *extentalloc.Allocator

	entriesPerChunk int
	chunkBytes      int64
}

func NewMergeTask(dev *blockdev.Device, alloc *extentalloc.Allocator, entriesPerChunk int, chunkBytes int64) *MergeTask {
	return &MergeTask{dev: dev, alloc: alloc, entriesPerChunk: entriesPerChunk, chunkBytes: chunkBytes}
}

// Run scans cur (in ascending key order) merged with state.Pending (already
// sorted), applies the eviction cutoff, and writes the result into a fresh
// Index. resumeFrom, if non-zero, skips entries already folded into a
// partially-completed next index from a prior crashed merge. progress, if
// non-nil, receives incremental MergeProgress messages followed by one
// final MergeDone message — the caller owns the channel's lifetime.
func (mt *MergeTask) Run(ctx context.Context, cur *Index, state *MergeState, cutoff types.Atime, resumeFrom types.Key, hasResume bool, progress chan<- MergeMessage) (*Index, error) {
	curEntries, err := cur.All(ctx)
	if err != nil {
		return nil, err
	}

	next := NewIndex(mt.dev, mt.alloc, mt.entriesPerChunk, mt.chunkBytes, cutoff)

	i, j := 0, 0
	const progressEvery = 4096
	since := 0
	var evictedBytes uint64
	var evictedExtents []types.Extent
	var lastKey types.Key
	var hasLastKey bool

	emit := func(force bool) {
		since++
		if !force && since < progressEvery {
			return
		}
		since = 0
		if progress == nil {
			evictedExtents = nil
			return
		}
		progress <- MergeMessage{
			Kind: MergeProgress, NextIndex: next.log.Phys(),
			LastKey: lastKey, HasLastKey: hasLastKey,
			Evicted: evictedExtents,
		}
		evictedExtents = nil
	}

	keep := func(k types.Key, v Value) {
		if v.Atime < cutoff {
			evictedBytes += v.Size
			evictedExtents = append(evictedExtents, types.Extent{Offset: v.Location, Size: v.Size})
			return
		}
		if hasResume && k.Less(resumeFrom) {
			return
		}
		next.Append(IndexEntry{Key: k, Value: v})
		lastKey, hasLastKey = k, true
		emit(false)
	}

	for i < len(curEntries) || j < len(state.Pending) {
		switch {
		case j >= len(state.Pending) || (i < len(curEntries) && curEntries[i].Key.Less(state.Pending[j].Key)):
			keep(curEntries[i].Key, curEntries[i].Value)
			i++
		case i >= len(curEntries) || state.Pending[j].Key.Less(curEntries[i].Key):
			applyPendingOnly(state.Pending[j], keep)
			j++
		default: // equal keys: pending change overrides the current entry
			applyPendingOverCurrent(state.Pending[j], curEntries[i].Value, keep)
			i++
			j++
		}
	}

	if err := next.Flush(ctx); err != nil {
		return nil, err
	}
	emit(true)
	if progress != nil {
		progress <- MergeMessage{Kind: MergeDone, FinalIndex: next, EvictedBytes: evictedBytes}
	}
	nlog.Infof("zettacache: merge complete, %d bytes evicted below atime %d", evictedBytes, cutoff)
	return next, nil
}

func applyPendingOnly(p pendingEntry, keep func(types.Key, Value)) {
	switch p.Kind {
	case PendingRemove:
		// key never reached the index and is now gone; nothing to keep.
	default:
		keep(p.Key, p.Value)
	}
}

func applyPendingOverCurrent(p pendingEntry, cur Value, keep func(types.Key, Value)) {
	switch p.Kind {
	case PendingRemove:
		// dropped.
	case PendingUpdateAtime:
		keep(p.Key, p.Value)
	case PendingInsert:
		zerr.Panic("zettacache: pending insert of key %v collides with an existing index entry (should not happen)", p.Key)
	default: // PendingRemoveThenInsert supersedes the stale current value
		keep(p.Key, p.Value)
	}
}
