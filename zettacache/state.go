package zettacache

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/openzfs/zfs-object-agent/blockdev"
	"github.com/openzfs/zfs-object-agent/internal/nlog"
	"github.com/openzfs/zfs-object-agent/types"
)

// blockAllocator is the subset of spacemap.Allocator the state machine
// needs — kept as an interface so tests can substitute a fake.
type blockAllocator interface {
	Allocate(size uint64) (types.DiskLocation, error)
	Free(loc types.DiskLocation, size uint64)
}

var (
	metricInsertRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zettacache_insert_rejected_total",
		Help: "Cache insertions dropped because a semaphore permit could not be acquired or the allocator was exhausted.",
	})
)

func init() {
	prometheus.MustRegister(metricInsertRejected)
}

// LookupResult is the outcome of State.Lookup.
type LookupResult struct {
	Present bool
	Data    []byte
}

// keyLockSet serializes concurrent lookups for the same key against
// in-flight insertions of that key (§4.I, §9 "per-key lookup
// serialization"). Held only for the lookup-or-insert decision, not for
// the subsequent I/O.
type keyLockSet struct {
	mu    sync.Mutex
	locks map[types.Key]*sync.Mutex
}

func newKeyLockSet() *keyLockSet {
	return &keyLockSet{locks: map[types.Key]*sync.Mutex{}}
}

func (s *keyLockSet) lock(k types.Key) func() {
	s.mu.Lock()
	l, ok := s.locks[k]
	if !ok {
		l = &sync.Mutex{}
		s.locks[k] = l
	}
	s.mu.Unlock()
	l.Lock()
	return func() {
		l.Unlock()
		s.mu.Lock()
		delete(s.locks, k)
		s.mu.Unlock()
	}
}

// bytesSemaphore is a counting semaphore sized in bytes, used to bound
// memory held by pending cache insertions (§5).
type bytesSemaphore struct {
	mu        sync.Mutex
	cap, used uint64
}

func newBytesSemaphore(capacity uint64) *bytesSemaphore {
	return &bytesSemaphore{cap: capacity}
}

// acquireBlocking waits for space to free up by polling the semaphore's
// own lock every pollInterval; since the state lock must never be held
// across await points, callers release it before calling this.
func (s *bytesSemaphore) acquireBlocking(ctx context.Context, n uint64) error {
	for {
		s.mu.Lock()
		if s.used+n <= s.cap {
			s.used += n
			s.mu.Unlock()
			return nil
		}
		s.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (s *bytesSemaphore) tryAcquire(n uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.used+n > s.cap {
		return false
	}
	s.used += n
	return true
}

func (s *bytesSemaphore) release(n uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.used -= n
}

// mergingState holds the snapshot a merge round is running against, so
// lookups can fall through to it with the eviction cutoff applied (§4.H
// invariant).
type mergingState struct {
	active          bool
	cutoff          types.Atime
	oldPendingByKey map[types.Key]PendingChange
}

// State is the ZettaCache state machine: lookup/insert/evict/heal,
// serialized per §4.I / §5's lock ordering (index reader-writer lock outer,
// state exclusive lock inner, never held across an await).
type State struct {
	dev   *blockdev.Device
	alloc blockAllocator

	indexMu sync.RWMutex
	index   *Index

	stateMu sync.Mutex
	pending *PendingChanges
	opLog   *OperationLog
	merging mergingState

	keyLocks *keyLockSet

	blockingBuf    *bytesSemaphore // read-miss-driven inserts: waits for space
	nonBlockingBuf *bytesSemaphore // writes/heals/speculative reads: drops on exhaustion

	currentAtime types.Atime

	// inflightWrites tracks DiskLocations with a write in progress, so a
	// lookup racing that write waits for it to land before reading (§4.I).
	inflightMu sync.Mutex
	inflight   map[types.DiskLocation]chan struct{}

	read func(ctx context.Context, loc types.DiskLocation, size uint64) ([]byte, error)
	write func(ctx context.Context, loc types.DiskLocation, data []byte) error

	firstValidOffset types.DiskLocation // metadata region end (§4.I)
}

// NewState constructs a State over an already-open index and operation log.
func NewState(dev *blockdev.Device, alloc blockAllocator, index *Index, opLog *OperationLog, pending *PendingChanges,
	blockingBytes, nonBlockingBytes uint64, firstValidOffset types.DiskLocation,
	read func(context.Context, types.DiskLocation, uint64) ([]byte, error),
	write func(context.Context, types.DiskLocation, []byte) error,
) *State {
	return &State{
		dev: dev, alloc: alloc, index: index, opLog: opLog, pending: pending,
		keyLocks:         newKeyLockSet(),
		blockingBuf:      newBytesSemaphore(blockingBytes),
		nonBlockingBuf:   newBytesSemaphore(nonBlockingBytes),
		inflight:         map[types.DiskLocation]chan struct{}{},
		firstValidOffset: firstValidOffset,
		read:             read,
		write:            write,
	}
}

// CurrentAtime returns the tick counter's present value (advanced
// periodically by the cache's atime-tick task).
func (st *State) CurrentAtime() types.Atime {
	st.stateMu.Lock()
	defer st.stateMu.Unlock()
	return st.currentAtime
}

// AdvanceAtime bumps the tick counter, called by the periodic atime-tick
// task (default interval per config).
func (st *State) AdvanceAtime() {
	st.stateMu.Lock()
	st.currentAtime = st.currentAtime.Next()
	st.stateMu.Unlock()
}

// BeginMerge marks a merge as active against snapshot state, so concurrent
// lookups apply its cutoff to entries not yet folded into the new index.
func (st *State) BeginMerge(cutoff types.Atime, oldPending map[types.Key]PendingChange) {
	st.stateMu.Lock()
	st.merging = mergingState{active: true, cutoff: cutoff, oldPendingByKey: oldPending}
	st.stateMu.Unlock()
}

// MergeCutoff reports the active merge's eviction cutoff, if a merge is
// running.
func (st *State) MergeCutoff() (types.Atime, bool) {
	st.stateMu.Lock()
	defer st.stateMu.Unlock()
	return st.merging.cutoff, st.merging.active
}

// EndMerge installs the freshly merged index and clears merge state. The
// index rotation is a single locked swap (§5) so no lookup observes a
// half-updated index.
func (st *State) EndMerge(newIndex *Index) {
	st.indexMu.Lock()
	st.index = newIndex
	st.indexMu.Unlock()

	st.stateMu.Lock()
	st.merging = mergingState{}
	st.stateMu.Unlock()
}

// awaitInflight blocks until any write to loc currently in progress
// completes, honoring §4.I "if an outstanding write to the same value is
// in flight, await its completion before reading."
func (st *State) awaitInflight(ctx context.Context, loc types.DiskLocation) error {
	st.inflightMu.Lock()
	ch, ok := st.inflight[loc]
	st.inflightMu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (st *State) beginInflight(loc types.DiskLocation) func() {
	ch := make(chan struct{})
	st.inflightMu.Lock()
	st.inflight[loc] = ch
	st.inflightMu.Unlock()
	return func() {
		st.inflightMu.Lock()
		delete(st.inflight, loc)
		st.inflightMu.Unlock()
		close(ch)
	}
}

// Lookup implements §4.I's lookup operation: takes the per-key lock,
// consults pending changes / merge snapshot / index in order with the
// eviction cutoff applied, bumps atime on hit, and serves the read.
func (st *State) Lookup(ctx context.Context, key types.Key) (LookupResult, error) {
	unlock := st.keyLocks.lock(key)
	defer unlock()

	st.indexMu.RLock()
	defer st.indexMu.RUnlock()

	value, present, err := st.resolve(ctx, key)
	if err != nil {
		return LookupResult{}, err
	}
	if !present {
		return LookupResult{}, nil
	}

	if value.Location < st.firstValidOffset {
		// The metadata allocator has overwritten this block; treat as a
		// hard miss and record the loss.
		st.recordChange(key, PendingChange{Kind: PendingRemove})
		return LookupResult{}, nil
	}

	if err := st.awaitInflight(ctx, value.Location); err != nil {
		return LookupResult{}, err
	}

	data, err := st.read(ctx, value.Location, value.Size)
	if err != nil {
		return LookupResult{}, err
	}

	now := st.CurrentAtime()
	if value.Atime != now {
		st.index.hist.Move(value.Atime, now, value.Size)
		newValue := Value{Location: value.Location, Size: value.Size, Atime: now}
		st.recordChange(key, PendingChange{Kind: PendingUpdateAtime, Value: newValue})
	}

	return LookupResult{Present: true, Data: data}, nil
}

// resolve looks a key up through pending changes, the active merge's old
// snapshot, and finally the Index, applying the eviction cutoff per §4.I
// steps 1-3. Caller holds indexMu (read lock suffices).
func (st *State) resolve(ctx context.Context, key types.Key) (Value, bool, error) {
	st.stateMu.Lock()
	if c, ok := st.pending.Get(key); ok {
		merging := st.merging
		st.stateMu.Unlock()
		return resolvePendingChange(c, merging)
	}
	merging := st.merging
	st.stateMu.Unlock()

	if merging.active {
		if c, ok := merging.oldPendingByKey[key]; ok {
			return resolvePendingChange(c, merging)
		}
	}

	v, ok, err := st.index.Lookup(ctx, key)
	if err != nil || !ok {
		return Value{}, false, err
	}
	if merging.active && v.Atime < merging.cutoff {
		return Value{}, false, nil
	}
	return v, true, nil
}

func resolvePendingChange(c PendingChange, merging mergingState) (Value, bool, error) {
	switch c.Kind {
	case PendingRemove:
		return Value{}, false, nil
	default:
		if merging.active && c.Value.Atime < merging.cutoff {
			return Value{}, false, nil
		}
		return c.Value, true, nil
	}
}

func (st *State) recordChange(key types.Key, c PendingChange) {
	st.stateMu.Lock()
	switch c.Kind {
	case PendingUpdateAtime:
		st.pending.ApplyUpdateAtime(key, c.Value)
	case PendingRemove:
		st.pending.ApplyRemove(key)
	default:
		st.pending.ApplyInsert(key, c.Value, c.Kind == PendingRemoveThenInsert)
	}
	eff, _ := st.pending.Get(key)
	st.opLog.Append(OpLogEntryFor(key, eff))
	st.stateMu.Unlock()
}

// InsertSource distinguishes which semaphore governs an insertion (§4.I,
// §5).
type InsertSource int

const (
	// SourceReadMiss blocks on the bounded buffer rather than drop.
	SourceReadMiss InsertSource = iota
	SourceWrite
	SourceHeal
	SourceSpeculativeRead
)

// Insert implements §4.I's insert operation. Callers already hold the
// per-key lock obtained from Lookup (or acquire their own via keyLocks for
// a pure write path).
func (st *State) Insert(ctx context.Context, key types.Key, data []byte, source InsertSource) error {
	size := uint64(len(data))

	if source == SourceReadMiss {
		if err := st.blockingBuf.acquireBlocking(ctx, size); err != nil {
			return err
		}
	} else {
		if !st.nonBlockingBuf.tryAcquire(size) {
			metricInsertRejected.Inc()
			return nil // dropped, not an error (§7)
		}
	}

	release := func() {
		if source == SourceReadMiss {
			st.blockingBuf.release(size)
		} else {
			st.nonBlockingBuf.release(size)
		}
	}

	loc, err := st.alloc.Allocate(size)
	if err != nil {
		release()
		metricInsertRejected.Inc()
		if source == SourceReadMiss {
			return err
		}
		return nil
	}

	done := st.beginInflight(loc)
	go func() {
		defer release()
		defer done()

		if err := st.write(ctx, loc, data); err != nil {
			nlog.Errorf("zettacache: insert write to %v failed: %v", loc, err)
			st.alloc.Free(loc, size)
			return
		}

		now := st.CurrentAtime()
		v := Value{Location: loc, Size: size, Atime: now}

		st.indexMu.RLock()
		_, existed, _ := st.index.Lookup(ctx, key)
		st.indexMu.RUnlock()

		st.stateMu.Lock()
		st.index.hist.Insert(now, size)
		st.stateMu.Unlock()

		st.recordChange(key, PendingChange{Kind: insertKind(existed), Value: v})
	}()
	return nil
}

func insertKind(existedInIndex bool) PendingKind {
	if existedInIndex {
		return PendingRemoveThenInsert
	}
	return PendingInsert
}

// Evict implements §4.I's evict operation: drop from the index and free
// the backing block.
func (st *State) Evict(key types.Key, value Value) {
	st.stateMu.Lock()
	st.index.hist.Remove(value.Atime, value.Size)
	st.stateMu.Unlock()

	st.recordChange(key, PendingChange{Kind: PendingRemove})
	st.alloc.Free(value.Location, value.Size)
}

// Heal implements §4.I's heal operation: re-reconcile a block whose bytes
// a higher layer has determined are stale or corrupt.
func (st *State) Heal(ctx context.Context, guid types.PoolGuid, block types.BlockId, correctBytes []byte) error {
	key := types.Key{Guid: guid, Block: block}
	unlock := st.keyLocks.lock(key)
	defer unlock()

	st.indexMu.RLock()
	value, present, err := st.resolve(ctx, key)
	st.indexMu.RUnlock()
	if err != nil {
		return err
	}
	if !present {
		return st.Insert(ctx, key, correctBytes, SourceHeal)
	}

	if value.Size == uint64(len(correctBytes)) {
		if err := st.awaitInflight(ctx, value.Location); err != nil {
			return err
		}
		return st.write(ctx, value.Location, correctBytes)
	}

	st.Evict(key, value)
	return st.Insert(ctx, key, correctBytes, SourceHeal)
}

// pollInterval bounds how long acquireBlocking waits between retries; the
// semaphore has no waiter queue, so this is a polling backoff rather than a
// wakeup.
const pollInterval = 5 * time.Millisecond
