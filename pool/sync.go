package pool

import (
	"context"
	"sort"
	"sync"

	"github.com/openzfs/zfs-object-agent/blockmap"
	"github.com/openzfs/zfs-object-agent/internal/debug"
	"github.com/openzfs/zfs-object-agent/internal/nlog"
	"github.com/openzfs/zfs-object-agent/internal/zerr"
	"github.com/openzfs/zfs-object-agent/objectlog"
	"github.com/openzfs/zfs-object-agent/types"
)

// ObjClient is the subset of objclient.Client the sync engine needs.
type ObjClient interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	GetUncached(ctx context.Context, key string) ([]byte, error)
	Head(ctx context.Context, key string) (int64, error)
	ListObjects(ctx context.Context, prefix, startAfter string, delimited bool) ([]string, error)
	DeleteObjects(ctx context.Context, keys <-chan string) error
}

// pendingWrite is one not-yet-ordered write awaiting its place in
// next_block order (§4.J).
type pendingWrite struct {
	block types.BlockId
	data  []byte
	done  chan error
}

// Engine drives one pool's sync state machine: begin_txg / write_block /
// free_block / initiate_flush / end_txg (§4.J).
type Engine struct {
	client ObjClient
	guid   types.PoolGuid

	maxBytesPerObject int64

	mu           sync.Mutex
	syncingTxg   types.Txg
	txgOpen      bool
	nextBlock    types.BlockId
	nextObjectID types.ObjectId // object id for the next data object this engine creates
	blockMap     *blockmap.Map
	storageLog   *objectlog.Log[blockmap.Event]
	unordered    []pendingWrite
	current      *DataObjectPhys
	pendingDone  []chan error // completion channels for writes folded into current
	flushInit    map[types.BlockId]bool

	lastTxg types.Txg

	reclaim                *ReclaimTable
	objectsPerLog          uint64
	reclaimLogEntriesLimit int
	reclaimTableBitsMax    int
	freeHighwaterPct       float64
	freeLowwaterPct        float64
	freeMinBlocks          int64

	blocksBytes     uint64           // live bytes across every written block, for the reclaim trigger
	objectsToDelete []types.ObjectId // queued by the previous end_txg's reclaim round
}

// NewEngine constructs an Engine over an already-open pool.
func NewEngine(client ObjClient, guid types.PoolGuid, maxBytesPerObject int64, blockMap *blockmap.Map, storageLog *objectlog.Log[blockmap.Event], reclaim *ReclaimTable,
	objectsPerLog uint64, reclaimLogEntriesLimit, reclaimTableBitsMax int, freeHighwaterPct, freeLowwaterPct float64, freeMinBlocks int64) *Engine {
	nextObjectID := types.ObjectId(0)
	if last, ok := blockMap.LastObject(); ok {
		nextObjectID = last + 1
	}
	return &Engine{
		client: client, guid: guid, maxBytesPerObject: maxBytesPerObject,
		blockMap: blockMap, storageLog: storageLog, reclaim: reclaim,
		nextObjectID:           nextObjectID,
		flushInit:              map[types.BlockId]bool{},
		objectsPerLog:          objectsPerLog,
		reclaimLogEntriesLimit: reclaimLogEntriesLimit,
		reclaimTableBitsMax:    reclaimTableBitsMax,
		freeHighwaterPct:       freeHighwaterPct,
		freeLowwaterPct:        freeLowwaterPct,
		freeMinBlocks:          freeMinBlocks,
	}
}

// BeginTxg opens txg t for writes. §4.J invariant: syncingTxg is Some
// between begin_txg and end_txg.
func (e *Engine) BeginTxg(t types.Txg) {
	e.mu.Lock()
	defer e.mu.Unlock()
	debug.Assert(!e.txgOpen, "pool: begin_txg while a txg is already open")
	e.syncingTxg = t
	e.txgOpen = true
}

// ResumeTxg replaces BeginTxg after a crash: it lists every data object
// past the block map's last known object, adopts each in block order into
// the block map and storage log, and opens t with next_block advanced
// past the last recovered object (§4.J resume protocol). Writes that
// arrive for blocks the recovery already covered are expected to complete
// immediately; that check lives in WriteBlock/drainLocked once nextBlock
// reflects the recovered state.
func (e *Engine) ResumeTxg(ctx context.Context, t types.Txg) error {
	lastKnown, hasLastKnown := e.blockMap.LastObject()
	ids, err := ResumeDataObjects(ctx, e.client, e.guid, lastKnown, hasLastKnown)
	if err != nil {
		return err
	}

	var recovered []DataObjectPhys
	for _, id := range ids {
		raw, err := e.client.Get(ctx, DataObjectKey(e.guid, id))
		if err != nil {
			continue // partially-written object from the crash; skip
		}
		var obj DataObjectPhys
		if _, err := obj.UnmarshalMsg(raw); err != nil {
			continue
		}
		recovered = append(recovered, obj)
	}
	sort.Slice(recovered, func(i, j int) bool { return recovered[i].MinBlock < recovered[j].MinBlock })

	e.mu.Lock()
	defer e.mu.Unlock()
	debug.Assert(!e.txgOpen, "pool: resume_txg while a txg is already open")
	for _, obj := range recovered {
		e.blockMap.SetNextBlock(obj.MinBlock)
		if err := e.blockMap.Insert(obj.Object, obj.MinBlock); err != nil {
			return zerr.Wrap(err, "pool: resume_txg block map insert")
		}
		e.storageLog.Append(blockmap.Event{Op: blockmap.OpAlloc, Object: obj.Object, MinBlock: obj.MinBlock})
		if obj.NextBlock > e.nextBlock {
			e.nextBlock = obj.NextBlock
		}
		if obj.Object >= e.nextObjectID {
			e.nextObjectID = obj.Object + 1
		}
	}
	e.syncingTxg = t
	e.txgOpen = true
	return nil
}

// WriteBlock implements §4.J's write_block: buffers the write, then drains
// in next_block order into the current pending data object.
func (e *Engine) WriteBlock(ctx context.Context, block types.BlockId, data []byte) error {
	e.mu.Lock()
	debug.Assert(e.txgOpen, "pool: write_block without an open txg")
	debug.Assert(block >= e.nextBlock, "pool: write_block for an already-allocated block")

	done := make(chan error, 1)
	e.unordered = append(e.unordered, pendingWrite{block: block, data: data, done: done})
	sort.Slice(e.unordered, func(i, j int) bool { return e.unordered[i].block < e.unordered[j].block })
	e.drainLocked(ctx)
	e.mu.Unlock()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drainLocked drains unordered writes whose block equals nextBlock into
// the current pending object, creating it on first write and initiating
// its flush once MAX_BYTES_PER_OBJECT is reached or a requested flush
// point is covered. Caller holds mu.
func (e *Engine) drainLocked(ctx context.Context) {
	for len(e.unordered) > 0 && e.unordered[0].block == e.nextBlock {
		w := e.unordered[0]
		e.unordered = e.unordered[1:]

		if e.current == nil {
			e.current = &DataObjectPhys{
				Guid: e.guid, Object: e.nextObjectID, MinBlock: w.block, NextBlock: w.block,
				MinTxg: e.syncingTxg, MaxTxg: e.syncingTxg,
				Blocks: map[types.BlockId][]byte{},
			}
			e.nextObjectID++
		}
		e.current.Blocks[w.block] = w.data
		e.current.BlocksSize += uint64(len(w.data))
		e.current.NextBlock = w.block.Next()
		e.nextBlock = e.current.NextBlock
		e.blocksBytes += uint64(len(w.data))
		e.pendingDone = append(e.pendingDone, w.done)

		full := int64(e.current.BlocksSize) >= e.maxBytesPerObject
		requested := e.flushInit[w.block]
		if requested {
			delete(e.flushInit, w.block)
		}
		if full || requested {
			e.flushCurrentLocked(ctx)
		}
	}
}

// InitiateFlush requests that the object containing block b (once all
// writes up to and including b have been buffered) be flushed even if it
// hasn't reached MAX_BYTES_PER_OBJECT.
func (e *Engine) InitiateFlush(b types.BlockId) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.flushInit[b] = true
}

// flushCurrentLocked starts (or, if one is already in flight, is a no-op
// until it completes) the PUT of the current pending object. Caller holds
// mu; the PUT itself runs without it.
func (e *Engine) flushCurrentLocked(ctx context.Context) {
	obj := e.current
	doneChans := e.pendingDone
	e.current = nil
	e.pendingDone = nil

	key := DataObjectKey(obj.Guid, obj.Object)
	raw, err := obj.MarshalMsg(nil)
	if err != nil {
		for _, d := range doneChans {
			d <- zerr.Wrap(err, "marshal data object")
		}
		return
	}

	e.storageLog.Append(blockmap.Event{Op: blockmap.OpAlloc, Object: obj.Object, MinBlock: obj.MinBlock})
	if err := e.blockMap.Insert(obj.Object, obj.MinBlock); err != nil {
		nlog.Errorf("pool: block map insert for object %d failed: %v", obj.Object, err)
	}
	e.blockMap.SetNextBlock(obj.NextBlock)

	go func() {
		err := e.client.Put(ctx, key, raw)
		if err != nil {
			nlog.Errorf("pool: data object %d put failed: %v", obj.Object, err)
		}
		for _, d := range doneChans {
			d <- err
		}
	}()
}

// FlushWrites blocks until pending_unordered_writes is empty and the
// current object (if any) has been flushed — the precondition end_txg
// enforces (§4.J invariant).
func (e *Engine) FlushWrites(ctx context.Context) error {
	e.mu.Lock()
	if e.current != nil {
		e.flushCurrentLocked(ctx)
	}
	pending := len(e.unordered) > 0
	e.mu.Unlock()
	if pending {
		zerr.Panic("pool: flush_writes called with a gap in pending_unordered_writes")
	}
	return nil
}

// FreeBlock routes the free to the reclaim log covering block's object,
// per §4.J's free_block (the object lookup goes through the block map).
func (e *Engine) FreeBlock(block types.BlockId, size uint64, objectsPerLog uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	obj, ok := e.blockMap.BlockToObject(block)
	if !ok {
		return zerr.Wrap(zerr.ErrInvariant, "pool: free_block for unmapped block")
	}
	e.reclaim.LogFor(obj, objectsPerLog).AddFree(obj, block, size)
	return nil
}

// EndTxgResult carries what end_txg needs to finalize — flushed log
// phys and the uberblock-ready snapshot (§4.J).
type EndTxgResult struct {
	NextBlock        types.BlockId
	StorageObjectLog objectlog.Phys
	Reclaim          ReclaimInfoPhys
	ObjectsToDelete  []types.ObjectId // objects the previous round consolidated away; caller spawns their deletion
}

// EndTxg implements §4.J's end_txg: flush writes, flush logs, split
// overfull reclaim logs, possibly run a reclaim round, and return the
// snapshot the caller embeds in a new UberblockPhys. Simplification: the
// reclaim round runs inline on the caller's goroutine rather than as a
// detached background task, so end_txg's latency absorbs one round's
// consolidation cost; the round's own algorithm (pick-largest,
// consolidate-under-budget, stop at FREE_LOWWATER_PCT) is unchanged.
func (e *Engine) EndTxg(ctx context.Context) (EndTxgResult, error) {
	if err := e.FlushWrites(ctx); err != nil {
		return EndTxgResult{}, err
	}
	if err := e.storageLog.Flush(ctx); err != nil {
		return EndTxgResult{}, err
	}

	e.mu.Lock()

	for _, l := range e.reclaim.Logs() {
		if l.busy || l.EntryCount() <= e.reclaimLogEntriesLimit {
			continue
		}
		e.reclaim.Split(l, e.reclaimTableBitsMax, e.objectsPerLog)
	}

	var pendingFreeBytes uint64
	var pendingFreeCount int64
	var busiest *ReclaimLog
	for _, l := range e.reclaim.Logs() {
		pendingFreeBytes += l.pendingFreeBytes
		pendingFreeCount += int64(len(l.pendingFrees))
		if l.busy {
			continue
		}
		if busiest == nil || l.pendingFreeBytes > busiest.pendingFreeBytes {
			busiest = l
		}
	}

	toDelete := e.objectsToDelete
	e.objectsToDelete = nil

	if busiest != nil && busiest.pendingFreeBytes > 0 &&
		ShouldReclaim(pendingFreeBytes, e.blocksBytes, pendingFreeCount, e.freeMinBlocks, e.freeHighwaterPct) {
		busiest.busy = true
		e.mu.Unlock()
		result, err := RunReclaimRound(ctx, e.client, e.guid, busiest, e.objectsPerLog, e.maxBytesPerObject, e.freeLowwaterPct)
		e.mu.Lock()
		busiest.busy = false
		if err != nil {
			e.mu.Unlock()
			return EndTxgResult{}, zerr.Wrap(err, "pool: reclaim round")
		}
		busiest.pendingFrees = result.RemainingFrees
		busiest.objectSizes = result.ObjectSizes
		busiest.pendingFreeBytes = result.FreedBytes - result.ReclaimedBytes
		e.blocksBytes -= result.ReclaimedBytes
		e.objectsToDelete = result.ObjectsToDelete
	}

	defer e.mu.Unlock()
	e.txgOpen = false
	e.lastTxg = e.syncingTxg

	logs := map[ReclaimLogId]ReclaimLogPhys{}
	for _, l := range e.reclaim.Logs() {
		logs[l.id] = ReclaimLogPhys{PendingFreeBytes: l.pendingFreeBytes, Busy: l.busy}
	}

	return EndTxgResult{
		NextBlock:        e.nextBlock,
		StorageObjectLog: e.storageLog.Phys(),
		Reclaim:          ReclaimInfoPhys{TableBits: e.reclaim.tableBits, Table: e.reclaim.table, Logs: logs},
		ObjectsToDelete:  toDelete,
	}, nil
}

// LastTxg returns the most recently completed txg.
func (e *Engine) LastTxg() types.Txg {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastTxg
}
