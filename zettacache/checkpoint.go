package zettacache

import (
	"context"
	"sync"

	jsoniter "github.com/json-iterator/go"

	"github.com/openzfs/zfs-object-agent/blockdev"
	"github.com/openzfs/zfs-object-agent/extentalloc"
	"github.com/openzfs/zfs-object-agent/internal/nlog"
	"github.com/openzfs/zfs-object-agent/internal/zerr"
	"github.com/openzfs/zfs-object-agent/objectlog"
	"github.com/openzfs/zfs-object-agent/spacemap"
	"github.com/openzfs/zfs-object-agent/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// MergeProgressPhys is the durable trace of an in-progress merge, embedded
// in a Checkpoint so a crash can resume the merge from next_index's last
// key (§3, §4.L test "resume after crash during merge").
type MergeProgressPhys struct {
	Active        bool        `json:"active"`
	Cutoff        types.Atime `json:"cutoff"`
	NextIndex     blocklogPhys `json:"next_index"`
	NextIndexLast types.Key   `json:"next_index_last"`
	HasLast       bool        `json:"has_last"`
}

// blocklogPhys mirrors blocklog.Phys for JSON purposes without importing
// blocklog's generic-instantiation machinery into the wire type — same
// shape, defined here so Checkpoint stays a plain, (de)serializable struct.
type blocklogPhys struct {
	Chunks    map[uint64]types.Extent `json:"chunks"`
	NextChunk uint64                  `json:"next_chunk"`
	NumChunks uint64                  `json:"num_chunks"`
}

// Checkpoint is one durable snapshot of cache state, written into the
// ring buffer following the superblock (§3, §4.L, §6 cache device layout).
type Checkpoint struct {
	ID CheckpointId `json:"id"`

	FirstValidOffset types.DiskLocation `json:"first_valid_offset"`
	LastValidOffset  types.DiskLocation `json:"last_valid_offset"`

	SpacemapPhys     blocklogPhys `json:"spacemap_phys"`
	SpacemapNextPhys blocklogPhys `json:"spacemap_next_phys"`
	LastAtime        types.Atime `json:"last_atime"`
	IndexPhys       blocklogPhys `json:"index_phys"`
	OperationLogPhys objectlog.Phys `json:"operation_log_phys"`

	Merge MergeProgressPhys `json:"merge"`
}

// CheckpointId aliases types.CheckpointId for readability within this
// package.
type CheckpointId = types.CheckpointId

// SuperBlock lives at device offset 0 and names the current checkpoint's
// location within the ring buffer (§6).
type SuperBlock struct {
	CheckpointID       CheckpointId       `json:"checkpoint_id"`
	CheckpointLocation types.DiskLocation `json:"checkpoint_location"`
	CheckpointSize     uint64             `json:"checkpoint_size"`
}

// CheckpointTask runs the periodic cache checkpoint (§4.L): merge
// kickoff/progress consumption, quiesce, flush, ring-buffer write,
// superblock rewrite, and extent-allocator checkpoint_done.
type CheckpointTask struct {
	dev        *blockdev.Device
	metaAlloc  *extentalloc.Allocator
	dataAlloc  *spacemap.Allocator
	state      *State
	opLog      *OperationLog

	superblockSize types.DiskLocation
	ringStart      types.DiskLocation
	ringEnd        types.DiskLocation // == metadata_start

	mu                 sync.Mutex
	lastCheckpointLoc  types.DiskLocation
	lastCheckpointSize uint64
	nextID             CheckpointId

	mergeTask *MergeTask

	mergeActive  bool
	mergeCancel  func()
	mergeProg    chan MergeMessage
	mergeWG      sync.WaitGroup
	pendingFree  []types.Extent
	pendingNext  blocklogPhys
	pendingLast  types.Key
	hasPendingLast bool

	// resumeFrom/hasResume carry a crashed merge's next_index.last_key
	// forward to the next maybeStartMerge call (§4.L resume-after-crash),
	// consumed (cleared) once that round starts.
	resumeFrom types.Key
	hasResume  bool
}

// ResumeMerge records a crashed merge's progress so the next merge round
// restarts from next_index.last_key instead of from the beginning.
func (ct *CheckpointTask) ResumeMerge(lastKey types.Key, hasLastKey bool) {
	ct.mu.Lock()
	ct.resumeFrom = lastKey
	ct.hasResume = hasLastKey
	ct.mu.Unlock()
}

func NewCheckpointTask(dev *blockdev.Device, metaAlloc *extentalloc.Allocator, dataAlloc *spacemap.Allocator,
	state *State, opLog *OperationLog, mergeTask *MergeTask,
	superblockSize, ringStart, ringEnd types.DiskLocation,
) *CheckpointTask {
	return &CheckpointTask{
		dev: dev, metaAlloc: metaAlloc, dataAlloc: dataAlloc, state: state, opLog: opLog,
		mergeTask: mergeTask, superblockSize: superblockSize, ringStart: ringStart, ringEnd: ringEnd,
		lastCheckpointLoc: ringStart,
	}
}

// mergeTrigger reports whether a merge should start, per §4.H's two
// triggers.
func mergeTrigger(pendingLen int, histSum, deviceSize uint64, maxPending int, highWaterPct float64) bool {
	if pendingLen >= maxPending {
		return true
	}
	return float64(histSum) >= highWaterPct*float64(deviceSize)
}

// maybeStartMerge begins a merge round if one isn't already running and a
// trigger condition holds.
func (ct *CheckpointTask) maybeStartMerge(ctx context.Context, maxPending int, highWaterPct, targetPct float64, deviceSize uint64) {
	ct.mu.Lock()
	if ct.mergeActive {
		ct.mu.Unlock()
		return
	}
	ct.mu.Unlock()

	hist := ct.state.index.Histogram()
	if !mergeTrigger(ct.state.pending.Len(), hist.Sum(), deviceSize, maxPending, highWaterPct) {
		return
	}

	cutoff := hist.AtimeForTargetSize(uint64(targetPct * float64(deviceSize)))
	snap := SnapshotMergeState(ct.state.pending)
	oldByKey := make(map[types.Key]PendingChange, len(snap.Pending))
	for _, e := range snap.Pending {
		oldByKey[e.Key] = e.PendingChange
	}
	ct.state.BeginMerge(cutoff, oldByKey)

	ct.mu.Lock()
	ct.mergeActive = true
	progress := make(chan MergeMessage, 64)
	ct.mergeProg = progress
	resumeFrom, hasResume := ct.resumeFrom, ct.hasResume
	ct.resumeFrom, ct.hasResume = types.Key{}, false
	ct.mu.Unlock()

	ct.mergeWG.Add(1)
	go func() {
		defer ct.mergeWG.Done()
		defer close(progress)
		newIndex, err := ct.mergeTask.Run(ctx, ct.state.index, snap, cutoff, resumeFrom, hasResume, progress)
		if err != nil {
			nlog.Errorf("zettacache: merge failed: %v", err)
			ct.mu.Lock()
			ct.mergeActive = false
			ct.mu.Unlock()
			return
		}
		ct.state.EndMerge(newIndex)
		ct.mu.Lock()
		ct.mergeActive = false
		ct.mu.Unlock()
	}()
}

// drainMergeProgress consumes merge-progress messages in FIFO order,
// freeing evicted extents via the data allocator (§4.L, §5).
func (ct *CheckpointTask) drainMergeProgress() {
	ct.mu.Lock()
	ch := ct.mergeProg
	ct.mu.Unlock()
	if ch == nil {
		return
	}
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			for _, ext := range msg.Evicted {
				ct.dataAlloc.Free(ext.Offset, ext.Size)
			}
			ct.mu.Lock()
			ct.pendingNext = blocklogPhys(msg.NextIndex)
			if msg.HasLastKey {
				ct.pendingLast, ct.hasPendingLast = msg.LastKey, true
			}
			ct.mu.Unlock()
			if msg.Kind == MergeDone {
				ct.mu.Lock()
				ct.pendingNext, ct.hasPendingLast = blocklogPhys{}, false
				ct.mu.Unlock()
				return
			}
		default:
			return
		}
	}
}

// Tick runs one checkpoint cycle: try to start a merge, drain progress,
// quiesce I/O, flush every durable log/allocator, and write a new
// Checkpoint + SuperBlock.
func (ct *CheckpointTask) Tick(ctx context.Context, maxPending int, highWaterPct, targetPct float64, deviceSize uint64) error {
	ct.maybeStartMerge(ctx, maxPending, highWaterPct, targetPct, deviceSize)
	ct.drainMergeProgress()

	if err := ct.opLog.Flush(ctx); err != nil {
		return err
	}
	if err := ct.dataAlloc.Flush(ctx); err != nil {
		return err
	}

	idxPhys := blocklogPhys{}
	if ct.state.index != nil {
		p := ct.state.index.log.Phys()
		idxPhys = blocklogPhys{Chunks: p.Chunks, NextChunk: p.NextChunk, NumChunks: p.NumChunks}
		if err := ct.state.index.Flush(ctx); err != nil {
			return err
		}
	}

	smCur, smNext := ct.dataAlloc.Phys()
	mergeCutoff, _ := ct.state.MergeCutoff()

	ct.mu.Lock()
	ct.nextID = ct.nextID.Next()
	cp := Checkpoint{
		ID:               ct.nextID,
		FirstValidOffset: ct.metaAlloc.FirstValid(),
		LastValidOffset:  ct.metaAlloc.LastValid(),
		SpacemapPhys:     blocklogPhys(smCur),
		SpacemapNextPhys: blocklogPhys(smNext),
		LastAtime:        ct.state.CurrentAtime(),
		IndexPhys:        idxPhys,
		OperationLogPhys: ct.opLog.Phys(),
		Merge: MergeProgressPhys{
			Active:        ct.mergeActive,
			Cutoff:        mergeCutoff,
			NextIndex:     ct.pendingNext,
			NextIndexLast: ct.pendingLast,
			HasLast:       ct.hasPendingLast,
		},
	}
	ct.mu.Unlock()

	raw, err := json.Marshal(cp)
	if err != nil {
		return zerr.Wrap(err, "marshal checkpoint")
	}
	packed, err := blockdev.ChunkToRaw(raw, blockdev.EncodingJSON, blockdev.CompressionNone, ct.dev.SectorSize())
	if err != nil {
		return err
	}

	ct.mu.Lock()
	loc := ct.lastCheckpointLoc + types.DiskLocation(ct.lastCheckpointSize)
	if loc+types.DiskLocation(len(packed)) > ct.ringEnd {
		loc = ct.ringStart
	}
	ct.mu.Unlock()

	if err := ct.dev.WriteRaw(ctx, loc, packed); err != nil {
		return err
	}

	sb := SuperBlock{CheckpointID: cp.ID, CheckpointLocation: loc, CheckpointSize: uint64(len(packed))}
	sbRaw, err := json.Marshal(sb)
	if err != nil {
		return zerr.Wrap(err, "marshal superblock")
	}
	sbPacked, err := blockdev.ChunkToRaw(sbRaw, blockdev.EncodingJSON, blockdev.CompressionNone, ct.dev.SectorSize())
	if err != nil {
		return err
	}
	if err := ct.dev.WriteRaw(ctx, 0, sbPacked); err != nil {
		return err
	}

	ct.mu.Lock()
	ct.lastCheckpointLoc = loc
	ct.lastCheckpointSize = uint64(len(packed))
	ct.mu.Unlock()

	ct.metaAlloc.CheckpointDone()
	nlog.Infof("zettacache: checkpoint %d written at %d (%d bytes)", cp.ID, loc, len(packed))
	return nil
}
