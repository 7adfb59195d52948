package pool

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/openzfs/zfs-object-agent/internal/nlog"
	"github.com/openzfs/zfs-object-agent/internal/zerr"
	"github.com/openzfs/zfs-object-agent/types"
)

// ReclaimResult is what a reclaim round hands back to end_txg (§4.K step 7).
type ReclaimResult struct {
	RewrittenSizes  map[types.ObjectId]uint64
	ObjectsToDelete []types.ObjectId
	RemainingFrees  []FreeEntry
	ObjectSizes     []ObjectSizeEntry
	ReclaimedBytes  uint64
	FreedBytes      uint64
}

// ShouldReclaim reports whether end_txg should trigger a reclaim round
// (§4.K trigger condition).
func ShouldReclaim(pendingFreeBytes, blocksBytes uint64, pendingFreeCount, minBlocks int64, highWaterPct float64) bool {
	return float64(pendingFreeBytes) >= highWaterPct*float64(blocksBytes) && pendingFreeCount >= minBlocks
}

// objectGroup accumulates everything known about one object during a
// reclaim round's scan.
type objectGroup struct {
	object    types.ObjectId
	frees     []FreeEntry
	freeBytes uint64
	numBlocks uint64
	numBytes  uint64
	rewritten bool
}

// RunReclaimRound executes §4.K's reclaim algorithm against the log with
// the greatest pending_free_bytes. The caller has already marked it busy.
func RunReclaimRound(ctx context.Context, client ObjClient, guid types.PoolGuid, log *ReclaimLog, objectsPerLog uint64, maxBytesPerObject int64, lowWaterPct float64) (ReclaimResult, error) {
	groups := map[types.ObjectId]*objectGroup{}
	var freedBytes uint64
	for _, f := range log.pendingFrees {
		g, ok := groups[f.Object]
		if !ok {
			g = &objectGroup{object: f.Object}
			groups[f.Object] = g
		}
		g.frees = append(g.frees, f)
		g.freeBytes += f.Size
		freedBytes += f.Size
	}

	sizes := map[types.ObjectId]*ObjectSizeEntry{}
	for i := range log.objectSizes {
		e := log.objectSizes[i]
		if e.Kind == ObjectFreed {
			delete(sizes, e.Object)
			continue
		}
		ec := e
		sizes[e.Object] = &ec
	}
	for obj, g := range groups {
		if s, ok := sizes[obj]; ok {
			g.numBlocks = s.NumBlocks
			g.numBytes = s.NumBytes
		}
	}

	ordered := make([]*objectGroup, 0, len(groups))
	for _, g := range groups {
		ordered = append(ordered, g)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if len(ordered[i].frees) != len(ordered[j].frees) {
			return len(ordered[i].frees) > len(ordered[j].frees)
		}
		return ordered[i].object < ordered[j].object
	})

	result := ReclaimResult{RewrittenSizes: map[types.ObjectId]uint64{}, FreedBytes: freedBytes}
	target := uint64(lowWaterPct * float64(freedBytes))

	for _, g := range ordered {
		if result.ReclaimedBytes >= target {
			break
		}
		if g.rewritten {
			continue
		}

		candidates := collectConsolidationCandidates(ordered, g, objectsPerLog, maxBytesPerObject)
		rewritten, newSize, err := consolidate(ctx, client, guid, candidates)
		if err != nil {
			return ReclaimResult{}, err
		}
		for _, c := range candidates {
			c.rewritten = true
			result.ReclaimedBytes += c.freeBytes
			if c.object != rewritten {
				result.ObjectsToDelete = append(result.ObjectsToDelete, c.object)
			}
		}
		result.RewrittenSizes[rewritten] = newSize
	}

	for _, g := range ordered {
		if g.rewritten {
			continue
		}
		result.RemainingFrees = append(result.RemainingFrees, g.frees...)
		if s, ok := sizes[g.object]; ok {
			result.ObjectSizes = append(result.ObjectSizes, *s)
		}
	}

	nlog.Infof("pool: reclaim round freed %d bytes, reclaimed %d, deleted %d objects",
		freedBytes, result.ReclaimedBytes, len(result.ObjectsToDelete))
	return result, nil
}

// collectConsolidationCandidates walks forward from g within its
// object/OBJECTS_PER_LOG range, accumulating objects not yet rewritten
// while the running consolidated size stays within budget (§4.K step 4).
func collectConsolidationCandidates(ordered []*objectGroup, g *objectGroup, objectsPerLog uint64, maxBytesPerObject int64) []*objectGroup {
	lo := types.ObjectId(uint64(g.object) / objectsPerLog * objectsPerLog)
	hi := types.ObjectId(uint64(lo) + objectsPerLog)

	byID := make(map[types.ObjectId]*objectGroup, len(ordered))
	for _, o := range ordered {
		byID[o.object] = o
	}

	candidates := []*objectGroup{g}
	var total int64 = int64(g.numBytes - g.freeBytes)
	for obj := g.object + 1; obj < hi; obj++ {
		o, ok := byID[obj]
		if !ok || o.rewritten {
			continue
		}
		live := int64(o.numBytes - o.freeBytes)
		if total+live > maxBytesPerObject {
			break
		}
		total += live
		candidates = append(candidates, o)
	}
	return candidates
}

// consolidate reads every candidate (bypassing the read cache per §4.K
// step 5), drops freed blocks, trims any block outside [min_block,
// next_block) left over from a partially-completed prior consolidation,
// and rewrites the result keyed at the lowest-id candidate's object id.
func consolidate(ctx context.Context, client ObjClient, guid types.PoolGuid, candidates []*objectGroup) (types.ObjectId, uint64, error) {
	target := candidates[0].object
	for _, c := range candidates {
		if c.object < target {
			target = c.object
		}
	}

	merged := DataObjectPhys{
		Guid: guid, Blocks: map[types.BlockId][]byte{},
		MinTxg: ^types.Txg(0), MinBlock: ^types.BlockId(0),
	}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range candidates {
		c := c
		g.Go(func() error {
			raw, err := client.GetUncached(gctx, DataObjectKey(guid, c.object))
			if err != nil {
				return err
			}
			var obj DataObjectPhys
			if _, err := obj.UnmarshalMsg(raw); err != nil {
				return zerr.Wrap(err, "unmarshal data object during reclaim")
			}
			freed := map[types.BlockId]bool{}
			for _, f := range c.frees {
				freed[f.Block] = true
			}
			mu.Lock()
			defer mu.Unlock()
			if obj.MinTxg < merged.MinTxg {
				merged.MinTxg = obj.MinTxg
			}
			if obj.MaxTxg > merged.MaxTxg {
				merged.MaxTxg = obj.MaxTxg
			}
			if obj.MinBlock < merged.MinBlock {
				merged.MinBlock = obj.MinBlock
			}
			if obj.NextBlock > merged.NextBlock {
				merged.NextBlock = obj.NextBlock
			}
			for blk, data := range obj.Blocks {
				if freed[blk] {
					continue
				}
				if blk < obj.MinBlock || blk >= obj.NextBlock {
					continue // crash-recovery trim: leftover from a partial rewrite
				}
				merged.Blocks[blk] = data
				merged.BlocksSize += uint64(len(data))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, 0, err
	}
	merged.Object = target

	raw, err := merged.MarshalMsg(nil)
	if err != nil {
		return 0, 0, zerr.Wrap(err, "marshal consolidated data object")
	}
	if err := client.Put(ctx, DataObjectKey(merged.Guid, target), raw); err != nil {
		return 0, 0, err
	}
	return target, merged.BlocksSize, nil
}
