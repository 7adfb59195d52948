package pool

import (
	"context"
	"testing"

	"github.com/openzfs/zfs-object-agent/types"
)

func TestShouldReclaim(t *testing.T) {
	if !ShouldReclaim(200, 1000, 10, 5, 0.10) {
		t.Fatal("expected reclaim to trigger at 20% pending-free with enough blocks")
	}
	if ShouldReclaim(50, 1000, 10, 5, 0.10) {
		t.Fatal("expected reclaim to stay quiet below the byte threshold")
	}
	if ShouldReclaim(200, 1000, 2, 5, 0.10) {
		t.Fatal("expected reclaim to stay quiet below the block-count threshold")
	}
}

func putDataObject(t *testing.T, client *fakeClient, guid types.PoolGuid, obj DataObjectPhys) {
	t.Helper()
	raw, err := obj.MarshalMsg(nil)
	if err != nil {
		t.Fatalf("marshal data object %d: %v", obj.Object, err)
	}
	if err := client.Put(context.Background(), DataObjectKey(guid, obj.Object), raw); err != nil {
		t.Fatalf("put data object %d: %v", obj.Object, err)
	}
}

// TestRunReclaimRoundConsolidatesHalfFreedObjects mirrors the spec's
// worked example: two adjacent objects each lose half their blocks, and a
// round should rewrite one consolidated object holding the survivors.
func TestRunReclaimRoundConsolidatesHalfFreedObjects(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	const guid types.PoolGuid = 1

	obj0 := DataObjectPhys{Guid: guid, Object: 0, MinBlock: 0, NextBlock: 10, Blocks: map[types.BlockId][]byte{}}
	obj1 := DataObjectPhys{Guid: guid, Object: 1, MinBlock: 10, NextBlock: 20, Blocks: map[types.BlockId][]byte{}}
	for b := types.BlockId(0); b < 20; b++ {
		data := []byte{byte(b)}
		if b < 10 {
			obj0.Blocks[b] = data
			obj0.BlocksSize += uint64(len(data))
		} else {
			obj1.Blocks[b] = data
			obj1.BlocksSize += uint64(len(data))
		}
	}
	putDataObject(t, client, guid, obj0)
	putDataObject(t, client, guid, obj1)

	log := newReclaimLog(ReclaimLogId{})
	log.RecordObject(0, 10, obj0.BlocksSize)
	log.RecordObject(1, 10, obj1.BlocksSize)
	// Free blocks 5-9 from object 0 and 10-14 from object 1 (interleaved
	// as the spec's example describes).
	for b := types.BlockId(5); b < 10; b++ {
		log.AddFree(0, b, 1)
	}
	for b := types.BlockId(10); b < 15; b++ {
		log.AddFree(1, b, 1)
	}

	result, err := RunReclaimRound(ctx, client, guid, log, 1<<10, 1<<20, 0.50)
	if err != nil {
		t.Fatalf("reclaim round: %v", err)
	}
	if len(result.ObjectsToDelete) != 1 {
		t.Fatalf("expected exactly one object deleted, got %v", result.ObjectsToDelete)
	}
	if len(result.RewrittenSizes) != 1 {
		t.Fatalf("expected exactly one rewritten object, got %v", result.RewrittenSizes)
	}

	var rewrittenID types.ObjectId
	for id := range result.RewrittenSizes {
		rewrittenID = id
	}
	raw, err := client.GetUncached(ctx, DataObjectKey(guid, rewrittenID))
	if err != nil {
		t.Fatalf("get rewritten object: %v", err)
	}
	var merged DataObjectPhys
	if _, err := merged.UnmarshalMsg(raw); err != nil {
		t.Fatalf("unmarshal rewritten object: %v", err)
	}
	if len(merged.Blocks) != 10 {
		t.Fatalf("expected 10 surviving blocks, got %d", len(merged.Blocks))
	}
	for _, freed := range []types.BlockId{5, 6, 7, 8, 9, 10, 11, 12, 13, 14} {
		if _, ok := merged.Blocks[freed]; ok {
			t.Fatalf("block %d should have been dropped by consolidation", freed)
		}
	}
}

func TestRunReclaimRoundLeavesUntouchedFreesPending(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	const guid types.PoolGuid = 1

	// Object 5000 is far outside object 0's OBJECTS_PER_LOG window, so a
	// round targeting object 0 must not touch it.
	far := DataObjectPhys{Guid: guid, Object: 5000, MinBlock: 100, NextBlock: 101, Blocks: map[types.BlockId][]byte{100: []byte("x")}, BlocksSize: 1}
	putDataObject(t, client, guid, far)

	near := DataObjectPhys{Guid: guid, Object: 0, MinBlock: 0, NextBlock: 1, Blocks: map[types.BlockId][]byte{0: []byte("y")}, BlocksSize: 1}
	putDataObject(t, client, guid, near)

	log := newReclaimLog(ReclaimLogId{})
	log.RecordObject(0, 1, 1)
	log.RecordObject(5000, 1, 1)
	log.AddFree(0, 0, 1)
	log.AddFree(5000, 100, 1)

	result, err := RunReclaimRound(ctx, client, guid, log, 10, 1<<20, 0.50)
	if err != nil {
		t.Fatalf("reclaim round: %v", err)
	}
	var sawFar bool
	for _, f := range result.RemainingFrees {
		if f.Object == 5000 {
			sawFar = true
		}
	}
	if !sawFar {
		t.Fatalf("expected object 5000's free to remain pending, got %+v", result.RemainingFrees)
	}
}
