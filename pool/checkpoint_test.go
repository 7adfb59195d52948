package pool

import (
	"context"
	"testing"

	"github.com/openzfs/zfs-object-agent/blockmap"
	"github.com/openzfs/zfs-object-agent/types"
)

func TestOpenNewPoolHasNoUberblock(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	result, err := Open(ctx, client, 1, "tank")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if result.Super.LastTxg != 0 {
		t.Fatalf("expected a brand-new pool to have last_txg 0, got %d", result.Super.LastTxg)
	}
	if result.Super.Name != "tank" {
		t.Fatalf("expected super to carry the given name, got %q", result.Super.Name)
	}
}

func TestOpenFindsNewestReadableUberblock(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	const guid types.PoolGuid = 1

	for txg := types.Txg(1); txg <= 3; txg++ {
		super := PoolPhys{Guid: guid, Name: "tank", LastTxg: txg}
		if err := WriteUberblock(ctx, client, &super, UberblockPhys{Guid: guid, Txg: txg}); err != nil {
			t.Fatalf("write uberblock %d: %v", txg, err)
		}
	}
	// Simulate txg 3's uberblock having failed to write, leaving super
	// pointing at it but the object itself missing.
	raw, err := client.Get(ctx, superKey(guid))
	if err != nil {
		t.Fatalf("get super: %v", err)
	}
	var super PoolPhys
	if err := json.Unmarshal(raw, &super); err != nil {
		t.Fatalf("unmarshal super: %v", err)
	}
	super.LastTxg = 3
	if err := writeSuper(ctx, client, super); err != nil {
		t.Fatalf("rewrite super: %v", err)
	}
	if err := client.DeleteObjects(ctx, deleteOneKey(UberblockKey(guid, 3))); err != nil {
		t.Fatalf("delete uberblock 3: %v", err)
	}

	result, err := Open(ctx, client, guid, "tank")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if result.Uberblock.Txg != 2 {
		t.Fatalf("expected open to fall back to txg 2, got %d", result.Uberblock.Txg)
	}
	if result.Super.LastTxg != 2 {
		t.Fatalf("expected super rewritten to last_txg 2, got %d", result.Super.LastTxg)
	}
}

func deleteOneKey(key string) <-chan string {
	ch := make(chan string, 1)
	ch <- key
	close(ch)
	return ch
}

func TestOpenCleanupDeletesObsoleteUberblocksAndOrphans(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	const guid types.PoolGuid = 1

	for txg := types.Txg(1); txg <= 4; txg++ {
		super := PoolPhys{Guid: guid, LastTxg: txg}
		if err := WriteUberblock(ctx, client, &super, UberblockPhys{Guid: guid, Txg: txg}); err != nil {
			t.Fatalf("write uberblock %d: %v", txg, err)
		}
	}

	m := blockmap.New()
	if err := m.Insert(0, 0); err != nil {
		t.Fatalf("seed block map: %v", err)
	}
	m.SetNextBlock(1)
	putDataObject(t, client, guid, DataObjectPhys{Guid: guid, Object: 0, MinBlock: 0, NextBlock: 1, Blocks: map[types.BlockId][]byte{0: {1}}})
	putDataObject(t, client, guid, DataObjectPhys{Guid: guid, Object: 1, MinBlock: 1, NextBlock: 2, Blocks: map[types.BlockId][]byte{1: {2}}})

	if err := OpenCleanup(ctx, client, guid, 2, nil, m, false); err != nil {
		t.Fatalf("open cleanup: %v", err)
	}

	if _, err := client.Get(ctx, UberblockKey(guid, 3)); err == nil {
		t.Fatal("expected uberblock 3 (past last_txg) to be deleted")
	}
	if _, err := client.Get(ctx, UberblockKey(guid, 4)); err == nil {
		t.Fatal("expected uberblock 4 (past last_txg) to be deleted")
	}
	if _, err := client.Get(ctx, UberblockKey(guid, 2)); err != nil {
		t.Fatal("expected uberblock 2 (at last_txg) to survive")
	}
	if _, err := client.Get(ctx, DataObjectKey(guid, 1)); err == nil {
		t.Fatal("expected data object 1 (past the block map's last object) to be deleted")
	}
	if _, err := client.Get(ctx, DataObjectKey(guid, 0)); err != nil {
		t.Fatal("expected data object 0 (known to the block map) to survive")
	}
}

func TestOpenCleanupSkipsOrphanSweepWhenResumePending(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	const guid types.PoolGuid = 1

	m := blockmap.New()
	putDataObject(t, client, guid, DataObjectPhys{Guid: guid, Object: 5, MinBlock: 0, NextBlock: 1, Blocks: map[types.BlockId][]byte{0: {1}}})

	if err := OpenCleanup(ctx, client, guid, 0, nil, m, true); err != nil {
		t.Fatalf("open cleanup: %v", err)
	}
	if _, err := client.Get(ctx, DataObjectKey(guid, 5)); err != nil {
		t.Fatal("expected orphan sweep to be skipped while a resume is pending")
	}
}

func TestPeriodicCleanupDeletesStaleUberblocksPastRetention(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	const guid types.PoolGuid = 1

	for txg := types.Txg(1); txg <= 5; txg++ {
		super := PoolPhys{Guid: guid, LastTxg: txg}
		if err := WriteUberblock(ctx, client, &super, UberblockPhys{Guid: guid, Txg: txg}); err != nil {
			t.Fatalf("write uberblock %d: %v", txg, err)
		}
	}

	if err := PeriodicCleanup(ctx, client, guid, 5, 2, nil); err != nil {
		t.Fatalf("periodic cleanup: %v", err)
	}
	if _, err := client.Get(ctx, UberblockKey(guid, 2)); err == nil {
		t.Fatal("expected uberblock 2 (older than retention floor) to be deleted")
	}
	if _, err := client.Get(ctx, UberblockKey(guid, 3)); err != nil {
		t.Fatal("expected uberblock 3 (at retention floor) to survive")
	}
}
