package pool

import (
	"context"
	"testing"

	"github.com/openzfs/zfs-object-agent/blockmap"
	"github.com/openzfs/zfs-object-agent/objectlog"
	"github.com/openzfs/zfs-object-agent/types"
)

func newTestEngine(client ObjClient) *Engine {
	return NewEngine(client, 1, 1<<20, blockmap.New(), objectlog.New[blockmap.Event](client, "storage-log", 1000, 2),
		NewReclaimTable(), 1<<10, 1_000_000, 16, 0.20, 0.50, 1000)
}

func TestWriteBlockOutOfOrderDrainsInOrder(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	e := newTestEngine(client)
	e.BeginTxg(1)
	e.InitiateFlush(1) // flush as soon as the write covering block 1 drains

	errs := make(chan error, 2)
	go func() { errs <- e.WriteBlock(ctx, 1, []byte("b")) }()
	go func() { errs <- e.WriteBlock(ctx, 0, []byte("a")) }()

	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}

	obj, ok := e.blockMap.BlockToObject(0)
	if !ok {
		t.Fatal("expected block 0 mapped after flush")
	}
	raw, err := client.Get(ctx, DataObjectKey(1, obj))
	if err != nil {
		t.Fatalf("get flushed object: %v", err)
	}
	var phys DataObjectPhys
	if _, err := phys.UnmarshalMsg(raw); err != nil {
		t.Fatalf("unmarshal flushed object: %v", err)
	}
	if string(phys.Blocks[0]) != "a" || string(phys.Blocks[1]) != "b" {
		t.Fatalf("unexpected flushed blocks: %+v", phys.Blocks)
	}
}

func TestWriteBlockSplitsOnMaxBytesPerObject(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	e := NewEngine(client, 1, 4, blockmap.New(), objectlog.New[blockmap.Event](client, "storage-log", 1000, 2),
		NewReclaimTable(), 1<<10, 1_000_000, 16, 0.20, 0.50, 1000)
	e.BeginTxg(1)

	if err := e.WriteBlock(ctx, 0, []byte("abcd")); err != nil {
		t.Fatalf("write 0: %v", err)
	}
	if err := e.WriteBlock(ctx, 1, []byte("efgh")); err != nil {
		t.Fatalf("write 1: %v", err)
	}
	if err := e.FlushWrites(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	obj0, ok := e.blockMap.BlockToObject(0)
	if !ok {
		t.Fatal("expected block 0 mapped")
	}
	obj1, ok := e.blockMap.BlockToObject(1)
	if !ok {
		t.Fatal("expected block 1 mapped")
	}
	if obj0 == obj1 {
		t.Fatalf("expected block 0 and 1 in different objects, both got %d", obj0)
	}
}

func TestEndTxgAdvancesLastTxg(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	e := newTestEngine(client)
	e.BeginTxg(5)
	e.InitiateFlush(0) // force the object to flush as soon as block 0 drains
	if err := e.WriteBlock(ctx, 0, []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := e.EndTxg(ctx); err != nil {
		t.Fatalf("end_txg: %v", err)
	}
	if got := e.LastTxg(); got != 5 {
		t.Fatalf("expected last_txg 5, got %d", got)
	}
}

func TestResumeTxgAdoptsOrphanedObjects(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	e := newTestEngine(client)
	e.BeginTxg(1)
	e.InitiateFlush(2) // force the object to flush once the last write drains
	for b := types.BlockId(0); b < 3; b++ {
		if err := e.WriteBlock(ctx, b, []byte{byte(b)}); err != nil {
			t.Fatalf("write %d: %v", b, err)
		}
	}
	if _, err := e.EndTxg(ctx); err != nil {
		t.Fatalf("end_txg: %v", err)
	}

	// Simulate a crash: a fresh engine with an empty block map, but the
	// data object is still present in storage.
	fresh := newTestEngine(client)
	if err := fresh.ResumeTxg(ctx, 2); err != nil {
		t.Fatalf("resume_txg: %v", err)
	}
	obj, ok := fresh.blockMap.BlockToObject(0)
	if !ok {
		t.Fatal("expected resume to adopt the recovered object")
	}
	if fresh.nextBlock != 3 {
		t.Fatalf("expected next_block advanced to 3, got %d", fresh.nextBlock)
	}
	if fresh.nextObjectID <= obj {
		t.Fatalf("expected next_object_id past recovered object %d, got %d", obj, fresh.nextObjectID)
	}
}

func TestFreeBlockRoutesToOwningLog(t *testing.T) {
	client := newFakeClient()
	e := newTestEngine(client)
	if err := e.blockMap.Insert(7, 0); err != nil {
		t.Fatalf("seed block map: %v", err)
	}
	e.blockMap.SetNextBlock(1)
	if err := e.FreeBlock(0, 512, 1<<10); err != nil {
		t.Fatalf("free_block: %v", err)
	}
	log := e.reclaim.LogFor(7, 1<<10)
	if log.pendingFreeBytes != 512 {
		t.Fatalf("expected 512 pending free bytes, got %d", log.pendingFreeBytes)
	}
}

func TestFreeBlockUnmappedFails(t *testing.T) {
	client := newFakeClient()
	e := newTestEngine(client)
	if err := e.FreeBlock(100, 512, 1<<10); err == nil {
		t.Fatal("expected error freeing an unmapped block")
	}
}
