package blockmap

import (
	"testing"

	"github.com/openzfs/zfs-object-agent/types"
)

func TestReplayAndLookup(t *testing.T) {
	events := []Event{
		{Op: OpAlloc, Object: 1, MinBlock: 0},
		{Op: OpAlloc, Object: 2, MinBlock: 100},
		{Op: OpAlloc, Object: 3, MinBlock: 250},
	}
	m, err := Replay(events)
	if err != nil {
		t.Fatal(err)
	}
	cases := []struct {
		block types.BlockId
		want  types.ObjectId
	}{
		{0, 1}, {50, 1}, {99, 1},
		{100, 2}, {249, 2},
		{250, 3}, {1000, 3},
	}
	for _, c := range cases {
		got, ok := m.BlockToObject(c.block)
		if !ok || got != c.want {
			t.Fatalf("block %d: expected object %d, got %d (ok=%v)", c.block, c.want, got, ok)
		}
	}
}

func TestFreeRemovesObject(t *testing.T) {
	events := []Event{
		{Op: OpAlloc, Object: 1, MinBlock: 0},
		{Op: OpAlloc, Object: 2, MinBlock: 100},
		{Op: OpFree, Object: 1},
	}
	m, err := Replay(events)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := m.BlockToObject(50); ok {
		t.Fatalf("expected object 1's blocks to be gone after free")
	}
	got, ok := m.BlockToObject(100)
	if !ok || got != 2 {
		t.Fatalf("expected object 2 still present")
	}
}

func TestInsertRejectsOutOfOrder(t *testing.T) {
	m := New()
	if err := m.setupInsert(1, 0); err != nil {
		t.Fatal(err)
	}
	m.SetNextBlock(100)
	if err := m.Insert(2, 100); err != nil {
		t.Fatal(err)
	}
	if err := m.Insert(1, 200); err == nil {
		t.Fatalf("expected error inserting non-increasing object")
	}
}
