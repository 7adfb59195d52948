// Package blockmap implements the object block map (§4.F): an in-memory
// sorted map from BlockId to the ObjectId that owns it, replayed from the
// storage object log and persisted as a stream of Alloc/Free events.
/*
 * Copyright (c) 2024, OpenZFS Contributors. All rights reserved.
 */
package blockmap

import (
	"sort"
	"sync"

	"github.com/openzfs/zfs-object-agent/internal/zerr"
	"github.com/openzfs/zfs-object-agent/types"
)

// Event is a storage-object-log entry: either an Alloc (object starts
// owning blocks from MinBlock) or a Free (object is gone).
type Event struct {
	Op       EventOp        `json:"op"`
	Object   types.ObjectId `json:"object"`
	MinBlock types.BlockId  `json:"min_block,omitempty"`
}

type EventOp int

const (
	OpAlloc EventOp = iota
	OpFree
)

type entry struct {
	Object   types.ObjectId
	MinBlock types.BlockId
}

// Map is the sorted set of (object, min_block) pairs with secondary
// lookup by object.
type Map struct {
	mu sync.RWMutex

	entries    []entry // sorted by Object (equivalently by MinBlock, per invariant)
	byObject   map[types.ObjectId]int
	nextBlock  types.BlockId // next_block watermark once out of setup phase
	inSetup    bool
}

// New creates an empty map, starting in the setup phase (out-of-order
// inserts allowed, validated against neighbors) until Insert is called for
// normal operation.
func New() *Map {
	return &Map{byObject: map[types.ObjectId]int{}, inSetup: true}
}

// Replay rebuilds the map from the storage object log's event stream, in
// log order.
func Replay(events []Event) (*Map, error) {
	m := New()
	for _, e := range events {
		switch e.Op {
		case OpAlloc:
			if err := m.setupInsert(e.Object, e.MinBlock); err != nil {
				return nil, err
			}
		case OpFree:
			m.remove(e.Object)
		}
	}
	return m, nil
}

// setupInsert inserts out of order during replay, validating against
// neighbors: objects in increasing order, their min_blocks also
// increasing (§4.F).
func (m *Map) setupInsert(obj types.ObjectId, minBlock types.BlockId) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := sort.Search(len(m.entries), func(i int) bool { return m.entries[i].Object >= obj })
	if i < len(m.entries) && m.entries[i].Object == obj {
		return zerr.Wrapf(zerr.ErrInvariant, "blockmap: duplicate alloc for object %d", obj)
	}
	if i > 0 && m.entries[i-1].MinBlock >= minBlock {
		return zerr.Wrapf(zerr.ErrInvariant, "blockmap: min_block %d for object %d not increasing after object %d", minBlock, obj, m.entries[i-1].Object)
	}
	if i < len(m.entries) && m.entries[i].MinBlock <= minBlock {
		return zerr.Wrapf(zerr.ErrInvariant, "blockmap: min_block %d for object %d not less than following object %d", minBlock, obj, m.entries[i].Object)
	}

	m.entries = append(m.entries, entry{})
	copy(m.entries[i+1:], m.entries[i:])
	m.entries[i] = entry{Object: obj, MinBlock: minBlock}
	m.reindexLocked()
	if minBlock >= m.nextBlock {
		m.nextBlock = minBlock
	}
	return nil
}

func (m *Map) remove(obj types.ObjectId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.byObject[obj]
	if !ok {
		return
	}
	m.entries = append(m.entries[:idx], m.entries[idx+1:]...)
	m.reindexLocked()
}

func (m *Map) reindexLocked() {
	m.byObject = make(map[types.ObjectId]int, len(m.entries))
	for i, e := range m.entries {
		m.byObject[e.Object] = i
	}
}

// Insert ends the setup phase (if not already ended) and appends a new
// (object, min_block) entry. After setup, new entries must have a greater
// object than any existing one and min_block equal to the previously
// recorded next_block (§4.F).
func (m *Map) Insert(obj types.ObjectId, nextBlockAfterPrevious types.BlockId) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inSetup = false

	if len(m.entries) > 0 && m.entries[len(m.entries)-1].Object >= obj {
		return zerr.Wrapf(zerr.ErrInvariant, "blockmap: Insert object %d must exceed last object %d", obj, m.entries[len(m.entries)-1].Object)
	}
	if nextBlockAfterPrevious != m.nextBlock {
		return zerr.Wrapf(zerr.ErrInvariant, "blockmap: Insert min_block %d must equal recorded next_block %d", nextBlockAfterPrevious, m.nextBlock)
	}
	m.entries = append(m.entries, entry{Object: obj, MinBlock: nextBlockAfterPrevious})
	m.byObject[obj] = len(m.entries) - 1
	return nil
}

// SetNextBlock advances the watermark Insert validates min_block against
// (called once the owning object's own next_block is known, e.g. after a
// data object is finalized with N blocks).
func (m *Map) SetNextBlock(b types.BlockId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b > m.nextBlock {
		m.nextBlock = b
	}
}

// Free removes obj from the map (its blocks have all been reclaimed).
func (m *Map) Free(obj types.ObjectId) { m.remove(obj) }

// BlockToObject returns the object whose [min_block, next_block) range
// covers b: the entry with the greatest min_block <= b (§4.F).
func (m *Map) BlockToObject(b types.BlockId) (types.ObjectId, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i := sort.Search(len(m.entries), func(i int) bool { return m.entries[i].MinBlock > b }) - 1
	if i < 0 {
		return 0, false
	}
	return m.entries[i].Object, true
}

// MinBlockOf returns the min_block recorded for obj.
func (m *Map) MinBlockOf(obj types.ObjectId) (types.BlockId, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.byObject[obj]
	if !ok {
		return 0, false
	}
	return m.entries[i].MinBlock, true
}

// Objects returns all known object ids in ascending order.
func (m *Map) Objects() []types.ObjectId {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.ObjectId, len(m.entries))
	for i, e := range m.entries {
		out[i] = e.Object
	}
	return out
}

// LastObject returns the greatest known object id, if any.
func (m *Map) LastObject() (types.ObjectId, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.entries) == 0 {
		return 0, false
	}
	return m.entries[len(m.entries)-1].Object, true
}

// Len reports the number of tracked objects.
func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
