package zettacache

import (
	"context"
	"sync"

	"github.com/openzfs/zfs-object-agent/internal/zerr"
	"github.com/openzfs/zfs-object-agent/objectlog"
	"github.com/openzfs/zfs-object-agent/types"
)

// PendingKind tags the four reachable (present-in-Index, present-in-OpLog)
// states a key's not-yet-merged mutation can be in (§3, §9).
type PendingKind int

const (
	PendingInsert PendingKind = iota
	PendingRemove
	PendingRemoveThenInsert
	PendingUpdateAtime
)

// PendingChange is the in-memory, not-yet-merged mutation for one key.
type PendingChange struct {
	Kind  PendingKind
	Value Value // meaningful for Insert/RemoveThenInsert/UpdateAtime
}

// OpLogEntryKind: the operation log only ever records effective
// Insert/Remove entries (§3) — UpdateAtime and RemoveThenInsert are
// reconstructed by replaying the log against the prior Index snapshot.
type OpLogEntryKind int

const (
	OpInsert OpLogEntryKind = iota
	OpRemove
)

// OpLogEntry is one durable operation-log record.
type OpLogEntry struct {
	Kind  OpLogEntryKind `json:"kind"`
	Key   types.Key      `json:"key"`
	Value Value          `json:"value,omitempty"`
}

// PendingChanges is the live, in-memory map of not-yet-merged mutations,
// guarded by its own read-write lock.
type PendingChanges struct {
	mu sync.RWMutex
	m  map[types.Key]PendingChange
}

func NewPendingChanges() *PendingChanges {
	return &PendingChanges{m: map[types.Key]PendingChange{}}
}

func (p *PendingChanges) Get(k types.Key) (PendingChange, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.m[k]
	return c, ok
}

func (p *PendingChanges) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.m)
}

// Snapshot returns a shallow copy for the merge task and clears the live
// map (a fresh one replaces it).
func (p *PendingChanges) Snapshot() map[types.Key]PendingChange {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.m
	p.m = map[types.Key]PendingChange{}
	return out
}

// ApplyInsert records a brand-new key (must not already be present with an
// Insert pending change, per §9's "insert with existing insert" panic).
func (p *PendingChanges) ApplyInsert(k types.Key, v Value, existsInIndex bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cur, ok := p.m[k]
	if ok && (cur.Kind == PendingInsert || cur.Kind == PendingRemoveThenInsert) {
		zerr.Panic("zettacache: insert of key %v already has a pending insert (should not happen)", k)
	}
	if existsInIndex || (ok && cur.Kind == PendingUpdateAtime) {
		p.m[k] = PendingChange{Kind: PendingRemoveThenInsert, Value: v}
	} else {
		p.m[k] = PendingChange{Kind: PendingInsert, Value: v}
	}
}

// ApplyRemove records that key's value is gone.
func (p *PendingChanges) ApplyRemove(k types.Key) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.m[k] = PendingChange{Kind: PendingRemove}
}

// ApplyUpdateAtime promotes key's value to newAtime, preserving whatever
// Insert/RemoveThenInsert shape it already had if one is pending.
func (p *PendingChanges) ApplyUpdateAtime(k types.Key, newValue Value) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cur, ok := p.m[k]
	if ok {
		switch cur.Kind {
		case PendingInsert:
			p.m[k] = PendingChange{Kind: PendingInsert, Value: newValue}
			return
		case PendingRemoveThenInsert:
			p.m[k] = PendingChange{Kind: PendingRemoveThenInsert, Value: newValue}
			return
		}
	}
	p.m[k] = PendingChange{Kind: PendingUpdateAtime, Value: newValue}
}

// OpLogEntryFor returns the durable operation-log record to append for a
// pending change just applied (only Insert/Remove are ever logged; the
// caller passes the *effective* kind after any RemoveThenInsert/
// UpdateAtime collapsing has been decided, §3).
func OpLogEntryFor(k types.Key, c PendingChange) OpLogEntry {
	switch c.Kind {
	case PendingRemove:
		return OpLogEntry{Kind: OpRemove, Key: k}
	default:
		return OpLogEntry{Kind: OpInsert, Key: k, Value: c.Value}
	}
}

// OperationLog is the append-only log of effective mutations, persisted as
// an object-based log for crash recovery.
type OperationLog struct {
	log *objectlog.Log[OpLogEntry]
}

func NewOperationLog(client objectlog.ObjClient, name string, entriesPerChunk, retainGenerations int) *OperationLog {
	return &OperationLog{log: objectlog.New[OpLogEntry](client, name, entriesPerChunk, retainGenerations)}
}

func (o *OperationLog) Append(e OpLogEntry)              { o.log.Append(e) }
func (o *OperationLog) Flush(ctx context.Context) error  { return o.log.Flush(ctx) }
func (o *OperationLog) Clear(ctx context.Context)        { o.log.Clear(ctx) }
func (o *OperationLog) All(ctx context.Context) ([]OpLogEntry, error) { return o.log.Iter(ctx) }
func (o *OperationLog) Phys() objectlog.Phys             { return o.log.Phys() }

// ReplayAgainstIndex rebuilds the full PendingChanges map (including
// UpdateAtime and RemoveThenInsert) by replaying operation-log entries
// against the Index snapshot they were recorded on top of (§3, §4.H resume).
func ReplayAgainstIndex(ctx context.Context, ops []OpLogEntry, indexHas func(types.Key) (Value, bool)) *PendingChanges {
	pc := NewPendingChanges()
	for _, e := range ops {
		switch e.Kind {
		case OpInsert:
			if v, ok := indexHas(e.Key); ok {
				if v == e.Value {
					pc.m[e.Key] = PendingChange{Kind: PendingUpdateAtime, Value: e.Value}
				} else {
					pc.m[e.Key] = PendingChange{Kind: PendingRemoveThenInsert, Value: e.Value}
				}
			} else {
				pc.m[e.Key] = PendingChange{Kind: PendingInsert, Value: e.Value}
			}
		case OpRemove:
			pc.m[e.Key] = PendingChange{Kind: PendingRemove}
		}
	}
	return pc
}
