package pool

import (
	"math/bits"

	"github.com/openzfs/zfs-object-agent/internal/debug"
	"github.com/openzfs/zfs-object-agent/types"
)

// hashObject computes the 16-bit bit-reversed hash of an object id's log
// group, per §3: "the bit-reversal of (object/OBJECTS_PER_LOG) mod 2^16".
func hashObject(object types.ObjectId, objectsPerLog uint64) uint16 {
	group := uint16(uint64(object) / objectsPerLog % (1 << 16))
	return bits.Reverse16(group)
}

// ReclaimTable is the extendible hash table of ReclaimLogIds (§3, §4.K).
type ReclaimTable struct {
	tableBits int
	table     []ReclaimLogId // len == 2^tableBits
	logs      map[ReclaimLogId]*ReclaimLog
}

// NewReclaimTable creates a table with a single log at depth 0 covering
// every slot.
func NewReclaimTable() *ReclaimTable {
	root := ReclaimLogId{NumBits: 0, Prefix: 0}
	return &ReclaimTable{
		tableBits: 0,
		table:     []ReclaimLogId{root},
		logs:      map[ReclaimLogId]*ReclaimLog{root: newReclaimLog(root)},
	}
}

// slotFor returns the table index hashObject(object) maps to, given the
// current table width.
func (t *ReclaimTable) slotFor(object types.ObjectId, objectsPerLog uint64) int {
	h := hashObject(object, objectsPerLog)
	return int(h >> (16 - t.tableBits))
}

// LogFor returns the reclaim log that owns object.
func (t *ReclaimTable) LogFor(object types.ObjectId, objectsPerLog uint64) *ReclaimLog {
	if t.tableBits == 0 {
		return t.logs[t.table[0]]
	}
	return t.logs[t.table[t.slotFor(object, objectsPerLog)]]
}

// Logs returns every distinct log currently in the table.
func (t *ReclaimTable) Logs() []*ReclaimLog {
	seen := map[ReclaimLogId]bool{}
	out := make([]*ReclaimLog, 0, len(t.logs))
	for _, id := range t.table {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, t.logs[id])
	}
	return out
}

// Split divides log into two at depth log.id.NumBits+1, redistributing its
// pending entries by the updated hash (§4.K "log splitting"). Grows the
// table first if the log's depth has caught up to the table's width.
func (t *ReclaimTable) Split(log *ReclaimLog, maxTableBits int, objectsPerLog uint64) (*ReclaimLog, bool) {
	if log.id.NumBits >= maxTableBits {
		return nil, false
	}
	if log.id.NumBits == t.tableBits {
		t.growTable()
	}

	siblingID := ReclaimLogId{NumBits: log.id.NumBits + 1, Prefix: (log.id.Prefix << 1) | 1}
	originalID := ReclaimLogId{NumBits: log.id.NumBits + 1, Prefix: log.id.Prefix << 1}

	sibling := newReclaimLog(siblingID)
	original := newReclaimLog(originalID)
	t.logs[originalID] = original
	t.logs[siblingID] = sibling
	delete(t.logs, log.id)

	for i, id := range t.table {
		if id != log.id {
			continue
		}
		h := uint16(i) << (16 - t.tableBits)
		depth := siblingID.NumBits
		prefix := h >> (16 - depth)
		if uint64(prefix) == siblingID.Prefix {
			t.table[i] = siblingID
		} else {
			t.table[i] = originalID
		}
	}

	for _, e := range log.pendingFrees {
		dest := t.logForHash(hashObject(e.Object, objectsPerLog))
		dest.pendingFrees = append(dest.pendingFrees, e)
		dest.pendingFreeBytes += e.Size
	}
	for _, e := range log.objectSizes {
		dest := t.logForHash(hashObject(e.Object, objectsPerLog))
		dest.objectSizes = append(dest.objectSizes, e)
	}
	debug.Assert(original.id.NumBits == sibling.id.NumBits, "reclaim split: depth mismatch")
	return sibling, true
}

func (t *ReclaimTable) logForHash(h uint16) *ReclaimLog {
	if t.tableBits == 0 {
		return t.logs[t.table[0]]
	}
	idx := int(h >> (16 - t.tableBits))
	return t.logs[t.table[idx]]
}

func (t *ReclaimTable) growTable() {
	newTable := make([]ReclaimLogId, len(t.table)*2)
	for i, id := range t.table {
		newTable[2*i] = id
		newTable[2*i+1] = id
	}
	t.table = newTable
	t.tableBits++
}

// ReclaimLog is one reclaim log's pending state (§3), held only in
// memory as plain slices for the reclaim round's scan. Its pending frees
// and object sizes are not written to an object log; EndTxg records only
// its pending-free byte total and busy flag in ReclaimLogPhys.
type ReclaimLog struct {
	id ReclaimLogId

	busy bool

	pendingFrees     []FreeEntry
	pendingFreeBytes uint64
	objectSizes      []ObjectSizeEntry
}

func newReclaimLog(id ReclaimLogId) *ReclaimLog {
	return &ReclaimLog{id: id}
}

func (l *ReclaimLog) ID() ReclaimLogId { return l.id }

func (l *ReclaimLog) AddFree(object types.ObjectId, block types.BlockId, size uint64) {
	l.pendingFrees = append(l.pendingFrees, FreeEntry{Object: object, Block: block, Size: size})
	l.pendingFreeBytes += size
}

func (l *ReclaimLog) RecordObject(object types.ObjectId, numBlocks, numBytes uint64) {
	l.objectSizes = append(l.objectSizes, ObjectSizeEntry{Kind: ObjectExists, Object: object, NumBlocks: numBlocks, NumBytes: numBytes})
}

func (l *ReclaimLog) RecordFreed(object types.ObjectId) {
	l.objectSizes = append(l.objectSizes, ObjectSizeEntry{Kind: ObjectFreed, Object: object})
}

func (l *ReclaimLog) PendingFreeBytes() uint64 { return l.pendingFreeBytes }

func (l *ReclaimLog) EntryCount() int { return len(l.pendingFrees) + len(l.objectSizes) }
