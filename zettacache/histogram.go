// Package zettacache implements the on-device block cache (§4.H, §4.I):
// the sorted index, operation log, background merge/eviction, and the
// lookup/insert/evict/heal state machine.
/*
 * Copyright (c) 2024, OpenZFS Contributors. All rights reserved.
 */
package zettacache

import (
	"sync"

	"github.com/openzfs/zfs-object-agent/internal/debug"
	"github.com/openzfs/zfs-object-agent/types"
)

// AtimeHistogram tracks live bytes per atime bucket, supporting O(1)
// insert/remove and eviction-cutoff computation (§3).
type AtimeHistogram struct {
	mu     sync.Mutex
	first  types.Atime
	cells  []uint64 // cells[i] = bytes with atime == first+i
}

// NewAtimeHistogram creates an empty histogram starting at first.
func NewAtimeHistogram(first types.Atime) *AtimeHistogram {
	return &AtimeHistogram{first: first}
}

func (h *AtimeHistogram) idx(a types.Atime) int {
	if a < h.first {
		return -1
	}
	return int(a - h.first)
}

func (h *AtimeHistogram) growLocked(i int) {
	for len(h.cells) <= i {
		h.cells = append(h.cells, 0)
	}
}

// Insert records size bytes at atime a.
func (h *AtimeHistogram) Insert(a types.Atime, size uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	i := h.idx(a)
	debug.Assert(i >= 0, "histogram: insert before first")
	h.growLocked(i)
	h.cells[i] += size
}

// Remove un-records size bytes at atime a.
func (h *AtimeHistogram) Remove(a types.Atime, size uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	i := h.idx(a)
	if i < 0 || i >= len(h.cells) {
		return
	}
	debug.Assert(h.cells[i] >= size, "histogram: remove exceeds recorded bytes")
	h.cells[i] -= size
}

// Move shifts size bytes from atime oldA to newA (used on access-time
// bump of an existing entry).
func (h *AtimeHistogram) Move(oldA, newA types.Atime, size uint64) {
	h.Remove(oldA, size)
	h.Insert(newA, size)
}

// First returns the histogram's lowest tracked atime.
func (h *AtimeHistogram) First() types.Atime {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.first
}

// Sum returns total live bytes across all buckets.
func (h *AtimeHistogram) Sum() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	var s uint64
	for _, c := range h.cells {
		s += c
	}
	return s
}

// ResetFirst discards cells strictly below newFirst, advancing First.
func (h *AtimeHistogram) ResetFirst(newFirst types.Atime) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if newFirst <= h.first {
		return
	}
	drop := int(newFirst - h.first)
	if drop >= len(h.cells) {
		h.cells = nil
	} else {
		h.cells = append([]uint64(nil), h.cells[drop:]...)
	}
	h.first = newFirst
}

// AtimeForTargetSize returns the largest atime such that summing cells
// from that atime upward covers at least targetBytes (First if even the
// whole histogram falls short) — the eviction
// cutoff computation used by the merge task (§4.H).
func (h *AtimeHistogram) AtimeForTargetSize(targetBytes uint64) types.Atime {
	h.mu.Lock()
	defer h.mu.Unlock()
	var acc uint64
	for i := len(h.cells) - 1; i >= 0; i-- {
		acc += h.cells[i]
		if acc >= targetBytes {
			return h.first + types.Atime(i)
		}
	}
	return h.first
}
