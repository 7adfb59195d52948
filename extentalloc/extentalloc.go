// Package extentalloc implements the cache metadata extent allocator
// (§4.C): a range-tree free-space allocator over
// [first_valid_offset, last_valid_offset) with checkpoint-deferred reuse.
//
// There is no persistent representation (per spec): on open the allocator
// is reconstructed by Claim-ing every extent recorded in the persisted
// metadata logs.
/*
 * Copyright (c) 2024, OpenZFS Contributors. All rights reserved.
 */
package extentalloc

import (
	"sort"
	"sync"

	"github.com/openzfs/zfs-object-agent/internal/debug"
	"github.com/openzfs/zfs-object-agent/internal/zerr"
	"github.com/openzfs/zfs-object-agent/types"
)

// Allocator manages free space in [firstValid, lastValid) as a sorted set
// of disjoint free runs, plus a "freeing" set released-but-not-yet-usable
// this checkpoint.
type Allocator struct {
	mu         sync.Mutex
	firstValid types.DiskLocation
	lastValid  types.DiskLocation
	free       []types.Extent // sorted by Offset, merged, disjoint
	freeing    []types.Extent // released this checkpoint; merged on CheckpointDone
}

// New creates an allocator over [first, last) with the entire range free.
func New(first, last types.DiskLocation) *Allocator {
	a := &Allocator{firstValid: first, lastValid: last}
	if last > first {
		a.free = []types.Extent{{Offset: first, Size: uint64(last - first)}}
	}
	return a
}

// FirstValid returns the start of the managed range.
func (a *Allocator) FirstValid() types.DiskLocation { return a.firstValid }

// LastValid returns the (exclusive) end of the managed range.
func (a *Allocator) LastValid() types.DiskLocation { return a.lastValid }

// Claim removes ext from the free set unconditionally. Used at open time to
// reconstruct allocator state from persisted logs, and by normal allocation
// bookkeeping.
func (a *Allocator) Claim(ext types.Extent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.free = subtract(a.free, ext)
}

// Allocate returns the largest free run no larger than max, provided it is
// at least min; otherwise it panics — per spec, metadata allocator
// exhaustion is a fatal configuration failure, not a data-corruption risk
// to tolerate silently (§7 "Metadata allocator exhaustion").
func (a *Allocator) Allocate(min, max uint64) types.Extent {
	a.mu.Lock()
	defer a.mu.Unlock()

	best := -1
	var bestSize uint64
	for i, e := range a.free {
		sz := e.Size
		if sz > max {
			sz = max
		}
		if sz >= min && sz > bestSize {
			best = i
			bestSize = sz
		}
	}
	if best < 0 {
		zerr.Panic("extentalloc: cannot satisfy allocation min=%d max=%d (largest free run below min)", min, max)
	}
	e := a.free[best]
	ext := types.Extent{Offset: e.Offset, Size: bestSize}
	a.free = subtract(a.free, ext)
	return ext
}

// Free defers ext's reuse until CheckpointDone.
func (a *Allocator) Free(ext types.Extent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	debug.Assert(ext.Offset >= a.firstValid && ext.End() <= a.lastValid, "extent out of metadata range")
	a.freeing = insertMerge(a.freeing, ext)
}

// CheckpointDone merges freeing back into the allocatable set, making it
// available to future Allocate calls.
func (a *Allocator) CheckpointDone() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.freeing {
		a.free = insertMerge(a.free, e)
	}
	a.freeing = a.freeing[:0]
}

// AvailableBytes reports currently-allocatable bytes (excludes freeing).
func (a *Allocator) AvailableBytes() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var total uint64
	for _, e := range a.free {
		total += e.Size
	}
	return total
}

// insertMerge inserts ext into a sorted, disjoint, merged extent list.
func insertMerge(list []types.Extent, ext types.Extent) []types.Extent {
	i := sort.Search(len(list), func(i int) bool { return list[i].Offset >= ext.Offset })
	list = append(list, types.Extent{})
	copy(list[i+1:], list[i:])
	list[i] = ext
	return coalesce(list)
}

func coalesce(list []types.Extent) []types.Extent {
	if len(list) == 0 {
		return list
	}
	out := list[:1]
	for _, e := range list[1:] {
		last := &out[len(out)-1]
		if e.Offset <= last.End() {
			if e.End() > last.End() {
				last.Size = uint64(e.End() - last.Offset)
			}
			continue
		}
		out = append(out, e)
	}
	return out
}

// subtract removes ext from a sorted, disjoint list, splitting entries as
// needed.
func subtract(list []types.Extent, ext types.Extent) []types.Extent {
	out := make([]types.Extent, 0, len(list)+1)
	for _, e := range list {
		if !e.Overlaps(ext) {
			out = append(out, e)
			continue
		}
		if e.Offset < ext.Offset {
			out = append(out, types.Extent{Offset: e.Offset, Size: uint64(ext.Offset - e.Offset)})
		}
		if e.End() > ext.End() {
			out = append(out, types.Extent{Offset: ext.End(), Size: uint64(e.End() - ext.End())})
		}
	}
	return out
}
