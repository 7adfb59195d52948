// Package spacemap implements the cache-device space map and block
// allocator (§4.G): a slab-partitioned allocator with bitmap and extent
// slab types, rolling two-spacemap condensation, and bucketed sorted-slab
// selection.
/*
 * Copyright (c) 2024, OpenZFS Contributors. All rights reserved.
 */
package spacemap

import (
	"context"
	"sort"
	"sync"

	"github.com/openzfs/zfs-object-agent/blockdev"
	"github.com/openzfs/zfs-object-agent/blocklog"
	"github.com/openzfs/zfs-object-agent/extentalloc"
	"github.com/openzfs/zfs-object-agent/internal/debug"
	"github.com/openzfs/zfs-object-agent/internal/zerr"
	"github.com/openzfs/zfs-object-agent/types"
)

// EntryOp tags a space-map log entry.
type EntryOp int

const (
	OpAlloc EntryOp = iota
	OpFree
	OpMarkGeneration
)

// Entry is one space-map log record (§4.G).
type Entry struct {
	Op         EntryOp `json:"op"`
	Offset     uint64  `json:"offset,omitempty"`
	Size       uint64  `json:"size,omitempty"`
	SlabID     int     `json:"slab_id,omitempty"`
	Generation uint64  `json:"generation,omitempty"`
}

// SlabKind distinguishes the two slab representations (§3).
type SlabKind int

const (
	SlabFree SlabKind = iota
	SlabBitmap
	SlabExtent
)

// Slab is one contiguous, fixed-size region of the cache data device,
// allocated as a unit and typed by max allocation size.
type Slab struct {
	Kind       SlabKind
	Base       types.DiskLocation
	Size       uint64
	Generation uint64

	// BitmapBased
	BlockSize    uint64
	TotalSlots   uint64
	Allocated    map[uint64]bool // slot index -> allocated
	allocating   map[uint64]bool
	freeing      map[uint64]bool

	// ExtentBased
	MaxAllocSize uint64
	allocatable  []types.Extent // free ranges within the slab
	allocatingX  []types.Extent
	freeingX     []types.Extent
	LastLoc      types.DiskLocation

	dirty bool
}

func newBitmapSlab(base types.DiskLocation, size, blockSize uint64) *Slab {
	return &Slab{
		Kind: SlabBitmap, Base: base, Size: size, BlockSize: blockSize,
		TotalSlots: size / blockSize,
		Allocated:  map[uint64]bool{}, allocating: map[uint64]bool{}, freeing: map[uint64]bool{},
	}
}

func newExtentSlab(base types.DiskLocation, size, maxAllocSize uint64) *Slab {
	return &Slab{
		Kind: SlabExtent, Base: base, Size: size, MaxAllocSize: maxAllocSize,
		allocatable: []types.Extent{{Offset: base, Size: size}},
	}
}

// AllocatedBytes reports the slab's live allocation for sort-by-fullness.
func (s *Slab) AllocatedBytes() uint64 {
	switch s.Kind {
	case SlabBitmap:
		return uint64(len(s.Allocated)) * s.BlockSize
	case SlabExtent:
		var free uint64
		for _, e := range s.allocatable {
			free += e.Size
		}
		return s.Size - free
	}
	return 0
}

func (s *Slab) allocate(size uint64) (types.DiskLocation, bool) {
	switch s.Kind {
	case SlabBitmap:
		n := size / s.BlockSize
		if n == 0 {
			n = 1
		}
		// simple first-fit over contiguous free slots
		var run, start uint64
		for i := uint64(0); i < s.TotalSlots; i++ {
			if s.Allocated[i] || s.allocating[i] {
				run = 0
				continue
			}
			if run == 0 {
				start = i
			}
			run++
			if run == n {
				for j := start; j < start+n; j++ {
					s.allocating[j] = true
				}
				s.dirty = true
				return s.Base + types.DiskLocation(start*s.BlockSize), true
			}
		}
		return 0, false
	case SlabExtent:
		if size > s.MaxAllocSize {
			return 0, false
		}
		for i, e := range s.allocatable {
			if e.Size >= size {
				loc := e.Offset
				if e.Size == size {
					s.allocatable = append(s.allocatable[:i], s.allocatable[i+1:]...)
				} else {
					s.allocatable[i] = types.Extent{Offset: e.Offset + types.DiskLocation(size), Size: e.Size - size}
				}
				s.allocatingX = append(s.allocatingX, types.Extent{Offset: loc, Size: size})
				s.LastLoc = loc
				s.dirty = true
				return loc, true
			}
		}
		return 0, false
	}
	return 0, false
}

func (s *Slab) free(loc types.DiskLocation, size uint64) {
	s.dirty = true
	switch s.Kind {
	case SlabBitmap:
		n := size / s.BlockSize
		if n == 0 {
			n = 1
		}
		start := uint64(loc-s.Base) / s.BlockSize
		for j := start; j < start+n; j++ {
			s.freeing[j] = true
		}
	case SlabExtent:
		s.freeingX = append(s.freeingX, types.Extent{Offset: loc, Size: size})
	}
}

// flushDelta turns this checkpoint's allocating/freeing sets into
// Alloc/Free log entries, emitting allocating before freeing so a
// same-checkpoint allocate-then-free is representable (§4.G).
func (s *Slab) flushDelta(slabID int, gen uint64) []Entry {
	var out []Entry
	switch s.Kind {
	case SlabBitmap:
		for slot := range s.allocating {
			out = append(out, Entry{Op: OpAlloc, Offset: uint64(s.Base) + slot*s.BlockSize, Size: s.BlockSize, SlabID: slabID, Generation: gen})
			s.Allocated[slot] = true
		}
		for slot := range s.freeing {
			out = append(out, Entry{Op: OpFree, Offset: uint64(s.Base) + slot*s.BlockSize, Size: s.BlockSize, SlabID: slabID, Generation: gen})
			delete(s.Allocated, slot)
		}
		s.allocating = map[uint64]bool{}
		s.freeing = map[uint64]bool{}
	case SlabExtent:
		for _, e := range s.allocatingX {
			out = append(out, Entry{Op: OpAlloc, Offset: uint64(e.Offset), Size: e.Size, SlabID: slabID, Generation: gen})
		}
		for _, e := range s.freeingX {
			out = append(out, Entry{Op: OpFree, Offset: uint64(e.Offset), Size: e.Size, SlabID: slabID, Generation: gen})
			s.allocatable = mergeExtent(s.allocatable, e)
		}
		s.allocatingX = nil
		s.freeingX = nil
	}
	s.dirty = false
	return out
}

func mergeExtent(list []types.Extent, ext types.Extent) []types.Extent {
	list = append(list, ext)
	sort.Slice(list, func(i, j int) bool { return list[i].Offset < list[j].Offset })
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

// bucket groups same-max-size slabs with a rotating round-robin cursor.
type bucket struct {
	maxSize   uint64
	slabKind  SlabKind
	blockSize uint64 // for bitmap buckets
	slabIdx   []int  // indices into Allocator.slabs, kept sorted by AllocatedBytes
	cursor    int
}

// Allocator owns the two rolling spacemaps, the slab vector, and the
// condensation cursor (§4.G).
type Allocator struct {
	mu sync.Mutex

	dev   *blockdev.Device
	alloc *extentalloc.Allocator

	spacemap     *blocklog.Log[Entry]
	spacemapNext *blocklog.Log[Entry]

	slabs   []*Slab
	buckets []*bucket // ascending by maxSize

	nextSlabToCondense int
	slabCondensePerCkpt int

	dataStart types.DiskLocation
	dataEnd   types.DiskLocation
	nextFree  types.DiskLocation // bump pointer for carving new slabs from Free region
	slabSize  uint64
}

// New creates an allocator over the data region [dataStart, dataEnd),
// carving fixed-size slabs lazily as buckets need them.
func New(dev *blockdev.Device, metaAlloc *extentalloc.Allocator, dataStart, dataEnd types.DiskLocation, slabSize uint64, bucketSizes []uint64, slabCondensePerCheckpoint int, entriesPerChunk int, chunkBytes int64) *Allocator {
	a := &Allocator{
		dev: dev, alloc: metaAlloc,
		dataStart: dataStart, dataEnd: dataEnd, nextFree: dataStart, slabSize: slabSize,
		slabCondensePerCkpt: slabCondensePerCheckpoint,
	}
	a.spacemap = blocklog.New[Entry](dev, metaAlloc, entriesPerChunk, chunkBytes, nil)
	a.spacemapNext = blocklog.New[Entry](dev, metaAlloc, entriesPerChunk, chunkBytes, nil)

	sort.Slice(bucketSizes, func(i, j int) bool { return bucketSizes[i] < bucketSizes[j] })
	for _, sz := range bucketSizes {
		kind := SlabExtent
		bs := uint64(0)
		if sz <= 16<<10 {
			kind = SlabBitmap
			bs = 512
		}
		a.buckets = append(a.buckets, &bucket{maxSize: sz, slabKind: kind, blockSize: bs})
	}
	return a
}

// Load replays the space map, applying each entry's alloc/free only if its
// recorded generation matches the slab's current generation (§4.G
// "generation-gated" replay, §9 design notes).
func (a *Allocator) Load(ctx context.Context) error {
	entries, err := a.spacemap.Iter(ctx)
	if err != nil {
		return err
	}
	generations := map[int]uint64{}
	for _, e := range entries {
		switch e.Op {
		case OpMarkGeneration:
			generations[e.SlabID] = e.Generation
		case OpAlloc, OpFree:
			if generations[e.SlabID] != e.Generation {
				continue // stale entry, superseded by condensation
			}
			if e.SlabID >= len(a.slabs) {
				continue
			}
			s := a.slabs[e.SlabID]
			if e.Op == OpAlloc {
				a.alloc.Claim(types.Extent{Offset: types.DiskLocation(e.Offset), Size: e.Size})
				applyAlloc(s, types.DiskLocation(e.Offset), e.Size)
			} else {
				applyFree(s, types.DiskLocation(e.Offset), e.Size)
			}
		}
	}
	return nil
}

func applyAlloc(s *Slab, loc types.DiskLocation, size uint64) {
	switch s.Kind {
	case SlabBitmap:
		n := size / s.BlockSize
		start := uint64(loc-s.Base) / s.BlockSize
		for j := start; j < start+n; j++ {
			s.Allocated[j] = true
		}
	case SlabExtent:
		s.allocatable = subtractExtent(s.allocatable, types.Extent{Offset: loc, Size: size})
	}
}

func applyFree(s *Slab, loc types.DiskLocation, size uint64) {
	switch s.Kind {
	case SlabBitmap:
		n := size / s.BlockSize
		start := uint64(loc-s.Base) / s.BlockSize
		for j := start; j < start+n; j++ {
			delete(s.Allocated, j)
		}
	case SlabExtent:
		s.allocatable = mergeExtent(s.allocatable, types.Extent{Offset: loc, Size: size})
	}
}

func subtractExtent(list []types.Extent, ext types.Extent) []types.Extent {
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

// Allocate satisfies a size-byte request following §4.G's four-step flow:
// smallest-fitting bucket, round-robin over its slabs, convert a Free slab
// into the bucket's type if none accept, else report no-space.
func (a *Allocator) Allocate(size uint64) (types.DiskLocation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	b := a.bucketFor(size)
	if b == nil {
		return 0, zerr.ErrAllocExhausted
	}

	for attempts := 0; attempts < len(b.slabIdx); attempts++ {
		idx := b.slabIdx[b.cursor]
		b.cursor = (b.cursor + 1) % len(b.slabIdx)
		s := a.slabs[idx]
		if loc, ok := s.allocate(size); ok {
			a.resort(b)
			return loc, nil
		}
	}

	// convert a fresh Free slab into this bucket's type
	s, err := a.carveSlabLocked(b)
	if err != nil {
		return 0, err
	}
	loc, ok := s.allocate(size)
	if !ok {
		return 0, zerr.ErrAllocExhausted
	}
	a.resort(b)
	return loc, nil
}

func (a *Allocator) bucketFor(size uint64) *bucket {
	i := sort.Search(len(a.buckets), func(i int) bool { return a.buckets[i].maxSize >= size })
	if i == len(a.buckets) {
		return nil
	}
	return a.buckets[i]
}

func (a *Allocator) carveSlabLocked(b *bucket) (*Slab, error) {
	if a.nextFree+types.DiskLocation(a.slabSize) > a.dataEnd {
		return nil, zerr.ErrAllocExhausted
	}
	base := a.nextFree
	a.nextFree += types.DiskLocation(a.slabSize)

	var s *Slab
	if b.slabKind == SlabBitmap {
		s = newBitmapSlab(base, a.slabSize, b.blockSize)
	} else {
		s = newExtentSlab(base, a.slabSize, b.maxSize)
	}
	a.slabs = append(a.slabs, s)
	idx := len(a.slabs) - 1
	b.slabIdx = append(b.slabIdx, idx)
	return s, nil
}

func (a *Allocator) resort(b *bucket) {
	sort.Slice(b.slabIdx, func(i, j int) bool {
		return a.slabs[b.slabIdx[i]].AllocatedBytes() < a.slabs[b.slabIdx[j]].AllocatedBytes()
	})
}

// Free routes the freed extent to the slab owning its address.
func (a *Allocator) Free(loc types.DiskLocation, size uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range a.slabs {
		if loc >= s.Base && loc < s.Base+types.DiskLocation(s.Size) {
			s.free(loc, size)
			return
		}
	}
	debug.Assert(false, "spacemap: free of address owned by no slab")
}

// Flush emits Alloc/Free log entries for every dirty slab, routing them to
// whichever spacemap currently owns that slab (spacemap for not-yet
// condensed this pass, spacemapNext for already condensed) and flushes
// both underlying logs.
func (a *Allocator) Flush(ctx context.Context) error {
	a.mu.Lock()
	for i, s := range a.slabs {
		if !s.dirty {
			continue
		}
		entries := s.flushDelta(i, s.Generation)
		dest := a.spacemap
		if i < a.nextSlabToCondense {
			dest = a.spacemapNext
		}
		for _, e := range entries {
			dest.Append(e)
		}
	}
	a.mu.Unlock()

	if err := a.spacemap.Flush(ctx); err != nil {
		return err
	}
	return a.spacemapNext.Flush(ctx)
}

// Phys returns the persisted chunk maps of both rolling space maps, for
// embedding in a checkpoint.
func (a *Allocator) Phys() (current, next blocklog.Phys) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.spacemap.Phys(), a.spacemapNext.Phys()
}

// Condense writes SLAB_CONDENSE_PER_CHECKPOINT slabs (starting at
// nextSlabToCondense) into spacemapNext in condensed form — one scan
// producing contiguous Alloc entries for the currently allocated gaps —
// bumping each slab's generation via MarkGeneration. When the cursor
// wraps, spacemapNext is promoted to spacemap and a fresh empty
// spacemapNext replaces it (§4.G).
func (a *Allocator) Condense(ctx context.Context) error {
	a.mu.Lock()
	n := a.slabCondensePerCkpt
	for i := 0; i < n && a.nextSlabToCondense < len(a.slabs); i++ {
		idx := a.nextSlabToCondense
		s := a.slabs[idx]
		s.Generation++
		a.spacemapNext.Append(Entry{Op: OpMarkGeneration, SlabID: idx, Generation: s.Generation})
		for _, e := range condensedAllocs(s, idx) {
			a.spacemapNext.Append(e)
		}
		a.nextSlabToCondense++
	}
	wrapped := a.nextSlabToCondense >= len(a.slabs) && len(a.slabs) > 0
	a.mu.Unlock()

	if err := a.spacemapNext.Flush(ctx); err != nil {
		return err
	}

	if wrapped {
		a.mu.Lock()
		a.spacemap.Clear()
		a.spacemap, a.spacemapNext = a.spacemapNext, blocklog.New[Entry](a.dev, a.alloc, a.spacemap.EntriesPerChunk(), a.spacemap.ChunkBytes(), nil)
		a.nextSlabToCondense = 0
		a.mu.Unlock()
	}
	return nil
}

func condensedAllocs(s *Slab, slabID int) []Entry {
	gen := s.Generation
	var out []Entry
	switch s.Kind {
	case SlabBitmap:
		slots := make([]uint64, 0, len(s.Allocated))
		for slot := range s.Allocated {
			slots = append(slots, slot)
		}
		sort.Slice(slots, func(i, j int) bool { return slots[i] < slots[j] })
		i := 0
		for i < len(slots) {
			start := slots[i]
			j := i
			for j+1 < len(slots) && slots[j+1] == slots[j]+1 {
				j++
			}
			out = append(out, Entry{Op: OpAlloc, Offset: uint64(s.Base) + start*s.BlockSize, Size: (slots[j] - start + 1) * s.BlockSize, SlabID: slabID, Generation: gen})
			i = j + 1
		}
	case SlabExtent:
		// allocated = total - allocatable (free) gaps
		free := append([]types.Extent(nil), s.allocatable...)
		sort.Slice(free, func(i, j int) bool { return free[i].Offset < free[j].Offset })
		cursor := s.Base
		for _, f := range free {
			if f.Offset > cursor {
				out = append(out, Entry{Op: OpAlloc, Offset: uint64(cursor), Size: uint64(f.Offset - cursor), SlabID: slabID, Generation: gen})
			}
			cursor = f.End()
		}
		end := s.Base + types.DiskLocation(s.Size)
		if cursor < end {
			out = append(out, Entry{Op: OpAlloc, Offset: uint64(cursor), Size: uint64(end - cursor), SlabID: slabID, Generation: gen})
		}
	}
	return out
}
