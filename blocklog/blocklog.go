// Package blocklog implements the block-based log (§4.D): an append-only
// sequence of fixed-schema entries, physically stored as extent-chained
// fixed-size chunks allocated from the extent allocator.
/*
 * Copyright (c) 2024, OpenZFS Contributors. All rights reserved.
 */
package blocklog

import (
	"context"
	"sort"
	"sync"

	jsoniter "github.com/json-iterator/go"

	"github.com/openzfs/zfs-object-agent/blockdev"
	"github.com/openzfs/zfs-object-agent/extentalloc"
	"github.com/openzfs/zfs-object-agent/internal/zerr"
	"github.com/openzfs/zfs-object-agent/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Phys is the persisted representation of a Log[T]: where each chunk
// lives and the next chunk id to allocate.
type Phys struct {
	Chunks    map[uint64]types.Extent `json:"chunks"` // log_offset -> extent, keyed by chunk id
	NextChunk uint64                  `json:"next_chunk"`
	NumChunks uint64                  `json:"num_chunks"` // count of flushed chunks, == len(Chunks) once flushed
}

// ChunkFlushedFunc is invoked once per chunk as it's durably written.
type ChunkFlushedFunc func(chunkID uint64, ext types.Extent)

// Log is an append-only log of entries of type T (T must be
// JSON-marshalable; callers pass concrete structs, and this package
// encodes them itself with json-iterator's encoding/json-compatible
// config; no caller-supplied hooks are involved).
type Log[T any] struct {
	dev   *blockdev.Device
	alloc *extentalloc.Allocator

	entriesPerChunk int
	chunkBytes      int64

	mu      sync.Mutex
	phys    Phys
	pending []T

	// tailExtent is the extent backing the chunk currently being filled,
	// and tailUsed is how many bytes of it are claimed by flushed chunks so
	// far (so a partially-filled extent's unused tail can be freed and
	// replaced when the next chunk can't fit).
	tailExtent types.Extent
	tailUsed   int64
	hasTail    bool

	onFlush ChunkFlushedFunc
}

// EntriesPerChunk reports the configured entries-per-chunk batch size.
func (l *Log[T]) EntriesPerChunk() int { return l.entriesPerChunk }

// ChunkBytes reports the configured minimum extent-allocation chunk size.
func (l *Log[T]) ChunkBytes() int64 { return l.chunkBytes }

// New creates an empty log over dev/alloc.
func New[T any](dev *blockdev.Device, alloc *extentalloc.Allocator, entriesPerChunk int, chunkBytes int64, onFlush ChunkFlushedFunc) *Log[T] {
	return &Log[T]{
		dev: dev, alloc: alloc,
		entriesPerChunk: entriesPerChunk, chunkBytes: chunkBytes,
		onFlush: onFlush,
	}
}

// Open reconstructs a Log[T] from its persisted Phys, claiming its extents
// in the allocator (the extent allocator itself has no persisted form; see
// §4.C).
func Open[T any](dev *blockdev.Device, alloc *extentalloc.Allocator, phys Phys, entriesPerChunk int, chunkBytes int64, onFlush ChunkFlushedFunc) *Log[T] {
	l := New[T](dev, alloc, entriesPerChunk, chunkBytes, onFlush)
	l.phys = phys
	for _, ext := range phys.Chunks {
		alloc.Claim(ext)
	}
	return l
}

// Phys returns a snapshot of the persisted chunk map, safe to embed in an
// uberblock/checkpoint.
func (l *Log[T]) Phys() Phys {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := Phys{Chunks: make(map[uint64]types.Extent, len(l.phys.Chunks)), NextChunk: l.phys.NextChunk, NumChunks: l.phys.NumChunks}
	for k, v := range l.phys.Chunks {
		cp.Chunks[k] = v
	}
	return cp
}

// Append buffers entry for the next Flush.
func (l *Log[T]) Append(entry T) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending = append(l.pending, entry)
}

// HasPending reports whether there are buffered-but-unflushed entries.
func (l *Log[T]) HasPending() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending) > 0
}

type chunkPayload[T any] struct {
	Entries []T `json:"entries"`
}

// Flush writes all pending entries as one or more chunks.
func (l *Log[T]) Flush(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for len(l.pending) > 0 {
		n := l.entriesPerChunk
		if n > len(l.pending) {
			n = len(l.pending)
		}
		batch := l.pending[:n]

		raw, err := json.Marshal(chunkPayload[T]{Entries: batch})
		if err != nil {
			return zerr.Wrap(err, "marshal log chunk")
		}
		packed, err := blockdev.ChunkToRaw(raw, blockdev.EncodingJSON, blockdev.CompressionNone, l.dev.SectorSize())
		if err != nil {
			return err
		}

		ext, err := l.allocChunkLocked(int64(len(packed)))
		if err != nil {
			return err
		}
		if err := l.dev.WriteRaw(ctx, ext.Offset, packed); err != nil {
			return err
		}

		id := l.phys.NextChunk
		if l.phys.Chunks == nil {
			l.phys.Chunks = make(map[uint64]types.Extent)
		}
		l.phys.Chunks[id] = types.Extent{Offset: ext.Offset, Size: uint64(len(packed))}
		l.phys.NextChunk++
		l.phys.NumChunks++
		l.tailUsed = int64(ext.Offset-l.tailExtent.Offset) + int64(len(packed))

		l.pending = l.pending[n:]
		if l.onFlush != nil {
			l.onFlush(id, l.phys.Chunks[id])
		}
	}
	return nil
}

// allocChunkLocked returns an extent of at least need bytes within the
// current tail extent, allocating a fresh extent (freeing any unused tail
// of the old one) when it doesn't fit.
func (l *Log[T]) allocChunkLocked(need int64) (types.Extent, error) {
	if l.hasTail && l.tailUsed+need <= int64(l.tailExtent.Size) {
		return types.Extent{Offset: l.tailExtent.Offset + types.DiskLocation(l.tailUsed), Size: uint64(need)}, nil
	}
	if l.hasTail {
		unused := int64(l.tailExtent.Size) - l.tailUsed
		if unused > 0 {
			l.alloc.Free(types.Extent{Offset: l.tailExtent.Offset + types.DiskLocation(l.tailUsed), Size: uint64(unused)})
		}
	}
	size := l.chunkBytes
	if need > size {
		size = need
	}
	ext := l.alloc.Allocate(uint64(need), uint64(size))
	l.tailExtent = ext
	l.tailUsed = 0
	l.hasTail = true
	return types.Extent{Offset: ext.Offset, Size: uint64(need)}, nil
}

// Iter streams all durably-flushed entries in write order. Requires no
// pending entries (callers must Flush first).
func (l *Log[T]) Iter(ctx context.Context) ([]T, error) {
	l.mu.Lock()
	if len(l.pending) != 0 {
		l.mu.Unlock()
		zerr.Panic("blocklog: Iter called with pending entries")
	}
	ids := make([]uint64, 0, len(l.phys.Chunks))
	for id := range l.phys.Chunks {
		ids = append(ids, id)
	}
	chunks := l.phys.Chunks
	l.mu.Unlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var out []T
	for _, id := range ids {
		ext := chunks[id]
		raw, err := l.dev.ReadRaw(ctx, ext)
		if err != nil {
			return nil, err
		}
		payload, _, err := blockdev.ChunkFromRaw(raw)
		if err != nil {
			return nil, err
		}
		var cp chunkPayload[T]
		if err := json.Unmarshal(payload, &cp); err != nil {
			return nil, zerr.Wrap(err, "unmarshal log chunk")
		}
		out = append(out, cp.Entries...)
	}
	return out, nil
}

// Clear frees all extents backing the log and resets it to empty.
func (l *Log[T]) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ext := range l.phys.Chunks {
		l.alloc.Free(ext)
	}
	l.phys = Phys{}
	l.pending = nil
	l.hasTail = false
}
