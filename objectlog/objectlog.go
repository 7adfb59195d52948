// Package objectlog implements the object-based log (§4.E): an
// append-only log of fixed-entry-type records stored as numbered cloud
// objects "<name>/<generation>/<chunk>", with parallel chunk puts that
// Flush waits on, generation-scoped clearing and crash-recovery cleanup.
/*
 * Copyright (c) 2024, OpenZFS Contributors. All rights reserved.
 */
package objectlog

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/sync/errgroup"

	"github.com/openzfs/zfs-object-agent/internal/nlog"
	"github.com/openzfs/zfs-object-agent/internal/zerr"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ObjClient is the subset of objclient.Client this package needs.
type ObjClient interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	ListObjects(ctx context.Context, prefix, startAfter string, delimited bool) ([]string, error)
	DeleteObjects(ctx context.Context, keys <-chan string) error
}

// Phys identifies where a Log[T]'s current generation lives and how many
// chunks have been flushed in it.
type Phys struct {
	Generation uint64 `json:"generation"`
	NumChunks  uint64 `json:"num_chunks"`
}

type chunkPayload[T any] struct {
	Entries []T `json:"entries"`
}

// Log is an append-only log of entries of type T, each generation/chunk
// stored as one cloud object named name/<generation>/<chunk>.
type Log[T any] struct {
	client ObjClient
	name   string

	entriesPerChunk int
	retainGens      int

	mu      sync.Mutex
	phys    Phys
	pending []T

	bgWG sync.WaitGroup
	bgMu sync.Mutex
	bgErr error
}

// New creates an empty log named name.
func New[T any](client ObjClient, name string, entriesPerChunk, retainGenerations int) *Log[T] {
	return &Log[T]{client: client, name: name, entriesPerChunk: entriesPerChunk, retainGens: retainGenerations}
}

// Open reconstructs a log from its persisted Phys and performs crash
// recovery: deletes any chunk objects at or past NumChunks in the current
// generation, and any objects in generation+1 (both originate from a
// partial txg, §4.E).
func Open[T any](ctx context.Context, client ObjClient, name string, phys Phys, entriesPerChunk, retainGenerations int) (*Log[T], error) {
	l := New[T](client, name, entriesPerChunk, retainGenerations)
	l.phys = phys

	keys, err := client.ListObjects(ctx, l.genPrefix(phys.Generation), "", false)
	if err != nil {
		return nil, err
	}
	nextGenKeys, err := client.ListObjects(ctx, l.genPrefix(phys.Generation+1), "", false)
	if err != nil {
		return nil, err
	}
	toDelete := make(chan string, len(keys)+len(nextGenKeys))
	for _, k := range keys {
		chunk, ok := parseChunkID(k, l.genPrefix(phys.Generation))
		if ok && chunk >= phys.NumChunks {
			toDelete <- k
		}
	}
	for _, k := range nextGenKeys {
		toDelete <- k
	}
	close(toDelete)
	if err := client.DeleteObjects(ctx, toDelete); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Log[T]) genPrefix(gen uint64) string {
	return fmt.Sprintf("%s/%d/", l.name, gen)
}

func (l *Log[T]) chunkKey(gen, chunk uint64) string {
	return fmt.Sprintf("%s/%d/%d", l.name, gen, chunk)
}

func parseChunkID(key, prefix string) (uint64, bool) {
	if !strings.HasPrefix(key, prefix) {
		return 0, false
	}
	n, err := strconv.ParseUint(strings.TrimPrefix(key, prefix), 10, 64)
	return n, err == nil
}

// Phys returns a snapshot safe to embed in an uberblock.
func (l *Log[T]) Phys() Phys {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.phys
}

// Append buffers entry for the next Flush.
func (l *Log[T]) Append(entry T) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending = append(l.pending, entry)
}

// Flush writes pending entries as new chunk objects and waits for them to
// land, per §4.E "Flushes in background with join-all on next
// flush/clear" — Flush itself is the join point.
func (l *Log[T]) Flush(ctx context.Context) error {
	l.bgWG.Wait() // join any background puts from a prior Flush
	l.bgMu.Lock()
	prevErr := l.bgErr
	l.bgErr = nil
	l.bgMu.Unlock()
	if prevErr != nil {
		return prevErr
	}

	l.mu.Lock()
	pending := l.pending
	l.pending = nil
	gen := l.phys.Generation
	nextChunk := l.phys.NumChunks
	l.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	chunkID := nextChunk
	for i := 0; i < len(pending); i += l.entriesPerChunk {
		end := i + l.entriesPerChunk
		if end > len(pending) {
			end = len(pending)
		}
		batch := pending[i:end]
		id := chunkID
		chunkID++
		g.Go(func() error {
			raw, err := json.Marshal(chunkPayload[T]{Entries: batch})
			if err != nil {
				return zerr.Wrap(err, "marshal object-log chunk")
			}
			return l.client.Put(gctx, l.chunkKey(gen, id), raw)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	l.mu.Lock()
	l.phys.NumChunks = chunkID
	l.mu.Unlock()
	return nil
}

// Clear increments the generation, abandoning the current one (cleaned up
// lazily by CleanupOld once it falls below the retention floor).
func (l *Log[T]) Clear(_ context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.phys = Phys{Generation: l.phys.Generation + 1}
	l.pending = nil
}

// Iter streams every entry across all chunks of the current generation.
func (l *Log[T]) Iter(ctx context.Context) ([]T, error) {
	l.mu.Lock()
	gen := l.phys.Generation
	numChunks := l.phys.NumChunks
	l.mu.Unlock()

	var (
		mu  sync.Mutex
		out = make([][]T, numChunks)
	)
	g, gctx := errgroup.WithContext(ctx)
	for i := uint64(0); i < numChunks; i++ {
		id := i
		g.Go(func() error {
			raw, err := l.client.Get(gctx, l.chunkKey(gen, id))
			if err != nil {
				return err
			}
			var cp chunkPayload[T]
			if err := json.Unmarshal(raw, &cp); err != nil {
				return zerr.Wrap(err, "unmarshal object-log chunk")
			}
			mu.Lock()
			out[id] = cp.Entries
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var entries []T
	for _, chunk := range out {
		entries = append(entries, chunk...)
	}
	return entries, nil
}

// CleanupOld deletes chunk objects belonging to generations strictly less
// than keepFloor (a periodic background task per §4.E).
func (l *Log[T]) CleanupOld(ctx context.Context, keepFloor uint64) error {
	prefixes, err := l.client.ListObjects(ctx, l.name+"/", "", false)
	if err != nil {
		return err
	}
	gens := map[uint64]bool{}
	for _, p := range prefixes {
		trimmed := strings.TrimPrefix(p, l.name+"/")
		trimmed = strings.SplitN(trimmed, "/", 2)[0]
		if n, err := strconv.ParseUint(trimmed, 10, 64); err == nil {
			gens[n] = true
		}
	}
	var stale []uint64
	for g := range gens {
		if g < keepFloor {
			stale = append(stale, g)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i] < stale[j] })

	for _, g := range stale {
		keys, err := l.client.ListObjects(ctx, l.genPrefix(g), "", false)
		if err != nil {
			return err
		}
		ch := make(chan string, len(keys))
		for _, k := range keys {
			ch <- k
		}
		close(ch)
		if err := l.client.DeleteObjects(ctx, ch); err != nil {
			return err
		}
		nlog.Infof("objectlog: cleaned up %s generation %d (%d objects)", l.name, g, len(keys))
	}
	return nil
}
