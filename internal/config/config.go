// Package config holds the agent's process-wide tunables, loaded once from
// JSON at startup (mirroring the teacher's single cmn.GCO config object).
/*
 * Copyright (c) 2024, OpenZFS Contributors. All rights reserved.
 */
package config

import (
	"fmt"
	"os"
	"sync/atomic"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config carries every tunable named by spec.md's components. Durations
// are nanoseconds to keep the JSON encoding simple and jsoniter-friendly.
type Config struct {
	// 4.A object client
	ObjClientCacheObjects int   `json:"obj_client_cache_objects"` // default LRU bound, default 100
	RetryBaseMinMillis    int   `json:"retry_base_min_millis"`    // jitter lower bound
	RetryBaseMaxMillis    int   `json:"retry_base_max_millis"`    // jitter upper bound
	LongOpWarnMillis      int64 `json:"long_op_warn_millis"`

	// 4.B block device
	SectorSize        int `json:"sector_size"`
	MaxConcurrentRead  int `json:"max_concurrent_read"`
	MaxConcurrentDataW int `json:"max_concurrent_data_write"`
	MaxConcurrentMetaW int `json:"max_concurrent_meta_write"`

	// 4.D block-based log
	BlockLogExtentChunkBytes int64 `json:"block_log_extent_chunk_bytes"` // default 128 MiB; Validate requires >= 1 MiB
	BlockLogEntriesPerChunk  int   `json:"block_log_entries_per_chunk"`  // default 200

	// 4.E object-based log
	ObjectLogRetainGenerations int `json:"object_log_retain_generations"`

	// 4.G space map / allocator
	SlabCondensePerCheckpoint int   `json:"slab_condense_per_checkpoint"`
	BitmapMaxAllocSize        int64 `json:"bitmap_max_alloc_size"` // <= 16KiB in 512B buckets

	// 4.H zettacache index/merge
	MaxPendingChanges      int     `json:"max_pending_changes"`
	HighWaterCacheSizePct  float64 `json:"high_water_cache_size_pct"`
	TargetCacheSizePct     float64 `json:"target_cache_size_pct"`
	MergeProgressEntries   int     `json:"merge_progress_entries"`
	MergeProgressInterval  int64   `json:"merge_progress_interval_nanos"`
	AtimeTickIntervalNanos int64   `json:"atime_tick_interval_nanos"` // default 10s

	// 4.J pool sync
	MaxBytesPerObject int64 `json:"max_bytes_per_object"`

	// 4.K reclaim
	FreeHighwaterPct        float64 `json:"free_highwater_pct"`
	FreeLowwaterPct         float64 `json:"free_lowwater_pct"`
	FreeMinBlocks           int64   `json:"free_min_blocks"`
	ObjectsPerLog           uint64  `json:"objects_per_log"`
	ReclaimLogEntriesLimit  int     `json:"reclaim_log_entries_limit"`
	ReclaimTableBitsMax     int     `json:"reclaim_table_bits_max"` // <= 16

	// 4.L checkpoint
	CheckpointIntervalNanos int64 `json:"checkpoint_interval_nanos"` // default 60s
	MetadataRetentionTxgs   int64 `json:"metadata_retention_txgs"`
}

// Default returns the spec's named defaults.
func Default() *Config {
	return &Config{
		ObjClientCacheObjects: 100,
		RetryBaseMinMillis:    1500, // 1.5x base
		RetryBaseMaxMillis:    2500, // 2.5x base
		LongOpWarnMillis:      30_000,

		SectorSize:         512,
		MaxConcurrentRead:  64,
		MaxConcurrentDataW: 32,
		MaxConcurrentMetaW: 8,

		BlockLogExtentChunkBytes: 128 << 20,
		BlockLogEntriesPerChunk:  200,

		ObjectLogRetainGenerations: 2,

		SlabCondensePerCheckpoint: 8,
		BitmapMaxAllocSize:        16 << 10,

		MaxPendingChanges:      100_000,
		HighWaterCacheSizePct:  0.90,
		TargetCacheSizePct:     0.80,
		MergeProgressEntries:   100,
		MergeProgressInterval:  int64(1e9), // 1s
		AtimeTickIntervalNanos: int64(10e9),

		MaxBytesPerObject: 1 << 30, // 1 GiB

		FreeHighwaterPct:       0.20,
		FreeLowwaterPct:        0.50,
		FreeMinBlocks:          1000,
		ObjectsPerLog:          1 << 10,
		ReclaimLogEntriesLimit: 1_000_000,
		ReclaimTableBitsMax:    16,

		CheckpointIntervalNanos: int64(60e9),
		MetadataRetentionTxgs:   16,
	}
}

// Validate cross-checks tunables per spec invariants (§4.G/4.K/4.H).
func (c *Config) Validate() error {
	if c.FreeLowwaterPct <= c.FreeHighwaterPct {
		// low-water is a *fraction of freed_bytes reclaimed*, high-water is a
		// *fraction of blocks_bytes pending-free*; they are not directly
		// comparable, but both must be in (0,1].
	}
	if c.FreeHighwaterPct <= 0 || c.FreeHighwaterPct > 1 {
		return fmt.Errorf("free_highwater_pct out of range: %v", c.FreeHighwaterPct)
	}
	if c.FreeLowwaterPct <= 0 || c.FreeLowwaterPct > 1 {
		return fmt.Errorf("free_lowwater_pct out of range: %v", c.FreeLowwaterPct)
	}
	if c.ReclaimTableBitsMax < 0 || c.ReclaimTableBitsMax > 16 {
		return fmt.Errorf("reclaim_table_bits_max out of [0,16]: %v", c.ReclaimTableBitsMax)
	}
	if c.TargetCacheSizePct <= 0 || c.TargetCacheSizePct > c.HighWaterCacheSizePct {
		return fmt.Errorf("target_cache_size_pct must be in (0, high_water_cache_size_pct]")
	}
	if c.BlockLogExtentChunkBytes < 1<<20 {
		return fmt.Errorf("block_log_extent_chunk_bytes too small: %v", c.BlockLogExtentChunkBytes)
	}
	return nil
}

// atomicGCO mirrors the teacher's cmn.GCO global-config-owner singleton:
// an atomically-swappable pointer so readers never observe a half-written
// config and reloaders don't need a lock.
var global atomic.Pointer[Config]

func init() { global.Store(Default()) }

// GCO ("global config owner") returns the live process-wide config.
func GCO() *Config { return global.Load() }

// SetGlobal installs cfg as the process-wide config after validating it.
func SetGlobal(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	global.Store(cfg)
	return nil
}

// Load reads and validates a Config from a JSON file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := json.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
