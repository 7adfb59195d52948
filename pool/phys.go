// Package pool implements the pool sync engine (§4.J): TXG lifecycle,
// write batching into data objects, the object block map, the reclaim
// engine, and pool-side checkpoint/cleanup.
/*
 * Copyright (c) 2024, OpenZFS Contributors. All rights reserved.
 */
package pool

import (
	"strconv"

	"github.com/openzfs/zfs-object-agent/objectlog"
	"github.com/openzfs/zfs-object-agent/types"
)

// PoolPhys is the super object: the unique entry point for a pool (§3).
// If LastTxg == 0 the pool is new and has no uberblocks.
type PoolPhys struct {
	Guid             types.PoolGuid `json:"guid"`
	Name             string         `json:"name"`
	LastTxg          types.Txg      `json:"last_txg"`
	Destroying       bool           `json:"destroying"`
	DestroyingResume types.ObjectId `json:"destroying_resume,omitempty"`
}

// superKey is the well-known object name for a pool's PoolPhys.
func superKey(guid types.PoolGuid) string {
	return keyPrefix(guid) + "super"
}

func keyPrefix(guid types.PoolGuid) string {
	return "zfs/" + strconv.FormatUint(uint64(guid), 10) + "/"
}

// ReclaimInfoPhys is the persisted state of the reclaim subsystem: the
// extendible hash table and every reclaim log's phys (§3, §4.K).
type ReclaimInfoPhys struct {
	TableBits int                             `json:"table_bits"`
	Table     []ReclaimLogId                  `json:"table"` // len == 2^TableBits
	Logs      map[ReclaimLogId]ReclaimLogPhys `json:"logs"`
}

// ReclaimLogId names one reclaim log by its stable prefix/depth pair.
type ReclaimLogId struct {
	NumBits int    `json:"num_bits"`
	Prefix  uint64 `json:"prefix"` // NumBits significant bits, MSB-first
}

// ReclaimLogPhys is one reclaim log's durable state: its pending-frees log,
// its object-size log, and the running byte total used to pick reclaim
// candidates (§3, §4.K).
type ReclaimLogPhys struct {
	PendingFreesLog  objectlog.Phys `json:"pending_frees_log"`
	ObjectSizeLog    objectlog.Phys `json:"object_size_log"`
	PendingFreeBytes uint64         `json:"pending_free_bytes"`
	Busy             bool           `json:"busy"`
}

// FreeEntry is one pending-frees log record.
type FreeEntry struct {
	Object types.ObjectId `json:"object"`
	Block  types.BlockId  `json:"block"`
	Size   uint64         `json:"size"`
}

// ObjectSizeKind distinguishes the two object-size log record shapes.
type ObjectSizeKind int

const (
	ObjectExists ObjectSizeKind = iota
	ObjectFreed
)

// ObjectSizeEntry is one object-size log record (§3).
type ObjectSizeEntry struct {
	Kind      ObjectSizeKind `json:"kind"`
	Object    types.ObjectId `json:"object"`
	NumBlocks uint64         `json:"num_blocks,omitempty"`
	NumBytes  uint64         `json:"num_bytes,omitempty"`
}

// UberblockPhys is the per-(guid,txg) durable sync record (§3).
type UberblockPhys struct {
	Guid    types.PoolGuid `json:"guid"`
	Txg     types.Txg      `json:"txg"`
	NextBlock types.BlockId `json:"next_block"`

	StorageObjectLog objectlog.Phys  `json:"storage_object_log"`
	Reclaim          ReclaimInfoPhys `json:"reclaim"`

	ObjectsToDelete []types.ObjectId `json:"objects_to_delete"`

	Stats    Stats           `json:"stats"`
	Features map[string]int  `json:"features"` // name -> refcount

	KernelUberblock []byte `json:"kernel_uberblock"`
	ConfigNvlist    []byte `json:"config_nvlist"`
}

// Stats holds pool-wide counters carried in the uberblock (§4.J, §9). The
// Engine does not update them, and they are not exported as metrics.
type Stats struct {
	BlocksWritten uint64 `json:"blocks_written"`
	BytesWritten  uint64 `json:"bytes_written"`
	BlocksFreed   uint64 `json:"blocks_freed"`
	BytesFreed    uint64 `json:"bytes_freed"`
	ObjectsReclaimed uint64 `json:"objects_reclaimed"`
}

// DataObjectPhys is one data object's contents, keyed
// zfs/<guid>/data/<object%64>/<object> (§3). Encoded compactly via msgp
// rather than JSON: data objects are on the hot write/reclaim path and
// carry raw block bytes, where JSON's base64 blow-up and field-name
// repetition cost real bandwidth against the object store.
//
//go:generate msgp
type DataObjectPhys struct {
	Guid      types.PoolGuid           `msg:"guid"`
	Object    types.ObjectId           `msg:"object"`
	MinBlock  types.BlockId            `msg:"min_block"`
	NextBlock types.BlockId            `msg:"next_block"`
	MinTxg    types.Txg                `msg:"min_txg"`
	MaxTxg    types.Txg                `msg:"max_txg"`
	Blocks    map[types.BlockId][]byte `msg:"blocks"`
	BlocksSize uint64                  `msg:"blocks_size"`
}

// DataObjectKey names a data object's storage-tier key.
func DataObjectKey(guid types.PoolGuid, object types.ObjectId) string {
	return keyPrefix(guid) + "data/" + strconv.FormatUint(uint64(object)%64, 10) + "/" + strconv.FormatUint(uint64(object), 10)
}

// UberblockKey names an uberblock's storage-tier key.
func UberblockKey(guid types.PoolGuid, txg types.Txg) string {
	return keyPrefix(guid) + "uberblock/" + strconv.FormatUint(uint64(txg), 10)
}
