// Package proto defines the wire types of the kernel<->agent request
// protocol (§6): a local-socket stream of length-prefixed packed
// name-value lists, one request/response pair per exchange. This package
// stops at the message shapes — the framing socket server itself is out
// of scope for this core.
/*
 * Copyright (c) 2024, OpenZFS Contributors. All rights reserved.
 */
package proto

import (
	"github.com/openzfs/zfs-object-agent/pool"
	"github.com/openzfs/zfs-object-agent/types"
)

// RequestType names the `Type` field every request/response carries.
type RequestType string

const (
	TypeCreatePool     RequestType = "create pool"
	TypeCreatePoolDone RequestType = "pool create done"

	TypeOpenPool       RequestType = "open pool"
	TypeOpenPoolDone   RequestType = "pool open done"
	TypeOpenPoolFailed RequestType = "pool open failed"

	TypeBeginTxg RequestType = "begin txg"

	TypeResumeTxg      RequestType = "resume txg"
	TypeResumeComplete RequestType = "resume complete"

	TypeWriteBlock     RequestType = "write block"
	TypeWriteBlockDone RequestType = "write done"

	TypeFreeBlock RequestType = "free block"

	TypeReadBlock     RequestType = "read block"
	TypeReadBlockDone RequestType = "read done"

	TypeFlushWrites RequestType = "flush writes"

	TypeEndTxg     RequestType = "end txg"
	TypeEndTxgDone RequestType = "end txg done"

	TypeClosePool     RequestType = "close pool"
	TypeClosePoolDone RequestType = "pool close done"

	TypeEnableFeature     RequestType = "enable feature"
	TypeEnableFeatureDone RequestType = "enable feature done"
)

// OpenFailCause enumerates §6's open-pool failure causes.
type OpenFailCause string

const (
	OpenFailMMP     OpenFailCause = "MMP"
	OpenFailFeature OpenFailCause = "feature"
	OpenFailIO      OpenFailCause = "IO"
)

// CreatePoolRequest is the `create pool` message.
type CreatePoolRequest struct {
	Type     RequestType    `json:"Type"`
	Region   string         `json:"region"`
	Endpoint string         `json:"endpoint"`
	Bucket   string         `json:"bucket"`
	Guid     types.PoolGuid `json:"GUID"`
	Name     string         `json:"name"`
}

type CreatePoolResponse struct {
	Type RequestType    `json:"Type"`
	Guid types.PoolGuid `json:"GUID"`
}

// OpenPoolRequest is the `open pool` message. TXG/Resume/Readonly are
// optional per §6's table.
type OpenPoolRequest struct {
	Type     RequestType    `json:"Type"`
	Region   string         `json:"region"`
	Endpoint string         `json:"endpoint"`
	Bucket   string         `json:"bucket"`
	Guid     types.PoolGuid `json:"GUID"`
	Txg      types.Txg      `json:"TXG,omitempty"`
	Resume   bool           `json:"resume,omitempty"`
	Readonly bool           `json:"readonly,omitempty"`
}

type OpenPoolResponse struct {
	Type      RequestType        `json:"Type"`
	Guid      types.PoolGuid     `json:"GUID"`
	Uberblock pool.UberblockPhys `json:"uberblock"`
	Config    map[string]any     `json:"config"`
	Features  map[string]int     `json:"features"`
	NextBlock types.BlockId      `json:"next_block"`
}

type OpenPoolFailedResponse struct {
	Type  RequestType   `json:"Type"`
	Guid  types.PoolGuid `json:"GUID"`
	Cause OpenFailCause `json:"cause"`
}

// BeginTxgRequest is the `begin txg` message (no response).
type BeginTxgRequest struct {
	Type RequestType    `json:"Type"`
	Guid types.PoolGuid `json:"GUID"`
	Txg  types.Txg      `json:"TXG"`
}

// ResumeTxgRequest is the `resume txg` message (no response).
type ResumeTxgRequest struct {
	Type RequestType    `json:"Type"`
	Guid types.PoolGuid `json:"GUID"`
	Txg  types.Txg      `json:"TXG"`
}

// ResumeCompleteRequest is a serial request: awaited by the server thread,
// blocking further reads on the connection until acknowledged (§6).
type ResumeCompleteRequest struct {
	Type RequestType    `json:"Type"`
	Guid types.PoolGuid `json:"GUID"`
}

type ResumeCompleteResponse struct {
	Type RequestType    `json:"Type"`
	Guid types.PoolGuid `json:"GUID"`
}

// WriteBlockRequest is the `write block` message.
type WriteBlockRequest struct {
	Type      RequestType    `json:"Type"`
	Guid      types.PoolGuid `json:"GUID"`
	Block     types.BlockId  `json:"block"`
	Data      []byte         `json:"data"`
	RequestId uint64         `json:"request_id"`
	Token     uint64         `json:"token"`
}

type WriteBlockResponse struct {
	Type      RequestType   `json:"Type"`
	Block     types.BlockId `json:"block"`
	RequestId uint64        `json:"request_id"`
	Token     uint64        `json:"token"`
}

// FreeBlockRequest is the `free block` message (no response).
type FreeBlockRequest struct {
	Type  RequestType    `json:"Type"`
	Guid  types.PoolGuid `json:"GUID"`
	Block types.BlockId  `json:"block"`
	Size  uint64         `json:"size"`
}

// ReadBlockRequest is the `read block` message. Heal requests a
// read-repair write-back if the cached copy turns out to be wrong.
type ReadBlockRequest struct {
	Type      RequestType    `json:"Type"`
	Guid      types.PoolGuid `json:"GUID"`
	Block     types.BlockId  `json:"block"`
	RequestId uint64         `json:"request_id"`
	Token     uint64         `json:"token"`
	Heal      bool           `json:"heal,omitempty"`
}

type ReadBlockResponse struct {
	Type      RequestType   `json:"Type"`
	Block     types.BlockId `json:"block"`
	RequestId uint64        `json:"request_id"`
	Token     uint64        `json:"token"`
	Data      []byte        `json:"data"`
}

// FlushWritesRequest is the `flush writes` message (no response):
// triggers flushing the pending data object once every block <= Block
// has been buffered.
type FlushWritesRequest struct {
	Type  RequestType    `json:"Type"`
	Guid  types.PoolGuid `json:"GUID"`
	Block types.BlockId  `json:"block"`
}

// EndTxgRequest is the `end txg` message.
type EndTxgRequest struct {
	Type      RequestType        `json:"Type"`
	Guid      types.PoolGuid     `json:"GUID"`
	Uberblock pool.UberblockPhys `json:"uberblock"`
	Config    map[string]any     `json:"config"`
}

type EndTxgResponse struct {
	Type              RequestType    `json:"Type"`
	Guid              types.PoolGuid `json:"GUID"`
	BlocksCount       uint64         `json:"blocks_count"`
	BlocksBytes       uint64         `json:"blocks_bytes"`
	PendingFreesCount uint64         `json:"pending_frees_count"`
	PendingFreesBytes uint64         `json:"pending_frees_bytes"`
	ObjectsCount      uint64         `json:"objects_count"`
	Features          map[string]int `json:"features"`
}

// ClosePoolRequest is a serial request (§6).
type ClosePoolRequest struct {
	Type    RequestType    `json:"Type"`
	Guid    types.PoolGuid `json:"GUID"`
	Destroy bool           `json:"destroy"`
}

type ClosePoolResponse struct {
	Type RequestType    `json:"Type"`
	Guid types.PoolGuid `json:"GUID"`
}

// EnableFeatureRequest is the `enable feature` message.
type EnableFeatureRequest struct {
	Type    RequestType `json:"Type"`
	Feature string      `json:"feature"`
}

type EnableFeatureResponse struct {
	Type    RequestType `json:"Type"`
	Feature string      `json:"feature"`
}
