// Package blockdev implements the cache block device (§4.B): aligned
// direct I/O on a raw device and the typed chunk codec used to store
// length-prefixed, checksummed, optionally-compressed values.
/*
 * Copyright (c) 2024, OpenZFS Contributors. All rights reserved.
 */
package blockdev

import (
	"bytes"

	"github.com/OneOfOne/xxhash"
	jsoniter "github.com/json-iterator/go"
	lz4 "github.com/pierrec/lz4/v3"

	"github.com/openzfs/zfs-object-agent/internal/zerr"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Encoding selects how the payload bytes were produced before compression.
type Encoding int

const (
	EncodingJSON Encoding = iota
	EncodingCompactBinary
)

// Compression selects the payload compression scheme.
type Compression int

const (
	CompressionNone Compression = iota
	CompressionLZ4
)

// chunkHeader is the JSON header prefixed to every raw chunk: "[JSON
// header \0 payload padded-to-sector]" per §4.B.
type chunkHeader struct {
	PayloadSize int         `json:"payload_size"`
	Encoding    Encoding    `json:"encoding"`
	Compression Compression `json:"compression"`
	Hash        uint64      `json:"hash"`
}

// ChunkToRaw packs value (already encoded into payload bytes by the caller
// via enc/compression choice) into "[header \0 padded-payload]", padded to
// sectorSize.
func ChunkToRaw(payload []byte, enc Encoding, comp Compression, sectorSize int) ([]byte, error) {
	h := xxhash.Checksum64(payload)

	stored := payload
	if comp == CompressionLZ4 {
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(payload); err != nil {
			return nil, zerr.Wrap(err, "lz4 compress")
		}
		if err := w.Close(); err != nil {
			return nil, zerr.Wrap(err, "lz4 compress close")
		}
		stored = buf.Bytes()
	}

	hdr := chunkHeader{PayloadSize: len(payload), Encoding: enc, Compression: comp, Hash: h}
	hdrBytes, err := json.Marshal(hdr)
	if err != nil {
		return nil, zerr.Wrap(err, "marshal chunk header")
	}

	out := make([]byte, 0, len(hdrBytes)+1+len(stored))
	out = append(out, hdrBytes...)
	out = append(out, 0)
	out = append(out, stored...)

	if sectorSize > 0 {
		if rem := len(out) % sectorSize; rem != 0 {
			out = append(out, make([]byte, sectorSize-rem)...)
		}
	}
	return out, nil
}

// ChunkFromRaw validates the checksum and decompresses, returning the
// original payload bytes plus the encoding used to produce them.
func ChunkFromRaw(raw []byte) ([]byte, Encoding, error) {
	nul := bytes.IndexByte(raw, 0)
	if nul < 0 {
		return nil, 0, zerr.NewChecksumError("", 0, zerr.ErrProtocol)
	}
	var hdr chunkHeader
	if err := json.Unmarshal(raw[:nul], &hdr); err != nil {
		return nil, 0, zerr.Wrap(err, "unmarshal chunk header")
	}
	stored := raw[nul+1:]

	var payload []byte
	switch hdr.Compression {
	case CompressionNone:
		if len(stored) < hdr.PayloadSize {
			return nil, 0, zerr.NewChecksumError("", 0, zerr.ErrProtocol)
		}
		payload = stored[:hdr.PayloadSize]
	case CompressionLZ4:
		r := lz4.NewReader(bytes.NewReader(stored))
		buf := make([]byte, hdr.PayloadSize)
		if _, err := fillFull(r, buf); err != nil {
			return nil, 0, zerr.Wrap(err, "lz4 decompress")
		}
		payload = buf
	default:
		return nil, 0, zerr.NewChecksumError("", 0, zerr.ErrProtocol)
	}

	if xxhash.Checksum64(payload) != hdr.Hash {
		return nil, 0, zerr.NewChecksumError("", 0, zerr.ErrChecksum)
	}
	return payload, hdr.Encoding, nil
}

func fillFull(r interface{ Read([]byte) (int, error) }, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			if n > 0 && total == len(buf) {
				return total, nil
			}
			return total, err
		}
		if n == 0 {
			break
		}
	}
	return total, nil
}
