package pool

import (
	"github.com/tinylib/msgp/msgp"

	"github.com/openzfs/zfs-object-agent/internal/zerr"
	"github.com/openzfs/zfs-object-agent/types"
)

// MarshalMsg and UnmarshalMsg implement msgp.Marshaler/Unmarshaler for
// DataObjectPhys by hand, in the shape `msgp` codegen produces: a
// map-header-prefixed sequence of field name/value pairs. DataObjectPhys
// is the only type in this package encoded with msgp (the other phys
// types are JSON), and its map[BlockId][]byte field isn't representable as a plain
// struct tag the generator handles without a custom hook, so the hand
// version stays close to msgp's own Append/Read primitives rather than
// introducing an msgp.Extension.

func (d *DataObjectPhys) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.AppendMapHeader(b, 8)
	o = msgp.AppendString(o, "guid")
	o = msgp.AppendUint64(o, uint64(d.Guid))
	o = msgp.AppendString(o, "object")
	o = msgp.AppendUint64(o, uint64(d.Object))
	o = msgp.AppendString(o, "min_block")
	o = msgp.AppendUint64(o, uint64(d.MinBlock))
	o = msgp.AppendString(o, "next_block")
	o = msgp.AppendUint64(o, uint64(d.NextBlock))
	o = msgp.AppendString(o, "min_txg")
	o = msgp.AppendUint64(o, uint64(d.MinTxg))
	o = msgp.AppendString(o, "max_txg")
	o = msgp.AppendUint64(o, uint64(d.MaxTxg))
	o = msgp.AppendString(o, "blocks_size")
	o = msgp.AppendUint64(o, d.BlocksSize)
	o = msgp.AppendString(o, "blocks")
	o = msgp.AppendMapHeader(o, uint32(len(d.Blocks)))
	for blk, data := range d.Blocks {
		o = msgp.AppendUint64(o, uint64(blk))
		o = msgp.AppendBytes(o, data)
	}
	return o, nil
}

func (d *DataObjectPhys) UnmarshalMsg(b []byte) ([]byte, error) {
	n, b, err := msgp.ReadMapHeaderBytes(b)
	if err != nil {
		return nil, zerr.Wrap(err, "data object phys: map header")
	}
	for i := uint32(0); i < n; i++ {
		var field string
		field, b, err = msgp.ReadStringBytes(b)
		if err != nil {
			return nil, zerr.Wrap(err, "data object phys: field name")
		}
		switch field {
		case "guid":
			var v uint64
			v, b, err = msgp.ReadUint64Bytes(b)
			d.Guid = types.PoolGuid(v)
		case "object":
			var v uint64
			v, b, err = msgp.ReadUint64Bytes(b)
			d.Object = types.ObjectId(v)
		case "min_block":
			var v uint64
			v, b, err = msgp.ReadUint64Bytes(b)
			d.MinBlock = types.BlockId(v)
		case "next_block":
			var v uint64
			v, b, err = msgp.ReadUint64Bytes(b)
			d.NextBlock = types.BlockId(v)
		case "min_txg":
			var v uint64
			v, b, err = msgp.ReadUint64Bytes(b)
			d.MinTxg = types.Txg(v)
		case "max_txg":
			var v uint64
			v, b, err = msgp.ReadUint64Bytes(b)
			d.MaxTxg = types.Txg(v)
		case "blocks_size":
			d.BlocksSize, b, err = msgp.ReadUint64Bytes(b)
		case "blocks":
			var cnt uint32
			cnt, b, err = msgp.ReadMapHeaderBytes(b)
			if err != nil {
				break
			}
			d.Blocks = make(map[types.BlockId][]byte, cnt)
			for j := uint32(0); j < cnt; j++ {
				var key uint64
				key, b, err = msgp.ReadUint64Bytes(b)
				if err != nil {
					break
				}
				var data []byte
				data, b, err = msgp.ReadBytesBytes(b, nil)
				if err != nil {
					break
				}
				d.Blocks[types.BlockId(key)] = data
			}
		default:
			b, err = msgp.Skip(b)
		}
		if err != nil {
			return nil, zerr.Wrap(err, "data object phys: field "+field)
		}
	}
	return b, nil
}

// Msgsize estimates the encoded size, used by callers to size buffers.
func (d *DataObjectPhys) Msgsize() int {
	s := 1 + 5 + 9 + 7 + 9 + 10 + 9 + 11 + 9 + 8 + 9 + 8 + 9 + 12 + 9 + 7 + 9 + 5
	for _, data := range d.Blocks {
		s += 9 + 5 + len(data)
	}
	return s
}
