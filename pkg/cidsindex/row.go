package cidsindex

import (
	"bytes"
	"encoding/binary"

	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/multiformats/go-multihash"
)

var log = logging.Logger("cidsindex")

// RowSize is the on-disk size of a Row.
const RowSize = 40

// KeySize is the size of a blake2b-256 digest.
const KeySize = 32

// CborBlakePrefix is the binary prefix of a CIDv1 dag-cbor blake2b-256 cid.
var CborBlakePrefix = []byte{0x01, 0x71, 0xA0, 0xE4, 0x02, 0x20}

// Key is the blake2b-256 digest of a dag-cbor cid.
type Key [KeySize]byte

// Row locates one CAR item. MaxSize64 == 0 marks a meta row.
type Row struct {
	Key       Key
	Offset    uint64 // 40 bits
	MaxSize64 uint32 // 24 bits
}

var (
	HeaderV0  = Row{Offset: 1}
	TrailerV0 = Row{Offset: 2}
)

func (r Row) IsMeta() bool {
	return r.MaxSize64 == 0
}

// MaxSize is the upper bound of the item size.
func (r Row) MaxSize() uint64 {
	return uint64(r.MaxSize64) * 64
}

// MaxSize64 returns ceil(size / 64).
func MaxSize64(size uint64) uint32 {
	return uint32((size + 63) / 64)
}

func (r Row) encode(buf []byte) {
	copy(buf[:KeySize], r.Key[:])
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], r.Offset)
	copy(buf[32:37], tmp[3:])
	binary.BigEndian.PutUint32(tmp[:4], r.MaxSize64)
	copy(buf[37:40], tmp[1:4])
}

// Bytes returns the 40 byte encoding of the row.
func (r Row) Bytes() []byte {
	buf := make([]byte, RowSize)
	r.encode(buf)
	return buf
}

func decodeRow(buf []byte) Row {
	var r Row
	copy(r.Key[:], buf[:KeySize])
	var tmp [8]byte
	copy(tmp[3:], buf[32:37])
	r.Offset = binary.BigEndian.Uint64(tmp[:])
	tmp = [8]byte{}
	copy(tmp[1:4], buf[37:40])
	r.MaxSize64 = binary.BigEndian.Uint32(tmp[:4])
	return r
}

// Compare orders rows by their binary encoding.
func (r Row) Compare(o Row) int {
	if c := bytes.Compare(r.Key[:], o.Key[:]); c != 0 {
		return c
	}
	switch {
	case r.Offset < o.Offset:
		return -1
	case r.Offset > o.Offset:
		return 1
	case r.MaxSize64 < o.MaxSize64:
		return -1
	case r.MaxSize64 > o.MaxSize64:
		return 1
	}
	return 0
}

func (r Row) Less(o Row) bool {
	return r.Compare(o) < 0
}

func (k Key) Less(o Key) bool {
	return bytes.Compare(k[:], o[:]) < 0
}

// AsBlake returns the index key of c when c is a dag-cbor blake2b-256 cid.
func AsBlake(c cid.Cid) (Key, bool) {
	var key Key
	if !c.Defined() {
		return key, false
	}
	b := c.Bytes()
	if len(b) != len(CborBlakePrefix)+KeySize || !bytes.HasPrefix(b, CborBlakePrefix) {
		return key, false
	}
	copy(key[:], b[len(CborBlakePrefix):])
	return key, true
}

// KeyCid rebuilds the cid of an index key.
func KeyCid(key Key) cid.Cid {
	mh, err := multihash.Encode(key[:], multihash.BLAKE2B_MIN+31)
	if err != nil {
		panic(err)
	}
	return cid.NewCidV1(cid.DagCBOR, mh)
}

// RowsInfo accumulates validity facts while rows are read in order.
type RowsInfo struct {
	Valid     bool
	Sorted    bool
	Count     int
	MaxOffset Row
	MaxKey    Key
}

func NewRowsInfo() RowsInfo {
	return RowsInfo{Valid: true, Sorted: true}
}

// Feed checks the next row; rows must be non-meta with strictly increasing keys.
func (info *RowsInfo) Feed(row Row) *RowsInfo {
	info.Valid = info.Valid && !row.IsMeta()
	if info.Valid {
		info.Sorted = info.Count == 0 || info.MaxKey.Less(row.Key)
		info.Valid = info.Sorted
		info.Count++
		if row.Offset > info.MaxOffset.Offset {
			info.MaxOffset = row
		}
		if info.MaxKey.Less(row.Key) {
			info.MaxKey = row.Key
		}
	}
	return info
}
