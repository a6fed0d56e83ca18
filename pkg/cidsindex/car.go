package cidsindex

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"sort"

	"github.com/ipfs/go-cid"
	car "github.com/ipld/go-car"
	carutil "github.com/ipld/go-car/util"
	"github.com/multiformats/go-multihash"
	"github.com/multiformats/go-varint"
	"golang.org/x/xerrors"

	blocks "github.com/ipfs/go-block-format"

	blockstoreutil "github.com/filecoin-project/venus-core/venus-shared/blockstore"
)

// ReadCarItem checks that the item at row.Offset holds row.Key and returns
// the value size and the end offset of the item.
func ReadCarItem(r io.ReaderAt, row Row) (bool, uint64, uint64) {
	var buf [varint.MaxLenUvarint63 + 6 + KeySize]byte
	n, err := r.ReadAt(buf[:], int64(row.Offset))
	if err != nil && err != io.EOF {
		return false, 0, 0
	}
	b := buf[:n]
	length, vlen, err := varint.FromUvarint(b)
	if err != nil {
		return false, 0, 0
	}
	b = b[vlen:]
	if len(b) < len(CborBlakePrefix)+KeySize || !bytes.HasPrefix(b, CborBlakePrefix) {
		return false, 0, 0
	}
	if !bytes.Equal(b[len(CborBlakePrefix):len(CborBlakePrefix)+KeySize], row.Key[:]) {
		return false, 0, 0
	}
	if length < uint64(len(CborBlakePrefix)+KeySize) {
		return false, 0, 0
	}
	end := row.Offset + uint64(vlen) + length
	return true, length - uint64(len(CborBlakePrefix)+KeySize), end
}

// encodeItem frames a blake keyed value as a CAR item.
func encodeItem(key Key, value []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(varint.MaxLenUvarint63 + len(CborBlakePrefix) + KeySize + len(value))
	if err := carutil.LdWrite(&buf, CborBlakePrefix, key[:], value); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// decodeItem returns the value of an item produced by encodeItem.
func decodeItem(item []byte) ([]byte, error) {
	length, vlen, err := varint.FromUvarint(item)
	if err != nil {
		return nil, err
	}
	item = item[vlen:]
	if uint64(len(item)) < length || length < uint64(len(CborBlakePrefix)+KeySize) {
		return nil, xerrors.Errorf("car item truncated")
	}
	if !bytes.HasPrefix(item, CborBlakePrefix) {
		return nil, xerrors.Errorf("car item is not cbor blake")
	}
	return item[len(CborBlakePrefix)+KeySize : length], nil
}

// WriteEmptyCar writes a CAR v1 header without roots.
func WriteEmptyCar(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := car.WriteHeader(&car.CarHeader{Roots: []cid.Cid{}, Version: 1}, f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// readHeaderEnd validates the CAR header and returns the offset of the first item.
func readHeaderEnd(f *os.File) (uint64, error) {
	br := bufio.NewReader(io.NewSectionReader(f, 0, 1<<62))
	length, err := varint.ReadUvarint(br)
	if err != nil {
		return 0, xerrors.Errorf("read car header: %w", err)
	}

	hdr, err := car.ReadHeader(bufio.NewReader(io.NewSectionReader(f, 0, 1<<62)))
	if err != nil {
		return 0, xerrors.Errorf("read car header: %w", err)
	}
	if hdr.Version != 1 {
		return 0, xerrors.Errorf("unsupported car version %d", hdr.Version)
	}
	return uint64(varint.UvarintSize(length)) + length, nil
}

// ReadCar indexes CAR items in [carMin, carMax). Blake keyed items become
// rows written to rowsFile in sorted runs of at most maxMemory bytes; other
// items go to fallback. The returned ranges cover the runs.
func ReadCar(ctx context.Context, carFile io.ReaderAt, carMin, carMax uint64, maxMemory uint64, fallback blockstoreutil.Blockstore, rowsFile *os.File) ([]*MergeRange, int, error) {
	if carMin > carMax {
		return nil, 0, xerrors.Errorf("read car: bad range %d-%d", carMin, carMax)
	}

	capacity := 0
	if maxMemory != 0 {
		m := maxMemory
		if m < 16<<20 {
			m = 16 << 20
		}
		if m > 512<<20 {
			m = 512 << 20
		}
		capacity = int(m / RowSize)
	}

	br := bufio.NewReaderSize(io.NewSectionReader(carFile, int64(carMin), int64(carMax-carMin)), 64<<10)
	w := bufio.NewWriterSize(rowsFile, 64<<10)
	if _, err := w.Write(HeaderV0.Bytes()); err != nil {
		return nil, 0, err
	}

	var (
		ranges []*MergeRange
		rows   []Row
		total  int
		items  int
		offset = carMin
		buf    = make([]byte, RowSize)
	)
	flush := func() error {
		if len(rows) == 0 {
			return nil
		}
		sort.Slice(rows, func(i, j int) bool { return rows[i].Less(rows[j]) })
		ranges = append(ranges, FileRange(rowsFile, 1+total-len(rows), 1+total))
		for _, row := range rows {
			row.encode(buf)
			if _, err := w.Write(buf); err != nil {
				return err
			}
		}
		rows = rows[:0]
		return nil
	}

	for offset < carMax {
		length, err := varint.ReadUvarint(br)
		if err != nil {
			break
		}
		item := make([]byte, length)
		if _, err := io.ReadFull(br, item); err != nil {
			break
		}
		size := uint64(varint.UvarintSize(length)) + length

		if bytes.HasPrefix(item, CborBlakePrefix) && len(item) >= len(CborBlakePrefix)+KeySize {
			var key Key
			copy(key[:], item[len(CborBlakePrefix):])
			rows = append(rows, Row{Key: key, Offset: offset, MaxSize64: MaxSize64(size)})
			total++
		} else if fallback != nil {
			n, c, err := cid.CidFromBytes(item)
			if err != nil {
				return nil, 0, xerrors.Errorf("read car item at %d: %w", offset, err)
			}
			if c.Prefix().MhType != multihash.IDENTITY {
				blk, err := blocks.NewBlockWithCid(item[n:], c)
				if err != nil {
					return nil, 0, err
				}
				if err := fallback.Put(ctx, blk); err != nil {
					return nil, 0, err
				}
			}
		}
		offset += size
		items++

		if capacity != 0 && len(rows) >= capacity {
			if err := flush(); err != nil {
				return nil, 0, err
			}
		}
		if items%100000 == 0 {
			log.Infow("indexing car", "items", items, "offset", offset-carMin, "size", carMax-carMin)
		}
	}

	if err := flush(); err != nil {
		return nil, 0, err
	}
	if _, err := w.Write(TrailerV0.Bytes()); err != nil {
		return nil, 0, err
	}
	if err := w.Flush(); err != nil {
		return nil, 0, err
	}
	return ranges, total, nil
}
