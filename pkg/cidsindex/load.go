package cidsindex

import (
	"context"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
	"github.com/multiformats/go-varint"
	"golang.org/x/xerrors"

	blockstoreutil "github.com/filecoin-project/venus-core/venus-shared/blockstore"
)

// Options for LoadOrCreate.
type Options struct {
	Writable bool
	// MaxMemory bounds resident index rows, 0 means unbounded.
	MaxMemory uint64
	// FlushOn merges written rows into the index file, 0 disables.
	FlushOn int
	// CarFlushOn appends queued items to the CAR file.
	CarFlushOn int
	// Fallback stores non blake items and serves misses.
	Fallback blockstoreutil.Blockstore
}

// checkTail returns the usable car size. A partial trailing item is cut off
// the file when writable, otherwise it is ignored.
func checkTail(carFile *os.File, carPath string, indexedEnd, carSize uint64, writable bool) (uint64, error) {
	if indexedEnd >= carSize {
		return carSize, nil
	}
	var buf [varint.MaxLenUvarint63]byte
	n, _ := carFile.ReadAt(buf[:], int64(indexedEnd))
	length, vlen, err := varint.FromUvarint(buf[:n])
	if err == nil && length != 0 && indexedEnd+uint64(vlen)+length <= carSize {
		return carSize, nil
	}
	if !writable {
		log.Warnf("ignoring partial car item at %d of %s", indexedEnd, carPath)
		return indexedEnd, nil
	}
	log.Warnf("truncating partial car item at %d of %s", indexedEnd, carPath)
	if err := os.Truncate(carPath, int64(indexedEnd)); err != nil {
		return 0, err
	}
	return indexedEnd, nil
}

// LoadOrCreate opens carPath with its index at carPath+".cids", creating the
// car when writable and missing, and indexing any unindexed tail.
func LoadOrCreate(ctx context.Context, carPath string, opts Options) (*CidsIpld, error) {
	if _, err := os.Stat(carPath); os.IsNotExist(err) && opts.Writable {
		if err := WriteEmptyCar(carPath); err != nil {
			return nil, xerrors.Errorf("create car: %w", err)
		}
	}

	carFile, err := os.Open(carPath)
	if err != nil {
		log.Errorf("open car failed: %s", carPath)
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			_ = carFile.Close()
		}
	}()

	st, err := carFile.Stat()
	if err != nil {
		return nil, err
	}
	carSize := uint64(st.Size())
	headerEnd, err := readHeaderEnd(carFile)
	if err != nil {
		return nil, err
	}

	indexPath := carPath + ".cids"
	indexedEnd := headerEnd
	var index Index
	if _, err := os.Stat(indexPath); err == nil {
		if index, err = Load(indexPath, opts.MaxMemory); err != nil {
			log.Errorf("index loading error: %s", err)
			index = nil
		}
	}

	if index != nil && index.Len() != 0 {
		good, _, end := ReadCarItem(carFile, index.Info().MaxOffset)
		if !good || end > carSize {
			log.Warnf("index invalidated: %s", indexPath)
			_ = index.Close()
			index = nil
		} else {
			indexedEnd = end
		}
	}

	if index != nil {
		if carSize, err = checkTail(carFile, carPath, indexedEnd, carSize, opts.Writable); err != nil {
			return nil, err
		}
	}

	if index == nil || indexedEnd < carSize {
		if index == nil {
			indexedEnd = headerEnd
		}
		newIndex, err := indexTail(ctx, carFile, indexPath, index, indexedEnd, carSize, opts)
		if err != nil {
			log.Errorf("index generation error: %s", err)
			return nil, err
		}
		if index != nil {
			_ = index.Close()
		}
		index = newIndex

		if index.Len() != 0 {
			good, _, end := ReadCarItem(carFile, index.Info().MaxOffset)
			if !good || end > carSize {
				_ = index.Close()
				return nil, xerrors.Errorf("load car %s: %w", carPath, ErrInvalidIndex)
			}
			indexedEnd = end
		}
		if carSize, err = checkTail(carFile, carPath, indexedEnd, carSize, opts.Writable); err != nil {
			_ = index.Close()
			return nil, err
		}
	}

	ipld := &CidsIpld{
		carPath:    carPath,
		indexPath:  indexPath,
		maxMemory:  opts.MaxMemory,
		fallback:   opts.Fallback,
		index:      index,
		carFile:    carFile,
		carOffset:  carSize,
		written:    newWrittenTree(),
		carQueue:   make(map[uint64]int),
		FlushOn:    opts.FlushOn,
		CarFlushOn: opts.CarFlushOn,
	}
	if opts.Writable {
		ipld.writable, err = os.OpenFile(carPath, os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			_ = index.Close()
			return nil, err
		}
	}
	ok = true
	log.Infow("car loaded", "car", carPath, "rows", index.Len(), "size", carSize)
	return ipld, nil
}

// indexTail indexes car items in [from, to) and merges them with the old index.
func indexTail(ctx context.Context, carFile *os.File, indexPath string, old Index, from, to uint64, opts Options) (Index, error) {
	rowsPath := indexPath + ".tmp2"
	rowsFile, err := os.OpenFile(rowsPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rowsFile.Close()
		_ = os.Remove(rowsPath)
	}()

	ranges, total, err := ReadCar(ctx, carFile, from, to, opts.MaxMemory, opts.Fallback, rowsFile)
	if err != nil {
		return nil, err
	}

	if old != nil && old.Len() != 0 {
		oldFile, err := os.Open(indexPath)
		if err != nil {
			return nil, err
		}
		defer oldFile.Close() // nolint: errcheck
		ranges = append(ranges, FileRange(oldFile, 1, 1+old.Len()))
	}

	pending, err := renameio.NewPendingFile(indexPath, renameio.WithTempDir(filepath.Dir(indexPath)))
	if err != nil {
		return nil, err
	}
	defer pending.Cleanup() // nolint: errcheck

	count, err := Merge(pending, ranges)
	if err != nil {
		return nil, err
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return nil, err
	}
	log.Infow("car indexed", "new", total, "rows", count)

	return Load(indexPath, opts.MaxMemory)
}
