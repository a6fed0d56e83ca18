package cidsindex

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
	"github.com/google/renameio/v2"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/venus-core/pkg/metrics"
	blockstoreutil "github.com/filecoin-project/venus-core/venus-shared/blockstore"
)

var (
	ErrNotWritable       = errors.New("cids ipld is not writable")
	ErrDeleteUnsupported = errors.New("cids ipld does not support deletes")
	ErrNoFallback        = errors.New("cids ipld has no fallback store for non blake cids")
)

var flushDuration = metrics.NewTimerMs("cidsindex/flush", "Duration of merging written rows into the cids index in milliseconds")

func newWrittenTree() *btree.BTreeG[Row] {
	return btree.NewG(32, func(a, b Row) bool { return a.Key.Less(b.Key) })
}

// CidsIpld is a blockstore over an append-only CAR file and its sorted index.
// Blake2b-256 dag-cbor blocks live in the CAR, everything else in the fallback.
type CidsIpld struct {
	carPath   string
	indexPath string
	maxMemory uint64
	fallback  blockstoreutil.Blockstore

	indexMu sync.RWMutex
	index   Index

	// positional reads only
	carFile  *os.File
	writable *os.File

	writtenMu sync.RWMutex
	written   *btree.BTreeG[Row]
	carOffset uint64

	carFlushMu  sync.RWMutex
	carQueue    map[uint64]int
	carQueueBuf []byte

	flushMu  sync.Mutex
	flushing int32
	wg       sync.WaitGroup

	// FlushOn triggers AsyncFlush once this many rows are written.
	FlushOn int
	// CarFlushOn appends the queue to the car once this many items are queued.
	CarFlushOn int
	// Async runs AsyncFlush on a goroutine.
	Async bool
}

var _ blockstoreutil.Blockstore = (*CidsIpld)(nil)

func (ci *CidsIpld) findWritten(key Key) (Row, bool) {
	return ci.written.Get(Row{Key: key})
}

func (ci *CidsIpld) find(key Key) (Row, bool, error) {
	ci.indexMu.RLock()
	row, ok, err := ci.index.Find(key)
	ci.indexMu.RUnlock()
	if err != nil || ok {
		return row, ok, err
	}
	if ci.writable != nil {
		ci.writtenMu.RLock()
		row, ok = ci.findWritten(key)
		ci.writtenMu.RUnlock()
	}
	return row, ok, nil
}

func (ci *CidsIpld) hasKey(key Key) (bool, error) {
	_, ok, err := ci.find(key)
	return ok, err
}

// getKey returns the value stored under key; ok is false when absent.
func (ci *CidsIpld) getKey(key Key) ([]byte, bool, error) {
	row, ok, err := ci.find(key)
	if err != nil || !ok {
		return nil, false, err
	}

	if value, ok, err := ci.carGet(row); ok || err != nil {
		return value, ok, err
	}

	good, size, end := ReadCarItem(ci.carFile, row)
	if !good {
		log.Errorf("CidsIpld.get inconsistent at %d", row.Offset)
		return nil, false, ErrInconsistent
	}
	value := make([]byte, size)
	if _, err := ci.carFile.ReadAt(value, int64(end-size)); err != nil {
		log.Errorf("CidsIpld.get read error: %s", err)
		return nil, false, xerrors.Errorf("read car item: %w", err)
	}
	return value, true, nil
}

func (ci *CidsIpld) putKey(key Key, value []byte) error {
	if ci.writable == nil {
		return ErrNotWritable
	}
	if has, err := ci.hasKey(key); err != nil || has {
		return err
	}

	ci.writtenMu.Lock()
	if _, ok := ci.findWritten(key); ok {
		ci.writtenMu.Unlock()
		return nil
	}

	item := encodeItem(key, value)
	row := Row{
		Key:       key,
		Offset:    ci.carOffset,
		MaxSize64: MaxSize64(uint64(len(item))),
	}
	ci.carOffset += uint64(len(item))
	full := ci.carPut(row, item)
	ci.written.ReplaceOrInsert(row)
	n := ci.written.Len()
	ci.writtenMu.Unlock()

	// queued items stay readable through carGet until the append lands
	if full {
		if err := ci.CarFlush(); err != nil {
			return err
		}
	}
	if ci.FlushOn != 0 && n >= ci.FlushOn {
		ci.AsyncFlush()
	}
	return nil
}

// carPut queues item and reports whether the queue reached CarFlushOn.
func (ci *CidsIpld) carPut(row Row, item []byte) bool {
	ci.carFlushMu.Lock()
	defer ci.carFlushMu.Unlock()

	ci.carQueue[row.Offset] = len(ci.carQueueBuf)
	ci.carQueueBuf = append(ci.carQueueBuf, item...)
	return len(ci.carQueue) >= ci.CarFlushOn
}

func (ci *CidsIpld) carGet(row Row) ([]byte, bool, error) {
	ci.carFlushMu.RLock()
	defer ci.carFlushMu.RUnlock()

	pos, ok := ci.carQueue[row.Offset]
	if !ok {
		return nil, false, nil
	}
	value, err := decodeItem(ci.carQueueBuf[pos:])
	if err != nil {
		return nil, false, xerrors.Errorf("CidsIpld.carGet decode error: %w", err)
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, true, nil
}

func (ci *CidsIpld) carFlushLocked() error {
	if len(ci.carQueue) == 0 {
		return nil
	}
	if _, err := ci.writable.Write(ci.carQueueBuf); err != nil {
		log.Errorf("CidsIpld.carFlush write error: %s", err)
		return xerrors.Errorf("car flush: %w", err)
	}
	if err := ci.writable.Sync(); err != nil {
		log.Errorf("CidsIpld.carFlush flush error: %s", err)
		return xerrors.Errorf("car flush: %w", err)
	}
	ci.carQueue = make(map[uint64]int)
	ci.carQueueBuf = ci.carQueueBuf[:0]
	return nil
}

// CarFlush appends queued items to the car file.
func (ci *CidsIpld) CarFlush() error {
	if ci.writable == nil {
		return nil
	}
	ci.carFlushMu.Lock()
	defer ci.carFlushMu.Unlock()
	return ci.carFlushLocked()
}

// AsyncFlush schedules DoFlush unless one is already pending.
func (ci *CidsIpld) AsyncFlush() {
	if !atomic.CompareAndSwapInt32(&ci.flushing, 0, 1) {
		return
	}
	run := func() {
		if err := ci.DoFlush(context.Background()); err != nil {
			log.Errorf("CidsIpld(%s) flush: %s", ci.indexPath, err)
		}
	}
	if ci.Async {
		ci.wg.Add(1)
		go func() {
			defer ci.wg.Done()
			run()
		}()
		return
	}
	run()
}

// DoFlush merges written rows into a new index file and swaps it in.
func (ci *CidsIpld) DoFlush(ctx context.Context) error {
	defer atomic.StoreInt32(&ci.flushing, 0)
	if ci.writable == nil {
		return nil
	}

	ci.flushMu.Lock()
	defer ci.flushMu.Unlock()

	sw := flushDuration.Start(ctx)
	defer sw.Stop(ctx)

	// rows must not point past the end of the car file
	if err := ci.CarFlush(); err != nil {
		return err
	}

	ci.writtenMu.RLock()
	rows := make([]Row, 0, ci.written.Len())
	ci.written.Ascend(func(row Row) bool {
		rows = append(rows, row)
		return true
	})
	ci.writtenMu.RUnlock()
	if len(rows) == 0 {
		return nil
	}

	ci.indexMu.RLock()
	oldLen := ci.index.Len()
	ci.indexMu.RUnlock()

	ranges := []*MergeRange{MemoryRange(rows)}
	if oldLen != 0 {
		in, err := os.Open(ci.indexPath)
		if err != nil {
			return err
		}
		defer in.Close() // nolint: errcheck
		ranges = append(ranges, FileRange(in, 1, 1+oldLen))
	}

	tmpPath := ci.indexPath + ".tmp"
	pending, err := renameio.NewPendingFile(tmpPath, renameio.WithTempDir(filepath.Dir(tmpPath)))
	if err != nil {
		return err
	}
	defer pending.Cleanup() // nolint: errcheck
	if _, err := Merge(pending, ranges); err != nil {
		return err
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return err
	}

	newIndex, err := Load(tmpPath, ci.maxMemory)
	if err != nil {
		return err
	}

	ci.indexMu.Lock()
	if err := os.Rename(tmpPath, ci.indexPath); err != nil {
		ci.indexMu.Unlock()
		_ = newIndex.Close()
		return err
	}
	old := ci.index
	ci.index = newIndex
	ci.indexMu.Unlock()
	if err := old.Close(); err != nil {
		log.Warnf("close old index: %s", err)
	}

	ci.writtenMu.Lock()
	for _, row := range rows {
		ci.written.Delete(row)
	}
	ci.writtenMu.Unlock()

	log.Debugw("cids index flushed", "rows", len(rows), "total", newIndex.Len())
	return nil
}

// Len returns the number of indexed and written rows.
func (ci *CidsIpld) Len() int {
	ci.indexMu.RLock()
	n := ci.index.Len()
	ci.indexMu.RUnlock()
	ci.writtenMu.RLock()
	defer ci.writtenMu.RUnlock()
	return n + ci.written.Len()
}

func (ci *CidsIpld) Has(ctx context.Context, c cid.Cid) (bool, error) {
	if key, ok := AsBlake(c); ok {
		has, err := ci.hasKey(key)
		if err != nil || has {
			return has, err
		}
	}
	if ci.fallback != nil {
		return ci.fallback.Has(ctx, c)
	}
	return false, nil
}

func (ci *CidsIpld) Get(ctx context.Context, c cid.Cid) (blocks.Block, error) {
	if key, ok := AsBlake(c); ok {
		value, found, err := ci.getKey(key)
		if err != nil {
			return nil, err
		}
		if found {
			return blocks.NewBlockWithCid(value, c)
		}
	}
	if ci.fallback != nil {
		return ci.fallback.Get(ctx, c)
	}
	return nil, blockstoreutil.ErrNotFound
}

func (ci *CidsIpld) View(ctx context.Context, c cid.Cid, callback func([]byte) error) error {
	blk, err := ci.Get(ctx, c)
	if err != nil {
		return err
	}
	return callback(blk.RawData())
}

func (ci *CidsIpld) GetSize(ctx context.Context, c cid.Cid) (int, error) {
	if key, ok := AsBlake(c); ok {
		row, found, err := ci.find(key)
		if err != nil {
			return 0, err
		}
		if found {
			if value, ok, err := ci.carGet(row); ok || err != nil {
				return len(value), err
			}
			good, size, _ := ReadCarItem(ci.carFile, row)
			if !good {
				return 0, ErrInconsistent
			}
			return int(size), nil
		}
	}
	if ci.fallback != nil {
		return ci.fallback.GetSize(ctx, c)
	}
	return 0, blockstoreutil.ErrNotFound
}

func (ci *CidsIpld) Put(ctx context.Context, blk blocks.Block) error {
	c := blk.Cid()
	if key, ok := AsBlake(c); ok && ci.writable != nil {
		return ci.putKey(key, blk.RawData())
	}
	if ci.fallback == nil {
		return ErrNoFallback
	}
	has, err := ci.fallback.Has(ctx, c)
	if err != nil || has {
		return err
	}
	return ci.fallback.Put(ctx, blk)
}

func (ci *CidsIpld) PutMany(ctx context.Context, blks []blocks.Block) error {
	for _, blk := range blks {
		if err := ci.Put(ctx, blk); err != nil {
			return err
		}
	}
	return nil
}

func (ci *CidsIpld) DeleteBlock(context.Context, cid.Cid) error {
	return ErrDeleteUnsupported
}

func (ci *CidsIpld) DeleteMany(context.Context, []cid.Cid) error {
	return ErrDeleteUnsupported
}

// AllKeysChan lists indexed, written and fallback keys.
func (ci *CidsIpld) AllKeysChan(ctx context.Context) (<-chan cid.Cid, error) {
	ci.indexMu.RLock()
	n := ci.index.Len()
	in, err := os.Open(ci.indexPath)
	ci.indexMu.RUnlock()
	if err != nil {
		return nil, err
	}

	ci.writtenMu.RLock()
	written := make([]Row, 0, ci.written.Len())
	ci.written.Ascend(func(row Row) bool {
		written = append(written, row)
		return true
	})
	ci.writtenMu.RUnlock()

	var fallback <-chan cid.Cid
	if ci.fallback != nil {
		if fallback, err = ci.fallback.AllKeysChan(ctx); err != nil {
			_ = in.Close()
			return nil, err
		}
	}

	out := make(chan cid.Cid)
	go func() {
		defer close(out)
		defer in.Close() // nolint: errcheck

		send := func(c cid.Cid) bool {
			select {
			case out <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		r := newRowReader(in, 1, 1+n)
		for !r.empty() {
			row, err := r.next()
			if err != nil {
				log.Errorf("all keys: read index: %s", err)
				return
			}
			if !send(KeyCid(row.Key)) {
				return
			}
		}
		for _, row := range written {
			if !send(KeyCid(row.Key)) {
				return
			}
		}
		for c := range fallback {
			if !send(c) {
				return
			}
		}
	}()
	return out, nil
}

func (ci *CidsIpld) HashOnRead(bool) {}

// Flush persists queued items and merges written rows into the index.
func (ci *CidsIpld) Flush(ctx context.Context) error {
	if ci.writable == nil {
		return nil
	}
	atomic.StoreInt32(&ci.flushing, 1)
	return ci.DoFlush(ctx)
}

// Close waits for background flushes, flushes and releases the files.
func (ci *CidsIpld) Close() error {
	ci.wg.Wait()

	var result error
	if err := ci.Flush(context.Background()); err != nil {
		result = multierror.Append(result, err)
	}
	if ci.writable != nil {
		if err := ci.writable.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := ci.carFile.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	ci.indexMu.Lock()
	if err := ci.index.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	ci.indexMu.Unlock()
	return result
}
