package cidsindex

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	blocks "github.com/ipfs/go-block-format"
	"github.com/minio/blake2b-simd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tf "github.com/filecoin-project/venus-core/pkg/testhelpers/testflags"
	blockstoreutil "github.com/filecoin-project/venus-core/venus-shared/blockstore"
)

func blakeBlock(t *testing.T, data []byte) blocks.Block {
	key := Key(blake2b.Sum256(data))
	blk, err := blocks.NewBlockWithCid(data, KeyCid(key))
	require.NoError(t, err)
	return blk
}

func keyOf(b byte) Key {
	var k Key
	k[0] = b
	return k
}

func TestRowEncoding(t *testing.T) {
	tf.UnitTest(t)

	row := Row{Key: keyOf(7), Offset: 1<<40 - 1, MaxSize64: 1<<24 - 1}
	buf := row.Bytes()
	require.Len(t, buf, RowSize)
	assert.Equal(t, row, decodeRow(buf))

	assert.Equal(t, []byte{0, 0, 0, 0, 1, 0, 0, 0}, HeaderV0.Bytes()[32:])
	assert.True(t, HeaderV0.IsMeta())
	assert.Equal(t, uint32(1), MaxSize64(1))
	assert.Equal(t, uint32(1), MaxSize64(64))
	assert.Equal(t, uint32(2), MaxSize64(65))
}

func TestAsBlake(t *testing.T) {
	tf.UnitTest(t)

	blk := blakeBlock(t, []byte("value"))
	key, ok := AsBlake(blk.Cid())
	require.True(t, ok)
	assert.Equal(t, blk.Cid(), KeyCid(key))
	assert.True(t, bytes.HasPrefix(blk.Cid().Bytes(), CborBlakePrefix))

	_, ok = AsBlake(blocks.NewBlock([]byte("sha")).Cid())
	assert.False(t, ok)
}

func TestRowsInfoFeed(t *testing.T) {
	tf.UnitTest(t)

	info := NewRowsInfo()
	info.Feed(Row{Key: keyOf(1), Offset: 10, MaxSize64: 1})
	info.Feed(Row{Key: keyOf(2), Offset: 50, MaxSize64: 1})
	info.Feed(Row{Key: keyOf(3), Offset: 20, MaxSize64: 1})
	assert.True(t, info.Valid)
	assert.Equal(t, 3, info.Count)
	assert.Equal(t, uint64(50), info.MaxOffset.Offset)

	info.Feed(Row{Key: keyOf(3), Offset: 90, MaxSize64: 1})
	assert.False(t, info.Valid)

	meta := NewRowsInfo()
	assert.False(t, meta.Feed(HeaderV0).Valid)
}

func TestMergeCollapsesDuplicates(t *testing.T) {
	tf.UnitTest(t)

	a := []Row{{Key: keyOf(1), Offset: 1, MaxSize64: 1}, {Key: keyOf(3), Offset: 3, MaxSize64: 1}}
	b := []Row{{Key: keyOf(2), Offset: 2, MaxSize64: 1}, {Key: keyOf(3), Offset: 9, MaxSize64: 1}}

	var out bytes.Buffer
	count, err := Merge(&out, []*MergeRange{MemoryRange(a), MemoryRange(b)})
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	require.Equal(t, (3+2)*RowSize, out.Len())

	data := out.Bytes()
	assert.Equal(t, HeaderV0, decodeRow(data))
	assert.Equal(t, TrailerV0, decodeRow(data[4*RowSize:]))
	assert.Equal(t, uint64(3), decodeRow(data[3*RowSize:]).Offset)

	// merging the output with itself yields the same file
	path := filepath.Join(t.TempDir(), "idx")
	require.NoError(t, os.WriteFile(path, data, 0644))
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close() // nolint: errcheck

	var again bytes.Buffer
	_, err = Merge(&again, []*MergeRange{FileRange(f, 1, 4), FileRange(f, 1, 4)})
	require.NoError(t, err)
	assert.Equal(t, data, again.Bytes())
}

func writeIndex(t *testing.T, rows []Row) string {
	var out bytes.Buffer
	_, err := Merge(&out, []*MergeRange{MemoryRange(rows)})
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "index")
	require.NoError(t, os.WriteFile(path, out.Bytes(), 0644))
	return path
}

func TestSparseIndexFind(t *testing.T) {
	tf.UnitTest(t)

	var rows []Row
	for i := 0; i < 100; i++ {
		rows = append(rows, Row{Key: keyOf(byte(2 * i)), Offset: uint64(i + 10), MaxSize64: 1})
	}
	path := writeIndex(t, rows)

	// 100 rows need 4000 bytes, allow 7 sparse keys
	idx, err := Load(path, 7*KeySize)
	require.NoError(t, err)
	defer idx.Close() // nolint: errcheck
	_, sparse := idx.(*SparseIndex)
	require.True(t, sparse)
	assert.Equal(t, 100, idx.Len())

	for i := 0; i < 100; i++ {
		row, ok, err := idx.Find(keyOf(byte(2 * i)))
		require.NoError(t, err)
		require.True(t, ok, "key %d", i)
		assert.Equal(t, uint64(i+10), row.Offset)

		_, ok, err = idx.Find(keyOf(byte(2*i + 1)))
		require.NoError(t, err)
		assert.False(t, ok)
	}

	mem, err := Load(path, 0)
	require.NoError(t, err)
	_, isMem := mem.(*MemoryIndex)
	assert.True(t, isMem)
	assert.Equal(t, idx.Info().MaxOffset, mem.Info().MaxOffset)
}

func TestCheckIndexRejectsGarbage(t *testing.T) {
	tf.UnitTest(t)

	path := filepath.Join(t.TempDir(), "bad")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte{1}, 3*RowSize), 0644))
	_, err := Load(path, 0)
	assert.ErrorIs(t, err, ErrInvalidIndex)
}

func TestCidsIpldRoundTrip(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()

	carPath := filepath.Join(t.TempDir(), "chain.car")
	fallback := blockstoreutil.NewMemory()

	ipld, err := LoadOrCreate(ctx, carPath, Options{Writable: true, FlushOn: 3, CarFlushOn: 2, Fallback: fallback})
	require.NoError(t, err)

	var blks []blocks.Block
	for i := 0; i < 10; i++ {
		blk := blakeBlock(t, []byte(fmt.Sprintf("block %d", i)))
		blks = append(blks, blk)
		require.NoError(t, ipld.Put(ctx, blk))
	}
	// duplicate puts are ignored
	require.NoError(t, ipld.Put(ctx, blks[0]))

	other := blocks.NewBlock([]byte("not blake"))
	require.NoError(t, ipld.Put(ctx, other))
	has, err := fallback.Has(ctx, other.Cid())
	require.NoError(t, err)
	assert.True(t, has)

	for _, blk := range blks {
		got, err := ipld.Get(ctx, blk.Cid())
		require.NoError(t, err)
		assert.Equal(t, blk.RawData(), got.RawData())

		size, err := ipld.GetSize(ctx, blk.Cid())
		require.NoError(t, err)
		assert.Equal(t, len(blk.RawData()), size)
	}
	assert.Equal(t, 10, ipld.Len())

	_, err = ipld.Get(ctx, blakeBlock(t, []byte("missing")).Cid())
	assert.ErrorIs(t, err, blockstoreutil.ErrNotFound)
	assert.ErrorIs(t, ipld.DeleteBlock(ctx, blks[0].Cid()), ErrDeleteUnsupported)

	require.NoError(t, ipld.Close())

	reopened, err := LoadOrCreate(ctx, carPath, Options{Fallback: fallback})
	require.NoError(t, err)
	defer reopened.Close() // nolint: errcheck

	for _, blk := range blks {
		got, err := reopened.Get(ctx, blk.Cid())
		require.NoError(t, err)
		assert.Equal(t, blk.RawData(), got.RawData())
	}

	keys, err := reopened.AllKeysChan(ctx)
	require.NoError(t, err)
	n := 0
	for range keys {
		n++
	}
	assert.Equal(t, 11, n)

	// read-only blake puts go to the fallback
	ro := blakeBlock(t, []byte("ro"))
	require.NoError(t, reopened.Put(ctx, ro))
	has, err = fallback.Has(ctx, ro.Cid())
	require.NoError(t, err)
	assert.True(t, has)

	bare, err := LoadOrCreate(ctx, carPath, Options{})
	require.NoError(t, err)
	assert.ErrorIs(t, bare.Put(ctx, ro), ErrNoFallback)
	require.NoError(t, bare.Close())
}

func TestLoadOrCreateReindexesAndTruncates(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()

	carPath := filepath.Join(t.TempDir(), "chain.car")
	ipld, err := LoadOrCreate(ctx, carPath, Options{Writable: true})
	require.NoError(t, err)

	var blks []blocks.Block
	for i := 0; i < 5; i++ {
		blk := blakeBlock(t, []byte(fmt.Sprintf("item %d", i)))
		blks = append(blks, blk)
		require.NoError(t, ipld.Put(ctx, blk))
	}
	require.NoError(t, ipld.CarFlush())
	require.NoError(t, ipld.writable.Close())
	ipld.writable = nil
	require.NoError(t, ipld.Close())

	// rows were never merged: the index is empty and the car tail is indexed on open
	f, err := os.OpenFile(carPath, os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	// partial item: length prefix claims more bytes than present
	_, err = f.Write([]byte{0x40, 1, 2, 3})
	require.NoError(t, err)
	require.NoError(t, f.Close())
	before, err := os.Stat(carPath)
	require.NoError(t, err)

	reopened, err := LoadOrCreate(ctx, carPath, Options{Writable: true})
	require.NoError(t, err)
	defer reopened.Close() // nolint: errcheck

	after, err := os.Stat(carPath)
	require.NoError(t, err)
	assert.Equal(t, before.Size()-4, after.Size())

	for _, blk := range blks {
		has, err := reopened.Has(ctx, blk.Cid())
		require.NoError(t, err)
		assert.True(t, has)
	}
	assert.Equal(t, 5, reopened.index.Len())
}

func TestDoFlushIsIdempotent(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()

	carPath := filepath.Join(t.TempDir(), "chain.car")
	ipld, err := LoadOrCreate(ctx, carPath, Options{Writable: true})
	require.NoError(t, err)
	defer ipld.Close() // nolint: errcheck

	for i := 0; i < 6; i++ {
		require.NoError(t, ipld.Put(ctx, blakeBlock(t, []byte(fmt.Sprintf("merge %d", i)))))
	}
	require.NoError(t, ipld.DoFlush(ctx))
	require.Equal(t, 0, ipld.written.Len())
	merged, err := os.ReadFile(ipld.indexPath)
	require.NoError(t, err)

	// nothing written since the last merge
	require.NoError(t, ipld.DoFlush(ctx))
	again, err := os.ReadFile(ipld.indexPath)
	require.NoError(t, err)
	assert.Equal(t, merged, again)

	// merging rows the index already holds collapses them
	var rows []Row
	for i := 0; i < 6; i++ {
		key, ok := AsBlake(blakeBlock(t, []byte(fmt.Sprintf("merge %d", i))).Cid())
		require.True(t, ok)
		row, found, err := ipld.index.Find(key)
		require.NoError(t, err)
		require.True(t, found)
		rows = append(rows, row)
	}
	ipld.writtenMu.Lock()
	for _, row := range rows {
		ipld.written.ReplaceOrInsert(row)
	}
	ipld.writtenMu.Unlock()
	require.NoError(t, ipld.DoFlush(ctx))
	remerged, err := os.ReadFile(ipld.indexPath)
	require.NoError(t, err)
	assert.Equal(t, merged, remerged)
	assert.Equal(t, 6, ipld.Len())
}

func TestCarFlushWhileReading(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()

	carPath := filepath.Join(t.TempDir(), "chain.car")
	ipld, err := LoadOrCreate(ctx, carPath, Options{Writable: true, CarFlushOn: 1})
	require.NoError(t, err)
	defer ipld.Close() // nolint: errcheck
	start, err := os.Stat(carPath)
	require.NoError(t, err)

	const writers, perWriter = 4, 25
	var wg sync.WaitGroup
	errs := make(chan error, writers*perWriter*2)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				blk := blakeBlock(t, []byte(fmt.Sprintf("writer %d item %d", w, i)))
				if err := ipld.Put(ctx, blk); err != nil {
					errs <- err
					continue
				}
				got, err := ipld.Get(ctx, blk.Cid())
				if err != nil {
					errs <- err
					continue
				}
				if !bytes.Equal(blk.RawData(), got.RawData()) {
					errs <- fmt.Errorf("writer %d item %d read back wrong data", w, i)
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	// every put was appended, the queue is empty
	ipld.carFlushMu.RLock()
	assert.Empty(t, ipld.carQueue)
	ipld.carFlushMu.RUnlock()
	end, err := os.Stat(carPath)
	require.NoError(t, err)
	assert.Equal(t, int64(ipld.carOffset), end.Size())
	assert.Greater(t, end.Size(), start.Size())
	assert.Equal(t, writers*perWriter, ipld.Len())
}
