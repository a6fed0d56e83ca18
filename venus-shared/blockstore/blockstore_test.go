package blockstore

import (
	"context"
	"testing"

	blocks "github.com/ipfs/go-block-format"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tf "github.com/filecoin-project/venus-core/pkg/testhelpers/testflags"
)

func TestBufferedFlush(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()

	base := NewMemory()
	buf := NewBuffered(base)

	blk := blocks.NewBlock([]byte("buffered"))
	require.NoError(t, buf.Put(ctx, blk))

	has, err := base.Has(ctx, blk.Cid())
	require.NoError(t, err)
	assert.False(t, has)

	got, err := buf.Get(ctx, blk.Cid())
	require.NoError(t, err)
	assert.Equal(t, blk.RawData(), got.RawData())

	require.NoError(t, buf.Flush(ctx))
	has, err = base.Has(ctx, blk.Cid())
	require.NoError(t, err)
	assert.True(t, has)
}

func TestViewAndLogStore(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()

	bs := NewLogStore("test", NewMemory())
	blk := blocks.NewBlock([]byte("viewed"))
	require.NoError(t, bs.Put(ctx, blk))

	var seen []byte
	require.NoError(t, bs.View(ctx, blk.Cid(), func(b []byte) error {
		seen = append(seen, b...)
		return nil
	}))
	assert.Equal(t, blk.RawData(), seen)

	_, err := bs.Get(ctx, blocks.NewBlock([]byte("missing")).Cid())
	assert.Equal(t, ErrNotFound, err)
}

func TestSetVisit(t *testing.T) {
	tf.UnitTest(t)

	s := NewSet()
	c := blocks.NewBlock([]byte("x")).Cid()
	assert.True(t, s.Visit(c))
	assert.False(t, s.Visit(c))
	assert.True(t, s.Has(c))
	assert.Equal(t, 1, s.Len())
}
