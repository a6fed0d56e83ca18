package chain

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/venus-core/pkg/testhelpers"
	tf "github.com/filecoin-project/venus-core/pkg/testhelpers/testflags"
	blockstoreutil "github.com/filecoin-project/venus-core/venus-shared/blockstore"
)

func TestTsLoadIpldLoad(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()

	builder := testhelpers.NewChainBuilder(t, blockstoreutil.NewMemory())
	gen := builder.Genesis()
	ts := builder.AppendOn(gen, 3)

	loader := NewTsLoadIpld(builder.Blockstore())
	got, err := loader.Load(ctx, ts.Key())
	require.NoError(t, err)
	assert.True(t, ts.Equals(got))

	_, err = loader.Load(ctx, gen.Parents())
	assert.Error(t, err)

	other := NewTsLoadIpld(blockstoreutil.NewMemory())
	_, err = other.Load(ctx, ts.Key())
	assert.Error(t, err)
	stored, err := other.LoadBlocks(ctx, ts.Blocks())
	require.NoError(t, err)
	assert.Equal(t, ts.Key(), stored.Key())
	got, err = other.Load(ctx, ts.Key())
	require.NoError(t, err)
	assert.True(t, ts.Equals(got))
}

func TestTsLoadCacheSlots(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()

	builder := testhelpers.NewChainBuilder(t, blockstoreutil.NewMemory())
	gen := builder.Genesis()
	tss := builder.Chain(gen, 3)

	cache := NewTsLoadCache(NewTsLoadIpld(builder.Blockstore()), 2)

	ts0, idx0, err := cache.LoadWithCacheInfo(ctx, tss[0].Key())
	require.NoError(t, err)
	assert.True(t, tss[0].Equals(ts0))
	assert.NotEqual(t, NoCacheIndex, idx0)

	// a repeated load reports the same slot
	_, again, err := cache.LoadWithCacheInfo(ctx, tss[0].Key())
	require.NoError(t, err)
	assert.Equal(t, idx0, again)

	_, idx1, err := cache.LoadWithCacheInfo(ctx, tss[1].Key())
	require.NoError(t, err)
	assert.NotEqual(t, idx0, idx1)
	assert.Equal(t, 2, cache.Len())

	// evicts tss[0] and reuses its slot
	_, idx2, err := cache.LoadWithCacheInfo(ctx, tss[2].Key())
	require.NoError(t, err)
	assert.Equal(t, 2, cache.Len())
	assert.Equal(t, idx0, idx2)

	// the stale hint is detected by key
	got, err := cache.LazyLoad(ctx, TsLazy{Key: tss[0].Key(), Index: idx0})
	require.NoError(t, err)
	assert.True(t, tss[0].Equals(got))

	got, err = cache.LazyLoad(ctx, TsLazy{Key: tss[1].Key(), Index: NoCacheIndex})
	require.NoError(t, err)
	assert.True(t, tss[1].Equals(got))
}

func TestTsLoadCacheDefaultSize(t *testing.T) {
	tf.UnitTest(t)

	cache := NewTsLoadCache(NewTsLoadIpld(blockstoreutil.NewMemory()), 0)
	assert.Equal(t, DefaultTipsetLruCacheSize, cache.size)
}
