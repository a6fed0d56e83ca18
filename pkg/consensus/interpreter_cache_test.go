package consensus_test

import (
	"testing"

	"github.com/filecoin-project/go-state-types/big"
	"github.com/filecoin-project/go-state-types/exitcode"
	builtin7 "github.com/filecoin-project/specs-actors/v7/actors/builtin"
	blocks "github.com/ipfs/go-block-format"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/venus-core/pkg/chain"
	"github.com/filecoin-project/venus-core/pkg/consensus"
	"github.com/filecoin-project/venus-core/pkg/testhelpers"
	tf "github.com/filecoin-project/venus-core/pkg/testhelpers/testflags"
	"github.com/filecoin-project/venus-core/venus-shared/types"
)

func TestInterpreterCacheRoundTrip(t *testing.T) {
	tf.UnitTest(t)
	f := newFixture(t)
	key := f.gen.Key()

	_, err := f.cache.Get(f.ctx, key)
	assert.ErrorIs(t, err, consensus.ErrNotCached)

	res := &consensus.Result{StateRoot: f.gen.ParentState(), Receipts: f.builder.EmptyRcpts, Weight: big.NewInt(7)}
	require.NoError(t, f.cache.Set(f.ctx, key, res))

	got, err := f.cache.Get(f.ctx, key)
	require.NoError(t, err)
	assert.True(t, res.Equals(got))
	got, err = f.cache.TryGet(f.ctx, key)
	require.NoError(t, err)
	assert.True(t, res.Equals(got))

	require.NoError(t, f.cache.MarkBad(f.ctx, key))
	_, err = f.cache.Get(f.ctx, key)
	assert.ErrorIs(t, err, consensus.ErrTipsetMarkedBad)

	require.NoError(t, f.cache.Remove(f.ctx, key))
	_, err = f.cache.Get(f.ctx, key)
	assert.ErrorIs(t, err, consensus.ErrNotCached)
}

func TestInterpreterCacheTryGetMissingState(t *testing.T) {
	tf.UnitTest(t)
	f := newFixture(t)

	missing := blocks.NewBlock([]byte("never stored")).Cid()

	res := &consensus.Result{StateRoot: missing, Receipts: f.builder.EmptyRcpts, Weight: big.Zero()}
	require.NoError(t, f.cache.Set(f.ctx, f.gen.Key(), res))

	_, err := f.cache.Get(f.ctx, f.gen.Key())
	require.NoError(t, err)
	_, err = f.cache.TryGet(f.ctx, f.gen.Key())
	assert.ErrorIs(t, err, consensus.ErrNotCached)
}

func TestCachedInterpreterInterpretsOnce(t *testing.T) {
	tf.UnitTest(t)
	f := newFixture(t)
	f.invoker.Register(builtin7.CronActorCodeID, builtin7.MethodsCron.EpochTick, testhelpers.StampEpoch)

	child := f.builder.AppendOn(f.gen, 1)
	branch := f.branch(child)
	ci := f.cachedInterpreter()

	first, err := ci.Interpret(f.ctx, branch, child)
	require.NoError(t, err)
	second, err := ci.Interpret(f.ctx, branch, child)
	require.NoError(t, err)
	assert.True(t, first.Equals(second))
	assert.Len(t, f.invoker.Calls(builtin7.CronActorCodeID, builtin7.MethodsCron.EpochTick), 1)

	cached, err := f.cache.Get(f.ctx, child.Key())
	require.NoError(t, err)
	assert.True(t, first.Equals(cached))
}

func TestCachedInterpreterMarksFailureBad(t *testing.T) {
	tf.UnitTest(t)
	f := newFixture(t)
	f.invoker.Register(builtin7.CronActorCodeID, builtin7.MethodsCron.EpochTick, testhelpers.Fail(exitcode.ErrIllegalState))

	child := f.builder.AppendOn(f.gen, 1)
	branch := f.branch(child)
	ci := f.cachedInterpreter()

	_, err := ci.Interpret(f.ctx, branch, child)
	assert.ErrorIs(t, err, consensus.ErrCronTickFailed)

	_, err = ci.Interpret(f.ctx, branch, child)
	assert.ErrorIs(t, err, consensus.ErrTipsetMarkedBad)
	assert.Len(t, f.invoker.Calls(builtin7.CronActorCodeID, builtin7.MethodsCron.EpochTick), 1)
}

func TestCachedInterpreterEvaluate(t *testing.T) {
	tf.UnitTest(t)
	f := newFixture(t)

	tss := f.builder.Chain(f.gen, 3)
	head := tss[len(tss)-1]
	ci := f.cachedInterpreter()

	weight, err := ci.Evaluate(f.ctx, f.branch(head), head)
	require.NoError(t, err)
	expect, err := testhelpers.FakeWeigher{}.Weight(f.ctx, head)
	require.NoError(t, err)
	assert.True(t, weight.Equals(expect))

	for _, ts := range append([]*types.TipSet{f.gen}, tss...) {
		_, err := f.cache.TryGet(f.ctx, ts.Key())
		assert.NoError(t, err, "height %d", ts.Height())
	}
	// one tick per executed tipset, genesis is not executed
	assert.Len(t, f.invoker.Calls(builtin7.CronActorCodeID, builtin7.MethodsCron.EpochTick), len(tss))
}

func TestStoreSkipsTipSetsMarkedBad(t *testing.T) {
	tf.UnitTest(t)
	f := newFixture(t)

	ci := f.cachedInterpreter()
	store := chain.NewStore(f.repo.ChainDatastore(), f.bs, f.tsLoad, testhelpers.FakeWeigher{}, "", f.repo.Config().Chain)
	store.SetEvaluator(ci)
	require.NoError(t, store.Load(f.ctx, f.gen))
	t.Cleanup(func() { _ = store.Close() })

	light := f.builder.AppendOn(f.gen, 1)
	heavy := f.builder.AppendOn(f.gen, 2)
	require.NoError(t, f.cache.MarkBad(f.ctx, heavy.Key()))

	require.NoError(t, store.PutTipSet(f.ctx, light))
	require.NoError(t, store.PutTipSet(f.ctx, heavy))
	assert.True(t, light.Equals(store.GetHead()))
}
