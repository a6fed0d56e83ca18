package chain_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/filecoin-project/go-state-types/big"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/venus-core/pkg/chain"
	"github.com/filecoin-project/venus-core/pkg/repo"
	"github.com/filecoin-project/venus-core/pkg/testhelpers"
	tf "github.com/filecoin-project/venus-core/pkg/testhelpers/testflags"
	"github.com/filecoin-project/venus-core/venus-shared/types"
)

type storeFixture struct {
	t       *testing.T
	ctx     context.Context
	repo    *repo.MemRepo
	builder *testhelpers.ChainBuilder
	gen     *types.TipSet
	logPath string
}

func newStoreFixture(t *testing.T) *storeFixture {
	r := repo.NewInMemoryRepo()
	builder := testhelpers.NewChainBuilder(t, r.Blockstore())
	return &storeFixture{
		t:       t,
		ctx:     context.Background(),
		repo:    r,
		builder: builder,
		gen:     builder.Genesis(),
		logPath: filepath.Join(t.TempDir(), "chain"),
	}
}

func (f *storeFixture) newStore(logPath string) *chain.Store {
	tsLoad := chain.NewTsLoadCache(chain.NewTsLoadIpld(f.repo.Blockstore()), f.repo.Config().Chain.TsCacheSize)
	store := chain.NewStore(f.repo.ChainDatastore(), f.repo.Blockstore(), tsLoad, testhelpers.FakeWeigher{}, logPath, f.repo.Config().Chain)
	require.NoError(f.t, store.Load(f.ctx, f.gen))
	f.t.Cleanup(func() { _ = store.Close() })
	return store
}

func requirePut(t *testing.T, store *chain.Store, tss ...*types.TipSet) {
	for _, ts := range tss {
		require.NoError(t, store.PutTipSet(context.Background(), ts))
	}
}

func nextChanges(t *testing.T, ch chan []*types.HeadChange) []*types.HeadChange {
	select {
	case changes, ok := <-ch:
		require.True(t, ok)
		return changes
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for head change")
	}
	return nil
}

func assertChanges(t *testing.T, changes []*types.HeadChange, typ string, tss ...*types.TipSet) {
	require.Len(t, changes, len(tss))
	for i, ts := range tss {
		assert.Equal(t, typ, changes[i].Type)
		assert.Equal(t, ts.Key(), changes[i].Val.Key())
	}
}

func TestStoreLoadGenesis(t *testing.T) {
	tf.UnitTest(t)
	f := newStoreFixture(t)

	store := f.newStore(f.logPath)
	assert.True(t, f.gen.Equals(store.GetHead()))
	assert.True(t, f.gen.Equals(store.GetGenesis()))
	assert.Equal(t, big.NewInt(1), store.HeadWeight())
}

func TestStorePutTipSetExtendsHead(t *testing.T) {
	tf.UnitTest(t)
	f := newStoreFixture(t)
	store := f.newStore(f.logPath)

	ctx, cancel := context.WithCancel(f.ctx)
	defer cancel()
	sub := store.SubHeadChanges(ctx)
	first := nextChanges(t, sub)
	require.Len(t, first, 1)
	assert.Equal(t, types.HCCurrent, first[0].Type)
	assert.True(t, f.gen.Equals(first[0].Val))

	as := f.builder.Chain(f.gen, 3)
	requirePut(t, store, as...)
	for _, ts := range as {
		assertChanges(t, nextChanges(t, sub), types.HCApply, ts)
	}
	assert.True(t, as[2].Equals(store.GetHead()))
	assert.True(t, store.IsOnMain(as[1]))

	got, err := store.GetTipSetByHeight(f.ctx, 2, false)
	require.NoError(t, err)
	assert.True(t, as[1].Equals(got))
}

func TestStoreReorgEventOrder(t *testing.T) {
	tf.UnitTest(t)
	f := newStoreFixture(t)
	store := f.newStore(f.logPath)

	ctx, cancel := context.WithCancel(f.ctx)
	defer cancel()
	sub := store.SubHeadChanges(ctx)
	nextChanges(t, sub)

	as := f.builder.Chain(f.gen, 3)
	requirePut(t, store, as...)
	for range as {
		nextChanges(t, sub)
	}

	// a wider fork from as[0]; only its head is announced, the rest is
	// found in the blockstore
	b2 := f.builder.AppendOn(as[0], 2)
	b3 := f.builder.AppendOn(b2, 2)
	requirePut(t, store, b3)

	changes := nextChanges(t, sub)
	require.Len(t, changes, 4)
	assertChanges(t, changes[:2], types.HCRevert, as[2], as[1])
	assertChanges(t, changes[2:], types.HCApply, b2, b3)
	assert.True(t, b3.Equals(store.GetHead()))
	assert.False(t, store.IsOnMain(as[2]))
}

func TestStoreLighterForkKeepsHead(t *testing.T) {
	tf.UnitTest(t)
	f := newStoreFixture(t)
	store := f.newStore(f.logPath)

	as := f.builder.Chain(f.gen, 3)
	requirePut(t, store, as...)

	c2 := f.builder.AppendOn(as[0], 1)
	requirePut(t, store, c2)
	assert.True(t, as[2].Equals(store.GetHead()))
}

func TestStoreDanglingTipSetWaitsForParents(t *testing.T) {
	tf.UnitTest(t)
	f := newStoreFixture(t)
	store := f.newStore(f.logPath)

	// blocks the store never saw and cannot load
	other := testhelpers.NewChainBuilder(t, repo.NewInMemoryRepo().Blockstore())
	lone := other.AppendOn(other.Genesis(), 1)
	sblk, err := lone.At(0).ToStorageBlock()
	require.NoError(t, err)
	require.NoError(t, f.repo.Blockstore().Put(f.ctx, sblk))

	requirePut(t, store, lone)
	assert.True(t, f.gen.Equals(store.GetHead()))
}

func TestStoreTieBreakConvergence(t *testing.T) {
	tf.UnitTest(t)
	f := newStoreFixture(t)

	c := f.builder.AppendOn(f.gen, 1)
	d := f.builder.AppendOn(f.gen, 1)
	winner := d
	if chain.Heavier(c, big.NewInt(2), d, big.NewInt(2)) {
		winner = c
	}

	first := f.newStore("")
	requirePut(t, first, c, d)

	f2 := &storeFixture{t: t, ctx: f.ctx, repo: repo.NewInMemoryRepo(), builder: f.builder, gen: f.gen}
	f2.repo.D = f.repo.Blockstore()
	second := f2.newStore("")
	requirePut(t, second, d, c)

	assert.True(t, winner.Equals(first.GetHead()))
	assert.True(t, winner.Equals(second.GetHead()))
}

func TestHeavier(t *testing.T) {
	tf.UnitTest(t)
	f := newStoreFixture(t)

	c := f.builder.AppendOn(f.gen, 1)
	d := f.builder.AppendOn(f.gen, 1)

	assert.True(t, chain.Heavier(c, big.NewInt(3), d, big.NewInt(2)))
	assert.False(t, chain.Heavier(c, big.NewInt(2), d, big.NewInt(3)))

	// equal weights are decided the same way from both sides
	assert.NotEqual(t, chain.Heavier(c, big.NewInt(2), d, big.NewInt(2)), chain.Heavier(d, big.NewInt(2), c, big.NewInt(2)))
	assert.False(t, chain.Heavier(c, big.NewInt(2), c, big.NewInt(2)))
}

type headMove struct {
	rev, app []*types.TipSet
}

func nextMove(t *testing.T, ch chan headMove) headMove {
	select {
	case m := <-ch:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("notifee not called")
	}
	return headMove{}
}

func TestStoreSetHead(t *testing.T) {
	tf.UnitTest(t)
	f := newStoreFixture(t)
	store := f.newStore(f.logPath)

	moves := make(chan headMove, 16)
	store.SubscribeHeadChanges(func(rev, app []*types.TipSet) error {
		moves <- headMove{rev: rev, app: app}
		return nil
	})

	as := f.builder.Chain(f.gen, 3)
	requirePut(t, store, as...)
	for _, ts := range as {
		m := nextMove(t, moves)
		assert.Empty(t, m.rev)
		require.Len(t, m.app, 1)
		assert.True(t, ts.Equals(m.app[0]))
	}

	require.NoError(t, store.SetHead(f.ctx, as[0]))
	assert.True(t, as[0].Equals(store.GetHead()))
	_, err := store.GetTipSetByHeight(f.ctx, 2, false)
	assert.ErrorIs(t, err, chain.ErrTooHigh)

	m := nextMove(t, moves)
	require.Len(t, m.rev, 2)
	assert.True(t, as[2].Equals(m.rev[0]))
	assert.True(t, as[1].Equals(m.rev[1]))
	assert.Empty(t, m.app)

	// back to the dropped tipset
	require.NoError(t, store.SetHead(f.ctx, as[2]))
	assert.True(t, as[2].Equals(store.GetHead()))
	m = nextMove(t, moves)
	assert.Empty(t, m.rev)
	require.Len(t, m.app, 2)
	assert.True(t, as[1].Equals(m.app[0]))
	assert.True(t, as[2].Equals(m.app[1]))
}

func TestStoreRestoresHead(t *testing.T) {
	tf.UnitTest(t)
	f := newStoreFixture(t)
	store := f.newStore(f.logPath)

	as := f.builder.Chain(f.gen, 4)
	requirePut(t, store, as...)
	b := f.builder.AppendOn(as[1], 3)
	requirePut(t, store, b)
	require.True(t, b.Equals(store.GetHead()))
	require.NoError(t, store.Close())

	reopened := f.newStore(f.logPath)
	assert.True(t, b.Equals(reopened.GetHead()))
	got, err := reopened.GetTipSetByHeight(f.ctx, 2, false)
	require.NoError(t, err)
	assert.True(t, as[1].Equals(got))
}
