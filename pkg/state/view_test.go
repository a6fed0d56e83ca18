package state_test

import (
	"context"
	"testing"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"
	"github.com/filecoin-project/go-state-types/network"
	builtin6 "github.com/filecoin-project/specs-actors/v6/actors/builtin"
	account6 "github.com/filecoin-project/specs-actors/v6/actors/builtin/account"
	miner7 "github.com/filecoin-project/specs-actors/v7/actors/builtin/miner"
	adt7 "github.com/filecoin-project/specs-actors/v7/actors/util/adt"
	cbor "github.com/ipfs/go-ipld-cbor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/venus-core/pkg/state"
	"github.com/filecoin-project/venus-core/pkg/testhelpers"
	tf "github.com/filecoin-project/venus-core/pkg/testhelpers/testflags"
	blockstoreutil "github.com/filecoin-project/venus-core/venus-shared/blockstore"
	"github.com/filecoin-project/venus-core/venus-shared/types"
)

type viewFixture struct {
	ctx    context.Context
	cst    cbor.IpldStore
	worker address.Address
	wid    address.Address
	miner  address.Address
	view   *state.View
}

func newViewFixture(t *testing.T) *viewFixture {
	bs := blockstoreutil.NewMemory()
	sb := testhelpers.NewStateBuilder(t, bs)
	worker := testhelpers.NewForTestGetter()()
	wid := sb.AddAccount(worker, abi.NewTokenAmount(100))
	miner := sb.AddMiner(worker, abi.NewStoragePower(2048), abi.NewStoragePower(4096))
	root := sb.Flush()

	cst := cbor.NewCborStore(bs)
	return &viewFixture{
		ctx:    context.Background(),
		cst:    cst,
		worker: worker,
		wid:    wid,
		miner:  miner,
		view:   state.NewViewer(cst).StateView(root),
	}
}

func TestViewResolveAddresses(t *testing.T) {
	tf.UnitTest(t)
	f := newViewFixture(t)

	id, err := f.view.LookupID(f.ctx, f.worker)
	require.NoError(t, err)
	assert.Equal(t, f.wid, id)

	id, err = f.view.InitResolveAddress(f.ctx, f.worker)
	require.NoError(t, err)
	assert.Equal(t, f.wid, id)

	key, err := f.view.ResolveToKeyAddr(f.ctx, f.wid)
	require.NoError(t, err)
	assert.Equal(t, f.worker, key)

	// key addresses resolve to themselves
	key, err = f.view.ResolveToKeyAddr(f.ctx, f.worker)
	require.NoError(t, err)
	assert.Equal(t, f.worker, key)

	missing, err := address.NewIDAddress(9999)
	require.NoError(t, err)
	_, err = f.view.ResolveToKeyAddr(f.ctx, missing)
	assert.ErrorIs(t, err, types.ErrActorNotFound)
}

func TestViewMinerAndPower(t *testing.T) {
	tf.UnitTest(t)
	f := newViewFixture(t)

	info, err := f.view.MinerInfo(f.ctx, f.miner)
	require.NoError(t, err)
	assert.Equal(t, f.wid, info.Worker)
	assert.Equal(t, testhelpers.TestProofType, info.WindowPoStProofType)

	worker, err := f.view.GetMinerWorkerRaw(f.ctx, f.miner)
	require.NoError(t, err)
	assert.Equal(t, f.worker, worker)

	claim, found, err := f.view.PowerClaim(f.ctx, f.miner)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, abi.NewStoragePower(4096), claim.QualityAdjPower)

	_, found, err = f.view.PowerClaim(f.ctx, f.wid)
	require.NoError(t, err)
	assert.False(t, found)

	total, err := f.view.PowerNetworkTotal(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, abi.NewStoragePower(2048), total.RawBytePower)

	ok, err := f.view.MinerNominalPowerMeetsConsensusMinimum(f.ctx, f.miner)
	require.NoError(t, err)
	assert.True(t, ok)

	mas, err := f.view.LoadMinerState(f.ctx, f.miner)
	require.NoError(t, err)
	debt := mas.FeeDebt()
	assert.True(t, debt.IsZero())
}

type noChallenges struct{}

func (noChallenges) GenerateWinningPoStSectorChallenge(context.Context, abi.RegisteredPoStProof, abi.ActorID, abi.PoStRandomness, uint64) ([]uint64, error) {
	panic("no sectors to challenge")
}

func TestWinningPoStWithoutSectors(t *testing.T) {
	tf.UnitTest(t)
	f := newViewFixture(t)

	sectors, err := f.view.GetSectorsForWinningPoSt(f.ctx, network.Version15, noChallenges{}, f.miner, make([]byte, 32))
	require.NoError(t, err)
	assert.Empty(t, sectors)
}

func TestLoadVersionedStates(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()
	cst := cbor.NewCborStore(blockstoreutil.NewMemory())
	store := adt7.WrapStore(ctx, cst)

	key := testhelpers.NewForTestGetter()()
	head, err := cst.Put(ctx, &account6.State{Address: key})
	require.NoError(t, err)

	act := types.NewActor(builtin6.AccountActorCodeID, big.Zero(), head)
	as, err := state.LoadAccountState(store, act)
	require.NoError(t, err)
	assert.Equal(t, key, as.PubkeyAddress())
	assert.True(t, state.IsAccountActor(act.Code))

	v, err := state.VersionOf(act.Code)
	require.NoError(t, err)
	assert.Equal(t, state.Version6, v)

	_, err = state.LoadMinerState(store, act)
	assert.ErrorIs(t, err, state.ErrUnknownCode)
}

func TestMinerFeeDebt(t *testing.T) {
	tf.UnitTest(t)
	bs := blockstoreutil.NewMemory()
	sb := testhelpers.NewStateBuilder(t, bs)
	worker := testhelpers.NewForTestGetter()()
	sb.AddAccount(worker, abi.NewTokenAmount(100))
	miner := sb.AddMiner(worker, abi.NewStoragePower(2048), abi.NewStoragePower(2048))
	sb.MutateMiner(miner, func(st *miner7.State) {
		st.FeeDebt = abi.NewTokenAmount(7)
	})

	view := state.NewView(cbor.NewCborStore(bs), sb.Flush())
	mas, err := view.LoadMinerState(context.Background(), miner)
	require.NoError(t, err)
	assert.Equal(t, abi.NewTokenAmount(7), mas.FeeDebt())
}
