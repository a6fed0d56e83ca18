package testhelpers

import (
	"context"
	"fmt"
	"testing"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"
	builtin7 "github.com/filecoin-project/specs-actors/v7/actors/builtin"
	account7 "github.com/filecoin-project/specs-actors/v7/actors/builtin/account"
	cron7 "github.com/filecoin-project/specs-actors/v7/actors/builtin/cron"
	init7 "github.com/filecoin-project/specs-actors/v7/actors/builtin/init"
	miner7 "github.com/filecoin-project/specs-actors/v7/actors/builtin/miner"
	power7 "github.com/filecoin-project/specs-actors/v7/actors/builtin/power"
	reward7 "github.com/filecoin-project/specs-actors/v7/actors/builtin/reward"
	system7 "github.com/filecoin-project/specs-actors/v7/actors/builtin/system"
	adt7 "github.com/filecoin-project/specs-actors/v7/actors/util/adt"
	"github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
	"github.com/stretchr/testify/require"
	cbg "github.com/whyrusleeping/cbor-gen"

	"github.com/filecoin-project/venus-core/pkg/state/tree"
	blockstoreutil "github.com/filecoin-project/venus-core/venus-shared/blockstore"
	"github.com/filecoin-project/venus-core/venus-shared/types"
)

// TestProofType is the window PoSt proof type of builder miners.
const TestProofType = abi.RegisteredPoStProof_StackedDrgWindow2KiBV1

// StateBuilder makes v7 actor states with the singletons consensus needs:
// system, init, cron, reward, power and burnt funds.
type StateBuilder struct {
	t     *testing.T
	ctx   context.Context
	cst   cbor.IpldStore
	store adt7.Store
	Tree  *tree.State
	power *power7.State
	seq   int
}

func NewStateBuilder(t *testing.T, bs blockstoreutil.Blockstore) *StateBuilder {
	ctx := context.Background()
	cst := cbor.NewCborStore(bs)
	store := adt7.WrapStore(ctx, cst)
	st, err := tree.NewState(cst, types.StateTreeVersion4)
	require.NoError(t, err)

	b := &StateBuilder{t: t, ctx: ctx, cst: cst, store: store, Tree: st}

	ias, err := init7.ConstructState(store, "testnet")
	require.NoError(t, err)
	b.put(builtin7.InitActorAddr, builtin7.InitActorCodeID, big.Zero(), ias)
	b.put(builtin7.SystemActorAddr, builtin7.SystemActorCodeID, big.Zero(), &system7.State{})
	b.put(builtin7.CronActorAddr, builtin7.CronActorCodeID, big.Zero(), cron7.ConstructState(nil))
	b.put(builtin7.RewardActorAddr, builtin7.RewardActorCodeID, abi.NewTokenAmount(1_000_000_000), reward7.ConstructState(big.Zero()))
	b.put(builtin7.BurntFundsActorAddr, builtin7.AccountActorCodeID, big.Zero(), &account7.State{Address: builtin7.BurntFundsActorAddr})

	b.power, err = power7.ConstructState(store)
	require.NoError(t, err)
	b.put(builtin7.StoragePowerActorAddr, builtin7.StoragePowerActorCodeID, big.Zero(), b.power)
	return b
}

func (b *StateBuilder) put(addr address.Address, code cid.Cid, balance abi.TokenAmount, state cbg.CBORMarshaler) {
	head, err := b.cst.Put(b.ctx, state)
	require.NoError(b.t, err)
	require.NoError(b.t, b.Tree.SetActor(b.ctx, addr, types.NewActor(code, balance, head)))
}

// AddAccount registers key in the init actor and gives it an account actor.
// It returns the ID address.
func (b *StateBuilder) AddAccount(key address.Address, balance abi.TokenAmount) address.Address {
	id, err := b.Tree.RegisterNewAddress(key)
	require.NoError(b.t, err)
	b.put(id, builtin7.AccountActorCodeID, balance, &account7.State{Address: key})
	return id
}

// AddMiner creates a miner actor with worker and owner set to the account
// worker and a power claim of raw bytes and qa quality adjusted bytes.
func (b *StateBuilder) AddMiner(worker address.Address, raw, qa abi.StoragePower) address.Address {
	b.seq++
	robust, err := address.NewActorAddress([]byte(fmt.Sprintf("miner%d", b.seq)))
	require.NoError(b.t, err)
	id, err := b.Tree.RegisterNewAddress(robust)
	require.NoError(b.t, err)

	workerID, err := b.Tree.LookupID(worker)
	require.NoError(b.t, err)
	info := &miner7.MinerInfo{
		Owner:                      workerID,
		Worker:                     workerID,
		PeerId:                     []byte{},
		WindowPoStProofType:        TestProofType,
		SectorSize:                 abi.SectorSize(2048),
		WindowPoStPartitionSectors: 2,
		ConsensusFaultElapsed:      abi.ChainEpoch(-1),
	}
	infoCid, err := b.cst.Put(b.ctx, info)
	require.NoError(b.t, err)
	mst, err := miner7.ConstructState(b.store, infoCid, 0, 0)
	require.NoError(b.t, err)
	b.put(id, builtin7.StorageMinerActorCodeID, big.Zero(), mst)

	claims, err := adt7.AsMap(b.store, b.power.Claims, builtin7.DefaultHamtBitwidth)
	require.NoError(b.t, err)
	require.NoError(b.t, claims.Put(abi.AddrKey(id), &power7.Claim{
		WindowPoStProofType: TestProofType,
		RawBytePower:        raw,
		QualityAdjPower:     qa,
	}))
	b.power.Claims, err = claims.Root()
	require.NoError(b.t, err)
	b.power.TotalRawBytePower = big.Add(b.power.TotalRawBytePower, raw)
	b.power.TotalQualityAdjPower = big.Add(b.power.TotalQualityAdjPower, qa)
	b.power.MinerCount++
	b.put(builtin7.StoragePowerActorAddr, builtin7.StoragePowerActorCodeID, big.Zero(), b.power)
	return id
}

// MutateMiner rewrites the state of a miner actor.
func (b *StateBuilder) MutateMiner(maddr address.Address, f func(st *miner7.State)) {
	act, found, err := b.Tree.GetActor(b.ctx, maddr)
	require.NoError(b.t, err)
	require.True(b.t, found)
	var st miner7.State
	require.NoError(b.t, b.cst.Get(b.ctx, act.Head, &st))
	f(&st)
	b.put(maddr, act.Code, act.Balance, &st)
}

// Flush writes the state and returns its root.
func (b *StateBuilder) Flush() cid.Cid {
	root, err := b.Tree.Flush(b.ctx)
	require.NoError(b.t, err)
	return root
}
