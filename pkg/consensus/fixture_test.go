package consensus_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"
	"github.com/filecoin-project/go-state-types/network"
	proof7 "github.com/filecoin-project/specs-actors/v7/actors/runtime/proof"
	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/venus-core/pkg/chain"
	"github.com/filecoin-project/venus-core/pkg/consensus"
	"github.com/filecoin-project/venus-core/pkg/constants"
	"github.com/filecoin-project/venus-core/pkg/crypto"
	"github.com/filecoin-project/venus-core/pkg/fork"
	"github.com/filecoin-project/venus-core/pkg/repo"
	"github.com/filecoin-project/venus-core/pkg/testhelpers"
	blockstoreutil "github.com/filecoin-project/venus-core/venus-shared/blockstore"
	"github.com/filecoin-project/venus-core/venus-shared/types"
)

var (
	initialBalance = abi.NewTokenAmount(1_000_000_000_000_000_000)
	minerPower     = abi.NewStoragePower(1 << 40)
)

type fixture struct {
	t        *testing.T
	ctx      context.Context
	repo     *repo.MemRepo
	bs       blockstoreutil.Blockstore
	builder  *testhelpers.ChainBuilder
	invoker  *testhelpers.FakeInvoker
	tsLoad   chain.TsLoad
	branches *chain.Branches
	forks    fork.IFork
	rnd      chain.RandomnessSource
	cache    *consensus.InterpreterCache
	gen      *types.TipSet

	worker   crypto.KeyInfo
	miner    address.Address
	sender   address.Address
	senderID address.Address
	recvID   address.Address
}

func newFixture(t *testing.T) *fixture {
	r := repo.NewInMemoryRepo()
	bs := r.Blockstore()
	f := &fixture{
		t:        t,
		ctx:      context.Background(),
		repo:     r,
		bs:       bs,
		invoker:  testhelpers.NewFakeInvoker(),
		tsLoad:   chain.NewTsLoadCache(chain.NewTsLoadIpld(bs), 100),
		branches: chain.NewBranches(),
		forks:    fork.NewMockFork(network.Version15),
		cache:    consensus.NewInterpreterCache(r.MetaDatastore(), bs),
		worker:   testhelpers.MustGenerateBLSKeyInfo(1, 42)[0],
	}
	f.rnd = chain.NewChainRandomnessSource(f.branches, f.tsLoad, f.forks)

	workerAddr, err := f.worker.Address()
	require.NoError(t, err)
	addrs := testhelpers.NewForTestGetter()

	sb := testhelpers.NewStateBuilder(t, bs)
	sb.AddAccount(workerAddr, big.Zero())
	f.miner = sb.AddMiner(workerAddr, minerPower, minerPower)
	f.sender = addrs()
	f.senderID = sb.AddAccount(f.sender, initialBalance)
	f.recvID = sb.AddAccount(addrs(), big.Zero())

	f.builder = testhelpers.NewChainBuilder(t, bs)
	f.builder.StateRoot = sb.Flush()
	f.gen = f.builder.Genesis()
	return f
}

func (f *fixture) interpreter() *consensus.Interpreter {
	return consensus.NewInterpreter(f.bs, f.branches, f.tsLoad, f.rnd, f.forks, f.invoker, testhelpers.FakeWeigher{})
}

func (f *fixture) cachedInterpreter() *consensus.CachedInterpreter {
	return consensus.NewCachedInterpreter(f.interpreter(), f.cache, f.tsLoad)
}

func (f *fixture) validator() *consensus.BlockValidator {
	return consensus.NewBlockValidator(f.repo.MetaDatastore(), f.bs, f.branches, f.tsLoad, f.cache, f.forks, consensus.FakeProofEngine{}, true)
}

// branch registers the branch running from genesis to head.
func (f *fixture) branch(head *types.TipSet) *chain.TsBranch {
	b, err := chain.MakeMemoryBranch(f.ctx, f.tsLoad, head.Key())
	require.NoError(f.t, err)
	f.branches.Mu.Lock()
	f.branches.Add(b)
	f.branches.Mu.Unlock()
	return b
}

func (f *fixture) transfer(nonce uint64, value int64) *types.Message {
	return &types.Message{
		To:         f.recvID,
		From:       f.sender,
		Nonce:      nonce,
		Value:      abi.NewTokenAmount(value),
		GasLimit:   10_000_000,
		GasFeeCap:  abi.NewTokenAmount(200),
		GasPremium: abi.NewTokenAmount(10),
	}
}

func (f *fixture) storeMessages(secp []*types.SignedMessage, bls []*types.Message) cid.Cid {
	meta, err := chain.NewMessageStore(f.bs).StoreMessages(f.ctx, secp, bls)
	require.NoError(f.t, err)
	return meta
}

func (f *fixture) sign(data []byte) []byte {
	sig, err := f.worker.Sign(data)
	require.NoError(f.t, err)
	return sig.Data
}

// mine builds a block of f.miner on parent that passes validation. tamper
// runs before the block is signed.
func (f *fixture) mine(parent *types.TipSet, tamper func(blk *types.BlockHeader)) *types.BlockHeader {
	ts := f.builder.BuildOn(parent, 0, 1, func(_ int, blk *types.BlockHeader) {
		blk.Miner = f.miner
		blk.WinPoStProof = []proof7.PoStProof{{
			PoStProof:  abi.RegisteredPoStProof_StackedDrgWinning2KiBV1,
			ProofBytes: constants.FakeWinningPoStProof,
		}}

		// redraw the beacon until the election is won
		for round := 0; ; round++ {
			blk.BeaconEntries = []types.BeaconEntry{types.NewBeaconEntry(uint64(blk.Height), []byte(fmt.Sprintf("beacon %d", round)))}
			rand, err := consensus.ComputeBlockRandomness(f.miner, blk.Height, blk.BeaconEntries, types.BeaconEntry{}, parent, f.forks.GetForkUpgrade())
			require.NoError(f.t, err)
			vrf := f.sign(rand.Election)
			if wins := consensus.ComputeWinCount(vrf, minerPower, minerPower); wins > 0 {
				blk.ElectionProof = &types.ElectionProof{WinCount: wins, VRFProof: vrf}
				blk.Ticket = &types.Ticket{VRFProof: f.sign(rand.Ticket)}
				break
			}
		}

		if tamper != nil {
			tamper(blk)
		}
		data, err := blk.SignatureData()
		require.NoError(f.t, err)
		sig, err := f.worker.Sign(data)
		require.NoError(f.t, err)
		blk.BlockSig = sig
	})
	return ts.At(0)
}
