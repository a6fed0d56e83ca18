package consensus_test

import (
	"testing"

	"github.com/filecoin-project/go-state-types/abi"
	acrypto "github.com/filecoin-project/go-state-types/crypto"
	"github.com/filecoin-project/go-state-types/network"
	miner7 "github.com/filecoin-project/specs-actors/v7/actors/builtin/miner"
	proof7 "github.com/filecoin-project/specs-actors/v7/actors/runtime/proof"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/venus-core/pkg/consensus"
	"github.com/filecoin-project/venus-core/pkg/constants"
	"github.com/filecoin-project/venus-core/pkg/state"
	"github.com/filecoin-project/venus-core/pkg/testhelpers"
	tf "github.com/filecoin-project/venus-core/pkg/testhelpers/testflags"
)

func TestDrawRandomness(t *testing.T) {
	tf.UnitTest(t)

	a, err := consensus.DrawRandomness([]byte("beacon"), acrypto.DomainSeparationTag_TicketProduction, 10, []byte("miner"))
	require.NoError(t, err)
	b, err := consensus.DrawRandomness([]byte("beacon"), acrypto.DomainSeparationTag_TicketProduction, 10, []byte("miner"))
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 32)

	c, err := consensus.DrawRandomness([]byte("beacon"), acrypto.DomainSeparationTag_ElectionProofProduction, 10, []byte("miner"))
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
	d, err := consensus.DrawRandomness([]byte("beacon"), acrypto.DomainSeparationTag_TicketProduction, 11, []byte("miner"))
	require.NoError(t, err)
	assert.NotEqual(t, a, d)
}

func TestVerifyVRF(t *testing.T) {
	tf.UnitTest(t)
	f := newFixture(t)
	worker, err := f.worker.Address()
	require.NoError(t, err)

	rand := []byte("randomness")
	vrf := f.sign(rand)
	assert.NoError(t, consensus.VerifyVRF(worker, rand, vrf))
	assert.ErrorIs(t, consensus.VerifyVRF(worker, []byte("other"), vrf), consensus.ErrInvalidVRF)

	secp, err := testhelpers.MustGenerateKeyInfo(1, 3)[0].Address()
	require.NoError(t, err)
	assert.ErrorIs(t, consensus.VerifyVRF(secp, rand, vrf), consensus.ErrInvalidVRF)
}

func TestIsFakeWinningPoSt(t *testing.T) {
	tf.UnitTest(t)

	fake := proof7.PoStProof{PoStProof: abi.RegisteredPoStProof_StackedDrgWinning2KiBV1, ProofBytes: constants.FakeWinningPoStProof}
	other := proof7.PoStProof{PoStProof: abi.RegisteredPoStProof_StackedDrgWinning2KiBV1, ProofBytes: []byte{1}}

	assert.True(t, consensus.IsFakeWinningPoSt([]proof7.PoStProof{fake}))
	assert.False(t, consensus.IsFakeWinningPoSt(nil))
	assert.False(t, consensus.IsFakeWinningPoSt([]proof7.PoStProof{other}))
	assert.False(t, consensus.IsFakeWinningPoSt([]proof7.PoStProof{fake, fake}))
}

func TestMinerEligibleToMine(t *testing.T) {
	tf.UnitTest(t)
	f := newFixture(t)
	view := state.NewView(f.builder.CborStore(), f.gen.ParentState())

	ok, err := consensus.MinerEligibleToMine(f.ctx, f.miner, view, view, 0, network.Version15)
	require.NoError(t, err)
	assert.True(t, ok)

	// a recent consensus fault bars the miner until it elapses
	sb := testhelpers.NewStateBuilder(t, f.bs)
	worker, err := f.worker.Address()
	require.NoError(t, err)
	sb.AddAccount(worker, abi.NewTokenAmount(0))
	maddr := sb.AddMiner(worker, minerPower, minerPower)
	sb.MutateMiner(maddr, func(st *miner7.State) {
		var info miner7.MinerInfo
		require.NoError(t, f.builder.CborStore().Get(f.ctx, st.Info, &info))
		info.ConsensusFaultElapsed = 100
		st.Info, err = f.builder.CborStore().Put(f.ctx, &info)
		require.NoError(t, err)
	})
	faulted := state.NewView(f.builder.CborStore(), sb.Flush())

	ok, err = consensus.MinerEligibleToMine(f.ctx, maddr, faulted, faulted, 50, network.Version15)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = consensus.MinerEligibleToMine(f.ctx, maddr, faulted, faulted, 101, network.Version15)
	require.NoError(t, err)
	assert.True(t, ok)
}
