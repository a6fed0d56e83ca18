package consensus_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"
	"github.com/filecoin-project/go-state-types/exitcode"
	builtin7 "github.com/filecoin-project/specs-actors/v7/actors/builtin"
	reward7 "github.com/filecoin-project/specs-actors/v7/actors/builtin/reward"
	cbor "github.com/ipfs/go-ipld-cbor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/venus-core/pkg/chain"
	"github.com/filecoin-project/venus-core/pkg/consensus"
	"github.com/filecoin-project/venus-core/pkg/state/tree"
	"github.com/filecoin-project/venus-core/pkg/testhelpers"
	tf "github.com/filecoin-project/venus-core/pkg/testhelpers/testflags"
	"github.com/filecoin-project/venus-core/venus-shared/types"
)

func TestInterpretGenesis(t *testing.T) {
	tf.UnitTest(t)
	f := newFixture(t)

	res, err := f.interpreter().Interpret(f.ctx, f.branch(f.gen), f.gen)
	require.NoError(t, err)
	assert.Equal(t, f.gen.ParentState(), res.StateRoot)
	assert.Equal(t, f.gen.ParentMessageReceipts(), res.Receipts)
	assert.True(t, res.Weight.Equals(big.NewInt(1)))

	assert.Empty(t, f.invoker.Calls(builtin7.CronActorCodeID, builtin7.MethodsCron.EpochTick))
}

func TestInterpretIsDeterministic(t *testing.T) {
	tf.UnitTest(t)
	f := newFixture(t)
	f.invoker.Register(builtin7.CronActorCodeID, builtin7.MethodsCron.EpochTick, testhelpers.StampEpoch)

	child := f.builder.AppendOn(f.gen, 1)
	branch := f.branch(child)
	in := f.interpreter()

	first, err := in.Interpret(f.ctx, branch, child)
	require.NoError(t, err)
	second, err := in.Interpret(f.ctx, branch, child)
	require.NoError(t, err)
	assert.True(t, first.Equals(second))
	assert.NotEqual(t, f.gen.ParentState(), first.StateRoot)
	assert.True(t, first.Weight.Equals(big.NewInt(int64(child.Len())+1)))

	assert.Len(t, f.invoker.Calls(builtin7.CronActorCodeID, builtin7.MethodsCron.EpochTick), 2)
	assert.Len(t, f.invoker.Calls(builtin7.RewardActorCodeID, builtin7.MethodsReward.AwardBlockReward), 2)
}

func TestInterpretTicksCronOnNullRounds(t *testing.T) {
	tf.UnitTest(t)
	f := newFixture(t)
	f.invoker.Register(builtin7.CronActorCodeID, builtin7.MethodsCron.EpochTick, testhelpers.StampEpoch)

	parent := f.builder.AppendManyOn(10, f.gen)
	child := f.builder.AppendWithNulls(parent, 2, 1)
	require.Equal(t, abi.ChainEpoch(13), child.Height())

	_, err := f.interpreter().Interpret(f.ctx, f.branch(child), child)
	require.NoError(t, err)

	var epochs []abi.ChainEpoch
	for _, c := range f.invoker.Calls(builtin7.CronActorCodeID, builtin7.MethodsCron.EpochTick) {
		epochs = append(epochs, c.Epoch)
	}
	assert.Equal(t, []abi.ChainEpoch{11, 12, 13}, epochs)
}

func TestInterpretNullRoundsChangeState(t *testing.T) {
	tf.UnitTest(t)
	f := newFixture(t)
	f.invoker.Register(builtin7.CronActorCodeID, builtin7.MethodsCron.EpochTick, testhelpers.CountCalls)

	parent := f.builder.AppendManyOn(10, f.gen)
	folded := f.builder.AppendWithNulls(parent, 2, 1)
	// same miner and messages, executed without null rounds
	direct := f.builder.BuildOn(parent, 0, 1, func(_ int, blk *types.BlockHeader) {
		blk.Miner = folded.At(0).Miner
	})

	in := f.interpreter()
	foldedRes, err := in.Interpret(f.ctx, f.branch(folded), folded)
	require.NoError(t, err)
	require.Len(t, f.invoker.Calls(builtin7.CronActorCodeID, builtin7.MethodsCron.EpochTick), 3)

	directRes, err := in.Interpret(f.ctx, f.branch(direct), direct)
	require.NoError(t, err)
	require.Len(t, f.invoker.Calls(builtin7.CronActorCodeID, builtin7.MethodsCron.EpochTick), 4)

	assert.NotEqual(t, directRes.StateRoot, foldedRes.StateRoot)
	assert.Equal(t, directRes.Receipts, foldedRes.Receipts)
}

func TestInterpretAppliesMessages(t *testing.T) {
	tf.UnitTest(t)
	f := newFixture(t)

	meta := f.storeMessages(nil, []*types.Message{f.transfer(0, 1000)})
	// both blocks carry the same message, it is applied once
	child := f.builder.BuildOn(f.gen, 0, 2, func(_ int, blk *types.BlockHeader) {
		blk.Messages = meta
	})

	res, err := f.interpreter().Interpret(f.ctx, f.branch(child), child)
	require.NoError(t, err)

	receipts, err := chain.NewMessageStore(f.bs).LoadReceipts(f.ctx, res.Receipts)
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	assert.Equal(t, exitcode.Ok, receipts[0].ExitCode)
	assert.Greater(t, receipts[0].GasUsed, int64(0))

	st, err := tree.LoadState(f.ctx, cbor.NewCborStore(f.bs), res.StateRoot)
	require.NoError(t, err)
	recv, found, err := st.GetActor(f.ctx, f.recvID)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, recv.Balance.Equals(abi.NewTokenAmount(1000)))
	sender, found, err := st.GetActor(f.ctx, f.senderID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint64(1), sender.Nonce)

	rewards := f.invoker.Calls(builtin7.RewardActorCodeID, builtin7.MethodsReward.AwardBlockReward)
	require.Len(t, rewards, 2)
	tipped := 0
	for i, call := range rewards {
		var params reward7.AwardBlockRewardParams
		require.NoError(t, params.UnmarshalCBOR(bytes.NewReader(call.Params)))
		assert.Equal(t, child.At(i).Miner, params.Miner)
		assert.Equal(t, int64(1), params.WinCount)
		if params.GasReward.GreaterThan(big.Zero()) {
			tipped++
		}
	}
	assert.Equal(t, 1, tipped)
}

func TestInterpretRejectsDuplicateMiner(t *testing.T) {
	tf.UnitTest(t)
	f := newFixture(t)

	child := f.builder.BuildOn(f.gen, 0, 2, func(_ int, blk *types.BlockHeader) {
		blk.Miner = f.miner
	})
	_, err := f.interpreter().Interpret(f.ctx, f.branch(child), child)
	assert.ErrorIs(t, err, consensus.ErrDuplicateMiner)
}

func TestInterpretImplicitMessageFailures(t *testing.T) {
	tf.UnitTest(t)

	t.Run("reward", func(t *testing.T) {
		f := newFixture(t)
		f.invoker.Register(builtin7.RewardActorCodeID, builtin7.MethodsReward.AwardBlockReward, testhelpers.Fail(exitcode.ErrIllegalState))
		child := f.builder.AppendOn(f.gen, 1)
		_, err := f.interpreter().Interpret(f.ctx, f.branch(child), child)
		assert.ErrorIs(t, err, consensus.ErrMinerSubmitFailed)
	})

	t.Run("cron", func(t *testing.T) {
		f := newFixture(t)
		f.invoker.Register(builtin7.CronActorCodeID, builtin7.MethodsCron.EpochTick, testhelpers.Fail(exitcode.ErrIllegalState))
		child := f.builder.AppendOn(f.gen, 1)
		_, err := f.interpreter().Interpret(f.ctx, f.branch(child), child)
		assert.ErrorIs(t, err, consensus.ErrCronTickFailed)
	})
}

type rejectAll struct{ calls int }

func (r *rejectAll) ValidateBlock(context.Context, *chain.TsBranch, *types.BlockHeader) error {
	r.calls++
	return consensus.ErrInvalidTicket
}

func TestInterpretRunsValidator(t *testing.T) {
	tf.UnitTest(t)
	f := newFixture(t)

	child := f.builder.AppendOn(f.gen, 1)
	in := f.interpreter()
	v := &rejectAll{}
	in.SetValidator(v)

	_, err := in.Interpret(f.ctx, f.branch(child), child)
	assert.ErrorIs(t, err, consensus.ErrInvalidTicket)
	assert.Equal(t, 1, v.calls)
	assert.Empty(t, f.invoker.Calls(builtin7.CronActorCodeID, builtin7.MethodsCron.EpochTick))
}
