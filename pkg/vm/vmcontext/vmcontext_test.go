package vmcontext_test

import (
	"context"
	"testing"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"
	"github.com/filecoin-project/go-state-types/exitcode"
	"github.com/filecoin-project/go-state-types/network"
	builtin7 "github.com/filecoin-project/specs-actors/v7/actors/builtin"
	"github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/venus-core/pkg/state"
	"github.com/filecoin-project/venus-core/pkg/state/tree"
	"github.com/filecoin-project/venus-core/pkg/testhelpers"
	tf "github.com/filecoin-project/venus-core/pkg/testhelpers/testflags"
	"github.com/filecoin-project/venus-core/pkg/vm/gas"
	"github.com/filecoin-project/venus-core/pkg/vm/vmcontext"
	blockstoreutil "github.com/filecoin-project/venus-core/venus-shared/blockstore"
	"github.com/filecoin-project/venus-core/venus-shared/types"
)

const (
	methodFail  = abi.MethodNum(5)
	methodNest  = abi.MethodNum(6)
	methodStamp = abi.MethodNum(7)
)

var initialBalance = abi.NewTokenAmount(1_000_000_000_000_000_000)

type vmFixture struct {
	t        *testing.T
	ctx      context.Context
	bs       blockstoreutil.Blockstore
	invoker  *testhelpers.FakeInvoker
	root     cid.Cid
	sender   address.Address
	senderID address.Address
	recvID   address.Address
	otherID  address.Address
}

func newVMFixture(t *testing.T) *vmFixture {
	bs := blockstoreutil.NewMemory()
	sb := testhelpers.NewStateBuilder(t, bs)
	addrs := testhelpers.NewForTestGetter()

	f := &vmFixture{t: t, ctx: context.Background(), bs: bs, invoker: testhelpers.NewFakeInvoker()}
	f.sender = addrs()
	f.senderID = sb.AddAccount(f.sender, initialBalance)
	f.recvID = sb.AddAccount(addrs(), big.Zero())
	f.otherID = sb.AddAccount(addrs(), big.Zero())
	f.root = sb.Flush()

	f.invoker.Register(builtin7.AccountActorCodeID, methodStamp, testhelpers.StampEpoch)
	f.invoker.Register(builtin7.AccountActorCodeID, methodFail, func(rt vmcontext.Runtime, code cid.Cid, method abi.MethodNum, params []byte) ([]byte, exitcode.ExitCode) {
		if _, code := testhelpers.StampEpoch(rt, code, method, params); code != exitcode.Ok {
			return nil, code
		}
		return nil, exitcode.ErrIllegalArgument
	})
	f.invoker.Register(builtin7.AccountActorCodeID, methodNest, func(rt vmcontext.Runtime, code cid.Cid, method abi.MethodNum, params []byte) ([]byte, exitcode.ExitCode) {
		if _, code := rt.Send(f.otherID, methodFail, nil, big.Zero()); code != exitcode.ErrIllegalArgument {
			return nil, exitcode.ErrIllegalState
		}
		return testhelpers.StampEpoch(rt, code, method, params)
	})
	return f
}

func (f *vmFixture) newEnv(ctx context.Context) *vmcontext.Env {
	env, err := vmcontext.NewEnv(ctx, vmcontext.VmOption{
		NetworkVersion: network.Version15,
		BaseFee:        abi.NewTokenAmount(100),
		Epoch:          10,
		PRoot:          f.root,
		Bsstore:        f.bs,
		Invoker:        f.invoker,
	})
	require.NoError(f.t, err)
	return env
}

func (f *vmFixture) message(to address.Address, nonce uint64, method abi.MethodNum, value int64) *types.Message {
	return &types.Message{
		To:         to,
		From:       f.sender,
		Nonce:      nonce,
		Value:      abi.NewTokenAmount(value),
		GasLimit:   10_000_000,
		GasFeeCap:  abi.NewTokenAmount(200),
		GasPremium: abi.NewTokenAmount(10),
		Method:     method,
	}
}

func (f *vmFixture) actor(root cid.Cid, addr address.Address) *types.Actor {
	st, err := tree.LoadState(f.ctx, cbor.NewCborStore(f.bs), root)
	require.NoError(f.t, err)
	act, found, err := st.GetActor(f.ctx, addr)
	require.NoError(f.t, err)
	require.True(f.t, found, "actor %s", addr)
	return act
}

func TestApplyMessageTransfersValue(t *testing.T) {
	tf.UnitTest(t)
	f := newVMFixture(t)
	env := f.newEnv(f.ctx)

	newKey, err := address.NewSecp256k1Address([]byte("fresh receiver"))
	require.NoError(t, err)

	ret, err := env.ApplyMessage(f.ctx, f.message(newKey, 0, builtin7.MethodSend, 1000))
	require.NoError(t, err)
	assert.Equal(t, exitcode.Ok, ret.Receipt.ExitCode)
	assert.Greater(t, ret.Receipt.GasUsed, int64(0))

	root, err := env.Flush(f.ctx)
	require.NoError(t, err)

	created := f.actor(root, newKey)
	assert.Equal(t, abi.NewTokenAmount(1000), created.Balance)
	assert.True(t, state.IsAccountActor(created.Code))

	sender := f.actor(root, f.senderID)
	assert.Equal(t, uint64(1), sender.Nonce)
	spent := big.Sum(abi.NewTokenAmount(1000), ret.OutPuts.BaseFeeBurn, ret.OutPuts.MinerTip, ret.OutPuts.OverEstimationBurn)
	assert.Equal(t, big.Sub(initialBalance, spent), sender.Balance)

	burnt := f.actor(root, state.BurntFundsActorAddr)
	assert.Equal(t, big.Add(ret.OutPuts.BaseFeeBurn, ret.OutPuts.OverEstimationBurn), burnt.Balance)
}

func TestApplyMessageSenderChecks(t *testing.T) {
	tf.UnitTest(t)
	f := newVMFixture(t)
	env := f.newEnv(f.ctx)
	penalty := big.Mul(abi.NewTokenAmount(100), big.NewInt(10_000_000))

	ret, err := env.ApplyMessage(f.ctx, f.message(f.recvID, 3, builtin7.MethodSend, 1))
	require.NoError(t, err)
	assert.Equal(t, exitcode.SysErrSenderStateInvalid, ret.Receipt.ExitCode)
	assert.Equal(t, penalty, ret.OutPuts.MinerPenalty)

	unknown, err := address.NewSecp256k1Address([]byte("nobody"))
	require.NoError(t, err)
	msg := f.message(f.recvID, 0, builtin7.MethodSend, 1)
	msg.From = unknown
	ret, err = env.ApplyMessage(f.ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, exitcode.SysErrSenderInvalid, ret.Receipt.ExitCode)

	// the reward actor is not an account
	msg.From = state.RewardActorAddr
	ret, err = env.ApplyMessage(f.ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, exitcode.SysErrSenderInvalid, ret.Receipt.ExitCode)

	root, err := env.Flush(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), f.actor(root, f.senderID).Nonce)
	assert.Equal(t, initialBalance, f.actor(root, f.senderID).Balance)
}

func TestApplyMessageOutOfGasForSize(t *testing.T) {
	tf.UnitTest(t)
	f := newVMFixture(t)
	env := f.newEnv(f.ctx)

	msg := f.message(f.recvID, 0, builtin7.MethodSend, 1)
	msg.GasLimit = 100
	ret, err := env.ApplyMessage(f.ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, exitcode.SysErrOutOfGas, ret.Receipt.ExitCode)

	onChain := gas.PricelistByVersion().OnChainMessage(msg.ChainLength()).Total()
	assert.Equal(t, big.Mul(abi.NewTokenAmount(100), big.NewInt(onChain)), ret.OutPuts.MinerPenalty)
}

func TestFailedMethodReverts(t *testing.T) {
	tf.UnitTest(t)
	f := newVMFixture(t)
	env := f.newEnv(f.ctx)
	before := f.actor(f.root, f.recvID)

	ret, err := env.ApplyMessage(f.ctx, f.message(f.recvID, 0, methodFail, 7))
	require.NoError(t, err)
	assert.Equal(t, exitcode.ErrIllegalArgument, ret.Receipt.ExitCode)

	root, err := env.Flush(f.ctx)
	require.NoError(t, err)
	after := f.actor(root, f.recvID)
	assert.Equal(t, before.Head, after.Head)
	assert.True(t, after.Balance.IsZero())
	// the nonce bump and gas survive the revert
	sender := f.actor(root, f.senderID)
	assert.Equal(t, uint64(1), sender.Nonce)
	assert.True(t, sender.Balance.LessThan(initialBalance))
}

func TestNestedSendRevertsOnlyCallee(t *testing.T) {
	tf.UnitTest(t)
	f := newVMFixture(t)
	env := f.newEnv(f.ctx)
	otherBefore := f.actor(f.root, f.otherID)
	recvBefore := f.actor(f.root, f.recvID)

	ret, err := env.ApplyMessage(f.ctx, f.message(f.recvID, 0, methodNest, 0))
	require.NoError(t, err)
	require.Equal(t, exitcode.Ok, ret.Receipt.ExitCode)

	root, err := env.Flush(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, otherBefore.Head, f.actor(root, f.otherID).Head)
	assert.NotEqual(t, recvBefore.Head, f.actor(root, f.recvID).Head)

	calls := f.invoker.Calls(builtin7.AccountActorCodeID, methodFail)
	require.Len(t, calls, 1)
	assert.Equal(t, f.recvID, calls[0].From)
	assert.Equal(t, f.otherID, calls[0].To)
}

func TestImplicitMessages(t *testing.T) {
	tf.UnitTest(t)
	f := newVMFixture(t)
	f.invoker.Register(builtin7.CronActorCodeID, builtin7.MethodsCron.EpochTick, testhelpers.StampEpoch)
	f.invoker.Register(builtin7.RewardActorCodeID, builtin7.MethodsReward.AwardBlockReward, testhelpers.Fail(exitcode.ErrForbidden))
	env := f.newEnv(f.ctx)

	tick := &types.Message{
		From:   state.SystemActorAddr,
		To:     state.CronActorAddr,
		Value:  big.Zero(),
		Method: builtin7.MethodsCron.EpochTick,
	}
	var roots []cid.Cid
	for _, epoch := range []abi.ChainEpoch{11, 12} {
		env.SetEpoch(epoch, network.Version15)
		ret, err := env.ApplyImplicitMessage(f.ctx, tick)
		require.NoError(t, err)
		assert.Equal(t, exitcode.Ok, ret.Receipt.ExitCode)
		root, err := env.Flush(f.ctx)
		require.NoError(t, err)
		roots = append(roots, root)
	}
	assert.NotEqual(t, roots[0], roots[1])
	calls := f.invoker.Calls(builtin7.CronActorCodeID, builtin7.MethodsCron.EpochTick)
	require.Len(t, calls, 2)
	assert.Equal(t, abi.ChainEpoch(11), calls[0].Epoch)
	assert.Equal(t, abi.ChainEpoch(12), calls[1].Epoch)

	ret, err := env.ApplyImplicitMessage(f.ctx, &types.Message{
		From:   state.SystemActorAddr,
		To:     state.RewardActorAddr,
		Method: builtin7.MethodsReward.AwardBlockReward,
	})
	require.NoError(t, err)
	assert.Equal(t, exitcode.ErrForbidden, ret.Receipt.ExitCode)
}

func TestDiagnosticsSink(t *testing.T) {
	tf.UnitTest(t)
	f := newVMFixture(t)
	sink := vmcontext.NewVMDebugMsg()
	ctx := vmcontext.WithDiagnostics(f.ctx, sink)
	env := f.newEnv(ctx)

	ret, err := env.ApplyMessage(ctx, f.message(f.recvID, 0, methodStamp, 0))
	require.NoError(t, err)
	require.Equal(t, exitcode.Ok, ret.Receipt.ExitCode)
	assert.Contains(t, sink.String(), "invoke")

	_, ok := vmcontext.DiagnosticsFrom(context.Background())
	assert.False(t, ok)
}
