package vmcontext

import (
	"context"
	"fmt"
	"time"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"
	"github.com/filecoin-project/go-state-types/exitcode"
	"github.com/filecoin-project/go-state-types/network"
	builtin7 "github.com/filecoin-project/specs-actors/v7/actors/builtin"
	adt7 "github.com/filecoin-project/specs-actors/v7/actors/util/adt"
	"github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"

	"github.com/filecoin-project/venus-core/pkg/state"
	"github.com/filecoin-project/venus-core/pkg/state/tree"
	"github.com/filecoin-project/venus-core/pkg/vm/gas"
	blockstoreutil "github.com/filecoin-project/venus-core/venus-shared/blockstore"
	"github.com/filecoin-project/venus-core/venus-shared/types"
)

const MaxCallDepth = 4096

var vmlog = logging.Logger("vmcontext")

// Env holds the state tree of one tipset execution and applies messages to it.
// Writes go to a buffer that only reaches the backing blockstore on Flush.
type Env struct {
	context context.Context
	invoker Invoker
	bsstore *blockstoreutil.BufferedBS
	store   cbor.IpldStore

	currentEpoch   abi.ChainEpoch
	networkVersion network.Version
	pricelist      gas.Pricelist

	vmOption VmOption

	State tree.Tree
}

var _ Interface = (*Env)(nil)

// NewEnv loads the state at vmOption.PRoot.
func NewEnv(ctx context.Context, vmOption VmOption) (*Env, error) {
	if vmOption.PRoot == cid.Undef {
		return nil, errors.New("vm requires a parent state root")
	}
	base := vmOption.Bsstore
	if vmOption.Tracing {
		base = blockstoreutil.NewLogStore("vm", base)
	}
	buf := blockstoreutil.NewBuffered(base)
	cst := cbor.NewCborStore(buf)
	st, err := tree.LoadState(ctx, cst, vmOption.PRoot)
	if err != nil {
		return nil, errors.Wrapf(err, "load state %s", vmOption.PRoot)
	}

	baseFee := vmOption.BaseFee
	if baseFee.Nil() {
		baseFee = abi.NewTokenAmount(types.MinimumBaseFee)
	}
	vmOption.BaseFee = baseFee

	return &Env{
		context:        ctx,
		invoker:        vmOption.Invoker,
		bsstore:        buf,
		store:          cst,
		State:          st,
		vmOption:       vmOption,
		pricelist:      gas.PricelistByVersion(),
		currentEpoch:   vmOption.Epoch,
		networkVersion: vmOption.NetworkVersion,
	}, nil
}

// SetEpoch moves the env to another epoch, as happens across null rounds.
func (vm *Env) SetEpoch(epoch abi.ChainEpoch, nv network.Version) {
	vm.currentEpoch = epoch
	vm.networkVersion = nv
}

// CurrentEpoch returns the epoch messages are executed at.
func (vm *Env) CurrentEpoch() abi.ChainEpoch {
	return vm.currentEpoch
}

func (vm *Env) NetworkVersion() network.Version {
	return vm.networkVersion
}

func (vm *Env) StateTree() tree.Tree {
	return vm.State
}

// ContextStore provides access To specs-actors adt library.
func (vm *Env) ContextStore() adt7.Store {
	return adt7.WrapStore(vm.context, vm.store)
}

// ApplyImplicitMessage applies messages automatically generated by the vm itself.
//
// These messages do not consume client gas. A non-zero exit code is reported in
// the receipt; the error is reserved for failures of the vm itself.
func (vm *Env) ApplyImplicitMessage(ctx context.Context, msg *types.Message) (*Ret, error) {
	start := time.Now()
	// implicit messages gas is tracked separately and not paid by the miner
	gasTank := gas.NewGasTracker(types.ImplicitMessageGasLimit)

	fromActor, found, err := vm.State.GetActor(ctx, msg.From)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("implicit message `From` field actor not found, addr: %s", msg.From)
	}

	top := &topLevelContext{
		originatorStableAddress: msg.From,
		originatorCallSeq:       fromActor.Nonce,
	}
	imsg := VmMessage{
		From:   msg.From,
		To:     msg.To,
		Value:  msg.Value,
		Method: msg.Method,
		Params: msg.Params,
	}
	ic := newInvocationContext(ctx, vm, top, imsg, gasTank, 0)

	ret, code := ic.invoke()
	if top.fatal != nil {
		return nil, errors.Wrapf(top.fatal, "implicit message to %s method %d", msg.To, msg.Method)
	}
	if code.IsError() {
		vmlog.Warnf("implicit message failed: from %s, to %s, method %d, exit %d", msg.From, msg.To, msg.Method, code)
	}
	return &Ret{
		GasTracker: gasTank,
		OutPuts:    gas.ZeroGasOutputs(),
		Receipt: types.MessageReceipt{
			ExitCode: code,
			Return:   ret,
			GasUsed:  0,
		},
		Duration: time.Since(start),
	}, nil
}

// ApplyMessage applies a message from a block. Every problem with the message
// itself ends up in the receipt and gas outputs.
func (vm *Env) ApplyMessage(ctx context.Context, msg types.ChainMsg) (*Ret, error) {
	ctx, span := trace.StartSpan(ctx, "vm.ApplyMessage")
	defer span.End()

	start := time.Now()
	ret, err := vm.applyMessage(ctx, msg.VMMessage(), msg.ChainLength())
	if ret != nil {
		ret.Duration = time.Since(start)
	}
	return ret, err
}

func (vm *Env) failedRet(gasTank *gas.GasTracker, code exitcode.ExitCode, penalty abi.TokenAmount) *Ret {
	gasOutputs := gas.ZeroGasOutputs()
	gasOutputs.MinerPenalty = penalty
	return &Ret{
		GasTracker: gasTank,
		OutPuts:    gasOutputs,
		Receipt:    Failure(code, 0),
	}
}

// applyMessage applies the message To the current stateView.
func (vm *Env) applyMessage(ctx context.Context, msg *types.Message, onChainMsgSize int) (*Ret, error) {
	gasTank := gas.NewGasTracker(msg.GasLimit)
	baseFee := vm.vmOption.BaseFee
	// pre-send
	// 1. charge for message existence
	// 2. load sender actor
	// 3. check message seq number
	// 4. check sender gas fee is enough
	// 5. increment message seq number
	// 6. withheld maximum gas From _sender_
	// 7. snapshot stateView

	// 1. charge for bytes used in chain
	msgGasCost := vm.pricelist.OnChainMessage(onChainMsgSize)
	if !gasTank.TryCharge(msgGasCost) {
		// Note: the miner needs To pay the full msg cost, not what might have been partially consumed
		return vm.failedRet(gasTank, exitcode.SysErrOutOfGas, big.Mul(baseFee, big.NewInt(msgGasCost.Total()))), nil
	}

	minerPenaltyAmount := big.Mul(baseFee, big.NewInt(msg.GasLimit))

	// 2. load sender actor and check send whether to be an account
	fromActor, found, err := vm.State.GetActor(ctx, msg.From)
	if err != nil {
		return nil, err
	}
	if !found || !state.IsAccountActor(fromActor.Code) {
		return vm.failedRet(gasTank, exitcode.SysErrSenderInvalid, minerPenaltyAmount), nil
	}

	// 3. make sure this is the right message order for fromActor
	if msg.Nonce != fromActor.Nonce {
		return vm.failedRet(gasTank, exitcode.SysErrSenderStateInvalid, minerPenaltyAmount), nil
	}

	// 4. Check sender gas fee is enough
	gasLimitCost := big.Mul(big.NewIntUnsigned(uint64(msg.GasLimit)), msg.GasFeeCap)
	if fromActor.Balance.LessThan(gasLimitCost) {
		return vm.failedRet(gasTank, exitcode.SysErrSenderStateInvalid, minerPenaltyAmount), nil
	}

	// 5. withheld the gas and increment the sender nonce
	gasHolder := &types.Actor{Balance: big.NewInt(0)}
	if err := vm.transferToGasHolder(msg.From, gasHolder, gasLimitCost); err != nil {
		return nil, fmt.Errorf("failed To withdraw gas funds: %w", err)
	}
	if err = vm.State.MutateActor(msg.From, func(msgFromActor *types.Actor) error {
		msgFromActor.IncrementSeqNum()
		return nil
	}); err != nil {
		return nil, err
	}

	// 6. snapshot stateView
	// Even if the message fails, the following accumulated changes will be applied:
	// - CallSeqNumber increment
	// - sender balance withheld
	if err := vm.State.Snapshot(ctx); err != nil {
		return nil, err
	}
	defer vm.State.ClearSnapshot()

	top := &topLevelContext{
		originatorStableAddress: msg.From,
		originatorCallSeq:       msg.Nonce,
	}
	imsg := VmMessage{
		From:   msg.From,
		To:     msg.To,
		Value:  msg.Value,
		Method: msg.Method,
		Params: msg.Params,
	}
	ic := newInvocationContext(ctx, vm, top, imsg, gasTank, 0)

	ret, code := ic.invoke()
	if top.fatal != nil {
		return nil, errors.Wrapf(top.fatal, "apply message %s", msg.Cid())
	}

	// post-send
	// 1. charge for the space used by the return Value
	if !gasTank.TryCharge(vm.pricelist.OnChainReturnValue(len(ret))) {
		code = exitcode.SysErrOutOfGas
		ret = []byte{}
	}

	// Roll back all stateView if the receipt's exit code is not ok.
	if code != exitcode.Ok {
		if err := vm.State.Revert(); err != nil {
			return nil, err
		}
	}

	// 2. settle gas money around (unused_gas -> sender)
	gasUsed := gasTank.GasUsed
	if gasUsed < 0 {
		gasUsed = 0
	}

	burn, err := vm.shouldBurn(ctx, msg, code)
	if err != nil {
		return nil, fmt.Errorf("deciding whether should burn failed: %w", err)
	}

	gasOutputs := gas.ComputeGasOutputs(gasUsed, msg.GasLimit, baseFee, msg.GasFeeCap, msg.GasPremium, burn)

	if err := vm.transferFromGasHolder(state.BurntFundsActorAddr, gasHolder, gasOutputs.BaseFeeBurn); err != nil {
		return nil, fmt.Errorf("failed To burn base fee: %w", err)
	}
	if err := vm.transferFromGasHolder(state.RewardActorAddr, gasHolder, gasOutputs.MinerTip); err != nil {
		return nil, fmt.Errorf("failed To give miner gas reward: %w", err)
	}
	if err := vm.transferFromGasHolder(state.BurntFundsActorAddr, gasHolder, gasOutputs.OverEstimationBurn); err != nil {
		return nil, fmt.Errorf("failed To burn overestimation fee: %w", err)
	}
	// refund unused gas
	if err := vm.transferFromGasHolder(msg.From, gasHolder, gasOutputs.Refund); err != nil {
		return nil, fmt.Errorf("failed To refund gas: %w", err)
	}

	if big.Cmp(big.NewInt(0), gasHolder.Balance) != 0 {
		return nil, fmt.Errorf("gas handling math is wrong")
	}

	return &Ret{
		GasTracker: gasTank,
		OutPuts:    gasOutputs,
		Receipt: types.MessageReceipt{
			ExitCode: code,
			Return:   ret,
			GasUsed:  gasUsed,
		},
	}, nil
}

// shouldBurn skips the base fee burn of successful window posts before network version 13.
func (vm *Env) shouldBurn(ctx context.Context, msg *types.Message, errcode exitcode.ExitCode) (bool, error) {
	if vm.networkVersion > network.Version12 {
		return true, nil
	}
	if errcode != exitcode.Ok || msg.Method != builtin7.MethodsMiner.SubmitWindowedPoSt {
		return true, nil
	}
	toActor, found, err := vm.State.GetActor(ctx, msg.To)
	if err != nil {
		return false, fmt.Errorf("failed to lookup target actor: %w", err)
	}
	if found && state.IsStorageMinerActor(toActor.Code) {
		return false, nil
	}
	return true, nil
}

// transfer debits money From one account and credits it To another. Problems
// the sender is responsible for come back as an exit code, broken state as an error.
func (vm *Env) transfer(ctx context.Context, from address.Address, to address.Address, amount abi.TokenAmount) (exitcode.ExitCode, error) {
	if amount.LessThan(big.Zero()) {
		return exitcode.SysErrForbidden, nil
	}

	fromID, err := vm.State.LookupID(from)
	if err != nil {
		return 0, fmt.Errorf("transfer failed when resolving sender address: %w", err)
	}
	fromActor, found, err := vm.State.GetActor(ctx, fromID)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, fmt.Errorf("sender account %s not found", from)
	}
	if fromActor.Balance.LessThan(amount) {
		return exitcode.SysErrInsufficientFunds, nil
	}

	toID, err := vm.State.LookupID(to)
	if err != nil {
		return 0, fmt.Errorf("transfer failed when resolving receiver address: %w", err)
	}
	if fromID == toID {
		return exitcode.Ok, nil
	}
	toActor, found, err := vm.State.GetActor(ctx, toID)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, fmt.Errorf("credit account %s not found", to)
	}

	fromActor.Balance = big.Sub(fromActor.Balance, amount)
	if err := vm.State.SetActor(ctx, fromID, fromActor); err != nil {
		return 0, err
	}
	toActor.Balance = big.Add(toActor.Balance, amount)
	if err := vm.State.SetActor(ctx, toID, toActor); err != nil {
		return 0, err
	}
	return exitcode.Ok, nil
}

func (vm *Env) transferToGasHolder(addr address.Address, gasHolder *types.Actor, amt abi.TokenAmount) error {
	if amt.LessThan(big.NewInt(0)) {
		return fmt.Errorf("attempted To transfer negative Value To gas holder")
	}
	return vm.State.MutateActor(addr, func(a *types.Actor) error {
		if err := deductFunds(a, amt); err != nil {
			return err
		}
		depositFunds(gasHolder, amt)
		return nil
	})
}

func (vm *Env) transferFromGasHolder(addr address.Address, gasHolder *types.Actor, amt abi.TokenAmount) error {
	if amt.LessThan(big.NewInt(0)) {
		return fmt.Errorf("attempted To transfer negative Value From gas holder")
	}

	if amt.Equals(big.NewInt(0)) {
		return nil
	}

	return vm.State.MutateActor(addr, func(a *types.Actor) error {
		if err := deductFunds(gasHolder, amt); err != nil {
			return err
		}
		depositFunds(a, amt)
		return nil
	})
}

func deductFunds(act *types.Actor, amt abi.TokenAmount) error {
	if act.Balance.LessThan(amt) {
		return fmt.Errorf("not enough funds")
	}

	act.Balance = big.Sub(act.Balance, amt)
	return nil
}

func depositFunds(act *types.Actor, amt abi.TokenAmount) {
	act.Balance = big.Add(act.Balance, amt)
}

type VmMessage struct { //nolint
	From   address.Address
	To     address.Address
	Value  abi.TokenAmount
	Method abi.MethodNum
	Params []byte
}

// Flush writes the state tree and moves every block it produced into the
// backing blockstore.
func (vm *Env) Flush(ctx context.Context) (cid.Cid, error) {
	root, err := vm.State.Flush(ctx)
	if err != nil {
		return cid.Undef, err
	}
	if err := blockstoreutil.CopyBlockstore(ctx, vm.bsstore.Write(), vm.bsstore.Read()); err != nil {
		return cid.Undef, fmt.Errorf("copying tree: %w", err)
	}
	return root, nil
}
