package vmcontext

import (
	"context"
	"fmt"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"
	acrypto "github.com/filecoin-project/go-state-types/crypto"
	"github.com/filecoin-project/go-state-types/exitcode"
	"github.com/filecoin-project/go-state-types/network"
	builtin6 "github.com/filecoin-project/specs-actors/v6/actors/builtin"
	account6 "github.com/filecoin-project/specs-actors/v6/actors/builtin/account"
	builtin7 "github.com/filecoin-project/specs-actors/v7/actors/builtin"
	account7 "github.com/filecoin-project/specs-actors/v7/actors/builtin/account"
	adt7 "github.com/filecoin-project/specs-actors/v7/actors/util/adt"
	"github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/venus-core/pkg/vm/gas"
	"github.com/filecoin-project/venus-core/pkg/vmsupport"
	"github.com/filecoin-project/venus-core/venus-shared/types"
)

// Context for a top-level invocation sequence.
type topLevelContext struct {
	originatorStableAddress address.Address // Stable (public key) address of the top-level message sender.
	originatorCallSeq       uint64          // Call sequence number of the top-level message.

	// fatal is the first failure of the vm itself, it aborts the whole message.
	fatal error
}

func (top *topLevelContext) fail(err error) {
	if top.fatal == nil {
		top.fatal = err
	}
}

// invocationContext is passed to the actors on each method call.
type invocationContext struct {
	ctx     context.Context
	vm      *Env
	top     *topLevelContext
	msg     VmMessage
	gasTank *gas.GasTracker
	store   cbor.IpldStore
	depth   int
}

var _ Runtime = (*invocationContext)(nil)

func newInvocationContext(ctx context.Context, vm *Env, top *topLevelContext, msg VmMessage, gasTank *gas.GasTracker, depth int) *invocationContext {
	if msg.Value.Nil() {
		msg.Value = big.Zero()
	}
	gasBsstore := NewGasChargeBlockStore(gasTank, vm.pricelist, vm.bsstore)
	return &invocationContext{
		ctx:     ctx,
		vm:      vm,
		top:     top,
		msg:     msg,
		gasTank: gasTank,
		store:   cbor.NewCborStore(gasBsstore),
		depth:   depth,
	}
}

// invoke resolves the receiver, moves the value and runs the method.
func (ctx *invocationContext) invoke() ([]byte, exitcode.ExitCode) {
	if !ctx.gasTank.TryCharge(ctx.vm.pricelist.OnMethodInvocation(ctx.msg.Value, ctx.msg.Method)) {
		return nil, exitcode.SysErrOutOfGas
	}

	toActor, code := ctx.resolveTarget()
	if code != exitcode.Ok {
		return nil, code
	}

	if !ctx.msg.Value.IsZero() {
		code, err := ctx.vm.transfer(ctx.ctx, ctx.msg.From, ctx.msg.To, ctx.msg.Value)
		if err != nil {
			ctx.top.fail(err)
			return nil, exitcode.SysErrorIllegalActor
		}
		if code != exitcode.Ok {
			return nil, code
		}
	}

	if ctx.msg.Method == builtin7.MethodSend {
		return nil, exitcode.Ok
	}
	if ctx.vm.invoker == nil {
		return nil, exitcode.SysErrInvalidMethod
	}

	ctx.Log("invoke %s method %d from %s (depth %d)", ctx.msg.To, ctx.msg.Method, ctx.msg.From, ctx.depth)
	ret, code := ctx.vm.invoker.Invoke(ctx, toActor.Code, ctx.msg.Method, ctx.msg.Params)
	if ctx.gasTank.OutOfGas {
		return nil, exitcode.SysErrOutOfGas
	}
	return ret, code
}

// resolveTarget loads the receiver, creating an account actor for an unseen key address.
func (ctx *invocationContext) resolveTarget() (*types.Actor, exitcode.ExitCode) {
	to := ctx.msg.To
	act, found, err := ctx.vm.State.GetActor(ctx.ctx, to)
	if err != nil {
		ctx.top.fail(err)
		return nil, exitcode.SysErrorIllegalActor
	}
	if found {
		id, err := ctx.vm.State.LookupID(to)
		if err != nil {
			ctx.top.fail(err)
			return nil, exitcode.SysErrorIllegalActor
		}
		ctx.msg.To = id
		return act, exitcode.Ok
	}

	if to.Protocol() != address.SECP256K1 && to.Protocol() != address.BLS {
		return nil, exitcode.SysErrInvalidReceiver
	}
	if !ctx.gasTank.TryCharge(ctx.vm.pricelist.OnCreateActor()) {
		return nil, exitcode.SysErrOutOfGas
	}
	act, id, err := ctx.createAccountActor(to)
	if err != nil {
		ctx.top.fail(err)
		return nil, exitcode.SysErrorIllegalActor
	}
	ctx.msg.To = id
	return act, exitcode.Ok
}

func (ctx *invocationContext) createAccountActor(addr address.Address) (*types.Actor, address.Address, error) {
	id, err := ctx.vm.State.RegisterNewAddress(addr)
	if err != nil {
		return nil, address.Undef, xerrors.Errorf("register %s: %w", addr, err)
	}

	var code, head cid.Cid
	if ctx.vm.networkVersion >= network.Version15 {
		code = builtin7.AccountActorCodeID
		head, err = ctx.vm.store.Put(ctx.ctx, &account7.State{Address: addr})
	} else {
		code = builtin6.AccountActorCodeID
		head, err = ctx.vm.store.Put(ctx.ctx, &account6.State{Address: addr})
	}
	if err != nil {
		return nil, address.Undef, xerrors.Errorf("put account state: %w", err)
	}

	act := types.NewActor(code, big.Zero(), head)
	if err := ctx.vm.State.SetActor(ctx.ctx, id, act); err != nil {
		return nil, address.Undef, err
	}
	vmlog.Debugf("created account actor %s for %s", id, addr)
	return act, id, nil
}

func (ctx *invocationContext) Context() context.Context {
	return ctx.ctx
}

func (ctx *invocationContext) CurrEpoch() abi.ChainEpoch {
	return ctx.vm.currentEpoch
}

func (ctx *invocationContext) NetworkVersion() network.Version {
	return ctx.vm.networkVersion
}

func (ctx *invocationContext) Caller() address.Address {
	return ctx.msg.From
}

func (ctx *invocationContext) Receiver() address.Address {
	return ctx.msg.To
}

func (ctx *invocationContext) ValueReceived() abi.TokenAmount {
	return ctx.msg.Value
}

func (ctx *invocationContext) Store() adt7.Store {
	return adt7.WrapStore(ctx.ctx, ctx.store)
}

func (ctx *invocationContext) ReceiverHead() (cid.Cid, error) {
	act, found, err := ctx.vm.State.GetActor(ctx.ctx, ctx.msg.To)
	if err != nil {
		return cid.Undef, err
	}
	if !found {
		return cid.Undef, xerrors.Errorf("receiver %s: %w", ctx.msg.To, types.ErrActorNotFound)
	}
	return act.Head, nil
}

func (ctx *invocationContext) SetReceiverHead(head cid.Cid) error {
	return ctx.vm.State.MutateActor(ctx.msg.To, func(act *types.Actor) error {
		act.Head = head
		return nil
	})
}

// Send runs a nested call with the receiver as caller.
func (ctx *invocationContext) Send(to address.Address, method abi.MethodNum, params []byte, value abi.TokenAmount) ([]byte, exitcode.ExitCode) {
	if ctx.depth+1 >= MaxCallDepth {
		return nil, exitcode.SysErrForbidden
	}

	st := ctx.vm.State
	if err := st.Snapshot(ctx.ctx); err != nil {
		ctx.top.fail(err)
		return nil, exitcode.SysErrorIllegalActor
	}
	defer st.ClearSnapshot()

	child := &invocationContext{
		ctx:     ctx.ctx,
		vm:      ctx.vm,
		top:     ctx.top,
		gasTank: ctx.gasTank,
		store:   ctx.store,
		depth:   ctx.depth + 1,
		msg: VmMessage{
			From:   ctx.msg.To,
			To:     to,
			Value:  value,
			Method: method,
			Params: params,
		},
	}
	if child.msg.Value.Nil() {
		child.msg.Value = big.Zero()
	}

	ret, code := child.invoke()
	if code != exitcode.Ok {
		if err := st.Revert(); err != nil {
			ctx.top.fail(err)
			return nil, exitcode.SysErrorIllegalActor
		}
	}
	return ret, code
}

func (ctx *invocationContext) ChargeGas(charge gas.GasCharge) bool {
	return ctx.gasTank.TryCharge(charge)
}

func (ctx *invocationContext) GetRandomnessFromTickets(tag acrypto.DomainSeparationTag, epoch abi.ChainEpoch, entropy []byte) (abi.Randomness, error) {
	if ctx.vm.vmOption.Rnd == nil {
		return nil, fmt.Errorf("no randomness source")
	}
	return ctx.vm.vmOption.Rnd.ChainGetRandomnessFromTickets(ctx.ctx, tag, epoch, entropy)
}

func (ctx *invocationContext) GetRandomnessFromBeacon(tag acrypto.DomainSeparationTag, epoch abi.ChainEpoch, entropy []byte) (abi.Randomness, error) {
	if ctx.vm.vmOption.Rnd == nil {
		return nil, fmt.Errorf("no randomness source")
	}
	return ctx.vm.vmOption.Rnd.ChainGetRandomnessFromBeacon(ctx.ctx, tag, epoch, entropy)
}

func (ctx *invocationContext) VerifyConsensusFault(h1, h2, extra []byte) (*vmsupport.ConsensusFault, error) {
	if ctx.vm.vmOption.FaultChecker == nil {
		return nil, fmt.Errorf("no consensus fault checker")
	}
	return ctx.vm.vmOption.FaultChecker.VerifyConsensusFault(ctx.ctx, h1, h2, extra, ctx.vm.currentEpoch)
}

func (ctx *invocationContext) Log(format string, args ...interface{}) {
	if sink, ok := DiagnosticsFrom(ctx.ctx); ok {
		sink.Printfln(format, args...)
	}
	if ctx.vm.vmOption.Tracing {
		vmlog.Debugf(format, args...)
	}
}
