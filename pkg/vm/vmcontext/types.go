package vmcontext

import (
	"context"
	"fmt"
	"time"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	acrypto "github.com/filecoin-project/go-state-types/crypto"
	"github.com/filecoin-project/go-state-types/exitcode"
	"github.com/filecoin-project/go-state-types/network"
	adt7 "github.com/filecoin-project/specs-actors/v7/actors/util/adt"
	"github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
	"github.com/pkg/errors"

	"github.com/filecoin-project/venus-core/pkg/state"
	"github.com/filecoin-project/venus-core/pkg/state/tree"
	"github.com/filecoin-project/venus-core/pkg/vm/gas"
	"github.com/filecoin-project/venus-core/pkg/vmsupport"
	blockstoreutil "github.com/filecoin-project/venus-core/venus-shared/blockstore"
	"github.com/filecoin-project/venus-core/venus-shared/types"
)

type ExecCallBack func(cid.Cid, *types.Message, *Ret) error

type VmOption struct { //nolint
	NetworkVersion network.Version
	Rnd            HeadChainRandomness
	BaseFee        abi.TokenAmount
	Epoch          abi.ChainEpoch
	PRoot          cid.Cid
	Bsstore        blockstoreutil.Blockstore
	Invoker        Invoker
	FaultChecker   ConsensusFaultVerifier
	Tracing        bool
}

// ConsensusFaultVerifier checks fault evidence actors submit.
type ConsensusFaultVerifier interface {
	VerifyConsensusFault(ctx context.Context, h1, h2, extra []byte, curEpoch abi.ChainEpoch) (*vmsupport.ConsensusFault, error)
}

// HeadChainRandomness draws randomness from the chain the vm executes on.
type HeadChainRandomness interface {
	ChainGetRandomnessFromBeacon(ctx context.Context, personalization acrypto.DomainSeparationTag, randEpoch abi.ChainEpoch, entropy []byte) (abi.Randomness, error)
	ChainGetRandomnessFromTickets(ctx context.Context, personalization acrypto.DomainSeparationTag, randEpoch abi.ChainEpoch, entropy []byte) (abi.Randomness, error)
}

// Invoker runs actor methods. The vm handles message plumbing, value
// transfer and gas for the call, the invoker the method body.
type Invoker interface {
	Invoke(rt Runtime, code cid.Cid, method abi.MethodNum, params []byte) ([]byte, exitcode.ExitCode)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(rt Runtime, code cid.Cid, method abi.MethodNum, params []byte) ([]byte, exitcode.ExitCode)

func (f InvokerFunc) Invoke(rt Runtime, code cid.Cid, method abi.MethodNum, params []byte) ([]byte, exitcode.ExitCode) {
	return f(rt, code, method, params)
}

// Runtime is what an actor method sees of the vm.
type Runtime interface {
	Context() context.Context
	CurrEpoch() abi.ChainEpoch
	NetworkVersion() network.Version

	Caller() address.Address
	Receiver() address.Address
	ValueReceived() abi.TokenAmount

	// Store reads and writes actor state, charging gas for each access.
	Store() adt7.Store
	ReceiverHead() (cid.Cid, error)
	SetReceiverHead(head cid.Cid) error

	// Send calls another actor. State changes of a failed call are reverted.
	Send(to address.Address, method abi.MethodNum, params []byte, value abi.TokenAmount) ([]byte, exitcode.ExitCode)
	ChargeGas(charge gas.GasCharge) bool

	GetRandomnessFromTickets(tag acrypto.DomainSeparationTag, epoch abi.ChainEpoch, entropy []byte) (abi.Randomness, error)
	GetRandomnessFromBeacon(tag acrypto.DomainSeparationTag, epoch abi.ChainEpoch, entropy []byte) (abi.Randomness, error)
	VerifyConsensusFault(h1, h2, extra []byte) (*vmsupport.ConsensusFault, error)

	Log(format string, args ...interface{})
}

type Ret struct {
	GasTracker *gas.GasTracker
	OutPuts    gas.GasOutputs
	Receipt    types.MessageReceipt
	Duration   time.Duration
}

// Failure returns with a non-zero exit code.
func Failure(exitCode exitcode.ExitCode, gasAmount int64) types.MessageReceipt {
	return types.MessageReceipt{
		ExitCode: exitCode,
		Return:   []byte{},
		GasUsed:  gasAmount,
	}
}

type Interface interface {
	ApplyMessage(ctx context.Context, cmsg types.ChainMsg) (*Ret, error)
	ApplyImplicitMessage(ctx context.Context, msg *types.Message) (*Ret, error)
	Flush(ctx context.Context) (cid.Cid, error)
}

// ResolveToKeyAddr returns the public key address behind an account actor.
func ResolveToKeyAddr(ctx context.Context, st tree.Tree, addr address.Address, cst cbor.IpldStore) (address.Address, error) {
	if addr.Protocol() == address.BLS || addr.Protocol() == address.SECP256K1 {
		return addr, nil
	}

	act, found, err := st.GetActor(ctx, addr)
	if err != nil {
		return address.Undef, errors.Wrapf(err, "failed to find actor: %s", addr)
	}
	if !found {
		return address.Undef, fmt.Errorf("actor not found %s", addr)
	}

	aast, err := state.LoadAccountState(adt7.WrapStore(ctx, cst), act)
	if err != nil {
		return address.Undef, fmt.Errorf("failed to get account actor state for %s: %w", addr, err)
	}

	return aast.PubkeyAddress(), nil
}
