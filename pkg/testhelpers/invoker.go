package testhelpers

import (
	"sync"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/exitcode"
	"github.com/ipfs/go-cid"
	cbg "github.com/whyrusleeping/cbor-gen"

	"github.com/filecoin-project/venus-core/pkg/vm/vmcontext"
)

// FakeCall is one method call seen by a FakeInvoker.
type FakeCall struct {
	Code   cid.Cid
	Method abi.MethodNum
	From   address.Address
	To     address.Address
	Value  abi.TokenAmount
	Epoch  abi.ChainEpoch
	Params []byte
}

type methodKey struct {
	code   cid.Cid
	method abi.MethodNum
}

// FakeInvoker stands in for actor code. It records every call and runs the
// handler registered for the code and method, if any; other calls succeed
// with an empty return.
type FakeInvoker struct {
	lk       sync.Mutex
	handlers map[methodKey]vmcontext.InvokerFunc
	calls    []FakeCall
}

var _ vmcontext.Invoker = (*FakeInvoker)(nil)

func NewFakeInvoker() *FakeInvoker {
	return &FakeInvoker{handlers: map[methodKey]vmcontext.InvokerFunc{}}
}

// Register sets the handler of method on actors with code.
func (f *FakeInvoker) Register(code cid.Cid, method abi.MethodNum, h vmcontext.InvokerFunc) {
	f.lk.Lock()
	defer f.lk.Unlock()
	f.handlers[methodKey{code, method}] = h
}

func (f *FakeInvoker) Invoke(rt vmcontext.Runtime, code cid.Cid, method abi.MethodNum, params []byte) ([]byte, exitcode.ExitCode) {
	f.lk.Lock()
	f.calls = append(f.calls, FakeCall{
		Code:   code,
		Method: method,
		From:   rt.Caller(),
		To:     rt.Receiver(),
		Value:  rt.ValueReceived(),
		Epoch:  rt.CurrEpoch(),
		Params: params,
	})
	h, ok := f.handlers[methodKey{code, method}]
	f.lk.Unlock()

	if !ok {
		return nil, exitcode.Ok
	}
	return h(rt, code, method, params)
}

// Calls returns the recorded calls to method on actors with code.
func (f *FakeInvoker) Calls(code cid.Cid, method abi.MethodNum) []FakeCall {
	f.lk.Lock()
	defer f.lk.Unlock()
	var out []FakeCall
	for _, c := range f.calls {
		if c.Code == code && c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// StampEpoch is a handler that replaces the receiver head with the current
// epoch, so every call changes the state root.
func StampEpoch(rt vmcontext.Runtime, _ cid.Cid, _ abi.MethodNum, _ []byte) ([]byte, exitcode.ExitCode) {
	v := cbg.CborInt(rt.CurrEpoch())
	head, err := rt.Store().Put(rt.Context(), &v)
	if err != nil {
		return nil, exitcode.ErrIllegalState
	}
	if err := rt.SetReceiverHead(head); err != nil {
		return nil, exitcode.ErrIllegalState
	}
	return nil, exitcode.Ok
}

// CountCalls is a handler that keeps the number of calls it has seen as the
// receiver head, so the state root tracks how often the method ran.
func CountCalls(rt vmcontext.Runtime, _ cid.Cid, _ abi.MethodNum, _ []byte) ([]byte, exitcode.ExitCode) {
	var n cbg.CborInt
	if head, err := rt.ReceiverHead(); err == nil {
		if err := rt.Store().Get(rt.Context(), head, &n); err != nil {
			n = 0
		}
	}
	n++
	head, err := rt.Store().Put(rt.Context(), &n)
	if err != nil {
		return nil, exitcode.ErrIllegalState
	}
	if err := rt.SetReceiverHead(head); err != nil {
		return nil, exitcode.ErrIllegalState
	}
	return nil, exitcode.Ok
}

// Fail is a handler that aborts with code.
func Fail(code exitcode.ExitCode) vmcontext.InvokerFunc {
	return func(vmcontext.Runtime, cid.Cid, abi.MethodNum, []byte) ([]byte, exitcode.ExitCode) {
		return nil, code
	}
}
