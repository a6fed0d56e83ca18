package gas

import (
	"fmt"

	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"
)

// GasCharge is one charge against a message's gas limit.
type GasCharge struct { //nolint
	Name       string
	ComputeGas int64
	StorageGas int64
}

func (g GasCharge) Total() int64 {
	return g.ComputeGas + g.StorageGas
}

func (g GasCharge) String() string {
	return fmt.Sprintf("%s(compute=%d storage=%d)", g.Name, g.ComputeGas, g.StorageGas)
}

func newGasCharge(name string, computeGas int64, storageGas int64) GasCharge {
	return GasCharge{
		Name:       name,
		ComputeGas: computeGas,
		StorageGas: storageGas,
	}
}

// Pricelist provides prices for operations in the VM.
type Pricelist interface {
	// OnChainMessage returns the gas used for storing a message of a given size in the chain.
	OnChainMessage(msgSize int) GasCharge
	// OnChainReturnValue returns the gas used for storing the response of a message in the chain.
	OnChainReturnValue(dataSize int) GasCharge
	// OnMethodInvocation returns the gas used when invoking a method.
	OnMethodInvocation(value abi.TokenAmount, methodNum abi.MethodNum) GasCharge
	// OnIpldGet returns the gas used for reading a block.
	OnIpldGet() GasCharge
	// OnIpldPut returns the gas used for writing a block of a given size.
	OnIpldPut(dataSize int) GasCharge
	// OnCreateActor returns the gas used for creating an actor.
	OnCreateActor() GasCharge
}

// pricelistV0 holds the calico prices.
type pricelistV0 struct {
	computeGasMulti int64
	storageGasMulti int64

	onChainMessageComputeBase    int64
	onChainMessageStorageBase    int64
	onChainMessageStoragePerByte int64

	onChainReturnValuePerByte int64

	sendBase                int64
	sendTransferFunds       int64
	sendTransferOnlyPremium int64
	sendInvokeMethod        int64

	ipldGetBase    int64
	ipldPutBase    int64
	ipldPutPerByte int64

	createActorCompute int64
	createActorStorage int64
}

var _ Pricelist = (*pricelistV0)(nil)

func (pl *pricelistV0) OnChainMessage(msgSize int) GasCharge {
	return newGasCharge("OnChainMessage", pl.onChainMessageComputeBase,
		(pl.onChainMessageStorageBase+pl.onChainMessageStoragePerByte*int64(msgSize))*pl.storageGasMulti)
}

func (pl *pricelistV0) OnChainReturnValue(dataSize int) GasCharge {
	return newGasCharge("OnChainReturnValue", 0, int64(dataSize)*pl.onChainReturnValuePerByte*pl.storageGasMulti)
}

func (pl *pricelistV0) OnMethodInvocation(value abi.TokenAmount, methodNum abi.MethodNum) GasCharge {
	ret := pl.sendBase
	if big.Cmp(value, abi.NewTokenAmount(0)) != 0 {
		ret += pl.sendTransferFunds
		if methodNum == 0 {
			ret += pl.sendTransferOnlyPremium
		}
	}
	if methodNum != 0 {
		ret += pl.sendInvokeMethod
	}
	return newGasCharge("OnMethodInvocation", ret, 0)
}

func (pl *pricelistV0) OnIpldGet() GasCharge {
	return newGasCharge("OnIpldGet", pl.ipldGetBase, 0)
}

func (pl *pricelistV0) OnIpldPut(dataSize int) GasCharge {
	return newGasCharge("OnIpldPut", pl.ipldPutBase, int64(dataSize)*pl.ipldPutPerByte*pl.storageGasMulti)
}

func (pl *pricelistV0) OnCreateActor() GasCharge {
	return newGasCharge("OnCreateActor", pl.createActorCompute, pl.createActorStorage*pl.storageGasMulti)
}

var calicoPrices = &pricelistV0{
	computeGasMulti: 1,
	storageGasMulti: 1300,

	onChainMessageComputeBase:    38863,
	onChainMessageStorageBase:    36,
	onChainMessageStoragePerByte: 1,

	onChainReturnValuePerByte: 1,

	sendBase:                29233,
	sendTransferFunds:       27500,
	sendTransferOnlyPremium: 159672,
	sendInvokeMethod:        -5377,

	ipldGetBase:    114617,
	ipldPutBase:    353640,
	ipldPutPerByte: 1,

	createActorCompute: 1108454,
	createActorStorage: 36 + 40,
}

// PricelistByVersion returns the prices in force. All supported network
// versions use the calico prices.
func PricelistByVersion() Pricelist {
	return calicoPrices
}
