package gas

import (
	"testing"

	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"
	"github.com/stretchr/testify/assert"

	tf "github.com/filecoin-project/venus-core/pkg/testhelpers/testflags"
)

func TestGasTrackerLimit(t *testing.T) {
	tf.UnitTest(t)
	tracker := NewGasTracker(100)
	assert.True(t, tracker.TryCharge(newGasCharge("a", 60, 0)))
	assert.Equal(t, int64(40), tracker.Remaining())
	assert.False(t, tracker.TryCharge(newGasCharge("b", 30, 20)))
	assert.Equal(t, int64(100), tracker.GasUsed)
	assert.True(t, tracker.OutOfGas)
}

func TestOverestimationBurn(t *testing.T) {
	tf.UnitTest(t)

	refund, burn := ComputeGasOverestimationBurn(0, 100)
	assert.Equal(t, int64(0), refund)
	assert.Equal(t, int64(100), burn)

	// within the 10% allowance nothing burns
	refund, burn = ComputeGasOverestimationBurn(100, 110)
	assert.Equal(t, int64(10), refund)
	assert.Equal(t, int64(0), burn)

	refund, burn = ComputeGasOverestimationBurn(100, 1000)
	assert.Equal(t, int64(0), refund)
	assert.Equal(t, int64(900), burn)
}

func TestGasOutputsBalance(t *testing.T) {
	tf.UnitTest(t)
	baseFee := abi.NewTokenAmount(100)
	feeCap := abi.NewTokenAmount(150)
	premium := abi.NewTokenAmount(10)

	out := ComputeGasOutputs(1000, 1500, baseFee, feeCap, premium, true)
	total := big.Sum(out.BaseFeeBurn, out.OverEstimationBurn, out.MinerTip, out.Refund)
	assert.Equal(t, big.Mul(feeCap, big.NewInt(1500)), total)
	assert.Equal(t, abi.NewTokenAmount(100*1000), out.BaseFeeBurn)
	assert.True(t, out.MinerPenalty.IsZero())

	// a fee cap below the base fee penalises the miner
	out = ComputeGasOutputs(1000, 1000, baseFee, abi.NewTokenAmount(80), premium, true)
	assert.Equal(t, abi.NewTokenAmount(20*1000), out.MinerPenalty)
	assert.True(t, out.MinerTip.IsZero())
}

func TestMethodInvocationPrice(t *testing.T) {
	tf.UnitTest(t)
	pl := PricelistByVersion()
	plain := pl.OnMethodInvocation(big.Zero(), 2).Total()
	withValue := pl.OnMethodInvocation(abi.NewTokenAmount(1), 2).Total()
	transferOnly := pl.OnMethodInvocation(abi.NewTokenAmount(1), 0).Total()
	assert.Less(t, plain, withValue)
	assert.Less(t, withValue, transferOnly)
	assert.Greater(t, pl.OnChainMessage(200).Total(), pl.OnChainMessage(100).Total())
}
