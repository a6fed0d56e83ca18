package chain_test

import (
	"context"
	"testing"

	"github.com/filecoin-project/go-state-types/abi"
	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/venus-core/pkg/chain"
	"github.com/filecoin-project/venus-core/pkg/config"
	"github.com/filecoin-project/venus-core/pkg/testhelpers"
	tf "github.com/filecoin-project/venus-core/pkg/testhelpers/testflags"
	blockstoreutil "github.com/filecoin-project/venus-core/venus-shared/blockstore"
	"github.com/filecoin-project/venus-core/venus-shared/types"
)

func TestComputeNextBaseFee(t *testing.T) {
	tf.UnitTest(t)
	upgrade := config.DefaultForkUpgradeParam
	after := upgrade.UpgradeSmokeHeight + 1

	cases := []struct {
		name    string
		baseFee int64
		used    int64
		blocks  int
		epoch   abi.ChainEpoch
		expect  int64
	}{
		{"on target", 1000, types.BlockGasTarget, 1, after, 1000},
		{"full block", 1000, types.BlockGasLimit, 1, after, 1125},
		{"empty block", 1000, 0, 1, after, 875},
		{"averaged over blocks", 1000, types.BlockGasLimit, 2, after, 1000},
		{"floor", 100, 0, 1, after, types.MinimumBaseFee},
		{"packing efficiency before smoke", 1000, types.BlockGasTarget * 4 / 5, 1, 100, 1000},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := chain.ComputeNextBaseFee(abi.NewTokenAmount(tc.baseFee), tc.used, tc.blocks, tc.epoch, upgrade)
			assert.True(t, got.Equals(abi.NewTokenAmount(tc.expect)), "got %s", got)
		})
	}
}

func TestMessageStoreRoundTrip(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()
	bs := blockstoreutil.NewMemory()
	ms := chain.NewMessageStore(bs)
	addrs := testhelpers.NewForTestGetter()

	from, to := addrs(), addrs()
	bls := []*types.Message{
		{From: from, To: to, Nonce: 0, Value: abi.NewTokenAmount(1), GasLimit: 100, GasFeeCap: abi.NewTokenAmount(1), GasPremium: abi.NewTokenAmount(1)},
		{From: from, To: to, Nonce: 1, Value: abi.NewTokenAmount(2), GasLimit: 200, GasFeeCap: abi.NewTokenAmount(1), GasPremium: abi.NewTokenAmount(1)},
	}
	meta, err := ms.StoreMessages(ctx, nil, bls)
	require.NoError(t, err)

	secp, gotBLS, err := ms.LoadMetaMessages(ctx, meta)
	require.NoError(t, err)
	assert.Empty(t, secp)
	require.Len(t, gotBLS, 2)
	for i := range bls {
		assert.Equal(t, bls[i].Cid(), gotBLS[i].Cid())
	}

	blsCids := []cid.Cid{bls[0].Cid(), bls[1].Cid()}
	root, err := chain.ComputeMsgMeta(ctx, blockstoreutil.NewMemory(), blsCids, nil)
	require.NoError(t, err)
	assert.Equal(t, meta, root)

	receipts := []types.MessageReceipt{{ExitCode: 0, GasUsed: 10}, {ExitCode: 1, GasUsed: 20}}
	rroot, err := ms.StoreReceipts(ctx, receipts)
	require.NoError(t, err)
	got, err := ms.LoadReceipts(ctx, rroot)
	require.NoError(t, err)
	assert.Equal(t, receipts, got)
}

func TestComputeBaseFeeOfEmptyTipSet(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()
	bs := blockstoreutil.NewMemory()
	builder := testhelpers.NewChainBuilder(t, bs)
	ts := builder.AppendOn(builder.Genesis(), 2)

	fee, err := chain.NewMessageStore(bs).ComputeBaseFee(ctx, ts, config.DefaultForkUpgradeParam)
	require.NoError(t, err)
	// the builder's parent base fee is already at the floor
	assert.True(t, fee.Equals(abi.NewTokenAmount(types.MinimumBaseFee)))
}
