package vmsupport_test

import (
	"context"
	"errors"
	"testing"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/venus-core/pkg/crypto"
	"github.com/filecoin-project/venus-core/pkg/testhelpers"
	tf "github.com/filecoin-project/venus-core/pkg/testhelpers/testflags"
	"github.com/filecoin-project/venus-core/pkg/vmsupport"
	blockstoreutil "github.com/filecoin-project/venus-core/venus-shared/blockstore"
	"github.com/filecoin-project/venus-core/venus-shared/types"
)

type workerView map[address.Address]address.Address

func (v workerView) GetMinerWorkerRaw(_ context.Context, maddr address.Address) (address.Address, error) {
	w, ok := v[maddr]
	if !ok {
		return address.Undef, errors.New("unknown miner")
	}
	return w, nil
}

type faultFixture struct {
	t       *testing.T
	builder *testhelpers.ChainBuilder
	gen     *types.TipSet
	keys    []crypto.KeyInfo
	miners  []address.Address
	checker *vmsupport.ConsensusFaultChecker
}

func newFaultFixture(t *testing.T) *faultFixture {
	builder := testhelpers.NewChainBuilder(t, blockstoreutil.NewMemory())
	f := &faultFixture{
		t:       t,
		builder: builder,
		gen:     builder.Genesis(),
		keys:    testhelpers.MustGenerateKeyInfo(2, 7),
		miners:  []address.Address{testhelpers.RequireIDAddress(t, 100), testhelpers.RequireIDAddress(t, 101)},
	}
	view := workerView{}
	for i, m := range f.miners {
		worker, err := f.keys[i].Address()
		require.NoError(t, err)
		view[m] = worker
	}
	f.checker = vmsupport.NewConsensusFaultChecker(func(context.Context, abi.ChainEpoch) (vmsupport.FaultStateView, error) {
		return view, nil
	})
	return f
}

// mine makes a single block tipset by miner on parent, signed with key.
func (f *faultFixture) mine(parent *types.TipSet, nulls int, miner, key int) *types.TipSet {
	return f.builder.BuildOn(parent, nulls, 1, func(_ int, blk *types.BlockHeader) {
		blk.Miner = f.miners[miner]
		data, err := blk.SignatureData()
		require.NoError(f.t, err)
		blk.BlockSig, err = f.keys[key].Sign(data)
		require.NoError(f.t, err)
	})
}

func raw(t *testing.T, ts *types.TipSet) []byte {
	data, err := ts.At(0).Serialize()
	require.NoError(t, err)
	return data
}

func TestDoubleForkMining(t *testing.T) {
	tf.UnitTest(t)
	f := newFaultFixture(t)
	a := f.mine(f.gen, 0, 0, 0)
	b := f.mine(f.gen, 0, 0, 0)

	fault, err := f.checker.VerifyConsensusFault(context.Background(), raw(t, a), raw(t, b), nil, 10)
	require.NoError(t, err)
	assert.Equal(t, vmsupport.ConsensusFaultDoubleForkMining, fault.Type)
	assert.Equal(t, f.miners[0], fault.Target)
	assert.Equal(t, abi.ChainEpoch(1), fault.Epoch)
}

func TestTimeOffsetMining(t *testing.T) {
	tf.UnitTest(t)
	f := newFaultFixture(t)
	a := f.mine(f.gen, 0, 0, 0)
	b := f.mine(f.gen, 1, 0, 0)

	fault, err := f.checker.VerifyConsensusFault(context.Background(), raw(t, a), raw(t, b), nil, 10)
	require.NoError(t, err)
	assert.Equal(t, vmsupport.ConsensusFaultTimeOffsetMining, fault.Type)
	assert.Equal(t, abi.ChainEpoch(2), fault.Epoch)

	// the second block must not be lower
	_, err = f.checker.VerifyConsensusFault(context.Background(), raw(t, b), raw(t, a), nil, 10)
	assert.True(t, errors.Is(err, vmsupport.ErrNoFault))
}

func TestParentGrinding(t *testing.T) {
	tf.UnitTest(t)
	f := newFaultFixture(t)
	a := f.mine(f.gen, 0, 0, 0)
	c := f.mine(f.gen, 0, 1, 1)
	b := f.mine(c, 0, 0, 0)

	fault, err := f.checker.VerifyConsensusFault(context.Background(), raw(t, a), raw(t, b), raw(t, c), 10)
	require.NoError(t, err)
	assert.Equal(t, vmsupport.ConsensusFaultParentGrinding, fault.Type)

	// without the witness the headers are unrelated
	_, err = f.checker.VerifyConsensusFault(context.Background(), raw(t, a), raw(t, b), nil, 10)
	assert.True(t, errors.Is(err, vmsupport.ErrNoFault))
}

func TestNoFault(t *testing.T) {
	tf.UnitTest(t)
	f := newFaultFixture(t)
	ctx := context.Background()
	a := f.mine(f.gen, 0, 0, 0)
	other := f.mine(f.gen, 0, 1, 1)
	forged := f.mine(f.gen, 0, 0, 1)
	b := f.mine(f.gen, 0, 0, 0)

	cases := map[string][3][]byte{
		"same block":      {raw(t, a), raw(t, a), nil},
		"different miner": {raw(t, a), raw(t, other), nil},
		"bad signature":   {raw(t, a), raw(t, forged), nil},
		"garbage":         {raw(t, a), []byte{0x01, 0x02}, nil},
	}
	for name, c := range cases {
		_, err := f.checker.VerifyConsensusFault(ctx, c[0], c[1], c[2], 10)
		assert.True(t, errors.Is(err, vmsupport.ErrNoFault), name)
	}

	_, err := f.checker.VerifyConsensusFault(ctx, raw(t, a), raw(t, b), nil, 10+2000)
	assert.True(t, errors.Is(err, vmsupport.ErrNoFault), "expired")
}
