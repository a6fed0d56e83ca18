package consensus_test

import (
	"context"
	"testing"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"
	proof7 "github.com/filecoin-project/specs-actors/v7/actors/runtime/proof"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/venus-core/pkg/chain"
	"github.com/filecoin-project/venus-core/pkg/consensus"
	"github.com/filecoin-project/venus-core/pkg/constants"
	"github.com/filecoin-project/venus-core/pkg/crypto"
	tf "github.com/filecoin-project/venus-core/pkg/testhelpers/testflags"
	"github.com/filecoin-project/venus-core/venus-shared/types"
)

// validatorFixture has the genesis result cached so children of genesis can
// be validated.
func validatorFixture(t *testing.T) (*fixture, *chain.TsBranch) {
	f := newFixture(t)
	branch := f.branch(f.gen)
	_, err := f.cachedInterpreter().Interpret(f.ctx, branch, f.gen)
	require.NoError(t, err)
	return f, branch
}

func TestValidateBlockAccepts(t *testing.T) {
	tf.UnitTest(t)
	f, branch := validatorFixture(t)

	blk := f.mine(f.gen, nil)
	bv := f.validator()
	require.NoError(t, bv.ValidateBlock(f.ctx, branch, blk))
	// answered from the memo
	require.NoError(t, bv.ValidateBlock(f.ctx, branch, blk))
}

func TestValidateBlockRejects(t *testing.T) {
	tf.UnitTest(t)

	cases := []struct {
		name   string
		tamper func(f *fixture, blk *types.BlockHeader)
		err    error
	}{
		{"missing ticket", func(_ *fixture, blk *types.BlockHeader) { blk.Ticket = nil }, consensus.ErrMissingTicket},
		{"robust miner address", func(f *fixture, blk *types.BlockHeader) { blk.Miner = f.sender }, consensus.ErrMinerNotID},
		{"height not above parent", func(f *fixture, blk *types.BlockHeader) { blk.Height = f.gen.Height() }, consensus.ErrHeightNotAbove},
		{"timestamp", func(_ *fixture, blk *types.BlockHeader) { blk.Timestamp += constants.BlockDelaySecs }, consensus.ErrWrongTimestamp},
		{"base fee", func(_ *fixture, blk *types.BlockHeader) { blk.ParentBaseFee = abi.NewTokenAmount(1) }, consensus.ErrWrongParentBaseFee},
		{"parent weight", func(_ *fixture, blk *types.BlockHeader) { blk.ParentWeight = abi.NewTokenAmount(1000) }, consensus.ErrWrongParentWeight},
		{"state root", func(f *fixture, blk *types.BlockHeader) { blk.ParentStateRoot = f.builder.EmptyRcpts }, consensus.ErrStateRootMismatch},
		{"receipts", func(f *fixture, blk *types.BlockHeader) { blk.ParentMessageReceipts = f.builder.EmptyMsgs }, consensus.ErrReceiptRootMismatch},
		{"no wins", func(_ *fixture, blk *types.BlockHeader) { blk.ElectionProof.WinCount = 0 }, consensus.ErrNoWinCount},
		{"win count", func(_ *fixture, blk *types.BlockHeader) { blk.ElectionProof.WinCount += 100 }, consensus.ErrWrongWinCount},
		{"election proof", func(_ *fixture, blk *types.BlockHeader) { blk.ElectionProof.VRFProof = []byte("bogus") }, consensus.ErrInvalidVRF},
		{"ticket", func(f *fixture, blk *types.BlockHeader) { blk.Ticket = &types.Ticket{VRFProof: f.sign([]byte("other"))} }, consensus.ErrInvalidTicket},
		{"winning post", func(_ *fixture, blk *types.BlockHeader) { blk.WinPoStProof = nil }, consensus.ErrInvalidWinPoSt},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f, branch := validatorFixture(t)
			blk := f.mine(f.gen, func(blk *types.BlockHeader) { tc.tamper(f, blk) })

			bv := f.validator()
			assert.ErrorIs(t, bv.ValidateBlock(f.ctx, branch, blk), tc.err)
			assert.ErrorIs(t, bv.ValidateBlock(f.ctx, branch, blk), consensus.ErrBlockMarkedBad)
		})
	}
}

func TestValidateBlockBadSignature(t *testing.T) {
	tf.UnitTest(t)
	f, branch := validatorFixture(t)

	blk := f.mine(f.gen, nil)
	blk.BlockSig = &crypto.Signature{Type: crypto.SigTypeBLS, Data: f.sign([]byte("something else"))}
	assert.ErrorIs(t, f.validator().ValidateBlock(f.ctx, branch, blk), consensus.ErrInvalidBlockSig)
}

func TestValidateBlockRetriesWithoutParentResult(t *testing.T) {
	tf.UnitTest(t)
	f := newFixture(t)
	branch := f.branch(f.gen)

	blk := f.mine(f.gen, nil)
	bv := f.validator()
	err := bv.ValidateBlock(f.ctx, branch, blk)
	assert.ErrorIs(t, err, consensus.ErrNotCached)

	_, err = f.cachedInterpreter().Interpret(f.ctx, branch, f.gen)
	require.NoError(t, err)
	assert.NoError(t, bv.ValidateBlock(f.ctx, branch, blk))
}

func TestValidateBlockMessages(t *testing.T) {
	tf.UnitTest(t)

	t.Run("nonce gap", func(t *testing.T) {
		f, branch := validatorFixture(t)
		meta := f.storeMessages(nil, []*types.Message{f.transfer(1, 10)})
		blk := f.mine(f.gen, func(blk *types.BlockHeader) { blk.Messages = meta })
		assert.ErrorIs(t, f.validator().ValidateBlock(f.ctx, branch, blk), consensus.ErrInvalidMessages)
	})

	t.Run("repeated nonce", func(t *testing.T) {
		f, branch := validatorFixture(t)
		meta := f.storeMessages(nil, []*types.Message{f.transfer(0, 10), f.transfer(0, 20)})
		blk := f.mine(f.gen, func(blk *types.BlockHeader) { blk.Messages = meta })
		assert.ErrorIs(t, f.validator().ValidateBlock(f.ctx, branch, blk), consensus.ErrInvalidMessages)
	})

	t.Run("in order", func(t *testing.T) {
		f, branch := validatorFixture(t)
		meta := f.storeMessages(nil, []*types.Message{f.transfer(0, 10), f.transfer(1, 10)})
		blk := f.mine(f.gen, func(blk *types.BlockHeader) { blk.Messages = meta })
		assert.NoError(t, f.validator().ValidateBlock(f.ctx, branch, blk))
	})

	t.Run("unsigned secp", func(t *testing.T) {
		f, branch := validatorFixture(t)
		smsg := &types.SignedMessage{Message: *f.transfer(0, 10), Signature: crypto.Signature{Type: crypto.SigTypeSecp256k1, Data: []byte("bad")}}
		meta := f.storeMessages([]*types.SignedMessage{smsg}, nil)
		blk := f.mine(f.gen, func(blk *types.BlockHeader) { blk.Messages = meta })
		assert.ErrorIs(t, f.validator().ValidateBlock(f.ctx, branch, blk), consensus.ErrInvalidMessages)
	})
}

type recordingProofs struct {
	consensus.FakeProofEngine
	verified []proof7.WinningPoStVerifyInfo
}

func (p *recordingProofs) VerifyWinningPoSt(ctx context.Context, info proof7.WinningPoStVerifyInfo) (bool, error) {
	p.verified = append(p.verified, info)
	return p.FakeProofEngine.VerifyWinningPoSt(ctx, info)
}

func TestValidateBlockVerifiesWinningPoSt(t *testing.T) {
	tf.UnitTest(t)
	f, branch := validatorFixture(t)

	proofs := &recordingProofs{}
	bv := consensus.NewBlockValidator(f.repo.MetaDatastore(), f.bs, f.branches, f.tsLoad, f.cache, f.forks, proofs, false)
	blk := f.mine(f.gen, nil)
	require.NoError(t, bv.ValidateBlock(f.ctx, branch, blk))

	require.Len(t, proofs.verified, 1)
	mid, err := address.IDFromAddress(f.miner)
	require.NoError(t, err)
	assert.Equal(t, abi.ActorID(mid), proofs.verified[0].Prover)
	assert.Equal(t, blk.WinPoStProof, proofs.verified[0].Proofs)
	assert.NotEmpty(t, proofs.verified[0].Randomness)
}

func TestInterpreterWithValidator(t *testing.T) {
	tf.UnitTest(t)
	f, _ := validatorFixture(t)

	good := types.NewTipSetKey(f.mine(f.gen, nil).Cid())
	ts, err := f.tsLoad.Load(f.ctx, good)
	require.NoError(t, err)

	in := f.interpreter()
	in.SetValidator(f.validator())
	res, err := in.Interpret(f.ctx, f.branch(ts), ts)
	require.NoError(t, err)
	assert.True(t, res.Weight.Equals(big.Add(ts.ParentWeight(), big.NewInt(1))))
}
