package consensus

import (
	"bytes"
	"context"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/network"
	proof7 "github.com/filecoin-project/specs-actors/v7/actors/runtime/proof"
	"github.com/ipfs/go-cid"
	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/namespace"
	cbor "github.com/ipfs/go-ipld-cbor"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"

	"github.com/filecoin-project/venus-core/pkg/chain"
	"github.com/filecoin-project/venus-core/pkg/constants"
	"github.com/filecoin-project/venus-core/pkg/crypto"
	"github.com/filecoin-project/venus-core/pkg/fork"
	"github.com/filecoin-project/venus-core/pkg/metrics"
	"github.com/filecoin-project/venus-core/pkg/metrics/tracing"
	"github.com/filecoin-project/venus-core/pkg/state"
	"github.com/filecoin-project/venus-core/pkg/vm/gas"
	blockstoreutil "github.com/filecoin-project/venus-core/venus-shared/blockstore"
	"github.com/filecoin-project/venus-core/venus-shared/types"
)

var (
	ErrBlockMarkedBad      = errors.New("block marked as bad")
	ErrMissingTicket       = errors.New("block has no ticket")
	ErrMissingBlockSig     = errors.New("block has no signature")
	ErrMissingBLSAggregate = errors.New("block has no bls aggregate")
	ErrMinerNotID          = errors.New("block miner must be an ID address")
	ErrHeightNotAbove      = errors.New("block height not above parent")
	ErrWrongTimestamp      = errors.New("wrong block timestamp")
	ErrWrongParentBaseFee  = errors.New("wrong parent base fee")
	ErrWrongParentWeight   = errors.New("wrong parent weight")
	// ErrStateRootMismatch is returned when the computed state root doesn't match the expected result.
	ErrStateRootMismatch = errors.New("blocks state root does not match computed result")
	// ErrReceiptRootMismatch is returned when the block's receipt root doesn't match the receipt root computed for the parent tipset.
	ErrReceiptRootMismatch = errors.New("blocks receipt root does not match parent tip set")
	ErrInvalidMessages     = errors.New("invalid block messages")
	ErrNoPowerClaim        = errors.New("miner has no power claim in parent state")
	ErrNotEligible         = errors.New("miner not eligible to mine")
	ErrNoWinCount          = errors.New("block has no election wins")
	ErrWrongWinCount       = errors.New("wrong election win count")
	ErrInvalidBlockSig     = errors.New("invalid block signature")
	ErrInvalidTicket       = errors.New("invalid ticket")
	ErrInvalidWinPoSt      = errors.New("invalid winning post proof")
)

// rejections are the errors a block is remembered as bad for. Other
// failures, like a missing parent result, may pass on a later attempt.
var rejections = []error{
	ErrMissingTicket, ErrMissingBlockSig, ErrMissingBLSAggregate, ErrMinerNotID,
	ErrHeightNotAbove, ErrWrongTimestamp, ErrWrongParentBaseFee, ErrWrongParentWeight,
	ErrStateRootMismatch, ErrReceiptRootMismatch, ErrInvalidMessages, ErrNoPowerClaim,
	ErrNotEligible, ErrNoWinCount, ErrInvalidVRF, ErrWrongWinCount, ErrInvalidBlockSig,
	ErrInvalidTicket, ErrInvalidWinPoSt, ErrChainInconsistency,
}

func isRejection(err error) bool {
	for _, r := range rejections {
		if errors.Is(err, r) {
			return true
		}
	}
	return false
}

var validatorPrefix = datastore.NewKey("/block_validator")

var (
	memoGood = []byte{1}
	memoBad  = []byte{0}
)

var (
	validateTimer    = metrics.NewTimerMs("consensus/block_validation_ms", "duration of block validation in ms")
	rejectedBlocks   = metrics.NewInt64Counter("consensus/rejected_blocks", "blocks rejected by validation")
	memoizedVerdicts = metrics.NewInt64Counter("consensus/memoized_block_verdicts", "validations answered from the memo")
)

var _ Validator = (*BlockValidator)(nil)

// BlockValidator checks blocks against their parent tipset and the state it
// produced. Verdicts are remembered per block CID.
type BlockValidator struct {
	ds       datastore.Datastore
	cst      cbor.IpldStore
	branches *chain.Branches
	tsLoad   chain.TsLoad
	msgStore *chain.MessageStore
	cache    *InterpreterCache
	forks    fork.IFork
	proofs   ProofEngine

	fakeProofs bool
}

func NewBlockValidator(ds datastore.Batching,
	bs blockstoreutil.Blockstore,
	branches *chain.Branches,
	tsLoad chain.TsLoad,
	cache *InterpreterCache,
	forks fork.IFork,
	proofs ProofEngine,
	fakeProofs bool,
) *BlockValidator {
	return &BlockValidator{
		ds:         namespace.Wrap(ds, validatorPrefix),
		cst:        cbor.NewCborStore(bs),
		branches:   branches,
		tsLoad:     tsLoad,
		msgStore:   chain.NewMessageStore(bs),
		cache:      cache,
		forks:      forks,
		proofs:     proofs,
		fakeProofs: fakeProofs,
	}
}

// ValidateBlock checks blk, whose parent must be in branch.
func (bv *BlockValidator) ValidateBlock(ctx context.Context, branch *chain.TsBranch, blk *types.BlockHeader) (err error) {
	ctx, span := trace.StartSpan(ctx, "BlockValidator.ValidateBlock")
	span.AddAttributes(trace.StringAttribute("block", blk.Cid().String()))
	defer tracing.AddErrorEndSpan(ctx, span, &err)

	key := datastore.NewKey(blk.Cid().String())
	memo, err := bv.ds.Get(ctx, key)
	switch {
	case err == nil:
		memoizedVerdicts.Inc(ctx, 1)
		if bytes.Equal(memo, memoGood) {
			return nil
		}
		return ErrBlockMarkedBad
	case !errors.Is(err, datastore.ErrNotFound):
		return err
	}

	sw := validateTimer.Start(ctx)
	err = bv.validate(ctx, branch, blk)
	sw.Stop(ctx)
	if err == nil {
		return bv.ds.Put(ctx, key, memoGood)
	}
	if isRejection(err) {
		rejectedBlocks.Inc(ctx, 1)
		log.Warnf("block %s at %d from %s rejected: %s", blk.Cid(), blk.Height, blk.Miner, err)
		if putErr := bv.ds.Put(ctx, key, memoBad); putErr != nil {
			log.Errorf("remember bad block %s: %s", blk.Cid(), putErr)
		}
	}
	return err
}

func (bv *BlockValidator) validate(ctx context.Context, branch *chain.TsBranch, blk *types.BlockHeader) error {
	if blk.Ticket == nil {
		return ErrMissingTicket
	}
	if blk.BlockSig == nil {
		return ErrMissingBlockSig
	}
	if blk.BLSAggregate == nil {
		return ErrMissingBLSAggregate
	}
	if blk.Miner.Protocol() != address.ID {
		return errors.Wrapf(ErrMinerNotID, "miner %s", blk.Miner)
	}

	parent, err := bv.tsLoad.Load(ctx, types.NewTipSetKey(blk.Parents...))
	if err != nil {
		return errors.Wrap(err, "load parent")
	}

	bv.branches.Mu.RLock()
	lookback, prevBeacon, err := bv.lookback(ctx, branch, parent, blk.Height)
	bv.branches.Mu.RUnlock()
	if err != nil {
		return err
	}

	if blk.Height <= parent.Height() {
		return errors.Wrapf(ErrHeightNotAbove, "%d <= %d", blk.Height, parent.Height())
	}
	if expect := parent.MinTimestamp() + uint64(blk.Height-parent.Height())*constants.BlockDelaySecs; blk.Timestamp != expect {
		return errors.Wrapf(ErrWrongTimestamp, "%d != %d", blk.Timestamp, expect)
	}

	upgrade := bv.forks.GetForkUpgrade()
	baseFee, err := bv.msgStore.ComputeBaseFee(ctx, parent, upgrade)
	if err != nil {
		return errors.Wrap(err, "compute base fee")
	}
	if !baseFee.Equals(blk.ParentBaseFee) {
		return errors.Wrapf(ErrWrongParentBaseFee, "%s != %s", blk.ParentBaseFee, baseFee)
	}

	parentRes, err := bv.cache.Get(ctx, parent.Key())
	if err != nil {
		return errors.Wrapf(err, "parent %s result", parent.Key())
	}
	if !blk.ParentWeight.Equals(parentRes.Weight) {
		return errors.Wrapf(ErrWrongParentWeight, "%s != %s", blk.ParentWeight, parentRes.Weight)
	}
	if !blk.ParentStateRoot.Equals(parentRes.StateRoot) {
		return errors.Wrapf(ErrStateRootMismatch, "%s != %s", blk.ParentStateRoot, parentRes.StateRoot)
	}
	if !blk.ParentMessageReceipts.Equals(parentRes.Receipts) {
		return errors.Wrapf(ErrReceiptRootMismatch, "%s != %s", blk.ParentMessageReceipts, parentRes.Receipts)
	}

	nv := bv.forks.GetNetworkVersion(ctx, blk.Height)
	parentView := state.NewView(bv.cst, parentRes.StateRoot)
	if err := bv.validateMessages(ctx, blk, nv, parentView); err != nil {
		return err
	}

	if _, found, err := parentView.PowerClaim(ctx, blk.Miner); err != nil {
		return errors.Wrap(err, "load parent power claim")
	} else if !found {
		return errors.Wrapf(ErrNoPowerClaim, "miner %s", blk.Miner)
	}

	lookbackRes, err := bv.cache.Get(ctx, lookback.Key())
	if err != nil {
		return errors.Wrapf(err, "lookback %s result", lookback.Key())
	}
	lookbackView := state.NewView(bv.cst, lookbackRes.StateRoot)
	worker, err := lookbackView.GetMinerWorkerRaw(ctx, blk.Miner)
	if err != nil {
		return errors.Wrap(err, "resolve worker key")
	}

	// eligibility and the winning PoSt sectors are judged at the parent
	parentNv := bv.forks.GetNetworkVersion(ctx, parent.Height())
	eligible, err := MinerEligibleToMine(ctx, blk.Miner, lookbackView, parentView, parent.Height(), parentNv)
	if err != nil {
		return errors.Wrap(err, "check eligibility")
	}
	if !eligible {
		return errors.Wrapf(ErrNotEligible, "miner %s", blk.Miner)
	}

	if blk.ElectionProof == nil || blk.ElectionProof.WinCount < 1 {
		return ErrNoWinCount
	}
	rand, err := ComputeBlockRandomness(blk.Miner, blk.Height, blk.BeaconEntries, prevBeacon, parent, upgrade)
	if err != nil {
		return err
	}
	if err := VerifyVRF(worker, rand.Election, blk.ElectionProof.VRFProof); err != nil {
		return errors.Wrap(err, "election proof")
	}

	claim, _, err := lookbackView.PowerClaim(ctx, blk.Miner)
	if err != nil {
		return errors.Wrap(err, "load lookback power claim")
	}
	total, err := lookbackView.PowerNetworkTotal(ctx)
	if err != nil {
		return errors.Wrap(err, "load lookback network power")
	}
	if wins := ComputeWinCount(blk.ElectionProof.VRFProof, claim.QualityAdjPower, total.QualityAdjPower); wins != blk.ElectionProof.WinCount {
		return errors.Wrapf(ErrWrongWinCount, "%d != %d", blk.ElectionProof.WinCount, wins)
	}

	sigData, err := blk.SignatureData()
	if err != nil {
		return err
	}
	if err := crypto.Verify(blk.BlockSig, worker, sigData); err != nil {
		return errors.Wrapf(ErrInvalidBlockSig, "%s", err)
	}

	if err := VerifyVRF(worker, rand.Ticket, blk.Ticket.VRFProof); err != nil {
		return errors.Wrapf(ErrInvalidTicket, "%s", err)
	}

	return bv.validateWinningPoSt(ctx, blk, lookbackView, parentNv, rand.WinPoSt)
}

// lookback finds the tipset blk is elected from and the newest beacon at or
// below parent. Callers hold the branches read lock.
func (bv *BlockValidator) lookback(ctx context.Context, branch *chain.TsBranch, parent *types.TipSet, height abi.ChainEpoch) (*types.TipSet, types.BeaconEntry, error) {
	parentIt, err := chain.Find(branch, parent.Height(), false)
	if err != nil {
		return nil, types.BeaconEntry{}, errors.Wrapf(err, "find parent %d", parent.Height())
	}
	if parentIt.Lazy.Key != parent.Key() {
		return nil, types.BeaconEntry{}, errors.Wrapf(ErrChainInconsistency, "parent %s not on branch", parent.Key())
	}
	lookbackIt, err := chain.LookbackTipSetForRound(ctx, bv.forks, parentIt, height)
	if err != nil {
		return nil, types.BeaconEntry{}, errors.Wrap(err, "find lookback")
	}
	lookback, err := bv.tsLoad.LazyLoad(ctx, lookbackIt.Lazy)
	if err != nil {
		return nil, types.BeaconEntry{}, err
	}
	prevBeacon, err := chain.LatestBeacon(ctx, bv.tsLoad, parentIt)
	if err != nil {
		return nil, types.BeaconEntry{}, errors.Wrap(err, "latest beacon")
	}
	return lookback, prevBeacon, nil
}

func (bv *BlockValidator) validateMessages(ctx context.Context, blk *types.BlockHeader, nv network.Version, view *state.View) error {
	secpMsgs, blsMsgs, err := bv.msgStore.LoadMetaMessages(ctx, blk.Messages)
	if err != nil {
		return errors.Wrap(err, "load block messages")
	}

	pl := gas.PricelistByVersion()
	nonces := make(map[address.Address]uint64)
	var sumGasLimit int64
	check := func(m *types.Message, size int) error {
		if err := m.ValidForBlockInclusion(pl.OnChainMessage(size).Total(), nv); err != nil {
			return errors.Wrapf(ErrInvalidMessages, "message %s: %s", m.Cid(), err)
		}
		sumGasLimit += m.GasLimit
		if sumGasLimit > types.BlockGasLimit {
			return errors.Wrap(ErrInvalidMessages, "block gas limit exceeded")
		}

		from := m.From
		if nv >= network.Version13 {
			if from, err = view.LookupID(ctx, m.From); err != nil {
				return errors.Wrapf(ErrInvalidMessages, "resolve sender %s: %s", m.From, err)
			}
		}
		nonce, ok := nonces[from]
		if !ok {
			act, err := view.LoadActor(ctx, from)
			if err != nil {
				return errors.Wrapf(ErrInvalidMessages, "load sender %s: %s", from, err)
			}
			if !state.IsAccountActor(act.Code) {
				return errors.Wrapf(ErrInvalidMessages, "sender %s is not an account", from)
			}
			nonce = act.Nonce
		}
		if m.Nonce != nonce {
			return errors.Wrapf(ErrInvalidMessages, "sender %s nonce %d, expected %d", from, m.Nonce, nonce)
		}
		nonces[from] = nonce + 1
		return nil
	}

	blsCids := make([]cid.Cid, 0, len(blsMsgs))
	for _, m := range blsMsgs {
		if err := check(m, m.ChainLength()); err != nil {
			return err
		}
		blsCids = append(blsCids, m.Cid())
	}
	secpCids := make([]cid.Cid, 0, len(secpMsgs))
	for _, m := range secpMsgs {
		if nv >= network.Version14 && m.Signature.Type != crypto.SigTypeSecp256k1 {
			return errors.Wrapf(ErrInvalidMessages, "message %s is not secp signed", m.Cid())
		}
		if err := check(&m.Message, m.ChainLength()); err != nil {
			return err
		}
		key, err := view.ResolveToKeyAddr(ctx, m.Message.From)
		if err != nil {
			return errors.Wrapf(ErrInvalidMessages, "resolve key of %s: %s", m.Message.From, err)
		}
		if err := crypto.Verify(&m.Signature, key, m.Message.Cid().Bytes()); err != nil {
			return errors.Wrapf(ErrInvalidMessages, "message %s signature: %s", m.Cid(), err)
		}
		secpCids = append(secpCids, m.Cid())
	}

	root, err := chain.ComputeMsgMeta(ctx, blockstoreutil.NewMemory(), blsCids, secpCids)
	if err != nil {
		return err
	}
	if !root.Equals(blk.Messages) {
		return errors.Wrapf(ErrInvalidMessages, "messages root %s != %s", blk.Messages, root)
	}
	return nil
}

func (bv *BlockValidator) validateWinningPoSt(ctx context.Context, blk *types.BlockHeader, lookback *state.View, nv network.Version, rand abi.PoStRandomness) error {
	if bv.fakeProofs {
		if !IsFakeWinningPoSt(blk.WinPoStProof) {
			return errors.Wrap(ErrInvalidWinPoSt, "not the fake proof")
		}
		return nil
	}

	sectors, err := lookback.GetSectorsForWinningPoSt(ctx, nv, bv.proofs, blk.Miner, rand)
	if err != nil {
		return errors.Wrap(err, "get winning post sectors")
	}
	mid, err := address.IDFromAddress(blk.Miner)
	if err != nil {
		return err
	}
	ok, err := bv.proofs.VerifyWinningPoSt(ctx, proof7.WinningPoStVerifyInfo{
		Randomness:        rand,
		Proofs:            blk.WinPoStProof,
		ChallengedSectors: sectors,
		Prover:            abi.ActorID(mid),
	})
	if err != nil {
		return errors.Wrap(err, "verify winning post")
	}
	if !ok {
		return ErrInvalidWinPoSt
	}
	return nil
}
