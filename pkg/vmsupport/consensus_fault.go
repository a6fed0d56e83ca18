package vmsupport

import (
	"bytes"
	"context"
	"fmt"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pkg/errors"

	"github.com/filecoin-project/venus-core/pkg/constants"
	"github.com/filecoin-project/venus-core/pkg/crypto"
	_ "github.com/filecoin-project/venus-core/pkg/crypto/bls"  // enable bls signatures
	_ "github.com/filecoin-project/venus-core/pkg/crypto/secp" // enable secp signatures
	"github.com/filecoin-project/venus-core/venus-shared/types"
)

var log = logging.Logger("vmsupport")

// ErrNoFault is returned when the submitted headers do not prove a fault.
var ErrNoFault = errors.New("no consensus fault")

type ConsensusFaultType int64

const (
	ConsensusFaultDoubleForkMining ConsensusFaultType = 1
	ConsensusFaultParentGrinding   ConsensusFaultType = 2
	ConsensusFaultTimeOffsetMining ConsensusFaultType = 3
)

func (t ConsensusFaultType) String() string {
	switch t {
	case ConsensusFaultDoubleForkMining:
		return "double-fork"
	case ConsensusFaultParentGrinding:
		return "parent-grinding"
	case ConsensusFaultTimeOffsetMining:
		return "time-offset"
	}
	return fmt.Sprintf("unknown(%d)", int64(t))
}

// ConsensusFault is a proven fault of a miner.
type ConsensusFault struct {
	Target address.Address
	Epoch  abi.ChainEpoch
	Type   ConsensusFaultType
}

// FaultStateView resolves the worker key a miner signed blocks with.
type FaultStateView interface {
	GetMinerWorkerRaw(ctx context.Context, maddr address.Address) (address.Address, error)
}

// LookbackStateGetter returns the state in force at an epoch.
type LookbackStateGetter func(ctx context.Context, epoch abi.ChainEpoch) (FaultStateView, error)

type ConsensusFaultChecker struct {
	lookback LookbackStateGetter
}

func NewConsensusFaultChecker(lookback LookbackStateGetter) *ConsensusFaultChecker {
	return &ConsensusFaultChecker{lookback: lookback}
}

// VerifyConsensusFault checks that two block headers provide proof of a consensus fault:
// - both headers mined by the same actor
// - headers are different
// - first header is of the same or lower epoch as the second
// - the headers provide evidence of a fault (double-fork, time-offset or parent-grinding)
// The parameters are all serialized block headers. The third "extra" parameter is consulted only for
// the "parent grinding fault", in which case it must be the sibling of h1 (same parent tipset) and one of the
// blocks in the parent of h2 (i.e. h2's grandparent).
// Returns nil and an error wrapping ErrNoFault if the headers don't prove a fault.
func (s *ConsensusFaultChecker) VerifyConsensusFault(ctx context.Context, h1, h2, extra []byte, curEpoch abi.ChainEpoch) (*ConsensusFault, error) {
	// Note that block syntax is not validated. Any validly signed block will be accepted pursuant to the below conditions.
	// Whether or not it could ever have been accepted in a chain is not checked/does not matter here.
	// for that reason when checking block parent relationships, rather than instantiating a Tipset to do so
	// (which runs a syntactic check), we do it directly on the CIDs.

	// (0) cheap preliminary checks
	if bytes.Equal(h1, h2) {
		return nil, errors.Wrap(ErrNoFault, "submitted blocks are the same")
	}
	var b1, b2, b3 types.BlockHeader
	if err := b1.UnmarshalCBOR(bytes.NewReader(h1)); err != nil {
		return nil, errors.Wrapf(ErrNoFault, "cannot decode first block header: %s", err)
	}
	if err := b2.UnmarshalCBOR(bytes.NewReader(h2)); err != nil {
		return nil, errors.Wrapf(ErrNoFault, "cannot decode second block header: %s", err)
	}
	if b1.Cid().Equals(b2.Cid()) {
		return nil, errors.Wrap(ErrNoFault, "submitted blocks are the same")
	}

	// (1) check conditions necessary to any consensus fault
	if b1.Miner != b2.Miner {
		return nil, errors.Wrapf(ErrNoFault, "blocks mined by different miners %s and %s", b1.Miner, b2.Miner)
	}
	if b2.Height < b1.Height {
		return nil, errors.Wrapf(ErrNoFault, "first block %d must not be of higher height than second %d", b1.Height, b2.Height)
	}
	if b1.Height < curEpoch-constants.ChainFinality {
		return nil, errors.Wrapf(ErrNoFault, "block height %d expired at %d", b1.Height, curEpoch)
	}

	var fault *ConsensusFault
	// (2) check for the consensus faults themselves
	// (a) double-fork mining fault
	if b1.Height == b2.Height {
		fault = &ConsensusFault{Target: b1.Miner, Epoch: b2.Height, Type: ConsensusFaultDoubleForkMining}
	}

	// (b) time-offset mining fault
	// strictly speaking no need to compare heights based on double fork mining check above,
	// but at same height this would be a different fault.
	if types.CidArrsEqual(b1.Parents, b2.Parents) && b1.Height != b2.Height {
		fault = &ConsensusFault{Target: b1.Miner, Epoch: b2.Height, Type: ConsensusFaultTimeOffsetMining}
	}

	// (c) parent-grinding fault
	// Here extra is the "witness", a third block that shows the connection between A and B as
	// A's sibling and B's parent.
	// Specifically, since A is of lower height, it must be that B was mined omitting A from its tipset
	//
	//      B
	//      |
	//  [A, C]
	if len(extra) > 0 {
		if err := b3.UnmarshalCBOR(bytes.NewReader(extra)); err != nil {
			return nil, errors.Wrapf(ErrNoFault, "cannot decode extra: %s", err)
		}
		if types.CidArrsEqual(b1.Parents, b3.Parents) && b1.Height == b3.Height &&
			types.CidArrsContains(b2.Parents, b3.Cid()) && !types.CidArrsContains(b2.Parents, b1.Cid()) {
			fault = &ConsensusFault{Target: b1.Miner, Epoch: b1.Height, Type: ConsensusFaultParentGrinding}
		}
	}

	// (3) return if no consensus fault by now
	if fault == nil {
		return nil, ErrNoFault
	}

	// (4) expensive final checks
	// check blocks are properly signed by their respective miner
	// note we do not need to check extra's: it is a parent to block b
	// which itself is signed, so it was willingly included by the miner
	if err := s.verifyBlockSignature(ctx, &b1); err != nil {
		return nil, errors.Wrapf(ErrNoFault, "cannot verify first block sig: %s", err)
	}
	if err := s.verifyBlockSignature(ctx, &b2); err != nil {
		return nil, errors.Wrapf(ErrNoFault, "cannot verify second block sig: %s", err)
	}

	log.Infow("consensus fault proven", "miner", fault.Target, "type", fault.Type, "epoch", fault.Epoch)
	return fault, nil
}

func (s *ConsensusFaultChecker) verifyBlockSignature(ctx context.Context, blk *types.BlockHeader) error {
	if blk.BlockSig == nil {
		return errors.Errorf("block %s has nil signature", blk.Cid())
	}
	view, err := s.lookback(ctx, blk.Height)
	if err != nil {
		return errors.Wrapf(err, "failed to load state at %d", blk.Height)
	}
	worker, err := view.GetMinerWorkerRaw(ctx, blk.Miner)
	if err != nil {
		return errors.Wrapf(err, "failed to resolve worker of %s", blk.Miner)
	}
	data, err := blk.SignatureData()
	if err != nil {
		return err
	}
	return crypto.Verify(blk.BlockSig, worker, data)
}
