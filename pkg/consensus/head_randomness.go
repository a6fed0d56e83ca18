package consensus

import (
	"context"

	"github.com/filecoin-project/go-state-types/abi"
	acrypto "github.com/filecoin-project/go-state-types/crypto"

	"github.com/filecoin-project/venus-core/pkg/chain"
	"github.com/filecoin-project/venus-core/pkg/vm/vmcontext"
)

var _ vmcontext.HeadChainRandomness = (*HeadRandomness)(nil)

// HeadRandomness is a chain randomness source fixed to one branch.
type HeadRandomness struct {
	rnd    chain.RandomnessSource
	branch *chain.TsBranch
}

func NewHeadRandomness(rnd chain.RandomnessSource, branch *chain.TsBranch) *HeadRandomness {
	return &HeadRandomness{rnd: rnd, branch: branch}
}

func (h HeadRandomness) ChainGetRandomnessFromBeacon(ctx context.Context, personalization acrypto.DomainSeparationTag, randEpoch abi.ChainEpoch, entropy []byte) (abi.Randomness, error) {
	return h.rnd.GetRandomnessFromBeacon(ctx, h.branch, personalization, randEpoch, entropy)
}

func (h HeadRandomness) ChainGetRandomnessFromTickets(ctx context.Context, personalization acrypto.DomainSeparationTag, randEpoch abi.ChainEpoch, entropy []byte) (abi.Randomness, error) {
	return h.rnd.GetRandomnessFromTickets(ctx, h.branch, personalization, randEpoch, entropy)
}
