package consensus

import (
	"bytes"
	"context"

	"github.com/filecoin-project/go-state-types/abi"
	proof7 "github.com/filecoin-project/specs-actors/v7/actors/runtime/proof"

	"github.com/filecoin-project/venus-core/pkg/constants"
	"github.com/filecoin-project/venus-core/pkg/state"
)

// ProofEngine verifies the proofs miners put in blocks.
type ProofEngine interface {
	state.WinningPoStChallenger
	VerifyWinningPoSt(ctx context.Context, info proof7.WinningPoStVerifyInfo) (bool, error)
	VerifySeal(ctx context.Context, info proof7.SealVerifyInfo) (bool, error)
}

var _ ProofEngine = (*FakeProofEngine)(nil)

// FakeProofEngine accepts every seal and only the fake winning PoSt proof.
type FakeProofEngine struct{}

func (FakeProofEngine) GenerateWinningPoStSectorChallenge(_ context.Context, _ abi.RegisteredPoStProof, _ abi.ActorID, _ abi.PoStRandomness, eligibleSectorCount uint64) ([]uint64, error) {
	if eligibleSectorCount == 0 {
		return nil, nil
	}
	return []uint64{0}, nil
}

func (FakeProofEngine) VerifyWinningPoSt(_ context.Context, info proof7.WinningPoStVerifyInfo) (bool, error) {
	return IsFakeWinningPoSt(info.Proofs), nil
}

func (FakeProofEngine) VerifySeal(context.Context, proof7.SealVerifyInfo) (bool, error) {
	return true, nil
}

// IsFakeWinningPoSt reports whether proofs is exactly the fake proof.
func IsFakeWinningPoSt(proofs []proof7.PoStProof) bool {
	return len(proofs) == 1 && bytes.Equal(proofs[0].ProofBytes, constants.FakeWinningPoStProof)
}
