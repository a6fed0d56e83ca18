package consensus

import (
	"bytes"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	acrypto "github.com/filecoin-project/go-state-types/crypto"
	"github.com/minio/blake2b-simd"
	"github.com/pkg/errors"

	"github.com/filecoin-project/venus-core/pkg/chain"
	"github.com/filecoin-project/venus-core/pkg/config"
	"github.com/filecoin-project/venus-core/pkg/crypto"
	_ "github.com/filecoin-project/venus-core/pkg/crypto/bls" // enable bls signatures
	"github.com/filecoin-project/venus-core/venus-shared/types"
)

var ErrInvalidVRF = errors.New("invalid vrf")

// DrawRandomness blends rbase, the data of a beacon entry, into randomness
// for round.
func DrawRandomness(rbase []byte, pers acrypto.DomainSeparationTag, round abi.ChainEpoch, entropy []byte) (abi.Randomness, error) {
	digest := blake2b.Sum256(rbase)
	return chain.BlendEntropy(pers, digest[:], round, entropy)
}

// BlockRandomness is the randomness a block at height by miner is mined with.
type BlockRandomness struct {
	Election abi.Randomness
	Ticket   abi.Randomness
	WinPoSt  abi.PoStRandomness
}

// ComputeBlockRandomness derives election, ticket and winning PoSt
// randomness. The beacon is the last entry of the block, or prevBeacon
// when the block carries none.
func ComputeBlockRandomness(miner address.Address, height abi.ChainEpoch, entries []types.BeaconEntry, prevBeacon types.BeaconEntry, parent *types.TipSet, upgrade *config.ForkUpgradeConfig) (*BlockRandomness, error) {
	beacon := prevBeacon
	if len(entries) > 0 {
		beacon = entries[len(entries)-1]
	}

	buf := new(bytes.Buffer)
	if err := miner.MarshalCBOR(buf); err != nil {
		return nil, errors.Wrap(err, "failed to marshal miner address")
	}
	minerSeed := buf.Bytes()

	election, err := DrawRandomness(beacon.Data, acrypto.DomainSeparationTag_ElectionProofProduction, height, minerSeed)
	if err != nil {
		return nil, errors.Wrap(err, "election randomness")
	}

	ticketSeed := append([]byte{}, minerSeed...)
	if height > upgrade.UpgradeSmokeHeight {
		ticketSeed = append(ticketSeed, parent.MinTicket().VRFProof...)
	}
	ticket, err := DrawRandomness(beacon.Data, acrypto.DomainSeparationTag_TicketProduction, height-1, ticketSeed)
	if err != nil {
		return nil, errors.Wrap(err, "ticket randomness")
	}

	win, err := DrawRandomness(beacon.Data, acrypto.DomainSeparationTag_WinningPoStChallengeSeed, height, minerSeed)
	if err != nil {
		return nil, errors.Wrap(err, "winning post randomness")
	}

	return &BlockRandomness{Election: election, Ticket: ticket, WinPoSt: abi.PoStRandomness(win)}, nil
}

// VerifyVRF checks vrf is a BLS signature of worker over rand.
func VerifyVRF(worker address.Address, rand, vrf []byte) error {
	if worker.Protocol() != address.BLS {
		return errors.Wrapf(ErrInvalidVRF, "worker %s is not a BLS key", worker)
	}
	sig := &crypto.Signature{Type: crypto.SigTypeBLS, Data: vrf}
	if err := crypto.Verify(sig, worker, rand); err != nil {
		return errors.Wrapf(ErrInvalidVRF, "%s", err)
	}
	return nil
}

// ComputeWinCount is the number of times a miner with power out of
// totalPower wins with the election proof vrf.
func ComputeWinCount(vrf []byte, power, totalPower abi.StoragePower) int64 {
	ep := &types.ElectionProof{VRFProof: vrf}
	return ep.ComputeWinCount(power, totalPower)
}
