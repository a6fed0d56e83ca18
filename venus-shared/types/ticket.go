package types

import (
	"bytes"

	"github.com/filecoin-project/go-state-types/abi"
	"github.com/minio/blake2b-simd"
)

// A Ticket is a marker of a tick of the blockchain's clock.  It is the source
// of randomness for proofs of storage and leader election.  It is generated
// by the miner of a block using a VRF.
type Ticket struct {
	// A proof output by running a VRF on the VRFProof of the parent ticket
	VRFProof abi.Randomness
}

// Compare orders tickets by the blake2b digest of their proofs.
func (t *Ticket) Compare(o *Ticket) int {
	tDigest := blake2b.Sum256(t.VRFProof)
	oDigest := blake2b.Sum256(o.VRFProof)
	return bytes.Compare(tDigest[:], oDigest[:])
}

func (t *Ticket) Less(o *Ticket) bool {
	return t.Compare(o) < 0
}

// ElectionProof carries the number of times a miner won an epoch and the
// VRF output it won with.
type ElectionProof struct {
	WinCount int64
	VRFProof []byte
}

// BeaconEntry is a randomness beacon round carried by a block.
type BeaconEntry struct {
	Round uint64
	Data  []byte
}

func NewBeaconEntry(round uint64, data []byte) BeaconEntry {
	return BeaconEntry{
		Round: round,
		Data:  data,
	}
}
