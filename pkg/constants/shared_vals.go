package constants

import (
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/network"
)

// TestNetworkVersion is the network version test chains run at.
const TestNetworkVersion = network.Version15

// constants for Weight calculation
// The ratio of weight contributed by short-term vs long-term factors in a given round
const (
	WRatioNum = int64(1)
	WRatioDen = uint64(2)
)

// ExpectedLeadersPerEpoch is the mean number of winners per epoch.
const ExpectedLeadersPerEpoch = int64(5)

// Epochs
const (
	BlockDelaySecs = uint64(30)

	ChainFinality = abi.ChainEpoch(900)

	// WinningPoStSectorSetLookback is the lookback used before the finality
	// based lookback was introduced.
	WinningPoStSectorSetLookback = abi.ChainEpoch(10)

	// BeaconSearchDepth bounds the walk back for the latest beacon entry.
	BeaconSearchDepth = 20
)

// ForkLengthThreshold is the deepest reorg accepted.
const ForkLengthThreshold = ChainFinality

// MessageConfidence is the number of epochs a message waits to be final.
const MessageConfidence = uint64(5)

// FakeWinningPoStProof is the only proof accepted when fake proofs are on.
var FakeWinningPoStProof = []byte{0xde, 0xad}
