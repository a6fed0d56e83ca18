package chain

import (
	"bytes"
	"context"
	"encoding/binary"

	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/crypto"
	"github.com/filecoin-project/go-state-types/network"
	"github.com/minio/blake2b-simd"
	"github.com/pkg/errors"

	"github.com/filecoin-project/venus-core/pkg/fork"
)

// RandomSeed is the 32 byte base randomness is blended from.
type RandomSeed []byte

// RandomnessSource provides randomness to actors and to block validation.
// Randomness is always drawn from the ancestry of branch.
type RandomnessSource interface {
	GetRandomnessFromTickets(ctx context.Context, branch *TsBranch, tag crypto.DomainSeparationTag, epoch abi.ChainEpoch, entropy []byte) (abi.Randomness, error)
	GetRandomnessFromBeacon(ctx context.Context, branch *TsBranch, tag crypto.DomainSeparationTag, epoch abi.ChainEpoch, entropy []byte) (abi.Randomness, error)
}

var _ RandomnessSource = (*ChainRandomnessSource)(nil)

// ChainRandomnessSource draws randomness from tickets and beacon entries of a branch.
type ChainRandomnessSource struct { //nolint
	branches *Branches
	tsLoad   TsLoad
	forks    fork.IFork
}

func NewChainRandomnessSource(branches *Branches, tsLoad TsLoad, forks fork.IFork) *ChainRandomnessSource {
	return &ChainRandomnessSource{branches: branches, tsLoad: tsLoad, forks: forks}
}

// sample finds the tipset randomness for epoch is drawn from. Before
// network version 13 a null round falls back to the tipset below it,
// afterwards to the first tipset above it.
func (c *ChainRandomnessSource) sample(ctx context.Context, branch *TsBranch, epoch abi.ChainEpoch) (TsIter, error) {
	if epoch < 0 {
		return TsIter{}, errors.Errorf("cannot draw randomness from negative epoch %d", epoch)
	}

	c.branches.Mu.RLock()
	defer c.branches.Mu.RUnlock()

	if epoch > branch.Chain.Top().Height {
		return TsIter{}, errors.Errorf("cannot draw randomness from the future: %d > %d", epoch, branch.Chain.Top().Height)
	}
	if c.forks.GetNetworkVersion(ctx, epoch) < network.Version13 {
		return Find(branch, epoch, true)
	}
	for branch.bottom().Height > epoch && branch.Parent != nil {
		branch = branch.Parent
	}
	if err := branch.lazyLoad(epoch); err != nil {
		return TsIter{}, err
	}
	e, ok := branch.Chain.LowerBound(epoch)
	if !ok {
		return TsIter{}, errors.Wrapf(ErrTooHigh, "sample %d", epoch)
	}
	return TsIter{Branch: branch, TsEntry: e}, nil
}

// GetRandomnessFromTickets blends the min ticket of the sampled tipset.
func (c *ChainRandomnessSource) GetRandomnessFromTickets(ctx context.Context, branch *TsBranch, tag crypto.DomainSeparationTag, epoch abi.ChainEpoch, entropy []byte) (abi.Randomness, error) {
	it, err := c.sample(ctx, branch, epoch)
	if err != nil {
		return nil, errors.Wrap(err, "failed to sample chain for randomness")
	}
	ts, err := c.tsLoad.LazyLoad(ctx, it.Lazy)
	if err != nil {
		return nil, err
	}
	digest := blake2b.Sum256(ts.MinTicket().VRFProof)
	return BlendEntropy(tag, digest[:], epoch, entropy)
}

// GetRandomnessFromBeacon blends the latest beacon entry at or below epoch.
func (c *ChainRandomnessSource) GetRandomnessFromBeacon(ctx context.Context, branch *TsBranch, tag crypto.DomainSeparationTag, epoch abi.ChainEpoch, entropy []byte) (abi.Randomness, error) {
	if epoch < 0 {
		return nil, errors.Errorf("cannot draw randomness from negative epoch %d", epoch)
	}
	c.branches.Mu.RLock()
	it, err := Find(branch, epoch, true)
	if err != nil {
		c.branches.Mu.RUnlock()
		return nil, errors.Wrap(err, "failed to sample chain for beacon randomness")
	}
	entry, err := LatestBeacon(ctx, c.tsLoad, it)
	c.branches.Mu.RUnlock()
	if err != nil {
		return nil, err
	}
	digest := blake2b.Sum256(entry.Data)
	return BlendEntropy(tag, digest[:], epoch, entropy)
}

// BlendEntropy get randomness with chain value. blake2b(buf(tag, seed, epoch, entropy))
func BlendEntropy(tag crypto.DomainSeparationTag, seed RandomSeed, epoch abi.ChainEpoch, entropy []byte) (abi.Randomness, error) {
	buffer := bytes.Buffer{}
	err := binary.Write(&buffer, binary.BigEndian, int64(tag))
	if err != nil {
		return nil, errors.Wrap(err, "failed to write tag for randomness")
	}
	_, err = buffer.Write(seed)
	if err != nil {
		return nil, errors.Wrap(err, "failed to write seed for randomness")
	}
	err = binary.Write(&buffer, binary.BigEndian, int64(epoch))
	if err != nil {
		return nil, errors.Wrap(err, "failed to write epoch for randomness")
	}
	_, err = buffer.Write(entropy)
	if err != nil {
		return nil, errors.Wrap(err, "failed to write entropy for randomness")
	}
	bufHash := blake2b.Sum256(buffer.Bytes())
	return bufHash[:], nil
}
