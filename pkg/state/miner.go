package state

import (
	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-bitfield"
	"github.com/filecoin-project/go-state-types/abi"
	builtin6 "github.com/filecoin-project/specs-actors/v6/actors/builtin"
	miner6 "github.com/filecoin-project/specs-actors/v6/actors/builtin/miner"
	builtin7 "github.com/filecoin-project/specs-actors/v7/actors/builtin"
	miner7 "github.com/filecoin-project/specs-actors/v7/actors/builtin/miner"
	proof7 "github.com/filecoin-project/specs-actors/v7/actors/runtime/proof"

	"github.com/filecoin-project/venus-core/venus-shared/types"
)

// MinerInfo holds the miner fields consensus cares about.
type MinerInfo struct {
	Owner                 address.Address
	Worker                address.Address
	SectorSize            abi.SectorSize
	WindowPoStProofType   abi.RegisteredPoStProof
	ConsensusFaultElapsed abi.ChainEpoch
}

// MinerState is the state of a storage miner actor.
type MinerState interface {
	Info() (MinerInfo, error)
	FeeDebt() abi.TokenAmount
	// ActiveSectors are the sectors that are neither faulty, unproven nor terminated.
	ActiveSectors() (bitfield.BitField, error)
	LoadSectorInfos(sectors bitfield.BitField) ([]proof7.SectorInfo, error)
	minerState()
}

type miner6State struct {
	miner6.State
	store Store
}

type miner7State struct {
	miner7.State
	store Store
}

func (s *miner6State) Info() (MinerInfo, error) {
	info, err := s.GetInfo(s.store)
	if err != nil {
		return MinerInfo{}, err
	}
	return MinerInfo{
		Owner:                 info.Owner,
		Worker:                info.Worker,
		SectorSize:            info.SectorSize,
		WindowPoStProofType:   info.WindowPoStProofType,
		ConsensusFaultElapsed: info.ConsensusFaultElapsed,
	}, nil
}

func (s *miner7State) Info() (MinerInfo, error) {
	info, err := s.GetInfo(s.store)
	if err != nil {
		return MinerInfo{}, err
	}
	return MinerInfo{
		Owner:                 info.Owner,
		Worker:                info.Worker,
		SectorSize:            info.SectorSize,
		WindowPoStProofType:   info.WindowPoStProofType,
		ConsensusFaultElapsed: info.ConsensusFaultElapsed,
	}, nil
}

func (s *miner6State) FeeDebt() abi.TokenAmount { return s.State.FeeDebt }
func (s *miner7State) FeeDebt() abi.TokenAmount { return s.State.FeeDebt }

func (s *miner6State) ActiveSectors() (bitfield.BitField, error) {
	dls, err := s.LoadDeadlines(s.store)
	if err != nil {
		return bitfield.BitField{}, err
	}
	var active []bitfield.BitField
	err = dls.ForEach(s.store, func(_ uint64, dl *miner6.Deadline) error {
		parts, err := dl.PartitionsArray(s.store)
		if err != nil {
			return err
		}
		var part miner6.Partition
		return parts.ForEach(&part, func(int64) error {
			bf, err := part.ActiveSectors()
			if err != nil {
				return err
			}
			active = append(active, bf)
			return nil
		})
	})
	if err != nil {
		return bitfield.BitField{}, err
	}
	return bitfield.MultiMerge(active...)
}

func (s *miner7State) ActiveSectors() (bitfield.BitField, error) {
	dls, err := s.LoadDeadlines(s.store)
	if err != nil {
		return bitfield.BitField{}, err
	}
	var active []bitfield.BitField
	err = dls.ForEach(s.store, func(_ uint64, dl *miner7.Deadline) error {
		parts, err := dl.PartitionsArray(s.store)
		if err != nil {
			return err
		}
		var part miner7.Partition
		return parts.ForEach(&part, func(int64) error {
			bf, err := part.ActiveSectors()
			if err != nil {
				return err
			}
			active = append(active, bf)
			return nil
		})
	})
	if err != nil {
		return bitfield.BitField{}, err
	}
	return bitfield.MultiMerge(active...)
}

func (s *miner6State) LoadSectorInfos(sectors bitfield.BitField) ([]proof7.SectorInfo, error) {
	arr, err := miner6.LoadSectors(s.store, s.Sectors)
	if err != nil {
		return nil, err
	}
	infos, err := arr.Load(sectors)
	if err != nil {
		return nil, err
	}
	out := make([]proof7.SectorInfo, len(infos))
	for i, info := range infos {
		out[i] = proof7.SectorInfo{SealProof: info.SealProof, SectorNumber: info.SectorNumber, SealedCID: info.SealedCID}
	}
	return out, nil
}

func (s *miner7State) LoadSectorInfos(sectors bitfield.BitField) ([]proof7.SectorInfo, error) {
	arr, err := miner7.LoadSectors(s.store, s.Sectors)
	if err != nil {
		return nil, err
	}
	infos, err := arr.Load(sectors)
	if err != nil {
		return nil, err
	}
	out := make([]proof7.SectorInfo, len(infos))
	for i, info := range infos {
		out[i] = proof7.SectorInfo{SealProof: info.SealProof, SectorNumber: info.SectorNumber, SealedCID: info.SealedCID}
	}
	return out, nil
}

func (*miner6State) minerState() {}
func (*miner7State) minerState() {}

// LoadMinerState decodes the state of a miner actor.
func LoadMinerState(store Store, act *types.Actor) (MinerState, error) {
	switch act.Code {
	case builtin6.StorageMinerActorCodeID:
		out := &miner6State{store: store}
		if err := store.Get(store.Context(), act.Head, &out.State); err != nil {
			return nil, err
		}
		return out, nil
	case builtin7.StorageMinerActorCodeID:
		out := &miner7State{store: store}
		if err := store.Get(store.Context(), act.Head, &out.State); err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, unknown("miner", act.Code)
}
