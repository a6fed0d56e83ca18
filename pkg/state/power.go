package state

import (
	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	builtin6 "github.com/filecoin-project/specs-actors/v6/actors/builtin"
	power6 "github.com/filecoin-project/specs-actors/v6/actors/builtin/power"
	builtin7 "github.com/filecoin-project/specs-actors/v7/actors/builtin"
	power7 "github.com/filecoin-project/specs-actors/v7/actors/builtin/power"

	"github.com/filecoin-project/venus-core/venus-shared/types"
)

// Claim is the power a miner has committed.
type Claim struct {
	RawBytePower    abi.StoragePower
	QualityAdjPower abi.StoragePower
}

// PowerState is the state of the storage power actor.
type PowerState interface {
	TotalPower() Claim
	MinerPower(addr address.Address) (Claim, bool, error)
	MinerNominalPowerMeetsConsensusMinimum(addr address.Address) (bool, error)
	MinerCount() int64
	powerState()
}

type power6State struct {
	power6.State
	store Store
}

type power7State struct {
	power7.State
	store Store
}

func (s *power6State) TotalPower() Claim {
	return Claim{RawBytePower: s.TotalRawBytePower, QualityAdjPower: s.TotalQualityAdjPower}
}

func (s *power7State) TotalPower() Claim {
	return Claim{RawBytePower: s.TotalRawBytePower, QualityAdjPower: s.TotalQualityAdjPower}
}

func (s *power6State) MinerPower(addr address.Address) (Claim, bool, error) {
	c, ok, err := s.GetClaim(s.store, addr)
	if err != nil || !ok {
		return Claim{}, ok, err
	}
	return Claim{RawBytePower: c.RawBytePower, QualityAdjPower: c.QualityAdjPower}, true, nil
}

func (s *power7State) MinerPower(addr address.Address) (Claim, bool, error) {
	c, ok, err := s.GetClaim(s.store, addr)
	if err != nil || !ok {
		return Claim{}, ok, err
	}
	return Claim{RawBytePower: c.RawBytePower, QualityAdjPower: c.QualityAdjPower}, true, nil
}

func (s *power6State) MinerNominalPowerMeetsConsensusMinimum(addr address.Address) (bool, error) {
	return s.State.MinerNominalPowerMeetsConsensusMinimum(s.store, addr)
}

func (s *power7State) MinerNominalPowerMeetsConsensusMinimum(addr address.Address) (bool, error) {
	return s.State.MinerNominalPowerMeetsConsensusMinimum(s.store, addr)
}

func (s *power6State) MinerCount() int64 { return s.State.MinerCount }
func (s *power7State) MinerCount() int64 { return s.State.MinerCount }
func (*power6State) powerState()         {}
func (*power7State) powerState()         {}

// LoadPowerState decodes the state of the storage power actor.
func LoadPowerState(store Store, act *types.Actor) (PowerState, error) {
	switch act.Code {
	case builtin6.StoragePowerActorCodeID:
		out := &power6State{store: store}
		if err := store.Get(store.Context(), act.Head, &out.State); err != nil {
			return nil, err
		}
		return out, nil
	case builtin7.StoragePowerActorCodeID:
		out := &power7State{store: store}
		if err := store.Get(store.Context(), act.Head, &out.State); err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, unknown("power", act.Code)
}
