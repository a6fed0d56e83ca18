package state

import (
	"github.com/filecoin-project/go-address"
	builtin6 "github.com/filecoin-project/specs-actors/v6/actors/builtin"
	init6 "github.com/filecoin-project/specs-actors/v6/actors/builtin/init"
	builtin7 "github.com/filecoin-project/specs-actors/v7/actors/builtin"
	init7 "github.com/filecoin-project/specs-actors/v7/actors/builtin/init"

	"github.com/filecoin-project/venus-core/venus-shared/types"
)

// InitState is the state of the init actor.
type InitState interface {
	ResolveAddress(addr address.Address) (address.Address, bool, error)
	NetworkName() string
	initState()
}

type init6State struct {
	init6.State
	store Store
}

type init7State struct {
	init7.State
	store Store
}

func (s *init6State) ResolveAddress(addr address.Address) (address.Address, bool, error) {
	return s.State.ResolveAddress(s.store, addr)
}

func (s *init7State) ResolveAddress(addr address.Address) (address.Address, bool, error) {
	return s.State.ResolveAddress(s.store, addr)
}

func (s *init6State) NetworkName() string { return s.State.NetworkName }
func (s *init7State) NetworkName() string { return s.State.NetworkName }
func (*init6State) initState()            {}
func (*init7State) initState()            {}

// LoadInitState decodes the state of the init actor.
func LoadInitState(store Store, act *types.Actor) (InitState, error) {
	switch act.Code {
	case builtin6.InitActorCodeID:
		out := &init6State{store: store}
		if err := store.Get(store.Context(), act.Head, &out.State); err != nil {
			return nil, err
		}
		return out, nil
	case builtin7.InitActorCodeID:
		out := &init7State{store: store}
		if err := store.Get(store.Context(), act.Head, &out.State); err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, unknown("init", act.Code)
}
