package state

import (
	"github.com/filecoin-project/go-address"
	builtin6 "github.com/filecoin-project/specs-actors/v6/actors/builtin"
	account6 "github.com/filecoin-project/specs-actors/v6/actors/builtin/account"
	builtin7 "github.com/filecoin-project/specs-actors/v7/actors/builtin"
	account7 "github.com/filecoin-project/specs-actors/v7/actors/builtin/account"

	"github.com/filecoin-project/venus-core/venus-shared/types"
)

// AccountState is the state of an account actor.
type AccountState interface {
	PubkeyAddress() address.Address
	accountState()
}

type account6State struct{ account6.State }

type account7State struct{ account7.State }

func (s *account6State) PubkeyAddress() address.Address { return s.Address }
func (s *account7State) PubkeyAddress() address.Address { return s.Address }
func (*account6State) accountState()                    {}
func (*account7State) accountState()                    {}

// LoadAccountState decodes the state of an account actor.
func LoadAccountState(store Store, act *types.Actor) (AccountState, error) {
	switch act.Code {
	case builtin6.AccountActorCodeID:
		out := &account6State{}
		if err := store.Get(store.Context(), act.Head, &out.State); err != nil {
			return nil, err
		}
		return out, nil
	case builtin7.AccountActorCodeID:
		out := &account7State{}
		if err := store.Get(store.Context(), act.Head, &out.State); err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, unknown("account", act.Code)
}
