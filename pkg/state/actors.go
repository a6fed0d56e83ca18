package state

import (
	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	builtin6 "github.com/filecoin-project/specs-actors/v6/actors/builtin"
	builtin7 "github.com/filecoin-project/specs-actors/v7/actors/builtin"
	adt7 "github.com/filecoin-project/specs-actors/v7/actors/util/adt"
	"github.com/ipfs/go-cid"
	"golang.org/x/xerrors"
)

// ActorsVersion is the specs-actors generation an actor's code belongs to.
type ActorsVersion int

const (
	Version6 ActorsVersion = 6
	Version7 ActorsVersion = 7
)

// Well known singleton addresses. They are the same for every actors version.
var (
	SystemActorAddr        = builtin7.SystemActorAddr
	InitActorAddr          = builtin7.InitActorAddr
	RewardActorAddr        = builtin7.RewardActorAddr
	CronActorAddr          = builtin7.CronActorAddr
	StoragePowerActorAddr  = builtin7.StoragePowerActorAddr
	StorageMarketActorAddr = builtin7.StorageMarketActorAddr
	BurntFundsActorAddr    = builtin7.BurntFundsActorAddr
)

// ErrUnknownCode is returned when an actor's code CID is neither a v6 nor a v7 builtin.
var ErrUnknownCode = xerrors.New("unknown actor code")

// Store is the ADT store actor states are read through.
type Store = adt7.Store

// IsAccountActor reports whether code is an account actor of any supported version.
func IsAccountActor(code cid.Cid) bool {
	return code == builtin6.AccountActorCodeID || code == builtin7.AccountActorCodeID
}

// IsStorageMinerActor reports whether code is a miner actor of any supported version.
func IsStorageMinerActor(code cid.Cid) bool {
	return code == builtin6.StorageMinerActorCodeID || code == builtin7.StorageMinerActorCodeID
}

// VersionOf returns the actors version of a builtin code CID.
func VersionOf(code cid.Cid) (ActorsVersion, error) {
	switch code {
	case builtin6.AccountActorCodeID, builtin6.InitActorCodeID, builtin6.StoragePowerActorCodeID,
		builtin6.StorageMinerActorCodeID, builtin6.SystemActorCodeID, builtin6.CronActorCodeID, builtin6.RewardActorCodeID:
		return Version6, nil
	case builtin7.AccountActorCodeID, builtin7.InitActorCodeID, builtin7.StoragePowerActorCodeID,
		builtin7.StorageMinerActorCodeID, builtin7.SystemActorCodeID, builtin7.CronActorCodeID, builtin7.RewardActorCodeID:
		return Version7, nil
	}
	return 0, xerrors.Errorf("%s: %w", code, ErrUnknownCode)
}

func unknown(kind string, code cid.Cid) error {
	return xerrors.Errorf("%s actor code %s: %w", kind, code, ErrUnknownCode)
}

// ActorID extracts the id of an ID address.
func ActorID(addr address.Address) (abi.ActorID, error) {
	id, err := address.IDFromAddress(addr)
	if err != nil {
		return 0, err
	}
	return abi.ActorID(id), nil
}
