package types

import (
	"errors"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/ipfs/go-cid"
)

var ErrActorNotFound = errors.New("actor not found")

// ZeroAddress is the BLS address of the all-zero public key; messages may
// not be sent to it once network version 7 is active.
var ZeroAddress = func() address.Address {
	addr, err := address.NewBLSAddress(make([]byte, 48))
	if err != nil {
		panic(err)
	}
	return addr
}()

// Actor is the central abstraction of entities in the system.
type Actor struct {
	// Code is a CID of the VM code for this actor's implementation (or a constant for actors implemented in Go code).
	Code cid.Cid
	// Head is the CID of the root of the actor's state tree.
	Head cid.Cid
	// Nonce is the number expected on the next message from this actor.
	Nonce uint64
	// Balance is the amount of attoFIL in the actor's account.
	Balance abi.TokenAmount
}

// NewActor constructs a new actor.
func NewActor(code cid.Cid, balance abi.TokenAmount, head cid.Cid) *Actor {
	return &Actor{
		Code:    code,
		Nonce:   0,
		Balance: balance,
		Head:    head,
	}
}

// IncrementSeqNum increments the seq number.
func (t *Actor) IncrementSeqNum() {
	t.Nonce = t.Nonce + 1
}

// StateTreeVersion is the version of the state tree root layout.
type StateTreeVersion uint64

const (
	StateTreeVersion0 StateTreeVersion = iota
	StateTreeVersion1
	StateTreeVersion2
	StateTreeVersion3
	StateTreeVersion4
)

// StateRoot is the versioned root of the state tree.
type StateRoot struct {
	// State tree version.
	Version StateTreeVersion
	// Actors tree. The structure depends on the state root version.
	Actors cid.Cid
	// Info. The structure depends on the state root version.
	Info cid.Cid
}

// StateInfo0 is the empty info object of versions 1 and up.
type StateInfo0 struct{}
