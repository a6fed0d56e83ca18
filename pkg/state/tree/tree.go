package tree

import (
	"bytes"
	"context"
	"fmt"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	hamt "github.com/filecoin-project/go-hamt-ipld/v3"
	builtin7 "github.com/filecoin-project/specs-actors/v7/actors/builtin"
	init7 "github.com/filecoin-project/specs-actors/v7/actors/builtin/init"
	adt7 "github.com/filecoin-project/specs-actors/v7/actors/util/adt"
	"github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
	logging "github.com/ipfs/go-log/v2"
	cbg "github.com/whyrusleeping/cbor-gen"
	"go.opencensus.io/trace"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/venus-core/venus-shared/types"
)

type ActorKey = address.Address

type Root = cid.Cid

// Tree is the mutable view of the actors of one state root.
type Tree interface {
	GetActor(ctx context.Context, addr ActorKey) (*types.Actor, bool, error)
	SetActor(ctx context.Context, addr ActorKey, act *types.Actor) error
	DeleteActor(ctx context.Context, addr ActorKey) error
	LookupID(addr ActorKey) (address.Address, error)

	Flush(ctx context.Context) (cid.Cid, error)
	Snapshot(ctx context.Context) error
	ClearSnapshot()
	Revert() error

	RegisterNewAddress(addr ActorKey) (address.Address, error)

	MutateActor(addr ActorKey, f func(*types.Actor) error) error
	ForEach(f func(ActorKey, *types.Actor) error) error
	Version() types.StateTreeVersion
}

var log = logging.Logger("statetree")

// HamtBitwidth is the bit width of the actors HAMT from state tree version 2 on.
const HamtBitwidth = 5

var _ Tree = (*State)(nil)

// State stores actors state by their ID.
type State struct {
	root    *hamt.Node
	version types.StateTreeVersion
	info    cid.Cid
	Store   cbor.IpldStore

	snaps *stateSnaps
}

func supported(ver types.StateTreeVersion) bool {
	return ver == types.StateTreeVersion3 || ver == types.StateTreeVersion4
}

// NewState makes an empty tree of the given version.
func NewState(cst cbor.IpldStore, ver types.StateTreeVersion) (*State, error) {
	if !supported(ver) {
		return nil, xerrors.Errorf("unsupported state tree version: %d", ver)
	}
	info, err := cst.Put(context.TODO(), new(types.StateInfo0))
	if err != nil {
		return nil, err
	}
	root, err := hamt.NewNode(cst, hamt.UseTreeBitWidth(HamtBitwidth))
	if err != nil {
		return nil, err
	}
	return &State{
		root:    root,
		version: ver,
		info:    info,
		Store:   cst,
		snaps:   newStateSnaps(),
	}, nil
}

// LoadState opens the tree at state root c.
func LoadState(ctx context.Context, cst cbor.IpldStore, c cid.Cid) (*State, error) {
	var root types.StateRoot
	if err := cst.Get(ctx, c, &root); err != nil {
		return nil, xerrors.Errorf("failed to load state root %s: %w", c, err)
	}
	if !supported(root.Version) {
		return nil, xerrors.Errorf("unsupported state tree version: %d", root.Version)
	}

	nd, err := hamt.LoadNode(ctx, cst, root.Actors, hamt.UseTreeBitWidth(HamtBitwidth))
	if err != nil {
		log.Errorf("loading hamt node %s failed: %s", c, err)
		return nil, err
	}

	return &State{
		root:    nd,
		version: root.Version,
		info:    root.Info,
		Store:   cst,
		snaps:   newStateSnaps(),
	}, nil
}

func (st *State) Version() types.StateTreeVersion {
	return st.version
}

func (st *State) SetActor(ctx context.Context, addr ActorKey, act *types.Actor) error {
	iaddr, err := st.LookupID(addr)
	if err != nil {
		return xerrors.Errorf("ID lookup failed: %w", err)
	}
	addr = iaddr

	st.snaps.setActor(addr, act)
	return nil
}

// LookupID gets the ID address of this actor's `addr` stored in the `InitActor`.
func (st *State) LookupID(addr ActorKey) (address.Address, error) {
	if addr.Protocol() == address.ID {
		return addr, nil
	}

	resa, ok := st.snaps.resolveAddress(addr)
	if ok {
		return resa, nil
	}

	ias, err := st.initState()
	if err != nil {
		return address.Undef, err
	}

	a, found, err := ias.ResolveAddress(adt7.WrapStore(context.TODO(), st.Store), addr)
	if err == nil && !found {
		err = types.ErrActorNotFound
	}
	if err != nil {
		return address.Undef, xerrors.Errorf("resolve address %s: %w", addr, err)
	}

	st.snaps.cacheResolveAddress(addr, a)

	return a, nil
}

// the init state layout is identical for actors v6 and v7
func (st *State) initState() (*init7.State, error) {
	act, found, err := st.GetActor(context.Background(), builtin7.InitActorAddr)
	if err != nil {
		return nil, xerrors.Errorf("getting init actor: %w", err)
	}
	if !found {
		return nil, xerrors.Errorf("getting init actor: %w", types.ErrActorNotFound)
	}

	var ias init7.State
	if err := st.Store.Get(context.TODO(), act.Head, &ias); err != nil {
		return nil, xerrors.Errorf("loading init actor state: %w", err)
	}
	return &ias, nil
}

// GetActor returns the actor from any type of `addr` provided.
func (st *State) GetActor(ctx context.Context, addr ActorKey) (*types.Actor, bool, error) {
	if addr == address.Undef {
		return nil, false, fmt.Errorf("GetActor called on undefined address")
	}

	// Transform `addr` to its ID format.
	iaddr, err := st.LookupID(addr)
	if err != nil {
		if xerrors.Is(err, types.ErrActorNotFound) {
			return nil, false, nil
		}
		return nil, false, xerrors.Errorf("address resolution: %w", err)
	}
	addr = iaddr

	snapAct, err := st.snaps.getActor(addr)
	if err != nil {
		if xerrors.Is(err, types.ErrActorNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}

	if snapAct != nil {
		return snapAct, true, nil
	}

	var act types.Actor
	if found, err := st.root.Find(ctx, AddrKey(addr), &act); err != nil {
		return nil, false, xerrors.Errorf("hamt find failed: %w", err)
	} else if !found {
		return nil, false, nil
	}

	st.snaps.setActor(addr, &act)

	return &act, true, nil
}

func (st *State) DeleteActor(ctx context.Context, addr ActorKey) error {
	if addr == address.Undef {
		return xerrors.Errorf("DeleteActor called on undefined address")
	}

	iaddr, err := st.LookupID(addr)
	if err != nil {
		if xerrors.Is(err, types.ErrActorNotFound) {
			return xerrors.Errorf("resolution lookup failed (%s): %w", addr, err)
		}
		return xerrors.Errorf("address resolution: %w", err)
	}

	addr = iaddr

	_, found, err := st.GetActor(ctx, addr)
	if err != nil {
		return err
	}
	if !found {
		return xerrors.Errorf("resolution lookup failed (%s): %w", addr, types.ErrActorNotFound)
	}

	st.snaps.deleteActor(addr)

	return nil
}

// Flush writes the pending changes and returns the new state root.
func (st *State) Flush(ctx context.Context) (cid.Cid, error) {
	ctx, span := trace.StartSpan(ctx, "stateTree.Flush") //nolint:staticcheck
	defer span.End()
	if len(st.snaps.layers) != 1 {
		return cid.Undef, xerrors.Errorf("tried to flush state tree with snapshots on the stack")
	}

	for addr, sto := range st.snaps.layers[0].actors {
		if sto.Delete {
			if _, err := st.root.Delete(ctx, AddrKey(addr)); err != nil {
				return cid.Undef, err
			}
		} else {
			act := sto.Act
			if err := st.root.Set(ctx, AddrKey(addr), &act); err != nil {
				return cid.Undef, err
			}
		}
	}

	if err := st.root.Flush(ctx); err != nil {
		return cid.Undef, xerrors.Errorf("failed to flush actors: %w", err)
	}
	actors, err := st.Store.Put(ctx, st.root)
	if err != nil {
		return cid.Undef, xerrors.Errorf("failed to put actors: %w", err)
	}
	return st.Store.Put(ctx, &types.StateRoot{
		Version: st.version,
		Actors:  actors,
		Info:    st.info,
	})
}

func (st *State) Snapshot(ctx context.Context) error {
	_, span := trace.StartSpan(ctx, "stateTree.SnapShot") //nolint:staticcheck
	defer span.End()

	st.snaps.addLayer()

	return nil
}

func (st *State) ClearSnapshot() {
	st.snaps.mergeLastLayer()
}

// RegisterNewAddress assigns the next actor ID to addr in the init actor.
func (st *State) RegisterNewAddress(addr ActorKey) (address.Address, error) {
	var out address.Address
	err := st.MutateActor(builtin7.InitActorAddr, func(initact *types.Actor) error {
		var ias init7.State
		if err := st.Store.Get(context.TODO(), initact.Head, &ias); err != nil {
			return err
		}

		oaddr, err := ias.MapAddressToNewID(adt7.WrapStore(context.TODO(), st.Store), addr)
		if err != nil {
			return err
		}
		out = oaddr

		ncid, err := st.Store.Put(context.TODO(), &ias)
		if err != nil {
			return err
		}

		initact.Head = ncid
		return nil
	})
	if err != nil {
		return address.Undef, err
	}

	return out, nil
}

func (st *State) Revert() error {
	st.snaps.dropLayer()
	st.snaps.addLayer()

	return nil
}

func (st *State) MutateActor(addr ActorKey, f func(*types.Actor) error) error {
	act, found, err := st.GetActor(context.Background(), addr)
	if err != nil {
		return err
	}
	if !found {
		return xerrors.Errorf("mutate %s: %w", addr, types.ErrActorNotFound)
	}

	if err := f(act); err != nil {
		return err
	}

	return st.SetActor(context.Background(), addr, act)
}

// ForEach visits the flushed actors in key order.
func (st *State) ForEach(f func(ActorKey, *types.Actor) error) error {
	return st.root.ForEach(context.TODO(), func(k string, val *cbg.Deferred) error {
		addr, err := address.NewFromBytes([]byte(k))
		if err != nil {
			return xerrors.Errorf("invalid address (%x) found in state tree key: %w", []byte(k), err)
		}
		var act types.Actor
		if err := act.UnmarshalCBOR(bytes.NewReader(val.Raw)); err != nil {
			return err
		}
		return f(addr, &act)
	})
}

// AddrKey is the HAMT key of an address.
func AddrKey(addr address.Address) string {
	return abi.AddrKey(addr).Key()
}
