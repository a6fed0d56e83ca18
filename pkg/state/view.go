package state

import (
	"context"

	addr "github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-bitfield"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"
	"github.com/filecoin-project/go-state-types/network"
	proof7 "github.com/filecoin-project/specs-actors/v7/actors/runtime/proof"
	adt7 "github.com/filecoin-project/specs-actors/v7/actors/util/adt"
	"github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
	"github.com/pkg/errors"

	"github.com/filecoin-project/venus-core/pkg/state/tree"
	"github.com/filecoin-project/venus-core/venus-shared/types"
)

// WinningPoStChallenger picks the sectors a winning PoSt is computed over.
type WinningPoStChallenger interface {
	GenerateWinningPoStSectorChallenge(ctx context.Context, proofType abi.RegisteredPoStProof, minerID abi.ActorID, randomness abi.PoStRandomness, eligibleSectorCount uint64) ([]uint64, error)
}

// Viewer builds state views from state root CIDs.
type Viewer struct {
	ipldStore cbor.IpldStore
}

// NewViewer creates a new state
func NewViewer(store cbor.IpldStore) *Viewer {
	return &Viewer{store}
}

// StateView returns a new state view.
func (c *Viewer) StateView(root cid.Cid) *View {
	return NewView(c.ipldStore, root)
}

// View is a read-only interface to a snapshot of application-level actor state.
// This object interprets the actor state, abstracting the concrete on-chain structures so as to
// hide the complications of protocol versions.
type View struct {
	ipldStore cbor.IpldStore
	root      cid.Cid
	tree      *tree.State
}

// NewView creates a new state view
func NewView(store cbor.IpldStore, root cid.Cid) *View {
	return &View{
		ipldStore: store,
		root:      root,
	}
}

func (v *View) Root() cid.Cid {
	return v.root
}

func (v *View) adtStore(ctx context.Context) Store {
	return adt7.WrapStore(ctx, v.ipldStore)
}

func (v *View) stateTree(ctx context.Context) (*tree.State, error) {
	if v.tree == nil {
		st, err := tree.LoadState(ctx, v.ipldStore, v.root)
		if err != nil {
			return nil, err
		}
		v.tree = st
	}
	return v.tree, nil
}

// LoadActor loads the actor at address, resolving it through the init actor first.
func (v *View) LoadActor(ctx context.Context, address addr.Address) (*types.Actor, error) {
	st, err := v.stateTree(ctx)
	if err != nil {
		return nil, err
	}
	act, found, err := st.GetActor(ctx, address)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errors.Wrapf(types.ErrActorNotFound, "load actor %s", address)
	}
	return act, nil
}

// LookupID returns the ID address of a key address.
func (v *View) LookupID(ctx context.Context, address addr.Address) (addr.Address, error) {
	st, err := v.stateTree(ctx)
	if err != nil {
		return addr.Undef, err
	}
	return st.LookupID(address)
}

// InitResolveAddress Returns ID address if public key address is given.
func (v *View) InitResolveAddress(ctx context.Context, a addr.Address) (addr.Address, error) {
	if a.Protocol() == addr.ID {
		return a, nil
	}

	initState, err := v.LoadInitState(ctx)
	if err != nil {
		return addr.Undef, err
	}
	rAddr, found, err := initState.ResolveAddress(a)
	if err != nil {
		return addr.Undef, err
	}
	if !found {
		return addr.Undef, errors.Wrapf(types.ErrActorNotFound, "resolve %s", a)
	}
	return rAddr, nil
}

// ResolveToKeyAddr returns the public key type of address (`BLS`/`SECP256K1`) of an account actor identified by `addr`.
func (v *View) ResolveToKeyAddr(ctx context.Context, address addr.Address) (addr.Address, error) {
	if address.Protocol() == addr.BLS || address.Protocol() == addr.SECP256K1 {
		return address, nil
	}

	act, err := v.LoadActor(ctx, address)
	if err != nil {
		return addr.Undef, errors.Wrapf(err, "failed to find actor: %s", address)
	}

	aast, err := LoadAccountState(v.adtStore(ctx), act)
	if err != nil {
		return addr.Undef, errors.Wrapf(err, "failed to get account actor state for %s", address)
	}
	return aast.PubkeyAddress(), nil
}

// MinerInfo returns info about the indicated miner
func (v *View) MinerInfo(ctx context.Context, maddr addr.Address) (MinerInfo, error) {
	minerState, err := v.LoadMinerState(ctx, maddr)
	if err != nil {
		return MinerInfo{}, err
	}
	return minerState.Info()
}

// GetMinerWorkerRaw returns the key address of a miner's worker.
func (v *View) GetMinerWorkerRaw(ctx context.Context, maddr addr.Address) (addr.Address, error) {
	info, err := v.MinerInfo(ctx, maddr)
	if err != nil {
		return addr.Undef, err
	}
	return v.ResolveToKeyAddr(ctx, info.Worker)
}

// PowerClaim returns the claimed power of a miner and whether it has a claim at all.
func (v *View) PowerClaim(ctx context.Context, maddr addr.Address) (Claim, bool, error) {
	ps, err := v.LoadPowerState(ctx)
	if err != nil {
		return Claim{}, false, err
	}
	return ps.MinerPower(maddr)
}

// PowerNetworkTotal returns the total power of the network.
func (v *View) PowerNetworkTotal(ctx context.Context) (Claim, error) {
	ps, err := v.LoadPowerState(ctx)
	if err != nil {
		return Claim{}, err
	}
	return ps.TotalPower(), nil
}

// MinerClaimedPower Returns the raw and quality adjusted power of a miner.
func (v *View) MinerClaimedPower(ctx context.Context, miner addr.Address) (raw, qa abi.StoragePower, err error) {
	claim, found, err := v.PowerClaim(ctx, miner)
	if err != nil {
		return big.Zero(), big.Zero(), err
	}
	if !found {
		return big.Zero(), big.Zero(), errors.Errorf("no power claim for %s", miner)
	}
	return claim.RawBytePower, claim.QualityAdjPower, nil
}

func (v *View) MinerNominalPowerMeetsConsensusMinimum(ctx context.Context, maddr addr.Address) (bool, error) {
	ps, err := v.LoadPowerState(ctx)
	if err != nil {
		return false, err
	}
	return ps.MinerNominalPowerMeetsConsensusMinimum(maddr)
}

// GetSectorsForWinningPoSt returns the sectors a miner's winning PoSt is
// challenged over at randomness rand. A miner without active sectors gets none.
func (v *View) GetSectorsForWinningPoSt(ctx context.Context, nv network.Version, pv WinningPoStChallenger, maddr addr.Address, rand abi.PoStRandomness) ([]proof7.SectorInfo, error) {
	mas, err := v.LoadMinerState(ctx, maddr)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load miner actor state")
	}

	provingSectors, err := mas.ActiveSectors()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get active sectors")
	}
	numProvSect, err := provingSectors.Count()
	if err != nil {
		return nil, errors.Wrap(err, "failed to count bits")
	}
	if numProvSect == 0 {
		return nil, nil
	}

	info, err := mas.Info()
	if err != nil {
		return nil, errors.Wrap(err, "getting miner info")
	}
	wpt, err := info.WindowPoStProofType.RegisteredWinningPoStProof()
	if err != nil {
		return nil, errors.Wrap(err, "getting window proof type")
	}
	mid, err := ActorID(maddr)
	if err != nil {
		return nil, errors.Wrap(err, "getting miner ID")
	}

	ids, err := pv.GenerateWinningPoStSectorChallenge(ctx, wpt, mid, rand, numProvSect)
	if err != nil {
		return nil, errors.Wrap(err, "generating winning post challenges")
	}

	all, err := provingSectors.All(numProvSect)
	if err != nil {
		return nil, err
	}
	picked := make([]uint64, 0, len(ids))
	for _, n := range ids {
		if n >= uint64(len(all)) {
			return nil, errors.Errorf("challenge %d out of range of %d sectors", n, len(all))
		}
		picked = append(picked, all[n])
	}

	return mas.LoadSectorInfos(bitfield.NewFromSet(picked))
}

// LoadInitState loads the init actor state.
func (v *View) LoadInitState(ctx context.Context) (InitState, error) {
	act, err := v.LoadActor(ctx, InitActorAddr)
	if err != nil {
		return nil, err
	}
	return LoadInitState(v.adtStore(ctx), act)
}

// LoadMinerState loads the state of a miner actor.
func (v *View) LoadMinerState(ctx context.Context, maddr addr.Address) (MinerState, error) {
	act, err := v.LoadActor(ctx, maddr)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load miner actor %s", maddr)
	}
	return LoadMinerState(v.adtStore(ctx), act)
}

// LoadPowerState loads the storage power actor state.
func (v *View) LoadPowerState(ctx context.Context) (PowerState, error) {
	act, err := v.LoadActor(ctx, StoragePowerActorAddr)
	if err != nil {
		return nil, err
	}
	return LoadPowerState(v.adtStore(ctx), act)
}

// LoadAccountState loads the state of an account actor.
func (v *View) LoadAccountState(ctx context.Context, a addr.Address) (AccountState, error) {
	act, err := v.LoadActor(ctx, a)
	if err != nil {
		return nil, err
	}
	return LoadAccountState(v.adtStore(ctx), act)
}
