package testhelpers

import (
	"context"
	"encoding/binary"
	"testing"

	amt "github.com/filecoin-project/go-amt-ipld/v2"
	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"
	"github.com/filecoin-project/go-state-types/crypto"
	hamt "github.com/filecoin-project/go-hamt-ipld/v3"
	"github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
	"github.com/minio/blake2b-simd"
	"github.com/stretchr/testify/require"
	cbg "github.com/whyrusleeping/cbor-gen"

	"github.com/filecoin-project/venus-core/pkg/constants"
	blockstoreutil "github.com/filecoin-project/venus-core/venus-shared/blockstore"
	"github.com/filecoin-project/venus-core/venus-shared/types"
)

// GenesisTimestamp is the timestamp of builder genesis blocks.
const GenesisTimestamp = 1000000

// ChainBuilder makes fake chains in a blockstore. Blocks carry valid parent
// links, heights, timestamps and tickets; states and messages are empty
// unless a block is built with BuildOn.
type ChainBuilder struct {
	t   *testing.T
	bs  blockstoreutil.Blockstore
	cst cbor.IpldStore

	// StateRoot is used as the parent state of every block by default.
	StateRoot    cid.Cid
	EmptyMsgs    cid.Cid
	EmptyRcpts   cid.Cid
	NoBeacons    bool
	seq          uint64
	minerCounter int
}

func NewChainBuilder(t *testing.T, bs blockstoreutil.Blockstore) *ChainBuilder {
	ctx := context.Background()
	cst := cbor.NewCborStore(bs)

	empty, err := amt.FromArray(ctx, cst, []cbg.CBORMarshaler{})
	require.NoError(t, err)
	msgs, err := cst.Put(ctx, &types.MsgMeta{BlsMessages: empty, SecpkMessages: empty})
	require.NoError(t, err)
	actors, err := hamt.NewNode(cst, hamt.UseTreeBitWidth(5))
	require.NoError(t, err)
	require.NoError(t, actors.Flush(ctx))
	actorsRoot, err := cst.Put(ctx, actors)
	require.NoError(t, err)
	info, err := cst.Put(ctx, &types.StateInfo0{})
	require.NoError(t, err)
	stateRoot, err := cst.Put(ctx, &types.StateRoot{Version: types.StateTreeVersion4, Actors: actorsRoot, Info: info})
	require.NoError(t, err)

	return &ChainBuilder{
		t:          t,
		bs:         bs,
		cst:        cst,
		StateRoot:  stateRoot,
		EmptyMsgs:  msgs,
		EmptyRcpts: empty,
	}
}

func (b *ChainBuilder) Blockstore() blockstoreutil.Blockstore {
	return b.bs
}

func (b *ChainBuilder) CborStore() cbor.IpldStore {
	return b.cst
}

// Genesis makes a single block tipset at height 0.
func (b *ChainBuilder) Genesis() *types.TipSet {
	blk := &types.BlockHeader{
		Miner:                 RequireIDAddress(b.t, 0),
		Ticket:                b.nextTicket(),
		ElectionProof:         &types.ElectionProof{WinCount: 1},
		BeaconEntries:         []types.BeaconEntry{types.NewBeaconEntry(0, []byte("genesis beacon"))},
		Parents:               []cid.Cid{},
		ParentWeight:          big.Zero(),
		Height:                0,
		ParentStateRoot:       b.StateRoot,
		ParentMessageReceipts: b.EmptyRcpts,
		Messages:              b.EmptyMsgs,
		BLSAggregate:          &crypto.Signature{Type: crypto.SigTypeBLS},
		Timestamp:             GenesisTimestamp,
		BlockSig:              &crypto.Signature{Type: crypto.SigTypeBLS},
		ParentBaseFee:         abi.NewTokenAmount(types.MinimumBaseFee),
	}
	return b.put(blk)
}

// AppendOn makes a tipset of width blocks directly on parent.
func (b *ChainBuilder) AppendOn(parent *types.TipSet, width int) *types.TipSet {
	return b.BuildOn(parent, 0, width, nil)
}

// AppendManyOn appends count single block tipsets on parent and returns the last.
func (b *ChainBuilder) AppendManyOn(count int, parent *types.TipSet) *types.TipSet {
	for i := 0; i < count; i++ {
		parent = b.AppendOn(parent, 1)
	}
	return parent
}

// AppendWithNulls makes a tipset nulls epochs above the next height of parent.
func (b *ChainBuilder) AppendWithNulls(parent *types.TipSet, nulls int, width int) *types.TipSet {
	return b.BuildOn(parent, nulls, width, nil)
}

// BuildOn makes a tipset of width blocks on parent after nulls null rounds.
// build may adjust each header before it is stored.
func (b *ChainBuilder) BuildOn(parent *types.TipSet, nulls int, width int, build func(i int, blk *types.BlockHeader)) *types.TipSet {
	height := parent.Height() + abi.ChainEpoch(nulls) + 1
	weight := big.Add(parent.ParentWeight(), big.NewInt(int64(parent.Len())))
	blks := make([]*types.BlockHeader, width)
	for i := range blks {
		blk := &types.BlockHeader{
			Miner:                 b.nextMiner(),
			Ticket:                b.nextTicket(),
			ElectionProof:         &types.ElectionProof{WinCount: 1, VRFProof: []byte{byte(i)}},
			WinPoStProof:          nil,
			Parents:               parent.Cids(),
			ParentWeight:          weight,
			Height:                height,
			ParentStateRoot:       b.StateRoot,
			ParentMessageReceipts: b.EmptyRcpts,
			Messages:              b.EmptyMsgs,
			BLSAggregate:          &crypto.Signature{Type: crypto.SigTypeBLS},
			Timestamp:             parent.MinTimestamp() + uint64(height-parent.Height())*constants.BlockDelaySecs,
			BlockSig:              &crypto.Signature{Type: crypto.SigTypeBLS},
			ParentBaseFee:         abi.NewTokenAmount(types.MinimumBaseFee),
		}
		if !b.NoBeacons {
			data := blake2b.Sum256(b.nextTicket().VRFProof)
			blk.BeaconEntries = []types.BeaconEntry{types.NewBeaconEntry(uint64(height), data[:])}
		}
		if build != nil {
			build(i, blk)
		}
		blks[i] = blk
	}
	return b.put(blks...)
}

// Chain appends count single block tipsets on parent and returns all of
// them, oldest first.
func (b *ChainBuilder) Chain(parent *types.TipSet, count int) []*types.TipSet {
	out := make([]*types.TipSet, 0, count)
	for i := 0; i < count; i++ {
		parent = b.AppendOn(parent, 1)
		out = append(out, parent)
	}
	return out
}

func (b *ChainBuilder) put(blks ...*types.BlockHeader) *types.TipSet {
	ctx := context.Background()
	for _, blk := range blks {
		sblk, err := blk.ToStorageBlock()
		require.NoError(b.t, err)
		require.NoError(b.t, b.bs.Put(ctx, sblk))
	}
	ts, err := types.NewTipSet(blks)
	require.NoError(b.t, err)
	return ts
}

func (b *ChainBuilder) nextTicket() *types.Ticket {
	b.seq++
	proof := make([]byte, 8)
	binary.BigEndian.PutUint64(proof, b.seq)
	return &types.Ticket{VRFProof: proof}
}

func (b *ChainBuilder) nextMiner() address.Address {
	b.minerCounter++
	return RequireIDAddress(b.t, 1000+b.minerCounter)
}

// FakeWeigher weighs a tipset as its parent weight plus its width.
type FakeWeigher struct{}

func (FakeWeigher) Weight(_ context.Context, ts *types.TipSet) (big.Int, error) {
	return big.Add(ts.ParentWeight(), big.NewInt(int64(ts.Len()))), nil
}
