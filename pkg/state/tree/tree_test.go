package tree

import (
	"context"
	"testing"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	builtin7 "github.com/filecoin-project/specs-actors/v7/actors/builtin"
	init7 "github.com/filecoin-project/specs-actors/v7/actors/builtin/init"
	adt7 "github.com/filecoin-project/specs-actors/v7/actors/util/adt"
	cbor "github.com/ipfs/go-ipld-cbor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tf "github.com/filecoin-project/venus-core/pkg/testhelpers/testflags"
	blockstoreutil "github.com/filecoin-project/venus-core/venus-shared/blockstore"
	"github.com/filecoin-project/venus-core/venus-shared/types"
)

func newTree(t *testing.T) (*State, cbor.IpldStore) {
	cst := cbor.NewCborStore(blockstoreutil.NewMemory())
	st, err := NewState(cst, types.StateTreeVersion4)
	require.NoError(t, err)
	return st, cst
}

func idAddr(t *testing.T, id uint64) address.Address {
	a, err := address.NewIDAddress(id)
	require.NoError(t, err)
	return a
}

func TestStatePutGet(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()
	st, cst := newTree(t)

	addr := idAddr(t, 100)
	act := types.NewActor(builtin7.AccountActorCodeID, abi.NewTokenAmount(5), builtin7.AccountActorCodeID)
	require.NoError(t, st.SetActor(ctx, addr, act))

	got, found, err := st.GetActor(ctx, addr)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, act.Balance, got.Balance)

	root, err := st.Flush(ctx)
	require.NoError(t, err)

	loaded, err := LoadState(ctx, cst, root)
	require.NoError(t, err)
	assert.Equal(t, types.StateTreeVersion4, loaded.Version())
	got, found, err = loaded.GetActor(ctx, addr)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, act.Code, got.Code)

	_, found, err = loaded.GetActor(ctx, idAddr(t, 101))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStateSnapshotRevert(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()
	st, _ := newTree(t)

	addr := idAddr(t, 100)
	require.NoError(t, st.SetActor(ctx, addr, types.NewActor(builtin7.AccountActorCodeID, abi.NewTokenAmount(1), builtin7.AccountActorCodeID)))

	require.NoError(t, st.Snapshot(ctx))
	require.NoError(t, st.MutateActor(addr, func(a *types.Actor) error {
		a.IncrementSeqNum()
		return nil
	}))
	_, err := st.Flush(ctx)
	assert.Error(t, err)

	require.NoError(t, st.Revert())
	st.ClearSnapshot()

	got, found, err := st.GetActor(ctx, addr)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint64(0), got.Nonce)
}

func TestStateDeleteActor(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()
	st, cst := newTree(t)

	addr := idAddr(t, 100)
	require.NoError(t, st.SetActor(ctx, addr, types.NewActor(builtin7.AccountActorCodeID, abi.NewTokenAmount(1), builtin7.AccountActorCodeID)))
	withActor, err := st.Flush(ctx)
	require.NoError(t, err)

	require.NoError(t, st.DeleteActor(ctx, addr))
	_, found, err := st.GetActor(ctx, addr)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Error(t, st.DeleteActor(ctx, addr))

	root, err := st.Flush(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, withActor, root)

	loaded, err := LoadState(ctx, cst, root)
	require.NoError(t, err)
	count := 0
	require.NoError(t, loaded.ForEach(func(ActorKey, *types.Actor) error {
		count++
		return nil
	}))
	assert.Equal(t, 0, count)
}

func TestStateRegisterNewAddress(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()
	st, cst := newTree(t)

	ias, err := init7.ConstructState(adt7.WrapStore(ctx, cst), "test")
	require.NoError(t, err)
	head, err := cst.Put(ctx, ias)
	require.NoError(t, err)
	require.NoError(t, st.SetActor(ctx, builtin7.InitActorAddr, types.NewActor(builtin7.InitActorCodeID, abi.NewTokenAmount(0), head)))

	key, err := address.NewSecp256k1Address([]byte("pubkey"))
	require.NoError(t, err)
	_, err = st.LookupID(key)
	assert.ErrorIs(t, err, types.ErrActorNotFound)

	id, err := st.RegisterNewAddress(key)
	require.NoError(t, err)
	assert.Equal(t, address.ID, id.Protocol())

	require.NoError(t, st.SetActor(ctx, key, types.NewActor(builtin7.AccountActorCodeID, abi.NewTokenAmount(3), builtin7.AccountActorCodeID)))
	byID, found, err := st.GetActor(ctx, id)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, abi.NewTokenAmount(3), byID.Balance)
}

func TestUnsupportedVersion(t *testing.T) {
	tf.UnitTest(t)
	_, err := NewState(cbor.NewCborStore(blockstoreutil.NewMemory()), types.StateTreeVersion0)
	assert.Error(t, err)
}
