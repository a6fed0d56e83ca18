package consensus

import (
	"bytes"
	"context"
	"encoding/hex"

	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/namespace"
	"github.com/pkg/errors"
	cbg "github.com/whyrusleeping/cbor-gen"

	blockstoreutil "github.com/filecoin-project/venus-core/venus-shared/blockstore"
	"github.com/filecoin-project/venus-core/venus-shared/types"
)

var interpreterPrefix = datastore.NewKey("/interpreter")

// InterpreterCache persists interpreter results by tipset key. A failed
// tipset is stored as a tombstone so it is never executed again.
type InterpreterCache struct {
	ds datastore.Datastore
	bs blockstoreutil.Blockstore
}

func NewInterpreterCache(ds datastore.Batching, bs blockstoreutil.Blockstore) *InterpreterCache {
	return &InterpreterCache{
		ds: namespace.Wrap(ds, interpreterPrefix),
		bs: bs,
	}
}

func cacheKey(key types.TipSetKey) datastore.Key {
	h := key.Hash()
	return datastore.NewKey(hex.EncodeToString(h[:]))
}

// Get returns the stored result of key. It fails with ErrNotCached when
// key was never interpreted and ErrTipsetMarkedBad when it failed.
func (c *InterpreterCache) Get(ctx context.Context, key types.TipSetKey) (*Result, error) {
	raw, err := c.ds.Get(ctx, cacheKey(key))
	if err != nil {
		if errors.Is(err, datastore.ErrNotFound) {
			return nil, ErrNotCached
		}
		return nil, err
	}
	if bytes.Equal(raw, cbg.CborNull) {
		return nil, ErrTipsetMarkedBad
	}
	var res Result
	if err := res.UnmarshalCBOR(bytes.NewReader(raw)); err != nil {
		return nil, errors.Wrapf(err, "decode interpreter result of %s", key)
	}
	return &res, nil
}

// TryGet is Get that also treats a result whose state root is gone from the
// blockstore as missing.
func (c *InterpreterCache) TryGet(ctx context.Context, key types.TipSetKey) (*Result, error) {
	res, err := c.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	has, err := c.bs.Has(ctx, res.StateRoot)
	if err != nil {
		return nil, err
	}
	if !has {
		return nil, ErrNotCached
	}
	return res, nil
}

func (c *InterpreterCache) Set(ctx context.Context, key types.TipSetKey, res *Result) error {
	raw, err := res.Bytes()
	if err != nil {
		return err
	}
	return c.ds.Put(ctx, cacheKey(key), raw)
}

// MarkBad records that key failed to interpret.
func (c *InterpreterCache) MarkBad(ctx context.Context, key types.TipSetKey) error {
	return c.ds.Put(ctx, cacheKey(key), cbg.CborNull)
}

func (c *InterpreterCache) Remove(ctx context.Context, key types.TipSetKey) error {
	return c.ds.Delete(ctx, cacheKey(key))
}
