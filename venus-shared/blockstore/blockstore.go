package blockstore

import (
	"context"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	ds "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	blockstore "github.com/ipfs/go-ipfs-blockstore"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("blockstore")

var ErrNotFound = blockstore.ErrNotFound

// Blockstore is the object store every chain component reads and writes.
type Blockstore interface {
	blockstore.Blockstore
	Viewer

	DeleteMany(context.Context, []cid.Cid) error
	Flush(context.Context) error
}

// Viewer reads a block without copying it out of the store.
type Viewer interface {
	View(ctx context.Context, cid cid.Cid, callback func([]byte) error) error
}

// NewBlockstore returns a blockstore backed by the given datastore.
func NewBlockstore(dstore ds.Batching) Blockstore {
	return Adapt(blockstore.NewBlockstore(dstore))
}

// NewMemory returns a thread safe in-memory blockstore.
func NewMemory() Blockstore {
	return NewBlockstore(dssync.MutexWrap(ds.NewMapDatastore()))
}

// Adapt lifts a plain go-ipfs-blockstore into a Blockstore.
func Adapt(bs blockstore.Blockstore) Blockstore {
	if full, ok := bs.(Blockstore); ok {
		return full
	}
	return &adaptedBlockstore{bs}
}

type adaptedBlockstore struct {
	blockstore.Blockstore
}

func (a *adaptedBlockstore) View(ctx context.Context, c cid.Cid, callback func([]byte) error) error {
	blk, err := a.Get(ctx, c)
	if err != nil {
		return err
	}
	return callback(blk.RawData())
}

func (a *adaptedBlockstore) DeleteMany(ctx context.Context, cids []cid.Cid) error {
	for _, c := range cids {
		if err := a.DeleteBlock(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

func (a *adaptedBlockstore) Flush(context.Context) error { return nil }

// CopyBlockstore copies every block of from into to.
func CopyBlockstore(ctx context.Context, from, to blockstore.Blockstore) error {
	cids, err := from.AllKeysChan(ctx)
	if err != nil {
		return err
	}

	var batch []blocks.Block
	for c := range cids {
		b, err := from.Get(ctx, c)
		if err != nil {
			return err
		}
		batch = append(batch, b)
	}
	return to.PutMany(ctx, batch)
}
