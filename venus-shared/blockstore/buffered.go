package blockstore

import (
	"context"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
)

// BufferedBS keeps writes in memory until Flush copies them to the backing
// store. Reads fall through to the backing store.
type BufferedBS struct {
	read  Blockstore
	write Blockstore
}

var _ Blockstore = (*BufferedBS)(nil)

func NewBuffered(base Blockstore) *BufferedBS {
	return &BufferedBS{read: base, write: NewMemory()}
}

func (bs *BufferedBS) Read() Blockstore  { return bs.read }
func (bs *BufferedBS) Write() Blockstore { return bs.write }

func (bs *BufferedBS) Get(ctx context.Context, c cid.Cid) (blocks.Block, error) {
	if out, err := bs.write.Get(ctx, c); err != nil {
		if err != ErrNotFound {
			return nil, err
		}
	} else {
		return out, nil
	}
	return bs.read.Get(ctx, c)
}

func (bs *BufferedBS) View(ctx context.Context, c cid.Cid, callback func([]byte) error) error {
	err := bs.write.View(ctx, c, callback)
	if err == ErrNotFound {
		return bs.read.View(ctx, c, callback)
	}
	return err
}

func (bs *BufferedBS) GetSize(ctx context.Context, c cid.Cid) (int, error) {
	s, err := bs.write.GetSize(ctx, c)
	if err == ErrNotFound {
		return bs.read.GetSize(ctx, c)
	}
	return s, err
}

func (bs *BufferedBS) Has(ctx context.Context, c cid.Cid) (bool, error) {
	has, err := bs.write.Has(ctx, c)
	if err != nil || has {
		return has, err
	}
	return bs.read.Has(ctx, c)
}

func (bs *BufferedBS) Put(ctx context.Context, blk blocks.Block) error {
	return bs.write.Put(ctx, blk)
}

func (bs *BufferedBS) PutMany(ctx context.Context, blks []blocks.Block) error {
	return bs.write.PutMany(ctx, blks)
}

func (bs *BufferedBS) DeleteBlock(ctx context.Context, c cid.Cid) error {
	if err := bs.read.DeleteBlock(ctx, c); err != nil {
		return err
	}
	return bs.write.DeleteBlock(ctx, c)
}

func (bs *BufferedBS) DeleteMany(ctx context.Context, cids []cid.Cid) error {
	if err := bs.read.DeleteMany(ctx, cids); err != nil {
		return err
	}
	return bs.write.DeleteMany(ctx, cids)
}

func (bs *BufferedBS) AllKeysChan(ctx context.Context) (<-chan cid.Cid, error) {
	return bs.read.AllKeysChan(ctx)
}

func (bs *BufferedBS) HashOnRead(enabled bool) {
	bs.read.HashOnRead(enabled)
	bs.write.HashOnRead(enabled)
}

// Flush moves the buffered writes into the backing store.
func (bs *BufferedBS) Flush(ctx context.Context) error {
	if err := CopyBlockstore(ctx, bs.write, bs.read); err != nil {
		return err
	}
	bs.write = NewMemory()
	return bs.read.Flush(ctx)
}
