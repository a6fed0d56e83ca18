package chain

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	cbor "github.com/ipfs/go-ipld-cbor"
	"github.com/pkg/errors"

	blockstoreutil "github.com/filecoin-project/venus-core/venus-shared/blockstore"
	"github.com/filecoin-project/venus-core/venus-shared/types"
)

// NoCacheIndex marks a TsLazy without a cache slot hint.
const NoCacheIndex = -1

// DefaultTipsetLruCacheSize is used when the configured cache size is not positive.
var DefaultTipsetLruCacheSize = 10000

// TsLazy names a tipset without holding it. Index is a slot hint into a
// TsLoadCache, validated by key on use.
type TsLazy struct {
	Key   types.TipSetKey
	Index int
}

// TsLoad resolves tipset keys to tipsets.
type TsLoad interface {
	Load(ctx context.Context, key types.TipSetKey) (*types.TipSet, error)
	// LoadWithCacheInfo also returns the cache slot the tipset lives in.
	LoadWithCacheInfo(ctx context.Context, key types.TipSetKey) (*types.TipSet, int, error)
	LazyLoad(ctx context.Context, lazy TsLazy) (*types.TipSet, error)
	// LoadBlocks stores the headers and builds their tipset.
	LoadBlocks(ctx context.Context, blks []*types.BlockHeader) (*types.TipSet, error)
}

var _ TsLoad = (*TsLoadIpld)(nil)
var _ TsLoad = (*TsLoadCache)(nil)

// TsLoadIpld reads block headers straight from the blockstore.
type TsLoadIpld struct {
	bs  blockstoreutil.Blockstore
	cst cbor.IpldStore
}

func NewTsLoadIpld(bs blockstoreutil.Blockstore) *TsLoadIpld {
	return &TsLoadIpld{bs: bs, cst: cbor.NewCborStore(bs)}
}

func (l *TsLoadIpld) Load(ctx context.Context, key types.TipSetKey) (*types.TipSet, error) {
	cids := key.Cids()
	if len(cids) == 0 {
		return nil, errors.New("cannot load tipset of empty key")
	}
	blks := make([]*types.BlockHeader, len(cids))
	for i, c := range cids {
		var blk types.BlockHeader
		if err := l.cst.Get(ctx, c, &blk); err != nil {
			return nil, errors.Wrapf(err, "failed to load block %s", c)
		}
		blks[i] = &blk
	}
	return types.NewTipSet(blks)
}

func (l *TsLoadIpld) LoadWithCacheInfo(ctx context.Context, key types.TipSetKey) (*types.TipSet, int, error) {
	ts, err := l.Load(ctx, key)
	return ts, NoCacheIndex, err
}

func (l *TsLoadIpld) LazyLoad(ctx context.Context, lazy TsLazy) (*types.TipSet, error) {
	return l.Load(ctx, lazy.Key)
}

func (l *TsLoadIpld) LoadBlocks(ctx context.Context, blks []*types.BlockHeader) (*types.TipSet, error) {
	for _, blk := range blks {
		sblk, err := blk.ToStorageBlock()
		if err != nil {
			return nil, err
		}
		if err := l.bs.Put(ctx, sblk); err != nil {
			return nil, errors.Wrapf(err, "failed to store block %s", sblk.Cid())
		}
	}
	return types.NewTipSet(blks)
}

type cacheSlot struct {
	key types.TipSetKey
	ts  *types.TipSet
}

// TsLoadCache is an LRU of tipsets in front of another TsLoad. Every cached
// tipset sits in a numbered slot; slot numbers are handed out as TsLazy hints
// so that branch entries can skip the key lookup.
type TsLoadCache struct {
	loader TsLoad
	size   int

	mu    sync.Mutex
	slots []cacheSlot
	free  []int
	lru   *lru.Cache
}

func NewTsLoadCache(loader TsLoad, size int) *TsLoadCache {
	if size <= 0 {
		size = DefaultTipsetLruCacheSize
	}
	c := &TsLoadCache{loader: loader, size: size}
	cache, err := lru.NewWithEvict(size, func(_, value interface{}) {
		idx := value.(int)
		c.slots[idx] = cacheSlot{}
		c.free = append(c.free, idx)
	})
	if err != nil {
		panic(err)
	}
	c.lru = cache
	return c
}

func (c *TsLoadCache) Load(ctx context.Context, key types.TipSetKey) (*types.TipSet, error) {
	ts, _, err := c.LoadWithCacheInfo(ctx, key)
	return ts, err
}

func (c *TsLoadCache) LoadWithCacheInfo(ctx context.Context, key types.TipSetKey) (*types.TipSet, int, error) {
	if ts, idx, ok := c.get(key); ok {
		return ts, idx, nil
	}

	ts, err := c.loader.Load(ctx, key)
	if err != nil {
		return nil, NoCacheIndex, err
	}
	return ts, c.insert(ts), nil
}

func (c *TsLoadCache) LazyLoad(ctx context.Context, lazy TsLazy) (*types.TipSet, error) {
	c.mu.Lock()
	if lazy.Index >= 0 && lazy.Index < len(c.slots) {
		slot := c.slots[lazy.Index]
		if slot.ts != nil && slot.key == lazy.Key {
			c.lru.Get(string(lazy.Key.Bytes()))
			c.mu.Unlock()
			return slot.ts, nil
		}
	}
	c.mu.Unlock()

	return c.Load(ctx, lazy.Key)
}

func (c *TsLoadCache) LoadBlocks(ctx context.Context, blks []*types.BlockHeader) (*types.TipSet, error) {
	ts, err := c.loader.LoadBlocks(ctx, blks)
	if err != nil {
		return nil, err
	}
	c.insert(ts)
	return ts, nil
}

// Len is the number of cached tipsets.
func (c *TsLoadCache) Len() int {
	return c.lru.Len()
}

func (c *TsLoadCache) get(key types.TipSetKey) (*types.TipSet, int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.lru.Get(string(key.Bytes()))
	if !ok {
		return nil, NoCacheIndex, false
	}
	idx := v.(int)
	return c.slots[idx].ts, idx, true
}

func (c *TsLoadCache) insert(ts *types.TipSet) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := string(ts.Key().Bytes())
	if v, ok := c.lru.Get(k); ok {
		return v.(int)
	}

	if c.lru.Len() >= c.size {
		c.lru.RemoveOldest()
	}

	var idx int
	if n := len(c.free); n > 0 {
		idx = c.free[n-1]
		c.free = c.free[:n-1]
	} else {
		idx = len(c.slots)
		c.slots = append(c.slots, cacheSlot{})
	}
	c.slots[idx] = cacheSlot{key: ts.Key(), ts: ts}
	c.lru.Add(k, idx)
	return idx
}
