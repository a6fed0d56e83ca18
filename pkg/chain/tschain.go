package chain

import (
	"sync"

	"github.com/filecoin-project/go-state-types/abi"
	"github.com/google/btree"
)

const btreeDegree = 32

// TsEntry is one non-null height of a chain.
type TsEntry struct {
	Height abi.ChainEpoch
	Lazy   TsLazy
}

// Equal compares height and key; the cache hint does not take part.
func (e TsEntry) Equal(o TsEntry) bool {
	return e.Height == o.Height && e.Lazy.Key == o.Lazy.Key
}

func entryLess(a, b TsEntry) bool {
	return a.Height < b.Height
}

// TsChain is a height ordered map of tipsets. It is safe for concurrent use;
// callbacks passed to Ascend must not call back into the same chain.
type TsChain struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[TsEntry]
}

func NewTsChain(entries ...TsEntry) *TsChain {
	c := &TsChain{tree: btree.NewG(btreeDegree, entryLess)}
	for _, e := range entries {
		c.tree.ReplaceOrInsert(e)
	}
	return c
}

func (c *TsChain) Set(e TsEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tree.ReplaceOrInsert(e)
}

func (c *TsChain) Get(height abi.ChainEpoch) (TsEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tree.Get(TsEntry{Height: height})
}

func (c *TsChain) Delete(height abi.ChainEpoch) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tree.Delete(TsEntry{Height: height})
}

func (c *TsChain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tree.Len()
}

// Bottom is the lowest entry held in memory.
func (c *TsChain) Bottom() TsEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, _ := c.tree.Min()
	return e
}

func (c *TsChain) Top() TsEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, _ := c.tree.Max()
	return e
}

// LowerBound returns the first entry at or above height.
func (c *TsChain) LowerBound(height abi.ChainEpoch) (TsEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out TsEntry
	var found bool
	c.tree.AscendGreaterOrEqual(TsEntry{Height: height}, func(e TsEntry) bool {
		out, found = e, true
		return false
	})
	return out, found
}

// Prev returns the last entry strictly below height.
func (c *TsChain) Prev(height abi.ChainEpoch) (TsEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out TsEntry
	var found bool
	c.tree.DescendLessOrEqual(TsEntry{Height: height - 1}, func(e TsEntry) bool {
		out, found = e, true
		return false
	})
	return out, found
}

// Next returns the first entry strictly above height.
func (c *TsChain) Next(height abi.ChainEpoch) (TsEntry, bool) {
	return c.LowerBound(height + 1)
}

// Range returns the entries with from <= height < to in ascending order.
func (c *TsChain) Range(from, to abi.ChainEpoch) []TsEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []TsEntry
	c.tree.AscendRange(TsEntry{Height: from}, TsEntry{Height: to}, func(e TsEntry) bool {
		out = append(out, e)
		return true
	})
	return out
}

// From returns the entries at or above height in ascending order.
func (c *TsChain) From(height abi.ChainEpoch) []TsEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []TsEntry
	c.tree.AscendGreaterOrEqual(TsEntry{Height: height}, func(e TsEntry) bool {
		out = append(out, e)
		return true
	})
	return out
}

func (c *TsChain) Entries() []TsEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]TsEntry, 0, c.tree.Len())
	c.tree.Ascend(func(e TsEntry) bool {
		out = append(out, e)
		return true
	})
	return out
}

// DeleteAbove drops every entry above height.
func (c *TsChain) DeleteAbove(height abi.ChainEpoch) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		e, ok := c.tree.Max()
		if !ok || e.Height <= height {
			return
		}
		c.tree.DeleteMax()
	}
}

// DeleteBelow drops every entry below height.
func (c *TsChain) DeleteBelow(height abi.ChainEpoch) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		e, ok := c.tree.Min()
		if !ok || e.Height >= height {
			return
		}
		c.tree.DeleteMin()
	}
}
