package chain

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/network"
	"github.com/google/btree"
	pkgerr "github.com/pkg/errors"

	"github.com/filecoin-project/venus-core/pkg/constants"
	"github.com/filecoin-project/venus-core/pkg/fork"
	"github.com/filecoin-project/venus-core/venus-shared/types"
)

var (
	ErrTooHigh      = errors.New("height above branch top")
	ErrTooLow       = errors.New("height below branch bottom")
	ErrNullRound    = errors.New("null round")
	ErrNoParent     = errors.New("no parent tipset")
	ErrNoPath       = errors.New("branches are not connected")
	ErrNotConnected = errors.New("tipset is not connected to branch")
	ErrNoBeacons    = errors.New("no beacon entries found")
)

// BranchID names a branch inside a Branches arena.
type BranchID uint64

type childRef struct {
	Height abi.ChainEpoch
	ID     BranchID
}

func childRefLess(a, b childRef) bool {
	if a.Height != b.Height {
		return a.Height < b.Height
	}
	return a.ID < b.ID
}

type lazyWindow struct {
	mu sync.Mutex
	// Bottom is the real bottom of the branch, possibly not in memory.
	Bottom  TsEntry
	MinLoad uint64
}

// TsBranch is a run of tipsets. Its bottom entry equals the parent branch's
// entry at the same height, unless the branch is dangling, in which case
// ParentKey names the missing parent.
type TsBranch struct {
	ID        BranchID
	Chain     *TsChain
	Parent    *TsBranch
	ParentKey *types.TipSetKey

	// children is keyed by the height a child forks at. IDs of branches no
	// longer in the arena are dropped when next touched by a writer.
	children *btree.BTreeG[childRef]
	lazy     *lazyWindow
	updater  *Updater
}

func newBranch(chain *TsChain) *TsBranch {
	return &TsBranch{
		Chain:    chain,
		children: btree.NewG(btreeDegree, childRefLess),
	}
}

func (b *TsBranch) bottom() TsEntry {
	if b.lazy != nil {
		return b.lazy.Bottom
	}
	return b.Chain.Bottom()
}

// Updater is the persisted log of the branch, nil for in-memory branches.
func (b *TsBranch) Updater() *Updater {
	return b.updater
}

func (b *TsBranch) childRefs(height abi.ChainEpoch) []childRef {
	var refs []childRef
	b.children.AscendRange(childRef{Height: height}, childRef{Height: height + 1}, func(r childRef) bool {
		refs = append(refs, r)
		return true
	})
	return refs
}

func (b *TsBranch) childRefsFrom(height abi.ChainEpoch) []childRef {
	var refs []childRef
	b.children.AscendGreaterOrEqual(childRef{Height: height}, func(r childRef) bool {
		refs = append(refs, r)
		return true
	})
	return refs
}

// TsIter points at one entry of a branch.
type TsIter struct {
	Branch *TsBranch
	TsEntry
}

// Path is the route between two positions of the branch tree. Revert and
// Apply are ascending and exclude Base, the common ancestor.
type Path struct {
	Base   TsEntry
	Revert []TsEntry
	Apply  []TsEntry
}

// Branches is the arena owning every live branch. Mu guards all of the
// branch structures reachable from it.
type Branches struct {
	Mu sync.RWMutex

	nextID BranchID
	arena  map[BranchID]*TsBranch
}

func NewBranches() *Branches {
	return &Branches{arena: make(map[BranchID]*TsBranch)}
}

// Add registers a branch that was built outside the arena.
func (bs *Branches) Add(b *TsBranch) {
	if b.ID == 0 {
		bs.nextID++
		b.ID = bs.nextID
	}
	bs.arena[b.ID] = b
}

func (bs *Branches) Get(id BranchID) (*TsBranch, bool) {
	b, ok := bs.arena[id]
	return b, ok
}

func (bs *Branches) Remove(branches ...*TsBranch) {
	for _, b := range branches {
		delete(bs.arena, b.ID)
	}
}

func (bs *Branches) Len() int {
	return len(bs.arena)
}

// All returns the live branches ordered by id.
func (bs *Branches) All() []*TsBranch {
	out := make([]*TsBranch, 0, len(bs.arena))
	for _, b := range bs.arena {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (bs *Branches) attach(parent, child *TsBranch) {
	bottom := child.Chain.Bottom()
	if err := parent.lazyLoad(bottom.Height); err != nil {
		log.Errorf("attach: failed to page in height %d: %s", bottom.Height, err)
	}
	child.Parent = parent
	child.ParentKey = nil
	parent.children.ReplaceOrInsert(childRef{Height: bottom.Height, ID: child.ID})
}

// MakeBranch wraps chain as a branch forking off parent. A single entry chain
// adds nothing to parent, so parent itself is returned.
func (bs *Branches) MakeBranch(chain *TsChain, parent *TsBranch) *TsBranch {
	if parent != nil && chain.Len() == 1 {
		return parent
	}
	b := newBranch(chain)
	bs.Add(b)
	if parent != nil {
		bs.attach(parent, b)
	}
	return b
}

// MakeBranchFromKey builds the branch leading from parent to the tipset key,
// walking back through the key's ancestors until they meet parent.
// The new branch joins the arena at once, hanging off parent, so Find sees
// it. It stays a side branch until Update folds it into parent, after which
// the caller drops it with Remove.
func (bs *Branches) MakeBranchFromKey(ctx context.Context, tsLoad TsLoad, key types.TipSetKey, parent *TsBranch) (*TsBranch, error) {
	if parent.Chain.Top().Lazy.Key == key {
		return parent, nil
	}

	ts, idx, err := tsLoad.LoadWithCacheInfo(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := parent.lazyLoad(ts.Height()); err != nil {
		return nil, err
	}
	pe, ok := parent.Chain.LowerBound(ts.Height())
	if !ok {
		pe = parent.Chain.Top()
	}

	chain := NewTsChain()
	for {
		bottom := TsEntry{Height: ts.Height(), Lazy: TsLazy{Key: ts.Key(), Index: idx}}
		chain.Set(bottom)
		for pe.Height > bottom.Height {
			if err := parent.lazyLoad(pe.Height - 1); err != nil {
				return nil, err
			}
			prev, ok := parent.Chain.Prev(pe.Height)
			if !ok {
				return nil, ErrNotConnected
			}
			pe = prev
		}
		if pe.Equal(bottom) {
			break
		}
		ts, idx, err = tsLoad.LoadWithCacheInfo(ctx, ts.Parents())
		if err != nil {
			return nil, err
		}
	}
	return bs.MakeBranch(chain, parent), nil
}

// Find locates a tipset in the arena. A tipset at the bottom of a branch is
// reported in the parent branch.
func (bs *Branches) Find(ts *types.TipSet) (TsIter, bool) {
	for _, b := range bs.All() {
		if err := b.lazyLoad(ts.Height()); err != nil {
			log.Warnf("find: %s", err)
		}
		e, ok := b.Chain.Get(ts.Height())
		if !ok || e.Lazy.Key != ts.Key() {
			continue
		}
		for b.Parent != nil && b.Chain.Bottom().Height == e.Height {
			b = b.Parent
			if err := b.lazyLoad(ts.Height()); err != nil {
				log.Warnf("find: %s", err)
			}
			if pe, ok := b.Chain.Get(e.Height); ok {
				e = pe
			}
		}
		return TsIter{Branch: b, TsEntry: e}, true
	}
	return TsIter{}, false
}

// Insert adds a tipset to the arena. Dangling branches waiting for it get it
// as their new bottom; the returned slice lists them.
func (bs *Branches) Insert(ts *types.TipSet, index int) (TsIter, []*TsBranch) {
	e := TsEntry{Height: ts.Height(), Lazy: TsLazy{Key: ts.Key(), Index: index}}
	it, found := bs.Find(ts)

	var children []*TsBranch
	for _, child := range bs.All() {
		if child.ParentKey == nil || *child.ParentKey != ts.Key() {
			continue
		}
		children = append(children, child)
		child.Chain.Set(e)
		if found {
			bs.attach(it.Branch, child)
		} else {
			parents := ts.Parents()
			child.ParentKey = &parents
			it = TsIter{Branch: child, TsEntry: e}
			found = true
		}
	}

	if !found {
		b := newBranch(NewTsChain(e))
		parents := ts.Parents()
		b.ParentKey = &parents
		bs.Add(b)
		it = TsIter{Branch: b, TsEntry: e}
	}
	return it, children
}

// Root follows parent links to the branch at the base of b's tree.
func Root(b *TsBranch) *TsBranch {
	for b.Parent != nil {
		b = b.Parent
	}
	return b
}

// Children lists the entries one step above it: the next entry of its own
// branch and the second entry of every branch forking at it.
func (bs *Branches) Children(it TsIter) []TsIter {
	var out []TsIter
	if next, ok := it.Branch.Chain.Next(it.Height); ok {
		out = append(out, TsIter{Branch: it.Branch, TsEntry: next})
	}
	for _, ref := range it.Branch.childRefs(it.Height) {
		child, ok := bs.arena[ref.ID]
		if !ok {
			continue
		}
		if next, ok := child.Chain.Next(child.Chain.Bottom().Height); ok {
			out = append(out, TsIter{Branch: child, TsEntry: next})
		}
	}
	return out
}

// Find returns the entry of branch or its ancestors at height. When height is
// a null round, allowLess yields the closest entry below it.
func Find(branch *TsBranch, height abi.ChainEpoch, allowLess bool) (TsIter, error) {
	if height > branch.Chain.Top().Height {
		return TsIter{}, pkgerr.Wrapf(ErrTooHigh, "find %d above %d", height, branch.Chain.Top().Height)
	}
	for branch.bottom().Height > height {
		if branch.Parent == nil {
			return TsIter{}, pkgerr.Wrapf(ErrTooLow, "find %d below %d", height, branch.bottom().Height)
		}
		branch = branch.Parent
	}
	if err := branch.lazyLoad(height); err != nil {
		return TsIter{}, err
	}
	e, ok := branch.Chain.LowerBound(height)
	if !ok {
		return TsIter{}, pkgerr.Wrapf(ErrTooHigh, "find %d", height)
	}
	if e.Height > height {
		if !allowLess {
			return TsIter{}, pkgerr.Wrapf(ErrNullRound, "height %d", height)
		}
		if e, ok = branch.Chain.Prev(e.Height); !ok {
			return TsIter{}, pkgerr.Wrapf(ErrTooLow, "find %d", height)
		}
	}
	return TsIter{Branch: branch, TsEntry: e}, nil
}

// StepParent moves one tipset toward genesis.
func StepParent(it TsIter) (TsIter, error) {
	branch := it.Branch
	if err := branch.lazyLoad(it.Height - 1); err != nil {
		return TsIter{}, err
	}
	for it.Height == branch.Chain.Bottom().Height {
		if branch.Parent == nil {
			return TsIter{}, pkgerr.Wrapf(ErrNoParent, "at height %d", it.Height)
		}
		branch = branch.Parent
		if err := branch.lazyLoad(it.Height - 1); err != nil {
			return TsIter{}, err
		}
	}
	prev, ok := branch.Chain.Prev(it.Height)
	if !ok {
		return TsIter{}, pkgerr.Wrapf(ErrNoParent, "at height %d", it.Height)
	}
	return TsIter{Branch: branch, TsEntry: prev}, nil
}

// LookbackTipSetForRound returns the tipset whose state elects miners for epoch.
func LookbackTipSetForRound(ctx context.Context, forks fork.IFork, it TsIter, epoch abi.ChainEpoch) (TsIter, error) {
	lb := constants.WinningPoStSectorSetLookback
	if forks.GetNetworkVersion(ctx, epoch) > network.Version3 {
		lb = constants.ChainFinality
	}
	lookback := epoch - lb
	if lookback < 0 {
		lookback = 0
	}
	if lookback < it.Height {
		return Find(it.Branch, lookback, true)
	}
	return it, nil
}

// LatestBeacon returns the newest beacon entry at or below it.
func LatestBeacon(ctx context.Context, tsLoad TsLoad, it TsIter) (types.BeaconEntry, error) {
	for i := 0; i < constants.BeaconSearchDepth; i++ {
		ts, err := tsLoad.LazyLoad(ctx, it.Lazy)
		if err != nil {
			return types.BeaconEntry{}, err
		}
		if beacons := ts.At(0).BeaconEntries; len(beacons) > 0 {
			return beacons[len(beacons)-1], nil
		}
		if it.Height == 0 {
			return types.BeaconEntry{}, nil
		}
		if it, err = StepParent(it); err != nil {
			return types.BeaconEntry{}, err
		}
	}
	return types.BeaconEntry{}, ErrNoBeacons
}

// FindPath computes how to move the top of from onto to.
func FindPath(from *TsBranch, to TsIter) (*Path, error) {
	apply := []TsEntry{to.TsEntry}
	branch, cur := to.Branch, to.TsEntry
	for branch != from {
		if branch.Parent == nil {
			return nil, ErrNoPath
		}
		bottom := branch.Chain.Bottom()
		apply = append(apply, branch.Chain.Range(bottom.Height, cur.Height)...)
		if err := branch.Parent.lazyLoad(bottom.Height); err != nil {
			return nil, err
		}
		pe, ok := branch.Parent.Chain.Get(bottom.Height)
		if !ok {
			return nil, ErrNoPath
		}
		branch, cur = branch.Parent, pe
	}

	path := &Path{Base: cur, Revert: from.Chain.From(cur.Height + 1)}
	for _, e := range apply {
		if e.Height > cur.Height {
			path.Apply = append(path.Apply, e)
		}
	}
	sort.Slice(path.Apply, func(i, j int) bool { return path.Apply[i].Height < path.Apply[j].Height })
	return path, nil
}

// Update moves the top of branch along path. The persisted log of the branch
// records the move first. Branches that coincide with the new entries are
// merged into branch and returned so that the caller can drop them.
func (bs *Branches) Update(branch *TsBranch, path *Path) ([]*TsBranch, error) {
	base := path.Base
	if e, ok := branch.Chain.Get(base.Height); !ok || !e.Equal(base) {
		return nil, pkgerr.Wrapf(ErrNoPath, "base %d not in branch", base.Height)
	}

	if u := branch.updater; u != nil {
		for range path.Revert {
			if err := u.Revert(); err != nil {
				return nil, err
			}
		}
		height := base.Height
		for _, e := range path.Apply {
			for height+1 < e.Height {
				if err := u.Apply(nil); err != nil {
					return nil, err
				}
				height++
			}
			if err := u.Apply(e.Lazy.Key.Cids()); err != nil {
				return nil, err
			}
			height = e.Height
		}
		if err := u.Flush(); err != nil {
			return nil, err
		}
	}

	// branches forking off the reverted part now fork at base
	for _, ref := range branch.childRefsFrom(base.Height + 1) {
		branch.children.Delete(ref)
		child, ok := bs.arena[ref.ID]
		if !ok {
			continue
		}
		for _, e := range branch.Chain.Range(base.Height, ref.Height) {
			child.Chain.Set(e)
		}
		branch.children.ReplaceOrInsert(childRef{Height: base.Height, ID: ref.ID})
	}

	branch.Chain.DeleteAbove(base.Height)
	for _, e := range path.Apply {
		branch.Chain.Set(e)
	}

	return bs.absorbChildren(branch, base), nil
}

type absorbItem struct {
	at    TsEntry
	child *TsBranch
}

func (bs *Branches) absorbChildren(branch *TsBranch, at TsEntry) []*TsBranch {
	var queue []absorbItem
	for _, ref := range branch.childRefs(at.Height) {
		branch.children.Delete(ref)
		if child, ok := bs.arena[ref.ID]; ok {
			queue = append(queue, absorbItem{at: at, child: child})
		}
	}

	var removed []*TsBranch
	for len(queue) > 0 {
		item := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		child := item.child

		entries := child.Chain.Entries()
		cur, more := item.at, true
		k := 0
		for more && k < len(entries) && entries[k].Equal(cur) {
			for _, ref := range child.childRefs(entries[k].Height) {
				child.children.Delete(ref)
				if grandchild, ok := bs.arena[ref.ID]; ok {
					grandchild.Parent = branch
					queue = append(queue, absorbItem{at: cur, child: grandchild})
				}
			}
			k++
			cur, more = branch.Chain.Next(cur.Height)
		}
		if k == 0 {
			k = 1
		}
		last := entries[k-1]
		child.Chain.DeleteBelow(last.Height)
		branch.children.ReplaceOrInsert(childRef{Height: last.Height, ID: child.ID})
		if child.Chain.Len() <= 1 {
			removed = append(removed, child)
		}
	}
	return removed
}

// PruneChildren forgets child ids whose branches left the arena.
func (bs *Branches) PruneChildren(b *TsBranch) {
	var dead []childRef
	b.children.Ascend(func(r childRef) bool {
		if _, ok := bs.arena[r.ID]; !ok {
			dead = append(dead, r)
		}
		return true
	})
	for _, r := range dead {
		b.children.Delete(r)
	}
}
