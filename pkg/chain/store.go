package chain

import (
	"bytes"
	"context"
	"runtime/debug"
	"sync"

	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"
	"github.com/filecoin-project/pubsub"
	"github.com/ipfs/go-datastore"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"

	"github.com/filecoin-project/venus-core/pkg/config"
	"github.com/filecoin-project/venus-core/pkg/metrics"
	"github.com/filecoin-project/venus-core/pkg/metrics/tracing"
	"github.com/filecoin-project/venus-core/pkg/repo"
	blockstoreutil "github.com/filecoin-project/venus-core/venus-shared/blockstore"
	"github.com/filecoin-project/venus-core/venus-shared/types"
)

var log = logging.Logger("chain")

// HeadKey is the key at which the head tipset cid's are written in the datastore.
var HeadKey = datastore.NewKey("/chain/heaviestTipSet")

var ErrNotifeeDone = errors.New("notifee is done and should be removed")

var (
	headHeightGauge = metrics.NewInt64Gauge("chain/head_height", "height of the heaviest tipset")
	reorgCounter    = metrics.NewInt64Counter("chain/reorgs", "head changes that reverted tipsets")
)

// ReorgNotifee represents a callback that gets called upon reorgs.
type ReorgNotifee func(rev, app []*types.TipSet) error

// Weigher computes the chain weight of a tipset.
type Weigher interface {
	Weight(ctx context.Context, ts *types.TipSet) (big.Int, error)
}

// Evaluator executes a tipset found in branch and returns its weight. A
// tipset that fails to evaluate never becomes the head.
type Evaluator interface {
	Evaluate(ctx context.Context, branch *TsBranch, ts *types.TipSet) (big.Int, error)
}

type reorg struct {
	old []*types.TipSet
	new []*types.TipSet
}

// Store tracks the heaviest known tipset and the tree of branches leading to
// every other known tipset.
type Store struct {
	bs     blockstoreutil.Blockstore
	ds     repo.Datastore
	tsLoad TsLoad

	Branches *Branches
	main     *TsBranch

	weigher   Weigher
	evaluator Evaluator

	logPath string
	logOpts ChainFileOptions

	genesis    *types.TipSet
	head       *types.TipSet
	headWeight big.Int
	// Protects head and serialises head changes.
	mu sync.RWMutex

	// headEvents is a pubsub channel that publishes an event every time the head changes.
	// Successive batches are published in the order the head moved.
	headEvents *pubsub.PubSub

	reorgCh        chan reorg
	reorgNotifeeCh chan ReorgNotifee
}

// NewStore constructs a new default store. An empty logPath keeps the main
// branch in memory only.
func NewStore(ds repo.Datastore, bs blockstoreutil.Blockstore, tsLoad TsLoad, weigher Weigher, logPath string, cfg *config.ChainConfig) *Store {
	store := &Store{
		bs:             bs,
		ds:             ds,
		tsLoad:         tsLoad,
		Branches:       NewBranches(),
		weigher:        weigher,
		logPath:        logPath,
		headEvents:     pubsub.New(64),
		reorgNotifeeCh: make(chan ReorgNotifee),
		headWeight:     big.Zero(),
	}
	if cfg != nil {
		store.logOpts = ChainFileOptions{
			UpdateWhen: cfg.UpdateWhen,
			LazyLimit:  cfg.LazyLimit,
			MinLoad:    cfg.MinLoad,
		}
	}
	store.reorgCh = store.reorgWorker(context.TODO())
	return store
}

// SetEvaluator makes PutTipSet execute tipsets before they can become the head.
func (store *Store) SetEvaluator(e Evaluator) {
	store.evaluator = e
}

// Load restores the main branch from the chain log, or from the ancestry of
// the persisted head when the log is missing. A fresh store starts at genesis.
func (store *Store) Load(ctx context.Context, genesis *types.TipSet) (err error) {
	ctx, span := trace.StartSpan(ctx, "Store.Load")
	defer tracing.AddErrorEndSpan(ctx, span, &err)

	headKey, err := store.loadHeadKey(ctx)
	switch {
	case err == nil:
	case errors.Is(err, datastore.ErrNotFound):
		if genesis == nil {
			return errors.New("no head and no genesis to start from")
		}
		headKey = genesis.Key()
	default:
		return err
	}
	log.Infof("start loading chain at tipset: %s", headKey)

	var main *TsBranch
	if store.logPath != "" {
		var updated bool
		main, updated, err = LoadOrCreate(ctx, store.tsLoad, store.logPath, headKey, store.logOpts)
		if err != nil {
			return errors.Wrap(err, "failed to load chain log")
		}
		if updated {
			log.Infof("chain log %s written", store.logPath)
		}
	} else {
		if main, err = MakeMemoryBranch(ctx, store.tsLoad, headKey); err != nil {
			return err
		}
	}

	store.Branches.Mu.Lock()
	store.Branches.Add(main)
	store.main = main
	top := main.Chain.Top()
	bottom := main.bottom()
	store.Branches.Mu.Unlock()

	head, err := store.tsLoad.LazyLoad(ctx, top.Lazy)
	if err != nil {
		return err
	}
	if store.genesis, err = store.tsLoad.LazyLoad(ctx, bottom.Lazy); err != nil {
		return err
	}
	if genesis != nil && !genesis.Equals(store.genesis) {
		return errors.Errorf("chain starts at %s, expected genesis %s", store.genesis.Key(), genesis.Key())
	}

	weight, err := store.weight(ctx, main, head)
	if err != nil {
		return err
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	store.head = head
	store.headWeight = weight
	headHeightGauge.Set(ctx, int64(head.Height()))
	log.Infof("finished loading chain, head %s at height %d", head.Key(), head.Height())
	return store.writeHead(ctx, head.Key())
}

func (store *Store) loadHeadKey(ctx context.Context) (types.TipSetKey, error) {
	tskBytes, err := store.ds.Get(ctx, HeadKey)
	if err != nil {
		return types.EmptyTSK, err
	}
	var tsk types.TipSetKey
	if err := tsk.UnmarshalCBOR(bytes.NewReader(tskBytes)); err != nil {
		return types.EmptyTSK, errors.Wrap(err, "failed to cast headCids")
	}
	return tsk, nil
}

func (store *Store) weight(ctx context.Context, branch *TsBranch, ts *types.TipSet) (big.Int, error) {
	if store.evaluator != nil {
		return store.evaluator.Evaluate(ctx, branch, ts)
	}
	if store.weigher != nil {
		return store.weigher.Weight(ctx, ts)
	}
	return ts.ParentWeight(), nil
}

// PutTipSet adds a tipset to the branch tree. Ancestors already present in
// the blockstore are pulled in until the tipset connects to the main branch;
// the heaviest connected tip then becomes the head.
func (store *Store) PutTipSet(ctx context.Context, ts *types.TipSet) (err error) {
	ctx, span := trace.StartSpan(ctx, "Store.PutTipSet")
	defer tracing.AddErrorEndSpan(ctx, span, &err)

	store.Branches.Mu.Lock()
	it, _ := store.Branches.Insert(ts, NoCacheIndex)
	for {
		root := Root(it.Branch)
		if root.ParentKey == nil || root.ParentKey.IsEmpty() {
			break
		}
		parent, idx, err := store.tsLoad.LoadWithCacheInfo(ctx, *root.ParentKey)
		if err != nil {
			log.Debugf("parent %s of dangling branch not available: %s", root.ParentKey, err)
			break
		}
		store.Branches.Insert(parent, idx)
		if it, err = store.find(ts); err != nil {
			store.Branches.Mu.Unlock()
			return err
		}
	}
	attached := Root(it.Branch) == store.main
	var leaves []TsIter
	if attached {
		leaves = store.leaves(it)
	}
	store.Branches.Mu.Unlock()

	if !attached {
		log.Debugf("tipset %s at %d is not connected yet", ts.Key(), ts.Height())
		return nil
	}

	for _, leaf := range leaves {
		lts, err := store.tsLoad.LazyLoad(ctx, leaf.Lazy)
		if err != nil {
			return err
		}
		weight, err := store.weight(ctx, leaf.Branch, lts)
		if err != nil {
			log.Warnf("tipset %s at %d rejected: %s", lts.Key(), lts.Height(), err)
			continue
		}
		if err := store.maybeTakeHead(ctx, lts, weight); err != nil {
			return err
		}
	}
	return nil
}

func (store *Store) find(ts *types.TipSet) (TsIter, error) {
	it, ok := store.Branches.Find(ts)
	if !ok {
		return TsIter{}, errors.Errorf("tipset %s not in branches", ts.Key())
	}
	return it, nil
}

// leaves lists the tips reachable from it.
func (store *Store) leaves(it TsIter) []TsIter {
	var out []TsIter
	stack := []TsIter{it}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		next := store.Branches.Children(cur)
		if len(next) == 0 {
			out = append(out, cur)
			continue
		}
		stack = append(stack, next...)
	}
	return out
}

func (store *Store) maybeTakeHead(ctx context.Context, ts *types.TipSet, weight big.Int) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.head != nil && !Heavier(ts, weight, store.head, store.headWeight) {
		return nil
	}
	return store.setHeadLocked(ctx, ts, weight)
}

// Heavier reports whether a beats b. Equal weights go to the smaller minimum
// ticket, then to the smaller key.
func Heavier(a *types.TipSet, aw big.Int, b *types.TipSet, bw big.Int) bool {
	if c := aw.Cmp(bw.Int); c != 0 {
		return c > 0
	}
	if c := a.MinTicket().Compare(b.MinTicket()); c != 0 {
		return c < 0
	}
	return bytes.Compare(a.Key().Bytes(), b.Key().Bytes()) < 0
}

// SetHead makes ts the head regardless of its weight.
func (store *Store) SetHead(ctx context.Context, ts *types.TipSet) error {
	log.Infof("SetHead %s %d", ts.String(), ts.Height())
	if !ts.Defined() {
		log.Errorf("publishing empty tipset")
		log.Error(string(debug.Stack()))
		return nil
	}

	store.Branches.Mu.RLock()
	it, ok := store.Branches.Find(ts)
	branch := it.Branch
	store.Branches.Mu.RUnlock()
	if !ok {
		store.Branches.Mu.Lock()
		var err error
		branch, err = store.Branches.MakeBranchFromKey(ctx, store.tsLoad, ts.Key(), store.main)
		store.Branches.Mu.Unlock()
		if err != nil {
			return err
		}
	}

	weight, err := store.weight(ctx, branch, ts)
	if err != nil {
		return err
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	return store.setHeadLocked(ctx, ts, weight)
}

func (store *Store) setHeadLocked(ctx context.Context, ts *types.TipSet, weight big.Int) error {
	if store.head != nil && store.head.Equals(ts) {
		return nil
	}

	store.Branches.Mu.Lock()
	it, err := store.find(ts)
	if err != nil {
		store.Branches.Mu.Unlock()
		return err
	}
	path, err := FindPath(store.main, it)
	if err != nil {
		store.Branches.Mu.Unlock()
		return err
	}
	removed, err := store.Branches.Update(store.main, path)
	if err != nil {
		store.Branches.Mu.Unlock()
		return errors.Wrap(err, "failed to update main branch")
	}
	store.Branches.Remove(removed...)
	store.Branches.PruneChildren(store.main)
	store.Branches.Mu.Unlock()

	dropped := make([]*types.TipSet, 0, len(path.Revert))
	for i := len(path.Revert) - 1; i >= 0; i-- {
		rts, err := store.tsLoad.LazyLoad(ctx, path.Revert[i].Lazy)
		if err != nil {
			return err
		}
		dropped = append(dropped, rts)
	}
	added := make([]*types.TipSet, 0, len(path.Apply))
	for _, e := range path.Apply {
		ats, err := store.tsLoad.LazyLoad(ctx, e.Lazy)
		if err != nil {
			return err
		}
		added = append(added, ats)
	}

	// Ensure consistency by storing this new head on disk.
	if err := store.writeHead(ctx, ts.Key()); err != nil {
		return errors.Wrap(err, "failed to write new Head to datastore")
	}
	store.head = ts
	store.headWeight = weight
	headHeightGauge.Set(ctx, int64(ts.Height()))
	if len(dropped) > 0 {
		reorgCounter.Inc(ctx, 1)
	}

	store.reorgCh <- reorg{
		old: dropped,
		new: added,
	}
	return nil
}

func (store *Store) reorgWorker(ctx context.Context) chan reorg {
	headChangeNotifee := func(rev, app []*types.TipSet) error {
		notif := make([]*types.HeadChange, len(rev)+len(app))
		for i, revert := range rev {
			notif[i] = &types.HeadChange{
				Type: types.HCRevert,
				Val:  revert,
			}
		}

		for i, apply := range app {
			notif[i+len(rev)] = &types.HeadChange{
				Type: types.HCApply,
				Val:  apply,
			}
		}

		// Publish an event that we have a new head.
		store.headEvents.Pub(notif, types.HeadChangeTopic)
		return nil
	}

	out := make(chan reorg, 32)
	notifees := []ReorgNotifee{headChangeNotifee}

	go func() {
		defer log.Warn("reorgWorker quit")
		for {
			select {
			case n := <-store.reorgNotifeeCh:
				notifees = append(notifees, n)

			case r := <-out:
				var toremove map[int]struct{}
				for i, hcf := range notifees {
					err := hcf(r.old, r.new)

					switch err {
					case nil:

					case ErrNotifeeDone:
						if toremove == nil {
							toremove = make(map[int]struct{})
						}
						toremove[i] = struct{}{}

					default:
						log.Error("head change func errored (BAD): ", err)
					}
				}

				if len(toremove) > 0 {
					newNotifees := make([]ReorgNotifee, 0, len(notifees)-len(toremove))
					for i, hcf := range notifees {
						if _, remove := toremove[i]; remove {
							continue
						}
						newNotifees = append(newNotifees, hcf)
					}
					notifees = newNotifees
				}

			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// SubHeadChanges returns channel with chain head updates.
// First message is guaranteed to be of len == 1, and type == 'current'.
// Then event in the message may be HCApply and HCRevert.
func (store *Store) SubHeadChanges(ctx context.Context) chan []*types.HeadChange {
	store.mu.RLock()
	subCh := store.headEvents.Sub(types.HeadChangeTopic)
	head := store.head
	store.mu.RUnlock()

	out := make(chan []*types.HeadChange, 16)
	out <- []*types.HeadChange{{
		Type: types.HCCurrent,
		Val:  head,
	}}

	go func() {
		defer close(out)
		var unsubOnce sync.Once

		for {
			select {
			case val, ok := <-subCh:
				if !ok {
					log.Warn("chain head sub exit loop")
					return
				}

				select {
				case out <- val.([]*types.HeadChange):
				default:
					log.Errorf("closing head change subscription due to slow reader")
					return
				}
				if len(out) > 5 {
					log.Warnf("head change sub is slow, has %d buffered entries", len(out))
				}
			case <-ctx.Done():
				unsubOnce.Do(func() {
					go store.headEvents.Unsub(subCh)
				})
			}
		}
	}()
	return out
}

// SubscribeHeadChanges subscribe head change event
func (store *Store) SubscribeHeadChanges(f ReorgNotifee) {
	store.reorgNotifeeCh <- f
}

// writeHead writes the given cid set as head to disk.
func (store *Store) writeHead(ctx context.Context, cids types.TipSetKey) error {
	log.Debugf("WriteHead %s", cids.String())
	buf := new(bytes.Buffer)
	err := cids.MarshalCBOR(buf)
	if err != nil {
		return err
	}

	return store.ds.Put(ctx, HeadKey, buf.Bytes())
}

// GetHead returns the current head tipset.
func (store *Store) GetHead() *types.TipSet {
	store.mu.RLock()
	defer store.mu.RUnlock()
	return store.head
}

// HeadWeight returns the weight of the current head.
func (store *Store) HeadWeight() big.Int {
	store.mu.RLock()
	defer store.mu.RUnlock()
	return store.headWeight
}

// GetGenesisBlock returns the genesis tipset of the main branch.
func (store *Store) GetGenesis() *types.TipSet {
	return store.genesis
}

// MainBranch returns the branch of the heaviest chain.
func (store *Store) MainBranch() *TsBranch {
	return store.main
}

func (store *Store) TsLoad() TsLoad {
	return store.tsLoad
}

func (store *Store) Blockstore() blockstoreutil.Blockstore {
	return store.bs
}

// GetTipSet loads a tipset by key.
func (store *Store) GetTipSet(ctx context.Context, key types.TipSetKey) (*types.TipSet, error) {
	return store.tsLoad.Load(ctx, key)
}

// GetTipSetByHeight returns the main chain tipset at height, or the closest
// one below it when height is a null round and allowLess is set.
func (store *Store) GetTipSetByHeight(ctx context.Context, height abi.ChainEpoch, allowLess bool) (*types.TipSet, error) {
	store.Branches.Mu.RLock()
	it, err := Find(store.main, height, allowLess)
	store.Branches.Mu.RUnlock()
	if err != nil {
		return nil, err
	}
	return store.tsLoad.LazyLoad(ctx, it.Lazy)
}

// IsOnMain reports whether ts is part of the heaviest chain.
func (store *Store) IsOnMain(ts *types.TipSet) bool {
	store.Branches.Mu.RLock()
	defer store.Branches.Mu.RUnlock()
	e, ok := store.main.Chain.Get(ts.Height())
	if !ok {
		if err := store.main.lazyLoad(ts.Height()); err != nil {
			return false
		}
		e, ok = store.main.Chain.Get(ts.Height())
	}
	return ok && e.Lazy.Key == ts.Key()
}

// Close releases the chain log.
func (store *Store) Close() error {
	store.Branches.Mu.Lock()
	defer store.Branches.Mu.Unlock()
	if store.main == nil || store.main.updater == nil {
		return nil
	}
	err := store.main.updater.Close()
	store.main.updater = nil
	return err
}
