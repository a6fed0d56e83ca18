package consensus

import (
	"context"
	"errors"

	"github.com/filecoin-project/go-state-types/big"
	"golang.org/x/sync/singleflight"

	"github.com/filecoin-project/venus-core/pkg/chain"
	"github.com/filecoin-project/venus-core/pkg/metrics"
	"github.com/filecoin-project/venus-core/venus-shared/types"
)

var (
	cacheHitCounter  = metrics.NewInt64Counter("consensus/interpreter_cache_hits", "tipsets served from the interpreter cache")
	badTipSetCounter = metrics.NewInt64Counter("consensus/bad_tipsets", "tipsets whose interpretation failed")
)

var _ chain.Evaluator = (*CachedInterpreter)(nil)

// CachedInterpreter interprets each tipset once. Concurrent requests for the
// same tipset share one execution.
type CachedInterpreter struct {
	interpreter *Interpreter
	cache       *InterpreterCache
	tsLoad      chain.TsLoad

	group singleflight.Group
}

func NewCachedInterpreter(interpreter *Interpreter, cache *InterpreterCache, tsLoad chain.TsLoad) *CachedInterpreter {
	return &CachedInterpreter{
		interpreter: interpreter,
		cache:       cache,
		tsLoad:      tsLoad,
	}
}

func (ci *CachedInterpreter) Cache() *InterpreterCache {
	return ci.cache
}

// Interpret returns the cached result of ts or executes it.
func (ci *CachedInterpreter) Interpret(ctx context.Context, branch *chain.TsBranch, ts *types.TipSet) (*Result, error) {
	res, err := ci.cache.TryGet(ctx, ts.Key())
	if err == nil {
		cacheHitCounter.Inc(ctx, 1)
		return res, nil
	}
	if !errors.Is(err, ErrNotCached) {
		return nil, err
	}

	v, err, _ := ci.group.Do(ts.Key().String(), func() (interface{}, error) {
		// the execution we waited on may have just stored it
		if res, err := ci.cache.TryGet(ctx, ts.Key()); err == nil || !errors.Is(err, ErrNotCached) {
			return res, err
		}

		res, err := ci.interpreter.Interpret(ctx, branch, ts)
		if err != nil {
			if ctx.Err() == nil {
				badTipSetCounter.Inc(ctx, 1)
				log.Warnf("interpret tipset %s at %d failed: %s", ts.Key(), ts.Height(), err)
				if markErr := ci.cache.MarkBad(ctx, ts.Key()); markErr != nil {
					log.Errorf("mark tipset %s bad: %s", ts.Key(), markErr)
				}
			}
			return nil, err
		}
		if err := ci.cache.Set(ctx, ts.Key(), res); err != nil {
			return nil, err
		}
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

// Evaluate interprets ts and the ancestors not interpreted yet, oldest
// first, and returns the weight of ts.
func (ci *CachedInterpreter) Evaluate(ctx context.Context, branch *chain.TsBranch, ts *types.TipSet) (big.Int, error) {
	pending := []*types.TipSet{ts}
	for cur := ts; cur.Height() > 0; {
		parent, err := ci.tsLoad.Load(ctx, cur.Parents())
		if err != nil {
			return big.Zero(), err
		}
		if _, err := ci.cache.TryGet(ctx, parent.Key()); err == nil {
			break
		} else if !errors.Is(err, ErrNotCached) {
			return big.Zero(), err
		}
		pending = append(pending, parent)
		cur = parent
	}

	var res *Result
	for i := len(pending) - 1; i >= 0; i-- {
		var err error
		if res, err = ci.Interpret(ctx, branch, pending[i]); err != nil {
			return big.Zero(), err
		}
	}
	return res.Weight, nil
}
