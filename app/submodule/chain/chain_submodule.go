package chain

import (
	"context"

	"github.com/hashicorp/go-multierror"
	cbor "github.com/ipfs/go-ipld-cbor"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pkg/errors"

	"github.com/filecoin-project/venus-core/pkg/chain"
	"github.com/filecoin-project/venus-core/pkg/cidsindex"
	"github.com/filecoin-project/venus-core/pkg/consensus"
	"github.com/filecoin-project/venus-core/pkg/consensus/chainselector"
	"github.com/filecoin-project/venus-core/pkg/fork"
	"github.com/filecoin-project/venus-core/pkg/repo"
	"github.com/filecoin-project/venus-core/pkg/vm/vmcontext"
	blockstoreutil "github.com/filecoin-project/venus-core/venus-shared/blockstore"
	"github.com/filecoin-project/venus-core/venus-shared/types"
)

var log = logging.Logger("chain_submodule")

// ChainSubmodule wires the chain store to the interpreter and the block
// validator.
type ChainSubmodule struct { //nolint
	Blockstore   blockstoreutil.Blockstore
	TsLoad       chain.TsLoad
	ChainReader  *chain.Store
	MessageStore *chain.MessageStore
	Fork         fork.IFork
	Randomness   chain.RandomnessSource

	Interpreter *consensus.Interpreter
	Cache       *consensus.InterpreterCache
	Evaluator   *consensus.CachedInterpreter
	Validator   *consensus.BlockValidator

	cids *cidsindex.CidsIpld
}

// pathRepo is implemented by repos rooted on disk.
type pathRepo interface {
	Join(rel string) string
}

// NewChainSubmodule builds the chain from the repo config and loads the
// persisted head, starting at genesis on a fresh repo. Repos without a path
// keep the chain log in memory and skip the car store.
func NewChainSubmodule(ctx context.Context,
	r repo.Repo,
	genesis *types.TipSet,
	invoker vmcontext.Invoker,
	proofs consensus.ProofEngine,
) (*ChainSubmodule, error) {
	cfg := r.Config()
	if cfg.Observability != nil && cfg.Observability.LogLevel != "" {
		lvl, err := logging.LevelFromString(cfg.Observability.LogLevel)
		if err != nil {
			return nil, errors.Wrap(err, "parse log level")
		}
		logging.SetAllLoggers(lvl)
	}

	sub := &ChainSubmodule{Blockstore: r.Blockstore()}
	fsr, onDisk := r.(pathRepo)
	if onDisk && cfg.CidsIndex != nil && cfg.CidsIndex.CarPath != "" {
		cids, err := cidsindex.LoadOrCreate(ctx, fsr.Join(cfg.CidsIndex.CarPath), cidsindex.Options{
			Writable:   cfg.CidsIndex.Writable,
			MaxMemory:  cfg.CidsIndex.MaxMemory,
			FlushOn:    int(cfg.CidsIndex.FlushOn),
			CarFlushOn: int(cfg.CidsIndex.CarFlushOn),
			Fallback:   r.Blockstore(),
		})
		if err != nil {
			return nil, errors.Wrap(err, "open cids index")
		}
		sub.cids = cids
		sub.Blockstore = cids
	}

	forks, err := fork.NewChainFork(cfg.NetworkParams.ForkUpgradeParam)
	if err != nil {
		return nil, sub.fail(errors.Wrap(err, "build upgrade schedule"))
	}
	sub.Fork = forks

	logPath := ""
	if onDisk && cfg.Chain.LogPath != "" {
		logPath = fsr.Join(cfg.Chain.LogPath)
	}
	sub.TsLoad = chain.NewTsLoadCache(chain.NewTsLoadIpld(sub.Blockstore), cfg.Chain.TsCacheSize)
	sub.MessageStore = chain.NewMessageStore(sub.Blockstore)
	weigher := chainselector.NewWeigher(cbor.NewCborStore(sub.Blockstore))
	sub.ChainReader = chain.NewStore(r.ChainDatastore(), sub.Blockstore, sub.TsLoad, weigher, logPath, cfg.Chain)
	sub.Randomness = chain.NewChainRandomnessSource(sub.ChainReader.Branches, sub.TsLoad, forks)

	sub.Cache = consensus.NewInterpreterCache(r.MetaDatastore(), sub.Blockstore)
	sub.Interpreter = consensus.NewInterpreter(sub.Blockstore, sub.ChainReader.Branches, sub.TsLoad, sub.Randomness, forks, invoker, weigher)
	sub.Validator = consensus.NewBlockValidator(r.MetaDatastore(), sub.Blockstore, sub.ChainReader.Branches, sub.TsLoad, sub.Cache, forks, proofs, cfg.Consensus.FakeProofs)
	sub.Interpreter.SetValidator(sub.Validator)
	sub.Interpreter.SetTracing(cfg.Observability != nil && cfg.Observability.LogLevel == "debug")
	sub.Evaluator = consensus.NewCachedInterpreter(sub.Interpreter, sub.Cache, sub.TsLoad)
	sub.ChainReader.SetEvaluator(sub.Evaluator)

	if err := sub.ChainReader.Load(ctx, genesis); err != nil {
		return nil, sub.fail(errors.Wrap(err, "load chain"))
	}
	log.Infof("chain loaded at height %d", sub.ChainReader.GetHead().Height())
	return sub, nil
}

func (sub *ChainSubmodule) fail(err error) error {
	if sub.cids != nil {
		_ = sub.cids.Close()
	}
	return err
}

// Stop closes the chain log and flushes the car store.
func (sub *ChainSubmodule) Stop(context.Context) error {
	var result error
	if sub.ChainReader != nil {
		if err := sub.ChainReader.Close(); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "close chain log"))
		}
	}
	if sub.cids != nil {
		if err := sub.cids.Close(); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "close cids index"))
		}
	}
	return result
}
