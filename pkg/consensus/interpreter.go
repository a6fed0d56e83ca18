package consensus

import (
	"bytes"
	"context"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"
	builtin7 "github.com/filecoin-project/specs-actors/v7/actors/builtin"
	reward7 "github.com/filecoin-project/specs-actors/v7/actors/builtin/reward"
	cbor "github.com/ipfs/go-ipld-cbor"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"

	"github.com/filecoin-project/venus-core/pkg/chain"
	"github.com/filecoin-project/venus-core/pkg/fork"
	"github.com/filecoin-project/venus-core/pkg/metrics"
	"github.com/filecoin-project/venus-core/pkg/metrics/tracing"
	"github.com/filecoin-project/venus-core/pkg/state"
	"github.com/filecoin-project/venus-core/pkg/vm/vmcontext"
	"github.com/filecoin-project/venus-core/pkg/vmsupport"
	blockstoreutil "github.com/filecoin-project/venus-core/venus-shared/blockstore"
	"github.com/filecoin-project/venus-core/venus-shared/types"
)

var log = logging.Logger("consensus")

var (
	interpretTimer     = metrics.NewTimerMs("consensus/interpret_ms", "duration of tipset interpretation in ms")
	appliedMsgsCounter = metrics.NewInt64Counter("consensus/applied_messages", "messages applied by the interpreter")
	nullRoundsCounter  = metrics.NewInt64Counter("consensus/null_rounds", "null rounds folded into cron ticks")
)

// rewardGasLimit is the gas limit of the block reward message.
const rewardGasLimit = 1 << 30

// Validator checks a block before its tipset is executed.
type Validator interface {
	ValidateBlock(ctx context.Context, branch *chain.TsBranch, blk *types.BlockHeader) error
}

// Interpreter executes tipsets on top of their parent state.
type Interpreter struct {
	bs       blockstoreutil.Blockstore
	cst      cbor.IpldStore
	branches *chain.Branches
	tsLoad   chain.TsLoad
	msgStore *chain.MessageStore
	rnd      chain.RandomnessSource
	forks    fork.IFork
	invoker  vmcontext.Invoker
	weigher  chain.Weigher

	validator Validator
	tracing   bool
}

func NewInterpreter(bs blockstoreutil.Blockstore,
	branches *chain.Branches,
	tsLoad chain.TsLoad,
	rnd chain.RandomnessSource,
	forks fork.IFork,
	invoker vmcontext.Invoker,
	weigher chain.Weigher,
) *Interpreter {
	return &Interpreter{
		bs:       bs,
		cst:      cbor.NewCborStore(bs),
		branches: branches,
		tsLoad:   tsLoad,
		msgStore: chain.NewMessageStore(bs),
		rnd:      rnd,
		forks:    forks,
		invoker:  invoker,
		weigher:  weigher,
	}
}

// SetValidator makes every block pass v before its tipset is executed.
func (in *Interpreter) SetValidator(v Validator) {
	in.validator = v
}

// SetTracing logs every actor invocation at debug level.
func (in *Interpreter) SetTracing(on bool) {
	in.tracing = on
}

// Interpret executes ts found in branch. The genesis tipset is not executed,
// its result is the state and receipts it was built with.
func (in *Interpreter) Interpret(ctx context.Context, branch *chain.TsBranch, ts *types.TipSet) (res *Result, err error) {
	ctx, span := trace.StartSpan(ctx, "Interpreter.Interpret")
	span.AddAttributes(trace.StringAttribute("tipset", ts.Key().String()))
	span.AddAttributes(trace.Int64Attribute("height", int64(ts.Height())))
	defer tracing.AddErrorEndSpan(ctx, span, &err)

	if ts.Height() == 0 {
		weight, err := in.weight(ctx, ts)
		if err != nil {
			return nil, err
		}
		return &Result{
			StateRoot: ts.ParentState(),
			Receipts:  ts.ParentMessageReceipts(),
			Weight:    weight,
		}, nil
	}

	sw := interpretTimer.Start(ctx)
	defer sw.Stop(ctx)
	return in.applyBlocks(ctx, branch, ts)
}

func (in *Interpreter) weight(ctx context.Context, ts *types.TipSet) (big.Int, error) {
	if in.weigher == nil {
		return big.Zero(), nil
	}
	w, err := in.weigher.Weight(ctx, ts)
	if err != nil {
		return big.Zero(), errors.Wrapf(err, "weight of %s", ts.Key())
	}
	return w, nil
}

func hasDuplicateMiners(blks []*types.BlockHeader) bool {
	seen := make(map[address.Address]struct{}, len(blks))
	for _, blk := range blks {
		if _, ok := seen[blk.Miner]; ok {
			return true
		}
		seen[blk.Miner] = struct{}{}
	}
	return false
}

func (in *Interpreter) applyBlocks(ctx context.Context, branch *chain.TsBranch, ts *types.TipSet) (*Result, error) {
	if in.validator != nil {
		for _, blk := range ts.Blocks() {
			if err := in.validator.ValidateBlock(ctx, branch, blk); err != nil {
				return nil, errors.Wrapf(err, "validate block %s", blk.Cid())
			}
		}
	}
	if hasDuplicateMiners(ts.Blocks()) {
		return nil, ErrDuplicateMiner
	}

	parent, err := in.tsLoad.Load(ctx, ts.Parents())
	if err != nil {
		return nil, errors.Wrapf(err, "load parent of %s", ts.Key())
	}
	if parent.Height() >= ts.Height() {
		return nil, errors.Wrapf(ErrChainInconsistency, "parent height %d not below %d", parent.Height(), ts.Height())
	}

	epoch := parent.Height() + 1
	env, err := vmcontext.NewEnv(ctx, vmcontext.VmOption{
		NetworkVersion: in.forks.GetNetworkVersion(ctx, epoch),
		Rnd:            NewHeadRandomness(in.rnd, branch),
		BaseFee:        ts.ParentBaseFee(),
		Epoch:          epoch,
		PRoot:          ts.ParentState(),
		Bsstore:        in.bs,
		Invoker:        in.invoker,
		FaultChecker:   vmsupport.NewConsensusFaultChecker(in.faultLookback(branch)),
		Tracing:        in.tracing,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create vm")
	}

	// null rounds only tick cron
	for ; epoch < ts.Height(); epoch++ {
		env.SetEpoch(epoch, in.forks.GetNetworkVersion(ctx, epoch))
		if err := in.cronTick(ctx, env); err != nil {
			return nil, errors.Wrapf(err, "null round %d", epoch)
		}
		nullRoundsCounter.Inc(ctx, 1)
	}
	env.SetEpoch(ts.Height(), in.forks.GetNetworkVersion(ctx, ts.Height()))

	blockMsgs, err := in.msgStore.LoadTipSetMessage(ctx, ts)
	if err != nil {
		return nil, err
	}

	var receipts []types.MessageReceipt
	applied := blockstoreutil.NewSet()
	apply := func(msg types.ChainMsg, penalty, gasReward *abi.TokenAmount) error {
		c := msg.Cid()
		if !applied.Visit(c) {
			return nil
		}

		ret, err := env.ApplyMessage(ctx, msg)
		if err != nil {
			return errors.Wrapf(err, "apply message %s", c)
		}
		*penalty = big.Add(*penalty, ret.OutPuts.MinerPenalty)
		*gasReward = big.Add(*gasReward, ret.OutPuts.MinerTip)
		receipts = append(receipts, ret.Receipt)
		appliedMsgsCounter.Inc(ctx, 1)
		return nil
	}

	for _, bm := range blockMsgs {
		penalty, gasReward := big.Zero(), big.Zero()
		for _, m := range bm.BlsMessages {
			if err := apply(m, &penalty, &gasReward); err != nil {
				return nil, err
			}
		}
		for _, m := range bm.SecpkMessages {
			if err := apply(m, &penalty, &gasReward); err != nil {
				return nil, err
			}
		}
		if err := in.awardBlockReward(ctx, env, bm.Miner, penalty, gasReward, bm.WinCount); err != nil {
			return nil, err
		}
	}

	if err := in.cronTick(ctx, env); err != nil {
		return nil, err
	}

	root, err := env.Flush(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "flush state")
	}
	receiptsRoot, err := in.msgStore.StoreReceipts(ctx, receipts)
	if err != nil {
		return nil, errors.Wrap(err, "store receipts")
	}
	weight, err := in.weight(ctx, ts)
	if err != nil {
		return nil, err
	}

	log.Debugw("interpreted tipset", "height", ts.Height(), "root", root, "messages", len(receipts))
	return &Result{
		StateRoot: root,
		Receipts:  receiptsRoot,
		Weight:    weight,
	}, nil
}

func (in *Interpreter) cronTick(ctx context.Context, env *vmcontext.Env) error {
	ret, err := env.ApplyImplicitMessage(ctx, &types.Message{
		To:         state.CronActorAddr,
		From:       state.SystemActorAddr,
		Nonce:      uint64(env.CurrentEpoch()),
		Value:      big.Zero(),
		GasFeeCap:  big.Zero(),
		GasPremium: big.Zero(),
		GasLimit:   types.ImplicitMessageGasLimit,
		Method:     builtin7.MethodsCron.EpochTick,
		Params:     []byte{},
	})
	if err != nil {
		return err
	}
	if ret.Receipt.ExitCode.IsError() {
		return errors.Wrapf(ErrCronTickFailed, "epoch %d exit %d", env.CurrentEpoch(), ret.Receipt.ExitCode)
	}
	return nil
}

func (in *Interpreter) awardBlockReward(ctx context.Context, env *vmcontext.Env, miner address.Address, penalty, gasReward abi.TokenAmount, winCount int64) error {
	params := &reward7.AwardBlockRewardParams{
		Miner:     miner,
		Penalty:   penalty,
		GasReward: gasReward,
		WinCount:  winCount,
	}
	buf := new(bytes.Buffer)
	if err := params.MarshalCBOR(buf); err != nil {
		return errors.Wrap(err, "serialize reward params")
	}

	ret, err := env.ApplyImplicitMessage(ctx, &types.Message{
		To:         state.RewardActorAddr,
		From:       state.SystemActorAddr,
		Nonce:      uint64(env.CurrentEpoch()),
		Value:      big.Zero(),
		GasFeeCap:  big.Zero(),
		GasPremium: big.Zero(),
		GasLimit:   rewardGasLimit,
		Method:     builtin7.MethodsReward.AwardBlockReward,
		Params:     buf.Bytes(),
	})
	if err != nil {
		return err
	}
	if ret.Receipt.ExitCode.IsError() {
		return errors.Wrapf(ErrMinerSubmitFailed, "miner %s exit %d", miner, ret.Receipt.ExitCode)
	}
	return nil
}

// faultLookback reads worker keys from the parent state of the tipset at or
// below an epoch of branch.
func (in *Interpreter) faultLookback(branch *chain.TsBranch) vmsupport.LookbackStateGetter {
	return func(ctx context.Context, epoch abi.ChainEpoch) (vmsupport.FaultStateView, error) {
		in.branches.Mu.RLock()
		it, err := chain.Find(branch, epoch, true)
		in.branches.Mu.RUnlock()
		if err != nil {
			return nil, errors.Wrapf(err, "lookback %d", epoch)
		}
		ts, err := in.tsLoad.LazyLoad(ctx, it.Lazy)
		if err != nil {
			return nil, err
		}
		return state.NewView(in.cst, ts.ParentState()), nil
	}
}
