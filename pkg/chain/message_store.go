package chain

import (
	"bytes"
	"context"

	"github.com/filecoin-project/go-address"
	amt "github.com/filecoin-project/go-amt-ipld/v2"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
	"github.com/pkg/errors"
	cbg "github.com/whyrusleeping/cbor-gen"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/venus-core/pkg/config"
	blockstoreutil "github.com/filecoin-project/venus-core/venus-shared/blockstore"
	"github.com/filecoin-project/venus-core/venus-shared/types"
)

// MessageProvider is an interface exposing the load methods of the
// MessageStore.
type MessageProvider interface {
	LoadMetaMessages(context.Context, cid.Cid) ([]*types.SignedMessage, []*types.Message, error)
	ReadMsgMetaCids(ctx context.Context, mmc cid.Cid) ([]cid.Cid, []cid.Cid, error)
	LoadTipSetMessage(ctx context.Context, ts *types.TipSet) ([]types.BlockMessages, error)
	LoadReceipts(context.Context, cid.Cid) ([]types.MessageReceipt, error)
	LoadMsgMeta(context.Context, cid.Cid) (types.MsgMeta, error)
}

// MessageWriter is an interface exposing the write methods of the
// MessageStore.
type MessageWriter interface {
	StoreMessages(ctx context.Context, secpMessages []*types.SignedMessage, blsMessages []*types.Message) (cid.Cid, error)
	StoreReceipts(context.Context, []types.MessageReceipt) (cid.Cid, error)
}

// MessageStore stores and loads collections of signed messages and receipts.
type MessageStore struct {
	bs blockstoreutil.Blockstore
}

// NewMessageStore creates and returns a new store
func NewMessageStore(bs blockstoreutil.Blockstore) *MessageStore {
	return &MessageStore{bs: bs}
}

// LoadMetaMessages loads the signed messages in the collection with cid c from ipld
// storage.
func (ms *MessageStore) LoadMetaMessages(ctx context.Context, metaCid cid.Cid) ([]*types.SignedMessage, []*types.Message, error) {
	blsCids, secpCids, err := ms.ReadMsgMetaCids(ctx, metaCid)
	if err != nil {
		return nil, nil, err
	}

	secpMsgs := make([]*types.SignedMessage, len(secpCids))
	for i, c := range secpCids {
		var msg types.SignedMessage
		if err := ms.get(ctx, c, &msg); err != nil {
			return nil, nil, errors.Wrapf(err, "failed to load secp message %s", c)
		}
		secpMsgs[i] = &msg
	}

	blsMsgs := make([]*types.Message, len(blsCids))
	for i, c := range blsCids {
		var msg types.Message
		if err := ms.get(ctx, c, &msg); err != nil {
			return nil, nil, errors.Wrapf(err, "failed to load bls message %s", c)
		}
		blsMsgs[i] = &msg
	}
	return secpMsgs, blsMsgs, nil
}

// ReadMsgMetaCids returns the bls and secp message cids of a MsgMeta.
func (ms *MessageStore) ReadMsgMetaCids(ctx context.Context, mmc cid.Cid) ([]cid.Cid, []cid.Cid, error) {
	meta, err := ms.LoadMsgMeta(ctx, mmc)
	if err != nil {
		return nil, nil, err
	}

	secpCids, err := ms.loadAMTCids(ctx, meta.SecpkMessages)
	if err != nil {
		return nil, nil, err
	}
	blsCids, err := ms.loadAMTCids(ctx, meta.BlsMessages)
	if err != nil {
		return nil, nil, err
	}
	return blsCids, secpCids, nil
}

// StoreMessages writes the messages and the MsgMeta over them and returns
// the MsgMeta cid.
func (ms *MessageStore) StoreMessages(ctx context.Context, secpMessages []*types.SignedMessage, blsMessages []*types.Message) (cid.Cid, error) {
	secpCids := make([]cid.Cid, len(secpMessages))
	for i, msg := range secpMessages {
		c, err := ms.storeBlock(ctx, msg)
		if err != nil {
			return cid.Undef, errors.Wrap(err, "could not store secp messages")
		}
		secpCids[i] = c
	}

	blsCids := make([]cid.Cid, len(blsMessages))
	for i, msg := range blsMessages {
		c, err := ms.storeBlock(ctx, msg)
		if err != nil {
			return cid.Undef, errors.Wrap(err, "could not store bls messages")
		}
		blsCids[i] = c
	}

	return ComputeMsgMeta(ctx, ms.bs, blsCids, secpCids)
}

// LoadTipSetMessage loads the messages of every block of ts. A message whose
// sender nonce was already used earlier in the tipset is skipped.
func (ms *MessageStore) LoadTipSetMessage(ctx context.Context, ts *types.TipSet) ([]types.BlockMessages, error) {
	applied := make(map[address.Address]uint64)

	selectMsg := func(m *types.Message) bool {
		// The first match for a sender is guaranteed to have correct nonce -- the block isn't valid otherwise
		if _, ok := applied[m.From]; !ok {
			applied[m.From] = m.Nonce
		}

		if applied[m.From] != m.Nonce {
			return false
		}

		applied[m.From]++
		return true
	}

	blockMsg := make([]types.BlockMessages, 0, ts.Len())
	for _, blk := range ts.Blocks() {
		secpMsgs, blsMsgs, err := ms.LoadMetaMessages(ctx, blk.Messages)
		if err != nil {
			return nil, errors.Wrapf(err, "syncing tip %s failed loading message list %s for block %s", ts.Key(), blk.Messages, blk.Cid())
		}

		bm := types.BlockMessages{
			Miner: blk.Miner,
		}
		if blk.ElectionProof != nil {
			bm.WinCount = blk.ElectionProof.WinCount
		}
		for _, msg := range blsMsgs {
			if selectMsg(msg) {
				bm.BlsMessages = append(bm.BlsMessages, msg)
			}
		}
		for _, msg := range secpMsgs {
			if selectMsg(&msg.Message) {
				bm.SecpkMessages = append(bm.SecpkMessages, msg)
			}
		}
		blockMsg = append(blockMsg, bm)
	}

	return blockMsg, nil
}

// LoadReceipts loads the receipts AMT at c.
func (ms *MessageStore) LoadReceipts(ctx context.Context, c cid.Cid) ([]types.MessageReceipt, error) {
	a, err := amt.LoadAMT(ctx, cbor.NewCborStore(ms.bs), c)
	if err != nil {
		return nil, err
	}

	receipts := make([]types.MessageReceipt, a.Count)
	for i := uint64(0); i < a.Count; i++ {
		if err := a.Get(ctx, i, &receipts[i]); err != nil {
			return nil, errors.Wrapf(err, "could not decode receipt %d of %s", i, c)
		}
	}
	return receipts, nil
}

// StoreReceipts writes receipts as an AMT and returns its root.
func (ms *MessageStore) StoreReceipts(ctx context.Context, receipts []types.MessageReceipt) (cid.Cid, error) {
	return storeReceipts(ctx, ms.bs, receipts)
}

// LoadMsgMeta loads the secproot, blsroot data from the message store
func (ms *MessageStore) LoadMsgMeta(ctx context.Context, c cid.Cid) (types.MsgMeta, error) {
	var meta types.MsgMeta
	if err := ms.get(ctx, c, &meta); err != nil {
		return types.MsgMeta{}, errors.Wrapf(err, "failed to get msg meta %s", c)
	}
	return meta, nil
}

func (ms *MessageStore) get(ctx context.Context, c cid.Cid, out cbg.CBORUnmarshaler) error {
	blk, err := ms.bs.Get(ctx, c)
	if err != nil {
		return err
	}
	return out.UnmarshalCBOR(bytes.NewReader(blk.RawData()))
}

func (ms *MessageStore) loadAMTCids(ctx context.Context, c cid.Cid) ([]cid.Cid, error) {
	a, err := amt.LoadAMT(ctx, cbor.NewCborStore(ms.bs), c)
	if err != nil {
		return []cid.Cid{}, err
	}

	cids := make([]cid.Cid, a.Count)
	for i := uint64(0); i < a.Count; i++ {
		var c cbg.CborCid
		if err := a.Get(ctx, i, &c); err != nil {
			return nil, errors.Wrapf(err, "could not retrieve %d cid from AMT", i)
		}
		cids[i] = cid.Cid(c)
	}
	return cids, nil
}

type storageBlock interface {
	ToStorageBlock() (blocks.Block, error)
}

func (ms *MessageStore) storeBlock(ctx context.Context, obj storageBlock) (cid.Cid, error) {
	sblk, err := obj.ToStorageBlock()
	if err != nil {
		return cid.Undef, err
	}
	if err := ms.bs.Put(ctx, sblk); err != nil {
		return cid.Undef, err
	}
	return sblk.Cid(), nil
}

func storeReceipts(ctx context.Context, bs blockstoreutil.Blockstore, receipts []types.MessageReceipt) (cid.Cid, error) {
	rawMarshallers := make([]cbg.CBORMarshaler, len(receipts))
	for i := range receipts {
		rawMarshallers[i] = &receipts[i]
	}
	return amt.FromArray(ctx, cbor.NewCborStore(bs), rawMarshallers)
}

// GetReceiptRoot computes the receipts root without keeping the AMT nodes.
func GetReceiptRoot(ctx context.Context, receipts []types.MessageReceipt) (cid.Cid, error) {
	return storeReceipts(ctx, blockstoreutil.NewMemory(), receipts)
}

// ComputeMsgMeta computes the root CID of the combined arrays of message CIDs
// of both types (BLS and Secpk) and stores the AMTs and the MsgMeta in bs.
func ComputeMsgMeta(ctx context.Context, bs blockstoreutil.Blockstore, bmsgCids, smsgCids []cid.Cid) (cid.Cid, error) {
	store := cbor.NewCborStore(bs)
	bmroot, err := amt.FromArray(ctx, store, cidMarshallers(bmsgCids))
	if err != nil {
		return cid.Undef, xerrors.Errorf("failed to build bls messages AMT: %w", err)
	}
	smroot, err := amt.FromArray(ctx, store, cidMarshallers(smsgCids))
	if err != nil {
		return cid.Undef, xerrors.Errorf("failed to build secp messages AMT: %w", err)
	}

	mrcid, err := store.Put(ctx, &types.MsgMeta{
		BlsMessages:   bmroot,
		SecpkMessages: smroot,
	})
	if err != nil {
		return cid.Undef, xerrors.Errorf("failed to put msgmeta: %w", err)
	}
	return mrcid, nil
}

func cidMarshallers(cids []cid.Cid) []cbg.CBORMarshaler {
	out := make([]cbg.CBORMarshaler, len(cids))
	for i, c := range cids {
		cm := cbg.CborCid(c)
		out[i] = &cm
	}
	return out
}

// ComputeNextBaseFee applies the EIP-1559 style adjustment to baseFee given
// the gas limit packed into the tipset.
func ComputeNextBaseFee(baseFee abi.TokenAmount, gasLimitUsed int64, noOfBlocks int, epoch abi.ChainEpoch, upgrade *config.ForkUpgradeConfig) abi.TokenAmount {
	// deta := gasLimitUsed/noOfBlocks - constants.BlockGasTarget
	// change := baseFee * deta / BlockGasTarget
	// nextBaseFee = baseFee + change
	// nextBaseFee = max(nextBaseFee, constants.MinimumBaseFee)

	var delta int64
	if epoch > upgrade.UpgradeSmokeHeight {
		delta = gasLimitUsed / int64(noOfBlocks)
		delta -= types.BlockGasTarget
	} else {
		delta = types.PackingEfficiencyDenom * gasLimitUsed / (int64(noOfBlocks) * types.PackingEfficiencyNum)
		delta -= types.BlockGasTarget
	}

	// cap change at 12.5% (BaseFeeMaxChangeDenom) by capping delta
	if delta > types.BlockGasTarget {
		delta = types.BlockGasTarget
	}
	if delta < -types.BlockGasTarget {
		delta = -types.BlockGasTarget
	}

	change := big.Mul(baseFee, big.NewInt(delta))
	change = big.Div(change, big.NewInt(types.BlockGasTarget))
	change = big.Div(change, big.NewInt(types.BaseFeeMaxChangeDenom))

	nextBaseFee := big.Add(baseFee, change)
	if big.Cmp(nextBaseFee, big.NewInt(types.MinimumBaseFee)) < 0 {
		nextBaseFee = big.NewInt(types.MinimumBaseFee)
	}
	return nextBaseFee
}

// ComputeBaseFee returns the base fee children of ts must carry.
func (ms *MessageStore) ComputeBaseFee(ctx context.Context, ts *types.TipSet, upgrade *config.ForkUpgradeConfig) (abi.TokenAmount, error) {
	zero := abi.NewTokenAmount(0)
	baseHeight := ts.Height()

	if upgrade.UpgradeBreezeHeight >= 0 && baseHeight > upgrade.UpgradeBreezeHeight && baseHeight < upgrade.UpgradeBreezeHeight+upgrade.BreezeGasTampingDuration {
		return abi.NewTokenAmount(100), nil
	}

	// totalLimit is sum of GasLimits of unique messages in a tipset
	totalLimit := int64(0)

	seen := make(map[cid.Cid]struct{})

	for _, b := range ts.Blocks() {
		secpMsgs, blsMsgs, err := ms.LoadMetaMessages(ctx, b.Messages)
		if err != nil {
			return zero, xerrors.Errorf("error getting messages for: %s: %w", b.Cid(), err)
		}

		for _, m := range blsMsgs {
			c := m.Cid()
			if _, ok := seen[c]; !ok {
				totalLimit += m.GasLimit
				seen[c] = struct{}{}
			}
		}
		for _, m := range secpMsgs {
			c := m.Cid()
			if _, ok := seen[c]; !ok {
				totalLimit += m.Message.GasLimit
				seen[c] = struct{}{}
			}
		}
	}

	return ComputeNextBaseFee(ts.ParentBaseFee(), totalLimit, ts.Len(), baseHeight, upgrade), nil
}
