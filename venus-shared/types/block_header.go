package types

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"
	"github.com/filecoin-project/go-state-types/crypto"
	proof7 "github.com/filecoin-project/specs-actors/v7/actors/runtime/proof"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
)

// DecodeBlock decodes raw cbor bytes into a BlockHeader.
func DecodeBlock(b []byte) (*BlockHeader, error) {
	var out BlockHeader
	if err := out.UnmarshalCBOR(bytes.NewReader(b)); err != nil {
		return nil, err
	}

	return &out, nil
}

// BlockHeader is a block in the blockchain.
type BlockHeader struct {
	// Miner is the address of the miner actor that mined this block.
	Miner address.Address

	// Ticket is the ticket submitted with this block.
	Ticket *Ticket

	// ElectionProof is the vrf proof giving this block's miner authoring rights
	ElectionProof *ElectionProof

	// BeaconEntries contain the verifiable oracle randomness used to elect
	// this block's author leader
	BeaconEntries []BeaconEntry

	// WinPoStProof are the winning post proofs
	WinPoStProof []proof7.PoStProof

	// Parents is the set of parents this block was based on.
	Parents []cid.Cid

	// ParentWeight is the aggregate chain weight of the parent set.
	ParentWeight big.Int

	// Height is the chain height of this block.
	Height abi.ChainEpoch

	// ParentStateRoot is the CID of the root of the state tree after application of the messages in the parent tipset
	// to the parent tipset's state root.
	ParentStateRoot cid.Cid

	// ParentMessageReceipts is the root of the receipts produced by applying the parent tipset.
	ParentMessageReceipts cid.Cid

	// Messages is the MsgMeta root of the messages included in this block
	Messages cid.Cid

	// The aggregate signature of all BLS signed messages in the block
	BLSAggregate *crypto.Signature

	// The timestamp, in seconds since the Unix epoch, at which this block was created.
	Timestamp uint64

	// The signature of the miner's worker key over the block
	BlockSig *crypto.Signature

	// ForkSignaling is extra data used by miners to communicate
	ForkSignaling uint64

	// identical for all blocks in same tipset: the base fee after executing parent tipset
	ParentBaseFee abi.TokenAmount
}

// Cid returns the content id of this block.
func (b *BlockHeader) Cid() cid.Cid {
	c, _, err := b.SerializeWithCid()
	if err != nil {
		panic(err)
	}

	return c
}

func (b *BlockHeader) String() string {
	errStr := "(error encoding BlockHeader)"
	c, _, err := b.SerializeWithCid()
	if err != nil {
		return errStr
	}

	js, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return errStr
	}

	return fmt.Sprintf("BlockHeader cid=[%v]: %s", c, string(js))
}

// Equals returns true if the BlockHeader is equal to other.
func (b *BlockHeader) Equals(other *BlockHeader) bool {
	return b.Cid().Equals(other.Cid())
}

// SignatureData returns the block's bytes with a null signature field for
// signature creation and verification
func (b *BlockHeader) SignatureData() ([]byte, error) {
	tmp := *b
	tmp.BlockSig = nil
	return tmp.Serialize()
}

// Serialize serialize blockheader to binary
func (b *BlockHeader) Serialize() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := b.MarshalCBOR(buf); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func (b *BlockHeader) SerializeWithCid() (cid.Cid, []byte, error) {
	data, err := b.Serialize()
	if err != nil {
		return cid.Undef, nil, err
	}

	c, err := DefaultCidBuilder.Sum(data)
	if err != nil {
		return cid.Undef, nil, err
	}

	return c, data, nil
}

// ToStorageBlock convert blockheader to data block with cid
func (b *BlockHeader) ToStorageBlock() (blocks.Block, error) {
	c, data, err := b.SerializeWithCid()
	if err != nil {
		return nil, err
	}

	return blocks.NewBlockWithCid(data, c)
}

// LastTicket get ticket in block
func (b *BlockHeader) LastTicket() *Ticket {
	return b.Ticket
}

func CidArrsContains(a []cid.Cid, b cid.Cid) bool {
	for _, elem := range a {
		if elem.Equals(b) {
			return true
		}
	}
	return false
}

func CidArrsEqual(a, b []cid.Cid) bool {
	if len(a) != len(b) {
		return false
	}

	// order ignoring compare...
	s := make(map[cid.Cid]bool)
	for _, c := range a {
		s[c] = true
	}

	for _, c := range b {
		if !s[c] {
			return false
		}
	}
	return true
}
