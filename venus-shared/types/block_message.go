package types

import (
	"bytes"
	"fmt"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/exitcode"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
)

// MsgMeta tracks the AMT roots of both secp and bls messages of a block.
type MsgMeta struct {
	BlsMessages   cid.Cid
	SecpkMessages cid.Cid
}

func (mm *MsgMeta) String() string {
	return fmt.Sprintf("secp: %s, bls: %s", mm.SecpkMessages.String(), mm.BlsMessages.String())
}

func (mm *MsgMeta) Cid() cid.Cid {
	b, err := mm.ToStorageBlock()
	if err != nil {
		panic(err)
	}
	return b.Cid()
}

func (mm *MsgMeta) ToStorageBlock() (blocks.Block, error) {
	var buf bytes.Buffer
	if err := mm.MarshalCBOR(&buf); err != nil {
		return nil, fmt.Errorf("failed to marshal MsgMeta: %w", err)
	}

	c, err := DefaultCidBuilder.Sum(buf.Bytes())
	if err != nil {
		return nil, err
	}

	return blocks.NewBlockWithCid(buf.Bytes(), c)
}

// BlockMessages are the messages of one block, split by signature type.
type BlockMessages struct {
	Miner         address.Address
	WinCount      int64
	BlsMessages   []*Message
	SecpkMessages []*SignedMessage
}

// MessageReceipt is what is returned by executing a message on the vm.
type MessageReceipt struct {
	ExitCode exitcode.ExitCode
	Return   []byte
	GasUsed  int64
}

func (mr *MessageReceipt) Equals(o *MessageReceipt) bool {
	return mr.ExitCode == o.ExitCode && bytes.Equal(mr.Return, o.Return) && mr.GasUsed == o.GasUsed
}

// Failure returns a receipt with a non-zero exit code.
func Failure(exitCode exitcode.ExitCode, gasAmount int64) MessageReceipt {
	return MessageReceipt{
		ExitCode: exitCode,
		Return:   []byte{},
		GasUsed:  gasAmount,
	}
}
