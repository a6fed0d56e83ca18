package types

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"
	"github.com/filecoin-project/go-state-types/crypto"
	"github.com/filecoin-project/go-state-types/network"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"golang.org/x/xerrors"
)

// ChainMsg is a message as it is stored on chain, signed or not.
type ChainMsg interface {
	Cid() cid.Cid
	VMMessage() *Message
	ToStorageBlock() (blocks.Block, error)
	// ChainLength is the size of the encoded message as it is stored on chain.
	ChainLength() int
}

var _ ChainMsg = &Message{}
var _ ChainMsg = &SignedMessage{}

// Message is an exchange of information between two actors modeled
// as a function call.
type Message struct {
	Version uint64

	To   address.Address
	From address.Address
	// When receiving a message from a user account the nonce in
	// the message must match the expected nonce in the from actor.
	// This prevents replay attacks.
	Nonce uint64

	Value abi.TokenAmount

	GasLimit   int64
	GasFeeCap  abi.TokenAmount
	GasPremium abi.TokenAmount

	Method abi.MethodNum
	Params []byte
}

// DecodeMessage decodes raw cbor bytes into a Message.
func DecodeMessage(b []byte) (*Message, error) {
	var msg Message
	if err := msg.UnmarshalCBOR(bytes.NewReader(b)); err != nil {
		return nil, err
	}

	if msg.Version != MessageVersion {
		return nil, fmt.Errorf("decoded message had incorrect version (%d)", msg.Version)
	}

	return &msg, nil
}

func (msg *Message) Serialize() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := msg.MarshalCBOR(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (msg *Message) SerializeWithCid() (cid.Cid, []byte, error) {
	data, err := msg.Serialize()
	if err != nil {
		return cid.Undef, nil, err
	}

	c, err := DefaultCidBuilder.Sum(data)
	if err != nil {
		return cid.Undef, nil, err
	}

	return c, data, nil
}

// Cid returns the canonical CID for the message.
func (msg *Message) Cid() cid.Cid {
	c, _, err := msg.SerializeWithCid()
	if err != nil {
		panic(fmt.Errorf("failed to marshal message: %w", err))
	}
	return c
}

func (msg *Message) String() string {
	errStr := "(error encoding Message)"
	c, _, err := msg.SerializeWithCid()
	if err != nil {
		return errStr
	}
	js, err := json.MarshalIndent(msg, "", "  ")
	if err != nil {
		return errStr
	}
	return fmt.Sprintf("Message cid=[%v]: %s", c, string(js))
}

func (msg *Message) ChainLength() int {
	ser, err := msg.Serialize()
	if err != nil {
		panic(err)
	}
	return len(ser)
}

func (msg *Message) VMMessage() *Message {
	return msg
}

func (msg *Message) ToStorageBlock() (blocks.Block, error) {
	c, data, err := msg.SerializeWithCid()
	if err != nil {
		return nil, err
	}

	return blocks.NewBlockWithCid(data, c)
}

// RequiredFunds is the most the sender can be charged for gas.
func (msg *Message) RequiredFunds() big.Int {
	return big.Mul(msg.GasFeeCap, big.NewInt(msg.GasLimit))
}

// Equals tests whether two messages are equal
func (msg *Message) Equals(other *Message) bool {
	return msg.To == other.To &&
		msg.From == other.From &&
		msg.Nonce == other.Nonce &&
		msg.Value.Equals(other.Value) &&
		msg.GasPremium.Equals(other.GasPremium) &&
		msg.GasFeeCap.Equals(other.GasFeeCap) &&
		msg.GasLimit == other.GasLimit &&
		msg.Method == other.Method &&
		bytes.Equal(msg.Params, other.Params)
}

// ValidForBlockInclusion checks the syntactic rules a message must satisfy
// to be included in a block; minGas is the on-chain storage cost of the message.
func (msg *Message) ValidForBlockInclusion(minGas int64, version network.Version) error {
	if msg.Version != 0 {
		return xerrors.New("'Version' unsupported")
	}

	if msg.To == address.Undef {
		return xerrors.New("'To' address cannot be empty")
	}

	if msg.To == ZeroAddress && version >= network.Version7 {
		return xerrors.New("invalid 'To' address")
	}

	if msg.From == address.Undef {
		return xerrors.New("'From' address cannot be empty")
	}

	if msg.Value.Int == nil {
		return xerrors.New("'Value' cannot be nil")
	}

	if msg.Value.LessThan(big.Zero()) {
		return xerrors.New("'Value' field cannot be negative")
	}

	if msg.Value.GreaterThan(TotalFilecoinInt) {
		return xerrors.New("'Value' field cannot be greater than total filecoin supply")
	}

	if msg.GasFeeCap.Int == nil {
		return xerrors.New("'GasFeeCap' cannot be nil")
	}

	if msg.GasFeeCap.LessThan(big.Zero()) {
		return xerrors.New("'GasFeeCap' field cannot be negative")
	}

	if msg.GasPremium.Int == nil {
		return xerrors.New("'GasPremium' cannot be nil")
	}

	if msg.GasPremium.LessThan(big.Zero()) {
		return xerrors.New("'GasPremium' field cannot be negative")
	}

	if msg.GasPremium.GreaterThan(msg.GasFeeCap) {
		return xerrors.New("'GasFeeCap' less than 'GasPremium'")
	}

	if msg.GasLimit > BlockGasLimit {
		return xerrors.New("'GasLimit' field cannot be greater than a block's gas limit")
	}

	// since prices might vary with time, this is technically semantic validation
	if msg.GasLimit < minGas {
		return xerrors.Errorf("'GasLimit' field cannot be less than the cost of storing a message on chain %d < %d", msg.GasLimit, minGas)
	}

	return nil
}

// SignedMessage contains a message and its signature
type SignedMessage struct {
	Message   Message
	Signature crypto.Signature
}

func (smsg *SignedMessage) ChainLength() int {
	var data []byte
	var err error
	if smsg.Signature.Type == crypto.SigTypeBLS {
		data, err = smsg.Message.Serialize()
	} else {
		data, err = smsg.Serialize()
	}

	if err != nil {
		panic(err)
	}

	return len(data)
}

// Serialize return message binary
func (smsg *SignedMessage) Serialize() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := smsg.MarshalCBOR(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (smsg *SignedMessage) SerializeWithCid() (cid.Cid, []byte, error) {
	data, err := smsg.Serialize()
	if err != nil {
		return cid.Undef, nil, err
	}

	c, err := DefaultCidBuilder.Sum(data)
	if err != nil {
		return cid.Undef, nil, err
	}

	return c, data, nil
}

func (smsg *SignedMessage) ToStorageBlock() (blocks.Block, error) {
	if smsg.Signature.Type == crypto.SigTypeBLS {
		return smsg.Message.ToStorageBlock()
	}

	c, data, err := smsg.SerializeWithCid()
	if err != nil {
		return nil, err
	}

	return blocks.NewBlockWithCid(data, c)
}

// Cid is the cid of the unsigned message for BLS messages, whose signatures
// are aggregated into the block.
func (smsg *SignedMessage) Cid() cid.Cid {
	if smsg.Signature.Type == crypto.SigTypeBLS {
		return smsg.Message.Cid()
	}

	c, _, err := smsg.SerializeWithCid()
	if err != nil {
		panic(fmt.Errorf("failed to marshal signed-message: %w", err))
	}

	return c
}

func (smsg *SignedMessage) VMMessage() *Message {
	return &smsg.Message
}

func (smsg *SignedMessage) String() string {
	errStr := "(error encoding SignedMessage)"
	c, _, err := smsg.SerializeWithCid()
	if err != nil {
		return errStr
	}

	js, err := json.MarshalIndent(smsg, "", "  ")
	if err != nil {
		return errStr
	}

	return fmt.Sprintf("SignedMessage cid=[%v]: %s", c, string(js))
}
