package types

import (
	"github.com/filecoin-project/go-state-types/big"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// DefaultCidBuilder is the builder used for every chain object: CIDv1,
// dag-cbor, blake2b-256.
var DefaultCidBuilder = cid.V1Builder{Codec: cid.DagCBOR, MhType: multihash.BLAKE2B_MIN + 31}

// CbCidPrefix is the byte prefix shared by every CID built with DefaultCidBuilder.
var CbCidPrefix = []byte{0x01, 0x71, 0xa0, 0xe4, 0x02, 0x20}

// CbCidLen is the length of a CID built with DefaultCidBuilder.
const CbCidLen = 38

// CbKey extracts the 32-byte blake2b digest from a chain CID, returning
// false for any CID that was not built with DefaultCidBuilder.
func CbKey(c cid.Cid) ([32]byte, bool) {
	var key [32]byte
	b := c.Bytes()
	if len(b) != CbCidLen {
		return key, false
	}
	for i, v := range CbCidPrefix {
		if b[i] != v {
			return key, false
		}
	}
	copy(key[:], b[len(CbCidPrefix):])
	return key, true
}

// CidFromCbKey rebuilds the chain CID of a 32-byte blake2b digest.
func CidFromCbKey(key [32]byte) cid.Cid {
	b := make([]byte, 0, CbCidLen)
	b = append(b, CbCidPrefix...)
	b = append(b, key[:]...)
	c, err := cid.Cast(b)
	if err != nil {
		panic(err)
	}
	return c
}

// network monetary and gas parameters
const (
	FilecoinPrecision = uint64(1_000_000_000_000_000_000)
	FilBase           = uint64(2_000_000_000)

	BlockGasLimit  = 10_000_000_000
	BlockGasTarget = BlockGasLimit / 2

	BaseFeeMaxChangeDenom   = 8
	InitialBaseFee          = 100e6
	MinimumBaseFee          = 100
	PackingEfficiencyNum    = 4
	PackingEfficiencyDenom  = 5
	MessageVersion          = 0
	ImplicitMessageGasLimit = BlockGasLimit * 10000
)

// TotalFilecoinInt is the total supply in attoFIL.
var TotalFilecoinInt = big.Mul(big.NewIntUnsigned(FilBase), big.NewIntUnsigned(FilecoinPrecision))
