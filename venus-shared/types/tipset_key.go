package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/ipfs/go-cid"
	"github.com/minio/blake2b-simd"
	cbg "github.com/whyrusleeping/cbor-gen"
	"golang.org/x/xerrors"
)

// EmptyTSK is the key of the undefined tipset.
var EmptyTSK = TipSetKey{}

// A TipSetKey is an immutable collection of CIDs forming a unique key for a tipset.
// The CIDs are assumed to be distinct and in canonical order. Two keys with the same
// CIDs in a different order are not considered equal.
// TipSetKey is a lightweight value type, and may be compared for equality with ==.
type TipSetKey struct {
	// The internal representation is a concatenation of the bytes of the CIDs, which are
	// self-describing, wrapped as a string.
	// These gymnastics make the a TipSetKey usable as a map key.
	// The empty key has value "".
	value string
}

// NewTipSetKey builds a new key from a slice of CIDs.
// The CIDs are assumed to be ordered correctly.
func NewTipSetKey(cids ...cid.Cid) TipSetKey {
	encoded := encodeKey(cids)
	return TipSetKey{string(encoded)}
}

// TipSetKeyFromBytes wraps an encoded key, validating correct decoding.
func TipSetKeyFromBytes(encoded []byte) (TipSetKey, error) {
	_, err := decodeKey(encoded)
	if err != nil {
		return TipSetKey{}, err
	}
	return TipSetKey{string(encoded)}, nil
}

// Cids returns a slice of the CIDs comprising this key.
func (tsk TipSetKey) Cids() []cid.Cid {
	cids, err := decodeKey([]byte(tsk.value))
	if err != nil {
		panic("invalid tipset key: " + err.Error())
	}
	return cids
}

// String returns a human-readable representation of the key.
func (tsk TipSetKey) String() string {
	b := strings.Builder{}
	b.WriteString("{")
	for _, c := range tsk.Cids() {
		b.WriteString(fmt.Sprintf(" %s", c.String()))
	}
	b.WriteString(" }")
	return b.String()
}

// Bytes returns a binary representation of the key.
func (tsk TipSetKey) Bytes() []byte {
	return []byte(tsk.value)
}

// Hash is the blake2b-256 digest of the cbor encoded cid list. It keys the
// interpreter cache.
func (tsk TipSetKey) Hash() [32]byte {
	buf := new(bytes.Buffer)
	if err := tsk.MarshalCBOR(buf); err != nil {
		panic(err)
	}
	return blake2b.Sum256(buf.Bytes())
}

func (tsk TipSetKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(tsk.Cids())
}

func (tsk *TipSetKey) UnmarshalJSON(b []byte) error {
	var cids []cid.Cid
	if err := json.Unmarshal(b, &cids); err != nil {
		return err
	}
	tsk.value = string(encodeKey(cids))
	return nil
}

func (tsk TipSetKey) IsEmpty() bool {
	return len(tsk.value) == 0
}

// Equals checks whether the set contains exactly the same CIDs as another.
func (tsk TipSetKey) Equals(other TipSetKey) bool {
	return tsk.value == other.value
}

func (tsk *TipSetKey) UnmarshalCBOR(r io.Reader) error {
	br := cbg.GetPeeker(r)
	scratch := make([]byte, 8)
	maj, extra, err := cbg.CborReadHeaderBuf(br, scratch)
	if err != nil {
		return err
	}

	if extra > cbg.MaxLength {
		return fmt.Errorf("tipset key: array too large (%d)", extra)
	}

	if maj != cbg.MajArray {
		return fmt.Errorf("expected cbor array")
	}

	cids := make([]cid.Cid, extra)
	for i := 0; i < int(extra); i++ {
		c, err := cbg.ReadCid(br)
		if err != nil {
			return xerrors.Errorf("reading cid field of tipset key failed: %w", err)
		}
		cids[i] = c
	}
	tsk.value = string(encodeKey(cids))
	return nil
}

func (tsk TipSetKey) MarshalCBOR(w io.Writer) error {
	cids := tsk.Cids()
	if len(cids) > cbg.MaxLength {
		return xerrors.Errorf("tipset key was too long")
	}
	scratch := make([]byte, 9)

	if err := cbg.WriteMajorTypeHeaderBuf(scratch, w, cbg.MajArray, uint64(len(cids))); err != nil {
		return err
	}
	for _, v := range cids {
		if err := cbg.WriteCidBuf(scratch, w, v); err != nil {
			return xerrors.Errorf("failed writing cid field of tipset key: %w", err)
		}
	}
	return nil
}

// ContainsAll checks if another set is a subset of this one.
// We can assume that the relative order of members of one key is
// maintained in the other since we assume that all ids are sorted
// by corresponding block ticket value.
func (tsk TipSetKey) ContainsAll(other TipSetKey) bool {
	cids := tsk.Cids()
	otherCids := other.Cids()
	otherIdx := 0
	for i := 0; i < len(cids) && otherIdx < len(otherCids); i++ {
		if cids[i].Equals(otherCids[otherIdx]) {
			otherIdx++
		}
	}
	return otherIdx == len(otherCids)
}

// Has checks whether the set contains `id`.
func (tsk TipSetKey) Has(id cid.Cid) bool {
	for _, c := range tsk.Cids() {
		if c == id {
			return true
		}
	}
	return false
}

func encodeKey(cids []cid.Cid) []byte {
	buffer := new(bytes.Buffer)
	for _, c := range cids {
		// bytes.Buffer.Write() err is documented to be always nil.
		_, _ = buffer.Write(c.Bytes())
	}
	return buffer.Bytes()
}

func decodeKey(encoded []byte) ([]cid.Cid, error) {
	cids := make([]cid.Cid, 0, len(encoded)/CbCidLen)
	nextIdx := 0
	for nextIdx < len(encoded) {
		nr, c, err := cid.CidFromBytes(encoded[nextIdx:])
		if err != nil {
			return nil, err
		}
		cids = append(cids, c)
		nextIdx += nr
	}
	return cids, nil
}
