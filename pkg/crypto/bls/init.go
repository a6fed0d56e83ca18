package bls

import (
	"crypto/rand"
	"fmt"
	"io"

	"github.com/filecoin-project/go-address"
	crypto2 "github.com/filecoin-project/go-state-types/crypto"
	blst "github.com/supranational/blst/bindings/go"

	"github.com/filecoin-project/venus-core/pkg/crypto"
)

const DST = string("BLS_SIG_BLS12381G2_XMD:SHA-256_SSWU_RO_NUL_")

const (
	PrivateKeyBytes = 32
	PublicKeyBytes  = 48
	SignatureBytes  = 96
)

type SecretKey = blst.SecretKey
type PublicKey = blst.P1Affine
type Signature = blst.P2Affine
type AggregateSignature = blst.P2Aggregate

type blsSigner struct{}

func (blsSigner) GenPrivate() ([]byte, error) {
	var ikm [32]byte
	if _, err := rand.Read(ikm[:]); err != nil {
		return nil, fmt.Errorf("bls signature error generating random data")
	}
	// private keys are serialized little-endian
	return blst.KeyGen(ikm[:]).ToLEndian(), nil
}

func (blsSigner) GenPrivateFromSeed(seed io.Reader) ([]byte, error) {
	var ikm [32]byte
	read, err := seed.Read(ikm[:])
	if err != nil {
		return nil, err
	}
	if read != len(ikm) {
		return nil, fmt.Errorf("read only %d bytes of %d required from seed", read, len(ikm))
	}
	return blst.KeyGen(ikm[:]).ToLEndian(), nil
}

func secretKey(priv []byte) (*SecretKey, error) {
	if len(priv) != PrivateKeyBytes {
		return nil, fmt.Errorf("bls signature invalid private key")
	}
	sk := new(SecretKey).FromLEndian(priv)
	if sk == nil {
		return nil, fmt.Errorf("bls signature invalid private key")
	}
	return sk, nil
}

func (blsSigner) ToPublic(priv []byte) ([]byte, error) {
	sk, err := secretKey(priv)
	if err != nil {
		return nil, err
	}
	return new(PublicKey).From(sk).Compress(), nil
}

func (blsSigner) Sign(p []byte, msg []byte) ([]byte, error) {
	sk, err := secretKey(p)
	if err != nil {
		return nil, err
	}
	return new(Signature).Sign(sk, msg, []byte(DST)).Compress(), nil
}

func (blsSigner) Verify(sig []byte, a address.Address, msg []byte) error {
	payload := a.Payload()
	if len(sig) != SignatureBytes || len(payload) != PublicKeyBytes {
		return fmt.Errorf("bls signature failed to verify")
	}

	pk := new(PublicKey).Uncompress(payload)
	s := new(Signature).Uncompress(sig)
	if pk == nil || s == nil {
		return fmt.Errorf("bls signature failed to verify")
	}

	if !s.Verify(true, pk, true, msg, []byte(DST)) {
		return fmt.Errorf("bls signature failed to verify")
	}
	return nil
}

func (blsSigner) VerifyAggregate(pubKeys, msgs [][]byte, signature []byte) bool {
	if len(pubKeys) != len(msgs) || len(signature) != SignatureBytes {
		return false
	}
	if len(msgs) == 0 {
		return false
	}

	s := new(Signature).Uncompress(signature)
	if s == nil {
		return false
	}

	pks := make([]*PublicKey, len(pubKeys))
	bmsgs := make([]blst.Message, len(msgs))
	for i := range pubKeys {
		pks[i] = new(PublicKey).Uncompress(pubKeys[i])
		if pks[i] == nil {
			return false
		}
		bmsgs[i] = msgs[i]
	}

	return s.AggregateVerify(true, pks, true, bmsgs, []byte(DST))
}

// Aggregate combines compressed signatures into one compressed signature.
func Aggregate(sigs [][]byte) ([]byte, error) {
	if len(sigs) == 0 {
		return nil, fmt.Errorf("nothing to aggregate")
	}
	points := make([]*Signature, len(sigs))
	for i, s := range sigs {
		points[i] = new(Signature).Uncompress(s)
		if points[i] == nil {
			return nil, fmt.Errorf("signature %d is not a valid point", i)
		}
	}

	agg := new(AggregateSignature)
	if !agg.Aggregate(points, false) {
		return nil, fmt.Errorf("bls aggregation failed")
	}
	return agg.ToAffine().Compress(), nil
}

func init() {
	crypto.RegisterSignature(crypto2.SigTypeBLS, blsSigner{})
}
