package crypto

import (
	"fmt"
	"io"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/crypto"
	"github.com/minio/blake2b-simd"
)

type Signature = crypto.Signature
type SigType = crypto.SigType

const (
	SigTypeSecp256k1 = crypto.SigTypeSecp256k1
	SigTypeBLS       = crypto.SigTypeBLS
)

// SigShim is the per-curve implementation behind Sign and Verify.
type SigShim interface {
	GenPrivate() ([]byte, error)
	GenPrivateFromSeed(seed io.Reader) ([]byte, error)
	ToPublic(pk []byte) ([]byte, error)
	Sign(pk []byte, msg []byte) ([]byte, error)
	Verify(sig []byte, a address.Address, msg []byte) error
}

// AggregateVerifier is implemented by curves that can verify aggregates.
type AggregateVerifier interface {
	VerifyAggregate(pubKeys, msgs [][]byte, signature []byte) bool
}

var sigs map[SigType]SigShim

// RegisterSignature should be only used during init
func RegisterSignature(typ SigType, vs SigShim) {
	if sigs == nil {
		sigs = make(map[SigType]SigShim)
	}
	sigs[typ] = vs
}

func shim(typ SigType) (SigShim, error) {
	s, ok := sigs[typ]
	if !ok {
		return nil, fmt.Errorf("cannot use signature type %d, no implementation registered", typ)
	}
	return s, nil
}

// Sign takes in signature type, private key and message. Returns a signature for that message.
func Sign(msg []byte, privkey []byte, sigType SigType) (*Signature, error) {
	sv, err := shim(sigType)
	if err != nil {
		return nil, err
	}

	sb, err := sv.Sign(privkey, msg)
	if err != nil {
		return nil, err
	}

	return &Signature{
		Type: sigType,
		Data: sb,
	}, nil
}

// Verify verifies signatures against the public key belonging to addr.
func Verify(sig *Signature, addr address.Address, msg []byte) error {
	if sig == nil {
		return fmt.Errorf("signature is nil")
	}

	switch addr.Protocol() {
	case address.SECP256K1:
		if sig.Type != SigTypeSecp256k1 {
			return fmt.Errorf("incorrect signature type (%v) for address expected SECP256K1 signature", sig.Type)
		}
	case address.BLS:
		if sig.Type != SigTypeBLS {
			return fmt.Errorf("incorrect signature type (%v) for address expected BLS signature", sig.Type)
		}
	default:
		return fmt.Errorf("incorrect address protocol (%v) for signature validation", addr.Protocol())
	}

	sv, err := shim(sig.Type)
	if err != nil {
		return err
	}
	return sv.Verify(sig.Data, addr, msg)
}

// VerifyAggregate checks a BLS aggregate over distinct messages.
func VerifyAggregate(pubKeys, msgs [][]byte, signature []byte) error {
	sv, err := shim(SigTypeBLS)
	if err != nil {
		return err
	}
	av, ok := sv.(AggregateVerifier)
	if !ok {
		return fmt.Errorf("bls implementation cannot verify aggregates")
	}
	if !av.VerifyAggregate(pubKeys, msgs, signature) {
		return fmt.Errorf("bls aggregate signature failed to verify")
	}
	return nil
}

// ToPublic returns the public key for the given private key.
func ToPublic(sigType SigType, pk []byte) ([]byte, error) {
	sv, err := shim(sigType)
	if err != nil {
		return nil, err
	}
	return sv.ToPublic(pk)
}

// Generate generates private key of given type
func Generate(sigType SigType) ([]byte, error) {
	sv, err := shim(sigType)
	if err != nil {
		return nil, err
	}
	return sv.GenPrivate()
}

// NewSecpKeyFromSeed generates a new key from the given reader.
func NewSecpKeyFromSeed(seed io.Reader) (KeyInfo, error) {
	return newKeyFromSeed(SigTypeSecp256k1, seed)
}

func NewBLSKeyFromSeed(seed io.Reader) (KeyInfo, error) {
	return newKeyFromSeed(SigTypeBLS, seed)
}

func newKeyFromSeed(sigType SigType, seed io.Reader) (KeyInfo, error) {
	sv, err := shim(sigType)
	if err != nil {
		return KeyInfo{}, err
	}
	k, err := sv.GenPrivateFromSeed(seed)
	if err != nil {
		return KeyInfo{}, err
	}
	ki := &KeyInfo{
		SigType: sigType,
	}
	ki.SetPrivateKey(k)
	return *ki, nil
}

// SecpDigest is the message digest secp signatures are taken over.
func SecpDigest(msg []byte) [32]byte {
	return blake2b.Sum256(msg)
}
