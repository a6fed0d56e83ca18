package crypto

import (
	"bytes"

	"github.com/awnumar/memguard"
	"github.com/filecoin-project/go-address"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pkg/errors"
)

var log = logging.Logger("keyinfo")

// KeyInfo is a key and its type used for signing.
type KeyInfo struct {
	// Private key.
	PrivateKey *memguard.Enclave
	// Cryptographic system used to generate private key.
	SigType SigType
}

// Key returns the private key of KeyInfo
// This method makes the key escape from memguard's protection, so use caution
func (ki *KeyInfo) Key() []byte {
	var pk []byte
	err := ki.UsePrivateKey(func(privateKey []byte) error {
		pk = make([]byte, len(privateKey))
		copy(pk, privateKey)
		return nil
	})
	if err != nil {
		log.Errorf("got private key failed %v", err)
		return []byte{}
	}
	return pk
}

// Type returns the type of curve used to generate the private key
func (ki *KeyInfo) Type() SigType {
	return ki.SigType
}

// Equals returns true if the KeyInfo is equal to other.
func (ki *KeyInfo) Equals(other *KeyInfo) bool {
	if ki == nil && other == nil {
		return true
	}
	if ki == nil || other == nil {
		return false
	}
	if ki.SigType != other.SigType {
		return false
	}
	return bytes.Equal(ki.Key(), other.Key())
}

// Address returns the address for this keyinfo
func (ki *KeyInfo) Address() (address.Address, error) {
	pubKey, err := ki.PublicKey()
	if err != nil {
		return address.Undef, err
	}
	switch ki.SigType {
	case SigTypeBLS:
		return address.NewBLSAddress(pubKey)
	case SigTypeSecp256k1:
		return address.NewSecp256k1Address(pubKey)
	}
	return address.Undef, errors.Errorf("can not generate address for unknown crypto system: %d", ki.SigType)
}

// PublicKey returns the public key part as bytes.
func (ki *KeyInfo) PublicKey() ([]byte, error) {
	var pubKey []byte
	err := ki.UsePrivateKey(func(privateKey []byte) error {
		var err error
		pubKey, err = ToPublic(ki.SigType, privateKey)
		return err
	})
	return pubKey, err
}

// Sign signs msg with the private key.
func (ki *KeyInfo) Sign(msg []byte) (*Signature, error) {
	var sig *Signature
	err := ki.UsePrivateKey(func(privateKey []byte) error {
		var err error
		sig, err = Sign(msg, privateKey, ki.SigType)
		return err
	})
	return sig, err
}

func (ki *KeyInfo) UsePrivateKey(f func([]byte) error) error {
	buf, err := ki.PrivateKey.Open()
	if err != nil {
		return err
	}
	defer buf.Destroy()

	return f(buf.Bytes())
}

// SetPrivateKey seals the key; privateKey is wiped.
func (ki *KeyInfo) SetPrivateKey(privateKey []byte) {
	ki.PrivateKey = memguard.NewEnclave(privateKey)
}
