package secp

import (
	"fmt"
	"io"

	"github.com/filecoin-project/go-address"
	gocrypto "github.com/filecoin-project/go-crypto"
	crypto2 "github.com/filecoin-project/go-state-types/crypto"

	"github.com/filecoin-project/venus-core/pkg/crypto"
)

type secpSigner struct{}

func (secpSigner) GenPrivate() ([]byte, error) {
	priv, err := gocrypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return priv, nil
}

func (secpSigner) GenPrivateFromSeed(seed io.Reader) ([]byte, error) {
	return gocrypto.GenerateKeyFromSeed(seed)
}

func (secpSigner) ToPublic(pk []byte) ([]byte, error) {
	return gocrypto.PublicKey(pk), nil
}

func (secpSigner) Sign(pk []byte, msg []byte) ([]byte, error) {
	b2sum := crypto.SecpDigest(msg)
	return gocrypto.Sign(pk, b2sum[:])
}

func (secpSigner) Verify(sig []byte, a address.Address, msg []byte) error {
	b2sum := crypto.SecpDigest(msg)
	pubk, err := gocrypto.EcRecover(b2sum[:], sig)
	if err != nil {
		return err
	}

	maybeaddr, err := address.NewSecp256k1Address(pubk)
	if err != nil {
		return err
	}

	if a != maybeaddr {
		return fmt.Errorf("signature did not match")
	}

	return nil
}

func init() {
	crypto.RegisterSignature(crypto2.SigTypeSecp256k1, secpSigner{})
}
