package crypto_test

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/filecoin-project/go-address"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/venus-core/pkg/crypto"
	"github.com/filecoin-project/venus-core/pkg/crypto/bls"
	_ "github.com/filecoin-project/venus-core/pkg/crypto/secp"
	tf "github.com/filecoin-project/venus-core/pkg/testhelpers/testflags"
)

func TestGenerateSecpKey(t *testing.T) {
	tf.UnitTest(t)

	token := bytes.Repeat([]byte{42}, 512)
	ki, err := crypto.NewSecpKeyFromSeed(bytes.NewReader(token))
	assert.NoError(t, err)
	sk := ki.Key()
	assert.Equal(t, len(sk), 32)

	msg := make([]byte, 32)
	for i := 0; i < len(msg); i++ {
		msg[i] = byte(i)
	}

	signature, err := crypto.Sign(msg, sk, crypto.SigTypeSecp256k1)
	assert.NoError(t, err)
	assert.Equal(t, len(signature.Data), 65)
	pk, err := crypto.ToPublic(crypto.SigTypeSecp256k1, sk)
	assert.NoError(t, err)
	addr, err := address.NewSecp256k1Address(pk)
	assert.NoError(t, err)

	// valid signature
	assert.NoError(t, crypto.Verify(signature, addr, msg))

	// invalid signature - different message (too short)
	assert.Error(t, crypto.Verify(signature, addr, msg[3:]))

	// invalid signature - different message
	msg2 := make([]byte, 32)
	copy(msg2, msg)
	msg2[0] = 42
	assert.Error(t, crypto.Verify(signature, addr, msg2))

	// invalid signature - digest too short
	assert.Error(t, crypto.Verify(&crypto.Signature{Type: crypto.SigTypeSecp256k1, Data: signature.Data[3:]}, addr, msg))

	// wrong signature type for the address
	assert.Error(t, crypto.Verify(&crypto.Signature{Type: crypto.SigTypeBLS, Data: signature.Data}, addr, msg))
}

func TestBLSSigning(t *testing.T) {
	tf.UnitTest(t)

	token := bytes.Repeat([]byte{42}, 512)
	ki, err := crypto.NewBLSKeyFromSeed(bytes.NewReader(token))
	require.NoError(t, err)

	data := []byte("data to be signed")
	signature, err := ki.Sign(data)
	require.NoError(t, err)
	assert.Len(t, signature.Data, bls.SignatureBytes)

	addr, err := ki.Address()
	require.NoError(t, err)
	assert.Equal(t, address.BLS, addr.Protocol())

	require.NoError(t, crypto.Verify(signature, addr, data))

	// invalid signature fails
	require.Error(t, crypto.Verify(&crypto.Signature{Type: crypto.SigTypeBLS, Data: signature.Data[3:]}, addr, data))

	// invalid digest fails
	require.Error(t, crypto.Verify(signature, addr, data[3:]))
}

func TestKeyInfoEquals(t *testing.T) {
	tf.UnitTest(t)

	seed := bytes.Repeat([]byte{7}, 64)
	a, err := crypto.NewBLSKeyFromSeed(bytes.NewReader(seed))
	require.NoError(t, err)
	b, err := crypto.NewBLSKeyFromSeed(bytes.NewReader(seed))
	require.NoError(t, err)
	c, err := crypto.NewSecpKeyFromSeed(bytes.NewReader(seed))
	require.NoError(t, err)

	assert.True(t, a.Equals(&b))
	assert.False(t, a.Equals(&c))
	assert.False(t, a.Equals(nil))
}

func TestVerifyAggregate(t *testing.T) {
	tf.UnitTest(t)

	var (
		size     = 10
		messages = make([][]byte, size)
		sigs     = make([][]byte, size)
		pubKeys  = make([][]byte, size)
	)

	for idx := 0; idx < size; idx++ {
		ki, err := crypto.NewBLSKeyFromSeed(rand.Reader)
		require.NoError(t, err)

		msg := make([]byte, 32)
		_, err = rand.Read(msg)
		require.NoError(t, err)

		sig, err := ki.Sign(msg)
		require.NoError(t, err)

		messages[idx] = msg
		sigs[idx] = sig.Data
		pubKeys[idx], err = ki.PublicKey()
		require.NoError(t, err)
	}

	agg, err := bls.Aggregate(sigs)
	require.NoError(t, err)

	assert.NoError(t, crypto.VerifyAggregate(pubKeys, messages, agg))

	messages[0] = []byte("tampered")
	assert.Error(t, crypto.VerifyAggregate(pubKeys, messages, agg))
}
