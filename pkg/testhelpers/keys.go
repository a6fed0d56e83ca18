package testhelpers

import (
	"bytes"
	"fmt"
	"io"
	"testing"

	"github.com/filecoin-project/go-address"
	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/venus-core/pkg/crypto"
	_ "github.com/filecoin-project/venus-core/pkg/crypto/bls"  // enable bls signatures
	_ "github.com/filecoin-project/venus-core/pkg/crypto/secp" // enable secp signatures
)

// RequireIDAddress returns the ID address of actor i.
func RequireIDAddress(t *testing.T, i int) address.Address {
	a, err := address.NewIDAddress(uint64(i))
	require.NoError(t, err)
	return a
}

// NewForTestGetter returns a generator of distinct secp addresses. Every
// generator yields the same sequence.
func NewForTestGetter() func() address.Address {
	var n int
	return func() address.Address {
		a, err := address.NewSecp256k1Address([]byte(fmt.Sprintf("test-addr-%d", n)))
		if err != nil {
			panic(err)
		}
		n++
		return a
	}
}

// MustGenerateKeyInfo returns n secp keys derived from seed. Not for real keys.
func MustGenerateKeyInfo(n int, seed byte) []crypto.KeyInfo {
	return seededKeys(n, seed, crypto.NewSecpKeyFromSeed)
}

// MustGenerateBLSKeyInfo returns n bls keys derived from seed.
func MustGenerateBLSKeyInfo(n int, seed byte) []crypto.KeyInfo {
	return seededKeys(n, seed, crypto.NewBLSKeyFromSeed)
}

func seededKeys(n int, seed byte, gen func(io.Reader) (crypto.KeyInfo, error)) []crypto.KeyInfo {
	entropy := bytes.Repeat([]byte{seed}, 512)
	keys := make([]crypto.KeyInfo, 0, n)
	for i := 0; i < n; i++ {
		entropy[0] = byte(i)
		ki, err := gen(bytes.NewReader(entropy))
		if err != nil {
			panic(err)
		}
		keys = append(keys, ki)
	}
	return keys
}
