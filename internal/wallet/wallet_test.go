package wallet

import (
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromHexDerivesKnownAddress(t *testing.T) {
	// Standard test vector: key 0x...01 owns this address.
	w, err := FromHex("0x0000000000000000000000000000000000000000000000000000000000000001")
	require.NoError(t, err)
	assert.Equal(t, "0x7E5F4552091A69125d5DfCb7b8C2659029395Bdf", w.Address())

	// Same key without the prefix loads the same wallet.
	bare, err := FromHex("0000000000000000000000000000000000000000000000000000000000000001")
	require.NoError(t, err)
	assert.Equal(t, w.Address(), bare.Address())
}

func TestFromHexRejectsGarbage(t *testing.T) {
	for _, bad := range []string{"", "0x", "zz", "0x1234"} {
		_, err := FromHex(bad)
		assert.Error(t, err, "key %q", bad)
	}
}

func TestGenerateProducesDistinctWallets(t *testing.T) {
	a, err := Generate()
	require.NoError(t, err)
	b, err := Generate()
	require.NoError(t, err)

	assert.NotEqual(t, a.Address(), b.Address())
}

func TestSignDigestRecoversToSigner(t *testing.T) {
	w, err := Generate()
	require.NoError(t, err)

	digest := crypto.Keccak256Hash([]byte("payment authorization"))
	sig, err := w.SignDigest(digest)
	require.NoError(t, err)
	require.Len(t, sig, 65)
	assert.Contains(t, []byte{27, 28}, sig[64])

	// Recover with V normalized back to {0, 1}.
	recovery := make([]byte, 65)
	copy(recovery, sig)
	recovery[64] -= 27

	pub, err := crypto.SigToPub(digest[:], recovery)
	require.NoError(t, err)
	assert.Equal(t, w.Address(), crypto.PubkeyToAddress(*pub).Hex())
}
