package cardmd

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrivateKeyBlob_RoundTrip(t *testing.T) {
	key := testKey()
	blob := PrivateKeyBlob(key, Signature)

	bits, err := importKeyBits(Signature, blob)
	require.NoError(t, err)
	assert.Equal(t, 1024, bits)

	got, err := parsePrivateKeyBlob(blob)
	require.NoError(t, err)
	assert.Equal(t, 0, key.N.Cmp(got.N))
	assert.Equal(t, 0, key.D.Cmp(got.D))
	assert.Equal(t, key.E, got.E)
}

func TestImportKeyBits_Rejects(t *testing.T) {
	blob := PrivateKeyBlob(testKey(), KeyExchange)

	_, err := importKeyBits(Signature, blob)
	assert.ErrorIs(t, err, ErrInvalidParameter)

	pub := PublicKeyBlob(&testKey().PublicKey, KeyExchange)
	_, err = importKeyBits(KeyExchange, pub)
	assert.ErrorIs(t, err, ErrInvalidParameter)

	_, err = importKeyBits(KeyExchange, blob[:8])
	assert.ErrorIs(t, err, ErrInvalidParameter)

	_, err = parsePrivateKeyBlob(blob[:200])
	assert.ErrorIs(t, err, ErrInvalidParameter)
}

func TestPublicKeyBlob_Layout(t *testing.T) {
	key := testKey()
	blob := PublicKeyBlob(&key.PublicKey, Signature)

	require.Len(t, blob, blobHeaderSize+128)
	assert.Equal(t, byte(publicKeyBlob), blob[0])
	assert.Equal(t, byte(blobVersion), blob[1])
	assert.Equal(t, uint32(calgRSASign), binary.LittleEndian.Uint32(blob[4:]))
	assert.Equal(t, uint32(rsa1Magic), binary.LittleEndian.Uint32(blob[8:]))
	assert.Equal(t, uint32(1024), binary.LittleEndian.Uint32(blob[12:]))
	assert.Equal(t, uint32(key.E), binary.LittleEndian.Uint32(blob[16:]))
	assert.Equal(t, 0, key.N.Cmp(leInt(blob[blobHeaderSize:])))
}
