package cardmd

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashFromAlgID(t *testing.T) {
	for id, want := range map[uint32]HashAlg{
		0:      HashDefault,
		0x8003: HashMD5,
		0x8004: HashSHA1,
		0x8008: HashMD5SHA1,
	} {
		got, err := HashFromAlgID(id)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := HashFromAlgID(0xa400)
	assert.ErrorIs(t, err, ErrInvalidParameter)
	_, err = HashFromAlgID(0x800c)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestHashFromName(t *testing.T) {
	h, err := HashFromName("")
	require.NoError(t, err)
	assert.Equal(t, HashMD5SHA1, h)
	h, err = HashFromName("SHA1")
	require.NoError(t, err)
	assert.Equal(t, HashSHA1, h)

	_, err = HashFromName("SHA512")
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestDigestInfo(t *testing.T) {
	md5sha1 := bytes.Repeat([]byte{0x11}, 36)
	out, err := digestInfo(HashDefault, md5sha1)
	require.NoError(t, err)
	assert.Equal(t, md5sha1, out, "MD5+SHA1 carries no prefix")

	sha1 := bytes.Repeat([]byte{0x22}, 20)
	out, err = digestInfo(HashSHA1, sha1)
	require.NoError(t, err)
	require.Len(t, out, 35)
	assert.Equal(t, []byte{0x30, 0x21}, out[:2])
	assert.Equal(t, sha1, out[15:])

	raw := []byte{1, 2, 3}
	out, err = digestInfo(HashNone, raw)
	require.NoError(t, err)
	assert.Equal(t, raw, out)

	_, err = digestInfo(HashMD5, sha1)
	assert.ErrorIs(t, err, ErrInvalidParameter)
}

func TestPKCS1Type1(t *testing.T) {
	data := []byte{0xaa, 0xbb, 0xcc}
	block, err := pkcs1Type1(data, 16)
	require.NoError(t, err)
	assert.Equal(t, []byte{
		0x00, 0x01, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
		0xff, 0xff, 0xff, 0xff, 0x00, 0xaa, 0xbb, 0xcc,
	}, block)

	_, err = pkcs1Type1(make([]byte, 6), 16)
	assert.ErrorIs(t, err, ErrInvalidParameter)
}

func TestPKCS1Type2(t *testing.T) {
	block, err := pkcs1Type2([]byte{0x01, 0x02}, 16)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x02}, block[:2])
	assert.Equal(t, bytes.Repeat([]byte{0x30}, 11), block[2:13])
	assert.Equal(t, []byte{0x00, 0x01, 0x02}, block[13:])

	_, err = pkcs1Type2(nil, 16)
	assert.ErrorIs(t, err, ErrInvalidValue)
	_, err = pkcs1Type2(make([]byte, 8), 16)
	assert.ErrorIs(t, err, ErrInvalidValue)
}
