package cardmd

import (
	"hash/crc32"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheState_Bytes(t *testing.T) {
	s := CacheState{Version: 1, PinsFreshness: 0x02, ContainersFreshness: 0x0102, FilesFreshness: 0xa0b0}
	b := s.Bytes()
	assert.Equal(t, []byte{1, 0x02, 0x02, 0x01, 0xb0, 0xa0}, b)

	got, err := DecodeCacheState(b)
	require.NoError(t, err)
	assert.Equal(t, s, got)

	_, err = DecodeCacheState(b[:5])
	assert.ErrorIs(t, err, ErrInvalidParameter)
}

func TestCacheState_Image(t *testing.T) {
	s := CacheState{Version: 1, PinsFreshness: 0x06, ContainersFreshness: 3, FilesFreshness: 4}

	assert.Equal(t, []byte{1, 0, 3, 0, 4, 0}, s.Image(""))

	img := s.Image("20240102030405Z")
	require.Len(t, img, cacheRecordSize+cacheStampSize)
	assert.Zero(t, img[1])
	assert.Equal(t, "20240102030405Z", string(img[cacheRecordSize:cacheRecordSize+15]))
	assert.Equal(t, []byte{0}, img[cacheRecordSize+15:])
	assert.Equal(t, byte(0x06), s.PinsFreshness, "receiver untouched")
}

func TestCacheTracker_Init(t *testing.T) {
	var tr CacheTracker
	rnd := func() uint32 { return 30001 }

	seed := tr.Init([]byte{1, 0xff, 7, 0, 8, 0, 0xee}, "ignored", rnd)
	assert.Equal(t, seedPersisted, seed)
	assert.Equal(t, CacheState{Version: 1, ContainersFreshness: 7, FilesFreshness: 8}, tr.State())

	seed = tr.Init([]byte{1, 2}, "20240102030405Z", rnd)
	assert.Equal(t, seedLastUpdate, seed)
	sum := uint16(crc32.ChecksumIEEE([]byte("20240102030405Z")))
	assert.Equal(t, CacheState{Version: 1, ContainersFreshness: sum, FilesFreshness: sum}, tr.State())

	seed = tr.Init(nil, "", rnd)
	assert.Equal(t, seedRandom, seed)
	assert.Equal(t, CacheState{Version: 1, ContainersFreshness: 1, FilesFreshness: 1}, tr.State())
}

func TestCacheTracker_Pins(t *testing.T) {
	var tr CacheTracker
	tr.Init(nil, "x", nil)

	tr.SetPin(RoleUser)
	assert.True(t, tr.PinSet(RoleUser))
	assert.False(t, tr.PinSet(RoleAdmin))
	assert.Equal(t, uint8(0x02), tr.State().PinsFreshness)

	tr.SetPin(RoleAdmin)
	tr.ClearPin(RoleUser)
	assert.Equal(t, uint8(0x04), tr.State().PinsFreshness)

	require.NoError(t, tr.Load([]byte{1, 0x02, 9, 0, 9, 0}))
	assert.True(t, tr.PinSet(RoleUser))
	assert.Error(t, tr.Load([]byte{1}))
}
