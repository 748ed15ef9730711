package cardmd

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContainerMap_EncodeDecode(t *testing.T) {
	containers := []Container{
		{Index: 0, ID: []byte{0x01, 0x02}, GUID: "{first}", Flags: ContainerValid | ContainerDefault, SizeSign: 2048},
		{Index: 1},
		{Index: 7, GUID: "{orphan}", Flags: ContainerValid, SizeKeyExchange: 1024},
	}
	encoded, err := EncodeContainerMap(containers)
	require.NoError(t, err)
	image, err := padContainerMap(encoded)
	require.NoError(t, err)
	assert.Len(t, image, persistedMapSize)

	records, err := DecodeContainerMap(image)
	require.NoError(t, err)
	assert.Equal(t, []MapRecord{
		{Index: 0, ID: []byte{0x01, 0x02}, GUID: "{first}", Flags: ContainerValid | ContainerDefault, SizeSign: 2048},
		{Index: 7, GUID: "{orphan}", Flags: ContainerValid, SizeKeyExchange: 1024},
	}, records)
}

func TestDecodeMapRecord_EOF(t *testing.T) {
	_, _, err := DecodeMapRecord(nil)
	assert.Equal(t, io.EOF, err)
	_, _, err = DecodeMapRecord(make([]byte, 16))
	assert.Equal(t, io.EOF, err)
}

func TestDecodeContainerMap_Malformed(t *testing.T) {
	encoded, err := EncodeContainerMap([]Container{{Index: 2, ID: []byte{9}, GUID: "{g}", Flags: ContainerValid}})
	require.NoError(t, err)
	buf := append(encoded, 0x30, 0x05, 0x02)

	records, err := DecodeContainerMap(buf)
	assert.ErrorIs(t, err, ErrEncoding)
	require.Len(t, records, 1)
	assert.Equal(t, 2, records[0].Index)
}

func TestDecodeContainerMap_KeepsAtMostTwelve(t *testing.T) {
	var containers []Container
	for i := range MaxContainers + 1 {
		containers = append(containers, Container{Index: i % MaxContainers, ID: []byte{byte(i)}})
	}
	encoded, err := EncodeContainerMap(containers)
	require.NoError(t, err)

	records, err := DecodeContainerMap(encoded)
	require.NoError(t, err)
	assert.Len(t, records, MaxContainers)
}

func TestPadContainerMap_TooLarge(t *testing.T) {
	_, err := padContainerMap(make([]byte, persistedMapSize+1))
	assert.ErrorIs(t, err, ErrEncoding)
}

func TestMapFile_Records(t *testing.T) {
	containers := make([]Container, MaxContainers)
	for i := range containers {
		containers[i].Index = i
	}
	containers[3] = Container{Index: 3, GUID: "{0A1B}", Flags: ContainerValid, SizeSign: 1024, SizeKeyExchange: 2048}

	data, err := encodeMapFile(containers)
	require.NoError(t, err)
	require.Len(t, data, MaxContainers*mapRecordSize)
	assert.Equal(t, make([]byte, mapRecordSize), data[:mapRecordSize])

	rec := data[3*mapRecordSize : 4*mapRecordSize]
	assert.Equal(t, []byte{'{', 0, '0', 0}, rec[:4])
	r, err := decodeMapFileRecord(rec)
	require.NoError(t, err)
	assert.Equal(t, MapRecord{GUID: "{0A1B}", Flags: ContainerValid, SizeSign: 1024, SizeKeyExchange: 2048}, r)
}

func TestSetDefaultContainer(t *testing.T) {
	containers := make([]Container, MaxContainers)
	for i := range containers {
		containers[i].Index = i
	}
	containers[0] = Container{Index: 0, GUID: "{a}", Flags: ContainerValid | ContainerDefault}
	containers[2] = Container{Index: 2, GUID: "{b}", Flags: ContainerValid}
	data, err := encodeMapFile(containers)
	require.NoError(t, err)

	out := SetDefaultContainer(data, 2)
	flags := func(b []byte, i int) ContainerFlags {
		r, err := decodeMapFileRecord(b[i*mapRecordSize : (i+1)*mapRecordSize])
		require.NoError(t, err)
		return r.Flags
	}
	assert.Equal(t, ContainerValid, flags(out, 0))
	assert.Equal(t, ContainerValid|ContainerDefault, flags(out, 2))
	assert.Equal(t, ContainerValid|ContainerDefault, flags(data, 0), "input untouched")
}
