package cardmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func keyObj(id byte, bits int) *Object {
	return &Object{ID: []byte{id}, ModulusBits: bits}
}

func persistedMap(t *testing.T, containers ...Container) []byte {
	t.Helper()
	encoded, err := EncodeContainerMap(containers)
	require.NoError(t, err)
	image, err := padContainerMap(encoded)
	require.NoError(t, err)
	return image
}

func TestContainerStore_Swap(t *testing.T) {
	s := NewContainerStore()
	s.bind(0, keyObj(1, 1024), "{one}")
	s.Swap(0, 4)

	c0, _ := s.Slot(0)
	c4, _ := s.Slot(4)
	assert.Equal(t, 0, c0.Index)
	assert.Nil(t, c0.PrivateKey)
	assert.Equal(t, 4, c4.Index)
	assert.Equal(t, "{one}", c4.GUID)

	s.Swap(4, 4)
	s.Swap(4, MaxContainers)
	c4, _ = s.Slot(4)
	assert.Equal(t, "{one}", c4.GUID)

	_, err := s.Slot(-1)
	assert.ErrorIs(t, err, ErrInvalidParameter)
}

func TestContainerStore_BindClearsPreviousOccupant(t *testing.T) {
	s := NewContainerStore()
	s.bind(2, keyObj(1, 1024), "{old}")
	c, _ := s.Slot(2)
	c.SizeKeyExchange = 1024
	c.SizeSign = 1024
	c.PublicKey = keyObj(9, 1024)
	c.Certificate = keyObj(1, 0)

	s.bind(2, keyObj(2, 2048), "{new}")
	c, _ = s.Slot(2)
	assert.Equal(t, []byte{2}, c.ID)
	assert.Equal(t, "{new}", c.GUID)
	assert.Zero(t, c.SizeKeyExchange)
	assert.Zero(t, c.SizeSign)
	assert.Nil(t, c.PublicKey)
	assert.Nil(t, c.Certificate)
	assert.True(t, c.Default())
}

func TestReconcile_KeysOnly(t *testing.T) {
	s := NewContainerStore()
	err := s.Reconcile([]KeyBinding{
		{Key: keyObj(1, 1024), GUID: "{one}"},
		{Key: keyObj(2, 2048), GUID: "{two}"},
	}, nil)
	require.NoError(t, err)

	cs := s.Containers()
	assert.True(t, cs[0].Valid())
	assert.True(t, cs[0].Default())
	assert.Equal(t, 1024, cs[0].SizeSign)
	assert.Equal(t, 1024, cs[0].SizeKeyExchange)
	assert.False(t, cs[1].Default())
	assert.Equal(t, 2048, cs[1].SizeSign)
	assert.Equal(t, MaxContainers-2, s.FreeSlots())
	assert.False(t, s.Dirty())
}

func TestReconcile_Permutation(t *testing.T) {
	keys := []KeyBinding{
		{Key: keyObj(1, 1024), GUID: "{one}"},
		{Key: keyObj(2, 1024), GUID: "{two}"},
		{Key: keyObj(3, 1024), GUID: "{three}"},
	}
	image := persistedMap(t,
		Container{Index: 9, ID: []byte{1}, GUID: "{g1}", Flags: ContainerValid},
		Container{Index: 0, ID: []byte{3}, GUID: "{g3}", Flags: ContainerValid | ContainerDefault, SizeSign: 1024},
		Container{Index: 4, ID: []byte{2}, GUID: "{g2}", Flags: ContainerValid, SizeKeyExchange: 1024},
	)

	s := NewContainerStore()
	require.NoError(t, s.Reconcile(keys, image))
	cs := s.Containers()

	assert.Equal(t, []byte{3}, cs[0].ID)
	assert.Equal(t, "{g3}", cs[0].GUID)
	assert.True(t, cs[0].Default())
	assert.Equal(t, []byte{2}, cs[4].ID)
	assert.Equal(t, 1024, cs[4].SizeKeyExchange)
	assert.Zero(t, cs[4].SizeSign)
	assert.Equal(t, []byte{1}, cs[9].ID)
	for i, c := range cs {
		assert.Equal(t, i, c.Index)
	}
}

func TestReconcile_OrphanRecords(t *testing.T) {
	keys := []KeyBinding{{Key: keyObj(1, 1024), GUID: "{one}"}}
	image := persistedMap(t,
		// no key with this id; the record replaces whatever slot 0 held
		Container{Index: 0, ID: []byte{7}, GUID: "{lost}", Flags: ContainerValid, SizeKeyExchange: 1024},
		Container{Index: 6, GUID: "{unbound}", Flags: ContainerValid, SizeSign: 2048},
		Container{Index: 8, GUID: "{noflags}"},
	)

	s := NewContainerStore()
	require.NoError(t, s.Reconcile(keys, image))
	cs := s.Containers()

	assert.Equal(t, "{lost}", cs[0].GUID)
	assert.Nil(t, cs[0].PrivateKey)
	assert.Empty(t, cs[0].ID)
	assert.Equal(t, 1024, cs[0].SizeKeyExchange)
	assert.Zero(t, cs[0].SizeSign)
	assert.Equal(t, MaxContainers, s.FreeSlots())
	assert.Equal(t, "{unbound}", cs[6].GUID)
	assert.Nil(t, cs[6].PrivateKey)
	assert.True(t, cs[6].Valid())
	assert.False(t, cs[8].Valid())
	assert.Empty(t, cs[8].GUID)
}

func TestReconcile_SingleDefault(t *testing.T) {
	keys := []KeyBinding{
		{Key: keyObj(1, 1024), GUID: "{one}"},
		{Key: keyObj(2, 1024), GUID: "{two}"},
	}
	image := persistedMap(t,
		Container{Index: 0, ID: []byte{1}, GUID: "{one}", Flags: ContainerValid | ContainerDefault},
		Container{Index: 1, ID: []byte{2}, GUID: "{two}", Flags: ContainerValid | ContainerDefault},
	)

	s := NewContainerStore()
	require.NoError(t, s.Reconcile(keys, image))
	n := 0
	for _, c := range s.Containers() {
		if c.Default() {
			n++
		}
	}
	assert.Equal(t, 1, n)
	cs := s.Containers()
	assert.True(t, cs[0].Default())
}

func TestReconcile_TruncatesKeysAndGUID(t *testing.T) {
	var keys []KeyBinding
	for i := range MaxContainers + 1 {
		keys = append(keys, KeyBinding{Key: keyObj(byte(i+1), 1024), GUID: "{0123456789abcdef0123456789abcdef01234567}"})
	}
	s := NewContainerStore()
	require.NoError(t, s.Reconcile(keys, nil))
	assert.Zero(t, s.FreeSlots())
	cs := s.Containers()
	assert.Len(t, cs[0].GUID, maxGUIDLen)
}

func TestReconcile_MalformedMapKeepsKeys(t *testing.T) {
	keys := []KeyBinding{{Key: keyObj(1, 1024), GUID: "{one}"}}
	s := NewContainerStore()
	err := s.Reconcile(keys, []byte{0x30, 0x7f, 0x01})
	assert.ErrorIs(t, err, ErrEncoding)
	cs := s.Containers()
	assert.Equal(t, "{one}", cs[0].GUID)
	assert.True(t, cs[0].Default())
}

func TestApplyMapFile(t *testing.T) {
	s := NewContainerStore()
	require.NoError(t, s.Reconcile([]KeyBinding{{Key: keyObj(1, 1024), GUID: "{one}"}}, nil))
	s.slots[5] = Container{Index: 5, GUID: "{stale}", Flags: ContainerValid}

	containers := s.Containers()
	containers[0].GUID = "{renamed}"
	containers[5] = Container{Index: 5}
	data, err := encodeMapFile(containers)
	require.NoError(t, err)

	require.NoError(t, s.ApplyMapFile(data))
	assert.True(t, s.Dirty())
	cs := s.Containers()
	assert.Equal(t, "{renamed}", cs[0].GUID)
	assert.NotNil(t, cs[0].PrivateKey)
	assert.False(t, cs[5].Valid())

	assert.ErrorIs(t, s.ApplyMapFile(make([]byte, 10)), ErrInvalidParameter)
}

func TestApplyMapFile_UnboundSlotsStayClean(t *testing.T) {
	s := NewContainerStore()
	containers := s.Containers()
	containers[2] = Container{Index: 2, GUID: "{host}", Flags: ContainerValid}
	data, err := encodeMapFile(containers)
	require.NoError(t, err)

	require.NoError(t, s.ApplyMapFile(data))
	assert.False(t, s.Dirty())
	cs := s.Containers()
	assert.Equal(t, "{host}", cs[2].GUID)
}

func TestCertFileNames(t *testing.T) {
	c := &Container{Index: 3, Flags: ContainerValid, SizeSign: 1024, SizeKeyExchange: 1024, Certificate: &Object{}}
	assert.Equal(t, []string{"kxc03", "ksc03"}, certFileNames(c))

	c.SizeKeyExchange = 0
	assert.Equal(t, []string{"ksc03"}, certFileNames(c))

	c.Certificate = nil
	assert.Empty(t, certFileNames(c))

	idx, ok := certFileIndex("kxc11")
	assert.True(t, ok)
	assert.Equal(t, 11, idx)
	_, ok = certFileIndex("ksc12")
	assert.False(t, ok)
	_, ok = certFileIndex("cmapfile")
	assert.False(t, ok)
}
