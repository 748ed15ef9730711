package cardmd

import (
	"bytes"
	"fmt"
)

// MaxContainers is the number of container slots a card exposes.
const MaxContainers = 12

// maxGUIDLen is the longest container GUID, in characters.
const maxGUIDLen = 39

// ContainerFlags is the container map flag byte.
type ContainerFlags uint8

const (
	ContainerValid   ContainerFlags = 0x01
	ContainerDefault ContainerFlags = 0x02
)

// Container is one key container slot. An empty slot has only Index set.
type Container struct {
	Index           int
	ID              []byte
	GUID            string
	Flags           ContainerFlags
	SizeKeyExchange int
	SizeSign        int

	PrivateKey  *Object
	PublicKey   *Object
	Certificate *Object
}

// Valid reports whether the valid flag is set.
func (c *Container) Valid() bool { return c.Flags&ContainerValid != 0 }

// Default reports whether this is the default container.
func (c *Container) Default() bool { return c.Flags&ContainerDefault != 0 }

// KeyBinding is an on-card private key with the objects found for its id.
type KeyBinding struct {
	Key         *Object
	GUID        string
	PublicKey   *Object
	Certificate *Object
}

// ContainerStore is the fixed-size container registry.
type ContainerStore struct {
	slots [MaxContainers]Container
	dirty bool
}

// NewContainerStore returns a registry of empty slots.
func NewContainerStore() *ContainerStore {
	s := &ContainerStore{}
	s.Reset()
	return s
}

// Reset empties every slot and clears the dirty flag.
func (s *ContainerStore) Reset() {
	for i := range s.slots {
		s.slots[i] = Container{Index: i}
	}
	s.dirty = false
}

// Slot returns the container at i.
func (s *ContainerStore) Slot(i int) (*Container, error) {
	if i < 0 || i >= MaxContainers {
		return nil, fmt.Errorf("%w: container index %d", ErrInvalidParameter, i)
	}
	return &s.slots[i], nil
}

// Containers returns a copy of all slots in order.
func (s *ContainerStore) Containers() []Container {
	out := make([]Container, MaxContainers)
	copy(out, s.slots[:])
	return out
}

// Dirty reports whether the persisted container map is out of date.
func (s *ContainerStore) Dirty() bool { return s.dirty }

func (s *ContainerStore) clean() { s.dirty = false }

// FreeSlots counts slots without a private key.
func (s *ContainerStore) FreeSlots() int {
	n := 0
	for i := range s.slots {
		if s.slots[i].PrivateKey == nil {
			n++
		}
	}
	return n
}

// findID returns the slot holding id, or -1. Empty ids never match.
func (s *ContainerStore) findID(id []byte) int {
	if len(id) == 0 {
		return -1
	}
	for i := range s.slots {
		if bytes.Equal(s.slots[i].ID, id) {
			return i
		}
	}
	return -1
}

// Swap exchanges the contents of slots i and j. Index fields follow the
// slot, so every container keeps Index equal to its position. Swapping a
// slot with itself or with an index out of range does nothing.
func (s *ContainerStore) Swap(i, j int) {
	if i == j || i < 0 || j < 0 || i >= MaxContainers || j >= MaxContainers {
		return
	}
	s.slots[i], s.slots[j] = s.slots[j], s.slots[i]
	s.slots[i].Index = i
	s.slots[j].Index = j
}

// Reconcile rebuilds the registry from the private keys found on the card
// and the persisted container map.
//
// Keys take slots 0..n-1 in enumeration order. Each persisted record whose
// id matches a slot copies its GUID, flags and sizes there and then swaps
// that slot into the record's declared index. A record without a match
// but with a GUID and flags becomes an unbound container at its index,
// unless that slot holds a key. Afterwards exactly one valid container,
// the first one if none claims it, is the default.
//
// A malformed map is reported after the records before it were applied.
func (s *ContainerStore) Reconcile(keys []KeyBinding, persisted []byte) error {
	s.Reset()

	for i, kb := range keys {
		if i >= MaxContainers {
			break
		}
		if kb.Key == nil {
			continue
		}
		guid := kb.GUID
		if len(guid) > maxGUIDLen {
			guid = guid[:maxGUIDLen]
		}
		s.slots[i] = Container{
			Index:           i,
			ID:              append([]byte(nil), kb.Key.ID...),
			GUID:            guid,
			Flags:           ContainerValid,
			SizeKeyExchange: kb.Key.ModulusBits,
			SizeSign:        kb.Key.ModulusBits,
			PrivateKey:      kb.Key,
			PublicKey:       kb.PublicKey,
			Certificate:     kb.Certificate,
		}
	}

	records, err := DecodeContainerMap(persisted)
	for _, r := range records {
		s.applyRecord(r)
	}
	s.fixDefault()
	return err
}

func (s *ContainerStore) applyRecord(r MapRecord) {
	inRange := r.Index >= 0 && r.Index < MaxContainers

	if i := s.findID(r.ID); i >= 0 {
		c := &s.slots[i]
		c.GUID = r.GUID
		c.Flags = r.Flags
		c.SizeKeyExchange = r.SizeKeyExchange
		c.SizeSign = r.SizeSign
		if inRange {
			s.Swap(i, r.Index)
		}
		return
	}

	if r.GUID == "" || r.Flags == 0 || !inRange {
		return
	}
	s.slots[r.Index] = Container{
		Index:           r.Index,
		GUID:            r.GUID,
		Flags:           r.Flags,
		SizeKeyExchange: r.SizeKeyExchange,
		SizeSign:        r.SizeSign,
	}
}

// fixDefault leaves the default flag on the first valid container that
// has it, or puts it on the first valid container.
func (s *ContainerStore) fixDefault() {
	found := false
	for i := range s.slots {
		c := &s.slots[i]
		if !c.Valid() {
			c.Flags &^= ContainerDefault
			continue
		}
		if c.Default() {
			if found {
				c.Flags &^= ContainerDefault
			}
			found = true
		}
	}
	if found {
		return
	}
	for i := range s.slots {
		if s.slots[i].Valid() {
			s.slots[i].Flags |= ContainerDefault
			return
		}
	}
}

// ApplyMapFile takes a host write of the cmapfile. Each record updates the
// slot at its position; a record with an empty GUID empties the slot. A
// record landing on a slot bound to a key id marks the registry dirty.
func (s *ContainerStore) ApplyMapFile(data []byte) error {
	if len(data) < mapRecordSize {
		return fmt.Errorf("%w: cmapfile of %d bytes", ErrInvalidParameter, len(data))
	}
	n := len(data) / mapRecordSize
	if n > MaxContainers {
		n = MaxContainers
	}
	for i := 0; i < n; i++ {
		r, err := decodeMapFileRecord(data[i*mapRecordSize : (i+1)*mapRecordSize])
		if err != nil {
			return err
		}
		if r.GUID == "" {
			s.slots[i] = Container{Index: i}
			continue
		}
		c := &s.slots[i]
		c.Index = i
		c.GUID = r.GUID
		c.Flags = r.Flags
		c.SizeSign = r.SizeSign
		c.SizeKeyExchange = r.SizeKeyExchange
		if len(c.ID) > 0 {
			s.dirty = true
		}
	}
	return nil
}

// MapFile renders the host-visible cmapfile for the current slots.
func (s *ContainerStore) MapFile() ([]byte, error) {
	return encodeMapFile(s.slots[:])
}

// Encode serializes the persisted container map.
func (s *ContainerStore) Encode() ([]byte, error) {
	return EncodeContainerMap(s.slots[:])
}

// bind records a new private key in slot i as a valid container. The
// container becomes the default when no other valid container is.
func (s *ContainerStore) bind(i int, key *Object, guid string) {
	if len(guid) > maxGUIDLen {
		guid = guid[:maxGUIDLen]
	}
	s.slots[i] = Container{
		Index:      i,
		ID:         append([]byte(nil), key.ID...),
		GUID:       guid,
		Flags:      ContainerValid,
		PrivateKey: key,
	}
	s.fixDefault()
}

// certFileNames returns the certificate file names slot i exposes.
func certFileNames(c *Container) []string {
	if !c.Valid() || c.Certificate == nil {
		return nil
	}
	var names []string
	if c.SizeKeyExchange != 0 {
		names = append(names, fmt.Sprintf("kxc%02d", c.Index))
	}
	if c.SizeSign != 0 {
		names = append(names, fmt.Sprintf("ksc%02d", c.Index))
	}
	return names
}
