package cardmd

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

const (
	cacheFileVersion = 1

	// cacheRecordSize is the fixed part of the cache file; persisted
	// images may carry a zero-padded timestamp of cacheStampSize after it.
	cacheRecordSize = 6
	cacheStampSize  = 16
)

// Role is a card principal whose PIN state the cache file tracks.
type Role uint8

const (
	RoleEveryone Role = 0
	RoleUser     Role = 1
	RoleAdmin    Role = 2
)

func (r Role) String() string {
	switch r {
	case RoleEveryone:
		return "everyone"
	case RoleUser:
		return "user"
	case RoleAdmin:
		return "admin"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

func (r Role) bit() uint8 { return 1 << r }

// CacheState is the content of the cardcf file the host polls to decide
// whether its cached PINs, containers or files are stale.
type CacheState struct {
	Version             uint8
	PinsFreshness       uint8
	ContainersFreshness uint16
	FilesFreshness      uint16
}

// Bytes returns the 6-byte little-endian cardcf record.
func (s CacheState) Bytes() []byte {
	b := make([]byte, cacheRecordSize)
	b[0] = s.Version
	b[1] = s.PinsFreshness
	binary.LittleEndian.PutUint16(b[2:], s.ContainersFreshness)
	binary.LittleEndian.PutUint16(b[4:], s.FilesFreshness)
	return b
}

// Image returns the record as persisted on the card: the PIN bitmask is
// always cleared and a non-empty lastUpdate is appended zero-padded to 16
// bytes.
func (s CacheState) Image(lastUpdate string) []byte {
	s.PinsFreshness = 0
	b := s.Bytes()
	if lastUpdate == "" {
		return b
	}
	stamp := make([]byte, cacheStampSize)
	copy(stamp, lastUpdate)
	return append(b, stamp...)
}

// DecodeCacheState parses the fixed part of a cardcf record.
func DecodeCacheState(b []byte) (CacheState, error) {
	if len(b) < cacheRecordSize {
		return CacheState{}, fmt.Errorf("%w: cardcf of %d bytes", ErrInvalidParameter, len(b))
	}
	return CacheState{
		Version:             b[0],
		PinsFreshness:       b[1],
		ContainersFreshness: binary.LittleEndian.Uint16(b[2:]),
		FilesFreshness:      binary.LittleEndian.Uint16(b[4:]),
	}, nil
}

// cacheSeed names where the initial counters came from.
type cacheSeed string

const (
	seedPersisted  cacheSeed = "persisted"
	seedLastUpdate cacheSeed = "last-update"
	seedRandom     cacheSeed = "random"
)

// CacheTracker owns the in-memory cache state.
type CacheTracker struct {
	state CacheState
}

// Init seeds the counters: from a persisted record when it is long
// enough, else from a checksum of the token's last-update time, else from
// rnd. The PIN bitmask always starts empty.
func (t *CacheTracker) Init(persisted []byte, lastUpdate string, rnd func() uint32) cacheSeed {
	t.state = CacheState{Version: cacheFileVersion}
	defer func() { t.state.PinsFreshness = 0 }()

	if s, err := DecodeCacheState(persisted); err == nil {
		t.state = s
		return seedPersisted
	}
	if lastUpdate != "" {
		sum := uint16(crc32.ChecksumIEEE([]byte(lastUpdate)))
		t.state.ContainersFreshness = sum
		t.state.FilesFreshness = sum
		return seedLastUpdate
	}
	t.state.ContainersFreshness = uint16(rnd() % 30000)
	t.state.FilesFreshness = uint16(rnd() % 30000)
	return seedRandom
}

// State returns the current state.
func (t *CacheTracker) State() CacheState { return t.state }

// Load replaces the state with a record written by the host.
func (t *CacheTracker) Load(b []byte) error {
	s, err := DecodeCacheState(b)
	if err != nil {
		return err
	}
	t.state = s
	return nil
}

// SetPin marks role as verified.
func (t *CacheTracker) SetPin(r Role) { t.state.PinsFreshness |= r.bit() }

// ClearPin marks role as not verified.
func (t *CacheTracker) ClearPin(r Role) { t.state.PinsFreshness &^= r.bit() }

// PinSet reports whether role is marked verified.
func (t *CacheTracker) PinSet(r Role) bool { return t.state.PinsFreshness&r.bit() != 0 }
