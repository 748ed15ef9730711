package cardmd

import (
	"context"
	"encoding/hex"
	"fmt"
)

// Current versions of the versioned property structures.
const (
	CapabilitiesVersion = 1
	KeySizesVersion     = 1
	FreeSpaceVersion    = 1
)

// UnknownValue marks a property the card cannot report.
const UnknownValue = -1

// checkVersion accepts any version up to current. Zero means current.
func checkVersion(version, current uint32) error {
	if version > current {
		return fmt.Errorf("%w: version %d, current %d", ErrRevisionMismatch, version, current)
	}
	return nil
}

// Capabilities describes optional card features.
type Capabilities struct {
	Version                uint32
	CertificateCompression bool
	KeyGeneration          bool
}

// KeySizes describes the RSA key lengths a key purpose supports.
type KeySizes struct {
	Version   uint32
	Minimum   int
	Default   int
	Maximum   int
	Increment int
}

// FreeSpace reports the remaining room on the card.
type FreeSpace struct {
	Version                uint32
	BytesAvailable         int
	KeyContainersAvailable int
	MaxKeyContainers       int
}

// QueryCapabilities reports the card's optional features.
func (c *Card) QueryCapabilities(ctx context.Context, version uint32) (Capabilities, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter(ctx); err != nil {
		return Capabilities{}, err
	}
	if err := checkVersion(version, CapabilitiesVersion); err != nil {
		return Capabilities{}, err
	}
	return Capabilities{Version: CapabilitiesVersion, KeyGeneration: true}, nil
}

// QueryKeySizes reports the key lengths of spec.
func (c *Card) QueryKeySizes(ctx context.Context, spec KeySpec, version uint32) (KeySizes, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter(ctx); err != nil {
		return KeySizes{}, err
	}
	if err := checkVersion(version, KeySizesVersion); err != nil {
		return KeySizes{}, err
	}
	if spec != Signature && spec != KeyExchange {
		return KeySizes{}, fmt.Errorf("%w: key spec %s", ErrUnsupported, spec)
	}
	return KeySizes{
		Version:   KeySizesVersion,
		Minimum:   1024,
		Default:   2048,
		Maximum:   2048,
		Increment: 1024,
	}, nil
}

// QueryFreeSpace counts the slots without a private key. The byte count
// is not known.
func (c *Card) QueryFreeSpace(ctx context.Context, version uint32) (FreeSpace, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter(ctx); err != nil {
		return FreeSpace{}, err
	}
	if err := checkVersion(version, FreeSpaceVersion); err != nil {
		return FreeSpace{}, err
	}
	return FreeSpace{
		Version:                FreeSpaceVersion,
		BytesAvailable:         UnknownValue,
		KeyContainersAvailable: c.containers.FreeSlots(),
		MaxKeyContainers:       MaxContainers,
	}, nil
}

// ReadOnly reports whether persistence is disabled for this card model.
func (c *Card) ReadOnly() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.policy.ReadOnly
}

// SupportsEnrollment reports whether the card model allows enrollment.
func (c *Card) SupportsEnrollment() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.policy.SupportsEnrollment
}

// CardIdentifier returns the content of the cardid file.
func (c *Card) CardIdentifier(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter(ctx); err != nil {
		return nil, err
	}
	_, f, err := c.fs.FindFile("", FileCardID)
	if err != nil {
		return nil, err
	}
	return f.bytes(), nil
}

// SerialNumber returns the binary serial number of the token.
func (c *Card) SerialNumber(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter(ctx); err != nil {
		return nil, err
	}
	sn, err := hex.DecodeString(c.token.SerialNumber)
	if err != nil {
		return nil, fmt.Errorf("%w: serial number %q", ErrInvalidValue, c.token.SerialNumber)
	}
	return sn, nil
}

// Containers returns a snapshot of all container slots.
func (c *Card) Containers(ctx context.Context) ([]Container, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter(ctx); err != nil {
		return nil, err
	}
	return c.containers.Containers(), nil
}
