package cardmd

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"fmt"

	"github.com/aweris/cardmd/internal/store"
)

// CreateFlags selects how CreateContainer fills a slot.
type CreateFlags uint32

const (
	KeyGen    CreateFlags = 0x1
	KeyImport CreateFlags = 0x2
)

// PaddingType is the padding scheme named by explicit padding info.
type PaddingType uint32

const (
	PaddingNone  PaddingType = 0x1
	PaddingPKCS1 PaddingType = 0x2
	PaddingPSS   PaddingType = 0x4
	PaddingOAEP  PaddingType = 0x8
)

// PaddingInfo is explicit padding information for Sign. AlgID names the
// digest: "", "MD5", "SHA1" or "SHAMD5".
type PaddingInfo struct {
	Type  PaddingType
	AlgID string
}

// SignRequest describes a signature over a digest the host computed.
// Data is in host byte order. Hash is used only without Padding.
type SignRequest struct {
	Slot    int
	Data    []byte
	Hash    HashAlg
	Padding *PaddingInfo
}

func keyUsage(spec KeySpec) store.KeyUsage {
	if spec == Signature {
		return store.UsageSign | store.UsageNonRepudiation
	}
	return store.UsageDecrypt | store.UsageUnwrap | store.UsageSign
}

func keyLabel(slot int) string { return fmt.Sprintf("Container %02d", slot) }

// CreateContainer fills slot with a generated key (KeyGen) or an imported
// PRIVATEKEYBLOB (KeyImport). The container map object is created first
// when the card has none.
func (c *Card) CreateContainer(ctx context.Context, slot int, flags CreateFlags, spec KeySpec, bits int, blob []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter(ctx); err != nil {
		return err
	}
	name := fmt.Sprintf("%02d", slot)
	if slot < 0 || slot >= MaxContainers {
		return opErr(opCreate, name, fmt.Errorf("%w: container index %d", ErrInvalidParameter, slot))
	}
	bits, err := c.checkKeyCompatibility(flags, spec, bits, blob)
	if err != nil {
		return opErr(opCreate, name, err)
	}
	if c.cmapObj == nil {
		if err := c.createContainerMap(ctx); err != nil {
			return opErr(opCreate, name, err)
		}
	}

	switch {
	case flags&KeyGen != 0:
		err = c.generate(ctx, slot, spec, bits)
	case flags&KeyImport != 0:
		err = c.importKey(ctx, slot, spec, blob)
	default:
		err = fmt.Errorf("%w: create flags 0x%x", ErrInvalidParameter, uint32(flags))
	}
	return opErr(opCreate, name, err)
}

// checkKeyCompatibility validates the key purpose and, for imports, the
// blob header, then requires the exact key length in the card's algorithm
// table. It returns the key length to use.
func (c *Card) checkKeyCompatibility(flags CreateFlags, spec KeySpec, bits int, blob []byte) (int, error) {
	if spec != Signature && spec != KeyExchange {
		return 0, fmt.Errorf("%w: key spec %s", ErrUnsupported, spec)
	}
	if flags&KeyImport != 0 {
		if blob == nil {
			return 0, fmt.Errorf("%w: import without key blob", ErrInvalidParameter)
		}
		var err error
		if bits, err = importKeyBits(spec, blob); err != nil {
			return 0, err
		}
	}
	if _, ok := c.store.FindAlgorithm(store.AlgorithmRSA, bits); !ok {
		return 0, fmt.Errorf("%w: RSA key length %d", ErrUnsupported, bits)
	}
	return bits, nil
}

func (c *Card) generate(ctx context.Context, slot int, spec KeySpec, bits int) error {
	pin, err := c.pinByRole(RoleUser)
	if err != nil {
		return err
	}
	var key *Object
	err = c.transact(ctx, "generate key", func() error {
		var err error
		key, err = c.store.GenerateKey(ctx, store.KeyArgs{
			Label:  keyLabel(slot),
			AuthID: pin.AuthID,
			Usage:  keyUsage(spec),
			Bits:   bits,
		})
		if err != nil {
			return internal("generate key", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	pub, err := c.lookup(ctx, store.TypePublicKey, key.ID)
	if err != nil {
		return err
	}
	return c.bindKey(ctx, slot, spec, key, pub)
}

func (c *Card) importKey(ctx context.Context, slot int, spec KeySpec, blob []byte) error {
	rk, err := parsePrivateKeyBlob(blob)
	if err != nil {
		return err
	}
	pin, err := c.pinByRole(RoleUser)
	if err != nil {
		return err
	}
	usage := keyUsage(spec)
	var key, pub *Object
	err = c.transact(ctx, "import key", func() error {
		var err error
		key, err = c.store.StorePrivateKey(ctx, store.PrivateKeyArgs{
			KeyArgs: store.KeyArgs{
				Label:  keyLabel(slot),
				AuthID: pin.AuthID,
				Usage:  usage,
				Bits:   rk.N.BitLen(),
			},
			Key: rk,
		})
		if err != nil {
			return internal("store private key", err)
		}
		pub, err = c.store.StorePublicKey(ctx, store.PublicKeyArgs{
			Label: keyLabel(slot),
			Usage: usage,
			Key:   &rk.PublicKey,
		})
		if err != nil {
			return internal("store public key", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return c.bindKey(ctx, slot, spec, key, pub)
}

// bindKey records a new key in slot and sets the size for its purpose.
func (c *Card) bindKey(ctx context.Context, slot int, spec KeySpec, key, pub *Object) error {
	guid, err := c.store.GUID(ctx, key)
	if err != nil {
		return internal("key guid", err)
	}
	c.containers.bind(slot, key, guid)
	for _, name := range []string{fmt.Sprintf("kxc%02d", slot), fmt.Sprintf("ksc%02d", slot)} {
		c.mscp.removeFile(name)
	}
	cont, _ := c.containers.Slot(slot)
	cont.PublicKey = pub
	if spec == Signature {
		cont.SizeSign = key.ModulusBits
	} else {
		cont.SizeKeyExchange = key.ModulusBits
	}
	data, err := c.containers.MapFile()
	if err != nil {
		return err
	}
	c.cmapFile.replace(data)
	c.log.Debug(ctx, "key bound to container",
		"slot", slot, "spec", spec.String(), "bits", key.ModulusBits, "guid", guid)
	return nil
}

// storeCertificate stores der on the card and binds it to slot when slot
// is a valid index.
func (c *Card) storeCertificate(ctx context.Context, slot int, der []byte) error {
	var cert *Object
	err := c.transact(ctx, "store certificate", func() error {
		var err error
		if cert, err = c.store.StoreCertificate(ctx, der); err != nil {
			return internal("store certificate", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if cont, err := c.containers.Slot(slot); err == nil {
		cont.Certificate = cert
	}
	return nil
}

// containerKey returns the private key of slot.
func (c *Card) containerKey(slot int) (*Container, error) {
	cont, err := c.containers.Slot(slot)
	if err != nil {
		return nil, ErrNoKeyContainer
	}
	if cont.PrivateKey == nil {
		return nil, ErrNoKeyContainer
	}
	return cont, nil
}

// SignatureSize returns the signature length of slot's key in bytes.
func (c *Card) SignatureSize(ctx context.Context, slot int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter(ctx); err != nil {
		return 0, err
	}
	cont, err := c.containerKey(slot)
	if err != nil {
		return 0, opErr(opSign, fmt.Sprintf("%02d", slot), err)
	}
	return (cont.PrivateKey.ModulusBits + 7) / 8, nil
}

// Sign signs req.Data with the key of req.Slot. Input and output are in
// host (little-endian) byte order. Without padding info the digest named
// by req.Hash gets its DigestInfo prefix here; HashDefault signs an
// MD5+SHA1 digest.
func (c *Card) Sign(ctx context.Context, req SignRequest) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter(ctx); err != nil {
		return nil, err
	}
	sig, err := c.sign(ctx, req)
	return sig, opErr(opSign, fmt.Sprintf("%02d", req.Slot), err)
}

func (c *Card) sign(ctx context.Context, req SignRequest) ([]byte, error) {
	cont, err := c.containerKey(req.Slot)
	if err != nil {
		return nil, err
	}
	key := cont.PrivateKey

	hash := req.Hash
	if req.Padding != nil {
		if req.Padding.Type != PaddingPKCS1 {
			return nil, fmt.Errorf("%w: padding type 0x%x", ErrUnsupported, uint32(req.Padding.Type))
		}
		if hash, err = HashFromName(req.Padding.AlgID); err != nil {
			return nil, err
		}
	}
	if hash > HashMD5SHA1 {
		return nil, fmt.Errorf("%w: hash %s", ErrUnsupported, hash)
	}

	info, err := digestInfo(hash, reversed(req.Data))
	if err != nil {
		return nil, err
	}

	k := (key.ModulusBits + 7) / 8
	alg, ok := c.store.FindAlgorithm(store.AlgorithmRSA, key.ModulusBits)
	if !ok {
		return nil, fmt.Errorf("%w: no algorithm for %d-bit RSA", ErrInternal, key.ModulusBits)
	}

	var raw []byte
	switch {
	case alg.Flags&store.RSARaw != 0:
		block, err := pkcs1Type1(info, k)
		if err != nil {
			return nil, err
		}
		raw, err = c.store.ComputeSignature(ctx, key, store.RSARaw, block)
		if err != nil {
			return nil, internal("compute signature", err)
		}
	case alg.Flags&store.RSAPadPKCS1 != 0:
		raw, err = c.store.ComputeSignature(ctx, key, store.RSAPadPKCS1|store.RSAHashNone, info)
		if err != nil {
			return nil, internal("compute signature", err)
		}
	default:
		return nil, fmt.Errorf("%w: card offers no usable RSA signature mode", ErrInvalidParameter)
	}
	if len(raw) > k {
		return nil, fmt.Errorf("%w: signature of %d bytes for a %d-byte key", ErrInternal, len(raw), k)
	}

	out := make([]byte, k)
	copy(out[k-len(raw):], raw)
	reverse(out)
	return out, nil
}

// Decrypt runs the raw RSA private operation of slot's key over data and
// returns the full k-byte block. Input and output are in host byte order.
// A card that only deciphers with PKCS#1 has its plaintext wrapped back
// into a type 2 block.
func (c *Card) Decrypt(ctx context.Context, slot int, data []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter(ctx); err != nil {
		return nil, err
	}
	out, err := c.decrypt(ctx, slot, data)
	return out, opErr(opDecrypt, fmt.Sprintf("%02d", slot), err)
}

func (c *Card) decrypt(ctx context.Context, slot int, data []byte) ([]byte, error) {
	cont, err := c.containers.Slot(slot)
	if err != nil {
		return nil, err
	}
	key := cont.PrivateKey
	if key == nil {
		return nil, fmt.Errorf("%w: container %d has no key", ErrInvalidParameter, slot)
	}
	k := (key.ModulusBits + 7) / 8
	if len(data) != k {
		return nil, fmt.Errorf("%w: %d bytes for a %d-byte key", ErrInvalidParameter, len(data), k)
	}

	alg, ok := c.store.FindAlgorithm(store.AlgorithmRSA, key.ModulusBits)
	if !ok {
		return nil, fmt.Errorf("%w: no algorithm for %d-bit RSA", ErrInternal, key.ModulusBits)
	}

	in := reversed(data)
	var out []byte
	switch {
	case alg.Flags&store.RSARaw != 0:
		if out, err = c.store.Decipher(ctx, key, store.RSARaw, in); err != nil {
			return nil, fmt.Errorf("%w: decipher: %v", ErrInvalidValue, err)
		}
	case alg.Flags&store.RSAPadPKCS1 != 0:
		plain, err := c.store.Decipher(ctx, key, store.RSAPadPKCS1, in)
		if err != nil {
			return nil, fmt.Errorf("%w: decipher: %v", ErrInvalidValue, err)
		}
		if out, err = pkcs1Type2(plain, k); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: card offers no usable RSA decipher mode", ErrInvalidParameter)
	}
	if len(out) > k {
		return nil, fmt.Errorf("%w: decipher returned %d bytes for a %d-byte key", ErrInternal, len(out), k)
	}

	block := make([]byte, k)
	copy(block[k-len(out):], out)
	reverse(block)
	return block, nil
}

// ContainerInfoVersion is the current ContainerInfo layout.
const ContainerInfoVersion = 1

// ContainerInfo carries the public keys of a container as PUBLICKEYBLOBs.
// A blob is nil when the container has no key of that purpose.
type ContainerInfo struct {
	Version        uint32
	SignPublicKey  []byte
	KeyExPublicKey []byte
}

// GetContainerInfo returns the public keys of slot.
func (c *Card) GetContainerInfo(ctx context.Context, slot int, version uint32) (ContainerInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter(ctx); err != nil {
		return ContainerInfo{}, err
	}
	info, err := c.containerInfo(ctx, slot, version)
	return info, opErr(opContainerInfo, fmt.Sprintf("%02d", slot), err)
}

func (c *Card) containerInfo(ctx context.Context, slot int, version uint32) (ContainerInfo, error) {
	if err := checkVersion(version, ContainerInfoVersion); err != nil {
		return ContainerInfo{}, err
	}
	cont, err := c.containerKey(slot)
	if err != nil {
		return ContainerInfo{}, err
	}
	info := ContainerInfo{Version: ContainerInfoVersion}
	if cont.SizeSign == 0 && cont.SizeKeyExchange == 0 {
		return info, nil
	}

	pub, err := c.containerPublicKey(ctx, cont)
	if err != nil {
		return ContainerInfo{}, err
	}
	if pub == nil {
		return ContainerInfo{}, fmt.Errorf("%w: container %d has no public key", ErrInternal, slot)
	}
	if cont.SizeSign != 0 {
		info.SignPublicKey = PublicKeyBlob(pub, Signature)
	}
	if cont.SizeKeyExchange != 0 {
		info.KeyExPublicKey = PublicKeyBlob(pub, KeyExchange)
	}
	return info, nil
}

// containerPublicKey takes the public key from the private key object,
// then the public key object, then the certificate.
func (c *Card) containerPublicKey(ctx context.Context, cont *Container) (*rsa.PublicKey, error) {
	if der := cont.PrivateKey.PublicKey; len(der) > 0 {
		pub, err := x509.ParsePKCS1PublicKey(der)
		if err != nil {
			return nil, fmt.Errorf("%w: embedded public key: %v", ErrInternal, err)
		}
		return pub, nil
	}
	if cont.PublicKey != nil {
		der, err := c.store.Read(ctx, cont.PublicKey)
		if err != nil {
			return nil, internal("read public key", err)
		}
		pub, err := x509.ParsePKCS1PublicKey(der)
		if err != nil {
			return nil, fmt.Errorf("%w: public key object: %v", ErrInternal, err)
		}
		return pub, nil
	}
	if cont.Certificate != nil {
		der, err := c.store.Read(ctx, cont.Certificate)
		if err != nil {
			return nil, internal("read certificate", err)
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("%w: certificate: %v", ErrInternal, err)
		}
		pub, ok := cert.PublicKey.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: certificate key is not RSA", ErrInternal)
		}
		return pub, nil
	}
	return nil, nil
}
