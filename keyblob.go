package cardmd

import (
	"crypto/rsa"
	"encoding/binary"
	"fmt"
	"math/big"
)

// KeySpec is the purpose of a container key.
type KeySpec uint32

const (
	KeyExchange KeySpec = 1
	Signature   KeySpec = 2
)

func (k KeySpec) String() string {
	switch k {
	case KeyExchange:
		return "exchange"
	case Signature:
		return "signature"
	default:
		return fmt.Sprintf("keyspec(%d)", uint32(k))
	}
}

// Host key blob constants.
const (
	publicKeyBlob  = 0x06
	privateKeyBlob = 0x07
	blobVersion    = 0x02

	calgRSASign = 0x00002400
	calgRSAKeyX = 0x0000a400

	rsa1Magic = 0x31415352 // "RSA1", public
	rsa2Magic = 0x32415352 // "RSA2", private

	blobHeaderSize = 8 + 12
)

// blobHeader is a BLOBHEADER followed by an RSAPUBKEY.
type blobHeader struct {
	Type   uint8
	KeyAlg uint32
	Magic  uint32
	BitLen uint32
	PubExp uint32
}

func parseBlobHeader(b []byte) (blobHeader, error) {
	if len(b) < blobHeaderSize {
		return blobHeader{}, fmt.Errorf("%w: key blob of %d bytes", ErrInvalidParameter, len(b))
	}
	return blobHeader{
		Type:   b[0],
		KeyAlg: binary.LittleEndian.Uint32(b[4:]),
		Magic:  binary.LittleEndian.Uint32(b[8:]),
		BitLen: binary.LittleEndian.Uint32(b[12:]),
		PubExp: binary.LittleEndian.Uint32(b[16:]),
	}, nil
}

// importKeyBits checks an import blob against spec and returns the key
// length it declares.
func importKeyBits(spec KeySpec, blob []byte) (int, error) {
	h, err := parseBlobHeader(blob)
	if err != nil {
		return 0, err
	}
	if h.Type != privateKeyBlob {
		return 0, fmt.Errorf("%w: blob type 0x%02x is not a private key", ErrInvalidParameter, h.Type)
	}
	switch {
	case spec == KeyExchange && h.KeyAlg != calgRSAKeyX,
		spec == Signature && h.KeyAlg != calgRSASign:
		return 0, fmt.Errorf("%w: key algorithm 0x%04x does not match %s", ErrInvalidParameter, h.KeyAlg, spec)
	}
	if h.Magic != rsa1Magic && h.Magic != rsa2Magic {
		return 0, fmt.Errorf("%w: rsa magic 0x%08x", ErrInvalidParameter, h.Magic)
	}
	return int(h.BitLen), nil
}

// leInt reads a little-endian unsigned integer.
func leInt(b []byte) *big.Int {
	return new(big.Int).SetBytes(reversed(b))
}

// putLE writes x little-endian into a buffer of n bytes.
func putLE(x *big.Int, n int) []byte {
	out := make([]byte, n)
	x.FillBytes(out)
	reverse(out)
	return out
}

// parsePrivateKeyBlob converts a PRIVATEKEYBLOB into an RSA key.
func parsePrivateKeyBlob(blob []byte) (*rsa.PrivateKey, error) {
	h, err := parseBlobHeader(blob)
	if err != nil {
		return nil, err
	}
	if h.Type != privateKeyBlob || h.Magic != rsa2Magic || h.BitLen == 0 || h.BitLen%16 != 0 {
		return nil, fmt.Errorf("%w: malformed private key blob", ErrInvalidParameter)
	}
	n := int(h.BitLen / 8)
	half := n / 2
	need := blobHeaderSize + n + 5*half + n
	if len(blob) < need {
		return nil, fmt.Errorf("%w: private key blob is %d bytes, need %d", ErrInvalidParameter, len(blob), need)
	}

	p := blob[blobHeaderSize:]
	next := func(size int) *big.Int {
		v := leInt(p[:size])
		p = p[size:]
		return v
	}
	modulus := next(n)
	prime1 := next(half)
	prime2 := next(half)
	next(half) // exponent1
	next(half) // exponent2
	next(half) // coefficient
	d := next(n)

	key := &rsa.PrivateKey{
		PublicKey: rsa.PublicKey{N: modulus, E: int(h.PubExp)},
		D:         d,
		Primes:    []*big.Int{prime1, prime2},
	}
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("%w: private key blob: %v", ErrInvalidParameter, err)
	}
	key.Precompute()
	return key, nil
}

// PrivateKeyBlob renders key as a PRIVATEKEYBLOB for spec.
func PrivateKeyBlob(key *rsa.PrivateKey, spec KeySpec) []byte {
	key.Precompute()
	n := (key.N.BitLen() + 7) / 8
	half := n / 2
	out := blobHead(privateKeyBlob, spec, rsa2Magic, key.N.BitLen(), key.E)
	out = append(out, putLE(key.N, n)...)
	out = append(out, putLE(key.Primes[0], half)...)
	out = append(out, putLE(key.Primes[1], half)...)
	out = append(out, putLE(key.Precomputed.Dp, half)...)
	out = append(out, putLE(key.Precomputed.Dq, half)...)
	out = append(out, putLE(key.Precomputed.Qinv, half)...)
	out = append(out, putLE(key.D, n)...)
	return out
}

// PublicKeyBlob renders pub as a host PUBLICKEYBLOB for spec.
func PublicKeyBlob(pub *rsa.PublicKey, spec KeySpec) []byte {
	n := (pub.N.BitLen() + 7) / 8
	out := blobHead(publicKeyBlob, spec, rsa1Magic, pub.N.BitLen(), pub.E)
	return append(out, putLE(pub.N, n)...)
}

func blobHead(typ uint8, spec KeySpec, magic uint32, bits, exp int) []byte {
	alg := uint32(calgRSAKeyX)
	if spec == Signature {
		alg = calgRSASign
	}
	h := make([]byte, blobHeaderSize)
	h[0] = typ
	h[1] = blobVersion
	binary.LittleEndian.PutUint32(h[4:], alg)
	binary.LittleEndian.PutUint32(h[8:], magic)
	binary.LittleEndian.PutUint32(h[12:], uint32(bits))
	binary.LittleEndian.PutUint32(h[16:], uint32(exp))
	return h
}

func reverse(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}

func reversed(b []byte) []byte {
	out := append([]byte(nil), b...)
	reverse(out)
	return out
}
