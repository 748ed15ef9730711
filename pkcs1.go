package cardmd

import (
	"fmt"
)

// HashAlg names the digest a caller hands to Sign.
type HashAlg uint8

const (
	// HashDefault means the caller named no digest; it signs as HashMD5SHA1.
	HashDefault HashAlg = iota
	// HashNone signs the input as given, without a DigestInfo prefix.
	HashNone
	HashMD5
	HashSHA1
	// HashMD5SHA1 is the 36-byte MD5 ‖ SHA-1 concatenation used by SSL3/TLS.
	HashMD5SHA1
)

func (h HashAlg) String() string {
	switch h {
	case HashDefault:
		return "default"
	case HashNone:
		return "none"
	case HashMD5:
		return "md5"
	case HashSHA1:
		return "sha1"
	case HashMD5SHA1:
		return "md5sha1"
	default:
		return fmt.Sprintf("hash(%d)", uint8(h))
	}
}

// Host algorithm identifiers of the supported digests.
const (
	calgMD5        = 0x8003
	calgSHA1       = 0x8004
	calgSSL3SHAMD5 = 0x8008

	algClassMask = 0x7 << 13
	algClassHash = 0x4 << 13
)

// HashFromAlgID maps a host hash algorithm identifier. Zero selects the
// default; an identifier outside the hash class is an invalid parameter
// and an unknown hash is unsupported.
func HashFromAlgID(id uint32) (HashAlg, error) {
	if id == 0 {
		return HashDefault, nil
	}
	if id&algClassMask != algClassHash {
		return 0, fmt.Errorf("%w: algorithm 0x%04x is not a hash", ErrInvalidParameter, id)
	}
	switch id {
	case calgMD5:
		return HashMD5, nil
	case calgSHA1:
		return HashSHA1, nil
	case calgSSL3SHAMD5:
		return HashMD5SHA1, nil
	default:
		return 0, fmt.Errorf("%w: hash algorithm 0x%04x", ErrUnsupported, id)
	}
}

// HashFromName maps the algorithm name carried in PKCS#1 padding info.
func HashFromName(name string) (HashAlg, error) {
	switch name {
	case "":
		return HashMD5SHA1, nil
	case "MD5":
		return HashMD5, nil
	case "SHA1":
		return HashSHA1, nil
	case "SHAMD5":
		return HashMD5SHA1, nil
	default:
		return 0, fmt.Errorf("%w: hash algorithm %q", ErrUnsupported, name)
	}
}

var digestInfoPrefix = map[HashAlg][]byte{
	HashMD5: {
		0x30, 0x20, 0x30, 0x0c, 0x06, 0x08, 0x2a, 0x86, 0x48, 0x86,
		0xf7, 0x0d, 0x02, 0x05, 0x05, 0x00, 0x04, 0x10,
	},
	HashSHA1: {
		0x30, 0x21, 0x30, 0x09, 0x06, 0x05, 0x2b, 0x0e, 0x03, 0x02,
		0x1a, 0x05, 0x00, 0x04, 0x14,
	},
	HashMD5SHA1: {},
}

var digestLen = map[HashAlg]int{
	HashMD5:     16,
	HashSHA1:    20,
	HashMD5SHA1: 36,
}

// digestInfo prefixes digest with the DigestInfo header of h.
func digestInfo(h HashAlg, digest []byte) ([]byte, error) {
	if h == HashDefault {
		h = HashMD5SHA1
	}
	if h == HashNone {
		return append([]byte(nil), digest...), nil
	}
	prefix, ok := digestInfoPrefix[h]
	if !ok {
		return nil, fmt.Errorf("%w: hash %s", ErrUnsupported, h)
	}
	if len(digest) != digestLen[h] {
		return nil, fmt.Errorf("%w: %s digest of %d bytes", ErrInvalidParameter, h, len(digest))
	}
	return append(append([]byte(nil), prefix...), digest...), nil
}

// pkcs1Type1 pads data into a k-byte block 00 01 FF..FF 00 data.
func pkcs1Type1(data []byte, k int) ([]byte, error) {
	if len(data)+11 > k {
		return nil, fmt.Errorf("%w: %d bytes do not fit a %d-byte block", ErrInvalidParameter, len(data), k)
	}
	out := make([]byte, k)
	out[1] = 0x01
	ps := k - len(data) - 1
	for i := 2; i < ps; i++ {
		out[i] = 0xff
	}
	copy(out[ps+1:], data)
	return out, nil
}

// pkcs1Type2 rebuilds a k-byte encryption block around a plaintext the
// card already unpadded. The filler bytes are constant non-zero values.
func pkcs1Type2(plain []byte, k int) ([]byte, error) {
	if len(plain) == 0 || len(plain) > k-9 {
		return nil, fmt.Errorf("%w: plaintext of %d bytes for a %d-byte block", ErrInvalidValue, len(plain), k)
	}
	out := make([]byte, k)
	out[1] = 0x02
	for i := 2; i < k-len(plain)-1; i++ {
		out[i] = 0x30
	}
	copy(out[k-len(plain):], plain)
	return out, nil
}
