// Package store defines the object-store bridge the card engine runs on.
//
// The ObjectStore interface is a thin view of a PKCS#15-style token:
// - typed objects (keys, certificates, data objects, PINs) found by id or name
// - a Begin/Commit/Abort bracket around every mutation
// - RSA signature and decipher primitives executed by the token
//
// LocalStore is a software token implementing it on the local filesystem.
package store

import (
	"context"
	"crypto/rsa"
	"errors"
)

var (
	ErrNotFound     = errors.New("store: object not found")
	ErrNotLocked    = errors.New("store: no transaction in progress")
	ErrLocked       = errors.New("store: transaction already in progress")
	ErrPinIncorrect = errors.New("store: pin incorrect")
	ErrNotLoggedIn  = errors.New("store: user not logged in")
	ErrNoSpace      = errors.New("store: object too large for its file")
	ErrUnsupported  = errors.New("store: unsupported operation")
)

// ObjectType classifies token objects.
type ObjectType int

const (
	TypePrivateKey ObjectType = iota + 1
	TypePublicKey
	TypeCertificate
	TypeData
	TypeAuthPin
)

func (t ObjectType) String() string {
	switch t {
	case TypePrivateKey:
		return "private-key"
	case TypePublicKey:
		return "public-key"
	case TypeCertificate:
		return "certificate"
	case TypeData:
		return "data"
	case TypeAuthPin:
		return "pin"
	default:
		return "unknown"
	}
}

// KeyUsage is the PKCS#15 key usage bitmask.
type KeyUsage uint32

const (
	UsageEncrypt KeyUsage = 1 << iota
	UsageDecrypt
	UsageSign
	UsageSignRecover
	UsageWrap
	UsageUnwrap
	UsageVerify
	UsageVerifyRecover
	UsageDerive
	UsageNonRepudiation
)

// PinFlags describes an authentication object.
type PinFlags uint32

const (
	PinLocal PinFlags = 1 << iota
	PinInitialized
	PinUnblocking
	PinSO
)

// Object is a reference to a token object. The engine treats it as opaque
// apart from the listed attributes.
type Object struct {
	Type  ObjectType
	ID    []byte
	Label string
	App   string // application label of a data object
	Path  string
	Size  int // allocated size of the backing file

	ModulusBits int
	Usage       KeyUsage
	AuthID      []byte
	PublicKey   []byte // PKCS#1 public key embedded in a private key object

	PinFlags PinFlags
}

// TokenInfo carries the token-level attributes the engine consumes.
type TokenInfo struct {
	Label        string
	SerialNumber string // hex encoded
	LastUpdate   string // GeneralizedTime, empty when unknown
	ATR          []byte
}

// Algorithm identifies a public-key algorithm.
type Algorithm int

const AlgorithmRSA Algorithm = 1

// CryptFlags selects padding and hashing for RSA primitives and also
// describes what the token advertises for a key length.
type CryptFlags uint32

const (
	RSARaw CryptFlags = 1 << iota
	RSAPadPKCS1
	RSAHashNone
)

// AlgorithmInfo is one row of the token's advertised algorithm table.
type AlgorithmInfo struct {
	Algorithm Algorithm
	KeyLength int
	Flags     CryptFlags
}

// KeyArgs are the attributes of a new key object.
type KeyArgs struct {
	Label  string
	AuthID []byte
	Usage  KeyUsage
	Bits   int
}

// PrivateKeyArgs describes a private key to store.
type PrivateKeyArgs struct {
	KeyArgs
	Key *rsa.PrivateKey
}

// PublicKeyArgs describes a public key to store.
type PublicKeyArgs struct {
	Label string
	Usage KeyUsage
	Key   *rsa.PublicKey
}

// ObjectStore is the token the engine runs on. Store, Generate, Update and
// Delete calls are only valid between Begin and Commit or Abort.
type ObjectStore interface {
	TokenInfo(ctx context.Context) (TokenInfo, error)

	Objects(ctx context.Context, typ ObjectType) ([]*Object, error)
	FindByID(ctx context.Context, typ ObjectType, id []byte) (*Object, error)
	FindDataObject(ctx context.Context, app, label string) (*Object, error)
	Read(ctx context.Context, obj *Object) ([]byte, error)

	Begin(ctx context.Context) error
	Commit(ctx context.Context) error
	Abort(ctx context.Context) error

	StoreDataObject(ctx context.Context, app, label string, data []byte) (*Object, error)
	UpdateObject(ctx context.Context, obj *Object, data []byte) error
	StoreCertificate(ctx context.Context, der []byte) (*Object, error)
	StorePrivateKey(ctx context.Context, args PrivateKeyArgs) (*Object, error)
	StorePublicKey(ctx context.Context, args PublicKeyArgs) (*Object, error)
	GenerateKey(ctx context.Context, args KeyArgs) (*Object, error)
	DeleteObject(ctx context.Context, obj *Object) error

	GUID(ctx context.Context, key *Object) (string, error)
	VerifyPin(ctx context.Context, pin *Object, secret []byte) error
	ComputeSignature(ctx context.Context, key *Object, flags CryptFlags, in []byte) ([]byte, error)
	Decipher(ctx context.Context, key *Object, flags CryptFlags, in []byte) ([]byte, error)
	FindAlgorithm(alg Algorithm, bits int) (AlgorithmInfo, bool)

	Close() error
}

// Handles identifies the host's resource-manager context and card
// connection. A change of either value means the card was reconnected.
type Handles struct {
	Context uintptr
	Card    uintptr
}

// Connector opens an ObjectStore for a card connection.
type Connector interface {
	Connect(ctx context.Context, h Handles) (ObjectStore, error)
}
