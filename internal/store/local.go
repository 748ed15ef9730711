package store

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/subtle"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"maps"
	"math/big"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"filippo.io/age"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"golang.org/x/crypto/argon2"

	"github.com/aweris/cardmd/internal/compression"
)

var (
	ErrNoToken     = errors.New("store: no token in directory")
	ErrTokenExists = errors.New("store: token already initialized")
)

const (
	tokenFile  = "token.cbor"
	objectsDir = "objects"

	// lastUpdateLayout is GeneralizedTime, 15 characters.
	lastUpdateLayout = "20060102150405Z"

	// DefaultScryptWorkFactor is the log2 scrypt cost used to seal
	// private keys under the user PIN.
	DefaultScryptWorkFactor = 18
)

// Argon2id parameters of the PIN verifier.
const (
	pinTime    = 1
	pinMemory  = 64 * 1024
	pinThreads = 4
	pinKeyLen  = 32
	pinSaltLen = 16
)

// DefaultATR is the answer-to-reset reported by tokens initialized without
// one.
var DefaultATR = []byte{0x3b, 0x80, 0x80, 0x01, 0x01}

// DefaultAlgorithms is the algorithm table of tokens initialized without
// one: RSA 1024 and 2048 with raw and PKCS#1 operations.
var DefaultAlgorithms = []AlgorithmInfo{
	{Algorithm: AlgorithmRSA, KeyLength: 1024, Flags: RSARaw | RSAPadPKCS1 | RSAHashNone},
	{Algorithm: AlgorithmRSA, KeyLength: 2048, Flags: RSARaw | RSAPadPKCS1 | RSAHashNone},
}

var guidNamespace = uuid.MustParse("6f1c2a4e-35d2-4b1e-9a0c-6d3e1f2b7c90")

var cborEnc = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

type tokenRecord struct {
	Label      string            `cbor:"1,keyasint"`
	Serial     string            `cbor:"2,keyasint"`
	ATR        []byte            `cbor:"3,keyasint"`
	LastUpdate string            `cbor:"4,keyasint,omitempty"`
	Algorithms []algorithmRecord `cbor:"5,keyasint"`
	Pins       []pinRecord       `cbor:"6,keyasint"`
	NextObject int               `cbor:"7,keyasint"`
}

type algorithmRecord struct {
	KeyLength int        `cbor:"1,keyasint"`
	Flags     CryptFlags `cbor:"2,keyasint"`
}

type pinRecord struct {
	ID    []byte   `cbor:"1,keyasint"`
	Label string   `cbor:"2,keyasint"`
	Flags PinFlags `cbor:"3,keyasint"`
	Salt  []byte   `cbor:"4,keyasint"`
	Hash  []byte   `cbor:"5,keyasint"`
}

type objectRecord struct {
	Type      ObjectType `cbor:"1,keyasint"`
	ID        []byte     `cbor:"2,keyasint"`
	Label     string     `cbor:"3,keyasint,omitempty"`
	App       string     `cbor:"4,keyasint,omitempty"`
	Usage     KeyUsage   `cbor:"5,keyasint,omitempty"`
	AuthID    []byte     `cbor:"6,keyasint,omitempty"`
	Bits      int        `cbor:"7,keyasint,omitempty"`
	Size      int        `cbor:"8,keyasint,omitempty"`
	Data      []byte     `cbor:"9,keyasint,omitempty"`
	PublicKey []byte     `cbor:"10,keyasint,omitempty"`
	Sealed    []byte     `cbor:"11,keyasint,omitempty"`
}

func (r *objectRecord) clone() *objectRecord {
	c := *r
	c.ID = bytes.Clone(r.ID)
	c.AuthID = bytes.Clone(r.AuthID)
	c.Data = bytes.Clone(r.Data)
	c.PublicKey = bytes.Clone(r.PublicKey)
	c.Sealed = bytes.Clone(r.Sealed)
	return &c
}

func (t tokenRecord) clone() tokenRecord {
	c := t
	c.ATR = bytes.Clone(t.ATR)
	c.Algorithms = slices.Clone(t.Algorithms)
	c.Pins = slices.Clone(t.Pins)
	return c
}

type localOptions struct {
	workFactor   int
	keyCacheSize int
	level        compression.Level
	now          func() time.Time
}

// LocalOption configures a LocalStore.
type LocalOption func(*localOptions)

// WithScryptWorkFactor sets the log2 scrypt cost for sealing private keys.
func WithScryptWorkFactor(logN int) LocalOption {
	return func(o *localOptions) {
		if logN > 0 && logN <= 30 {
			o.workFactor = logN
		}
	}
}

// WithKeyCacheSize sets how many unsealed keys stay in memory.
func WithKeyCacheSize(n int) LocalOption {
	return func(o *localOptions) { o.keyCacheSize = n }
}

// WithCompressionLevel sets the zstd level of object files.
func WithCompressionLevel(l compression.Level) LocalOption {
	return func(o *localOptions) { o.level = l }
}

// WithClock sets the time source of the last-update stamp.
func WithClock(now func() time.Time) LocalOption {
	return func(o *localOptions) {
		if now != nil {
			o.now = now
		}
	}
}

func newLocalOptions(opts []LocalOption) localOptions {
	o := localOptions{
		workFactor:   DefaultScryptWorkFactor,
		keyCacheSize: DefaultKeyCacheSize,
		level:        compression.LevelDefault,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// LocalStore implements ObjectStore as a software token.
//
// Storage layout:
//
//	dir/
//	  token.cbor       label, serial, ATR, last update, algorithms, PINs
//	  objects/
//	    0001           zstd(cbor(object))
//
// Mutations are staged in memory between Begin and Commit. Commit writes
// the touched object files and bumps the last-update stamp; Abort restores
// the state taken at Begin. Private keys are sealed with age under the
// user PIN and can only be used after VerifyPin succeeded for that PIN.
type LocalStore struct {
	dir        string
	opts       localOptions
	compressor *compression.Compressor
	keys       *KeyCache

	mu      sync.Mutex
	token   tokenRecord
	objects map[string]*objectRecord
	userPIN []byte
	tx      *localTx
	closed  bool
}

var _ ObjectStore = (*LocalStore)(nil)

type localTx struct {
	token   tokenRecord
	objects map[string]*objectRecord
	touched map[string]bool
}

// InitArgs describes a new software token.
type InitArgs struct {
	Label      string
	Serial     string // hex; random when empty
	ATR        []byte
	UserPIN    []byte
	SOPIN      []byte
	Algorithms []AlgorithmInfo
}

// Init creates a token in dir.
func Init(dir string, args InitArgs, opts ...LocalOption) error {
	o := newLocalOptions(opts)

	if _, err := os.Stat(filepath.Join(dir, tokenFile)); err == nil {
		return fmt.Errorf("%s: %w", dir, ErrTokenExists)
	}
	if len(args.UserPIN) == 0 {
		return fmt.Errorf("init token: user pin is required")
	}

	serial := args.Serial
	if serial == "" {
		sn := make([]byte, 8)
		if _, err := rand.Read(sn); err != nil {
			return fmt.Errorf("generate serial: %w", err)
		}
		serial = hex.EncodeToString(sn)
	}
	if _, err := hex.DecodeString(serial); err != nil {
		return fmt.Errorf("serial %q is not hex: %w", serial, err)
	}

	atr := args.ATR
	if atr == nil {
		atr = DefaultATR
	}
	algs := args.Algorithms
	if len(algs) == 0 {
		algs = DefaultAlgorithms
	}

	tok := tokenRecord{
		Label:      args.Label,
		Serial:     strings.ToLower(serial),
		ATR:        bytes.Clone(atr),
		LastUpdate: o.now().UTC().Format(lastUpdateLayout),
	}
	for _, a := range algs {
		if a.Algorithm != AlgorithmRSA {
			continue
		}
		tok.Algorithms = append(tok.Algorithms, algorithmRecord{KeyLength: a.KeyLength, Flags: a.Flags})
	}

	user, err := newPinRecord([]byte{0x01}, "User PIN", PinLocal|PinInitialized, args.UserPIN)
	if err != nil {
		return err
	}
	tok.Pins = append(tok.Pins, user)
	if len(args.SOPIN) > 0 {
		so, err := newPinRecord([]byte{0x02}, "SO PIN", PinLocal|PinInitialized|PinSO, args.SOPIN)
		if err != nil {
			return err
		}
		tok.Pins = append(tok.Pins, so)
	}

	if err := os.MkdirAll(filepath.Join(dir, objectsDir), 0o700); err != nil {
		return fmt.Errorf("create token directory: %w", err)
	}
	return writeToken(dir, tok)
}

func newPinRecord(id []byte, label string, flags PinFlags, pin []byte) (pinRecord, error) {
	salt := make([]byte, pinSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return pinRecord{}, fmt.Errorf("generate pin salt: %w", err)
	}
	return pinRecord{
		ID:    id,
		Label: label,
		Flags: flags,
		Salt:  salt,
		Hash:  argon2.IDKey(pin, salt, pinTime, pinMemory, pinThreads, pinKeyLen),
	}, nil
}

// OpenLocal loads the token in dir.
func OpenLocal(dir string, opts ...LocalOption) (*LocalStore, error) {
	o := newLocalOptions(opts)

	raw, err := os.ReadFile(filepath.Join(dir, tokenFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", dir, ErrNoToken)
		}
		return nil, fmt.Errorf("read token: %w", err)
	}
	var tok tokenRecord
	if err := cbor.Unmarshal(raw, &tok); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}

	compressor, err := compression.NewCompressor(o.level, true)
	if err != nil {
		return nil, fmt.Errorf("failed to create compressor: %w", err)
	}
	keys, err := NewKeyCache(o.keyCacheSize)
	if err != nil {
		compressor.Close()
		return nil, fmt.Errorf("failed to create key cache: %w", err)
	}

	s := &LocalStore{
		dir:        dir,
		opts:       o,
		compressor: compressor,
		keys:       keys,
		token:      tok,
		objects:    make(map[string]*objectRecord),
	}
	if err := s.loadObjects(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *LocalStore) loadObjects() error {
	entries, err := os.ReadDir(filepath.Join(s.dir, objectsDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read objects: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		p := path.Join(objectsDir, e.Name())
		data, err := os.ReadFile(filepath.Join(s.dir, filepath.FromSlash(p)))
		if err != nil {
			return fmt.Errorf("read object %s: %w", p, err)
		}
		plain, err := s.compressor.Decompress(data)
		if err != nil {
			return fmt.Errorf("object %s: %w", p, err)
		}
		var rec objectRecord
		if err := cbor.Unmarshal(plain, &rec); err != nil {
			return fmt.Errorf("decode object %s: %w", p, err)
		}
		s.objects[p] = &rec
	}
	return nil
}

// Dir returns the token directory.
func (s *LocalStore) Dir() string { return s.dir }

func (s *LocalStore) TokenInfo(ctx context.Context) (TokenInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return TokenInfo{
		Label:        s.token.Label,
		SerialNumber: s.token.Serial,
		LastUpdate:   s.token.LastUpdate,
		ATR:          bytes.Clone(s.token.ATR),
	}, nil
}

func (s *LocalStore) paths() []string {
	return slices.Sorted(maps.Keys(s.objects))
}

func (s *LocalStore) object(p string, r *objectRecord) *Object {
	return &Object{
		Type:        r.Type,
		ID:          bytes.Clone(r.ID),
		Label:       r.Label,
		App:         r.App,
		Path:        p,
		Size:        r.Size,
		ModulusBits: r.Bits,
		Usage:       r.Usage,
		AuthID:      bytes.Clone(r.AuthID),
		PublicKey:   bytes.Clone(r.PublicKey),
	}
}

func pinObject(p pinRecord) *Object {
	return &Object{
		Type:     TypeAuthPin,
		ID:       bytes.Clone(p.ID),
		AuthID:   bytes.Clone(p.ID),
		Label:    p.Label,
		Path:     "pin/" + hex.EncodeToString(p.ID),
		PinFlags: p.Flags,
	}
}

func (s *LocalStore) Objects(ctx context.Context, typ ObjectType) ([]*Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Object
	if typ == TypeAuthPin {
		for _, p := range s.token.Pins {
			out = append(out, pinObject(p))
		}
		return out, nil
	}
	for _, p := range s.paths() {
		if r := s.objects[p]; r.Type == typ {
			out = append(out, s.object(p, r))
		}
	}
	return out, nil
}

func (s *LocalStore) FindByID(ctx context.Context, typ ObjectType, id []byte) (*Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(id) > 0 {
		for _, p := range s.paths() {
			if r := s.objects[p]; r.Type == typ && bytes.Equal(r.ID, id) {
				return s.object(p, r), nil
			}
		}
	}
	return nil, fmt.Errorf("%s %x: %w", typ, id, ErrNotFound)
}

func (s *LocalStore) FindDataObject(ctx context.Context, app, label string) (*Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.paths() {
		if r := s.objects[p]; r.Type == TypeData && r.App == app && r.Label == label {
			return s.object(p, r), nil
		}
	}
	return nil, fmt.Errorf("data object %s/%s: %w", app, label, ErrNotFound)
}

func (s *LocalStore) record(obj *Object) (*objectRecord, error) {
	if obj == nil {
		return nil, fmt.Errorf("nil object: %w", ErrNotFound)
	}
	r, ok := s.objects[obj.Path]
	if !ok {
		return nil, fmt.Errorf("object %s: %w", obj.Path, ErrNotFound)
	}
	return r, nil
}

// Read returns the content of a data object, certificate or public key.
// Private keys are never readable.
func (s *LocalStore) Read(ctx context.Context, obj *Object) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.record(obj)
	if err != nil {
		return nil, err
	}
	if r.Type == TypePrivateKey {
		return nil, fmt.Errorf("read private key: %w", ErrUnsupported)
	}
	return bytes.Clone(r.Data), nil
}

func (s *LocalStore) Begin(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx != nil {
		return ErrLocked
	}
	snap := make(map[string]*objectRecord, len(s.objects))
	for p, r := range s.objects {
		snap[p] = r.clone()
	}
	s.tx = &localTx{
		token:   s.token.clone(),
		objects: snap,
		touched: make(map[string]bool),
	}
	return nil
}

func (s *LocalStore) Commit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx == nil {
		return ErrNotLocked
	}
	tx := s.tx
	s.tx = nil

	if len(tx.touched) == 0 {
		return nil
	}
	s.token.LastUpdate = s.opts.now().UTC().Format(lastUpdateLayout)

	for p := range tx.touched {
		file := filepath.Join(s.dir, filepath.FromSlash(p))
		r, ok := s.objects[p]
		if !ok {
			if err := os.Remove(file); err != nil && !os.IsNotExist(err) {
				s.rollback(tx)
				return fmt.Errorf("remove object %s: %w", p, err)
			}
			continue
		}
		data, err := cborEnc.Marshal(r)
		if err != nil {
			s.rollback(tx)
			return fmt.Errorf("encode object %s: %w", p, err)
		}
		if err := writeFileAtomic(file, s.compressor.Compress(data)); err != nil {
			s.rollback(tx)
			return fmt.Errorf("write object %s: %w", p, err)
		}
	}
	if err := writeToken(s.dir, s.token); err != nil {
		s.rollback(tx)
		return err
	}
	return nil
}

func (s *LocalStore) Abort(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx == nil {
		return ErrNotLocked
	}
	tx := s.tx
	s.tx = nil
	s.rollback(tx)
	return nil
}

func (s *LocalStore) rollback(tx *localTx) {
	s.token = tx.token
	s.objects = tx.objects
	for p := range tx.touched {
		s.keys.Remove(p)
	}
}

// stage allocates an object file, or replaces an existing one, inside the
// current transaction.
func (s *LocalStore) stage(p string, r *objectRecord) (*Object, error) {
	if s.tx == nil {
		return nil, ErrNotLocked
	}
	if p == "" {
		s.token.NextObject++
		p = path.Join(objectsDir, fmt.Sprintf("%04d", s.token.NextObject))
	}
	s.objects[p] = r
	s.tx.touched[p] = true
	return s.object(p, r), nil
}

func (s *LocalStore) StoreDataObject(ctx context.Context, app, label string, data []byte) (*Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := sha1.Sum([]byte(app + "/" + label))
	return s.stage("", &objectRecord{
		Type:  TypeData,
		ID:    id[:],
		Label: label,
		App:   app,
		Size:  len(data),
		Data:  bytes.Clone(data),
	})
}

// UpdateObject replaces the content of an object without growing its file.
func (s *LocalStore) UpdateObject(ctx context.Context, obj *Object, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx == nil {
		return ErrNotLocked
	}
	r, err := s.record(obj)
	if err != nil {
		return err
	}
	if r.Type == TypePrivateKey {
		return fmt.Errorf("update private key: %w", ErrUnsupported)
	}
	if len(data) > r.Size {
		return fmt.Errorf("%d bytes into %s of %d: %w", len(data), obj.Path, r.Size, ErrNoSpace)
	}
	r.Data = bytes.Clone(data)
	_, err = s.stage(obj.Path, r)
	return err
}

func (s *LocalStore) StoreCertificate(ctx context.Context, der []byte) (*Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := &objectRecord{Type: TypeCertificate, Size: len(der), Data: bytes.Clone(der)}
	if cert, err := x509.ParseCertificate(der); err == nil {
		r.Label = cert.Subject.CommonName
		if pub, ok := cert.PublicKey.(*rsa.PublicKey); ok {
			r.ID = keyID(pub)
			r.Bits = pub.N.BitLen()
		}
	}
	if r.ID == nil {
		sum := sha1.Sum(der)
		r.ID = sum[:]
	}
	return s.stage("", r)
}

func (s *LocalStore) StorePrivateKey(ctx context.Context, args PrivateKeyArgs) (*Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.storePrivateKey(args)
}

func (s *LocalStore) storePrivateKey(args PrivateKeyArgs) (*Object, error) {
	if s.tx == nil {
		return nil, ErrNotLocked
	}
	if args.Key == nil {
		return nil, fmt.Errorf("store private key: no key")
	}
	sealed, err := s.seal(x509.MarshalPKCS1PrivateKey(args.Key))
	if err != nil {
		return nil, err
	}
	obj, err := s.stage("", &objectRecord{
		Type:      TypePrivateKey,
		ID:        keyID(&args.Key.PublicKey),
		Label:     args.Label,
		Usage:     args.Usage,
		AuthID:    bytes.Clone(args.AuthID),
		Bits:      args.Key.N.BitLen(),
		PublicKey: x509.MarshalPKCS1PublicKey(&args.Key.PublicKey),
		Sealed:    sealed,
	})
	if err != nil {
		return nil, err
	}
	s.keys.Add(obj.Path, args.Key)
	return obj, nil
}

func (s *LocalStore) StorePublicKey(ctx context.Context, args PublicKeyArgs) (*Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.storePublicKey(args)
}

func (s *LocalStore) storePublicKey(args PublicKeyArgs) (*Object, error) {
	if args.Key == nil {
		return nil, fmt.Errorf("store public key: no key")
	}
	der := x509.MarshalPKCS1PublicKey(args.Key)
	return s.stage("", &objectRecord{
		Type:  TypePublicKey,
		ID:    keyID(args.Key),
		Label: args.Label,
		Usage: args.Usage,
		Bits:  args.Key.N.BitLen(),
		Size:  len(der),
		Data:  der,
	})
}

// GenerateKey creates an RSA key pair and stores both halves.
func (s *LocalStore) GenerateKey(ctx context.Context, args KeyArgs) (*Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx == nil {
		return nil, ErrNotLocked
	}
	if _, ok := s.findAlgorithm(args.Bits); !ok {
		return nil, fmt.Errorf("rsa %d: %w", args.Bits, ErrUnsupported)
	}
	if s.userPIN == nil {
		return nil, ErrNotLoggedIn
	}
	key, err := rsa.GenerateKey(rand.Reader, args.Bits)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key: %w", err)
	}
	obj, err := s.storePrivateKey(PrivateKeyArgs{KeyArgs: args, Key: key})
	if err != nil {
		return nil, err
	}
	if _, err := s.storePublicKey(PublicKeyArgs{Label: args.Label, Usage: args.Usage, Key: &key.PublicKey}); err != nil {
		return nil, err
	}
	return obj, nil
}

func (s *LocalStore) DeleteObject(ctx context.Context, obj *Object) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx == nil {
		return ErrNotLocked
	}
	if _, err := s.record(obj); err != nil {
		return err
	}
	delete(s.objects, obj.Path)
	s.tx.touched[obj.Path] = true
	s.keys.Remove(obj.Path)
	return nil
}

// GUID derives a stable container name from the token serial number and
// the key id.
func (s *LocalStore) GUID(ctx context.Context, key *Object) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(key.ID) == 0 {
		return "", fmt.Errorf("guid: key has no id")
	}
	u := uuid.NewSHA1(guidNamespace, append([]byte(s.token.Serial), key.ID...))
	return "{" + strings.ToUpper(u.String()) + "}", nil
}

// VerifyPin checks secret against pin. A verified user PIN unlocks the
// private keys for the rest of the session.
func (s *LocalStore) VerifyPin(ctx context.Context, pin *Object, secret []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.token.Pins {
		if !bytes.Equal(p.ID, pin.ID) {
			continue
		}
		sum := argon2.IDKey(secret, p.Salt, pinTime, pinMemory, pinThreads, pinKeyLen)
		if subtle.ConstantTimeCompare(sum, p.Hash) != 1 {
			return ErrPinIncorrect
		}
		if p.Flags&(PinSO|PinUnblocking) == 0 {
			s.userPIN = bytes.Clone(secret)
		}
		return nil
	}
	return fmt.Errorf("pin %x: %w", pin.ID, ErrNotFound)
}

func (s *LocalStore) seal(der []byte) ([]byte, error) {
	if s.userPIN == nil {
		return nil, ErrNotLoggedIn
	}
	recipient, err := age.NewScryptRecipient(string(s.userPIN))
	if err != nil {
		return nil, fmt.Errorf("seal key: %w", err)
	}
	recipient.SetWorkFactor(s.opts.workFactor)

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return nil, fmt.Errorf("seal key: %w", err)
	}
	if _, err := w.Write(der); err != nil {
		return nil, fmt.Errorf("seal key: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("seal key: %w", err)
	}
	return buf.Bytes(), nil
}

func (s *LocalStore) unseal(obj *Object) (*rsa.PrivateKey, error) {
	r, err := s.record(obj)
	if err != nil {
		return nil, err
	}
	if r.Type != TypePrivateKey {
		return nil, fmt.Errorf("%s is not a private key: %w", obj.Path, ErrUnsupported)
	}
	if key, ok := s.keys.Get(obj.Path); ok {
		return key, nil
	}
	if s.userPIN == nil {
		return nil, ErrNotLoggedIn
	}

	identity, err := age.NewScryptIdentity(string(s.userPIN))
	if err != nil {
		return nil, fmt.Errorf("unseal key: %w", err)
	}
	identity.SetMaxWorkFactor(max(s.opts.workFactor, DefaultScryptWorkFactor))
	rd, err := age.Decrypt(bytes.NewReader(r.Sealed), identity)
	if err != nil {
		return nil, fmt.Errorf("unseal key %s: %w", obj.Path, ErrPinIncorrect)
	}
	der, err := io.ReadAll(rd)
	if err != nil {
		return nil, fmt.Errorf("unseal key %s: %w", obj.Path, err)
	}
	key, err := x509.ParsePKCS1PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse key %s: %w", obj.Path, err)
	}
	s.keys.Add(obj.Path, key)
	return key, nil
}

func (s *LocalStore) ComputeSignature(ctx context.Context, key *Object, flags CryptFlags, in []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	priv, err := s.usableKey(key, flags)
	if err != nil {
		return nil, err
	}
	switch {
	case flags&RSARaw != 0:
		return rawPrivate(priv, in)
	case flags&RSAPadPKCS1 != 0:
		return rsa.SignPKCS1v15(nil, priv, crypto.Hash(0), in)
	default:
		return nil, fmt.Errorf("signature flags 0x%x: %w", uint32(flags), ErrUnsupported)
	}
}

func (s *LocalStore) Decipher(ctx context.Context, key *Object, flags CryptFlags, in []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	priv, err := s.usableKey(key, flags)
	if err != nil {
		return nil, err
	}
	switch {
	case flags&RSARaw != 0:
		return rawPrivate(priv, in)
	case flags&RSAPadPKCS1 != 0:
		return rsa.DecryptPKCS1v15(nil, priv, in)
	default:
		return nil, fmt.Errorf("decipher flags 0x%x: %w", uint32(flags), ErrUnsupported)
	}
}

// usableKey unseals key and checks the token advertises the requested
// operation for its length.
func (s *LocalStore) usableKey(key *Object, flags CryptFlags) (*rsa.PrivateKey, error) {
	priv, err := s.unseal(key)
	if err != nil {
		return nil, err
	}
	alg, ok := s.findAlgorithm(priv.N.BitLen())
	if !ok || alg.Flags&flags&(RSARaw|RSAPadPKCS1) == 0 {
		return nil, fmt.Errorf("rsa %d flags 0x%x: %w", priv.N.BitLen(), uint32(flags), ErrUnsupported)
	}
	return priv, nil
}

// rawPrivate computes in^d mod n into a modulus-sized buffer.
func rawPrivate(priv *rsa.PrivateKey, in []byte) ([]byte, error) {
	m := new(big.Int).SetBytes(in)
	if m.Cmp(priv.N) >= 0 {
		return nil, fmt.Errorf("raw rsa: input out of range")
	}
	c := new(big.Int).Exp(m, priv.D, priv.N)
	return c.FillBytes(make([]byte, (priv.N.BitLen()+7)/8)), nil
}

func (s *LocalStore) findAlgorithm(bits int) (AlgorithmInfo, bool) {
	for _, a := range s.token.Algorithms {
		if a.KeyLength == bits {
			return AlgorithmInfo{Algorithm: AlgorithmRSA, KeyLength: a.KeyLength, Flags: a.Flags}, true
		}
	}
	return AlgorithmInfo{}, false
}

func (s *LocalStore) FindAlgorithm(alg Algorithm, bits int) (AlgorithmInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if alg != AlgorithmRSA {
		return AlgorithmInfo{}, false
	}
	return s.findAlgorithm(bits)
}

// Close drops the session: a pending transaction is rolled back and the
// unlocked keys are forgotten.
func (s *LocalStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.tx != nil {
		s.rollback(s.tx)
		s.tx = nil
	}
	clear(s.userPIN)
	s.userPIN = nil
	s.keys.Purge()
	return s.compressor.Close()
}

// keyID is the SHA-1 of the modulus, shared by a key pair and the
// certificates issued for it.
func keyID(pub *rsa.PublicKey) []byte {
	sum := sha1.Sum(pub.N.Bytes())
	return sum[:]
}

func writeToken(dir string, tok tokenRecord) error {
	data, err := cborEnc.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(dir, tokenFile), data); err != nil {
		return fmt.Errorf("write token: %w", err)
	}
	return nil
}

func writeFileAtomic(name string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(name), 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(name), "."+filepath.Base(name)+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), name)
}

// Export returns the token files of dir keyed by slash-separated relative
// path.
func Export(dir string) (map[string][]byte, error) {
	files := make(map[string][]byte)
	data, err := os.ReadFile(filepath.Join(dir, tokenFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", dir, ErrNoToken)
		}
		return nil, fmt.Errorf("read token: %w", err)
	}
	files[tokenFile] = data

	entries, err := os.ReadDir(filepath.Join(dir, objectsDir))
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read objects: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, objectsDir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read object %s: %w", e.Name(), err)
		}
		files[path.Join(objectsDir, e.Name())] = data
	}
	return files, nil
}

// Restore replaces the token in dir with files produced by Export.
func Restore(dir string, files map[string][]byte) error {
	if _, ok := files[tokenFile]; !ok {
		return fmt.Errorf("restore: %s missing", tokenFile)
	}
	for name := range files {
		if name == tokenFile {
			continue
		}
		d, f := path.Split(name)
		if d != objectsDir+"/" || f == "" || strings.HasPrefix(f, ".") {
			return fmt.Errorf("restore: unexpected file %q", name)
		}
	}

	if err := os.RemoveAll(filepath.Join(dir, objectsDir)); err != nil {
		return fmt.Errorf("clear objects: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, objectsDir), 0o700); err != nil {
		return fmt.Errorf("create objects dir: %w", err)
	}
	for _, name := range slices.Sorted(maps.Keys(files)) {
		if name == tokenFile {
			continue
		}
		if err := writeFileAtomic(filepath.Join(dir, filepath.FromSlash(name)), files[name]); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	return writeFileAtomic(filepath.Join(dir, tokenFile), files[tokenFile])
}

// LocalConnector opens the software token in Dir for any handle pair.
type LocalConnector struct {
	Dir     string
	Options []LocalOption
}

func (c LocalConnector) Connect(ctx context.Context, h Handles) (ObjectStore, error) {
	return OpenLocal(c.Dir, c.Options...)
}
