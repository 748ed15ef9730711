package cardmd

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aweris/cardmd/internal/store"
)

var testATR = []byte{0x3b, 0x8f, 0x80, 0x01, 0x80, 0x4f}

var testKey = sync.OnceValue(func() *rsa.PrivateKey {
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		panic(err)
	}
	return key
})

func keyIDOf(pub *rsa.PublicKey) []byte {
	sum := sha1.Sum(pub.N.Bytes())
	return sum[:]
}

// fakeStore is an in-memory ObjectStore with a transaction bracket check.
type fakeStore struct {
	info TokenInfo
	algs []AlgorithmInfo
	pin  []byte

	objects []*Object
	data    map[*Object][]byte
	keys    map[*Object]*rsa.PrivateKey

	inTx    bool
	commits int
	aborts  int
	closes  int

	failUpdate error
	failDelete error

	// Queued errors, one per call, for TokenInfo and Objects.
	tokenInfoErrs []error
	objectsErrs   []error
}

func newFakeStore() *fakeStore {
	st := &fakeStore{
		info: TokenInfo{
			Label:        "test token",
			SerialNumber: "0a0b0c0d",
			LastUpdate:   "20250101120000Z",
			ATR:          testATR,
		},
		algs: []AlgorithmInfo{{
			Algorithm: store.AlgorithmRSA,
			KeyLength: 1024,
			Flags:     store.RSARaw | store.RSAPadPKCS1 | store.RSAHashNone,
		}},
		pin:  []byte("1234"),
		data: make(map[*Object][]byte),
		keys: make(map[*Object]*rsa.PrivateKey),
	}
	st.objects = append(st.objects, &Object{
		Type:     store.TypeAuthPin,
		ID:       []byte{0x01},
		AuthID:   []byte{0x01},
		Label:    "User PIN",
		PinFlags: store.PinLocal | store.PinInitialized,
	})
	return st
}

func (f *fakeStore) add(obj *Object, data []byte) *Object {
	f.objects = append(f.objects, obj)
	if data != nil {
		f.data[obj] = bytes.Clone(data)
	}
	return obj
}

// addKey places key on the card as a private key object.
func (f *fakeStore) addKey(key *rsa.PrivateKey) *Object {
	obj := f.add(&Object{
		Type:        store.TypePrivateKey,
		ID:          keyIDOf(&key.PublicKey),
		Label:       "key",
		ModulusBits: key.N.BitLen(),
		PublicKey:   x509.MarshalPKCS1PublicKey(&key.PublicKey),
	}, nil)
	f.keys[obj] = key
	return obj
}

// addData places a data object without a transaction.
func (f *fakeStore) addData(app, label string, data []byte) *Object {
	return f.add(&Object{Type: store.TypeData, App: app, Label: label, Size: len(data)}, data)
}

func (f *fakeStore) dataObject(label string) (*Object, []byte) {
	for _, o := range f.objects {
		if o.Type == store.TypeData && o.App == dataApp && o.Label == label {
			return o, f.data[o]
		}
	}
	return nil, nil
}

func (f *fakeStore) count(typ store.ObjectType) int {
	n := 0
	for _, o := range f.objects {
		if o.Type == typ {
			n++
		}
	}
	return n
}

func (f *fakeStore) requireTx() error {
	if !f.inTx {
		return store.ErrNotLocked
	}
	return nil
}

func popErr(queue *[]error) error {
	if len(*queue) == 0 {
		return nil
	}
	err := (*queue)[0]
	*queue = (*queue)[1:]
	return err
}

func (f *fakeStore) TokenInfo(context.Context) (TokenInfo, error) {
	if err := popErr(&f.tokenInfoErrs); err != nil {
		return TokenInfo{}, err
	}
	return f.info, nil
}

func (f *fakeStore) Objects(_ context.Context, typ store.ObjectType) ([]*Object, error) {
	if err := popErr(&f.objectsErrs); err != nil {
		return nil, err
	}
	var out []*Object
	for _, o := range f.objects {
		if o.Type == typ {
			out = append(out, o)
		}
	}
	return out, nil
}

func (f *fakeStore) FindByID(_ context.Context, typ store.ObjectType, id []byte) (*Object, error) {
	for _, o := range f.objects {
		if o.Type == typ && bytes.Equal(o.ID, id) {
			return o, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) FindDataObject(_ context.Context, app, label string) (*Object, error) {
	for _, o := range f.objects {
		if o.Type == store.TypeData && o.App == app && o.Label == label {
			return o, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) Read(_ context.Context, obj *Object) ([]byte, error) {
	if !slices.Contains(f.objects, obj) {
		return nil, store.ErrNotFound
	}
	return bytes.Clone(f.data[obj]), nil
}

func (f *fakeStore) Begin(context.Context) error {
	if f.inTx {
		return store.ErrLocked
	}
	f.inTx = true
	return nil
}

func (f *fakeStore) Commit(context.Context) error {
	if err := f.requireTx(); err != nil {
		return err
	}
	f.inTx = false
	f.commits++
	return nil
}

func (f *fakeStore) Abort(context.Context) error {
	if err := f.requireTx(); err != nil {
		return err
	}
	f.inTx = false
	f.aborts++
	return nil
}

func (f *fakeStore) StoreDataObject(_ context.Context, app, label string, data []byte) (*Object, error) {
	if err := f.requireTx(); err != nil {
		return nil, err
	}
	return f.addData(app, label, data), nil
}

func (f *fakeStore) UpdateObject(_ context.Context, obj *Object, data []byte) error {
	if err := f.requireTx(); err != nil {
		return err
	}
	if f.failUpdate != nil {
		return f.failUpdate
	}
	if len(data) > obj.Size {
		return store.ErrNoSpace
	}
	f.data[obj] = bytes.Clone(data)
	return nil
}

func (f *fakeStore) StoreCertificate(_ context.Context, der []byte) (*Object, error) {
	if err := f.requireTx(); err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, store.ErrUnsupported
	}
	return f.add(&Object{Type: store.TypeCertificate, ID: keyIDOf(pub), Size: len(der)}, der), nil
}

func (f *fakeStore) StorePrivateKey(_ context.Context, args store.PrivateKeyArgs) (*Object, error) {
	if err := f.requireTx(); err != nil {
		return nil, err
	}
	obj := f.addKey(args.Key)
	obj.Label = args.Label
	obj.AuthID = args.AuthID
	obj.Usage = args.Usage
	return obj, nil
}

func (f *fakeStore) StorePublicKey(_ context.Context, args store.PublicKeyArgs) (*Object, error) {
	if err := f.requireTx(); err != nil {
		return nil, err
	}
	der := x509.MarshalPKCS1PublicKey(args.Key)
	return f.add(&Object{
		Type:        store.TypePublicKey,
		ID:          keyIDOf(args.Key),
		Label:       args.Label,
		Usage:       args.Usage,
		ModulusBits: args.Key.N.BitLen(),
		Size:        len(der),
	}, der), nil
}

func (f *fakeStore) GenerateKey(ctx context.Context, args store.KeyArgs) (*Object, error) {
	if err := f.requireTx(); err != nil {
		return nil, err
	}
	key, err := rsa.GenerateKey(rand.Reader, args.Bits)
	if err != nil {
		return nil, err
	}
	obj, err := f.StorePrivateKey(ctx, store.PrivateKeyArgs{KeyArgs: args, Key: key})
	if err != nil {
		return nil, err
	}
	if _, err := f.StorePublicKey(ctx, store.PublicKeyArgs{Label: args.Label, Usage: args.Usage, Key: &key.PublicKey}); err != nil {
		return nil, err
	}
	return obj, nil
}

func (f *fakeStore) DeleteObject(_ context.Context, obj *Object) error {
	if err := f.requireTx(); err != nil {
		return err
	}
	if f.failDelete != nil {
		return f.failDelete
	}
	i := slices.Index(f.objects, obj)
	if i < 0 {
		return store.ErrNotFound
	}
	f.objects = slices.Delete(f.objects, i, i+1)
	delete(f.data, obj)
	delete(f.keys, obj)
	return nil
}

func (f *fakeStore) GUID(_ context.Context, key *Object) (string, error) {
	return fmt.Sprintf("{%X}", key.ID), nil
}

func (f *fakeStore) VerifyPin(_ context.Context, _ *Object, secret []byte) error {
	if !bytes.Equal(secret, f.pin) {
		return store.ErrPinIncorrect
	}
	return nil
}

func (f *fakeStore) rawPrivate(key *Object, in []byte) ([]byte, error) {
	priv, ok := f.keys[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	m := new(big.Int).SetBytes(in)
	out := make([]byte, (priv.N.BitLen()+7)/8)
	return new(big.Int).Exp(m, priv.D, priv.N).FillBytes(out), nil
}

func (f *fakeStore) ComputeSignature(_ context.Context, key *Object, flags store.CryptFlags, in []byte) ([]byte, error) {
	if flags&store.RSARaw != 0 {
		return f.rawPrivate(key, in)
	}
	priv, ok := f.keys[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return rsa.SignPKCS1v15(nil, priv, 0, in)
}

func (f *fakeStore) Decipher(_ context.Context, key *Object, flags store.CryptFlags, in []byte) ([]byte, error) {
	if flags&store.RSARaw != 0 {
		return f.rawPrivate(key, in)
	}
	priv, ok := f.keys[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return rsa.DecryptPKCS1v15(nil, priv, in)
}

func (f *fakeStore) FindAlgorithm(alg store.Algorithm, bits int) (AlgorithmInfo, bool) {
	for _, a := range f.algs {
		if a.Algorithm == alg && a.KeyLength == bits {
			return a, true
		}
	}
	return AlgorithmInfo{}, false
}

func (f *fakeStore) Close() error {
	f.closes++
	return nil
}

// fakeConnector hands out the same store for every connection.
type fakeConnector struct {
	st      *fakeStore
	handles []Handles
}

func (c *fakeConnector) Connect(_ context.Context, h Handles) (ObjectStore, error) {
	c.handles = append(c.handles, h)
	return c.st, nil
}

// resetProcessPolicy forgets the policy resolved by an earlier test.
func resetProcessPolicy(t *testing.T) {
	t.Helper()
	reset := func() {
		processPolicy.mu.Lock()
		processPolicy.resolved = false
		processPolicy.policy = Policy{}
		processPolicy.mu.Unlock()
	}
	reset()
	t.Cleanup(reset)
}

func testModel(readOnly bool) CardModel {
	return CardModel{
		Name:               "test card",
		ATR:                fmt.Sprintf("%x", testATR),
		ReadOnly:           &readOnly,
		SupportsEnrollment: &[]bool{true}[0],
	}
}

func openTestCard(t *testing.T, st *fakeStore, readOnly bool) (*Card, *fakeConnector) {
	t.Helper()
	resetProcessPolicy(t)
	conn := &fakeConnector{st: st}
	card, err := Open(context.Background(), conn, Handles{Context: 1, Card: 1},
		WithCardModels(testModel(readOnly)),
		WithRandom(func() uint32 { return 4242 }),
	)
	require.NoError(t, err)
	t.Cleanup(func() { card.Close() })
	return card, conn
}

func selfSignedCert(t *testing.T, key *rsa.PrivateKey) []byte {
	t.Helper()
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "cardmd test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return der
}
