package cardmd

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/aweris/cardmd/internal/store"
)

// Well-known names of the card filesystem.
const (
	DirContainers    = "mscp"
	FileCardID       = "cardid"
	FileCardCF       = "cardcf"
	FileCardApps     = "cardapps"
	FileContainerMap = "cmapfile"

	dataApp    = "CSP"
	cardIDSize = 16
)

var cardAppsContent = []byte{'m', 's', 'c', 'p', 0, 0, 0, 0}

// Card is a session on one card. It owns the virtual filesystem, the
// container registry and the cache state built from the card's objects,
// and serializes every call.
//
// Each entry point compares the handles last reported through
// UpdateHandles with the ones the session was built for and rebuilds all
// state on a mismatch. Calls racing with a handle change are not
// coordinated beyond that.
type Card struct {
	mu sync.Mutex

	connector Connector
	opts      *Options
	log       Logger

	bound   Handles
	current Handles
	closed  bool

	store  ObjectStore
	token  TokenInfo
	policy Policy
	pins   []*Object

	fs         *VirtualFS
	mscp       *Directory
	cardcfFile *File
	cmapFile   *File

	containers *ContainerStore
	cache      CacheTracker

	cmapObj   *Object
	cardcfObj *Object
}

// Open connects to the card behind h and builds the session state.
func Open(ctx context.Context, connector Connector, h Handles, opts ...Option) (*Card, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	c := &Card{
		connector:  connector,
		opts:       options,
		log:        options.Logger,
		current:    h,
		containers: NewContainerStore(),
	}
	if err := c.associate(ctx, h); err != nil {
		return nil, opErr(opAssociate, "", err)
	}
	return c, nil
}

// UpdateHandles records the handle pair the host currently uses. The next
// call rebuilds the session when it differs from the bound pair.
func (c *Card) UpdateHandles(h Handles) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = h
}

// Close releases the object store and drops all session state.
func (c *Card) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.teardown()
}

// enter runs at the top of every entry point with c.mu held.
func (c *Card) enter(ctx context.Context) error {
	if c.closed {
		return ErrClosed
	}
	if c.current == c.bound && c.store != nil {
		return nil
	}
	c.log.Info(ctx, "card handles changed, reassociating",
		"context", c.current.Context, "card", c.current.Card)
	if err := c.teardown(); err != nil {
		c.log.Warn(ctx, "release object store", "err", err)
	}
	if err := c.associate(ctx, c.current); err != nil {
		return opErr(opAssociate, "", err)
	}
	return nil
}

// associate builds the session for h. On failure nothing stays bound, so
// the next entry point associates again.
func (c *Card) associate(ctx context.Context, h Handles) (err error) {
	st, err := c.connector.Connect(ctx, h)
	if err != nil {
		return internal("connect", err)
	}
	c.store = st
	defer func() {
		if err == nil {
			c.bound = h
			return
		}
		if cerr := c.teardown(); cerr != nil {
			c.log.Warn(ctx, "release object store", "err", cerr)
		}
	}()

	if c.token, err = st.TokenInfo(ctx); err != nil {
		return internal("token info", err)
	}
	if c.policy, err = resolvePolicy(c.token.ATR, c.opts.Models); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParameter, err)
	}
	if c.pins, err = st.Objects(ctx, store.TypeAuthPin); err != nil {
		return internal("enumerate pins", err)
	}
	if err := c.buildFS(ctx); err != nil {
		return err
	}

	c.log.Debug(ctx, "card associated",
		"serial", c.token.SerialNumber,
		"read_only", c.policy.ReadOnly,
		"free_containers", c.containers.FreeSlots())
	return nil
}

func (c *Card) teardown() error {
	var err error
	if c.store != nil {
		err = c.store.Close()
	}
	c.store = nil
	c.bound = Handles{}
	c.pins = nil
	c.fs = nil
	c.mscp, c.cardcfFile, c.cmapFile = nil, nil, nil
	c.cmapObj, c.cardcfObj = nil, nil
	c.containers.Reset()
	c.cache = CacheTracker{}
	return err
}

// buildFS populates the root files, the container directory and the
// registry from the card.
func (c *Card) buildFS(ctx context.Context) error {
	c.fs = newVirtualFS(c)

	cardID, err := cardIdentifier(c.token.SerialNumber)
	if err != nil {
		return err
	}
	if _, err := c.fs.AddFile(nil, FileCardID, EveryoneReadAdminWriteAc, cardID); err != nil {
		return err
	}

	if c.cardcfFile, err = c.fs.AddFile(nil, FileCardCF, EveryoneReadUserWriteAc, nil); err != nil {
		return err
	}
	if err := c.initCache(ctx); err != nil {
		return err
	}

	if _, err := c.fs.AddFile(nil, FileCardApps, EveryoneReadAdminWriteAc, cardAppsContent); err != nil {
		return err
	}

	if c.mscp, err = c.fs.AddDirectory(nil, DirContainers, UserCreateDeleteDirAc); err != nil {
		return err
	}
	if c.cmapFile, err = c.fs.AddFile(c.mscp, FileContainerMap, EveryoneReadUserWriteAc, nil); err != nil {
		return err
	}
	return c.loadContainers(ctx)
}

// cardIdentifier fills 16 bytes with the binary serial number, repeated.
// A token without a serial number yields no content.
func cardIdentifier(serial string) ([]byte, error) {
	if serial == "" {
		return nil, nil
	}
	sn, err := hex.DecodeString(serial)
	if err != nil || len(sn) == 0 {
		return nil, fmt.Errorf("%w: serial number %q", ErrInvalidValue, serial)
	}
	id := make([]byte, 0, cardIDSize)
	for len(id) < cardIDSize {
		n := min(cardIDSize-len(id), len(sn))
		id = append(id, sn[:n]...)
	}
	return id, nil
}

func (c *Card) initCache(ctx context.Context) error {
	var persisted []byte
	obj, err := c.store.FindDataObject(ctx, dataApp, FileCardCF)
	switch {
	case err == nil:
		data, rerr := c.store.Read(ctx, obj)
		if rerr != nil {
			c.log.Warn(ctx, "read cardcf object", "err", rerr)
			break
		}
		if len(data) >= cacheRecordSize {
			persisted = data
			c.cardcfObj = obj
		}
	case !errors.Is(err, store.ErrNotFound):
		return internal("find cardcf", err)
	}

	seed := c.cache.Init(persisted, c.token.LastUpdate, c.opts.Rand)
	c.cardcfFile.replace(c.cache.State().Bytes())
	c.log.Debug(ctx, "cardcf seeded", "source", string(seed))
	return nil
}

func (c *Card) loadContainers(ctx context.Context) error {
	keys, err := c.store.Objects(ctx, store.TypePrivateKey)
	if err != nil {
		return internal("enumerate private keys", err)
	}
	if len(keys) > MaxContainers {
		keys = keys[:MaxContainers]
	}

	bindings := make([]KeyBinding, 0, len(keys))
	for _, key := range keys {
		guid, err := c.store.GUID(ctx, key)
		if err != nil {
			return internal("key guid", err)
		}
		kb := KeyBinding{Key: key, GUID: guid}
		if kb.Certificate, err = c.lookup(ctx, store.TypeCertificate, key.ID); err != nil {
			return err
		}
		if kb.PublicKey, err = c.lookup(ctx, store.TypePublicKey, key.ID); err != nil {
			return err
		}
		bindings = append(bindings, kb)
	}

	var persisted []byte
	obj, err := c.store.FindDataObject(ctx, dataApp, FileContainerMap)
	switch {
	case err == nil:
		c.cmapObj = obj
		if persisted, err = c.store.Read(ctx, obj); err != nil {
			c.log.Warn(ctx, "read container map object", "err", err)
			persisted = nil
		}
	case !errors.Is(err, store.ErrNotFound):
		return internal("find container map", err)
	}

	if err := c.containers.Reconcile(bindings, persisted); err != nil {
		c.log.Warn(ctx, "container map partially decoded", "err", err)
	}
	return c.publishContainers(ctx)
}

// lookup finds an object by id; a missing object is not an error.
func (c *Card) lookup(ctx context.Context, typ store.ObjectType, id []byte) (*Object, error) {
	obj, err := c.store.FindByID(ctx, typ, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, internal("find "+typ.String(), err)
	}
	return obj, nil
}

// publishContainers renders the registry into the cmapfile and adds the
// certificate files of every container that has a certificate.
func (c *Card) publishContainers(ctx context.Context) error {
	data, err := c.containers.MapFile()
	if err != nil {
		return err
	}
	c.cmapFile.replace(data)

	for _, cont := range c.containers.Containers() {
		for _, name := range certFileNames(&cont) {
			if _, err := c.fs.AddFile(c.mscp, name, c.cmapFile.acl, nil); err != nil {
				return err
			}
		}
	}
	c.containers.clean()
	c.log.Debug(ctx, "containers published", "free", c.containers.FreeSlots())
	return nil
}

// transact runs fn inside a store transaction. Commit runs when fn
// succeeds; Abort runs on every other path.
func (c *Card) transact(ctx context.Context, what string, fn func() error) (err error) {
	if err := c.store.Begin(ctx); err != nil {
		return internal("begin "+what, err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if aerr := c.store.Abort(ctx); aerr != nil {
			c.log.Warn(ctx, "abort transaction", "op", what, "err", aerr)
		}
	}()

	if err := fn(); err != nil {
		return err
	}
	if err := c.store.Commit(ctx); err != nil {
		return internal("commit "+what, err)
	}
	committed = true
	return nil
}

// persistContainers writes the container map when it is dirty and the
// policy allows writes.
func (c *Card) persistContainers(ctx context.Context) error {
	if !c.containers.Dirty() {
		return nil
	}
	if c.policy.ReadOnly {
		c.log.Debug(ctx, "container map not persisted: read-only")
		return nil
	}
	if c.cmapObj == nil {
		if err := c.createContainerMap(ctx); err != nil {
			return err
		}
		c.containers.clean()
		return nil
	}

	encoded, err := c.containers.Encode()
	if err != nil {
		return err
	}
	size := c.cmapObj.Size
	if size == 0 {
		size = persistedMapSize
	}
	if len(encoded) > size {
		return fmt.Errorf("%w: container map of %d bytes exceeds object of %d", ErrInternal, len(encoded), size)
	}
	image := make([]byte, size)
	copy(image, encoded)

	err = c.transact(ctx, "update container map", func() error {
		if err := c.store.UpdateObject(ctx, c.cmapObj, image); err != nil {
			return internal("update container map", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	c.containers.clean()
	return nil
}

// createContainerMap stores the container map data object.
func (c *Card) createContainerMap(ctx context.Context) error {
	encoded, err := c.containers.Encode()
	if err != nil {
		return err
	}
	image, err := padContainerMap(encoded)
	if err != nil {
		return err
	}
	return c.transact(ctx, "create container map", func() error {
		obj, err := c.store.StoreDataObject(ctx, dataApp, FileContainerMap, image)
		if err != nil {
			return internal("store container map", err)
		}
		c.cmapObj = obj
		return nil
	})
}

// persistCache writes the cache image unless the policy is read-only.
func (c *Card) persistCache(ctx context.Context) error {
	if c.policy.ReadOnly {
		c.log.Debug(ctx, "cardcf not persisted: read-only")
		return nil
	}
	image := c.cache.State().Image(c.token.LastUpdate)

	if c.cardcfObj == nil {
		return c.transact(ctx, "create cardcf", func() error {
			obj, err := c.store.StoreDataObject(ctx, dataApp, FileCardCF, image)
			if err != nil {
				return internal("store cardcf", err)
			}
			c.cardcfObj = obj
			return nil
		})
	}

	if size := c.cardcfObj.Size; size >= cacheRecordSize && size < len(image) {
		image = image[:size]
	}
	return c.transact(ctx, "update cardcf", func() error {
		if err := c.store.UpdateObject(ctx, c.cardcfObj, image); err != nil {
			return internal("update cardcf", err)
		}
		return nil
	})
}

// contentWritten implements fsHooks.
func (c *Card) contentWritten(ctx context.Context, dir *Directory, f *File) error {
	switch {
	case dir == c.fs.root && f.name == FileCardCF:
		if err := c.cache.Load(f.content); err != nil {
			return err
		}
		return c.persistCache(ctx)
	case dir == c.mscp && f.name == FileContainerMap:
		return c.containers.ApplyMapFile(f.content)
	}
	return nil
}

// loadContent implements fsHooks: certificate files are read from the
// card on first access.
func (c *Card) loadContent(ctx context.Context, dir *Directory, f *File) ([]byte, error) {
	if dir != c.mscp {
		return nil, nil
	}
	idx, ok := certFileIndex(f.name)
	if !ok {
		return nil, nil
	}
	cont, err := c.containers.Slot(idx)
	if err != nil || cont.Certificate == nil {
		return nil, nil
	}
	data, err := c.store.Read(ctx, cont.Certificate)
	if err != nil {
		return nil, internal("read certificate", err)
	}
	return data, nil
}

// removingFile implements fsHooks: removing a certificate file deletes the
// certificate from the card first, and the file stays when that fails.
func (c *Card) removingFile(ctx context.Context, dir *Directory, name string) error {
	if dir != c.mscp {
		return nil
	}
	idx, ok := certFileIndex(name)
	if !ok {
		return nil
	}
	cont, err := c.containers.Slot(idx)
	if err != nil || cont.Certificate == nil {
		return nil
	}
	cert := cont.Certificate
	err = c.transact(ctx, "delete certificate", func() error {
		if err := c.store.DeleteObject(ctx, cert); err != nil {
			return internal("delete certificate", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	cont.Certificate = nil
	return nil
}

// certFileIndex parses "kscNN" and "kxcNN" style names.
func certFileIndex(name string) (int, bool) {
	var rest string
	switch {
	case strings.HasPrefix(name, "ksc"):
		rest = name[3:]
	case strings.HasPrefix(name, "kxc"):
		rest = name[3:]
	default:
		return 0, false
	}
	idx, err := strconv.Atoi(rest)
	if err != nil || idx < 0 || idx >= MaxContainers || fmt.Sprintf("%02d", idx) != rest {
		return 0, false
	}
	return idx, true
}

func isCertFileName(name string) bool {
	return len(name) == 5 && (strings.HasPrefix(name, "ksc") || strings.HasPrefix(name, "kxc"))
}

// CreateFile adds a file of size zero bytes, or without content when size
// is 0, to dir.
func (c *Card) CreateFile(ctx context.Context, dir, name string, size int, acl FileAccess) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter(ctx); err != nil {
		return err
	}
	if size < 0 {
		return opErr(opCreateFile, name, ErrInvalidParameter)
	}
	d, err := c.fs.FindDirectory(nil, dir)
	if err != nil {
		return opErr(opCreateFile, dir, err)
	}
	var content []byte
	if size > 0 {
		content = make([]byte, size)
	}
	_, err = c.fs.AddFile(d, name, acl, content)
	return opErr(opCreateFile, name, err)
}

// ReadFile returns a copy of a file's content.
func (c *Card) ReadFile(ctx context.Context, dir, name string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter(ctx); err != nil {
		return nil, err
	}
	d, f, err := c.fs.FindFile(dir, name)
	if err != nil {
		return nil, opErr(opReadFile, name, err)
	}
	data, err := c.fs.ReadContent(ctx, d, f)
	return data, opErr(opReadFile, name, err)
}

// WriteFile replaces a file's content. Writing cardcf persists the cache
// record, writing cmapfile updates the container registry, and writing a
// certificate file of the container directory stores the certificate on
// the card.
func (c *Card) WriteFile(ctx context.Context, dir, name string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter(ctx); err != nil {
		return err
	}
	d, f, err := c.fs.FindFile(dir, name)
	if err != nil {
		return opErr(opWriteFile, name, err)
	}
	if err := c.fs.SetContent(ctx, d, f, data); err != nil {
		return opErr(opWriteFile, name, err)
	}
	if d == c.mscp && isCertFileName(name) {
		idx, ok := certFileIndex(name)
		if !ok {
			idx = -1
		}
		return opErr(opWriteFile, name, c.storeCertificate(ctx, idx, data))
	}
	return nil
}

// DeleteFile removes a file. Removing a certificate file of the container
// directory also deletes the certificate object.
func (c *Card) DeleteFile(ctx context.Context, dir, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter(ctx); err != nil {
		return err
	}
	return opErr(opDeleteFile, name, c.fs.DeleteFile(ctx, dir, name))
}

// EnumFiles lists the files of dir in creation order.
func (c *Card) EnumFiles(ctx context.Context, dir string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter(ctx); err != nil {
		return nil, err
	}
	names, err := c.fs.Enumerate(dir)
	return names, opErr(opEnumFiles, dir, err)
}

// GetFileInfo reports a file's size and access condition.
func (c *Card) GetFileInfo(ctx context.Context, dir, name string) (FileInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter(ctx); err != nil {
		return FileInfo{}, err
	}
	_, f, err := c.fs.FindFile(dir, name)
	if err != nil {
		return FileInfo{}, opErr(opFileInfo, name, err)
	}
	return FileInfo{name: f.name, size: f.Size(), acl: f.acl}, nil
}

// CreateDirectory is not supported: the directory layout is fixed.
func (c *Card) CreateDirectory(ctx context.Context, name string, acl DirAccess) error {
	return ErrUnsupported
}

// DeleteDirectory is not supported: the directory layout is fixed.
func (c *Card) DeleteDirectory(ctx context.Context, name string) error {
	return ErrUnsupported
}
