package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/klauspost/compress/zstd"
	"github.com/sourcegraph/conc/pool"
)

const DefaultConcurrency = 4

// Config labels of a token image.
const (
	labelSerial = "dev.cardmd.serial"
	labelGroups = "dev.cardmd.groups"
)

type OCIRemote struct {
	ref         name.Reference
	auth        Authenticator
	concurrency int
	progress    io.Writer
}

var _ Remote = (*OCIRemote)(nil)

// NewOCIRemote creates a remote from a standard Docker ref (e.g., "ttl.sh/tokens/card:main")
func NewOCIRemote(imageRef string, auth Authenticator) (*OCIRemote, error) {
	ref, err := name.ParseReference(imageRef, name.WithDefaultTag("latest"))
	if err != nil {
		return nil, fmt.Errorf("invalid image ref %q: %w", imageRef, err)
	}
	return &OCIRemote{ref: ref, auth: auth, concurrency: DefaultConcurrency, progress: os.Stderr}, nil
}

// SetConcurrency sets the number of parallel layer transfers.
func (r *OCIRemote) SetConcurrency(n int) {
	if n > 0 {
		r.concurrency = n
	}
}

// SetProgress redirects progress messages; nil silences them.
func (r *OCIRemote) SetProgress(w io.Writer) {
	if w == nil {
		w = io.Discard
	}
	r.progress = w
}

func (r *OCIRemote) String() string   { return r.ref.String() }
func (r *OCIRemote) Registry() string { return r.ref.Context().RegistryStr() }

// fileLayer implements v1.Layer with zstd compression for remote transfer
type fileLayer struct {
	compressed   []byte
	uncompressed []byte
}

var zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))

func newFileLayer(data []byte) *fileLayer {
	return &fileLayer{
		compressed:   zstdEncoder.EncodeAll(data, nil),
		uncompressed: data,
	}
}

func (l *fileLayer) Digest() (v1.Hash, error) {
	h, _, err := v1.SHA256(bytes.NewReader(l.compressed))
	return h, err
}

func (l *fileLayer) DiffID() (v1.Hash, error) {
	h, _, err := v1.SHA256(bytes.NewReader(l.uncompressed))
	return h, err
}

func (l *fileLayer) Compressed() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(l.compressed)), nil
}
func (l *fileLayer) Uncompressed() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(l.uncompressed)), nil
}
func (l *fileLayer) Size() (int64, error)                { return int64(len(l.compressed)), nil }
func (l *fileLayer) MediaType() (types.MediaType, error) { return types.OCILayerZStd, nil }

// Push uploads the snapshot as one layer per file group.
func (r *OCIRemote) Push(ctx context.Context, snap Snapshot) error {
	if len(snap.Files) == 0 {
		return fmt.Errorf("push: empty snapshot")
	}
	byGroup := GroupFiles(snap.Files)
	fmt.Fprintf(r.progress, "[push] %d files in %d groups\n", len(snap.Files), len(byGroup))

	groups := make(map[string]GroupInfo, len(byGroup))
	layers := make([]v1.Layer, 0, len(byGroup))
	var totalRaw, totalCompressed int64
	for _, g := range slices.Sorted(maps.Keys(byGroup)) {
		data, err := PackLayer(byGroup[g])
		if err != nil {
			return fmt.Errorf("pack %s: %w", g, err)
		}
		layer := newFileLayer(data)
		digest, err := layer.Digest()
		if err != nil {
			return fmt.Errorf("digest %s: %w", g, err)
		}
		totalRaw += int64(len(data))
		totalCompressed += int64(len(layer.compressed))

		layers = append(layers, layer)
		groups[g] = GroupInfo{Hash: GroupHash(byGroup[g]), Layer: digest.String()}
	}

	fmt.Fprintf(r.progress, "[push] uploading %d layers (%d → %d bytes)\n",
		len(layers), totalRaw, totalCompressed)

	img, err := r.buildImage(layers, snap.Serial, groups)
	if err != nil {
		return fmt.Errorf("build image: %w", err)
	}
	if err := r.pushImage(ctx, img); err != nil {
		return fmt.Errorf("push image: %w", err)
	}

	fmt.Fprintf(r.progress, "[push] done\n")
	return nil
}

func (r *OCIRemote) buildImage(layers []v1.Layer, serial string, groups map[string]GroupInfo) (v1.Image, error) {
	img, err := mutate.AppendLayers(empty.Image, layers...)
	if err != nil {
		return nil, err
	}

	cfg, err := img.ConfigFile()
	if err != nil {
		return nil, err
	}

	groupJSON, err := json.Marshal(groups)
	if err != nil {
		return nil, err
	}
	cfg = cfg.DeepCopy()
	cfg.Config.Labels = map[string]string{
		labelSerial: serial,
		labelGroups: string(groupJSON),
	}
	return mutate.ConfigFile(img, cfg)
}

func (r *OCIRemote) pushImage(ctx context.Context, img v1.Image) error {
	options := r.remoteOptions(ctx)
	options = append(options, remote.WithJobs(r.concurrency))
	_, err := retry(ctx, 3, func() (struct{}, error) {
		return struct{}{}, remote.Write(r.ref, img, options...)
	})
	return err
}

// Pull downloads every layer of the image in parallel and checks each
// group against the hash recorded at push time.
func (r *OCIRemote) Pull(ctx context.Context) (Snapshot, error) {
	img, err := retry(ctx, 3, func() (v1.Image, error) {
		return remote.Image(r.ref, r.remoteOptions(ctx)...)
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("fetch image: %w", err)
	}

	cfg, err := img.ConfigFile()
	if err != nil {
		return Snapshot{}, fmt.Errorf("get config: %w", err)
	}
	serial, ok := cfg.Config.Labels[labelSerial]
	if !ok {
		return Snapshot{}, fmt.Errorf("missing %s label", labelSerial)
	}
	var groups map[string]GroupInfo
	if err := json.Unmarshal([]byte(cfg.Config.Labels[labelGroups]), &groups); err != nil {
		return Snapshot{}, fmt.Errorf("parse groups: %w", err)
	}

	layers, err := img.Layers()
	if err != nil {
		return Snapshot{}, fmt.Errorf("get layers: %w", err)
	}
	fmt.Fprintf(r.progress, "[pull] downloading %d layers in parallel\n", len(layers))

	var mu sync.Mutex
	files := make(map[string][]byte)
	p := pool.New().WithMaxGoroutines(r.concurrency).WithContext(ctx).WithCancelOnError()

	for _, layer := range layers {
		p.Go(func(ctx context.Context) error {
			rc, err := layer.Uncompressed()
			if err != nil {
				return fmt.Errorf("read layer: %w", err)
			}
			data, err := io.ReadAll(rc)
			if cerr := rc.Close(); cerr != nil {
				return fmt.Errorf("close layer: %w", cerr)
			}
			if err != nil {
				return fmt.Errorf("read layer: %w", err)
			}

			unpacked, err := UnpackLayer(data)
			if err != nil {
				return fmt.Errorf("unpack layer: %w", err)
			}

			mu.Lock()
			defer mu.Unlock()
			for k, v := range unpacked {
				files[k] = v
			}
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return Snapshot{}, err
	}

	if err := verifyGroups(files, groups); err != nil {
		return Snapshot{}, err
	}

	fmt.Fprintf(r.progress, "[pull] done, %d files received\n", len(files))
	return Snapshot{Serial: serial, Files: files}, nil
}

func verifyGroups(files map[string][]byte, groups map[string]GroupInfo) error {
	got := GroupFiles(files)
	if len(got) != len(groups) {
		return fmt.Errorf("image has %d file groups, labels list %d", len(got), len(groups))
	}
	for g, info := range groups {
		if h := GroupHash(got[g]); h != info.Hash {
			return fmt.Errorf("group %s: hash %s, want %s", g, h, info.Hash)
		}
	}
	return nil
}

func (r *OCIRemote) remoteOptions(ctx context.Context) []remote.Option {
	options := []remote.Option{remote.WithContext(ctx)}
	if r.auth != nil {
		username, password, err := r.auth.Authenticate(r.Registry())
		if err == nil && username != "" {
			return append(options, remote.WithAuth(&authn.Basic{
				Username: username,
				Password: password,
			}))
		}
	}
	return append(options, remote.WithAuthFromKeychain(authn.DefaultKeychain))
}

func retry[T any](ctx context.Context, maxAttempts int, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	for i := range maxAttempts {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err
		if i < maxAttempts-1 {
			delay := time.Duration(1<<i) * 500 * time.Millisecond
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return zero, lastErr
}
