package cardmd

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHooks struct {
	written []string
	removed []string
	load    map[string][]byte

	removeErr error
}

func (h *recordingHooks) contentWritten(_ context.Context, _ *Directory, f *File) error {
	h.written = append(h.written, f.Name())
	return nil
}

func (h *recordingHooks) loadContent(_ context.Context, _ *Directory, f *File) ([]byte, error) {
	return h.load[f.Name()], nil
}

func (h *recordingHooks) removingFile(_ context.Context, _ *Directory, name string) error {
	if h.removeErr != nil {
		return h.removeErr
	}
	h.removed = append(h.removed, name)
	return nil
}

func TestVirtualFS_AddFind(t *testing.T) {
	v := NewVirtualFS()
	_, err := v.AddFile(nil, "cardid", EveryoneReadAdminWriteAc, []byte{1, 2})
	require.NoError(t, err)
	d, err := v.AddDirectory(nil, "mscp", UserCreateDeleteDirAc)
	require.NoError(t, err)
	assert.Equal(t, "", d.Parent())
	_, err = v.AddFile(d, "cmapfile", EveryoneReadUserWriteAc, nil)
	require.NoError(t, err)

	dir, f, err := v.FindFile("mscp", "cmapfile")
	require.NoError(t, err)
	assert.Same(t, d, dir)
	assert.False(t, f.Loaded())

	_, _, err = v.FindFile("", "cmapfile")
	assert.ErrorIs(t, err, ErrFileNotFound)
	_, _, err = v.FindFile("nope", "cardid")
	assert.ErrorIs(t, err, ErrDirectoryNotFound)
	_, _, err = v.FindFile("", "")
	assert.ErrorIs(t, err, ErrInvalidParameter)

	_, err = v.AddFile(nil, "", UserReadWriteAc, nil)
	assert.ErrorIs(t, err, ErrInvalidParameter)
	_, err = v.AddDirectory(nil, "", UserCreateDeleteDirAc)
	assert.ErrorIs(t, err, ErrInvalidParameter)
}

func TestVirtualFS_DuplicatesAndTruncation(t *testing.T) {
	v := NewVirtualFS()
	first, _ := v.AddFile(nil, "dup", UserReadWriteAc, []byte("first"))
	_, _ = v.AddFile(nil, "dup", UserReadWriteAc, []byte("second"))
	_, _ = v.AddFile(nil, "verylongname", UserReadWriteAc, nil)

	_, f, err := v.FindFile("", "dup")
	require.NoError(t, err)
	assert.Same(t, first, f)

	names, err := v.Enumerate("")
	require.NoError(t, err)
	assert.Equal(t, []string{"dup", "dup", "verylong"}, names)

	require.NoError(t, v.DeleteFile(context.Background(), "", "dup"))
	_, f, err = v.FindFile("", "dup")
	require.NoError(t, err)
	data, err := v.ReadContent(context.Background(), nil, f)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), data)
}

func TestVirtualFS_ContentIsCopied(t *testing.T) {
	v := NewVirtualFS()
	src := []byte("abc")
	f, _ := v.AddFile(nil, "f", UserReadWriteAc, src)
	src[0] = 'X'

	out, err := v.ReadContent(context.Background(), nil, f)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), out)
	out[1] = 'Y'

	again, _ := v.ReadContent(context.Background(), nil, f)
	assert.Equal(t, []byte("abc"), again)
}

func TestVirtualFS_Hooks(t *testing.T) {
	ctx := context.Background()
	h := &recordingHooks{load: map[string][]byte{"lazy": []byte("loaded")}}
	v := newVirtualFS(h)
	lazy, _ := v.AddFile(nil, "lazy", UserReadWriteAc, nil)
	empty, _ := v.AddFile(nil, "empty", UserReadWriteAc, nil)

	data, err := v.ReadContent(ctx, nil, lazy)
	require.NoError(t, err)
	assert.Equal(t, []byte("loaded"), data)
	assert.True(t, lazy.Loaded())
	assert.Equal(t, 6, lazy.Size())

	data, err = v.ReadContent(ctx, nil, empty)
	require.NoError(t, err)
	assert.Empty(t, data)
	assert.False(t, empty.Loaded())

	require.NoError(t, v.SetContent(ctx, v.Root(), empty, []byte("x")))
	assert.Equal(t, []string{"empty"}, h.written)

	require.NoError(t, v.DeleteFile(ctx, "", "lazy"))
	assert.Equal(t, []string{"lazy"}, h.removed)
	assert.ErrorIs(t, v.DeleteFile(ctx, "", "lazy"), ErrFileNotFound)

	h.removeErr = ErrInternal
	assert.ErrorIs(t, v.DeleteFile(ctx, "", "empty"), ErrInternal)
	names, err := v.Enumerate("")
	require.NoError(t, err)
	assert.Equal(t, []string{"empty"}, names)
}

func TestFileInfo_Mode(t *testing.T) {
	info := FileInfo{name: "cardcf", size: 6, acl: EveryoneReadUserWriteAc}
	assert.Equal(t, "cardcf", info.Name())
	assert.EqualValues(t, 6, info.Size())
	assert.False(t, info.IsDir())
	assert.Equal(t, "-rw-r--r--", info.Mode().String())
	assert.Equal(t, EveryoneReadUserWriteAc, info.Sys())
	assert.Equal(t, "everyone-read/user-write", info.Access().String())
	assert.Equal(t, "invalid", InvalidAc.String())
}
