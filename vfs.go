package cardmd

import (
	"context"
)

// fsHooks lets the engine react to the life of well-known files.
type fsHooks interface {
	// contentWritten runs after a file's buffer was replaced.
	contentWritten(ctx context.Context, dir *Directory, f *File) error

	// loadContent supplies the bytes of a file that has none yet. A nil
	// slice leaves the file empty.
	loadContent(ctx context.Context, dir *Directory, f *File) ([]byte, error)

	// removingFile runs before a file is unlinked from dir. An error
	// keeps the file.
	removingFile(ctx context.Context, dir *Directory, name string) error
}

type nopHooks struct{}

func (nopHooks) contentWritten(context.Context, *Directory, *File) error { return nil }
func (nopHooks) loadContent(context.Context, *Directory, *File) ([]byte, error) {
	return nil, nil
}
func (nopHooks) removingFile(context.Context, *Directory, string) error { return nil }

// VirtualFS is the small file tree a card presents to the host: a root
// directory with files and one level of subdirectories. Children keep
// insertion order and names are not checked for duplicates.
type VirtualFS struct {
	root  *Directory
	hooks fsHooks
}

// NewVirtualFS returns an empty tree without content hooks.
func NewVirtualFS() *VirtualFS {
	return newVirtualFS(nopHooks{})
}

func newVirtualFS(h fsHooks) *VirtualFS {
	if h == nil {
		h = nopHooks{}
	}
	return &VirtualFS{
		root:  newDirectory("", "", UserCreateDeleteDirAc),
		hooks: h,
	}
}

// Root returns the root directory.
func (v *VirtualFS) Root() *Directory { return v.root }

// AddDirectory appends a subdirectory to parent, or to the root when parent
// is nil.
func (v *VirtualFS) AddDirectory(parent *Directory, name string, acl DirAccess) (*Directory, error) {
	if name == "" {
		return nil, ErrInvalidParameter
	}
	if parent == nil {
		parent = v.root
	}
	d := newDirectory(name, parent.name, acl)
	parent.subdirs = append(parent.subdirs, d)
	return d, nil
}

// FindDirectory looks name up among parent's subdirectories. A nil parent
// means the root; an empty name returns parent itself.
func (v *VirtualFS) FindDirectory(parent *Directory, name string) (*Directory, error) {
	if parent == nil {
		parent = v.root
	}
	if name == "" {
		return parent, nil
	}
	if d := parent.subdir(name); d != nil {
		return d, nil
	}
	return nil, ErrDirectoryNotFound
}

// AddFile appends a file to dir (the root when nil). A nil content leaves
// the file without a buffer until it is written or loaded.
func (v *VirtualFS) AddFile(dir *Directory, name string, acl FileAccess, content []byte) (*File, error) {
	if name == "" {
		return nil, ErrInvalidParameter
	}
	if dir == nil {
		dir = v.root
	}
	f := newFile(name, acl, content)
	dir.files = append(dir.files, f)
	return f, nil
}

// FindFile returns the first file called name in the directory dirName
// ("" for the root).
func (v *VirtualFS) FindFile(dirName, name string) (*Directory, *File, error) {
	if name == "" {
		return nil, nil, ErrInvalidParameter
	}
	dir, err := v.FindDirectory(nil, dirName)
	if err != nil {
		return nil, nil, err
	}
	f := dir.file(name)
	if f == nil {
		return dir, nil, ErrFileNotFound
	}
	return dir, f, nil
}

// DeleteFile unlinks the first file called name from dirName once the
// remove hook accepted it.
func (v *VirtualFS) DeleteFile(ctx context.Context, dirName, name string) error {
	if name == "" {
		return ErrInvalidParameter
	}
	dir, err := v.FindDirectory(nil, dirName)
	if err != nil {
		return err
	}
	if dir.file(name) == nil {
		return ErrFileNotFound
	}
	if err := v.hooks.removingFile(ctx, dir, name); err != nil {
		return err
	}
	dir.removeFile(name)
	return nil
}

// SetContent replaces f's buffer with a copy of data and runs the write
// hook. The buffer stays replaced when the hook fails.
func (v *VirtualFS) SetContent(ctx context.Context, dir *Directory, f *File, data []byte) error {
	f.replace(data)
	return v.hooks.contentWritten(ctx, dir, f)
}

// ReadContent returns a copy of f's content, loading it first when the
// file has none.
func (v *VirtualFS) ReadContent(ctx context.Context, dir *Directory, f *File) ([]byte, error) {
	if !f.present {
		data, err := v.hooks.loadContent(ctx, dir, f)
		if err != nil {
			return nil, err
		}
		if data != nil {
			f.replace(data)
		}
	}
	return f.bytes(), nil
}

// Enumerate lists the file names of dirName in insertion order.
func (v *VirtualFS) Enumerate(dirName string) ([]string, error) {
	dir, err := v.FindDirectory(nil, dirName)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(dir.files))
	for _, f := range dir.files {
		names = append(names, f.name)
	}
	return names, nil
}
