package cardmd

// FileAccess is the access condition a host sees on a card file.
type FileAccess uint8

const (
	InvalidAc FileAccess = iota
	EveryoneReadUserWriteAc
	UserWriteExecuteAc
	EveryoneReadAdminWriteAc
	UnknownAc
	UserReadWriteAc
	AdminReadWriteAc
)

func (a FileAccess) String() string {
	switch a {
	case EveryoneReadUserWriteAc:
		return "everyone-read/user-write"
	case UserWriteExecuteAc:
		return "user-write/execute"
	case EveryoneReadAdminWriteAc:
		return "everyone-read/admin-write"
	case UserReadWriteAc:
		return "user-read/write"
	case AdminReadWriteAc:
		return "admin-read/write"
	case UnknownAc:
		return "unknown"
	default:
		return "invalid"
	}
}

// DirAccess is the access condition of a directory.
type DirAccess uint8

const (
	InvalidDirAc DirAccess = iota
	UserCreateDeleteDirAc
	AdminCreateDeleteDirAc
)

// maxNameLen is the longest file or directory name the card exposes.
// Longer names are truncated.
const maxNameLen = 8

func truncName(name string) string {
	if len(name) > maxNameLen {
		return name[:maxNameLen]
	}
	return name
}

// File is a node of the virtual filesystem. Its content buffer belongs to
// the file alone: writes replace it, reads hand out copies.
type File struct {
	name    string
	acl     FileAccess
	content []byte
	present bool // false until content is set or loaded
}

func newFile(name string, acl FileAccess, content []byte) *File {
	f := &File{name: truncName(name), acl: acl}
	if content != nil {
		f.replace(content)
	}
	return f
}

// Name returns the file name.
func (f *File) Name() string { return f.name }

// Access returns the access condition.
func (f *File) Access() FileAccess { return f.acl }

// Size returns the length of the loaded content, 0 while absent.
func (f *File) Size() int { return len(f.content) }

// Loaded reports whether the file holds content.
func (f *File) Loaded() bool { return f.present }

func (f *File) bytes() []byte {
	return append([]byte(nil), f.content...)
}

func (f *File) replace(data []byte) {
	f.content = append(make([]byte, 0, len(data)), data...)
	f.present = true
}

// Directory holds files and subdirectories in insertion order. Lookups
// return the first match.
type Directory struct {
	name    string
	parent  string
	acl     DirAccess
	files   []*File
	subdirs []*Directory
}

func newDirectory(name, parent string, acl DirAccess) *Directory {
	return &Directory{name: truncName(name), parent: parent, acl: acl}
}

// Name returns the directory name; the root is "".
func (d *Directory) Name() string { return d.name }

// Parent returns the parent's name.
func (d *Directory) Parent() string { return d.parent }

// Access returns the access condition.
func (d *Directory) Access() DirAccess { return d.acl }

func (d *Directory) file(name string) *File {
	name = truncName(name)
	for _, f := range d.files {
		if f.name == name {
			return f
		}
	}
	return nil
}

func (d *Directory) subdir(name string) *Directory {
	name = truncName(name)
	for _, sd := range d.subdirs {
		if sd.name == name {
			return sd
		}
	}
	return nil
}

func (d *Directory) removeFile(name string) bool {
	name = truncName(name)
	for i, f := range d.files {
		if f.name == name {
			d.files = append(d.files[:i], d.files[i+1:]...)
			return true
		}
	}
	return false
}
