package cardmd

import (
	"io/fs"
	"time"
)

// FileInfo describes a card file as reported to the host.
type FileInfo struct {
	name string
	size int
	acl  FileAccess
}

var _ fs.FileInfo = FileInfo{}

func (i FileInfo) Name() string       { return i.name }
func (i FileInfo) Size() int64        { return int64(i.size) }
func (i FileInfo) ModTime() time.Time { return time.Time{} }
func (i FileInfo) IsDir() bool        { return false }

// Access returns the file's access condition.
func (i FileInfo) Access() FileAccess { return i.acl }

// Mode maps the access condition onto permission bits: owner is the user
// role, group the administrator, other everyone.
func (i FileInfo) Mode() fs.FileMode {
	switch i.acl {
	case EveryoneReadUserWriteAc:
		return 0o644
	case EveryoneReadAdminWriteAc:
		return 0o464
	case UserWriteExecuteAc:
		return 0o300
	case UserReadWriteAc:
		return 0o600
	case AdminReadWriteAc:
		return 0o060
	default:
		return 0
	}
}

// Sys returns the FileAccess value.
func (i FileInfo) Sys() any { return i.acl }
