package cardmd

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidParameter = errors.New("cardmd: invalid parameter")
	ErrNotFound         = errors.New("cardmd: not found")
	ErrOutOfMemory      = errors.New("cardmd: out of memory")
	ErrUnsupported      = errors.New("cardmd: unsupported")
	ErrInternal         = errors.New("cardmd: internal error")
	ErrWrongCredential  = errors.New("cardmd: wrong credential")
	ErrRevisionMismatch = errors.New("cardmd: revision mismatch")
	ErrEncoding         = errors.New("cardmd: encoding error")
	ErrInvalidValue     = errors.New("cardmd: invalid value")
	ErrNoKeyContainer   = errors.New("cardmd: no key in container")
	ErrClosed           = errors.New("cardmd: card closed")

	ErrFileNotFound      = fmt.Errorf("file %w", ErrNotFound)
	ErrDirectoryNotFound = fmt.Errorf("directory %w", ErrNotFound)
	ErrObjectNotFound    = fmt.Errorf("object %w", ErrNotFound)
)

// Operation names carried by OpError.
const (
	opCreateFile     = "create file"
	opReadFile       = "read file"
	opWriteFile      = "write file"
	opDeleteFile     = "delete file"
	opEnumFiles      = "enum files"
	opFileInfo       = "file info"
	opCreate         = "create container"
	opContainerInfo  = "container info"
	opSign           = "sign"
	opDecrypt        = "decrypt"
	opAuthenticate   = "authenticate"
	opDeauthenticate = "deauthenticate"
	opAssociate      = "associate"
)

// OpError records the failed operation and the file or container it
// targeted.
type OpError struct {
	Op   string
	Name string
	Err  error
}

func (e *OpError) Error() string {
	if e.Name == "" {
		return e.Op + ": " + e.Err.Error()
	}
	return e.Op + " " + e.Name + ": " + e.Err.Error()
}

func (e *OpError) Unwrap() error { return e.Err }

func opErr(op, name string, err error) error {
	if err == nil {
		return nil
	}
	var oe *OpError
	if errors.As(err, &oe) {
		return err
	}
	return &OpError{Op: op, Name: name, Err: err}
}

// internal maps an object-store failure onto ErrInternal while keeping the
// cause readable.
func internal(what string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrInternal, what, err)
}
