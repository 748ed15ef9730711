package remote

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
)

// rootGroup holds the files at the top of the token directory.
const rootGroup = "token"

// GroupInfo records the content hash of a file group and the digest of
// the layer carrying it.
type GroupInfo struct {
	Hash  string `json:"hash"`
	Layer string `json:"layer"`
}

// GroupFiles splits files by their first path element. Files at the top
// level form the "token" group.
func GroupFiles(files map[string][]byte) map[string]map[string][]byte {
	result := make(map[string]map[string][]byte)
	for name, data := range files {
		group := rootGroup
		if dir, _, ok := strings.Cut(name, "/"); ok {
			group = dir
		}
		if result[group] == nil {
			result[group] = make(map[string][]byte)
		}
		result[group][name] = data
	}
	return result
}

// GroupHash hashes the names and contents of files in name order.
func GroupHash(files map[string][]byte) string {
	h := sha256.New()
	for _, name := range slices.Sorted(maps.Keys(files)) {
		data := files[name]
		binary.Write(h, binary.BigEndian, uint16(len(name)))
		h.Write([]byte(name))
		binary.Write(h, binary.BigEndian, uint64(len(data)))
		h.Write(data)
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

// PackLayer packs files in name order as [name length 2B][name][length 8B][data]...
func PackLayer(files map[string][]byte) ([]byte, error) {
	var buf bytes.Buffer
	for _, name := range slices.Sorted(maps.Keys(files)) {
		if len(name) > 0xffff {
			return nil, fmt.Errorf("file name too long: %d bytes", len(name))
		}
		data := files[name]
		binary.Write(&buf, binary.BigEndian, uint16(len(name)))
		buf.WriteString(name)
		binary.Write(&buf, binary.BigEndian, uint64(len(data)))
		buf.Write(data)
	}
	return buf.Bytes(), nil
}

// UnpackLayer reverses PackLayer.
func UnpackLayer(data []byte) (map[string][]byte, error) {
	result := make(map[string][]byte)
	r := bytes.NewReader(data)

	for r.Len() > 0 {
		var nameLen uint16
		if err := binary.Read(r, binary.BigEndian, &nameLen); err != nil {
			return nil, fmt.Errorf("read name length: %w", err)
		}
		name := make([]byte, nameLen)
		if _, err := io.ReadFull(r, name); err != nil {
			return nil, fmt.Errorf("read name: %w", err)
		}

		var length uint64
		if err := binary.Read(r, binary.BigEndian, &length); err != nil {
			return nil, fmt.Errorf("read length: %w", err)
		}
		if length > uint64(r.Len()) {
			return nil, fmt.Errorf("file %s: length %d exceeds layer", name, length)
		}
		blob := make([]byte, length)
		if _, err := io.ReadFull(r, blob); err != nil {
			return nil, fmt.Errorf("read data: %w", err)
		}
		result[string(name)] = blob
	}
	return result, nil
}
