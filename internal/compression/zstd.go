// Package compression wraps zstd for small on-disk records.
package compression

import (
	"bytes"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Records shorter than this are stored as is.
const minCompressSize = 128

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// Level is an encoder speed preset.
type Level int

const (
	LevelFastest Level = 1
	LevelDefault Level = 2
	LevelBetter  Level = 3
)

func (l Level) encoderLevel() zstd.EncoderLevel {
	switch l {
	case LevelFastest:
		return zstd.SpeedFastest
	case LevelBetter:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedDefault
	}
}

// Compressor encodes records as single zstd frames. Short records and
// records that do not shrink are kept raw; Decompress tells the two apart
// by the frame magic.
type Compressor struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	enabled bool
}

func NewCompressor(level Level, enabled bool) (*Compressor, error) {
	if !enabled {
		return &Compressor{enabled: false}, nil
	}

	encoder, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(level.encoderLevel()),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}

	decoder, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	return &Compressor{
		encoder: encoder,
		decoder: decoder,
		enabled: true,
	}, nil
}

func (c *Compressor) Compress(data []byte) []byte {
	if !c.enabled || len(data) < minCompressSize {
		return data
	}
	compressed := c.encoder.EncodeAll(data, make([]byte, 0, len(data)))
	if len(compressed) >= len(data) {
		return data
	}
	return compressed
}

// Decompress reverses Compress. Data without the zstd magic is returned
// unchanged.
func (c *Compressor) Decompress(data []byte) ([]byte, error) {
	if !bytes.HasPrefix(data, zstdMagic) {
		return data, nil
	}
	if !c.enabled {
		return nil, fmt.Errorf("zstd record with compression disabled")
	}
	out, err := c.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decode zstd record: %w", err)
	}
	return out, nil
}

func (c *Compressor) Close() error {
	if c.encoder != nil {
		c.encoder.Close()
	}
	if c.decoder != nil {
		c.decoder.Close()
	}
	return nil
}
