// Package compression wraps zstd for on-disk object data.
//
// Every stored frame carries a one-byte marker so a reader never has to
// guess whether the payload was left raw (small or incompressible data).
package compression

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

const (
	frameRaw  = 0x00
	frameZstd = 0x01

	// minCompressSize skips compression for payloads too small to benefit.
	minCompressSize = 128
)

type Compressor struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	enabled bool
}

func NewCompressor(level int, enabled bool) (*Compressor, error) {
	if !enabled {
		return &Compressor{enabled: false}, nil
	}

	var encoderLevel zstd.EncoderLevel
	switch level {
	case 1:
		encoderLevel = zstd.SpeedFastest
	case 3:
		encoderLevel = zstd.SpeedBetterCompression
	default:
		encoderLevel = zstd.SpeedDefault
	}

	encoder, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(encoderLevel),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil, err
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}

	return &Compressor{
		encoder: encoder,
		decoder: decoder,
		enabled: true,
	}, nil
}

// Compress returns a framed payload. Data that does not shrink is stored raw.
func (c *Compressor) Compress(data []byte) ([]byte, error) {
	if !c.enabled || len(data) < minCompressSize {
		return frame(frameRaw, data), nil
	}

	compressed := c.encoder.EncodeAll(data, make([]byte, 1, len(data)+1))
	if len(compressed) >= len(data)+1 {
		return frame(frameRaw, data), nil
	}

	compressed[0] = frameZstd
	return compressed, nil
}

// Decompress reverses Compress. Unknown markers are an error, not a fallback.
func (c *Compressor) Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty frame")
	}

	switch data[0] {
	case frameRaw:
		return data[1:], nil
	case frameZstd:
		if c.decoder == nil {
			return nil, fmt.Errorf("zstd frame but compression disabled")
		}
		return c.decoder.DecodeAll(data[1:], nil)
	default:
		return nil, fmt.Errorf("unknown frame marker 0x%02x", data[0])
	}
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

func frame(marker byte, data []byte) []byte {
	buf := make([]byte, len(data)+1)
	buf[0] = marker
	copy(buf[1:], data)
	return buf
}
