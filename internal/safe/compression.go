// internal/safe/compression.go
package safe

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
)

var zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}

// CompressionOptions configures compression behavior
type CompressionOptions struct {
	// Minimum size in bytes before compressing
	MinSize int
	// Compression level (1=fastest, 3=best)
	Level int
	// File extensions to skip compression for
	SkipExtensions []string
	// Maximum size for single-shot compression
	StreamingThreshold int64
}

// DefaultCompressionOptions provides sensible defaults
func DefaultCompressionOptions() CompressionOptions {
	return CompressionOptions{
		MinSize:            1024, // 1KB
		Level:              2,    // Balanced speed/compression
		StreamingThreshold: 50 * 1024 * 1024,
		SkipExtensions: []string{
			".zip", ".gz", ".zst", ".xz", ".bz2",
			".png", ".jpg", ".jpeg", ".gif", ".webp",
			".mp3", ".mp4", ".avi", ".mkv",
			".pdf", ".docx", ".xlsx",
		},
	}
}

// Compressor pools zstd encoders and decoders. It is shared by the safe
// and the badger-backed delta mediator.
type Compressor struct {
	opts     CompressionOptions
	encoders sync.Pool
	decoders sync.Pool
}

func NewCompressor(opts CompressionOptions) (*Compressor, error) {
	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(opts.Level)),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil, fmt.Errorf("creating encoder: %w", err)
	}
	enc.Close()

	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("creating decoder: %w", err)
	}
	dec.Close()

	return &Compressor{
		opts: opts,
		encoders: sync.Pool{
			New: func() interface{} {
				enc, _ := zstd.NewWriter(nil,
					zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(opts.Level)),
					zstd.WithEncoderConcurrency(1),
				)
				return enc
			},
		},
		decoders: sync.Pool{
			New: func() interface{} {
				dec, _ := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
				return dec
			},
		},
	}, nil
}

func (c *Compressor) shouldCompress(name string, size int) bool {
	if size < c.opts.MinSize {
		return false
	}
	ext := strings.ToLower(filepath.Ext(name))
	for _, skip := range c.opts.SkipExtensions {
		if ext == skip {
			return false
		}
	}
	return true
}

// Compress returns content unchanged, and false, when compression is not
// worthwhile.
func (c *Compressor) Compress(name string, content []byte) ([]byte, bool, error) {
	if !c.shouldCompress(name, len(content)) {
		return content, false, nil
	}

	enc := c.encoders.Get().(*zstd.Encoder)
	defer c.encoders.Put(enc)

	if int64(len(content)) > c.opts.StreamingThreshold {
		var buf bytes.Buffer
		enc.Reset(&buf)
		if _, err := io.Copy(enc, bytes.NewReader(content)); err != nil {
			return nil, false, fmt.Errorf("streaming compression: %w", err)
		}
		if err := enc.Close(); err != nil {
			return nil, false, fmt.Errorf("finalizing compression: %w", err)
		}
		return buf.Bytes(), true, nil
	}

	out := enc.EncodeAll(content, nil)
	if len(out) >= len(content) {
		return content, false, nil
	}
	return out, true, nil
}

func (c *Compressor) Decompress(content []byte) ([]byte, error) {
	if len(content) <= 4 || !bytes.Equal(content[:4], zstdMagic) {
		return nil, fmt.Errorf("content is not zstd framed")
	}

	dec := c.decoders.Get().(*zstd.Decoder)
	defer c.decoders.Put(dec)

	if int64(len(content)) > c.opts.StreamingThreshold {
		if err := dec.Reset(bytes.NewReader(content)); err != nil {
			return nil, err
		}
		var buf bytes.Buffer
		if _, err := io.Copy(&buf, dec); err != nil {
			return nil, fmt.Errorf("streaming decompression: %w", err)
		}
		return buf.Bytes(), nil
	}
	return dec.DecodeAll(content, nil)
}
