package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression identifies the algorithm used for one stored object. The tag
// is the first byte of every object written by CompressedStorage, followed
// by the uncompressed length as a uvarint.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionLZ4  Compression = 1
	CompressionZstd Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", c)
	}
}

// ParseCompression parses a compression name from configuration
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown compression: %q", name)
	}
}

var errIncompressible = errors.New("data is incompressible")

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("storage: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("storage: zstd decoder initialization failed: " + err.Error())
	}
}

// CompressedStorage wraps a Store and compresses objects at rest. Chunk
// blobs and assembled text-like uploads shrink well; objects that do not
// compress are stored with CompressionNone.
type CompressedStorage struct {
	inner Store
	algo  Compression
}

// NewCompressedStorage wraps inner with the given algorithm
func NewCompressedStorage(inner Store, algo Compression) *CompressedStorage {
	return &CompressedStorage{inner: inner, algo: algo}
}

func (c *CompressedStorage) Put(ctx context.Context, key string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", key, err)
	}
	return c.inner.Put(ctx, key, bytes.NewReader(encodeBlob(data, c.algo)))
}

func (c *CompressedStorage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	rc, err := c.inner.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	data, err := decodeBlob(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Copy copies the encoded object as-is
func (c *CompressedStorage) Copy(ctx context.Context, src, dst string) error {
	return c.inner.Copy(ctx, src, dst)
}

func (c *CompressedStorage) Delete(ctx context.Context, key string) error {
	return c.inner.Delete(ctx, key)
}

func (c *CompressedStorage) Exists(ctx context.Context, key string) (bool, error) {
	return c.inner.Exists(ctx, key)
}

func encodeBlob(data []byte, algo Compression) []byte {
	payload, tag := data, CompressionNone
	if compressed, err := compress(data, algo); err == nil {
		payload, tag = compressed, algo
	}

	out := make([]byte, 1+binary.MaxVarintLen64, 1+binary.MaxVarintLen64+len(payload))
	out[0] = byte(tag)
	n := binary.PutUvarint(out[1:], uint64(len(data)))
	out = append(out[:1+n], payload...)
	return out
}

func decodeBlob(raw []byte) ([]byte, error) {
	if len(raw) < 2 {
		return nil, fmt.Errorf("blob header truncated")
	}
	size, n := binary.Uvarint(raw[1:])
	if n <= 0 {
		return nil, fmt.Errorf("blob header has invalid length")
	}
	payload := raw[1+n:]

	switch tag := Compression(raw[0]); tag {
	case CompressionNone:
		if uint64(len(payload)) != size {
			return nil, fmt.Errorf("uncompressed blob: size %d does not match expected %d", len(payload), size)
		}
		return payload, nil
	case CompressionLZ4:
		dst := make([]byte, size)
		read, err := lz4.UncompressBlock(payload, dst)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if uint64(read) != size {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, size)
		}
		return dst, nil
	case CompressionZstd:
		dst, err := zstdDecoder.DecodeAll(payload, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if uint64(len(dst)) != size {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(dst), size)
		}
		return dst, nil
	default:
		return nil, fmt.Errorf("unsupported compression tag: %d", tag)
	}
}

func compress(data []byte, algo Compression) ([]byte, error) {
	switch algo {
	case CompressionNone:
		return nil, errIncompressible
	case CompressionLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(data)))
		written, err := lz4.CompressBlock(data, dst, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		// 0 means lz4 judged the block incompressible
		if written == 0 || written >= len(data) {
			return nil, errIncompressible
		}
		return dst[:written], nil
	case CompressionZstd:
		compressed := zstdEncoder.EncodeAll(data, nil)
		if len(compressed) >= len(data) {
			return nil, errIncompressible
		}
		return compressed, nil
	default:
		return nil, fmt.Errorf("unsupported compression: %d", algo)
	}
}
