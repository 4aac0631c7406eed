package storage

import (
	"bytes"
	"context"
	"crypto/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressedStorage_Contract(t *testing.T) {
	for _, algo := range []Compression{CompressionNone, CompressionLZ4, CompressionZstd} {
		t.Run(algo.String(), func(t *testing.T) {
			storeContract(t, NewCompressedStorage(NewMemoryStorage(), algo))
		})
	}
}

func TestCompressedStorage_ShrinksRepetitiveData(t *testing.T) {
	ctx := context.Background()
	text := strings.Repeat("the quick brown fox jumps over the lazy dog\n", 500)

	for _, algo := range []Compression{CompressionLZ4, CompressionZstd} {
		t.Run(algo.String(), func(t *testing.T) {
			inner := NewMemoryStorage()
			s := NewCompressedStorage(inner, algo)
			require.NoError(t, s.Put(ctx, "k", strings.NewReader(text)))

			raw, err := ReadAll(ctx, inner, "k")
			require.NoError(t, err)
			assert.Equal(t, byte(algo), raw[0])
			assert.Less(t, len(raw), len(text))

			got, err := ReadAll(ctx, s, "k")
			require.NoError(t, err)
			assert.Equal(t, text, string(got))
		})
	}
}

func TestCompressedStorage_IncompressibleStoredRaw(t *testing.T) {
	ctx := context.Background()
	random := make([]byte, 4096)
	_, err := rand.Read(random)
	require.NoError(t, err)

	inner := NewMemoryStorage()
	s := NewCompressedStorage(inner, CompressionZstd)
	require.NoError(t, s.Put(ctx, "r", bytes.NewReader(random)))

	raw, err := ReadAll(ctx, inner, "r")
	require.NoError(t, err)
	assert.Equal(t, byte(CompressionNone), raw[0])

	got, err := ReadAll(ctx, s, "r")
	require.NoError(t, err)
	assert.Equal(t, random, got)
}

func TestCompressedStorage_CorruptHeader(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStorage()
	require.NoError(t, inner.Put(ctx, "bad", bytes.NewReader([]byte{9, 3, 1, 2, 3})))

	_, err := NewCompressedStorage(inner, CompressionZstd).Get(ctx, "bad")
	assert.Error(t, err)
}

func TestParseCompression(t *testing.T) {
	c, err := ParseCompression("zstd")
	require.NoError(t, err)
	assert.Equal(t, CompressionZstd, c)

	c, err = ParseCompression("")
	require.NoError(t, err)
	assert.Equal(t, CompressionNone, c)

	_, err = ParseCompression("brotli")
	assert.Error(t, err)
}
