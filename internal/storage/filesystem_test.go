package storage

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeContract runs the behaviour every Store must share
func storeContract(t *testing.T, s Store) {
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "chunks/c1/0", strings.NewReader("hello ")))
	require.NoError(t, s.Put(ctx, "chunks/c1/1", strings.NewReader("world")))

	data, err := ReadAll(ctx, s, "chunks/c1/0")
	require.NoError(t, err)
	assert.Equal(t, "hello ", string(data))

	ok, err := s.Exists(ctx, "chunks/c1/1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Exists(ctx, "chunks/c1/9")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Get(ctx, "chunks/c1/9")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Copy(ctx, "chunks/c1/1", "content/u1/final.txt"))
	data, err = ReadAll(ctx, s, "content/u1/final.txt")
	require.NoError(t, err)
	assert.Equal(t, "world", string(data))

	assert.ErrorIs(t, s.Copy(ctx, "chunks/none", "x/y"), ErrNotFound)

	// overwrite replaces
	require.NoError(t, s.Put(ctx, "chunks/c1/0", strings.NewReader("HELLO ")))
	data, err = ReadAll(ctx, s, "chunks/c1/0")
	require.NoError(t, err)
	assert.Equal(t, "HELLO ", string(data))

	require.NoError(t, s.Delete(ctx, "chunks/c1/0"))
	require.NoError(t, s.Delete(ctx, "chunks/c1/0"), "deleting a missing key is not an error")
	ok, err = s.Exists(ctx, "chunks/c1/0")
	require.NoError(t, err)
	assert.False(t, ok)

	// binary payloads survive untouched
	bin := []byte{0x00, 0xff, 0x10, 0x00, 0x7f}
	require.NoError(t, s.Put(ctx, "bin", bytes.NewReader(bin)))
	rc, err := s.Get(ctx, "bin")
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	rc.Close()
	assert.Equal(t, bin, got)
}

func TestFilesystemStorage(t *testing.T) {
	fs, err := NewFilesystemStorage(t.TempDir())
	require.NoError(t, err)
	storeContract(t, fs)

	meta, err := fs.Stat(context.Background(), "content/u1/final.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(5), meta.Size)
}

func TestFilesystemStorage_RejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFilesystemStorage(filepath.Join(dir, "root"))
	require.NoError(t, err)
	ctx := context.Background()

	assert.Error(t, fs.Put(ctx, "../escape", strings.NewReader("x")))
	_, err = fs.Get(ctx, "../../etc/passwd")
	assert.Error(t, err)
	_, err = fs.Exists(ctx, "../root2/file")
	assert.Error(t, err)

	_, statErr := os.Stat(filepath.Join(dir, "escape"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestFilesystemStorage_DeleteRemovesEmptyChunkDir(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFilesystemStorage(dir)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, fs.Put(ctx, "chunks/c9/0", strings.NewReader("x")))
	require.NoError(t, fs.Delete(ctx, "chunks/c9/0"))

	_, statErr := os.Stat(filepath.Join(dir, "chunks", "c9"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestMemoryStorage(t *testing.T) {
	m := NewMemoryStorage()
	storeContract(t, m)
	assert.Equal(t, []string{"chunks/c1/1"}, m.Keys("chunks/"))
}
