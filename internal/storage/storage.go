package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when no object exists at a key
var ErrNotFound = errors.New("object not found")

// Store is the blob store used for chunk blobs, assembled objects and
// processing output. Keys are slash separated.
type Store interface {
	// Put writes the full contents of r to key, replacing any existing object
	Put(ctx context.Context, key string, r io.Reader) error

	// Get returns a reader for the object at key or ErrNotFound
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Copy duplicates src to dst without streaming through the caller
	Copy(ctx context.Context, src, dst string) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Exists checks if an object exists at key
	Exists(ctx context.Context, key string) (bool, error)
}

// Metadata contains storage object metadata
type Metadata struct {
	Size        int64
	ContentType string
	ETag        string
}

// StatStore is implemented by stores that can report object metadata
type StatStore interface {
	Store

	// Stat returns metadata for the object at key or ErrNotFound
	Stat(ctx context.Context, key string) (*Metadata, error)
}

// ReadAll reads the whole object at key
func ReadAll(ctx context.Context, s Store, key string) ([]byte, error) {
	rc, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
