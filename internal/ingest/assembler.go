package ingest

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/zeebo/blake3"

	"github.com/tendant/chunked-content-pipeline/internal/storage"
	"github.com/tendant/chunked-content-pipeline/pkg/pipeline"
)

// Assembly describes a finished object
type Assembly struct {
	Key      string
	Size     int64
	Checksum string
}

// Assembler concatenates an upload's chunk blobs into one object
type Assembler struct {
	store storage.Store
	log   zerolog.Logger
}

// NewAssembler creates an assembler over store
func NewAssembler(store storage.Store, log zerolog.Logger) *Assembler {
	return &Assembler{store: store, log: log.With().Str("component", "assembler").Logger()}
}

// Assemble writes chunks 0..TotalChunks-1 of item, in index order, to a new
// destination key. A missing chunk returns ErrMissingChunk and leaves no
// destination object behind.
func (a *Assembler) Assemble(ctx context.Context, item *pipeline.ContentItem) (*Assembly, error) {
	if item.TotalChunks < 1 {
		return nil, fmt.Errorf("%w: total chunks %d", ErrInvalidChunk, item.TotalChunks)
	}
	dst := DestinationKey(item)

	if item.TotalChunks == 1 {
		return a.single(ctx, item.ContentID, dst)
	}
	return a.concat(ctx, item, dst)
}

func (a *Assembler) single(ctx context.Context, contentID, dst string) (*Assembly, error) {
	src := ChunkKey(contentID, 0)
	if err := a.store.Copy(ctx, src, dst); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrMissingChunk, src)
		}
		return nil, fmt.Errorf("failed to copy %s: %w", src, err)
	}

	rc, err := a.store.Get(ctx, dst)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", dst, err)
	}
	defer rc.Close()

	h := blake3.New()
	n, err := io.Copy(h, rc)
	if err != nil {
		return nil, fmt.Errorf("failed to hash %s: %w", dst, err)
	}
	return &Assembly{Key: dst, Size: n, Checksum: hex.EncodeToString(h.Sum(nil))}, nil
}

func (a *Assembler) concat(ctx context.Context, item *pipeline.ContentItem, dst string) (*Assembly, error) {
	pr, pw := io.Pipe()
	h := blake3.New()
	var size int64
	var readErr error
	done := make(chan struct{})

	go func() {
		defer close(done)
		w := io.MultiWriter(pw, h)
		for i := 0; i < item.TotalChunks; i++ {
			n, err := a.copyChunk(ctx, w, item.ContentID, i)
			size += n
			if err != nil {
				readErr = err
				pw.CloseWithError(err)
				return
			}
		}
		pw.Close()
	}()

	putErr := a.store.Put(ctx, dst, pr)
	pr.Close()
	<-done

	if readErr != nil || putErr != nil {
		if err := a.store.Delete(ctx, dst); err != nil {
			a.log.Warn().Err(err).Str("key", dst).Msg("failed to remove partial object")
		}
		if errors.Is(readErr, ErrMissingChunk) || putErr == nil {
			return nil, readErr
		}
		return nil, fmt.Errorf("failed to write %s: %w", dst, putErr)
	}

	return &Assembly{Key: dst, Size: size, Checksum: hex.EncodeToString(h.Sum(nil))}, nil
}

func (a *Assembler) copyChunk(ctx context.Context, w io.Writer, contentID string, index int) (int64, error) {
	key := ChunkKey(contentID, index)
	rc, err := a.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return 0, fmt.Errorf("%w: %s", ErrMissingChunk, key)
		}
		return 0, fmt.Errorf("failed to read %s: %w", key, err)
	}
	defer rc.Close()

	n, err := io.Copy(w, rc)
	if err != nil {
		return n, fmt.Errorf("failed to stream %s: %w", key, err)
	}
	return n, nil
}
