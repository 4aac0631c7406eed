// Package processing derives the processed variant of a validated object.
// Images are resized; every other file type passes through unchanged.
package processing

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tendant/chunked-content-pipeline/internal/storage"
	"github.com/tendant/chunked-content-pipeline/pkg/pipeline"
)

// ErrUnprocessable is returned for objects the processor cannot decode.
// Retrying will not help.
var ErrUnprocessable = errors.New("content cannot be processed")

// Output describes a processed variant
type Output struct {
	Key      string
	Variant  string
	FileName string
	Width    int
	Height   int
	Size     int64
}

// Processor produces a variant of item's assembled object
type Processor interface {
	Process(ctx context.Context, item *pipeline.ContentItem) (*Output, error)
}

// Table dispatches on file type. It is built once and only read afterwards.
type Table struct {
	byType map[pipeline.FileType]Processor
	log    zerolog.Logger
}

// NewTable creates a table; byType is copied
func NewTable(byType map[pipeline.FileType]Processor, log zerolog.Logger) *Table {
	m := make(map[pipeline.FileType]Processor, len(byType))
	for k, v := range byType {
		m[k] = v
	}
	return &Table{byType: m, log: log.With().Str("component", "processing").Logger()}
}

// DefaultTable resizes images with the default options
func DefaultTable(store storage.Store, log zerolog.Logger) *Table {
	return NewTable(map[pipeline.FileType]Processor{
		pipeline.FileTypeImage: NewImageProcessor(store, ImageOptions{}),
	}, log)
}

// Process runs the processor registered for the item's file type. A nil
// output means the type passes through unchanged.
func (t *Table) Process(ctx context.Context, item *pipeline.ContentItem) (*Output, error) {
	p, ok := t.byType[item.FileType]
	if !ok {
		t.log.Debug().Str("content_id", item.ContentID).Str("file_type", string(item.FileType)).
			Msg("no processor, passing through")
		return nil, nil
	}

	out, err := p.Process(ctx, item)
	if err != nil {
		return nil, fmt.Errorf("processing %s: %w", item.ContentID, err)
	}
	if out != nil {
		t.log.Info().
			Str("content_id", item.ContentID).
			Str("key", out.Key).
			Int("width", out.Width).
			Int("height", out.Height).
			Int64("size", out.Size).
			Msg("content processed")
	}
	return out, nil
}
