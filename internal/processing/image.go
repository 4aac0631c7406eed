package processing

import (
	"bytes"
	"context"
	"fmt"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"github.com/tendant/chunked-content-pipeline/internal/storage"
	"github.com/tendant/chunked-content-pipeline/pkg/pipeline"
)

// ImageOptions controls the processed image. Zero values use the defaults.
type ImageOptions struct {
	MaxWidth  int // default 800
	MaxHeight int // default 800
	Quality   int // JPEG quality, default 80
}

func (o *ImageOptions) withDefaults() {
	if o.MaxWidth <= 0 {
		o.MaxWidth = 800
	}
	if o.MaxHeight <= 0 {
		o.MaxHeight = 800
	}
	if o.Quality <= 0 {
		o.Quality = 80
	}
}

// ImageProcessor fits an image into a bounding box and re-encodes it as JPEG
type ImageProcessor struct {
	store storage.Store
	opts  ImageOptions
}

func NewImageProcessor(store storage.Store, opts ImageOptions) *ImageProcessor {
	opts.withDefaults()
	return &ImageProcessor{store: store, opts: opts}
}

// ProcessedKey is where the processed variant of item is written. It only
// depends on the item so a redelivered message overwrites the same object.
func ProcessedKey(item *pipeline.ContentItem) string {
	return fmt.Sprintf("processed/%s/%s.jpg", item.UserID, item.ContentID)
}

func (p *ImageProcessor) Process(ctx context.Context, item *pipeline.ContentItem) (*Output, error) {
	if item.SourceKey == "" {
		return nil, fmt.Errorf("%w: no source object", ErrUnprocessable)
	}

	rc, err := p.store.Get(ctx, item.SourceKey)
	if err != nil {
		return nil, fmt.Errorf("failed to open source: %w", err)
	}
	defer rc.Close()

	img, err := imaging.Decode(rc, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnprocessable, err)
	}

	// Fit never upscales, smaller images keep their size
	resized := imaging.Fit(img, p.opts.MaxWidth, p.opts.MaxHeight, imaging.Lanczos)
	bounds := resized.Bounds()

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, resized, imaging.JPEG, imaging.JPEGQuality(p.opts.Quality)); err != nil {
		return nil, fmt.Errorf("JPEG encode failed: %w", err)
	}
	size := int64(buf.Len())

	key := ProcessedKey(item)
	if err := p.store.Put(ctx, key, &buf); err != nil {
		return nil, fmt.Errorf("failed to write processed image: %w", err)
	}

	return &Output{
		Key:      key,
		Variant:  "processed",
		FileName: "processed.jpg",
		Width:    bounds.Dx(),
		Height:   bounds.Dy(),
		Size:     size,
	}, nil
}
