package validation

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"path/filepath"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/tendant/chunked-content-pipeline/pkg/pipeline"
)

var allowedImageFormats = map[string]bool{
	"jpg": true, "jpeg": true, "png": true, "gif": true,
	"bmp": true, "tiff": true, "webp": true,
}

// ImageLimits bounds accepted image dimensions and size
type ImageLimits struct {
	MinWidth  int
	MinHeight int
	MaxWidth  int
	MaxHeight int
	MaxSize   int64
}

// Image decodes the image header and checks it against limits
type Image struct {
	limits ImageLimits
}

func NewImage(limits ImageLimits) *Image {
	return &Image{limits: limits}
}

func (v *Image) Validate(ctx context.Context, item *pipeline.ContentItem, data []byte, result *pipeline.ValidationResult) error {
	if len(data) == 0 {
		return reject("IMAGE_DATA_MISSING", "image data is missing", "")
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return reject("INVALID_IMAGE_FORMAT", "image format is invalid", "unsupported or corrupted image: "+err.Error())
	}

	l := v.limits
	if cfg.Width > l.MaxWidth || cfg.Height > l.MaxHeight {
		result.AddIssue(pipeline.ValidationIssue{
			Severity: pipeline.SeverityError,
			Code:     "IMAGE_TOO_LARGE",
			Message:  "image resolution is too large",
			Details:  fmt.Sprintf("maximum: %dx%d, actual: %dx%d", l.MaxWidth, l.MaxHeight, cfg.Width, cfg.Height),
		})
	}
	if cfg.Width < l.MinWidth || cfg.Height < l.MinHeight {
		result.AddIssue(pipeline.ValidationIssue{
			Severity: pipeline.SeverityError,
			Code:     "IMAGE_TOO_SMALL",
			Message:  "image resolution is too small",
			Details:  fmt.Sprintf("minimum: %dx%d, actual: %dx%d", l.MinWidth, l.MinHeight, cfg.Width, cfg.Height),
		})
	}
	if l.MaxSize > 0 && int64(len(data)) > l.MaxSize {
		result.AddIssue(pipeline.ValidationIssue{
			Severity: pipeline.SeverityError,
			Code:     "IMAGE_FILE_TOO_LARGE",
			Message:  "image file is too large",
			Details:  fmt.Sprintf("maximum: %dMB, actual: %.2fMB", l.MaxSize>>20, float64(len(data))/(1<<20)),
		})
	}

	declared := declaredImageFormat(item)
	if declared == "" {
		declared = format
	}
	if !allowedImageFormats[declared] {
		result.AddIssue(pipeline.ValidationIssue{
			Severity: pipeline.SeverityWarning,
			Code:     "UNSUPPORTED_IMAGE_FORMAT",
			Message:  "image format is not supported",
			Details:  "supported formats: jpg, jpeg, png, gif, bmp, tiff, webp",
		})
	}
	return nil
}

// declaredImageFormat takes the format from the file extension, then the MIME subtype
func declaredImageFormat(item *pipeline.ContentItem) string {
	if ext := strings.TrimPrefix(filepath.Ext(item.FileName), "."); ext != "" {
		return strings.ToLower(ext)
	}
	ct := strings.ToLower(item.ContentType)
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.TrimPrefix(strings.TrimSpace(ct), "image/")
}
