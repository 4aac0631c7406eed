package validation

import (
	"time"

	"github.com/tendant/chunked-content-pipeline/internal/config"
)

// Config holds the limits used by DefaultTable
type Config struct {
	MaxFileSize int64
	Image       ImageLimits
	// Scanner defaults to the signature scanner when nil
	Scanner Scanner
}

func (c *Config) withDefaults() {
	if c.Image.MinWidth == 0 {
		c.Image.MinWidth = 10
	}
	if c.Image.MinHeight == 0 {
		c.Image.MinHeight = 10
	}
	if c.Image.MaxWidth == 0 {
		c.Image.MaxWidth = 8000
	}
	if c.Image.MaxHeight == 0 {
		c.Image.MaxHeight = 8000
	}
	if c.Image.MaxSize == 0 {
		c.Image.MaxSize = 50 << 20
	}
	if c.Scanner == nil {
		c.Scanner = NewSignatureScanner(nil)
	}
}

// FromConfig converts the validation section of the service configuration
func FromConfig(c config.ValidationConfig) Config {
	cfg := Config{
		MaxFileSize: int64(c.MaxFileSizeMB) << 20,
		Image: ImageLimits{
			MinWidth:  c.ImageMinWidth,
			MinHeight: c.ImageMinHeight,
			MaxWidth:  c.ImageMaxWidth,
			MaxHeight: c.ImageMaxHeight,
			MaxSize:   int64(c.ImageMaxSizeMB) << 20,
		},
	}
	if c.AntivirusCommand != "" {
		cfg.Scanner = NewClamScanner(c.AntivirusCommand, time.Duration(c.AntivirusTimeoutSeconds)*time.Second)
	}
	return cfg
}
