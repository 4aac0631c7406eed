package workflows

import "errors"

var (
	// ErrMissingSource is returned when the assembled object is gone
	ErrMissingSource = errors.New("source object missing")

	// ErrUnknownContent is returned when a stage message names no stored item
	ErrUnknownContent = errors.New("unknown content item")
)
