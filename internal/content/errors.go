package content

import "errors"

var (
	// ErrNotFound is returned when no content item exists for an id
	ErrNotFound = errors.New("content not found")

	// ErrConflict is returned when the stored status no longer matches the expected one
	ErrConflict = errors.New("content status changed concurrently")
)
