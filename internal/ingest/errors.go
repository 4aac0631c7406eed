package ingest

import "errors"

var (
	// ErrInvalidChunk is returned for chunks that violate the input constraints
	ErrInvalidChunk = errors.New("invalid chunk")

	// ErrMissingChunk is returned when a chunk blob vanished before assembly
	ErrMissingChunk = errors.New("chunk data missing")

	// ErrAssemblyFailed is returned when the last chunk arrived but the
	// upload could not be assembled. The item is already FAILED.
	ErrAssemblyFailed = errors.New("assembly failed")

	// ErrDigestMismatch is returned when a chunk payload does not match its digest
	ErrDigestMismatch = errors.New("chunk digest mismatch")
)
