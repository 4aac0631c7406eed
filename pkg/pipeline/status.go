package pipeline

import (
	"errors"
	"fmt"
)

// Status is the processing state of a content item
type Status string

const (
	StatusUploading        Status = "UPLOADING"
	StatusUploaded         Status = "UPLOADED"
	StatusValidating       Status = "VALIDATING"
	StatusValidated        Status = "VALIDATED"
	StatusValidationFailed Status = "VALIDATION_FAILED"
	StatusProcessing       Status = "PROCESSING"
	StatusProcessed        Status = "PROCESSED"
	StatusStoring          Status = "STORING"
	StatusStored           Status = "STORED"
	StatusCompleted        Status = "COMPLETED"
	StatusFailed           Status = "FAILED"
	StatusCancelled        Status = "CANCELLED"
	StatusExpired          Status = "EXPIRED"
)

// ErrIllegalTransition is returned when a target status is not a successor of the current one
var ErrIllegalTransition = errors.New("illegal status transition")

// successors is the forward graph. FAILED, CANCELLED and EXPIRED are added
// for every non-terminal state by ValidateTransition.
var successors = map[Status][]Status{
	StatusUploading:  {StatusUploaded},
	StatusUploaded:   {StatusValidating},
	StatusValidating: {StatusValidated, StatusValidationFailed},
	StatusValidated:  {StatusProcessing},
	StatusProcessing: {StatusProcessed},
	StatusProcessed:  {StatusStoring},
	StatusStoring:    {StatusStored},
	StatusStored:     {StatusCompleted},
}

var terminal = map[Status]bool{
	StatusCompleted:        true,
	StatusFailed:           true,
	StatusValidationFailed: true,
	StatusCancelled:        true,
	StatusExpired:          true,
}

// AllStatuses lists every status in pipeline order
var AllStatuses = []Status{
	StatusUploading, StatusUploaded, StatusValidating, StatusValidated, StatusValidationFailed,
	StatusProcessing, StatusProcessed, StatusStoring, StatusStored, StatusCompleted,
	StatusFailed, StatusCancelled, StatusExpired,
}

// IsTerminal reports whether s has no outgoing transitions
func (s Status) IsTerminal() bool {
	return terminal[s]
}

// IsValid reports whether s is a known status
func (s Status) IsValid() bool {
	if terminal[s] {
		return true
	}
	_, ok := successors[s]
	return ok
}

// Successors returns every status reachable from s in one step
func (s Status) Successors() []Status {
	if s.IsTerminal() || !s.IsValid() {
		return nil
	}
	next := append([]Status(nil), successors[s]...)
	return append(next, StatusFailed, StatusCancelled, StatusExpired)
}

// ValidateTransition returns nil when to is a legal successor of from
func ValidateTransition(from, to Status) error {
	if !from.IsValid() || !to.IsValid() {
		return fmt.Errorf("%w: unknown status %s -> %s", ErrIllegalTransition, from, to)
	}
	if from.IsTerminal() {
		return fmt.Errorf("%w: %s is terminal", ErrIllegalTransition, from)
	}
	switch to {
	case StatusFailed, StatusCancelled, StatusExpired:
		return nil
	}
	for _, next := range successors[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
}

// CanTransition is the boolean form of ValidateTransition
func CanTransition(from, to Status) bool {
	return ValidateTransition(from, to) == nil
}

// Message returns the human readable status line shown to observers
func (s Status) Message() string {
	switch s {
	case StatusUploading:
		return "Uploading file..."
	case StatusUploaded:
		return "Upload complete. Waiting for validation..."
	case StatusValidating:
		return "Validating file..."
	case StatusValidated:
		return "Validation complete. Waiting for processing..."
	case StatusValidationFailed:
		return "File validation failed."
	case StatusProcessing:
		return "Processing file..."
	case StatusProcessed:
		return "Processing complete. Storing..."
	case StatusStoring:
		return "Storing file..."
	case StatusStored:
		return "File stored."
	case StatusCompleted:
		return "All processing complete."
	case StatusFailed:
		return "An error occurred while processing."
	case StatusCancelled:
		return "Upload cancelled."
	case StatusExpired:
		return "Upload expired."
	default:
		return "Status update: " + string(s)
	}
}
