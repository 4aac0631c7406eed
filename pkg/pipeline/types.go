package pipeline

import (
	"fmt"
	"strings"
	"time"
)

// Priority is the processing priority requested by the uploader
type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityNormal Priority = "NORMAL"
	PriorityLow    Priority = "LOW"
)

// Weight returns the bus priority weight for p (HIGH=10, NORMAL=5, LOW=1)
func (p Priority) Weight() int {
	switch p {
	case PriorityHigh:
		return 10
	case PriorityNormal:
		return 5
	default:
		return 1
	}
}

// ParsePriority parses a priority name, defaulting to LOW for empty input
func ParsePriority(s string) (Priority, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "":
		return PriorityLow, nil
	case string(PriorityHigh):
		return PriorityHigh, nil
	case string(PriorityNormal):
		return PriorityNormal, nil
	case string(PriorityLow):
		return PriorityLow, nil
	default:
		return "", fmt.Errorf("unknown priority: %q", s)
	}
}

// ContentItem is the aggregate tracked through the whole pipeline
type ContentItem struct {
	ContentID      string    `json:"content_id"`
	UserID         string    `json:"user_id"`
	FileName       string    `json:"file_name"`
	ContentType    string    `json:"content_type"`
	FileType       FileType  `json:"file_type"`
	FileSize       int64     `json:"file_size"`
	TotalChunks    int       `json:"total_chunks"`
	Priority       Priority  `json:"priority"`
	Status         Status    `json:"status"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	SourceKey      string    `json:"source_key,omitempty"`      // assembled object
	ProcessedKey   string    `json:"processed_key,omitempty"`   // processing output
	DestinationKey string    `json:"destination_key,omitempty"` // archive reference
	AccessURL      string    `json:"access_url,omitempty"`
	Checksum       string    `json:"checksum,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Clone returns a copy of the item
func (c *ContentItem) Clone() *ContentItem {
	cp := *c
	return &cp
}

// IsTerminal reports whether the item reached a state with no outgoing transitions
func (c *ContentItem) IsTerminal() bool {
	return c.Status.IsTerminal()
}

// ChunkRecord describes one durably stored chunk
type ChunkRecord struct {
	ContentID   string `json:"content_id"`
	ChunkIndex  int    `json:"chunk_index"`
	TotalChunks int    `json:"total_chunks"`
	Size        int64  `json:"size"`
	Key         string `json:"key"`
}

// StatusEvent is an immutable record of one accepted transition
type StatusEvent struct {
	ContentID    string    `json:"content_id" cbor:"content_id"`
	UserID       string    `json:"user_id,omitempty" cbor:"user_id,omitempty"`
	Status       Status    `json:"status" cbor:"status"`
	Message      string    `json:"message,omitempty" cbor:"message,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty" cbor:"error_message,omitempty"`
	AccessURL    string    `json:"access_url,omitempty" cbor:"access_url,omitempty"`
	Timestamp    time.Time `json:"timestamp" cbor:"timestamp"`

	// Seq is the journal position of the event. Zero when the event did
	// not come from a journal.
	Seq int64 `json:"seq,omitempty" cbor:"seq,omitempty"`
}

// ChunkOutcome is the result of recording one chunk
type ChunkOutcome string

const (
	OutcomeAssemblyTriggered ChunkOutcome = "ASSEMBLY_TRIGGERED"
	OutcomeAccepted          ChunkOutcome = "ACCEPTED"
	OutcomeDuplicate         ChunkOutcome = "DUPLICATE"
	OutcomeRejected          ChunkOutcome = "REJECTED"
)

// SubmitChunkRequest carries one chunk of an upload
type SubmitChunkRequest struct {
	ContentID   string   `json:"content_id,omitempty"` // generated on first chunk when empty
	ChunkIndex  int      `json:"chunk_index"`
	TotalChunks int      `json:"total_chunks"`
	UserID      string   `json:"user_id"`
	FileName    string   `json:"file_name"`
	ContentType string   `json:"content_type"`
	FileSize    int64    `json:"file_size"`
	Priority    Priority `json:"priority,omitempty"`
	Payload     []byte   `json:"-"`
}

// SubmissionResult is returned to the uploader for every chunk
type SubmissionResult struct {
	ContentID      string       `json:"content_id"`
	Outcome        ChunkOutcome `json:"outcome"`
	Status         Status       `json:"status,omitempty"`
	ReceivedChunks int          `json:"received_chunks"`
	TotalChunks    int          `json:"total_chunks"`
	Message        string       `json:"message,omitempty"`
}
