// Package tracker records which chunk indices of an upload are durably
// stored and decides, exactly once, when the upload is ready to assemble.
//
// The received indices form a set, so redelivering a chunk never changes
// the count. Completion is claimed with a single conditional write on shared
// state; only the caller whose claim succeeds assembles.
package tracker

import (
	"context"
	"errors"
	"sort"
	"time"
)

var (
	// ErrNotFound is returned when no chunk set exists for a content id
	ErrNotFound = errors.New("chunk set not found")

	// ErrTotalMismatch is returned when a chunk disagrees with the recorded total
	ErrTotalMismatch = errors.New("total chunks does not match recorded total")
)

// State is a snapshot of one content id's chunk set
type State struct {
	ContentID   string    `json:"content_id"`
	TotalChunks int       `json:"total_chunks"`
	Received    []int     `json:"received"`
	Claimed     bool      `json:"claimed"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Complete reports whether every index has been received
func (s *State) Complete() bool {
	return len(s.Received) == s.TotalChunks
}

// AddResult reports the effect of one Add
type AddResult struct {
	// Added is false when the index was already in the set
	Added    bool
	Received int
	Total    int
}

// Tracker is the shared source of truth for chunk sets
type Tracker interface {
	// Contains reports whether index is in the received set
	Contains(ctx context.Context, contentID string, index int) (bool, error)

	// Add idempotently inserts index into the set, creating the set with
	// total on first use. A total that differs from the recorded one
	// returns ErrTotalMismatch and changes nothing.
	Add(ctx context.Context, contentID string, index, total int) (AddResult, error)

	// Claim atomically marks a complete, unclaimed set as claimed. It
	// returns true for exactly one caller per content id.
	Claim(ctx context.Context, contentID string) (bool, error)

	// ClaimStale takes ownership of a set last updated before the cutoff,
	// claimed or not. Concurrent sweepers cannot both succeed.
	ClaimStale(ctx context.Context, contentID string, before time.Time) (bool, error)

	// Release drops a claim so the set can be claimed again. Releasing a
	// missing set is not an error.
	Release(ctx context.Context, contentID string) error

	// Get returns the current state or ErrNotFound
	Get(ctx context.Context, contentID string) (*State, error)

	// Stale lists sets last updated before the cutoff
	Stale(ctx context.Context, before time.Time) ([]State, error)

	// Clear removes the set. Clearing a missing set is not an error.
	Clear(ctx context.Context, contentID string) error
}

func sortedIndices(set map[int]struct{}) []int {
	out := make([]int, 0, len(set))
	for i := range set {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}
