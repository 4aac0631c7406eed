// Package content persists content items and moves them through the
// pipeline status graph.
package content

import (
	"context"
	"sort"
	"sync"

	"github.com/tendant/chunked-content-pipeline/pkg/pipeline"
)

// Repository stores content items. Status changes go through
// CompareAndSwap so two workers can never both apply a transition out of
// the same state.
type Repository interface {
	// Create stores item unless one with the same id exists. It returns the
	// stored item and whether this call created it.
	Create(ctx context.Context, item *pipeline.ContentItem) (*pipeline.ContentItem, bool, error)

	// Get returns a copy of the item or ErrNotFound
	Get(ctx context.Context, contentID string) (*pipeline.ContentItem, error)

	// CompareAndSwap applies mutate to the stored item when its status is
	// still from. It returns ErrConflict when the status moved on.
	CompareAndSwap(ctx context.Context, contentID string, from pipeline.Status, mutate func(*pipeline.ContentItem)) (*pipeline.ContentItem, error)

	// ListByUser returns a user's items, newest first
	ListByUser(ctx context.Context, userID string) ([]*pipeline.ContentItem, error)

	// CountByStatus returns how many items sit in each of the given statuses
	CountByStatus(ctx context.Context, statuses []pipeline.Status) (map[pipeline.Status]int, error)
}

// Memory is an in-process Repository
type Memory struct {
	mu    sync.RWMutex
	items map[string]*pipeline.ContentItem
}

// NewMemory creates an empty in-memory repository
func NewMemory() *Memory {
	return &Memory{items: make(map[string]*pipeline.ContentItem)}
}

func (m *Memory) Create(ctx context.Context, item *pipeline.ContentItem) (*pipeline.ContentItem, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.items[item.ContentID]; ok {
		return existing.Clone(), false, nil
	}
	m.items[item.ContentID] = item.Clone()
	return item.Clone(), true, nil
}

func (m *Memory) Get(ctx context.Context, contentID string) (*pipeline.ContentItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.items[contentID]
	if !ok {
		return nil, ErrNotFound
	}
	return item.Clone(), nil
}

func (m *Memory) CompareAndSwap(ctx context.Context, contentID string, from pipeline.Status, mutate func(*pipeline.ContentItem)) (*pipeline.ContentItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[contentID]
	if !ok {
		return nil, ErrNotFound
	}
	if item.Status != from {
		return nil, ErrConflict
	}
	next := item.Clone()
	mutate(next)
	m.items[contentID] = next
	return next.Clone(), nil
}

func (m *Memory) ListByUser(ctx context.Context, userID string) ([]*pipeline.ContentItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*pipeline.ContentItem
	for _, item := range m.items {
		if item.UserID == userID {
			out = append(out, item.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) CountByStatus(ctx context.Context, statuses []pipeline.Status) (map[pipeline.Status]int, error) {
	want := make(map[pipeline.Status]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[pipeline.Status]int, len(statuses))
	for _, item := range m.items {
		if want[item.Status] {
			out[item.Status]++
		}
	}
	return out, nil
}
