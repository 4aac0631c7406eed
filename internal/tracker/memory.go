package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type memorySet struct {
	total     int
	received  map[int]struct{}
	claimed   bool
	createdAt time.Time
	updatedAt time.Time
}

// Memory is a single-process Tracker. It is only a valid source of truth
// when exactly one process records chunks.
type Memory struct {
	mu   sync.Mutex
	sets map[string]*memorySet
	now  func() time.Time
}

// NewMemory creates an in-process tracker. now may be nil.
func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{sets: make(map[string]*memorySet), now: now}
}

func (m *Memory) Contains(ctx context.Context, contentID string, index int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sets[contentID]
	if !ok {
		return false, nil
	}
	_, ok = s.received[index]
	return ok, nil
}

func (m *Memory) Add(ctx context.Context, contentID string, index, total int) (AddResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sets[contentID]
	if !ok {
		now := m.now()
		s = &memorySet{total: total, received: make(map[int]struct{}), createdAt: now, updatedAt: now}
		m.sets[contentID] = s
	}
	if s.total != total {
		return AddResult{}, fmt.Errorf("%w: have %d, got %d", ErrTotalMismatch, s.total, total)
	}

	_, dup := s.received[index]
	if !dup {
		s.received[index] = struct{}{}
		s.updatedAt = m.now()
	}
	return AddResult{Added: !dup, Received: len(s.received), Total: s.total}, nil
}

func (m *Memory) Claim(ctx context.Context, contentID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sets[contentID]
	if !ok || s.claimed || len(s.received) != s.total {
		return false, nil
	}
	s.claimed = true
	s.updatedAt = m.now()
	return true, nil
}

func (m *Memory) ClaimStale(ctx context.Context, contentID string, before time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sets[contentID]
	if !ok || !s.updatedAt.Before(before) {
		return false, nil
	}
	s.claimed = true
	s.updatedAt = m.now()
	return true, nil
}

func (m *Memory) Release(ctx context.Context, contentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sets[contentID]; ok {
		s.claimed = false
		s.updatedAt = m.now()
	}
	return nil
}

func (m *Memory) Get(ctx context.Context, contentID string) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sets[contentID]
	if !ok {
		return nil, ErrNotFound
	}
	st := s.snapshot(contentID)
	return &st, nil
}

func (m *Memory) Stale(ctx context.Context, before time.Time) ([]State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []State
	for id, s := range m.sets {
		if s.updatedAt.Before(before) {
			out = append(out, s.snapshot(id))
		}
	}
	return out, nil
}

func (m *Memory) Clear(ctx context.Context, contentID string) error {
	m.mu.Lock()
	delete(m.sets, contentID)
	m.mu.Unlock()
	return nil
}

func (s *memorySet) snapshot(id string) State {
	return State{
		ContentID:   id,
		TotalChunks: s.total,
		Received:    sortedIndices(s.received),
		Claimed:     s.claimed,
		CreatedAt:   s.createdAt,
		UpdatedAt:   s.updatedAt,
	}
}
