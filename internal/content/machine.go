package content

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tendant/chunked-content-pipeline/internal/metrics"
	"github.com/tendant/chunked-content-pipeline/pkg/pipeline"
)

// maxCASAttempts bounds retries when another worker moves the item between
// our read and our conditional write
const maxCASAttempts = 5

// Publisher receives one StatusEvent per accepted transition
type Publisher interface {
	Emit(ctx context.Context, ev pipeline.StatusEvent)
}

// Option adjusts the item as part of a transition
type Option func(*pipeline.ContentItem)

// WithError records the user facing failure reason
func WithError(msg string) Option {
	return func(c *pipeline.ContentItem) { c.ErrorMessage = msg }
}

func WithAccessURL(url string) Option {
	return func(c *pipeline.ContentItem) { c.AccessURL = url }
}

func WithSourceKey(key string) Option {
	return func(c *pipeline.ContentItem) { c.SourceKey = key }
}

func WithProcessedKey(key string) Option {
	return func(c *pipeline.ContentItem) { c.ProcessedKey = key }
}

func WithDestinationKey(key string) Option {
	return func(c *pipeline.ContentItem) { c.DestinationKey = key }
}

func WithChecksum(sum string) Option {
	return func(c *pipeline.ContentItem) { c.Checksum = sum }
}

// Machine applies status transitions. It is the only writer of Status.
type Machine struct {
	repo    Repository
	events  Publisher
	metrics *metrics.Metrics
	log     zerolog.Logger
	now     func() time.Time
}

// NewMachine creates a state machine over repo. events and m may be nil;
// a repository that journals its own events needs no publisher.
func NewMachine(repo Repository, events Publisher, m *metrics.Metrics, log zerolog.Logger) *Machine {
	return &Machine{
		repo:    repo,
		events:  events,
		metrics: m,
		log:     log.With().Str("component", "state-machine").Logger(),
		now:     time.Now,
	}
}

// Repository returns the underlying store
func (m *Machine) Repository() Repository {
	return m.repo
}

// Get returns the current item or ErrNotFound
func (m *Machine) Get(ctx context.Context, contentID string) (*pipeline.ContentItem, error) {
	return m.repo.Get(ctx, contentID)
}

// Start stores a new item in UPLOADING. When the id already exists the
// stored item is returned unchanged and no event is emitted.
func (m *Machine) Start(ctx context.Context, item *pipeline.ContentItem) (*pipeline.ContentItem, error) {
	now := m.now()
	item = item.Clone()
	item.Status = pipeline.StatusUploading
	item.CreatedAt = now
	item.UpdatedAt = now

	stored, created, err := m.repo.Create(ctx, item)
	if err != nil {
		return nil, fmt.Errorf("failed to create content %s: %w", item.ContentID, err)
	}
	if created {
		m.emit(ctx, stored)
	}
	return stored, nil
}

// Transition moves the item to target. Illegal targets return an error
// wrapping pipeline.ErrIllegalTransition and leave the item untouched.
func (m *Machine) Transition(ctx context.Context, contentID string, target pipeline.Status, opts ...Option) (*pipeline.ContentItem, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		current, err := m.repo.Get(ctx, contentID)
		if err != nil {
			return nil, err
		}
		if err := pipeline.ValidateTransition(current.Status, target); err != nil {
			return current, fmt.Errorf("content %s: %w", contentID, err)
		}

		from := current.Status
		updated, err := m.repo.CompareAndSwap(ctx, contentID, from, func(c *pipeline.ContentItem) {
			c.Status = target
			c.UpdatedAt = m.now()
			for _, opt := range opts {
				opt(c)
			}
			if isFailure(target) && c.ErrorMessage == "" {
				c.ErrorMessage = target.Message()
			}
		})
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to transition content %s to %s: %w", contentID, target, err)
		}

		m.metrics.Transitioned(string(target))
		m.log.Info().
			Str("content_id", contentID).
			Str("from", string(from)).
			Str("to", string(target)).
			Msg("status changed")
		m.emit(ctx, updated)
		return updated, nil
	}
	return nil, fmt.Errorf("content %s: %w after %d attempts", contentID, ErrConflict, maxCASAttempts)
}

// Fail moves a non-terminal item to FAILED
func (m *Machine) Fail(ctx context.Context, contentID, reason string) (*pipeline.ContentItem, error) {
	return m.Transition(ctx, contentID, pipeline.StatusFailed, WithError(reason))
}

// Cancel moves a non-terminal item to CANCELLED
func (m *Machine) Cancel(ctx context.Context, contentID, reason string) (*pipeline.ContentItem, error) {
	if reason == "" {
		reason = "cancelled by user"
	}
	return m.Transition(ctx, contentID, pipeline.StatusCancelled, WithError(reason))
}

// Expire moves a non-terminal item to EXPIRED
func (m *Machine) Expire(ctx context.Context, contentID, reason string) (*pipeline.ContentItem, error) {
	if reason == "" {
		reason = "upload expired"
	}
	return m.Transition(ctx, contentID, pipeline.StatusExpired, WithError(reason))
}

func (m *Machine) emit(ctx context.Context, item *pipeline.ContentItem) {
	if m.events == nil {
		return
	}
	m.events.Emit(ctx, EventFor(item, item.UpdatedAt))
}

// EventFor builds the StatusEvent announcing item's current status
func EventFor(item *pipeline.ContentItem, at time.Time) pipeline.StatusEvent {
	ev := pipeline.StatusEvent{
		ContentID: item.ContentID,
		UserID:    item.UserID,
		Status:    item.Status,
		Message:   item.Status.Message(),
		Timestamp: at,
	}
	if isFailure(item.Status) {
		ev.ErrorMessage = item.ErrorMessage
	}
	if item.Status == pipeline.StatusCompleted {
		ev.AccessURL = item.AccessURL
	}
	return ev
}

func isFailure(s pipeline.Status) bool {
	switch s {
	case pipeline.StatusFailed, pipeline.StatusValidationFailed, pipeline.StatusCancelled, pipeline.StatusExpired:
		return true
	}
	return false
}
