package workflows

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/tendant/chunked-content-pipeline/internal/bus"
	"github.com/tendant/chunked-content-pipeline/internal/content"
	"github.com/tendant/chunked-content-pipeline/internal/metrics"
	"github.com/tendant/chunked-content-pipeline/internal/retry"
	"github.com/tendant/chunked-content-pipeline/pkg/pipeline"
)

// Notifier is told about every item that reached a terminal status
type Notifier interface {
	Notify(ctx context.Context, item *pipeline.ContentItem) error
}

// NotifyStage consumes the notification queue
type NotifyStage struct {
	machine  *content.Machine
	notifier Notifier
	log      zerolog.Logger
}

// NewNotifyStage creates the notification consumer. notifier may be nil,
// in which case outcomes are only logged.
func NewNotifyStage(machine *content.Machine, notifier Notifier, log zerolog.Logger) *NotifyStage {
	return &NotifyStage{
		machine:  machine,
		notifier: notifier,
		log:      log.With().Str("stage", "notify").Logger(),
	}
}

func (s *NotifyStage) Name() string  { return "notify" }
func (s *NotifyStage) Queue() string { return bus.NotificationQueue }

func (s *NotifyStage) Handle(ctx context.Context, d *bus.Delivery) error {
	msg, err := content.DecodeStage(d.Body)
	if err != nil {
		return retry.Permanent(err)
	}
	item, err := s.machine.Get(ctx, msg.ContentID)
	if errors.Is(err, content.ErrNotFound) {
		return retry.Permanent(err)
	}
	if err != nil {
		return err
	}

	ev := s.log.Info()
	if item.Status != pipeline.StatusCompleted {
		ev = s.log.Warn().Str("error", item.ErrorMessage)
	}
	ev.Str("content_id", item.ContentID).
		Str("user_id", item.UserID).
		Str("status", string(item.Status)).
		Str("access_url", item.AccessURL).
		Msg("content finished")

	if s.notifier == nil {
		return nil
	}
	return s.notifier.Notify(ctx, item)
}

// DeadLetter is one message recorded from the dead-letter queue
type DeadLetter struct {
	MessageID    string    `json:"message_id"`
	ContentID    string    `json:"content_id,omitempty"`
	Queue        string    `json:"queue"`
	RoutingKey   string    `json:"routing_key"`
	Exception    string    `json:"exception"`
	Redeliveries int       `json:"redeliveries"`
	RecordedAt   time.Time `json:"recorded_at"`
}

// DeadLetters records dead-lettered messages in a RecordStore
type DeadLetters struct {
	store   RecordStore
	metrics *metrics.Metrics
	log     zerolog.Logger
}

// NewDeadLetters creates a recorder writing to store
func NewDeadLetters(store RecordStore, m *metrics.Metrics, log zerolog.Logger) *DeadLetters {
	return &DeadLetters{
		store:   store,
		metrics: m,
		log:     log.With().Str("component", "dead-letters").Logger(),
	}
}

// Handler consumes the dead-letter queue. A delivery that cannot be
// recorded is requeued.
func (dl *DeadLetters) Handler() bus.Handler {
	return func(ctx context.Context, d *bus.Delivery) bus.Disposition {
		if err := dl.Record(ctx, d); err != nil {
			dl.log.Warn().Err(err).Str("message_id", d.ID).Msg("failed to record dead letter")
			return bus.Requeue
		}
		return bus.Ack
	}
}

// Record stores d
func (dl *DeadLetters) Record(ctx context.Context, d *bus.Delivery) error {
	redeliveries, _ := strconv.Atoi(d.Header(bus.HeaderRedeliveries))
	rec := DeadLetter{
		MessageID:    d.ID,
		ContentID:    d.Header(bus.HeaderContentID),
		Queue:        d.Header(bus.HeaderDeathQueue),
		RoutingKey:   d.Header(bus.HeaderOriginalKey),
		Exception:    d.Header(bus.HeaderException),
		Redeliveries: redeliveries,
		RecordedAt:   time.Now().UTC(),
	}
	if err := dl.store.AddDeadLetter(ctx, rec); err != nil {
		return err
	}

	dl.metrics.DeadLettered()
	dl.log.Error().
		Str("message_id", rec.MessageID).
		Str("content_id", rec.ContentID).
		Str("queue", rec.Queue).
		Str("exception", rec.Exception).
		Int("redeliveries", rec.Redeliveries).
		Msg("message dead-lettered")
	return nil
}

// List returns up to limit recorded dead letters, newest first
func (dl *DeadLetters) List(ctx context.Context, limit int) ([]DeadLetter, error) {
	return dl.store.ListDeadLetters(ctx, limit)
}

// ValidationResults keeps the latest validation result per content id
type ValidationResults struct {
	store RecordStore
	log   zerolog.Logger
}

func NewValidationResults(store RecordStore, log zerolog.Logger) *ValidationResults {
	return &ValidationResults{
		store: store,
		log:   log.With().Str("component", "validation-results").Logger(),
	}
}

// Handler consumes content.validation.result.queue
func (v *ValidationResults) Handler() bus.Handler {
	return func(ctx context.Context, d *bus.Delivery) bus.Disposition {
		res, err := DecodeValidationResult(d.Body)
		if err != nil {
			v.log.Error().Err(err).Str("message_id", d.ID).Msg("dropping undecodable validation result")
			d.SetHeader(bus.HeaderException, err.Error())
			return bus.DeadLetter
		}
		if err := v.Store(ctx, res); err != nil {
			v.log.Warn().Err(err).Str("content_id", res.ContentID).Msg("failed to store validation result")
			return bus.Requeue
		}
		return bus.Ack
	}
}

// Store records res
func (v *ValidationResults) Store(ctx context.Context, res *pipeline.ValidationResult) error {
	return v.store.PutValidationResult(ctx, res)
}

// Get returns the latest result for contentID
func (v *ValidationResults) Get(ctx context.Context, contentID string) (*pipeline.ValidationResult, bool, error) {
	return v.store.GetValidationResult(ctx, contentID)
}
