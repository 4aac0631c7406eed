// Package events broadcasts StatusEvents to local sinks through a Fanout.
// In one process the Emitter publishes every accepted transition on the
// bus and the Fanout consumes the status queue. Across processes each one
// runs a Tail over the durable status journal instead.
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tendant/chunked-content-pipeline/internal/bus"
	"github.com/tendant/chunked-content-pipeline/internal/codec"
	"github.com/tendant/chunked-content-pipeline/pkg/pipeline"
)

// DefaultRetryInterval is how often Run retries a stuck outbox
const DefaultRetryInterval = 2 * time.Second

// Emitter publishes status events to the content exchange. An event that
// cannot be published stays in an ordered outbox; every later event queues
// behind it until Run or Flush gets it out.
type Emitter struct {
	bus           bus.Bus
	log           zerolog.Logger
	retryInterval time.Duration

	mu      sync.Mutex
	pending []pipeline.StatusEvent
	wake    chan struct{}
}

// NewEmitter creates an emitter publishing on b
func NewEmitter(b bus.Bus, log zerolog.Logger) *Emitter {
	return &Emitter{
		bus:           b,
		log:           log.With().Str("component", "events").Logger(),
		retryInterval: DefaultRetryInterval,
		wake:          make(chan struct{}, 1),
	}
}

// Emit publishes ev, or parks it in the outbox when publishing fails or
// earlier events are still waiting. It never drops an event.
func (e *Emitter) Emit(ctx context.Context, ev pipeline.StatusEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.pending) == 0 {
		err := e.publish(context.WithoutCancel(ctx), ev)
		if err == nil {
			return
		}
		e.log.Warn().Err(err).Str("content_id", ev.ContentID).Str("status", string(ev.Status)).
			Msg("status event parked in outbox")
	}
	e.pending = append(e.pending, ev)

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Flush publishes parked events in order and stops at the first failure
func (e *Emitter) Flush(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for len(e.pending) > 0 {
		if err := e.publish(ctx, e.pending[0]); err != nil {
			return err
		}
		e.pending = e.pending[1:]
	}
	e.pending = nil
	return nil
}

// Pending returns the number of parked events
func (e *Emitter) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Run retries the outbox until ctx is done
func (e *Emitter) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.wake:
		case <-ticker.C:
		}
		if e.Pending() == 0 {
			continue
		}
		if err := e.Flush(ctx); err != nil {
			e.log.Warn().Err(err).Int("pending", e.Pending()).Msg("status outbox flush failed")
		}
	}
}

func (e *Emitter) publish(ctx context.Context, ev pipeline.StatusEvent) error {
	body, err := codec.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode status event: %w", err)
	}
	msg := bus.Message{
		ID:   fmt.Sprintf("%s-%s-%d", ev.ContentID, ev.Status, ev.Timestamp.UnixNano()),
		Body: body,
	}
	msg.SetHeader(bus.HeaderContentID, ev.ContentID)
	return e.bus.Publish(ctx, bus.ContentExchange, bus.StatusKey, msg)
}

// Decode parses a status event message body
func Decode(body []byte) (pipeline.StatusEvent, error) {
	var ev pipeline.StatusEvent
	if err := codec.Unmarshal(body, &ev); err != nil {
		return ev, fmt.Errorf("failed to decode status event: %w", err)
	}
	return ev, nil
}
