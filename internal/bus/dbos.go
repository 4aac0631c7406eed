package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tendant/chunked-content-pipeline/internal/dbosruntime"
)

// Envelope is the durable workflow input for one delivery
type Envelope struct {
	Message     Message `json:"message"`
	Queue       string  `json:"queue"`
	Redelivered int     `json:"redelivered"`
}

// WorkflowID is deterministic so that re-enqueueing the same delivery
// attempt after a crash is a no-op.
func (e Envelope) WorkflowID() string {
	return fmt.Sprintf("%s-%s-%d", e.Message.ID, e.Queue, e.Redelivered)
}

// DBOS is a Bus backed by DBOS durable workflow queues. Every delivery to a
// bound queue is a workflow on the runtime's queue; DBOS recovers pending
// deliveries after a crash, which gives at-least-once semantics.
type DBOS struct {
	runtime *dbosruntime.Runtime
	topo    Topology
	log     zerolog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
	closed   bool
}

// NewDBOS registers the delivery workflow with the runtime. It must be
// called before the runtime is launched.
func NewDBOS(runtime *dbosruntime.Runtime, topo Topology, log zerolog.Logger) *DBOS {
	b := &DBOS{
		runtime:  runtime,
		topo:     topo,
		log:      log.With().Str("component", "bus").Str("backend", "dbos").Logger(),
		handlers: make(map[string]Handler),
	}
	dbos.RegisterWorkflow(runtime.Context(), b.deliver)
	return b
}

// Publish enqueues one delivery workflow per bound queue
func (b *DBOS) Publish(ctx context.Context, exchange, routingKey string, msg Message) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.Exchange = exchange
	msg.RoutingKey = routingKey
	if msg.PublishedAt.IsZero() {
		msg.PublishedAt = time.Now().UTC()
	}

	queues := b.topo.Route(exchange, routingKey)
	if len(queues) == 0 {
		b.log.Warn().Str("exchange", exchange).Str("routing_key", routingKey).Msg("unroutable message dropped")
		return nil
	}
	for _, q := range queues {
		if err := b.enqueue(Envelope{Message: msg.clone(), Queue: q}); err != nil {
			return err
		}
	}
	return nil
}

func (b *DBOS) enqueue(env Envelope) error {
	_, err := dbos.RunWorkflow[Envelope, string](
		b.runtime.Context(),
		b.deliver,
		env,
		dbos.WithWorkflowID(env.WorkflowID()),
		dbos.WithQueue(b.runtime.QueueName()),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue delivery to %s: %w", env.Queue, err)
	}
	return nil
}

// Subscribe registers the handler for queue. Worker count is governed by
// the DBOS queue, so workers is ignored.
func (b *DBOS) Subscribe(queue string, workers int, h Handler) error {
	if !b.topo.HasQueue(queue) {
		return fmt.Errorf("%w: %s", ErrUnknownQueue, queue)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if _, ok := b.handlers[queue]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadySubscribed, queue)
	}
	b.handlers[queue] = h
	return nil
}

// deliver is the DBOS workflow function running one delivery
func (b *DBOS) deliver(dbosCtx dbos.DBOSContext, env Envelope) (string, error) {
	b.mu.RLock()
	h, ok := b.handlers[env.Queue]
	b.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("no consumer for queue %s", env.Queue)
	}

	runID, err := dbosCtx.GetWorkflowID()
	if err != nil {
		return "", err
	}

	d := &Delivery{Message: env.Message, Queue: env.Queue, Redelivered: env.Redelivered}
	disp := b.handle(dbosCtx, h, d)
	b.log.Debug().Str("run_id", runID).Str("queue", env.Queue).Stringer("disposition", disp).Msg("delivery handled")

	switch disp {
	case Requeue:
		next := Envelope{Message: d.Message.clone(), Queue: env.Queue, Redelivered: env.Redelivered + 1}
		if err := b.enqueue(next); err != nil {
			return "", err
		}
	case DeadLetter:
		dl := b.topo.deadLetter(d)
		if err := b.Publish(dbosCtx, b.topo.DeadLetterExchange, b.topo.DeadLetterRoutingKey, dl); err != nil {
			return "", err
		}
	}
	return disp.String(), nil
}

func (b *DBOS) handle(ctx context.Context, h Handler, d *Delivery) (disp Disposition) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Str("queue", d.Queue).Str("message_id", d.ID).Interface("panic", r).Msg("handler panicked")
			disp = Requeue
		}
	}()
	return h(ctx, d)
}

// Close stops accepting publishes. The runtime owns workflow shutdown.
func (b *DBOS) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
