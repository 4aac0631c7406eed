package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Memory is an in-process Bus. Each queue is a priority-ordered FIFO drained
// by its own worker goroutines. It is used by the standalone binary and tests.
type Memory struct {
	topo Topology
	log  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	cond       *sync.Cond
	queues     map[string][]*Delivery
	subscribed map[string]bool
	inflight   int
	closed     bool
}

// NewMemory creates an in-process bus with the given topology
func NewMemory(topo Topology, log zerolog.Logger) *Memory {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Memory{
		topo:       topo,
		log:        log.With().Str("component", "bus").Logger(),
		ctx:        ctx,
		cancel:     cancel,
		queues:     make(map[string][]*Delivery),
		subscribed: make(map[string]bool),
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Publish routes msg to every queue bound to exchange and routingKey.
// Unroutable messages are dropped with a warning.
func (m *Memory) Publish(ctx context.Context, exchange, routingKey string, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.Exchange = exchange
	msg.RoutingKey = routingKey
	if msg.PublishedAt.IsZero() {
		msg.PublishedAt = time.Now().UTC()
	}

	queues := m.topo.Route(exchange, routingKey)
	if len(queues) == 0 {
		m.log.Warn().Str("exchange", exchange).Str("routing_key", routingKey).Msg("unroutable message dropped")
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for _, q := range queues {
		m.enqueueLocked(&Delivery{Message: msg.clone(), Queue: q})
	}
	m.cond.Broadcast()
	return nil
}

// enqueueLocked inserts d behind every queued delivery of equal or higher priority
func (m *Memory) enqueueLocked(d *Delivery) {
	items := m.queues[d.Queue]
	i := len(items)
	for i > 0 && items[i-1].Priority < d.Priority {
		i--
	}
	items = append(items, nil)
	copy(items[i+1:], items[i:])
	items[i] = d
	m.queues[d.Queue] = items
}

// Subscribe starts workers goroutines consuming queue
func (m *Memory) Subscribe(queue string, workers int, h Handler) error {
	if !m.topo.HasQueue(queue) {
		return fmt.Errorf("%w: %s", ErrUnknownQueue, queue)
	}
	if workers < 1 {
		workers = 1
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.subscribed[queue] {
		return fmt.Errorf("%w: %s", ErrAlreadySubscribed, queue)
	}
	m.subscribed[queue] = true

	for i := 0; i < workers; i++ {
		m.wg.Add(1)
		go m.consume(queue, h)
	}
	return nil
}

func (m *Memory) consume(queue string, h Handler) {
	defer m.wg.Done()
	for {
		m.mu.Lock()
		for len(m.queues[queue]) == 0 && !m.closed {
			m.cond.Wait()
		}
		if m.closed {
			m.mu.Unlock()
			return
		}
		d := m.queues[queue][0]
		m.queues[queue] = m.queues[queue][1:]
		m.inflight++
		m.mu.Unlock()

		disp := m.handle(h, d)

		m.mu.Lock()
		switch disp {
		case Requeue:
			d.Redelivered++
			m.enqueueLocked(d)
		case DeadLetter:
			dl := m.topo.deadLetter(d)
			for _, q := range m.topo.Route(m.topo.DeadLetterExchange, m.topo.DeadLetterRoutingKey) {
				dl.Exchange = m.topo.DeadLetterExchange
				dl.RoutingKey = m.topo.DeadLetterRoutingKey
				m.enqueueLocked(&Delivery{Message: dl.clone(), Queue: q})
			}
		}
		m.inflight--
		m.cond.Broadcast()
		m.mu.Unlock()
	}
}

// handle runs h and turns a panic into a requeue
func (m *Memory) handle(h Handler, d *Delivery) (disp Disposition) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Str("queue", d.Queue).Str("message_id", d.ID).Interface("panic", r).Msg("handler panicked")
			disp = Requeue
		}
	}()
	return h(m.ctx, d)
}

// Pending returns the number of queued deliveries for queue
func (m *Memory) Pending(queue string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[queue])
}

// WaitIdle blocks until every subscribed queue is empty and no handler is running
func (m *Memory) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if m.idle() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Memory) idle() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inflight > 0 {
		return false
	}
	for q := range m.subscribed {
		if len(m.queues[q]) > 0 {
			return false
		}
	}
	return true
}

// Close stops all consumers and waits for running handlers to return
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.cond.Broadcast()
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	return nil
}
