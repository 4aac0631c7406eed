package events

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tendant/chunked-content-pipeline/internal/bus"
	"github.com/tendant/chunked-content-pipeline/pkg/pipeline"
)

// sinkBuffer is how many events a slow sink may lag behind
const sinkBuffer = 256

// Sink observes status events. Deliver is called from one goroutine per
// sink, in emission order.
type Sink interface {
	Deliver(ev pipeline.StatusEvent)
}

// SinkFunc adapts a function to Sink
type SinkFunc func(ev pipeline.StatusEvent)

func (f SinkFunc) Deliver(ev pipeline.StatusEvent) { f(ev) }

type sinkWorker struct {
	sink Sink
	ch   chan pipeline.StatusEvent
}

// Fanout consumes the status queue and forwards each event to every sink.
// A full sink buffer blocks the consumer rather than dropping events.
type Fanout struct {
	log zerolog.Logger

	mu      sync.RWMutex
	workers []*sinkWorker
	closed  bool
	wg      sync.WaitGroup
}

// NewFanout starts one goroutine per sink
func NewFanout(log zerolog.Logger, sinks ...Sink) *Fanout {
	f := &Fanout{log: log.With().Str("component", "fanout").Logger()}
	for _, s := range sinks {
		f.Add(s)
	}
	return f
}

// Add attaches a sink. It receives events dispatched after the call.
func (f *Fanout) Add(s Sink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	w := &sinkWorker{sink: s, ch: make(chan pipeline.StatusEvent, sinkBuffer)}
	f.workers = append(f.workers, w)
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		for ev := range w.ch {
			f.deliver(w.sink, ev)
		}
	}()
}

func (f *Fanout) deliver(s Sink, ev pipeline.StatusEvent) {
	defer func() {
		if r := recover(); r != nil {
			f.log.Error().Interface("panic", r).Str("content_id", ev.ContentID).Msg("status sink panicked")
		}
	}()
	s.Deliver(ev)
}

// Dispatch queues ev for every sink
func (f *Fanout) Dispatch(ev pipeline.StatusEvent) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return
	}
	for _, w := range f.workers {
		w.ch <- ev
	}
}

// Handler consumes content.status.update.queue. Subscribe it with one
// worker so events leave the queue in the order they entered it.
func (f *Fanout) Handler() bus.Handler {
	return func(ctx context.Context, d *bus.Delivery) bus.Disposition {
		ev, err := Decode(d.Body)
		if err != nil {
			f.log.Error().Err(err).Str("message_id", d.ID).Msg("undecodable status event")
			d.SetHeader(bus.HeaderException, err.Error())
			return bus.DeadLetter
		}
		f.Dispatch(ev)
		return bus.Ack
	}
}

// Close stops accepting events and waits for sinks to drain
func (f *Fanout) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	for _, w := range f.workers {
		close(w.ch)
	}
	f.mu.Unlock()
	f.wg.Wait()
}
