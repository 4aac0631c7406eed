package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/chunked-content-pipeline/internal/bus"
	"github.com/tendant/chunked-content-pipeline/pkg/pipeline"
)

func event(id string, s pipeline.Status, n int) pipeline.StatusEvent {
	return pipeline.StatusEvent{
		ContentID: id,
		UserID:    "user-1",
		Status:    s,
		Message:   s.Message(),
		Timestamp: time.Date(2024, 1, 1, 0, 0, n, 0, time.UTC),
	}
}

func TestEmitter_DeliversInOrderToEverySink(t *testing.T) {
	ctx := context.Background()
	b := bus.NewMemory(bus.DefaultTopology(), zerolog.Nop())
	defer b.Close()

	first := make(ChannelSink, 64)
	second := make(ChannelSink, 64)
	history := NewHistory(0)
	fan := NewFanout(zerolog.Nop(), first, second, history)
	require.NoError(t, b.Subscribe(bus.StatusUpdateQueue, 1, fan.Handler()))

	em := NewEmitter(b, zerolog.Nop())
	statuses := []pipeline.Status{
		pipeline.StatusUploading, pipeline.StatusUploaded, pipeline.StatusValidating,
		pipeline.StatusValidated, pipeline.StatusProcessing,
	}
	for i, s := range statuses {
		em.Emit(ctx, event("c1", s, i))
	}
	require.NoError(t, b.WaitIdle(ctx))
	fan.Close()

	for _, sink := range []ChannelSink{first, second} {
		var got []pipeline.Status
		for len(sink) > 0 {
			got = append(got, (<-sink).Status)
		}
		assert.Equal(t, statuses, got)
	}

	recorded := history.Events("c1")
	require.Len(t, recorded, len(statuses))
	assert.Equal(t, "user-1", recorded[0].UserID)
	assert.True(t, recorded[4].Timestamp.Equal(time.Date(2024, 1, 1, 0, 0, 4, 0, time.UTC)))
}

// flakyBus fails the first n publishes
type flakyBus struct {
	mu        sync.Mutex
	failures  int
	published []pipeline.StatusEvent
}

func (f *flakyBus) Publish(ctx context.Context, exchange, routingKey string, msg bus.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("broker unavailable")
	}
	ev, err := Decode(msg.Body)
	if err != nil {
		return err
	}
	if exchange != bus.ContentExchange || routingKey != bus.StatusKey {
		return fmt.Errorf("unexpected route %s/%s", exchange, routingKey)
	}
	f.published = append(f.published, ev)
	return nil
}

func (f *flakyBus) Subscribe(string, int, bus.Handler) error { return nil }
func (f *flakyBus) Close() error                            { return nil }

func TestEmitter_OutboxKeepsOrder(t *testing.T) {
	ctx := context.Background()
	fb := &flakyBus{failures: 1}
	em := NewEmitter(fb, zerolog.Nop())

	em.Emit(ctx, event("c1", pipeline.StatusUploaded, 1))
	em.Emit(ctx, event("c1", pipeline.StatusValidating, 2))
	assert.Equal(t, 2, em.Pending(), "second event waits behind the parked one")
	assert.Empty(t, fb.published)

	require.NoError(t, em.Flush(ctx))
	assert.Zero(t, em.Pending())

	em.Emit(ctx, event("c1", pipeline.StatusValidated, 3))
	require.Len(t, fb.published, 3)
	assert.Equal(t, pipeline.StatusUploaded, fb.published[0].Status)
	assert.Equal(t, pipeline.StatusValidating, fb.published[1].Status)
	assert.Equal(t, pipeline.StatusValidated, fb.published[2].Status)
}

func TestEmitter_RunRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fb := &flakyBus{failures: 2}
	em := NewEmitter(fb, zerolog.Nop())
	em.retryInterval = 10 * time.Millisecond

	done := make(chan error, 1)
	go func() { done <- em.Run(ctx) }()

	em.Emit(ctx, event("c1", pipeline.StatusFailed, 1))
	require.Eventually(t, func() bool { return em.Pending() == 0 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	require.Len(t, fb.published, 1)
}

func TestFanout_UndecodableIsDeadLettered(t *testing.T) {
	fan := NewFanout(zerolog.Nop())
	defer fan.Close()

	d := &bus.Delivery{Message: bus.Message{ID: "m1", Body: []byte{0xff, 0x00}}}
	assert.Equal(t, bus.DeadLetter, fan.Handler()(context.Background(), d))
	assert.NotEmpty(t, d.Header(bus.HeaderException))
}

func TestFanout_PanickingSinkDoesNotStopOthers(t *testing.T) {
	out := make(ChannelSink, 4)
	fan := NewFanout(zerolog.Nop(), SinkFunc(func(pipeline.StatusEvent) { panic("boom") }), out)

	fan.Dispatch(event("c1", pipeline.StatusUploaded, 1))
	fan.Dispatch(event("c1", pipeline.StatusValidating, 2))
	fan.Close()

	assert.Len(t, out, 2)
}

func TestHistory_Limit(t *testing.T) {
	h := NewHistory(2)
	for i, s := range []pipeline.Status{pipeline.StatusUploading, pipeline.StatusUploaded, pipeline.StatusValidating} {
		h.Deliver(event("c1", s, i))
	}
	got := h.Events("c1")
	require.Len(t, got, 2)
	assert.Equal(t, pipeline.StatusUploaded, got[0].Status)
	assert.Empty(t, h.Events("other"))
}
