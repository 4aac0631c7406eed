package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/tendant/chunked-content-pipeline/internal/bus"
)

func TestPermanent(t *testing.T) {
	base := errors.New("chunk 2 missing")
	err := fmt.Errorf("assemble: %w", Permanent(base))

	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsPermanent(base))
	assert.Nil(t, Permanent(nil))
}

func TestPolicy_Handler(t *testing.T) {
	transient := errors.New("store unavailable")

	tests := []struct {
		name        string
		redelivered int
		err         error
		want        bus.Disposition
		exhausted   bool
	}{
		{"success acks", 0, nil, bus.Ack, false},
		{"transient first attempt requeues", 0, transient, bus.Requeue, false},
		{"transient below limit requeues", 2, transient, bus.Requeue, false},
		{"transient at limit dead-letters", 3, transient, bus.DeadLetter, true},
		{"permanent dead-letters at once", 0, Permanent(transient), bus.DeadLetter, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotCause error
			p := Policy{
				MaxRedeliveries: 3,
				Log:             zerolog.Nop(),
				OnExhausted: func(ctx context.Context, d *bus.Delivery, cause error) {
					gotCause = cause
				},
			}
			h := p.Handler("validate", func(ctx context.Context, d *bus.Delivery) error { return tt.err })

			d := &bus.Delivery{Queue: bus.ValidationQueue, Redelivered: tt.redelivered}
			assert.Equal(t, tt.want, h(context.Background(), d))

			if tt.exhausted {
				assert.ErrorIs(t, gotCause, transient)
				assert.Equal(t, transient.Error(), d.Header(bus.HeaderException))
			} else {
				assert.Nil(t, gotCause)
				assert.Empty(t, d.Header(bus.HeaderException))
			}
		})
	}
}

func TestPolicy_DefaultLimit(t *testing.T) {
	p := Policy{Log: zerolog.Nop()}
	h := p.Handler("store", func(ctx context.Context, d *bus.Delivery) error { return errors.New("x") })

	assert.Equal(t, bus.Requeue, h(context.Background(), &bus.Delivery{Redelivered: DefaultMaxRedeliveries - 1}))
	assert.Equal(t, bus.DeadLetter, h(context.Background(), &bus.Delivery{Redelivered: DefaultMaxRedeliveries}))
}

func TestPolicy_ThroughMemoryBus(t *testing.T) {
	b := bus.NewMemory(bus.DefaultTopology(), zerolog.Nop())
	defer b.Close()

	attempts := 0
	exhausted := make(chan error, 1)
	p := Policy{
		MaxRedeliveries: 2,
		Log:             zerolog.Nop(),
		OnExhausted: func(ctx context.Context, d *bus.Delivery, cause error) {
			exhausted <- cause
		},
	}
	dead := make(chan *bus.Delivery, 1)
	assert.NoError(t, b.Subscribe(bus.DeadLetterQueue, 1, func(ctx context.Context, d *bus.Delivery) bus.Disposition {
		dead <- d
		return bus.Ack
	}))
	assert.NoError(t, b.Subscribe(bus.ProcessingQueue, 1, p.Handler("process", func(ctx context.Context, d *bus.Delivery) error {
		attempts++
		return errors.New("resize failed")
	})))

	assert.NoError(t, b.Publish(context.Background(), bus.ContentExchange, bus.ProcessingKey, bus.Message{}))

	d := <-dead
	assert.Equal(t, "resize failed", d.Header(bus.HeaderException))
	assert.Equal(t, "2", d.Header(bus.HeaderRedeliveries))
	assert.EqualError(t, <-exhausted, "resize failed")
	assert.Equal(t, 3, attempts)
}
