package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T) *Memory {
	t.Helper()
	b := NewMemory(DefaultTopology(), zerolog.Nop())
	t.Cleanup(func() { b.Close() })
	return b
}

func waitIdle(t *testing.T, b *Memory) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, b.WaitIdle(ctx))
}

func TestTopology_Route(t *testing.T) {
	topo := DefaultTopology()
	assert.Equal(t, []string{ValidationQueue}, topo.Route(ContentExchange, ValidationKey))
	assert.Equal(t, []string{DeadLetterQueue}, topo.Route(DeadLetterExchange, DeadLetterKey))
	assert.Empty(t, topo.Route(ContentExchange, "content.unknown"))
	assert.True(t, topo.HasQueue(StatusUpdateQueue))
	assert.False(t, topo.HasQueue("nope"))
}

func TestMemory_PublishSubscribe(t *testing.T) {
	b := newTestBus(t)

	var mu sync.Mutex
	var got []*Delivery
	require.NoError(t, b.Subscribe(ValidationQueue, 2, func(ctx context.Context, d *Delivery) Disposition {
		mu.Lock()
		got = append(got, d)
		mu.Unlock()
		return Ack
	}))

	msg := Message{Body: []byte("hello"), Headers: map[string]string{HeaderContentID: "c1"}}
	require.NoError(t, b.Publish(context.Background(), ContentExchange, ValidationKey, msg))
	waitIdle(t, b)

	require.Len(t, got, 1)
	assert.Equal(t, "hello", string(got[0].Body))
	assert.Equal(t, ValidationQueue, got[0].Queue)
	assert.Equal(t, ContentExchange, got[0].Exchange)
	assert.Equal(t, "c1", got[0].Header(HeaderContentID))
	assert.NotEmpty(t, got[0].ID)
	assert.Zero(t, got[0].Redelivered)
}

func TestMemory_RequeueIncrementsRedelivered(t *testing.T) {
	b := newTestBus(t)

	var attempts []int
	require.NoError(t, b.Subscribe(ProcessingQueue, 1, func(ctx context.Context, d *Delivery) Disposition {
		attempts = append(attempts, d.Redelivered)
		if d.Redelivered < 2 {
			return Requeue
		}
		return Ack
	}))

	require.NoError(t, b.Publish(context.Background(), ContentExchange, ProcessingKey, Message{Body: []byte("x")}))
	waitIdle(t, b)

	assert.Equal(t, []int{0, 1, 2}, attempts)
}

func TestMemory_DeadLetterRoutesToDLQ(t *testing.T) {
	b := newTestBus(t)

	dead := make(chan *Delivery, 1)
	require.NoError(t, b.Subscribe(DeadLetterQueue, 1, func(ctx context.Context, d *Delivery) Disposition {
		dead <- d
		return Ack
	}))
	require.NoError(t, b.Subscribe(StorageQueue, 1, func(ctx context.Context, d *Delivery) Disposition {
		d.SetHeader(HeaderException, "boom")
		return DeadLetter
	}))

	require.NoError(t, b.Publish(context.Background(), ContentExchange, StorageKey, Message{ID: "m1", Body: []byte("x")}))
	waitIdle(t, b)

	select {
	case d := <-dead:
		assert.Equal(t, DeadLetterQueue, d.Queue)
		assert.Equal(t, "boom", d.Header(HeaderException))
		assert.Equal(t, StorageQueue, d.Header(HeaderDeathQueue))
		assert.Equal(t, StorageKey, d.Header(HeaderOriginalKey))
		assert.Equal(t, "x", string(d.Body))
	default:
		t.Fatal("expected a dead-lettered delivery")
	}
}

func TestMemory_PriorityOrder(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	// publish before subscribing so ordering is decided by the queue
	require.NoError(t, b.Publish(ctx, ContentExchange, UploadKey, Message{Body: []byte("low"), Priority: 1}))
	require.NoError(t, b.Publish(ctx, ContentExchange, UploadKey, Message{Body: []byte("high"), Priority: 10}))
	require.NoError(t, b.Publish(ctx, ContentExchange, UploadKey, Message{Body: []byte("normal"), Priority: 5}))
	require.NoError(t, b.Publish(ctx, ContentExchange, UploadKey, Message{Body: []byte("high2"), Priority: 10}))
	assert.Equal(t, 4, b.Pending(UploadQueue))

	var order []string
	require.NoError(t, b.Subscribe(UploadQueue, 1, func(ctx context.Context, d *Delivery) Disposition {
		order = append(order, string(d.Body))
		return Ack
	}))
	waitIdle(t, b)

	assert.Equal(t, []string{"high", "high2", "normal", "low"}, order)
}

func TestMemory_PanicRequeues(t *testing.T) {
	b := newTestBus(t)

	var calls atomic.Int32
	require.NoError(t, b.Subscribe(NotificationQueue, 1, func(ctx context.Context, d *Delivery) Disposition {
		if calls.Add(1) == 1 {
			panic("first attempt")
		}
		return Ack
	}))
	require.NoError(t, b.Publish(context.Background(), ContentExchange, NotificationKey, Message{}))
	waitIdle(t, b)

	assert.Equal(t, int32(2), calls.Load())
}

func TestMemory_SubscribeErrors(t *testing.T) {
	b := newTestBus(t)
	noop := func(ctx context.Context, d *Delivery) Disposition { return Ack }

	assert.ErrorIs(t, b.Subscribe("missing.queue", 1, noop), ErrUnknownQueue)
	require.NoError(t, b.Subscribe(UploadQueue, 1, noop))
	assert.ErrorIs(t, b.Subscribe(UploadQueue, 1, noop), ErrAlreadySubscribed)

	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Publish(context.Background(), ContentExchange, UploadKey, Message{}), ErrClosed)
}

func TestMemory_UnroutableIsDropped(t *testing.T) {
	b := newTestBus(t)
	assert.NoError(t, b.Publish(context.Background(), ContentExchange, "content.nowhere", Message{}))
}
