// Package bus is the at-least-once message transport between pipeline
// stages. Messages are published to an exchange with a routing key and fan
// out to every queue bound to that pair.
package bus

import (
	"context"
	"errors"
	"strconv"
	"time"
)

// Exchanges
const (
	ContentExchange    = "content.exchange"
	DeadLetterExchange = "content.dlx.exchange"
)

// Queues
const (
	UploadQueue           = "content.upload.queue"
	ValidationQueue       = "content.validation.queue"
	ProcessingQueue       = "content.processing.queue"
	StorageQueue          = "content.storage.queue"
	NotificationQueue     = "content.notification.queue"
	StatusUpdateQueue     = "content.status.update.queue"
	ValidationResultQueue = "content.validation.result.queue"
	DeadLetterQueue       = "content.dlq.queue"
)

// Routing keys
const (
	UploadKey           = "content.upload"
	ValidationKey       = "content.validation"
	ProcessingKey       = "content.processing"
	StorageKey          = "content.storage"
	NotificationKey     = "content.notification"
	StatusKey           = "content.status"
	ValidationResultKey = "content.validation.result"
	DeadLetterKey       = "content.dlq"
)

// Headers set on dead-lettered messages
const (
	HeaderException    = "x-exception-message"
	HeaderDeathQueue   = "x-first-death-queue"
	HeaderOriginalKey  = "x-original-routing-key"
	HeaderRedeliveries = "x-redeliveries"
	HeaderContentID    = "content-id"
)

var (
	// ErrClosed is returned when publishing to or subscribing on a closed bus
	ErrClosed = errors.New("bus closed")

	// ErrUnknownQueue is returned when subscribing to a queue with no bindings
	ErrUnknownQueue = errors.New("unknown queue")

	// ErrAlreadySubscribed is returned when a queue already has a consumer
	ErrAlreadySubscribed = errors.New("queue already has a consumer")
)

// Message is one unit published to the bus
type Message struct {
	ID          string            `json:"id"`
	Exchange    string            `json:"exchange"`
	RoutingKey  string            `json:"routing_key"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        []byte            `json:"body"`
	Priority    int               `json:"priority,omitempty"`
	PublishedAt time.Time         `json:"published_at"`
}

// Header returns the named header or ""
func (m *Message) Header(key string) string {
	if m.Headers == nil {
		return ""
	}
	return m.Headers[key]
}

// SetHeader sets a header, allocating the map if needed
func (m *Message) SetHeader(key, value string) {
	if m.Headers == nil {
		m.Headers = make(map[string]string)
	}
	m.Headers[key] = value
}

func (m Message) clone() Message {
	cp := m
	if m.Headers != nil {
		cp.Headers = make(map[string]string, len(m.Headers))
		for k, v := range m.Headers {
			cp.Headers[k] = v
		}
	}
	return cp
}

// Delivery is a message handed to a consumer of one queue
type Delivery struct {
	Message
	Queue string `json:"queue"`
	// Redelivered counts how many times this message was requeued
	Redelivered int `json:"redelivered"`
}

// Disposition tells the bus what to do with a delivery after the handler returns
type Disposition int

const (
	Ack Disposition = iota
	Requeue
	DeadLetter
)

func (d Disposition) String() string {
	switch d {
	case Ack:
		return "ack"
	case Requeue:
		return "requeue"
	case DeadLetter:
		return "dead-letter"
	default:
		return "unknown"
	}
}

// Handler consumes one delivery
type Handler func(ctx context.Context, d *Delivery) Disposition

// Bus publishes messages and runs queue consumers
type Bus interface {
	Publish(ctx context.Context, exchange, routingKey string, msg Message) error
	Subscribe(queue string, workers int, h Handler) error
	Close() error
}

// Binding routes (exchange, routing key) to a queue
type Binding struct {
	Exchange   string
	RoutingKey string
	Queue      string
}

// Topology is the static exchange/queue layout
type Topology struct {
	Bindings []Binding
	// dead-lettered deliveries are republished here
	DeadLetterExchange   string
	DeadLetterRoutingKey string
}

// DefaultTopology returns the content pipeline layout
func DefaultTopology() Topology {
	return Topology{
		Bindings: []Binding{
			{ContentExchange, UploadKey, UploadQueue},
			{ContentExchange, ValidationKey, ValidationQueue},
			{ContentExchange, ProcessingKey, ProcessingQueue},
			{ContentExchange, StorageKey, StorageQueue},
			{ContentExchange, NotificationKey, NotificationQueue},
			{ContentExchange, StatusKey, StatusUpdateQueue},
			{ContentExchange, ValidationResultKey, ValidationResultQueue},
			{DeadLetterExchange, DeadLetterKey, DeadLetterQueue},
		},
		DeadLetterExchange:   DeadLetterExchange,
		DeadLetterRoutingKey: DeadLetterKey,
	}
}

// Route returns the queues bound to exchange and routingKey
func (t Topology) Route(exchange, routingKey string) []string {
	var queues []string
	for _, b := range t.Bindings {
		if b.Exchange == exchange && b.RoutingKey == routingKey {
			queues = append(queues, b.Queue)
		}
	}
	return queues
}

// HasQueue reports whether any binding targets queue
func (t Topology) HasQueue(queue string) bool {
	for _, b := range t.Bindings {
		if b.Queue == queue {
			return true
		}
	}
	return false
}

// deadLetter builds the message republished to the dead-letter exchange
func (t Topology) deadLetter(d *Delivery) Message {
	msg := d.Message.clone()
	msg.ID = d.ID + "." + d.Queue + ".dead"
	msg.SetHeader(HeaderDeathQueue, d.Queue)
	msg.SetHeader(HeaderOriginalKey, d.RoutingKey)
	msg.SetHeader(HeaderRedeliveries, strconv.Itoa(d.Redelivered))
	return msg
}
