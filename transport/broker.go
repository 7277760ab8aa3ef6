// Package transport carries commands from the coordinator to segment nodes.
//
// A SegmentClient publishes one JSON envelope per command to the node's
// incoming queue and, when a response is required, waits on a private reply
// queue for the message carrying the same correlation id. Brokers are
// pluggable: MemoryBroker for tests and local clusters, AMQPBroker for
// RabbitMQ deployments. HTTPClient posts envelopes directly to a node's
// /segment/command endpoint instead.
package transport

import (
	"context"
	"errors"
)

var (
	// ErrConnectionLost marks transient failures; the client reconnects
	// and retries.
	ErrConnectionLost = errors.New("connection lost")

	// ErrUnroutable is returned when a publish reaches no queue.
	ErrUnroutable = errors.New("unroutable publish")

	// ErrChannelClosed is returned when the broker closes the channel, for
	// example because the node's queue disappeared.
	ErrChannelClosed = errors.New("channel closed by broker")

	// ErrCorrelationMismatch reports a reply for a different request. It
	// indicates a protocol bug and is never retried.
	ErrCorrelationMismatch = errors.New("correlation id mismatch")
)

// Message is a single broker delivery.
type Message struct {
	CorrelationID string
	ReplyTo       string
	Body          []byte
}

// Broker opens channels to a message broker.
type Broker interface {
	Channel(ctx context.Context) (Channel, error)
}

// Channel is one logical broker session.
type Channel interface {
	// DeclareQueue creates a named queue if it does not exist yet.
	DeclareQueue(name string) error
	// DeclareReplyQueue creates an exclusive queue deleted with the
	// channel and returns its generated name.
	DeclareReplyQueue() (string, error)
	Publish(ctx context.Context, queue string, msg Message) error
	Consume(queue string) (<-chan Message, error)
	// NotifyClose yields (or is closed) when the channel stops working.
	NotifyClose() <-chan error
	Close() error
}
