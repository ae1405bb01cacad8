// Package bus defines the event-bus contract between stages. Delivery
// is at-least-once; handlers must be idempotent and signal their
// outcome through the returned error kind.
package bus

import (
	"context"
)

// Message is one delivery from the bus.
type Message struct {
	// ID is the bus-assigned message id, stable across redeliveries of
	// the same publish. The warehouse uses it as a dedupe token.
	ID string
	// Data is the UTF-8 JSON envelope payload.
	Data []byte
	// Attributes carries producer-set metadata.
	Attributes map[string]string
	// DeliveryAttempt counts deliveries of this message, 1-based, when
	// the transport reports it.
	DeliveryAttempt int
}

// Publisher publishes envelopes to topics.
type Publisher interface {
	// Publish sends payload to topic and returns the bus message id.
	Publish(ctx context.Context, topic string, payload []byte, attrs map[string]string) (string, error)
}

// Handler processes one delivered message. A nil return acks; a
// transient error nacks so the bus redelivers; any other classified
// error means the handler already routed the message (or the message is
// poison) and the delivery is acked.
type Handler func(ctx context.Context, msg *Message) error

// Subscriber consumes a subscription and dispatches to a handler with
// bounded per-instance concurrency.
type Subscriber interface {
	// Receive blocks until ctx is cancelled, delivering messages to
	// handler with at most maxConcurrency in flight.
	Receive(ctx context.Context, subscription string, maxConcurrency int, handler Handler) error
}
