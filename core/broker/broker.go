package broker

import (
	"context"
	"errors"
)

// ErrUnavailable is returned when the broker cannot be reached. Publishers
// treat it as transient and retry with backoff.
var ErrUnavailable = errors.New("broker unavailable")

// MessageHandler consumes one delivered message. Handlers must tolerate
// duplicate deliveries: the transport guarantees at-least-once, never
// exactly-once.
type MessageHandler func(topic string, payload []byte)

// Publisher sends messages to a topic. A nil error means the broker
// accepted the message at least once; it says nothing about consumption.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Subscriber registers a handler for a topic pattern. Patterns follow
// MQTT semantics ("+" matches one level).
type Subscriber interface {
	Subscribe(topic string, handler MessageHandler) error
}

// Broker is the full transport surface used by the coordinator and the
// device agents. It carries no business logic; idempotence lives in the
// consumers.
type Broker interface {
	Publisher
	Subscriber
	Close()
}
