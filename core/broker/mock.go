package broker

import (
	"context"
	"sync"
)

// MockBroker is an in-memory Broker for tests. It delivers synchronously
// to matching subscribers and can inject publish failures and duplicate
// deliveries to exercise at-least-once handling.
type MockBroker struct {
	mu        sync.Mutex
	subs      []mockSub
	failing   bool
	duplicate bool
	published map[string][][]byte
	closed    bool
}

type mockSub struct {
	pattern string
	handler MessageHandler
}

// NewMockBroker creates an empty mock broker.
func NewMockBroker() *MockBroker {
	return &MockBroker{published: make(map[string][][]byte)}
}

// SetFailing makes subsequent publishes return ErrUnavailable.
func (b *MockBroker) SetFailing(fail bool) {
	b.mu.Lock()
	b.failing = fail
	b.mu.Unlock()
}

// SetDuplicateDelivery makes every publish deliver each message twice.
func (b *MockBroker) SetDuplicateDelivery(dup bool) {
	b.mu.Lock()
	b.duplicate = dup
	b.mu.Unlock()
}

// Publish records the message and hands it to all matching subscribers.
func (b *MockBroker) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	if b.failing || b.closed {
		b.mu.Unlock()
		return ErrUnavailable
	}
	b.published[topic] = append(b.published[topic], payload)
	subs := make([]mockSub, len(b.subs))
	copy(subs, b.subs)
	dup := b.duplicate
	b.mu.Unlock()

	for _, s := range subs {
		if MatchTopic(s.pattern, topic) {
			s.handler(topic, payload)
			if dup {
				s.handler(topic, payload)
			}
		}
	}
	return nil
}

// Subscribe registers a handler for the topic pattern.
func (b *MockBroker) Subscribe(topic string, handler MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrUnavailable
	}
	b.subs = append(b.subs, mockSub{pattern: topic, handler: handler})
	return nil
}

// Published returns the payloads recorded for a topic.
func (b *MockBroker) Published(topic string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]byte, len(b.published[topic]))
	copy(out, b.published[topic])
	return out
}

// Close stops the broker; later publishes fail with ErrUnavailable.
func (b *MockBroker) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}
