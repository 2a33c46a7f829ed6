package ackqueue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gridpulse/fleetsched/core/broker"
	"github.com/gridpulse/fleetsched/infra/logger"
)

// Sender drains the queue to the broker. Delivery failures back off
// exponentially from Base up to Cap and retry until the broker becomes
// reachable; nothing is dropped and there is no overall deadline. The
// queue file is the durable record, so tearing the process down mid-retry
// loses nothing.
type Sender struct {
	queue    *Queue
	pub      broker.Publisher
	deviceID string
	base     time.Duration
	cap      time.Duration
	log      logger.Logger
	wake     chan struct{}
}

// NewSender creates a Sender with the given backoff window. Zero values
// default to 1s base and 5m cap.
func NewSender(q *Queue, pub broker.Publisher, deviceID string, base, cap time.Duration, log logger.Logger) *Sender {
	if base <= 0 {
		base = time.Second
	}
	if cap <= 0 {
		cap = 5 * time.Minute
	}
	if log == nil {
		log = logger.NopLogger{}
	}
	return &Sender{
		queue:    q,
		pub:      pub,
		deviceID: deviceID,
		base:     base,
		cap:      cap,
		log:      log,
		wake:     make(chan struct{}, 1),
	}
}

// Kick wakes the sender immediately, typically after an Enqueue.
func (s *Sender) Kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run drains the queue until the context is cancelled.
func (s *Sender) Run(ctx context.Context) {
	backoff := s.base
	for {
		delivered, err := s.drain(ctx)
		if err == nil {
			backoff = s.base
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
			}
			continue
		}
		if delivered > 0 {
			// Partial progress still resets the backoff window.
			backoff = s.base
		}
		s.log.Warnf("ack delivery failed, retrying in %s: %v", backoff, err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		case <-s.wake:
		}
		if backoff < s.cap {
			backoff *= 2
			if backoff > s.cap {
				backoff = s.cap
			}
		}
	}
}

// drain publishes pending acknowledgements in order, marking each as
// delivered only after the broker accepts it.
func (s *Sender) drain(ctx context.Context) (int, error) {
	pending, err := s.queue.Pending()
	if err != nil {
		return 0, err
	}
	topic := broker.AckTopic(s.deviceID)
	delivered := 0
	for _, ack := range pending {
		payload, err := json.Marshal(ack)
		if err != nil {
			return delivered, err
		}
		if err := s.pub.Publish(ctx, topic, payload); err != nil {
			return delivered, err
		}
		if err := s.queue.MarkDelivered(1); err != nil {
			return delivered, err
		}
		delivered++
		s.log.Debugf("delivered ack %s for v%d entry %d", ack.AckID, ack.ScheduleVersion, ack.EntryIndex)
	}
	return delivered, nil
}
