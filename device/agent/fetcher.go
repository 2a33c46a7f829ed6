package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gridpulse/fleetsched/core/broker"
	"github.com/gridpulse/fleetsched/core/model"
	"github.com/gridpulse/fleetsched/core/store"
	"github.com/gridpulse/fleetsched/infra/logger"
)

// BrokerFetcher retrieves full schedules over the broker with a
// request/reply exchange on the device's fetch topics. Replies are
// correlated by version; a waiter registered for version 0 accepts
// whatever version the coordinator resolved as latest.
type BrokerFetcher struct {
	b        broker.Broker
	deviceID string
	timeout  time.Duration
	log      logger.Logger

	mu      sync.Mutex
	waiters []fetchWaiter
}

type fetchWaiter struct {
	version int64
	ch      chan model.FetchReply
}

// NewBrokerFetcher creates the fetcher and subscribes to the device's
// reply topic.
func NewBrokerFetcher(b broker.Broker, deviceID string, timeout time.Duration, log logger.Logger) (*BrokerFetcher, error) {
	if b == nil {
		return nil, fmt.Errorf("fetcher: nil broker")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log == nil {
		log = logger.NopLogger{}
	}
	f := &BrokerFetcher{b: b, deviceID: deviceID, timeout: timeout, log: log}
	if err := b.Subscribe(broker.FetchReplyTopic(deviceID), f.onReply); err != nil {
		return nil, fmt.Errorf("subscribe fetch replies: %w", err)
	}
	return f, nil
}

func (f *BrokerFetcher) onReply(_ string, payload []byte) {
	var reply model.FetchReply
	if err := json.Unmarshal(payload, &reply); err != nil {
		f.log.Errorf("decode fetch reply: %v", err)
		return
	}
	f.mu.Lock()
	kept := f.waiters[:0]
	for _, w := range f.waiters {
		if w.version == reply.Version || w.version == 0 {
			select {
			case w.ch <- reply:
			default:
			}
			continue
		}
		kept = append(kept, w)
	}
	f.waiters = kept
	f.mu.Unlock()
}

// Fetch requests the schedule at the exact version and waits for the reply.
func (f *BrokerFetcher) Fetch(ctx context.Context, deviceID string, version int64) (*model.Schedule, error) {
	reply, err := f.request(ctx, version)
	if err != nil {
		return nil, err
	}
	if reply.Error == "not found" {
		return nil, store.ErrNotFound
	}
	if reply.Error != "" {
		return nil, fmt.Errorf("fetch v%d: %s", version, reply.Error)
	}
	if reply.Schedule == nil {
		return nil, fmt.Errorf("fetch v%d: empty reply", version)
	}
	return reply.Schedule, nil
}

// FetchLatest requests whatever version the coordinator holds as current.
func (f *BrokerFetcher) FetchLatest(ctx context.Context) (*model.Schedule, error) {
	return f.Fetch(ctx, f.deviceID, 0)
}

func (f *BrokerFetcher) request(ctx context.Context, version int64) (model.FetchReply, error) {
	ch := make(chan model.FetchReply, 1)
	f.mu.Lock()
	f.waiters = append(f.waiters, fetchWaiter{version: version, ch: ch})
	f.mu.Unlock()
	defer f.remove(ch)

	payload, err := json.Marshal(model.FetchRequest{DeviceID: f.deviceID, Version: version})
	if err != nil {
		return model.FetchReply{}, err
	}
	if err := f.b.Publish(ctx, broker.FetchTopic(f.deviceID), payload); err != nil {
		return model.FetchReply{}, fmt.Errorf("publish fetch request: %w", err)
	}

	timer := time.NewTimer(f.timeout)
	defer timer.Stop()
	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		return model.FetchReply{}, ctx.Err()
	case <-timer.C:
		return model.FetchReply{}, fmt.Errorf("fetch v%d: no reply within %s", version, f.timeout)
	}
}

func (f *BrokerFetcher) remove(ch chan model.FetchReply) {
	f.mu.Lock()
	kept := f.waiters[:0]
	for _, w := range f.waiters {
		if w.ch != ch {
			kept = append(kept, w)
		}
	}
	f.waiters = kept
	f.mu.Unlock()
}
