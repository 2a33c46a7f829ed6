package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gridpulse/fleetsched/core/broker"
	"github.com/gridpulse/fleetsched/core/events"
	"github.com/gridpulse/fleetsched/core/metrics"
	"github.com/gridpulse/fleetsched/core/model"
	"github.com/gridpulse/fleetsched/core/schedule"
	"github.com/gridpulse/fleetsched/core/store"
	"github.com/gridpulse/fleetsched/infra/logger"
	"github.com/gridpulse/fleetsched/internal/eventbus"
)

// DeviceRegistry resolves per-device limits used during validation.
type DeviceRegistry interface {
	// MaxRateKW returns the registered maximum charge/discharge rate for
	// the device, or the fleet default when the device is unknown.
	MaxRateKW(deviceID string) float64
}

// StaticRegistry is a DeviceRegistry backed by a fixed map.
type StaticRegistry struct {
	Rates   map[string]float64
	Default float64
}

// MaxRateKW returns the registered rate or the default.
func (r StaticRegistry) MaxRateKW(deviceID string) float64 {
	if rate, ok := r.Rates[deviceID]; ok {
		return rate
	}
	return r.Default
}

// Coordinator validates schedule submissions, persists them with a new
// version and announces the change to the owning device. Submissions for
// the same device are serialized; different devices proceed independently.
type Coordinator struct {
	store    store.ScheduleStore
	pub      broker.Publisher
	registry DeviceRegistry
	log      logger.Logger
	sink     metrics.Sink
	bus      *eventbus.Bus[events.ScheduleEvent]

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	notifyRetries int
	notifyBackoff time.Duration
}

// New creates a Coordinator. A nil sink disables metrics and a nil bus
// disables schedule events.
func New(st store.ScheduleStore, pub broker.Publisher, reg DeviceRegistry, cfg Config, log logger.Logger, sink metrics.Sink, bus *eventbus.Bus[events.ScheduleEvent]) (*Coordinator, error) {
	if st == nil || pub == nil || reg == nil {
		return nil, fmt.Errorf("coordinator: nil store, publisher or registry")
	}
	cfg.SetDefaults()
	if log == nil {
		log = logger.NopLogger{}
	}
	if sink == nil {
		sink = metrics.NopSink{}
	}
	return &Coordinator{
		store:         st,
		pub:           pub,
		registry:      reg,
		log:           log,
		sink:          sink,
		bus:           bus,
		locks:         make(map[string]*sync.Mutex),
		notifyRetries: cfg.NotifyRetries,
		notifyBackoff: time.Duration(cfg.NotifyBackoffMS) * time.Millisecond,
	}, nil
}

// lockFor returns the submission lock for a device, creating it on first
// use. Locks are never removed: the arena grows with the fleet, one
// mutex per device.
func (c *Coordinator) lockFor(deviceID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[deviceID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[deviceID] = l
	}
	return l
}

// Submit validates and persists a wholesale schedule replacement for the
// device, returning the assigned version. On validation failure nothing
// is written and the error is a *schedule.ValidationError.
func (c *Coordinator) Submit(ctx context.Context, deviceID string, entries []model.ScheduleEntry) (int64, error) {
	if deviceID == "" {
		return 0, &schedule.ValidationError{Index: -1, Reason: "device_id is required"}
	}

	l := c.lockFor(deviceID)
	l.Lock()
	defer l.Unlock()

	maxRate := c.registry.MaxRateKW(deviceID)
	if err := schedule.Validate(entries, maxRate); err != nil {
		c.log.Warnf("rejected schedule for %s: %v", deviceID, err)
		c.recordSubmission(deviceID, 0, len(entries), false, err.Error())
		return 0, err
	}

	version, err := c.store.PutSchedule(ctx, deviceID, entries)
	if err != nil {
		return 0, fmt.Errorf("persist schedule for %s: %w", deviceID, err)
	}
	c.log.Infof("stored schedule v%d for %s (%d entries)", version, deviceID, len(entries))
	c.recordSubmission(deviceID, version, len(entries), true, "")
	if c.bus != nil {
		c.bus.Publish(events.ScheduleEvent{DeviceID: deviceID, Version: version, Entries: len(entries)})
	}

	c.notify(ctx, deviceID, version)
	return version, nil
}

// notify publishes the change notification, retrying with capped backoff
// in the background when the broker is unavailable. The store is
// authoritative, so a submission succeeds even when notification is
// deferred; the device catches up on its next fetch.
func (c *Coordinator) notify(ctx context.Context, deviceID string, version int64) {
	payload, err := json.Marshal(model.ChangeNotification{DeviceID: deviceID, Version: version})
	if err != nil {
		c.log.Errorf("encode notification for %s: %v", deviceID, err)
		return
	}
	topic := broker.NotifyTopic(deviceID)
	if err := c.pub.Publish(ctx, topic, payload); err == nil {
		return
	}
	go func() {
		backoff := c.notifyBackoff
		for attempt := 0; attempt < c.notifyRetries; attempt++ {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if err := c.pub.Publish(ctx, topic, payload); err == nil {
				c.log.Infof("notified %s of v%d after %d retries", deviceID, version, attempt+1)
				return
			}
			if backoff < maxNotifyBackoff {
				backoff *= 2
			}
		}
		c.log.Errorf("giving up notifying %s of v%d; device will catch up on fetch", deviceID, version)
	}()
}

const maxNotifyBackoff = time.Minute

func (c *Coordinator) recordSubmission(deviceID string, version int64, entries int, accepted bool, reason string) {
	ev := metrics.SubmissionEvent{
		DeviceID: deviceID,
		Version:  version,
		Entries:  entries,
		Accepted: accepted,
		Reason:   reason,
		Time:     time.Now().UTC(),
	}
	if err := c.sink.RecordSubmission(ev); err != nil {
		c.log.Errorf("metrics error: %v", err)
	}
}
