package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/gridpulse/fleetsched/core/broker"
	"github.com/gridpulse/fleetsched/core/model"
	"github.com/gridpulse/fleetsched/device/ackqueue"
	"github.com/gridpulse/fleetsched/device/battery"
	"github.com/gridpulse/fleetsched/device/cache"
	"github.com/gridpulse/fleetsched/device/executor"
	"github.com/gridpulse/fleetsched/infra/logger"
)

// Agent wires the device-side components: local cache, durable ack
// queue with its sender, broker fetcher and the executor. One Agent
// instance serves exactly one device.
type Agent struct {
	cfg     Config
	b       broker.Broker
	cache   *cache.Cache
	queue   *ackqueue.Queue
	sender  *ackqueue.Sender
	fetcher *BrokerFetcher
	exec    *executor.Executor
	bat     *battery.SimulatedBattery
	log     logger.Logger
}

// queueSink adapts the durable queue to the executor's AckSink and wakes
// the sender on every enqueue.
type queueSink struct {
	q      *ackqueue.Queue
	sender *ackqueue.Sender
}

func (s queueSink) Enqueue(ack model.Acknowledgement) error {
	if err := s.q.Enqueue(ack); err != nil {
		return err
	}
	s.sender.Kick()
	return nil
}

// New builds the agent and subscribes to the device's notification topic.
func New(cfg Config, b broker.Broker, log logger.Logger) (*Agent, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if b == nil {
		return nil, fmt.Errorf("agent: nil broker")
	}
	if log == nil {
		log = logger.NopLogger{}
	}
	deviceID := cfg.Executor.DeviceID

	c, err := cache.Open(cfg.CachePath, deviceID)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	q, err := ackqueue.Open(cfg.QueuePath)
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("open ack queue: %w", err)
	}
	sender := ackqueue.NewSender(q, b, deviceID,
		time.Duration(cfg.AckBackoffBaseMS)*time.Millisecond,
		time.Duration(cfg.AckBackoffCapMS)*time.Millisecond, log)

	fetcher, err := NewBrokerFetcher(b, deviceID, time.Duration(cfg.FetchTimeoutMS)*time.Millisecond, log)
	if err != nil {
		_ = c.Close()
		return nil, err
	}

	bat := battery.NewSimulatedBattery(cfg.Battery.MaxRateKW, cfg.Battery.CapacityKWh, cfg.Battery.InitialSoC)
	exec, err := executor.New(cfg.Executor, c, fetcher, bat, queueSink{q: q, sender: sender}, log)
	if err != nil {
		_ = c.Close()
		return nil, err
	}

	a := &Agent{
		cfg:     cfg,
		b:       b,
		cache:   c,
		queue:   q,
		sender:  sender,
		fetcher: fetcher,
		exec:    exec,
		bat:     bat,
		log:     log,
	}
	if err := b.Subscribe(broker.NotifyTopic(deviceID), a.onNotify); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("subscribe notifications: %w", err)
	}
	return a, nil
}

func (a *Agent) onNotify(_ string, payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(a.cfg.FetchTimeoutMS)*time.Millisecond)
	defer cancel()
	if err := a.exec.HandleNotification(ctx, payload); err != nil {
		a.log.Errorf("notification: %v", err)
	}
}

// SetConnected is wired to the transport's connection callbacks. On
// reconnect the agent kicks ack delivery and catches up on schedule
// versions announced while it was away.
func (a *Agent) SetConnected(connected bool) {
	a.exec.SetConnected(connected)
	if !connected {
		return
	}
	a.sender.Kick()
	go a.catchUp()
}

// catchUp asks for the coordinator's current version; if it is newer than
// the cached one, the regular notification path applies it.
func (a *Agent) catchUp() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(a.cfg.FetchTimeoutMS)*time.Millisecond)
	defer cancel()

	latest, err := a.fetcher.FetchLatest(ctx)
	if err != nil {
		a.log.Debugf("catch-up fetch: %v", err)
		return
	}
	cached, err := a.cache.Version()
	if err != nil {
		a.log.Errorf("catch-up cache read: %v", err)
		return
	}
	if latest.Version <= cached {
		return
	}
	a.log.Infof("catching up from v%d to v%d", cached, latest.Version)
	payload := []byte(fmt.Sprintf(`{"device_id":%q,"version":%d}`, a.cfg.Executor.DeviceID, latest.Version))
	if err := a.exec.HandleNotification(ctx, payload); err != nil {
		a.log.Errorf("catch-up apply: %v", err)
	}
}

// State returns the executor state.
func (a *Agent) State() executor.State {
	return a.exec.State()
}

// Tick evaluates the schedule at the given instant, outside the aligned
// loop. Used by diagnostics and integration tests.
func (a *Agent) Tick(ctx context.Context, now time.Time) error {
	return a.exec.Tick(ctx, now)
}

// Run drives the agent until the context is cancelled: ack delivery, the
// health loop and the tick loop.
func (a *Agent) Run(ctx context.Context) error {
	go a.sender.Run(ctx)
	if a.cfg.HealthIntervalS > 0 {
		go a.healthLoop(ctx)
	}
	err := a.exec.Run(ctx)
	if cerr := a.cache.Close(); cerr != nil {
		a.log.Errorf("close cache: %v", cerr)
	}
	return err
}

// healthLoop periodically logs the agent vitals: state, cached version,
// pending acks and battery state of charge.
func (a *Agent) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(a.cfg.HealthIntervalS) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		version, err := a.cache.Version()
		if err != nil {
			a.log.Errorf("health: cache: %v", err)
			continue
		}
		pending, err := a.queue.Len()
		if err != nil {
			a.log.Errorf("health: queue: %v", err)
			continue
		}
		a.log.Infof("health state=%s schedule_version=%d pending_acks=%d soc=%.2f",
			a.exec.State(), version, pending, a.bat.SoC())
	}
}
