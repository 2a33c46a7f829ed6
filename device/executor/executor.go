package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gridpulse/fleetsched/core/model"
	"github.com/gridpulse/fleetsched/core/schedule"
	"github.com/gridpulse/fleetsched/core/store"
	"github.com/gridpulse/fleetsched/device/battery"
	"github.com/gridpulse/fleetsched/device/cache"
	"github.com/gridpulse/fleetsched/infra/logger"
)

// State describes the executor's connection and synchronization status.
type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateSynchronized
	StateExecuting
)

// String returns a label for the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnected:
		return "CONNECTED"
	case StateSynchronized:
		return "SYNCHRONIZED"
	case StateExecuting:
		return "EXECUTING"
	default:
		return "unknown"
	}
}

// Fetcher retrieves the full schedule referenced by a change
// notification. Implementations go over the network; the tick path never
// uses them.
type Fetcher interface {
	Fetch(ctx context.Context, deviceID string, version int64) (*model.Schedule, error)
}

// StoreFetcher adapts a ScheduleStore to the Fetcher interface for
// in-process deployments and tests.
type StoreFetcher struct {
	Store store.ScheduleStore
}

// Fetch returns the schedule at the exact version.
func (f StoreFetcher) Fetch(ctx context.Context, deviceID string, version int64) (*model.Schedule, error) {
	return f.Store.GetSchedule(ctx, deviceID, version)
}

// AckSink accepts acknowledgements for durable queueing. Enqueue must be
// durable before returning; delivery happens asynchronously.
type AckSink interface {
	Enqueue(ack model.Acknowledgement) error
}

// Executor runs the schedule for a single device: it applies change
// notifications with last-writer-wins semantics, evaluates the local
// cache at every tick and executes the due entry exactly once. Ticks read
// only the local cache so a broker outage degrades delivery, never
// execution.
type Executor struct {
	deviceID  string
	cache     *cache.Cache
	fetcher   Fetcher
	runner    battery.CommandRunner
	acks      AckSink
	log       logger.Logger
	maxRateKW float64
	interval  time.Duration
	now       func() time.Time

	mu    sync.Mutex
	state State
}

// New creates an Executor. All collaborators are required.
func New(cfg Config, c *cache.Cache, f Fetcher, r battery.CommandRunner, acks AckSink, log logger.Logger) (*Executor, error) {
	if cfg.DeviceID == "" {
		return nil, fmt.Errorf("executor: device id is required")
	}
	if c == nil || f == nil || r == nil || acks == nil {
		return nil, fmt.Errorf("executor: nil collaborator")
	}
	cfg.SetDefaults()
	if log == nil {
		log = logger.NopLogger{}
	}
	return &Executor{
		deviceID:  cfg.DeviceID,
		cache:     c,
		fetcher:   f,
		runner:    r,
		acks:      acks,
		log:       log,
		maxRateKW: cfg.MaxRateKW,
		interval:  time.Duration(cfg.TickIntervalMinutes) * time.Minute,
		now:       time.Now,
	}, nil
}

// State returns the current executor state.
func (e *Executor) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Executor) setState(s State) {
	e.mu.Lock()
	prev := e.state
	e.state = s
	e.mu.Unlock()
	if prev != s {
		e.log.Debugf("state %s -> %s", prev, s)
	}
}

// SetConnected is driven by the transport's connection callbacks. Losing
// the connection drops back to DISCONNECTED; regaining it moves to
// CONNECTED until the next schedule is applied.
func (e *Executor) SetConnected(connected bool) {
	if connected {
		e.mu.Lock()
		if e.state == StateDisconnected {
			e.state = StateConnected
		}
		e.mu.Unlock()
		return
	}
	e.setState(StateDisconnected)
}

// HandleNotification applies one change notification payload. Versions
// at or below the cached one are discarded as stale: last writer wins by
// version, not by arrival order.
func (e *Executor) HandleNotification(ctx context.Context, payload []byte) error {
	var n model.ChangeNotification
	if err := json.Unmarshal(payload, &n); err != nil {
		return fmt.Errorf("decode notification: %w", err)
	}
	if n.DeviceID != e.deviceID {
		e.log.Debugf("ignoring notification for %s", n.DeviceID)
		return nil
	}

	current, err := e.cache.Version()
	if err != nil {
		return fmt.Errorf("read cached version: %w", err)
	}
	if n.Version <= current {
		e.log.Debugf("stale notification v%d (have v%d), discarding", n.Version, current)
		return nil
	}

	sched, err := e.fetcher.Fetch(ctx, e.deviceID, n.Version)
	if err != nil {
		return fmt.Errorf("fetch schedule v%d: %w", n.Version, err)
	}

	// The payload crossed an untrusted transport; check it against the
	// local limits too.
	if err := schedule.Validate(sched.Entries, e.maxRateKW); err != nil {
		return fmt.Errorf("fetched schedule v%d failed local validation: %w", n.Version, err)
	}

	if err := e.cache.Put(sched); err != nil {
		if errors.Is(err, cache.ErrStale) {
			// A newer version raced us between the staleness check and the
			// write; the cache already holds the winner.
			return nil
		}
		return fmt.Errorf("cache schedule v%d: %w", n.Version, err)
	}
	e.setState(StateSynchronized)
	e.log.Infof("applied schedule v%d (%d entries)", sched.Version, len(sched.Entries))
	return nil
}

// Tick evaluates the local cache at the given instant. Unexecuted entries
// whose window already closed are marked SKIPPED; the entry containing
// now executes exactly once. An empty or corrupt cache idles with a
// warning rather than guessing a default plan.
func (e *Executor) Tick(ctx context.Context, now time.Time) error {
	sched, err := e.cache.Current()
	if err != nil {
		if errors.Is(err, cache.ErrEmpty) {
			e.log.Warnf("no usable schedule in local cache, idling")
			return nil
		}
		return fmt.Errorf("read local cache: %w", err)
	}

	for i, entry := range sched.Entries {
		if !entry.EndTime.After(now) {
			if err := e.skipMissed(sched, i, entry, now); err != nil {
				return err
			}
		}
	}

	idx, entry, ok := sched.EntryAt(now)
	if !ok {
		return nil
	}
	if _, done, err := e.cache.Executed(sched.Version, idx); err != nil {
		return fmt.Errorf("check execution mark: %w", err)
	} else if done {
		return nil
	}
	return e.execute(ctx, sched, idx, entry, now)
}

// skipMissed records a SKIPPED outcome for an entry whose window passed
// without execution, e.g. after a restart that lost no marks but arrived
// late, or a cache rebuilt from scratch.
func (e *Executor) skipMissed(sched *model.Schedule, idx int, entry model.ScheduleEntry, now time.Time) error {
	if _, done, err := e.cache.Executed(sched.Version, idx); err != nil {
		return err
	} else if done {
		return nil
	}
	if err := e.cache.MarkExecuted(sched.Version, idx, model.OutcomeSkipped); err != nil {
		return fmt.Errorf("mark skipped: %w", err)
	}
	e.log.Warnf("entry %d of v%d missed its window, marked SKIPPED", idx, sched.Version)
	e.enqueueAck(sched.Version, idx, entry, now, model.OutcomeSkipped, 0, "window elapsed before execution")
	return nil
}

// execute runs the due entry. The execution mark is written before the
// acknowledgement is queued so a crash between the two can only delay the
// report, never duplicate the command.
func (e *Executor) execute(ctx context.Context, sched *model.Schedule, idx int, entry model.ScheduleEntry, now time.Time) error {
	prev := e.State()
	e.setState(StateExecuting)
	defer e.setState(prev)

	e.log.Infof("executing v%d entry %d: %s %gkW", sched.Version, idx, entry.Mode, entry.RateKW)
	actualRate, runErr := e.runner.RunCommand(ctx, entry.Mode, entry.RateKW)

	outcome := model.OutcomeSuccess
	detail := ""
	if runErr != nil {
		outcome = model.OutcomeFailure
		detail = runErr.Error()
		actualRate = 0
		e.log.Errorf("command failed for v%d entry %d: %v", sched.Version, idx, runErr)
	}

	if err := e.cache.MarkExecuted(sched.Version, idx, outcome); err != nil {
		return fmt.Errorf("mark executed: %w", err)
	}
	e.enqueueAck(sched.Version, idx, entry, now, outcome, actualRate, detail)
	return nil
}

func (e *Executor) enqueueAck(version int64, idx int, entry model.ScheduleEntry, now time.Time, outcome model.Outcome, actualRate float64, detail string) {
	ack := model.Acknowledgement{
		AckID:           uuid.NewString(),
		DeviceID:        e.deviceID,
		ScheduleVersion: version,
		EntryIndex:      idx,
		ScheduledTime:   entry.StartTime,
		ActualTime:      now.UTC(),
		Outcome:         outcome,
		ActualRateKW:    actualRate,
		ErrorDetail:     detail,
	}
	if err := e.acks.Enqueue(ack); err != nil {
		// The queue is the durable path; failing to enqueue is the one
		// data-loss risk worth shouting about.
		e.log.Errorf("FAILED to queue ack for v%d entry %d: %v", version, idx, err)
	}
}

// Run evaluates ticks aligned to wall-clock interval boundaries until the
// context is cancelled.
func (e *Executor) Run(ctx context.Context) error {
	for {
		now := e.now()
		next := now.Truncate(e.interval).Add(e.interval)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(next.Sub(now)):
		}
		if err := e.Tick(ctx, e.now()); err != nil {
			e.log.Errorf("tick: %v", err)
		}
	}
}
