package ackproc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gridpulse/fleetsched/core/broker"
	"github.com/gridpulse/fleetsched/core/events"
	"github.com/gridpulse/fleetsched/core/metrics"
	"github.com/gridpulse/fleetsched/core/model"
	"github.com/gridpulse/fleetsched/core/store"
	"github.com/gridpulse/fleetsched/infra/logger"
	"github.com/gridpulse/fleetsched/internal/eventbus"
)

// Result classifies the handling of one acknowledgement.
type Result int

const (
	ResultStored Result = iota
	ResultDuplicate
)

// String returns a label for the result, used in logs and metrics.
func (r Result) String() string {
	switch r {
	case ResultStored:
		return "stored"
	case ResultDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// MalformedAckError describes an acknowledgement that failed structural
// validation. Such messages are dead-lettered, never retried.
type MalformedAckError struct {
	Reason string
}

func (e *MalformedAckError) Error() string {
	return fmt.Sprintf("malformed acknowledgement: %s", e.Reason)
}

// FailureHandler is the alerting collaborator notified when a device
// reports a failed execution.
type FailureHandler interface {
	OnExecutionFailure(rec model.ExecutionRecord)
}

// FailureHandlerFunc adapts a function to the FailureHandler interface.
type FailureHandlerFunc func(rec model.ExecutionRecord)

func (f FailureHandlerFunc) OnExecutionFailure(rec model.ExecutionRecord) { f(rec) }

// Processor consumes device acknowledgements, persists execution records
// exactly once per (device, version, entry) key and surfaces failures.
// Duplicate deliveries from the broker are expected and discarded.
type Processor struct {
	log     store.ExecutionLog
	pub     broker.Publisher
	onFail  FailureHandler
	logger  logger.Logger
	sink    metrics.Sink
	failBus *eventbus.Bus[events.ExecutionFailure]

	retryBase time.Duration
	retryCap  time.Duration
}

// New creates a Processor. pub is used for dead-lettering and may not be
// nil; onFail, sink and failBus are optional.
func New(execLog store.ExecutionLog, pub broker.Publisher, onFail FailureHandler, log logger.Logger, sink metrics.Sink, failBus *eventbus.Bus[events.ExecutionFailure]) (*Processor, error) {
	if execLog == nil || pub == nil {
		return nil, fmt.Errorf("ackproc: nil execution log or publisher")
	}
	if log == nil {
		log = logger.NopLogger{}
	}
	if sink == nil {
		sink = metrics.NopSink{}
	}
	return &Processor{
		log: execLog, pub: pub, onFail: onFail, logger: log, sink: sink, failBus: failBus,
		retryBase: time.Second,
		retryCap:  time.Minute,
	}, nil
}

// Subscribe attaches the processor to the acknowledgement wildcard topic.
func (p *Processor) Subscribe(sub broker.Subscriber) error {
	return sub.Subscribe(broker.AckWildcard, func(topic string, payload []byte) {
		p.handle(topic, payload)
	})
}

// handle processes one delivery. Malformed payloads are dead-lettered and
// dropped; store failures are retried with backoff until the record is
// persisted, because the broker has already acknowledged the message and
// will not redeliver it.
func (p *Processor) handle(topic string, payload []byte) {
	backoff := p.retryBase
	for {
		_, err := p.Process(context.Background(), topic, payload)
		if err == nil {
			return
		}
		var merr *MalformedAckError
		if errors.As(err, &merr) {
			p.logger.Warnf("ack on %s dead-lettered: %v", topic, err)
			return
		}
		p.logger.Errorf("ack on %s not persisted, retrying in %s: %v", topic, backoff, err)
		time.Sleep(backoff)
		if backoff < p.retryCap {
			backoff *= 2
			if backoff > p.retryCap {
				backoff = p.retryCap
			}
		}
	}
}

// Process validates and persists one acknowledgement payload. Malformed
// payloads return a *MalformedAckError after being published to the
// device dead-letter topic. Duplicates return ResultDuplicate and no error.
func (p *Processor) Process(ctx context.Context, topic string, payload []byte) (Result, error) {
	ack, err := decode(payload)
	if err != nil {
		p.deadLetter(ctx, topic, payload, err)
		p.recordAck("", "malformed", 0)
		return 0, err
	}

	rec := ack.Record()
	if err := p.log.AppendRecord(ctx, rec); err != nil {
		if errors.Is(err, store.ErrDuplicateRecord) {
			p.logger.Debugf("duplicate ack for %s discarded", rec.Key())
			p.recordAck(rec.DeviceID, "duplicate", rec.Outcome)
			return ResultDuplicate, nil
		}
		return 0, fmt.Errorf("persist execution record %s: %w", rec.Key(), err)
	}

	p.logger.Infof("recorded execution %s outcome=%s", rec.Key(), rec.Outcome)
	p.recordAck(rec.DeviceID, "stored", rec.Outcome)
	if er, ok := p.sink.(metrics.ExecutionRecorder); ok {
		if err := er.RecordExecution(rec); err != nil {
			p.logger.Errorf("metrics error: %v", err)
		}
	}

	if rec.Outcome == model.OutcomeFailure {
		p.logger.Warnf("execution failure on %s entry %d: %s", rec.DeviceID, rec.EntryIndex, rec.ErrorDetail)
		if p.onFail != nil {
			p.onFail.OnExecutionFailure(rec)
		}
		if p.failBus != nil {
			p.failBus.Publish(events.ExecutionFailure{Record: rec})
		}
	}
	return ResultStored, nil
}

// decode parses and structurally validates an acknowledgement.
func decode(payload []byte) (model.Acknowledgement, error) {
	var ack model.Acknowledgement
	if err := json.Unmarshal(payload, &ack); err != nil {
		return ack, &MalformedAckError{Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}
	switch {
	case ack.DeviceID == "":
		return ack, &MalformedAckError{Reason: "missing device_id"}
	case ack.ScheduleVersion <= 0:
		return ack, &MalformedAckError{Reason: "missing or invalid schedule_version"}
	case ack.EntryIndex < 0:
		return ack, &MalformedAckError{Reason: "negative entry_index"}
	case !ack.Outcome.Valid():
		return ack, &MalformedAckError{Reason: "invalid outcome"}
	case ack.ScheduledTime.IsZero():
		return ack, &MalformedAckError{Reason: "missing scheduled_time"}
	case ack.ActualTime.IsZero():
		return ack, &MalformedAckError{Reason: "missing actual_time"}
	}
	return ack, nil
}

// deadLetter forwards the raw payload to the device dead-letter topic.
// Delivery is best effort; the malformed error is still surfaced to the
// caller either way.
func (p *Processor) deadLetter(ctx context.Context, topic string, payload []byte, cause error) {
	deviceID, ok := broker.DeviceFromTopic(topic)
	if !ok {
		deviceID = "unknown"
	}
	if err := p.pub.Publish(ctx, broker.DeadLetterTopic(deviceID), payload); err != nil {
		p.logger.Errorf("dead-letter publish for %s: %v", deviceID, err)
	}
	p.logger.Debugw("dead-lettered ack", map[string]any{
		"device_id": deviceID,
		"reason":    cause.Error(),
	})
}

func (p *Processor) recordAck(deviceID, result string, outcome model.Outcome) {
	ev := metrics.AckEvent{DeviceID: deviceID, Result: result, Outcome: outcome, Time: time.Now().UTC()}
	if err := p.sink.RecordAck(ev); err != nil {
		p.logger.Errorf("metrics error: %v", err)
	}
}
