package metrics

import (
	"time"

	"github.com/gridpulse/fleetsched/core/model"
)

// SubmissionEvent captures one schedule submission handled by the coordinator.
type SubmissionEvent struct {
	DeviceID string
	Version  int64
	Entries  int
	Accepted bool
	Reason   string
	Time     time.Time
}

// AckEvent captures one acknowledgement handled by the processor.
type AckEvent struct {
	DeviceID string
	Result   string // stored, duplicate, malformed
	Outcome  model.Outcome
	Time     time.Time
}

// Sink records coordinator and acknowledgement events for observability.
type Sink interface {
	RecordSubmission(ev SubmissionEvent) error
	RecordAck(ev AckEvent) error
}

// ExecutionRecorder records persisted execution records. Sinks that also
// export per-execution telemetry implement it in addition to Sink.
type ExecutionRecorder interface {
	RecordExecution(rec model.ExecutionRecord) error
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) RecordSubmission(SubmissionEvent) error      { return nil }
func (NopSink) RecordAck(AckEvent) error                    { return nil }
func (NopSink) RecordExecution(model.ExecutionRecord) error { return nil }
