package metrics

import (
	coremetrics "github.com/gridpulse/fleetsched/core/metrics"
	"github.com/gridpulse/fleetsched/core/model"
)

// MultiSink fans events out to multiple sinks.
type MultiSink struct {
	Sinks []coremetrics.Sink
}

// NewMultiSink creates a MultiSink with the provided sinks.
func NewMultiSink(sinks ...coremetrics.Sink) *MultiSink {
	return &MultiSink{Sinks: sinks}
}

// RecordSubmission forwards the event to all sinks, returning the first
// error encountered.
func (m *MultiSink) RecordSubmission(ev coremetrics.SubmissionEvent) error {
	for _, s := range m.Sinks {
		if err := s.RecordSubmission(ev); err != nil {
			return err
		}
	}
	return nil
}

// RecordAck forwards the event to all sinks.
func (m *MultiSink) RecordAck(ev coremetrics.AckEvent) error {
	for _, s := range m.Sinks {
		if err := s.RecordAck(ev); err != nil {
			return err
		}
	}
	return nil
}

// RecordExecution forwards the record to sinks that support it.
func (m *MultiSink) RecordExecution(rec model.ExecutionRecord) error {
	for _, s := range m.Sinks {
		if er, ok := s.(coremetrics.ExecutionRecorder); ok {
			if err := er.RecordExecution(rec); err != nil {
				return err
			}
		}
	}
	return nil
}
