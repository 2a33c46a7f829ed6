package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	coremetrics "github.com/gridpulse/fleetsched/core/metrics"
	"github.com/gridpulse/fleetsched/core/model"
)

func TestPromSinkRecords(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink, err := NewPromSinkWithRegistry(coremetrics.Config{}, reg)
	if err != nil {
		t.Fatalf("sink: %v", err)
	}

	if err := sink.RecordSubmission(coremetrics.SubmissionEvent{
		DeviceID: "device-1", Version: 4, Entries: 2, Accepted: true, Time: time.Now(),
	}); err != nil {
		t.Fatalf("submission: %v", err)
	}
	if err := sink.RecordSubmission(coremetrics.SubmissionEvent{
		DeviceID: "device-1", Accepted: false, Reason: "overlap", Time: time.Now(),
	}); err != nil {
		t.Fatalf("submission: %v", err)
	}
	if err := sink.RecordAck(coremetrics.AckEvent{
		DeviceID: "device-1", Result: "stored", Outcome: model.OutcomeSuccess, Time: time.Now(),
	}); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if err := sink.RecordExecution(model.ExecutionRecord{
		DeviceID: "device-1", ScheduleVersion: 4, Outcome: model.OutcomeSuccess,
	}); err != nil {
		t.Fatalf("execution: %v", err)
	}

	if got := testutil.ToFloat64(sink.submissions.WithLabelValues("device-1", "true")); got != 1 {
		t.Errorf("accepted submissions = %g", got)
	}
	if got := testutil.ToFloat64(sink.submissions.WithLabelValues("device-1", "false")); got != 1 {
		t.Errorf("rejected submissions = %g", got)
	}
	if got := testutil.ToFloat64(sink.acks.WithLabelValues("device-1", "stored")); got != 1 {
		t.Errorf("stored acks = %g", got)
	}
	if got := testutil.ToFloat64(sink.executions.WithLabelValues("device-1", "SUCCESS")); got != 1 {
		t.Errorf("executions = %g", got)
	}
	if got := testutil.ToFloat64(sink.version.WithLabelValues("device-1")); got != 4 {
		t.Errorf("version gauge = %g", got)
	}
}

func TestPromSinkDoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := NewPromSinkWithRegistry(coremetrics.Config{}, reg); err != nil {
		t.Fatalf("first: %v", err)
	}
	// A second sink on the same registry must reuse existing collectors.
	if _, err := NewPromSinkWithRegistry(coremetrics.Config{}, reg); err != nil {
		t.Fatalf("second: %v", err)
	}
}

func TestMultiSinkFanout(t *testing.T) {
	reg := prometheus.NewRegistry()
	prom, err := NewPromSinkWithRegistry(coremetrics.Config{}, reg)
	if err != nil {
		t.Fatalf("sink: %v", err)
	}
	multi := NewMultiSink(coremetrics.NopSink{}, prom)

	if err := multi.RecordSubmission(coremetrics.SubmissionEvent{DeviceID: "d", Accepted: true, Version: 1}); err != nil {
		t.Fatalf("submission: %v", err)
	}
	if err := multi.RecordExecution(model.ExecutionRecord{DeviceID: "d", Outcome: model.OutcomeSkipped}); err != nil {
		t.Fatalf("execution: %v", err)
	}
	if got := testutil.ToFloat64(prom.executions.WithLabelValues("d", "SKIPPED")); got != 1 {
		t.Errorf("executions = %g", got)
	}
}
