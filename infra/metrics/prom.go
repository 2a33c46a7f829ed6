package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	coremetrics "github.com/gridpulse/fleetsched/core/metrics"
	"github.com/gridpulse/fleetsched/core/model"
)

// PromSink records coordinator events in Prometheus metrics.
type PromSink struct {
	submissions *prometheus.CounterVec
	acks        *prometheus.CounterVec
	executions  *prometheus.CounterVec
	version     *prometheus.GaugeVec
}

// NewPromSink registers metrics on the default Prometheus registerer.
// The Prometheus server should be started separately using cfg.PrometheusPort.
func NewPromSink(cfg coremetrics.Config) (*PromSink, error) {
	return NewPromSinkWithRegistry(cfg, prometheus.DefaultRegisterer)
}

// NewPromSinkWithRegistry registers metrics on the provided registerer.
// A nil registerer defaults to the global Prometheus registerer.
func NewPromSinkWithRegistry(_ coremetrics.Config, reg prometheus.Registerer) (*PromSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	submissions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "schedule_submissions_total",
		Help: "Total number of schedule submissions",
	}, []string{"device_id", "accepted"})
	acks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "acknowledgements_total",
		Help: "Total number of acknowledgements by processing result",
	}, []string{"device_id", "result"})
	executions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "entry_executions_total",
		Help: "Total number of recorded entry executions by outcome",
	}, []string{"device_id", "outcome"})
	version := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "schedule_version",
		Help: "Latest schedule version assigned per device",
	}, []string{"device_id"})

	if err := reg.Register(submissions); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			submissions = are.ExistingCollector.(*prometheus.CounterVec)
		} else {
			return nil, err
		}
	}
	if err := reg.Register(acks); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			acks = are.ExistingCollector.(*prometheus.CounterVec)
		} else {
			return nil, err
		}
	}
	if err := reg.Register(executions); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			executions = are.ExistingCollector.(*prometheus.CounterVec)
		} else {
			return nil, err
		}
	}
	if err := reg.Register(version); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			version = are.ExistingCollector.(*prometheus.GaugeVec)
		} else {
			return nil, err
		}
	}

	return &PromSink{submissions: submissions, acks: acks, executions: executions, version: version}, nil
}

// RecordSubmission counts the submission and tracks the latest version.
func (s *PromSink) RecordSubmission(ev coremetrics.SubmissionEvent) error {
	accepted := "false"
	if ev.Accepted {
		accepted = "true"
		s.version.WithLabelValues(ev.DeviceID).Set(float64(ev.Version))
	}
	s.submissions.WithLabelValues(ev.DeviceID, accepted).Inc()
	return nil
}

// RecordAck counts the acknowledgement by processing result.
func (s *PromSink) RecordAck(ev coremetrics.AckEvent) error {
	s.acks.WithLabelValues(ev.DeviceID, ev.Result).Inc()
	return nil
}

// RecordExecution counts the persisted execution by outcome.
func (s *PromSink) RecordExecution(rec model.ExecutionRecord) error {
	s.executions.WithLabelValues(rec.DeviceID, rec.Outcome.String()).Inc()
	return nil
}
