package metrics

// Package metrics defines interfaces for recording schedule submissions,
// acknowledgement processing results and execution records. Sinks like
// PromSink and InfluxSink live in infra/metrics and can be combined with
// NewMultiSink when several backends are configured.
