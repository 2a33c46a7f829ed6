package metrics

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	coremetrics "github.com/gridpulse/fleetsched/core/metrics"
	"github.com/gridpulse/fleetsched/core/model"
	"github.com/gridpulse/fleetsched/infra/logger"
)

// InfluxSink writes coordinator events to an InfluxDB instance using the
// official client.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	log      logger.Logger
}

// NewInfluxSink creates a new sink configured for the given InfluxDB endpoint.
func NewInfluxSink(url, token, org, bucket string) *InfluxSink {
	base := strings.TrimSuffix(url, "/api/v2/write")
	client := influxdb2.NewClientWithOptions(base, token,
		influxdb2.DefaultOptions().SetHTTPClient(&http.Client{Timeout: 5 * time.Second}))
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(org, bucket),
		log:      logger.New("influx-sink"),
	}
}

// NewInfluxSinkWithFallback tries to ping the InfluxDB instance and
// returns a NopSink if the health check fails.
func NewInfluxSinkWithFallback(url, token, org, bucket string) coremetrics.Sink {
	sink := NewInfluxSink(url, token, org, bucket)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	health, err := sink.client.Health(ctx)
	if err != nil || health.Status != "pass" {
		if err != nil {
			sink.log.Errorf("influx health check error: %v", err)
		} else {
			sink.log.Errorf("influx health status: %s", health.Status)
		}
		sink.client.Close()
		return coremetrics.NopSink{}
	}
	return sink
}

// RecordSubmission writes one submission event point.
func (s *InfluxSink) RecordSubmission(ev coremetrics.SubmissionEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p := write.NewPointWithMeasurement("schedule_submission").
		AddTag("device_id", ev.DeviceID).
		AddTag("accepted", strconv.FormatBool(ev.Accepted)).
		AddTag("component", "coordinator").
		AddField("version", ev.Version).
		AddField("entries", ev.Entries)
	if ev.Reason != "" {
		p = p.AddField("reason", ev.Reason)
	}
	p.SetTime(ev.Time)
	return s.writeAPI.WritePoint(ctx, p)
}

// RecordAck writes one acknowledgement event point.
func (s *InfluxSink) RecordAck(ev coremetrics.AckEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p := write.NewPointWithMeasurement("acknowledgement").
		AddTag("device_id", ev.DeviceID).
		AddTag("result", ev.Result).
		AddTag("outcome", ev.Outcome.String()).
		AddTag("component", "ack_processor").
		AddField("count", 1).
		SetTime(ev.Time)
	return s.writeAPI.WritePoint(ctx, p)
}

// RecordExecution writes the persisted execution record as a point.
func (s *InfluxSink) RecordExecution(rec model.ExecutionRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p := write.NewPointWithMeasurement("entry_execution").
		AddTag("device_id", rec.DeviceID).
		AddTag("outcome", rec.Outcome.String()).
		AddTag("component", "ack_processor").
		AddField("schedule_version", rec.ScheduleVersion).
		AddField("entry_index", rec.EntryIndex).
		AddField("actual_rate_kw", round3(rec.ActualRateKW)).
		AddField("report_delay_s", round3(rec.ActualTime.Sub(rec.ScheduledTime).Seconds()))
	if rec.ErrorDetail != "" {
		p = p.AddField("errors", rec.ErrorDetail)
	}
	p.SetTime(rec.ActualTime)
	return s.writeAPI.WritePoint(ctx, p)
}

func round3(f float64) float64 {
	return math.Round(f*1000) / 1000
}
