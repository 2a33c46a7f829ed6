package app

import (
	"context"
	"fmt"

	"github.com/gridpulse/fleetsched/config"
	"github.com/gridpulse/fleetsched/core/ackproc"
	"github.com/gridpulse/fleetsched/core/coordinator"
	"github.com/gridpulse/fleetsched/core/events"
	coremetrics "github.com/gridpulse/fleetsched/core/metrics"
	"github.com/gridpulse/fleetsched/core/model"
	corestore "github.com/gridpulse/fleetsched/core/store"
	"github.com/gridpulse/fleetsched/infra/logger"
	"github.com/gridpulse/fleetsched/infra/metrics"
	"github.com/gridpulse/fleetsched/infra/mqtt"
	"github.com/gridpulse/fleetsched/infra/store"
	"github.com/gridpulse/fleetsched/internal/eventbus"
)

// Service is the cloud side of the system: the coordinator with its
// store, the fetch responder and the acknowledgement processor, all
// sharing one broker connection.
type Service struct {
	Coordinator *coordinator.Coordinator
	Processor   *ackproc.Processor
	Store       corestore.Store

	client      *mqtt.PahoClient
	scheduleBus *eventbus.Bus[events.ScheduleEvent]
	failureBus  *eventbus.Bus[events.ExecutionFailure]
	log         logger.Logger
	promEnabled bool
	promPort    string
}

// New creates a Service from the configuration.
func New(cfg *config.Config) (*Service, error) {
	logg := logger.New("service")

	st, err := store.New(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	client, err := mqtt.NewPahoClient(cfg.MQTT, nil)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("mqtt client: %w", err)
	}

	var sinks []coremetrics.Sink
	if cfg.Metrics.PrometheusEnabled {
		sink, err := metrics.NewPromSink(cfg.Metrics)
		if err != nil {
			_ = st.Close()
			client.Close()
			return nil, fmt.Errorf("prom sink: %w", err)
		}
		sinks = append(sinks, sink)
	}
	if cfg.Metrics.InfluxEnabled {
		sink := metrics.NewInfluxSinkWithFallback(cfg.Metrics.InfluxURL,
			cfg.Metrics.InfluxToken, cfg.Metrics.InfluxOrg, cfg.Metrics.InfluxBucket)
		sinks = append(sinks, sink)
	}
	var sink coremetrics.Sink
	if len(sinks) == 1 {
		sink = sinks[0]
	} else if len(sinks) > 1 {
		sink = metrics.NewMultiSink(sinks...)
	}

	registry := coordinator.StaticRegistry{
		Rates:   cfg.Coordinator.DeviceRates,
		Default: cfg.Coordinator.DefaultMaxRateKW,
	}
	scheduleBus := eventbus.New[events.ScheduleEvent]()
	coord, err := coordinator.New(st, client, registry, cfg.Coordinator, logg, sink, scheduleBus)
	if err != nil {
		_ = st.Close()
		client.Close()
		return nil, fmt.Errorf("coordinator: %w", err)
	}

	responder, err := coordinator.NewFetchResponder(st, client, logg)
	if err != nil {
		_ = st.Close()
		client.Close()
		return nil, err
	}
	if err := responder.Subscribe(client); err != nil {
		_ = st.Close()
		client.Close()
		return nil, fmt.Errorf("fetch responder: %w", err)
	}

	failureBus := eventbus.New[events.ExecutionFailure]()
	onFail := ackproc.FailureHandlerFunc(func(rec model.ExecutionRecord) {
		logg.Errorf("execution failure on %s v%d entry %d: %s",
			rec.DeviceID, rec.ScheduleVersion, rec.EntryIndex, rec.ErrorDetail)
	})
	proc, err := ackproc.New(st, client, onFail, logg, sink, failureBus)
	if err != nil {
		_ = st.Close()
		client.Close()
		return nil, fmt.Errorf("ack processor: %w", err)
	}
	if err := proc.Subscribe(client); err != nil {
		_ = st.Close()
		client.Close()
		return nil, fmt.Errorf("ack subscription: %w", err)
	}

	return &Service{
		Coordinator: coord,
		Processor:   proc,
		Store:       st,
		client:      client,
		scheduleBus: scheduleBus,
		failureBus:  failureBus,
		log:         logg,
		promEnabled: cfg.Metrics.PrometheusEnabled,
		promPort:    cfg.Metrics.PrometheusPort,
	}, nil
}

// Run starts the service and blocks until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if s.promEnabled {
		go func() {
			if err := metrics.StartPromServer(ctx, ":"+s.promPort); err != nil {
				s.log.Errorf("prom server: %v", err)
			}
		}()
	}
	s.log.Infof("coordinator service running")
	<-ctx.Done()
	return nil
}

// Close releases resources held by the service.
func (s *Service) Close() error {
	s.scheduleBus.Close()
	s.failureBus.Close()
	s.client.Close()
	return s.Store.Close()
}
