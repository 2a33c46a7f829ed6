package test

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/gridpulse/fleetsched/core/ackproc"
	"github.com/gridpulse/fleetsched/core/coordinator"
	"github.com/gridpulse/fleetsched/core/model"
	"github.com/gridpulse/fleetsched/core/store"
	"github.com/gridpulse/fleetsched/device/agent"
	"github.com/gridpulse/fleetsched/device/executor"
	"github.com/gridpulse/fleetsched/infra/logger"
	"github.com/gridpulse/fleetsched/infra/mqtt"
)

func waitForMQTTReady(broker string, timeout time.Duration) error {
	opts := paho.NewClientOptions().AddBroker(broker).SetClientID("probe")
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		cli := paho.NewClient(opts)
		token := cli.Connect()
		token.Wait()
		if token.Error() == nil {
			cli.Disconnect(100)
			return nil
		}
		lastErr = token.Error()
		time.Sleep(100 * time.Millisecond)
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("timeout waiting for broker")
	}
	return lastErr
}

func startMosquitto(ctx context.Context, t *testing.T) (tc.Container, string) {
	t.Helper()
	conf := `listener 1883
allow_anonymous true
persistence false
log_dest stdout
log_type error
log_type warning
`
	dir := t.TempDir()
	path := filepath.Join(dir, "mosquitto.conf")
	if err := os.WriteFile(path, []byte(conf), 0644); err != nil {
		t.Fatalf("write conf: %v", err)
	}

	req := tc.ContainerRequest{
		Image:        "eclipse-mosquitto:2.0",
		ExposedPorts: []string{"1883/tcp"},
		WaitingFor:   wait.ForListeningPort("1883/tcp"),
		Files: []tc.ContainerFile{
			{
				HostFilePath:      path,
				ContainerFilePath: "/mosquitto/config/mosquitto.conf",
				FileMode:          0644,
			},
		},
	}
	cont, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Fatalf("container start: %v", err)
	}
	host, err := cont.Host(ctx)
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	port, err := cont.MappedPort(ctx, "1883")
	if err != nil {
		t.Fatalf("port: %v", err)
	}
	broker := fmt.Sprintf("tcp://%s:%s", host, port.Port())
	if err := waitForMQTTReady(broker, 5*time.Second); err != nil {
		t.Logf("mosquitto not ready at %s: %v", broker, err)
		t.Skip("Mosquitto not ready after retries")
	}
	return cont, broker
}

// TestScheduleRoundTripWithMQTTContainer drives the full loop against a
// real broker: submit -> notify -> fetch -> execute -> ack -> record.
func TestScheduleRoundTripWithMQTTContainer(t *testing.T) {
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not installed")
	}
	ctx := context.Background()

	cont, broker := startMosquitto(ctx, t)
	defer func() { _ = cont.Terminate(ctx) }()

	// Cloud side: coordinator, fetch responder and ack processor on one
	// connection.
	st := store.NewMemoryStore()
	cloudCli, err := mqtt.NewPahoClient(mqtt.Config{Broker: broker, ClientID: "coordinator"}, nil)
	if err != nil {
		t.Fatalf("cloud mqtt client: %v", err)
	}
	defer cloudCli.Close()

	coord, err := coordinator.New(st, cloudCli, coordinator.StaticRegistry{Default: 10},
		coordinator.Config{}, logger.NopLogger{}, nil, nil)
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}
	responder, err := coordinator.NewFetchResponder(st, cloudCli, logger.NopLogger{})
	if err != nil {
		t.Fatalf("responder: %v", err)
	}
	if err := responder.Subscribe(cloudCli); err != nil {
		t.Fatalf("responder subscribe: %v", err)
	}
	proc, err := ackproc.New(st, cloudCli, nil, logger.NopLogger{}, nil, nil)
	if err != nil {
		t.Fatalf("processor: %v", err)
	}
	if err := proc.Subscribe(cloudCli); err != nil {
		t.Fatalf("processor subscribe: %v", err)
	}

	// Device side on its own connection. The callback runs on paho
	// goroutines, so the agent pointer it reads is atomic.
	var ref atomic.Pointer[agent.Agent]
	devCli, err := mqtt.NewPahoClient(mqtt.Config{Broker: broker, ClientID: "device-1"}, func(up bool) {
		if a := ref.Load(); a != nil {
			a.SetConnected(up)
		}
	})
	if err != nil {
		t.Fatalf("device mqtt client: %v", err)
	}
	defer devCli.Close()

	dir := t.TempDir()
	a, err := agent.New(agent.Config{
		Executor:  executor.Config{DeviceID: "device-1", TickIntervalMinutes: 30, MaxRateKW: 10},
		CachePath: filepath.Join(dir, "cache.db"),
		QueuePath: filepath.Join(dir, "acks.jsonl"),
		Battery:   agent.BatteryConfig{MaxRateKW: 10, CapacityKWh: 40, InitialSoC: 0.5},
	}, devCli, logger.NopLogger{})
	if err != nil {
		t.Fatalf("agent: %v", err)
	}
	ref.Store(a)
	a.SetConnected(true)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = a.Run(runCtx) }()

	start := time.Now().UTC().Truncate(30 * time.Minute)
	entries := []model.ScheduleEntry{
		{StartTime: start, EndTime: start.Add(30 * time.Minute), Mode: model.ModeCharge, RateKW: 5},
	}
	version, err := coord.Submit(ctx, "device-1", entries)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Wait for the notification to cross the broker and be applied.
	deadline := time.Now().Add(10 * time.Second)
	for a.State() != executor.StateSynchronized {
		if time.Now().After(deadline) {
			t.Fatalf("schedule was not applied, state=%s", a.State())
		}
		time.Sleep(50 * time.Millisecond)
	}

	if err := a.Tick(ctx, start.Add(time.Minute)); err != nil {
		t.Fatalf("tick: %v", err)
	}

	// The ack travels device -> broker -> processor -> store.
	deadline = time.Now().Add(10 * time.Second)
	for {
		recs, err := st.Records(ctx, "device-1")
		if err != nil {
			t.Fatalf("records: %v", err)
		}
		if len(recs) == 1 {
			if recs[0].ScheduleVersion != version || recs[0].Outcome != model.OutcomeSuccess {
				t.Fatalf("record = %+v", recs[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("execution record never arrived")
		}
		time.Sleep(100 * time.Millisecond)
	}
}
