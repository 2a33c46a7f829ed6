package agent

import (
	"fmt"

	"github.com/gridpulse/fleetsched/device/executor"
)

// Config defines the device agent parameters.
type Config struct {
	Executor executor.Config `json:"executor"`
	// CachePath is the sqlite file holding the local schedule cache.
	CachePath string `json:"cache_path"`
	// QueuePath is the append-only file holding undelivered acknowledgements.
	QueuePath string `json:"queue_path"`
	// FetchTimeoutMS bounds one schedule fetch round trip.
	FetchTimeoutMS int `json:"fetch_timeout_ms"`
	// AckBackoffBaseMS and AckBackoffCapMS shape ack delivery retries.
	AckBackoffBaseMS int `json:"ack_backoff_base_ms"`
	AckBackoffCapMS  int `json:"ack_backoff_cap_ms"`
	// HealthIntervalS is the period of the health log line. 0 disables it.
	HealthIntervalS int `json:"health_interval_s"`

	Battery BatteryConfig `json:"battery"`
}

// BatteryConfig describes the simulated battery backing the agent.
type BatteryConfig struct {
	MaxRateKW   float64 `json:"max_rate_kw"`
	CapacityKWh float64 `json:"capacity_kwh"`
	InitialSoC  float64 `json:"initial_soc"`
}

// SetDefaults fills unset fields with sane defaults.
func (c *Config) SetDefaults() {
	c.Executor.SetDefaults()
	if c.CachePath == "" {
		c.CachePath = "device-cache.db"
	}
	if c.QueuePath == "" {
		c.QueuePath = "device-acks.jsonl"
	}
	if c.FetchTimeoutMS <= 0 {
		c.FetchTimeoutMS = 10000
	}
	if c.AckBackoffBaseMS <= 0 {
		c.AckBackoffBaseMS = 1000
	}
	if c.AckBackoffCapMS <= 0 {
		c.AckBackoffCapMS = 300000
	}
	if c.HealthIntervalS < 0 {
		c.HealthIntervalS = 0
	}
	if c.Battery.MaxRateKW <= 0 {
		c.Battery.MaxRateKW = c.Executor.MaxRateKW
	}
	if c.Battery.CapacityKWh <= 0 {
		c.Battery.CapacityKWh = 100
	}
	if c.Battery.InitialSoC <= 0 {
		c.Battery.InitialSoC = 0.5
	}
}

// Validate checks the required fields.
func (c Config) Validate() error {
	if c.Executor.DeviceID == "" {
		return fmt.Errorf("agent: executor.device_id is required")
	}
	return nil
}
