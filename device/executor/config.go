package executor

// Config defines executor parameters loaded from configuration.
type Config struct {
	DeviceID string `json:"device_id"`
	// TickIntervalMinutes is the wall-clock alignment of the execution
	// loop. Entries are expected to start on these boundaries.
	TickIntervalMinutes int `json:"tick_interval_minutes"`
	// MaxRateKW bounds local re-validation of fetched schedules.
	MaxRateKW float64 `json:"max_rate_kw"`
}

// SetDefaults fills unset fields with sane defaults.
func (c *Config) SetDefaults() {
	if c.TickIntervalMinutes <= 0 {
		c.TickIntervalMinutes = 30
	}
	if c.MaxRateKW <= 0 {
		c.MaxRateKW = 1000
	}
}
