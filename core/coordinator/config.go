package coordinator

// Config defines coordinator tuning parameters loaded from configuration.
type Config struct {
	// DefaultMaxRateKW bounds rate_kw for devices without a registered limit.
	DefaultMaxRateKW float64 `json:"default_max_rate_kw"`
	// NotifyRetries is the number of background republish attempts after a
	// failed change notification.
	NotifyRetries int `json:"notify_retries"`
	// NotifyBackoffMS is the initial backoff between republish attempts.
	NotifyBackoffMS int `json:"notify_backoff_ms"`
	// DeviceRates maps device IDs to their maximum rate in kW.
	DeviceRates map[string]float64 `json:"device_rates"`
}

// SetDefaults fills unset fields with sane defaults.
func (c *Config) SetDefaults() {
	if c.DefaultMaxRateKW <= 0 {
		c.DefaultMaxRateKW = 1000
	}
	if c.NotifyRetries <= 0 {
		c.NotifyRetries = 10
	}
	if c.NotifyBackoffMS <= 0 {
		c.NotifyBackoffMS = 1000
	}
}
