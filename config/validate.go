package config

import "github.com/caretide/dispatch/errors"

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	// Database path is optional - empty defaults to "caretide.db" per defaults.go

	if c.Server.Port <= 0 {
		return errors.Newf("server.port must be positive, got %d", c.Server.Port)
	}

	if c.Outreach.WaveSize <= 0 {
		return errors.Newf("outreach.wave_size must be > 0, got %d", c.Outreach.WaveSize)
	}
	if c.Outreach.UrgentWaveSize < c.Outreach.WaveSize {
		return errors.Newf("outreach.urgent_wave_size must be >= outreach.wave_size, got %d < %d",
			c.Outreach.UrgentWaveSize, c.Outreach.WaveSize)
	}
	if c.Outreach.WaveTimeoutSeconds <= 0 {
		return errors.Newf("outreach.wave_timeout_seconds must be > 0, got %d", c.Outreach.WaveTimeoutSeconds)
	}
	if c.Outreach.UrgentThresholdMinutes < 0 {
		return errors.Newf("outreach.urgent_threshold_minutes must be >= 0, got %d", c.Outreach.UrgentThresholdMinutes)
	}

	// Send retries: 0 = single attempt, negative = invalid
	if c.Outreach.SendRetries < 0 {
		return errors.Newf("outreach.send_retries must be >= 0, got %d", c.Outreach.SendRetries)
	}
	if c.Outreach.SendBackoffSeconds < 0 {
		return errors.Newf("outreach.send_backoff_seconds must be >= 0, got %d", c.Outreach.SendBackoffSeconds)
	}

	if c.Escalation.AgeFraction <= 0 || c.Escalation.AgeFraction > 1 {
		return errors.Newf("escalation.age_fraction must be in (0, 1], got %f", c.Escalation.AgeFraction)
	}
	if c.Escalation.DispatcherTarget == "" {
		return errors.New("escalation.dispatcher_target cannot be empty")
	}

	if c.Gateway.MaxSendsPerMinute <= 0 {
		return errors.Newf("gateway.max_sends_per_minute must be > 0, got %d", c.Gateway.MaxSendsPerMinute)
	}

	return nil
}
