package config

import (
	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "caretide.db")

	// Server defaults
	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:5173"})

	// Outreach defaults: one caregiver at a time, 10 minute response window
	v.SetDefault("outreach.wave_size", 1)
	v.SetDefault("outreach.wave_timeout_seconds", 600)
	v.SetDefault("outreach.urgent_wave_size", 3)
	v.SetDefault("outreach.urgent_threshold_minutes", 120)
	v.SetDefault("outreach.send_retries", 3)
	v.SetDefault("outreach.send_backoff_seconds", 2)

	// Escalation defaults
	v.SetDefault("escalation.age_fraction", 0.75)
	v.SetDefault("escalation.dispatcher_target", "dispatch@agency")

	// Gateway defaults
	v.SetDefault("gateway.max_sends_per_minute", 60)
}
