// Package config manages the dispatch engine configuration: TOML files
// loaded through Viper, environment overrides, persistence, and live reload.
package config

// Config represents the core dispatch engine configuration
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database"`
	Server     ServerConfig     `mapstructure:"server"`
	Outreach   OutreachConfig   `mapstructure:"outreach"`
	Escalation EscalationConfig `mapstructure:"escalation"`
	Gateway    GatewayConfig    `mapstructure:"gateway"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig configures the operator/webhook HTTP server
type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Server port constants
const (
	// DefaultServerPort is the development port (above privileged range)
	DefaultServerPort = 8731
)

// OutreachConfig configures wave construction and offer delivery.
//
// The default policy offers to one caregiver at a time in priority order.
// When a shift's fill deadline is closer than UrgentThresholdMinutes, the
// broader simultaneous-offer policy (UrgentWaveSize) is selected instead.
type OutreachConfig struct {
	WaveSize               int `mapstructure:"wave_size"`                // candidates offered per wave (default: 1)
	WaveTimeoutSeconds     int `mapstructure:"wave_timeout_seconds"`     // response deadline per wave (default: 600)
	UrgentWaveSize         int `mapstructure:"urgent_wave_size"`         // wave size for urgent shifts (default: 3)
	UrgentThresholdMinutes int `mapstructure:"urgent_threshold_minutes"` // fill deadline proximity that marks a shift urgent (default: 120)
	SendRetries            int `mapstructure:"send_retries"`             // delivery attempts per offer before giving up (default: 3)
	SendBackoffSeconds     int `mapstructure:"send_backoff_seconds"`     // initial retry backoff, doubled per attempt (default: 2)
}

// EscalationConfig configures dispatcher notification thresholds
type EscalationConfig struct {
	// AgeFraction is the fraction of the interval between shift creation and
	// shift start after which a still-open shift escalates (default: 0.75)
	AgeFraction float64 `mapstructure:"age_fraction"`
	// DispatcherTarget is the contact address for human dispatcher notices
	DispatcherTarget string `mapstructure:"dispatcher_target"`
}

// GatewayConfig configures the outbound messaging path
type GatewayConfig struct {
	MaxSendsPerMinute int `mapstructure:"max_sends_per_minute"` // outbound rate limit (default: 60)
}
