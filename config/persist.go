package config

import (
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"github.com/caretide/dispatch/errors"
)

// fileConfig mirrors Config with toml tags for persistence. Viper reads with
// mapstructure tags; writing goes through go-toml so key names stay stable.
type fileConfig struct {
	Database   fileDatabase   `toml:"database"`
	Server     fileServer     `toml:"server"`
	Outreach   fileOutreach   `toml:"outreach"`
	Escalation fileEscalation `toml:"escalation"`
	Gateway    fileGateway    `toml:"gateway"`
}

type fileDatabase struct {
	Path string `toml:"path"`
}

type fileServer struct {
	Port           int      `toml:"port"`
	AllowedOrigins []string `toml:"allowed_origins"`
}

type fileOutreach struct {
	WaveSize               int `toml:"wave_size"`
	WaveTimeoutSeconds     int `toml:"wave_timeout_seconds"`
	UrgentWaveSize         int `toml:"urgent_wave_size"`
	UrgentThresholdMinutes int `toml:"urgent_threshold_minutes"`
	SendRetries            int `toml:"send_retries"`
	SendBackoffSeconds     int `toml:"send_backoff_seconds"`
}

type fileEscalation struct {
	AgeFraction      float64 `toml:"age_fraction"`
	DispatcherTarget string  `toml:"dispatcher_target"`
}

type fileGateway struct {
	MaxSendsPerMinute int `toml:"max_sends_per_minute"`
}

// Save writes the configuration to the given path as TOML. The previous file,
// if any, is kept as a .back1 copy so a bad edit can be reverted.
func Save(cfg *Config, configPath string) error {
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "refusing to save invalid config")
	}

	if err := createBackup(configPath); err != nil {
		return err
	}

	out := fileConfig{
		Database: fileDatabase{Path: cfg.Database.Path},
		Server: fileServer{
			Port:           cfg.Server.Port,
			AllowedOrigins: cfg.Server.AllowedOrigins,
		},
		Outreach: fileOutreach{
			WaveSize:               cfg.Outreach.WaveSize,
			WaveTimeoutSeconds:     cfg.Outreach.WaveTimeoutSeconds,
			UrgentWaveSize:         cfg.Outreach.UrgentWaveSize,
			UrgentThresholdMinutes: cfg.Outreach.UrgentThresholdMinutes,
			SendRetries:            cfg.Outreach.SendRetries,
			SendBackoffSeconds:     cfg.Outreach.SendBackoffSeconds,
		},
		Escalation: fileEscalation{
			AgeFraction:      cfg.Escalation.AgeFraction,
			DispatcherTarget: cfg.Escalation.DispatcherTarget,
		},
		Gateway: fileGateway{MaxSendsPerMinute: cfg.Gateway.MaxSendsPerMinute},
	}

	data, err := toml.Marshal(out)
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}

	if dir := filepath.Dir(configPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "failed to create config directory %s", dir)
		}
	}

	// Write to a temp file first so a crash mid-write never truncates the
	// live config.
	tmp := configPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write %s", tmp)
	}
	if err := os.Rename(tmp, configPath); err != nil {
		return errors.Wrapf(err, "failed to move config into place at %s", configPath)
	}

	return nil
}

// createBackup copies the current config to .back1 before modification
func createBackup(configPath string) error {
	content, err := os.ReadFile(configPath)
	if os.IsNotExist(err) {
		return nil // No file to back up
	}
	if err != nil {
		return errors.Wrap(err, "failed to read config for backup")
	}
	if err := os.WriteFile(configPath+".back1", content, 0o644); err != nil {
		return errors.Wrap(err, "failed to write config backup")
	}
	return nil
}
