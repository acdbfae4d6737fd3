package config

import (
	"fmt"
	"strings"
	"time"
)

// Validate checks cfg field by field. It is installed as the Watch
// validator so a bad edit is rejected instead of hot-applied.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "", "trace", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level)
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		return fmt.Errorf("logging.file.path is required when file logging is enabled")
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver)
	}
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}
	if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		return err
	}

	if _, err := ParseDurationField("runner.poll_interval", cfg.Runner.PollInterval); err != nil {
		return err
	}
	if cfg.Runner.MaxDispatch < 0 {
		return fmt.Errorf("runner.max_dispatch: must not be negative, got %d", cfg.Runner.MaxDispatch)
	}
	if _, err := ParseDurationField("runner.dispatch_timeout", cfg.Runner.DispatchTimeout); err != nil {
		return err
	}
	if tz := strings.TrimSpace(cfg.Runner.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("runner.timezone: invalid %q: %w", tz, err)
		}
	}

	return nil
}
