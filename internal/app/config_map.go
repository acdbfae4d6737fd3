package app

import (
	"fmt"
	"strings"
	"time"

	"agenda/internal/config"
	"agenda/internal/debugsrv"
	"agenda/internal/runner"
	"agenda/internal/storage"
	logx "agenda/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, nil
}

func mapRunnerConfig(cfg *config.Config) (runner.Config, error) {
	poll, err := config.ParseDurationField("runner.poll_interval", cfg.Runner.PollInterval)
	if err != nil {
		return runner.Config{}, err
	}
	dispatch, err := config.ParseDurationField("runner.dispatch_timeout", cfg.Runner.DispatchTimeout)
	if err != nil {
		return runner.Config{}, err
	}
	return runner.Config{
		Enabled:         cfg.Runner.Enabled,
		PollInterval:    poll,
		MaxDispatch:     cfg.Runner.MaxDispatch,
		DispatchTimeout: dispatch,
	}, nil
}

func mapDebugConfig(cfg *config.Config) debugsrv.Config {
	return debugsrv.Config{
		Enabled: cfg.Debug.Enabled,
		Addr:    cfg.Debug.Addr,
	}
}

// runnerLocation resolves the cron fallback zone. Empty means server-local
// time; the zone is fixed for the process lifetime.
func runnerLocation(cfg *config.Config) (*time.Location, error) {
	tz := strings.TrimSpace(cfg.Runner.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("runner.timezone: invalid %q: %w", tz, err)
	}
	return loc, nil
}
