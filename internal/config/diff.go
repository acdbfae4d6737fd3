package config

import (
	"strings"

	logx "agenda/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections plus safe
// structured attrs for logging the new values.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 12)

	if oldCfg.Logging.Level != newCfg.Logging.Level ||
		oldCfg.Logging.Console != newCfg.Logging.Console ||
		oldCfg.Logging.File.Enabled != newCfg.Logging.File.Enabled ||
		strings.TrimSpace(oldCfg.Logging.File.Path) != strings.TrimSpace(newCfg.Logging.File.Path) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Storage changes only take effect on restart; still worth surfacing.
	if strings.TrimSpace(oldCfg.Storage.Driver) != strings.TrimSpace(newCfg.Storage.Driver) ||
		strings.TrimSpace(oldCfg.Storage.Path) != strings.TrimSpace(newCfg.Storage.Path) ||
		strings.TrimSpace(oldCfg.Storage.BusyTimeout) != strings.TrimSpace(newCfg.Storage.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.String("storage.path", strings.TrimSpace(newCfg.Storage.Path)),
		)
	}

	if oldCfg.Runner.Enabled != newCfg.Runner.Enabled ||
		strings.TrimSpace(oldCfg.Runner.PollInterval) != strings.TrimSpace(newCfg.Runner.PollInterval) ||
		oldCfg.Runner.MaxDispatch != newCfg.Runner.MaxDispatch ||
		strings.TrimSpace(oldCfg.Runner.DispatchTimeout) != strings.TrimSpace(newCfg.Runner.DispatchTimeout) ||
		strings.TrimSpace(oldCfg.Runner.Timezone) != strings.TrimSpace(newCfg.Runner.Timezone) {
		changed = append(changed, "runner")
		attrs = append(attrs,
			logx.Bool("runner.enabled", newCfg.Runner.Enabled),
			logx.String("runner.poll_interval", strings.TrimSpace(newCfg.Runner.PollInterval)),
			logx.Int("runner.max_dispatch", newCfg.Runner.MaxDispatch),
			logx.String("runner.timezone", strings.TrimSpace(newCfg.Runner.Timezone)),
		)
	}

	if oldCfg.Debug.Enabled != newCfg.Debug.Enabled ||
		strings.TrimSpace(oldCfg.Debug.Addr) != strings.TrimSpace(newCfg.Debug.Addr) {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", strings.TrimSpace(newCfg.Debug.Addr)),
		)
	}

	return changed, attrs
}
