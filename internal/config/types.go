package config

// Config is the full daemon configuration. On disk it may be YAML or JSON;
// YAML is coerced to JSON first so both formats go through the same strict
// decoder and unknown keys are rejected early.
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`
	Runner  RunnerConfig  `json:"runner"`
	Debug   DebugConfig   `json:"debug,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "path": "/var/lib/agenda/agenda.db" }
type StorageConfig struct {
	Driver string `json:"driver,omitempty"` // default: "sqlite"
	Path   string `json:"path"`
	// BusyTimeout is a Go duration string (e.g. "5s").
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// RunnerConfig controls the queue runner loop.
//
// All durations are Go duration strings (e.g. "500ms", "30s", "1m").
type RunnerConfig struct {
	Enabled bool `json:"enabled"`

	// PollInterval is the cadence at which due recurring templates are
	// processed and ready work is pulled. Default: "30s".
	PollInterval string `json:"poll_interval,omitempty"`

	// MaxDispatch caps how many ready tasks are dispatched per project per
	// tick. Default: 1.
	MaxDispatch int `json:"max_dispatch,omitempty"`

	// DispatchTimeout bounds a single dispatch call. "0s" disables the
	// bound and is the default.
	DispatchTimeout string `json:"dispatch_timeout,omitempty"`

	// Timezone is the fallback zone for cron rules that do not carry
	// their own. Empty means server-local time.
	Timezone string `json:"timezone,omitempty"`
}

// DebugConfig controls the optional debug HTTP server (health, queue
// snapshots, pprof).
//
// Security note: prefer binding to localhost; the server carries no auth.
type DebugConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:6060"
}
