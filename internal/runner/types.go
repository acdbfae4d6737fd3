// Package runner drives the queue in the background: every poll it sweeps
// due recurring templates into instances and, for projects with autorun
// enabled, hands ready tasks to the configured Dispatcher. Without a
// dispatcher it still runs the recurrence sweep.
package runner

import "time"

// Config is the runner section of the daemon config parsed into native
// types. The zero value is a disabled runner; enabling it picks up the
// defaults below.
type Config struct {
	Enabled bool

	// PollInterval is the sweep cadence. Default 30s.
	PollInterval time.Duration

	// MaxDispatch caps dispatches per project per sweep. Default 1.
	MaxDispatch int

	// DispatchTimeout bounds a single Dispatch call via its context.
	// Zero means unbounded.
	DispatchTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.MaxDispatch <= 0 {
		c.MaxDispatch = 1
	}
	if c.DispatchTimeout < 0 {
		c.DispatchTimeout = 0
	}
	return c
}

// Snapshot is a point-in-time view of the runner for health output.
type Snapshot struct {
	Enabled         bool          `json:"enabled"`
	Running         bool          `json:"running"`
	Dispatcher      bool          `json:"dispatcher"`
	PollInterval    time.Duration `json:"poll_interval"`
	MaxDispatch     int           `json:"max_dispatch"`
	DispatchTimeout time.Duration `json:"dispatch_timeout"`
	Ticks           uint64        `json:"ticks"`
	Spawned         uint64        `json:"spawned"`
	Dispatched      uint64        `json:"dispatched"`
	Failures        uint64        `json:"failures"`
	LastError       string        `json:"last_error,omitempty"`
}
