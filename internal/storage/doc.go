// Package storage opens and migrates the SQLite database backing the task
// queues.
//
// All queue state lives in one file:
//   - tasks (every project's graph, recurring templates included)
//   - queue_settings (per-project paused/auto_run flags)
//
// Projects are scoped by column, not by filename, so cross-project scans
// are a single query.
package storage
