// Package queue implements the per-project task graph, the readiness
// scheduler and the recurrence engine.
//
// Store owns task records and the bidirectional dependency edges
// (blockedBy/blocks), kept symmetric under every mutation. Engine turns
// cron/interval schedule templates into concrete pending instances over
// time, terminating them on expiry or occurrence limits. Per-project
// Settings carry the paused/auto_run flags callers consult before pulling
// work.
//
// All state lives in SQLite; every multi-statement mutation runs inside one
// transaction so a partially-linked graph is never observable.
package queue
