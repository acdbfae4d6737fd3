// Package clock provides the time source injected into the queue.
//
// FIFO ordering within a priority band relies on CreatedAt being strictly
// increasing per process even after the value is persisted at millisecond
// granularity, so the wall clock is wrapped instead of read directly.
package clock

import (
	"sync"
	"time"
)

// Clock is an injectable time source. Implementations must be safe for
// concurrent use.
type Clock interface {
	Now() time.Time
}

// System returns a wall clock whose Now never repeats or goes backwards.
// Values are truncated to milliseconds (the persistence granularity); a call
// landing on an already-returned millisecond is bumped forward by 1ms.
func System() Clock { return &system{} }

type system struct {
	mu   sync.Mutex
	last time.Time
}

func (s *system) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().Truncate(time.Millisecond)
	if !now.After(s.last) {
		now = s.last.Add(time.Millisecond)
	}
	s.last = now
	return now
}

// Manual is a hand-driven clock for tests.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start.Truncate(time.Millisecond)}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.now = t.Truncate(time.Millisecond)
	m.mu.Unlock()
}

// Advance moves the clock forward by d and returns the new time.
func (m *Manual) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	m.now = m.now.Add(d)
	t := m.now
	m.mu.Unlock()
	return t
}
