package queue

import (
	"context"
	"testing"
)

func TestSettingsDefaults(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	set, err := s.Settings(ctx, testProject)
	if err != nil {
		t.Fatalf("Settings: %v", err)
	}
	if set.Paused || !set.AutoRun {
		t.Fatalf("defaults = %+v, want running with auto-run on", set)
	}

	paused, err := s.IsPaused(ctx, testProject)
	if err != nil || paused {
		t.Fatalf("IsPaused = (%v, %v), want (false, nil)", paused, err)
	}
	autoRun, err := s.IsAutoRun(ctx, testProject)
	if err != nil || !autoRun {
		t.Fatalf("IsAutoRun = (%v, %v), want (true, nil)", autoRun, err)
	}
}

func TestSetPausedPreservesAutoRun(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := s.SetAutoRun(ctx, testProject, false); err != nil {
		t.Fatalf("SetAutoRun: %v", err)
	}
	set, err := s.SetPaused(ctx, testProject, true)
	if err != nil {
		t.Fatalf("SetPaused: %v", err)
	}
	if !set.Paused || set.AutoRun {
		t.Fatalf("settings = %+v, want paused with auto-run still off", set)
	}

	set, err = s.SetPaused(ctx, testProject, false)
	if err != nil {
		t.Fatalf("SetPaused: %v", err)
	}
	if set.Paused || set.AutoRun {
		t.Fatalf("settings = %+v, auto-run flipped by pause toggle", set)
	}
}

func TestSetAutoRunPreservesPaused(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := s.SetPaused(ctx, testProject, true); err != nil {
		t.Fatalf("SetPaused: %v", err)
	}
	set, err := s.SetAutoRun(ctx, testProject, false)
	if err != nil {
		t.Fatalf("SetAutoRun: %v", err)
	}
	if !set.Paused || set.AutoRun {
		t.Fatalf("settings = %+v, want still paused with auto-run off", set)
	}

	// First write on a fresh project creates the row with defaults for the
	// sibling column.
	set, err = s.SetAutoRun(ctx, "/srv/other", false)
	if err != nil {
		t.Fatalf("SetAutoRun: %v", err)
	}
	if set.Paused || set.AutoRun {
		t.Fatalf("fresh project settings = %+v, want unpaused with auto-run off", set)
	}
}
