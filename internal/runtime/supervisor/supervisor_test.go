package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within deadline")
}

func TestGoCleanExit(t *testing.T) {
	sup := New(context.Background())
	var ran atomic.Bool
	sup.Go("once", func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	if err := sup.Stop(context.Background()); err != nil {
		t.Fatalf("Stop = %v", err)
	}
	if !ran.Load() {
		t.Fatalf("goroutine never ran")
	}
	c := sup.Counters()
	if c.Started != 1 || c.Active != 0 {
		t.Fatalf("counters = %+v", c)
	}
}

func TestGoRecordsError(t *testing.T) {
	sup := New(context.Background())
	boom := errors.New("boom")
	sup.Go("fail", func(ctx context.Context) error { return boom })
	if err := sup.Wait(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Wait = %v, want %v", err, boom)
	}
}

func TestGoCancelOnError(t *testing.T) {
	sup := New(context.Background(), WithCancelOnError(true))
	sup.Go("fail", func(ctx context.Context) error { return errors.New("boom") })
	waitFor(t, func() bool { return sup.Context().Err() != nil })
}

func TestGoRecoversPanic(t *testing.T) {
	sup := New(context.Background())
	sup.Go("panics", func(ctx context.Context) error { panic("kaboom") })
	err := sup.Wait(context.Background())
	if err == nil {
		t.Fatalf("expected panic to surface as error")
	}
}

func TestGoRestartRestartsOnError(t *testing.T) {
	sup := New(context.Background())
	var runs atomic.Int32
	sup.GoRestart("flaky", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond))

	waitFor(t, func() bool { return runs.Load() >= 3 })
	if err := sup.Stop(context.Background()); err != nil {
		t.Fatalf("Stop = %v", err)
	}
}

func TestGoRestartStopsOnCancel(t *testing.T) {
	sup := New(context.Background())
	var runs atomic.Int32
	sup.GoRestart("loop", func(ctx context.Context) error {
		runs.Add(1)
		<-ctx.Done()
		return ctx.Err()
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond))

	waitFor(t, func() bool { return runs.Load() >= 1 })
	sup.Cancel()
	if err := sup.Wait(context.Background()); err != nil {
		t.Fatalf("Wait after cancel = %v", err)
	}
	if got := runs.Load(); got != 1 {
		t.Fatalf("runs = %d, want 1 (no restart after cancel)", got)
	}
}

func TestGoRestartPublishFirstError(t *testing.T) {
	sup := New(context.Background())
	var runs atomic.Int32
	sup.GoRestart("flaky", func(ctx context.Context) error {
		if runs.Add(1) == 1 {
			return errors.New("first failure")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond), WithPublishFirstError(true))

	waitFor(t, func() bool { return runs.Load() >= 2 })
	_ = sup.Stop(context.Background())
	if err := sup.Err(); err == nil || err.Error() != "flaky: first failure" {
		t.Fatalf("Err = %v", err)
	}
}
