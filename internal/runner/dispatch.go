package runner

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"agenda/internal/queue"
	logx "agenda/pkg/logx"
)

// Dispatcher executes one ready task. The returned string is stored as
// the task result on success; a non-nil error fails the task with
// err.Error() instead.
type Dispatcher interface {
	Dispatch(ctx context.Context, task queue.Task) (string, error)
}

// DispatchFunc adapts a plain function to Dispatcher.
type DispatchFunc func(ctx context.Context, task queue.Task) (string, error)

func (f DispatchFunc) Dispatch(ctx context.Context, task queue.Task) (string, error) {
	return f(ctx, task)
}

// runOnce is one sweep over every known project.
func (s *Service) runOnce(ctx context.Context) {
	atomic.AddUint64(&s.ticks, 1)

	projects, err := s.store.Projects(ctx)
	if err != nil {
		s.warnErr("project list failed", err)
		return
	}
	for _, project := range projects {
		if ctx.Err() != nil {
			return
		}
		s.runProject(ctx, project)
	}
}

func (s *Service) runProject(ctx context.Context, project string) {
	spawned, err := s.engine.ProcessDueRecurringTasks(ctx, project)
	if len(spawned) > 0 {
		atomic.AddUint64(&s.spawned, uint64(len(spawned)))
	}
	// A partial sweep still leaves ready work behind; keep dispatching.
	if err != nil {
		s.warnErr("recurring sweep failed", err, logx.String("project", project))
	}

	s.mu.Lock()
	cfg := s.cfg
	disp := s.disp
	s.mu.Unlock()
	if disp == nil {
		return
	}

	st, err := s.store.Settings(ctx, project)
	if err != nil {
		s.warnErr("settings read failed", err, logx.String("project", project))
		return
	}
	if st.Paused || !st.AutoRun {
		return
	}

	for n := 0; n < cfg.MaxDispatch; n++ {
		if ctx.Err() != nil {
			return
		}
		next, err := s.store.NextDispatchableTask(ctx, project)
		if err != nil {
			s.warnErr("next task failed", err, logx.String("project", project))
			return
		}
		if next == nil {
			return
		}
		if !s.dispatchOne(ctx, project, *next, disp, cfg.DispatchTimeout) {
			return
		}
	}
}

// dispatchOne marks the task in progress, runs the dispatcher, and writes
// the outcome back. Returns false when the sweep should stop early.
func (s *Service) dispatchOne(ctx context.Context, project string, t queue.Task, disp Dispatcher, timeout time.Duration) bool {
	started, err := s.store.StartTask(ctx, project, t.ID)
	if err != nil {
		s.warnErr("start task failed", err,
			logx.String("project", project), logx.String("task", t.ID))
		return false
	}
	if started == nil {
		// Deleted between NextTask and StartTask.
		return true
	}
	atomic.AddUint64(&s.dispatched, 1)

	dctx := ctx
	cancel := context.CancelFunc(func() {})
	if timeout > 0 {
		dctx, cancel = context.WithTimeout(ctx, timeout)
	}
	result, derr := func() (res string, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				if !s.log.IsZero() {
					s.log.Error("dispatch panicked",
						logx.String("project", project),
						logx.String("task", t.ID),
						logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())))
				}
			}
		}()
		return disp.Dispatch(dctx, *started)
	}()
	cancel()

	if derr != nil {
		atomic.AddUint64(&s.failures, 1)
		s.setLastErr(derr)
		if _, ferr := s.store.FailTask(ctx, project, t.ID, derr.Error()); ferr != nil {
			s.warnErr("fail mark failed", ferr,
				logx.String("project", project), logx.String("task", t.ID))
			return false
		}
		if !s.log.IsZero() && s.warn.Allow() {
			s.log.Warn("task dispatch failed",
				logx.String("project", project),
				logx.String("task", t.ID),
				logx.Err(derr))
		}
		return true
	}

	if _, cerr := s.store.CompleteTask(ctx, project, t.ID, result); cerr != nil {
		s.warnErr("complete mark failed", cerr,
			logx.String("project", project), logx.String("task", t.ID))
		return false
	}
	if !s.log.IsZero() {
		s.log.Debug("task dispatched",
			logx.String("project", project), logx.String("task", t.ID))
	}
	return true
}

// warnErr records err for Snapshot and logs it through the throttle.
func (s *Service) warnErr(msg string, err error, fields ...logx.Field) {
	s.setLastErr(err)
	if s.log.IsZero() || !s.warn.Allow() {
		return
	}
	s.log.Warn(msg, append(fields, logx.Err(err))...)
}

func (s *Service) setLastErr(err error) {
	if err != nil {
		s.lastErr.Store(err)
	}
}
