// Package app wires the agenda daemon together: config manager, logging,
// storage, the task queue, the recurrence engine, the runner and the debug
// server, all under one supervisor with hot config reload.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"agenda/internal/config"
	"agenda/internal/debugsrv"
	"agenda/internal/eventbus"
	"agenda/internal/queue"
	"agenda/internal/runner"
	rtsup "agenda/internal/runtime/supervisor"
	"agenda/internal/storage"
	logx "agenda/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service

	db     *storage.DB
	bus    eventbus.Bus
	store  *queue.Store
	engine *queue.Engine
	run    *runner.Service
	dbg    *debugsrv.Service
}

// New loads the config at cfgPath and builds every component. Nothing is
// started yet; call Start. disp may be nil, which leaves the runner
// recurrence-only (templates still spawn, nothing gets executed).
func New(cfgPath string, disp runner.Dispatcher) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	db, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	loc, err := runnerLocation(cfg)
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()

	store := queue.NewStore(db, queue.StoreOptions{
		Log:      log.With(logx.String("comp", "queue")),
		Bus:      bus,
		Location: loc,
	})
	engine := queue.NewEngine(store, queue.EngineOptions{
		Log:      log.With(logx.String("comp", "recurrence")),
		Location: loc,
	})

	rcfg, err := mapRunnerConfig(cfg)
	if err != nil {
		return nil, err
	}
	run := runner.New(rcfg, store, engine, runner.Options{
		Logger:     log.With(logx.String("comp", "runner")),
		Bus:        bus,
		Dispatcher: disp,
	})

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logs,
		db:      db,
		bus:     bus,
		store:   store,
		engine:  engine,
		run:     run,
	}, nil
}

// Queue exposes the task store so an embedding process can enqueue and
// inspect work directly.
func (a *App) Queue() *queue.Store { return a.store }

// Recurrence exposes the template engine (next-occurrence math, manual
// sweeps).
func (a *App) Recurrence() *queue.Engine { return a.engine }

func (a *App) Runner() *runner.Service { return a.run }

func (a *App) Bus() eventbus.Bus { return a.bus }

// Done is closed when the app supervisor context is canceled (fatal error
// or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// Transactional config reload: validate before commit/publish.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return config.Validate(cfg)
	})

	// Built here rather than in New so its diagnostics can reach the
	// supervisor counters.
	a.dbg = debugsrv.New(mapDebugConfig(a.cfgm.Get()), a.log.With(logx.String("comp", "debug")), debugsrv.Sources{
		Runner: a.run,
		Sup:    a.sup,
		Store:  a.store,
		DB:     a.db,
	})

	if a.run.Enabled() {
		a.run.Start(a.sup.Context())
	}
	if a.dbg.Enabled() {
		a.dbg.Start(a.sup.Context())
	}

	// Hot reload fan-out.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				prev := lastApplied
				lastApplied = newCfg

				sections, attrs := config.SummarizeChange(prev, newCfg)
				if len(sections) == 0 {
					a.log.Debug("config reload received, but no effective changes detected")
					a.log.Info("config reloaded (no changes)")
					continue
				}

				// Storage and the cron fallback zone are fixed at startup.
				for _, s := range sections {
					if s == "storage" {
						a.log.Warn("storage config changed; restart required for changes to take effect")
						break
					}
				}
				if strings.TrimSpace(prev.Runner.Timezone) != strings.TrimSpace(newCfg.Runner.Timezone) {
					a.log.Warn("runner timezone changed; restart required for changes to take effect")
				}

				a.logs.Apply(mapLoggingConfig(newCfg))

				rcfg, err := mapRunnerConfig(newCfg)
				if err != nil {
					// Validate gates reloads, so only a first Load raced by an
					// edit can get here.
					a.log.Warn("invalid runner config; keeping previous", logx.Err(err))
				} else {
					a.run.Apply(c, rcfg)
				}

				a.dbg.Reconfigure(c, mapDebugConfig(newCfg))

				fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
				a.log.Info("config reloaded", fields...)
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.String("config", a.cfgPath))
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Bound each shutdown step so one component cannot stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// Respect the caller's deadline; never extend it.
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			// The step must honor its context; watch for the leak if it did not.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Err(stepCtx.Err()))
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline",
						logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline",
						logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	step("runner", 3*time.Second, func(c context.Context) error { a.run.Stop(c); return nil })
	step("debug", 1*time.Second, func(c context.Context) error {
		if a.dbg != nil {
			a.dbg.Stop(c)
		}
		return nil
	})
	step("storage", 1*time.Second, func(context.Context) error { return a.db.Close() })

	// Finally, wait for supervised goroutines (config watch/reload, runner loop).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
