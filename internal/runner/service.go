package runner

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"agenda/internal/eventbus"
	"agenda/internal/queue"
	rtsup "agenda/internal/runtime/supervisor"
	logx "agenda/pkg/logx"
)

// Service owns the poll loop. Start and Stop are idempotent; Apply
// hot-reloads the config between sweeps.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	store  *queue.Store
	engine *queue.Engine
	disp   Dispatcher

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	warn *rate.Limiter

	ticks      uint64
	spawned    uint64
	dispatched uint64
	failures   uint64
	lastErr    atomic.Value // error
}

type Options struct {
	Logger logx.Logger

	// Bus, when set, wakes the loop early on task.created and on
	// pause/autorun toggles instead of waiting out the poll interval.
	Bus eventbus.Bus

	// Dispatcher executes ready tasks. nil keeps the runner
	// recurrence-only.
	Dispatcher Dispatcher
}

func New(cfg Config, store *queue.Store, engine *queue.Engine, opts Options) *Service {
	if engine == nil {
		engine = queue.NewEngine(store, queue.EngineOptions{})
	}
	return &Service{
		cfg:    cfg.withDefaults(),
		log:    opts.Logger,
		bus:    opts.Bus,
		store:  store,
		engine: engine,
		disp:   opts.Dispatcher,
		warn:   rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	cfg := s.cfg
	if !cfg.Enabled {
		s.mu.Unlock()
		return
	}

	// Start is idempotent.
	if s.stopCh != nil {
		// If stopping, wait for it to finish before restarting.
		done := s.stopDone
		s.mu.Unlock()
		if done != nil {
			select {
			case <-done:
			case <-ctx.Done():
				return
			}
		} else {
			return
		}
		s.mu.Lock()
		if s.stopCh != nil {
			s.mu.Unlock()
			return
		}
	}

	s.stopCh = make(chan struct{})
	s.stopDone = nil
	stopCh := s.stopCh
	hasDisp := s.disp != nil

	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "runner"))),
		// A failing sweep should self-heal, not take the daemon down.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	sup.GoRestart("runner.loop", func(c context.Context) error {
		return s.loop(c, stopCh)
	}, rtsup.WithPublishFirstError(true))

	s.log.Info("runner started",
		logx.Duration("poll_interval", cfg.PollInterval),
		logx.Int("max_dispatch", cfg.MaxDispatch),
		logx.Bool("dispatcher", hasDisp))
}

func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	// Already stopping: wait.
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	s.mu.Unlock()

	if sup != nil {
		sup.Cancel()
	}

	go func() {
		// Wait unbounded in background; the caller can still time out.
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.mu.Lock()
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("runner stopped")
	case <-ctx.Done():
		s.log.Warn("runner stop timed out", logx.Err(ctx.Err()))
	}
}

// Apply installs a new config. Enabled transitions start or stop the
// loop; interval and dispatch settings take effect on the next sweep.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	if running && !cfg.Enabled {
		s.Stop(ctx)
		return
	}
	if !running && cfg.Enabled {
		s.Start(ctx)
	}
}

func (s *Service) loop(ctx context.Context, stopCh <-chan struct{}) error {
	s.mu.Lock()
	interval := s.cfg.PollInterval
	bus := s.bus
	s.mu.Unlock()

	var poke <-chan eventbus.Event
	if bus != nil {
		ch, unsub := bus.SubscribeTypes(16,
			queue.EventTaskCreated, queue.EventQueuePaused, queue.EventQueueAutoRun)
		defer unsub()
		poke = ch
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Sweep immediately so a restart does not sit on overdue templates.
	s.runOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stopCh:
			return nil
		case <-ticker.C:
		case <-poke:
			// Coalesce event bursts into one sweep. The loop is the only
			// receiver, so a positive len cannot block.
			for len(poke) > 0 {
				<-poke
			}
		}
		s.runOnce(ctx)

		s.mu.Lock()
		if d := s.cfg.PollInterval; d != interval && d > 0 {
			interval = d
			ticker.Reset(interval)
		}
		s.mu.Unlock()
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	running := s.stopCh != nil && s.stopDone == nil
	hasDisp := s.disp != nil
	s.mu.Unlock()

	snap := Snapshot{
		Enabled:         cfg.Enabled,
		Running:         running,
		Dispatcher:      hasDisp,
		PollInterval:    cfg.PollInterval,
		MaxDispatch:     cfg.MaxDispatch,
		DispatchTimeout: cfg.DispatchTimeout,
		Ticks:           atomic.LoadUint64(&s.ticks),
		Spawned:         atomic.LoadUint64(&s.spawned),
		Dispatched:      atomic.LoadUint64(&s.dispatched),
		Failures:        atomic.LoadUint64(&s.failures),
	}
	if err, ok := s.lastErr.Load().(error); ok && err != nil {
		snap.LastError = err.Error()
	}
	return snap
}
