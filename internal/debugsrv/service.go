// Package debugsrv serves operator diagnostics on a loopback address:
// liveness, pprof, and a JSON snapshot of the runner and queue. It carries
// no auth, so non-loopback binds are refused outright.
package debugsrv

import (
	"context"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"agenda/internal/queue"
	"agenda/internal/runner"
	rtsup "agenda/internal/runtime/supervisor"
	"agenda/internal/storage"
	logx "agenda/pkg/logx"
)

type Config struct {
	Enabled bool
	Addr    string // default 127.0.0.1:6060
}

// Sources are the live components the diagnostics document reads from.
// Any of them may be nil; the corresponding section is omitted.
type Sources struct {
	Runner *runner.Service
	Sup    *rtsup.Supervisor
	Store  *queue.Store
	DB     *storage.DB
}

type Service struct {
	mu  sync.Mutex
	log logx.Logger
	cfg Config
	src Sources

	started  time.Time
	ln       net.Listener
	srv      *http.Server
	stopDone chan struct{}
}

func New(cfg Config, log logx.Logger, src Sources) *Service {
	return &Service{cfg: cfg, log: log, src: src}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Addr returns the bound listen address, or "" when not running.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Reconfigure applies cfg and starts, stops, or restarts the server as
// needed. Safe to call during hot-reload.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	running := s.srv != nil
	s.cfg = cfg
	s.mu.Unlock()

	if !cfg.Enabled {
		if running {
			s.Stop(ctx)
		}
		return
	}
	if !running {
		s.Start(ctx)
		return
	}
	if normalizeAddr(prev.Addr) != normalizeAddr(cfg.Addr) {
		s.Stop(ctx)
		s.Start(ctx)
	}
}

func (s *Service) Start(ctx context.Context) {
	for {
		s.mu.Lock()
		if s.srv != nil {
			s.mu.Unlock()
			return
		}
		// A stop in progress must finish before we listen again.
		if s.stopDone != nil {
			done := s.stopDone
			s.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return
			}
			continue
		}
		cur := s.cfg
		s.mu.Unlock()

		if !cur.Enabled {
			return
		}

		addr := normalizeAddr(cur.Addr)
		if !isLoopbackAddr(addr) {
			s.log.Error("debug server refused to start: loopback address required",
				logx.String("addr", addr))
			return
		}

		ln, err := net.Listen("tcp", addr)
		if err != nil {
			s.log.Error("debug server listen failed",
				logx.String("addr", addr), logx.Err(err))
			return
		}

		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", s.handleHealthz)
		mux.HandleFunc("/debug/agenda", s.handleDiagnostics)
		mux.HandleFunc("/debug/pprof/", hpprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", hpprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", hpprof.Trace)

		srv := &http.Server{
			Handler: mux,
			// WriteTimeout stays 0: profile and trace responses stream
			// for tens of seconds.
			ReadHeaderTimeout: 5 * time.Second,
		}

		s.mu.Lock()
		s.ln = ln
		s.srv = srv
		s.started = time.Now()
		s.mu.Unlock()

		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Error("debug server stopped with error", logx.Err(err))
			}
		}()

		s.log.Info("debug server started", logx.String("addr", ln.Addr().String()))
		return
	}
}

func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.srv == nil {
		s.mu.Unlock()
		return
	}
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
	srv := s.srv
	ln := s.ln
	s.srv = nil
	s.ln = nil
	s.mu.Unlock()

	// Close the listener even if Shutdown gets stuck.
	if ln != nil {
		_ = ln.Close()
	}

	go func() {
		defer close(done)
		_ = srv.Shutdown(ctx)
		_ = srv.Close()
		s.mu.Lock()
		s.stopDone = nil
		s.mu.Unlock()
		s.log.Info("debug server stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}

func normalizeAddr(addr string) string {
	a := strings.TrimSpace(addr)
	if a == "" {
		return "127.0.0.1:6060"
	}
	return a
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// Empty host means all interfaces.
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}
