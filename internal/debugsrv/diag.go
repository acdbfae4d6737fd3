package debugsrv

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"agenda/internal/queue"
	"agenda/internal/runner"
	rtsup "agenda/internal/runtime/supervisor"
)

func (s *Service) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type projectDiag struct {
	Path     string               `json:"path"`
	Counts   map[queue.Status]int `json:"counts"`
	Settings queue.Settings       `json:"settings"`
}

type diagnostics struct {
	Now        time.Time        `json:"now"`
	Uptime     string           `json:"uptime"`
	GoVersion  string           `json:"go_version"`
	Goroutines int              `json:"goroutines"`
	Runner     *runner.Snapshot `json:"runner,omitempty"`
	Supervisor *rtsup.Counters  `json:"supervisor,omitempty"`
	DB         *sql.DBStats     `json:"db,omitempty"`
	Projects   []projectDiag    `json:"projects"`
}

func (s *Service) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	s.mu.Lock()
	src := s.src
	started := s.started
	s.mu.Unlock()

	d := diagnostics{
		Now:        time.Now().UTC(),
		Uptime:     time.Since(started).Round(time.Second).String(),
		GoVersion:  runtime.Version(),
		Goroutines: runtime.NumGoroutine(),
		Projects:   []projectDiag{},
	}
	if src.Runner != nil {
		snap := src.Runner.Snapshot()
		d.Runner = &snap
	}
	if src.Sup != nil {
		c := src.Sup.Counters()
		d.Supervisor = &c
	}
	if src.DB != nil {
		st := src.DB.Stats()
		d.DB = &st
	}
	if src.Store != nil {
		projects, err := src.Store.Projects(ctx)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		for _, p := range projects {
			pd := projectDiag{Path: p}
			if pd.Counts, err = src.Store.TaskCounts(ctx, p); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			if pd.Settings, err = src.Store.Settings(ctx, p); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			d.Projects = append(d.Projects, pd)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(d)
}
