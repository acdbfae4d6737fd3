package queue

import (
	"context"
	"database/sql"
	"errors"
)

// querier covers *sql.DB and *sql.Tx for single-row reads.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// readSettings returns the project's settings row, or the defaults
// (running, auto-run on) when none exists.
func readSettings(ctx context.Context, q querier, project string) (Settings, error) {
	var paused, autoRun int
	err := q.QueryRowContext(ctx,
		`SELECT paused, auto_run FROM queue_settings WHERE project_path = ?`, project).
		Scan(&paused, &autoRun)
	if errors.Is(err, sql.ErrNoRows) {
		return defaultSettings(), nil
	}
	if err != nil {
		return Settings{}, err
	}
	return Settings{Paused: paused != 0, AutoRun: autoRun != 0}, nil
}

// Settings returns the project's queue settings.
func (s *Store) Settings(ctx context.Context, project string) (Settings, error) {
	return readSettings(ctx, s.db, project)
}

func (s *Store) IsPaused(ctx context.Context, project string) (bool, error) {
	set, err := s.Settings(ctx, project)
	return set.Paused, err
}

func (s *Store) IsAutoRun(ctx context.Context, project string) (bool, error) {
	set, err := s.Settings(ctx, project)
	return set.AutoRun, err
}

// SetPaused flips the paused flag, leaving auto_run untouched. A missing
// row is created with the default auto_run value.
func (s *Store) SetPaused(ctx context.Context, project string, paused bool) (Settings, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO queue_settings(project_path, paused, auto_run) VALUES(?, ?, 1)
		 ON CONFLICT(project_path) DO UPDATE SET paused = excluded.paused`,
		project, boolInt(paused))
	if err != nil {
		return Settings{}, err
	}
	set, err := s.Settings(ctx, project)
	if err != nil {
		return Settings{}, err
	}
	s.publish(EventQueuePaused, project, SettingsEvent{Settings: set})
	return set, nil
}

// SetAutoRun flips the auto_run flag, leaving paused untouched.
func (s *Store) SetAutoRun(ctx context.Context, project string, autoRun bool) (Settings, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO queue_settings(project_path, paused, auto_run) VALUES(?, 0, ?)
		 ON CONFLICT(project_path) DO UPDATE SET auto_run = excluded.auto_run`,
		project, boolInt(autoRun))
	if err != nil {
		return Settings{}, err
	}
	set, err := s.Settings(ctx, project)
	if err != nil {
		return Settings{}, err
	}
	s.publish(EventQueueAutoRun, project, SettingsEvent{Settings: set})
	return set, nil
}
