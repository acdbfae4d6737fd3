package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"agenda/internal/clock"
	"agenda/internal/eventbus"
	"agenda/internal/storage"
	logx "agenda/pkg/logx"
)

// Store owns task records and the dependency graph. All operations are
// scoped by project path; every multi-statement mutation executes inside a
// single transaction.
type Store struct {
	db  *storage.DB
	log logx.Logger
	bus eventbus.Bus
	clk clock.Clock
	loc *time.Location
}

// StoreOptions carries the store's collaborators. Zero values are usable:
// logging is dropped, no events are published, the system clock is used and
// cron rules without a timezone evaluate in server-local time.
type StoreOptions struct {
	Log      logx.Logger
	Bus      eventbus.Bus
	Clock    clock.Clock
	Location *time.Location
}

func NewStore(db *storage.DB, opts StoreOptions) *Store {
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.System()
	}
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	return &Store{db: db, log: log, bus: opts.Bus, clk: clk, loc: loc}
}

func (s *Store) publish(typ, project string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Project: project, Time: s.clk.Now(), Data: data})
}

func newTaskID() string { return uuid.Must(uuid.NewV7()).String() }

// AddTask creates a plain task or a recurring template. Dependency ids that
// do not exist in the project are dropped silently; the surviving edges are
// mirrored onto the referenced tasks in the same transaction.
func (s *Store) AddTask(ctx context.Context, project string, p CreateTaskParams) (*Task, error) {
	desc := strings.TrimSpace(p.Description)
	if desc == "" {
		return nil, ErrDescriptionRequired
	}
	prio := Priority(strings.TrimSpace(string(p.Priority)))
	if prio == "" {
		prio = PriorityNormal
	}

	now := s.clk.Now()
	t := Task{
		ID:          newTaskID(),
		ProjectPath: project,
		Description: desc,
		Status:      StatusPending,
		Priority:    prio,
		Assignee:    strings.TrimSpace(p.Assignee),
		ProjectID:   strings.TrimSpace(p.ProjectID),
		CreatedAt:   now,
	}

	if p.Recurrence != nil {
		rec := p.Recurrence.clone()
		rec.OccurrenceCount = 0
		rec.ParentID = ""
		if err := validateRecurrence(rec); err != nil {
			return nil, err
		}
		t.Recurring = true
		t.Recurrence = rec
		next, ok, err := NextOccurrence(*rec, now, s.loc)
		if err != nil {
			return nil, err
		}
		if ok {
			t.NextRunAt = &next
		}
		// ok=false leaves NextRunAt nil: the rule expired before its first
		// occurrence and the template is stored dormant.
	}

	err := s.db.Tx(ctx, func(tx *sql.Tx) error {
		known, err := idSetTx(ctx, tx, project)
		if err != nil {
			return err
		}
		t.BlockedBy = filterRefs(p.BlockedBy, known, t.ID)
		t.Blocks = filterRefs(p.Blocks, known, t.ID)

		if err := insertTaskTx(ctx, tx, &t); err != nil {
			return err
		}
		for _, dep := range t.BlockedBy {
			if err := appendEdgeTx(ctx, tx, project, dep, colBlocks, t.ID); err != nil {
				return err
			}
		}
		for _, tgt := range t.Blocks {
			if err := appendEdgeTx(ctx, tx, project, tgt, colBlockedBy, t.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Debug("task added",
		logx.String("project", project),
		logx.String("task", t.ID),
		logx.Bool("template", t.Recurring),
	)
	s.publish(EventTaskCreated, project, TaskEvent{ID: t.ID, Status: t.Status, Priority: t.Priority})
	return &t, nil
}

// GetTask returns the task, or nil when the id does not exist. Edge lists
// are sanitized against live ids so dangling references never escape.
func (s *Store) GetTask(ctx context.Context, project, id string) (*Task, error) {
	var out *Task
	err := s.db.Tx(ctx, func(tx *sql.Tx) error {
		t, err := getTaskTx(ctx, tx, project, id)
		if err != nil || t == nil {
			return err
		}
		known, err := idSetTx(ctx, tx, project)
		if err != nil {
			return err
		}
		sanitizeEdges(t, known)
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetTasks returns every task in the project, sanitized, in creation order.
func (s *Store) GetTasks(ctx context.Context, project string) ([]Task, error) {
	var out []Task
	err := s.db.Tx(ctx, func(tx *sql.Tx) error {
		tasks, err := listTasksTx(ctx, tx, project)
		if err != nil {
			return err
		}
		out = sanitizeAll(tasks)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ResolveTaskID resolves a full id or an id prefix. An exact match wins and
// bypasses the filter; otherwise the (optionally filtered) task list is
// matched by prefix. The first return is non-nil only when exactly one task
// matched; matches carries every candidate for disambiguation.
func (s *Store) ResolveTaskID(ctx context.Context, project, prefix string, filter func(Task) bool) (*Task, []Task, error) {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return nil, nil, nil
	}
	if t, err := s.GetTask(ctx, project, prefix); err != nil {
		return nil, nil, err
	} else if t != nil {
		return t, []Task{*t}, nil
	}
	tasks, err := s.GetTasks(ctx, project)
	if err != nil {
		return nil, nil, err
	}
	var matches []Task
	for _, t := range tasks {
		if filter != nil && !filter(t) {
			continue
		}
		if strings.HasPrefix(t.ID, prefix) {
			matches = append(matches, t)
		}
	}
	if len(matches) == 1 {
		m := matches[0]
		return &m, matches, nil
	}
	return nil, matches, nil
}

// UpdateTask patches the mutable fields: status, priority, result, error,
// startedAt, completedAt. Nil fields are left untouched. Returns nil when
// the task does not exist.
func (s *Store) UpdateTask(ctx context.Context, project, id string, upd TaskUpdate) (*Task, error) {
	return s.updateTask(ctx, project, id, upd, EventTaskUpdated)
}

func (s *Store) updateTask(ctx context.Context, project, id string, upd TaskUpdate, event string) (*Task, error) {
	sets := make([]string, 0, 6)
	args := make([]any, 0, 8)
	if upd.Status != nil {
		if !upd.Status.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, *upd.Status)
		}
		sets = append(sets, "status = ?")
		args = append(args, string(*upd.Status))
	}
	if upd.Priority != nil {
		p := Priority(strings.TrimSpace(string(*upd.Priority)))
		if p == "" {
			p = PriorityNormal
		}
		sets = append(sets, "priority = ?")
		args = append(args, string(p))
	}
	if upd.Result != nil {
		sets = append(sets, "result = ?")
		args = append(args, nullStr(*upd.Result))
	}
	if upd.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, nullStr(*upd.Error))
	}
	if upd.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, upd.StartedAt.UnixMilli())
	}
	if upd.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, upd.CompletedAt.UnixMilli())
	}
	if len(sets) == 0 {
		return s.GetTask(ctx, project, id)
	}

	var out *Task
	err := s.db.Tx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE project_path = ? AND id = ?`,
			append(args, project, id)...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		t, err := getTaskTx(ctx, tx, project, id)
		if err != nil || t == nil {
			return err
		}
		known, err := idSetTx(ctx, tx, project)
		if err != nil {
			return err
		}
		sanitizeEdges(t, known)
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out != nil {
		s.publish(event, project, TaskEvent{ID: out.ID, Status: out.Status, Priority: out.Priority})
	}
	return out, nil
}

// StartTask marks the task in progress and stamps StartedAt.
func (s *Store) StartTask(ctx context.Context, project, id string) (*Task, error) {
	now := s.clk.Now()
	st := StatusInProgress
	return s.updateTask(ctx, project, id, TaskUpdate{Status: &st, StartedAt: &now}, EventTaskStarted)
}

// CompleteTask marks the task completed with its result text.
func (s *Store) CompleteTask(ctx context.Context, project, id, result string) (*Task, error) {
	now := s.clk.Now()
	st := StatusCompleted
	return s.updateTask(ctx, project, id, TaskUpdate{Status: &st, Result: &result, CompletedAt: &now}, EventTaskCompleted)
}

// FailTask marks the task failed with its error text.
func (s *Store) FailTask(ctx context.Context, project, id, msg string) (*Task, error) {
	now := s.clk.Now()
	st := StatusFailed
	return s.updateTask(ctx, project, id, TaskUpdate{Status: &st, Error: &msg, CompletedAt: &now}, EventTaskFailed)
}

// DeleteTask removes the task and strips its id from every other task's
// edge lists. Returns false when the id did not exist.
func (s *Store) DeleteTask(ctx context.Context, project, id string) (bool, error) {
	deleted := false
	err := s.db.Tx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM tasks WHERE project_path = ? AND id = ?`, project, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		deleted = true
		return stripRefsTx(ctx, tx, project, map[string]struct{}{id: {}})
	})
	if err != nil {
		return false, err
	}
	if deleted {
		s.log.Debug("task deleted", logx.String("project", project), logx.String("task", id))
		s.publish(EventTaskDeleted, project, TaskEvent{ID: id})
	}
	return deleted, nil
}

// ClearPendingTasks deletes every pending task, recurring templates
// included (a live template is a pending row). Returns the removed count.
func (s *Store) ClearPendingTasks(ctx context.Context, project string) (int, error) {
	return s.clearByStatus(ctx, project, StatusPending)
}

// ClearCompletedTasks deletes every completed task.
func (s *Store) ClearCompletedTasks(ctx context.Context, project string) (int, error) {
	return s.clearByStatus(ctx, project, StatusCompleted)
}

func (s *Store) clearByStatus(ctx context.Context, project string, status Status) (int, error) {
	removed := 0
	err := s.db.Tx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT id FROM tasks WHERE project_path = ? AND status = ?`, project, string(status))
		if err != nil {
			return err
		}
		gone := make(map[string]struct{})
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			gone[id] = struct{}{}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()
		if len(gone) == 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM tasks WHERE project_path = ? AND status = ?`, project, string(status)); err != nil {
			return err
		}
		removed = len(gone)
		return stripRefsTx(ctx, tx, project, gone)
	})
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.log.Debug("queue cleared",
			logx.String("project", project),
			logx.String("status", string(status)),
			logx.Int("removed", removed),
		)
		s.publish(EventQueueCleared, project, ClearEvent{Status: status, Removed: removed})
	}
	return removed, nil
}

// TaskCounts returns per-status totals for the project.
func (s *Store) TaskCounts(ctx context.Context, project string) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM tasks WHERE project_path = ? GROUP BY status`, project)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[Status]int, 4)
	for rows.Next() {
		var st Status
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		counts[st] = n
	}
	return counts, rows.Err()
}

// Projects lists every project path that currently has tasks.
func (s *Store) Projects(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT project_path FROM tasks ORDER BY project_path`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Snapshot reads the whole queue (sanitized tasks, settings, per-status
// counts) in one consistent view.
func (s *Store) Snapshot(ctx context.Context, project string) (*Snapshot, error) {
	snap := &Snapshot{Project: project, TakenAt: s.clk.Now()}
	err := s.db.Tx(ctx, func(tx *sql.Tx) error {
		tasks, err := listTasksTx(ctx, tx, project)
		if err != nil {
			return err
		}
		snap.Tasks = sanitizeAll(tasks)
		snap.Settings, err = readSettings(ctx, tx, project)
		if err != nil {
			return err
		}
		counts := make(map[Status]int, 4)
		for i := range snap.Tasks {
			counts[snap.Tasks[i].Status]++
		}
		snap.Counts = counts
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// ---- transaction-scoped helpers ----

func getTaskTx(ctx context.Context, tx *sql.Tx, project, id string) (*Task, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE project_path = ? AND id = ?`, project, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

func listTasksTx(ctx context.Context, tx *sql.Tx, project string) ([]Task, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE project_path = ? ORDER BY created_at ASC, id ASC`, project)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func idSetTx(ctx context.Context, tx *sql.Tx, project string) (map[string]struct{}, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM tasks WHERE project_path = ?`, project)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

func insertTaskTx(ctx context.Context, tx *sql.Tx, t *Task) error {
	blockedBy, err := jsonIDs(t.BlockedBy)
	if err != nil {
		return err
	}
	blocks, err := jsonIDs(t.Blocks)
	if err != nil {
		return err
	}
	rule, err := jsonRule(t.Recurrence)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO tasks(project_path, id, description, status, priority, result, error, assignee, project_id,
		                   blocked_by, blocks, recurring, recurrence, next_run_at, created_at, started_at, completed_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ProjectPath, t.ID, t.Description, string(t.Status), string(t.Priority),
		nullStr(t.Result), nullStr(t.Error), nullStr(t.Assignee), nullStr(t.ProjectID),
		blockedBy, blocks, boolInt(t.Recurring), rule, msPtr(t.NextRunAt),
		t.CreatedAt.UnixMilli(), msPtr(t.StartedAt), msPtr(t.CompletedAt),
	)
	return err
}
