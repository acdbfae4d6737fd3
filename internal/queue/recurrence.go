package queue

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"agenda/internal/clock"
	"agenda/internal/eventbus"
	logx "agenda/pkg/logx"
)

// Engine advances recurring templates: it spawns due instances, moves each
// template's next run forward and terminates templates whose rule is spent.
// It shares the store's database, so every spawn is one transaction.
type Engine struct {
	store *Store
	log   logx.Logger
	clk   clock.Clock
	loc   *time.Location
}

// EngineOptions overrides the collaborators inherited from the store.
type EngineOptions struct {
	Log      logx.Logger
	Clock    clock.Clock
	Location *time.Location
}

func NewEngine(store *Store, opts EngineOptions) *Engine {
	log := opts.Log
	if log.IsZero() {
		log = store.log
	}
	clk := opts.Clock
	if clk == nil {
		clk = store.clk
	}
	loc := opts.Location
	if loc == nil {
		loc = store.loc
	}
	return &Engine{store: store, log: log, clk: clk, loc: loc}
}

// NextOccurrence computes the first occurrence of rec strictly governed by
// from: none when endAt is set and from is at or past it, none when the
// occurrence cap is reached, otherwise the next cron fire after from or
// from plus the interval. Pure; loc is the fallback location for cron rules
// without their own timezone.
func NextOccurrence(rec Recurrence, from time.Time, loc *time.Location) (time.Time, bool, error) {
	if end, ok := rec.End(); ok && !from.Before(end) {
		return time.Time{}, false, nil
	}
	if rec.MaxOccurrences > 0 && rec.OccurrenceCount >= rec.MaxOccurrences {
		return time.Time{}, false, nil
	}
	switch rec.Kind {
	case RecurrenceInterval:
		if rec.IntervalMS <= 0 {
			return time.Time{}, false, fmt.Errorf("%w: interval must be positive", ErrInvalidRecurrence)
		}
		return from.Add(rec.Interval()), true, nil
	case RecurrenceCron:
		next, err := nextCronOccurrence(rec.Cron, from, rec.Timezone, loc)
		if err != nil {
			return time.Time{}, false, err
		}
		return next, true, nil
	default:
		return time.Time{}, false, fmt.Errorf("%w: unknown kind %q", ErrInvalidRecurrence, rec.Kind)
	}
}

func validateRecurrence(r *Recurrence) error {
	switch r.Kind {
	case RecurrenceCron:
		r.Cron = strings.TrimSpace(r.Cron)
		if r.Cron == "" {
			return fmt.Errorf("%w: cron expression required", ErrInvalidRecurrence)
		}
		if _, err := cronParser.Parse(r.Cron); err != nil {
			return fmt.Errorf("%w: cron %q: %v", ErrInvalidRecurrence, r.Cron, err)
		}
	case RecurrenceInterval:
		if r.IntervalMS <= 0 {
			return fmt.Errorf("%w: interval must be positive", ErrInvalidRecurrence)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRecurrence, r.Kind)
	}
	if !ValidTimeZone(r.Timezone) {
		return fmt.Errorf("%w: unknown timezone %q", ErrInvalidRecurrence, r.Timezone)
	}
	if r.MaxOccurrences < 0 {
		return fmt.Errorf("%w: maxOccurrences must not be negative", ErrInvalidRecurrence)
	}
	return nil
}

// DueRecurringTasks returns templates whose next run is at or before now,
// soonest first.
func (e *Engine) DueRecurringTasks(ctx context.Context, project string) ([]Task, error) {
	now := e.clk.Now()
	var out []Task
	err := e.store.db.Tx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT `+taskColumns+` FROM tasks
			 WHERE project_path = ? AND recurring = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
			 ORDER BY next_run_at ASC, id ASC`,
			project, now.UnixMilli())
		if err != nil {
			return err
		}
		var due []Task
		for rows.Next() {
			t, err := scanTask(rows)
			if err != nil {
				rows.Close()
				return err
			}
			due = append(due, *t)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()
		if len(due) == 0 {
			return nil
		}
		known, err := idSetTx(ctx, tx, project)
		if err != nil {
			return err
		}
		for i := range due {
			sanitizeEdges(&due[i], known)
		}
		out = due
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CreateRecurringInstance spawns one instance from the template and
// advances or terminates the template, all in one transaction. Returns nil
// when the id is absent, not a template, or has no scheduled run.
func (e *Engine) CreateRecurringInstance(ctx context.Context, project, templateID string) (*Task, error) {
	now := e.clk.Now()
	var inst *Task
	finished := false
	occurrences := 0

	err := e.store.db.Tx(ctx, func(tx *sql.Tx) error {
		tpl, err := getTaskTx(ctx, tx, project, templateID)
		if err != nil {
			return err
		}
		if tpl == nil || !tpl.Recurring || tpl.Recurrence == nil || tpl.NextRunAt == nil {
			return nil
		}
		rec := *tpl.Recurrence

		if rec.MaxOccurrences > 0 && rec.OccurrenceCount >= rec.MaxOccurrences {
			// Only reachable on hand-edited rows; the capping spawn already
			// clears next_run_at.
			finished = true
			occurrences = rec.OccurrenceCount
			return finishTemplateTx(ctx, tx, tpl, rec, now)
		}

		childRule := rec
		childRule.ParentID = tpl.ID
		childRule.OccurrenceCount = 0
		child := Task{
			ID:          newTaskID(),
			ProjectPath: project,
			Description: tpl.Description,
			Status:      StatusPending,
			Priority:    tpl.Priority,
			Assignee:    tpl.Assignee,
			ProjectID:   tpl.ProjectID,
			Recurrence:  &childRule,
			CreatedAt:   now,
		}
		if err := insertTaskTx(ctx, tx, &child); err != nil {
			return err
		}

		rec.OccurrenceCount++
		occurrences = rec.OccurrenceCount
		next, ok, err := NextOccurrence(rec, now, e.loc)
		if err != nil {
			return err
		}
		if !ok {
			finished = true
			if err := finishTemplateTx(ctx, tx, tpl, rec, now); err != nil {
				return err
			}
		} else if err := advanceTemplateTx(ctx, tx, tpl, rec, next); err != nil {
			return err
		}
		inst = &child
		return nil
	})
	if err != nil {
		return nil, err
	}

	if inst != nil {
		e.log.Debug("recurring instance spawned",
			logx.String("project", project),
			logx.String("template", templateID),
			logx.String("instance", inst.ID),
		)
		e.publish(EventTaskSpawned, project,
			TaskEvent{ID: inst.ID, Status: inst.Status, Priority: inst.Priority, Template: templateID})
	}
	if finished {
		e.log.Info("recurrence finished",
			logx.String("project", project),
			logx.String("template", templateID),
			logx.Int("occurrences", occurrences),
		)
		e.publish(EventRecurrenceFinished, project, TaskEvent{ID: templateID, Status: StatusCompleted})
	}
	return inst, nil
}

func finishTemplateTx(ctx context.Context, tx *sql.Tx, tpl *Task, rec Recurrence, now time.Time) error {
	rule, err := jsonRule(&rec)
	if err != nil {
		return err
	}
	result := fmt.Sprintf("Recurring schedule finished after %d occurrence(s).", rec.OccurrenceCount)
	_, err = tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, result = ?, recurrence = ?, next_run_at = NULL, completed_at = ?
		 WHERE project_path = ? AND id = ?`,
		string(StatusCompleted), result, rule, now.UnixMilli(), tpl.ProjectPath, tpl.ID)
	return err
}

func advanceTemplateTx(ctx context.Context, tx *sql.Tx, tpl *Task, rec Recurrence, next time.Time) error {
	rule, err := jsonRule(&rec)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE tasks SET recurrence = ?, next_run_at = ? WHERE project_path = ? AND id = ?`,
		rule, next.UnixMilli(), tpl.ProjectPath, tpl.ID)
	return err
}

// ProcessDueRecurringTasks spawns an instance for every due template and
// returns the spawned instances. Each spawn advances or clears the
// template's next run inside its own transaction, so calling this twice in
// the same instant does not double-spawn. A failed spawn is logged and
// skipped; the rest of the batch still runs.
func (e *Engine) ProcessDueRecurringTasks(ctx context.Context, project string) ([]Task, error) {
	due, err := e.DueRecurringTasks(ctx, project)
	if err != nil {
		return nil, err
	}
	var spawned []Task
	for i := range due {
		if ctx.Err() != nil {
			return spawned, ctx.Err()
		}
		inst, err := e.CreateRecurringInstance(ctx, project, due[i].ID)
		if err != nil {
			e.log.Warn("recurring spawn failed",
				logx.String("project", project),
				logx.String("template", due[i].ID),
				logx.Err(err),
			)
			continue
		}
		if inst != nil {
			spawned = append(spawned, *inst)
		}
	}
	return spawned, nil
}

// CancelRecurringTask force-terminates a template regardless of remaining
// occurrences: status completed, next run cleared, result left untouched.
// Returns nil when the id is absent or not a template.
func (e *Engine) CancelRecurringTask(ctx context.Context, project, id string) (*Task, error) {
	now := e.clk.Now()
	var out *Task
	err := e.store.db.Tx(ctx, func(tx *sql.Tx) error {
		t, err := getTaskTx(ctx, tx, project, id)
		if err != nil {
			return err
		}
		if t == nil || !t.Recurring {
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, next_run_at = NULL, completed_at = ?
			 WHERE project_path = ? AND id = ?`,
			string(StatusCompleted), now.UnixMilli(), project, id); err != nil {
			return err
		}
		t, err = getTaskTx(ctx, tx, project, id)
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
		e.log.Info("recurrence cancelled",
			logx.String("project", project),
			logx.String("template", id),
		)
		e.publish(EventRecurrenceCancelled, project, TaskEvent{ID: id, Status: StatusCompleted})
	}
	return out, nil
}

func (e *Engine) publish(typ, project string, data any) {
	if e.store.bus == nil {
		return
	}
	e.store.bus.Publish(eventbus.Event{Type: typ, Project: project, Time: e.clk.Now(), Data: data})
}
