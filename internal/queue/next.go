package queue

import (
	"context"
	"database/sql"
	"sort"
)

// NextTask returns the highest-priority ready task, or nil when nothing is
// ready. A task is ready when it is pending and every task in its blockedBy
// list is completed; references to missing tasks are dropped before the
// check, so they never block. Ties break oldest-first, then by id.
//
// Recurring templates are pending rows while live and are therefore
// selectable here. Use NextDispatchableTask for work that will actually be
// executed.
func (s *Store) NextTask(ctx context.Context, project string) (*Task, error) {
	return s.nextTask(ctx, project, false)
}

// NextDispatchableTask is NextTask restricted to concrete work: recurring
// templates are passed over so a live template never shadows its own
// spawned instances, which inherit its priority and are always younger.
func (s *Store) NextDispatchableTask(ctx context.Context, project string) (*Task, error) {
	return s.nextTask(ctx, project, true)
}

func (s *Store) nextTask(ctx context.Context, project string, skipTemplates bool) (*Task, error) {
	var out *Task
	err := s.db.Tx(ctx, func(tx *sql.Tx) error {
		tasks, err := listTasksTx(ctx, tx, project)
		if err != nil {
			return err
		}
		tasks = sanitizeAll(tasks)

		completed := make(map[string]struct{})
		for i := range tasks {
			if tasks[i].Status == StatusCompleted {
				completed[tasks[i].ID] = struct{}{}
			}
		}

		var ready []Task
		for _, t := range tasks {
			if t.Status != StatusPending {
				continue
			}
			if skipTemplates && t.Recurring {
				continue
			}
			ok := true
			for _, dep := range t.BlockedBy {
				if _, done := completed[dep]; !done {
					ok = false
					break
				}
			}
			if ok {
				ready = append(ready, t)
			}
		}
		if len(ready) == 0 {
			return nil
		}

		sort.SliceStable(ready, func(i, j int) bool {
			ri, rj := ready[i].Priority.Rank(), ready[j].Priority.Rank()
			if ri != rj {
				return ri > rj
			}
			if !ready[i].CreatedAt.Equal(ready[j].CreatedAt) {
				return ready[i].CreatedAt.Before(ready[j].CreatedAt)
			}
			return ready[i].ID < ready[j].ID
		})
		head := ready[0]
		out = &head
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
