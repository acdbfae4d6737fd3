package queue

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const taskColumns = `project_path, id, description, status, priority, result, error, assignee, project_id,
	blocked_by, blocks, recurring, recurrence, next_run_at, created_at, started_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(sc rowScanner) (*Task, error) {
	var (
		t           Task
		result      sql.NullString
		errText     sql.NullString
		assignee    sql.NullString
		projectID   sql.NullString
		blockedBy   sql.NullString
		blocks      sql.NullString
		recurring   int64
		rule        sql.NullString
		nextRunAt   sql.NullInt64
		createdAt   int64
		startedAt   sql.NullInt64
		completedAt sql.NullInt64
	)
	err := sc.Scan(
		&t.ProjectPath, &t.ID, &t.Description, &t.Status, &t.Priority,
		&result, &errText, &assignee, &projectID,
		&blockedBy, &blocks, &recurring, &rule, &nextRunAt,
		&createdAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Result = result.String
	t.Error = errText.String
	t.Assignee = assignee.String
	t.ProjectID = projectID.String
	t.Recurring = recurring != 0
	if blockedBy.Valid {
		if err := json.Unmarshal([]byte(blockedBy.String), &t.BlockedBy); err != nil {
			return nil, fmt.Errorf("task %s: decode blocked_by: %w", t.ID, err)
		}
	}
	if blocks.Valid {
		if err := json.Unmarshal([]byte(blocks.String), &t.Blocks); err != nil {
			return nil, fmt.Errorf("task %s: decode blocks: %w", t.ID, err)
		}
	}
	if rule.Valid {
		var r Recurrence
		if err := json.Unmarshal([]byte(rule.String), &r); err != nil {
			return nil, fmt.Errorf("task %s: decode recurrence: %w", t.ID, err)
		}
		t.Recurrence = &r
	}
	t.NextRunAt = timeAt(nextRunAt)
	t.CreatedAt = time.UnixMilli(createdAt)
	t.StartedAt = timeAt(startedAt)
	t.CompletedAt = timeAt(completedAt)
	return &t, nil
}

func timeAt(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

func msPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// jsonIDs renders an edge list for storage: NULL when empty, never "[]".
func jsonIDs(ids []string) (any, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func jsonRule(r *Recurrence) (any, error) {
	if r == nil {
		return nil, nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
