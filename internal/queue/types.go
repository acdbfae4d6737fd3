package queue

import "time"

// Status of a task. Recurring templates reuse the same values: a template is
// pending while live and completed once exhausted or cancelled.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Valid reports whether s is a known lifecycle state.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Priority is an ordered label. The set is open: unknown labels are stored
// verbatim and rank as normal, so rows written by other builds still sort.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

var priorityRank = map[Priority]int{
	PriorityLow:    0,
	PriorityNormal: 1,
	PriorityHigh:   2,
	PriorityUrgent: 3,
}

// Rank maps the priority to its scheduling weight; higher pulls first.
func (p Priority) Rank() int {
	if r, ok := priorityRank[p]; ok {
		return r
	}
	return priorityRank[PriorityNormal]
}

// RecurrenceKind selects how the next occurrence is computed.
type RecurrenceKind string

const (
	RecurrenceCron     RecurrenceKind = "cron"
	RecurrenceInterval RecurrenceKind = "interval"
)

// Recurrence is the schedule rule embedded on a template and copied, with
// ParentID set and the counter stripped, onto each spawned instance for
// provenance.
type Recurrence struct {
	Kind            RecurrenceKind `json:"kind"`
	Cron            string         `json:"cron,omitempty"`
	IntervalMS      int64          `json:"interval_ms,omitempty"`
	Timezone        string         `json:"timezone,omitempty"`
	MaxOccurrences  int            `json:"max_occurrences,omitempty"`
	EndAt           int64          `json:"end_at,omitempty"` // epoch millis
	OccurrenceCount int            `json:"occurrence_count,omitempty"`
	ParentID        string         `json:"parent_id,omitempty"`
}

// Interval returns the fixed period for interval rules.
func (r Recurrence) Interval() time.Duration {
	return time.Duration(r.IntervalMS) * time.Millisecond
}

// End returns the cutoff after which no further instances spawn.
func (r Recurrence) End() (time.Time, bool) {
	if r.EndAt <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(r.EndAt), true
}

func (r *Recurrence) clone() *Recurrence {
	if r == nil {
		return nil
	}
	cp := *r
	return &cp
}

// Task is a unit of work scoped to a project: either a concrete runnable
// item or a recurring template.
type Task struct {
	ID          string      `json:"id"`
	ProjectPath string      `json:"project_path"`
	Description string      `json:"description"`
	Status      Status      `json:"status"`
	Priority    Priority    `json:"priority"`
	Result      string      `json:"result,omitempty"`
	Error       string      `json:"error,omitempty"`
	Assignee    string      `json:"assignee,omitempty"`
	ProjectID   string      `json:"project_id,omitempty"`
	BlockedBy   []string    `json:"blocked_by,omitempty"`
	Blocks      []string    `json:"blocks,omitempty"`
	Recurring   bool        `json:"recurring,omitempty"` // schedule template rather than a concrete instance
	Recurrence  *Recurrence `json:"recurrence,omitempty"`
	NextRunAt   *time.Time  `json:"next_run_at,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// CreateTaskParams carries AddTask input. Unknown or self-referencing ids in
// BlockedBy/Blocks are filtered, never rejected.
type CreateTaskParams struct {
	Description string
	Priority    Priority
	Assignee    string
	ProjectID   string
	BlockedBy   []string
	Blocks      []string
	Recurrence  *Recurrence
}

// TaskUpdate is a partial update over the mutable fields. Nil fields are
// left untouched.
type TaskUpdate struct {
	Status      *Status
	Priority    *Priority
	Result      *string
	Error       *string
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Settings are the per-project queue flags. A project with no stored row
// reads as the defaults: not paused, auto-run on.
type Settings struct {
	Paused  bool `json:"paused"`
	AutoRun bool `json:"auto_run"`
}

func defaultSettings() Settings { return Settings{Paused: false, AutoRun: true} }

// Snapshot is one consistent read of a whole project queue.
type Snapshot struct {
	Project  string         `json:"project"`
	Tasks    []Task         `json:"tasks"`
	Settings Settings       `json:"settings"`
	Counts   map[Status]int `json:"counts"`
	TakenAt  time.Time      `json:"taken_at"`
}
