package queue

// Bus event types published by the store and engine.
const (
	EventTaskCreated         = "task.created"
	EventTaskUpdated         = "task.updated"
	EventTaskStarted         = "task.started"
	EventTaskCompleted       = "task.completed"
	EventTaskFailed          = "task.failed"
	EventTaskDeleted         = "task.deleted"
	EventTaskSpawned         = "task.spawned"
	EventQueueCleared        = "queue.cleared"
	EventQueuePaused         = "queue.paused"
	EventQueueAutoRun        = "queue.autorun"
	EventRecurrenceFinished  = "recurrence.finished"
	EventRecurrenceCancelled = "recurrence.cancelled"
)

// TaskEvent is the payload for task-level events. Kept small; consumers
// needing the full record re-read by id.
type TaskEvent struct {
	ID       string   `json:"id"`
	Status   Status   `json:"status,omitempty"`
	Priority Priority `json:"priority,omitempty"`
	Template string   `json:"template,omitempty"` // spawning template id
}

// ClearEvent is the payload for queue.cleared.
type ClearEvent struct {
	Status  Status `json:"status"`
	Removed int    `json:"removed"`
}

// SettingsEvent is the payload for queue.paused and queue.autorun.
type SettingsEvent struct {
	Settings Settings `json:"settings"`
}
