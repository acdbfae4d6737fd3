package queue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"agenda/internal/clock"
	"agenda/internal/eventbus"
	"agenda/internal/storage"
	logx "agenda/pkg/logx"
)

const testProject = "/home/dev/demo"

var testStart = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "agenda.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestStore(t *testing.T) (*Store, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(testStart)
	return NewStore(newTestDB(t), StoreOptions{Clock: clk, Location: time.UTC}), clk
}

func mustAdd(t *testing.T, s *Store, p CreateTaskParams) *Task {
	t.Helper()
	task, err := s.AddTask(context.Background(), testProject, p)
	if err != nil {
		t.Fatalf("AddTask(%q): %v", p.Description, err)
	}
	return task
}

func mustGet(t *testing.T, s *Store, id string) *Task {
	t.Helper()
	task, err := s.GetTask(context.Background(), testProject, id)
	if err != nil {
		t.Fatalf("GetTask(%s): %v", id, err)
	}
	if task == nil {
		t.Fatalf("GetTask(%s): not found", id)
	}
	return task
}

// seedTask inserts a row with a chosen id, bypassing id generation, for
// tests that need predictable prefixes.
func seedTask(t *testing.T, s *Store, id, desc string, status Status) {
	t.Helper()
	_, err := s.db.Exec(
		`INSERT INTO tasks(project_path, id, description, status, priority, created_at) VALUES(?,?,?,?,?,?)`,
		testProject, id, desc, string(status), string(PriorityNormal), s.clk.Now().UnixMilli())
	if err != nil {
		t.Fatalf("seed task %s: %v", id, err)
	}
}

func TestAddTaskDefaults(t *testing.T) {
	s, _ := newTestStore(t)

	task := mustAdd(t, s, CreateTaskParams{Description: "  write release notes  "})
	if task.ID == "" {
		t.Fatalf("expected generated id")
	}
	if task.Description != "write release notes" {
		t.Fatalf("description = %q, want trimmed", task.Description)
	}
	if task.Status != StatusPending {
		t.Fatalf("status = %q, want pending", task.Status)
	}
	if task.Priority != PriorityNormal {
		t.Fatalf("priority = %q, want normal", task.Priority)
	}
	if !task.CreatedAt.Equal(testStart) {
		t.Fatalf("createdAt = %v, want %v", task.CreatedAt, testStart)
	}
	if task.Recurring || task.Recurrence != nil || task.NextRunAt != nil {
		t.Fatalf("plain task carries recurrence state: %+v", task)
	}

	got := mustGet(t, s, task.ID)
	if got.Description != task.Description || got.Priority != task.Priority {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, task)
	}
}

func TestAddTaskRequiresDescription(t *testing.T) {
	s, _ := newTestStore(t)
	for _, desc := range []string{"", "   ", "\t\n"} {
		if _, err := s.AddTask(context.Background(), testProject, CreateTaskParams{Description: desc}); !errors.Is(err, ErrDescriptionRequired) {
			t.Fatalf("AddTask(%q) err = %v, want ErrDescriptionRequired", desc, err)
		}
	}
}

func TestGetTaskMissingReturnsNil(t *testing.T) {
	s, _ := newTestStore(t)
	task, err := s.GetTask(context.Background(), testProject, "no-such-id")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task != nil {
		t.Fatalf("expected nil for missing id, got %+v", task)
	}
}

func TestUpdateTask(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()
	task := mustAdd(t, s, CreateTaskParams{Description: "review patch"})

	st := StatusInProgress
	started := clk.Advance(5 * time.Second)
	got, err := s.UpdateTask(ctx, testProject, task.ID, TaskUpdate{Status: &st, StartedAt: &started})
	if err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	if got.Status != StatusInProgress {
		t.Fatalf("status = %q, want in_progress", got.Status)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(started) {
		t.Fatalf("startedAt = %v, want %v", got.StartedAt, started)
	}
	if got.CompletedAt != nil {
		t.Fatalf("completedAt set by partial update")
	}

	// Open label set: unknown priorities are stored verbatim.
	odd := Priority("critical")
	got, err = s.UpdateTask(ctx, testProject, task.ID, TaskUpdate{Priority: &odd})
	if err != nil {
		t.Fatalf("UpdateTask priority: %v", err)
	}
	if got.Priority != odd {
		t.Fatalf("priority = %q, want %q", got.Priority, odd)
	}

	bogus := Status("paused")
	if _, err := s.UpdateTask(ctx, testProject, task.ID, TaskUpdate{Status: &bogus}); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("err = %v, want ErrInvalidStatus", err)
	}

	missing, err := s.UpdateTask(ctx, testProject, "no-such-id", TaskUpdate{Status: &st})
	if err != nil || missing != nil {
		t.Fatalf("update of missing id = (%+v, %v), want (nil, nil)", missing, err)
	}

	// Empty patch reads back the current row.
	same, err := s.UpdateTask(ctx, testProject, task.ID, TaskUpdate{})
	if err != nil {
		t.Fatalf("empty update: %v", err)
	}
	if same == nil || same.Status != StatusInProgress {
		t.Fatalf("empty update returned %+v", same)
	}
}

func TestLifecycleHelpers(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()
	a := mustAdd(t, s, CreateTaskParams{Description: "a"})
	b := mustAdd(t, s, CreateTaskParams{Description: "b"})

	startAt := clk.Advance(time.Second)
	got, err := s.StartTask(ctx, testProject, a.ID)
	if err != nil {
		t.Fatalf("StartTask: %v", err)
	}
	if got.Status != StatusInProgress || got.StartedAt == nil || !got.StartedAt.Equal(startAt) {
		t.Fatalf("after start: %+v", got)
	}

	doneAt := clk.Advance(time.Second)
	got, err = s.CompleteTask(ctx, testProject, a.ID, "merged")
	if err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	if got.Status != StatusCompleted || got.Result != "merged" {
		t.Fatalf("after complete: %+v", got)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(doneAt) {
		t.Fatalf("completedAt = %v, want %v", got.CompletedAt, doneAt)
	}

	got, err = s.FailTask(ctx, testProject, b.ID, "build broke")
	if err != nil {
		t.Fatalf("FailTask: %v", err)
	}
	if got.Status != StatusFailed || got.Error != "build broke" || got.CompletedAt == nil {
		t.Fatalf("after fail: %+v", got)
	}
}

func TestResolveTaskID(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	seedTask(t, s, "feed-0001", "first", StatusPending)
	seedTask(t, s, "feed-0002", "second", StatusCompleted)
	seedTask(t, s, "beef-0001", "third", StatusPending)

	task, matches, err := s.ResolveTaskID(ctx, testProject, "feed-0001", nil)
	if err != nil {
		t.Fatalf("resolve exact: %v", err)
	}
	if task == nil || task.ID != "feed-0001" || len(matches) != 1 {
		t.Fatalf("exact match = (%+v, %d matches)", task, len(matches))
	}

	// Exact id wins even when the filter would exclude it.
	task, _, err = s.ResolveTaskID(ctx, testProject, "feed-0001", func(Task) bool { return false })
	if err != nil || task == nil || task.ID != "feed-0001" {
		t.Fatalf("exact match should bypass filter, got (%+v, %v)", task, err)
	}

	task, matches, err = s.ResolveTaskID(ctx, testProject, "beef", nil)
	if err != nil || task == nil || task.ID != "beef-0001" {
		t.Fatalf("unique prefix = (%+v, %v)", task, err)
	}

	task, matches, err = s.ResolveTaskID(ctx, testProject, "feed", nil)
	if err != nil {
		t.Fatalf("resolve ambiguous: %v", err)
	}
	if task != nil || len(matches) != 2 {
		t.Fatalf("ambiguous prefix = (%+v, %d matches), want (nil, 2)", task, len(matches))
	}

	pendingOnly := func(x Task) bool { return x.Status == StatusPending }
	task, matches, err = s.ResolveTaskID(ctx, testProject, "feed", pendingOnly)
	if err != nil || task == nil || task.ID != "feed-0001" || len(matches) != 1 {
		t.Fatalf("filtered prefix = (%+v, %d matches, %v)", task, len(matches), err)
	}

	task, matches, err = s.ResolveTaskID(ctx, testProject, "dead", nil)
	if err != nil || task != nil || len(matches) != 0 {
		t.Fatalf("no match = (%+v, %d matches, %v)", task, len(matches), err)
	}

	task, matches, err = s.ResolveTaskID(ctx, testProject, "  ", nil)
	if err != nil || task != nil || matches != nil {
		t.Fatalf("blank prefix = (%+v, %v, %v)", task, matches, err)
	}
}

func TestTaskCounts(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	a := mustAdd(t, s, CreateTaskParams{Description: "a"})
	b := mustAdd(t, s, CreateTaskParams{Description: "b"})
	mustAdd(t, s, CreateTaskParams{Description: "c"})
	if _, err := s.CompleteTask(ctx, testProject, a.ID, "done"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := s.FailTask(ctx, testProject, b.ID, "nope"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	counts, err := s.TaskCounts(ctx, testProject)
	if err != nil {
		t.Fatalf("TaskCounts: %v", err)
	}
	want := map[Status]int{StatusPending: 1, StatusCompleted: 1, StatusFailed: 1}
	if len(counts) != len(want) {
		t.Fatalf("counts = %v, want %v", counts, want)
	}
	for st, n := range want {
		if counts[st] != n {
			t.Fatalf("counts[%s] = %d, want %d", st, counts[st], n)
		}
	}
}

func TestDeleteTask(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	task := mustAdd(t, s, CreateTaskParams{Description: "ephemeral"})

	ok, err := s.DeleteTask(ctx, testProject, task.ID)
	if err != nil || !ok {
		t.Fatalf("DeleteTask = (%v, %v), want (true, nil)", ok, err)
	}
	ok, err = s.DeleteTask(ctx, testProject, task.ID)
	if err != nil || ok {
		t.Fatalf("second DeleteTask = (%v, %v), want (false, nil)", ok, err)
	}
	if got, _ := s.GetTask(ctx, testProject, task.ID); got != nil {
		t.Fatalf("task still readable after delete")
	}
}

func TestProjects(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	if _, err := s.AddTask(ctx, "/srv/beta", CreateTaskParams{Description: "b"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := s.AddTask(ctx, "/srv/alpha", CreateTaskParams{Description: "a"}); err != nil {
		t.Fatalf("add: %v", err)
	}

	projects, err := s.Projects(ctx)
	if err != nil {
		t.Fatalf("Projects: %v", err)
	}
	if len(projects) != 2 || projects[0] != "/srv/alpha" || projects[1] != "/srv/beta" {
		t.Fatalf("projects = %v", projects)
	}
}

func TestSnapshot(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()
	a := mustAdd(t, s, CreateTaskParams{Description: "a"})
	mustAdd(t, s, CreateTaskParams{Description: "b", BlockedBy: []string{a.ID}})
	if _, err := s.SetPaused(ctx, testProject, true); err != nil {
		t.Fatalf("SetPaused: %v", err)
	}
	at := clk.Advance(time.Minute)

	snap, err := s.Snapshot(ctx, testProject)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Project != testProject || !snap.TakenAt.Equal(at) {
		t.Fatalf("snapshot header = %+v", snap)
	}
	if len(snap.Tasks) != 2 {
		t.Fatalf("snapshot tasks = %d, want 2", len(snap.Tasks))
	}
	if !snap.Settings.Paused || !snap.Settings.AutoRun {
		t.Fatalf("snapshot settings = %+v", snap.Settings)
	}
	if snap.Counts[StatusPending] != 2 {
		t.Fatalf("snapshot counts = %v", snap.Counts)
	}
}

func TestEventsPublished(t *testing.T) {
	bus := eventbus.New()
	clk := clock.NewManual(testStart)
	s := NewStore(newTestDB(t), StoreOptions{Bus: bus, Clock: clk, Location: time.UTC})
	ctx := context.Background()

	ch, unsub := bus.SubscribeTypes(16, EventTaskCreated, EventTaskCompleted, EventQueueCleared)
	defer unsub()

	task := mustAdd(t, s, CreateTaskParams{Description: "observable"})
	if _, err := s.CompleteTask(ctx, testProject, task.ID, "done"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := s.ClearCompletedTasks(ctx, testProject); err != nil {
		t.Fatalf("clear: %v", err)
	}

	wantTypes := []string{EventTaskCreated, EventTaskCompleted, EventQueueCleared}
	for _, want := range wantTypes {
		select {
		case ev := <-ch:
			if ev.Type != want {
				t.Fatalf("event type = %q, want %q", ev.Type, want)
			}
			if ev.Project != testProject {
				t.Fatalf("event project = %q", ev.Project)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}
}
