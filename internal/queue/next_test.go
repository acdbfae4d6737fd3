package queue

import (
	"context"
	"testing"
	"time"
)

func TestNextTaskEmptyQueue(t *testing.T) {
	s, _ := newTestStore(t)
	next, err := s.NextTask(context.Background(), testProject)
	if err != nil {
		t.Fatalf("NextTask: %v", err)
	}
	if next != nil {
		t.Fatalf("next = %+v, want nil", next)
	}
}

func TestNextTaskPriorityOrder(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()

	mustAdd(t, s, CreateTaskParams{Description: "low", Priority: PriorityLow})
	clk.Advance(time.Second)
	urgent := mustAdd(t, s, CreateTaskParams{Description: "urgent", Priority: PriorityUrgent})
	clk.Advance(time.Second)
	high := mustAdd(t, s, CreateTaskParams{Description: "high", Priority: PriorityHigh})

	next, err := s.NextTask(ctx, testProject)
	if err != nil {
		t.Fatalf("NextTask: %v", err)
	}
	if next == nil || next.ID != urgent.ID {
		t.Fatalf("next = %+v, want urgent %s", next, urgent.ID)
	}

	if _, err := s.CompleteTask(ctx, testProject, urgent.ID, "done"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	next, err = s.NextTask(ctx, testProject)
	if err != nil {
		t.Fatalf("NextTask: %v", err)
	}
	if next == nil || next.ID != high.ID {
		t.Fatalf("next = %+v, want high %s", next, high.ID)
	}
}

func TestNextTaskFIFOWithinPriority(t *testing.T) {
	s, clk := newTestStore(t)
	first := mustAdd(t, s, CreateTaskParams{Description: "first"})
	clk.Advance(time.Millisecond)
	mustAdd(t, s, CreateTaskParams{Description: "second"})

	next, err := s.NextTask(context.Background(), testProject)
	if err != nil {
		t.Fatalf("NextTask: %v", err)
	}
	if next == nil || next.ID != first.ID {
		t.Fatalf("next = %+v, want oldest %s", next, first.ID)
	}
}

func TestNextTaskUnknownPriorityRanksNormal(t *testing.T) {
	s, clk := newTestStore(t)
	mustAdd(t, s, CreateTaskParams{Description: "mystery", Priority: Priority("critical")})
	clk.Advance(time.Second)
	high := mustAdd(t, s, CreateTaskParams{Description: "high", Priority: PriorityHigh})

	next, err := s.NextTask(context.Background(), testProject)
	if err != nil {
		t.Fatalf("NextTask: %v", err)
	}
	if next == nil || next.ID != high.ID {
		t.Fatalf("next = %+v, want %s (unknown label ranks as normal)", next, high.ID)
	}
}

func TestNextTaskHonorsDependencies(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()
	a := mustAdd(t, s, CreateTaskParams{Description: "a"})
	clk.Advance(time.Second)
	b := mustAdd(t, s, CreateTaskParams{Description: "b", Priority: PriorityUrgent, BlockedBy: []string{a.ID}})

	// b outranks a but is blocked.
	next, err := s.NextTask(ctx, testProject)
	if err != nil {
		t.Fatalf("NextTask: %v", err)
	}
	if next == nil || next.ID != a.ID {
		t.Fatalf("next = %+v, want unblocked %s", next, a.ID)
	}

	if _, err := s.CompleteTask(ctx, testProject, a.ID, "done"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	next, err = s.NextTask(ctx, testProject)
	if err != nil {
		t.Fatalf("NextTask: %v", err)
	}
	if next == nil || next.ID != b.ID {
		t.Fatalf("next = %+v, want unblocked %s", next, b.ID)
	}
}

func TestNextTaskSkipsNonPending(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	a := mustAdd(t, s, CreateTaskParams{Description: "a"})
	if _, err := s.StartTask(ctx, testProject, a.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	next, err := s.NextTask(ctx, testProject)
	if err != nil {
		t.Fatalf("NextTask: %v", err)
	}
	if next != nil {
		t.Fatalf("next = %+v, want nil (only task is in progress)", next)
	}
}

func TestNextTaskIncludesTemplates(t *testing.T) {
	s, clk := newTestStore(t)
	mustAdd(t, s, CreateTaskParams{Description: "plain"})
	clk.Advance(time.Second)
	tpl := mustAdd(t, s, CreateTaskParams{
		Description: "template",
		Priority:    PriorityUrgent,
		Recurrence:  &Recurrence{Kind: RecurrenceInterval, IntervalMS: 60000},
	})

	// A live template is a pending row and is selectable; dispatchers that
	// only want concrete work use NextDispatchableTask instead.
	next, err := s.NextTask(context.Background(), testProject)
	if err != nil {
		t.Fatalf("NextTask: %v", err)
	}
	if next == nil || next.ID != tpl.ID {
		t.Fatalf("next = %+v, want template %s", next, tpl.ID)
	}
	if !next.Recurring {
		t.Fatalf("selected task lost its template flag: %+v", next)
	}
}

func TestNextDispatchableTaskSkipsTemplates(t *testing.T) {
	s, clk := newTestStore(t)
	plain := mustAdd(t, s, CreateTaskParams{Description: "plain"})
	clk.Advance(time.Second)
	mustAdd(t, s, CreateTaskParams{
		Description: "template",
		Priority:    PriorityUrgent,
		Recurrence:  &Recurrence{Kind: RecurrenceInterval, IntervalMS: 60000},
	})

	next, err := s.NextDispatchableTask(context.Background(), testProject)
	if err != nil {
		t.Fatalf("NextDispatchableTask: %v", err)
	}
	if next == nil || next.ID != plain.ID {
		t.Fatalf("next = %+v, want the plain task despite the urgent template", next)
	}

	if _, err := s.CompleteTask(context.Background(), testProject, plain.ID, ""); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	next, err = s.NextDispatchableTask(context.Background(), testProject)
	if err != nil {
		t.Fatalf("NextDispatchableTask: %v", err)
	}
	if next != nil {
		t.Fatalf("next = %+v, want nil with only a template left", next)
	}
}
