package eventbus

import (
	"testing"
	"time"
)

func recvOne(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
		return Event{}
	}
}

func TestPublishSubscribe(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(4)
	defer unsub()

	b.Publish(Event{Type: "task.created", Project: "/tmp/p1", Data: "x"})

	e := recvOne(t, ch)
	if e.Type != "task.created" || e.Project != "/tmp/p1" {
		t.Fatalf("unexpected event: %+v", e)
	}
	if e.Time.IsZero() {
		t.Fatalf("publish should stamp zero times")
	}
}

func TestSubscribeTypesFilters(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.SubscribeTypes(4, "task.spawned")
	defer unsub()

	b.Publish(Event{Type: "task.created"})
	b.Publish(Event{Type: "task.spawned"})
	b.Publish(Event{Type: "queue.cleared"})

	e := recvOne(t, ch)
	if e.Type != "task.spawned" {
		t.Fatalf("filter leaked event %q", e.Type)
	}
	select {
	case e := <-ch:
		t.Fatalf("unexpected second event %q", e.Type)
	default:
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	// Fill the buffer, then publish more; Publish must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			b.Publish(Event{Type: "task.updated"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("publish blocked on slow subscriber")
	}
	if len(ch) != 1 {
		t.Fatalf("buffer len = %d, want 1", len(ch))
	}
}

func TestUnsubscribeIsIdempotentAndSafe(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)

	unsub()
	unsub()

	// Publishing after unsubscribe must not panic even though ch is closed.
	b.Publish(Event{Type: "task.deleted"})

	if _, ok := <-ch; ok {
		t.Fatalf("channel should be closed after unsubscribe")
	}
}
