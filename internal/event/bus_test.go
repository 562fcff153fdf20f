package event

import (
	"bytes"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Iron-Ham/agentspace/internal/logging"
)

func TestBus_Subscribe(t *testing.T) {
	bus := NewBus(nil)

	called := false
	id := bus.Subscribe(TypeLockAcquired, func(e Event) {
		called = true
	})

	if id == "" {
		t.Error("Subscribe should return a non-empty ID")
	}
	if bus.SubscriptionCount() != 1 {
		t.Errorf("Expected 1 subscription, got %d", bus.SubscriptionCount())
	}
	if called {
		t.Error("Handler should not be called until an event is published")
	}
}

func TestBus_Publish(t *testing.T) {
	bus := NewBus(nil)

	var received Event
	bus.Subscribe(TypeConflictDetected, func(e Event) {
		received = e
	})

	bus.Publish(NewConflictDetectedEvent("notes.md", "A", "abc", "def"))

	if received == nil {
		t.Fatal("Handler should have received the event")
	}
	conflict, ok := received.(ConflictDetectedEvent)
	if !ok {
		t.Fatalf("received %T, want ConflictDetectedEvent", received)
	}
	if conflict.Path != "notes.md" || conflict.Holder != "A" {
		t.Errorf("unexpected event payload: %+v", conflict)
	}
	if conflict.Timestamp().IsZero() {
		t.Error("Timestamp should be set")
	}
}

func TestBus_PublishNoMatchingHandlers(t *testing.T) {
	bus := NewBus(nil)

	bus.Subscribe(TypeSnapshotSaved, func(e Event) {
		t.Error("Handler should not be called for non-matching event type")
	})

	bus.Publish(NewLockReleasedEvent("a.md", "A", time.Second))
}

func TestBus_Ordering(t *testing.T) {
	bus := NewBus(nil)

	var order []string
	bus.SubscribeAll(func(e Event) { order = append(order, "wildcard") })
	bus.Subscribe(TypeLockAcquired, func(e Event) { order = append(order, "specific-1") })
	bus.Subscribe(TypeLockAcquired, func(e Event) { order = append(order, "specific-2") })

	bus.Publish(NewLockAcquiredEvent("a.md", "A", true, 0))

	want := []string{"specific-1", "specific-2", "wildcard"}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Errorf("dispatch order = %v, want %v", order, want)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(nil)

	calls := 0
	id := bus.Subscribe(TypeLockReleased, func(e Event) { calls++ })
	keep := bus.Subscribe(TypeLockReleased, func(e Event) { calls += 10 })

	if !bus.Unsubscribe(id) {
		t.Fatal("Unsubscribe should return true for a known ID")
	}
	if bus.Unsubscribe(id) {
		t.Error("Unsubscribe should return false for an already removed ID")
	}

	bus.Publish(NewLockReleasedEvent("a.md", "A", 0))
	if calls != 10 {
		t.Errorf("calls = %d, want 10", calls)
	}

	bus.Unsubscribe(keep)
	if bus.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d, want 0", bus.SubscriptionCount())
	}
}

func TestBus_HandlerPanicIsRecovered(t *testing.T) {
	var buf bytes.Buffer
	bus := NewBus(logging.NewWriterLogger(&buf, logging.LevelError))

	reached := false
	bus.Subscribe(TypeSnapshotSaved, func(e Event) { panic("boom") })
	bus.Subscribe(TypeSnapshotSaved, func(e Event) { reached = true })

	bus.Publish(NewSnapshotSavedEvent(3, 128, time.Millisecond))

	if !reached {
		t.Error("handlers after a panicking handler should still run")
	}
	if !strings.Contains(buf.String(), "event handler panicked") {
		t.Errorf("panic should be logged, got %q", buf.String())
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	bus := NewBus(nil)

	var count atomic.Int64
	bus.SubscribeAll(func(e Event) { count.Add(1) })

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for range 50 {
				bus.Publish(NewFileStateChangedEvent("f.md", "A", "acquired", "available", "locked_write"))
			}
			if n%5 == 0 {
				id := bus.Subscribe(TypeSnapshotRestored, func(Event) {})
				bus.Unsubscribe(id)
			}
		}(i)
	}
	wg.Wait()

	if got := count.Load(); got != 1000 {
		t.Errorf("wildcard handler saw %d events, want 1000", got)
	}
}

func TestEventConstructors(t *testing.T) {
	tests := []struct {
		event Event
		want  string
	}{
		{NewFileStateChangedEvent("p", "a", "wrote", "locked_write", "modified"), TypeFileStateChanged},
		{NewConflictDetectedEvent("p", "a", "x", "y"), TypeConflictDetected},
		{NewLockAcquiredEvent("p", "a", false, 0), TypeLockAcquired},
		{NewLockContendedEvent("p", "a", true, time.Second, "timeout"), TypeLockContended},
		{NewLockReleasedEvent("p", "a", 0), TypeLockReleased},
		{NewSnapshotSavedEvent(1, 2, 0), TypeSnapshotSaved},
		{NewSnapshotRestoredEvent(1, 0), TypeSnapshotRestored},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.event.EventType(); got != tt.want {
				t.Errorf("EventType() = %q, want %q", got, tt.want)
			}
		})
	}
}
