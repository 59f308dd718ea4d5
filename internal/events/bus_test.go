package events

import (
	"strings"
	"testing"
)

func TestPublishAssignsMonotonicIDs(t *testing.T) {
	bus := NewBus(8)
	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)

	for i := 0; i < 5; i++ {
		bus.Publish("tick", i)
	}
	var last uint64
	for i := 0; i < 5; i++ {
		ev := <-ch
		if ev.ID <= last {
			t.Fatalf("event id %d not greater than %d", ev.ID, last)
		}
		last = ev.ID
	}
}

func TestPublishDropsOldestOnFullQueue(t *testing.T) {
	bus := NewBus(2)
	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)

	bus.Publish("a", nil)
	bus.Publish("b", nil)
	// Queue full: this publish must drop exactly the oldest.
	bus.Publish("c", nil)

	first := <-ch
	if first.Type != "b" {
		t.Fatalf("oldest surviving event is %q, want b", first.Type)
	}
	second := <-ch
	if second.Type != "c" {
		t.Fatalf("second event is %q, want c", second.Type)
	}
	if bus.SubscriberCount() != 1 {
		t.Fatalf("subscriber evicted unexpectedly")
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	bus := NewBus(2)
	ch := bus.Subscribe()
	bus.Unsubscribe(ch)
	bus.Unsubscribe(ch)
	if bus.SubscriberCount() != 0 {
		t.Fatalf("subscriber count = %d, want 0", bus.SubscriberCount())
	}
	// Publishing after unsubscribe must not panic on the closed channel.
	bus.Publish("late", nil)
}

func TestWriteSSEFraming(t *testing.T) {
	var sb strings.Builder
	ev := Event{ID: 7, Type: "sync", Payload: map[string]any{"scope": []string{"audit"}}}
	if err := WriteSSE(&sb, ev); err != nil {
		t.Fatalf("WriteSSE: %v", err)
	}
	out := sb.String()
	if !strings.HasPrefix(out, "id: 7\nevent: sync\ndata: ") {
		t.Fatalf("bad framing: %q", out)
	}
	if !strings.HasSuffix(out, "\n\n") {
		t.Fatalf("missing terminating blank line: %q", out)
	}
	if !strings.Contains(out, `"scope":["audit"]`) {
		t.Fatalf("payload missing: %q", out)
	}
}
