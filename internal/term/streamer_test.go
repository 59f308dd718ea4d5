package term

import (
	"context"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/marcus-qen/opsbus/internal/events"
)

type screenBridge struct {
	mu      sync.Mutex
	screen  []string
	started []string
	stopped []string
}

func (b *screenBridge) ListSessions(ctx context.Context) ([]Session, error) { return nil, nil }
func (b *screenBridge) ReadOutput(ctx context.Context, agentID string, tailLines int) ([]ReadResult, error) {
	return nil, nil
}
func (b *screenBridge) SendInput(ctx context.Context, req SendRequest) ([]SendResult, error) {
	return nil, nil
}

func (b *screenBridge) ReadScreen(ctx context.Context, sessionID string, lines int) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string{}, b.screen...), nil
}

func (b *screenBridge) StartStreamer(ctx context.Context, sessionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.started = append(b.started, sessionID)
	return nil
}

func (b *screenBridge) StopStreamer(ctx context.Context, sessionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = append(b.stopped, sessionID)
	return nil
}

func (b *screenBridge) setScreen(lines []string) {
	b.mu.Lock()
	b.screen = lines
	b.mu.Unlock()
}

func TestDiffScreen(t *testing.T) {
	cases := []struct {
		prev, next, want []string
	}{
		{nil, []string{"a", "b"}, []string{"a", "b"}},
		{[]string{"a", "b"}, []string{"a", "b"}, nil},
		{[]string{"a", "b"}, []string{"a", "b", "c"}, []string{"c"}},
		{[]string{"a", "b"}, []string{"x", "y"}, []string{"x", "y"}},
		{[]string{"a", "b", "c"}, []string{"a", "z"}, []string{"z"}},
		{[]string{"a"}, nil, nil},
	}
	for _, tc := range cases {
		got := diffScreen(tc.prev, tc.next)
		if !reflect.DeepEqual(got, tc.want) {
			t.Errorf("diffScreen(%v, %v) = %v, want %v", tc.prev, tc.next, got, tc.want)
		}
	}
}

func TestStreamerPublishesChunks(t *testing.T) {
	bridge := &screenBridge{screen: []string{"$ make test"}}
	bus := events.NewBus(0)
	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)

	s := NewStreamer(bridge, bus, nil)
	s.interval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx, "s1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	waitEvent := func() events.Event {
		t.Helper()
		select {
		case ev := <-ch:
			return ev
		case <-time.After(time.Second):
			t.Fatal("no terminal event")
			return events.Event{}
		}
	}

	ev := waitEvent()
	if ev.Type != "terminal" {
		t.Fatalf("type = %s", ev.Type)
	}
	payload := ev.Payload.(map[string]any)
	if payload["session_id"] != "s1" {
		t.Fatalf("payload = %v", payload)
	}

	bridge.setScreen([]string{"$ make test", "ok"})
	ev = waitEvent()
	lines := ev.Payload.(map[string]any)["lines"].([]string)
	if !reflect.DeepEqual(lines, []string{"ok"}) {
		t.Fatalf("chunk = %v", lines)
	}

	if !s.Stop(context.Background(), "s1") {
		t.Fatal("stop reported not running")
	}
	if s.Stop(context.Background(), "s1") {
		t.Fatal("double stop reported running")
	}
	bridge.mu.Lock()
	defer bridge.mu.Unlock()
	if len(bridge.started) != 1 || len(bridge.stopped) != 1 {
		t.Fatalf("bridge calls = %v / %v", bridge.started, bridge.stopped)
	}
}

func TestStreamerStartIsIdempotent(t *testing.T) {
	bridge := &screenBridge{}
	s := NewStreamer(bridge, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Start(ctx, "s1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Start(ctx, "s1"); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if got := s.Active(); len(got) != 1 {
		t.Fatalf("active = %v", got)
	}
	bridge.mu.Lock()
	defer bridge.mu.Unlock()
	if len(bridge.started) != 1 {
		t.Fatalf("bridge started %d times", len(bridge.started))
	}
}
