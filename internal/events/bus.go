// Package events provides the in-process pub/sub bus feeding SSE clients and
// background consumers.
package events

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/marcus-qen/opsbus/internal/metrics"
)

// DefaultQueueCap bounds each subscriber's pending queue.
const DefaultQueueCap = 128

// Event is one bus message. ID is monotonically increasing per bus.
type Event struct {
	ID      uint64    `json:"id"`
	Type    string    `json:"type"`
	Payload any       `json:"payload,omitempty"`
	Time    time.Time `json:"ts"`
}

// Bus broadcasts events to bounded subscriber queues. A subscriber that
// cannot keep up first loses its oldest event; if it still cannot accept, it
// is evicted so abandoned SSE clients clean themselves up.
type Bus struct {
	mu       sync.Mutex
	nextID   uint64
	subs     map[chan Event]struct{}
	queueCap int
}

// NewBus creates a bus with the given per-subscriber queue capacity
// (DefaultQueueCap when <= 0).
func NewBus(queueCap int) *Bus {
	if queueCap <= 0 {
		queueCap = DefaultQueueCap
	}
	return &Bus{
		subs:     map[chan Event]struct{}{},
		queueCap: queueCap,
	}
}

// Subscribe returns a bounded FIFO channel of future events.
func (b *Bus) Subscribe() chan Event {
	ch := make(chan Event, b.queueCap)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes the channel and closes it. Idempotent.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

// Publish assigns the next event id and broadcasts. Delivery per subscriber:
// try once; on a full queue drop the oldest element and retry; still full
// means the subscriber is dead and it is unsubscribed.
func (b *Bus) Publish(eventType string, payload any) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	metrics.BusEventsTotal.WithLabelValues(eventType).Inc()
	ev := Event{
		ID:      b.nextID,
		Type:    eventType,
		Payload: payload,
		Time:    time.Now().UTC(),
	}

	for ch := range b.subs {
		select {
		case ch <- ev:
			continue
		default:
		}
		// Full: make room by dropping the oldest, then retry once.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- ev:
		default:
			delete(b.subs, ch)
			close(ch)
		}
	}
	return ev
}

// SubscriberCount reports current subscribers (used by metrics and tests).
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// WriteSSE encodes one event in server-sent-event framing: id, event and a
// single JSON data line, terminated by a blank line.
func WriteSSE(w io.Writer, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, data)
	return err
}
