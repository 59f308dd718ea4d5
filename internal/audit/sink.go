package audit

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Sink tees process log entries into system_logs. It starts detached: until
// Attach is called with a ready store, entries pass through to the console
// core only, so a database failure never blocks boot.
//
// Loggers named in excludePrefixes (the audit/store write path) are skipped
// to prevent write recursion.
type Sink struct {
	store           atomic.Pointer[Store]
	excludePrefixes []string

	queue    chan LogEntry
	stopOnce sync.Once
	done     chan struct{}
}

const sinkQueueCap = 256

// NewSink creates a sink excluding the given logger-name prefixes.
func NewSink(excludePrefixes []string) *Sink {
	s := &Sink{
		excludePrefixes: excludePrefixes,
		queue:           make(chan LogEntry, sinkQueueCap),
		done:            make(chan struct{}),
	}
	go s.drain()
	return s
}

// Attach connects the sink to a ready store. Entries queued before Attach are
// delivered once the store is set.
func (s *Sink) Attach(store *Store) {
	s.store.Store(store)
}

func (s *Sink) drain() {
	defer close(s.done)
	for entry := range s.queue {
		store := s.store.Load()
		if store == nil {
			// Degraded: DB not ready, console core already has the entry.
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = store.AppendLog(ctx, entry)
		cancel()
	}
}

// Close stops the drain goroutine after flushing queued entries.
func (s *Sink) Close() {
	s.stopOnce.Do(func() {
		close(s.queue)
		<-s.done
	})
}

func (s *Sink) excluded(logger string) bool {
	for _, p := range s.excludePrefixes {
		if strings.HasPrefix(logger, p) {
			return true
		}
	}
	return false
}

// Hook returns the zap hook. Enqueue is non-blocking: when the queue is full
// the entry is dropped rather than stalling the logging path.
func (s *Sink) Hook() func(zapcore.Entry) error {
	return func(entry zapcore.Entry) error {
		if s.excluded(entry.LoggerName) {
			return nil
		}
		e := LogEntry{
			Timestamp: entry.Time,
			Level:     entry.Level.String(),
			Logger:    entry.LoggerName,
			Message:   entry.Message,
			Raw:       entry.Caller.TrimmedPath(),
		}
		select {
		case s.queue <- e:
		default:
		}
		return nil
	}
}

// Option returns the zap option wiring the hook into a logger.
func (s *Sink) Option() zap.Option {
	return zap.Hooks(s.Hook())
}
