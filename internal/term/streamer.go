package term

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/opsbus/internal/events"
)

const defaultStreamInterval = time.Second

// Streamer polls live session screens and publishes incremental chunks as
// "terminal" events. One goroutine per streamed session.
type Streamer struct {
	bridge   Bridge
	bus      *events.Bus
	logger   *zap.Logger
	interval time.Duration
	lines    int

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

func NewStreamer(bridge Bridge, bus *events.Bus, logger *zap.Logger) *Streamer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Streamer{
		bridge:   bridge,
		bus:      bus,
		logger:   logger,
		interval: defaultStreamInterval,
		lines:    50,
		active:   map[string]context.CancelFunc{},
	}
}

// Start begins streaming a session. Idempotent per session id.
func (s *Streamer) Start(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	if _, running := s.active[sessionID]; running {
		s.mu.Unlock()
		return nil
	}
	streamCtx, cancel := context.WithCancel(ctx)
	s.active[sessionID] = cancel
	s.mu.Unlock()

	if err := s.bridge.StartStreamer(ctx, sessionID); err != nil {
		s.remove(sessionID)
		return err
	}
	go s.loop(streamCtx, sessionID)
	return nil
}

// Stop ends streaming a session. Returns whether it was running.
func (s *Streamer) Stop(ctx context.Context, sessionID string) bool {
	s.mu.Lock()
	cancel, running := s.active[sessionID]
	delete(s.active, sessionID)
	s.mu.Unlock()
	if !running {
		return false
	}
	cancel()
	if err := s.bridge.StopStreamer(ctx, sessionID); err != nil {
		s.logger.Warn("bridge streamer stop failed",
			zap.String("session_id", sessionID), zap.Error(err))
	}
	return true
}

// Active lists currently streamed session ids.
func (s *Streamer) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	return ids
}

func (s *Streamer) remove(sessionID string) {
	s.mu.Lock()
	if cancel, ok := s.active[sessionID]; ok {
		cancel()
		delete(s.active, sessionID)
	}
	s.mu.Unlock()
}

// loop polls the screen and publishes only the lines that changed since the
// previous poll (the whole screen on first read).
func (s *Streamer) loop(ctx context.Context, sessionID string) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var last []string
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		screen, err := s.bridge.ReadScreen(ctx, sessionID, s.lines)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("screen read failed",
				zap.String("session_id", sessionID), zap.Error(err))
			continue
		}

		chunk := diffScreen(last, screen)
		last = screen
		if len(chunk) == 0 {
			continue
		}
		if s.bus != nil {
			s.bus.Publish("terminal", map[string]any{
				"session_id": sessionID,
				"lines":      chunk,
			})
		}
	}
}

// diffScreen returns the trailing lines of next that differ from prev. When
// the screens share no common prefix the whole screen is the chunk.
func diffScreen(prev, next []string) []string {
	if len(next) == 0 {
		return nil
	}
	common := 0
	for common < len(prev) && common < len(next) && prev[common] == next[common] {
		common++
	}
	if common == len(next) {
		return nil
	}
	return next[common:]
}
