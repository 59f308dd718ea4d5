// Package monitor runs the agent patrol loop: it polls the terminal bridge,
// classifies each worker's recent output, and persists health snapshots.
package monitor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/opsbus/internal/agentstatus"
	"github.com/marcus-qen/opsbus/internal/events"
	"github.com/marcus-qen/opsbus/internal/metrics"
	"github.com/marcus-qen/opsbus/internal/term"
)

const (
	minInterval     = time.Second
	maxInterval     = 60 * time.Second
	defaultInterval = 5 * time.Second

	minTailLines     = 1
	maxTailLines     = 200
	defaultTailLines = 30

	// Identical output for this long means the worker is stuck.
	stuckAfterSec = 60

	// Stagnation is fingerprinted over the last few lines only, so a
	// scrolling progress bar at the bottom still counts as activity.
	fingerprintLines = 6
)

var (
	promptPattern       = regexp.MustCompile(`^\s*(\$|#|>>>|>)\s*$`)
	errorPattern        = regexp.MustCompile(`(?i)\b(traceback|error|exception)\b`)
	disconnectedPattern = regexp.MustCompile(`(?i)(timeout|connection refused|econnreset)`)
)

// statusWriter is the slice of agentstatus.Store the monitor needs.
type statusWriter interface {
	Upsert(ctx context.Context, snap agentstatus.Snapshot) error
}

// Config tunes the patrol loop. Zero values take defaults; out-of-range
// values are clamped.
type Config struct {
	Interval  time.Duration
	TailLines int
}

type agentTrack struct {
	fingerprint string
	changedAt   time.Time
}

// Monitor polls the bridge on a fixed interval and writes one snapshot per
// known agent each cycle.
type Monitor struct {
	bridge term.Bridge
	status statusWriter
	bus    *events.Bus
	logger *zap.Logger
	cfg    Config

	now    func() time.Time
	tracks map[string]*agentTrack
	// Agents seen in earlier cycles, so a bridge outage can still mark
	// everyone disconnected.
	known map[string]term.Session
}

func New(bridge term.Bridge, status statusWriter, bus *events.Bus, cfg Config, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.Interval = clampInterval(cfg.Interval)
	cfg.TailLines = clampTail(cfg.TailLines)
	return &Monitor{
		bridge: bridge,
		status: status,
		bus:    bus,
		logger: logger,
		cfg:    cfg,
		now:    time.Now,
		tracks: map[string]*agentTrack{},
		known:  map[string]term.Session{},
	}
}

func clampInterval(d time.Duration) time.Duration {
	switch {
	case d <= 0:
		return defaultInterval
	case d < minInterval:
		return minInterval
	case d > maxInterval:
		return maxInterval
	}
	return d
}

func clampTail(n int) int {
	switch {
	case n <= 0:
		return defaultTailLines
	case n < minTailLines:
		return minTailLines
	case n > maxTailLines:
		return maxTailLines
	}
	return n
}

// Run patrols until ctx is cancelled. One failed cycle never stops the loop.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.logger.Info("agent monitor started",
		zap.Duration("interval", m.cfg.Interval), zap.Int("tail_lines", m.cfg.TailLines))

	for {
		if ok := m.Tick(ctx); ok {
			metrics.MonitorTicksTotal.WithLabelValues("ok").Inc()
		} else {
			metrics.MonitorTicksTotal.WithLabelValues("failed").Inc()
			m.logger.Warn("patrol cycle completed with failures")
		}
		select {
		case <-ctx.Done():
			m.logger.Info("agent monitor stopped")
			return
		case <-ticker.C:
		}
	}
}

// Tick runs one patrol cycle. It returns false when any part of the cycle
// failed; the remaining agents are still processed.
func (m *Monitor) Tick(ctx context.Context) bool {
	now := m.now().UTC()

	sessions, err := m.bridge.ListSessions(ctx)
	if err != nil {
		m.logger.Warn("bridge session list failed", zap.Error(err))
		// Cannot see the fleet: mark every previously known agent
		// disconnected rather than going silent.
		for _, sess := range m.known {
			m.write(ctx, agentstatus.Snapshot{
				AgentID:   sess.AgentID,
				AgentName: sess.AgentName,
				SessionID: sess.SessionID,
				Status:    agentstatus.StatusDisconnected,
				Error:     "bridge unreachable: " + err.Error(),
			})
		}
		return false
	}

	bySession := map[string]term.Session{}
	for _, sess := range sessions {
		m.known[sess.AgentID] = sess
		bySession[sess.AgentID] = sess
	}

	results, err := m.bridge.ReadOutput(ctx, "all", m.cfg.TailLines)
	if err != nil {
		m.logger.Warn("bridge read failed", zap.Error(err))
		for _, sess := range sessions {
			m.write(ctx, agentstatus.Snapshot{
				AgentID:   sess.AgentID,
				AgentName: sess.AgentName,
				SessionID: sess.SessionID,
				Status:    agentstatus.StatusDisconnected,
				Error:     "bridge read failed: " + err.Error(),
			})
		}
		return false
	}

	byAgent := map[string]term.ReadResult{}
	for _, r := range results {
		byAgent[r.AgentID] = r
	}

	ok := true
	counts := map[string]int{}
	for _, sess := range sessions {
		res, found := byAgent[sess.AgentID]
		snap := agentstatus.Snapshot{
			AgentID:   sess.AgentID,
			AgentName: sess.AgentName,
			SessionID: sess.SessionID,
		}
		switch {
		case !found:
			snap.Status = agentstatus.StatusUnknown
			snap.Error = "no output row from bridge"
		case res.Error != "":
			snap.Status = agentstatus.StatusDisconnected
			snap.Error = res.Error
		default:
			tail := agentstatus.NormalizeTail(res.Output)
			snap.OutputTail = tail
			snap.Status, snap.StagnantSec = m.classify(sess.AgentID, tail, now)
		}
		counts[snap.Status]++
		if err := m.write(ctx, snap); err != nil {
			ok = false
		}
	}
	for _, status := range []string{
		agentstatus.StatusRunning, agentstatus.StatusIdle, agentstatus.StatusStuck,
		agentstatus.StatusError, agentstatus.StatusDisconnected, agentstatus.StatusUnknown,
	} {
		metrics.AgentsByStatus.WithLabelValues(status).Set(float64(counts[status]))
	}

	// Agents that vanished from the bridge are unknown until seen again.
	for id, sess := range m.known {
		if _, live := bySession[id]; live {
			continue
		}
		delete(m.tracks, id)
		m.write(ctx, agentstatus.Snapshot{
			AgentID:   sess.AgentID,
			AgentName: sess.AgentName,
			SessionID: sess.SessionID,
			Status:    agentstatus.StatusUnknown,
			Error:     "session gone",
		})
		delete(m.known, id)
	}

	return ok
}

// classify applies the ordered status rules to a normalized tail and tracks
// output stagnation per agent.
func (m *Monitor) classify(agentID string, tail []string, now time.Time) (string, int) {
	stagnant := m.stagnantSec(agentID, tail, now)

	if allPromptLines(tail) {
		return agentstatus.StatusIdle, stagnant
	}
	joined := strings.Join(tail, "\n")
	if errorPattern.MatchString(joined) {
		return agentstatus.StatusError, stagnant
	}
	if disconnectedPattern.MatchString(joined) {
		return agentstatus.StatusDisconnected, stagnant
	}
	if stagnant >= stuckAfterSec {
		return agentstatus.StatusStuck, stagnant
	}
	return agentstatus.StatusRunning, stagnant
}

func (m *Monitor) stagnantSec(agentID string, tail []string, now time.Time) int {
	fp := fingerprint(tail)
	track := m.tracks[agentID]
	if track == nil || track.fingerprint != fp {
		m.tracks[agentID] = &agentTrack{fingerprint: fp, changedAt: now}
		return 0
	}
	sec := int(now.Sub(track.changedAt) / time.Second)
	if sec < 0 {
		sec = 0
	}
	return sec
}

// allPromptLines reports whether the tail shows only an idle shell: empty,
// or nothing but bare prompt lines.
func allPromptLines(tail []string) bool {
	if len(tail) == 0 {
		return true
	}
	for _, line := range tail {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if !promptPattern.MatchString(line) {
			return false
		}
	}
	return true
}

func fingerprint(tail []string) string {
	if len(tail) > fingerprintLines {
		tail = tail[len(tail)-fingerprintLines:]
	}
	sum := sha256.Sum256([]byte(strings.Join(tail, "\n")))
	return hex.EncodeToString(sum[:])
}

func (m *Monitor) write(ctx context.Context, snap agentstatus.Snapshot) error {
	if err := m.status.Upsert(ctx, snap); err != nil {
		m.logger.Warn("agent status upsert failed",
			zap.String("agent_id", snap.AgentID), zap.Error(err))
		return err
	}
	if m.bus != nil {
		m.bus.Publish("agent_status", snap)
	}
	return nil
}
