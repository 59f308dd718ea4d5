package chatops

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/marcus-qen/opsbus/internal/metrics"
	"github.com/marcus-qen/opsbus/internal/term"
)

// minWatchdogInterval floors the configured interval so a typo can't turn
// the watchdog into a spam loop.
const minWatchdogInterval = 30 * time.Second

// WatchdogConfig controls the periodic nudge loop.
type WatchdogConfig struct {
	Interval time.Duration
	// Message is the text typed into each session.
	Message string
	// IncludeMaster also nudges the master session, not just workers.
	IncludeMaster bool
	// Enabled sets the initial state; /watchdog toggles it at runtime.
	Enabled bool
}

// Watchdog periodically sends a nudge message to hosted sessions so agents
// waiting on input keep making progress.
type Watchdog struct {
	bridge term.Bridge
	log    logr.Logger
	cfg    WatchdogConfig

	mu      sync.Mutex
	enabled bool
	sent    int64
	skipped int64
}

func NewWatchdog(bridge term.Bridge, cfg WatchdogConfig, log logr.Logger) *Watchdog {
	if cfg.Interval < minWatchdogInterval {
		cfg.Interval = minWatchdogInterval
	}
	if cfg.Message == "" {
		cfg.Message = "continue"
	}
	return &Watchdog{
		bridge:  bridge,
		log:     log.WithName("watchdog"),
		cfg:     cfg,
		enabled: cfg.Enabled,
	}
}

// Toggle flips the enabled state and reports the new one.
func (w *Watchdog) Toggle() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.enabled = !w.enabled
	w.log.Info("watchdog toggled", "enabled", w.enabled)
	return w.enabled
}

func (w *Watchdog) Enabled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enabled
}

// Counters reports cumulative send successes and skips.
func (w *Watchdog) Counters() (sent, skipped int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sent, w.skipped
}

// Run loops until context cancellation, nudging sessions each interval while
// enabled.
func (w *Watchdog) Run(ctx context.Context) {
	w.log.Info("watchdog loop starting", "interval", w.cfg.Interval, "enabled", w.Enabled())
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("watchdog loop stopping")
			return
		case <-ticker.C:
			if !w.Enabled() {
				continue
			}
			w.tick(ctx)
		}
	}
}

// tick nudges every session once. Per-session failures count as skips and do
// not abort the round.
func (w *Watchdog) tick(ctx context.Context) {
	if w.bridge == nil {
		return
	}
	sessions, err := w.bridge.ListSessions(ctx)
	if err != nil {
		w.log.Error(err, "watchdog could not list sessions")
		return
	}

	var sent, skipped int64
	for _, s := range sessions {
		if isMasterSession(s) && !w.cfg.IncludeMaster {
			skipped++
			continue
		}
		results, err := w.bridge.SendInput(ctx, term.SendRequest{
			AgentID:     s.AgentID,
			Text:        w.cfg.Message,
			AppendEnter: true,
		})
		if err != nil {
			w.log.Error(err, "watchdog nudge failed", "agentID", s.AgentID)
			skipped++
			continue
		}
		delivered := false
		for _, res := range results {
			if res.AgentID == s.AgentID && res.Sent && res.Error == "" {
				delivered = true
			}
		}
		if delivered {
			sent++
		} else {
			skipped++
		}
	}

	w.mu.Lock()
	w.sent += sent
	w.skipped += skipped
	w.mu.Unlock()
	metrics.WatchdogNudgesTotal.WithLabelValues("sent").Add(float64(sent))
	metrics.WatchdogNudgesTotal.WithLabelValues("skipped").Add(float64(skipped))

	if sent > 0 || skipped > 0 {
		w.log.V(1).Info("watchdog round complete", "sent", sent, "skipped", skipped)
	}
}
