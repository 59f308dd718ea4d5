// Package metrics defines the Prometheus metrics for the orchestration bus.
//
// Metric naming follows Prometheus conventions:
//   - opsbus_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CardRunsTotal counts command-card runs by card key and terminal status.
	CardRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opsbus_card_runs_total",
			Help: "Total number of command-card runs by card and status.",
		},
		[]string{"card", "status"},
	)

	// CardRunDurationSeconds is a histogram of run execution time by card.
	CardRunDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "opsbus_card_run_duration_seconds",
			Help:    "Duration of command-card executions in seconds.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"card"},
	)

	// ToolCallsTotal counts registry tool invocations by tool and action.
	ToolCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opsbus_tool_calls_total",
			Help: "Total tool-registry invocations by tool and action.",
		},
		[]string{"tool", "action"},
	)

	// BusEventsTotal counts events published on the in-process bus by type.
	BusEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opsbus_bus_events_total",
			Help: "Total events published on the event bus by type.",
		},
		[]string{"type"},
	)

	// SSESubscribers gauges currently attached event-stream clients.
	SSESubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "opsbus_sse_subscribers",
			Help: "Currently connected SSE subscribers.",
		},
	)

	// MonitorTicksTotal counts monitor cycles by outcome.
	MonitorTicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opsbus_monitor_ticks_total",
			Help: "Total agent-monitor cycles by outcome.",
		},
		[]string{"result"},
	)

	// AgentsByStatus gauges the fleet breakdown from the last monitor cycle.
	AgentsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "opsbus_agents_by_status",
			Help: "Agents per status as of the last monitor cycle.",
		},
		[]string{"status"},
	)

	// WatchdogNudgesTotal counts watchdog sends by outcome.
	WatchdogNudgesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opsbus_watchdog_nudges_total",
			Help: "Total watchdog nudges by outcome.",
		},
		[]string{"result"},
	)

	// LLMTokensTotal counts tokens consumed by the completion client.
	LLMTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opsbus_llm_tokens_total",
			Help: "Total LLM tokens by direction (input/output).",
		},
		[]string{"direction"},
	)
)

var registry = prometheus.NewRegistry()

func init() {
	registry.MustRegister(
		CardRunsTotal,
		CardRunDurationSeconds,
		ToolCallsTotal,
		BusEventsTotal,
		SSESubscribers,
		MonitorTicksTotal,
		AgentsByStatus,
		WatchdogNudgesTotal,
		LLMTokensTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveCardRun records one finished run.
func ObserveCardRun(card, status string, started time.Time) {
	CardRunsTotal.WithLabelValues(card, status).Inc()
	CardRunDurationSeconds.WithLabelValues(card).Observe(time.Since(started).Seconds())
}
