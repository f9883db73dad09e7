// Package metrics holds the Prometheus collectors of the companion.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TurnsProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "her_turns_processed_total",
			Help: "Total number of inbound messages that produced a reply",
		},
	)

	TurnsBlocked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "her_turns_blocked_total",
			Help: "Inbound messages short-circuited before reply generation",
		},
		[]string{"reason"},
	)

	TurnErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "her_turn_errors_total",
			Help: "Turns that failed and were answered with the apology message",
		},
	)

	TurnDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "her_turn_duration_seconds",
			Help:    "End-to-end coordinator latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		},
	)

	LLMLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "her_llm_latency_seconds",
			Help:    "Language model call latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		},
		[]string{"model"},
	)

	LLMFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "her_llm_fallbacks_total",
			Help: "Replies replaced by a fallback text",
		},
		[]string{"reason"},
	)

	RAGSearches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "her_rag_searches_total",
			Help: "Dialogue RAG searches by outcome",
		},
		[]string{"outcome"},
	)

	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "her_tool_calls_total",
			Help: "External data tool lookups by tool and outcome",
		},
		[]string{"tool", "outcome"},
	)

	ExtractionDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "her_memory_extraction_dropped_total",
			Help: "Memory extraction jobs dropped because the queue was full",
		},
	)

	ExtractionJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "her_memory_extraction_jobs_total",
			Help: "Finished memory extraction jobs by outcome",
		},
		[]string{"outcome"},
	)

	ProactiveMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "her_proactive_messages_total",
			Help: "Proactive messages enqueued by kind",
		},
		[]string{"kind"},
	)

	ScheduledRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "her_scheduled_task_runs_total",
			Help: "Scheduled task runs by task and outcome",
		},
		[]string{"task", "outcome"},
	)
)

// Outcome labels.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
	OutcomeEmpty = "empty"
	OutcomeSkip  = "skipped"
)

// Outcome maps an error to an outcome label.
func Outcome(err error) string {
	if err != nil {
		return OutcomeError
	}
	return OutcomeOK
}
