package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Run metrics
	RunsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_runs_started_total",
			Help: "Total number of research runs started",
		},
		[]string{"depth"},
	)

	RunsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_runs_completed_total",
			Help: "Total number of research runs that reached a terminal state",
		},
		[]string{"depth", "state", "confidence"},
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "research_run_duration_seconds",
			Help:    "Research run wall-clock duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"depth"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "research_stage_duration_seconds",
			Help:    "Duration of each pipeline stage in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	UnresolvedSubtasks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "research_unresolved_subtasks_total",
			Help: "Total number of subtasks that produced no findings",
		},
	)

	// Gate metrics
	GateInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "research_gate_in_flight",
			Help: "Calls currently holding a gate slot",
		},
		[]string{"category"},
	)

	GateQueued = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "research_gate_queued",
			Help: "Callers waiting for a gate slot",
		},
		[]string{"category"},
	)

	GateWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "research_gate_wait_seconds",
			Help:    "Time spent waiting for admission through the gate",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 60},
		},
		[]string{"category"},
	)

	GateRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_gate_rejections_total",
			Help: "Non-blocking acquisitions rejected by the gate",
		},
		[]string{"category"},
	)

	// Cache metrics
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"namespace"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"namespace"},
	)

	CacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "research_cache_evictions_total",
			Help: "Entries removed from the local cache by expiry or capacity",
		},
	)

	// Tool metrics
	ToolExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_tool_executions_total",
			Help: "Total number of tool executions",
		},
		[]string{"tool", "status"},
	)

	ToolDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "research_tool_duration_seconds",
			Help:    "Tool execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tool"},
	)

	// LLM metrics
	LLMAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_llm_attempts_total",
			Help: "Provider attempts by outcome",
		},
		[]string{"provider", "outcome"},
	)

	LLMTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_llm_tokens_total",
			Help: "Tokens consumed by agent role",
		},
		[]string{"agent"},
	)

	LLMCostUSD = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_llm_cost_usd_total",
			Help: "Estimated provider cost in USD by agent role",
		},
		[]string{"agent"},
	)

	LLMLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "research_llm_latency_seconds",
			Help:    "Agent invocation latency including retries",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"agent"},
	)

	// Pricing fallback metrics
	PricingFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_pricing_fallback_total",
			Help: "Total number of pricing fallbacks (missing/unknown model)",
		},
		[]string{"reason"},
	)

	// Circuit breaker metrics
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "research_circuit_breaker_state",
			Help: "Current state of circuit breaker (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	BreakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_circuit_breaker_state_changes_total",
			Help: "Total number of state changes in circuit breaker",
		},
		[]string{"name", "from_state", "to_state"},
	)

	// Streaming metrics
	StreamEventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "research_stream_events_dropped_total",
			Help: "Events dropped because a subscriber was slow",
		},
	)
)

// RecordRunMetrics records metrics for a completed run
func RecordRunMetrics(depth, state, confidence string, durationSeconds float64) {
	RunsCompleted.WithLabelValues(depth, state, confidence).Inc()
	RunDuration.WithLabelValues(depth).Observe(durationSeconds)
}

// RecordToolMetrics records metrics for a tool execution
func RecordToolMetrics(tool, status string, durationSeconds float64) {
	ToolExecutions.WithLabelValues(tool, status).Inc()
	if durationSeconds > 0 {
		ToolDuration.WithLabelValues(tool).Observe(durationSeconds)
	}
}

// RecordLLMUsage records token and cost counters for an agent invocation
func RecordLLMUsage(agent string, tokens int, costUSD float64, durationSeconds float64) {
	if tokens > 0 {
		LLMTokens.WithLabelValues(agent).Add(float64(tokens))
	}
	if costUSD > 0 {
		LLMCostUSD.WithLabelValues(agent).Add(costUSD)
	}
	LLMLatency.WithLabelValues(agent).Observe(durationSeconds)
}
