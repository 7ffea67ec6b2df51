package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Run metrics
	RunsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bioqa_runs_started_total",
			Help: "Total number of question runs started",
		},
		[]string{"path"},
	)

	RunsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bioqa_runs_completed_total",
			Help: "Total number of question runs completed",
		},
		[]string{"path", "status"},
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bioqa_run_duration_seconds",
			Help:    "End-to-end run duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
		},
		[]string{"path"},
	)

	// Stage metrics
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bioqa_stage_duration_seconds",
			Help:    "Pipeline stage duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	StageErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bioqa_stage_errors_total",
			Help: "Total number of stage failures",
		},
		[]string{"stage"},
	)

	// Query metrics
	QueryRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bioqa_query_retries_total",
			Help: "Total number of query retries by cause",
		},
		[]string{"cause"},
	)

	SufficiencyRounds = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bioqa_sufficiency_rounds_total",
			Help: "Total number of sufficiency re-query rounds",
		},
	)

	// Fallback metrics
	FallbackInvocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bioqa_fallback_invocations_total",
			Help: "Total number of external API fallback invocations",
		},
		[]string{"outcome"},
	)

	FallbackRequests = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bioqa_fallback_requests_total",
			Help: "Total number of HTTP requests issued to the external API",
		},
	)

	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bioqa_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"breaker"},
	)

	// Streaming metrics
	FramesEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bioqa_frames_emitted_total",
			Help: "Total number of stream frames emitted",
		},
		[]string{"section"},
	)

	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bioqa_active_streams",
			Help: "Number of currently open client streams",
		},
	)

	// LLM metrics
	ModelCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bioqa_model_calls_total",
			Help: "Total number of model completions by role",
		},
		[]string{"role", "status"},
	)

	ModelCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bioqa_model_call_duration_seconds",
			Help:    "Model call duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"role"},
	)

	// Memory metrics
	MemoryHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bioqa_memory_lookups_total",
			Help: "Total number of conversation memory lookups",
		},
		[]string{"outcome"},
	)
)
