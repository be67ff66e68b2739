package metrics

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	AnalysisDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "smartscope_analysis_duration_seconds",
			Help:    "End-to-end analysis duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
		},
		[]string{"kind", "source"},
	)

	AnalysisTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smartscope_analysis_total",
			Help: "Total analyses by terminal status",
		},
		[]string{"kind", "status"},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "smartscope_queue_depth",
			Help: "Analysis requests waiting for a worker",
		},
	)

	InferenceAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smartscope_inference_attempts_total",
			Help: "Inference attempts that reached the service, by outcome",
		},
		[]string{"model", "outcome"},
	)

	InferenceLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "smartscope_inference_latency_seconds",
			Help:    "Latency of single inference attempts",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"model"},
	)

	LLMTokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smartscope_llm_tokens_used",
			Help: "Total LLM tokens used",
		},
		[]string{"model", "type"},
	)

	LLMCost = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smartscope_llm_cost_usd",
			Help: "Recorded inference cost in USD",
		},
		[]string{"model"},
	)

	CircuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "smartscope_circuit_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)

	ConfidenceScore = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "smartscope_confidence_score",
			Help:    "Overall confidence of stored results",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
		[]string{"kind", "category"},
	)

	FeedbackRating = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "smartscope_feedback_rating",
			Help:    "Submitted feedback ratings",
			Buckets: []float64{1, 2, 3, 4, 5},
		},
		[]string{"category"},
	)

	MediaRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smartscope_media_rejected_total",
			Help: "Images rejected by preprocessing, by first issue",
		},
		[]string{"issue"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smartscope_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smartscope_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	BudgetAlerts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smartscope_budget_alerts_total",
			Help: "Budget threshold alerts raised",
		},
		[]string{"window"},
	)

	CalibrationRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smartscope_calibration_runs_total",
			Help: "Learning loop runs by outcome",
		},
		[]string{"status"},
	)
)

var initOnce sync.Once

// Init registers every collector with the default registry. Safe to call
// more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			AnalysisDuration,
			AnalysisTotal,
			QueueDepth,
			InferenceAttempts,
			InferenceLatency,
			LLMTokensUsed,
			LLMCost,
			CircuitState,
			ConfidenceScore,
			FeedbackRating,
			MediaRejected,
			CacheHits,
			CacheMisses,
			BudgetAlerts,
			CalibrationRuns,
		)
	})
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
