package metrics

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scamguard/backend/pkg/circuitbreaker"
)

var (
	AggregationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scamguard_aggregation_duration_seconds",
			Help:    "Analytics aggregation duration in seconds",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"operation"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scamguard_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scamguard_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	ReportsGenerated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scamguard_reports_generated_total",
			Help: "Total reports generated",
		},
		[]string{"report_type"},
	)

	ReportDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scamguard_report_generation_duration_seconds",
			Help:    "Report generation duration in seconds",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"report_type"},
	)

	SectionFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scamguard_report_section_failures_total",
			Help: "Report sections skipped because their generator failed or is unknown",
		},
		[]string{"section"},
	)

	ReportExports = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scamguard_report_exports_total",
			Help: "Total report exports",
		},
		[]string{"format"},
	)

	PatternsDetected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scamguard_patterns_detected_total",
			Help: "Total time-series patterns detected",
		},
		[]string{"pattern_type"},
	)

	InsightsGenerated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scamguard_insights_generated_total",
			Help: "Total insights generated",
		},
		[]string{"insight_type", "impact"},
	)

	ABAssignments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scamguard_ab_assignments_total",
			Help: "Total A/B variant assignments",
		},
		[]string{"test_id", "variant_id"},
	)

	Classifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scamguard_classifications_total",
			Help: "Job postings classified by label",
		},
		[]string{"classification"},
	)

	MessagesProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scamguard_messages_processed_total",
			Help: "Total inbound messages processed",
		},
		[]string{"message_type", "status"},
	)

	LLMTokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scamguard_llm_tokens_used",
			Help: "Total LLM tokens used",
		},
		[]string{"model", "type"},
	)

	ClassifierConfidence = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scamguard_classifier_confidence",
			Help:    "Classifier confidence scores",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)

	WebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scamguard_dashboard_ws_clients",
			Help: "Connected live dashboard clients",
		},
	)

	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scamguard_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)
)

var initOnce sync.Once

// Init registers every collector with the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(AggregationDuration)
		prometheus.MustRegister(CacheHits)
		prometheus.MustRegister(CacheMisses)
		prometheus.MustRegister(ReportsGenerated)
		prometheus.MustRegister(ReportDuration)
		prometheus.MustRegister(SectionFailures)
		prometheus.MustRegister(ReportExports)
		prometheus.MustRegister(PatternsDetected)
		prometheus.MustRegister(InsightsGenerated)
		prometheus.MustRegister(ABAssignments)
		prometheus.MustRegister(Classifications)
		prometheus.MustRegister(MessagesProcessed)
		prometheus.MustRegister(LLMTokensUsed)
		prometheus.MustRegister(ClassifierConfidence)
		prometheus.MustRegister(WebSocketClients)
		prometheus.MustRegister(BreakerState)
	})
}

// RecordBreakerState is a circuitbreaker.Config.OnStateChange hook.
func RecordBreakerState(name string, _, to circuitbreaker.State) {
	BreakerState.WithLabelValues(name).Set(float64(to))
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
