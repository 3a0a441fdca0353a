package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Submission outcomes recorded by ObserveSubmission.
const (
	OutcomeInvalidInput    = "invalid_input"
	OutcomeGenerationError = "generation_error"
	OutcomeExecuted        = "executed"
	OutcomeExecutionError  = "execution_error"
)

var (
	submissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askdb_submissions_total",
			Help: "Total number of natural-language submissions by outcome.",
		},
		[]string{"outcome"},
	)
	completionLatencyMs = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "askdb_completion_latency_ms",
			Help:    "LLM completion latency in milliseconds.",
			Buckets: []float64{50, 100, 250, 500, 1000, 2000, 5000, 10000, 30000, 60000},
		},
	)
	executionLatencyMs = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "askdb_execution_latency_ms",
			Help:    "Generated SQL execution latency in milliseconds.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000, 30000},
		},
	)
	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "askdb_active_sessions",
			Help: "Current number of conversation sessions.",
		},
	)
	catalogTables = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "askdb_catalog_tables",
			Help: "Number of tables in the current schema catalog.",
		},
	)
	resultExportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askdb_result_exports_total",
			Help: "Total number of query result exports by status.",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(
		submissionsTotal,
		completionLatencyMs,
		executionLatencyMs,
		activeSessions,
		catalogTables,
		resultExportsTotal,
	)
}

func ObserveSubmission(outcome string) {
	submissionsTotal.WithLabelValues(outcome).Inc()
}

func ObserveCompletionLatency(elapsed time.Duration) {
	completionLatencyMs.Observe(float64(elapsed.Milliseconds()))
}

func ObserveExecutionLatency(elapsed time.Duration) {
	executionLatencyMs.Observe(float64(elapsed.Milliseconds()))
}

func SetActiveSessions(count int) {
	if count < 0 {
		count = 0
	}
	activeSessions.Set(float64(count))
}

func SetCatalogTables(count int) {
	if count < 0 {
		count = 0
	}
	catalogTables.Set(float64(count))
}

func ObserveResultExport(err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	resultExportsTotal.WithLabelValues(status).Inc()
}
