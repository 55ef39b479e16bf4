// Package observability provides Prometheus metrics and structured logging.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	// Submission metrics
	OrdersSubmitted   *prometheus.CounterVec
	SubmitLatency     prometheus.Histogram
	IdempotencyHits   prometheus.Counter
	IdempotencyErrors prometheus.Counter
	IdempotencySwept  prometheus.Counter

	// Cycle metrics
	CycleTransitions *prometheus.CounterVec
	CycleConflicts   *prometheus.CounterVec

	// Nonce metrics
	NoncesIssued   *prometheus.CounterVec
	NonceReleased  *prometheus.CounterVec
	NonceRegressed prometheus.Counter

	// Quote metrics
	QuotesObserved prometheus.Counter
	QuoteLookups   *prometheus.CounterVec
	QuoteAge       prometheus.Histogram

	// Reconciliation metrics
	ReconciliationRuns          *prometheus.CounterVec
	ReconciliationDuration      prometheus.Histogram
	DiscrepanciesFound          *prometheus.CounterVec
	CorrectionsApplied          prometheus.Counter
	OrdersConverged             prometheus.Counter
	UnresolvedCritical prometheus.Gauge

	// Dead-letter metrics
	DeadLettersCaptured *prometheus.CounterVec
	DeadLetterRetries   *prometheus.CounterVec
	DeadLettersFailed   prometheus.Gauge

	// Exchange metrics
	ExchangeCallLatency *prometheus.HistogramVec
	ExchangeErrors      *prometheus.CounterVec

	// Feed metrics
	FeedReconnects prometheus.Counter

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
	DBQueryErrors   *prometheus.CounterVec

	// Health metrics
	LastSuccessfulReconciliation prometheus.Gauge
	LastSuccessfulSweep          prometheus.Gauge
	AuditWriteErrors             prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "order_engine"
	}

	return &Metrics{
		OrdersSubmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "orders_submitted_total",
			Help:      "Total number of submission attempts by outcome status",
		}, []string{"status"}),
		SubmitLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "submit_latency_seconds",
			Help:      "End-to-end submit_order latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		IdempotencyHits: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "idempotency",
			Name:      "duplicates_total",
			Help:      "Total number of submissions answered from the idempotency cache",
		}),
		IdempotencyErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "idempotency",
			Name:      "store_errors_total",
			Help:      "Total number of submissions refused because the idempotency store failed",
		}),
		IdempotencySwept: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "idempotency",
			Name:      "records_swept_total",
			Help:      "Total number of expired idempotency records removed",
		}),

		CycleTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cycle",
			Name:      "transitions_total",
			Help:      "Total number of cycle transition attempts by transition and result",
		}, []string{"transition", "result"}),
		CycleConflicts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cycle",
			Name:      "version_conflicts_total",
			Help:      "Total number of optimistic version conflicts by transition",
		}, []string{"transition"}),

		NoncesIssued: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "nonce",
			Name:      "issued_total",
			Help:      "Total number of nonces issued by identity",
		}, []string{"identity"}),
		NonceReleased: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "nonce",
			Name:      "released_total",
			Help:      "Total number of nonces released without use by reason",
		}, []string{"reason"}),
		NonceRegressed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "nonce",
			Name:      "regressions_total",
			Help:      "Total number of issued values rejected for not exceeding the watermark",
		}),

		QuotesObserved: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "quote",
			Name:      "observed_total",
			Help:      "Total number of quote observations stored",
		}),
		QuoteLookups: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "quote",
			Name:      "lookups_total",
			Help:      "Total number of freshness lookups by result",
		}, []string{"result"}),
		QuoteAge: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "quote",
			Name:      "age_seconds",
			Help:      "Age of quotes at lookup time in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}),

		ReconciliationRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconciliation",
			Name:      "runs_total",
			Help:      "Total number of reconciliation runs by status",
		}, []string{"status"}),
		ReconciliationDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reconciliation",
			Name:      "duration_seconds",
			Help:      "Reconciliation run duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		DiscrepanciesFound: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconciliation",
			Name:      "discrepancies_total",
			Help:      "Total number of discrepancies found by severity",
		}, []string{"severity"}),
		CorrectionsApplied: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconciliation",
			Name:      "corrections_total",
			Help:      "Total number of automatic position corrections",
		}),
		OrdersConverged: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconciliation",
			Name:      "orders_converged_total",
			Help:      "Total number of stale live orders converged from exchange state",
		}),
		UnresolvedCritical: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reconciliation",
			Name:      "unresolved_critical",
			Help:      "Number of unresolved critical discrepancies after the last run",
		}),

		DeadLettersCaptured: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "deadletter",
			Name:      "captured_total",
			Help:      "Total number of failed operations captured by operation type",
		}, []string{"operation"}),
		DeadLetterRetries: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "deadletter",
			Name:      "retries_total",
			Help:      "Total number of retry attempts by operation and result",
		}, []string{"operation", "result"}),
		DeadLettersFailed: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "deadletter",
			Name:      "failed",
			Help:      "Number of entries in failed status awaiting operator resolution",
		}),

		ExchangeCallLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "exchange",
			Name:      "call_latency_seconds",
			Help:      "Exchange call latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		ExchangeErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "exchange",
			Name:      "errors_total",
			Help:      "Total number of exchange errors by method and class",
		}, []string{"method", "class"}),

		FeedReconnects: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "quotefeed",
			Name:      "reconnects_total",
			Help:      "Total number of quote feed reconnects",
		}),

		DBQueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"database", "operation"}),
		DBQueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_errors_total",
			Help:      "Total number of database query errors",
		}, []string{"database", "operation"}),

		LastSuccessfulReconciliation: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_successful_reconciliation_timestamp",
			Help:      "Unix timestamp of last successful reconciliation run",
		}),
		LastSuccessfulSweep: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_successful_sweep_timestamp",
			Help:      "Unix timestamp of last successful dead-letter sweep",
		}),
		AuditWriteErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "write_errors_total",
			Help:      "Total number of audit events that could not be written",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// RecordSubmit records the outcome of one submit_order call.
func RecordSubmit(status string, seconds float64) {
	DefaultMetrics.OrdersSubmitted.WithLabelValues(status).Inc()
	DefaultMetrics.SubmitLatency.Observe(seconds)
}

// RecordIdempotencyHit increments the duplicate counter.
func RecordIdempotencyHit() {
	DefaultMetrics.IdempotencyHits.Inc()
}

// RecordIdempotencyError increments the fail-closed counter.
func RecordIdempotencyError() {
	DefaultMetrics.IdempotencyErrors.Inc()
}

// RecordIdempotencySwept adds to the swept records counter.
func RecordIdempotencySwept(n int64) {
	DefaultMetrics.IdempotencySwept.Add(float64(n))
}

// RecordCycleTransition records a transition attempt.
func RecordCycleTransition(transition string, accepted, conflict bool) {
	result := "rejected"
	if accepted {
		result = "accepted"
	}
	DefaultMetrics.CycleTransitions.WithLabelValues(transition, result).Inc()
	if conflict {
		DefaultMetrics.CycleConflicts.WithLabelValues(transition).Inc()
	}
}

// RecordNonceIssued increments the issued counter for identity.
func RecordNonceIssued(identity string) {
	DefaultMetrics.NoncesIssued.WithLabelValues(identity).Inc()
}

// RecordNonceReleased increments the released counter.
func RecordNonceReleased(reason string) {
	DefaultMetrics.NonceReleased.WithLabelValues(reason).Inc()
}

// RecordNonceRegression increments the regression counter.
func RecordNonceRegression() {
	DefaultMetrics.NonceRegressed.Inc()
}

// RecordQuoteObserved increments the stored observations counter.
func RecordQuoteObserved() {
	DefaultMetrics.QuotesObserved.Inc()
}

// RecordQuoteLookup records a freshness lookup result and, when found, its age.
func RecordQuoteLookup(result string, ageSeconds float64, found bool) {
	DefaultMetrics.QuoteLookups.WithLabelValues(result).Inc()
	if found {
		DefaultMetrics.QuoteAge.Observe(ageSeconds)
	}
}

// RecordReconciliationRun records a reconciliation run.
func RecordReconciliationRun(status string, seconds float64, corrections, converged int, unresolvedCritical int, at float64) {
	DefaultMetrics.ReconciliationRuns.WithLabelValues(status).Inc()
	DefaultMetrics.ReconciliationDuration.Observe(seconds)
	DefaultMetrics.CorrectionsApplied.Add(float64(corrections))
	DefaultMetrics.OrdersConverged.Add(float64(converged))
	DefaultMetrics.UnresolvedCritical.Set(float64(unresolvedCritical))
	if status == "ok" {
		DefaultMetrics.LastSuccessfulReconciliation.Set(at)
	}
}

// RecordDiscrepancy increments the discrepancy counter for severity.
func RecordDiscrepancy(severity string) {
	DefaultMetrics.DiscrepanciesFound.WithLabelValues(severity).Inc()
}

// RecordDeadLetterCaptured increments the captured counter.
func RecordDeadLetterCaptured(operation string) {
	DefaultMetrics.DeadLettersCaptured.WithLabelValues(operation).Inc()
}

// RecordDeadLetterRetry records a retry attempt result.
func RecordDeadLetterRetry(operation, result string) {
	DefaultMetrics.DeadLetterRetries.WithLabelValues(operation, result).Inc()
}

// UpdateDeadLettersFailed sets the failed entries gauge and the sweep health timestamp.
func UpdateDeadLettersFailed(n int, at float64) {
	DefaultMetrics.DeadLettersFailed.Set(float64(n))
	DefaultMetrics.LastSuccessfulSweep.Set(at)
}

// RecordExchangeCall records exchange call latency and error class ("" for success).
func RecordExchangeCall(method string, seconds float64, class string) {
	DefaultMetrics.ExchangeCallLatency.WithLabelValues(method).Observe(seconds)
	if class != "" {
		DefaultMetrics.ExchangeErrors.WithLabelValues(method, class).Inc()
	}
}

// RecordFeedReconnect increments the feed reconnect counter.
func RecordFeedReconnect() {
	DefaultMetrics.FeedReconnects.Inc()
}

// RecordDBQuery records database query metrics.
func RecordDBQuery(database, operation string, seconds float64, err error) {
	DefaultMetrics.DBQueryDuration.WithLabelValues(database, operation).Observe(seconds)
	if err != nil {
		DefaultMetrics.DBQueryErrors.WithLabelValues(database, operation).Inc()
	}
}

// RecordAuditWriteError increments the audit write error counter.
func RecordAuditWriteError() {
	DefaultMetrics.AuditWriteErrors.Inc()
}
