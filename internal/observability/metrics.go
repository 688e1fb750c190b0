// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Claim metrics
	EvaluationsTotal     *prometheus.CounterVec
	SettlementsTotal     *prometheus.CounterVec
	ReconciliationsTotal *prometheus.CounterVec
	AbandonedClaims      prometheus.Counter
	UnknownErrors        prometheus.Counter

	// Latency metrics
	LedgerCallLatency   *prometheus.HistogramVec
	IdentityCallLatency prometheus.Histogram

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
	DBQueryErrors   *prometheus.CounterVec

	// Health metrics
	PolicyEntries *prometheus.GaugeVec
	UptimeSeconds prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "pi_faucet"
	}

	return &Metrics{
		EvaluationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "claims",
			Name:      "evaluations_total",
			Help:      "Total number of eligibility evaluations by outcome",
		}, []string{"outcome"}),
		SettlementsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "claims",
			Name:      "settlements_total",
			Help:      "Total number of executions by outcome",
		}, []string{"outcome"}),
		ReconciliationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "claims",
			Name:      "reconciliations_total",
			Help:      "Total number of ledger reconciliations by result",
		}, []string{"result"}),
		AbandonedClaims: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "claims",
			Name:      "abandoned_total",
			Help:      "Total number of stale claims moved to failed",
		}),
		UnknownErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "claims",
			Name:      "unknown_errors_total",
			Help:      "Total number of errors that matched no translation rule",
		}),

		LedgerCallLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "call_latency_seconds",
			Help:      "Ledger API call latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		IdentityCallLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "identity",
			Name:      "call_latency_seconds",
			Help:      "Identity API call latency in seconds",
			Buckets:   prometheus.DefBuckets,
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

		PolicyEntries: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "policy",
			Name:      "entries",
			Help:      "Number of addresses in each policy list",
		}, []string{"list"}),
		UptimeSeconds: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "uptime_seconds_total",
			Help:      "Total uptime in seconds",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// RecordEvaluation counts an eligibility evaluation.
func RecordEvaluation(outcome string) {
	DefaultMetrics.EvaluationsTotal.WithLabelValues(outcome).Inc()
}

// RecordSettlement counts an execution outcome.
func RecordSettlement(outcome string) {
	DefaultMetrics.SettlementsTotal.WithLabelValues(outcome).Inc()
}

// RecordReconciliation counts a ledger reconciliation. result is "found" or "missing".
func RecordReconciliation(result string) {
	DefaultMetrics.ReconciliationsTotal.WithLabelValues(result).Inc()
}

// RecordAbandoned increments the abandoned claims counter.
func RecordAbandoned() {
	DefaultMetrics.AbandonedClaims.Inc()
}

// RecordUnknownError increments the untranslated error counter.
func RecordUnknownError() {
	DefaultMetrics.UnknownErrors.Inc()
}

// RecordLedgerLatency records ledger call latency.
func RecordLedgerLatency(method string, seconds float64) {
	DefaultMetrics.LedgerCallLatency.WithLabelValues(method).Observe(seconds)
}

// RecordIdentityLatency records identity call latency.
func RecordIdentityLatency(seconds float64) {
	DefaultMetrics.IdentityCallLatency.Observe(seconds)
}

// RecordDBQuery records database query metrics.
func RecordDBQuery(database, operation string, seconds float64, err error) {
	DefaultMetrics.DBQueryDuration.WithLabelValues(database, operation).Observe(seconds)
	if err != nil {
		DefaultMetrics.DBQueryErrors.WithLabelValues(database, operation).Inc()
	}
}

// UpdatePolicySizes sets the policy list gauges.
func UpdatePolicySizes(whitelist, blocklist int) {
	DefaultMetrics.PolicyEntries.WithLabelValues("whitelist").Set(float64(whitelist))
	DefaultMetrics.PolicyEntries.WithLabelValues("blocklist").Set(float64(blocklist))
}

// RecordUptime adds elapsed seconds to the uptime counter.
func RecordUptime(seconds float64) {
	DefaultMetrics.UptimeSeconds.Add(seconds)
}
