// Package metrics provides Prometheus instrumentation for Harrier.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "harrier"

var (
	// HTTPRequestsTotal counts HTTP requests by method, route pattern and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, route pattern, and status class.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and route pattern.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// AssessmentsTotal counts completed assessments by recommendation.
	AssessmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assessments_total",
			Help:      "Total fraud assessments by recommendation.",
		},
		[]string{"recommendation"},
	)

	// AssessmentFailuresTotal counts assessments that could not be produced.
	AssessmentFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assessment_failures_total",
			Help:      "Total assessments aborted before a result was produced, by stage.",
		},
		[]string{"stage"},
	)

	// AssessmentDuration observes end-to-end assessment latency.
	AssessmentDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "assessment_duration_seconds",
		Help:      "Assessment duration in seconds.",
		Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// RiskScore observes the overall risk score distribution.
	RiskScore = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "risk_score",
		Help:      "Distribution of overall assessment risk scores.",
		Buckets:   prometheus.LinearBuckets(0, 10, 11),
	})

	// RuleTriggersTotal counts rule triggers by rule id.
	RuleTriggersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_triggers_total",
			Help:      "Total rule triggers by rule id.",
		},
		[]string{"rule_id"},
	)

	// RuleErrorsTotal counts rule evaluations that failed closed.
	RuleErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_errors_total",
			Help:      "Total rule evaluation errors by rule id.",
		},
		[]string{"rule_id"},
	)

	// ActiveRules tracks the number of active rules in the engine.
	ActiveRules = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_rules",
		Help:      "Number of active fraud rules.",
	})

	// FingerprintsResolvedTotal counts fingerprint resolutions by kind and result (new, existing).
	FingerprintsResolvedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fingerprints_resolved_total",
			Help:      "Total fingerprint resolutions by kind and result.",
		},
		[]string{"kind", "result"},
	)

	// FingerprintsBlacklistedTotal counts blacklist transitions by kind.
	FingerprintsBlacklistedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fingerprints_blacklisted_total",
			Help:      "Total fingerprints blacklisted by kind.",
		},
		[]string{"kind"},
	)

	// UsageRecordsTotal counts ledger appends by outcome.
	UsageRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_records_total",
			Help:      "Total usage records appended by outcome.",
		},
		[]string{"outcome"},
	)

	// UsageRecordsPurgedTotal counts ledger records dropped by retention.
	UsageRecordsPurgedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "usage_records_purged_total",
		Help:      "Total usage records removed by the retention purge.",
	})

	// PatternsDetectedTotal counts detected patterns by type.
	PatternsDetectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "patterns_detected_total",
			Help:      "Total card risk patterns detected by type.",
		},
		[]string{"type"},
	)

	// CacheLookupsTotal counts fingerprint cache reads by tier and result (hit, miss, error).
	CacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Total fingerprint cache lookups by tier and result.",
		},
		[]string{"tier", "result"},
	)

	// BusMessagesDroppedTotal counts channel bus deliveries lost to a full subscriber buffer.
	BusMessagesDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_messages_dropped_total",
			Help:      "Total in-process bus deliveries dropped because a subscriber buffer was full.",
		},
		[]string{"topic"},
	)

	// WorkerMessagesTotal counts bus messages handled by the async worker.
	WorkerMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_messages_total",
			Help:      "Total bus messages handled by the worker by topic and status.",
		},
		[]string{"topic", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		AssessmentsTotal,
		AssessmentFailuresTotal,
		AssessmentDuration,
		RiskScore,
		RuleTriggersTotal,
		RuleErrorsTotal,
		ActiveRules,
		FingerprintsResolvedTotal,
		FingerprintsBlacklistedTotal,
		UsageRecordsTotal,
		UsageRecordsPurgedTotal,
		PatternsDetectedTotal,
		CacheLookupsTotal,
		BusMessagesDroppedTotal,
		WorkerMessagesTotal,
	)
}

// Middleware records request metrics keyed by the chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		path := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		HTTPRequestsTotal.WithLabelValues(r.Method, path, statusBucket(status)).Inc()
	})
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func statusBucket(code int) string {
	if code < 100 || code > 599 {
		return strconv.Itoa(code)
	}
	return strconv.Itoa(code/100) + "xx"
}
