package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const metricsPath = "/metrics"

var (
	registry       *prometheus.Registry
	registryOnce   sync.Once
	metricsEnabled = true

	// Analysis metrics
	CallsAnalyzed        *prometheus.CounterVec
	ComplianceViolations *prometheus.CounterVec
	ProfanityHits        *prometheus.CounterVec
	AnalysisDuration     *prometheus.HistogramVec
	UtterancesAnalyzed   prometheus.Counter

	// Input metrics
	FilesSkipped     *prometheus.CounterVec
	MalformedRecords prometheus.Counter
	BatchDuration    prometheus.Histogram
	BatchSize        prometheus.Histogram

	// Output metrics
	ReportsPersisted *prometheus.CounterVec
	AuditRecords     *prometheus.CounterVec

	// AMQP metrics
	AMQPPublishedMessages *prometheus.CounterVec
	AMQPConnectionErrors  *prometheus.CounterVec
	AMQPConnectionStatus  prometheus.Gauge

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRateLimited     *prometheus.CounterVec
)

// Init initializes all metrics and registers them with Prometheus
func Init(logger *logrus.Logger) {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()

		CallsAnalyzed = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callaudit_calls_analyzed_total",
				Help: "Total number of calls analyzed",
			},
			[]string{"mode"},
		)

		ComplianceViolations = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callaudit_compliance_violations_total",
				Help: "Total number of calls with a disclosure before verification",
			},
			[]string{"mode"},
		)

		ProfanityHits = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callaudit_profanity_hits_total",
				Help: "Total number of utterances matching a profanity rule",
			},
			[]string{"speaker"},
		)

		AnalysisDuration = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "callaudit_analysis_duration_seconds",
				Help:    "Time spent analyzing a single call",
				Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
			},
			[]string{"mode"},
		)

		UtterancesAnalyzed = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "callaudit_utterances_analyzed_total",
				Help: "Total number of utterances analyzed",
			},
		)

		FilesSkipped = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callaudit_files_skipped_total",
				Help: "Total number of transcript files that could not be parsed",
			},
			[]string{"reason"},
		)

		MalformedRecords = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "callaudit_malformed_records_total",
				Help: "Total number of utterance records dropped by the loader",
			},
		)

		BatchDuration = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "callaudit_batch_duration_seconds",
				Help:    "Wall-clock time of a batch run",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
			},
		)

		BatchSize = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "callaudit_batch_size",
				Help:    "Number of transcripts submitted per batch",
				Buckets: prometheus.ExponentialBuckets(1, 4, 8),
			},
		)

		ReportsPersisted = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callaudit_reports_persisted_total",
				Help: "Total number of reports written to the report store",
			},
			[]string{"status"},
		)

		AuditRecords = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callaudit_audit_records_total",
				Help: "Total number of verdicts appended to the audit chain",
			},
			[]string{"status"},
		)

		AMQPPublishedMessages = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callaudit_amqp_published_messages_total",
				Help: "Total number of reports published to AMQP",
			},
			[]string{"queue", "status"},
		)

		AMQPConnectionErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callaudit_amqp_connection_errors_total",
				Help: "Total number of AMQP connection errors",
			},
			[]string{"error_type"},
		)

		AMQPConnectionStatus = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "callaudit_amqp_connection_status",
				Help: "AMQP connection status (1 = connected, 0 = disconnected)",
			},
		)

		HTTPRequestsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callaudit_http_requests_total",
				Help: "Total number of HTTP API requests",
			},
			[]string{"handler", "code"},
		)

		HTTPRequestDuration = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "callaudit_http_request_duration_seconds",
				Help:    "HTTP API request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"handler"},
		)

		HTTPRateLimited = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callaudit_http_rate_limited_total",
				Help: "Total number of HTTP requests rejected by the rate limiter",
			},
			[]string{"path"},
		)

		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),

			// Analysis metrics
			CallsAnalyzed,
			ComplianceViolations,
			ProfanityHits,
			AnalysisDuration,
			UtterancesAnalyzed,

			// Input metrics
			FilesSkipped,
			MalformedRecords,
			BatchDuration,
			BatchSize,

			// Output metrics
			ReportsPersisted,
			AuditRecords,

			// AMQP metrics
			AMQPPublishedMessages,
			AMQPConnectionErrors,
			AMQPConnectionStatus,

			// HTTP metrics
			HTTPRequestsTotal,
			HTTPRequestDuration,
			HTTPRateLimited,
		)

		logger.Info("Prometheus metrics initialized")
	})
}

// GetRegistry returns the prometheus registry
func GetRegistry() *prometheus.Registry {
	return registry
}

// MetricsPath returns the HTTP path of the metrics endpoint
func MetricsPath() string {
	return metricsPath
}

// EnableMetrics enables or disables metrics collection
func EnableMetrics(enabled bool) {
	metricsEnabled = enabled
}

// IsMetricsEnabled returns whether metrics are enabled and initialized
func IsMetricsEnabled() bool {
	return metricsEnabled && registry != nil
}

// Handler returns the HTTP handler exposing the registry
func Handler() http.Handler {
	return promhttp.HandlerFor(
		registry,
		promhttp.HandlerOpts{
			EnableOpenMetrics: true,
			Registry:          registry,
		},
	)
}

// RegisterHandler registers the metrics HTTP handler
func RegisterHandler(mux *http.ServeMux) {
	if IsMetricsEnabled() {
		mux.Handle(metricsPath, Handler())
	}
}

// StartMetrics initializes the metrics service
func StartMetrics(logger *logrus.Logger, enabled bool) {
	if !enabled {
		EnableMetrics(false)
		logger.Info("Metrics collection is disabled")
		return
	}

	Init(logger)
	EnableMetrics(true)
	logger.WithField("metrics_path", metricsPath).Info("Metrics endpoint initialized")
}

// RecordCallAnalyzed records the outcome of one call analysis
func RecordCallAnalyzed(mode string, utterances int, violation bool, agentHits, borrowerHits int) {
	if !IsMetricsEnabled() {
		return
	}
	CallsAnalyzed.WithLabelValues(mode).Inc()
	UtterancesAnalyzed.Add(float64(utterances))
	if violation {
		ComplianceViolations.WithLabelValues(mode).Inc()
	}
	if agentHits > 0 {
		ProfanityHits.WithLabelValues("agent").Add(float64(agentHits))
	}
	if borrowerHits > 0 {
		ProfanityHits.WithLabelValues("borrower").Add(float64(borrowerHits))
	}
}

// ObserveAnalysis records the time taken for one call analysis with a timer function
func ObserveAnalysis(mode string) func() {
	if !IsMetricsEnabled() {
		return func() {}
	}

	start := time.Now()
	return func() {
		AnalysisDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
	}
}

// ObserveBatch records the duration and size of a batch run with a timer function
func ObserveBatch(size int) func() {
	if !IsMetricsEnabled() {
		return func() {}
	}

	BatchSize.Observe(float64(size))
	start := time.Now()
	return func() {
		BatchDuration.Observe(time.Since(start).Seconds())
	}
}

// RecordFileSkipped records a transcript that could not be parsed
func RecordFileSkipped(reason string) {
	if IsMetricsEnabled() {
		FilesSkipped.WithLabelValues(reason).Inc()
	}
}

// RecordMalformedRecords records utterance records dropped by the loader
func RecordMalformedRecords(count int) {
	if IsMetricsEnabled() && count > 0 {
		MalformedRecords.Add(float64(count))
	}
}

// RecordReportPersisted records a report store write
func RecordReportPersisted(status string) {
	if IsMetricsEnabled() {
		ReportsPersisted.WithLabelValues(status).Inc()
	}
}

// RecordAuditRecord records an audit chain append
func RecordAuditRecord(status string) {
	if IsMetricsEnabled() {
		AuditRecords.WithLabelValues(status).Inc()
	}
}

// RecordAMQPPublish records metrics for an AMQP publish
func RecordAMQPPublish(queue, status string) {
	if IsMetricsEnabled() {
		AMQPPublishedMessages.WithLabelValues(queue, status).Inc()
	}
}

// RecordAMQPConnectionError records a failed AMQP connection attempt
func RecordAMQPConnectionError(errorType string) {
	if IsMetricsEnabled() {
		AMQPConnectionErrors.WithLabelValues(errorType).Inc()
	}
}

// SetAMQPConnectionStatus sets the AMQP connection status
func SetAMQPConnectionStatus(connected bool) {
	if IsMetricsEnabled() {
		if connected {
			AMQPConnectionStatus.Set(1)
		} else {
			AMQPConnectionStatus.Set(0)
		}
	}
}

// ObserveHTTPRequest returns a function that records the request outcome when called
func ObserveHTTPRequest(handler string) func(code int) {
	if !IsMetricsEnabled() {
		return func(int) {}
	}

	start := time.Now()
	return func(code int) {
		HTTPRequestsTotal.WithLabelValues(handler, http.StatusText(code)).Inc()
		HTTPRequestDuration.WithLabelValues(handler).Observe(time.Since(start).Seconds())
	}
}

// RecordRateLimited records a request rejected by the rate limiter
func RecordRateLimited(path string) {
	if IsMetricsEnabled() {
		HTTPRateLimited.WithLabelValues(path).Inc()
	}
}
