package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Checker-Finance/exchange-connectors/pkg/model"
)

var (
	// ExternalCallsTotal counts calls routed through the resilient caller.
	ExternalCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "external_api_calls_total",
			Help: "Calls to external dependencies by dependency and result (ok, rate_limited, degraded, error).",
		},
		[]string{"dependency", "result"},
	)

	// ExternalCallDuration measures wall time of a resilient call, backoff included.
	ExternalCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "external_api_call_duration_seconds",
			Help:    "Duration of resilient external calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 16), // 5ms → ~164s
		},
		[]string{"dependency"},
	)

	// RateLimitRetries counts backoff sleeps caused by HTTP 429.
	RateLimitRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "external_api_rate_limit_retries_total",
			Help: "Number of 429-triggered backoff retries.",
		},
		[]string{"dependency"},
	)

	// DependencyHealth is 1 for the current health of a dependency and 0 for the others.
	DependencyHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "external_dependency_health",
			Help: "Current health classification of each external dependency.",
		},
		[]string{"dependency", "health"},
	)

	// HealthAlertsTotal counts alerts fired on health regressions.
	HealthAlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "external_dependency_alerts_total",
			Help: "Alerts emitted on dependency health transitions.",
		},
		[]string{"dependency", "health"},
	)

	// VenueRequestsTotal counts raw HTTP requests made to a venue.
	VenueRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "venue_http_requests_total",
			Help: "Raw HTTP requests sent to exchanges by venue and status.",
		},
		[]string{"venue", "status"},
	)

	// VenueRequestDuration measures single HTTP round-trips.
	VenueRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "venue_http_request_duration_seconds",
			Help:    "Duration of single exchange HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms → ~16s
		},
		[]string{"venue"},
	)

	// ConnectorEventsTotal counts events emitted by connectors.
	ConnectorEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connector_events_total",
			Help: "Unified events emitted by exchange connectors.",
		},
		[]string{"exchange", "kind", "result"}, // result = "ok" | "dropped"
	)

	// NATSMessageCount tracks NATS publishes by subject and result.
	NATSMessageCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nats_messages_total",
			Help: "Total number of NATS messages published.",
		},
		[]string{"subject", "result"},
	)

	NATSMessageLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nats_message_latency_seconds",
			Help:    "Time taken to publish NATS messages",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"subject"},
	)

	// SecretsCacheHits tracks credential cache hits and misses.
	SecretsCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "secrets_cache_access_total",
			Help: "Number of cache hits/misses in the credential cache.",
		},
		[]string{"result"},
	)

	// ErrorsTotal aggregates component-level errors.
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connector_errors_total",
			Help: "Count of errors by component and reason.",
		},
		[]string{"component", "reason"},
	)

	// LastPollTimestamp records the last successful poll (unix seconds).
	LastPollTimestamp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "connector_last_poll_timestamp",
			Help: "Timestamp (unix seconds) of the last successful balance poll.",
		},
		[]string{"component"},
	)
)

var allHealth = []model.Health{
	model.HealthUnknown, model.HealthOnline, model.HealthOffline, model.HealthFailing, model.HealthError,
}

// SetHealth flips the DependencyHealth gauge so exactly one health label is 1.
func SetHealth(dependency string, h model.Health) {
	for _, candidate := range allHealth {
		v := 0.0
		if candidate == h {
			v = 1
		}
		DependencyHealth.WithLabelValues(dependency, string(candidate)).Set(v)
	}
}

// IncCall increments the resilient call counter.
func IncCall(dependency, result string) {
	ExternalCallsTotal.WithLabelValues(dependency, result).Inc()
}

// IncVenueRequest increments the raw venue request counter.
func IncVenueRequest(venue, status string) {
	VenueRequestsTotal.WithLabelValues(venue, status).Inc()
}

// IncEvent counts a connector event.
func IncEvent(exchange, kind, result string) {
	ConnectorEventsTotal.WithLabelValues(exchange, kind, result).Inc()
}

// IncNATSMessage counts a NATS publish.
func IncNATSMessage(subject, result string) {
	NATSMessageCount.WithLabelValues(subject, result).Inc()
}

// IncError increments the aggregated error counter.
func IncError(component, reason string) {
	ErrorsTotal.WithLabelValues(component, reason).Inc()
}

// ObserveDuration records elapsed time since start into a HistogramVec or SummaryVec.
func ObserveDuration(v any, start time.Time, labels ...string) {
	duration := time.Since(start).Seconds()
	switch metric := v.(type) {
	case *prometheus.HistogramVec:
		metric.WithLabelValues(labels...).Observe(duration)
	case *prometheus.SummaryVec:
		metric.WithLabelValues(labels...).Observe(duration)
	}
}
