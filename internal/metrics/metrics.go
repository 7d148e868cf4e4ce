// Package metrics provides Prometheus metrics collection for the gateway.
package metrics

import (
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Global metrics - used by the application.
	// Using atomic.Pointer for lock-free initialization checks on hot path metrics.
	requestsTotal        atomic.Pointer[prometheus.CounterVec]
	requestDuration      atomic.Pointer[prometheus.HistogramVec]
	validationsTotal     atomic.Pointer[prometheus.CounterVec]
	validationDuration   atomic.Pointer[prometheus.HistogramVec]
	rateLimitDenials     atomic.Pointer[prometheus.CounterVec]
	usageLogDroppedTotal atomic.Pointer[prometheus.Counter]
)

// Init initializes all Prometheus metrics and registers them with the provided registry.
// This should be called once at application startup.
func Init(reg prometheus.Registerer) error {
	requestsTotalVec := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "token",
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled by the gateway",
		},
		[]string{"method", "path", "status"},
	)
	if err := reg.Register(requestsTotalVec); err != nil {
		return fmt.Errorf("failed to register requestsTotal: %w", err)
	}

	requestDurationVec := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "token",
			Subsystem: "gateway",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	if err := reg.Register(requestDurationVec); err != nil {
		return fmt.Errorf("failed to register requestDuration: %w", err)
	}

	// Validation outcome counter: one increment per validation attempt,
	// labelled by token kind and outcome code ("authorized" or a denial code)
	validationsTotalVec := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "token",
			Subsystem: "gateway",
			Name:      "validations_total",
			Help:      "Total number of token validation attempts by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)
	if err := reg.Register(validationsTotalVec); err != nil {
		return fmt.Errorf("failed to register validationsTotal: %w", err)
	}

	validationDurationVec := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "token",
			Subsystem: "gateway",
			Name:      "validation_duration_seconds",
			Help:      "Token validation latency in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind", "outcome"},
	)
	if err := reg.Register(validationDurationVec); err != nil {
		return fmt.Errorf("failed to register validationDuration: %w", err)
	}

	rateLimitDenialsVec := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "token",
			Subsystem: "gateway",
			Name:      "rate_limit_denials_total",
			Help:      "Total number of rate-limited requests by window",
		},
		[]string{"window"},
	)
	if err := reg.Register(rateLimitDenialsVec); err != nil {
		return fmt.Errorf("failed to register rateLimitDenials: %w", err)
	}

	usageLogDropped := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "token",
			Subsystem: "gateway",
			Name:      "usage_log_dropped_total",
			Help:      "Total number of usage-log entries dropped under backpressure",
		},
	)
	if err := reg.Register(usageLogDropped); err != nil {
		return fmt.Errorf("failed to register usageLogDropped: %w", err)
	}

	// Store metrics in atomics for lock-free access in record functions
	requestsTotal.Store(requestsTotalVec)
	requestDuration.Store(requestDurationVec)
	validationsTotal.Store(validationsTotalVec)
	validationDuration.Store(validationDurationVec)
	rateLimitDenials.Store(rateLimitDenialsVec)
	usageLogDroppedTotal.Store(&usageLogDropped)

	return nil
}

// RecordRequest increments the requests counter for the given method, path, and status code.
// The path should be normalized (e.g., "/admin/tokens/:id" instead of "/admin/tokens/123").
func RecordRequest(method, path, statusCode string) {
	if counter := requestsTotal.Load(); counter != nil {
		counter.WithLabelValues(method, path, statusCode).Inc()
	}
}

// RecordRequestDuration records the latency for a request in seconds.
func RecordRequestDuration(method, path, statusCode string, durationSeconds float64) {
	if histogram := requestDuration.Load(); histogram != nil {
		histogram.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
	}
}

// RecordValidation increments the validation counter and records latency
// for one validation attempt. Outcome is "authorized" or a denial code.
func RecordValidation(kind, outcome string, durationSeconds float64) {
	if counter := validationsTotal.Load(); counter != nil {
		counter.WithLabelValues(kind, outcome).Inc()
	}
	if histogram := validationDuration.Load(); histogram != nil {
		histogram.WithLabelValues(kind, outcome).Observe(durationSeconds)
	}
}

// RecordRateLimitDenial increments the rate-limit denial counter for the
// exhausted window ("hour" or "day").
func RecordRateLimitDenial(window string) {
	if counter := rateLimitDenials.Load(); counter != nil {
		counter.WithLabelValues(window).Inc()
	}
}

// RecordUsageLogDropped increments the dropped usage-log entry counter.
func RecordUsageLogDropped() {
	if counter := usageLogDroppedTotal.Load(); counter != nil {
		(*counter).Inc()
	}
}

// Handler returns an HTTP handler for Prometheus metrics in text format.
// This handler should be registered at /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
