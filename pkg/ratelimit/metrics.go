package ratelimit

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics carries the optional instrumentation hooks. Every hook is invoked
// synchronously within the step that triggers it; panics are logged and
// swallowed so instrumentation can never fail an admission. Storage-latency
// measurement is skipped entirely when OnStorageLatency is unset.
type Metrics struct {
	// OnAllow fires once per admitted request with the sanitized key.
	OnAllow func(key string)

	// OnDeny fires once per denied request with the sanitized key.
	OnDeny func(key string)

	// OnError fires for storage and validation errors.
	OnError func(err error)

	// OnStorageLatency fires after each storage operation with its name and
	// duration.
	OnStorageLatency func(op string, elapsed time.Duration)
}

// PrometheusMetrics bundles the limiter's Prometheus collectors.
type PrometheusMetrics struct {
	Allowed        prometheus.Counter
	Denied         prometheus.Counter
	Errors         prometheus.Counter
	StorageLatency *prometheus.HistogramVec
}

// NewPrometheusMetrics registers the limiter's collectors with reg and
// returns a Metrics wired to them. Pass prometheus.DefaultRegisterer for the
// default registry.
func NewPrometheusMetrics(reg prometheus.Registerer, name string) (*Metrics, *PrometheusMetrics) {
	labels := prometheus.Labels{"limiter": name}

	pm := &PrometheusMetrics{
		Allowed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "fortify",
			Subsystem:   "ratelimit",
			Name:        "allowed_total",
			Help:        "Requests admitted by the rate limiter.",
			ConstLabels: labels,
		}),
		Denied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "fortify",
			Subsystem:   "ratelimit",
			Name:        "denied_total",
			Help:        "Requests denied by the rate limiter.",
			ConstLabels: labels,
		}),
		Errors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "fortify",
			Subsystem:   "ratelimit",
			Name:        "errors_total",
			Help:        "Storage and validation errors observed by the rate limiter.",
			ConstLabels: labels,
		}),
		StorageLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "fortify",
			Subsystem:   "ratelimit",
			Name:        "storage_latency_seconds",
			Help:        "Latency of rate-limit storage operations.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"operation"}),
	}

	reg.MustRegister(pm.Allowed, pm.Denied, pm.Errors, pm.StorageLatency)

	return &Metrics{
		OnAllow: func(string) { pm.Allowed.Inc() },
		OnDeny:  func(string) { pm.Denied.Inc() },
		OnError: func(error) { pm.Errors.Inc() },
		OnStorageLatency: func(op string, elapsed time.Duration) {
			pm.StorageLatency.WithLabelValues(op).Observe(elapsed.Seconds())
		},
	}, pm
}
