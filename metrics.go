package cloudvfs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/zeebo/errs"
)

// Metrics holds the gateway's prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	operations        *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	cacheRequests     *prometheus.CounterVec
	providerErrors    *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg when reg is
// not nil.
func NewMetrics(namespace string, reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Filesystem operations by name and error kind.",
		}, []string{"op", "result"}),
		operationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Filesystem operation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		cacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_requests_total",
			Help:      "Directory and URL cache lookups by result.",
		}, []string{"cache", "result"}),
		providerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Errors returned by storage providers by error code.",
		}, []string{"provider", "code"}),
	}
	if reg == nil {
		return m, nil
	}

	var group errs.Group
	for _, c := range []prometheus.Collector{m.operations, m.operationDuration, m.cacheRequests, m.providerErrors} {
		group.Add(reg.Register(c))
	}
	if err := group.Err(); err != nil {
		return nil, Error.Wrap(err)
	}
	return m, nil
}

// ObserveOperation records the outcome and latency of a façade call.
func (m *Metrics) ObserveOperation(op string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
		if kind := ErrorKind(err); kind != nil {
			result = kind.Error()
		}
	}
	m.operations.WithLabelValues(op, result).Inc()
	m.operationDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// CacheLookup records a cache hit or miss.
func (m *Metrics) CacheLookup(cache string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheRequests.WithLabelValues(cache, result).Inc()
}

// ProviderError records an error code returned by a storage provider.
func (m *Metrics) ProviderError(provider, code string) {
	if m == nil {
		return
	}
	m.providerErrors.WithLabelValues(provider, code).Inc()
}
