package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	backendRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockroom_backend_requests_total",
		Help: "Total number of hosted backend requests",
	}, []string{"method", "endpoint", "status"})

	backendRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stockroom_backend_request_duration_seconds",
		Help:    "Duration of hosted backend requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint", "status"})

	authEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockroom_auth_events_total",
		Help: "Auth state change events processed, by kind",
	}, []string{"kind"})

	orgLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockroom_org_lookups_total",
		Help: "Organization resolver outcomes (found, none, error, discarded)",
	}, []string{"result"})

	orgCacheTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockroom_org_cache_total",
		Help: "Organization snapshot cache lookups (hit, miss)",
	}, []string{"result"})

	breakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockroom_backend_breaker_transitions_total",
		Help: "Circuit breaker state transitions for the backend client",
	}, []string{"to"})

	lowStockItems = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stockroom_low_stock_items",
		Help: "Inventory items at or below their minimum stock level",
	})

	criticalStockItems = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stockroom_critical_stock_items",
		Help: "Inventory items below half their minimum stock level",
	})
)

// ObserveBackendRequest records one hosted backend call.
func ObserveBackendRequest(method, endpoint, status string, duration time.Duration) {
	backendRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	backendRequestDuration.WithLabelValues(method, endpoint, status).Observe(duration.Seconds())
}

// ObserveAuthEvent records one processed auth state change.
func ObserveAuthEvent(kind string) {
	authEventsTotal.WithLabelValues(kind).Inc()
}

// ObserveOrgLookup records an organization resolver outcome.
func ObserveOrgLookup(result string) {
	orgLookupsTotal.WithLabelValues(result).Inc()
}

// ObserveOrgCache records a snapshot cache hit or miss.
func ObserveOrgCache(result string) {
	orgCacheTotal.WithLabelValues(result).Inc()
}

// ObserveBreakerTransition records a circuit breaker state change.
func ObserveBreakerTransition(to string) {
	breakerTransitions.WithLabelValues(to).Inc()
}

// SetStockAlertLevels publishes the current low/critical item counts.
func SetStockAlertLevels(low, critical int) {
	lowStockItems.Set(float64(low))
	criticalStockItems.Set(float64(critical))
}
