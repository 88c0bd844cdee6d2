package observability

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	marketplaceMetricsOnce sync.Once
	marketplaceRegistry    *MarketplaceMetrics
)

// ModuleMetrics returns the lazily-initialised registry used to record HTTP
// API activity per route.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nhb",
				Subsystem: "marketd",
				Name:      "requests_total",
				Help:      "Total API requests segmented by route and outcome.",
			}, []string{"route", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nhb",
				Subsystem: "marketd",
				Name:      "errors_total",
				Help:      "Total API errors segmented by route and status code.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "nhb",
				Subsystem: "marketd",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nhb",
				Subsystem: "marketd",
				Name:      "throttles_total",
				Help:      "Count of API requests rejected by throttling policies.",
			}, []string{"route", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of an API request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *moduleMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
		m.errors.WithLabelValues(route, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.requests.WithLabelValues(route, method, outcome).Inc()
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter. Reasons should be stable
// strings such as "rate_limit" or "replay".
func (m *moduleMetrics) RecordThrottle(route, reason string) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(route, reason).Inc()
}

// MarketplaceMetrics captures lifecycle operation outcomes and settlement
// totals.
type MarketplaceMetrics struct {
	operations     *prometheus.CounterVec
	latency        *prometheus.HistogramVec
	volume         *prometheus.CounterVec
	fees           *prometheus.CounterVec
	activeListings *prometheus.GaugeVec
}

// Marketplace returns the singleton metrics registry for lifecycle operations.
func Marketplace() *MarketplaceMetrics {
	marketplaceMetricsOnce.Do(func() {
		marketplaceRegistry = newMarketplaceMetrics()
		prometheus.MustRegister(
			marketplaceRegistry.operations,
			marketplaceRegistry.latency,
			marketplaceRegistry.volume,
			marketplaceRegistry.fees,
			marketplaceRegistry.activeListings,
		)
	})
	return marketplaceRegistry
}

func newMarketplaceMetrics() *MarketplaceMetrics {
	return &MarketplaceMetrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nhb",
			Subsystem: "marketplace",
			Name:      "operations_total",
			Help:      "Count of lifecycle operations segmented by operation and outcome.",
		}, []string{"operation", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "nhb",
			Subsystem: "marketplace",
			Name:      "operation_duration_seconds",
			Help:      "Latency distribution for lifecycle operations including commit.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		volume: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nhb",
			Subsystem: "marketplace",
			Name:      "volume_total",
			Help:      "Settled purchase volume in base units per marketplace.",
		}, []string{"marketplace"}),
		fees: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nhb",
			Subsystem: "marketplace",
			Name:      "fees_total",
			Help:      "Fees paid into the treasury per marketplace.",
		}, []string{"marketplace"}),
		activeListings: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "nhb",
			Subsystem: "marketplace",
			Name:      "active_listings",
			Help:      "Listings currently holding an escrowed asset.",
		}, []string{"marketplace"}),
	}
}

// Observe records an operation outcome. Failures are labelled with the
// supplied stable error code rather than the raw error text.
func (m *MarketplaceMetrics) Observe(operation, code string, duration time.Duration) {
	if m == nil {
		return
	}
	op := strings.TrimSpace(operation)
	if op == "" {
		op = "unknown"
	}
	outcome := "success"
	if code != "" {
		outcome = code
	}
	m.operations.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordListed bumps the active listing gauge.
func (m *MarketplaceMetrics) RecordListed(market string) {
	if m == nil {
		return
	}
	m.activeListings.WithLabelValues(market).Inc()
}

// RecordDelisted lowers the active listing gauge.
func (m *MarketplaceMetrics) RecordDelisted(market string) {
	if m == nil {
		return
	}
	m.activeListings.WithLabelValues(market).Dec()
}

// RecordSale accounts a settled purchase.
func (m *MarketplaceMetrics) RecordSale(market string, price, fee uint64) {
	if m == nil {
		return
	}
	m.volume.WithLabelValues(market).Add(float64(price))
	m.fees.WithLabelValues(market).Add(float64(fee))
	m.activeListings.WithLabelValues(market).Dec()
}
