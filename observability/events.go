package observability

import (
	"strconv"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"nhbmarket/core/events"
	"nhbmarket/core/types"
)

type eventMetrics struct {
	emitted *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking committed marketplace events.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nhb",
				Subsystem: "events",
				Name:      "emitted_total",
				Help:      "Count of committed events segmented by type.",
			}, []string{"type"}),
		}
		prometheus.MustRegister(eventRegistry.emitted)
	})
	return eventRegistry
}

// Record increments the counter for the supplied event type.
func (m *eventMetrics) Record(eventType string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(strings.ToLower(eventType))
	if normalized == "" {
		normalized = "unknown"
	}
	m.emitted.WithLabelValues(normalized).Inc()
}

type payloadEvent interface {
	Event() *types.Event
}

// EventMetricsEmitter folds committed events into the event counter and the
// marketplace settlement metrics.
type EventMetricsEmitter struct {
	Events      *eventMetrics
	Marketplace *MarketplaceMetrics
}

var _ events.Emitter = EventMetricsEmitter{}

// Emit implements events.Emitter.
func (e EventMetricsEmitter) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	e.Events.Record(evt.EventType())
	payload, ok := evt.(payloadEvent)
	if !ok || payload.Event() == nil {
		return
	}
	attrs := payload.Event().Attributes
	market := attrs["marketplace"]
	switch evt.EventType() {
	case "marketplace.listing.created":
		e.Marketplace.RecordListed(market)
	case "marketplace.listing.delisted":
		e.Marketplace.RecordDelisted(market)
	case "marketplace.listing.purchased":
		price, _ := strconv.ParseUint(attrs["price"], 10, 64)
		fee, _ := strconv.ParseUint(attrs["fee"], 10, 64)
		e.Marketplace.RecordSale(market, price, fee)
	}
}
