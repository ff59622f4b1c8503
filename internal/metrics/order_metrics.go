package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Причины отказа в размещении заказа (значения label "reason").
const (
	ReasonValidation = "validation"
	ReasonNotFound   = "not_found"
	ReasonDailyLimit = "daily_limit"
	ReasonQuota      = "quota"
	ReasonConflict   = "conflict"
	ReasonInternal   = "internal"
)

// OrderMetrics содержит метрики размещения заказов.
type OrderMetrics struct {
	placed    prometheus.Counter
	rejected  *prometheus.CounterVec
	duration  prometheus.Histogram
	inFlight  prometheus.Gauge
	placedSum prometheus.Counter
}

// NewOrderMetrics создаёт метрики в глобальном реестре Prometheus.
func NewOrderMetrics() *OrderMetrics {
	return NewOrderMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewOrderMetricsWithRegisterer создаёт метрики в указанном реестре (используется в тестах).
func NewOrderMetricsWithRegisterer(registerer prometheus.Registerer) *OrderMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &OrderMetrics{
		placed: registerCounter(registerer, prometheus.CounterOpts{
			Name: "ordersdata_orders_placed_total",
			Help: "Total number of orders placed successfully",
		}),
		rejected: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "ordersdata_orders_rejected_total",
			Help: "Total number of rejected order placements grouped by reason",
		}, []string{"reason"}),
		duration: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "ordersdata_order_placement_duration_seconds",
			Help:    "Duration of order placement in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		}),
		inFlight: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "ordersdata_order_placements_in_flight",
			Help: "Number of order placements currently in progress",
		}),
		placedSum: registerCounter(registerer, prometheus.CounterOpts{
			Name: "ordersdata_orders_placed_amount_total",
			Help: "Sum of frozen prices of placed orders",
		}),
	}
}

// RecordStarted отмечает начало размещения.
func (m *OrderMetrics) RecordStarted() {
	m.inFlight.Inc()
}

// RecordPlaced учитывает успешно размещённый заказ.
func (m *OrderMetrics) RecordPlaced(amount float64, duration time.Duration) {
	m.inFlight.Dec()
	m.placed.Inc()
	m.placedSum.Add(amount)
	m.duration.Observe(duration.Seconds())
}

// RecordRejected учитывает отказ с причиной reason.
func (m *OrderMetrics) RecordRejected(reason string, duration time.Duration) {
	m.inFlight.Dec()
	m.rejected.WithLabelValues(reason).Inc()
	m.duration.Observe(duration.Seconds())
}
