package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "exchange"

// Metrics holds the engine's collectors. A nil *Metrics is valid and records
// nothing, which is what most tests use.
type Metrics struct {
	reg *prometheus.Registry

	orders       *prometheus.CounterVec
	rejections   *prometheus.CounterVec
	cancels      *prometheus.CounterVec
	trades       *prometheus.CounterVec
	volume       *prometheus.CounterVec
	retries      *prometheus.CounterVec
	publishFails *prometheus.CounterVec
	bookDepth    *prometheus.GaugeVec
	engineTime   *prometheus.HistogramVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_total",
			Help:      "Number of orders accepted",
		}, []string{"symbol", "side"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_rejections_total",
			Help:      "Number of order submissions rejected, by reason",
		}, []string{"reason"}),
		cancels: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_cancellations_total",
			Help:      "Number of orders cancelled",
		}, []string{"symbol"}),
		trades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_total",
			Help:      "Number of trades executed",
		}, []string{"symbol"}),
		volume: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "traded_base_volume_total",
			Help:      "Base asset quantity traded",
		}, []string{"symbol"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tx_retries_total",
			Help:      "Store transactions retried after a conflict",
		}, []string{"op"}),
		publishFails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_failures_total",
			Help:      "Event batches that failed to publish after commit",
		}, []string{"sink"}),
		bookDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "book_orders",
			Help:      "Open orders resting in the book",
		}, []string{"symbol", "side"}),
		engineTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "engine_seconds",
			Help:      "Time spent in engine operations, including retries",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"op"}),
	}
	m.reg.MustRegister(
		m.orders, m.rejections, m.cancels, m.trades, m.volume,
		m.retries, m.publishFails, m.bookDepth, m.engineTime,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// EngineTimeObserve times an operation. Call it with defer:
//
//	defer m.EngineTimeObserve("create_order")()
func (m *Metrics) EngineTimeObserve(op string) func() {
	start := time.Now()
	return func() {
		if m == nil {
			return
		}
		m.engineTime.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) OrderAccepted(symbol, side string) {
	if m == nil {
		return
	}
	m.orders.WithLabelValues(symbol, side).Inc()
}

func (m *Metrics) OrderRejected(reason string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) OrderCancelled(symbol string) {
	if m == nil {
		return
	}
	m.cancels.WithLabelValues(symbol).Inc()
}

func (m *Metrics) TradeExecuted(symbol string, amount float64) {
	if m == nil {
		return
	}
	m.trades.WithLabelValues(symbol).Inc()
	m.volume.WithLabelValues(symbol).Add(amount)
}

func (m *Metrics) TxRetried(op string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(op).Inc()
}

func (m *Metrics) PublishFailed(sink string) {
	if m == nil {
		return
	}
	m.publishFails.WithLabelValues(sink).Inc()
}

func (m *Metrics) BookDepthSet(symbol string, bids, asks int) {
	if m == nil {
		return
	}
	m.bookDepth.WithLabelValues(symbol, "buy").Set(float64(bids))
	m.bookDepth.WithLabelValues(symbol, "sell").Set(float64(asks))
}
