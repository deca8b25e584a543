package match

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

// Metrics holds the engine's prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	ordersAccepted *prometheus.CounterVec
	ordersRejected *prometheus.CounterVec
	ordersCanceled *prometheus.CounterVec
	trades         *prometheus.CounterVec
	tradedVolume   *prometheus.CounterVec
	discarded      *prometheus.CounterVec
	borrows        *prometheus.CounterVec
	halted         *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg.
// Passing a nil registerer leaves them unregistered, which is handy in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ordersAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "match",
			Name:      "orders_accepted_total",
			Help:      "Orders accepted by the lifecycle checks.",
		}, []string{"market", "type"}),
		ordersRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "match",
			Name:      "orders_rejected_total",
			Help:      "Orders refused before matching.",
		}, []string{"market"}),
		ordersCanceled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "match",
			Name:      "orders_cancelled_total",
			Help:      "Resting orders removed from the book.",
		}, []string{"market", "reason"}),
		trades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "match",
			Name:      "trades_total",
			Help:      "Executed trades.",
		}, []string{"market"}),
		tradedVolume: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "match",
			Name:      "traded_base_volume_total",
			Help:      "Executed base quantity.",
		}, []string{"market"}),
		discarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "match",
			Name:      "orders_discarded_total",
			Help:      "Submissions that left an unfilled, non-resting remainder.",
		}, []string{"market", "reason"}),
		borrows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "match",
			Name:      "auto_borrows_total",
			Help:      "Auto-borrow attempts by outcome.",
		}, []string{"asset", "result"}),
		halted: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "match",
			Name:      "market_halted",
			Help:      "1 when a market is halted after an invariant violation.",
		}, []string{"market"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.ordersAccepted,
			m.ordersRejected,
			m.ordersCanceled,
			m.trades,
			m.tradedVolume,
			m.discarded,
			m.borrows,
			m.halted,
		)
	}
	return m
}

func (m *Metrics) orderAccepted(market string, t OrderType) {
	if m == nil {
		return
	}
	m.ordersAccepted.WithLabelValues(market, string(t)).Inc()
}

func (m *Metrics) orderRejected(market string) {
	if m == nil {
		return
	}
	m.ordersRejected.WithLabelValues(market).Inc()
}

func (m *Metrics) orderCancelled(market string, reason string) {
	if m == nil {
		return
	}
	m.ordersCanceled.WithLabelValues(market, reason).Inc()
}

func (m *Metrics) trade(market string, size decimal.Decimal) {
	if m == nil {
		return
	}
	m.trades.WithLabelValues(market).Inc()
	m.tradedVolume.WithLabelValues(market).Add(size.InexactFloat64())
}

func (m *Metrics) discard(market string, reason string) {
	if m == nil {
		return
	}
	m.discarded.WithLabelValues(market, reason).Inc()
}

func (m *Metrics) borrow(asset Asset, result string) {
	if m == nil {
		return
	}
	m.borrows.WithLabelValues(string(asset), result).Inc()
}

func (m *Metrics) setHalted(market string, halted bool) {
	if m == nil {
		return
	}
	v := 0.0
	if halted {
		v = 1
	}
	m.halted.WithLabelValues(market).Set(v)
}
