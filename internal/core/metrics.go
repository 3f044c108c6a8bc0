package core

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricsOnce sync.Once

	cyclesTotal     *prometheus.CounterVec
	cycleDuration   prometheus.Histogram
	signalsTotal    *prometheus.CounterVec
	decisionsTotal  *prometheus.CounterVec
	ordersTotal     *prometheus.CounterVec
	portfolioValue  prometheus.Gauge
	breakersTripped prometheus.Gauge
)

func initMetrics() {
	metricsOnce.Do(func() {
		cyclesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradecore_cycles_total",
				Help: "Completed trading cycles by status",
			},
			[]string{"status"},
		)
		cycleDuration = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tradecore_cycle_duration_seconds",
				Help:    "Wall time of one trading cycle",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
			},
		)
		signalsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradecore_signals_total",
				Help: "Analyst signals by source",
			},
			[]string{"source"},
		)
		decisionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradecore_decisions_total",
				Help: "Strategist decisions by action and sentinel verdict",
			},
			[]string{"action", "verdict"},
		)
		ordersTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradecore_orders_total",
				Help: "Executed orders by side and final status",
			},
			[]string{"side", "status"},
		)
		portfolioValue = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "tradecore_portfolio_total_value",
				Help: "Total portfolio value in quote currency",
			},
		)
		breakersTripped = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "tradecore_breakers_tripped",
				Help: "Number of tripped domain circuit breakers",
			},
		)
	})
}
