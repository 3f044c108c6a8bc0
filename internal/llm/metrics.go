package llm

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricsOnce sync.Once

	callsTotal  *prometheus.CounterVec
	tokensTotal *prometheus.CounterVec
	costTotal   *prometheus.CounterVec
)

func initMetrics() {
	metricsOnce.Do(func() {
		callsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradecore_llm_calls_total",
				Help: "LLM completion calls by model",
			},
			[]string{"model"},
		)
		tokensTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradecore_llm_tokens_total",
				Help: "LLM tokens spent by model and direction",
			},
			[]string{"model", "direction"},
		)
		costTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradecore_llm_cost_usd_total",
				Help: "Estimated LLM spend in USD by model",
			},
			[]string{"model"},
		)
	})
}
