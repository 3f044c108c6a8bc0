package risk

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
)

// I/O breaker defaults per service. These guard outbound calls, not
// trading risk; the domain breakers in breakers.go handle that.
const (
	exchangeMinRequests     = 5
	exchangeFailureRatio    = 0.6
	exchangeOpenTimeout     = 30 * time.Second
	exchangeHalfOpenMaxReqs = 3
	exchangeCountInterval   = 10 * time.Second

	llmMinRequests     = 3
	llmFailureRatio    = 0.6
	llmOpenTimeout     = 60 * time.Second
	llmHalfOpenMaxReqs = 2
	llmCountInterval   = 10 * time.Second

	dbMinRequests     = 10
	dbFailureRatio    = 0.6
	dbOpenTimeout     = 15 * time.Second
	dbHalfOpenMaxReqs = 5
	dbCountInterval   = 10 * time.Second
)

// ServiceSettings holds I/O breaker configuration for one service.
type ServiceSettings struct {
	MinRequests     uint32
	FailureRatio    float64
	OpenTimeout     time.Duration
	HalfOpenMaxReqs uint32
	CountInterval   time.Duration
}

// IOBreakerManager wraps outbound exchange, LLM and database calls in
// circuit breakers so a flapping dependency fails fast instead of
// stalling the cycle.
type IOBreakerManager struct {
	exchange *gobreaker.CircuitBreaker
	llm      *gobreaker.CircuitBreaker
	database *gobreaker.CircuitBreaker
}

var (
	ioBreakerState *prometheus.GaugeVec
	ioMetricsOnce  sync.Once
)

func initIOMetrics() {
	ioMetricsOnce.Do(func() {
		ioBreakerState = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tradecore_io_breaker_state",
				Help: "I/O circuit breaker state (0=closed, 1=open, 2=half_open)",
			},
			[]string{"service"},
		)
	})
}

// NewIOBreakerManager creates a manager with per-service settings; nil
// settings use the defaults above.
func NewIOBreakerManager(exchangeSettings, llmSettings, dbSettings *ServiceSettings) *IOBreakerManager {
	initIOMetrics()

	if exchangeSettings == nil {
		exchangeSettings = &ServiceSettings{
			MinRequests:     exchangeMinRequests,
			FailureRatio:    exchangeFailureRatio,
			OpenTimeout:     exchangeOpenTimeout,
			HalfOpenMaxReqs: exchangeHalfOpenMaxReqs,
			CountInterval:   exchangeCountInterval,
		}
	}
	if llmSettings == nil {
		llmSettings = &ServiceSettings{
			MinRequests:     llmMinRequests,
			FailureRatio:    llmFailureRatio,
			OpenTimeout:     llmOpenTimeout,
			HalfOpenMaxReqs: llmHalfOpenMaxReqs,
			CountInterval:   llmCountInterval,
		}
	}
	if dbSettings == nil {
		dbSettings = &ServiceSettings{
			MinRequests:     dbMinRequests,
			FailureRatio:    dbFailureRatio,
			OpenTimeout:     dbOpenTimeout,
			HalfOpenMaxReqs: dbHalfOpenMaxReqs,
			CountInterval:   dbCountInterval,
		}
	}

	m := &IOBreakerManager{}
	m.exchange = newServiceBreaker("exchange", exchangeSettings)
	m.llm = newServiceBreaker("llm", llmSettings)
	m.database = newServiceBreaker("database", dbSettings)
	return m
}

func newServiceBreaker(name string, s *ServiceSettings) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: s.HalfOpenMaxReqs,
		Interval:    s.CountInterval,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= s.MinRequests && failureRatio >= s.FailureRatio
		},
		OnStateChange: func(name string, _ gobreaker.State, to gobreaker.State) {
			var v float64
			switch to {
			case gobreaker.StateOpen:
				v = 1
			case gobreaker.StateHalfOpen:
				v = 2
			}
			ioBreakerState.WithLabelValues(name).Set(v)
		},
	})
}

// NewPassthroughIOBreakerManager creates a manager that never trips,
// for tests exercising other components.
func NewPassthroughIOBreakerManager() *IOBreakerManager {
	initIOMetrics()

	neverTrip := func(gobreaker.Counts) bool { return false }
	settings := func(name string) gobreaker.Settings {
		return gobreaker.Settings{
			Name:        name,
			MaxRequests: 1000,
			Timeout:     time.Millisecond,
			ReadyToTrip: neverTrip,
		}
	}

	return &IOBreakerManager{
		exchange: gobreaker.NewCircuitBreaker(settings("exchange_passthrough")),
		llm:      gobreaker.NewCircuitBreaker(settings("llm_passthrough")),
		database: gobreaker.NewCircuitBreaker(settings("database_passthrough")),
	}
}

// Exchange returns the exchange I/O breaker.
func (m *IOBreakerManager) Exchange() *gobreaker.CircuitBreaker { return m.exchange }

// LLM returns the LLM I/O breaker.
func (m *IOBreakerManager) LLM() *gobreaker.CircuitBreaker { return m.llm }

// Database returns the database I/O breaker.
func (m *IOBreakerManager) Database() *gobreaker.CircuitBreaker { return m.database }
