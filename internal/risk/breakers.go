package risk

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/southquant/tradecore/internal/bus"
	"github.com/southquant/tradecore/internal/config"
)

// BreakerName identifies one domain circuit breaker.
type BreakerName string

const (
	BreakerDailyLoss       BreakerName = "daily_loss"
	BreakerTradeFrequency  BreakerName = "trade_frequency"
	BreakerVolatility      BreakerName = "volatility"
	BreakerConsecutiveLoss BreakerName = "consecutive_loss"
	BreakerAnomaly         BreakerName = "anomaly"
)

// AllBreakerNames lists the breaker family in evaluation order.
var AllBreakerNames = []BreakerName{
	BreakerDailyLoss,
	BreakerTradeFrequency,
	BreakerVolatility,
	BreakerConsecutiveLoss,
	BreakerAnomaly,
}

// BreakerState is the persisted state of one breaker.
type BreakerState struct {
	Name          BreakerName
	Tripped       bool
	TrippedAt     time.Time
	Value         float64
	Threshold     float64
	CooldownUntil time.Time
}

// StateStore persists breaker state so a trip survives restarts.
type StateStore interface {
	SaveBreakerState(ctx context.Context, state BreakerState) error
	LoadBreakerStates(ctx context.Context) ([]BreakerState, error)
}

// Inputs carries the measured values one evaluation pass looks at.
type Inputs struct {
	// Realized plus unrealized P&L over the rolling 24h window.
	DailyPnL       float64
	StartingEquity float64
	TradesLast24h  int
	// Largest 1h price move among held pairs, as a fraction.
	MaxHourlyMovePct  float64
	ConsecutiveLosses int
	AnomalyScore      float64
}

// BreakerSet owns the domain breaker family. Only the sentinel mutates
// it; everyone else reads snapshots.
type BreakerSet struct {
	mu       sync.Mutex
	cfg      config.BreakerConfig
	states   map[BreakerName]*BreakerState
	eventBus *bus.Bus
	store    StateStore
	now      func() time.Time
	log      zerolog.Logger
}

// NewBreakerSet creates the breaker family in the untripped state.
// store may be nil when persistence is disabled.
func NewBreakerSet(cfg config.BreakerConfig, eventBus *bus.Bus, store StateStore, logger zerolog.Logger) *BreakerSet {
	states := make(map[BreakerName]*BreakerState, len(AllBreakerNames))
	for _, name := range AllBreakerNames {
		states[name] = &BreakerState{Name: name}
	}
	return &BreakerSet{
		cfg:      cfg,
		states:   states,
		eventBus: eventBus,
		store:    store,
		now:      time.Now,
		log:      logger,
	}
}

// UpdateConfig swaps the thresholds at runtime. Tripped state is kept;
// the new thresholds apply from the next evaluation pass.
func (s *BreakerSet) UpdateConfig(cfg config.BreakerConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
}

// Restore loads persisted breaker state at startup. A breaker tripped
// before the restart stays tripped.
func (s *BreakerSet) Restore(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	states, err := s.store.LoadBreakerStates(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range states {
		if existing, ok := s.states[st.Name]; ok {
			*existing = st
		}
	}
	return nil
}

// Evaluate runs one pass over the family: ok breakers trip when their
// threshold is crossed, tripped breakers clear only when the value is
// back under threshold and the cooldown has elapsed.
func (s *BreakerSet) Evaluate(ctx context.Context, in Inputs) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lossFloor := -(s.cfg.MaxDailyLossPct * in.StartingEquity)

	s.evaluateOne(ctx, BreakerDailyLoss, in.DailyPnL, lossFloor, in.DailyPnL <= lossFloor)
	s.evaluateOne(ctx, BreakerTradeFrequency, float64(in.TradesLast24h), float64(s.cfg.MaxDailyTrades),
		in.TradesLast24h >= s.cfg.MaxDailyTrades)
	s.evaluateOne(ctx, BreakerVolatility, in.MaxHourlyMovePct, s.cfg.VolatilityThresholdPct,
		in.MaxHourlyMovePct >= s.cfg.VolatilityThresholdPct)
	s.evaluateOne(ctx, BreakerConsecutiveLoss, float64(in.ConsecutiveLosses), float64(s.cfg.ConsecutiveLossLimit),
		in.ConsecutiveLosses >= s.cfg.ConsecutiveLossLimit)
	s.evaluateOne(ctx, BreakerAnomaly, in.AnomalyScore, s.cfg.AnomalyThreshold,
		in.AnomalyScore >= s.cfg.AnomalyThreshold)
}

func (s *BreakerSet) evaluateOne(ctx context.Context, name BreakerName, value, threshold float64, crossed bool) {
	st := s.states[name]
	st.Value = value
	st.Threshold = threshold

	now := s.now()
	switch {
	case !st.Tripped && crossed:
		st.Tripped = true
		st.TrippedAt = now
		st.CooldownUntil = now.Add(s.cfg.Cooldown())
		s.log.Warn().
			Str("breaker", string(name)).
			Float64("value", value).
			Float64("threshold", threshold).
			Time("cooldown_until", st.CooldownUntil).
			Msg("Circuit breaker tripped")
		if s.eventBus != nil {
			s.eventBus.Publish(bus.EventBreakerTripped, "sentinel", *st)
		}
		s.persist(ctx, *st)

	case st.Tripped && !crossed && !now.Before(st.CooldownUntil):
		st.Tripped = false
		st.TrippedAt = time.Time{}
		st.CooldownUntil = time.Time{}
		s.log.Info().
			Str("breaker", string(name)).
			Float64("value", value).
			Msg("Circuit breaker cleared")
		if s.eventBus != nil {
			s.eventBus.Publish(bus.EventBreakerCleared, "sentinel", *st)
		}
		s.persist(ctx, *st)
	}
}

func (s *BreakerSet) persist(ctx context.Context, st BreakerState) {
	if s.store == nil {
		return
	}
	if err := s.store.SaveBreakerState(ctx, st); err != nil {
		s.log.Error().Err(err).Str("breaker", string(st.Name)).Msg("Breaker state persist failed")
	}
}

// AnyTripped reports whether any breaker in the family is tripped.
func (s *BreakerSet) AnyTripped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.states {
		if st.Tripped {
			return true
		}
	}
	return false
}

// States returns a snapshot of the family in evaluation order.
func (s *BreakerSet) States() []BreakerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]BreakerState, 0, len(AllBreakerNames))
	for _, name := range AllBreakerNames {
		out = append(out, *s.states[name])
	}
	return out
}
