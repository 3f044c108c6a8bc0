package risk

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/southquant/tradecore/internal/bus"
	"github.com/southquant/tradecore/internal/market"
	"github.com/southquant/tradecore/internal/portfolio"
)

// PriceSource is the slice of the exchange adapter the monitor needs.
type PriceSource interface {
	GetTicker(ctx context.Context, pair market.Pair) (*market.Ticker, error)
}

// BreachHandler reacts to a stop-loss breach, typically by selling the
// position and nudging the scheduler for a reactive cycle.
type BreachHandler func(ctx context.Context, pos portfolio.Position, price float64)

// StopLossMonitor watches held positions between cycles and fires the
// breach handler when price touches a stop level. It runs independently
// of the scheduler so a crash through the stop does not wait for the
// next cycle.
type StopLossMonitor struct {
	ledger   *portfolio.Ledger
	source   PriceSource
	eventBus *bus.Bus
	onBreach BreachHandler
	interval time.Duration
	log      zerolog.Logger
}

// NewStopLossMonitor creates the monitor. interval is how often held
// positions are re-checked.
func NewStopLossMonitor(ledger *portfolio.Ledger, source PriceSource, eventBus *bus.Bus, onBreach BreachHandler, interval time.Duration, logger zerolog.Logger) *StopLossMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &StopLossMonitor{
		ledger:   ledger,
		source:   source,
		eventBus: eventBus,
		onBreach: onBreach,
		interval: interval,
		log:      logger,
	}
}

// Run blocks until ctx is done, checking stops every interval.
func (m *StopLossMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.log.Info().Dur("interval", m.interval).Msg("Stop-loss monitor started")
	for {
		select {
		case <-ctx.Done():
			m.log.Info().Msg("Stop-loss monitor stopped")
			return
		case <-ticker.C:
			m.CheckOnce(ctx)
		}
	}
}

// CheckOnce scans all held positions once. Exposed so cycles and tests
// can force a check without waiting for the ticker.
func (m *StopLossMonitor) CheckOnce(ctx context.Context) {
	snap := m.ledger.View()
	for _, pos := range snap.Positions {
		if pos.StopLoss <= 0 {
			continue
		}

		ticker, err := m.source.GetTicker(ctx, pos.Pair)
		if err != nil {
			m.log.Warn().Err(err).Str("pair", pos.Pair.String()).Msg("Stop-loss price check failed")
			continue
		}

		if ticker.Price <= pos.StopLoss {
			m.log.Warn().
				Str("pair", pos.Pair.String()).
				Float64("price", ticker.Price).
				Float64("stop_loss", pos.StopLoss).
				Msg("Stop-loss breached")
			if m.eventBus != nil {
				m.eventBus.Publish(bus.EventStopLossTriggered, "sentinel", map[string]any{
					"pair":      pos.Pair.String(),
					"price":     ticker.Price,
					"stop_loss": pos.StopLoss,
					"quantity":  pos.Quantity,
				})
			}
			if m.onBreach != nil {
				m.onBreach(ctx, pos, ticker.Price)
			}
		}
	}
}
