// Package portfolio holds the authoritative ledger of balances,
// positions and realized P&L, and fans live snapshots out to observers.
package portfolio

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/southquant/tradecore/internal/exchange"
	"github.com/southquant/tradecore/internal/market"
)

// ErrInvariant marks a ledger state that should be impossible, such as
// a negative balance or a sell against an unknown position. Callers
// escalate it to an emergency stop.
var ErrInvariant = errors.New("ledger invariant violation")

// Position is one open holding. Quantity is base-denominated; a
// position exists only while Quantity > 0.
type Position struct {
	Pair          market.Pair `json:"pair"`
	Quantity      float64     `json:"quantity"`
	EntryPrice    float64     `json:"entry_price"`
	EntryTime     time.Time   `json:"entry_time"`
	StopLoss      float64     `json:"stop_loss,omitempty"`
	LastPrice     float64     `json:"last_price"`
	UnrealizedPnL float64     `json:"unrealized_pnl"`
	CurrentValue  float64     `json:"current_value"`
}

// Snapshot is an immutable view of the portfolio at one instant.
type Snapshot struct {
	AvailableQuote float64             `json:"available_quote"`
	Positions      map[string]Position `json:"positions"`
	TotalValue     float64             `json:"total_value"`
	Timestamp      time.Time           `json:"timestamp"`
}

// RealizedTrade records one closing (or partially closing) sell.
type RealizedTrade struct {
	Pair       market.Pair `json:"pair"`
	Quantity   float64     `json:"quantity"`
	EntryPrice float64     `json:"entry_price"`
	ExitPrice  float64     `json:"exit_price"`
	PnL        float64     `json:"pnl"`
	Fees       float64     `json:"fees"`
	ClosedAt   time.Time   `json:"closed_at"`
}

// Ledger is the single source of truth for holdings. One writer (the
// executor) mutates it through ApplyFill; everyone else reads copies.
type Ledger struct {
	mu             sync.RWMutex
	quoteCurrency  string
	availableQuote float64
	initialCapital float64
	totalFees      float64
	positions      map[string]*Position
	realized       []RealizedTrade
	lastTradeAt    map[string]time.Time
	history        []Snapshot
	historyCap     int
	log            zerolog.Logger
}

// NewLedger creates a ledger seeded with the starting quote balance.
func NewLedger(quoteCurrency string, initialCapital float64, historyCap int, logger zerolog.Logger) *Ledger {
	if historyCap < 1 {
		historyCap = 1
	}
	return &Ledger{
		quoteCurrency:  quoteCurrency,
		availableQuote: initialCapital,
		initialCapital: initialCapital,
		positions:      make(map[string]*Position),
		lastTradeAt:    make(map[string]time.Time),
		historyCap:     historyCap,
		log:            logger,
	}
}

// RestorePosition seeds an open position during startup reconciliation.
func (l *Ledger) RestorePosition(p Position) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p.Quantity <= 0 {
		return
	}
	cp := p
	l.positions[p.Pair.String()] = &cp
	l.availableQuote -= p.Quantity * p.EntryPrice
}

// ApplyFill mutates the ledger from one confirmed order result. Fees
// are converted to quote at the fill price when paid in the base asset;
// fees in any other asset are logged and left out of the balance.
func (l *Ledger) ApplyFill(res *exchange.OrderResult) error {
	if res == nil || res.FilledBase <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	fees := l.feeInQuote(res)
	key := res.Pair.String()
	now := time.Now()

	switch res.Side {
	case exchange.SideBuy:
		cost := res.FilledQuote + fees
		if cost > l.availableQuote+1e-6 {
			return fmt.Errorf("%w: buy fill of %.2f %s exceeds available %.2f",
				ErrInvariant, cost, l.quoteCurrency, l.availableQuote)
		}
		l.availableQuote -= cost
		l.totalFees += fees

		pos, ok := l.positions[key]
		if !ok {
			pos = &Position{Pair: res.Pair, EntryTime: now, LastPrice: res.AveragePrice}
			l.positions[key] = pos
		}
		totalQty := pos.Quantity + res.FilledBase
		pos.EntryPrice = (pos.EntryPrice*pos.Quantity + res.AveragePrice*res.FilledBase) / totalQty
		pos.Quantity = totalQty
		pos.LastPrice = res.AveragePrice
		pos.CurrentValue = pos.Quantity * pos.LastPrice
		pos.UnrealizedPnL = (pos.LastPrice - pos.EntryPrice) * pos.Quantity

		l.log.Info().
			Str("pair", key).
			Float64("filled_base", res.FilledBase).
			Float64("avg_price", res.AveragePrice).
			Float64("entry_price", pos.EntryPrice).
			Float64("quantity", pos.Quantity).
			Msg("Buy fill applied")

	case exchange.SideSell:
		pos, ok := l.positions[key]
		if !ok {
			return fmt.Errorf("%w: sell fill for %s with no open position", ErrInvariant, key)
		}
		if res.FilledBase > pos.Quantity+1e-9 {
			return fmt.Errorf("%w: sell fill of %v exceeds position %v for %s",
				ErrInvariant, res.FilledBase, pos.Quantity, key)
		}

		l.availableQuote += res.FilledQuote - fees
		l.totalFees += fees

		pnl := (res.AveragePrice-pos.EntryPrice)*res.FilledBase - fees
		l.realized = append(l.realized, RealizedTrade{
			Pair:       res.Pair,
			Quantity:   res.FilledBase,
			EntryPrice: pos.EntryPrice,
			ExitPrice:  res.AveragePrice,
			PnL:        pnl,
			Fees:       fees,
			ClosedAt:   now,
		})

		pos.Quantity -= res.FilledBase
		pos.LastPrice = res.AveragePrice
		if pos.Quantity <= 1e-9 {
			delete(l.positions, key)
		} else {
			pos.CurrentValue = pos.Quantity * pos.LastPrice
			pos.UnrealizedPnL = (pos.LastPrice - pos.EntryPrice) * pos.Quantity
		}

		l.log.Info().
			Str("pair", key).
			Float64("filled_base", res.FilledBase).
			Float64("exit_price", res.AveragePrice).
			Float64("realized_pnl", pnl).
			Msg("Sell fill applied")

	default:
		return fmt.Errorf("%w: fill with unknown side %q", ErrInvariant, res.Side)
	}

	l.lastTradeAt[key] = now
	return nil
}

func (l *Ledger) feeInQuote(res *exchange.OrderResult) float64 {
	if res.Fees == 0 {
		return 0
	}
	switch res.FeeAsset {
	case "", l.quoteCurrency:
		return res.Fees
	case res.Pair.Base:
		return res.Fees * res.AveragePrice
	default:
		// Fee in a third asset; conversion is left to a downstream
		// reconciler.
		l.log.Warn().
			Str("fee_asset", res.FeeAsset).
			Float64("fees", res.Fees).
			Msg("Fee in foreign asset not applied to quote balance")
		return 0
	}
}

// MarkPrices refreshes unrealized P&L and current values from the
// latest tickers. Pairs missing from prices keep their last known
// price, never zero.
func (l *Ledger) MarkPrices(prices map[string]float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for key, pos := range l.positions {
		if p, ok := prices[key]; ok && p > 0 {
			pos.LastPrice = p
		}
		pos.CurrentValue = pos.Quantity * pos.LastPrice
		pos.UnrealizedPnL = (pos.LastPrice - pos.EntryPrice) * pos.Quantity
	}
}

// SetStopLoss attaches a stop level to an open position.
func (l *Ledger) SetStopLoss(pair market.Pair, stop float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if pos, ok := l.positions[pair.String()]; ok {
		pos.StopLoss = stop
	}
}

// Snapshot produces an immutable portfolio view and retains it in the
// bounded history ring.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	snap := l.snapshotLocked()
	if len(l.history) >= l.historyCap {
		l.history = l.history[1:]
	}
	l.history = append(l.history, snap)
	return snap
}

// View produces an immutable portfolio view without touching history.
func (l *Ledger) View() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snapshotLocked()
}

func (l *Ledger) snapshotLocked() Snapshot {
	positions := make(map[string]Position, len(l.positions))
	total := l.availableQuote
	for key, pos := range l.positions {
		positions[key] = *pos
		total += pos.Quantity * pos.LastPrice
	}
	return Snapshot{
		AvailableQuote: l.availableQuote,
		Positions:      positions,
		TotalValue:     total,
		Timestamp:      time.Now(),
	}
}

// History returns a copy of the retained snapshots, oldest first.
func (l *Ledger) History() []Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Snapshot, len(l.history))
	copy(out, l.history)
	return out
}

// Position returns a copy of one open position.
func (l *Ledger) Position(pair market.Pair) (Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pos, ok := l.positions[pair.String()]
	if !ok {
		return Position{}, false
	}
	return *pos, true
}

// LastTradeAt returns when the pair last traded, for cooldown checks.
func (l *Ledger) LastTradeAt(pair market.Pair) (time.Time, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, ok := l.lastTradeAt[pair.String()]
	return t, ok
}

// RealizedPnLSince sums realized P&L closed at or after cutoff.
func (l *Ledger) RealizedPnLSince(cutoff time.Time) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var total float64
	for _, tr := range l.realized {
		if !tr.ClosedAt.Before(cutoff) {
			total += tr.PnL
		}
	}
	return total
}

// UnrealizedPnL sums unrealized P&L across open positions.
func (l *Ledger) UnrealizedPnL() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var total float64
	for _, pos := range l.positions {
		total += pos.UnrealizedPnL
	}
	return total
}

// TradesSince counts closed trades at or after cutoff.
func (l *Ledger) TradesSince(cutoff time.Time) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var n int
	for _, tr := range l.realized {
		if !tr.ClosedAt.Before(cutoff) {
			n++
		}
	}
	return n
}

// RecentRealized returns copies of the last n realized trades, newest
// last.
func (l *Ledger) RecentRealized(n int) []RealizedTrade {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if n > len(l.realized) {
		n = len(l.realized)
	}
	out := make([]RealizedTrade, n)
	copy(out, l.realized[len(l.realized)-n:])
	return out
}

// InitialCapital returns the seeded starting balance.
func (l *Ledger) InitialCapital() float64 {
	return l.initialCapital
}

// TotalFees returns accumulated fees in quote.
func (l *Ledger) TotalFees() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.totalFees
}
