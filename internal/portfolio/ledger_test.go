package portfolio

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/southquant/tradecore/internal/exchange"
	"github.com/southquant/tradecore/internal/market"
)

var btcaud = market.NewPair("BTC", "AUD")

func newLedger() *Ledger {
	return NewLedger("AUD", 1000, 10, zerolog.Nop())
}

func buyFill(base, price, fees float64) *exchange.OrderResult {
	return &exchange.OrderResult{
		Pair:         btcaud,
		Side:         exchange.SideBuy,
		Status:       exchange.OrderStatusFilled,
		FilledBase:   base,
		FilledQuote:  base * price,
		AveragePrice: price,
		Fees:         fees,
		FeeAsset:     "AUD",
	}
}

func sellFill(base, price, fees float64) *exchange.OrderResult {
	return &exchange.OrderResult{
		Pair:         btcaud,
		Side:         exchange.SideSell,
		Status:       exchange.OrderStatusFilled,
		FilledBase:   base,
		FilledQuote:  base * price,
		AveragePrice: price,
		Fees:         fees,
		FeeAsset:     "AUD",
	}
}

func TestApplyFill_BuyOpensPosition(t *testing.T) {
	l := newLedger()

	require.NoError(t, l.ApplyFill(buyFill(0.004, 50000, 0.2)))

	snap := l.View()
	assert.InDelta(t, 799.8, snap.AvailableQuote, 1e-6)
	pos, ok := l.Position(btcaud)
	require.True(t, ok)
	assert.InDelta(t, 0.004, pos.Quantity, 1e-9)
	assert.InDelta(t, 50000, pos.EntryPrice, 1e-6)
}

func TestApplyFill_BuyAveragesEntry(t *testing.T) {
	l := newLedger()

	require.NoError(t, l.ApplyFill(buyFill(0.004, 50000, 0)))
	require.NoError(t, l.ApplyFill(buyFill(0.004, 60000, 0)))

	pos, ok := l.Position(btcaud)
	require.True(t, ok)
	assert.InDelta(t, 0.008, pos.Quantity, 1e-9)
	assert.InDelta(t, 55000, pos.EntryPrice, 1e-6)
}

func TestApplyFill_SellRealizesPnL(t *testing.T) {
	l := newLedger()
	require.NoError(t, l.ApplyFill(buyFill(0.004, 50000, 0)))

	require.NoError(t, l.ApplyFill(sellFill(0.004, 47400, 0)))

	_, ok := l.Position(btcaud)
	assert.False(t, ok, "fully sold position must be removed")

	pnl := l.RealizedPnLSince(time.Time{})
	assert.InDelta(t, -10.4, pnl, 1e-6)

	snap := l.View()
	assert.InDelta(t, 1000-10.4, snap.AvailableQuote, 1e-6)
}

func TestApplyFill_PartialSellKeepsEntry(t *testing.T) {
	l := newLedger()
	require.NoError(t, l.ApplyFill(buyFill(0.008, 50000, 0)))

	require.NoError(t, l.ApplyFill(sellFill(0.004, 52000, 0)))

	pos, ok := l.Position(btcaud)
	require.True(t, ok)
	assert.InDelta(t, 0.004, pos.Quantity, 1e-9)
	assert.InDelta(t, 50000, pos.EntryPrice, 1e-6)
}

func TestApplyFill_InvariantViolations(t *testing.T) {
	l := newLedger()

	err := l.ApplyFill(sellFill(0.004, 50000, 0))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvariant)

	err = l.ApplyFill(buyFill(1, 50000, 0)) // 50000 AUD on a 1000 AUD book
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvariant)
}

func TestApplyFill_FeeInBaseAsset(t *testing.T) {
	l := newLedger()

	fill := buyFill(0.004, 50000, 0.000004)
	fill.FeeAsset = "BTC"
	require.NoError(t, l.ApplyFill(fill))

	snap := l.View()
	// 0.000004 BTC at 50000 = 0.2 AUD
	assert.InDelta(t, 1000-200-0.2, snap.AvailableQuote, 1e-6)
}

func TestTotalValueIdentity(t *testing.T) {
	l := newLedger()
	require.NoError(t, l.ApplyFill(buyFill(0.004, 50000, 0)))

	l.MarkPrices(map[string]float64{"BTC/AUD": 52000})

	snap := l.View()
	var held float64
	for _, pos := range snap.Positions {
		held += pos.Quantity * pos.LastPrice
	}
	assert.InDelta(t, snap.TotalValue, snap.AvailableQuote+held, 1e-6)
}

func TestMarkPrices_StalePairKeepsLastPrice(t *testing.T) {
	l := newLedger()
	require.NoError(t, l.ApplyFill(buyFill(0.004, 50000, 0)))

	l.MarkPrices(map[string]float64{})

	pos, _ := l.Position(btcaud)
	assert.InDelta(t, 50000, pos.LastPrice, 1e-6, "missing ticker must not zero the price")
}

func TestSnapshotHistoryBounded(t *testing.T) {
	l := NewLedger("AUD", 1000, 3, zerolog.Nop())

	for i := 0; i < 5; i++ {
		l.Snapshot()
	}
	assert.Len(t, l.History(), 3)
}

func TestRecentRealizedAndTradeWindow(t *testing.T) {
	l := newLedger()
	require.NoError(t, l.ApplyFill(buyFill(0.008, 50000, 0)))
	require.NoError(t, l.ApplyFill(sellFill(0.004, 49000, 0)))
	require.NoError(t, l.ApplyFill(sellFill(0.004, 48000, 0)))

	trades := l.RecentRealized(2)
	require.Len(t, trades, 2)
	assert.Less(t, trades[0].PnL, 0.0)
	assert.Equal(t, 2, l.TradesSince(time.Now().Add(-time.Hour)))
	assert.Equal(t, 0, l.TradesSince(time.Now().Add(time.Hour)))
}

func TestStopLossAttachment(t *testing.T) {
	l := newLedger()
	require.NoError(t, l.ApplyFill(buyFill(0.004, 50000, 0)))

	l.SetStopLoss(btcaud, 47500)

	pos, _ := l.Position(btcaud)
	assert.InDelta(t, 47500, pos.StopLoss, 1e-6)
}
