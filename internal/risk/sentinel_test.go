package risk

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/southquant/tradecore/internal/config"
	"github.com/southquant/tradecore/internal/exchange"
	"github.com/southquant/tradecore/internal/market"
	"github.com/southquant/tradecore/internal/portfolio"
	"github.com/southquant/tradecore/internal/strategist"
)

var btcaud = market.NewPair("BTC", "AUD")

func riskCfg() config.RiskConfig {
	return config.RiskConfig{
		MaxPositionPct:    0.20,
		MaxExposurePct:    0.50,
		StopLossPct:       0.05,
		MinConfidence:     0.6,
		MinHoldTimeHours:  1,
		BalanceReserve:    50,
		AllowRiskOffSells: true,
	}
}

func newSentinel(t *testing.T, cfg config.RiskConfig, breakers *BreakerSet) *Sentinel {
	t.Helper()
	ledger := portfolio.NewLedger("AUD", 1000, 10, zerolog.Nop())
	return NewSentinel(cfg, breakers, ledger, zerolog.Nop())
}

func snapshot(available, total float64) portfolio.Snapshot {
	return portfolio.Snapshot{
		AvailableQuote: available,
		TotalValue:     total,
		Positions:      map[string]portfolio.Position{},
		Timestamp:      time.Now(),
	}
}

func buyProposal(size, confidence float64) *strategist.Proposal {
	return &strategist.Proposal{
		Pair:       btcaud,
		Action:     strategist.ActionBuy,
		Size:       size,
		Confidence: confidence,
		Timestamp:  time.Now(),
	}
}

func TestReview_HoldPassesUntouched(t *testing.T) {
	s := newSentinel(t, riskCfg(), nil)

	p := &strategist.Proposal{Pair: btcaud, Action: strategist.ActionHold}
	v := s.Review(p, snapshot(1000, 1000), 50000)

	assert.Equal(t, VerdictApprove, v.Kind)
	assert.Same(t, p, v.Proposal)
}

func TestReview_LowConfidenceVetoed(t *testing.T) {
	s := newSentinel(t, riskCfg(), nil)

	v := s.Review(buyProposal(100, 0.55), snapshot(1000, 1000), 50000)

	assert.Equal(t, VerdictVeto, v.Kind)
	assert.Contains(t, v.Reason, "confidence")
}

func TestReview_MinHoldTimeVetoesRecentPair(t *testing.T) {
	ledger := portfolio.NewLedger("AUD", 1000, 10, zerolog.Nop())
	require.NoError(t, ledger.ApplyFill(&exchange.OrderResult{
		Pair:         btcaud,
		Side:         exchange.SideBuy,
		Status:       exchange.OrderStatusFilled,
		FilledBase:   0.002,
		FilledQuote:  100,
		AveragePrice: 50000,
	}))

	s := NewSentinel(riskCfg(), nil, ledger, zerolog.Nop())
	s.now = func() time.Time { return time.Now().Add(30 * time.Minute) }

	v := s.Review(buyProposal(100, 0.9), ledger.View(), 50000)
	assert.Equal(t, VerdictVeto, v.Kind)
	assert.Contains(t, v.Reason, "minimum hold")

	// Past the hold window the same proposal goes through.
	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	v = s.Review(buyProposal(100, 0.9), ledger.View(), 50000)
	assert.Equal(t, VerdictApprove, v.Kind)
}

func TestReview_PositionCapResizes(t *testing.T) {
	s := newSentinel(t, riskCfg(), nil)

	// 20% of 1000 caps any single position at 200.
	v := s.Review(buyProposal(250, 0.9), snapshot(1000, 1000), 50000)

	require.Equal(t, VerdictResize, v.Kind)
	assert.InDelta(t, 200, v.Proposal.Size, 1e-9)
	assert.Contains(t, v.Reason, "resized")
}

func TestReview_ExistingPositionCountsTowardCap(t *testing.T) {
	s := newSentinel(t, riskCfg(), nil)

	snap := snapshot(850, 1000)
	snap.Positions[btcaud.String()] = portfolio.Position{
		Pair:      btcaud,
		Quantity:  0.003,
		LastPrice: 50000,
	}

	v := s.Review(buyProposal(100, 0.9), snap, 50000)

	require.Equal(t, VerdictResize, v.Kind)
	assert.InDelta(t, 50, v.Proposal.Size, 1e-9)
}

func TestReview_ExposureCapResizes(t *testing.T) {
	cfg := riskCfg()
	cfg.MaxPositionPct = 1.0
	s := newSentinel(t, cfg, nil)

	// 450 already invested against a 50% exposure cap of 500.
	v := s.Review(buyProposal(100, 0.9), snapshot(550, 1000), 50000)

	require.Equal(t, VerdictResize, v.Kind)
	assert.InDelta(t, 50, v.Proposal.Size, 1e-9)
}

func TestReview_NoRoomVetoes(t *testing.T) {
	s := newSentinel(t, riskCfg(), nil)

	snap := snapshot(800, 1000)
	snap.Positions[btcaud.String()] = portfolio.Position{
		Pair:      btcaud,
		Quantity:  0.004,
		LastPrice: 50000,
	}

	v := s.Review(buyProposal(100, 0.9), snap, 50000)
	assert.Equal(t, VerdictVeto, v.Kind)
}

func TestReview_BalanceReserveVetoes(t *testing.T) {
	cfg := riskCfg()
	cfg.MaxPositionPct = 1.0
	cfg.MaxExposurePct = 1.0
	s := newSentinel(t, cfg, nil)

	// Caps allow 60 but only 100 less the 50 reserve is spendable.
	v := s.Review(buyProposal(60, 0.9), snapshot(100, 100), 50000)

	assert.Equal(t, VerdictVeto, v.Kind)
	assert.Contains(t, v.Reason, "reserve")
}

func TestReview_TrippedBreakerVetoesBuys(t *testing.T) {
	set := NewBreakerSet(breakerCfg(), nil, nil, zerolog.Nop())
	in := calmInputs()
	in.DailyPnL = -100.01
	set.Evaluate(context.Background(), in)
	require.True(t, set.AnyTripped())

	s := newSentinel(t, riskCfg(), set)

	v := s.Review(buyProposal(100, 0.9), snapshot(1000, 1000), 50000)
	assert.Equal(t, VerdictVeto, v.Kind)
	assert.Contains(t, v.Reason, "breaker")
}

func TestReview_TrippedBreakerAllowsRiskOffSell(t *testing.T) {
	set := NewBreakerSet(breakerCfg(), nil, nil, zerolog.Nop())
	in := calmInputs()
	in.DailyPnL = -100.01
	set.Evaluate(context.Background(), in)
	require.True(t, set.AnyTripped())

	sell := &strategist.Proposal{
		Pair:       btcaud,
		Action:     strategist.ActionSell,
		Size:       0.002,
		Confidence: 0.9,
	}

	s := newSentinel(t, riskCfg(), set)
	v := s.Review(sell, snapshot(900, 1000), 50000)
	assert.Equal(t, VerdictApprove, v.Kind, "sells that reduce risk pass while tripped")

	cfg := riskCfg()
	cfg.AllowRiskOffSells = false
	s = newSentinel(t, cfg, set)
	v = s.Review(sell, snapshot(900, 1000), 50000)
	assert.Equal(t, VerdictVeto, v.Kind)
}

func TestReview_ApprovedBuyCarriesStopLoss(t *testing.T) {
	s := newSentinel(t, riskCfg(), nil)

	v := s.Review(buyProposal(100, 0.9), snapshot(1000, 1000), 50000)

	require.Equal(t, VerdictApprove, v.Kind)
	assert.InDelta(t, 47500, v.StopLoss, 1e-9)
}
