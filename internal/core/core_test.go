package core

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/southquant/tradecore/internal/bus"
	"github.com/southquant/tradecore/internal/config"
	"github.com/southquant/tradecore/internal/exchange"
	"github.com/southquant/tradecore/internal/market"
	"github.com/southquant/tradecore/internal/risk"
	"github.com/southquant/tradecore/internal/store"
)

var btcaud = market.NewPair("BTC", "AUD")

func TestMain(m *testing.M) {
	zerolog.SetGlobalLevel(zerolog.Disabled)
	os.Exit(m.Run())
}

func testConfig() *config.Config {
	return &config.Config{
		Exchange: config.ExchangeConfig{Kind: "mock"},
		Trading: config.TradingConfig{
			Stage:                "stage1",
			QuoteCurrency:        "AUD",
			Pairs:                []string{"BTC/AUD"},
			CycleIntervalMinutes: 15,
			InitialCapital:       1000,
			TargetCapital:        10000,
			SnapshotHistory:      50,
		},
		Risk: config.RiskConfig{
			MaxPositionPct:    0.20,
			MaxExposurePct:    0.80,
			StopLossPct:       0.05,
			MinConfidence:     0.6,
			MinHoldTimeHours:  0,
			AllowRiskOffSells: true,
		},
		Breakers: config.BreakerConfig{
			MaxDailyLossPct:        0.10,
			MaxDailyTrades:         10,
			VolatilityThresholdPct: 0.10,
			ConsecutiveLossLimit:   4,
			AnomalyThreshold:       0.8,
			CooldownMinutes:        60,
		},
		Execution: config.ExecutionConfig{
			OrderKind:     "MARKET",
			LimitTimeoutS: 5,
			PollMS:        1,
		},
		Fusion: config.FusionConfig{
			DisagreementPenalty: 0.5,
			// All fused weight on sentiment keeps cycle outcomes a pure
			// function of the scripted fear/greed value.
			Weights: map[string]map[string]float64{
				"default": {"sentiment": 1.0},
			},
		},
		Strategist: config.StrategistConfig{
			Mode:          "rules",
			ThresholdBuy:  0.3,
			ThresholdSell: -0.3,
			BaseSizeQuote: 250,
			MinSizeQuote:  25,
		},
		Fanout: config.FanoutConfig{Enabled: true, SubscriberBuffer: 4, SlowConsumerThreshold: 2},
	}
}

// rangingCandles produces a gently oscillating 15-minute tape around base,
// enough history for every indicator window.
func rangingCandles(n int, base float64) []market.Candle {
	candles := make([]market.Candle, n)
	start := time.Now().Add(-time.Duration(n) * 15 * time.Minute)
	for i := range candles {
		wobble := float64(25 - 50*(i%2))
		candles[i] = market.Candle{
			OpenTime: start.Add(time.Duration(i) * 15 * time.Minute),
			Open:     base - wobble,
			High:     base + 60,
			Low:      base - 60,
			Close:    base + wobble,
			Volume:   10,
		}
	}
	return candles
}

func newTestCore(t *testing.T, cfg *config.Config, opts ...Option) (*Core, *exchange.MockAdapter) {
	t.Helper()
	mock := exchange.NewMockAdapter()
	mock.SetPrice(btcaud, 50000)
	mock.SetCandles(btcaud, rangingCandles(100, 50000))

	c, err := New(context.Background(), cfg, zerolog.Nop(), append([]Option{WithAdapter(mock)}, opts...)...)
	require.NoError(t, err)
	return c, mock
}

func TestCycleBuysOnExtremeFear(t *testing.T) {
	c, mock := newTestCore(t, testConfig())
	c.Sentiment.SetFearGreed(10)

	require.NoError(t, c.runCycle(context.Background(), 1))

	snap := c.PortfolioSnapshot()
	pos, ok := snap.Positions[btcaud.String()]
	require.True(t, ok, "expected an open BTC/AUD position")
	assert.InDelta(t, 0.004, pos.Quantity, 1e-9)
	assert.InDelta(t, 47500, pos.StopLoss, 1e-6)
	// 200 quote spent plus the 0.1% taker fee.
	assert.InDelta(t, 799.8, snap.AvailableQuote, 1e-6)

	placed := mock.PlacedOrders()
	require.Len(t, placed, 1)
	assert.Equal(t, exchange.SideBuy, placed[0].Side)
	assert.InDelta(t, 200, placed[0].Size, 1e-9)

	record := c.LastCycle()
	require.NotNil(t, record)
	require.Len(t, record.Outcomes, 1)
	assert.Equal(t, "BUY", record.Outcomes[0].Action)
	assert.Equal(t, string(risk.VerdictApprove), record.Outcomes[0].Verdict)
	assert.Zero(t, record.PairErrors)
}

func TestCycleHoldsInNeutralSentiment(t *testing.T) {
	c, mock := newTestCore(t, testConfig())
	c.Sentiment.SetFearGreed(50)

	require.NoError(t, c.runCycle(context.Background(), 1))

	assert.Empty(t, mock.PlacedOrders())
	assert.Empty(t, c.PortfolioSnapshot().Positions)
}

func TestStopLossBreachLiquidatesPosition(t *testing.T) {
	c, mock := newTestCore(t, testConfig())
	mock.SetFeeRate(0)

	require.NoError(t, c.ledger.ApplyFill(&exchange.OrderResult{
		Pair:         btcaud,
		Side:         exchange.SideBuy,
		Status:       exchange.OrderStatusFilled,
		FilledBase:   0.004,
		FilledQuote:  200,
		AveragePrice: 50000,
	}))
	c.ledger.SetStopLoss(btcaud, 47500)

	events, cancel := c.eventBus.Subscribe(4, bus.EventStopLossTriggered)
	defer cancel()

	mock.SetPrice(btcaud, 47400)
	c.stopMon.CheckOnce(context.Background())

	snap := c.PortfolioSnapshot()
	assert.Empty(t, snap.Positions, "position should be liquidated")
	assert.InDelta(t, 989.6, snap.AvailableQuote, 1e-6)

	realized := c.RecentTrades(1)
	require.Len(t, realized, 1)
	assert.InDelta(t, -10.4, realized[0].PnL, 1e-6)

	select {
	case evt := <-events:
		assert.Equal(t, bus.EventStopLossTriggered, evt.Type)
	default:
		t.Fatal("expected a stop_loss_triggered event")
	}
}

func TestTrippedBreakerVetoesBuys(t *testing.T) {
	c, mock := newTestCore(t, testConfig())

	c.breakers.Evaluate(context.Background(), risk.Inputs{
		DailyPnL:       -150,
		StartingEquity: 1000,
	})
	require.True(t, c.breakers.AnyTripped())

	c.Sentiment.SetFearGreed(10)
	require.NoError(t, c.runCycle(context.Background(), 1))

	assert.Empty(t, mock.PlacedOrders(), "tripped breaker must block new buys")
	record := c.LastCycle()
	require.Len(t, record.Outcomes, 1)
	assert.Equal(t, string(risk.VerdictVeto), record.Outcomes[0].Verdict)
	assert.Contains(t, record.Outcomes[0].Reason, "circuit breaker")
}

func TestTrippedBreakerAllowsRiskOffSell(t *testing.T) {
	c, mock := newTestCore(t, testConfig())
	mock.SetFeeRate(0)

	require.NoError(t, c.ledger.ApplyFill(&exchange.OrderResult{
		Pair:         btcaud,
		Side:         exchange.SideBuy,
		Status:       exchange.OrderStatusFilled,
		FilledBase:   0.004,
		FilledQuote:  200,
		AveragePrice: 50000,
	}))

	c.breakers.Evaluate(context.Background(), risk.Inputs{
		DailyPnL:       -150,
		StartingEquity: 1000,
	})
	require.True(t, c.breakers.AnyTripped())

	// Extreme greed reads bearish for the contrarian sentiment analyst.
	c.Sentiment.SetFearGreed(90)
	require.NoError(t, c.runCycle(context.Background(), 1))

	placed := mock.PlacedOrders()
	require.Len(t, placed, 1)
	assert.Equal(t, exchange.SideSell, placed[0].Side)
	assert.Empty(t, c.PortfolioSnapshot().Positions)
}

func TestCycleDegradesWhenOnePairFails(t *testing.T) {
	cfg := testConfig()
	cfg.Trading.Pairs = []string{"BTC/AUD", "ETH/AUD"}
	c, _ := newTestCore(t, cfg)
	// ETH/AUD has no scripted data, so its leg of the cycle must fail
	// without taking BTC/AUD down with it.
	c.Sentiment.SetFearGreed(10)

	err := c.runCycle(context.Background(), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 pairs failed")

	record := c.LastCycle()
	require.NotNil(t, record)
	assert.Equal(t, 1, record.PairErrors)
	require.Len(t, record.Outcomes, 2)
	assert.Empty(t, record.Outcomes[0].Error)
	assert.NotEmpty(t, record.Outcomes[1].Error)
}

func TestPerformanceReportsProgress(t *testing.T) {
	c, _ := newTestCore(t, testConfig())

	perf := c.Performance()
	assert.InDelta(t, 1000, perf["initial_capital"], 1e-9)
	assert.InDelta(t, 10000, perf["target_capital"], 1e-9)
	assert.InDelta(t, 1000, perf["total_value"], 1e-9)
}

func TestReloadPartialTightensConfidenceGate(t *testing.T) {
	c, mock := newTestCore(t, testConfig())

	stricter := c.cfg.Risk
	stricter.MinConfidence = 0.9
	require.NoError(t, c.ReloadPartial(config.PartialUpdate{Risk: &stricter}))

	// Extreme fear only carries confidence 0.8, below the new gate.
	c.Sentiment.SetFearGreed(10)
	require.NoError(t, c.runCycle(context.Background(), 1))
	assert.Empty(t, mock.PlacedOrders())
}

func TestReloadPartialRejectsInvalidUpdate(t *testing.T) {
	c, _ := newTestCore(t, testConfig())

	bad := c.cfg.Risk
	bad.MaxPositionPct = 1.5
	err := c.ReloadPartial(config.PartialUpdate{Risk: &bad})
	require.Error(t, err)
	assert.InDelta(t, 0.20, c.cfg.Risk.MaxPositionPct, 1e-9, "rejected reload must not mutate config")
}

func TestNewRejectsUnknownExchangeKind(t *testing.T) {
	cfg := testConfig()
	cfg.Exchange.Kind = "paper"

	_, err := New(context.Background(), cfg, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown exchange kind")
}

func TestReconcileResolvesAbandonedTrade(t *testing.T) {
	mockDB, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockDB.Close)

	for i := 0; i < 9; i++ {
		mockDB.ExpectExec("CREATE TABLE IF NOT EXISTS").
			WillReturnResult(pgxmock.NewResult("CREATE", 0))
	}
	mockDB.ExpectQuery("SELECT available_quote, positions_json FROM portfolio_snapshots").
		WillReturnError(pgx.ErrNoRows)
	mockDB.ExpectQuery("SELECT name, tripped, tripped_at, value, threshold, cooldown_until FROM breaker_states").
		WillReturnRows(pgxmock.NewRows([]string{"name", "tripped", "tripped_at", "value", "threshold", "cooldown_until"}))
	mockDB.ExpectQuery("SELECT analyst_name, regime, weight FROM analyst_weights").
		WillReturnRows(pgxmock.NewRows([]string{"analyst_name", "regime", "weight"}))

	// One trade that never reached the exchange: no order id, still
	// PENDING. Reconciliation must close it out as FAILED.
	now := time.Now()
	mockDB.ExpectQuery("SELECT (.+) FROM trades WHERE status IN").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "order_id", "pair", "action", "requested_size", "filled_base",
			"filled_quote", "average_price", "status", "fees", "realized_pnl",
			"entry_price", "exit_price", "execution_strategy", "decision_ts",
			"submitted_ts", "filled_ts", "latency_ms",
		}).AddRow(
			uuid.New(), "", "BTC/AUD", "BUY", 200.0, 0.0,
			0.0, 0.0, "PENDING", 0.0, nil,
			nil, nil, "market", now,
			now, nil, int64(0),
		))
	mockDB.ExpectExec("UPDATE trades SET").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	st := store.NewWithQuerier(mockDB, zerolog.Nop())
	_, _ = newTestCore(t, testConfig(), WithStore(st))

	assert.NoError(t, mockDB.ExpectationsWereMet())
}
