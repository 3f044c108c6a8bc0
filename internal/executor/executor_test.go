package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/southquant/tradecore/internal/bus"
	"github.com/southquant/tradecore/internal/config"
	"github.com/southquant/tradecore/internal/exchange"
	"github.com/southquant/tradecore/internal/market"
	"github.com/southquant/tradecore/internal/portfolio"
)

var btcaud = market.NewPair("BTC", "AUD")

func execCfg(kind string) config.ExecutionConfig {
	return config.ExecutionConfig{
		OrderKind:        kind,
		LimitTimeoutS:    5,
		PollMS:           1,
		FallbackToMarket: true,
		TWAPSlices:       4,
		TWAPWindowS:      0,
	}
}

func newExecutor(t *testing.T, mock *exchange.MockAdapter, cfg config.ExecutionConfig) (*Executor, *portfolio.Ledger) {
	t.Helper()
	ledger := portfolio.NewLedger("AUD", 1000, 10, zerolog.Nop())
	e := New(mock, ledger, nil, nil, cfg, zerolog.Nop())
	e.retry.InitialBackoff = time.Millisecond
	return e, ledger
}

func TestExecute_MarketBuySettles(t *testing.T) {
	mock := exchange.NewMockAdapter()
	mock.SetPrice(btcaud, 50000)

	e, ledger := newExecutor(t, mock, execCfg("MARKET"))

	exec, err := e.Execute(context.Background(), Intent{
		Pair:     btcaud,
		Side:     exchange.SideBuy,
		Size:     200,
		StopLoss: 47500,
	})
	require.NoError(t, err)

	require.Equal(t, exchange.OrderStatusFilled, exec.Result.Status)
	assert.Equal(t, "market", exec.Strategy)
	assert.InDelta(t, 0.004, exec.Result.FilledBase, 1e-9)
	assert.InDelta(t, 200, exec.Result.FilledQuote, 1e-6)

	snap := ledger.View()
	pos, ok := snap.Positions["BTC/AUD"]
	require.True(t, ok)
	assert.InDelta(t, 0.004, pos.Quantity, 1e-9)
	assert.InDelta(t, 47500, pos.StopLoss, 1e-9)
	// 200 notional plus the 0.1% taker fee.
	assert.InDelta(t, 1000-200.2, snap.AvailableQuote, 1e-6)
}

func TestExecute_MarketSellClosesPosition(t *testing.T) {
	mock := exchange.NewMockAdapter()
	mock.SetPrice(btcaud, 52000)

	e, ledger := newExecutor(t, mock, execCfg("MARKET"))
	ledger.RestorePosition(portfolio.Position{
		Pair:       btcaud,
		Quantity:   0.004,
		EntryPrice: 50000,
		EntryTime:  time.Now().Add(-2 * time.Hour),
		LastPrice:  50000,
	})

	exec, err := e.Execute(context.Background(), Intent{
		Pair: btcaud,
		Side: exchange.SideSell,
		Size: 0.004,
	})
	require.NoError(t, err)
	require.Equal(t, exchange.OrderStatusFilled, exec.Result.Status)

	snap := ledger.View()
	_, ok := snap.Positions["BTC/AUD"]
	assert.False(t, ok, "full sell must close the position")
}

func TestExecute_LimitFillsAfterPolling(t *testing.T) {
	mock := exchange.NewMockAdapter()
	mock.SetPrice(btcaud, 50000)
	mock.ScriptFills(btcaud,
		exchange.FillStep{Status: exchange.OrderStatusPartial, Fraction: 0.5},
		exchange.FillStep{Status: exchange.OrderStatusFilled, Fraction: 1.0},
	)

	e, _ := newExecutor(t, mock, execCfg("LIMIT"))

	exec, err := e.Execute(context.Background(), Intent{
		Pair: btcaud,
		Side: exchange.SideBuy,
		Size: 200,
	})
	require.NoError(t, err)

	assert.Equal(t, "limit", exec.Strategy)
	assert.Equal(t, exchange.OrderStatusFilled, exec.Result.Status)
	require.Len(t, mock.PlacedOrders(), 1)
	placed := mock.PlacedOrders()[0]
	assert.Equal(t, exchange.OrderKindLimit, placed.Kind)
	assert.Less(t, placed.Price, 50000.0, "buy limit rests inside the spread")
}

func TestExecute_LimitTimeoutFallsBackToMarket(t *testing.T) {
	mock := exchange.NewMockAdapter()
	mock.SetPrice(btcaud, 50000)
	// Order sticks at half filled until the timeout.
	mock.ScriptFills(btcaud, exchange.FillStep{Status: exchange.OrderStatusPartial, Fraction: 0.5})

	e, ledger := newExecutor(t, mock, execCfg("LIMIT"))
	e.limitTimeout = 30 * time.Millisecond

	exec, err := e.Execute(context.Background(), Intent{
		Pair: btcaud,
		Side: exchange.SideBuy,
		Size: 200,
	})
	require.NoError(t, err)

	assert.Equal(t, "limit+market_fallback", exec.Strategy)
	require.Len(t, exec.Children, 2)
	assert.Equal(t, exchange.OrderStatusFilled, exec.Result.Status)
	assert.InDelta(t, 200, exec.Result.FilledQuote, 1.0)

	placed := mock.PlacedOrders()
	require.Len(t, placed, 2)
	assert.Equal(t, exchange.OrderKindLimit, placed[0].Kind)
	assert.Equal(t, exchange.OrderKindMarket, placed[1].Kind)

	pos, ok := ledger.View().Positions["BTC/AUD"]
	require.True(t, ok)
	assert.InDelta(t, exec.Result.FilledBase, pos.Quantity, 1e-9)
}

func TestExecute_LimitTimeoutWithoutFallbackStaysPartial(t *testing.T) {
	cfg := execCfg("LIMIT")
	cfg.FallbackToMarket = false

	mock := exchange.NewMockAdapter()
	mock.SetPrice(btcaud, 50000)
	mock.ScriptFills(btcaud, exchange.FillStep{Status: exchange.OrderStatusPartial, Fraction: 0.5})

	e, ledger := newExecutor(t, mock, cfg)
	e.limitTimeout = 30 * time.Millisecond

	exec, err := e.Execute(context.Background(), Intent{
		Pair: btcaud,
		Side: exchange.SideBuy,
		Size: 200,
	})
	require.NoError(t, err)

	assert.Equal(t, exchange.OrderStatusPartial, exec.Result.Status)
	require.Len(t, mock.PlacedOrders(), 1)

	// The half that did fill still lands in the ledger.
	pos, ok := ledger.View().Positions["BTC/AUD"]
	require.True(t, ok)
	assert.InDelta(t, exec.Result.FilledBase, pos.Quantity, 1e-9)
	assert.Greater(t, pos.Quantity, 0.0)
}

func TestExecute_TWAPAggregatesSlices(t *testing.T) {
	mock := exchange.NewMockAdapter()
	mock.SetPrice(btcaud, 50000)

	e, _ := newExecutor(t, mock, execCfg("TWAP"))

	exec, err := e.Execute(context.Background(), Intent{
		Pair: btcaud,
		Side: exchange.SideBuy,
		Size: 200,
	})
	require.NoError(t, err)

	assert.Equal(t, "twap", exec.Strategy)
	assert.Equal(t, exchange.OrderStatusFilled, exec.Result.Status)
	require.Len(t, exec.Children, 4)
	assert.InDelta(t, 200, exec.Result.FilledQuote, 1e-6)
	assert.InDelta(t, 50000, exec.Result.AveragePrice, 1e-6)
	assert.Len(t, mock.PlacedOrders(), 4)
}

func TestExecute_TWAPSurvivesFailedSlice(t *testing.T) {
	mock := exchange.NewMockAdapter()
	mock.SetPrice(btcaud, 50000)

	e, _ := newExecutor(t, mock, execCfg("TWAP"))
	e.retry.MaxRetries = 0
	mock.FailNext(exchange.NewError(exchange.KindAuth, "place_order", errors.New("key revoked")))

	exec, err := e.Execute(context.Background(), Intent{
		Pair: btcaud,
		Side: exchange.SideBuy,
		Size: 200,
	})
	require.NoError(t, err)

	require.Len(t, exec.Children, 3, "failed slice is skipped, the rest proceed")
	assert.InDelta(t, 150, exec.Result.FilledQuote, 1e-6)
}

func TestExecute_TransientErrorRetriesWithoutDoublePlacement(t *testing.T) {
	mock := exchange.NewMockAdapter()
	mock.SetPrice(btcaud, 50000)
	mock.FailNext(exchange.NewError(exchange.KindNetwork, "place_order", errors.New("conn reset")))

	e, _ := newExecutor(t, mock, execCfg("MARKET"))

	exec, err := e.Execute(context.Background(), Intent{
		Pair: btcaud,
		Side: exchange.SideBuy,
		Size: 100,
	})
	require.NoError(t, err)
	assert.Equal(t, exchange.OrderStatusFilled, exec.Result.Status)

	placed := mock.PlacedOrders()
	require.Len(t, placed, 1, "retry must not double-place")
	assert.NotEmpty(t, placed[0].RequestID)
}

func TestExecute_PublishesOrderEvents(t *testing.T) {
	mock := exchange.NewMockAdapter()
	mock.SetPrice(btcaud, 50000)

	eventBus := bus.New(zerolog.Nop())
	events, cancel := eventBus.Subscribe(8, bus.EventOrderPlaced, bus.EventOrderFilled)
	defer cancel()

	ledger := portfolio.NewLedger("AUD", 1000, 10, zerolog.Nop())
	e := New(mock, ledger, eventBus, nil, execCfg("MARKET"), zerolog.Nop())

	_, err := e.Execute(context.Background(), Intent{
		Pair: btcaud,
		Side: exchange.SideBuy,
		Size: 100,
	})
	require.NoError(t, err)

	var types []bus.EventType
	for {
		select {
		case evt := <-events:
			types = append(types, evt.Type)
			continue
		default:
		}
		break
	}
	assert.Equal(t, []bus.EventType{bus.EventOrderPlaced, bus.EventOrderFilled}, types)
}

func TestExecute_RejectsNonPositiveSize(t *testing.T) {
	mock := exchange.NewMockAdapter()
	e, _ := newExecutor(t, mock, execCfg("MARKET"))

	_, err := e.Execute(context.Background(), Intent{Pair: btcaud, Side: exchange.SideBuy, Size: 0})
	assert.Error(t, err)
}
