package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/southquant/tradecore/internal/bus"
	"github.com/southquant/tradecore/internal/market"
	"github.com/southquant/tradecore/internal/portfolio"
)

type fixedPriceSource struct {
	prices map[string]float64
	err    error
}

func (f *fixedPriceSource) GetTicker(_ context.Context, pair market.Pair) (*market.Ticker, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &market.Ticker{Pair: pair, Price: f.prices[pair.String()], Timestamp: time.Now()}, nil
}

func ledgerWithPosition(stop float64) *portfolio.Ledger {
	ledger := portfolio.NewLedger("AUD", 1000, 10, zerolog.Nop())
	ledger.RestorePosition(portfolio.Position{
		Pair:       btcaud,
		Quantity:   0.002,
		EntryPrice: 50000,
		EntryTime:  time.Now().Add(-time.Hour),
		StopLoss:   stop,
		LastPrice:  50000,
	})
	return ledger
}

func TestStopLossMonitor_FiresOnBreach(t *testing.T) {
	eventBus := bus.New(zerolog.Nop())
	events, cancel := eventBus.Subscribe(4, bus.EventStopLossTriggered)
	defer cancel()

	var breached []float64
	onBreach := func(_ context.Context, pos portfolio.Position, price float64) {
		assert.Equal(t, btcaud, pos.Pair)
		breached = append(breached, price)
	}

	source := &fixedPriceSource{prices: map[string]float64{"BTC/AUD": 47400}}
	m := NewStopLossMonitor(ledgerWithPosition(47500), source, eventBus, onBreach, time.Second, zerolog.Nop())

	m.CheckOnce(context.Background())

	require.Len(t, breached, 1)
	assert.InDelta(t, 47400, breached[0], 1e-9)

	got := drainEvents(events)
	require.Len(t, got, 1)
	assert.Equal(t, bus.EventStopLossTriggered, got[0].Type)
}

func TestStopLossMonitor_QuietAboveStop(t *testing.T) {
	called := false
	onBreach := func(context.Context, portfolio.Position, float64) { called = true }

	source := &fixedPriceSource{prices: map[string]float64{"BTC/AUD": 48000}}
	m := NewStopLossMonitor(ledgerWithPosition(47500), source, nil, onBreach, time.Second, zerolog.Nop())

	m.CheckOnce(context.Background())
	assert.False(t, called)
}

func TestStopLossMonitor_SkipsPositionsWithoutStop(t *testing.T) {
	called := false
	onBreach := func(context.Context, portfolio.Position, float64) { called = true }

	source := &fixedPriceSource{prices: map[string]float64{"BTC/AUD": 100}}
	m := NewStopLossMonitor(ledgerWithPosition(0), source, nil, onBreach, time.Second, zerolog.Nop())

	m.CheckOnce(context.Background())
	assert.False(t, called)
}

func TestStopLossMonitor_PriceErrorSkipsPosition(t *testing.T) {
	called := false
	onBreach := func(context.Context, portfolio.Position, float64) { called = true }

	source := &fixedPriceSource{err: errors.New("exchange down")}
	m := NewStopLossMonitor(ledgerWithPosition(47500), source, nil, onBreach, time.Second, zerolog.Nop())

	m.CheckOnce(context.Background())
	assert.False(t, called)
}

func TestStopLossMonitor_RunStopsWithContext(t *testing.T) {
	source := &fixedPriceSource{prices: map[string]float64{"BTC/AUD": 48000}}
	m := NewStopLossMonitor(ledgerWithPosition(47500), source, nil, nil, 10*time.Millisecond, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop on context cancellation")
	}
}
