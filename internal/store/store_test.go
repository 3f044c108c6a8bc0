package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/southquant/tradecore/internal/bus"
	"github.com/southquant/tradecore/internal/market"
	"github.com/southquant/tradecore/internal/portfolio"
	"github.com/southquant/tradecore/internal/risk"
)

func anyArgs(n int) []interface{} {
	args := make([]interface{}, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewWithQuerier(mock, zerolog.Nop()), mock
}

func TestMigrate_AppliesAllStatements(t *testing.T) {
	s, mock := newMockStore(t)
	for range schema {
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS").
			WillReturnResult(pgxmock.NewResult("CREATE", 0))
	}

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveTrade_AssignsID(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO trades").
		WithArgs(anyArgs(18)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	trade := &TradeRecord{
		Pair:              "BTC/AUD",
		Action:            "BUY",
		RequestedSize:     200,
		FilledBase:        0.004,
		FilledQuote:       200,
		AveragePrice:      50000,
		Status:            "FILLED",
		Fees:              0.2,
		ExecutionStrategy: "market",
		DecisionTS:        time.Now(),
		SubmittedTS:       time.Now(),
		LatencyMS:         12,
	}
	require.NoError(t, s.SaveTrade(context.Background(), trade))

	assert.NotEqual(t, uuid.Nil, trade.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveSnapshotAndLoadPositions(t *testing.T) {
	s, mock := newMockStore(t)

	pair := market.NewPair("BTC", "AUD")
	snap := portfolio.Snapshot{
		AvailableQuote: 800,
		TotalValue:     1000,
		Positions: map[string]portfolio.Position{
			pair.String(): {
				Pair:       pair,
				Quantity:   0.004,
				EntryPrice: 50000,
				StopLoss:   47500,
				LastPrice:  50000,
			},
		},
		Timestamp: time.Now(),
	}

	mock.ExpectExec("INSERT INTO portfolio_snapshots").
		WithArgs(anyArgs(5)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, s.SaveSnapshot(context.Background(), snap))

	positionsJSON := []byte(`{"BTC/AUD":{"pair":{"base":"BTC","quote":"AUD"},"quantity":0.004,"entry_price":50000,"stop_loss":47500,"last_price":50000}}`)
	mock.ExpectQuery("SELECT available_quote, positions_json FROM portfolio_snapshots").
		WillReturnRows(pgxmock.NewRows([]string{"available_quote", "positions_json"}).
			AddRow(800.0, positionsJSON))

	positions, available, err := s.LoadPositions(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 800, available, 1e-9)
	require.Len(t, positions, 1)
	assert.Equal(t, pair, positions[0].Pair)
	assert.InDelta(t, 47500, positions[0].StopLoss, 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadPositions_EmptyStore(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT available_quote, positions_json FROM portfolio_snapshots").
		WillReturnError(pgx.ErrNoRows)

	positions, available, err := s.LoadPositions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, positions)
	assert.Zero(t, available)
}

func TestUpsertAndLoadWeights(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO analyst_weights").
		WithArgs(anyArgs(5)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, s.UpsertWeight(context.Background(), AnalystWeight{
		AnalystName: "technical",
		Regime:      "TRENDING_UP",
		Weight:      0.5,
		Accuracy30d: 0.62,
		SampleCount: 40,
	}))

	mock.ExpectQuery("SELECT analyst_name, regime, weight FROM analyst_weights").
		WillReturnRows(pgxmock.NewRows([]string{"analyst_name", "regime", "weight"}).
			AddRow("technical", "TRENDING_UP", 0.5).
			AddRow("technical", "default", 0.45).
			AddRow("sentiment", "default", 0.35))

	weights, err := s.LoadWeights(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 0.5, weights["TRENDING_UP"]["technical"], 1e-9)
	assert.InDelta(t, 0.35, weights["default"]["sentiment"], 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBreakerStateRoundTrip(t *testing.T) {
	s, mock := newMockStore(t)

	trippedAt := time.Now().Add(-10 * time.Minute)
	cooldown := time.Now().Add(50 * time.Minute)

	mock.ExpectExec("INSERT INTO breaker_states").
		WithArgs(anyArgs(6)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, s.SaveBreakerState(context.Background(), risk.BreakerState{
		Name:          risk.BreakerDailyLoss,
		Tripped:       true,
		TrippedAt:     trippedAt,
		Value:         -150,
		Threshold:     -100,
		CooldownUntil: cooldown,
	}))

	mock.ExpectQuery("SELECT name, tripped, tripped_at, value, threshold, cooldown_until FROM breaker_states").
		WillReturnRows(pgxmock.NewRows([]string{"name", "tripped", "tripped_at", "value", "threshold", "cooldown_until"}).
			AddRow("daily_loss", true, &trippedAt, -150.0, -100.0, &cooldown))

	states, err := s.LoadBreakerStates(context.Background())
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, risk.BreakerDailyLoss, states[0].Name)
	assert.True(t, states[0].Tripped)
	assert.Equal(t, cooldown, states[0].CooldownUntil)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveEvent(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO events").
		WithArgs(anyArgs(5)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	evt := bus.Event{
		ID:        uuid.New(),
		Type:      bus.EventBreakerTripped,
		Source:    "sentinel",
		Timestamp: time.Now(),
		Data:      map[string]string{"breaker": "daily_loss"},
	}
	require.NoError(t, s.SaveEvent(context.Background(), evt))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAsyncWriter_ExecutesSubmittedWrites(t *testing.T) {
	w := NewAsyncWriter(8, time.Second, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)

	done := make(chan string, 1)
	w.Submit("trade", func(context.Context) error {
		done <- "trade"
		return nil
	})

	select {
	case name := <-done:
		assert.Equal(t, "trade", name)
	case <-time.After(time.Second):
		t.Fatal("write was never executed")
	}
	cancel()
	w.Flush()
}

func TestAsyncWriter_FullBufferDropsOldest(t *testing.T) {
	eventBus := bus.New(zerolog.Nop())
	events, cancelSub := eventBus.Subscribe(4, bus.EventWriteDropped)
	defer cancelSub()

	w := NewAsyncWriter(2, time.Second, eventBus, zerolog.Nop())

	var executed []string
	record := func(name string) func(context.Context) error {
		return func(context.Context) error {
			executed = append(executed, name)
			return nil
		}
	}

	// No worker running: the third submit must shed the first write.
	w.Submit("first", record("first"))
	w.Submit("second", record("second"))
	w.Submit("third", record("third"))

	assert.Equal(t, int64(1), w.Dropped())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w.Run(ctx)

	assert.Equal(t, []string{"second", "third"}, executed)

	select {
	case evt := <-events:
		assert.Equal(t, bus.EventWriteDropped, evt.Type)
	default:
		t.Fatal("expected a write_dropped event")
	}
}
