package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TradeRecord is one executed (or attempted) trade.
type TradeRecord struct {
	ID                uuid.UUID
	OrderID           string
	Pair              string
	Action            string
	RequestedSize     float64
	FilledBase        float64
	FilledQuote       float64
	AveragePrice      float64
	Status            string
	Fees              float64
	RealizedPnL       *float64
	EntryPrice        *float64
	ExitPrice         *float64
	ExecutionStrategy string
	DecisionTS        time.Time
	SubmittedTS       time.Time
	FilledTS          *time.Time
	LatencyMS         int64
}

const insertTradeSQL = `INSERT INTO trades (
	id, order_id, pair, action, requested_size, filled_base, filled_quote, average_price,
	status, fees, realized_pnl, entry_price, exit_price, execution_strategy,
	decision_ts, submitted_ts, filled_ts, latency_ms
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`

// SaveTrade inserts one trade record.
func (s *Store) SaveTrade(ctx context.Context, t *TradeRecord) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	_, err := s.q.Exec(ctx, insertTradeSQL,
		t.ID, t.OrderID, t.Pair, t.Action, t.RequestedSize, t.FilledBase, t.FilledQuote,
		t.AveragePrice, t.Status, t.Fees, t.RealizedPnL, t.EntryPrice, t.ExitPrice,
		t.ExecutionStrategy, t.DecisionTS, t.SubmittedTS, t.FilledTS, t.LatencyMS)
	return err
}

const selectTradeColumns = `id, order_id, pair, action, requested_size, filled_base,
	filled_quote, average_price, status, fees, realized_pnl, entry_price, exit_price,
	execution_strategy, decision_ts, submitted_ts, filled_ts, latency_ms`

func scanTrade(rows interface{ Scan(dest ...any) error }, t *TradeRecord) error {
	return rows.Scan(
		&t.ID, &t.OrderID, &t.Pair, &t.Action, &t.RequestedSize, &t.FilledBase,
		&t.FilledQuote, &t.AveragePrice, &t.Status, &t.Fees, &t.RealizedPnL,
		&t.EntryPrice, &t.ExitPrice, &t.ExecutionStrategy, &t.DecisionTS,
		&t.SubmittedTS, &t.FilledTS, &t.LatencyMS)
}

// PendingTrades returns trades left in a non-terminal status, for order
// reconciliation at startup.
func (s *Store) PendingTrades(ctx context.Context) ([]TradeRecord, error) {
	rows, err := s.q.Query(ctx, `SELECT `+selectTradeColumns+`
	FROM trades WHERE status IN ('PENDING', 'PARTIAL') ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TradeRecord
	for rows.Next() {
		var t TradeRecord
		if err := scanTrade(rows, &t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ResolveTrade updates a reconciled trade with its final fill state.
func (s *Store) ResolveTrade(ctx context.Context, id uuid.UUID, status string, filledBase, filledQuote, averagePrice, fees float64) error {
	_, err := s.q.Exec(ctx,
		`UPDATE trades SET status = $2, filled_base = $3, filled_quote = $4,
			average_price = $5, fees = $6, filled_ts = now()
		 WHERE id = $1`,
		id, status, filledBase, filledQuote, averagePrice, fees)
	return err
}

// RecentTrades returns the newest trades, most recent first.
func (s *Store) RecentTrades(ctx context.Context, limit int) ([]TradeRecord, error) {
	rows, err := s.q.Query(ctx, `SELECT `+selectTradeColumns+`
	FROM trades ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TradeRecord
	for rows.Next() {
		var t TradeRecord
		if err := scanTrade(rows, &t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
