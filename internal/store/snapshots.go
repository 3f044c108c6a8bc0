package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/southquant/tradecore/internal/portfolio"
)

// SaveSnapshot persists one portfolio snapshot with positions as JSON.
func (s *Store) SaveSnapshot(ctx context.Context, snap portfolio.Snapshot) error {
	positions, err := json.Marshal(snap.Positions)
	if err != nil {
		return fmt.Errorf("store: marshal positions: %w", err)
	}
	_, err = s.q.Exec(ctx,
		`INSERT INTO portfolio_snapshots (id, available_quote, total_value, positions_json, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		uuid.New(), snap.AvailableQuote, snap.TotalValue, positions, snap.Timestamp)
	return err
}

// LoadPositions returns the positions of the most recent snapshot, for
// rebuilding the ledger at startup. An empty store yields no positions.
func (s *Store) LoadPositions(ctx context.Context) ([]portfolio.Position, float64, error) {
	var (
		available float64
		raw       []byte
	)
	err := s.q.QueryRow(ctx,
		`SELECT available_quote, positions_json FROM portfolio_snapshots
		 ORDER BY created_at DESC LIMIT 1`).Scan(&available, &raw)
	if err != nil {
		if isNoRows(err) {
			return nil, 0, nil
		}
		return nil, 0, err
	}

	byPair := make(map[string]portfolio.Position)
	if err := json.Unmarshal(raw, &byPair); err != nil {
		return nil, 0, fmt.Errorf("store: unmarshal positions: %w", err)
	}

	out := make([]portfolio.Position, 0, len(byPair))
	for _, pos := range byPair {
		out = append(out, pos)
	}
	return out, available, nil
}
