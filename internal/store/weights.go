package store

import (
	"context"
	"time"
)

// AnalystWeight is one row of the per-regime weight table, with the
// rolling accuracy stats that justify it.
type AnalystWeight struct {
	AnalystName string
	Regime      string
	Weight      float64
	Accuracy30d float64
	SampleCount int64
	UpdatedAt   time.Time
}

// UpsertWeight inserts or updates one (analyst, regime) weight row.
func (s *Store) UpsertWeight(ctx context.Context, w AnalystWeight) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO analyst_weights (analyst_name, regime, weight, accuracy_30d, sample_count, updated_at)
		 VALUES ($1, $2, $3, $4, $5, now())
		 ON CONFLICT (analyst_name, regime) DO UPDATE SET
			weight = EXCLUDED.weight,
			accuracy_30d = EXCLUDED.accuracy_30d,
			sample_count = EXCLUDED.sample_count,
			updated_at = now()`,
		w.AnalystName, w.Regime, w.Weight, w.Accuracy30d, w.SampleCount)
	return err
}

// LoadWeights returns the persisted weight table as regime -> analyst ->
// weight, the shape the fusion engine consumes.
func (s *Store) LoadWeights(ctx context.Context) (map[string]map[string]float64, error) {
	rows, err := s.q.Query(ctx,
		`SELECT analyst_name, regime, weight FROM analyst_weights`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]map[string]float64)
	for rows.Next() {
		var name, regime string
		var weight float64
		if err := rows.Scan(&name, &regime, &weight); err != nil {
			return nil, err
		}
		if out[regime] == nil {
			out[regime] = make(map[string]float64)
		}
		out[regime][name] = weight
	}
	return out, rows.Err()
}
