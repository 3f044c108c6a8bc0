package store

import (
	"context"
	"time"

	"github.com/southquant/tradecore/internal/risk"
)

// SaveBreakerState upserts one breaker's persisted state.
func (s *Store) SaveBreakerState(ctx context.Context, st risk.BreakerState) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO breaker_states (name, tripped, tripped_at, value, threshold, cooldown_until, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, now())
		 ON CONFLICT (name) DO UPDATE SET
			tripped = EXCLUDED.tripped,
			tripped_at = EXCLUDED.tripped_at,
			value = EXCLUDED.value,
			threshold = EXCLUDED.threshold,
			cooldown_until = EXCLUDED.cooldown_until,
			updated_at = now()`,
		string(st.Name), st.Tripped, nullableTime(st.TrippedAt), st.Value, st.Threshold,
		nullableTime(st.CooldownUntil))
	return err
}

// LoadBreakerStates returns all persisted breaker rows.
func (s *Store) LoadBreakerStates(ctx context.Context) ([]risk.BreakerState, error) {
	rows, err := s.q.Query(ctx,
		`SELECT name, tripped, tripped_at, value, threshold, cooldown_until FROM breaker_states`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []risk.BreakerState
	for rows.Next() {
		var (
			st            risk.BreakerState
			name          string
			trippedAt     *time.Time
			cooldownUntil *time.Time
		)
		if err := rows.Scan(&name, &st.Tripped, &trippedAt, &st.Value, &st.Threshold, &cooldownUntil); err != nil {
			return nil, err
		}
		st.Name = risk.BreakerName(name)
		if trippedAt != nil {
			st.TrippedAt = *trippedAt
		}
		if cooldownUntil != nil {
			st.CooldownUntil = *cooldownUntil
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

var _ risk.StateStore = (*Store)(nil)
