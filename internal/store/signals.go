package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// SignalRecord is one analyst or fused signal as persisted.
type SignalRecord struct {
	ID           uuid.UUID
	TradeID      *uuid.UUID
	Source       string
	Pair         string
	Direction    float64
	Confidence   float64
	Reasoning    string
	Regime       string
	AnomalyScore float64
	Metadata     map[string]any
}

// SaveSignal inserts one signal record.
func (s *Store) SaveSignal(ctx context.Context, sig *SignalRecord) error {
	if sig.ID == uuid.Nil {
		sig.ID = uuid.New()
	}
	var metadata []byte
	if sig.Metadata != nil {
		var err error
		metadata, err = json.Marshal(sig.Metadata)
		if err != nil {
			return fmt.Errorf("store: marshal signal metadata: %w", err)
		}
	}
	_, err := s.q.Exec(ctx,
		`INSERT INTO signals (id, trade_id, source, pair, direction, confidence,
			reasoning, regime, anomaly_score, metadata_json)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		sig.ID, sig.TradeID, sig.Source, sig.Pair, sig.Direction, sig.Confidence,
		sig.Reasoning, sig.Regime, sig.AnomalyScore, metadata)
	return err
}
