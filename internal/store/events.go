package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/southquant/tradecore/internal/bus"
)

// SaveEvent writes one bus event to the audit trail.
func (s *Store) SaveEvent(ctx context.Context, evt bus.Event) error {
	var data []byte
	if evt.Data != nil {
		var err error
		data, err = json.Marshal(evt.Data)
		if err != nil {
			return fmt.Errorf("store: marshal event data: %w", err)
		}
	}
	_, err := s.q.Exec(ctx,
		`INSERT INTO events (id, type, source, data_json, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		evt.ID, string(evt.Type), evt.Source, data, evt.Timestamp)
	return err
}
