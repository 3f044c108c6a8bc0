package analyst

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/southquant/tradecore/internal/market"
)

// ExternalReading is one observation from an out-of-band data source
// such as an on-chain metrics provider or a macro feed. Direction and
// confidence follow the Signal conventions.
type ExternalReading struct {
	Direction  float64
	Confidence float64
	Reasoning  string
	FetchedAt  time.Time
}

// ExternalSource supplies readings for the on-chain and macro analysts.
type ExternalSource interface {
	Read(ctx context.Context, pair market.Pair) (*ExternalReading, error)
}

// External wraps an out-of-band data source as an analyst. When the
// source's reading is older than staleAfter, the analyst reports
// confidence 0 instead of inventing a direction.
type External struct {
	name       string
	source     ExternalSource
	staleAfter time.Duration
	log        zerolog.Logger
}

// NewOnchain creates the on-chain flows analyst.
func NewOnchain(source ExternalSource, staleAfter time.Duration, logger zerolog.Logger) *External {
	return newExternal("onchain", source, staleAfter, logger)
}

// NewMacro creates the macro conditions analyst.
func NewMacro(source ExternalSource, staleAfter time.Duration, logger zerolog.Logger) *External {
	return newExternal("macro", source, staleAfter, logger)
}

func newExternal(name string, source ExternalSource, staleAfter time.Duration, logger zerolog.Logger) *External {
	if staleAfter <= 0 {
		staleAfter = 6 * time.Hour
	}
	return &External{name: name, source: source, staleAfter: staleAfter, log: logger}
}

func (e *External) Name() string { return e.name }

func (e *External) Evaluate(ctx context.Context, pair market.Pair, _ *market.Data) (*Signal, error) {
	reading, err := e.source.Read(ctx, pair)
	if err != nil {
		return nil, fmt.Errorf("%s: read: %w", e.name, err)
	}

	if time.Since(reading.FetchedAt) > e.staleAfter {
		return &Signal{
			Source:     e.name,
			Pair:       pair,
			Direction:  0,
			Confidence: 0,
			Reasoning:  fmt.Sprintf("source stale since %s", reading.FetchedAt.Format(time.RFC3339)),
			Timestamp:  time.Now(),
		}, nil
	}

	return &Signal{
		Source:     e.name,
		Pair:       pair,
		Direction:  clamp(reading.Direction, -1, 1),
		Confidence: clamp(reading.Confidence, 0, 1),
		Reasoning:  reading.Reasoning,
		Timestamp:  time.Now(),
	}, nil
}
