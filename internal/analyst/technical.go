package analyst

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/southquant/tradecore/internal/indicators"
	"github.com/southquant/tradecore/internal/market"
)

const (
	smaShortPeriod = 20
	smaLongPeriod  = 50
	rsiPeriod      = 14

	// SMA gap below this fraction of the long average is noise.
	smaGapThreshold = 0.0025
)

// Technical reads trend and momentum from the candle history: SMA(20)
// against SMA(50) for direction, RSI(14) zones as a modifier.
type Technical struct {
	log zerolog.Logger
}

// NewTechnical creates the technical analyst.
func NewTechnical(logger zerolog.Logger) *Technical {
	return &Technical{log: logger}
}

func (t *Technical) Name() string { return "technical" }

func (t *Technical) Evaluate(_ context.Context, pair market.Pair, data *market.Data) (*Signal, error) {
	closes := data.Closes()
	if len(closes) < smaLongPeriod {
		return nil, fmt.Errorf("technical: need %d closes, got %d", smaLongPeriod, len(closes))
	}

	smaShort, err := indicators.SMA(closes, smaShortPeriod)
	if err != nil {
		return nil, err
	}
	smaLong, err := indicators.SMA(closes, smaLongPeriod)
	if err != nil {
		return nil, err
	}
	rsi, err := indicators.RSI(closes, rsiPeriod)
	if err != nil {
		return nil, err
	}

	gap := (smaShort - smaLong) / smaLong

	var direction float64
	switch {
	case gap >= smaGapThreshold:
		direction = 1
	case gap <= -smaGapThreshold:
		direction = -1
	default:
		// Inside the noise band the crossover only whispers.
		direction = gap / smaGapThreshold * 0.3
	}

	// RSI zones modulate: oversold amplifies bullish reads, overbought
	// amplifies bearish ones.
	switch {
	case rsi < 30:
		direction = clamp(direction+(30-rsi)/30*0.5, -1, 1)
	case rsi > 70:
		direction = clamp(direction-(rsi-70)/30*0.5, -1, 1)
	}

	gapStrength := clamp(math.Abs(gap)/(4*smaGapThreshold), 0, 1)
	rsiStrength := math.Abs(rsi-50) / 50
	confidence := clamp(0.6*gapStrength+0.4*rsiStrength, 0, 1)

	return &Signal{
		Source:     t.Name(),
		Pair:       pair,
		Direction:  direction,
		Confidence: confidence,
		Reasoning: fmt.Sprintf("sma%d=%.2f sma%d=%.2f gap=%.4f rsi=%.1f",
			smaShortPeriod, smaShort, smaLongPeriod, smaLong, gap, rsi),
		Timestamp: time.Now(),
		Metadata: map[string]any{
			"sma_short": smaShort,
			"sma_long":  smaLong,
			"rsi":       rsi,
		},
	}, nil
}
