// Package fusion combines per-analyst signals into one weighted
// directional read per pair.
package fusion

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/southquant/tradecore/internal/analyst"
	"github.com/southquant/tradecore/internal/indicators"
	"github.com/southquant/tradecore/internal/market"
	"github.com/southquant/tradecore/internal/regime"
)

// DefaultRegimeKey is the weight-table row used when no per-regime row
// matches.
const DefaultRegimeKey = "default"

// FusedSignal is the combined opinion for one pair, with the inputs
// attached for audit.
type FusedSignal struct {
	Pair         market.Pair
	Direction    float64
	Confidence   float64
	Disagreement float64
	Regime       regime.Regime
	Contributing []analyst.Signal
	Timestamp    time.Time
}

// WeightTable maps (analyst, regime) to a weight with fallback to the
// default row. Safe for concurrent use; SetAll swaps the whole table on
// partial config reload.
type WeightTable struct {
	mu   sync.RWMutex
	rows map[string]map[string]float64
}

// NewWeightTable builds a table from regime-keyed rows. The default row
// must exist; config validation guarantees it.
func NewWeightTable(rows map[string]map[string]float64) *WeightTable {
	t := &WeightTable{}
	t.SetAll(rows)
	return t
}

// SetAll replaces the table contents with a deep copy of rows.
func (t *WeightTable) SetAll(rows map[string]map[string]float64) {
	cp := make(map[string]map[string]float64, len(rows))
	for r, row := range rows {
		inner := make(map[string]float64, len(row))
		for a, w := range row {
			inner[a] = w
		}
		cp[r] = inner
	}
	t.mu.Lock()
	t.rows = cp
	t.mu.Unlock()
}

// Set upserts one (analyst, regime) weight. Empty regime targets the
// default row.
func (t *WeightTable) Set(analystName, regimeKey string, weight float64) {
	if regimeKey == "" {
		regimeKey = DefaultRegimeKey
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	row, ok := t.rows[regimeKey]
	if !ok {
		row = make(map[string]float64)
		t.rows[regimeKey] = row
	}
	row[analystName] = weight
}

// Lookup returns the weight for the analyst under the regime, falling
// back to the default row, then to zero.
func (t *WeightTable) Lookup(analystName string, r regime.Regime) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if row, ok := t.rows[string(r)]; ok {
		if w, ok := row[analystName]; ok {
			return w
		}
	}
	if row, ok := t.rows[DefaultRegimeKey]; ok {
		return row[analystName]
	}
	return 0
}

// Engine fuses signals using the weight table and a disagreement
// penalty factor.
type Engine struct {
	table   *WeightTable
	penalty float64
	log     zerolog.Logger
}

// NewEngine creates a fusion engine. penalty scales how hard
// disagreement cuts fused confidence; the conventional value is 0.5.
func NewEngine(table *WeightTable, penalty float64, logger zerolog.Logger) *Engine {
	return &Engine{table: table, penalty: penalty, log: logger}
}

// Fuse combines the signals for one pair under the current regime.
// Confidence-0 signals are dropped first. The result is independent of
// signal order.
func (e *Engine) Fuse(pair market.Pair, signals []analyst.Signal, r regime.Regime) (*FusedSignal, error) {
	live := make([]analyst.Signal, 0, len(signals))
	for _, s := range signals {
		if s.Confidence > 0 {
			live = append(live, s)
		}
	}
	if len(live) == 0 {
		return nil, fmt.Errorf("fuse %s: no usable signals", pair)
	}

	// A lone voice passes through unchanged.
	if len(live) == 1 {
		s := live[0]
		return &FusedSignal{
			Pair:         pair,
			Direction:    s.Direction,
			Confidence:   s.Confidence,
			Disagreement: 0,
			Regime:       r,
			Contributing: live,
			Timestamp:    time.Now(),
		}, nil
	}

	weights := make([]float64, len(live))
	for i, s := range live {
		weights[i] = e.table.Lookup(s.Source, r)
	}
	weights = Normalize(weights)

	var direction float64
	directions := make([]float64, len(live))
	for i, s := range live {
		direction += weights[i] * s.Direction
		directions[i] = s.Direction
	}

	disagreement := clamp01(indicators.WeightedStdDev(directions, weights))
	penalty := disagreement * e.penalty

	var confidence float64
	for i, s := range live {
		confidence += weights[i] * s.Confidence
	}
	confidence *= 1 - penalty

	e.log.Debug().
		Str("pair", pair.String()).
		Str("regime", string(r)).
		Float64("direction", direction).
		Float64("confidence", confidence).
		Float64("disagreement", disagreement).
		Int("signals", len(live)).
		Msg("Signals fused")

	return &FusedSignal{
		Pair:         pair,
		Direction:    direction,
		Confidence:   clamp01(confidence),
		Disagreement: disagreement,
		Regime:       r,
		Contributing: live,
		Timestamp:    time.Now(),
	}, nil
}

// Normalize rescales weights to sum to 1. A zero-sum input falls back
// to equal weights. Normalize is a projection: applying it twice equals
// applying it once.
func Normalize(weights []float64) []float64 {
	out := make([]float64, len(weights))
	var sum float64
	for _, w := range weights {
		sum += w
	}
	if sum == 0 {
		for i := range out {
			out[i] = 1 / float64(len(out))
		}
		return out
	}
	for i, w := range weights {
		out[i] = w / sum
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
