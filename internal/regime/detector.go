// Package regime classifies market state per pair from recent candles.
package regime

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/southquant/tradecore/internal/indicators"
	"github.com/southquant/tradecore/internal/market"
)

// Regime labels the qualitative market state.
type Regime string

const (
	TrendingUp   Regime = "TRENDING_UP"
	TrendingDown Regime = "TRENDING_DOWN"
	Ranging      Regime = "RANGING"
	Volatile     Regime = "VOLATILE"
)

// Classification is one regime reading with its confidence and the
// window it was measured over.
type Classification struct {
	Regime     Regime
	Confidence float64
	ADX        float64
	ATRRatio   float64
	Window     int
	MeasuredAt time.Time
}

const (
	adxPeriod = 14
	atrPeriod = 14
	// ADX strictly above this reads as trending.
	trendThreshold = 25.0
	// ATR as a fraction of price above this reads as volatile.
	volatilityRatio = 0.05
)

// Detector classifies pairs and caches the result per pair for one
// cycle interval.
type Detector struct {
	mu    sync.Mutex
	ttl   time.Duration
	cache map[string]Classification
	now   func() time.Time
	log   zerolog.Logger
}

// NewDetector creates a detector whose cache expires after ttl.
func NewDetector(ttl time.Duration, logger zerolog.Logger) *Detector {
	return &Detector{
		ttl:   ttl,
		cache: make(map[string]Classification),
		now:   time.Now,
		log:   logger,
	}
}

// Classify returns the regime for the pair, using the cached value
// while it is fresh. Classification is deterministic for identical
// candle input.
func (d *Detector) Classify(pair market.Pair, candles []market.Candle) (Classification, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := pair.String()
	if cached, ok := d.cache[key]; ok && d.now().Sub(cached.MeasuredAt) < d.ttl {
		return cached, nil
	}

	cls, err := classify(candles)
	if err != nil {
		return Classification{}, fmt.Errorf("classify %s: %w", key, err)
	}
	cls.MeasuredAt = d.now()
	d.cache[key] = cls

	d.log.Debug().
		Str("pair", key).
		Str("regime", string(cls.Regime)).
		Float64("adx", cls.ADX).
		Float64("atr_ratio", cls.ATRRatio).
		Msg("Regime classified")

	return cls, nil
}

// Invalidate clears the cached reading for a pair.
func (d *Detector) Invalidate(pair market.Pair) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.cache, pair.String())
}

func classify(candles []market.Candle) (Classification, error) {
	n := len(candles)
	if n < adxPeriod*2 {
		return Classification{}, fmt.Errorf("need at least %d candles, got %d", adxPeriod*2, n)
	}

	high := make([]float64, n)
	low := make([]float64, n)
	closes := make([]float64, n)
	for i, c := range candles {
		high[i] = c.High
		low[i] = c.Low
		closes[i] = c.Close
	}

	dir, err := indicators.Directional(high, low, closes, adxPeriod)
	if err != nil {
		return Classification{}, err
	}
	atr, err := indicators.ATR(high, low, closes, atrPeriod)
	if err != nil {
		return Classification{}, err
	}

	lastClose := closes[n-1]
	var atrRatio float64
	if lastClose > 0 {
		atrRatio = atr / lastClose
	}

	label, confidence := label(dir.ADX, dir.PlusDI, dir.MinusDI, atrRatio)

	return Classification{
		Regime:     label,
		Confidence: confidence,
		ADX:        dir.ADX,
		ATRRatio:   atrRatio,
		Window:     n,
	}, nil
}

// label maps the measured indicators to a regime. The trend threshold
// is strict: ADX of exactly 25 is not trending.
func label(adx, plusDI, minusDI, atrRatio float64) (Regime, float64) {
	switch {
	case adx > trendThreshold && plusDI > minusDI:
		return TrendingUp, clamp01(adx / 50)
	case adx > trendThreshold && minusDI > plusDI:
		return TrendingDown, clamp01(adx / 50)
	case atrRatio > volatilityRatio:
		return Volatile, clamp01(atrRatio / (2 * volatilityRatio))
	default:
		return Ranging, clamp01(1 - adx/trendThreshold)
	}
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
