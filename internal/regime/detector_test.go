package regime

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/southquant/tradecore/internal/market"
)

var btcaud = market.NewPair("BTC", "AUD")

func candlesFrom(step func(i int) (o, h, l, c float64), n int) []market.Candle {
	out := make([]market.Candle, n)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		o, h, l, c := step(i)
		out[i] = market.Candle{
			OpenTime: base.Add(time.Duration(i) * time.Hour),
			Open:     o, High: h, Low: l, Close: c,
			Volume: 10,
		}
	}
	return out
}

func uptrend(n int) []market.Candle {
	return candlesFrom(func(i int) (float64, float64, float64, float64) {
		base := 100 + float64(i)*2
		return base - 1, base + 1, base - 1, base
	}, n)
}

func downtrend(n int) []market.Candle {
	return candlesFrom(func(i int) (float64, float64, float64, float64) {
		base := 500 - float64(i)*2
		return base + 1, base + 1, base - 1, base
	}, n)
}

func choppy(n int) []market.Candle {
	return candlesFrom(func(i int) (float64, float64, float64, float64) {
		base := 100.0
		if i%2 == 0 {
			base = 101
		}
		return base, base + 0.5, base - 0.5, base
	}, n)
}

func wild(n int) []market.Candle {
	return candlesFrom(func(i int) (float64, float64, float64, float64) {
		base := 100.0
		if i%2 == 0 {
			base = 112
		}
		return base, base + 6, base - 6, base
	}, n)
}

func TestClassify_TrendingUp(t *testing.T) {
	d := NewDetector(time.Minute, zerolog.Nop())

	cls, err := d.Classify(btcaud, uptrend(60))
	require.NoError(t, err)
	assert.Equal(t, TrendingUp, cls.Regime)
	assert.Greater(t, cls.ADX, 25.0)
}

func TestClassify_TrendingDown(t *testing.T) {
	d := NewDetector(time.Minute, zerolog.Nop())

	cls, err := d.Classify(btcaud, downtrend(60))
	require.NoError(t, err)
	assert.Equal(t, TrendingDown, cls.Regime)
}

func TestClassify_Ranging(t *testing.T) {
	d := NewDetector(time.Minute, zerolog.Nop())

	cls, err := d.Classify(btcaud, choppy(60))
	require.NoError(t, err)
	assert.Equal(t, Ranging, cls.Regime)
}

func TestClassify_Volatile(t *testing.T) {
	d := NewDetector(time.Minute, zerolog.Nop())

	cls, err := d.Classify(btcaud, wild(60))
	require.NoError(t, err)
	assert.Equal(t, Volatile, cls.Regime)
	assert.Greater(t, cls.ATRRatio, 0.05)
}

func TestLabel_ADXBoundaryIsNonTrending(t *testing.T) {
	regime, _ := label(25.0, 30, 10, 0.01)
	assert.Equal(t, Ranging, regime, "ADX of exactly 25 must not trend")

	regime, _ = label(25.01, 30, 10, 0.01)
	assert.Equal(t, TrendingUp, regime)

	regime, _ = label(25.01, 10, 30, 0.01)
	assert.Equal(t, TrendingDown, regime)

	regime, _ = label(10, 10, 10, 0.06)
	assert.Equal(t, Volatile, regime)
}

func TestClassify_Deterministic(t *testing.T) {
	candles := uptrend(60)

	a := NewDetector(time.Minute, zerolog.Nop())
	b := NewDetector(time.Minute, zerolog.Nop())
	clsA, err := a.Classify(btcaud, candles)
	require.NoError(t, err)
	clsB, err := b.Classify(btcaud, candles)
	require.NoError(t, err)

	assert.Equal(t, clsA.Regime, clsB.Regime)
	assert.InDelta(t, clsA.ADX, clsB.ADX, 1e-12)
}

func TestClassify_CacheHonorsTTL(t *testing.T) {
	d := NewDetector(time.Minute, zerolog.Nop())
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	first, err := d.Classify(btcaud, uptrend(60))
	require.NoError(t, err)

	// Fresh cache: different candles, same answer.
	cached, err := d.Classify(btcaud, choppy(60))
	require.NoError(t, err)
	assert.Equal(t, first.Regime, cached.Regime)

	// Expired cache: reclassified.
	now = now.Add(2 * time.Minute)
	recomputed, err := d.Classify(btcaud, choppy(60))
	require.NoError(t, err)
	assert.Equal(t, Ranging, recomputed.Regime)
}

func TestClassify_InsufficientCandles(t *testing.T) {
	d := NewDetector(time.Minute, zerolog.Nop())
	_, err := d.Classify(btcaud, uptrend(10))
	require.Error(t, err)
}
