// Package indicators provides the technical indicators used by the
// analysts and the regime detector. RSI and SMA ride on cinar/indicator;
// ADX, DI and ATR are implemented here with Wilder smoothing since the
// library does not expose them in the shape we need.
package indicators

import (
	"fmt"
	"math"

	"github.com/cinar/indicator/v2/momentum"
	"github.com/cinar/indicator/v2/trend"
)

// SMA returns the most recent simple moving average over period.
func SMA(prices []float64, period int) (float64, error) {
	if period < 1 || len(prices) < period {
		return 0, fmt.Errorf("sma: need %d prices, got %d", period, len(prices))
	}

	smaIndicator := trend.NewSmaWithPeriod[float64](period)
	out := collect(smaIndicator.Compute(channel(prices)))
	if len(out) == 0 {
		return 0, fmt.Errorf("sma: no values produced")
	}
	return out[len(out)-1], nil
}

// RSI returns the most recent relative strength index over period.
func RSI(prices []float64, period int) (float64, error) {
	if period < 1 || len(prices) <= period {
		return 0, fmt.Errorf("rsi: need more than %d prices, got %d", period, len(prices))
	}

	rsiIndicator := momentum.NewRsiWithPeriod[float64](period)
	out := collect(rsiIndicator.Compute(channel(prices)))
	if len(out) == 0 {
		return 0, fmt.Errorf("rsi: no values produced")
	}
	return out[len(out)-1], nil
}

// DirectionalResult carries the ADX family outputs for one window.
type DirectionalResult struct {
	ADX     float64
	PlusDI  float64
	MinusDI float64
}

// Directional computes ADX, +DI and -DI over the window with Wilder
// smoothing. Needs at least 2×period bars.
func Directional(high, low, close []float64, period int) (*DirectionalResult, error) {
	n := len(close)
	if len(high) != n || len(low) != n {
		return nil, fmt.Errorf("directional: high, low and close must have equal length")
	}
	if period < 1 {
		return nil, fmt.Errorf("directional: invalid period %d", period)
	}
	if n < period*2 {
		return nil, fmt.Errorf("directional: need at least %d bars, got %d", period*2, n)
	}

	tr := make([]float64, n)
	plusDM := make([]float64, n)
	minusDM := make([]float64, n)

	for i := 1; i < n; i++ {
		tr[i] = math.Max(high[i]-low[i],
			math.Max(math.Abs(high[i]-close[i-1]), math.Abs(low[i]-close[i-1])))

		upMove := high[i] - high[i-1]
		downMove := low[i-1] - low[i]
		if upMove > downMove && upMove > 0 {
			plusDM[i] = upMove
		}
		if downMove > upMove && downMove > 0 {
			minusDM[i] = downMove
		}
	}

	smoothTR := smoothWilder(tr, period)
	smoothPlusDM := smoothWilder(plusDM, period)
	smoothMinusDM := smoothWilder(minusDM, period)

	plusDI := make([]float64, n)
	minusDI := make([]float64, n)
	dx := make([]float64, n)

	for i := period; i < n; i++ {
		if smoothTR[i] != 0 {
			plusDI[i] = 100 * smoothPlusDM[i] / smoothTR[i]
			minusDI[i] = 100 * smoothMinusDM[i] / smoothTR[i]

			diSum := plusDI[i] + minusDI[i]
			if diSum != 0 {
				dx[i] = 100 * math.Abs(plusDI[i]-minusDI[i]) / diSum
			}
		}
	}

	adx := smoothWilder(dx, period)

	return &DirectionalResult{
		ADX:     adx[n-1],
		PlusDI:  plusDI[n-1],
		MinusDI: minusDI[n-1],
	}, nil
}

// ATR computes the average true range over period with Wilder smoothing.
func ATR(high, low, close []float64, period int) (float64, error) {
	n := len(close)
	if len(high) != n || len(low) != n {
		return 0, fmt.Errorf("atr: high, low and close must have equal length")
	}
	if period < 1 || n <= period {
		return 0, fmt.Errorf("atr: need more than %d bars, got %d", period, n)
	}

	tr := make([]float64, n)
	tr[0] = high[0] - low[0]
	for i := 1; i < n; i++ {
		tr[i] = math.Max(high[i]-low[i],
			math.Max(math.Abs(high[i]-close[i-1]), math.Abs(low[i]-close[i-1])))
	}

	smoothed := smoothWilder(tr, period)
	return smoothed[n-1], nil
}

// WeightedStdDev computes the weighted standard deviation of values.
// Weights must be non-negative; a zero weight sum yields zero.
func WeightedStdDev(values, weights []float64) float64 {
	if len(values) != len(weights) || len(values) == 0 {
		return 0
	}

	var wsum, mean float64
	for i, w := range weights {
		wsum += w
		mean += w * values[i]
	}
	if wsum == 0 {
		return 0
	}
	mean /= wsum

	var variance float64
	for i, w := range weights {
		d := values[i] - mean
		variance += w * d * d
	}
	variance /= wsum

	return math.Sqrt(variance)
}

// smoothWilder applies Wilder's smoothing: seed with a simple average,
// then carry (period-1)/period of the running value forward.
func smoothWilder(data []float64, period int) []float64 {
	n := len(data)
	result := make([]float64, n)
	if n < period {
		return result
	}

	sum := 0.0
	for i := 0; i < period; i++ {
		sum += data[i]
	}
	result[period-1] = sum / float64(period)

	for i := period; i < n; i++ {
		result[i] = (result[i-1]*float64(period-1) + data[i]) / float64(period)
	}
	return result
}

func channel(prices []float64) chan float64 {
	c := make(chan float64, len(prices))
	for _, p := range prices {
		c <- p
	}
	close(c)
	return c
}

func collect(c <-chan float64) []float64 {
	var out []float64
	for v := range c {
		out = append(out, v)
	}
	return out
}
