package market

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCandles(n int) []Candle {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	out := make([]Candle, n)
	for i := range out {
		out[i] = Candle{
			OpenTime: base.Add(time.Duration(i) * time.Hour),
			Open:     100 + float64(i),
			High:     101 + float64(i),
			Low:      99 + float64(i),
			Close:    100.5 + float64(i),
			Volume:   10,
		}
	}
	return out
}

func TestParsePair(t *testing.T) {
	tests := []struct {
		input   string
		want    Pair
		wantErr bool
	}{
		{"BTC/AUD", Pair{Base: "BTC", Quote: "AUD"}, false},
		{"eth/aud", Pair{Base: "ETH", Quote: "AUD"}, false},
		{"BTCAUD", Pair{}, true},
		{"/AUD", Pair{}, true},
		{"BTC/", Pair{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParsePair(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPairSymbol(t *testing.T) {
	p := NewPair("btc", "aud")
	assert.Equal(t, "BTC/AUD", p.String())
	assert.Equal(t, "BTCAUD", p.Symbol())
}

func TestCandleCache_BoundedWindow(t *testing.T) {
	cache := NewCandleCache(100)
	pair := NewPair("BTC", "AUD")

	cache.Put(pair, testCandles(150))

	got, ok := cache.Get(pair)
	require.True(t, ok)
	assert.Len(t, got, 100)
	// The oldest 50 candles should have been trimmed.
	assert.Equal(t, 150.5, got[0].Close)
}

func TestCandleCache_GetReturnsCopy(t *testing.T) {
	cache := NewCandleCache(10)
	pair := NewPair("ETH", "AUD")
	cache.Put(pair, testCandles(5))

	first, ok := cache.Get(pair)
	require.True(t, ok)
	first[0].Close = -1

	second, _ := cache.Get(pair)
	assert.NotEqual(t, -1.0, second[0].Close, "cached candles must be immutable")
}

func TestCandleCache_Miss(t *testing.T) {
	cache := NewCandleCache(10)
	_, ok := cache.Get(NewPair("XRP", "AUD"))
	assert.False(t, ok)
}

func TestRedisCandleCache_RoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewRedisCandleCache(client, time.Minute)

	ctx := context.Background()
	pair := NewPair("BTC", "AUD")
	candles := testCandles(3)

	require.NoError(t, cache.Set(ctx, pair, 60, candles))

	got, ok := cache.Get(ctx, pair, 60)
	require.True(t, ok)
	require.Len(t, got, 3)
	assert.Equal(t, candles[2].Close, got[2].Close)
}

func TestRedisCandleCache_Expiry(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewRedisCandleCache(client, time.Second)

	ctx := context.Background()
	pair := NewPair("BTC", "AUD")
	require.NoError(t, cache.Set(ctx, pair, 60, testCandles(2)))

	mr.FastForward(2 * time.Second)

	_, ok := cache.Get(ctx, pair, 60)
	assert.False(t, ok)
}

func TestRedisCandleCache_NilClientDisabled(t *testing.T) {
	cache := NewRedisCandleCache(nil, time.Minute)
	require.Nil(t, cache)

	_, ok := cache.Get(context.Background(), NewPair("BTC", "AUD"), 60)
	assert.False(t, ok)
}

func TestDataHelpers(t *testing.T) {
	d := &Data{
		Pair:    NewPair("BTC", "AUD"),
		Ticker:  Ticker{Price: 50000},
		Candles: testCandles(3),
	}
	assert.Equal(t, []float64{100.5, 101.5, 102.5}, d.Closes())
	assert.Equal(t, 102.5, d.LastClose())

	empty := &Data{Ticker: Ticker{Price: 50000}}
	assert.Equal(t, 50000.0, empty.LastClose())
}
