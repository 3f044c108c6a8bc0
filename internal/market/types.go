// Package market defines the market data model shared by all components:
// trading pairs, tickers, candles and order books. Candles are immutable
// once ingested; everything here is a plain value type.
package market

import (
	"fmt"
	"strings"
	"time"
)

// Pair is an ordered base/quote trading instrument, e.g. BTC/AUD.
type Pair struct {
	Base  string `json:"base"`
	Quote string `json:"quote"`
}

// NewPair builds a Pair from base and quote assets, upper-casing both.
func NewPair(base, quote string) Pair {
	return Pair{Base: strings.ToUpper(base), Quote: strings.ToUpper(quote)}
}

// ParsePair parses the canonical "BASE/QUOTE" form.
func ParsePair(s string) (Pair, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Pair{}, fmt.Errorf("invalid pair %q: want BASE/QUOTE", s)
	}
	return NewPair(parts[0], parts[1]), nil
}

// String returns the canonical "BASE/QUOTE" form.
func (p Pair) String() string {
	return p.Base + "/" + p.Quote
}

// Symbol returns the exchange-style concatenated form, e.g. BTCAUD.
func (p Pair) Symbol() string {
	return p.Base + p.Quote
}

// IsZero reports whether the pair is unset.
func (p Pair) IsZero() bool {
	return p.Base == "" && p.Quote == ""
}

// Ticker is a point-in-time price snapshot for one pair.
type Ticker struct {
	Pair      Pair      `json:"pair"`
	Price     float64   `json:"price"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	High24h   float64   `json:"high_24h"`
	Low24h    float64   `json:"low_24h"`
	Volume24h float64   `json:"volume_24h"`
	Timestamp time.Time `json:"timestamp"`
}

// Candle is one OHLCV bar. Oldest-first ordering is maintained everywhere.
type Candle struct {
	OpenTime time.Time `json:"open_time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
}

// BookLevel is one price level of an order book side.
type BookLevel struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// OrderBook holds top-of-book depth. Bids are price-descending,
// asks price-ascending.
type OrderBook struct {
	Pair      Pair        `json:"pair"`
	Bids      []BookLevel `json:"bids"`
	Asks      []BookLevel `json:"asks"`
	Timestamp time.Time   `json:"timestamp"`
}

// Data is the per-pair snapshot handed to analysts each cycle.
type Data struct {
	Pair      Pair       `json:"pair"`
	Ticker    Ticker     `json:"ticker"`
	Candles   []Candle   `json:"candles"` // oldest first
	Book      *OrderBook `json:"book,omitempty"`
	FetchedAt time.Time  `json:"fetched_at"`
}

// Closes extracts the close series from the candle window, oldest first.
func (d *Data) Closes() []float64 {
	out := make([]float64, len(d.Candles))
	for i, c := range d.Candles {
		out[i] = c.Close
	}
	return out
}

// LastClose returns the most recent candle close, or the ticker price when
// no candles are present.
func (d *Data) LastClose() float64 {
	if len(d.Candles) == 0 {
		return d.Ticker.Price
	}
	return d.Candles[len(d.Candles)-1].Close
}
