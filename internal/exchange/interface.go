// Package exchange defines the adapter boundary to trading venues and the
// three implementations behind it: Binance (live), Simulation (real market
// data, synthesized fills) and Mock (deterministic, for tests).
package exchange

import (
	"context"

	"github.com/southquant/tradecore/internal/market"
)

// Adapter is the uniform capability set the core consumes. Every method may
// fail with an *Error carrying one of the kinds in errors.go.
type Adapter interface {
	// GetTicker returns the current price snapshot for a pair.
	GetTicker(ctx context.Context, pair market.Pair) (*market.Ticker, error)

	// GetOHLCV returns up to limit candles at the given interval, oldest first.
	GetOHLCV(ctx context.Context, pair market.Pair, intervalMin, limit int) ([]market.Candle, error)

	// GetOrderBook returns top-of-book depth: bids price-descending,
	// asks price-ascending.
	GetOrderBook(ctx context.Context, pair market.Pair, depth int) (*market.OrderBook, error)

	// GetBalance returns free quantities per asset.
	GetBalance(ctx context.Context) (map[string]float64, error)

	// PlaceOrder submits an order. Quantities and prices are rounded to the
	// pair's filters before submission; sub-min-notional requests fail with
	// KindFilterRejected.
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)

	// QueryOrder fetches the latest state of an order.
	QueryOrder(ctx context.Context, orderID string, pair market.Pair) (*OrderResult, error)

	// CancelOrder cancels an open order and returns its final state.
	CancelOrder(ctx context.Context, orderID string, pair market.Pair) (*OrderResult, error)

	// GetPairInfo returns the cached trading filters for a pair.
	GetPairInfo(ctx context.Context, pair market.Pair) (*PairInfo, error)

	// GetListedPairs returns all pairs quoted in the given currency.
	GetListedPairs(ctx context.Context, quote string) ([]market.Pair, error)
}
