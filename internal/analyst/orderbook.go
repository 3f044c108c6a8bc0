package analyst

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/southquant/tradecore/internal/market"
)

// Orderbook reads buy/sell pressure from depth imbalance in the top
// levels of the book.
type Orderbook struct {
	depth int
	log   zerolog.Logger
}

// NewOrderbook creates the order-book analyst examining the top depth
// levels on each side.
func NewOrderbook(depth int, logger zerolog.Logger) *Orderbook {
	if depth < 1 {
		depth = 10
	}
	return &Orderbook{depth: depth, log: logger}
}

func (o *Orderbook) Name() string { return "orderbook" }

func (o *Orderbook) Evaluate(_ context.Context, pair market.Pair, data *market.Data) (*Signal, error) {
	if data.Book == nil || (len(data.Book.Bids) == 0 && len(data.Book.Asks) == 0) {
		return nil, fmt.Errorf("orderbook: no book for %s", pair)
	}

	bidDepth := sumDepth(data.Book.Bids, o.depth)
	askDepth := sumDepth(data.Book.Asks, o.depth)
	total := bidDepth + askDepth
	if total == 0 {
		return nil, fmt.Errorf("orderbook: empty depth for %s", pair)
	}

	direction := (bidDepth - askDepth) / total

	// A lopsided book speaks louder than a balanced one.
	confidence := clamp(math.Abs(direction)*1.5, 0, 1)

	return &Signal{
		Source:     o.Name(),
		Pair:       pair,
		Direction:  direction,
		Confidence: confidence,
		Reasoning:  fmt.Sprintf("bid_depth=%.4f ask_depth=%.4f levels=%d", bidDepth, askDepth, o.depth),
		Timestamp:  time.Now(),
		Metadata: map[string]any{
			"bid_depth": bidDepth,
			"ask_depth": askDepth,
		},
	}, nil
}

func sumDepth(levels []market.BookLevel, n int) float64 {
	if n > len(levels) {
		n = len(levels)
	}
	var total float64
	for _, lv := range levels[:n] {
		total += lv.Quantity
	}
	return total
}
