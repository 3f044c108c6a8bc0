package exchange

import (
	"time"

	"github.com/southquant/tradecore/internal/market"
)

// Side represents buy or sell.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderKind represents the order type.
type OrderKind string

const (
	OrderKindMarket OrderKind = "MARKET"
	OrderKindLimit  OrderKind = "LIMIT"
)

// OrderStatus is the canonical order status set. Exchange-specific
// statuses are mapped onto it at the adapter boundary.
type OrderStatus string

const (
	OrderStatusPending  OrderStatus = "PENDING"
	OrderStatusPartial  OrderStatus = "PARTIAL"
	OrderStatusFilled   OrderStatus = "FILLED"
	OrderStatusCanceled OrderStatus = "CANCELED"
	OrderStatusFailed   OrderStatus = "FAILED"
)

// Terminal reports whether a status is final.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusFailed:
		return true
	}
	return false
}

// OrderRequest describes an order to place. Size is quote-denominated for
// market buys (quoteOrderQty semantics), base-denominated otherwise.
type OrderRequest struct {
	Pair        market.Pair `json:"pair"`
	Side        Side        `json:"side"`
	Kind        OrderKind   `json:"kind"`
	Size        float64     `json:"size"`
	Price       float64     `json:"price,omitempty"` // limit orders only
	TimeInForce string      `json:"time_in_force,omitempty"`
	RequestID   string      `json:"request_id,omitempty"` // client-side id for idempotent placement
}

// QuoteSized reports whether Size is denominated in the quote asset.
func (r OrderRequest) QuoteSized() bool {
	return r.Side == SideBuy && r.Kind == OrderKindMarket
}

// OrderResult is the normalized response for any order operation.
// OrderID is the canonical string identifier regardless of how the
// exchange encodes it.
type OrderResult struct {
	OrderID      string      `json:"order_id"`
	Pair         market.Pair `json:"pair"`
	Side         Side        `json:"side"`
	Status       OrderStatus `json:"status"`
	FilledBase   float64     `json:"filled_base"`
	FilledQuote  float64     `json:"filled_quote"`
	AveragePrice float64     `json:"average_price"`
	Fees         float64     `json:"fees"` // quote-denominated when convertible
	FeeAsset     string      `json:"fee_asset,omitempty"`
	SubmittedAt  time.Time   `json:"submitted_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
	ExchangeRaw  string      `json:"exchange_raw,omitempty"`
}

// PairInfo carries the exchange trading filters for one pair.
type PairInfo struct {
	Pair        market.Pair `json:"pair"`
	StepSize    float64     `json:"step_size"`
	TickSize    float64     `json:"tick_size"`
	MinNotional float64     `json:"min_notional"`
}
