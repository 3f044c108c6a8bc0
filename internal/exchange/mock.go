package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/southquant/tradecore/internal/market"
)

// FillStep scripts one QueryOrder response for a limit order on the mock.
// Fraction is cumulative: 0.5 means half of the requested base is filled.
type FillStep struct {
	Status   OrderStatus
	Fraction float64
}

// MockAdapter is a deterministic in-memory exchange for tests. Prices,
// candles, books, balances and limit-order fill sequences are all scripted
// by the test; no goroutines, no randomness.
type MockAdapter struct {
	mu sync.Mutex

	prices   map[market.Pair]float64
	candles  map[market.Pair][]market.Candle
	books    map[market.Pair]*market.OrderBook
	balances map[string]float64
	info     map[market.Pair]*PairInfo

	orders      map[string]*OrderResult
	requested   map[string]float64 // orderID -> requested base quantity
	limitPrice  map[string]float64 // orderID -> limit price
	byRequestID map[string]string  // request_id -> orderID
	scripts     map[market.Pair][]FillStep

	feeRate   float64
	failNext  error
	placedLog []OrderRequest
	seq       int
}

// NewMockAdapter creates a mock adapter with a 0.1% taker fee and
// permissive default filters.
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{
		prices:      make(map[market.Pair]float64),
		candles:     make(map[market.Pair][]market.Candle),
		books:       make(map[market.Pair]*market.OrderBook),
		balances:    make(map[string]float64),
		info:        make(map[market.Pair]*PairInfo),
		orders:      make(map[string]*OrderResult),
		requested:   make(map[string]float64),
		limitPrice:  make(map[string]float64),
		byRequestID: make(map[string]string),
		scripts:     make(map[market.Pair][]FillStep),
		feeRate:     0.001,
	}
}

// SetPrice scripts the current price for a pair.
func (m *MockAdapter) SetPrice(pair market.Pair, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[pair] = price
}

// SetCandles scripts the candle window for a pair, oldest first.
func (m *MockAdapter) SetCandles(pair market.Pair, candles []market.Candle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.candles[pair] = candles
}

// SetBook scripts the order book for a pair.
func (m *MockAdapter) SetBook(pair market.Pair, book *market.OrderBook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.books[pair] = book
}

// SetBalance scripts the free balance of an asset.
func (m *MockAdapter) SetBalance(asset string, qty float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[asset] = qty
}

// SetPairInfo scripts the trading filters for a pair.
func (m *MockAdapter) SetPairInfo(pair market.Pair, info PairInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info.Pair = pair
	m.info[pair] = &info
}

// SetFeeRate overrides the simulated taker fee rate.
func (m *MockAdapter) SetFeeRate(rate float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.feeRate = rate
}

// ScriptFills queues QueryOrder responses for the next limit order on a
// pair. Once the script is exhausted the last step repeats.
func (m *MockAdapter) ScriptFills(pair market.Pair, steps ...FillStep) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[pair] = steps
}

// FailNext makes the next adapter call return err once.
func (m *MockAdapter) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

// PlacedOrders returns a copy of all requests seen by PlaceOrder.
func (m *MockAdapter) PlacedOrders() []OrderRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]OrderRequest, len(m.placedLog))
	copy(out, m.placedLog)
	return out
}

func (m *MockAdapter) takeFailure() error {
	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return err
	}
	return nil
}

// GetTicker returns the scripted price for a pair.
func (m *MockAdapter) GetTicker(ctx context.Context, pair market.Pair) (*market.Ticker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return nil, err
	}
	price, ok := m.prices[pair]
	if !ok {
		return nil, NewError(KindNotFound, "get_ticker", fmt.Errorf("no price for %s", pair))
	}
	return &market.Ticker{
		Pair:      pair,
		Price:     price,
		Bid:       price * 0.9995,
		Ask:       price * 1.0005,
		High24h:   price * 1.01,
		Low24h:    price * 0.99,
		Volume24h: 1000,
		Timestamp: time.Now(),
	}, nil
}

// GetOHLCV returns the scripted candle window.
func (m *MockAdapter) GetOHLCV(ctx context.Context, pair market.Pair, intervalMin, limit int) ([]market.Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return nil, err
	}
	candles, ok := m.candles[pair]
	if !ok {
		return nil, NewError(KindNotFound, "get_ohlcv", fmt.Errorf("no candles for %s", pair))
	}
	if limit > 0 && len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	out := make([]market.Candle, len(candles))
	copy(out, candles)
	return out, nil
}

// GetOrderBook returns the scripted book, or a synthetic two-level book
// derived from the scripted price.
func (m *MockAdapter) GetOrderBook(ctx context.Context, pair market.Pair, depth int) (*market.OrderBook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return nil, err
	}
	if book, ok := m.books[pair]; ok {
		return book, nil
	}
	price, ok := m.prices[pair]
	if !ok {
		return nil, NewError(KindNotFound, "get_order_book", fmt.Errorf("no book for %s", pair))
	}
	return &market.OrderBook{
		Pair: pair,
		Bids: []market.BookLevel{
			{Price: price * 0.9995, Quantity: 1},
			{Price: price * 0.999, Quantity: 2},
		},
		Asks: []market.BookLevel{
			{Price: price * 1.0005, Quantity: 1},
			{Price: price * 1.001, Quantity: 2},
		},
		Timestamp: time.Now(),
	}, nil
}

// GetBalance returns the scripted balances.
func (m *MockAdapter) GetBalance(ctx context.Context) (map[string]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(m.balances))
	for k, v := range m.balances {
		out[k] = v
	}
	return out, nil
}

// PlaceOrder fills market orders immediately at the scripted price.
// Limit orders stay PENDING until driven by a fill script via QueryOrder.
// Requests carrying an already-seen RequestID return the existing order.
func (m *MockAdapter) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return nil, err
	}

	if req.RequestID != "" {
		if existingID, ok := m.byRequestID[req.RequestID]; ok {
			cp := *m.orders[existingID]
			return &cp, nil
		}
	}

	info := m.pairInfoLocked(req.Pair)
	price, ok := m.prices[req.Pair]
	if !ok {
		return nil, NewError(KindNotFound, "place_order", fmt.Errorf("no price for %s", req.Pair))
	}

	normalized, err := ApplyFilters(req, info, price)
	if err != nil {
		return nil, err
	}

	m.seq++
	now := time.Now()
	result := &OrderResult{
		OrderID:     fmt.Sprintf("mock-%d-%s", m.seq, uuid.NewString()[:8]),
		Pair:        req.Pair,
		Side:        req.Side,
		Status:      OrderStatusPending,
		SubmittedAt: now,
		UpdatedAt:   now,
	}

	var requestedBase float64
	switch {
	case normalized.Kind == OrderKindMarket && normalized.QuoteSized():
		requestedBase = RoundToStep(normalized.Size/price, info.StepSize)
	default:
		requestedBase = normalized.Size
	}

	if normalized.Kind == OrderKindMarket {
		fillPrice := price
		result.FilledBase = requestedBase
		result.FilledQuote = requestedBase * fillPrice
		result.AveragePrice = fillPrice
		result.Fees = result.FilledQuote * m.feeRate
		result.FeeAsset = req.Pair.Quote
		result.Status = OrderStatusFilled
	}

	m.orders[result.OrderID] = result
	m.requested[result.OrderID] = requestedBase
	if normalized.Kind == OrderKindLimit {
		m.limitPrice[result.OrderID] = normalized.Price
	}
	if req.RequestID != "" {
		m.byRequestID[req.RequestID] = result.OrderID
	}
	m.placedLog = append(m.placedLog, normalized)

	cp := *result
	return &cp, nil
}

// QueryOrder advances a scripted limit order one fill step and returns the
// order's current state.
func (m *MockAdapter) QueryOrder(ctx context.Context, orderID string, pair market.Pair) (*OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return nil, err
	}

	order, ok := m.orders[orderID]
	if !ok {
		return nil, NewError(KindNotFound, "query_order", fmt.Errorf("order %s not found", orderID))
	}

	if !order.Status.Terminal() {
		if steps := m.scripts[pair]; len(steps) > 0 {
			step := steps[0]
			if len(steps) > 1 {
				m.scripts[pair] = steps[1:]
			}
			m.applyStepLocked(order, step)
		}
	}

	cp := *order
	return &cp, nil
}

// CancelOrder cancels a non-terminal order, retaining any filled portion.
func (m *MockAdapter) CancelOrder(ctx context.Context, orderID string, pair market.Pair) (*OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return nil, err
	}

	order, ok := m.orders[orderID]
	if !ok {
		return nil, NewError(KindNotFound, "cancel_order", fmt.Errorf("order %s not found", orderID))
	}
	if order.Status.Terminal() {
		return nil, NewError(KindFilterRejected, "cancel_order",
			fmt.Errorf("order %s already %s", orderID, order.Status))
	}

	order.Status = OrderStatusCanceled
	order.UpdatedAt = time.Now()
	cp := *order
	return &cp, nil
}

// GetPairInfo returns the scripted filters, defaulting to permissive ones.
func (m *MockAdapter) GetPairInfo(ctx context.Context, pair market.Pair) (*PairInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return nil, err
	}
	cp := *m.pairInfoLocked(pair)
	return &cp, nil
}

// GetListedPairs returns all pairs with a scripted price in the quote currency.
func (m *MockAdapter) GetListedPairs(ctx context.Context, quote string) ([]market.Pair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return nil, err
	}
	var out []market.Pair
	for pair := range m.prices {
		if pair.Quote == quote {
			out = append(out, pair)
		}
	}
	return out, nil
}

func (m *MockAdapter) pairInfoLocked(pair market.Pair) *PairInfo {
	if info, ok := m.info[pair]; ok {
		return info
	}
	return &PairInfo{Pair: pair, StepSize: 0.00000001, TickSize: 0.00000001, MinNotional: 0}
}

func (m *MockAdapter) applyStepLocked(order *OrderResult, step FillStep) {
	requested := m.requested[order.OrderID]
	price, ok := m.limitPrice[order.OrderID]
	if !ok || price == 0 {
		price = m.prices[order.Pair]
	}

	filled := requested * step.Fraction
	order.FilledBase = filled
	order.FilledQuote = filled * price
	order.AveragePrice = price
	order.Fees = order.FilledQuote * m.feeRate
	order.FeeAsset = order.Pair.Quote
	order.Status = step.Status
	order.UpdatedAt = time.Now()
}

var _ Adapter = (*MockAdapter)(nil)
