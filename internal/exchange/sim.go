package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/southquant/tradecore/internal/market"
)

// FeeModel parameterizes the simulated execution costs.
type FeeModel struct {
	Maker        float64 // maker fee fraction
	Taker        float64 // taker fee fraction
	BaseSlippage float64 // base slippage fraction
	MarketImpact float64 // extra slippage per unit of base quantity
	MaxSlippage  float64 // slippage cap
}

// DefaultFeeModel returns Binance-like paper trading costs.
func DefaultFeeModel() FeeModel {
	return FeeModel{
		Maker:        0.001,
		Taker:        0.001,
		BaseSlippage: 0.0005,
		MarketImpact: 0.0001,
		MaxSlippage:  0.003,
	}
}

// SimAdapter trades against real market data with synthesized fills.
// Market data calls delegate to the wrapped source (usually an
// unauthenticated Binance adapter); order and balance state live locally.
type SimAdapter struct {
	data Adapter
	fees FeeModel
	log  zerolog.Logger

	mu          sync.Mutex
	balances    map[string]float64
	orders      map[string]*OrderResult
	limits      map[string]simLimit
	byRequestID map[string]string
}

type simLimit struct {
	price float64
	base  float64
}

// NewSimAdapter creates a simulation adapter seeded with an initial quote
// balance.
func NewSimAdapter(data Adapter, fees FeeModel, quoteAsset string, initialCapital float64, log zerolog.Logger) *SimAdapter {
	balances := map[string]float64{quoteAsset: initialCapital}
	log.Info().
		Float64("initial_capital", initialCapital).
		Str("quote", quoteAsset).
		Float64("taker_fee", fees.Taker).
		Msg("Simulation adapter initialized (paper trading)")

	return &SimAdapter{
		data:        data,
		fees:        fees,
		log:         log.With().Str("component", "sim_adapter").Logger(),
		balances:    balances,
		orders:      make(map[string]*OrderResult),
		limits:      make(map[string]simLimit),
		byRequestID: make(map[string]string),
	}
}

func (s *SimAdapter) GetTicker(ctx context.Context, pair market.Pair) (*market.Ticker, error) {
	return s.data.GetTicker(ctx, pair)
}

func (s *SimAdapter) GetOHLCV(ctx context.Context, pair market.Pair, intervalMin, limit int) ([]market.Candle, error) {
	return s.data.GetOHLCV(ctx, pair, intervalMin, limit)
}

func (s *SimAdapter) GetOrderBook(ctx context.Context, pair market.Pair, depth int) (*market.OrderBook, error) {
	return s.data.GetOrderBook(ctx, pair, depth)
}

func (s *SimAdapter) GetPairInfo(ctx context.Context, pair market.Pair) (*PairInfo, error) {
	return s.data.GetPairInfo(ctx, pair)
}

func (s *SimAdapter) GetListedPairs(ctx context.Context, quote string) ([]market.Pair, error) {
	return s.data.GetListedPairs(ctx, quote)
}

// GetBalance returns the simulated balances.
func (s *SimAdapter) GetBalance(ctx context.Context) (map[string]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]float64, len(s.balances))
	for k, v := range s.balances {
		out[k] = v
	}
	return out, nil
}

// slippage computes the simulated execution slippage for a base quantity.
func (s *SimAdapter) slippage(baseQty float64) float64 {
	slip := s.fees.BaseSlippage + s.fees.MarketImpact*baseQty
	if slip > s.fees.MaxSlippage {
		slip = s.fees.MaxSlippage
	}
	return slip
}

// PlaceOrder synthesizes fills: market orders fill immediately at the
// live price adjusted for slippage; limit orders rest until the live
// price crosses them (checked on QueryOrder).
func (s *SimAdapter) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	if req.RequestID != "" {
		s.mu.Lock()
		if existingID, ok := s.byRequestID[req.RequestID]; ok {
			cp := *s.orders[existingID]
			s.mu.Unlock()
			return &cp, nil
		}
		s.mu.Unlock()
	}

	info, err := s.data.GetPairInfo(ctx, req.Pair)
	if err != nil {
		return nil, err
	}
	ticker, err := s.data.GetTicker(ctx, req.Pair)
	if err != nil {
		return nil, err
	}
	ref := req.Price
	if ref == 0 {
		ref = ticker.Price
	}
	normalized, err := ApplyFilters(req, info, ref)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	result := &OrderResult{
		OrderID:     "sim-" + uuid.NewString(),
		Pair:        req.Pair,
		Side:        req.Side,
		Status:      OrderStatusPending,
		SubmittedAt: now,
		UpdatedAt:   now,
	}

	var baseQty float64
	if normalized.QuoteSized() {
		baseQty = RoundToStep(normalized.Size/ticker.Price, info.StepSize)
	} else {
		baseQty = normalized.Size
	}

	if normalized.Kind == OrderKindMarket {
		fillPrice := ticker.Price
		slip := s.slippage(baseQty)
		if req.Side == SideBuy {
			fillPrice *= 1 + slip
		} else {
			fillPrice *= 1 - slip
		}
		if err := s.settleLocked(result, req.Side, baseQty, fillPrice, s.fees.Taker); err != nil {
			return nil, err
		}
		result.Status = OrderStatusFilled
	} else {
		// Reserve nothing; paper balances settle on fill.
		s.limits[result.OrderID] = simLimit{price: normalized.Price, base: baseQty}
	}

	s.orders[result.OrderID] = result
	if req.RequestID != "" {
		s.byRequestID[req.RequestID] = result.OrderID
	}

	cp := *result
	return &cp, nil
}

// QueryOrder re-checks resting limit orders against the live price and
// fills them completely once crossed.
func (s *SimAdapter) QueryOrder(ctx context.Context, orderID string, pair market.Pair) (*OrderResult, error) {
	s.mu.Lock()
	order, ok := s.orders[orderID]
	if !ok {
		s.mu.Unlock()
		return nil, NewError(KindNotFound, "query_order", fmt.Errorf("order %s not found", orderID))
	}
	limit, resting := s.limits[orderID]
	terminal := order.Status.Terminal()
	s.mu.Unlock()

	if terminal || !resting {
		s.mu.Lock()
		cp := *order
		s.mu.Unlock()
		return &cp, nil
	}

	ticker, err := s.data.GetTicker(ctx, pair)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	crossed := (order.Side == SideBuy && ticker.Price <= limit.price) ||
		(order.Side == SideSell && ticker.Price >= limit.price)
	if crossed {
		if err := s.settleLocked(order, order.Side, limit.base, limit.price, s.fees.Maker); err != nil {
			order.Status = OrderStatusFailed
		} else {
			order.Status = OrderStatusFilled
		}
		order.UpdatedAt = time.Now()
		delete(s.limits, orderID)
	}

	cp := *order
	return &cp, nil
}

// CancelOrder cancels a resting limit order.
func (s *SimAdapter) CancelOrder(ctx context.Context, orderID string, pair market.Pair) (*OrderResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return nil, NewError(KindNotFound, "cancel_order", fmt.Errorf("order %s not found", orderID))
	}
	if order.Status.Terminal() {
		return nil, NewError(KindFilterRejected, "cancel_order",
			fmt.Errorf("order %s already %s", orderID, order.Status))
	}

	order.Status = OrderStatusCanceled
	order.UpdatedAt = time.Now()
	delete(s.limits, orderID)

	cp := *order
	return &cp, nil
}

// settleLocked applies a fill to the simulated balances.
func (s *SimAdapter) settleLocked(order *OrderResult, side Side, baseQty, price, feeRate float64) error {
	quote := baseQty * price
	fee := quote * feeRate

	if side == SideBuy {
		if s.balances[order.Pair.Quote] < quote+fee {
			return NewError(KindFilterRejected, "place_order",
				fmt.Errorf("insufficient %s balance: need %.8f", order.Pair.Quote, quote+fee))
		}
		s.balances[order.Pair.Quote] -= quote + fee
		s.balances[order.Pair.Base] += baseQty
	} else {
		if s.balances[order.Pair.Base] < baseQty {
			return NewError(KindFilterRejected, "place_order",
				fmt.Errorf("insufficient %s balance: need %.8f", order.Pair.Base, baseQty))
		}
		s.balances[order.Pair.Base] -= baseQty
		s.balances[order.Pair.Quote] += quote - fee
	}

	order.FilledBase = baseQty
	order.FilledQuote = quote
	order.AveragePrice = price
	order.Fees = fee
	order.FeeAsset = order.Pair.Quote
	return nil
}

var _ Adapter = (*SimAdapter)(nil)
