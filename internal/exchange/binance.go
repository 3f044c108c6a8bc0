package exchange

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/southquant/tradecore/internal/market"
)

// BinanceAdapter implements Adapter against the Binance spot API.
// All responses are canonicalized before they leave this file; pair info
// is cached after first lookup; requests are paced by a shared limiter.
type BinanceAdapter struct {
	client  *binance.Client
	limiter *rate.Limiter
	retry   RetryConfig
	log     zerolog.Logger

	infoMu    sync.RWMutex
	infoCache map[market.Pair]*PairInfo
}

// BinanceConfig configures the live adapter.
type BinanceConfig struct {
	APIKey    string
	SecretKey string
	Testnet   bool
	Retry     RetryConfig
	// RequestsPerSecond paces outbound calls; zero means 10 rps.
	RequestsPerSecond float64
}

// NewBinanceAdapter creates a live Binance adapter and synchronizes the
// local clock offset with the exchange server.
func NewBinanceAdapter(ctx context.Context, cfg BinanceConfig, log zerolog.Logger) (*BinanceAdapter, error) {
	if cfg.Testnet {
		binance.UseTestnet = true
	}
	client := binance.NewClient(cfg.APIKey, cfg.SecretKey)

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry = DefaultRetryConfig()
	}

	a := &BinanceAdapter{
		client:    client,
		limiter:   rate.NewLimiter(rate.Limit(rps), int(rps)),
		retry:     cfg.Retry,
		log:       log.With().Str("component", "binance_adapter").Logger(),
		infoCache: make(map[market.Pair]*PairInfo),
	}

	// Server time drift breaks signed requests (-1021); store the offset
	// once at startup and resync on demand.
	if _, err := client.NewSetServerTimeService().Do(ctx); err != nil {
		return nil, classify("set_server_time", err)
	}
	a.log.Info().Bool("testnet", cfg.Testnet).Msg("Binance adapter initialized")

	return a, nil
}

// classify maps Binance API errors onto the canonical kind taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if apiErr, ok := err.(*common.APIError); ok {
		switch apiErr.Code {
		case -1003, -1015:
			return NewError(KindRateLimit, op, err)
		case -1021, -1001:
			// Clock drift and internal errors behave like transient network
			// faults: resync and retry.
			return NewError(KindNetwork, op, err)
		case -2014, -2015, -1022:
			return NewError(KindAuth, op, err)
		case -2011, -2013:
			return NewError(KindNotFound, op, err)
		case -1013, -2010:
			return NewError(KindFilterRejected, op, err)
		}
		return NewError(KindUnknown, op, err)
	}
	// Non-API errors are transport failures.
	return NewError(KindNetwork, op, err)
}

func (a *BinanceAdapter) wait(ctx context.Context, op string) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return NewError(KindNetwork, op, err)
	}
	return nil
}

// GetTicker returns the 24h price snapshot for a pair.
func (a *BinanceAdapter) GetTicker(ctx context.Context, pair market.Pair) (*market.Ticker, error) {
	if err := a.wait(ctx, "get_ticker"); err != nil {
		return nil, err
	}

	var stats []*binance.PriceChangeStats
	err := WithRetry(ctx, a.retry, func() error {
		var callErr error
		stats, callErr = a.client.NewListPriceChangeStatsService().Symbol(pair.Symbol()).Do(ctx)
		return classify("get_ticker", callErr)
	})
	if err != nil {
		return nil, err
	}
	if len(stats) == 0 {
		return nil, NewError(KindNotFound, "get_ticker", fmt.Errorf("no stats for %s", pair))
	}

	s := stats[0]
	return &market.Ticker{
		Pair:      pair,
		Price:     parseF(s.LastPrice),
		Bid:       parseF(s.BidPrice),
		Ask:       parseF(s.AskPrice),
		High24h:   parseF(s.HighPrice),
		Low24h:    parseF(s.LowPrice),
		Volume24h: parseF(s.Volume),
		Timestamp: time.Now(),
	}, nil
}

// GetOHLCV returns klines for the pair, oldest first.
func (a *BinanceAdapter) GetOHLCV(ctx context.Context, pair market.Pair, intervalMin, limit int) ([]market.Candle, error) {
	if err := a.wait(ctx, "get_ohlcv"); err != nil {
		return nil, err
	}

	interval := fmt.Sprintf("%dm", intervalMin)
	switch intervalMin {
	case 60:
		interval = "1h"
	case 240:
		interval = "4h"
	case 1440:
		interval = "1d"
	}

	var klines []*binance.Kline
	err := WithRetry(ctx, a.retry, func() error {
		var callErr error
		klines, callErr = a.client.NewKlinesService().
			Symbol(pair.Symbol()).
			Interval(interval).
			Limit(limit).
			Do(ctx)
		return classify("get_ohlcv", callErr)
	})
	if err != nil {
		return nil, err
	}

	candles := make([]market.Candle, 0, len(klines))
	for _, k := range klines {
		candles = append(candles, market.Candle{
			OpenTime: time.UnixMilli(k.OpenTime),
			Open:     parseF(k.Open),
			High:     parseF(k.High),
			Low:      parseF(k.Low),
			Close:    parseF(k.Close),
			Volume:   parseF(k.Volume),
		})
	}
	return candles, nil
}

// GetOrderBook returns top-of-book depth.
func (a *BinanceAdapter) GetOrderBook(ctx context.Context, pair market.Pair, depth int) (*market.OrderBook, error) {
	if err := a.wait(ctx, "get_order_book"); err != nil {
		return nil, err
	}

	var res *binance.DepthResponse
	err := WithRetry(ctx, a.retry, func() error {
		var callErr error
		res, callErr = a.client.NewDepthService().Symbol(pair.Symbol()).Limit(depth).Do(ctx)
		return classify("get_order_book", callErr)
	})
	if err != nil {
		return nil, err
	}

	book := &market.OrderBook{Pair: pair, Timestamp: time.Now()}
	for _, b := range res.Bids {
		book.Bids = append(book.Bids, market.BookLevel{Price: parseF(b.Price), Quantity: parseF(b.Quantity)})
	}
	for _, ask := range res.Asks {
		book.Asks = append(book.Asks, market.BookLevel{Price: parseF(ask.Price), Quantity: parseF(ask.Quantity)})
	}
	return book, nil
}

// GetBalance returns free balances per asset.
func (a *BinanceAdapter) GetBalance(ctx context.Context) (map[string]float64, error) {
	if err := a.wait(ctx, "get_balance"); err != nil {
		return nil, err
	}

	var account *binance.Account
	err := WithRetry(ctx, a.retry, func() error {
		var callErr error
		account, callErr = a.client.NewGetAccountService().Do(ctx)
		return classify("get_balance", callErr)
	})
	if err != nil {
		return nil, err
	}

	balances := make(map[string]float64)
	for _, b := range account.Balances {
		free := parseF(b.Free)
		if free > 0 {
			balances[b.Asset] = free
		}
	}
	return balances, nil
}

// PlaceOrder submits an order. Filters are applied before submission and
// the client request ID rides along as newClientOrderId so a re-issued
// request after a transient failure cannot produce a second order.
func (a *BinanceAdapter) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	if err := a.wait(ctx, "place_order"); err != nil {
		return nil, err
	}

	info, err := a.GetPairInfo(ctx, req.Pair)
	if err != nil {
		return nil, err
	}
	ref := req.Price
	if ref == 0 {
		ticker, tErr := a.GetTicker(ctx, req.Pair)
		if tErr != nil {
			return nil, tErr
		}
		ref = ticker.Price
	}
	normalized, err := ApplyFilters(req, info, ref)
	if err != nil {
		return nil, err
	}

	svc := a.client.NewCreateOrderService().Symbol(req.Pair.Symbol())
	if req.Side == SideBuy {
		svc = svc.Side(binance.SideTypeBuy)
	} else {
		svc = svc.Side(binance.SideTypeSell)
	}
	if normalized.RequestID != "" {
		svc = svc.NewClientOrderID(normalized.RequestID)
	}

	if normalized.Kind == OrderKindMarket {
		svc = svc.Type(binance.OrderTypeMarket)
		if normalized.QuoteSized() {
			svc = svc.QuoteOrderQty(strconv.FormatFloat(normalized.Size, 'f', -1, 64))
		} else {
			svc = svc.Quantity(strconv.FormatFloat(normalized.Size, 'f', -1, 64))
		}
	} else {
		svc = svc.Type(binance.OrderTypeLimit).
			TimeInForce(binance.TimeInForceTypeGTC).
			Quantity(strconv.FormatFloat(normalized.Size, 'f', -1, 64)).
			Price(strconv.FormatFloat(normalized.Price, 'f', -1, 64))
	}

	var res *binance.CreateOrderResponse
	var recovered *OrderResult
	err = WithRetry(ctx, a.retry, func() error {
		var callErr error
		res, callErr = svc.Do(ctx)
		callErr = classify("place_order", callErr)
		if callErr != nil && KindOf(callErr) == KindNetwork && normalized.RequestID != "" {
			// The order may have landed despite the transport error; check
			// by client order ID before allowing a retry to double-place.
			if existing, qErr := a.queryByClientID(ctx, normalized.RequestID, req.Pair); qErr == nil {
				a.log.Warn().Str("request_id", normalized.RequestID).Msg("Recovered order after transport error")
				recovered = existing
				return nil
			}
		}
		return callErr
	})
	if err != nil {
		return nil, err
	}

	var result *OrderResult
	if recovered != nil {
		recovered.Side = req.Side
		result = recovered
	} else {
		result = a.convertCreateResponse(res, normalized)
	}
	a.log.Info().
		Str("order_id", result.OrderID).
		Str("pair", req.Pair.String()).
		Str("side", string(req.Side)).
		Str("status", string(result.Status)).
		Msg("Order placed")
	return result, nil
}

// QueryOrder fetches the latest state of an order.
func (a *BinanceAdapter) QueryOrder(ctx context.Context, orderID string, pair market.Pair) (*OrderResult, error) {
	if err := a.wait(ctx, "query_order"); err != nil {
		return nil, err
	}

	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return nil, NewError(KindNotFound, "query_order", fmt.Errorf("invalid order id %q", orderID))
	}

	var order *binance.Order
	err = WithRetry(ctx, a.retry, func() error {
		var callErr error
		order, callErr = a.client.NewGetOrderService().Symbol(pair.Symbol()).OrderID(id).Do(ctx)
		return classify("query_order", callErr)
	})
	if err != nil {
		return nil, err
	}
	return a.convertOrder(order, pair), nil
}

// CancelOrder cancels an open order; NotFound from the exchange after a
// fill race is surfaced as-is for the executor to resolve via QueryOrder.
func (a *BinanceAdapter) CancelOrder(ctx context.Context, orderID string, pair market.Pair) (*OrderResult, error) {
	if err := a.wait(ctx, "cancel_order"); err != nil {
		return nil, err
	}

	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return nil, NewError(KindNotFound, "cancel_order", fmt.Errorf("invalid order id %q", orderID))
	}

	var res *binance.CancelOrderResponse
	err = WithRetry(ctx, a.retry, func() error {
		var callErr error
		res, callErr = a.client.NewCancelOrderService().Symbol(pair.Symbol()).OrderID(id).Do(ctx)
		return classify("cancel_order", callErr)
	})
	if err != nil {
		return nil, err
	}

	filledBase := parseF(res.ExecutedQuantity)
	filledQuote := parseF(res.CummulativeQuoteQuantity)
	result := &OrderResult{
		OrderID:     strconv.FormatInt(res.OrderID, 10),
		Pair:        pair,
		Status:      OrderStatusCanceled,
		FilledBase:  filledBase,
		FilledQuote: filledQuote,
		UpdatedAt:   time.Now(),
	}
	if filledBase > 0 {
		result.AveragePrice = filledQuote / filledBase
	}
	return result, nil
}

// GetPairInfo returns the pair's trading filters, cached after first fetch.
func (a *BinanceAdapter) GetPairInfo(ctx context.Context, pair market.Pair) (*PairInfo, error) {
	a.infoMu.RLock()
	cached, ok := a.infoCache[pair]
	a.infoMu.RUnlock()
	if ok {
		return cached, nil
	}

	if err := a.wait(ctx, "get_pair_info"); err != nil {
		return nil, err
	}

	var res *binance.ExchangeInfo
	err := WithRetry(ctx, a.retry, func() error {
		var callErr error
		res, callErr = a.client.NewExchangeInfoService().Symbol(pair.Symbol()).Do(ctx)
		return classify("get_pair_info", callErr)
	})
	if err != nil {
		return nil, err
	}

	for _, s := range res.Symbols {
		if s.Symbol != pair.Symbol() {
			continue
		}
		info := &PairInfo{Pair: pair}
		if f := s.LotSizeFilter(); f != nil {
			info.StepSize = parseF(f.StepSize)
		}
		if f := s.PriceFilter(); f != nil {
			info.TickSize = parseF(f.TickSize)
		}
		if f := s.NotionalFilter(); f != nil {
			info.MinNotional = parseF(f.MinNotional)
		}
		a.infoMu.Lock()
		a.infoCache[pair] = info
		a.infoMu.Unlock()
		return info, nil
	}
	return nil, NewError(KindNotFound, "get_pair_info", fmt.Errorf("symbol %s not listed", pair.Symbol()))
}

// GetListedPairs returns every listed pair quoted in the given currency.
func (a *BinanceAdapter) GetListedPairs(ctx context.Context, quote string) ([]market.Pair, error) {
	if err := a.wait(ctx, "get_listed_pairs"); err != nil {
		return nil, err
	}

	var res *binance.ExchangeInfo
	err := WithRetry(ctx, a.retry, func() error {
		var callErr error
		res, callErr = a.client.NewExchangeInfoService().Do(ctx)
		return classify("get_listed_pairs", callErr)
	})
	if err != nil {
		return nil, err
	}

	var pairs []market.Pair
	for _, s := range res.Symbols {
		if s.QuoteAsset == quote && s.Status == "TRADING" {
			pairs = append(pairs, market.NewPair(s.BaseAsset, s.QuoteAsset))
		}
	}
	return pairs, nil
}

func (a *BinanceAdapter) queryByClientID(ctx context.Context, clientID string, pair market.Pair) (*OrderResult, error) {
	var order *binance.Order
	var err error
	order, err = a.client.NewGetOrderService().
		Symbol(pair.Symbol()).
		OrigClientOrderID(clientID).
		Do(ctx)
	if err != nil {
		return nil, classify("query_order", err)
	}
	return a.convertOrder(order, pair), nil
}

func (a *BinanceAdapter) convertCreateResponse(res *binance.CreateOrderResponse, req OrderRequest) *OrderResult {
	filledBase := parseF(res.ExecutedQuantity)
	filledQuote := parseF(res.CummulativeQuoteQuantity)

	result := &OrderResult{
		OrderID:     strconv.FormatInt(res.OrderID, 10),
		Pair:        req.Pair,
		Side:        req.Side,
		Status:      mapStatus(res.Status),
		FilledBase:  filledBase,
		FilledQuote: filledQuote,
		SubmittedAt: time.Now(),
		UpdatedAt:   time.Now(),
	}
	if filledBase > 0 {
		result.AveragePrice = filledQuote / filledBase
	}
	for _, f := range res.Fills {
		if f.CommissionAsset == req.Pair.Quote {
			result.Fees += parseF(f.Commission)
			result.FeeAsset = f.CommissionAsset
		} else if result.FeeAsset == "" {
			// Fee in a non-quote asset: record in native asset and leave
			// conversion to the reconciler.
			result.Fees += parseF(f.Commission)
			result.FeeAsset = f.CommissionAsset
		}
	}
	return result
}

func (a *BinanceAdapter) convertOrder(order *binance.Order, pair market.Pair) *OrderResult {
	filledBase := parseF(order.ExecutedQuantity)
	filledQuote := parseF(order.CummulativeQuoteQuantity)

	side := SideBuy
	if order.Side == binance.SideTypeSell {
		side = SideSell
	}

	result := &OrderResult{
		OrderID:     strconv.FormatInt(order.OrderID, 10),
		Pair:        pair,
		Side:        side,
		Status:      mapStatus(order.Status),
		FilledBase:  filledBase,
		FilledQuote: filledQuote,
		SubmittedAt: time.UnixMilli(order.Time),
		UpdatedAt:   time.UnixMilli(order.UpdateTime),
	}
	if filledBase > 0 {
		result.AveragePrice = filledQuote / filledBase
	}
	return result
}

// mapStatus canonicalizes Binance order statuses.
func mapStatus(s binance.OrderStatusType) OrderStatus {
	switch s {
	case binance.OrderStatusTypeNew:
		return OrderStatusPending
	case binance.OrderStatusTypePartiallyFilled:
		return OrderStatusPartial
	case binance.OrderStatusTypeFilled:
		return OrderStatusFilled
	case binance.OrderStatusTypeCanceled, binance.OrderStatusTypeExpired:
		return OrderStatusCanceled
	case binance.OrderStatusTypeRejected:
		return OrderStatusFailed
	default:
		return OrderStatusPending
	}
}

func parseF(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

var _ Adapter = (*BinanceAdapter)(nil)
