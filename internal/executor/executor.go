// Package executor turns approved trade decisions into exchange orders and
// settles the resulting fills into the portfolio ledger. It owns the order
// state machine: market orders, limit orders with timed market fallback,
// and TWAP slicing.
package executor

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/southquant/tradecore/internal/bus"
	"github.com/southquant/tradecore/internal/config"
	"github.com/southquant/tradecore/internal/exchange"
	"github.com/southquant/tradecore/internal/market"
	"github.com/southquant/tradecore/internal/portfolio"
)

// Intent is one approved order to execute. Size is quote-denominated for
// buys and base-denominated for sells, matching proposal sizing. StopLoss,
// when positive, is attached to the position after a buy fill.
type Intent struct {
	Pair      market.Pair
	Side      exchange.Side
	Size      float64
	StopLoss  float64
	Reasoning string
}

// Execution is the normalized outcome of one intent. Result aggregates all
// child orders into a single canonical view; Children holds the raw parts
// for limit-with-fallback and TWAP runs.
type Execution struct {
	Intent     Intent
	Result     *exchange.OrderResult
	Strategy   string
	Children   []*exchange.OrderResult
	StartedAt  time.Time
	FinishedAt time.Time
}

// LatencyMS is the submit-to-settle latency of the whole execution.
func (e *Execution) LatencyMS() int64 {
	return e.FinishedAt.Sub(e.StartedAt).Milliseconds()
}

// Executor drives orders through the adapter and applies confirmed fills
// to the ledger. It is the ledger's only writer.
type Executor struct {
	adapter  exchange.Adapter
	ledger   *portfolio.Ledger
	eventBus *bus.Bus
	breaker  *gobreaker.CircuitBreaker
	cfg      config.ExecutionConfig
	retry    exchange.RetryConfig
	log      zerolog.Logger

	pollInterval time.Duration
	limitTimeout time.Duration
}

// New creates an executor. breaker may be nil to call the adapter directly.
func New(adapter exchange.Adapter, ledger *portfolio.Ledger, eventBus *bus.Bus, breaker *gobreaker.CircuitBreaker, cfg config.ExecutionConfig, logger zerolog.Logger) *Executor {
	return &Executor{
		adapter:      adapter,
		ledger:       ledger,
		eventBus:     eventBus,
		breaker:      breaker,
		cfg:          cfg,
		retry:        exchange.DefaultRetryConfig(),
		log:          logger,
		pollInterval: cfg.PollInterval(),
		limitTimeout: cfg.LimitTimeout(),
	}
}

// Execute runs one intent through the configured order strategy, settles
// the fill into the ledger and returns the normalized execution.
func (e *Executor) Execute(ctx context.Context, intent Intent) (*Execution, error) {
	if intent.Size <= 0 {
		return nil, fmt.Errorf("executor: non-positive size %v for %s", intent.Size, intent.Pair)
	}

	exec := &Execution{Intent: intent, StartedAt: time.Now()}
	var err error
	switch e.cfg.OrderKind {
	case "LIMIT":
		exec.Strategy = "limit"
		err = e.runLimit(ctx, intent, exec)
	case "TWAP":
		exec.Strategy = "twap"
		err = e.runTWAP(ctx, intent, exec)
	default:
		exec.Strategy = "market"
		err = e.runMarket(ctx, intent, exec)
	}
	exec.FinishedAt = time.Now()
	if err != nil {
		return exec, err
	}

	if err := e.settle(exec); err != nil {
		return exec, err
	}
	return exec, nil
}

func (e *Executor) runMarket(ctx context.Context, intent Intent, exec *Execution) error {
	res, err := e.place(ctx, exchange.OrderRequest{
		Pair: intent.Pair,
		Side: intent.Side,
		Kind: exchange.OrderKindMarket,
		Size: intent.Size,
	})
	if err != nil {
		return err
	}

	// Market orders normally come back terminal; poll out any async tail
	// and cancel whatever is left after the timeout.
	res, err = e.awaitTerminal(ctx, res)
	if err != nil {
		return err
	}

	exec.Children = append(exec.Children, res)
	exec.Result = res
	return nil
}

func (e *Executor) runLimit(ctx context.Context, intent Intent, exec *Execution) error {
	ticker, err := e.adapter.GetTicker(ctx, intent.Pair)
	if err != nil {
		return fmt.Errorf("executor: ticker for limit pricing: %w", err)
	}
	info, err := e.adapter.GetPairInfo(ctx, intent.Pair)
	if err != nil {
		return fmt.Errorf("executor: pair info for limit pricing: %w", err)
	}

	// One tick inside the spread: passive enough to earn maker pricing,
	// aggressive enough to be first in the queue.
	var price float64
	if intent.Side == exchange.SideBuy {
		price = ticker.Bid + info.TickSize
	} else {
		price = ticker.Ask - info.TickSize
	}

	baseSize := intent.Size
	if intent.Side == exchange.SideBuy {
		baseSize = intent.Size / price
	}

	placed, err := e.place(ctx, exchange.OrderRequest{
		Pair:  intent.Pair,
		Side:  intent.Side,
		Kind:  exchange.OrderKindLimit,
		Size:  baseSize,
		Price: price,
	})
	if err != nil {
		return err
	}

	final, timedOut, err := e.pollUntilFilled(ctx, placed)
	if err != nil {
		return err
	}
	exec.Children = append(exec.Children, final)

	requestedBase := exchange.RoundToStep(baseSize, info.StepSize)
	remainder := requestedBase - final.FilledBase
	if timedOut && e.cfg.FallbackToMarket && remainder > info.StepSize {
		exec.Strategy = "limit+market_fallback"
		e.log.Info().
			Str("pair", intent.Pair.String()).
			Float64("remainder_base", remainder).
			Msg("Limit order timed out, falling back to market")

		fallbackSize := remainder
		if intent.Side == exchange.SideBuy {
			// Market buys are quote-sized.
			fallbackSize = remainder * ticker.Price
		}
		fb, err := e.place(ctx, exchange.OrderRequest{
			Pair: intent.Pair,
			Side: intent.Side,
			Kind: exchange.OrderKindMarket,
			Size: fallbackSize,
		})
		if err != nil {
			return err
		}
		fb, err = e.awaitTerminal(ctx, fb)
		if err != nil {
			return err
		}
		exec.Children = append(exec.Children, fb)
	}

	exec.Result = aggregate(intent, exec.Children, requestedBase, info.StepSize)
	return nil
}

func (e *Executor) runTWAP(ctx context.Context, intent Intent, exec *Execution) error {
	slices := e.cfg.TWAPSlices
	if slices < 1 {
		slices = 1
	}
	window := time.Duration(e.cfg.TWAPWindowS) * time.Second
	pause := time.Duration(0)
	if slices > 1 {
		pause = window / time.Duration(slices-1)
	}

	sliceSize := intent.Size / float64(slices)
	placedTotal := 0.0
	for i := 0; i < slices; i++ {
		if i > 0 && pause > 0 {
			select {
			case <-ctx.Done():
				break
			case <-time.After(pause):
			}
		}
		if ctx.Err() != nil {
			break
		}

		size := sliceSize
		if i == slices-1 {
			// Last slice absorbs rounding drift.
			size = intent.Size - placedTotal
		}
		placedTotal += size

		child, err := e.place(ctx, exchange.OrderRequest{
			Pair: intent.Pair,
			Side: intent.Side,
			Kind: exchange.OrderKindMarket,
			Size: size,
		})
		if err != nil {
			e.log.Warn().Err(err).Int("slice", i+1).Msg("TWAP slice failed")
			continue
		}
		child, err = e.awaitTerminal(ctx, child)
		if err != nil {
			e.log.Warn().Err(err).Int("slice", i+1).Msg("TWAP slice settle failed")
			continue
		}
		exec.Children = append(exec.Children, child)
	}

	if len(exec.Children) == 0 {
		return fmt.Errorf("executor: all %d twap slices failed for %s", slices, intent.Pair)
	}

	info, err := e.adapter.GetPairInfo(ctx, intent.Pair)
	if err != nil {
		return fmt.Errorf("executor: pair info for twap: %w", err)
	}

	// Requested base is only known up front for base-sized orders; for
	// quote-sized buys the aggregate derives it from the fills.
	requestedBase := intent.Size
	if intent.Side == exchange.SideBuy {
		requestedBase = 0
		for _, c := range exec.Children {
			if c.AveragePrice > 0 {
				requestedBase += c.FilledQuote / c.AveragePrice
			}
		}
	}
	exec.Result = aggregate(intent, exec.Children, requestedBase, info.StepSize)
	return nil
}

// place submits one order with a client request id and retries transient
// failures. The adapter deduplicates by request id, so a retry after a
// network error can never double-place.
func (e *Executor) place(ctx context.Context, req exchange.OrderRequest) (*exchange.OrderResult, error) {
	req.RequestID = uuid.NewString()

	var res *exchange.OrderResult
	err := exchange.WithRetry(ctx, e.retry, func() error {
		var placeErr error
		if e.breaker != nil {
			var out any
			out, placeErr = e.breaker.Execute(func() (any, error) {
				return e.adapter.PlaceOrder(ctx, req)
			})
			if placeErr == nil {
				res = out.(*exchange.OrderResult)
			}
		} else {
			res, placeErr = e.adapter.PlaceOrder(ctx, req)
		}
		return placeErr
	})
	if err != nil {
		return nil, err
	}

	if e.eventBus != nil {
		e.eventBus.Publish(bus.EventOrderPlaced, "executor", map[string]any{
			"order_id": res.OrderID,
			"pair":     req.Pair.String(),
			"side":     string(req.Side),
			"kind":     string(req.Kind),
			"size":     req.Size,
		})
	}
	return res, nil
}

// pollUntilFilled polls a resting order until it goes terminal or the
// limit timeout elapses, cancelling it on timeout. The cancel response
// retains any partial fill.
func (e *Executor) pollUntilFilled(ctx context.Context, placed *exchange.OrderResult) (res *exchange.OrderResult, timedOut bool, err error) {
	deadline := time.Now().Add(e.limitTimeout)
	current := placed

	for {
		if current.Status.Terminal() {
			return current, false, nil
		}
		if time.Now().After(deadline) {
			canceled, err := e.adapter.CancelOrder(ctx, current.OrderID, current.Pair)
			if err != nil {
				// Cancel raced a fill; take whatever the final state is.
				if exchange.KindOf(err) == exchange.KindFilterRejected {
					final, qerr := e.adapter.QueryOrder(ctx, current.OrderID, current.Pair)
					if qerr == nil {
						return final, false, nil
					}
				}
				return nil, false, fmt.Errorf("executor: cancel after timeout: %w", err)
			}
			return canceled, true, nil
		}

		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(e.pollInterval):
		}

		current, err = e.adapter.QueryOrder(ctx, current.OrderID, current.Pair)
		if err != nil {
			return nil, false, fmt.Errorf("executor: query order: %w", err)
		}
	}
}

// awaitTerminal resolves a non-terminal market order, cancelling the
// remainder once the limit timeout passes.
func (e *Executor) awaitTerminal(ctx context.Context, res *exchange.OrderResult) (*exchange.OrderResult, error) {
	if res.Status.Terminal() {
		return res, nil
	}
	final, _, err := e.pollUntilFilled(ctx, res)
	return final, err
}

// settle applies the aggregated fill to the ledger, attaches the stop
// loss and publishes the fill event.
func (e *Executor) settle(exec *Execution) error {
	res := exec.Result
	if res == nil || res.FilledBase <= 0 {
		return nil
	}

	if err := e.ledger.ApplyFill(res); err != nil {
		return err
	}
	if exec.Intent.Side == exchange.SideBuy && exec.Intent.StopLoss > 0 {
		e.ledger.SetStopLoss(exec.Intent.Pair, exec.Intent.StopLoss)
	}

	if e.eventBus != nil {
		e.eventBus.Publish(bus.EventOrderFilled, "executor", map[string]any{
			"order_id":      res.OrderID,
			"pair":          res.Pair.String(),
			"side":          string(res.Side),
			"status":        string(res.Status),
			"filled_base":   res.FilledBase,
			"filled_quote":  res.FilledQuote,
			"average_price": res.AveragePrice,
			"strategy":      exec.Strategy,
			"latency_ms":    exec.LatencyMS(),
		})
	}

	e.log.Info().
		Str("pair", res.Pair.String()).
		Str("side", string(res.Side)).
		Str("status", string(res.Status)).
		Str("strategy", exec.Strategy).
		Float64("filled_base", res.FilledBase).
		Float64("avg_price", res.AveragePrice).
		Int64("latency_ms", exec.LatencyMS()).
		Msg("Execution settled")
	return nil
}

// aggregate folds child orders into one canonical result. The parent is
// FILLED when the children sum to the requested base within one step.
func aggregate(intent Intent, children []*exchange.OrderResult, requestedBase, stepSize float64) *exchange.OrderResult {
	out := &exchange.OrderResult{
		Pair:     intent.Pair,
		Side:     intent.Side,
		FeeAsset: intent.Pair.Quote,
	}

	for i, c := range children {
		if i == 0 {
			out.OrderID = c.OrderID
			out.SubmittedAt = c.SubmittedAt
		}
		out.FilledBase += c.FilledBase
		out.FilledQuote += c.FilledQuote
		out.Fees += c.Fees
		if c.UpdatedAt.After(out.UpdatedAt) {
			out.UpdatedAt = c.UpdatedAt
		}
	}
	if out.FilledBase > 0 {
		out.AveragePrice = out.FilledQuote / out.FilledBase
	}

	switch {
	case out.FilledBase <= 0:
		out.Status = exchange.OrderStatusCanceled
	case requestedBase <= 0 || math.Abs(requestedBase-out.FilledBase) <= stepSize:
		out.Status = exchange.OrderStatusFilled
	default:
		out.Status = exchange.OrderStatusPartial
	}
	return out
}
