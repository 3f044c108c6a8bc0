package core

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/southquant/tradecore/internal/analyst"
	"github.com/southquant/tradecore/internal/bus"
	"github.com/southquant/tradecore/internal/exchange"
	"github.com/southquant/tradecore/internal/executor"
	"github.com/southquant/tradecore/internal/fusion"
	"github.com/southquant/tradecore/internal/market"
	"github.com/southquant/tradecore/internal/portfolio"
	"github.com/southquant/tradecore/internal/regime"
	"github.com/southquant/tradecore/internal/risk"
	"github.com/southquant/tradecore/internal/store"
	"github.com/southquant/tradecore/internal/strategist"
)

// PairOutcome is what one pair produced in one cycle.
type PairOutcome struct {
	Pair      string  `json:"pair"`
	Regime    string  `json:"regime"`
	Direction float64 `json:"direction"`
	Action    string  `json:"action"`
	Verdict   string  `json:"verdict"`
	Reason    string  `json:"reason,omitempty"`
	OrderID   string  `json:"order_id,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// CycleRecord summarizes one full cycle for status queries.
type CycleRecord struct {
	CycleID    int64         `json:"cycle_id"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Outcomes   []PairOutcome `json:"outcomes"`
	TotalValue float64       `json:"total_value"`
	PairErrors int           `json:"pair_errors"`
}

// runCycle is one full pass of the pipeline: per pair fetch data,
// classify the regime, evaluate analysts, fuse, propose, review and
// execute; then mark the portfolio, snapshot it and re-evaluate the
// breaker family. One failing pair degrades the cycle, it does not
// abort it.
func (c *Core) runCycle(ctx context.Context, cycleID int64) error {
	started := time.Now()
	record := &CycleRecord{CycleID: cycleID, StartedAt: started}

	prices := make(map[string]float64, len(c.pairs))
	var maxHourlyMove, maxAnomaly float64

	for _, pair := range c.pairs {
		outcome := c.runPair(ctx, cycleID, pair, prices)
		record.Outcomes = append(record.Outcomes, outcome)
		if outcome.Error != "" {
			record.PairErrors++
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if candles, ok := c.candles.Get(pair); ok {
			if move := hourlyMove(candles); move > maxHourlyMove {
				maxHourlyMove = move
			}
			if score := anomalyScore(candles); score > maxAnomaly {
				maxAnomaly = score
			}
		}
	}

	c.ledger.MarkPrices(prices)
	snap := c.ledger.Snapshot()
	portfolioValue.Set(snap.TotalValue)
	c.fanout.Publish(snap)
	if c.snapCache != nil {
		_ = c.snapCache.SetLatest(ctx, snap)
	}
	c.submitWrite("snapshot", func(ctx context.Context) error {
		return c.store.SaveSnapshot(ctx, snap)
	})

	c.evaluateBreakers(ctx, snap, maxHourlyMove, maxAnomaly)

	var tripped float64
	for _, st := range c.breakers.States() {
		if st.Tripped {
			tripped++
		}
	}
	breakersTripped.Set(tripped)

	record.FinishedAt = time.Now()
	record.TotalValue = snap.TotalValue
	c.mu.Lock()
	c.lastRecord = record
	c.mu.Unlock()

	cycleDuration.Observe(time.Since(started).Seconds())
	if record.PairErrors > 0 {
		cyclesTotal.WithLabelValues("partial").Inc()
		return fmt.Errorf("cycle %d: %d of %d pairs failed", cycleID, record.PairErrors, len(c.pairs))
	}
	cyclesTotal.WithLabelValues("ok").Inc()
	return nil
}

func (c *Core) runPair(ctx context.Context, cycleID int64, pair market.Pair, prices map[string]float64) PairOutcome {
	outcome := PairOutcome{Pair: pair.String()}

	// Snapshot the reloadable components so a concurrent ReloadPartial
	// cannot swap them mid-pair.
	c.mu.Lock()
	engine, sentinel, strat := c.engine, c.sentinel, c.strat
	c.mu.Unlock()

	data, err := c.fetchMarketData(ctx, pair)
	if err != nil {
		c.log.Error().Err(err).Str("pair", pair.String()).Msg("Market data fetch failed")
		outcome.Error = err.Error()
		return outcome
	}
	prices[pair.String()] = data.Ticker.Price

	classification, err := c.detector.Classify(pair, data.Candles)
	if err != nil {
		outcome.Error = err.Error()
		return outcome
	}
	outcome.Regime = string(classification.Regime)

	signals, err := c.runner.Evaluate(ctx, pair, data)
	if err != nil {
		outcome.Error = err.Error()
		return outcome
	}
	for _, sig := range signals {
		signalsTotal.WithLabelValues(sig.Source).Inc()
	}

	fused, err := engine.Fuse(pair, signals, classification.Regime)
	if err != nil {
		c.log.Warn().Err(err).Str("pair", pair.String()).Msg("Signal fusion produced nothing, holding")
		return outcome
	}
	outcome.Direction = fused.Direction
	c.eventBus.Publish(bus.EventSignalEmitted, "fusion", map[string]any{
		"pair":       pair.String(),
		"direction":  fused.Direction,
		"confidence": fused.Confidence,
		"regime":     string(fused.Regime),
	})
	c.persistSignals(fused, signals, classification)

	proposal, err := strat.Propose(ctx, &strategist.Context{
		Fused:        fused,
		Portfolio:    c.ledger.View(),
		RecentTrades: c.ledger.RecentRealized(10),
		CycleID:      cycleID,
	})
	if err != nil {
		outcome.Error = err.Error()
		return outcome
	}
	outcome.Action = string(proposal.Action)

	verdict := sentinel.Review(proposal, c.ledger.View(), data.Ticker.Price)
	outcome.Verdict = string(verdict.Kind)
	outcome.Reason = verdict.Reason
	decisionsTotal.WithLabelValues(string(proposal.Action), string(verdict.Kind)).Inc()
	c.eventBus.Publish(bus.EventDecisionMade, "sentinel", map[string]any{
		"pair":    pair.String(),
		"action":  string(proposal.Action),
		"verdict": string(verdict.Kind),
		"reason":  verdict.Reason,
		"size":    verdict.Proposal.Size,
	})

	if verdict.Kind == risk.VerdictVeto || verdict.Proposal.Action == strategist.ActionHold {
		return outcome
	}

	exec, err := c.executeVerdict(ctx, verdict)
	if exec != nil && exec.Result != nil {
		outcome.OrderID = exec.Result.OrderID
	}
	if err != nil {
		if errors.Is(err, portfolio.ErrInvariant) {
			c.log.Error().Err(err).Str("pair", pair.String()).Msg("Ledger invariant violated")
			c.EmergencyStop(err.Error())
		}
		outcome.Error = err.Error()
	}
	return outcome
}

// fetchMarketData pulls candles, ticker and book for one pair, keeping
// the in-memory and Redis candle caches warm. A failed candle fetch
// falls back to the freshest cache.
func (c *Core) fetchMarketData(ctx context.Context, pair market.Pair) (*market.Data, error) {
	candles, err := c.adapter.GetOHLCV(ctx, pair, candleIntervalMin, candleWindow)
	if err != nil {
		var ok bool
		if candles, ok = c.redisCache.Get(ctx, pair, candleIntervalMin); !ok {
			if candles, ok = c.candles.Get(pair); !ok {
				return nil, fmt.Errorf("fetch candles for %s: %w", pair, err)
			}
		}
		c.log.Warn().Err(err).Str("pair", pair.String()).Msg("Candle fetch failed, using cache")
	} else {
		c.candles.Put(pair, candles)
		if c.redisCache != nil {
			_ = c.redisCache.Set(ctx, pair, candleIntervalMin, candles)
		}
	}

	ticker, err := c.adapter.GetTicker(ctx, pair)
	if err != nil {
		return nil, fmt.Errorf("fetch ticker for %s: %w", pair, err)
	}

	data := &market.Data{
		Pair:      pair,
		Ticker:    *ticker,
		Candles:   candles,
		FetchedAt: time.Now(),
	}
	if book, err := c.adapter.GetOrderBook(ctx, pair, bookDepth); err != nil {
		// Book depth only feeds the orderbook analyst, which skips a
		// pair with no book.
		c.log.Warn().Err(err).Str("pair", pair.String()).Msg("Order book fetch failed")
	} else {
		data.Book = book
	}
	return data, nil
}

func (c *Core) persistSignals(fused *fusion.FusedSignal, signals []analyst.Signal, classification regime.Classification) {
	if c.store == nil {
		return
	}
	records := make([]*store.SignalRecord, 0, len(signals)+1)
	for _, sig := range signals {
		records = append(records, &store.SignalRecord{
			Source:     sig.Source,
			Pair:       sig.Pair.String(),
			Direction:  sig.Direction,
			Confidence: sig.Confidence,
			Reasoning:  sig.Reasoning,
			Regime:     string(fused.Regime),
			Metadata:   sig.Metadata,
		})
	}
	records = append(records, &store.SignalRecord{
		Source:     "fusion",
		Pair:       fused.Pair.String(),
		Direction:  fused.Direction,
		Confidence: fused.Confidence,
		Regime:     string(fused.Regime),
		Metadata: map[string]any{
			"disagreement":      fused.Disagreement,
			"regime_confidence": classification.Confidence,
			"adx":               classification.ADX,
			"atr_ratio":         classification.ATRRatio,
		},
	})
	for _, rec := range records {
		r := rec
		c.submitWrite("signal", func(ctx context.Context) error {
			return c.store.SaveSignal(ctx, r)
		})
	}
}

func (c *Core) executeVerdict(ctx context.Context, verdict *risk.Verdict) (*executor.Execution, error) {
	proposal := verdict.Proposal
	side := exchange.SideBuy
	if proposal.Action == strategist.ActionSell {
		side = exchange.SideSell
	}

	decisionTS := proposal.Timestamp
	exec, err := c.exec.Execute(ctx, executor.Intent{
		Pair:      proposal.Pair,
		Side:      side,
		Size:      proposal.Size,
		StopLoss:  verdict.StopLoss,
		Reasoning: proposal.Reasoning,
	})
	if exec != nil && exec.Result != nil {
		ordersTotal.WithLabelValues(string(side), string(exec.Result.Status)).Inc()
		c.recordTrade(exec, decisionTS)
	} else {
		ordersTotal.WithLabelValues(string(side), "FAILED").Inc()
	}
	return exec, err
}

func (c *Core) recordTrade(exec *executor.Execution, decisionTS time.Time) {
	res := exec.Result
	rec := &store.TradeRecord{
		OrderID:           res.OrderID,
		Pair:              res.Pair.String(),
		Action:            string(res.Side),
		RequestedSize:     exec.Intent.Size,
		FilledBase:        res.FilledBase,
		FilledQuote:       res.FilledQuote,
		AveragePrice:      res.AveragePrice,
		Status:            string(res.Status),
		Fees:              res.Fees,
		ExecutionStrategy: exec.Strategy,
		DecisionTS:        decisionTS,
		SubmittedTS:       exec.StartedAt,
		LatencyMS:         exec.LatencyMS(),
	}
	if res.Status.Terminal() {
		ts := exec.FinishedAt
		rec.FilledTS = &ts
	}
	c.submitWrite("trade", func(ctx context.Context) error {
		return c.store.SaveTrade(ctx, rec)
	})
}

// handleStopLossBreach liquidates a breached position directly; the
// strategist and sentinel are not consulted for protective exits.
func (c *Core) handleStopLossBreach(ctx context.Context, pos portfolio.Position, price float64) {
	c.log.Warn().
		Str("pair", pos.Pair.String()).
		Float64("price", price).
		Float64("quantity", pos.Quantity).
		Msg("Liquidating breached position")

	exec, err := c.exec.Execute(ctx, executor.Intent{
		Pair:      pos.Pair,
		Side:      exchange.SideSell,
		Size:      pos.Quantity,
		Reasoning: fmt.Sprintf("stop-loss breach at %.2f, stop %.2f", price, pos.StopLoss),
	})
	if exec != nil && exec.Result != nil {
		ordersTotal.WithLabelValues(string(exchange.SideSell), string(exec.Result.Status)).Inc()
		c.recordTrade(exec, time.Now())
	}
	if err != nil {
		if errors.Is(err, portfolio.ErrInvariant) {
			c.EmergencyStop(err.Error())
			return
		}
		c.log.Error().Err(err).Str("pair", pos.Pair.String()).Msg("Stop-loss liquidation failed")
	}
	c.sched.ReactiveTrigger("stop_loss_breach")
}

func (c *Core) evaluateBreakers(ctx context.Context, snap portfolio.Snapshot, maxHourlyMove, anomaly float64) {
	cutoff := time.Now().Add(-24 * time.Hour)
	c.breakers.Evaluate(ctx, risk.Inputs{
		DailyPnL:          c.ledger.RealizedPnLSince(cutoff) + c.ledger.UnrealizedPnL(),
		StartingEquity:    c.ledger.InitialCapital(),
		TradesLast24h:     c.ledger.TradesSince(cutoff),
		MaxHourlyMovePct:  maxHourlyMove,
		ConsecutiveLosses: consecutiveLosses(c.ledger.RecentRealized(20)),
		AnomalyScore:      anomaly,
	})
}

// submitWrite queues a persistence job when the store is wired.
func (c *Core) submitWrite(name string, fn func(context.Context) error) {
	if c.store == nil || c.writer == nil {
		return
	}
	c.writer.Submit(name, fn)
}

// consecutiveLosses counts the trailing run of losing trades.
func consecutiveLosses(trades []portfolio.RealizedTrade) int {
	var n int
	for i := len(trades) - 1; i >= 0; i-- {
		if trades[i].PnL >= 0 {
			break
		}
		n++
	}
	return n
}

// hourlyMove is the absolute fractional move over the last hour of
// 15-minute candles.
func hourlyMove(candles []market.Candle) float64 {
	if len(candles) < 5 {
		return 0
	}
	last := candles[len(candles)-1].Close
	prev := candles[len(candles)-5].Close
	if prev == 0 {
		return 0
	}
	return math.Abs(last-prev) / prev
}

// anomalyScore measures how far the last close sits from its 20-candle
// mean, in units of three standard deviations, capped at 1. A quiet
// tape scores near 0, a three-sigma jump scores 1.
func anomalyScore(candles []market.Candle) float64 {
	const window = 20
	if len(candles) < window {
		return 0
	}
	recent := candles[len(candles)-window:]

	var mean float64
	for _, cd := range recent {
		mean += cd.Close
	}
	mean /= window

	var variance float64
	for _, cd := range recent {
		d := cd.Close - mean
		variance += d * d
	}
	variance /= window
	sigma := math.Sqrt(variance)
	if sigma == 0 {
		return 0
	}

	score := math.Abs(recent[window-1].Close-mean) / (3 * sigma)
	return math.Min(score, 1)
}
