package core

import (
	"context"
	"fmt"

	"github.com/southquant/tradecore/internal/exchange"
	"github.com/southquant/tradecore/internal/market"
	"github.com/southquant/tradecore/internal/store"
)

// reconcileOrders resolves trades that were still in flight when the
// previous process died. Each pending row is re-queried on the
// exchange; fills that landed while we were down are applied to the
// ledger as the delta over what the row already recorded, and orders
// still open are cancelled so the cycle starts from a clean book.
func (c *Core) reconcileOrders(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	pending, err := c.store.PendingTrades(ctx)
	if err != nil {
		return fmt.Errorf("load pending trades: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}
	c.log.Info().Int("pending", len(pending)).Msg("Reconciling in-flight orders")

	for _, trade := range pending {
		if err := c.reconcileOne(ctx, trade); err != nil {
			c.log.Error().Err(err).
				Str("trade_id", trade.ID.String()).
				Str("order_id", trade.OrderID).
				Msg("Order reconciliation failed")
		}
	}
	return nil
}

func (c *Core) reconcileOne(ctx context.Context, trade store.TradeRecord) error {
	if trade.OrderID == "" {
		// The process died between decision and placement; nothing
		// reached the exchange.
		return c.store.ResolveTrade(ctx, trade.ID, string(exchange.OrderStatusFailed),
			trade.FilledBase, trade.FilledQuote, trade.AveragePrice, trade.Fees)
	}

	pair, err := market.ParsePair(trade.Pair)
	if err != nil {
		return err
	}

	res, err := c.adapter.QueryOrder(ctx, trade.OrderID, pair)
	if err != nil {
		return fmt.Errorf("query order %s: %w", trade.OrderID, err)
	}
	if !res.Status.Terminal() {
		if res, err = c.adapter.CancelOrder(ctx, trade.OrderID, pair); err != nil {
			return fmt.Errorf("cancel order %s: %w", trade.OrderID, err)
		}
	}

	// Only the fill delta beyond what the row recorded touches the
	// ledger; the recorded part was applied before the crash.
	deltaBase := res.FilledBase - trade.FilledBase
	if deltaBase > 1e-12 {
		delta := *res
		delta.FilledBase = deltaBase
		delta.FilledQuote = res.FilledQuote - trade.FilledQuote
		if err := c.ledger.ApplyFill(&delta); err != nil {
			return err
		}
		c.log.Info().
			Str("pair", trade.Pair).
			Float64("delta_base", deltaBase).
			Msg("Recovered fill applied")
	}

	return c.store.ResolveTrade(ctx, trade.ID, string(res.Status),
		res.FilledBase, res.FilledQuote, res.AveragePrice, res.Fees)
}
