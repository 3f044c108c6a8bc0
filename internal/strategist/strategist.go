// Package strategist turns a fused signal and the portfolio state into
// a trade proposal. Three implementations exist: rule-based, LLM-backed
// and a hybrid selector between them.
package strategist

import (
	"context"
	"time"

	"github.com/southquant/tradecore/internal/fusion"
	"github.com/southquant/tradecore/internal/market"
	"github.com/southquant/tradecore/internal/portfolio"
)

// Action is the proposed move for one pair.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// Proposal is the strategist's output for one pair. Size is
// quote-denominated for BUY and base-denominated for SELL; HOLD carries
// no size.
type Proposal struct {
	Pair       market.Pair
	Action     Action
	Size       float64
	Confidence float64
	Reasoning  string
	Model      string
	Timestamp  time.Time
}

// Context bundles what a strategist may look at when proposing.
type Context struct {
	Fused        *fusion.FusedSignal
	Portfolio    portfolio.Snapshot
	RecentTrades []portfolio.RealizedTrade
	CycleID      int64
}

// Strategist is the capability the pipeline consumes.
type Strategist interface {
	Name() string
	Propose(ctx context.Context, sctx *Context) (*Proposal, error)
}

// Params carries the rule thresholds shared by all implementations.
type Params struct {
	MinConfidence  float64
	ThresholdBuy   float64
	ThresholdSell  float64
	BaseSizeQuote  float64
	MinSizeQuote   float64
	MaxPositionPct float64
}

func hold(sctx *Context, reasoning, model string) *Proposal {
	return &Proposal{
		Pair:       sctx.Fused.Pair,
		Action:     ActionHold,
		Confidence: sctx.Fused.Confidence,
		Reasoning:  reasoning,
		Model:      model,
		Timestamp:  time.Now(),
	}
}
