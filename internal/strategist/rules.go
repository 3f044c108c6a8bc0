package strategist

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Rules is the threshold strategist. It never suspends and costs
// nothing, which also makes it the fallback for the LLM variant.
type Rules struct {
	params Params
	log    zerolog.Logger
}

// NewRules creates the rule-based strategist.
func NewRules(params Params, logger zerolog.Logger) *Rules {
	return &Rules{params: params, log: logger}
}

func (r *Rules) Name() string { return "rules" }

func (r *Rules) Propose(_ context.Context, sctx *Context) (*Proposal, error) {
	fused := sctx.Fused

	if fused.Confidence < r.params.MinConfidence {
		return hold(sctx, fmt.Sprintf("confidence %.2f below minimum %.2f",
			fused.Confidence, r.params.MinConfidence), r.Name()), nil
	}

	switch {
	case fused.Direction >= r.params.ThresholdBuy:
		size := r.buySize(sctx)
		if size < r.params.MinSizeQuote {
			return hold(sctx, fmt.Sprintf("buy size %.2f below minimum %.2f",
				size, r.params.MinSizeQuote), r.Name()), nil
		}
		return &Proposal{
			Pair:       fused.Pair,
			Action:     ActionBuy,
			Size:       size,
			Confidence: fused.Confidence,
			Reasoning: fmt.Sprintf("direction %.2f >= buy threshold %.2f in %s",
				fused.Direction, r.params.ThresholdBuy, fused.Regime),
			Model:     r.Name(),
			Timestamp: time.Now(),
		}, nil

	case fused.Direction <= r.params.ThresholdSell:
		pos, held := sctx.Portfolio.Positions[fused.Pair.String()]
		if !held || pos.Quantity <= 0 {
			return hold(sctx, "bearish but nothing held", r.Name()), nil
		}
		return &Proposal{
			Pair:       fused.Pair,
			Action:     ActionSell,
			Size:       r.sellSize(pos.Quantity, pos.LastPrice, fused.Confidence),
			Confidence: fused.Confidence,
			Reasoning: fmt.Sprintf("direction %.2f <= sell threshold %.2f in %s",
				fused.Direction, r.params.ThresholdSell, fused.Regime),
			Model:     r.Name(),
			Timestamp: time.Now(),
		}, nil
	}

	return hold(sctx, fmt.Sprintf("direction %.2f inside neutral band", fused.Direction), r.Name()), nil
}

// buySize scales the base stake by confidence and caps it at the
// position limit.
func (r *Rules) buySize(sctx *Context) float64 {
	size := r.params.BaseSizeQuote * sctx.Fused.Confidence
	maxPosition := sctx.Portfolio.TotalValue * r.params.MaxPositionPct

	if existing, ok := sctx.Portfolio.Positions[sctx.Fused.Pair.String()]; ok {
		maxPosition -= existing.Quantity * existing.LastPrice
	}
	if maxPosition < 0 {
		maxPosition = 0
	}
	if size > maxPosition {
		size = maxPosition
	}
	if size > sctx.Portfolio.AvailableQuote {
		size = sctx.Portfolio.AvailableQuote
	}
	return size
}

// sellSize converts the confidence-scaled quote stake into base
// quantity, capped at what is actually held. High-confidence sells
// close the whole position.
func (r *Rules) sellSize(held, price, confidence float64) float64 {
	if confidence >= 0.8 || price <= 0 {
		return held
	}
	size := r.params.BaseSizeQuote * confidence / price
	if size > held {
		size = held
	}
	return size
}
