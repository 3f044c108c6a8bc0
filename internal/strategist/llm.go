package strategist

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/southquant/tradecore/internal/llm"
)

// llmDecision is the structured response the model must return.
type llmDecision struct {
	Action     string  `json:"action"`
	SizeQuote  float64 `json:"size_quote"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

const systemPrompt = `You are the strategist of an autonomous spot trading system.
Respond with a single JSON object and nothing else:
{"action": "BUY"|"SELL"|"HOLD", "size_quote": <number>, "confidence": <0..1>, "reasoning": "<one sentence>"}
Size is in the quote currency for BUY and ignored for SELL and HOLD.
Never exceed the position limit given in the prompt. Prefer HOLD when unsure.`

// LLM is the model-backed strategist. Every failure path falls back to
// the rule strategist and marks the proposal reasoning with
// fallback=true.
type LLM struct {
	completer llm.Completer
	tracker   *llm.Tracker
	fallback  *Rules
	timeout   time.Duration
	budgetUSD float64
	log       zerolog.Logger
}

// NewLLM creates the LLM strategist.
func NewLLM(completer llm.Completer, tracker *llm.Tracker, fallback *Rules, timeout time.Duration, budgetUSD float64, logger zerolog.Logger) *LLM {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &LLM{
		completer: completer,
		tracker:   tracker,
		fallback:  fallback,
		timeout:   timeout,
		budgetUSD: budgetUSD,
		log:       logger,
	}
}

func (l *LLM) Name() string { return "llm" }

func (l *LLM) Propose(ctx context.Context, sctx *Context) (*Proposal, error) {
	if l.tracker.OverBudget(l.budgetUSD) {
		l.log.Warn().Float64("budget_usd", l.budgetUSD).Msg("Daily LLM budget exceeded, using rules")
		return l.fallbackProposal(ctx, sctx, "daily budget exceeded")
	}

	cctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	content, usage, err := l.completer.CompleteWithSystem(cctx, systemPrompt, l.buildPrompt(sctx))
	l.tracker.Record(l.completer.Model(), sctx.CycleID, usage, false)
	if err != nil {
		l.log.Warn().Err(err).Str("pair", sctx.Fused.Pair.String()).Msg("LLM call failed, using rules")
		return l.fallbackProposal(ctx, sctx, err.Error())
	}

	var decision llmDecision
	if err := llm.ParseJSONResponse(content, &decision); err != nil {
		l.log.Warn().Err(err).Msg("LLM response unparseable, using rules")
		return l.fallbackProposal(ctx, sctx, "unparseable response")
	}

	proposal, err := l.toProposal(sctx, decision)
	if err != nil {
		l.log.Warn().Err(err).Msg("LLM decision invalid, using rules")
		return l.fallbackProposal(ctx, sctx, err.Error())
	}
	return proposal, nil
}

func (l *LLM) fallbackProposal(ctx context.Context, sctx *Context, cause string) (*Proposal, error) {
	proposal, err := l.fallback.Propose(ctx, sctx)
	if err != nil {
		return nil, err
	}
	proposal.Reasoning = fmt.Sprintf("fallback=true (%s); %s", cause, proposal.Reasoning)
	return proposal, nil
}

func (l *LLM) toProposal(sctx *Context, d llmDecision) (*Proposal, error) {
	action := Action(strings.ToUpper(strings.TrimSpace(d.Action)))
	if action != ActionBuy && action != ActionSell && action != ActionHold {
		return nil, fmt.Errorf("unknown action %q", d.Action)
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return nil, fmt.Errorf("confidence %v out of range", d.Confidence)
	}

	proposal := &Proposal{
		Pair:       sctx.Fused.Pair,
		Action:     action,
		Confidence: d.Confidence,
		Reasoning:  d.Reasoning,
		Model:      l.completer.Model(),
		Timestamp:  time.Now(),
	}

	switch action {
	case ActionBuy:
		if d.SizeQuote <= 0 {
			return nil, fmt.Errorf("buy without a size")
		}
		maxPosition := sctx.Portfolio.TotalValue * l.fallback.params.MaxPositionPct
		proposal.Size = d.SizeQuote
		if proposal.Size > maxPosition {
			proposal.Size = maxPosition
		}
	case ActionSell:
		pos, held := sctx.Portfolio.Positions[sctx.Fused.Pair.String()]
		if !held || pos.Quantity <= 0 {
			return nil, fmt.Errorf("sell with nothing held")
		}
		proposal.Size = pos.Quantity
	}

	return proposal, nil
}

// buildPrompt assembles the decision context: fused signal, regime,
// portfolio state and recent closed trades.
func (l *LLM) buildPrompt(sctx *Context) string {
	fused := sctx.Fused
	snap := sctx.Portfolio

	var b strings.Builder
	fmt.Fprintf(&b, "Pair: %s\n", fused.Pair)
	fmt.Fprintf(&b, "Regime: %s\n", fused.Regime)
	fmt.Fprintf(&b, "Fused direction: %.3f (-1 bearish .. +1 bullish)\n", fused.Direction)
	fmt.Fprintf(&b, "Fused confidence: %.3f\n", fused.Confidence)
	fmt.Fprintf(&b, "Analyst disagreement: %.3f\n", fused.Disagreement)

	for _, s := range fused.Contributing {
		fmt.Fprintf(&b, "  %s: direction=%.2f confidence=%.2f %s\n", s.Source, s.Direction, s.Confidence, s.Reasoning)
	}

	fmt.Fprintf(&b, "Available quote: %.2f\n", snap.AvailableQuote)
	fmt.Fprintf(&b, "Total value: %.2f\n", snap.TotalValue)
	fmt.Fprintf(&b, "Position limit per pair: %.2f\n", snap.TotalValue*l.fallback.params.MaxPositionPct)

	if pos, ok := snap.Positions[fused.Pair.String()]; ok {
		fmt.Fprintf(&b, "Held: %.8f at entry %.2f (unrealized %.2f)\n", pos.Quantity, pos.EntryPrice, pos.UnrealizedPnL)
	} else {
		b.WriteString("Held: nothing\n")
	}

	if len(sctx.RecentTrades) > 0 {
		b.WriteString("Recent closed trades:\n")
		for _, tr := range sctx.RecentTrades {
			fmt.Fprintf(&b, "  %s qty=%.8f entry=%.2f exit=%.2f pnl=%.2f\n",
				tr.Pair, tr.Quantity, tr.EntryPrice, tr.ExitPrice, tr.PnL)
		}
	}

	fmt.Fprintf(&b, "As of: %s\n", snap.Timestamp.Format(time.RFC3339))
	return b.String()
}
