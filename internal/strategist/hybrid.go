package strategist

import (
	"context"
	"math"

	"github.com/rs/zerolog"
)

// Clear signals go to the cheap rule strategist; ambiguous ones
// escalate to the model.
const (
	hybridDirectionCutoff    = 0.4
	hybridDisagreementCutoff = 0.3
)

// Hybrid routes each call to rules or the LLM based on how ambiguous
// the fused signal is.
type Hybrid struct {
	rules *Rules
	llm   *LLM
	log   zerolog.Logger
}

// NewHybrid creates the hybrid selector.
func NewHybrid(rules *Rules, llmStrategist *LLM, logger zerolog.Logger) *Hybrid {
	return &Hybrid{rules: rules, llm: llmStrategist, log: logger}
}

func (h *Hybrid) Name() string { return "hybrid" }

func (h *Hybrid) Propose(ctx context.Context, sctx *Context) (*Proposal, error) {
	fused := sctx.Fused
	useLLM := math.Abs(fused.Direction) < hybridDirectionCutoff ||
		fused.Disagreement > hybridDisagreementCutoff

	h.log.Debug().
		Str("pair", fused.Pair.String()).
		Bool("use_llm", useLLM).
		Float64("direction", fused.Direction).
		Float64("disagreement", fused.Disagreement).
		Msg("Hybrid strategist routing")

	if useLLM {
		return h.llm.Propose(ctx, sctx)
	}
	return h.rules.Propose(ctx, sctx)
}
