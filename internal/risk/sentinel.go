// Package risk validates trade proposals against position, exposure and
// circuit-breaker rules, and watches stop-loss levels between cycles.
package risk

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/southquant/tradecore/internal/config"
	"github.com/southquant/tradecore/internal/portfolio"
	"github.com/southquant/tradecore/internal/strategist"
)

// VerdictKind is the sentinel's ruling on a proposal.
type VerdictKind string

const (
	VerdictApprove VerdictKind = "approve"
	VerdictResize  VerdictKind = "resize"
	VerdictVeto    VerdictKind = "veto"
)

// Verdict carries the ruling. Proposal is the possibly resized order to
// execute; StopLoss is attached to approved buys.
type Verdict struct {
	Kind     VerdictKind
	Proposal *strategist.Proposal
	Reason   string
	StopLoss float64
}

// Sentinel applies the risk rule chain in order. It never mutates the
// input proposal.
type Sentinel struct {
	cfg      config.RiskConfig
	breakers *BreakerSet
	ledger   *portfolio.Ledger
	now      func() time.Time
	log      zerolog.Logger
}

// NewSentinel creates the sentinel.
func NewSentinel(cfg config.RiskConfig, breakers *BreakerSet, ledger *portfolio.Ledger, logger zerolog.Logger) *Sentinel {
	return &Sentinel{
		cfg:      cfg,
		breakers: breakers,
		ledger:   ledger,
		now:      time.Now,
		log:      logger,
	}
}

// Review runs the rule chain over a proposal. price is the current
// ticker price for the proposal's pair. HOLD proposals are approved
// unchanged.
func (s *Sentinel) Review(proposal *strategist.Proposal, snap portfolio.Snapshot, price float64) *Verdict {
	if proposal.Action == strategist.ActionHold {
		return &Verdict{Kind: VerdictApprove, Proposal: proposal}
	}

	// 1. Confidence gate.
	if proposal.Confidence < s.cfg.MinConfidence {
		return s.veto(proposal, fmt.Sprintf("confidence %.2f below minimum %.2f",
			proposal.Confidence, s.cfg.MinConfidence))
	}

	// 2. Cooldown since the pair last traded.
	if last, ok := s.ledger.LastTradeAt(proposal.Pair); ok {
		holdFor := time.Duration(s.cfg.MinHoldTimeHours * float64(time.Hour))
		if s.now().Sub(last) < holdFor {
			return s.veto(proposal, fmt.Sprintf("pair traded %s ago, minimum hold %s",
				s.now().Sub(last).Round(time.Minute), holdFor))
		}
	}

	if proposal.Action == strategist.ActionSell {
		return s.reviewSell(proposal)
	}
	return s.reviewBuy(proposal, snap, price)
}

func (s *Sentinel) reviewBuy(proposal *strategist.Proposal, snap portfolio.Snapshot, price float64) *Verdict {
	size := proposal.Size
	resized := false

	// 3. Position cap.
	var existing float64
	if pos, ok := snap.Positions[proposal.Pair.String()]; ok {
		existing = pos.Quantity * pos.LastPrice
	}
	maxPosition := s.cfg.MaxPositionPct * snap.TotalValue
	if existing+size > maxPosition {
		size = maxPosition - existing
		resized = true
	}

	// 4. Exposure cap across all positions.
	invested := snap.TotalValue - snap.AvailableQuote
	maxExposure := s.cfg.MaxExposurePct * snap.TotalValue
	if invested+size > maxExposure {
		size = maxExposure - invested
		resized = true
	}

	if size <= 0 {
		return s.veto(proposal, "position and exposure caps leave no room")
	}

	// 5. Available balance.
	if size > snap.AvailableQuote-s.cfg.BalanceReserve {
		return s.veto(proposal, fmt.Sprintf("size %.2f exceeds available %.2f less reserve %.2f",
			size, snap.AvailableQuote, s.cfg.BalanceReserve))
	}

	// 6. Circuit breakers veto all new risk.
	if s.breakers != nil && s.breakers.AnyTripped() {
		return s.veto(proposal, "circuit breaker tripped")
	}

	// 7. Stop-loss synthesis.
	verdict := &Verdict{
		Kind:     VerdictApprove,
		Proposal: proposal,
		StopLoss: price * (1 - s.cfg.StopLossPct),
	}
	if resized {
		adjusted := *proposal
		adjusted.Size = size
		verdict.Kind = VerdictResize
		verdict.Proposal = &adjusted
		verdict.Reason = fmt.Sprintf("resized from %.2f to %.2f by position/exposure caps", proposal.Size, size)
		s.log.Info().
			Str("pair", proposal.Pair.String()).
			Float64("requested", proposal.Size).
			Float64("granted", size).
			Msg("Proposal resized")
	}
	return verdict
}

func (s *Sentinel) reviewSell(proposal *strategist.Proposal) *Verdict {
	// 6. Breakers: sells that reduce risk pass only with the policy
	// flag; everything else is vetoed while tripped.
	if s.breakers != nil && s.breakers.AnyTripped() && !s.cfg.AllowRiskOffSells {
		return s.veto(proposal, "circuit breaker tripped and risk-off sells disabled")
	}
	return &Verdict{Kind: VerdictApprove, Proposal: proposal}
}

func (s *Sentinel) veto(proposal *strategist.Proposal, reason string) *Verdict {
	s.log.Info().
		Str("pair", proposal.Pair.String()).
		Str("action", string(proposal.Action)).
		Str("reason", reason).
		Msg("Proposal vetoed")
	return &Verdict{Kind: VerdictVeto, Proposal: proposal, Reason: reason}
}
