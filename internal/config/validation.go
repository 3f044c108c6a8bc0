package config

import (
	"fmt"
	"strings"
)

var validStages = map[string]bool{"stage1": true, "stage2": true, "stage3": true}
var validExchangeKinds = map[string]bool{"real": true, "simulation": true, "mock": true}
var validStrategistModes = map[string]bool{"rules": true, "llm": true, "hybrid": true}
var validOrderKinds = map[string]bool{"MARKET": true, "LIMIT": true, "TWAP": true}

// Validate checks the configuration eagerly at startup. Errors here are
// fatal; nothing should run with a half-valid config.
func (c *Config) Validate() error {
	var errs []string

	if !validExchangeKinds[c.Exchange.Kind] {
		errs = append(errs, fmt.Sprintf("exchange.kind %q must be one of real, simulation, mock", c.Exchange.Kind))
	}
	if !validStages[c.Trading.Stage] {
		errs = append(errs, fmt.Sprintf("trading.stage %q must be one of stage1, stage2, stage3", c.Trading.Stage))
	}
	if c.Trading.QuoteCurrency == "" {
		errs = append(errs, "trading.quote_currency must not be empty")
	}
	if len(c.Trading.Pairs) == 0 {
		errs = append(errs, "trading.pairs must list at least one pair")
	}
	for _, p := range c.Trading.Pairs {
		parts := strings.Split(p, "/")
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			errs = append(errs, fmt.Sprintf("trading.pairs entry %q is not BASE/QUOTE", p))
			continue
		}
		if parts[1] != c.Trading.QuoteCurrency {
			errs = append(errs, fmt.Sprintf("trading.pairs entry %q does not use quote currency %s", p, c.Trading.QuoteCurrency))
		}
	}
	if c.Trading.CycleIntervalMinutes < 1 {
		errs = append(errs, "trading.cycle_interval_minutes must be >= 1")
	}
	if c.Trading.InitialCapital <= 0 {
		errs = append(errs, "trading.initial_capital must be positive")
	}

	if c.Risk.MaxPositionPct <= 0 || c.Risk.MaxPositionPct > 1 {
		errs = append(errs, "risk.max_position_pct must be in (0, 1]")
	}
	if c.Risk.MaxExposurePct <= 0 || c.Risk.MaxExposurePct > 1 {
		errs = append(errs, "risk.max_exposure_pct must be in (0, 1]")
	}
	if c.Risk.MaxPositionPct > c.Risk.MaxExposurePct {
		errs = append(errs, "risk.max_position_pct must not exceed risk.max_exposure_pct")
	}
	if c.Risk.StopLossPct <= 0 || c.Risk.StopLossPct >= 1 {
		errs = append(errs, "risk.stop_loss_pct must be in (0, 1)")
	}
	if c.Risk.MinConfidence < 0 || c.Risk.MinConfidence > 1 {
		errs = append(errs, "risk.min_confidence must be in [0, 1]")
	}

	if c.Breakers.MaxDailyLossPct <= 0 || c.Breakers.MaxDailyLossPct > 1 {
		errs = append(errs, "breakers.max_daily_loss_pct must be in (0, 1]")
	}
	if c.Breakers.MaxDailyTrades < 1 {
		errs = append(errs, "breakers.max_daily_trades must be >= 1")
	}
	if c.Breakers.ConsecutiveLossLimit < 1 {
		errs = append(errs, "breakers.consecutive_loss_limit must be >= 1")
	}

	if !validOrderKinds[c.Execution.OrderKind] {
		errs = append(errs, fmt.Sprintf("execution.order_kind %q must be one of MARKET, LIMIT, TWAP", c.Execution.OrderKind))
	}
	if c.Execution.OrderKind != "MARKET" {
		if c.Execution.LimitTimeoutS < 1 {
			errs = append(errs, "execution.limit_timeout_s must be >= 1")
		}
		if c.Execution.PollMS < 10 {
			errs = append(errs, "execution.poll_ms must be >= 10")
		}
	}
	if c.Execution.OrderKind == "TWAP" && c.Execution.TWAPSlices < 2 {
		errs = append(errs, "execution.twap_slices must be >= 2")
	}

	if c.Fusion.DisagreementPenalty < 0 || c.Fusion.DisagreementPenalty > 1 {
		errs = append(errs, "fusion.disagreement_penalty must be in [0, 1]")
	}
	if _, ok := c.Fusion.Weights["default"]; !ok {
		errs = append(errs, "fusion.weights must include a default row")
	}
	for regime, row := range c.Fusion.Weights {
		for analyst, w := range row {
			if w < 0 || w > 1 {
				errs = append(errs, fmt.Sprintf("fusion.weights.%s.%s %v must be in [0, 1]", regime, analyst, w))
			}
		}
	}

	if !validStrategistModes[c.Strategist.Mode] {
		errs = append(errs, fmt.Sprintf("strategist.mode %q must be one of rules, llm, hybrid", c.Strategist.Mode))
	}
	if c.Strategist.ThresholdBuy <= 0 {
		errs = append(errs, "strategist.threshold_buy must be positive")
	}
	if c.Strategist.ThresholdSell >= 0 {
		errs = append(errs, "strategist.threshold_sell must be negative")
	}
	if c.Strategist.Mode != "rules" && c.LLM.Model == "" {
		errs = append(errs, "llm.model must be set when strategist.mode uses the LLM")
	}

	if c.Exchange.Kind == "real" && (c.Exchange.APIKey == "" || c.Exchange.SecretKey == "") {
		errs = append(errs, "exchange credentials required for kind=real")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// PartialUpdate carries the subset of configuration that may change at
// runtime. Nil fields are left untouched.
type PartialUpdate struct {
	FusionWeights       map[string]map[string]float64
	DisagreementPenalty *float64
	Risk                *RiskConfig
	Breakers            *BreakerConfig
	StrategistMode      *string
}

// ReloadPartial applies a runtime update to the allowed subset: fusion
// weights, risk and breaker thresholds, strategist mode. The updated
// config is re-validated before any field is mutated.
func (c *Config) ReloadPartial(u PartialUpdate) error {
	next := *c

	if u.FusionWeights != nil {
		next.Fusion.Weights = u.FusionWeights
	}
	if u.DisagreementPenalty != nil {
		next.Fusion.DisagreementPenalty = *u.DisagreementPenalty
	}
	if u.Risk != nil {
		next.Risk = *u.Risk
	}
	if u.Breakers != nil {
		next.Breakers = *u.Breakers
	}
	if u.StrategistMode != nil {
		next.Strategist.Mode = *u.StrategistMode
	}

	if err := next.Validate(); err != nil {
		return fmt.Errorf("partial reload rejected: %w", err)
	}

	*c = next
	return nil
}
