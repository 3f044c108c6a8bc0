package llm

import (
	"sync"
	"time"
)

// ModelUsage is the accumulated spend for one model.
type ModelUsage struct {
	Calls        int
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
	CachedHits   int
}

// CycleUsage is the spend attributed to one cycle.
type CycleUsage struct {
	CycleID      int64
	Calls        int
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
}

// pricing is USD per 1M tokens, input/output. Unknown models use the
// default row.
type pricing struct {
	inputPerM  float64
	outputPerM float64
}

var modelPricing = map[string]pricing{
	"gpt-4o":      {2.50, 10.00},
	"gpt-4o-mini": {0.15, 0.60},
	"gpt-4-turbo": {10.00, 30.00},
}

var defaultPricing = pricing{3.00, 12.00}

// Tracker accumulates token spend per model and per cycle, and answers
// the daily-budget question for the strategist throttle. All methods
// are safe for concurrent use.
type Tracker struct {
	mu        sync.RWMutex
	models    map[string]*ModelUsage
	cycles    map[int64]*CycleUsage
	dayStart  time.Time
	daySpend  float64
	now       func() time.Time
}

// NewTracker creates an empty cost tracker.
func NewTracker() *Tracker {
	initMetrics()
	t := &Tracker{
		models: make(map[string]*ModelUsage),
		cycles: make(map[int64]*CycleUsage),
		now:    time.Now,
	}
	t.dayStart = t.now().Truncate(24 * time.Hour)
	return t
}

// Record accounts one LLM call against a model and cycle. A failed or
// timed-out call records with zero usage so the attempt is still
// visible.
func (t *Tracker) Record(model string, cycleID int64, usage Usage, cached bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rollDayLocked()

	cost := costUSD(model, usage)

	mu, ok := t.models[model]
	if !ok {
		mu = &ModelUsage{}
		t.models[model] = mu
	}
	mu.Calls++
	mu.InputTokens += int64(usage.PromptTokens)
	mu.OutputTokens += int64(usage.CompletionTokens)
	mu.CostUSD += cost
	if cached {
		mu.CachedHits++
	}

	cu, ok := t.cycles[cycleID]
	if !ok {
		cu = &CycleUsage{CycleID: cycleID}
		t.cycles[cycleID] = cu
	}
	cu.Calls++
	cu.InputTokens += int64(usage.PromptTokens)
	cu.OutputTokens += int64(usage.CompletionTokens)
	cu.CostUSD += cost

	t.daySpend += cost

	callsTotal.WithLabelValues(model).Inc()
	tokensTotal.WithLabelValues(model, "input").Add(float64(usage.PromptTokens))
	tokensTotal.WithLabelValues(model, "output").Add(float64(usage.CompletionTokens))
	costTotal.WithLabelValues(model).Add(cost)
}

func costUSD(model string, usage Usage) float64 {
	p, ok := modelPricing[model]
	if !ok {
		p = defaultPricing
	}
	return float64(usage.PromptTokens)/1e6*p.inputPerM +
		float64(usage.CompletionTokens)/1e6*p.outputPerM
}

func (t *Tracker) rollDayLocked() {
	day := t.now().Truncate(24 * time.Hour)
	if day.After(t.dayStart) {
		t.dayStart = day
		t.daySpend = 0
	}
}

// OverBudget reports whether today's spend has reached the daily
// budget. A non-positive budget never throttles.
func (t *Tracker) OverBudget(dailyBudgetUSD float64) bool {
	if dailyBudgetUSD <= 0 {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollDayLocked()
	return t.daySpend >= dailyBudgetUSD
}

// DailySpend returns today's accumulated cost in USD.
func (t *Tracker) DailySpend() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollDayLocked()
	return t.daySpend
}

// ModelTotals returns a copy of per-model accumulated usage.
func (t *Tracker) ModelTotals() map[string]ModelUsage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]ModelUsage, len(t.models))
	for m, u := range t.models {
		out[m] = *u
	}
	return out
}

// CycleTotals returns the usage attributed to one cycle.
func (t *Tracker) CycleTotals(cycleID int64) (CycleUsage, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	cu, ok := t.cycles[cycleID]
	if !ok {
		return CycleUsage{}, false
	}
	return *cu, true
}
