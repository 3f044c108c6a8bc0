// Package analyst contains the signal producers. Each analyst looks at
// one pair's market data and emits a directional opinion with a
// self-assessed confidence.
package analyst

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/southquant/tradecore/internal/market"
)

// Signal is one analyst's directional opinion on a pair. Direction is
// in [-1, 1], confidence in [0, 1]. A confidence of 0 means the analyst
// had nothing reliable to say; fusion drops such signals.
type Signal struct {
	Source     string
	Pair       market.Pair
	Direction  float64
	Confidence float64
	Reasoning  string
	Timestamp  time.Time
	Metadata   map[string]any
}

// Analyst is the capability every signal producer satisfies. Evaluate
// must be safe for concurrent use and must not mutate data.
type Analyst interface {
	Name() string
	Evaluate(ctx context.Context, pair market.Pair, data *market.Data) (*Signal, error)
}

// Runner evaluates a set of analysts concurrently with a per-analyst
// timeout. A failed or timed-out analyst is skipped; the rest of the
// batch still reports.
type Runner struct {
	analysts []Analyst
	timeout  time.Duration
	log      zerolog.Logger
}

// NewRunner creates a runner over the given analysts.
func NewRunner(analysts []Analyst, timeout time.Duration, logger zerolog.Logger) *Runner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Runner{analysts: analysts, timeout: timeout, log: logger}
}

// Evaluate fans out over all analysts and collects their signals in
// analyst registration order. Per-analyst failures are logged, not
// returned; the error is non-nil only when the parent context dies.
func (r *Runner) Evaluate(ctx context.Context, pair market.Pair, data *market.Data) ([]Signal, error) {
	results := make([]*Signal, len(r.analysts))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(len(r.analysts) + 1)

	for i, a := range r.analysts {
		g.Go(func() error {
			actx, cancel := context.WithTimeout(gctx, r.timeout)
			defer cancel()

			sig, err := a.Evaluate(actx, pair, data)
			if err != nil {
				r.log.Warn().
					Err(err).
					Str("analyst", a.Name()).
					Str("pair", pair.String()).
					Msg("Analyst evaluation failed")
				return nil
			}
			mu.Lock()
			results[i] = sig
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([]Signal, 0, len(results))
	for _, sig := range results {
		if sig != nil {
			out = append(out, *sig)
		}
	}
	return out, nil
}

// Names lists the registered analysts.
func (r *Runner) Names() []string {
	names := make([]string, len(r.analysts))
	for i, a := range r.analysts {
		names[i] = a.Name()
	}
	return names
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
