package exchange

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// RoundToStep down-rounds a base quantity to an integer multiple of the
// pair's step size. Uses decimal math so 0.1-style steps do not drift.
func RoundToStep(qty, step float64) float64 {
	if step <= 0 {
		return qty
	}
	q := decimal.NewFromFloat(qty)
	s := decimal.NewFromFloat(step)
	steps := q.Div(s).Floor()
	out, _ := steps.Mul(s).Float64()
	return out
}

// RoundToTick rounds a price to the nearest tick.
func RoundToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	p := decimal.NewFromFloat(price)
	t := decimal.NewFromFloat(tick)
	ticks := p.Div(t).Round(0)
	out, _ := ticks.Mul(t).Float64()
	return out
}

// ApplyFilters normalizes an order request against the pair's trading
// filters: base quantities down-round to step size, limit prices round to
// tick size, and requests whose quote notional falls under the minimum are
// rejected with KindFilterRejected.
func ApplyFilters(req OrderRequest, info *PairInfo, refPrice float64) (OrderRequest, error) {
	out := req

	if req.Kind == OrderKindLimit {
		out.Price = RoundToTick(req.Price, info.TickSize)
		refPrice = out.Price
	}

	var notional float64
	if req.QuoteSized() {
		// Market buys submit quote notional; nothing to step-round.
		notional = req.Size
	} else {
		out.Size = RoundToStep(req.Size, info.StepSize)
		if out.Size <= 0 {
			return out, NewError(KindFilterRejected, "apply_filters",
				fmt.Errorf("quantity %.10f rounds to zero at step %.10f", req.Size, info.StepSize))
		}
		notional = out.Size * refPrice
	}

	if info.MinNotional > 0 && notional < info.MinNotional {
		return out, NewError(KindFilterRejected, "apply_filters",
			fmt.Errorf("notional %.8f below minimum %.8f", notional, info.MinNotional))
	}

	return out, nil
}
