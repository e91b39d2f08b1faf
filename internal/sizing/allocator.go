package sizing

import (
	"fmt"

	"github.com/shopspring/decimal"

	"topup-ladder/internal/core"
)

// Allocation is the weighted first proposal for the top-up lots.
// The weighting is not profit-exact; a Solver restores exactness.
type Allocation struct {
	InitialPipGain      decimal.Decimal
	InitialContribution decimal.Decimal
	Residual            decimal.Decimal
	Rungs               []AllocatedRung
}

type AllocatedRung struct {
	Percent      decimal.Decimal
	PipGain      decimal.Decimal
	DollarTarget decimal.Decimal
	Lot          decimal.Decimal
}

// PipGain is the net pips a rung triggered at percent of the take-profit
// distance still captures, after paying the spread.
func PipGain(tpPips, spreadPips, percent decimal.Decimal) decimal.Decimal {
	return tpPips.Mul(decimal.NewFromInt(1).Sub(percent.Div(hundred))).Sub(spreadPips)
}

// Allocate splits the residual goal across rungs in proportion to p_i / sum(p)
// and derives each rung's lot from its own pip gain.
func Allocate(initialLot, goal, tpPips, spreadPips, pipValue decimal.Decimal, percents []decimal.Decimal) (Allocation, error) {
	if pipValue.Cmp(decimal.Zero) <= 0 {
		return Allocation{}, fmt.Errorf("%w: pip value %s", core.ErrInvalidInstrumentData, pipValue)
	}
	if tpPips.Cmp(decimal.Zero) <= 0 {
		return Allocation{}, fmt.Errorf("%w: take profit distance %s pips", core.ErrNonPositiveDistance, tpPips)
	}
	initialGain := tpPips.Sub(spreadPips)
	if initialGain.Cmp(decimal.Zero) <= 0 {
		return Allocation{}, fmt.Errorf("%w: spread %s pips consumes the market order's %s pips", core.ErrDegenerateLadder, spreadPips, tpPips)
	}
	out := Allocation{
		InitialPipGain:      initialGain,
		InitialContribution: Contribution(initialLot, initialGain, pipValue),
	}
	out.Residual = goal.Sub(out.InitialContribution)
	if len(percents) == 0 {
		return out, nil
	}

	sum := decimal.Zero
	for _, p := range percents {
		sum = sum.Add(p)
	}
	out.Rungs = make([]AllocatedRung, len(percents))
	for i, p := range percents {
		gain := PipGain(tpPips, spreadPips, p)
		if gain.Cmp(decimal.Zero) <= 0 {
			return Allocation{}, fmt.Errorf("%w: rung %d at %s%% nets %s pips after spread", core.ErrDegenerateLadder, i+1, p, gain)
		}
		target := out.Residual.Mul(p).Div(sum)
		out.Rungs[i] = AllocatedRung{
			Percent:      p,
			PipGain:      gain,
			DollarTarget: target,
			Lot:          target.Div(gain.Mul(pipValue)),
		}
	}
	return out, nil
}
