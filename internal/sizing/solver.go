package sizing

import (
	"fmt"

	"github.com/shopspring/decimal"

	"topup-ladder/internal/core"
)

// SolveInput describes one convergence problem. Every rung, the market order
// included, is valued over the full take-profit distance.
type SolveInput struct {
	InitialLot decimal.Decimal
	Goal       decimal.Decimal
	Distance   decimal.Decimal
	PipValue   decimal.Decimal
	Rungs      int
}

func (in SolveInput) Validate() error {
	if in.Distance.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("%w: distance %s pips", core.ErrNonPositiveDistance, in.Distance)
	}
	if in.PipValue.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("%w: pip value %s", core.ErrInvalidInstrumentData, in.PipValue)
	}
	if in.Rungs < 0 {
		return fmt.Errorf("%w: rung count %d", core.ErrDegenerateLadder, in.Rungs)
	}
	initial := Contribution(in.InitialLot, in.Distance, in.PipValue)
	if in.Goal.Cmp(initial) <= 0 {
		return fmt.Errorf("%w: goal %s already met by the market order's %s", core.ErrInsufficientGoal, in.Goal.StringFixed(2), initial.StringFixed(2))
	}
	return nil
}

// Solver produces the top-up lot sizes, one per rung in trigger order.
type Solver interface {
	Name() string
	Solve(in SolveInput) ([]decimal.Decimal, error)
}

// ExactResidual spreads the remaining goal evenly over the rungs still to be
// sized, then lets the last rung absorb the rounding residual without
// rounding it, so the contributions sum to the goal.
type ExactResidual struct{}

func (ExactResidual) Name() string { return "exact_residual" }

func (ExactResidual) Solve(in SolveInput) ([]decimal.Decimal, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if in.Rungs == 0 {
		return nil, nil
	}
	unit := in.Distance.Mul(in.PipValue)
	lots := make([]decimal.Decimal, 0, in.Rungs)
	current := in.InitialLot.Mul(unit)
	for k := 0; k < in.Rungs; k++ {
		next := in.Goal.Sub(current).Div(decimal.NewFromInt(int64(in.Rungs - k)).Mul(unit))
		lots = append(lots, next.Round(LotPrecision))
		current = current.Add(next.Mul(unit))
	}

	total := in.InitialLot
	for _, lot := range lots {
		total = total.Add(lot)
	}
	residual := in.Goal.Sub(total.Mul(unit))
	last := len(lots) - 1
	lots[last] = lots[last].Add(residual.Div(unit))
	return lots, nil
}

// MonotonicStepped never lets a rung be smaller than the one before it, the
// market order included. It may overshoot the goal.
type MonotonicStepped struct{}

func (MonotonicStepped) Name() string { return "monotonic_stepped" }

func (MonotonicStepped) Solve(in SolveInput) ([]decimal.Decimal, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if in.Rungs == 0 {
		return nil, nil
	}
	unit := in.Distance.Mul(in.PipValue)
	lots := make([]decimal.Decimal, 0, in.Rungs)
	current := in.InitialLot.Mul(unit)
	prev := in.InitialLot
	for k := 0; k < in.Rungs; k++ {
		next := in.Goal.Sub(current).Div(decimal.NewFromInt(int64(in.Rungs - k)).Mul(unit))
		next = decimal.Max(next, prev)
		rounded := next.Round(LotPrecision)
		lots = append(lots, rounded)
		current = current.Add(next.Mul(unit))
		prev = rounded
	}
	return lots, nil
}

// SolverByName maps a configured policy name to its solver.
func SolverByName(name string) (Solver, error) {
	switch name {
	case "", "exact_residual":
		return ExactResidual{}, nil
	case "monotonic_stepped":
		return MonotonicStepped{}, nil
	}
	return nil, fmt.Errorf("unknown convergence policy %q", name)
}

// TotalContribution values the market order and the top-up lots over distance pips.
func TotalContribution(initialLot decimal.Decimal, lots []decimal.Decimal, distancePips, pipValue decimal.Decimal) decimal.Decimal {
	total := Contribution(initialLot, distancePips, pipValue)
	for _, lot := range lots {
		total = total.Add(Contribution(lot, distancePips, pipValue))
	}
	return total
}
