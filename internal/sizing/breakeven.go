package sizing

import (
	"fmt"

	"github.com/shopspring/decimal"

	"topup-ladder/internal/core"
)

// BreakEvenPips is the distance from rung's own entry at which closing it
// gives back exactly the profit banked by the market order and the earlier
// rungs. rung is 1-based among the top-ups; each banked order is counted at
// the initial lot over the full take-profit distance.
func BreakEvenPips(rung int, initialLot, tpPips, lot, pipValue decimal.Decimal) (decimal.Decimal, error) {
	if lot.Cmp(decimal.Zero) <= 0 {
		return decimal.Zero, fmt.Errorf("%w: rung %d lot %s", core.ErrZeroLotSize, rung, lot)
	}
	if pipValue.Cmp(decimal.Zero) <= 0 {
		return decimal.Zero, fmt.Errorf("%w: pip value %s", core.ErrInvalidInstrumentData, pipValue)
	}
	banked := decimal.NewFromInt(int64(rung)).Mul(Contribution(initialLot, tpPips, pipValue))
	return banked.Div(lot.Mul(pipValue)).Round(2), nil
}

// BreakEven is one rung's result. Err is set only for that rung.
type BreakEven struct {
	Pips decimal.Decimal
	Err  error
}

func (b BreakEven) Defined() bool { return b.Err == nil }

// BreakEvens computes the break-even for every top-up lot.
func BreakEvens(initialLot, tpPips, pipValue decimal.Decimal, lots []decimal.Decimal) []BreakEven {
	out := make([]BreakEven, len(lots))
	for i, lot := range lots {
		pips, err := BreakEvenPips(i+1, initialLot, tpPips, lot, pipValue)
		out[i] = BreakEven{Pips: pips, Err: err}
	}
	return out
}
