// Package sizing holds the ladder arithmetic: the initial lot from the risk
// budget, the weighted allocation of the residual goal across top-up rungs,
// the convergence policies that make the rung contributions add up to the
// goal, and the per-rung break-even distances.
//
// All money and lot values are decimals. Lots are rounded to LotPrecision
// places, the granularity brokers accept for volumes.
package sizing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"topup-ladder/internal/core"
)

// LotPrecision is the number of decimal places lot sizes are rounded to.
const LotPrecision int32 = 2

var ErrInvalidRiskConfig = errors.New("invalid risk config")

var hundred = decimal.NewFromInt(100)

// RiskConfig is passed by value into every sizing call.
type RiskConfig struct {
	AccountSize             decimal.Decimal
	TargetGainPercent       decimal.Decimal
	InitialStopPercent      decimal.Decimal
	InitialStopDistancePips decimal.Decimal
	TakeProfitDistancePips  decimal.Decimal
	TopUpPercentages        []decimal.Decimal
}

func (c RiskConfig) Validate() error {
	if c.AccountSize.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("%w: account size must be > 0", ErrInvalidRiskConfig)
	}
	if c.TargetGainPercent.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("%w: target gain percent must be > 0", ErrInvalidRiskConfig)
	}
	if !inOpenPercentRange(c.InitialStopPercent) {
		return fmt.Errorf("%w: initial stop percent must be in (0, 100)", ErrInvalidRiskConfig)
	}
	if c.TakeProfitDistancePips.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("%w: take profit distance %s pips", core.ErrNonPositiveDistance, c.TakeProfitDistancePips)
	}
	for i, p := range c.TopUpPercentages {
		if !inOpenPercentRange(p) {
			return fmt.Errorf("%w: top-up percentage %s must be in (0, 100)", ErrInvalidRiskConfig, p)
		}
		if i > 0 && p.Cmp(c.TopUpPercentages[i-1]) <= 0 {
			return fmt.Errorf("%w: top-up percentages must be strictly increasing", ErrInvalidRiskConfig)
		}
	}
	return nil
}

// LossDollars is the budgeted loss of the market order if its stop is hit.
func (c RiskConfig) LossDollars() decimal.Decimal {
	return c.InitialStopPercent.Div(hundred).Mul(c.AccountSize)
}

// GoalDollars is the combined profit the ladder should realize at take profit.
func (c RiskConfig) GoalDollars() decimal.Decimal {
	return c.TargetGainPercent.Div(hundred).Mul(c.AccountSize)
}

// InitialLotSize sizes the market order so that hitting its stop loses
// LossDollars, up to lot rounding.
func InitialLotSize(c RiskConfig, pipValue decimal.Decimal) (decimal.Decimal, error) {
	if c.InitialStopDistancePips.Cmp(decimal.Zero) <= 0 {
		return decimal.Zero, fmt.Errorf("%w: initial stop distance %s pips", core.ErrInvalidInstrumentData, c.InitialStopDistancePips)
	}
	if pipValue.Cmp(decimal.Zero) <= 0 {
		return decimal.Zero, fmt.Errorf("%w: pip value %s", core.ErrInvalidInstrumentData, pipValue)
	}
	lot := c.LossDollars().Div(c.InitialStopDistancePips.Mul(pipValue))
	return lot.Round(LotPrecision), nil
}

// Contribution is the dollar profit of a lot held over distance pips.
func Contribution(lot, distancePips, pipValue decimal.Decimal) decimal.Decimal {
	return lot.Mul(distancePips).Mul(pipValue)
}

func inOpenPercentRange(p decimal.Decimal) bool {
	return p.Cmp(decimal.Zero) > 0 && p.Cmp(hundred) < 0
}
