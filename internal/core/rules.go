package core

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidVolume = errors.New("invalid volume")
	ErrBelowMinLot   = errors.New("volume below min lot")
)

// VolumeRules are the symbol's lot constraints.
type VolumeRules struct {
	Min  decimal.Decimal
	Max  decimal.Decimal
	Step decimal.Decimal
}

// NormalizeVolume snaps a lot size down to the volume step and checks the min/max bounds.
// A volume above Max is clamped.
func NormalizeVolume(volume decimal.Decimal, rules VolumeRules) (decimal.Decimal, error) {
	if volume.Cmp(decimal.Zero) <= 0 {
		return volume, ErrInvalidVolume
	}
	if rules.Step.Cmp(decimal.Zero) > 0 {
		volume = RoundDown(volume, rules.Step)
	}
	if volume.Cmp(decimal.Zero) <= 0 {
		return volume, ErrInvalidVolume
	}
	if rules.Min.Cmp(decimal.Zero) > 0 && volume.Cmp(rules.Min) < 0 {
		return volume, ErrBelowMinLot
	}
	if rules.Max.Cmp(decimal.Zero) > 0 && volume.Cmp(rules.Max) > 0 {
		volume = rules.Max
		if rules.Step.Cmp(decimal.Zero) > 0 {
			volume = RoundDown(volume, rules.Step)
		}
	}
	return volume, nil
}

func RoundDown(value, step decimal.Decimal) decimal.Decimal {
	if step.Cmp(decimal.Zero) <= 0 {
		return value
	}
	return value.Div(step).Floor().Mul(step)
}

// RoundPrice rounds a price to the symbol's quote digits.
func RoundPrice(price decimal.Decimal, digits int) decimal.Decimal {
	if digits < 0 {
		return price
	}
	return price.Round(int32(digits))
}
