package ladder

import (
	"github.com/shopspring/decimal"

	"topup-ladder/internal/core"
	"topup-ladder/internal/instrument"
)

var hundred = decimal.NewFromInt(100)

// Level is a candidate trigger price for one top-up rung.
type Level struct {
	Index        int
	Percent      decimal.Decimal
	Price        decimal.Decimal
	DistancePips decimal.Decimal
}

// TakeProfitPrice is the shared take-profit of a ladder, tpPips away from
// the side's entry price.
func TakeProfitPrice(snap instrument.Snapshot, side core.Side, tpPips decimal.Decimal) decimal.Decimal {
	offset := snap.Offset(tpPips)
	if side == core.Sell {
		return core.RoundPrice(snap.Bid.Sub(offset), snap.PriceDigits)
	}
	return core.RoundPrice(snap.Ask.Add(offset), snap.PriceDigits)
}

// StopLossPrice is the market order's protective stop, stopPips against the entry.
func StopLossPrice(snap instrument.Snapshot, side core.Side, stopPips decimal.Decimal) decimal.Decimal {
	offset := snap.Offset(stopPips)
	if side == core.Sell {
		return core.RoundPrice(snap.Bid.Add(offset), snap.PriceDigits)
	}
	return core.RoundPrice(snap.Ask.Sub(offset), snap.PriceDigits)
}

// CandidateLevels places each top-up at its percentage of the way from the
// reference price to the take-profit. Indexes are 1-based.
func CandidateLevels(snap instrument.Snapshot, side core.Side, tpPrice decimal.Decimal, percents []decimal.Decimal) []Level {
	ref := snap.EntryPrice(side)
	levels := make([]Level, 0, len(percents))
	for i, p := range percents {
		frac := p.Div(hundred)
		var price decimal.Decimal
		if side == core.Sell {
			price = ref.Sub(ref.Sub(tpPrice).Mul(frac))
		} else {
			price = ref.Add(tpPrice.Sub(ref).Mul(frac))
		}
		price = core.RoundPrice(price, snap.PriceDigits)
		levels = append(levels, Level{
			Index:        i + 1,
			Percent:      p,
			Price:        price,
			DistancePips: signedDistancePips(snap, side, price),
		})
	}
	return levels
}

// ValidateLevels keeps the levels at least the terminal's minimum stop
// distance away from the reference price, in the trade direction, and
// reports the rest.
func ValidateLevels(snap instrument.Snapshot, side core.Side, levels []Level) ([]Level, []core.LevelRejection) {
	valid := make([]Level, 0, len(levels))
	var rejected []core.LevelRejection
	for _, l := range levels {
		if l.DistancePips.Cmp(decimal.Zero) > 0 && l.DistancePips.Cmp(snap.MinStopDistancePips) >= 0 {
			valid = append(valid, l)
			continue
		}
		rejected = append(rejected, core.LevelRejection{
			Index:        l.Index,
			Percent:      l.Percent,
			Level:        l.Price,
			DistancePips: l.DistancePips.Round(2),
			RequiredPips: snap.MinStopDistancePips,
		})
	}
	return valid, rejected
}

func signedDistancePips(snap instrument.Snapshot, side core.Side, price decimal.Decimal) decimal.Decimal {
	ref := snap.EntryPrice(side)
	delta := price.Sub(ref)
	if side == core.Sell {
		delta = ref.Sub(price)
	}
	return snap.Pips(delta)
}
