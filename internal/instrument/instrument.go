// Package instrument turns terminal symbol metadata and a quote into the
// pip-denominated figures the sizing arithmetic works in.
package instrument

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"topup-ladder/internal/core"
)

// Spec is the static symbol description reported by the terminal.
type Spec struct {
	Symbol           string
	Digits           int
	Point            decimal.Decimal
	ContractSize     decimal.Decimal
	StopsLevelPoints int64
	VolumeMin        decimal.Decimal
	VolumeMax        decimal.Decimal
	VolumeStep       decimal.Decimal
	TradeAllowed     bool
}

type Quote struct {
	Bid  decimal.Decimal
	Ask  decimal.Decimal
	Time time.Time
}

// Snapshot is immutable for the duration of one planning pass.
type Snapshot struct {
	Symbol              string
	PriceDigits         int
	PointSize           decimal.Decimal
	PipSize             decimal.Decimal
	PipValue            decimal.Decimal
	MinStopDistancePips decimal.Decimal
	SpreadPips          decimal.Decimal
	Bid                 decimal.Decimal
	Ask                 decimal.Decimal
	Volume              core.VolumeRules
	QuotedAt            time.Time
}

// Source is the part of the execution gateway that describes symbols.
type Source interface {
	SymbolInfo(ctx context.Context, symbol string) (Spec, error)
	Tick(ctx context.Context, symbol string) (Quote, error)
}

// PointsPerPip resolves how many points make one pip. Fractional quotes
// (3 or 5 digits) carry an extra decimal, so a pip is ten points there.
func PointsPerPip(digits int, override int64) int64 {
	if override > 0 {
		return override
	}
	if digits == 3 || digits == 5 {
		return 10
	}
	return 1
}

// NewSnapshot derives pip figures from a symbol spec and a quote.
func NewSnapshot(spec Spec, quote Quote, pointsPerPip int64) (Snapshot, error) {
	if spec.Point.Cmp(decimal.Zero) <= 0 {
		return Snapshot{}, fmt.Errorf("%w: point size %s for %s", core.ErrInvalidInstrumentData, spec.Point, spec.Symbol)
	}
	if spec.ContractSize.Cmp(decimal.Zero) <= 0 {
		return Snapshot{}, fmt.Errorf("%w: contract size %s for %s", core.ErrInvalidInstrumentData, spec.ContractSize, spec.Symbol)
	}
	if quote.Bid.Cmp(decimal.Zero) <= 0 || quote.Ask.Cmp(decimal.Zero) <= 0 {
		return Snapshot{}, fmt.Errorf("%w: no live quote for %s", core.ErrSymbolUnavailable, spec.Symbol)
	}
	if quote.Ask.Cmp(quote.Bid) < 0 {
		return Snapshot{}, fmt.Errorf("%w: ask %s below bid %s for %s", core.ErrInvalidInstrumentData, quote.Ask, quote.Bid, spec.Symbol)
	}
	ppp := decimal.NewFromInt(PointsPerPip(spec.Digits, pointsPerPip))
	pipSize := spec.Point.Mul(ppp)
	return Snapshot{
		Symbol:              spec.Symbol,
		PriceDigits:         spec.Digits,
		PointSize:           spec.Point,
		PipSize:             pipSize,
		PipValue:            spec.ContractSize.Mul(pipSize),
		MinStopDistancePips: decimal.NewFromInt(spec.StopsLevelPoints).Div(ppp),
		SpreadPips:          quote.Ask.Sub(quote.Bid).Div(pipSize),
		Bid:                 quote.Bid,
		Ask:                 quote.Ask,
		Volume: core.VolumeRules{
			Min:  spec.VolumeMin,
			Max:  spec.VolumeMax,
			Step: spec.VolumeStep,
		},
		QuotedAt: quote.Time,
	}, nil
}

// Fetch reads the symbol spec and current quote and builds a snapshot.
func Fetch(ctx context.Context, src Source, symbol string, pointsPerPip int64) (Snapshot, error) {
	spec, err := src.SymbolInfo(ctx, symbol)
	if err != nil {
		return Snapshot{}, symbolUnavailable(symbol, "symbol info", err)
	}
	if !spec.TradeAllowed {
		return Snapshot{}, fmt.Errorf("%w: %s: trading disabled", core.ErrSymbolUnavailable, symbol)
	}
	quote, err := src.Tick(ctx, symbol)
	if err != nil {
		return Snapshot{}, symbolUnavailable(symbol, "tick", err)
	}
	if spec.Symbol == "" {
		spec.Symbol = symbol
	}
	return NewSnapshot(spec, quote, pointsPerPip)
}

func symbolUnavailable(symbol, what string, err error) error {
	if errors.Is(err, core.ErrSymbolUnavailable) || errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %s %s: %v", core.ErrSymbolUnavailable, symbol, what, err)
}

// Validate checks the figures the sizing arithmetic divides by.
func (s Snapshot) Validate() error {
	if s.PipValue.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("%w: pip value %s", core.ErrInvalidInstrumentData, s.PipValue)
	}
	if s.PipSize.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("%w: pip size %s", core.ErrInvalidInstrumentData, s.PipSize)
	}
	if s.Bid.Cmp(decimal.Zero) <= 0 || s.Ask.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("%w: bid/ask %s/%s", core.ErrInvalidInstrumentData, s.Bid, s.Ask)
	}
	if s.SpreadPips.Cmp(decimal.Zero) < 0 {
		return fmt.Errorf("%w: negative spread %s", core.ErrInvalidInstrumentData, s.SpreadPips)
	}
	return nil
}

// EntryPrice is the price a market order on this side fills at.
func (s Snapshot) EntryPrice(side core.Side) decimal.Decimal {
	if side == core.Sell {
		return s.Bid
	}
	return s.Ask
}

// Pips converts a price difference into pips.
func (s Snapshot) Pips(delta decimal.Decimal) decimal.Decimal {
	if s.PipSize.Cmp(decimal.Zero) <= 0 {
		return decimal.Zero
	}
	return delta.Div(s.PipSize)
}

// Offset converts a pip distance into a price difference.
func (s Snapshot) Offset(pips decimal.Decimal) decimal.Decimal {
	return pips.Mul(s.PipSize)
}
