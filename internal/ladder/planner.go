// Package ladder turns a risk configuration and an instrument snapshot into
// finalized order plans and submits them through the execution gateway.
package ladder

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"topup-ladder/internal/core"
	"topup-ladder/internal/instrument"
	"topup-ladder/internal/sizing"
)

// RejectedPolicy decides what happens to the goal when levels are dropped.
type RejectedPolicy string

const (
	// Redistribute re-solves the goal over the surviving rungs.
	Redistribute RejectedPolicy = "redistribute"
	// Shrink keeps the surviving rungs' lots and reports the shortfall.
	Shrink RejectedPolicy = "shrink"
)

const (
	StageValidate   = "validate"
	StageInstrument = "instrument"
	StageRisk       = "risk"
	StageAllocate   = "allocate"
	StageSolve      = "solve"
)

type Options struct {
	Side           core.Side
	Solver         sizing.Solver
	RejectedLevels RejectedPolicy
	// BreakEvenStops attaches each rung's break-even distance as its stop loss.
	BreakEvenStops bool
	MagicBase      int64
	Now            func() time.Time
}

// Magic is the ladder's magic number: base for BUY, base+1 for SELL.
func Magic(base int64, side core.Side) int64 {
	if side == core.Sell {
		return base + 1
	}
	return base
}

// Tag is the order comment identifying a rung of a ladder.
func Tag(magic int64, rung int) string {
	return fmt.Sprintf("tl:%d:%d", magic, rung)
}

// ParseTag reverses Tag. Comments that are not rung tags report ok=false.
func ParseTag(tag string) (magic int64, rung int, ok bool) {
	rest, found := strings.CutPrefix(tag, "tl:")
	if !found {
		return 0, 0, false
	}
	magicPart, rungPart, found := strings.Cut(rest, ":")
	if !found {
		return 0, 0, false
	}
	magic, err := strconv.ParseInt(magicPart, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	rung, err = strconv.Atoi(rungPart)
	if err != nil || rung < 0 {
		return 0, 0, false
	}
	return magic, rung, true
}

// IsTopUpTag reports whether tag marks a pending rung rather than the anchor.
func IsTopUpTag(tag string) bool {
	_, rung, ok := ParseTag(tag)
	return ok && rung > 0
}

// Plan builds the order plan for one direction. Every failure is returned
// as a *core.PlanningError before anything is submitted.
func Plan(cfg sizing.RiskConfig, snap instrument.Snapshot, opts Options) (core.OrderPlan, error) {
	side := opts.Side
	fail := func(stage string, err error) (core.OrderPlan, error) {
		return core.OrderPlan{}, &core.PlanningError{Stage: stage, Side: side, Err: err}
	}
	if !side.Valid() {
		return fail(StageValidate, fmt.Errorf("unknown side %q", side))
	}
	if err := cfg.Validate(); err != nil {
		return fail(StageValidate, err)
	}
	if err := snap.Validate(); err != nil {
		return fail(StageInstrument, err)
	}
	solver := opts.Solver
	if solver == nil {
		solver = sizing.ExactResidual{}
	}
	policy := opts.RejectedLevels
	if policy == "" {
		policy = Redistribute
	}

	pv := snap.PipValue
	tp := cfg.TakeProfitDistancePips
	goal := cfg.GoalDollars()

	initialLot, err := sizing.InitialLotSize(cfg, pv)
	if err != nil {
		return fail(StageRisk, err)
	}
	if initialLot.Cmp(decimal.Zero) <= 0 {
		return fail(StageRisk, fmt.Errorf("%w: initial lot rounds to zero", core.ErrZeroLotSize))
	}

	percents := cfg.TopUpPercentages
	alloc, err := sizing.Allocate(initialLot, goal, tp, snap.SpreadPips, pv, percents)
	if err != nil {
		return fail(StageAllocate, err)
	}
	lots, err := solver.Solve(sizing.SolveInput{InitialLot: initialLot, Goal: goal, Distance: tp, PipValue: pv, Rungs: len(percents)})
	if err != nil {
		return fail(StageSolve, err)
	}

	tpPrice := TakeProfitPrice(snap, side, tp)
	valid, rejected := ValidateLevels(snap, side, CandidateLevels(snap, side, tpPrice, percents))

	keptAlloc := alloc.Rungs
	keptLots := lots
	if len(rejected) > 0 {
		keptAlloc = make([]sizing.AllocatedRung, 0, len(valid))
		keptLots = make([]decimal.Decimal, 0, len(valid))
		for _, l := range valid {
			keptAlloc = append(keptAlloc, alloc.Rungs[l.Index-1])
			keptLots = append(keptLots, lots[l.Index-1])
		}
		if policy == Redistribute && len(valid) > 0 {
			survivors := make([]decimal.Decimal, len(valid))
			for i, l := range valid {
				survivors[i] = l.Percent
			}
			realloc, err := sizing.Allocate(initialLot, goal, tp, snap.SpreadPips, pv, survivors)
			if err != nil {
				return fail(StageAllocate, err)
			}
			keptAlloc = realloc.Rungs
			keptLots, err = solver.Solve(sizing.SolveInput{InitialLot: initialLot, Goal: goal, Distance: tp, PipValue: pv, Rungs: len(valid)})
			if err != nil {
				return fail(StageSolve, err)
			}
		}
	}

	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	magic := Magic(opts.MagicBase, side)
	id := uuid.NewString()
	plan := core.OrderPlan{
		ID:                id,
		Symbol:            snap.Symbol,
		Side:              side,
		LadderID:          fmt.Sprintf("%d-%s", magic, id[:8]),
		Magic:             magic,
		TakeProfitPrice:   tpPrice,
		StopLossPrice:     StopLossPrice(snap, side, cfg.InitialStopDistancePips),
		TargetGainDollars: goal,
		Rejected:          rejected,
		CreatedAt:         now().UTC(),
		Market: core.Rung{
			Index:              0,
			Side:               side,
			LotSize:            initialLot,
			PipGain:            alloc.InitialPipGain,
			WeightedLot:        initialLot,
			DollarContribution: sizing.Contribution(initialLot, tp, pv),
		},
	}

	bes := sizing.BreakEvens(initialLot, tp, pv, keptLots)
	plan.Pending = make([]core.Rung, len(valid))
	for i, l := range valid {
		rung := core.Rung{
			Index:              l.Index,
			Side:               side,
			Percent:            l.Percent,
			LotSize:            keptLots[i],
			PriceLevel:         l.Price,
			PipGain:            keptAlloc[i].PipGain,
			WeightedLot:        keptAlloc[i].Lot,
			DollarContribution: sizing.Contribution(keptLots[i], tp, pv),
		}
		if bes[i].Defined() {
			rung.BreakEvenPips = bes[i].Pips
			rung.HasBreakEven = true
			if opts.BreakEvenStops {
				rung.StopLossPrice = breakEvenStop(snap, side, l.Price, bes[i].Pips)
			}
		}
		plan.Pending[i] = rung
	}

	plan.PlannedGainDollars = sizing.TotalContribution(initialLot, keptLots, tp, pv)
	if short := goal.Sub(plan.PlannedGainDollars).Round(2); short.Cmp(decimal.Zero) > 0 {
		plan.Shortfall = short
	}
	return plan, nil
}

// PlanSides plans every side from the same snapshot. The first failure
// aborts the whole set so nothing is submitted for a half-planned straddle.
func PlanSides(cfg sizing.RiskConfig, snap instrument.Snapshot, opts Options, sides []core.Side) ([]core.OrderPlan, error) {
	plans := make([]core.OrderPlan, 0, len(sides))
	for _, side := range sides {
		o := opts
		o.Side = side
		plan, err := Plan(cfg, snap, o)
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan)
	}
	return plans, nil
}

func breakEvenStop(snap instrument.Snapshot, side core.Side, level, bePips decimal.Decimal) decimal.Decimal {
	offset := snap.Offset(bePips)
	var sl decimal.Decimal
	if side == core.Sell {
		sl = level.Add(offset)
	} else {
		sl = level.Sub(offset)
	}
	sl = core.RoundPrice(sl, snap.PriceDigits)
	if sl.Cmp(decimal.Zero) <= 0 {
		return decimal.Zero
	}
	return sl
}
