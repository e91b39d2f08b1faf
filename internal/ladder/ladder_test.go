package ladder

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"topup-ladder/internal/core"
	"topup-ladder/internal/gateway/paper"
	"topup-ladder/internal/instrument"
	"topup-ladder/internal/sizing"
)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func decs(vs ...string) []decimal.Decimal {
	out := make([]decimal.Decimal, len(vs))
	for i, v := range vs {
		out[i] = d(v)
	}
	return out
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, got.Equal(d(want)), "got %s, want %s", got.String(), want)
}

func eurusdTerminal() *paper.Terminal {
	return paper.New(instrument.Spec{
		Symbol:           "EURUSD",
		Digits:           5,
		Point:            d("0.00001"),
		ContractSize:     d("100000"),
		StopsLevelPoints: 100,
		VolumeMin:        d("0.01"),
		VolumeMax:        d("100"),
		VolumeStep:       d("0.01"),
		TradeAllowed:     true,
	}, instrument.Quote{Bid: d("1.09990"), Ask: d("1.10000"), Time: time.Unix(1700000000, 0)})
}

func eurusdSnapshot(t *testing.T, term *paper.Terminal) instrument.Snapshot {
	t.Helper()
	snap, err := instrument.Fetch(context.Background(), term, "EURUSD", 0)
	require.NoError(t, err)
	return snap
}

// 0.10 lots initial, $500 goal, 100 pip take profit, pip value 10.
func eurusdRisk(percents ...string) sizing.RiskConfig {
	if len(percents) == 0 {
		percents = []string{"30", "60", "90"}
	}
	return sizing.RiskConfig{
		AccountSize:             d("10000"),
		TargetGainPercent:       d("5"),
		InitialStopPercent:      d("1"),
		InitialStopDistancePips: d("100"),
		TakeProfitDistancePips:  d("100"),
		TopUpPercentages:        decs(percents...),
	}
}

func baseOptions(side core.Side) Options {
	return Options{
		Side:           side,
		Solver:         sizing.ExactResidual{},
		RejectedLevels: Redistribute,
		BreakEvenStops: true,
		MagicBase:      1001,
		Now:            func() time.Time { return time.Unix(1700000000, 0) },
	}
}

func TestCandidateLevelsRejectsInsideMinStop(t *testing.T) {
	snap := eurusdSnapshot(t, eurusdTerminal())
	tpPrice := TakeProfitPrice(snap, core.Buy, d("100"))
	assertDecimal(t, "1.11", tpPrice)

	levels := CandidateLevels(snap, core.Buy, tpPrice, decs("8", "30", "60", "90"))
	require.Len(t, levels, 4)
	assertDecimal(t, "1.1008", levels[0].Price)
	assertDecimal(t, "1.103", levels[1].Price)
	assertDecimal(t, "1.106", levels[2].Price)
	assertDecimal(t, "1.109", levels[3].Price)

	valid, rejected := ValidateLevels(snap, core.Buy, levels)
	require.Len(t, valid, 3)
	require.Len(t, rejected, 1)
	assert.Equal(t, 1, rejected[0].Index)
	assertDecimal(t, "8", rejected[0].DistancePips)
	assertDecimal(t, "10", rejected[0].RequiredPips)
}

func TestCandidateLevelsSell(t *testing.T) {
	snap := eurusdSnapshot(t, eurusdTerminal())
	tpPrice := TakeProfitPrice(snap, core.Sell, d("100"))
	assertDecimal(t, "1.0899", tpPrice)

	levels := CandidateLevels(snap, core.Sell, tpPrice, decs("30"))
	assertDecimal(t, "1.0969", levels[0].Price)
	assertDecimal(t, "30", levels[0].DistancePips)
}

func TestValidateLevelsComparesUnroundedDistance(t *testing.T) {
	snap := instrument.Snapshot{
		Symbol:              "EURUSD",
		PriceDigits:         8,
		PointSize:           d("0.00001"),
		PipSize:             d("0.00003"),
		MinStopDistancePips: d("10"),
		Bid:                 d("1.09990"),
		Ask:                 d("1.10000"),
	}
	levels := CandidateLevels(snap, core.Buy, d("1.10299880"), decs("10"))
	require.Len(t, levels, 1)
	assertDecimal(t, "1.10029988", levels[0].Price)
	assertDecimal(t, "9.996", levels[0].DistancePips)

	valid, rejected := ValidateLevels(snap, core.Buy, levels)
	assert.Empty(t, valid)
	require.Len(t, rejected, 1)
	assertDecimal(t, "10", rejected[0].DistancePips)
}

func TestParseTagRoundTrip(t *testing.T) {
	magic, rung, ok := ParseTag(Tag(1002, 3))
	require.True(t, ok)
	assert.Equal(t, int64(1002), magic)
	assert.Equal(t, 3, rung)

	for _, bad := range []string{"", "manual", "tl:1001", "tl:x:1", "tl:1001:check", "tl:1001:-1"} {
		_, _, ok := ParseTag(bad)
		assert.False(t, ok, bad)
	}
	assert.False(t, IsTopUpTag(Tag(1001, 0)))
	assert.True(t, IsTopUpTag(Tag(1001, 1)))
	assert.False(t, IsTopUpTag("tl:1901:check"))
}

func TestPlanBuyMeetsGoalExactly(t *testing.T) {
	snap := eurusdSnapshot(t, eurusdTerminal())
	plan, err := Plan(eurusdRisk(), snap, baseOptions(core.Buy))
	require.NoError(t, err)

	assert.Equal(t, int64(1001), plan.Magic)
	assert.Equal(t, "EURUSD", plan.Symbol)
	assert.NotEmpty(t, plan.ID)
	assert.NotEmpty(t, plan.LadderID)
	assertDecimal(t, "0.1", plan.Market.LotSize)
	assertDecimal(t, "1.11", plan.TakeProfitPrice)
	assertDecimal(t, "1.09", plan.StopLossPrice)
	assertDecimal(t, "500", plan.TargetGainDollars)
	assertDecimal(t, "500", plan.PlannedGainDollars)
	assert.True(t, plan.Shortfall.IsZero())
	assert.Empty(t, plan.Rejected)

	require.Len(t, plan.Pending, 3)
	wantLots := []string{"0.13", "0.13", "0.14"}
	wantBE := []string{"76.92", "153.85", "214.29"}
	for i, r := range plan.Pending {
		assert.Equal(t, i+1, r.Index)
		assertDecimal(t, wantLots[i], r.LotSize)
		assert.True(t, r.HasBreakEven)
		assertDecimal(t, wantBE[i], r.BreakEvenPips)
		assert.True(t, r.StopLossPrice.LessThan(r.PriceLevel))
	}
	assertDecimal(t, "1.09531", plan.Pending[0].StopLossPrice)

	total := plan.Market.DollarContribution
	for _, r := range plan.Pending {
		total = total.Add(r.DollarContribution)
	}
	assertDecimal(t, "500", total)
}

func TestPlanSellMirrorsBuy(t *testing.T) {
	snap := eurusdSnapshot(t, eurusdTerminal())
	plan, err := Plan(eurusdRisk(), snap, baseOptions(core.Sell))
	require.NoError(t, err)

	assert.Equal(t, int64(1002), plan.Magic)
	assertDecimal(t, "1.0899", plan.TakeProfitPrice)
	assertDecimal(t, "1.1099", plan.StopLossPrice)
	require.Len(t, plan.Pending, 3)
	for _, r := range plan.Pending {
		assert.True(t, r.PriceLevel.LessThan(snap.Bid))
		assert.True(t, r.StopLossPrice.GreaterThan(r.PriceLevel))
	}
}

func TestPlanWithoutBreakEvenStops(t *testing.T) {
	snap := eurusdSnapshot(t, eurusdTerminal())
	opts := baseOptions(core.Buy)
	opts.BreakEvenStops = false
	plan, err := Plan(eurusdRisk(), snap, opts)
	require.NoError(t, err)
	for _, r := range plan.Pending {
		assert.True(t, r.HasBreakEven)
		assert.True(t, r.StopLossPrice.IsZero())
	}
}

func TestPlanRedistributesRejectedLevel(t *testing.T) {
	snap := eurusdSnapshot(t, eurusdTerminal())
	plan, err := Plan(eurusdRisk("8", "30", "60", "90"), snap, baseOptions(core.Buy))
	require.NoError(t, err)

	require.Len(t, plan.Rejected, 1)
	assertDecimal(t, "8", plan.Rejected[0].DistancePips)
	require.Len(t, plan.Pending, 3)
	assert.Equal(t, []int{2, 3, 4}, []int{plan.Pending[0].Index, plan.Pending[1].Index, plan.Pending[2].Index})
	assertDecimal(t, "0.14", plan.Pending[2].LotSize)
	assertDecimal(t, "500", plan.PlannedGainDollars)
	assert.True(t, plan.Shortfall.IsZero())
}

func TestPlanShrinkReportsShortfall(t *testing.T) {
	snap := eurusdSnapshot(t, eurusdTerminal())
	opts := baseOptions(core.Buy)
	opts.RejectedLevels = Shrink
	plan, err := Plan(eurusdRisk("8", "30", "60", "90"), snap, opts)
	require.NoError(t, err)

	require.Len(t, plan.Pending, 3)
	for _, r := range plan.Pending {
		assertDecimal(t, "0.1", r.LotSize)
	}
	assertDecimal(t, "400", plan.PlannedGainDollars)
	assertDecimal(t, "100", plan.Shortfall)
}

func TestPlanAllLevelsRejectedKeepsMarketOrder(t *testing.T) {
	snap := eurusdSnapshot(t, eurusdTerminal())
	plan, err := Plan(eurusdRisk("5", "8"), snap, baseOptions(core.Buy))
	require.NoError(t, err)
	assert.Empty(t, plan.Pending)
	assert.Len(t, plan.Rejected, 2)
	assertDecimal(t, "0.1", plan.Market.LotSize)
	assertDecimal(t, "400", plan.Shortfall)
}

func TestPlanMonotonicPolicy(t *testing.T) {
	snap := eurusdSnapshot(t, eurusdTerminal())
	opts := baseOptions(core.Buy)
	opts.Solver = sizing.MonotonicStepped{}
	plan, err := Plan(eurusdRisk(), snap, opts)
	require.NoError(t, err)
	for _, r := range plan.Pending {
		assertDecimal(t, "0.13", r.LotSize)
	}
	assertDecimal(t, "10", plan.Shortfall)
}

func TestPlanDegenerateLadder(t *testing.T) {
	snap := eurusdSnapshot(t, eurusdTerminal())
	snap.SpreadPips = d("80")
	_, err := Plan(eurusdRisk(), snap, baseOptions(core.Buy))
	require.ErrorIs(t, err, core.ErrDegenerateLadder)
	var pe *core.PlanningError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, StageAllocate, pe.Stage)
	assert.Equal(t, core.Buy, pe.Side)
}

func TestPlanInsufficientGoal(t *testing.T) {
	snap := eurusdSnapshot(t, eurusdTerminal())
	cfg := eurusdRisk()
	cfg.TargetGainPercent = d("1")
	_, err := Plan(cfg, snap, baseOptions(core.Sell))
	require.ErrorIs(t, err, core.ErrInsufficientGoal)
	var pe *core.PlanningError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, StageSolve, pe.Stage)
}

func TestPlanRejectsBadInstrument(t *testing.T) {
	snap := eurusdSnapshot(t, eurusdTerminal())
	snap.PipValue = decimal.Zero
	_, err := Plan(eurusdRisk(), snap, baseOptions(core.Buy))
	require.ErrorIs(t, err, core.ErrInvalidInstrumentData)
}

func TestPlanZeroStopDistanceIsInvalidInstrumentData(t *testing.T) {
	snap := eurusdSnapshot(t, eurusdTerminal())
	for _, dist := range []string{"0", "-5"} {
		cfg := eurusdRisk()
		cfg.InitialStopDistancePips = d(dist)
		_, err := Plan(cfg, snap, baseOptions(core.Buy))
		require.ErrorIs(t, err, core.ErrInvalidInstrumentData, dist)
		assert.NotErrorIs(t, err, core.ErrNonPositiveDistance, dist)
		var pe *core.PlanningError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, StageRisk, pe.Stage)
	}
}

func TestPlanWorkedExampleLosesEarlyBreakEvens(t *testing.T) {
	term := paper.New(instrument.Spec{
		Symbol: "XAUUSD", Digits: 2, Point: d("0.01"), ContractSize: d("100"),
		VolumeMin: d("0.01"), VolumeMax: d("50"), VolumeStep: d("0.01"), TradeAllowed: true,
	}, instrument.Quote{Bid: d("2000.00"), Ask: d("2000.30")})
	snap, err := instrument.Fetch(context.Background(), term, "XAUUSD", 0)
	require.NoError(t, err)
	assertDecimal(t, "1", snap.PipValue)

	cfg := sizing.RiskConfig{
		AccountSize:             d("10000"),
		TargetGainPercent:       d("5"),
		InitialStopPercent:      d("1"),
		InitialStopDistancePips: d("300"),
		TakeProfitDistancePips:  d("1500"),
		TopUpPercentages:        decs("30", "60", "90"),
	}
	plan, err := Plan(cfg, snap, baseOptions(core.Buy))
	require.NoError(t, err)

	assertDecimal(t, "0.33", plan.Market.LotSize)
	require.Len(t, plan.Pending, 3)
	assert.False(t, plan.Pending[0].HasBreakEven)
	assert.False(t, plan.Pending[1].HasBreakEven)
	assert.True(t, plan.Pending[2].HasBreakEven)
	assert.True(t, plan.PlannedGainDollars.Sub(d("500")).Abs().LessThanOrEqual(d("0.01")))
}

func TestPlanSidesUsesDistinctMagics(t *testing.T) {
	snap := eurusdSnapshot(t, eurusdTerminal())
	plans, err := PlanSides(eurusdRisk(), snap, baseOptions(""), []core.Side{core.Buy, core.Sell})
	require.NoError(t, err)
	require.Len(t, plans, 2)
	assert.Equal(t, int64(1001), plans[0].Magic)
	assert.Equal(t, int64(1002), plans[1].Magic)
	assert.NotEqual(t, plans[0].LadderID, plans[1].LadderID)
}

func TestExecuteSubmitsBothLadders(t *testing.T) {
	term := eurusdTerminal()
	snap := eurusdSnapshot(t, term)
	plans, err := PlanSides(eurusdRisk(), snap, baseOptions(""), []core.Side{core.Buy, core.Sell})
	require.NoError(t, err)

	report := Execute(context.Background(), term, snap.Volume, plans)
	require.NoError(t, report.Err())
	require.Len(t, report.Ladders, 2)
	for _, l := range report.Ladders {
		assert.True(t, l.Anchored())
		assert.Len(t, l.PendingIDs(), 3)
	}

	positions, err := term.OpenPositions(context.Background(), "EURUSD")
	require.NoError(t, err)
	assert.Len(t, positions, 2)
	orders, err := term.PendingOrders(context.Background(), "EURUSD")
	require.NoError(t, err)
	assert.Len(t, orders, 6)
	tags := map[string]bool{}
	for _, o := range orders {
		tags[o.Tag] = true
	}
	assert.True(t, tags["tl:1001:3"])
	assert.True(t, tags["tl:1002:1"])
}

func TestExecuteSkipsRungsWhenAnchorFails(t *testing.T) {
	term := eurusdTerminal()
	snap := eurusdSnapshot(t, term)
	plans, err := PlanSides(eurusdRisk(), snap, baseOptions(""), []core.Side{core.Buy, core.Sell})
	require.NoError(t, err)

	term.RejectNext(core.OpSubmitMarket, core.RetCodeNoMoney)
	report := Execute(context.Background(), term, snap.Volume, plans)

	require.Len(t, report.Failures, 1)
	assert.Equal(t, 0, report.Failures[0].Rung)
	assert.Equal(t, core.OpSubmitMarket, report.Failures[0].Op)
	require.ErrorIs(t, report.Err(), core.ErrExecutionRejected)

	buy, sell := report.Ladders[0], report.Ladders[1]
	assert.False(t, buy.Anchored())
	assert.Equal(t, 3, buy.Skipped)
	assert.True(t, sell.Anchored())
	assert.Len(t, sell.Pending, 3)

	orders, err := term.PendingOrders(context.Background(), "EURUSD")
	require.NoError(t, err)
	assert.Len(t, orders, 3)
}

func TestExecuteContinuesPastRejectedRung(t *testing.T) {
	term := eurusdTerminal()
	snap := eurusdSnapshot(t, term)
	plan, err := Plan(eurusdRisk(), snap, baseOptions(core.Buy))
	require.NoError(t, err)

	term.RejectNext(core.OpSubmitPending, core.RetCodeInvalidStops)
	report := Execute(context.Background(), term, snap.Volume, []core.OrderPlan{plan})

	require.Len(t, report.Failures, 1)
	assert.Equal(t, 1, report.Failures[0].Rung)
	var execErr *core.ExecutionError
	require.True(t, errors.As(report.Err(), &execErr))
	assert.Equal(t, core.RetCodeInvalidStops, execErr.Code)

	require.Len(t, report.Ladders, 1)
	assert.Len(t, report.Ladders[0].Pending, 2)
	assert.Contains(t, report.Summary(), "pending=2/3")
}
