package ladder

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"topup-ladder/internal/core"
	"topup-ladder/internal/metrics"
)

// Submitter is the order-entry half of the gateway.
type Submitter interface {
	SubmitMarketOrder(ctx context.Context, order core.MarketOrder) (core.Receipt, error)
	SubmitPendingOrder(ctx context.Context, order core.PendingOrder) (core.Receipt, error)
}

// Failure is one rung that did not make it onto the terminal.
type Failure struct {
	LadderID string
	Side     core.Side
	Rung     int
	Op       core.ExecOp
	Err      error
}

func (f Failure) Error() string {
	return fmt.Sprintf("ladder %s %s rung %d: %v", f.LadderID, f.Side, f.Rung, f.Err)
}

func (f Failure) Unwrap() error { return f.Err }

// Submitted records one accepted rung.
type Submitted struct {
	Rung    int
	OrderID string
	Volume  decimal.Decimal
}

// LadderResult is what reached the terminal for one plan.
type LadderResult struct {
	Plan         core.OrderPlan
	AnchorTicket string
	Pending      []Submitted
	// Skipped counts pending rungs not sent because the anchor failed.
	Skipped int
}

// Anchored reports whether the market order was accepted.
func (r LadderResult) Anchored() bool { return r.AnchorTicket != "" }

// PendingIDs lists the accepted pending order ids.
func (r LadderResult) PendingIDs() []string {
	out := make([]string, 0, len(r.Pending))
	for _, s := range r.Pending {
		out = append(out, s.OrderID)
	}
	return out
}

type ExecutionReport struct {
	Ladders  []LadderResult
	Failures []Failure
}

// Err joins every failure, or returns nil when all rungs were accepted.
func (r ExecutionReport) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	errs := make([]error, len(r.Failures))
	for i, f := range r.Failures {
		errs[i] = f
	}
	return errors.Join(errs...)
}

// Summary is a one-line description for logs and alerts.
func (r ExecutionReport) Summary() string {
	var b strings.Builder
	for i, l := range r.Ladders {
		if i > 0 {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "%s %s anchor=%t pending=%d/%d", l.Plan.Side, l.Plan.LadderID, l.Anchored(), len(l.Pending), len(l.Plan.Pending))
	}
	if len(r.Failures) > 0 {
		fmt.Fprintf(&b, "; failures=%d", len(r.Failures))
	}
	return b.String()
}

// Execute submits each plan's market order and then its pending rungs, one
// at a time. A failed rung is recorded and the rest continue, except that a
// ladder whose market order fails gets no pending rungs.
func Execute(ctx context.Context, sub Submitter, volume core.VolumeRules, plans []core.OrderPlan) ExecutionReport {
	var report ExecutionReport
	for _, plan := range plans {
		result := LadderResult{Plan: plan}
		fail := func(rung int, op core.ExecOp, err error) {
			f := Failure{LadderID: plan.LadderID, Side: plan.Side, Rung: rung, Op: op, Err: err}
			report.Failures = append(report.Failures, f)
			log.Warn().Err(err).Str("event", "rung_failed").Str("ladder", plan.LadderID).
				Str("side", string(plan.Side)).Int("rung", rung).Str("op", string(op)).Msg("rung not submitted")
		}

		anchor, err := submitMarket(ctx, sub, volume, plan)
		metrics.ObserveOrder(string(plan.Side), string(core.KindMarket), err)
		if err != nil {
			fail(0, core.OpSubmitMarket, err)
			result.Skipped = len(plan.Pending)
			report.Ladders = append(report.Ladders, result)
			continue
		}
		result.AnchorTicket = anchor
		log.Info().Str("event", "anchor_placed").Str("ladder", plan.LadderID).Str("side", string(plan.Side)).
			Str("ticket", anchor).Str("lot", plan.Market.LotSize.String()).Msg("market order accepted")

		for _, rung := range plan.Pending {
			if err := ctx.Err(); err != nil {
				fail(rung.Index, core.OpSubmitPending, err)
				continue
			}
			placed, err := submitPending(ctx, sub, volume, plan, rung)
			metrics.ObserveOrder(string(plan.Side), string(plan.Side.StopKind()), err)
			if err != nil {
				fail(rung.Index, core.OpSubmitPending, err)
				continue
			}
			result.Pending = append(result.Pending, placed)
		}
		report.Ladders = append(report.Ladders, result)
	}
	return report
}

func submitMarket(ctx context.Context, sub Submitter, volume core.VolumeRules, plan core.OrderPlan) (string, error) {
	lot, err := core.NormalizeVolume(plan.Market.LotSize, volume)
	if err != nil {
		return "", fmt.Errorf("normalize %s lots: %w", plan.Market.LotSize, err)
	}
	receipt, err := sub.SubmitMarketOrder(ctx, core.MarketOrder{
		Symbol:          plan.Symbol,
		Side:            plan.Side,
		Volume:          lot,
		TakeProfitPrice: plan.TakeProfitPrice,
		StopLossPrice:   plan.StopLossPrice,
		Magic:           plan.Magic,
		Tag:             Tag(plan.Magic, 0),
	})
	if err != nil {
		return "", err
	}
	if receipt.PositionID != "" {
		return receipt.PositionID, nil
	}
	if receipt.OrderID == "" {
		return "", &core.ExecutionError{Op: core.OpSubmitMarket, Code: receipt.Code, Msg: "no ticket in receipt"}
	}
	return receipt.OrderID, nil
}

func submitPending(ctx context.Context, sub Submitter, volume core.VolumeRules, plan core.OrderPlan, rung core.Rung) (Submitted, error) {
	lot, err := core.NormalizeVolume(rung.LotSize, volume)
	if err != nil {
		return Submitted{}, fmt.Errorf("normalize %s lots: %w", rung.LotSize, err)
	}
	receipt, err := sub.SubmitPendingOrder(ctx, core.PendingOrder{
		Symbol:          plan.Symbol,
		Side:            plan.Side,
		Volume:          lot,
		TriggerPrice:    rung.PriceLevel,
		TakeProfitPrice: plan.TakeProfitPrice,
		StopLossPrice:   rung.StopLossPrice,
		Magic:           plan.Magic,
		Tag:             Tag(plan.Magic, rung.Index),
	})
	if err != nil {
		return Submitted{}, err
	}
	if receipt.OrderID == "" {
		return Submitted{}, &core.ExecutionError{Op: core.OpSubmitPending, Code: receipt.Code, Msg: "no order id in receipt"}
	}
	return Submitted{Rung: rung.Index, OrderID: receipt.OrderID, Volume: lot}, nil
}
