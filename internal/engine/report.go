package engine

import (
	"fmt"
	"io"
	"text/tabwriter"

	"topup-ladder/internal/core"
	"topup-ladder/internal/instrument"
)

// PrintPlans writes a human-readable table per ladder for confirmation.
func PrintPlans(w io.Writer, snap instrument.Snapshot, plans []core.OrderPlan) error {
	if _, err := fmt.Fprintf(w, "%s bid=%s ask=%s spread=%s pips pip_value=%s\n",
		snap.Symbol, snap.Bid, snap.Ask, snap.SpreadPips.StringFixed(1), snap.PipValue); err != nil {
		return err
	}
	for _, plan := range plans {
		if _, err := fmt.Fprintf(w, "\n%s ladder %s magic=%d tp=%s sl=%s target=$%s planned=$%s\n",
			plan.Side, plan.LadderID, plan.Magic, plan.TakeProfitPrice, plan.StopLossPrice,
			plan.TargetGainDollars.StringFixed(2), plan.PlannedGainDollars.StringFixed(2)); err != nil {
			return err
		}
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "RUNG\tLEVEL%\tPRICE\tLOT\tPIP GAIN\tCONTRIB $\tBREAK-EVEN\tSTOP")
		for _, r := range plan.Rungs() {
			price := "market"
			pct := "-"
			if r.Index > 0 {
				price = r.PriceLevel.String()
				pct = r.Percent.String()
			}
			be := "-"
			if r.HasBreakEven {
				be = r.BreakEvenPips.StringFixed(1)
			}
			stop := "-"
			if !r.StopLossPrice.IsZero() {
				stop = r.StopLossPrice.String()
			}
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				r.Index, pct, price, r.LotSize, r.PipGain.StringFixed(1), r.DollarContribution.StringFixed(2), be, stop)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		for _, rej := range plan.Rejected {
			fmt.Fprintf(w, "  rejected level %s%% at %s: %s pips from price, need %s\n",
				rej.Percent, rej.Level, rej.DistancePips.StringFixed(1), rej.RequiredPips.StringFixed(1))
		}
		if !plan.Shortfall.IsZero() {
			fmt.Fprintf(w, "  shortfall $%s against target\n", plan.Shortfall.StringFixed(2))
		}
	}
	return nil
}
