package monitor

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"topup-ladder/internal/core"
	"topup-ladder/internal/ladder"
)

// Lister is the read half of Gateway.
type Lister interface {
	OpenPositions(ctx context.Context, symbol string) ([]core.Position, error)
	PendingOrders(ctx context.Context, symbol string) ([]core.WorkingOrder, error)
}

// DiscoverSeed rebuilds ladder entries from what is live on the terminal:
// one entry per side whose magic shows up on a position or pending order.
// A side with stop orders but no anchor is seeded too, so the first poll
// cancels the orphans.
func DiscoverSeed(ctx context.Context, gw Lister, symbol string, magics map[core.Side]int64) ([]Entry, error) {
	positions, err := gw.OpenPositions(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("positions %s: %w", symbol, err)
	}
	orders, err := gw.PendingOrders(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("pending orders %s: %w", symbol, err)
	}

	sides := make([]core.Side, 0, len(magics))
	for side := range magics {
		sides = append(sides, side)
	}
	sort.Slice(sides, func(i, j int) bool { return sides[i] < sides[j] })

	var out []Entry
	for _, side := range sides {
		magic := magics[side]
		anchor := findAnchor(positions, side, magic)
		var pending []string
		for _, o := range orders {
			if o.Magic == magic {
				pending = append(pending, o.OrderID)
			}
		}
		if anchor == "" && len(pending) == 0 {
			continue
		}
		e := Entry{
			LadderID:     fmt.Sprintf("%d-%s", magic, uuid.NewString()[:8]),
			Symbol:       symbol,
			Side:         side,
			Magic:        magic,
			AnchorTicket: anchor,
			Pending:      pending,
			State:        core.LadderActive,
			MatchByMagic: true,
		}
		log.Info().Str("event", "ladder_discovered").Str("ladder", e.LadderID).Str("symbol", symbol).
			Str("side", string(side)).Int64("magic", magic).Str("anchor", anchor).Int("pending", len(pending)).
			Msg("seeded from terminal")
		out = append(out, e)
	}
	return out, nil
}

// findAnchor prefers the position tagged as rung 0 and falls back to the
// first listed position with the ladder's magic. Triggered top-up rungs
// share that magic and are never taken as the anchor.
func findAnchor(positions []core.Position, side core.Side, magic int64) string {
	tag := ladder.Tag(magic, 0)
	for _, p := range positions {
		if p.Tag == tag {
			return p.Ticket
		}
	}
	for _, p := range positions {
		if p.Magic == magic && p.Side == side && !ladder.IsTopUpTag(p.Tag) {
			return p.Ticket
		}
	}
	return ""
}
