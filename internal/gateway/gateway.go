package gateway

import (
	"context"

	"topup-ladder/internal/core"
	"topup-ladder/internal/instrument"
)

// Gateway is the trading terminal as seen by the planner, the executor and
// the ladder monitor.
type Gateway interface {
	instrument.Source
	Name() string
	SubmitMarketOrder(ctx context.Context, order core.MarketOrder) (core.Receipt, error)
	SubmitPendingOrder(ctx context.Context, order core.PendingOrder) (core.Receipt, error)
	// CancelPendingOrder returns an error matching core.ErrOrderNotFound when
	// the order is already gone.
	CancelPendingOrder(ctx context.Context, orderID, tag string) error
	OpenPositions(ctx context.Context, symbol string) ([]core.Position, error)
	PendingOrders(ctx context.Context, symbol string) ([]core.WorkingOrder, error)
}
