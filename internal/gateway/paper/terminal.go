// Package paper is an in-memory trading terminal: market orders fill at the
// quote, stop orders trigger as the quote crosses them, and positions close
// at their take-profit or stop-loss.
package paper

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"topup-ladder/internal/core"
	"topup-ladder/internal/instrument"
)

var ErrUnknownSymbol = errors.New("unknown symbol")

type position struct {
	core.Position
	TakeProfit decimal.Decimal
	StopLoss   decimal.Decimal
	OpenedAt   time.Time
}

type order struct {
	core.WorkingOrder
	Side       core.Side
	TakeProfit decimal.Decimal
	StopLoss   decimal.Decimal
}

// Event is something the terminal did on its own while matching a quote.
type Event struct {
	Kind   string // triggered | closed
	Ticket string
	Side   core.Side
	Price  decimal.Decimal
	Reason string // take_profit | stop_loss for closes
	PnL    decimal.Decimal
	Time   time.Time
}

type Terminal struct {
	mu        sync.Mutex
	spec      instrument.Spec
	quote     instrument.Quote
	positions map[string]*position
	orders    map[string]*order
	realized  decimal.Decimal
	rejects   map[core.ExecOp][]core.RetCode
	subs      []chan struct{}
}

func New(spec instrument.Spec, quote instrument.Quote) *Terminal {
	if quote.Time.IsZero() {
		quote.Time = time.Now()
	}
	return &Terminal{
		spec:      spec,
		quote:     quote,
		positions: make(map[string]*position),
		orders:    make(map[string]*order),
		realized:  decimal.Zero,
		rejects:   make(map[core.ExecOp][]core.RetCode),
	}
}

func (t *Terminal) Name() string { return "paper" }

// RejectNext makes the next request of kind op fail with code.
func (t *Terminal) RejectNext(op core.ExecOp, code core.RetCode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rejects[op] = append(t.rejects[op], code)
}

// Subscribe returns a channel that receives a signal whenever the book
// changes without a request, e.g. a stop triggering or a position closing.
func (t *Terminal) Subscribe() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan struct{}, 1)
	t.subs = append(t.subs, ch)
	return ch
}

func (t *Terminal) SymbolInfo(ctx context.Context, symbol string) (instrument.Spec, error) {
	if err := t.checkSymbol(symbol); err != nil {
		return instrument.Spec{}, err
	}
	return t.spec, nil
}

func (t *Terminal) Tick(ctx context.Context, symbol string) (instrument.Quote, error) {
	if err := t.checkSymbol(symbol); err != nil {
		return instrument.Quote{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.quote, nil
}

func (t *Terminal) SubmitMarketOrder(ctx context.Context, req core.MarketOrder) (core.Receipt, error) {
	if err := t.checkSymbol(req.Symbol); err != nil {
		return core.Receipt{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if code, ok := t.popReject(core.OpSubmitMarket); ok {
		return core.Receipt{}, &core.ExecutionError{Op: core.OpSubmitMarket, Code: code, Msg: "injected"}
	}
	if err := t.checkVolume(core.OpSubmitMarket, req.Volume); err != nil {
		return core.Receipt{}, err
	}
	if !req.Side.Valid() {
		return core.Receipt{}, &core.ExecutionError{Op: core.OpSubmitMarket, Code: core.RetCodeInvalid, Msg: "side " + string(req.Side)}
	}
	price := t.fillPrice(req.Side)
	if err := t.checkStops(core.OpSubmitMarket, req.Side, price, req.TakeProfitPrice, req.StopLossPrice); err != nil {
		return core.Receipt{}, err
	}
	ticket := uuid.NewString()
	t.positions[ticket] = &position{
		Position: core.Position{
			Ticket:    ticket,
			Symbol:    req.Symbol,
			Side:      req.Side,
			Volume:    req.Volume,
			OpenPrice: price,
			Magic:     req.Magic,
			Tag:       req.Tag,
		},
		TakeProfit: req.TakeProfitPrice,
		StopLoss:   req.StopLossPrice,
		OpenedAt:   t.quote.Time,
	}
	return core.Receipt{
		OrderID:    ticket,
		PositionID: ticket,
		Code:       core.RetCodeDone,
		Volume:     req.Volume,
		Price:      price,
		Time:       t.quote.Time,
	}, nil
}

func (t *Terminal) SubmitPendingOrder(ctx context.Context, req core.PendingOrder) (core.Receipt, error) {
	if err := t.checkSymbol(req.Symbol); err != nil {
		return core.Receipt{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if code, ok := t.popReject(core.OpSubmitPending); ok {
		return core.Receipt{}, &core.ExecutionError{Op: core.OpSubmitPending, Code: code, Msg: "injected"}
	}
	if err := t.checkVolume(core.OpSubmitPending, req.Volume); err != nil {
		return core.Receipt{}, err
	}
	if !req.Side.Valid() {
		return core.Receipt{}, &core.ExecutionError{Op: core.OpSubmitPending, Code: core.RetCodeInvalid, Msg: "side " + string(req.Side)}
	}
	ref := t.fillPrice(req.Side)
	minDist := t.spec.Point.Mul(decimal.NewFromInt(t.spec.StopsLevelPoints))
	dist := req.TriggerPrice.Sub(ref)
	if req.Side == core.Sell {
		dist = ref.Sub(req.TriggerPrice)
	}
	if dist.Cmp(decimal.Zero) <= 0 || dist.Cmp(minDist) < 0 {
		return core.Receipt{}, &core.ExecutionError{
			Op:   core.OpSubmitPending,
			Code: core.RetCodeInvalidPrice,
			Msg:  fmt.Sprintf("trigger %s within %s of %s", req.TriggerPrice, minDist, ref),
		}
	}
	if err := t.checkStops(core.OpSubmitPending, req.Side, req.TriggerPrice, req.TakeProfitPrice, req.StopLossPrice); err != nil {
		return core.Receipt{}, err
	}
	id := uuid.NewString()
	t.orders[id] = &order{
		WorkingOrder: core.WorkingOrder{
			OrderID:      id,
			Symbol:       req.Symbol,
			Kind:         req.Side.StopKind(),
			Volume:       req.Volume,
			TriggerPrice: req.TriggerPrice,
			Magic:        req.Magic,
			Tag:          req.Tag,
		},
		Side:       req.Side,
		TakeProfit: req.TakeProfitPrice,
		StopLoss:   req.StopLossPrice,
	}
	return core.Receipt{
		OrderID: id,
		Code:    core.RetCodePlaced,
		Volume:  req.Volume,
		Price:   req.TriggerPrice,
		Time:    t.quote.Time,
	}, nil
}

func (t *Terminal) CancelPendingOrder(ctx context.Context, orderID, tag string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if code, ok := t.popReject(core.OpCancel); ok {
		return &core.ExecutionError{Op: core.OpCancel, Code: code, OrderID: orderID, Msg: "injected"}
	}
	if _, ok := t.orders[orderID]; !ok {
		return fmt.Errorf("%w: %s", core.ErrOrderNotFound, orderID)
	}
	delete(t.orders, orderID)
	return nil
}

func (t *Terminal) OpenPositions(ctx context.Context, symbol string) ([]core.Position, error) {
	if err := t.checkSymbol(symbol); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]core.Position, 0, len(t.positions))
	for _, p := range t.positions {
		out = append(out, p.Position)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tag < out[j].Tag || (out[i].Tag == out[j].Tag && out[i].Ticket < out[j].Ticket) })
	return out, nil
}

func (t *Terminal) PendingOrders(ctx context.Context, symbol string) ([]core.WorkingOrder, error) {
	if err := t.checkSymbol(symbol); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]core.WorkingOrder, 0, len(t.orders))
	for _, o := range t.orders {
		out = append(out, o.WorkingOrder)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tag < out[j].Tag || (out[i].Tag == out[j].Tag && out[i].OrderID < out[j].OrderID) })
	return out, nil
}

// ClosePosition closes a position at the current quote, as a trader or an
// external stop would.
func (t *Terminal) ClosePosition(ticket string) error {
	t.mu.Lock()
	p, ok := t.positions[ticket]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: position %s", core.ErrOrderNotFound, ticket)
	}
	t.closeLocked(p, t.closePrice(p.Side), "manual")
	t.mu.Unlock()
	t.notify()
	return nil
}

// Realized is the profit booked by closed positions, in account currency.
func (t *Terminal) Realized() decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.realized
}

// SetQuote moves the market, triggers stop orders the new quote crosses and
// closes positions whose take-profit or stop-loss it reaches.
func (t *Terminal) SetQuote(bid, ask decimal.Decimal, ts time.Time) []Event {
	t.mu.Lock()
	t.quote = instrument.Quote{Bid: bid, Ask: ask, Time: ts}
	events := make([]Event, 0)

	ids := make([]string, 0, len(t.orders))
	for id := range t.orders {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		o := t.orders[id]
		if !shouldTrigger(o, bid, ask) {
			continue
		}
		delete(t.orders, id)
		t.positions[id] = &position{
			Position: core.Position{
				Ticket:    id,
				Symbol:    o.Symbol,
				Side:      o.Side,
				Volume:    o.Volume,
				OpenPrice: o.TriggerPrice,
				Magic:     o.Magic,
				Tag:       o.Tag,
			},
			TakeProfit: o.TakeProfit,
			StopLoss:   o.StopLoss,
			OpenedAt:   ts,
		}
		events = append(events, Event{Kind: "triggered", Ticket: id, Side: o.Side, Price: o.TriggerPrice, Time: ts})
	}

	tickets := make([]string, 0, len(t.positions))
	for id := range t.positions {
		tickets = append(tickets, id)
	}
	sort.Strings(tickets)
	for _, id := range tickets {
		p := t.positions[id]
		reason, ok := exitReason(p, bid, ask)
		if !ok {
			continue
		}
		price := p.TakeProfit
		if reason == "stop_loss" {
			price = p.StopLoss
		}
		pnl := t.closeLocked(p, price, reason)
		events = append(events, Event{Kind: "closed", Ticket: id, Side: p.Side, Price: price, Reason: reason, PnL: pnl, Time: ts})
	}
	t.mu.Unlock()
	if len(events) > 0 {
		t.notify()
	}
	return events
}

func (t *Terminal) closeLocked(p *position, price decimal.Decimal, reason string) decimal.Decimal {
	move := price.Sub(p.OpenPrice)
	if p.Side == core.Sell {
		move = p.OpenPrice.Sub(price)
	}
	pnl := move.Mul(p.Volume).Mul(t.spec.ContractSize)
	t.realized = t.realized.Add(pnl)
	delete(t.positions, p.Ticket)
	return pnl
}

func (t *Terminal) notify() {
	t.mu.Lock()
	subs := append([]chan struct{}(nil), t.subs...)
	t.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (t *Terminal) checkSymbol(symbol string) error {
	if symbol != t.spec.Symbol {
		return fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	return nil
}

func (t *Terminal) popReject(op core.ExecOp) (core.RetCode, bool) {
	queue := t.rejects[op]
	if len(queue) == 0 {
		return 0, false
	}
	t.rejects[op] = queue[1:]
	return queue[0], true
}

func (t *Terminal) checkVolume(op core.ExecOp, volume decimal.Decimal) error {
	rules := core.VolumeRules{Min: t.spec.VolumeMin, Max: t.spec.VolumeMax, Step: t.spec.VolumeStep}
	normalized, err := core.NormalizeVolume(volume, rules)
	if err != nil || !normalized.Equal(volume) {
		return &core.ExecutionError{Op: op, Code: core.RetCodeInvalidVolume, Msg: "volume " + volume.String()}
	}
	return nil
}

// checkStops requires TP on the profit side and SL on the loss side of entry.
func (t *Terminal) checkStops(op core.ExecOp, side core.Side, entry, tp, sl decimal.Decimal) error {
	bad := false
	if tp.Cmp(decimal.Zero) > 0 {
		if side == core.Buy {
			bad = tp.Cmp(entry) <= 0
		} else {
			bad = tp.Cmp(entry) >= 0
		}
	}
	if !bad && sl.Cmp(decimal.Zero) > 0 {
		if side == core.Buy {
			bad = sl.Cmp(entry) >= 0
		} else {
			bad = sl.Cmp(entry) <= 0
		}
	}
	if bad {
		return &core.ExecutionError{Op: op, Code: core.RetCodeInvalidStops, Msg: fmt.Sprintf("entry %s tp %s sl %s", entry, tp, sl)}
	}
	return nil
}

func (t *Terminal) fillPrice(side core.Side) decimal.Decimal {
	if side == core.Sell {
		return t.quote.Bid
	}
	return t.quote.Ask
}

func (t *Terminal) closePrice(side core.Side) decimal.Decimal {
	if side == core.Sell {
		return t.quote.Ask
	}
	return t.quote.Bid
}

func shouldTrigger(o *order, bid, ask decimal.Decimal) bool {
	switch o.Kind {
	case core.KindBuyStop:
		return ask.Cmp(o.TriggerPrice) >= 0
	case core.KindSellStop:
		return bid.Cmp(o.TriggerPrice) <= 0
	default:
		return false
	}
}

func exitReason(p *position, bid, ask decimal.Decimal) (string, bool) {
	hasTP := p.TakeProfit.Cmp(decimal.Zero) > 0
	hasSL := p.StopLoss.Cmp(decimal.Zero) > 0
	if p.Side == core.Buy {
		if hasTP && bid.Cmp(p.TakeProfit) >= 0 {
			return "take_profit", true
		}
		if hasSL && bid.Cmp(p.StopLoss) <= 0 {
			return "stop_loss", true
		}
		return "", false
	}
	if hasTP && ask.Cmp(p.TakeProfit) <= 0 {
		return "take_profit", true
	}
	if hasSL && ask.Cmp(p.StopLoss) >= 0 {
		return "stop_loss", true
	}
	return "", false
}

// Watch streams book-change signals. The paper terminal never disconnects,
// so the error channel is nil.
func (t *Terminal) Watch(ctx context.Context, symbol string) (<-chan struct{}, <-chan error, error) {
	if err := t.checkSymbol(symbol); err != nil {
		return nil, nil, err
	}
	return t.Subscribe(), nil, nil
}
