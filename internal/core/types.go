package core

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

type OrderKind string

type LadderState string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

const (
	KindMarket   OrderKind = "MARKET"
	KindBuyStop  OrderKind = "BUY_STOP"
	KindSellStop OrderKind = "SELL_STOP"
)

const (
	LadderActive     LadderState = "ACTIVE"
	LadderAnchorLost LadderState = "ANCHOR_LOST"
	LadderRetired    LadderState = "RETIRED"
)

func (s Side) Valid() bool {
	return s == Buy || s == Sell
}

func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// StopKind is the pending order type that adds to a position on this side.
func (s Side) StopKind() OrderKind {
	if s == Sell {
		return KindSellStop
	}
	return KindBuyStop
}

// Rung is one order of a ladder. Index 0 is the market order.
type Rung struct {
	Index              int             `json:"index"`
	Side               Side            `json:"side"`
	Percent            decimal.Decimal `json:"percent,omitempty"`
	LotSize            decimal.Decimal `json:"lot_size"`
	PriceLevel         decimal.Decimal `json:"price_level,omitempty"`
	PipGain            decimal.Decimal `json:"pip_gain"`
	WeightedLot        decimal.Decimal `json:"weighted_lot,omitempty"`
	DollarContribution decimal.Decimal `json:"dollar_contribution"`
	BreakEvenPips      decimal.Decimal `json:"break_even_pips,omitempty"`
	HasBreakEven       bool            `json:"has_break_even"`
	StopLossPrice      decimal.Decimal `json:"stop_loss_price,omitempty"`
}

// LevelRejection reports a top-up level that sat too close to the reference price.
type LevelRejection struct {
	Index        int             `json:"index"`
	Percent      decimal.Decimal `json:"percent"`
	Level        decimal.Decimal `json:"level"`
	DistancePips decimal.Decimal `json:"distance_pips"`
	RequiredPips decimal.Decimal `json:"required_pips"`
}

// OrderPlan is the finalized ladder for one direction. It is not mutated after hand-off.
type OrderPlan struct {
	ID                 string           `json:"id"`
	Symbol             string           `json:"symbol"`
	Side               Side             `json:"side"`
	LadderID           string           `json:"ladder_id"`
	Magic              int64            `json:"magic"`
	Market             Rung             `json:"market"`
	Pending            []Rung           `json:"pending"`
	TakeProfitPrice    decimal.Decimal  `json:"take_profit_price"`
	StopLossPrice      decimal.Decimal  `json:"stop_loss_price"`
	TargetGainDollars  decimal.Decimal  `json:"target_gain_dollars"`
	PlannedGainDollars decimal.Decimal  `json:"planned_gain_dollars"`
	Shortfall          decimal.Decimal  `json:"shortfall,omitempty"`
	Rejected           []LevelRejection `json:"rejected,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
}

// Rungs returns the market rung followed by the pending rungs.
func (p OrderPlan) Rungs() []Rung {
	out := make([]Rung, 0, 1+len(p.Pending))
	out = append(out, p.Market)
	return append(out, p.Pending...)
}

type MarketOrder struct {
	Symbol          string
	Side            Side
	Volume          decimal.Decimal
	TakeProfitPrice decimal.Decimal
	StopLossPrice   decimal.Decimal
	Magic           int64
	Tag             string
}

type PendingOrder struct {
	Symbol          string
	Side            Side
	Volume          decimal.Decimal
	TriggerPrice    decimal.Decimal
	TakeProfitPrice decimal.Decimal
	StopLossPrice   decimal.Decimal
	Magic           int64
	Tag             string
}

// Receipt is the terminal's acknowledgement of an accepted request.
type Receipt struct {
	OrderID    string
	PositionID string
	Code       RetCode
	Volume     decimal.Decimal
	Price      decimal.Decimal
	Time       time.Time
}

type Position struct {
	Ticket    string
	Symbol    string
	Side      Side
	Volume    decimal.Decimal
	OpenPrice decimal.Decimal
	Magic     int64
	Tag       string
}

type WorkingOrder struct {
	OrderID      string
	Symbol       string
	Kind         OrderKind
	Volume       decimal.Decimal
	TriggerPrice decimal.Decimal
	Magic        int64
	Tag          string
}
