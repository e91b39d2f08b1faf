package bridge

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"topup-ladder/internal/core"
	"topup-ladder/internal/instrument"
)

type apiError struct {
	Error   string `json:"error"`
	RetCode int    `json:"retcode"`
}

// APIError is a non-2xx answer from the bridge.
type APIError struct {
	Status int
	Code   core.RetCode
	Msg    string
}

func (e APIError) Error() string {
	msg := "bridge http " + strconv.Itoa(e.Status)
	if e.Code != core.RetCodeNone {
		msg += " retcode " + strconv.Itoa(int(e.Code)) + " (" + e.Code.String() + ")"
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	return msg
}

type symbolResponse struct {
	Symbol       string          `json:"symbol"`
	Digits       int             `json:"digits"`
	Point        decimal.Decimal `json:"point"`
	ContractSize decimal.Decimal `json:"contract_size"`
	StopsLevel   int64           `json:"stops_level"`
	VolumeMin    decimal.Decimal `json:"volume_min"`
	VolumeMax    decimal.Decimal `json:"volume_max"`
	VolumeStep   decimal.Decimal `json:"volume_step"`
	TradeAllowed bool            `json:"trade_allowed"`
}

func (r symbolResponse) spec() instrument.Spec {
	return instrument.Spec{
		Symbol:           r.Symbol,
		Digits:           r.Digits,
		Point:            r.Point,
		ContractSize:     r.ContractSize,
		StopsLevelPoints: r.StopsLevel,
		VolumeMin:        r.VolumeMin,
		VolumeMax:        r.VolumeMax,
		VolumeStep:       r.VolumeStep,
		TradeAllowed:     r.TradeAllowed,
	}
}

type tickResponse struct {
	Bid    decimal.Decimal `json:"bid"`
	Ask    decimal.Decimal `json:"ask"`
	TimeMs int64           `json:"time_msc"`
}

type orderRequest struct {
	Symbol    string          `json:"symbol"`
	Type      string          `json:"type"`
	Volume    decimal.Decimal `json:"volume"`
	Price     decimal.Decimal `json:"price"`
	TP        decimal.Decimal `json:"tp"`
	SL        decimal.Decimal `json:"sl"`
	Deviation int64           `json:"deviation,omitempty"`
	Magic     int64           `json:"magic"`
	Comment   string          `json:"comment"`
}

type tradeResult struct {
	RetCode  int             `json:"retcode"`
	Comment  string          `json:"comment"`
	Order    int64           `json:"order"`
	Position int64           `json:"position"`
	Volume   decimal.Decimal `json:"volume"`
	Price    decimal.Decimal `json:"price"`
	TimeMs   int64           `json:"time_msc"`
}

func (r tradeResult) receipt() core.Receipt {
	out := core.Receipt{
		Code:   core.RetCode(r.RetCode),
		Volume: r.Volume,
		Price:  r.Price,
	}
	if r.Order > 0 {
		out.OrderID = strconv.FormatInt(r.Order, 10)
	}
	if r.Position > 0 {
		out.PositionID = strconv.FormatInt(r.Position, 10)
	}
	if r.TimeMs > 0 {
		out.Time = time.UnixMilli(r.TimeMs)
	}
	return out
}

type positionResponse struct {
	Ticket    int64           `json:"ticket"`
	Symbol    string          `json:"symbol"`
	Type      string          `json:"type"`
	Volume    decimal.Decimal `json:"volume"`
	PriceOpen decimal.Decimal `json:"price_open"`
	Magic     int64           `json:"magic"`
	Comment   string          `json:"comment"`
}

type orderResponse struct {
	Ticket    int64           `json:"ticket"`
	Symbol    string          `json:"symbol"`
	Type      string          `json:"type"`
	Volume    decimal.Decimal `json:"volume_current"`
	PriceOpen decimal.Decimal `json:"price_open"`
	Magic     int64           `json:"magic"`
	Comment   string          `json:"comment"`
}

// Event is one trade notification from the bridge's event stream.
type Event struct {
	Type   string `json:"type"`
	Symbol string `json:"symbol"`
	Ticket int64  `json:"ticket"`
	Magic  int64  `json:"magic"`
	TimeMs int64  `json:"time_msc"`
}

func orderKind(t string) core.OrderKind {
	switch t {
	case "BUY_STOP":
		return core.KindBuyStop
	case "SELL_STOP":
		return core.KindSellStop
	}
	return core.OrderKind(t)
}
