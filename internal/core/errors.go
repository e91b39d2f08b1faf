package core

import (
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrInvalidInstrumentData indicates a zero or negative pip value, point size or distance.
	ErrInvalidInstrumentData = errors.New("invalid instrument data")
	// ErrDegenerateLadder indicates spread consumes a rung's entire net distance.
	ErrDegenerateLadder = errors.New("degenerate ladder")
	// ErrInsufficientGoal indicates the market order alone already meets the goal.
	ErrInsufficientGoal = errors.New("insufficient goal")
	// ErrNonPositiveDistance indicates a take-profit distance <= 0.
	ErrNonPositiveDistance = errors.New("non-positive distance")
	// ErrZeroLotSize indicates a break-even was requested for a rung with no volume.
	ErrZeroLotSize = errors.New("zero lot size")
	// ErrSymbolUnavailable indicates the terminal could not describe or quote the symbol.
	ErrSymbolUnavailable = errors.New("symbol unavailable")
	// ErrExecutionRejected indicates the terminal refused a market or pending order.
	ErrExecutionRejected = errors.New("execution rejected")
	// ErrCancelRejected indicates the terminal refused to cancel a pending order.
	ErrCancelRejected = errors.New("cancel rejected")
	// ErrOrderNotFound indicates the order does not exist on the terminal anymore.
	ErrOrderNotFound = errors.New("order not found")
)

// RetCode is a trade server return code.
type RetCode int

const (
	RetCodeNone           RetCode = 0
	RetCodeRequote        RetCode = 10004
	RetCodeReject         RetCode = 10006
	RetCodeCanceled       RetCode = 10007
	RetCodePlaced         RetCode = 10008
	RetCodeDone           RetCode = 10009
	RetCodeDonePartial    RetCode = 10010
	RetCodeError          RetCode = 10011
	RetCodeTimeout        RetCode = 10012
	RetCodeInvalid        RetCode = 10013
	RetCodeInvalidVolume  RetCode = 10014
	RetCodeInvalidPrice   RetCode = 10015
	RetCodeInvalidStops   RetCode = 10016
	RetCodeTradeDisabled  RetCode = 10017
	RetCodeMarketClosed   RetCode = 10018
	RetCodeNoMoney        RetCode = 10019
	RetCodePriceChanged   RetCode = 10020
	RetCodePriceOff       RetCode = 10021
	RetCodeTooMany        RetCode = 10024
	RetCodeAutoTradingOff RetCode = 10027
	RetCodeConnection     RetCode = 10031
)

var retCodeNames = map[RetCode]string{
	RetCodeNone:           "none",
	RetCodeRequote:        "requote",
	RetCodeReject:         "reject",
	RetCodeCanceled:       "canceled",
	RetCodePlaced:         "placed",
	RetCodeDone:           "done",
	RetCodeDonePartial:    "done_partial",
	RetCodeError:          "error",
	RetCodeTimeout:        "timeout",
	RetCodeInvalid:        "invalid",
	RetCodeInvalidVolume:  "invalid_volume",
	RetCodeInvalidPrice:   "invalid_price",
	RetCodeInvalidStops:   "invalid_stops",
	RetCodeTradeDisabled:  "trade_disabled",
	RetCodeMarketClosed:   "market_closed",
	RetCodeNoMoney:        "no_money",
	RetCodePriceChanged:   "price_changed",
	RetCodePriceOff:       "price_off",
	RetCodeTooMany:        "too_many_requests",
	RetCodeAutoTradingOff: "autotrading_disabled",
	RetCodeConnection:     "no_connection",
}

func (c RetCode) String() string {
	if name, ok := retCodeNames[c]; ok {
		return name
	}
	return "retcode_" + strconv.Itoa(int(c))
}

// Accepted reports whether the code means the request went through.
func (c RetCode) Accepted() bool {
	return c == RetCodeDone || c == RetCodePlaced || c == RetCodeDonePartial
}

// Transient reports whether repeating the same request may succeed.
func (c RetCode) Transient() bool {
	switch c {
	case RetCodeRequote, RetCodeTimeout, RetCodePriceChanged, RetCodePriceOff, RetCodeTooMany, RetCodeConnection:
		return true
	}
	return false
}

type ExecOp string

const (
	OpSubmitMarket  ExecOp = "submit_market"
	OpSubmitPending ExecOp = "submit_pending"
	OpCancel        ExecOp = "cancel"
)

// ExecutionError is a gateway-reported refusal.
type ExecutionError struct {
	Op      ExecOp
	Code    RetCode
	Msg     string
	OrderID string
}

func (e *ExecutionError) Error() string {
	msg := fmt.Sprintf("%s rejected: code=%d (%s)", e.Op, int(e.Code), e.Code)
	if e.OrderID != "" {
		msg += " order=" + e.OrderID
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	return msg
}

func (e *ExecutionError) Is(target error) bool {
	switch target {
	case ErrCancelRejected:
		return e.Op == OpCancel
	case ErrExecutionRejected:
		return e.Op == OpSubmitMarket || e.Op == OpSubmitPending
	}
	return false
}

// PlanningError wraps a sizing or validation failure with the stage that raised it.
type PlanningError struct {
	Stage string
	Side  Side
	Err   error
}

func (e *PlanningError) Error() string {
	if e.Side != "" {
		return fmt.Sprintf("plan %s: %s: %v", e.Side, e.Stage, e.Err)
	}
	return fmt.Sprintf("plan: %s: %v", e.Stage, e.Err)
}

func (e *PlanningError) Unwrap() error { return e.Err }
