package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarketType selects which Binance venue an order belongs to.
type MarketType string

const (
	MarketSpot    MarketType = "spot"
	MarketFutures MarketType = "futures"
)

// OrderStatus is the lifecycle state of an entry order.
// Filled and Cancelled are terminal.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// TradeDirection is the side of a futures position.
type TradeDirection string

const (
	DirectionLong  TradeDirection = "long"
	DirectionShort TradeDirection = "short"
)

// ExitStatus is the state of an exit sub-entity (TP, SL, partial, trailing).
type ExitStatus string

const (
	ExitStatusPending   ExitStatus = "pending"
	ExitStatusTriggered ExitStatus = "triggered"
	ExitStatusCancelled ExitStatus = "cancelled"
	ExitStatusExpired   ExitStatus = "expired"
)

// TakeProfit is a single full take-profit target attached to a filled order.
type TakeProfit struct {
	Price       decimal.Decimal
	Percentage  float64
	Status      ExitStatus
	TriggeredAt *time.Time
}

// StopLoss is a single stop-loss attached to a filled order.
type StopLoss struct {
	Price       decimal.Decimal
	Percentage  float64
	Status      ExitStatus
	TriggeredAt *time.Time
}

// PartialTakeProfit is one rung of the partial take-profit ladder. Each rung
// closes PositionPct percent of the position when ProfitPct profit is
// reached.
type PartialTakeProfit struct {
	Level       int
	Price       decimal.Decimal
	PositionPct float64
	ProfitPct   float64
	Status      ExitStatus
	TriggeredAt *time.Time
}

// TrailingStopLoss ratchets a stop price behind the best price seen since
// activation. CurrentStop only ever tightens: it is recomputed from
// ExtremePrice and CallbackRate, never loosened.
type TrailingStopLoss struct {
	ActivationPct float64
	CallbackRate  float64
	Activation    decimal.Decimal
	CurrentStop   decimal.Decimal
	ExtremePrice  decimal.Decimal
	Status        ExitStatus
	ActivatedAt   *time.Time
	TriggeredAt   *time.Time
}

// Activated reports whether the trailing stop has started ratcheting.
func (t *TrailingStopLoss) Activated() bool {
	return t.ActivatedAt != nil
}

// Order is a single accumulation entry and its attached exit state.
// ClientRef is the caller-assigned idempotency key: re-dispatching with the
// same ref after a crash updates the stored row instead of duplicating it.
type Order struct {
	ClientRef   string
	Symbol      string
	Market      MarketType
	Status      OrderStatus
	Price       decimal.Decimal
	Quantity    decimal.Decimal
	TimeFrame   TimeFrame
	Threshold   *float64 // nil for manually entered orders
	ExchangeID  string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	FilledAt    *time.Time
	CancelledAt *time.Time
	Fees        decimal.Decimal
	FeeAsset    string
	Leverage    *int
	Direction   *TradeDirection

	TakeProfit *TakeProfit
	StopLoss   *StopLoss
	PartialTPs []*PartialTakeProfit
	TrailingSL *TrailingStopLoss
}

// IsLong reports the position side; orders without a direction are spot buys
// and treated as long.
func (o *Order) IsLong() bool {
	return o.Direction == nil || *o.Direction == DirectionLong
}

// Terminal reports whether the entry order can still change state.
func (o *Order) Terminal() bool {
	return o.Status == OrderStatusFilled || o.Status == OrderStatusCancelled
}

// HasPendingExits reports whether any attached exit sub-entity still needs
// evaluation.
func (o *Order) HasPendingExits() bool {
	if o.Status != OrderStatusFilled {
		return false
	}
	if o.TakeProfit != nil && o.TakeProfit.Status == ExitStatusPending {
		return true
	}
	if o.StopLoss != nil && o.StopLoss.Status == ExitStatusPending {
		return true
	}
	for _, p := range o.PartialTPs {
		if p.Status == ExitStatusPending {
			return true
		}
	}
	if o.TrailingSL != nil && o.TrailingSL.Status == ExitStatusPending {
		return true
	}
	return false
}
