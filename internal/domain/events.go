package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventKind labels the discrete notifications the core emits. Delivery and
// formatting belong to the external notification collaborator; the core only
// fires and forgets.
type EventKind string

const (
	EventThresholdFired   EventKind = "threshold_fired"
	EventOrderDispatched  EventKind = "order_dispatched"
	EventOrderFilled      EventKind = "order_filled"
	EventOrderCancelled   EventKind = "order_cancelled"
	EventTakeProfitHit    EventKind = "take_profit_triggered"
	EventStopLossHit      EventKind = "stop_loss_triggered"
	EventPartialTPHit     EventKind = "partial_tp_triggered"
	EventTrailingStopHit  EventKind = "trailing_stop_triggered"
	EventTrailingAdvanced EventKind = "trailing_stop_advanced"
	EventReserveDenied    EventKind = "reserve_denied"
	EventTimeframeReset   EventKind = "timeframe_reset"
	EventLoopFatal        EventKind = "loop_fatal"
)

// Event carries everything a notification formatter needs about one
// occurrence in the trading core.
type Event struct {
	Kind      EventKind
	Symbol    string
	TimeFrame TimeFrame
	Threshold float64
	Price     decimal.Decimal
	Reference decimal.Decimal
	Quantity  decimal.Decimal
	Order     *Order
	Detail    string
	At        time.Time
}
