package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// SymbolFilters are the exchange-enforced rounding rules for one symbol.
type SymbolFilters struct {
	TickSize    decimal.Decimal
	StepSize    decimal.Decimal
	MinQty      decimal.Decimal
	MinNotional decimal.Decimal
}

// OrderAck is the exchange's acknowledgement of a placed order.
type OrderAck struct {
	ExchangeID string
	ClientRef  string
	Price      decimal.Decimal
	Quantity   decimal.Decimal
}

// LimitBuyRequest describes an entry order ready for the wire: price and
// quantity already rounded to the symbol's filters.
type LimitBuyRequest struct {
	Symbol    string
	ClientRef string
	Price     decimal.Decimal
	Quantity  decimal.Decimal
	Leverage  *int
}

// ExitRequest closes all or part of a filled position at market.
type ExitRequest struct {
	Symbol    string
	ClientRef string
	Quantity  decimal.Decimal
	Direction TradeDirection // side being closed
}

// Exchange is the gateway to one Binance venue (spot or USD-M futures).
// Implementations round nothing: callers pass filter-aligned values.
type Exchange interface {
	Market() MarketType
	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	// GetOpenPrice returns the opening print of the current candle for the
	// timeframe (the reference anchor source).
	GetOpenPrice(ctx context.Context, symbol string, tf TimeFrame) (decimal.Decimal, error)
	GetAvailableBalance(ctx context.Context, asset string) (decimal.Decimal, error)
	SymbolFilters(ctx context.Context, symbol string) (*SymbolFilters, error)
	PlaceLimitBuy(ctx context.Context, req LimitBuyRequest) (*OrderAck, error)
	PlaceExit(ctx context.Context, req ExitRequest) (*OrderAck, error)
	CancelOrder(ctx context.Context, symbol, exchangeID string) error
	GetOrderStatus(ctx context.Context, symbol, exchangeID string) (OrderStatus, error)
}

// OrderRepository persists entry orders and their exit sub-entities.
type OrderRepository interface {
	// UpsertOrder inserts or replaces by ClientRef, making dispatch retries
	// idempotent.
	UpsertOrder(ctx context.Context, order *Order) error
	GetOrder(ctx context.Context, clientRef string) (*Order, error)
	ListPendingOrders(ctx context.Context) ([]*Order, error)
	// ListActiveExits returns filled orders that still have pending exit
	// state to evaluate.
	ListActiveExits(ctx context.Context) ([]*Order, error)
}

// StateRepository persists the threshold/reference state the control loops
// share, so a restart resumes mid-cycle without re-firing.
type StateRepository interface {
	SaveTriggeredThreshold(ctx context.Context, symbol string, tf TimeFrame, threshold float64) error
	ListTriggeredThresholds(ctx context.Context) (map[string]map[TimeFrame][]float64, error)
	ClearTriggeredThresholds(ctx context.Context, tf TimeFrame) error
	SaveReferencePrice(ctx context.Context, symbol string, tf TimeFrame, price decimal.Decimal, resetAt time.Time) error
	ListReferencePrices(ctx context.Context) (map[string]map[TimeFrame]ReferenceSnapshot, error)
}

// ReferenceSnapshot is a persisted anchor for one (symbol, timeframe).
type ReferenceSnapshot struct {
	Price   decimal.Decimal
	ResetAt time.Time
}

// Notifier receives core events. Implementations must never block trading:
// delivery failure is logged and dropped, not retried.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}
