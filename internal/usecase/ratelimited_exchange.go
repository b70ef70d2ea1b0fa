package usecase

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vkotik/dripfeed/internal/domain"
)

// Request weights mirror the exchange's published costs, so the shared
// window tracks what the server actually counts.
const (
	weightPrice    = 2
	weightKlines   = 2
	weightBalance  = 10
	weightFilters  = 20
	weightPlace    = 1
	weightCancel   = 1
	weightGetOrder = 2
)

// RateLimitedExchange wraps a gateway so every outbound call first acquires
// from the shared sliding window. All loops share one instance.
type RateLimitedExchange struct {
	inner   domain.Exchange
	limiter *RateLimiter
}

func NewRateLimitedExchange(inner domain.Exchange, limiter *RateLimiter) *RateLimitedExchange {
	return &RateLimitedExchange{inner: inner, limiter: limiter}
}

func (e *RateLimitedExchange) Market() domain.MarketType { return e.inner.Market() }

func (e *RateLimitedExchange) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if err := e.limiter.Acquire(ctx, weightPrice); err != nil {
		return decimal.Zero, err
	}
	return e.inner.GetPrice(ctx, symbol)
}

func (e *RateLimitedExchange) GetOpenPrice(ctx context.Context, symbol string, tf domain.TimeFrame) (decimal.Decimal, error) {
	if err := e.limiter.Acquire(ctx, weightKlines); err != nil {
		return decimal.Zero, err
	}
	return e.inner.GetOpenPrice(ctx, symbol, tf)
}

func (e *RateLimitedExchange) GetAvailableBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	if err := e.limiter.Acquire(ctx, weightBalance); err != nil {
		return decimal.Zero, err
	}
	return e.inner.GetAvailableBalance(ctx, asset)
}

func (e *RateLimitedExchange) SymbolFilters(ctx context.Context, symbol string) (*domain.SymbolFilters, error) {
	if err := e.limiter.Acquire(ctx, weightFilters); err != nil {
		return nil, err
	}
	return e.inner.SymbolFilters(ctx, symbol)
}

func (e *RateLimitedExchange) PlaceLimitBuy(ctx context.Context, req domain.LimitBuyRequest) (*domain.OrderAck, error) {
	if err := e.limiter.Acquire(ctx, weightPlace); err != nil {
		return nil, err
	}
	return e.inner.PlaceLimitBuy(ctx, req)
}

func (e *RateLimitedExchange) PlaceExit(ctx context.Context, req domain.ExitRequest) (*domain.OrderAck, error) {
	if err := e.limiter.Acquire(ctx, weightPlace); err != nil {
		return nil, err
	}
	return e.inner.PlaceExit(ctx, req)
}

func (e *RateLimitedExchange) CancelOrder(ctx context.Context, symbol, exchangeID string) error {
	if err := e.limiter.Acquire(ctx, weightCancel); err != nil {
		return err
	}
	return e.inner.CancelOrder(ctx, symbol, exchangeID)
}

func (e *RateLimitedExchange) GetOrderStatus(ctx context.Context, symbol, exchangeID string) (domain.OrderStatus, error) {
	if err := e.limiter.Acquire(ctx, weightGetOrder); err != nil {
		return "", err
	}
	return e.inner.GetOrderStatus(ctx, symbol, exchangeID)
}

var _ domain.Exchange = (*RateLimitedExchange)(nil)

// WaitObserver adapts a metrics callback to the limiter's wait hook.
func WaitObserver(limiter *RateLimiter, observe func(seconds float64)) {
	limiter.OnWait(func(d time.Duration) { observe(d.Seconds()) })
}
