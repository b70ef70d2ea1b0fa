package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vkotik/dripfeed/internal/config"
	"github.com/vkotik/dripfeed/internal/domain"
)

// Dispatcher turns a fired threshold into a resting limit buy. It sizes the
// order, passes admission, aligns price and quantity to the symbol filters
// and persists the order under a fresh client reference.
type Dispatcher struct {
	exchange  domain.Exchange
	orders    domain.OrderRepository
	admission *AdmissionController
	notifier  domain.Notifier
	logger    *zap.Logger

	asset      string
	amountType config.AmountType
	fixed      decimal.Decimal
	percent    decimal.Decimal
	leverage   *int
	newRef     func() string
	now        func() time.Time
}

func NewDispatcher(
	exchange domain.Exchange,
	orders domain.OrderRepository,
	admission *AdmissionController,
	notifier domain.Notifier,
	cfg *config.Config,
	logger *zap.Logger,
) *Dispatcher {
	d := &Dispatcher{
		exchange:   exchange,
		orders:     orders,
		admission:  admission,
		notifier:   notifier,
		logger:     logger,
		asset:      cfg.Exchange.BaseCurrency,
		amountType: cfg.Trading.AmountType,
		fixed:      decimal.NewFromFloat(cfg.Trading.FixedAmount),
		percent:    decimal.NewFromFloat(cfg.Trading.PercentAmount),
		newRef:     uuid.NewString,
		now:        time.Now,
	}
	if cfg.Exchange.Market == domain.MarketFutures {
		lev := cfg.Futures.Leverage
		d.leverage = &lev
	}
	return d
}

// Dispatch places a limit buy at the current price for a fired threshold.
// The returned order is already persisted as pending.
func (d *Dispatcher) Dispatch(ctx context.Context, symbol string, tf domain.TimeFrame, threshold float64, price decimal.Decimal) (*domain.Order, error) {
	notional, err := d.notionalSize(ctx)
	if err != nil {
		return nil, err
	}

	if _, err := d.admission.Admit(ctx, notional, d.leverage); err != nil {
		if errors.Is(err, domain.ErrReserveViolation) {
			d.notifier.Notify(ctx, domain.Event{
				Kind:      domain.EventReserveDenied,
				Symbol:    symbol,
				TimeFrame: tf,
				Threshold: threshold,
				Price:     price,
				At:        d.now(),
			})
		}
		return nil, err
	}

	filters, err := d.exchange.SymbolFilters(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("filters for %s: %w", symbol, err)
	}

	limitPrice := filters.RoundPrice(price)
	if limitPrice.IsZero() {
		return nil, fmt.Errorf("price %s rounds to zero for %s", price, symbol)
	}
	quantity := filters.RoundQuantity(notional.Div(limitPrice))
	if !filters.MeetsMinimums(limitPrice, quantity) {
		d.logger.Warn("order below exchange minimums",
			zap.String("symbol", symbol),
			zap.String("price", limitPrice.String()),
			zap.String("quantity", quantity.String()))
		return nil, domain.ErrBelowMinNotional
	}

	ref := d.newRef()
	ack, err := d.exchange.PlaceLimitBuy(ctx, domain.LimitBuyRequest{
		Symbol:    symbol,
		ClientRef: ref,
		Price:     limitPrice,
		Quantity:  quantity,
		Leverage:  d.leverage,
	})
	if err != nil {
		return nil, fmt.Errorf("place limit buy %s: %w", symbol, err)
	}

	now := d.now()
	t := threshold
	order := &domain.Order{
		ClientRef:  ref,
		Symbol:     symbol,
		Market:     d.exchange.Market(),
		Status:     domain.OrderStatusPending,
		Price:      limitPrice,
		Quantity:   quantity,
		TimeFrame:  tf,
		Threshold:  &t,
		ExchangeID: ack.ExchangeID,
		CreatedAt:  now,
		UpdatedAt:  now,
		Fees:       decimal.Zero,
		FeeAsset:   d.asset,
		Leverage:   d.leverage,
	}
	if d.exchange.Market() == domain.MarketFutures {
		dir := domain.DirectionLong
		order.Direction = &dir
	}

	if err := d.orders.UpsertOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("persist order %s: %w", ref, err)
	}

	d.notifier.Notify(ctx, domain.Event{
		Kind:      domain.EventOrderDispatched,
		Symbol:    symbol,
		TimeFrame: tf,
		Threshold: threshold,
		Price:     limitPrice,
		Quantity:  quantity,
		Order:     order,
		At:        now,
	})
	return order, nil
}

func (d *Dispatcher) notionalSize(ctx context.Context) (decimal.Decimal, error) {
	if d.amountType == config.AmountFixed {
		return d.fixed, nil
	}
	balance, err := d.exchange.GetAvailableBalance(ctx, d.asset)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fetch balance for sizing: %w", err)
	}
	return balance.Mul(d.percent).Div(oneHundred), nil
}
