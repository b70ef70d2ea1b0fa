package usecase

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vkotik/dripfeed/internal/domain"
)

var one = decimal.NewFromInt(1)

// ExitEngine evaluates the exit plan of every filled position against the
// current price. Evaluation order within one pass is fixed: take-profit,
// stop-loss, partial ladder, trailing stop. A full close cancels whatever
// exits remain pending; a triggered exit is never looked at again.
type ExitEngine struct {
	exchange domain.Exchange
	orders   domain.OrderRepository
	notifier domain.Notifier
	logger   *zap.Logger

	newRef func() string
	now    func() time.Time
}

func NewExitEngine(exchange domain.Exchange, orders domain.OrderRepository, notifier domain.Notifier, logger *zap.Logger) *ExitEngine {
	return &ExitEngine{
		exchange: exchange,
		orders:   orders,
		notifier: notifier,
		logger:   logger,
		newRef:   uuid.NewString,
		now:      time.Now,
	}
}

// Sweep evaluates all active positions. priceOf resolves the current price
// for a symbol; per-order failures are logged, not fatal.
func (e *ExitEngine) Sweep(ctx context.Context, priceOf func(ctx context.Context, symbol string) (decimal.Decimal, error)) error {
	active, err := e.orders.ListActiveExits(ctx)
	if err != nil {
		return err
	}

	prices := make(map[string]decimal.Decimal)
	for _, order := range active {
		price, ok := prices[order.Symbol]
		if !ok {
			price, err = priceOf(ctx, order.Symbol)
			if err != nil {
				e.logger.Error("price fetch failed, skipping exits",
					zap.String("symbol", order.Symbol), zap.Error(err))
				continue
			}
			prices[order.Symbol] = price
		}
		if err := e.Evaluate(ctx, order, price); err != nil {
			e.logger.Error("exit evaluation failed",
				zap.String("client_ref", order.ClientRef),
				zap.String("symbol", order.Symbol),
				zap.Error(err))
		}
	}
	return nil
}

// Evaluate runs one pass of the exit plan for a single position.
func (e *ExitEngine) Evaluate(ctx context.Context, order *domain.Order, price decimal.Decimal) error {
	long := order.IsLong()

	if tp := order.TakeProfit; tp != nil && tp.Status == domain.ExitStatusPending {
		if reached(price, tp.Price, long) {
			return e.closeFull(ctx, order, price, domain.EventTakeProfitHit, func(now time.Time) {
				tp.Status = domain.ExitStatusTriggered
				tp.TriggeredAt = &now
			})
		}
	}

	if sl := order.StopLoss; sl != nil && sl.Status == domain.ExitStatusPending {
		if reached(price, sl.Price, !long) {
			return e.closeFull(ctx, order, price, domain.EventStopLossHit, func(now time.Time) {
				sl.Status = domain.ExitStatusTriggered
				sl.TriggeredAt = &now
			})
		}
	}

	if err := e.evalPartials(ctx, order, price, long); err != nil {
		return err
	}
	if !order.HasPendingExits() {
		return nil
	}

	return e.evalTrailing(ctx, order, price, long)
}

// evalPartials walks the ladder in level order and closes every rung the
// price has reached. If the ladder exhausts the position the order is done.
func (e *ExitEngine) evalPartials(ctx context.Context, order *domain.Order, price decimal.Decimal, long bool) error {
	rungs := append([]*domain.PartialTakeProfit(nil), order.PartialTPs...)
	sort.Slice(rungs, func(i, j int) bool { return rungs[i].Level < rungs[j].Level })

	for _, rung := range rungs {
		if rung.Status != domain.ExitStatusPending || !reached(price, rung.Price, long) {
			continue
		}

		qty := e.remainingQuantity(order)
		rungQty := order.Quantity.Mul(decimal.NewFromFloat(rung.PositionPct)).Div(oneHundred)
		if rungQty.GreaterThan(qty) {
			rungQty = qty
		}

		filters, err := e.exchange.SymbolFilters(ctx, order.Symbol)
		if err != nil {
			return err
		}
		rungQty = filters.RoundQuantity(rungQty)
		if rungQty.IsZero() {
			rung.Status = domain.ExitStatusExpired
			continue
		}

		if _, err := e.placeExit(ctx, order, rungQty); err != nil {
			return err
		}
		now := e.now()
		rung.Status = domain.ExitStatusTriggered
		rung.TriggeredAt = &now
		order.UpdatedAt = now

		if e.remainingQuantity(order).IsZero() {
			e.cancelPending(order, now)
		}
		if err := e.orders.UpsertOrder(ctx, order); err != nil {
			return err
		}

		e.notifier.Notify(ctx, domain.Event{
			Kind:     domain.EventPartialTPHit,
			Symbol:   order.Symbol,
			Price:    price,
			Quantity: rungQty,
			Order:    order,
			Detail:   fmt.Sprintf("level %d", rung.Level),
			At:       now,
		})
	}
	return nil
}

// evalTrailing activates, ratchets or fires the trailing stop. The stop
// price only ever tightens toward the position.
func (e *ExitEngine) evalTrailing(ctx context.Context, order *domain.Order, price decimal.Decimal, long bool) error {
	t := order.TrailingSL
	if t == nil || t.Status != domain.ExitStatusPending {
		return nil
	}

	callback := decimal.NewFromFloat(t.CallbackRate).Div(oneHundred)

	if !t.Activated() {
		if !reached(price, t.Activation, long) {
			return nil
		}
		now := e.now()
		t.ExtremePrice = price
		t.CurrentStop = stopFrom(price, callback, long)
		t.ActivatedAt = &now
		order.UpdatedAt = now
		e.logger.Info("trailing stop activated",
			zap.String("symbol", order.Symbol),
			zap.String("extreme", t.ExtremePrice.String()),
			zap.String("stop", t.CurrentStop.String()))
		return e.orders.UpsertOrder(ctx, order)
	}

	if improved(price, t.ExtremePrice, long) {
		t.ExtremePrice = price
		newStop := stopFrom(price, callback, long)
		if tighter(newStop, t.CurrentStop, long) {
			t.CurrentStop = newStop
			now := e.now()
			order.UpdatedAt = now
			if err := e.orders.UpsertOrder(ctx, order); err != nil {
				return err
			}
			e.notifier.Notify(ctx, domain.Event{
				Kind:   domain.EventTrailingAdvanced,
				Symbol: order.Symbol,
				Price:  price,
				Order:  order,
				Detail: "stop " + t.CurrentStop.String(),
				At:     now,
			})
		}
		return nil
	}

	if reached(price, t.CurrentStop, !long) {
		return e.closeFull(ctx, order, price, domain.EventTrailingStopHit, func(now time.Time) {
			t.Status = domain.ExitStatusTriggered
			t.TriggeredAt = &now
		})
	}
	return nil
}

// closeFull exits the whole remaining position at market, marks the firing
// exit via mark and cancels every other pending exit.
func (e *ExitEngine) closeFull(ctx context.Context, order *domain.Order, price decimal.Decimal, kind domain.EventKind, mark func(now time.Time)) error {
	qty := e.remainingQuantity(order)
	if qty.Sign() > 0 {
		if _, err := e.placeExit(ctx, order, qty); err != nil {
			return err
		}
	}

	now := e.now()
	mark(now)
	e.cancelPending(order, now)
	order.UpdatedAt = now
	if err := e.orders.UpsertOrder(ctx, order); err != nil {
		return err
	}

	e.notifier.Notify(ctx, domain.Event{
		Kind:     kind,
		Symbol:   order.Symbol,
		Price:    price,
		Quantity: qty,
		Order:    order,
		At:       now,
	})
	return nil
}

func (e *ExitEngine) placeExit(ctx context.Context, order *domain.Order, qty decimal.Decimal) (*domain.OrderAck, error) {
	direction := domain.DirectionLong
	if order.Direction != nil {
		direction = *order.Direction
	}
	return e.exchange.PlaceExit(ctx, domain.ExitRequest{
		Symbol:    order.Symbol,
		ClientRef: e.newRef(),
		Quantity:  qty,
		Direction: direction,
	})
}

// remainingQuantity is the entry quantity minus everything the triggered
// partial rungs have already closed.
func (e *ExitEngine) remainingQuantity(order *domain.Order) decimal.Decimal {
	closedPct := decimal.Zero
	for _, rung := range order.PartialTPs {
		if rung.Status == domain.ExitStatusTriggered {
			closedPct = closedPct.Add(decimal.NewFromFloat(rung.PositionPct))
		}
	}
	if closedPct.GreaterThanOrEqual(oneHundred) {
		return decimal.Zero
	}
	return order.Quantity.Mul(oneHundred.Sub(closedPct)).Div(oneHundred)
}

func (e *ExitEngine) cancelPending(order *domain.Order, now time.Time) {
	if tp := order.TakeProfit; tp != nil && tp.Status == domain.ExitStatusPending {
		tp.Status = domain.ExitStatusCancelled
	}
	if sl := order.StopLoss; sl != nil && sl.Status == domain.ExitStatusPending {
		sl.Status = domain.ExitStatusCancelled
	}
	for _, rung := range order.PartialTPs {
		if rung.Status == domain.ExitStatusPending {
			rung.Status = domain.ExitStatusCancelled
		}
	}
	if t := order.TrailingSL; t != nil && t.Status == domain.ExitStatusPending {
		t.Status = domain.ExitStatusCancelled
	}
}

// reached reports whether price has crossed target in the profitable
// direction for the side: at or above for longs, at or below for shorts.
func reached(price, target decimal.Decimal, long bool) bool {
	if long {
		return price.GreaterThanOrEqual(target)
	}
	return price.LessThanOrEqual(target)
}

// improved reports whether price is a new extreme in the position's favor.
func improved(price, extreme decimal.Decimal, long bool) bool {
	if long {
		return price.GreaterThan(extreme)
	}
	return price.LessThan(extreme)
}

// tighter reports whether candidate is closer to the position than current.
func tighter(candidate, current decimal.Decimal, long bool) bool {
	if long {
		return candidate.GreaterThan(current)
	}
	return candidate.LessThan(current)
}

// stopFrom derives the stop price callback percent behind the extreme.
func stopFrom(extreme, callback decimal.Decimal, long bool) decimal.Decimal {
	if long {
		return extreme.Mul(one.Sub(callback))
	}
	return extreme.Mul(one.Add(callback))
}
