package usecase

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vkotik/dripfeed/internal/config"
	"github.com/vkotik/dripfeed/internal/domain"
)

// LifecycleMonitor walks pending orders: fills get their exit plan attached,
// stale orders get cancelled after the configured deadline, external
// cancellations are adopted.
type LifecycleMonitor struct {
	exchange domain.Exchange
	orders   domain.OrderRepository
	notifier domain.Notifier
	logger   *zap.Logger

	cancelAfter time.Duration
	tpCfg       config.TakeProfitConfig
	slCfg       config.StopLossConfig
	partialCfg  []config.PartialTPConfig
	trailCfg    config.TrailingSLConfig
	now         func() time.Time
}

func NewLifecycleMonitor(
	exchange domain.Exchange,
	orders domain.OrderRepository,
	notifier domain.Notifier,
	cfg *config.Config,
	logger *zap.Logger,
) *LifecycleMonitor {
	return &LifecycleMonitor{
		exchange:    exchange,
		orders:      orders,
		notifier:    notifier,
		logger:      logger,
		cancelAfter: cfg.Trading.CancelAfter.D(),
		tpCfg:       cfg.Trading.TakeProfit,
		slCfg:       cfg.Trading.StopLoss,
		partialCfg:  cfg.Trading.PartialTPs,
		trailCfg:    cfg.Trading.TrailingSL,
		now:         time.Now,
	}
}

// Check reconciles every pending order against the exchange. Per-order
// failures are logged and skipped so one bad symbol cannot stall the rest.
func (m *LifecycleMonitor) Check(ctx context.Context) error {
	pending, err := m.orders.ListPendingOrders(ctx)
	if err != nil {
		return err
	}

	for _, order := range pending {
		if err := m.checkOne(ctx, order); err != nil {
			m.logger.Error("order check failed",
				zap.String("client_ref", order.ClientRef),
				zap.String("symbol", order.Symbol),
				zap.Error(err))
		}
	}
	return nil
}

func (m *LifecycleMonitor) checkOne(ctx context.Context, order *domain.Order) error {
	status, err := m.exchange.GetOrderStatus(ctx, order.Symbol, order.ExchangeID)
	if err != nil {
		return err
	}

	switch status {
	case domain.OrderStatusFilled:
		return m.markFilled(ctx, order)
	case domain.OrderStatusCancelled:
		return m.markCancelled(ctx, order, "cancelled on exchange")
	}

	if m.now().Sub(order.CreatedAt) >= m.cancelAfter {
		if err := m.exchange.CancelOrder(ctx, order.Symbol, order.ExchangeID); err != nil {
			return err
		}
		return m.markCancelled(ctx, order, "unfilled past deadline")
	}
	return nil
}

// markFilled stamps the fill and attaches the exit plan before the fill is
// persisted or announced, so a filled order is never observed without its
// exits.
func (m *LifecycleMonitor) markFilled(ctx context.Context, order *domain.Order) error {
	now := m.now()
	order.Status = domain.OrderStatusFilled
	order.FilledAt = &now
	order.UpdatedAt = now

	if err := m.attachExits(ctx, order); err != nil {
		return err
	}
	if err := m.orders.UpsertOrder(ctx, order); err != nil {
		return err
	}

	m.notifier.Notify(ctx, domain.Event{
		Kind:     domain.EventOrderFilled,
		Symbol:   order.Symbol,
		Price:    order.Price,
		Quantity: order.Quantity,
		Order:    order,
		At:       now,
	})
	return nil
}

func (m *LifecycleMonitor) markCancelled(ctx context.Context, order *domain.Order, reason string) error {
	now := m.now()
	order.Status = domain.OrderStatusCancelled
	order.CancelledAt = &now
	order.UpdatedAt = now
	if err := m.orders.UpsertOrder(ctx, order); err != nil {
		return err
	}

	m.notifier.Notify(ctx, domain.Event{
		Kind:   domain.EventOrderCancelled,
		Symbol: order.Symbol,
		Price:  order.Price,
		Order:  order,
		Detail: reason,
		At:     now,
	})
	return nil
}

// attachExits builds the exit plan from the fill price. Target prices are
// tick-aligned; percentages are kept raw for later recomputation.
func (m *LifecycleMonitor) attachExits(ctx context.Context, order *domain.Order) error {
	filters, err := m.exchange.SymbolFilters(ctx, order.Symbol)
	if err != nil {
		return err
	}

	fill := order.Price
	long := order.IsLong()

	if m.tpCfg.Enabled {
		order.TakeProfit = &domain.TakeProfit{
			Price:      filters.RoundPrice(offsetPct(fill, m.tpCfg.Percentage, long)),
			Percentage: m.tpCfg.Percentage,
			Status:     domain.ExitStatusPending,
		}
	}
	if m.slCfg.Enabled {
		order.StopLoss = &domain.StopLoss{
			Price:      filters.RoundPrice(offsetPct(fill, m.slCfg.Percentage, !long)),
			Percentage: m.slCfg.Percentage,
			Status:     domain.ExitStatusPending,
		}
	}

	ladder := append([]config.PartialTPConfig(nil), m.partialCfg...)
	sort.Slice(ladder, func(i, j int) bool { return ladder[i].Level < ladder[j].Level })
	for _, p := range ladder {
		order.PartialTPs = append(order.PartialTPs, &domain.PartialTakeProfit{
			Level:       p.Level,
			Price:       filters.RoundPrice(offsetPct(fill, p.ProfitPct, long)),
			PositionPct: p.PositionPct,
			ProfitPct:   p.ProfitPct,
			Status:      domain.ExitStatusPending,
		})
	}

	if m.trailCfg.Enabled {
		order.TrailingSL = &domain.TrailingStopLoss{
			ActivationPct: m.trailCfg.ActivationPct,
			CallbackRate:  m.trailCfg.CallbackRate,
			Activation:    filters.RoundPrice(offsetPct(fill, m.trailCfg.ActivationPct, long)),
			Status:        domain.ExitStatusPending,
		}
	}
	return nil
}

// offsetPct moves price by pct percent, up or down.
func offsetPct(price decimal.Decimal, pct float64, up bool) decimal.Decimal {
	delta := decimal.NewFromFloat(pct).Div(oneHundred)
	if up {
		return price.Mul(decimal.NewFromInt(1).Add(delta))
	}
	return price.Mul(decimal.NewFromInt(1).Sub(delta))
}
