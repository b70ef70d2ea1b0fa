package usecase

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vkotik/dripfeed/internal/domain"
)

// AdmissionController enforces the reserve-balance floor. An order is
// admitted when the balance left after committing its margin still covers
// the reserve; exact equality admits.
type AdmissionController struct {
	exchange domain.Exchange
	asset    string
	reserve  decimal.Decimal
	logger   *zap.Logger
}

func NewAdmissionController(exchange domain.Exchange, asset string, reserve float64, logger *zap.Logger) *AdmissionController {
	return &AdmissionController{
		exchange: exchange,
		asset:    asset,
		reserve:  decimal.NewFromFloat(reserve),
		logger:   logger,
	}
}

// Admit checks whether a notional can be committed. On futures only the
// margin share (notional / leverage) counts against the balance. A balance
// fetch failure denies: trading without a verified balance is not an option.
func (a *AdmissionController) Admit(ctx context.Context, notional decimal.Decimal, leverage *int) (decimal.Decimal, error) {
	balance, err := a.exchange.GetAvailableBalance(ctx, a.asset)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fetch balance: %w", err)
	}

	committed := notional
	if leverage != nil && *leverage > 1 {
		committed = notional.Div(decimal.NewFromInt(int64(*leverage)))
	}

	if balance.Sub(committed).LessThan(a.reserve) {
		a.logger.Warn("order denied by reserve floor",
			zap.String("balance", balance.String()),
			zap.String("committed", committed.String()),
			zap.String("reserve", a.reserve.String()))
		return balance, domain.ErrReserveViolation
	}
	return balance, nil
}
