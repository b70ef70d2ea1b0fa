package exchange

import (
	"context"
	"fmt"
	"strconv"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vkotik/dripfeed/internal/domain"
)

// BinanceFutures is the USD-M futures gateway. Leverage and margin type are
// applied per symbol once via Setup before any order is placed.
type BinanceFutures struct {
	client     *futures.Client
	filters    *filtersCache
	logger     *zap.Logger
	leverage   int
	marginType futures.MarginType
}

func NewBinanceFutures(apiKey, apiSecret string, testnet bool, leverage int, marginType string, logger *zap.Logger) *BinanceFutures {
	futures.UseTestnet = testnet
	f := &BinanceFutures{
		client:     futures.NewClient(apiKey, apiSecret),
		logger:     logger,
		leverage:   leverage,
		marginType: futures.MarginType(marginType),
	}
	f.filters = newFiltersCache(f.fetchFilters)
	return f
}

// Setup synchronizes server time and applies leverage and margin type for
// each traded symbol. The margin-type call rejects when nothing changes;
// that rejection is treated as success.
func (f *BinanceFutures) Setup(ctx context.Context, symbols []string) error {
	if _, err := f.client.NewSetServerTimeService().Do(ctx); err != nil {
		return fmt.Errorf("sync server time: %w", err)
	}

	for _, symbol := range symbols {
		if _, err := f.client.NewChangeLeverageService().
			Symbol(symbol).
			Leverage(f.leverage).
			Do(ctx); err != nil {
			return fmt.Errorf("set leverage for %s: %w", symbol, mapAPIError(err))
		}

		err := f.client.NewChangeMarginTypeService().
			Symbol(symbol).
			MarginType(f.marginType).
			Do(ctx)
		if err != nil && !isMarginNoChange(err) {
			return fmt.Errorf("set margin type for %s: %w", symbol, mapAPIError(err))
		}

		f.logger.Info("futures symbol configured",
			zap.String("symbol", symbol),
			zap.Int("leverage", f.leverage),
			zap.String("margin_type", string(f.marginType)))
	}
	return nil
}

// ResyncTime re-aligns the client clock with the server. Called when an API
// call is rejected for timestamp skew.
func (f *BinanceFutures) ResyncTime(ctx context.Context) error {
	_, err := f.client.NewSetServerTimeService().Do(ctx)
	return err
}

func (f *BinanceFutures) Market() domain.MarketType { return domain.MarketFutures }

func (f *BinanceFutures) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	prices, err := f.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return decimal.Zero, mapAPIError(err)
	}
	if len(prices) == 0 {
		return decimal.Zero, domain.ErrInvalidSymbol
	}
	return decimal.NewFromString(prices[0].Price)
}

func (f *BinanceFutures) GetOpenPrice(ctx context.Context, symbol string, tf domain.TimeFrame) (decimal.Decimal, error) {
	klines, err := f.client.NewKlinesService().
		Symbol(symbol).
		Interval(tf.Interval()).
		Limit(1).
		Do(ctx)
	if err != nil {
		return decimal.Zero, mapAPIError(err)
	}
	if len(klines) == 0 {
		return decimal.Zero, fmt.Errorf("no %s kline for %s", tf.Interval(), symbol)
	}
	return decimal.NewFromString(klines[0].Open)
}

func (f *BinanceFutures) GetAvailableBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	account, err := f.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return decimal.Zero, mapAPIError(err)
	}
	for _, a := range account.Assets {
		if a.Asset == asset {
			return decimal.NewFromString(a.AvailableBalance)
		}
	}
	return decimal.Zero, nil
}

func (f *BinanceFutures) SymbolFilters(ctx context.Context, symbol string) (*domain.SymbolFilters, error) {
	return f.filters.Get(ctx, symbol)
}

func (f *BinanceFutures) fetchFilters(ctx context.Context, symbol string) (*domain.SymbolFilters, error) {
	info, err := f.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, mapAPIError(err)
	}
	for _, sym := range info.Symbols {
		if sym.Symbol != symbol {
			continue
		}
		filters := &domain.SymbolFilters{}
		if pf := sym.PriceFilter(); pf != nil {
			if filters.TickSize, err = decimal.NewFromString(pf.TickSize); err != nil {
				return nil, fmt.Errorf("%s tick size: %w", symbol, err)
			}
		}
		if lf := sym.LotSizeFilter(); lf != nil {
			if filters.StepSize, err = decimal.NewFromString(lf.StepSize); err != nil {
				return nil, fmt.Errorf("%s step size: %w", symbol, err)
			}
			if filters.MinQty, err = decimal.NewFromString(lf.MinQuantity); err != nil {
				return nil, fmt.Errorf("%s min qty: %w", symbol, err)
			}
		}
		if nf := sym.MinNotionalFilter(); nf != nil {
			if filters.MinNotional, err = decimal.NewFromString(nf.Notional); err != nil {
				return nil, fmt.Errorf("%s min notional: %w", symbol, err)
			}
		}
		return filters, nil
	}
	return nil, domain.ErrInvalidSymbol
}

func (f *BinanceFutures) PlaceLimitBuy(ctx context.Context, req domain.LimitBuyRequest) (*domain.OrderAck, error) {
	resp, err := f.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(futures.SideTypeBuy).
		Type(futures.OrderTypeLimit).
		TimeInForce(futures.TimeInForceTypeGTC).
		Quantity(req.Quantity.String()).
		Price(req.Price.String()).
		NewClientOrderID(req.ClientRef).
		Do(ctx)
	if err != nil {
		if isClockSkew(err) {
			if syncErr := f.ResyncTime(ctx); syncErr == nil {
				return f.PlaceLimitBuy(ctx, req)
			}
		}
		return nil, mapAPIError(err)
	}

	f.logger.Info("futures limit buy placed",
		zap.String("symbol", req.Symbol),
		zap.String("client_ref", req.ClientRef),
		zap.Int64("order_id", resp.OrderID),
		zap.String("price", req.Price.String()),
		zap.String("quantity", req.Quantity.String()))

	return &domain.OrderAck{
		ExchangeID: strconv.FormatInt(resp.OrderID, 10),
		ClientRef:  resp.ClientOrderID,
		Price:      req.Price,
		Quantity:   req.Quantity,
	}, nil
}

// PlaceExit closes at market with reduce-only so the order can never flip
// the position.
func (f *BinanceFutures) PlaceExit(ctx context.Context, req domain.ExitRequest) (*domain.OrderAck, error) {
	side := futures.SideTypeSell
	if req.Direction == domain.DirectionShort {
		side = futures.SideTypeBuy
	}

	resp, err := f.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(side).
		Type(futures.OrderTypeMarket).
		Quantity(req.Quantity.String()).
		ReduceOnly(true).
		NewClientOrderID(req.ClientRef).
		Do(ctx)
	if err != nil {
		return nil, mapAPIError(err)
	}

	f.logger.Info("futures market exit placed",
		zap.String("symbol", req.Symbol),
		zap.String("client_ref", req.ClientRef),
		zap.String("side", string(side)),
		zap.Int64("order_id", resp.OrderID),
		zap.String("quantity", req.Quantity.String()))

	return &domain.OrderAck{
		ExchangeID: strconv.FormatInt(resp.OrderID, 10),
		ClientRef:  resp.ClientOrderID,
		Quantity:   req.Quantity,
	}, nil
}

func (f *BinanceFutures) CancelOrder(ctx context.Context, symbol, exchangeID string) error {
	id, err := strconv.ParseInt(exchangeID, 10, 64)
	if err != nil {
		return fmt.Errorf("bad exchange order id %q: %w", exchangeID, err)
	}
	if _, err := f.client.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(ctx); err != nil {
		return mapAPIError(err)
	}
	return nil
}

func (f *BinanceFutures) GetOrderStatus(ctx context.Context, symbol, exchangeID string) (domain.OrderStatus, error) {
	id, err := strconv.ParseInt(exchangeID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("bad exchange order id %q: %w", exchangeID, err)
	}
	order, err := f.client.NewGetOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	if err != nil {
		return "", mapAPIError(err)
	}
	return futuresStatus(order.Status), nil
}

func futuresStatus(status futures.OrderStatusType) domain.OrderStatus {
	switch status {
	case futures.OrderStatusTypeFilled:
		return domain.OrderStatusFilled
	case futures.OrderStatusTypeCanceled, futures.OrderStatusTypeRejected, futures.OrderStatusTypeExpired:
		return domain.OrderStatusCancelled
	default:
		return domain.OrderStatusPending
	}
}
