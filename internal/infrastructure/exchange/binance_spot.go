package exchange

import (
	"context"
	"fmt"
	"strconv"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vkotik/dripfeed/internal/domain"
)

// BinanceSpot is the spot-market gateway. All prices and quantities cross
// the wire as strings produced by decimal.String, never floats.
type BinanceSpot struct {
	client  *binance.Client
	filters *filtersCache
	logger  *zap.Logger
}

func NewBinanceSpot(apiKey, apiSecret string, testnet bool, logger *zap.Logger) *BinanceSpot {
	binance.UseTestnet = testnet
	s := &BinanceSpot{
		client: binance.NewClient(apiKey, apiSecret),
		logger: logger,
	}
	s.filters = newFiltersCache(s.fetchFilters)
	return s
}

func (s *BinanceSpot) Market() domain.MarketType { return domain.MarketSpot }

func (s *BinanceSpot) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	prices, err := s.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return decimal.Zero, mapAPIError(err)
	}
	if len(prices) == 0 {
		return decimal.Zero, domain.ErrInvalidSymbol
	}
	return decimal.NewFromString(prices[0].Price)
}

func (s *BinanceSpot) GetOpenPrice(ctx context.Context, symbol string, tf domain.TimeFrame) (decimal.Decimal, error) {
	klines, err := s.client.NewKlinesService().
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

func (s *BinanceSpot) GetAvailableBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	account, err := s.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return decimal.Zero, mapAPIError(err)
	}
	for _, b := range account.Balances {
		if b.Asset == asset {
			return decimal.NewFromString(b.Free)
		}
	}
	return decimal.Zero, nil
}

func (s *BinanceSpot) SymbolFilters(ctx context.Context, symbol string) (*domain.SymbolFilters, error) {
	return s.filters.Get(ctx, symbol)
}

func (s *BinanceSpot) fetchFilters(ctx context.Context, symbol string) (*domain.SymbolFilters, error) {
	info, err := s.client.NewExchangeInfoService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, mapAPIError(err)
	}
	for _, sym := range info.Symbols {
		if sym.Symbol != symbol {
			continue
		}
		filters := &domain.SymbolFilters{}
		if f := sym.PriceFilter(); f != nil {
			if filters.TickSize, err = decimal.NewFromString(f.TickSize); err != nil {
				return nil, fmt.Errorf("%s tick size: %w", symbol, err)
			}
		}
		if f := sym.LotSizeFilter(); f != nil {
			if filters.StepSize, err = decimal.NewFromString(f.StepSize); err != nil {
				return nil, fmt.Errorf("%s step size: %w", symbol, err)
			}
			if filters.MinQty, err = decimal.NewFromString(f.MinQuantity); err != nil {
				return nil, fmt.Errorf("%s min qty: %w", symbol, err)
			}
		}
		if f := sym.NotionalFilter(); f != nil {
			if filters.MinNotional, err = decimal.NewFromString(f.MinNotional); err != nil {
				return nil, fmt.Errorf("%s min notional: %w", symbol, err)
			}
		}
		return filters, nil
	}
	return nil, domain.ErrInvalidSymbol
}

func (s *BinanceSpot) PlaceLimitBuy(ctx context.Context, req domain.LimitBuyRequest) (*domain.OrderAck, error) {
	resp, err := s.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(binance.SideTypeBuy).
		Type(binance.OrderTypeLimit).
		TimeInForce(binance.TimeInForceTypeGTC).
		Quantity(req.Quantity.String()).
		Price(req.Price.String()).
		NewClientOrderID(req.ClientRef).
		Do(ctx)
	if err != nil {
		return nil, mapAPIError(err)
	}

	s.logger.Info("limit buy placed",
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

// PlaceExit sells at market. Spot has no reduce-only flag: the quantity is
// whatever the caller holds, already step-aligned.
func (s *BinanceSpot) PlaceExit(ctx context.Context, req domain.ExitRequest) (*domain.OrderAck, error) {
	resp, err := s.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(binance.SideTypeSell).
		Type(binance.OrderTypeMarket).
		Quantity(req.Quantity.String()).
		NewClientOrderID(req.ClientRef).
		Do(ctx)
	if err != nil {
		return nil, mapAPIError(err)
	}

	s.logger.Info("market exit placed",
		zap.String("symbol", req.Symbol),
		zap.String("client_ref", req.ClientRef),
		zap.Int64("order_id", resp.OrderID),
		zap.String("quantity", req.Quantity.String()))

	return &domain.OrderAck{
		ExchangeID: strconv.FormatInt(resp.OrderID, 10),
		ClientRef:  resp.ClientOrderID,
		Quantity:   req.Quantity,
	}, nil
}

func (s *BinanceSpot) CancelOrder(ctx context.Context, symbol, exchangeID string) error {
	id, err := strconv.ParseInt(exchangeID, 10, 64)
	if err != nil {
		return fmt.Errorf("bad exchange order id %q: %w", exchangeID, err)
	}
	if _, err := s.client.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(ctx); err != nil {
		return mapAPIError(err)
	}
	return nil
}

func (s *BinanceSpot) GetOrderStatus(ctx context.Context, symbol, exchangeID string) (domain.OrderStatus, error) {
	id, err := strconv.ParseInt(exchangeID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("bad exchange order id %q: %w", exchangeID, err)
	}
	order, err := s.client.NewGetOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	if err != nil {
		return "", mapAPIError(err)
	}
	return spotStatus(order.Status), nil
}

func spotStatus(status binance.OrderStatusType) domain.OrderStatus {
	switch status {
	case binance.OrderStatusTypeFilled:
		return domain.OrderStatusFilled
	case binance.OrderStatusTypeCanceled, binance.OrderStatusTypeRejected, binance.OrderStatusTypeExpired:
		return domain.OrderStatusCancelled
	default:
		// New and PartiallyFilled both count as still working.
		return domain.OrderStatusPending
	}
}
