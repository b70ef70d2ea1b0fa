package usecase_test

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vkotik/dripfeed/internal/domain"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

var testLogger = zap.NewNop()

// MockExchange is a scriptable gateway: tests set prices, balances and
// errors, and inspect what was placed.
type MockExchange struct {
	mu sync.Mutex

	MarketType domain.MarketType
	Price      decimal.Decimal
	OpenPrice  decimal.Decimal
	Balance    decimal.Decimal
	Filters    domain.SymbolFilters

	PriceErr   error
	OpenErr    error
	BalanceErr error
	PlaceErr   error

	Statuses map[string]domain.OrderStatus

	PlacedBuys  []domain.LimitBuyRequest
	PlacedExits []domain.ExitRequest
	Cancelled   []string
}

func newMockExchange() *MockExchange {
	return &MockExchange{
		MarketType: domain.MarketSpot,
		Filters: domain.SymbolFilters{
			TickSize:    dec("0.01"),
			StepSize:    dec("0.0001"),
			MinQty:      dec("0.0001"),
			MinNotional: dec("10"),
		},
		Statuses: make(map[string]domain.OrderStatus),
	}
}

func (m *MockExchange) Market() domain.MarketType { return m.MarketType }

func (m *MockExchange) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PriceErr != nil {
		return decimal.Zero, m.PriceErr
	}
	return m.Price, nil
}

func (m *MockExchange) GetOpenPrice(ctx context.Context, symbol string, tf domain.TimeFrame) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.OpenErr != nil {
		return decimal.Zero, m.OpenErr
	}
	return m.OpenPrice, nil
}

func (m *MockExchange) GetAvailableBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.BalanceErr != nil {
		return decimal.Zero, m.BalanceErr
	}
	return m.Balance, nil
}

func (m *MockExchange) SymbolFilters(ctx context.Context, symbol string) (*domain.SymbolFilters, error) {
	f := m.Filters
	return &f, nil
}

func (m *MockExchange) PlaceLimitBuy(ctx context.Context, req domain.LimitBuyRequest) (*domain.OrderAck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PlaceErr != nil {
		return nil, m.PlaceErr
	}
	m.PlacedBuys = append(m.PlacedBuys, req)
	return &domain.OrderAck{
		ExchangeID: "ex-" + req.ClientRef,
		ClientRef:  req.ClientRef,
		Price:      req.Price,
		Quantity:   req.Quantity,
	}, nil
}

func (m *MockExchange) PlaceExit(ctx context.Context, req domain.ExitRequest) (*domain.OrderAck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PlaceErr != nil {
		return nil, m.PlaceErr
	}
	m.PlacedExits = append(m.PlacedExits, req)
	return &domain.OrderAck{ExchangeID: "ex-" + req.ClientRef, ClientRef: req.ClientRef, Quantity: req.Quantity}, nil
}

func (m *MockExchange) CancelOrder(ctx context.Context, symbol, exchangeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Cancelled = append(m.Cancelled, exchangeID)
	return nil
}

func (m *MockExchange) GetOrderStatus(ctx context.Context, symbol, exchangeID string) (domain.OrderStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.Statuses[exchangeID]; ok {
		return s, nil
	}
	return domain.OrderStatusPending, nil
}

// MockStore keeps everything in memory and implements both repositories.
type MockStore struct {
	mu sync.Mutex

	Orders    map[string]*domain.Order
	Triggered map[string]map[domain.TimeFrame][]float64
	Refs      map[string]map[domain.TimeFrame]domain.ReferenceSnapshot

	SaveThresholdErr error
	SavedThresholds  []float64 // persistence order, for before-signal checks
}

func newMockStore() *MockStore {
	return &MockStore{
		Orders:    make(map[string]*domain.Order),
		Triggered: make(map[string]map[domain.TimeFrame][]float64),
		Refs:      make(map[string]map[domain.TimeFrame]domain.ReferenceSnapshot),
	}
}

func (s *MockStore) UpsertOrder(ctx context.Context, order *domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *order
	s.Orders[order.ClientRef] = &cp
	return nil
}

func (s *MockStore) GetOrder(ctx context.Context, clientRef string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.Orders[clientRef]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	return o, nil
}

func (s *MockStore) ListPendingOrders(ctx context.Context) ([]*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Order
	for _, o := range s.Orders {
		if o.Status == domain.OrderStatusPending {
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *MockStore) ListActiveExits(ctx context.Context) ([]*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Order
	for _, o := range s.Orders {
		if o.HasPendingExits() {
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *MockStore) SaveTriggeredThreshold(ctx context.Context, symbol string, tf domain.TimeFrame, threshold float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SaveThresholdErr != nil {
		return s.SaveThresholdErr
	}
	if s.Triggered[symbol] == nil {
		s.Triggered[symbol] = make(map[domain.TimeFrame][]float64)
	}
	s.Triggered[symbol][tf] = append(s.Triggered[symbol][tf], threshold)
	s.SavedThresholds = append(s.SavedThresholds, threshold)
	return nil
}

func (s *MockStore) ListTriggeredThresholds(ctx context.Context) (map[string]map[domain.TimeFrame][]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Hand out copies, like the sqlite store builds fresh maps per call.
	out := make(map[string]map[domain.TimeFrame][]float64, len(s.Triggered))
	for symbol, byTF := range s.Triggered {
		out[symbol] = make(map[domain.TimeFrame][]float64, len(byTF))
		for tf, list := range byTF {
			out[symbol][tf] = append([]float64(nil), list...)
		}
	}
	return out, nil
}

func (s *MockStore) ClearTriggeredThresholds(ctx context.Context, tf domain.TimeFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, byTF := range s.Triggered {
		delete(byTF, tf)
	}
	return nil
}

func (s *MockStore) SaveReferencePrice(ctx context.Context, symbol string, tf domain.TimeFrame, price decimal.Decimal, resetAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Refs[symbol] == nil {
		s.Refs[symbol] = make(map[domain.TimeFrame]domain.ReferenceSnapshot)
	}
	s.Refs[symbol][tf] = domain.ReferenceSnapshot{Price: price, ResetAt: resetAt}
	return nil
}

func (s *MockStore) ListReferencePrices(ctx context.Context) (map[string]map[domain.TimeFrame]domain.ReferenceSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Refs, nil
}

// RecordingNotifier captures every emitted event.
type RecordingNotifier struct {
	mu     sync.Mutex
	Events []domain.Event
}

func (n *RecordingNotifier) Notify(ctx context.Context, ev domain.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Events = append(n.Events, ev)
}

func (n *RecordingNotifier) Kinds() []domain.EventKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	kinds := make([]domain.EventKind, len(n.Events))
	for i, ev := range n.Events {
		kinds[i] = ev.Kind
	}
	return kinds
}
