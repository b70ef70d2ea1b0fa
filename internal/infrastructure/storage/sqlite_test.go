package storage_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vkotik/dripfeed/internal/domain"
	"github.com/vkotik/dripfeed/internal/infrastructure/storage"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func newStore(t *testing.T) *storage.SQLiteStore {
	t.Helper()
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleOrder(ref string) *domain.Order {
	now := time.Now().UTC().Truncate(time.Second)
	threshold := 2.5
	return &domain.Order{
		ClientRef:  ref,
		Symbol:     "BTCUSDT",
		Market:     domain.MarketSpot,
		Status:     domain.OrderStatusPending,
		Price:      dec("25000.12"),
		Quantity:   dec("0.0039"),
		TimeFrame:  domain.TimeFrameDaily,
		Threshold:  &threshold,
		ExchangeID: "12345",
		CreatedAt:  now,
		UpdatedAt:  now,
		Fees:       decimal.Zero,
		FeeAsset:   "USDT",
	}
}

func TestOrderRoundtrip(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	order := sampleOrder("o1")
	require.NoError(t, store.UpsertOrder(ctx, order))

	got, err := store.GetOrder(ctx, "o1")
	require.NoError(t, err)
	require.Equal(t, order.Symbol, got.Symbol)
	require.Equal(t, order.Status, got.Status)
	require.True(t, got.Price.Equal(order.Price))
	require.True(t, got.Quantity.Equal(order.Quantity))
	require.NotNil(t, got.Threshold)
	require.Equal(t, 2.5, *got.Threshold)
	require.Nil(t, got.TakeProfit)
	require.Nil(t, got.TrailingSL)
}

func TestUpsertIsIdempotentByClientRef(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	order := sampleOrder("o1")
	require.NoError(t, store.UpsertOrder(ctx, order))

	// Same ref again with a new status: one row, updated in place.
	now := time.Now().UTC().Truncate(time.Second)
	order.Status = domain.OrderStatusFilled
	order.FilledAt = &now
	require.NoError(t, store.UpsertOrder(ctx, order))

	got, err := store.GetOrder(ctx, "o1")
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusFilled, got.Status)
	require.NotNil(t, got.FilledAt)

	pending, err := store.ListPendingOrders(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestGetOrderNotFound(t *testing.T) {
	store := newStore(t)
	_, err := store.GetOrder(context.Background(), "nope")
	require.True(t, errors.Is(err, domain.ErrOrderNotFound))
}

func TestExitStateRoundtrip(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	order := sampleOrder("o1")
	order.Status = domain.OrderStatusFilled
	order.FilledAt = &now
	order.TakeProfit = &domain.TakeProfit{Price: dec("105"), Percentage: 5, Status: domain.ExitStatusPending}
	order.StopLoss = &domain.StopLoss{Price: dec("90"), Percentage: 10, Status: domain.ExitStatusPending}
	order.PartialTPs = []*domain.PartialTakeProfit{
		{Level: 1, Price: dec("102"), PositionPct: 25, ProfitPct: 2, Status: domain.ExitStatusTriggered, TriggeredAt: &now},
		{Level: 2, Price: dec("104"), PositionPct: 25, ProfitPct: 4, Status: domain.ExitStatusPending},
	}
	order.TrailingSL = &domain.TrailingStopLoss{
		ActivationPct: 3,
		CallbackRate:  1,
		Activation:    dec("103"),
		CurrentStop:   dec("101.97"),
		ExtremePrice:  dec("103"),
		Status:        domain.ExitStatusPending,
		ActivatedAt:   &now,
	}
	require.NoError(t, store.UpsertOrder(ctx, order))

	got, err := store.GetOrder(ctx, "o1")
	require.NoError(t, err)
	require.True(t, got.TakeProfit.Price.Equal(dec("105")))
	require.True(t, got.StopLoss.Price.Equal(dec("90")))
	require.Len(t, got.PartialTPs, 2)
	require.Equal(t, domain.ExitStatusTriggered, got.PartialTPs[0].Status)
	require.NotNil(t, got.PartialTPs[0].TriggeredAt)
	require.True(t, got.TrailingSL.CurrentStop.Equal(dec("101.97")))
	require.True(t, got.TrailingSL.Activated())

	// The order has pending exits, so it is in the active set.
	active, err := store.ListActiveExits(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
}

func TestActiveExitsExcludesSettledOrders(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	done := sampleOrder("done")
	done.Status = domain.OrderStatusFilled
	done.FilledAt = &now
	done.TakeProfit = &domain.TakeProfit{Price: dec("105"), Percentage: 5, Status: domain.ExitStatusTriggered, TriggeredAt: &now}
	require.NoError(t, store.UpsertOrder(ctx, done))

	pending := sampleOrder("pending")
	require.NoError(t, store.UpsertOrder(ctx, pending))

	active, err := store.ListActiveExits(ctx)
	require.NoError(t, err)
	require.Empty(t, active)
}

func TestPartialLadderReplacedOnUpsert(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	order := sampleOrder("o1")
	order.PartialTPs = []*domain.PartialTakeProfit{
		{Level: 1, Price: dec("102"), PositionPct: 25, ProfitPct: 2, Status: domain.ExitStatusPending},
	}
	require.NoError(t, store.UpsertOrder(ctx, order))

	order.PartialTPs[0].Status = domain.ExitStatusTriggered
	require.NoError(t, store.UpsertOrder(ctx, order))

	got, err := store.GetOrder(ctx, "o1")
	require.NoError(t, err)
	require.Len(t, got.PartialTPs, 1)
	require.Equal(t, domain.ExitStatusTriggered, got.PartialTPs[0].Status)
}

func TestTriggeredThresholdState(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveTriggeredThreshold(ctx, "BTCUSDT", domain.TimeFrameDaily, 2.0))
	require.NoError(t, store.SaveTriggeredThreshold(ctx, "BTCUSDT", domain.TimeFrameDaily, 5.0))
	require.NoError(t, store.SaveTriggeredThreshold(ctx, "BTCUSDT", domain.TimeFrameWeekly, 5.0))
	// Saving the same threshold twice is a refresh, not a duplicate.
	require.NoError(t, store.SaveTriggeredThreshold(ctx, "BTCUSDT", domain.TimeFrameDaily, 2.0))

	got, err := store.ListTriggeredThresholds(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []float64{2.0, 5.0}, got["BTCUSDT"][domain.TimeFrameDaily])
	require.ElementsMatch(t, []float64{5.0}, got["BTCUSDT"][domain.TimeFrameWeekly])

	// Clearing one timeframe leaves the others untouched.
	require.NoError(t, store.ClearTriggeredThresholds(ctx, domain.TimeFrameDaily))
	got, err = store.ListTriggeredThresholds(ctx)
	require.NoError(t, err)
	require.Empty(t, got["BTCUSDT"][domain.TimeFrameDaily])
	require.Len(t, got["BTCUSDT"][domain.TimeFrameWeekly], 1)
}

func TestReferencePriceState(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	resetAt := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, store.SaveReferencePrice(ctx, "BTCUSDT", domain.TimeFrameDaily, dec("50000"), resetAt))
	// Overwrite on the next cycle.
	require.NoError(t, store.SaveReferencePrice(ctx, "BTCUSDT", domain.TimeFrameDaily, dec("51000"), resetAt.Add(24*time.Hour)))

	got, err := store.ListReferencePrices(ctx)
	require.NoError(t, err)
	snap := got["BTCUSDT"][domain.TimeFrameDaily]
	require.True(t, snap.Price.Equal(dec("51000")))
	require.True(t, snap.ResetAt.After(resetAt))
}
