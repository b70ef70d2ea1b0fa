package usecase_test

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/vkotik/dripfeed/internal/domain"
	"github.com/vkotik/dripfeed/internal/usecase"
)

func filledOrder(ref string) *domain.Order {
	now := time.Now()
	return &domain.Order{
		ClientRef:  ref,
		Symbol:     "BTCUSDT",
		Market:     domain.MarketSpot,
		Status:     domain.OrderStatusFilled,
		Price:      dec("100"),
		Quantity:   dec("1"),
		TimeFrame:  domain.TimeFrameDaily,
		ExchangeID: "ex-" + ref,
		CreatedAt:  now,
		UpdatedAt:  now,
		FilledAt:   &now,
	}
}

func withTrailing(o *domain.Order, activationPct, callback float64, activation string) *domain.Order {
	o.TrailingSL = &domain.TrailingStopLoss{
		ActivationPct: activationPct,
		CallbackRate:  callback,
		Activation:    dec(activation),
		Status:        domain.ExitStatusPending,
	}
	return o
}

func newEngine(t *testing.T) (*usecase.ExitEngine, *MockExchange, *MockStore, *RecordingNotifier) {
	t.Helper()
	ex := newMockExchange()
	store := newMockStore()
	notifier := &RecordingNotifier{}
	return usecase.NewExitEngine(ex, store, notifier, testLogger), ex, store, notifier
}

func TestTakeProfitExactBoundary(t *testing.T) {
	engine, ex, _, notifier := newEngine(t)

	order := filledOrder("o1")
	order.TakeProfit = &domain.TakeProfit{Price: dec("105"), Percentage: 5, Status: domain.ExitStatusPending}

	// 104.99 is short of the target.
	require.NoError(t, engine.Evaluate(context.Background(), order, dec("104.99")))
	require.Empty(t, ex.PlacedExits)
	require.Equal(t, domain.ExitStatusPending, order.TakeProfit.Status)

	// 105.00 triggers and closes the whole position.
	require.NoError(t, engine.Evaluate(context.Background(), order, dec("105")))
	require.Len(t, ex.PlacedExits, 1)
	require.True(t, ex.PlacedExits[0].Quantity.Equal(dec("1")))
	require.Equal(t, domain.ExitStatusTriggered, order.TakeProfit.Status)
	require.NotNil(t, order.TakeProfit.TriggeredAt)
	require.Equal(t, []domain.EventKind{domain.EventTakeProfitHit}, notifier.Kinds())
}

func TestStopLossClosesAndCancelsRest(t *testing.T) {
	engine, ex, _, _ := newEngine(t)

	order := filledOrder("o2")
	order.TakeProfit = &domain.TakeProfit{Price: dec("105"), Percentage: 5, Status: domain.ExitStatusPending}
	order.StopLoss = &domain.StopLoss{Price: dec("90"), Percentage: 10, Status: domain.ExitStatusPending}

	require.NoError(t, engine.Evaluate(context.Background(), order, dec("89.5")))

	require.Len(t, ex.PlacedExits, 1)
	require.Equal(t, domain.ExitStatusTriggered, order.StopLoss.Status)
	// The untouched take-profit is cancelled, not left dangling.
	require.Equal(t, domain.ExitStatusCancelled, order.TakeProfit.Status)
	require.False(t, order.HasPendingExits())
}

func TestPartialLadder(t *testing.T) {
	engine, ex, _, notifier := newEngine(t)

	order := filledOrder("o3")
	order.Quantity = dec("2")
	order.PartialTPs = []*domain.PartialTakeProfit{
		{Level: 1, Price: dec("102"), PositionPct: 25, ProfitPct: 2, Status: domain.ExitStatusPending},
		{Level: 2, Price: dec("104"), PositionPct: 25, ProfitPct: 4, Status: domain.ExitStatusPending},
	}

	// 102.5 reaches only the first rung: 25% of 2 = 0.5.
	require.NoError(t, engine.Evaluate(context.Background(), order, dec("102.5")))
	require.Len(t, ex.PlacedExits, 1)
	require.True(t, ex.PlacedExits[0].Quantity.Equal(dec("0.5")))
	require.Equal(t, domain.ExitStatusTriggered, order.PartialTPs[0].Status)
	require.Equal(t, domain.ExitStatusPending, order.PartialTPs[1].Status)

	// A triggered rung stays triggered on the next pass.
	require.NoError(t, engine.Evaluate(context.Background(), order, dec("102.5")))
	require.Len(t, ex.PlacedExits, 1)

	// 104 reaches the second rung.
	require.NoError(t, engine.Evaluate(context.Background(), order, dec("104")))
	require.Len(t, ex.PlacedExits, 2)
	require.True(t, ex.PlacedExits[1].Quantity.Equal(dec("0.5")))

	require.Equal(t, []domain.EventKind{domain.EventPartialTPHit, domain.EventPartialTPHit}, notifier.Kinds())
}

func TestTrailingStopScenario(t *testing.T) {
	engine, ex, _, _ := newEngine(t)
	ctx := context.Background()

	// Entry 100, arms at 103, 1% callback.
	order := withTrailing(filledOrder("o4"), 3, 1, "103")

	// Below activation: nothing happens.
	require.NoError(t, engine.Evaluate(ctx, order, dec("102.99")))
	require.False(t, order.TrailingSL.Activated())

	// 103 activates: stop = 103 * 0.99 = 101.97.
	require.NoError(t, engine.Evaluate(ctx, order, dec("103")))
	require.True(t, order.TrailingSL.Activated())
	require.True(t, order.TrailingSL.CurrentStop.Equal(dec("101.97")),
		"stop = %s, want 101.97", order.TrailingSL.CurrentStop)

	// New extreme 110: stop ratchets to 110 * 0.99 = 108.90.
	require.NoError(t, engine.Evaluate(ctx, order, dec("110")))
	require.True(t, order.TrailingSL.CurrentStop.Equal(dec("108.90")),
		"stop = %s, want 108.90", order.TrailingSL.CurrentStop)

	// A dip that stays above the stop does not move it.
	require.NoError(t, engine.Evaluate(ctx, order, dec("109")))
	require.True(t, order.TrailingSL.CurrentStop.Equal(dec("108.90")))
	require.Empty(t, ex.PlacedExits)

	// 108.89 is through the stop: full close.
	require.NoError(t, engine.Evaluate(ctx, order, dec("108.89")))
	require.Len(t, ex.PlacedExits, 1)
	require.Equal(t, domain.ExitStatusTriggered, order.TrailingSL.Status)
}

func TestTrailingStopShortMirror(t *testing.T) {
	engine, ex, _, _ := newEngine(t)
	ctx := context.Background()

	short := domain.DirectionShort
	order := withTrailing(filledOrder("o5"), 3, 1, "97")
	order.Direction = &short

	// Shorts profit downward: 97 activates, stop = 97 * 1.01 = 97.97.
	require.NoError(t, engine.Evaluate(ctx, order, dec("97")))
	require.True(t, order.TrailingSL.Activated())
	require.True(t, order.TrailingSL.CurrentStop.Equal(dec("97.97")),
		"stop = %s, want 97.97", order.TrailingSL.CurrentStop)

	// New low 90: stop tightens down to 90.90.
	require.NoError(t, engine.Evaluate(ctx, order, dec("90")))
	require.True(t, order.TrailingSL.CurrentStop.Equal(dec("90.90")),
		"stop = %s, want 90.90", order.TrailingSL.CurrentStop)

	// Bounce through the stop closes with a reduce-only buy.
	require.NoError(t, engine.Evaluate(ctx, order, dec("90.91")))
	require.Len(t, ex.PlacedExits, 1)
	require.Equal(t, domain.DirectionShort, ex.PlacedExits[0].Direction)
}

func TestTakeProfitEvaluatedBeforeTrailing(t *testing.T) {
	engine, ex, _, notifier := newEngine(t)

	order := withTrailing(filledOrder("o6"), 3, 1, "103")
	order.TakeProfit = &domain.TakeProfit{Price: dec("105"), Percentage: 5, Status: domain.ExitStatusPending}

	// 105 satisfies both the TP and the trailing activation; the TP wins
	// and the trailing stop is cancelled by the full close.
	require.NoError(t, engine.Evaluate(context.Background(), order, dec("105")))
	require.Len(t, ex.PlacedExits, 1)
	require.Equal(t, []domain.EventKind{domain.EventTakeProfitHit}, notifier.Kinds())
	require.Equal(t, domain.ExitStatusCancelled, order.TrailingSL.Status)
}

func TestSweepUsesPriceResolver(t *testing.T) {
	engine, ex, store, _ := newEngine(t)
	ctx := context.Background()

	order := filledOrder("o7")
	order.TakeProfit = &domain.TakeProfit{Price: dec("105"), Percentage: 5, Status: domain.ExitStatusPending}
	require.NoError(t, store.UpsertOrder(ctx, order))

	err := engine.Sweep(ctx, func(ctx context.Context, symbol string) (decimal.Decimal, error) {
		return dec("106"), nil
	})
	require.NoError(t, err)
	require.Len(t, ex.PlacedExits, 1)
}

// TestTrailingStopMonotonic drives the trailing stop with arbitrary price
// walks and checks the ratchet invariant: once activated, the stop of a
// long position never moves down.
func TestTrailingStopMonotonic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("long stop never loosens", prop.ForAll(
		func(prices []float64) bool {
			engine, _, _, _ := newEngine(t)
			order := withTrailing(filledOrder("prop"), 3, 1, "103")

			lastStop := decimal.Zero
			for _, p := range prices {
				price := decimal.NewFromFloat(p)
				if err := engine.Evaluate(context.Background(), order, price); err != nil {
					return false
				}
				tsl := order.TrailingSL
				if !tsl.Activated() {
					continue
				}
				if !lastStop.IsZero() && tsl.CurrentStop.LessThan(lastStop) {
					return false
				}
				lastStop = tsl.CurrentStop
				if tsl.Status != domain.ExitStatusPending {
					break
				}
			}
			return true
		},
		gen.SliceOf(gen.Float64Range(50, 200)),
	))

	properties.TestingRun(t)
}
