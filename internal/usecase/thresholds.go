package usecase

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/vkotik/dripfeed/internal/domain"
)

var oneHundred = decimal.NewFromInt(100)

// ThresholdEvaluator decides when a drop from the reference anchor crosses a
// configured threshold. Each threshold fires at most once per cycle: the
// check-and-mark is atomic under the evaluator lock, and the mark is
// persisted before the signal is returned, so a crash between the two can
// only suppress a duplicate, never create one.
type ThresholdEvaluator struct {
	mu         sync.Mutex
	state      domain.StateRepository
	thresholds func(tf domain.TimeFrame) []float64 // sorted ascending

	triggered map[string]map[domain.TimeFrame]map[float64]bool
}

func NewThresholdEvaluator(state domain.StateRepository, thresholds func(tf domain.TimeFrame) []float64) *ThresholdEvaluator {
	return &ThresholdEvaluator{
		state:      state,
		thresholds: thresholds,
		triggered:  make(map[string]map[domain.TimeFrame]map[float64]bool),
	}
}

// Restore seeds the triggered sets from persisted state.
func (e *ThresholdEvaluator) Restore(saved map[string]map[domain.TimeFrame][]float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for symbol, byTF := range saved {
		for tf, list := range byTF {
			for _, t := range list {
				e.markLocked(symbol, tf, t)
			}
		}
	}
}

// Clear forgets every triggered threshold on a timeframe, across all
// symbols. Called when the timeframe's cycle resets.
func (e *ThresholdEvaluator) Clear(ctx context.Context, tf domain.TimeFrame) error {
	e.mu.Lock()
	for _, byTF := range e.triggered {
		delete(byTF, tf)
	}
	e.mu.Unlock()
	return e.state.ClearTriggeredThresholds(ctx, tf)
}

// DropPercent is the signed percentage decline from reference to price.
// Prices above the reference produce a negative drop.
func DropPercent(reference, price decimal.Decimal) decimal.Decimal {
	if reference.IsZero() {
		return decimal.Zero
	}
	return reference.Sub(price).Div(reference).Mul(oneHundred)
}

// Evaluate checks thresholds in ascending order and returns the first one
// that the current drop reaches and that has not fired this cycle. The
// threshold is marked and persisted before the signal returns.
func (e *ThresholdEvaluator) Evaluate(ctx context.Context, symbol string, tf domain.TimeFrame, reference, price decimal.Decimal) (float64, bool, error) {
	drop := DropPercent(reference, price)
	if drop.Sign() <= 0 {
		return 0, false, nil
	}

	e.mu.Lock()
	var hit float64
	found := false
	for _, t := range e.thresholds(tf) {
		if drop.LessThan(decimal.NewFromFloat(t)) {
			break
		}
		if e.triggered[symbol][tf][t] {
			continue
		}
		hit = t
		found = true
		e.markLocked(symbol, tf, t)
		break
	}
	e.mu.Unlock()

	if !found {
		return 0, false, nil
	}

	if err := e.state.SaveTriggeredThreshold(ctx, symbol, tf, hit); err != nil {
		// The in-memory mark stands: suppressing a re-fire is safer than
		// double dispatch after a partial write.
		return 0, false, fmt.Errorf("persist threshold %s %s %.2f: %w", symbol, tf, hit, err)
	}
	return hit, true, nil
}

func (e *ThresholdEvaluator) markLocked(symbol string, tf domain.TimeFrame, threshold float64) {
	if e.triggered[symbol] == nil {
		e.triggered[symbol] = make(map[domain.TimeFrame]map[float64]bool)
	}
	if e.triggered[symbol][tf] == nil {
		e.triggered[symbol][tf] = make(map[float64]bool)
	}
	e.triggered[symbol][tf][threshold] = true
}
