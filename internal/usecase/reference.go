package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vkotik/dripfeed/internal/domain"
)

// ReferenceTracker owns the anchor price for every (symbol, timeframe) pair.
// The anchor is the opening print of the current candle; when the exchange
// has no kline for a pair the tracker degrades to the last trade price and
// logs the substitution.
type ReferenceTracker struct {
	mu       sync.RWMutex
	exchange domain.Exchange
	state    domain.StateRepository
	logger   *zap.Logger
	symbols  []string
	now      func() time.Time

	refs map[string]map[domain.TimeFrame]domain.ReferenceSnapshot
}

func NewReferenceTracker(exchange domain.Exchange, state domain.StateRepository, symbols []string, logger *zap.Logger) *ReferenceTracker {
	return &ReferenceTracker{
		exchange: exchange,
		state:    state,
		logger:   logger,
		symbols:  symbols,
		now:      time.Now,
		refs:     make(map[string]map[domain.TimeFrame]domain.ReferenceSnapshot),
	}
}

// Restore seeds the tracker from persisted snapshots. Snapshots from an
// already-closed cycle are dropped so the next MaybeReset re-anchors them.
func (r *ReferenceTracker) Restore(saved map[string]map[domain.TimeFrame]domain.ReferenceSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	for symbol, byTF := range saved {
		for tf, snap := range byTF {
			if !tf.SameCycle(snap.ResetAt, now) {
				continue
			}
			if r.refs[symbol] == nil {
				r.refs[symbol] = make(map[domain.TimeFrame]domain.ReferenceSnapshot)
			}
			r.refs[symbol][tf] = snap
		}
	}
}

// Reference returns the current anchor for a pair, if one is established.
func (r *ReferenceTracker) Reference(symbol string, tf domain.TimeFrame) (decimal.Decimal, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap, ok := r.refs[symbol][tf]
	return snap.Price, ok
}

// EnsureAll anchors every pair that has no reference yet. Called at startup
// after Restore and again each tick so transient fetch failures heal.
func (r *ReferenceTracker) EnsureAll(ctx context.Context) error {
	var firstErr error
	for _, symbol := range r.symbols {
		for _, tf := range domain.TimeFrames {
			if _, ok := r.Reference(symbol, tf); ok {
				continue
			}
			if err := r.refresh(ctx, symbol, tf); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// DueResets reports the timeframes whose cycle boundary has passed since
// the stored anchor. It only detects: the caller clears the triggered
// thresholds for the timeframe first and then calls ReAnchor. Until a new
// anchor is persisted the timeframe keeps reporting due, so a crash between
// the two reruns the reset after restart.
func (r *ReferenceTracker) DueResets() []domain.TimeFrame {
	now := r.now()
	var due []domain.TimeFrame

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, tf := range domain.TimeFrames {
		for _, symbol := range r.symbols {
			if snap, ok := r.refs[symbol][tf]; ok && !tf.SameCycle(snap.ResetAt, now) {
				due = append(due, tf)
				break
			}
		}
	}
	return due
}

// ReAnchor refreshes and persists the anchor for every symbol on the
// timeframe.
func (r *ReferenceTracker) ReAnchor(ctx context.Context, tf domain.TimeFrame) error {
	for _, symbol := range r.symbols {
		if err := r.refresh(ctx, symbol, tf); err != nil {
			return fmt.Errorf("re-anchor %s %s: %w", symbol, tf, err)
		}
	}
	r.logger.Info("timeframe reset", zap.String("timeframe", string(tf)))
	return nil
}

// refresh fetches a fresh anchor and persists it. The candle open is
// authoritative; the ticker price is a degraded fallback.
func (r *ReferenceTracker) refresh(ctx context.Context, symbol string, tf domain.TimeFrame) error {
	price, err := r.exchange.GetOpenPrice(ctx, symbol, tf)
	if err != nil {
		fallback, ferr := r.exchange.GetPrice(ctx, symbol)
		if ferr != nil {
			return fmt.Errorf("anchor %s %s: %w", symbol, tf, err)
		}
		r.logger.Warn("using ticker price as reference, no candle open",
			zap.String("symbol", symbol),
			zap.String("timeframe", string(tf)),
			zap.Error(err))
		price = fallback
	}

	resetAt := r.now()
	if err := r.state.SaveReferencePrice(ctx, symbol, tf, price, resetAt); err != nil {
		return fmt.Errorf("persist reference %s %s: %w", symbol, tf, err)
	}

	r.mu.Lock()
	if r.refs[symbol] == nil {
		r.refs[symbol] = make(map[domain.TimeFrame]domain.ReferenceSnapshot)
	}
	r.refs[symbol][tf] = domain.ReferenceSnapshot{Price: price, ResetAt: resetAt}
	r.mu.Unlock()

	r.logger.Debug("reference anchored",
		zap.String("symbol", symbol),
		zap.String("timeframe", string(tf)),
		zap.String("price", price.String()))
	return nil
}
