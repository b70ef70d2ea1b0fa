package usecase

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vkotik/dripfeed/internal/config"
	"github.com/vkotik/dripfeed/internal/domain"
)

const (
	loopMaxRestarts   = 5
	loopRestartWindow = 10 * time.Minute
)

// PriceCache is a low-latency price overlay (the websocket stream). A miss
// falls through to the REST gateway.
type PriceCache interface {
	LastPrice(symbol string) (decimal.Decimal, bool)
}

// Bot wires the control loops together: threshold evaluation, order
// lifecycle and exit evaluation each run on their own ticker. A loop that
// panics is restarted; a loop that panics repeatedly takes the bot down.
type Bot struct {
	cfg        *config.Config
	exchange   domain.Exchange
	tracker    *ReferenceTracker
	evaluator  *ThresholdEvaluator
	dispatcher *Dispatcher
	lifecycle  *LifecycleMonitor
	exits      *ExitEngine
	recovery   *Recovery
	notifier   domain.Notifier
	prices     PriceCache // may be nil
	logger     *zap.Logger

	onRestart func(loop string)

	mu       sync.Mutex
	excluded map[string]bool
	cleared  map[domain.TimeFrame]time.Time // cycle start of the last threshold clear
}

func NewBot(
	cfg *config.Config,
	exchange domain.Exchange,
	tracker *ReferenceTracker,
	evaluator *ThresholdEvaluator,
	dispatcher *Dispatcher,
	lifecycle *LifecycleMonitor,
	exits *ExitEngine,
	recovery *Recovery,
	notifier domain.Notifier,
	prices PriceCache,
	logger *zap.Logger,
) *Bot {
	return &Bot{
		cfg:        cfg,
		exchange:   exchange,
		tracker:    tracker,
		evaluator:  evaluator,
		dispatcher: dispatcher,
		lifecycle:  lifecycle,
		exits:      exits,
		recovery:   recovery,
		notifier:   notifier,
		prices:     prices,
		logger:     logger,
		excluded:   make(map[string]bool),
		cleared:    make(map[domain.TimeFrame]time.Time),
	}
}

// OnLoopRestart registers a hook called whenever a loop restarts after a
// panic.
func (b *Bot) OnLoopRestart(fn func(loop string)) { b.onRestart = fn }

// Run recovers persisted state, anchors references and blocks running the
// control loops until ctx is cancelled or a loop dies for good.
func (b *Bot) Run(ctx context.Context) error {
	if err := b.recovery.Run(ctx, b.evaluator, b.tracker, b.cfg.Trading.Pairs[0]); err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	if err := b.tracker.EnsureAll(ctx); err != nil {
		b.logger.Warn("some references not anchored yet", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	loops := []struct {
		name     string
		interval time.Duration
		tick     func(context.Context)
	}{
		{"thresholds", b.cfg.Intervals.ThresholdCheck.D(), b.thresholdTick},
		{"orders", b.cfg.Intervals.OrderCheck.D(), b.orderTick},
		{"exits", b.cfg.Intervals.ExitCheck.D(), b.exitTick},
	}
	for _, loop := range loops {
		wg.Add(1)
		go func(name string, interval time.Duration, tick func(context.Context)) {
			defer wg.Done()
			b.superviseLoop(ctx, cancel, name, interval, tick)
		}(loop.name, loop.interval, loop.tick)
	}

	b.logger.Info("bot started",
		zap.Strings("pairs", b.cfg.Trading.Pairs),
		zap.String("market", string(b.cfg.Exchange.Market)))

	wg.Wait()
	return ctx.Err()
}

// superviseLoop runs one ticker loop, restarting it after panics. Crossing
// the restart budget inside the window is fatal for the whole bot.
func (b *Bot) superviseLoop(ctx context.Context, cancel context.CancelFunc, name string, interval time.Duration, tick func(context.Context)) {
	restarts := 0
	windowStart := time.Now()

	for ctx.Err() == nil {
		err := b.runLoop(ctx, name, interval, tick)
		if err == nil || ctx.Err() != nil {
			return
		}

		if time.Since(windowStart) > loopRestartWindow {
			restarts = 0
			windowStart = time.Now()
		}
		restarts++
		if b.onRestart != nil {
			b.onRestart(name)
		}
		if restarts > loopMaxRestarts {
			b.logger.Error("loop restart budget exhausted, stopping bot",
				zap.String("loop", name), zap.Error(err))
			b.notifier.Notify(ctx, domain.Event{
				Kind:   domain.EventLoopFatal,
				Detail: name + ": " + err.Error(),
				At:     time.Now(),
			})
			cancel()
			return
		}
		b.logger.Error("loop crashed, restarting",
			zap.String("loop", name),
			zap.Int("restart", restarts),
			zap.Error(err))
	}
}

// runLoop drives one ticker until ctx is done; a panic in a tick is
// converted into an error so the supervisor can decide.
func (b *Bot) runLoop(ctx context.Context, name string, interval time.Duration, tick func(context.Context)) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s loop: %v\n%s", name, r, debug.Stack())
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			tick(ctx)
		}
	}
}

// thresholdTick is one pass of the trigger loop: handle cycle resets, then
// evaluate each pair on each timeframe against its anchor.
func (b *Bot) thresholdTick(ctx context.Context) {
	b.handleResets(ctx)
	if err := b.tracker.EnsureAll(ctx); err != nil {
		b.logger.Warn("reference refresh incomplete", zap.Error(err))
	}

	delay := b.cfg.Intervals.SymbolDelay.D()
	for i, symbol := range b.cfg.Trading.Pairs {
		if b.isExcluded(symbol) {
			continue
		}
		if i > 0 && delay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}

		price, err := b.currentPrice(ctx, symbol)
		if err != nil {
			if errors.Is(err, domain.ErrInvalidSymbol) {
				b.exclude(symbol)
				continue
			}
			b.logger.Error("price fetch failed", zap.String("symbol", symbol), zap.Error(err))
			continue
		}

		for _, tf := range domain.TimeFrames {
			if len(b.cfg.ThresholdsFor(tf)) == 0 {
				continue
			}
			b.evaluateOne(ctx, symbol, tf, price)
		}
	}

	// Reconcile pending orders right after the pass too, so fills from
	// freshly dispatched orders get their exit plan without waiting a full
	// order-check interval.
	b.orderTick(ctx)
}

func (b *Bot) evaluateOne(ctx context.Context, symbol string, tf domain.TimeFrame, price decimal.Decimal) {
	reference, ok := b.tracker.Reference(symbol, tf)
	if !ok {
		return
	}

	threshold, fired, err := b.evaluator.Evaluate(ctx, symbol, tf, reference, price)
	if err != nil {
		b.logger.Error("threshold evaluation failed",
			zap.String("symbol", symbol),
			zap.String("timeframe", string(tf)),
			zap.Error(err))
		return
	}
	if !fired {
		return
	}

	b.notifier.Notify(ctx, domain.Event{
		Kind:      domain.EventThresholdFired,
		Symbol:    symbol,
		TimeFrame: tf,
		Threshold: threshold,
		Price:     price,
		Reference: reference,
		At:        time.Now(),
	})

	if _, err := b.dispatcher.Dispatch(ctx, symbol, tf, threshold, price); err != nil {
		switch {
		case errors.Is(err, domain.ErrReserveViolation), errors.Is(err, domain.ErrBelowMinNotional):
			b.logger.Warn("dispatch declined",
				zap.String("symbol", symbol),
				zap.Float64("threshold", threshold),
				zap.Error(err))
		case errors.Is(err, domain.ErrInvalidSymbol):
			b.exclude(symbol)
		default:
			b.logger.Error("dispatch failed",
				zap.String("symbol", symbol),
				zap.Float64("threshold", threshold),
				zap.Error(err))
		}
	}
}

// handleResets runs a cycle reset for every timeframe whose boundary has
// passed. The clear is persisted before the first new-cycle anchor, so a
// crash between the two leaves the old anchors in place and the reset
// reruns after restart. It also runs at most once per cycle, so a re-anchor
// retry cannot wipe thresholds already fired in the new cycle.
func (b *Bot) handleResets(ctx context.Context) {
	for _, tf := range b.tracker.DueResets() {
		cycle := tf.CycleStart(time.Now().UTC())
		if !b.clearedThisCycle(tf, cycle) {
			if err := b.evaluator.Clear(ctx, tf); err != nil {
				b.logger.Error("clearing triggered thresholds failed",
					zap.String("timeframe", string(tf)), zap.Error(err))
				continue
			}
			b.markCleared(tf, cycle)
		}
		if err := b.tracker.ReAnchor(ctx, tf); err != nil {
			b.logger.Error("cycle reset incomplete",
				zap.String("timeframe", string(tf)), zap.Error(err))
			continue
		}
		b.notifier.Notify(ctx, domain.Event{
			Kind:      domain.EventTimeframeReset,
			TimeFrame: tf,
			At:        time.Now(),
		})
	}
}

func (b *Bot) clearedThisCycle(tf domain.TimeFrame, cycle time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cleared[tf].Equal(cycle)
}

func (b *Bot) markCleared(tf domain.TimeFrame, cycle time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cleared[tf] = cycle
}

func (b *Bot) orderTick(ctx context.Context) {
	if err := b.lifecycle.Check(ctx); err != nil {
		b.logger.Error("order lifecycle check failed", zap.Error(err))
	}
}

func (b *Bot) exitTick(ctx context.Context) {
	if err := b.exits.Sweep(ctx, b.currentPrice); err != nil {
		b.logger.Error("exit sweep failed", zap.Error(err))
	}
}

// currentPrice prefers the stream cache and falls back to REST.
func (b *Bot) currentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if b.prices != nil {
		if price, ok := b.prices.LastPrice(symbol); ok {
			return price, nil
		}
	}
	return b.exchange.GetPrice(ctx, symbol)
}

func (b *Bot) isExcluded(symbol string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.excluded[symbol]
}

func (b *Bot) exclude(symbol string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.excluded[symbol] {
		b.logger.Error("symbol rejected by exchange, excluded from trading",
			zap.String("symbol", symbol))
	}
	b.excluded[symbol] = true
}
