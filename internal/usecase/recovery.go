package usecase

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vkotik/dripfeed/internal/domain"
)

// Recovery rebuilds in-memory state from the store before any loop starts.
// An unreadable store or unreachable exchange is fatal: resuming blind could
// re-fire thresholds that already dispatched capital.
type Recovery struct {
	exchange domain.Exchange
	orders   domain.OrderRepository
	state    domain.StateRepository
	logger   *zap.Logger
}

func NewRecovery(exchange domain.Exchange, orders domain.OrderRepository, state domain.StateRepository, logger *zap.Logger) *Recovery {
	return &Recovery{exchange: exchange, orders: orders, state: state, logger: logger}
}

// Run hydrates the evaluator and tracker and verifies both collaborators
// answer. Pending orders and active exits are not cached: their monitors
// read the store on every tick.
func (r *Recovery) Run(ctx context.Context, evaluator *ThresholdEvaluator, tracker *ReferenceTracker, probeSymbol string) error {
	triggered, err := r.state.ListTriggeredThresholds(ctx)
	if err != nil {
		return fmt.Errorf("load triggered thresholds: %w", err)
	}
	references, err := r.state.ListReferencePrices(ctx)
	if err != nil {
		return fmt.Errorf("load reference prices: %w", err)
	}

	// Threshold marks from an already-closed cycle must not suppress the new
	// one. Drop them and persist the clear before anything re-anchors, so a
	// crash here leaves the reset rerunnable.
	for _, tf := range staleTriggerTimeframes(references, time.Now().UTC()) {
		if err := r.state.ClearTriggeredThresholds(ctx, tf); err != nil {
			return fmt.Errorf("clear stale thresholds %s: %w", tf, err)
		}
		for _, byTF := range triggered {
			delete(byTF, tf)
		}
		r.logger.Info("cleared previous cycle's triggered thresholds",
			zap.String("timeframe", string(tf)))
	}

	evaluator.Restore(triggered)
	tracker.Restore(references)

	pending, err := r.orders.ListPendingOrders(ctx)
	if err != nil {
		return fmt.Errorf("load pending orders: %w", err)
	}
	active, err := r.orders.ListActiveExits(ctx)
	if err != nil {
		return fmt.Errorf("load active exits: %w", err)
	}

	if _, err := r.exchange.GetPrice(ctx, probeSymbol); err != nil {
		return fmt.Errorf("exchange unreachable: %w", err)
	}

	r.logger.Info("state recovered",
		zap.Int("triggered_symbols", len(triggered)),
		zap.Int("reference_symbols", len(references)),
		zap.Int("pending_orders", len(pending)),
		zap.Int("active_exits", len(active)))
	return nil
}

// staleTriggerTimeframes returns the timeframes whose persisted threshold
// marks predate the current cycle. A cycle reset clears the marks before it
// persists the first new anchor, so a current-cycle snapshot on a timeframe
// means the clear for that cycle already ran; only timeframes where every
// snapshot is from a closed cycle still carry the previous cycle's marks.
func staleTriggerTimeframes(refs map[string]map[domain.TimeFrame]domain.ReferenceSnapshot, now time.Time) []domain.TimeFrame {
	var out []domain.TimeFrame
	for _, tf := range domain.TimeFrames {
		stale, current := false, false
		for _, byTF := range refs {
			if snap, ok := byTF[tf]; ok {
				if tf.SameCycle(snap.ResetAt, now) {
					current = true
				} else {
					stale = true
				}
			}
		}
		if stale && !current {
			out = append(out, tf)
		}
	}
	return out
}
