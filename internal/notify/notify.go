package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/vkotik/dripfeed/internal/domain"
)

// LogNotifier renders events into the structured log. It is the default
// delivery boundary; richer channels implement domain.Notifier and join the
// fan-out.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.Named("events")}
}

func (n *LogNotifier) Notify(_ context.Context, ev domain.Event) {
	fields := []zap.Field{
		zap.String("symbol", ev.Symbol),
		zap.Time("at", ev.At),
	}
	if ev.TimeFrame != "" {
		fields = append(fields, zap.String("timeframe", string(ev.TimeFrame)))
	}
	if ev.Threshold != 0 {
		fields = append(fields, zap.Float64("threshold", ev.Threshold))
	}
	if !ev.Price.IsZero() {
		fields = append(fields, zap.String("price", ev.Price.String()))
	}
	if !ev.Reference.IsZero() {
		fields = append(fields, zap.String("reference", ev.Reference.String()))
	}
	if !ev.Quantity.IsZero() {
		fields = append(fields, zap.String("quantity", ev.Quantity.String()))
	}
	if ev.Order != nil {
		fields = append(fields, zap.String("client_ref", ev.Order.ClientRef))
	}
	if ev.Detail != "" {
		fields = append(fields, zap.String("detail", ev.Detail))
	}
	n.logger.Info(string(ev.Kind), fields...)
}

// Multi fans one event out to several notifiers. Each receiver is isolated:
// none can block or fail the others.
type Multi []domain.Notifier

func (m Multi) Notify(ctx context.Context, ev domain.Event) {
	for _, n := range m {
		n.Notify(ctx, ev)
	}
}
