package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vkotik/dripfeed/internal/domain"
)

// Metrics holds the bot's Prometheus instruments.
type Metrics struct {
	ThresholdsFired *prometheus.CounterVec
	OrdersByOutcome *prometheus.CounterVec
	ExitsTriggered  *prometheus.CounterVec
	ReserveDenials  prometheus.Counter
	TimeframeResets *prometheus.CounterVec
	LoopRestarts    *prometheus.CounterVec
	RateLimitWait   prometheus.Histogram
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ThresholdsFired: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dripfeed_thresholds_fired_total",
			Help: "Threshold triggers by symbol and timeframe.",
		}, []string{"symbol", "timeframe"}),
		OrdersByOutcome: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dripfeed_orders_total",
			Help: "Entry orders by outcome (dispatched, filled, cancelled).",
		}, []string{"outcome"}),
		ExitsTriggered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dripfeed_exits_triggered_total",
			Help: "Exit triggers by kind.",
		}, []string{"kind"}),
		ReserveDenials: factory.NewCounter(prometheus.CounterOpts{
			Name: "dripfeed_reserve_denials_total",
			Help: "Orders denied by the reserve balance floor.",
		}),
		TimeframeResets: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dripfeed_timeframe_resets_total",
			Help: "Cycle boundary resets by timeframe.",
		}, []string{"timeframe"}),
		LoopRestarts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dripfeed_loop_restarts_total",
			Help: "Control loop restarts after a panic.",
		}, []string{"loop"}),
		RateLimitWait: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "dripfeed_rate_limit_wait_seconds",
			Help:    "Time spent blocked on the request rate window.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
	}
}

// Notifier translates core events into counter increments so the metrics
// surface needs no hooks inside the trading logic.
type Notifier struct {
	m *Metrics
}

func (m *Metrics) Notifier() *Notifier { return &Notifier{m: m} }

func (n *Notifier) Notify(_ context.Context, ev domain.Event) {
	switch ev.Kind {
	case domain.EventThresholdFired:
		n.m.ThresholdsFired.WithLabelValues(ev.Symbol, string(ev.TimeFrame)).Inc()
	case domain.EventOrderDispatched:
		n.m.OrdersByOutcome.WithLabelValues("dispatched").Inc()
	case domain.EventOrderFilled:
		n.m.OrdersByOutcome.WithLabelValues("filled").Inc()
	case domain.EventOrderCancelled:
		n.m.OrdersByOutcome.WithLabelValues("cancelled").Inc()
	case domain.EventTakeProfitHit:
		n.m.ExitsTriggered.WithLabelValues("take_profit").Inc()
	case domain.EventStopLossHit:
		n.m.ExitsTriggered.WithLabelValues("stop_loss").Inc()
	case domain.EventPartialTPHit:
		n.m.ExitsTriggered.WithLabelValues("partial_tp").Inc()
	case domain.EventTrailingStopHit:
		n.m.ExitsTriggered.WithLabelValues("trailing_stop").Inc()
	case domain.EventReserveDenied:
		n.m.ReserveDenials.Inc()
	case domain.EventTimeframeReset:
		n.m.TimeframeResets.WithLabelValues(string(ev.TimeFrame)).Inc()
	}
}

// Server exposes /metrics and /healthz.
type Server struct {
	srv *http.Server
}

func NewServer(port int, reg *prometheus.Registry) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return &Server{srv: &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}}
}

func (s *Server) Start() error {
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
