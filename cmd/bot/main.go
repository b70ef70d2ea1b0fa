package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/vkotik/dripfeed/internal/config"
	"github.com/vkotik/dripfeed/internal/domain"
	"github.com/vkotik/dripfeed/internal/infrastructure/exchange"
	"github.com/vkotik/dripfeed/internal/infrastructure/logger"
	"github.com/vkotik/dripfeed/internal/infrastructure/storage"
	"github.com/vkotik/dripfeed/internal/metrics"
	"github.com/vkotik/dripfeed/internal/notify"
	"github.com/vkotik/dripfeed/internal/usecase"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	flag.Parse()

	cfg, warnings, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := buildLogger(cfg)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	for _, w := range warnings {
		log.Warn("config warning", zap.String("warning", w))
	}

	store, err := storage.NewSQLiteStore(cfg.Storage.Path, log)
	if err != nil {
		log.Fatal("Failed to init sqlite", zap.Error(err))
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	// Exchange gateway, wrapped in the shared rate limiter.
	var gateway domain.Exchange
	switch cfg.Exchange.Market {
	case domain.MarketFutures:
		fut := exchange.NewBinanceFutures(
			cfg.Exchange.APIKey, cfg.Exchange.APISecret, cfg.Exchange.Testnet,
			cfg.Futures.Leverage, cfg.Futures.MarginType, log)
		if err := fut.Setup(ctx, cfg.Trading.Pairs); err != nil {
			log.Fatal("Futures setup failed", zap.Error(err))
		}
		gateway = fut
	default:
		gateway = exchange.NewBinanceSpot(
			cfg.Exchange.APIKey, cfg.Exchange.APISecret, cfg.Exchange.Testnet, log)
	}

	limiter := usecase.NewRateLimiter(cfg.RateLimit.MaxRequestsPerMinute)
	limited := usecase.NewRateLimitedExchange(gateway, limiter)

	// Metrics, notification fan-out.
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	m := metrics.New(registry)
	usecase.WaitObserver(limiter, m.RateLimitWait.Observe)

	notifier := notify.Multi{notify.NewLogNotifier(log), m.Notifier()}

	// Core components.
	tracker := usecase.NewReferenceTracker(limited, store, cfg.Trading.Pairs, log)
	evaluator := usecase.NewThresholdEvaluator(store, cfg.ThresholdsFor)
	admission := usecase.NewAdmissionController(limited, cfg.Exchange.BaseCurrency, cfg.Trading.ReserveBalance, log)
	dispatcher := usecase.NewDispatcher(limited, store, admission, notifier, cfg, log)
	lifecycle := usecase.NewLifecycleMonitor(limited, store, notifier, cfg, log)
	exits := usecase.NewExitEngine(limited, store, notifier, log)
	recovery := usecase.NewRecovery(limited, store, store, log)

	stream := exchange.NewPriceStream(cfg.Exchange.Market, cfg.Trading.Pairs, log)
	go stream.Run(ctx)

	bot := usecase.NewBot(cfg, limited, tracker, evaluator, dispatcher, lifecycle, exits, recovery, notifier, stream, log)
	bot.OnLoopRestart(func(loop string) {
		m.LoopRestarts.WithLabelValues(loop).Inc()
	})

	var metricsSrv *metrics.Server
	if cfg.Metrics.Enabled {
		metricsSrv = metrics.NewServer(cfg.Metrics.Port, registry)
		go func() {
			if err := metricsSrv.Start(); err != nil {
				log.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	done := make(chan error, 1)
	go func() { done <- bot.Run(ctx) }()

	select {
	case <-stop:
		log.Info("Shutting down...")
		cancel()
		<-done
	case err := <-done:
		if err != nil && err != context.Canceled {
			log.Error("Bot stopped", zap.Error(err))
		}
	}

	if metricsSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		metricsSrv.Shutdown(shutdownCtx)
	}
}

func buildLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.Logging.File == "" {
		return logger.NewLogger(cfg.Logging.Level)
	}
	return logger.NewFileLogger(cfg.Logging.File, cfg.Logging.Level, logger.RotationConfig{
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
}
