package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/vkotik/dripfeed/internal/config"
	"github.com/vkotik/dripfeed/internal/domain"
	"github.com/vkotik/dripfeed/internal/infrastructure/exchange"
)

// Connectivity checker: verifies credentials, market data and filters for
// every configured pair without placing orders.
func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	flag.Parse()

	cfg, _, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := zap.NewNop()
	ctx := context.Background()

	var gateway domain.Exchange
	if cfg.Exchange.Market == domain.MarketFutures {
		gateway = exchange.NewBinanceFutures(
			cfg.Exchange.APIKey, cfg.Exchange.APISecret, cfg.Exchange.Testnet,
			cfg.Futures.Leverage, cfg.Futures.MarginType, log)
	} else {
		gateway = exchange.NewBinanceSpot(
			cfg.Exchange.APIKey, cfg.Exchange.APISecret, cfg.Exchange.Testnet, log)
	}

	fmt.Printf("Market: %s (testnet=%v)\n\n", cfg.Exchange.Market, cfg.Exchange.Testnet)

	failed := false
	for _, symbol := range cfg.Trading.Pairs {
		price, err := gateway.GetPrice(ctx, symbol)
		if err != nil {
			fmt.Printf("❌ %s price: %v\n", symbol, err)
			failed = true
			continue
		}
		fmt.Printf("✅ %s price: %s\n", symbol, price)

		open, err := gateway.GetOpenPrice(ctx, symbol, domain.TimeFrameDaily)
		if err != nil {
			fmt.Printf("❌ %s daily open: %v\n", symbol, err)
			failed = true
		} else {
			fmt.Printf("✅ %s daily open: %s\n", symbol, open)
		}

		filters, err := gateway.SymbolFilters(ctx, symbol)
		if err != nil {
			fmt.Printf("❌ %s filters: %v\n", symbol, err)
			failed = true
		} else {
			fmt.Printf("✅ %s filters: tick=%s step=%s minNotional=%s\n",
				symbol, filters.TickSize, filters.StepSize, filters.MinNotional)
		}
	}

	balance, err := gateway.GetAvailableBalance(ctx, cfg.Exchange.BaseCurrency)
	if err != nil {
		fmt.Printf("\n❌ %s balance: %v\n", cfg.Exchange.BaseCurrency, err)
		failed = true
	} else {
		fmt.Printf("\n✅ Available %s: %s (reserve floor %.2f)\n",
			cfg.Exchange.BaseCurrency, balance, cfg.Trading.ReserveBalance)
	}

	if failed {
		os.Exit(1)
	}
}
