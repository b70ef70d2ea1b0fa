package config

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vkotik/dripfeed/internal/domain"
)

// AmountType selects how the dispatcher sizes an order.
type AmountType string

const (
	AmountFixed      AmountType = "fixed"
	AmountPercentage AmountType = "percentage"
)

// Config is the full, typed configuration of the bot, loaded once at startup.
type Config struct {
	Exchange  ExchangeConfig  `yaml:"exchange"`
	Futures   FuturesConfig   `yaml:"futures"`
	Trading   TradingConfig   `yaml:"trading"`
	Intervals IntervalsConfig `yaml:"intervals"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Storage   StorageConfig   `yaml:"storage"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type ExchangeConfig struct {
	Market       domain.MarketType `yaml:"market"` // spot | futures
	APIKey       string            `yaml:"api_key"`
	APISecret    string            `yaml:"api_secret"`
	Testnet      bool              `yaml:"testnet"`
	BaseCurrency string            `yaml:"base_currency"`
}

type FuturesConfig struct {
	Leverage   int    `yaml:"leverage"`
	MarginType string `yaml:"margin_type"` // ISOLATED | CROSSED
}

type TradingConfig struct {
	Pairs          []string             `yaml:"pairs"`
	Thresholds     map[string][]float64 `yaml:"thresholds"` // keyed by timeframe name
	AmountType     AmountType           `yaml:"amount_type"`
	FixedAmount    float64              `yaml:"fixed_amount"`
	PercentAmount  float64              `yaml:"percentage_amount"`
	ReserveBalance float64              `yaml:"reserve_balance"`
	CancelAfter    Duration             `yaml:"cancel_after"`

	TakeProfit TakeProfitConfig  `yaml:"take_profit"`
	StopLoss   StopLossConfig    `yaml:"stop_loss"`
	PartialTPs []PartialTPConfig `yaml:"partial_take_profits"`
	TrailingSL TrailingSLConfig  `yaml:"trailing_stop_loss"`
}

type TakeProfitConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Percentage float64 `yaml:"percentage"`
}

type StopLossConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Percentage float64 `yaml:"percentage"`
}

type PartialTPConfig struct {
	Level       int     `yaml:"level"`
	ProfitPct   float64 `yaml:"profit_percentage"`
	PositionPct float64 `yaml:"position_percentage"`
}

type TrailingSLConfig struct {
	Enabled       bool    `yaml:"enabled"`
	ActivationPct float64 `yaml:"activation_percentage"`
	CallbackRate  float64 `yaml:"callback_rate"`
}

type IntervalsConfig struct {
	ThresholdCheck Duration `yaml:"threshold_check"`
	OrderCheck     Duration `yaml:"order_check"`
	ExitCheck      Duration `yaml:"exit_check"`
	SymbolDelay    Duration `yaml:"symbol_delay"`
}

type RateLimitConfig struct {
	MaxRequestsPerMinute int `yaml:"max_requests_per_minute"`
}

type StorageConfig struct {
	Path string `yaml:"path"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads and validates the configuration file.
func Load(path string) (*Config, []string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg := defaults()
	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return nil, nil, fmt.Errorf("parse config: %w", err)
	}

	warnings, err := cfg.validate()
	if err != nil {
		return nil, nil, err
	}
	return cfg, warnings, nil
}

func defaults() *Config {
	return &Config{
		Exchange: ExchangeConfig{
			Market:       domain.MarketSpot,
			BaseCurrency: "USDT",
		},
		Futures: FuturesConfig{
			Leverage:   5,
			MarginType: "ISOLATED",
		},
		Trading: TradingConfig{
			AmountType:     AmountFixed,
			FixedAmount:    100,
			ReserveBalance: 500,
			CancelAfter:    Duration(8 * time.Hour),
		},
		Intervals: IntervalsConfig{
			ThresholdCheck: Duration(5 * time.Second),
			OrderCheck:     Duration(time.Minute),
			ExitCheck:      Duration(20 * time.Second),
			SymbolDelay:    Duration(500 * time.Millisecond),
		},
		RateLimit: RateLimitConfig{MaxRequestsPerMinute: 1200},
		Storage:   StorageConfig{Path: "dripfeed.db"},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 7,
			MaxAgeDays: 30,
		},
		Metrics: MetricsConfig{Port: 9090},
	}
}

// validate checks hard errors and collects soft warnings (advisory bounds).
func (c *Config) validate() ([]string, error) {
	var warnings []string

	if c.Exchange.Market != domain.MarketSpot && c.Exchange.Market != domain.MarketFutures {
		return nil, fmt.Errorf("exchange.market must be spot or futures, got %q", c.Exchange.Market)
	}
	if len(c.Trading.Pairs) == 0 {
		return nil, fmt.Errorf("trading.pairs must not be empty")
	}
	if c.Trading.AmountType != AmountFixed && c.Trading.AmountType != AmountPercentage {
		return nil, fmt.Errorf("trading.amount_type must be fixed or percentage, got %q", c.Trading.AmountType)
	}
	if c.Trading.AmountType == AmountFixed && c.Trading.FixedAmount <= 0 {
		return nil, fmt.Errorf("trading.fixed_amount must be positive")
	}
	if c.Trading.AmountType == AmountPercentage && (c.Trading.PercentAmount <= 0 || c.Trading.PercentAmount > 100) {
		return nil, fmt.Errorf("trading.percentage_amount must be in (0, 100]")
	}
	if c.Trading.ReserveBalance < 0 {
		return nil, fmt.Errorf("trading.reserve_balance must not be negative")
	}
	if c.Trading.CancelAfter <= 0 {
		return nil, fmt.Errorf("trading.cancel_after must be positive")
	}

	for name, list := range c.Trading.Thresholds {
		if _, err := domain.ParseTimeFrame(name); err != nil {
			return nil, fmt.Errorf("trading.thresholds: %w", err)
		}
		for _, t := range list {
			if t <= 0 || t >= 100 {
				return nil, fmt.Errorf("threshold %v%% for %s out of range", t, name)
			}
		}
	}

	if c.Exchange.Market == domain.MarketFutures {
		if c.Futures.Leverage < 1 {
			return nil, fmt.Errorf("futures.leverage must be >= 1")
		}
		if mt := c.Futures.MarginType; mt != "ISOLATED" && mt != "CROSSED" {
			return nil, fmt.Errorf("futures.margin_type must be ISOLATED or CROSSED, got %q", mt)
		}
	}

	if c.Trailing().Enabled {
		if c.Trading.TrailingSL.ActivationPct <= 0 || c.Trading.TrailingSL.CallbackRate <= 0 {
			return nil, fmt.Errorf("trailing_stop_loss requires positive activation_percentage and callback_rate")
		}
		if c.Trading.TrailingSL.CallbackRate >= 100 {
			return nil, fmt.Errorf("trailing_stop_loss.callback_rate must be below 100")
		}
	}

	// Partial ladder position percentages are advisory-bounded at 100%:
	// overshoot is warned, not rejected.
	var totalPos float64
	levels := make(map[int]bool)
	for _, p := range c.Trading.PartialTPs {
		if p.ProfitPct <= 0 || p.PositionPct <= 0 {
			return nil, fmt.Errorf("partial_take_profits: level %d needs positive percentages", p.Level)
		}
		if levels[p.Level] {
			return nil, fmt.Errorf("partial_take_profits: duplicate level %d", p.Level)
		}
		levels[p.Level] = true
		totalPos += p.PositionPct
	}
	if totalPos > 100 {
		warnings = append(warnings,
			fmt.Sprintf("partial take-profit ladder closes %.1f%% of the position (over 100%%)", totalPos))
	}

	return warnings, nil
}

// ThresholdsFor returns the sorted ascending threshold list for a timeframe.
func (c *Config) ThresholdsFor(tf domain.TimeFrame) []float64 {
	list := append([]float64(nil), c.Trading.Thresholds[string(tf)]...)
	sort.Float64s(list)
	return list
}

// Trailing returns the trailing-stop settings.
func (c *Config) Trailing() TrailingSLConfig { return c.Trading.TrailingSL }
