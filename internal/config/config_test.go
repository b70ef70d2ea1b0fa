package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vkotik/dripfeed/internal/config"
	"github.com/vkotik/dripfeed/internal/domain"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	return path
}

const minimalYAML = `
exchange:
  market: spot
trading:
  pairs: [BTCUSDT]
  thresholds:
    daily: [3.0, 1.5]
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, warnings, err := config.Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)
	require.Empty(t, warnings)

	require.Equal(t, config.AmountFixed, cfg.Trading.AmountType)
	require.Equal(t, 100.0, cfg.Trading.FixedAmount)
	require.Equal(t, 500.0, cfg.Trading.ReserveBalance)
	require.Equal(t, 8*time.Hour, cfg.Trading.CancelAfter.D())
	require.Equal(t, 5*time.Second, cfg.Intervals.ThresholdCheck.D())
	require.Equal(t, 1200, cfg.RateLimit.MaxRequestsPerMinute)
	require.Equal(t, "USDT", cfg.Exchange.BaseCurrency)
}

func TestThresholdsForSortsAscending(t *testing.T) {
	cfg, _, err := config.Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)

	require.Equal(t, []float64{1.5, 3.0}, cfg.ThresholdsFor(domain.TimeFrameDaily))
	require.Empty(t, cfg.ThresholdsFor(domain.TimeFrameWeekly))
}

func TestDurationStrings(t *testing.T) {
	cfg, _, err := config.Load(writeConfig(t, minimalYAML+`
  cancel_after: 4h30m
intervals:
  symbol_delay: 250ms
`))
	require.NoError(t, err)
	require.Equal(t, 4*time.Hour+30*time.Minute, cfg.Trading.CancelAfter.D())
	require.Equal(t, 250*time.Millisecond, cfg.Intervals.SymbolDelay.D())
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"no pairs", `
exchange:
  market: spot
trading:
  pairs: []
`},
		{"bad market", `
exchange:
  market: margin
trading:
  pairs: [BTCUSDT]
`},
		{"threshold out of range", `
exchange:
  market: spot
trading:
  pairs: [BTCUSDT]
  thresholds:
    daily: [150]
`},
		{"unknown timeframe", `
exchange:
  market: spot
trading:
  pairs: [BTCUSDT]
  thresholds:
    hourly: [1.0]
`},
		{"trailing without callback", `
exchange:
  market: spot
trading:
  pairs: [BTCUSDT]
  trailing_stop_loss:
    enabled: true
    activation_percentage: 3.0
`},
		{"duplicate partial level", `
exchange:
  market: spot
trading:
  pairs: [BTCUSDT]
  partial_take_profits:
    - {level: 1, profit_percentage: 2, position_percentage: 25}
    - {level: 1, profit_percentage: 4, position_percentage: 25}
`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := config.Load(writeConfig(t, tt.yaml))
			require.Error(t, err)
		})
	}
}

func TestPartialLadderOvershootWarns(t *testing.T) {
	cfg, warnings, err := config.Load(writeConfig(t, `
exchange:
  market: spot
trading:
  pairs: [BTCUSDT]
  partial_take_profits:
    - {level: 1, profit_percentage: 2, position_percentage: 60}
    - {level: 2, profit_percentage: 4, position_percentage: 60}
`))
	require.NoError(t, err, "an over-100%% ladder is a warning, not an error")
	require.Len(t, warnings, 1)
	require.Len(t, cfg.Trading.PartialTPs, 2)
}

func TestFuturesValidation(t *testing.T) {
	_, _, err := config.Load(writeConfig(t, `
exchange:
  market: futures
futures:
  leverage: 0
trading:
  pairs: [BTCUSDT]
`))
	require.Error(t, err, "leverage below 1 must be rejected")
}
