package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/johnayoung/go-ohlcv-history/internal/errors"
	"github.com/johnayoung/go-ohlcv-history/internal/models"
)

func TestParseIngestFlags(t *testing.T) {
	flags, err := parseIngestFlags([]string{
		"--market", "BTC-USD",
		"-g", "5m",
		"--start", "2024-01-01",
		"--until", "2024-01-02T12:00:00Z",
		"--loglevel", "warning",
		"--config", "custom.yaml",
	})
	require.NoError(t, err)
	assert.Equal(t, "BTC-USD", flags.Market)
	assert.Equal(t, "5m", flags.Granularity)
	assert.Equal(t, "2024-01-01", flags.Start)
	assert.Equal(t, "2024-01-02T12:00:00Z", flags.Until)
	assert.Equal(t, "warning", flags.LogLevel)
	assert.Equal(t, "custom.yaml", flags.ConfigPath)
	assert.False(t, flags.Help)

	flags, err = parseIngestFlags([]string{"--help"})
	require.NoError(t, err)
	assert.True(t, flags.Help)
}

func TestParseIngestFlags_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"missing value", []string{"--market"}, "--market requires a value"},
		{"unknown flag", []string{"--pair", "BTC-USD"}, "unknown flag: --pair"},
		{"bad log level", []string{"--loglevel", "verbose"}, "invalid log level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseIngestFlags(tt.args)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestParseAnalyzeFlags(t *testing.T) {
	flags, err := parseAnalyzeFlags(nil)
	require.NoError(t, err)
	assert.Equal(t, -1, flags.Workers, "unset workers keeps the configured value")

	flags, err = parseAnalyzeFlags([]string{"--key", "ETH-USD-2024-03-01-12-30-45", "--min-duration", "2h", "--workers", "4"})
	require.NoError(t, err)
	assert.Equal(t, "ETH-USD-2024-03-01-12-30-45", flags.Key)
	assert.Equal(t, "2h", flags.MinDuration)
	assert.Equal(t, 4, flags.Workers)

	_, err = parseAnalyzeFlags([]string{"--min-duration", "two hours"})
	assert.ErrorContains(t, err, "invalid min duration")

	_, err = parseAnalyzeFlags([]string{"--workers", "-2"})
	assert.ErrorContains(t, err, "must not be negative")
}

func TestParseConfigFlags(t *testing.T) {
	flags, err := parseConfigFlags([]string{"--save", "--env-file", "prod.env", "-c", "ohlcv.yml"})
	require.NoError(t, err)
	assert.True(t, flags.Save)
	assert.Equal(t, "prod.env", flags.EnvFile)
	assert.Equal(t, "ohlcv.yml", flags.ConfigPath)

	_, err = parseConfigFlags([]string{"--write"})
	assert.ErrorContains(t, err, "unknown flag: --write")
}

func TestConfigManager_SaveWritesExplicitPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ohlcv.yaml")
	ctx := context.Background()

	cm := configManager(CommonFlags{ConfigPath: path, EnvFile: filepath.Join(t.TempDir(), "none.env")}, true)
	cfg, err := cm.LoadConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, path, cfg.ConfigPath)
	require.NoError(t, cm.SaveConfig(ctx))

	reloaded, err := configManager(CommonFlags{ConfigPath: path}, false).LoadConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, cfg.Analysis, reloaded.Analysis)
}

func TestParseKeysFlags(t *testing.T) {
	flags, err := parseKeysFlags([]string{"-m", "ETH-USD"})
	require.NoError(t, err)
	assert.Equal(t, "ETH-USD", flags.Market)

	_, err = parseKeysFlags([]string{"--key", "x"})
	assert.Error(t, err)
}

func TestParseTime(t *testing.T) {
	got, err := parseTime("2016-06-17")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2016, 6, 17, 0, 0, 0, 0, time.UTC), got)

	got, err = parseTime("2024-01-02T03:04:05+02:00")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 2, 1, 4, 5, 0, time.UTC), got)
	assert.Equal(t, time.UTC, got.Location())

	_, err = parseTime("yesterday")
	assert.Error(t, err)
}

func TestExitCode(t *testing.T) {
	ctx := context.Background()
	window := models.TimeWindow{Granularity: models.OneMinute}

	exhausted := &apperrors.WindowError{Err: &apperrors.ExhaustedRetriesError{Window: window, Attempts: 15}}
	stored := &apperrors.WindowError{Err: errors.New("disk full")}

	assert.Equal(t, ExitUsageError, exitCode(ctx, usageError{errors.New("bad flag")}))
	assert.Equal(t, ExitConfigError, exitCode(ctx, configError{errors.New("bad config")}))
	assert.Equal(t, ExitInterrupt, exitCode(ctx, fmt.Errorf("ingestion failed: %w", context.Canceled)))
	assert.Equal(t, ExitConnectionErr, exitCode(ctx, fmt.Errorf("ingestion failed: %w", exhausted)))
	assert.Equal(t, ExitDataError, exitCode(ctx, fmt.Errorf("ingestion failed: %w", stored)))
}

func TestKeyOfMarket(t *testing.T) {
	key := models.ItemKey("ETH-USD", time.Date(2024, 3, 1, 12, 30, 45, 0, time.UTC))

	assert.True(t, keyOfMarket(key, "ETH-USD"))
	assert.False(t, keyOfMarket(key, "ETH"), "a market prefix must not match a longer market")
	assert.False(t, keyOfMarket(key, "ETH-USD-2024"))
	assert.False(t, keyOfMarket("ETH-USD-notes", "ETH-USD"))
}
