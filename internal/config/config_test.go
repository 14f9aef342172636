package config

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/johnayoung/go-ohlcv-history/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, "ohlcv-history", config.AppName)
	assert.Equal(t, "coinbase", config.Exchange.Type)
	assert.Equal(t, "ETH-USD", config.Ingest.Market)
	assert.Equal(t, models.OneMinute, config.Ingest.GranularityValue())
	assert.Equal(t, 300*time.Minute, config.Ingest.WindowWidthDuration())
	assert.Equal(t, 200*time.Millisecond, config.Ingest.RequestDelayDuration())
	assert.Equal(t, 15, config.Ingest.RetryPolicy.MaxAttempts)
	assert.Equal(t, time.Second, config.Ingest.RetryPolicy.BaseDelayDuration())
	assert.Equal(t, time.Second, config.Ingest.RetryPolicy.IncrementDuration())
	assert.Equal(t, "duckdb", config.Storage.Type)
	assert.Equal(t, 6*time.Hour, config.Analysis.MinDurationValue())
	assert.Equal(t, time.Hour, config.Analysis.GapWarningDuration())
	assert.Equal(t, 60, config.Analysis.ZeroRunThreshold)
	assert.Equal(t, 30*time.Second, config.Exchange.TimeoutDuration())
	assert.Equal(t, "info", config.Logging.Level)
	assert.False(t, config.Metrics.Enabled)

	require.NoError(t, config.Validate())
}

func TestWindowWidth_EveryGranularity(t *testing.T) {
	tests := []struct {
		granularity string
		width       string
		expected    time.Duration
	}{
		{"1m", "", 300 * time.Minute},
		{"5m", "", 1500 * time.Minute},
		{"15m", "", 75 * time.Hour},
		{"1h", "", 300 * time.Hour},
		{"6h", "", 1800 * time.Hour},
		{"1d", "", 300 * 24 * time.Hour},
		{"1m", "300m", 300 * time.Minute},
		{"1h", "90m", 2 * time.Hour},
		{"6h", "300m", 6 * time.Hour},
		{"1d", "300m", 24 * time.Hour},
		{"86400", "49h", 72 * time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.granularity+"/"+tt.width, func(t *testing.T) {
			config := DefaultConfig()
			config.Ingest.Granularity = tt.granularity
			config.Ingest.WindowWidth = tt.width

			require.NoError(t, config.Validate())
			width := config.Ingest.WindowWidthDuration()
			assert.Equal(t, tt.expected, width)
			assert.Zero(t, width%config.Ingest.GranularityValue().Duration())
		})
	}
}

func TestConfigValidation(t *testing.T) {
	cm := NewConfigManager("", slog.Default())

	tests := []struct {
		name    string
		mutate  func(c *AppConfig)
		message string
	}{
		{"missing market", func(c *AppConfig) { c.Ingest.Market = "" }, "ingest.market is required"},
		{"bad granularity", func(c *AppConfig) { c.Ingest.Granularity = "2m" }, "ingest.granularity"},
		{"bad width", func(c *AppConfig) { c.Ingest.WindowWidth = "wide" }, "ingest.window_width is not a valid duration"},
		{"zero width", func(c *AppConfig) { c.Ingest.WindowWidth = "0s" }, "ingest.window_width must be greater than 0"},
		{"bad delay", func(c *AppConfig) { c.Ingest.RequestDelay = "soon" }, "ingest.request_delay is not a valid duration"},
		{"zero attempts", func(c *AppConfig) { c.Ingest.RetryPolicy.MaxAttempts = 0 }, "max_attempts must be greater than 0"},
		{"missing storage type", func(c *AppConfig) { c.Storage.Type = "" }, "storage.type is required"},
		{"unknown storage type", func(c *AppConfig) { c.Storage.Type = "postgres" }, "storage.type must be one of"},
		{"sqlite without path", func(c *AppConfig) {
			c.Storage.Type = "sqlite"
			c.Storage.DatabaseURL = ""
		}, "storage.database_url is required for sqlite storage"},
		{"negative workers", func(c *AppConfig) { c.Analysis.Workers = -1 }, "analysis.workers must not be negative"},
		{"bad log level", func(c *AppConfig) { c.Logging.Level = "verbose" }, "logging.level must be one of"},
		{"file output without path", func(c *AppConfig) { c.Logging.Output = "both" }, "logging.file_path is required"},
		{"bad metrics port", func(c *AppConfig) {
			c.Metrics.Enabled = true
			c.Metrics.Port = 0
		}, "metrics.port must be between 1 and 65535"},
		{"unsupported exchange", func(c *AppConfig) { c.Exchange.Type = "binance" }, "exchange.type must be one of"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(config)
			err := cm.validateConfig(config)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.message)
		})
	}

	t.Run("critical and warning levels are accepted", func(t *testing.T) {
		for _, level := range []string{"critical", "warning", "WARN"} {
			config := DefaultConfig()
			config.Logging.Level = level
			assert.NoError(t, cm.validateConfig(config), level)
		}
	})

	t.Run("multiple errors are aggregated", func(t *testing.T) {
		config := DefaultConfig()
		config.Ingest.Market = ""
		config.Storage.Type = ""
		err := cm.validateConfig(config)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "ingest.market is required")
		assert.Contains(t, err.Error(), "storage.type is required")
	})
}

func TestLoadConfigFromFile(t *testing.T) {
	tempDir := t.TempDir()
	logger := slog.Default()

	t.Run("loads json", func(t *testing.T) {
		configPath := filepath.Join(tempDir, "config.json")
		testConfig := DefaultConfig()
		testConfig.Ingest.Market = "BTC-USD"
		testConfig.Ingest.Granularity = "3600"
		testConfig.Storage.Type = "memory"

		data, err := json.MarshalIndent(testConfig, "", "  ")
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(configPath, data, 0644))

		loaded, err := NewConfigManager(configPath, logger).WithEnvFile("").LoadConfig(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "BTC-USD", loaded.Ingest.Market)
		assert.Equal(t, models.OneHour, loaded.Ingest.GranularityValue())
		assert.Equal(t, "memory", loaded.Storage.Type)
		assert.Equal(t, configPath, loaded.ConfigPath)
	})

	t.Run("loads yaml", func(t *testing.T) {
		configPath := filepath.Join(tempDir, "config.yaml")
		yamlData := `
ingest:
  market: BTC-USD
  granularity: 5m
  window_width: 25h
storage:
  type: sqlite
  database_url: ./data/ohlcv.sqlite
analysis:
  min_duration: 2h
  workers: 3
logging:
  level: debug
`
		require.NoError(t, os.WriteFile(configPath, []byte(yamlData), 0644))

		loaded, err := NewConfigManager(configPath, logger).WithEnvFile("").LoadConfig(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "BTC-USD", loaded.Ingest.Market)
		assert.Equal(t, models.FiveMinutes, loaded.Ingest.GranularityValue())
		assert.Equal(t, 25*time.Hour, loaded.Ingest.WindowWidthDuration())
		assert.Equal(t, "sqlite", loaded.Storage.Type)
		assert.Equal(t, 2*time.Hour, loaded.Analysis.MinDurationValue())
		assert.Equal(t, 3, loaded.Analysis.Workers)
		assert.Equal(t, "debug", loaded.Logging.Level)
		// untouched sections keep their defaults
		assert.Equal(t, 15, loaded.Ingest.RetryPolicy.MaxAttempts)
	})

	t.Run("handles invalid json file", func(t *testing.T) {
		invalidPath := filepath.Join(tempDir, "invalid.json")
		require.NoError(t, os.WriteFile(invalidPath, []byte("invalid json"), 0644))

		_, err := NewConfigManager(invalidPath, logger).WithEnvFile("").LoadConfig(context.Background())
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "failed to parse config file")
	})

	t.Run("handles non-existent file gracefully", func(t *testing.T) {
		config, err := NewConfigManager(filepath.Join(tempDir, "missing.json"), logger).WithEnvFile("").LoadConfig(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "ohlcv-history", config.AppName)
	})
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	cm := NewConfigManager("", slog.Default())

	envVars := map[string]string{
		"OHLCV_MARKET":             "BTC-USD",
		"OHLCV_GRANULARITY":        "15m",
		"OHLCV_WINDOW_WIDTH":       "75h",
		"OHLCV_REQUEST_DELAY":      "1s",
		"OHLCV_MAX_ATTEMPTS":       "4",
		"OHLCV_BASE_DELAY":         "2s",
		"OHLCV_BACKOFF_INCREMENT":  "500ms",
		"OHLCV_STORAGE_TYPE":       "memory",
		"OHLCV_MIN_DURATION":       "1h",
		"OHLCV_WORKERS":            "8",
		"OHLCV_ZERO_RUN_THRESHOLD": "30",
		"OHLCV_LOG_LEVEL":          "critical",
		"OHLCV_LOG_FORMAT":         "json",
		"OHLCV_METRICS_ENABLED":    "true",
		"OHLCV_METRICS_PORT":       "8080",
	}
	for key, value := range envVars {
		t.Setenv(key, value)
	}

	t.Run("loads config from environment", func(t *testing.T) {
		config := DefaultConfig()
		require.NoError(t, cm.loadFromEnv(config))

		assert.Equal(t, "BTC-USD", config.Ingest.Market)
		assert.Equal(t, models.FifteenMinutes, config.Ingest.GranularityValue())
		assert.Equal(t, 75*time.Hour, config.Ingest.WindowWidthDuration())
		assert.Equal(t, time.Second, config.Ingest.RequestDelayDuration())
		assert.Equal(t, 4, config.Ingest.RetryPolicy.MaxAttempts)
		assert.Equal(t, 2*time.Second, config.Ingest.RetryPolicy.BaseDelayDuration())
		assert.Equal(t, 500*time.Millisecond, config.Ingest.RetryPolicy.IncrementDuration())
		assert.Equal(t, "memory", config.Storage.Type)
		assert.Equal(t, time.Hour, config.Analysis.MinDurationValue())
		assert.Equal(t, 8, config.Analysis.Workers)
		assert.Equal(t, 30, config.Analysis.ZeroRunThreshold)
		assert.Equal(t, "critical", config.Logging.Level)
		assert.Equal(t, "json", config.Logging.Format)
		assert.True(t, config.Metrics.Enabled)
		assert.Equal(t, 8080, config.Metrics.Port)
		assert.NoError(t, cm.validateConfig(config))
	})

	t.Run("rejects invalid numeric values", func(t *testing.T) {
		t.Setenv("OHLCV_WORKERS", "many")

		config := DefaultConfig()
		err := cm.loadFromEnv(config)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "OHLCV_WORKERS")
	})
}

func TestLoadConfig_EnvFile(t *testing.T) {
	tempDir := t.TempDir()
	envPath := filepath.Join(tempDir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("OHLCV_MARKET=SOL-USD\nOHLCV_STORAGE_TYPE=memory\n"), 0644))
	t.Cleanup(func() {
		os.Unsetenv("OHLCV_MARKET")
		os.Unsetenv("OHLCV_STORAGE_TYPE")
	})

	config, err := NewConfigManager("", slog.Default()).WithEnvFile(envPath).LoadConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "SOL-USD", config.Ingest.Market)
	assert.Equal(t, "memory", config.Storage.Type)
}

func TestSaveConfig(t *testing.T) {
	tempDir := t.TempDir()

	for _, name := range []string{"saved.json", "saved.yaml"} {
		t.Run(name, func(t *testing.T) {
			configPath := filepath.Join(tempDir, "nested", name)
			cm := NewConfigManager(configPath, slog.Default()).WithEnvFile("")

			assert.Error(t, cm.SaveConfig(context.Background()), "nothing loaded yet")

			cm.config = DefaultConfig()
			cm.config.Ingest.Market = "LTC-USD"
			require.NoError(t, cm.SaveConfig(context.Background()))

			loaded, err := NewConfigManager(configPath, slog.Default()).WithEnvFile("").LoadConfig(context.Background())
			require.NoError(t, err)
			assert.Equal(t, "LTC-USD", loaded.Ingest.Market)
		})
	}

	t.Run("requires a path", func(t *testing.T) {
		cm := NewConfigManager("", slog.Default())
		cm.config = DefaultConfig()
		assert.Error(t, cm.SaveConfig(context.Background()))
	})
}
