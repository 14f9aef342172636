// Package config provides centralized configuration management for the
// backfill and analysis commands. Configuration is loaded from defaults, an
// optional JSON or YAML file, an optional .env file and OHLCV_* environment
// variables, then validated as a whole.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/johnayoung/go-ohlcv-history/internal/models"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by LoadConfig.
const EnvPrefix = "OHLCV_"

// AppConfig represents the complete application configuration
type AppConfig struct {
	// Application metadata
	AppName    string `json:"app_name" yaml:"app_name"`
	Version    string `json:"version" yaml:"version"`
	ConfigPath string `json:"-" yaml:"-"`

	// Exchange configuration
	Exchange ExchangeConfig `json:"exchange" yaml:"exchange"`

	// Ingestion configuration
	Ingest IngestConfig `json:"ingest" yaml:"ingest"`

	// Storage configuration
	Storage StorageConfig `json:"storage" yaml:"storage"`

	// Analysis configuration
	Analysis AnalysisConfig `json:"analysis" yaml:"analysis"`

	// Logging configuration
	Logging LoggingConfig `json:"logging" yaml:"logging"`

	// Metrics configuration
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
}

// ExchangeConfig configures the historic rates client
type ExchangeConfig struct {
	Type      string `json:"type" yaml:"type"`             // "coinbase"
	BaseURL   string `json:"base_url" yaml:"base_url"`     // REST base URL
	Timeout   string `json:"timeout" yaml:"timeout"`       // HTTP request timeout
	UserAgent string `json:"user_agent" yaml:"user_agent"` // User-Agent header
}

// IngestConfig configures the window loop and retry policy
type IngestConfig struct {
	Market       string            `json:"market" yaml:"market"`               // Market symbol, e.g. ETH-USD
	Granularity  string            `json:"granularity" yaml:"granularity"`     // 60/300/900/3600/21600/86400 or 1m..1d
	WindowWidth  string            `json:"window_width" yaml:"window_width"`   // Width of each API window, empty for 300 steps
	RequestDelay string            `json:"request_delay" yaml:"request_delay"` // Fixed delay between windows
	RetryPolicy  RetryPolicyConfig `json:"retry_policy" yaml:"retry_policy"`   // Rate-limit retry policy
}

// RetryPolicyConfig configures linear retry on rate limiting
type RetryPolicyConfig struct {
	MaxAttempts int    `json:"max_attempts" yaml:"max_attempts"` // Calls per window, including the first
	BaseDelay   string `json:"base_delay" yaml:"base_delay"`     // Delay after the first failed attempt
	Increment   string `json:"increment" yaml:"increment"`       // Added per further failed attempt
}

// StorageConfig configures the storage backend
type StorageConfig struct {
	Type        string `json:"type" yaml:"type"`                 // "duckdb", "sqlite", "memory"
	DatabaseURL string `json:"database_url" yaml:"database_url"` // Database file path or DSN
}

// AnalysisConfig configures segmentation, feature workers and quality reports
type AnalysisConfig struct {
	MinDuration         string `json:"min_duration" yaml:"min_duration"`                   // Minimum segment duration kept
	Workers             int    `json:"workers" yaml:"workers"`                             // Feature workers, 0 means GOMAXPROCS
	ZeroRunThreshold    int    `json:"zero_run_threshold" yaml:"zero_run_threshold"`       // Zero-volume run length reported
	GapWarningThreshold string `json:"gap_warning_threshold" yaml:"gap_warning_threshold"` // Gap delta reported
}

// LoggingConfig configures structured logging
type LoggingConfig struct {
	Level         string            `json:"level" yaml:"level"`             // debug, info, warn, warning, error, critical
	Format        string            `json:"format" yaml:"format"`           // json, text
	Output        string            `json:"output" yaml:"output"`           // stdout, stderr, file, both
	FilePath      string            `json:"file_path" yaml:"file_path"`     // Log file path
	MaxSize       int               `json:"max_size" yaml:"max_size"`       // Maximum log file size in MB
	MaxBackups    int               `json:"max_backups" yaml:"max_backups"` // Maximum log file backups
	MaxAge        int               `json:"max_age" yaml:"max_age"`         // Maximum log file age in days
	Compress      bool              `json:"compress" yaml:"compress"`       // Compress old log files
	ContextFields map[string]string `json:"context_fields" yaml:"context_fields"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"` // Serve metrics over HTTP
	Port    int    `json:"port" yaml:"port"`       // Metrics server port
	Path    string `json:"path" yaml:"path"`       // Metrics endpoint path
}

// ConfigManager handles configuration loading and validation
type ConfigManager struct {
	config     *AppConfig
	configPath string
	envFile    string
	logger     *slog.Logger
}

// NewConfigManager creates a new configuration manager. configPath may be
// empty; a missing file falls back to defaults.
func NewConfigManager(configPath string, logger *slog.Logger) *ConfigManager {
	if logger == nil {
		logger = slog.Default()
	}

	return &ConfigManager{
		configPath: configPath,
		envFile:    ".env",
		logger:     logger,
	}
}

// WithEnvFile overrides the .env file read before environment variables.
// An empty path disables .env loading.
func (cm *ConfigManager) WithEnvFile(path string) *ConfigManager {
	cm.envFile = path
	return cm
}

// LoadConfig loads configuration from multiple sources with priority order:
// 1. Environment variables (highest priority, .env values fill unset ones)
// 2. Configuration file
// 3. Default values (lowest priority)
func (cm *ConfigManager) LoadConfig(ctx context.Context) (*AppConfig, error) {
	config := DefaultConfig()
	config.ConfigPath = cm.configPath

	if cm.configPath != "" {
		if err := cm.loadFromFile(config); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := cm.loadEnvFile(); err != nil {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}

	if err := cm.loadFromEnv(config); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	if err := cm.validateConfig(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	cm.config = config
	cm.logger.Debug("configuration loaded successfully",
		"config_path", cm.configPath,
		"storage_type", config.Storage.Type,
		"exchange_type", config.Exchange.Type,
		"log_level", config.Logging.Level)

	return config, nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// loadFromFile loads configuration from a JSON or YAML file
func (cm *ConfigManager) loadFromFile(config *AppConfig) error {
	if _, err := os.Stat(cm.configPath); os.IsNotExist(err) {
		cm.logger.Debug("config file does not exist, using defaults", "path", cm.configPath)
		return nil
	}

	data, err := os.ReadFile(cm.configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", cm.configPath, err)
	}

	if isYAML(cm.configPath) {
		err = yaml.Unmarshal(data, config)
	} else {
		err = json.Unmarshal(data, config)
	}
	if err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", cm.configPath, err)
	}

	cm.logger.Debug("loaded configuration from file", "path", cm.configPath)
	return nil
}

// loadEnvFile populates unset environment variables from the .env file.
func (cm *ConfigManager) loadEnvFile() error {
	if cm.envFile == "" {
		return nil
	}
	if _, err := os.Stat(cm.envFile); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(cm.envFile); err != nil {
		return fmt.Errorf("failed to read %s: %w", cm.envFile, err)
	}
	cm.logger.Debug("loaded environment file", "path", cm.envFile)
	return nil
}

func getEnv(name string) string {
	return os.Getenv(EnvPrefix + name)
}

// loadFromEnv loads configuration from OHLCV_* environment variables
func (cm *ConfigManager) loadFromEnv(config *AppConfig) error {
	var errs []string

	setInt := func(name string, target *int) {
		if val := getEnv(name); val != "" {
			n, err := strconv.Atoi(val)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: %v", EnvPrefix, name, err))
				return
			}
			*target = n
		}
	}
	setString := func(name string, target *string) {
		if val := getEnv(name); val != "" {
			*target = val
		}
	}

	// Exchange config
	setString("EXCHANGE_TYPE", &config.Exchange.Type)
	setString("EXCHANGE_URL", &config.Exchange.BaseURL)
	setString("HTTP_TIMEOUT", &config.Exchange.Timeout)

	// Ingest config
	setString("MARKET", &config.Ingest.Market)
	setString("GRANULARITY", &config.Ingest.Granularity)
	setString("WINDOW_WIDTH", &config.Ingest.WindowWidth)
	setString("REQUEST_DELAY", &config.Ingest.RequestDelay)
	setInt("MAX_ATTEMPTS", &config.Ingest.RetryPolicy.MaxAttempts)
	setString("BASE_DELAY", &config.Ingest.RetryPolicy.BaseDelay)
	setString("BACKOFF_INCREMENT", &config.Ingest.RetryPolicy.Increment)

	// Storage config
	setString("STORAGE_TYPE", &config.Storage.Type)
	setString("DATABASE_URL", &config.Storage.DatabaseURL)

	// Analysis config
	setString("MIN_DURATION", &config.Analysis.MinDuration)
	setInt("WORKERS", &config.Analysis.Workers)
	setInt("ZERO_RUN_THRESHOLD", &config.Analysis.ZeroRunThreshold)
	setString("GAP_WARNING_THRESHOLD", &config.Analysis.GapWarningThreshold)

	// Logging config
	setString("LOG_LEVEL", &config.Logging.Level)
	setString("LOG_FORMAT", &config.Logging.Format)
	setString("LOG_OUTPUT", &config.Logging.Output)
	setString("LOG_FILE_PATH", &config.Logging.FilePath)

	// Metrics config
	if val := getEnv("METRICS_ENABLED"); val != "" {
		config.Metrics.Enabled = val == "true"
	}
	setInt("METRICS_PORT", &config.Metrics.Port)

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment values:\n- %s", strings.Join(errs, "\n- "))
	}

	cm.logger.Debug("loaded configuration from environment variables")
	return nil
}

// validateConfig validates the configuration for consistency and required fields
func (cm *ConfigManager) validateConfig(config *AppConfig) error {
	var errors []string

	checkDuration := func(field, value string, allowZero bool) time.Duration {
		d, err := time.ParseDuration(value)
		if err != nil {
			errors = append(errors, fmt.Sprintf("%s is not a valid duration: %v", field, err))
			return 0
		}
		if d < 0 || (d == 0 && !allowZero) {
			errors = append(errors, fmt.Sprintf("%s must be greater than 0", field))
		}
		return d
	}

	// Validate exchange configuration
	if config.Exchange.Type != "coinbase" {
		errors = append(errors, "exchange.type must be one of: coinbase")
	}
	if config.Exchange.BaseURL == "" {
		errors = append(errors, "exchange.base_url is required")
	}
	checkDuration("exchange.timeout", config.Exchange.Timeout, false)

	// Validate ingest configuration
	if config.Ingest.Market == "" {
		errors = append(errors, "ingest.market is required")
	}
	if _, err := models.ParseGranularity(config.Ingest.Granularity); err != nil {
		errors = append(errors, fmt.Sprintf("ingest.granularity: %v", err))
	}
	// an empty width means one upstream page; others are rounded up to whole steps
	if config.Ingest.WindowWidth != "" {
		checkDuration("ingest.window_width", config.Ingest.WindowWidth, false)
	}
	checkDuration("ingest.request_delay", config.Ingest.RequestDelay, true)
	if config.Ingest.RetryPolicy.MaxAttempts <= 0 {
		errors = append(errors, "ingest.retry_policy.max_attempts must be greater than 0")
	}
	checkDuration("ingest.retry_policy.base_delay", config.Ingest.RetryPolicy.BaseDelay, true)
	checkDuration("ingest.retry_policy.increment", config.Ingest.RetryPolicy.Increment, true)

	// Validate storage configuration
	switch config.Storage.Type {
	case "memory":
	case "duckdb", "sqlite":
		if config.Storage.DatabaseURL == "" {
			errors = append(errors, fmt.Sprintf("storage.database_url is required for %s storage", config.Storage.Type))
		}
	case "":
		errors = append(errors, "storage.type is required")
	default:
		errors = append(errors, "storage.type must be one of: duckdb, sqlite, memory")
	}

	// Validate analysis configuration
	checkDuration("analysis.min_duration", config.Analysis.MinDuration, true)
	checkDuration("analysis.gap_warning_threshold", config.Analysis.GapWarningThreshold, false)
	if config.Analysis.Workers < 0 {
		errors = append(errors, "analysis.workers must not be negative")
	}
	if config.Analysis.ZeroRunThreshold <= 0 {
		errors = append(errors, "analysis.zero_run_threshold must be greater than 0")
	}

	// Validate logging configuration
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true, "critical": true}
	if !validLogLevels[strings.ToLower(config.Logging.Level)] {
		errors = append(errors, "logging.level must be one of: debug, info, warning, error, critical")
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[config.Logging.Format] {
		errors = append(errors, "logging.format must be one of: json, text")
	}

	switch config.Logging.Output {
	case "stdout", "stderr":
	case "file", "both":
		if config.Logging.FilePath == "" {
			errors = append(errors, "logging.file_path is required when logging to a file")
		}
	default:
		errors = append(errors, "logging.output must be one of: stdout, stderr, file, both")
	}

	// Validate metrics configuration
	if config.Metrics.Enabled {
		if config.Metrics.Port <= 0 || config.Metrics.Port > 65535 {
			errors = append(errors, "metrics.port must be between 1 and 65535")
		}
		if !strings.HasPrefix(config.Metrics.Path, "/") {
			errors = append(errors, "metrics.path must start with /")
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation errors:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

// Validate checks a configuration built outside LoadConfig, such as one
// modified by command-line flags.
func (c *AppConfig) Validate() error {
	return NewConfigManager("", slog.Default()).validateConfig(c)
}

// GetConfig returns the current configuration
func (cm *ConfigManager) GetConfig() *AppConfig {
	return cm.config
}

// SaveConfig writes the current configuration to the config file, as YAML
// when the extension is .yaml or .yml and JSON otherwise.
func (cm *ConfigManager) SaveConfig(ctx context.Context) error {
	if cm.configPath == "" {
		return fmt.Errorf("no config path specified")
	}
	if cm.config == nil {
		return fmt.Errorf("no configuration loaded")
	}

	if err := os.MkdirAll(filepath.Dir(cm.configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(cm.configPath) {
		data, err = yaml.Marshal(cm.config)
	} else {
		data, err = json.MarshalIndent(cm.config, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal configuration: %w", err)
	}

	if err := os.WriteFile(cm.configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	cm.logger.Info("configuration saved", "path", cm.configPath)
	return nil
}

// DefaultConfig returns a configuration with the defaults of the original
// backfill tool: 300-candle windows, 200ms between windows, 15 attempts
// with a linearly growing delay.
func DefaultConfig() *AppConfig {
	return &AppConfig{
		AppName: "ohlcv-history",
		Version: "1.0.0",
		Exchange: ExchangeConfig{
			Type:      "coinbase",
			BaseURL:   "https://api.exchange.coinbase.com",
			Timeout:   "30s",
			UserAgent: "go-ohlcv-history/1.0",
		},
		Ingest: IngestConfig{
			Market:       "ETH-USD",
			Granularity:  "1m",
			WindowWidth:  "", // one upstream page at the configured granularity
			RequestDelay: "200ms",
			RetryPolicy: RetryPolicyConfig{
				MaxAttempts: 15,
				BaseDelay:   "1s",
				Increment:   "1s",
			},
		},
		Storage: StorageConfig{
			Type:        "duckdb",
			DatabaseURL: "./data/ohlcv.db",
		},
		Analysis: AnalysisConfig{
			MinDuration:         "6h",
			Workers:             0,
			ZeroRunThreshold:    60,
			GapWarningThreshold: "1h",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			FilePath:   "",
			MaxSize:    100, // 100MB
			MaxBackups: 5,
			MaxAge:     30, // 30 days
			Compress:   true,
			ContextFields: map[string]string{
				"service": "ohlcv-history",
			},
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9090,
			Path:    "/metrics",
		},
	}
}

// mustDuration parses a duration already checked by validation.
func mustDuration(value string) time.Duration {
	d, _ := time.ParseDuration(value)
	return d
}

// GranularityValue returns the parsed granularity.
func (c IngestConfig) GranularityValue() models.Granularity {
	g, _ := models.ParseGranularity(c.Granularity)
	return g
}

// WindowWidthDuration returns the effective window width. Unset means one
// full upstream page (300 steps); a configured width is rounded up to whole
// steps.
func (c IngestConfig) WindowWidthDuration() time.Duration {
	var width time.Duration
	if c.WindowWidth != "" {
		width = mustDuration(c.WindowWidth)
	}
	return c.GranularityValue().AlignWidth(width)
}

// RequestDelayDuration returns the parsed inter-window delay.
func (c IngestConfig) RequestDelayDuration() time.Duration {
	return mustDuration(c.RequestDelay)
}

// BaseDelayDuration returns the parsed base retry delay.
func (c RetryPolicyConfig) BaseDelayDuration() time.Duration {
	return mustDuration(c.BaseDelay)
}

// IncrementDuration returns the parsed retry increment.
func (c RetryPolicyConfig) IncrementDuration() time.Duration {
	return mustDuration(c.Increment)
}

// TimeoutDuration returns the parsed HTTP timeout.
func (c ExchangeConfig) TimeoutDuration() time.Duration {
	return mustDuration(c.Timeout)
}

// MinDurationValue returns the parsed minimum segment duration.
func (c AnalysisConfig) MinDurationValue() time.Duration {
	return mustDuration(c.MinDuration)
}

// GapWarningDuration returns the parsed gap warning threshold.
func (c AnalysisConfig) GapWarningDuration() time.Duration {
	return mustDuration(c.GapWarningThreshold)
}

// String returns the configuration as indented JSON
func (c *AppConfig) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}
