// OHLCV History CLI
// This application backfills the full candle history of one market from the
// Coinbase Exchange historic rates API into an append-only store, and
// analyzes stored series: data-quality reports, gap segmentation and
// per-segment indicator features computed in parallel.
//
// Usage:
//
//	ohlcv ingest --market ETH-USD --granularity 1m
//	ohlcv ingest --market BTC-USD --start 2024-01-01 --until 2024-02-01
//	ohlcv analyze --market ETH-USD --min-duration 6h --workers 8
//	ohlcv keys
//
// For detailed help on any command, use: ohlcv <command> --help
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/johnayoung/go-ohlcv-history/internal/collector"
	"github.com/johnayoung/go-ohlcv-history/internal/config"
	apperrors "github.com/johnayoung/go-ohlcv-history/internal/errors"
	"github.com/johnayoung/go-ohlcv-history/internal/exchange"
	"github.com/johnayoung/go-ohlcv-history/internal/features"
	"github.com/johnayoung/go-ohlcv-history/internal/gaps"
	"github.com/johnayoung/go-ohlcv-history/internal/logger"
	"github.com/johnayoung/go-ohlcv-history/internal/metrics"
	"github.com/johnayoung/go-ohlcv-history/internal/models"
	"github.com/johnayoung/go-ohlcv-history/internal/storage"
	"github.com/johnayoung/go-ohlcv-history/internal/validator"
)

// CLI version information
const (
	Version    = "1.0.0"
	AppName    = "ohlcv"
	ConfigFile = "ohlcv.yaml"
)

// Exit codes following standard conventions
const (
	ExitSuccess       = 0
	ExitUsageError    = 1
	ExitConfigError   = 2
	ExitConnectionErr = 3
	ExitDataError     = 4
	ExitInterrupt     = 130
)

// CLI represents the main CLI application
type CLI struct {
	config   *config.AppConfig
	logs     *logger.LoggerManager
	logger   *slog.Logger
	registry *prometheus.Registry
	recorder *metrics.Recorder
	server   *metrics.Server
	store    storage.AppendStore
}

// main is the entry point for the CLI application
func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(ExitUsageError)
	}

	// Setup signal handling for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	command := os.Args[1]
	args := os.Args[2:]

	var err error
	switch command {
	case "ingest":
		err = runIngest(ctx, args)
	case "analyze":
		err = runAnalyze(ctx, args)
	case "keys":
		err = runKeys(ctx, args)
	case "config":
		err = runConfig(ctx, args)
	case "--version", "-v":
		fmt.Printf("%s version %s\n", AppName, Version)
	case "--help", "-h", "help":
		if len(args) > 0 {
			printCommandHelp(args[0])
		} else {
			printUsage()
		}
	default:
		fmt.Fprintf(os.Stderr, "Error: Unknown command '%s'\n\n", command)
		printUsage()
		os.Exit(ExitUsageError)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		cancel()
		os.Exit(exitCode(ctx, err))
	}
}

// usageError marks bad command line input.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

// configError marks configuration, logging or storage setup failures.
type configError struct{ err error }

func (e configError) Error() string { return e.err.Error() }
func (e configError) Unwrap() error { return e.err }

// exitCode maps a command error to the process exit code.
func exitCode(ctx context.Context, err error) int {
	var uErr usageError
	var cErr configError
	switch {
	case errors.As(err, &uErr):
		return ExitUsageError
	case errors.As(err, &cErr):
		return ExitConfigError
	case errors.Is(err, context.Canceled):
		return ExitInterrupt
	}
	switch apperrors.GetErrorType(err) {
	case apperrors.ErrorTypeFetch, apperrors.ErrorTypeExhaustedRetries, apperrors.ErrorTypeRateLimit,
		apperrors.ErrorTypeNetwork, apperrors.ErrorTypeTimeout:
		return ExitConnectionErr
	}
	return ExitDataError
}

// configManager resolves the config file: --config, else ConfigFile when it
// exists, else defaults only. With forSave the default path is used even
// when the file is missing.
func configManager(common CommonFlags, forSave bool) *config.ConfigManager {
	path := common.ConfigPath
	if path == "" {
		if _, err := os.Stat(ConfigFile); err == nil || forSave {
			path = ConfigFile
		}
	}
	cm := config.NewConfigManager(path, slog.Default())
	if common.EnvFile != "" {
		cm.WithEnvFile(common.EnvFile)
	}
	return cm
}

// initialize loads configuration, sets up logging and metrics and opens the store.
func initialize(ctx context.Context, common CommonFlags, apply func(*config.AppConfig)) (*CLI, error) {
	cfg, err := configManager(common, false).LoadConfig(ctx)
	if err != nil {
		return nil, configError{fmt.Errorf("failed to load configuration: %w", err)}
	}
	if common.LogLevel != "" {
		cfg.Logging.Level = common.LogLevel
	}
	if apply != nil {
		apply(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, configError{err}
	}

	logs, err := logger.NewLoggerManager(cfg.Logging)
	if err != nil {
		return nil, configError{fmt.Errorf("failed to setup logging: %w", err)}
	}
	slog.SetDefault(logs.GetLogger())

	cli := &CLI{
		config:   cfg,
		logs:     logs,
		logger:   logs.GetLogger(),
		registry: prometheus.NewRegistry(),
	}
	cli.recorder = metrics.New(cli.registry)
	cli.server = metrics.NewServer(cfg.Metrics, cli.registry, logs.GetComponentLogger("metrics").Logger)
	if err := cli.server.Start(); err != nil {
		cli.close()
		return nil, configError{err}
	}

	store, err := storage.Open(ctx, cfg.Storage, logs.GetComponentLogger("storage").Logger)
	if err != nil {
		cli.close()
		return nil, configError{fmt.Errorf("failed to initialize storage: %w", err)}
	}
	cli.store = store

	return cli, nil
}

// close releases the store, metrics server and log file.
func (cli *CLI) close() {
	if cli.store != nil {
		if err := cli.store.Close(); err != nil {
			cli.logger.Error("failed to close storage", "error", err)
		}
	}
	if cli.server != nil {
		if err := cli.server.Stop(context.Background()); err != nil {
			cli.logger.Error("failed to stop metrics server", "error", err)
		}
	}
	if cli.logs != nil {
		cli.logs.Close()
	}
}

// runIngest backfills one market from its start date to the bound.
func runIngest(ctx context.Context, args []string) error {
	flags, err := parseIngestFlags(args)
	if err != nil {
		return usageError{err}
	}
	if flags.Help {
		printCommandHelp("ingest")
		return nil
	}

	cli, err := initialize(ctx, flags.CommonFlags, func(cfg *config.AppConfig) {
		if flags.Market != "" {
			cfg.Ingest.Market = flags.Market
		}
		if flags.Granularity != "" {
			cfg.Ingest.Granularity = flags.Granularity
		}
	})
	if err != nil {
		return err
	}
	defer cli.close()

	return cli.handleIngest(ctx, flags)
}

func (cli *CLI) handleIngest(ctx context.Context, flags *IngestFlags) error {
	ingestCfg := cli.config.Ingest
	market := ingestCfg.Market

	var start, until time.Time
	var err error
	if flags.Start != "" {
		if start, err = parseTime(flags.Start); err != nil {
			return usageError{err}
		}
	} else if start, err = collector.MarketStartDate(market); err != nil {
		return usageError{err}
	}
	if flags.Until != "" {
		if until, err = parseTime(flags.Until); err != nil {
			return usageError{err}
		}
	}

	ctx, _ = logger.NewRunContext(ctx)
	ctx = logger.WithMarket(ctx, market)
	ctx = logger.WithGranularity(ctx, ingestCfg.GranularityValue().String())

	client := exchange.NewCoinbaseClient(
		exchange.WithBaseURL(cli.config.Exchange.BaseURL),
		exchange.WithTimeout(cli.config.Exchange.TimeoutDuration()),
		exchange.WithUserAgent(cli.config.Exchange.UserAgent),
		exchange.WithClientLogger(cli.logs.WithComponentContext(ctx, "coinbase").Logger),
	)

	policy := exchange.RetryPolicy{
		MaxAttempts: ingestCfg.RetryPolicy.MaxAttempts,
		BaseDelay:   ingestCfg.RetryPolicy.BaseDelayDuration(),
		Increment:   ingestCfg.RetryPolicy.IncrementDuration(),
	}
	fetcher, err := exchange.NewRateLimitedFetcher(client, market, policy,
		exchange.WithFetcherLogger(cli.logs.WithComponentContext(ctx, "fetcher").Logger),
		exchange.WithRecorder(cli.recorder),
	)
	if err != nil {
		return configError{err}
	}

	ingestor, err := collector.NewIngestor(fetcher, cli.store,
		collector.WithLogger(cli.logs.GetComponentLogger("ingestor").Logger),
		collector.WithMetrics(cli.recorder),
	)
	if err != nil {
		return configError{err}
	}

	run, err := ingestor.Run(ctx, collector.Request{
		Market:       market,
		Granularity:  ingestCfg.GranularityValue(),
		Start:        start,
		Until:        until,
		WindowWidth:  ingestCfg.WindowWidthDuration(),
		RequestDelay: ingestCfg.RequestDelayDuration(),
	})
	if run != nil {
		fmt.Println(run.Summary())
	}
	if err != nil {
		var wErr *apperrors.WindowError
		if errors.As(err, &wErr) {
			fmt.Printf("Stopped at window %d (%s) after %v with %d candles stored\n",
				wErr.Index, wErr.Window, wErr.Elapsed.Round(time.Millisecond), wErr.Stored)
		}
		return fmt.Errorf("ingestion failed: %w", err)
	}

	fmt.Printf("Stored %s %s history under key %s\n", market, run.Granularity, run.Key)
	return nil
}

// runAnalyze reports data quality for a stored series and computes features
// for every segment long enough to keep.
func runAnalyze(ctx context.Context, args []string) error {
	flags, err := parseAnalyzeFlags(args)
	if err != nil {
		return usageError{err}
	}
	if flags.Help {
		printCommandHelp("analyze")
		return nil
	}

	cli, err := initialize(ctx, flags.CommonFlags, func(cfg *config.AppConfig) {
		if flags.MinDuration != "" {
			cfg.Analysis.MinDuration = flags.MinDuration
		}
		if flags.Workers >= 0 {
			cfg.Analysis.Workers = flags.Workers
		}
	})
	if err != nil {
		return err
	}
	defer cli.close()

	return cli.handleAnalyze(ctx, flags)
}

func (cli *CLI) handleAnalyze(ctx context.Context, flags *AnalyzeFlags) error {
	key := flags.Key
	if key == "" {
		market := flags.Market
		if market == "" {
			market = cli.config.Ingest.Market
		}
		latest, err := cli.latestKey(ctx, market)
		if err != nil {
			return err
		}
		key = latest
	}

	ctx, _ = logger.NewRunContext(ctx)
	log := cli.logs.WithComponentContext(ctx, "analyze").With("key", key)

	var (
		series models.CandleSeries
		meta   storage.Metadata
	)
	err := logger.TimedOperation(log, "read series", func() error {
		var readErr error
		series, meta, readErr = cli.store.Read(ctx, key)
		return readErr
	})
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", key, err)
	}
	log = log.With("market", meta.Market)
	log.Info("=== analysis ===",
		"candles", len(series),
		"granularity", meta.Granularity.String(),
		"created_at", meta.CreatedAt)

	quality := validator.NewQualityValidator(meta.Granularity, validator.Thresholds{
		ZeroRun: cli.config.Analysis.ZeroRunThreshold,
		Gap:     cli.config.Analysis.GapWarningDuration(),
	}, log)
	report := quality.Report(series)

	segmenter, err := gaps.NewSegmenter(meta.Granularity, cli.config.Analysis.MinDurationValue(), log)
	if err != nil {
		return configError{err}
	}
	analysis := segmenter.Analyze(series)

	pipeline := features.NewPipeline(
		features.WithWorkers(cli.config.Analysis.Workers),
		features.WithLogger(log),
		features.WithMetrics(cli.recorder),
	)
	result := pipeline.Run(ctx, analysis.Segments)

	printAnalysis(key, meta, report, analysis, result)

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if len(analysis.Segments) > 0 && result.Succeeded() == 0 {
		return fmt.Errorf("feature computation failed for all %d segments", len(analysis.Segments))
	}
	return nil
}

// latestKey returns the newest stored key of market. Keys end in the run
// start time, so the lexicographic maximum is the latest run.
func (cli *CLI) latestKey(ctx context.Context, market string) (string, error) {
	keys, err := cli.store.Keys(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to list keys: %w", err)
	}
	latest := ""
	for _, k := range keys {
		if keyOfMarket(k, market) && k > latest {
			latest = k
		}
	}
	if latest == "" {
		return "", usageError{fmt.Errorf("no stored series for market %s, run ingest first or pass --key", market)}
	}
	return latest, nil
}

// keyOfMarket reports whether key was written by a run of exactly market.
func keyOfMarket(key, market string) bool {
	m, _, err := models.ParseItemKey(key)
	return err == nil && m == market
}

// runKeys lists stored series keys.
func runKeys(ctx context.Context, args []string) error {
	flags, err := parseKeysFlags(args)
	if err != nil {
		return usageError{err}
	}
	if flags.Help {
		printCommandHelp("keys")
		return nil
	}

	cli, err := initialize(ctx, flags.CommonFlags, nil)
	if err != nil {
		return err
	}
	defer cli.close()

	keys, err := cli.store.Keys(ctx)
	if err != nil {
		return fmt.Errorf("failed to list keys: %w", err)
	}
	for _, k := range keys {
		if flags.Market != "" && !keyOfMarket(k, flags.Market) {
			continue
		}
		fmt.Println(k)
	}
	return nil
}

// runConfig prints the effective configuration and optionally writes it
// back to the config file.
func runConfig(ctx context.Context, args []string) error {
	flags, err := parseConfigFlags(args)
	if err != nil {
		return usageError{err}
	}
	if flags.Help {
		printCommandHelp("config")
		return nil
	}

	cm := configManager(flags.CommonFlags, flags.Save)
	if _, err := cm.LoadConfig(ctx); err != nil {
		return configError{fmt.Errorf("failed to load configuration: %w", err)}
	}
	cfg := cm.GetConfig()
	if flags.LogLevel != "" {
		cfg.Logging.Level = flags.LogLevel
	}
	fmt.Println(cfg.String())

	if flags.Save {
		if err := cm.SaveConfig(ctx); err != nil {
			return configError{fmt.Errorf("failed to save configuration: %w", err)}
		}
		fmt.Printf("Configuration written to %s\n", cfg.ConfigPath)
	}
	return nil
}

// printAnalysis writes the human-readable analysis summary to stdout.
func printAnalysis(key string, meta storage.Metadata, report *validator.QualityReport, analysis *gaps.Analysis, result *features.Result) {
	fmt.Printf("Series %s (%s, %s): %d candles\n", key, meta.Market, meta.Granularity, report.Candles)

	fmt.Printf("\nTimestamp deltas:\n")
	pct := report.Histogram.Percentages()
	for _, d := range report.Histogram.Deltas() {
		fmt.Printf("  %-12v %10d  %6.2f%%\n", d, report.Histogram.Counts[d], pct[d])
	}

	fmt.Printf("\nZero volume: %d candles in %d runs, longest %d, %d runs above threshold\n",
		report.ZeroVolume, report.ZeroRuns, report.LongestZeroRun, report.ZeroRunsAbove)
	fmt.Printf("Warnings: %d (%d critical)\n",
		report.WarningsSummary.Total, report.WarningsSummary.BySeverity[models.SeverityCritical])

	fmt.Printf("\nSegments: %d kept, %d discarded, %d gaps, %d duplicates, %d misaligned\n",
		len(analysis.Segments), analysis.Discarded, len(analysis.Gaps), analysis.Duplicates, analysis.Misaligned)
	for _, out := range result.Outputs {
		status := "ok"
		if out.Err != nil {
			status = "failed: " + out.Err.Error()
		}
		fmt.Printf("  #%-4d %s -> %s  %7d rows  %s\n",
			out.Segment.Index,
			out.Segment.Start().Format(time.RFC3339),
			out.Segment.End().Format(time.RFC3339),
			out.Segment.Len(),
			status)
	}
	fmt.Printf("\nFeatures computed for %d of %d segments in %v\n",
		result.Succeeded(), len(result.Outputs), result.Elapsed.Round(time.Millisecond))
}

// printUsage prints the general usage information
func printUsage() {
	fmt.Printf(`%s - OHLCV history backfill and analysis v%s

USAGE:
    %s <command> [options]

COMMANDS:
    ingest      Backfill candle history for a market into a new series
    analyze     Report data quality, segment a series and compute features
    keys        List stored series keys
    config      Print the effective configuration, or save it with --save

GLOBAL OPTIONS:
    --help, -h     Show help information
    --version, -v  Show version information

EXAMPLES:
    # Backfill ETH-USD one-minute candles since listing
    %s ingest --market ETH-USD --granularity 1m

    # Analyze the latest ETH-USD series, keeping segments of 6h or more
    %s analyze --market ETH-USD --min-duration 6h

CONFIGURATION:
    Configuration can be provided via:
    - Config file: %s (JSON or YAML), or --config <path>
    - .env file in the working directory
    - Environment variables: OHLCV_* (e.g., OHLCV_STORAGE_TYPE)

For detailed help on any command, use: %s <command> --help
`, AppName, Version, AppName, AppName, AppName, ConfigFile, AppName)
}

// printCommandHelp prints detailed help for a specific command
func printCommandHelp(command string) {
	switch command {
	case "ingest":
		fmt.Printf(`%s ingest - Backfill candle history

USAGE:
    %s ingest [options]

OPTIONS:
    --market, -m <market>       Market to backfill (default from config: ETH-USD)
    --granularity, -g <value>   Candle step: 60, 300, 900, 3600, 21600, 86400
                                or 1m, 5m, 15m, 1h, 6h, 1d (default: 1m)
    --start, -s <time>          First window start, YYYY-MM-DD or RFC 3339
                                (default: the market's listing date)
    --until, -u <time>          Stop once a window would start after this time
                                (default: now, re-read before every window)
    --loglevel, -l <level>      debug, info, warning, error or critical
    --config, -c <path>         Configuration file
    --env-file <path>           .env file read before the environment
    --help, -h                  Show this help message

NOTES:
    - Every run writes a new series keyed <market>-<run start time>
    - Rate-limited windows are retried with linear backoff
    - The run halts on the first window that cannot be fetched or stored
`, AppName, AppName)

	case "analyze":
		fmt.Printf(`%s analyze - Analyze a stored series

USAGE:
    %s analyze [options]

OPTIONS:
    --key, -k <key>             Series key (default: latest series of --market)
    --market, -m <market>       Market used to pick the latest series
    --min-duration, -d <dur>    Minimum contiguous segment kept (default: 6h)
    --workers, -w <n>           Feature workers, 0 for one per CPU
    --loglevel, -l <level>      debug, info, warning, error or critical
    --config, -c <path>         Configuration file
    --help, -h                  Show this help message

NOTES:
    - Segments never span a gap; shorter segments are dropped, not padded
    - A failing segment is reported without affecting the others
`, AppName, AppName)

	case "keys":
		fmt.Printf(`%s keys - List stored series

USAGE:
    %s keys [options]

OPTIONS:
    --market, -m <market>       Only list keys of this market
    --config, -c <path>         Configuration file
    --help, -h                  Show this help message
`, AppName, AppName)

	case "config":
		fmt.Printf(`%s config - Show the effective configuration

USAGE:
    %s config [options]

OPTIONS:
    --save                      Write the configuration to the config file
                                (default path: %s)
    --config, -c <path>         Configuration file
    --env-file <path>           .env file read before the environment
    --help, -h                  Show this help message
`, AppName, AppName, ConfigFile)

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
	}
}
