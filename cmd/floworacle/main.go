package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rewired-gh/floworacle/internal/config"
	"github.com/rewired-gh/floworacle/internal/logger"
	"github.com/rewired-gh/floworacle/internal/marketcap"
	"github.com/rewired-gh/floworacle/internal/metrics"
	"github.com/rewired-gh/floworacle/internal/models"
	"github.com/rewired-gh/floworacle/internal/monitor"
	"github.com/rewired-gh/floworacle/internal/persist"
	"github.com/rewired-gh/floworacle/internal/scoring"
	"github.com/rewired-gh/floworacle/internal/snapshot"
	"github.com/rewired-gh/floworacle/internal/source"
	"github.com/rewired-gh/floworacle/internal/storage"
	"github.com/rewired-gh/floworacle/internal/telegram"
	"github.com/rewired-gh/floworacle/internal/window"
)

var (
	configPath = flag.String("config", "configs/config.yaml", "Path to configuration file")
	modeFlag   = flag.String("mode", "", "Override the configured mode (forward or backtest)")
	importPath = flag.String("import", "", "Import a JSON-lines message file into storage and exit")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *modeFlag != "" {
		cfg.Mode = *modeFlag
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("Configuration loaded from %s (mode: %s)", *configPath, cfg.Mode)

	store, err := storage.New(cfg.Storage.MaxMessages, cfg.Storage.DBPath)
	if err != nil {
		logger.Fatal("Failed to initialize storage: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close storage: %v", err)
		}
	}()

	if *importPath != "" {
		runImport(store, *importPath)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, cleaning up...")
		cancel()
	}()

	m := metrics.New()
	if cfg.Metrics.Enabled {
		go func() {
			if err := m.Serve(ctx, cfg.Metrics.Addr); err != nil {
				logger.Error("Metrics server stopped: %v", err)
			}
		}()
	}

	engine, err := newEngine(ctx, cfg, m)
	if err != nil {
		logger.Fatal("Failed to initialize engine: %v", err)
	}

	var telegramClient *telegram.Client
	if cfg.Telegram.Enabled || cfg.Source.Type == "telegram" {
		chatID := cfg.Telegram.ChatID
		if chatID == "" {
			chatID = cfg.Source.Telegram.ChatID
		}
		telegramClient, err = telegram.NewClient(cfg.Telegram.BotToken, chatID, cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelayBase)
		if err != nil {
			logger.Fatal("Failed to initialize Telegram client: %v", err)
		}
		telegramClient.SetStatusFunc(engine.Status)
		logger.Info("Telegram client initialized successfully")
	} else {
		logger.Debug("Telegram notifications disabled")
	}

	// a nil *telegram.Client must not become a non-nil Notifier
	var notifier monitor.Notifier
	if cfg.Telegram.Enabled && telegramClient != nil {
		notifier = telegramClient
	}

	runner := monitor.NewRunner(engine, store, notifier, monitor.ReportConfig{
		Deviation:    cfg.Telegram.ReportDeviation,
		FullText:     cfg.Telegram.BreakdownInChannel,
		SummaryLines: cfg.Telegram.SummaryLines,
	}, m)

	switch cfg.Mode {
	case "backtest":
		runBacktest(ctx, cfg, runner)
	default:
		runForward(ctx, cfg, runner, telegramClient)
	}
	logger.Info("Service stopped")
}

func runImport(store *storage.Storage, path string) {
	f, err := os.Open(path)
	if err != nil {
		logger.Fatal("Failed to open import file: %v", err)
	}
	defer f.Close()

	imported, skipped, err := store.Import(f)
	if err != nil {
		logger.Fatal("Import failed after %d messages: %v", imported, err)
	}
	logger.Info("Imported %d messages from %s (%d skipped)", imported, path, skipped)
}

func newEngine(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (*monitor.Engine, error) {
	rules := &scoring.Rules{
		Thresholds: cfg.Scoring.Thresholds,
		K:          cfg.Scoring.K,
		Weights:    cfg.Scoring.Weights,
	}

	caps := cfg.Scoring.MarketCap.Caps
	fetch := cfg.Scoring.MarketCap.Fetch
	if fetch.Enabled && cfg.Mode == "forward" {
		client := marketcap.NewClient(fetch.BaseURL, fetch.APIKey, fetch.Timeout)
		fetched, err := client.FetchCaps(ctx, fetch.IDs)
		if err != nil {
			logger.Warn("Failed to fetch market caps, using configured table: %v", err)
		} else {
			logger.Info("Fetched %d market caps", len(fetched))
			caps = marketcap.Merge(caps, fetched)
		}
	}
	marketCaps, err := scoring.NewMarketCaps(caps, cfg.Scoring.MarketCap.ReferenceUSD, cfg.Scoring.MarketCap.Normalization)
	if err != nil {
		return nil, err
	}

	mode, err := scoring.ParseBaselineMode(cfg.Scoring.Baseline.Mode)
	if err != nil {
		return nil, err
	}
	specs, err := window.ParseSpecs(cfg.Windows)
	if err != nil {
		return nil, err
	}

	writer, err := persist.NewWriter(persist.Config{
		Dir:          cfg.Snapshot.OutDir,
		WriteLatest:  cfg.Snapshot.WriteLatest,
		WriteHistory: cfg.Snapshot.WriteHistory,
	}, m)
	if err != nil {
		return nil, err
	}
	if cfg.Snapshot.WriteHistory {
		if _, skipped, err := persist.ReadHistory(writer.HistoryPath()); err != nil {
			logger.Warn("Failed to read existing history: %v", err)
		} else if skipped > 0 {
			logger.Warn("Existing history has %d corrupt lines", skipped)
			m.RecordHistorySkipped(skipped)
		}
	}

	return monitor.NewEngine(monitor.EngineConfig{
		Tokens:      cfg.Tokens,
		Stablecoins: cfg.Stablecoins,
		Windows:     specs,
		Rules:       rules,
		Caps:        marketCaps,
		Baseline: scoring.BaselineConfig{
			Mode:       mode,
			Percentile: cfg.Scoring.Baseline.Percentile,
			Lookback:   cfg.Scoring.Baseline.Lookback,
			MinSamples: cfg.Scoring.Baseline.MinSamples,
			Refresh:    cfg.Scoring.Baseline.Refresh,
			FloorUSD:   cfg.Scoring.Baseline.FloorUSD,
		},
		MinLag: cfg.Scoring.MinLag,
		Snapshot: snapshot.Config{
			TZOffsetHours:     cfg.TimezoneOffsetHours,
			VerboseBreakdown:  cfg.Snapshot.VerboseBreakdown,
			BreakdownWindows:  cfg.Snapshot.BreakdownWindows,
			MaxBreakdownLines: cfg.Snapshot.MaxBreakdownLines,
		},
	}, writer, m), nil
}

func runBacktest(ctx context.Context, cfg *config.Config, runner *monitor.Runner) {
	since, err := cfg.Backtest.SinceTime()
	if err != nil {
		log.Fatalf("Invalid backtest.since: %v", err)
	}
	until, err := cfg.Backtest.UntilTime()
	if err != nil {
		log.Fatalf("Invalid backtest.until: %v", err)
	}

	startTime := time.Now()
	snap, err := runner.RunBacktest(ctx, monitor.BacktestConfig{
		Since:               since,
		Until:               until,
		Step:                cfg.Snapshot.Interval,
		ReplaySeedSnapshots: cfg.Backtest.ReplaySeedSnapshots,
		Limit:               cfg.Backtest.Limit,
		Notify:              cfg.Backtest.Notify,
	})
	if err != nil {
		logger.Error("Backtest failed: %v", err)
		return
	}
	logger.Info("Backtest completed in %v (last snapshot %s)", time.Since(startTime), snap.At.Format(time.RFC3339))
}

func runForward(ctx context.Context, cfg *config.Config, runner *monitor.Runner, telegramClient *telegram.Client) {
	if _, err := runner.RunForward(ctx, monitor.ForwardConfig{
		SeedHours:     cfg.Forward.SeedHours,
		SeedLimit:     cfg.Forward.SeedLimit,
		StartupReport: cfg.Forward.StartupReport,
	}); err != nil {
		logger.Error("Forward snapshot failed: %v", err)
	}
	if !cfg.Forward.Continuous {
		return
	}

	var sources []source.Source
	switch cfg.Source.Type {
	case "telegram":
		chatID, err := telegram.ParseChatID(cfg.Source.Telegram.ChatID)
		if err != nil {
			log.Fatalf("Invalid source.telegram.chat_id: %v", err)
		}
		sources = append(sources, telegram.NewSource(telegramClient, chatID))
	case "kafka":
		sources = append(sources, source.NewKafka(source.KafkaConfig{
			Brokers: cfg.Source.Kafka.Brokers,
			Topic:   cfg.Source.Kafka.Topic,
			GroupID: cfg.Source.Kafka.GroupID,
		}))
	}
	if cfg.Source.Type != "telegram" && telegramClient != nil {
		telegramClient.ListenForCommands(ctx)
	}

	queue := make(chan models.RawMessage, cfg.Forward.QueueSize)
	go source.RunAll(ctx, sources, queue)

	ticker := time.NewTicker(cfg.Snapshot.Interval)
	defer ticker.Stop()

	logger.Info("Starting live loop (interval: %v, sources: %d, windows: %v)", cfg.Snapshot.Interval, len(sources), cfg.Windows)
	if err := runner.RunLive(ctx, queue, ticker.C); err != nil {
		logger.Error("Live loop stopped: %v", err)
	}
}
