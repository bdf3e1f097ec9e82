package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "FLOW_ORACLE"

// Config represents the complete application configuration
type Config struct {
	Mode                string   `mapstructure:"mode"`
	TimezoneOffsetHours int      `mapstructure:"timezone_offset_hours"`
	Tokens              []string `mapstructure:"tokens"`
	Stablecoins         []string `mapstructure:"stablecoins"`
	Windows             []string `mapstructure:"windows"`

	Snapshot SnapshotConfig `mapstructure:"snapshot"`
	Scoring  ScoringConfig  `mapstructure:"scoring"`
	Forward  ForwardConfig  `mapstructure:"forward"`
	Backtest BacktestConfig `mapstructure:"backtest"`
	Source   SourceConfig   `mapstructure:"source"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// SnapshotConfig holds snapshot cadence and output configuration
type SnapshotConfig struct {
	Interval          time.Duration `mapstructure:"interval"`
	OutDir            string        `mapstructure:"out_dir"`
	WriteLatest       bool          `mapstructure:"write_latest"`
	WriteHistory      bool          `mapstructure:"write_history"`
	VerboseBreakdown  bool          `mapstructure:"verbose_breakdown"`
	BreakdownWindows  []string      `mapstructure:"breakdown_windows"`
	MaxBreakdownLines int           `mapstructure:"max_breakdown_lines"`
}

// ScoringConfig holds the rule tables and scoring parameters
type ScoringConfig struct {
	// token -> category group -> min_tx_usd; "*" is the wildcard token
	Thresholds map[string]map[string]float64 `mapstructure:"thresholds"`
	K          map[string]float64            `mapstructure:"k"`
	Weights    map[string]float64            `mapstructure:"weights"`
	MinLag     time.Duration                 `mapstructure:"min_lag"`
	Baseline   BaselineConfig                `mapstructure:"baseline"`
	MarketCap  MarketCapConfig               `mapstructure:"market_cap"`
}

// BaselineConfig holds the normalization baseline configuration
type BaselineConfig struct {
	Mode       string        `mapstructure:"mode"` // static or percentile
	Percentile float64       `mapstructure:"percentile"`
	Lookback   time.Duration `mapstructure:"lookback"`
	MinSamples int           `mapstructure:"min_samples"`
	Refresh    time.Duration `mapstructure:"refresh"`
	FloorUSD   float64       `mapstructure:"floor_usd"`
}

// MarketCapConfig holds market cap normalization configuration
type MarketCapConfig struct {
	Normalization string               `mapstructure:"normalization"` // none, inverse, inverse_sqrt, log
	ReferenceUSD  float64              `mapstructure:"reference_usd"`
	Caps          map[string]float64   `mapstructure:"caps"`
	Fetch         MarketCapFetchConfig `mapstructure:"fetch"`
}

// MarketCapFetchConfig holds the optional startup market cap fetch
type MarketCapFetchConfig struct {
	Enabled bool              `mapstructure:"enabled"`
	BaseURL string            `mapstructure:"base_url"`
	APIKey  string            `mapstructure:"api_key"`
	Timeout time.Duration     `mapstructure:"timeout"`
	IDs     map[string]string `mapstructure:"ids"` // token -> API coin id
}

// ForwardConfig holds forward mode configuration
type ForwardConfig struct {
	Continuous    bool `mapstructure:"continuous"`
	SeedHours     int  `mapstructure:"seed_hours"`
	SeedLimit     int  `mapstructure:"seed_limit"`
	StartupReport bool `mapstructure:"startup_report"`
	QueueSize     int  `mapstructure:"queue_size"`
}

// BacktestConfig holds backtest mode configuration
type BacktestConfig struct {
	Since               string `mapstructure:"since"`
	Until               string `mapstructure:"until"`
	ReplaySeedSnapshots bool   `mapstructure:"replay_seed_snapshots"`
	Limit               int    `mapstructure:"limit"`
	Notify              bool   `mapstructure:"notify"`
}

// SourceConfig selects the live message source
type SourceConfig struct {
	Type     string               `mapstructure:"type"` // none, telegram, kafka
	Telegram SourceTelegramConfig `mapstructure:"telegram"`
	Kafka    KafkaConfig          `mapstructure:"kafka"`
}

// SourceTelegramConfig identifies the feed chat read by the bot
type SourceTelegramConfig struct {
	ChatID string `mapstructure:"chat_id"`
}

// KafkaConfig holds the Kafka consumer configuration
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken           string        `mapstructure:"bot_token"`
	ChatID             string        `mapstructure:"chat_id"`
	Enabled            bool          `mapstructure:"enabled"`
	MaxRetries         int           `mapstructure:"max_retries"`
	RetryDelayBase     time.Duration `mapstructure:"retry_delay_base"`
	ReportDeviation    float64       `mapstructure:"report_deviation"`
	BreakdownInChannel bool          `mapstructure:"breakdown_in_channel"`
	SummaryLines       int           `mapstructure:"summary_lines"`
}

// StorageConfig holds the raw message store configuration
type StorageConfig struct {
	DBPath      string `mapstructure:"db_path"`
	MaxMessages int    `mapstructure:"max_messages"`
}

// MetricsConfig holds the Prometheus endpoint configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file, a .env file in the working directory and
// environment variables
func Load(path string) (*Config, error) {
	return LoadFiles(path, ".env")
}

// LoadFiles is Load with an explicit dotenv file. A missing dotenv file is ignored.
func LoadFiles(path, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	v := viper.New()

	// Set config file
	v.SetConfigFile(path)

	// Set defaults
	setDefaults(v)

	// Enable environment variable override
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Unmarshal into Config struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.applyJSONEnv(); err != nil {
		return nil, err
	}
	cfg.normalize()

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "forward")
	v.SetDefault("timezone_offset_hours", 0)
	v.SetDefault("tokens", []string{"AAVE", "LINK", "HYPE", "ETH", "STABLES"})
	v.SetDefault("stablecoins", []string{"USDT", "USDC", "DAI", "FDUSD", "TUSD", "USDE", "PYUSD", "BUSD"})
	v.SetDefault("windows", []string{"1h", "4h", "24h"})

	// Snapshot defaults
	v.SetDefault("snapshot.interval", "5m")
	v.SetDefault("snapshot.out_dir", "out")
	v.SetDefault("snapshot.write_latest", true)
	v.SetDefault("snapshot.write_history", true)
	v.SetDefault("snapshot.verbose_breakdown", true)
	v.SetDefault("snapshot.breakdown_windows", []string{"1h", "4h", "24h"})
	v.SetDefault("snapshot.max_breakdown_lines", 30)

	// Scoring defaults
	v.SetDefault("scoring.thresholds", map[string]any{
		"*":    map[string]any{"CEX": 150000, "DEX": 250000, "VC": 1000000, "MERCADO": 0},
		"AAVE": map[string]any{"CEX": 150000},
	})
	v.SetDefault("scoring.k", map[string]any{"*": 0.4})
	v.SetDefault("scoring.weights", map[string]any{
		"CEX_IN": 1.5, "CEX_OUT": -1.0, "DEX": 0.5, "VC_IN": 1.2, "VC_OUT": -0.7, "MERCADO": 0.3,
	})
	v.SetDefault("scoring.min_lag", "0s")
	v.SetDefault("scoring.baseline.mode", "static")
	v.SetDefault("scoring.baseline.percentile", 0.85)
	v.SetDefault("scoring.baseline.lookback", "168h")
	v.SetDefault("scoring.baseline.min_samples", 20)
	v.SetDefault("scoring.baseline.refresh", "1h")
	v.SetDefault("scoring.baseline.floor_usd", 1.0)
	v.SetDefault("scoring.market_cap.normalization", "none")
	v.SetDefault("scoring.market_cap.reference_usd", 1e9)
	v.SetDefault("scoring.market_cap.caps", map[string]any{
		"AAVE": 1.2e9, "LINK": 9e9, "HYPE": 2e8, "ETH": 4e11,
	})
	v.SetDefault("scoring.market_cap.fetch.enabled", false)
	v.SetDefault("scoring.market_cap.fetch.base_url", "https://api.coingecko.com/api/v3")
	v.SetDefault("scoring.market_cap.fetch.api_key", "")
	v.SetDefault("scoring.market_cap.fetch.timeout", "15s")
	v.SetDefault("scoring.market_cap.fetch.ids", map[string]any{
		"AAVE": "aave", "LINK": "chainlink", "HYPE": "hyperliquid", "ETH": "ethereum",
	})

	// Mode defaults
	v.SetDefault("forward.continuous", false)
	v.SetDefault("forward.seed_hours", 48)
	v.SetDefault("forward.seed_limit", 3000)
	v.SetDefault("forward.startup_report", true)
	v.SetDefault("forward.queue_size", 1024)
	v.SetDefault("backtest.since", "2025-08-26 00:00:00")
	v.SetDefault("backtest.until", "")
	v.SetDefault("backtest.replay_seed_snapshots", true)
	v.SetDefault("backtest.limit", 0)
	v.SetDefault("backtest.notify", false)

	// Source defaults
	v.SetDefault("source.type", "none")
	v.SetDefault("source.telegram.chat_id", "")
	v.SetDefault("source.kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("source.kafka.topic", "flow-messages")
	v.SetDefault("source.kafka.group_id", "floworacle")

	// Telegram defaults
	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", "")
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")
	v.SetDefault("telegram.report_deviation", 40.0)
	v.SetDefault("telegram.breakdown_in_channel", false)
	v.SetDefault("telegram.summary_lines", 5)

	// Storage defaults
	v.SetDefault("storage.db_path", "./data/floworacle.db")
	v.SetDefault("storage.max_messages", 0)

	// Metrics defaults
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9090")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// applyJSONEnv replaces the table options with JSON documents from the environment.
func (c *Config) applyJSONEnv() error {
	var weights, k, caps map[string]float64
	if err := decodeJSONEnv(envPrefix+"_WEIGHTS_JSON", &weights); err != nil {
		return err
	}
	if err := decodeJSONEnv(envPrefix+"_K_JSON", &k); err != nil {
		return err
	}
	if err := decodeJSONEnv(envPrefix+"_MARKET_CAPS_JSON", &caps); err != nil {
		return err
	}
	var thresholds map[string]map[string]json.RawMessage
	if err := decodeJSONEnv(envPrefix+"_THRESHOLDS_JSON", &thresholds); err != nil {
		return err
	}

	if weights != nil {
		c.Scoring.Weights = weights
	}
	if k != nil {
		c.Scoring.K = k
	}
	if caps != nil {
		c.Scoring.MarketCap.Caps = caps
	}
	if thresholds != nil {
		parsed, err := parseThresholds(thresholds)
		if err != nil {
			return fmt.Errorf("%s_THRESHOLDS_JSON: %w", envPrefix, err)
		}
		c.Scoring.Thresholds = parsed
	}
	return nil
}

func decodeJSONEnv(name string, dst any) error {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("%s is not valid JSON: %w", name, err)
	}
	return nil
}

// parseThresholds accepts either {"CEX": 150000} or {"CEX": {"min_tx_usd": 150000}}
// per token.
func parseThresholds(in map[string]map[string]json.RawMessage) (map[string]map[string]float64, error) {
	out := make(map[string]map[string]float64, len(in))
	for token, groups := range in {
		out[token] = make(map[string]float64, len(groups))
		for group, raw := range groups {
			var v float64
			if err := json.Unmarshal(raw, &v); err == nil {
				out[token][group] = v
				continue
			}
			var nested struct {
				MinTxUSD *float64 `json:"min_tx_usd"`
			}
			if err := json.Unmarshal(raw, &nested); err != nil || nested.MinTxUSD == nil {
				return nil, fmt.Errorf("threshold %s.%s must be a number or {\"min_tx_usd\": number}", token, group)
			}
			out[token][group] = *nested.MinTxUSD
		}
	}
	return out, nil
}

// normalize upper-cases table keys (viper lower-cases them) and list entries.
func (c *Config) normalize() {
	c.Mode = strings.ToLower(strings.TrimSpace(c.Mode))
	c.Tokens = upperList(c.Tokens)
	c.Stablecoins = upperList(c.Stablecoins)
	c.Windows = trimList(c.Windows)
	c.Snapshot.BreakdownWindows = trimList(c.Snapshot.BreakdownWindows)

	thresholds := make(map[string]map[string]float64, len(c.Scoring.Thresholds))
	for token, groups := range c.Scoring.Thresholds {
		thresholds[strings.ToUpper(token)] = upperKeys(groups)
	}
	c.Scoring.Thresholds = thresholds
	c.Scoring.K = upperKeys(c.Scoring.K)
	c.Scoring.Weights = upperKeys(c.Scoring.Weights)
	c.Scoring.MarketCap.Caps = upperKeys(c.Scoring.MarketCap.Caps)
	c.Scoring.MarketCap.Fetch.IDs = upperKeys(c.Scoring.MarketCap.Fetch.IDs)
	c.Scoring.Baseline.Mode = strings.ToLower(c.Scoring.Baseline.Mode)
	c.Source.Type = strings.ToLower(c.Source.Type)
}

func upperKeys[V any](in map[string]V) map[string]V {
	out := make(map[string]V, len(in))
	for k, v := range in {
		out[strings.ToUpper(strings.TrimSpace(k))] = v
	}
	return out
}

func upperList(in []string) []string {
	out := trimList(in)
	for i := range out {
		out[i] = strings.ToUpper(out[i])
	}
	return out
}

func trimList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// timeLayouts are the accepted backtest bound formats, all read as UTC.
var timeLayouts = []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05", "2006-01-02"}

// ParseTime parses a backtest bound.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}

// SinceTime returns the parsed backtest start.
func (b BacktestConfig) SinceTime() (time.Time, error) { return ParseTime(b.Since) }

// UntilTime returns the parsed backtest end, or zero when unset.
func (b BacktestConfig) UntilTime() (time.Time, error) {
	if strings.TrimSpace(b.Until) == "" {
		return time.Time{}, nil
	}
	return ParseTime(b.Until)
}

var (
	validCategories    = map[string]bool{"CEX_IN": true, "CEX_OUT": true, "DEX": true, "VC_IN": true, "VC_OUT": true, "MERCADO": true}
	validGroups        = map[string]bool{"CEX": true, "DEX": true, "VC": true, "MERCADO": true}
	validNormalization = map[string]bool{"none": true, "inverse": true, "inverse_sqrt": true, "log": true}
)

func validWindow(w string) bool {
	d, err := time.ParseDuration(w)
	return err == nil && d > 0
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	if c.Mode != "forward" && c.Mode != "backtest" {
		return fmt.Errorf("mode must be one of: forward, backtest")
	}
	if c.TimezoneOffsetHours < -12 || c.TimezoneOffsetHours > 14 {
		return fmt.Errorf("timezone_offset_hours must be between -12 and 14")
	}
	if len(c.Tokens) == 0 {
		return fmt.Errorf("tokens must contain at least one token")
	}
	if len(c.Windows) == 0 {
		return fmt.Errorf("windows must contain at least one window")
	}
	for _, w := range c.Windows {
		if !validWindow(w) {
			return fmt.Errorf("windows: invalid window %q (want a duration such as 1h)", w)
		}
	}

	// Validate Snapshot config
	if c.Snapshot.Interval < 1*time.Second {
		return fmt.Errorf("snapshot.interval must be at least 1 second")
	}
	if (c.Snapshot.WriteLatest || c.Snapshot.WriteHistory) && c.Snapshot.OutDir == "" {
		return fmt.Errorf("snapshot.out_dir is required when snapshot writing is enabled")
	}
	for _, w := range c.Snapshot.BreakdownWindows {
		if !validWindow(w) {
			return fmt.Errorf("snapshot.breakdown_windows: invalid window %q", w)
		}
	}
	if c.Snapshot.MaxBreakdownLines < 0 {
		return fmt.Errorf("snapshot.max_breakdown_lines must not be negative")
	}

	// Validate Scoring config
	for token, groups := range c.Scoring.Thresholds {
		for group, v := range groups {
			if !validGroups[group] {
				return fmt.Errorf("scoring.thresholds.%s: unknown category group %q", token, group)
			}
			if v < 0 {
				return fmt.Errorf("scoring.thresholds.%s.%s must not be negative", token, group)
			}
		}
	}
	for token, k := range c.Scoring.K {
		if k <= 0 {
			return fmt.Errorf("scoring.k.%s must be positive", token)
		}
	}
	if len(c.Scoring.Weights) == 0 {
		return fmt.Errorf("scoring.weights must not be empty")
	}
	for category := range c.Scoring.Weights {
		if !validCategories[category] {
			return fmt.Errorf("scoring.weights: unknown category %q", category)
		}
	}
	if c.Scoring.MinLag < 0 {
		return fmt.Errorf("scoring.min_lag must not be negative")
	}
	switch c.Scoring.Baseline.Mode {
	case "static":
	case "percentile":
		if c.Scoring.Baseline.Percentile <= 0 || c.Scoring.Baseline.Percentile > 1 {
			return fmt.Errorf("scoring.baseline.percentile must be in (0, 1]")
		}
		if c.Scoring.Baseline.Lookback <= 0 {
			return fmt.Errorf("scoring.baseline.lookback must be positive")
		}
		if c.Scoring.Baseline.MinSamples < 1 {
			return fmt.Errorf("scoring.baseline.min_samples must be at least 1")
		}
	default:
		return fmt.Errorf("scoring.baseline.mode must be one of: static, percentile")
	}
	if c.Scoring.Baseline.FloorUSD <= 0 {
		return fmt.Errorf("scoring.baseline.floor_usd must be positive")
	}
	if !validNormalization[c.Scoring.MarketCap.Normalization] {
		return fmt.Errorf("scoring.market_cap.normalization must be one of: none, inverse, inverse_sqrt, log")
	}
	if c.Scoring.MarketCap.ReferenceUSD <= 0 {
		return fmt.Errorf("scoring.market_cap.reference_usd must be positive")
	}
	for token, v := range c.Scoring.MarketCap.Caps {
		if v <= 0 {
			return fmt.Errorf("scoring.market_cap.caps.%s must be positive", token)
		}
	}
	if c.Scoring.MarketCap.Fetch.Enabled && c.Scoring.MarketCap.Fetch.BaseURL == "" {
		return fmt.Errorf("scoring.market_cap.fetch.base_url is required when fetch is enabled")
	}

	// Validate mode config
	if c.Forward.SeedHours < 0 || c.Forward.SeedLimit < 0 {
		return fmt.Errorf("forward.seed_hours and forward.seed_limit must not be negative")
	}
	if c.Forward.QueueSize < 1 {
		return fmt.Errorf("forward.queue_size must be at least 1")
	}
	if c.Mode == "backtest" {
		since, err := c.Backtest.SinceTime()
		if err != nil {
			return fmt.Errorf("backtest.since: %w", err)
		}
		until, err := c.Backtest.UntilTime()
		if err != nil {
			return fmt.Errorf("backtest.until: %w", err)
		}
		if !until.IsZero() && !until.After(since) {
			return fmt.Errorf("backtest.until must be after backtest.since")
		}
	}

	// Validate Source config
	switch c.Source.Type {
	case "none":
	case "telegram":
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required for the telegram source")
		}
		if c.Source.Telegram.ChatID == "" {
			return fmt.Errorf("source.telegram.chat_id is required for the telegram source")
		}
	case "kafka":
		if len(c.Source.Kafka.Brokers) == 0 || c.Source.Kafka.Topic == "" {
			return fmt.Errorf("source.kafka.brokers and source.kafka.topic are required for the kafka source")
		}
	default:
		return fmt.Errorf("source.type must be one of: none, telegram, kafka")
	}

	// Validate Telegram config
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}
	if c.Telegram.ReportDeviation < 0 || c.Telegram.ReportDeviation > 50 {
		return fmt.Errorf("telegram.report_deviation must be between 0 and 50")
	}
	if c.Telegram.SummaryLines < 1 {
		return fmt.Errorf("telegram.summary_lines must be at least 1")
	}

	// Validate Storage config
	if c.Storage.MaxMessages < 0 {
		return fmt.Errorf("storage.max_messages must not be negative")
	}

	// Validate Metrics config
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required when metrics are enabled")
	}

	// Validate Logging config
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}
