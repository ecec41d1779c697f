package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"tradeguard/internal/logging"
	"tradeguard/internal/quality"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	API       APIConfig       `mapstructure:"api"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	Quality   QualityConfig   `mapstructure:"quality"`
	Feeds     FeedsConfig     `mapstructure:"feeds"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// RedisConfig enables the cross-process breaker lock.
type RedisConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Addr       string        `mapstructure:"addr"`
	Password   string        `mapstructure:"password"`
	DB         int           `mapstructure:"db"`
	LockPrefix string        `mapstructure:"lock_prefix"`
	LockTTL    time.Duration `mapstructure:"lock_ttl"`
}

// SchedulerConfig governs the sweep cadence. Cron, when set, replaces the interval loop.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	Cron            string        `mapstructure:"cron"`
}

// APIConfig configures the HTTP surface.
type APIConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Addr            string        `mapstructure:"addr"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// BreakerConfig holds breaker engine settings.
type BreakerConfig struct {
	// Tenants are swept even when the store has no breaker for them yet.
	Tenants  []string `mapstructure:"tenants"`
	SeedFile string   `mapstructure:"seed_file"`
}

// QualityConfig tunes scoring and thresholds.
type QualityConfig struct {
	HistoryCapacity int                `mapstructure:"history_capacity"`
	Thresholds      map[string]float64 `mapstructure:"thresholds"`
	Scoring         quality.Config     `mapstructure:"scoring"`
}

// FeedsConfig lists the data feeds sampled on every tick.
type FeedsConfig struct {
	Price []PriceFeedConfig `mapstructure:"price"`
	Chain ChainFeedConfig   `mapstructure:"chain"`
}

// PriceFeedConfig describes one HTTP series feed. DataType defaults to PRICE.
type PriceFeedConfig struct {
	SourceID       string        `mapstructure:"source_id"`
	Symbol         string        `mapstructure:"symbol"`
	DataType       string        `mapstructure:"data_type"`
	URL            string        `mapstructure:"url"`
	ExpectedPoints int           `mapstructure:"expected_points"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// ChainFeedConfig covers on-chain data access.
// Without an oracle address the feed samples the block base fee.
type ChainFeedConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	SourceID       string        `mapstructure:"source_id"`
	Symbol         string        `mapstructure:"symbol"`
	RPCURL         string        `mapstructure:"rpc_url"`
	OracleAddress  string        `mapstructure:"oracle_address"`
	OracleDecimals int32         `mapstructure:"oracle_decimals"`
	Blocks         int           `mapstructure:"blocks"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Log      bool           `mapstructure:"log"`
	Guard    GuardConfig    `mapstructure:"guard"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
}

// GuardConfig rate-limits and short-circuits outbound notifiers.
type GuardConfig struct {
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	Burst         int           `mapstructure:"burst"`
	MaxFailures   uint32        `mapstructure:"max_failures"`
	OpenTimeout   time.Duration `mapstructure:"open_timeout"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// KafkaConfig publishes alerts to a topic.
type KafkaConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TRADEGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "tradeguard")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file.max_size_mb", 100)
	v.SetDefault("logging.file.max_backups", 5)
	v.SetDefault("logging.file.max_age_days", 14)

	v.SetDefault("scheduler.interval", "1m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x74677264))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.lock_prefix", "tradeguard:lock:")
	v.SetDefault("redis.lock_ttl", "10s")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.addr", ":8080")
	v.SetDefault("api.allowed_origins", []string{"*"})
	v.SetDefault("api.read_timeout", "10s")
	v.SetDefault("api.write_timeout", "15s")
	v.SetDefault("api.shutdown_timeout", "10s")

	v.SetDefault("quality.history_capacity", quality.DefaultHistoryCapacity)
	defaults := quality.DefaultConfig()
	v.SetDefault("quality.scoring.expected_interval_seconds", defaults.ExpectedIntervalSeconds)
	v.SetDefault("quality.scoring.max_freshness_age_seconds", defaults.MaxFreshnessAgeSeconds)
	v.SetDefault("quality.scoring.price_spike_threshold_percent", defaults.PriceSpikeThresholdPercent)
	v.SetDefault("quality.scoring.stale_data_threshold_seconds", defaults.StaleDataThresholdSeconds)
	v.SetDefault("quality.scoring.weights.completeness", defaults.Weights.Completeness)
	v.SetDefault("quality.scoring.weights.freshness", defaults.Weights.Freshness)
	v.SetDefault("quality.scoring.weights.consistency", defaults.Weights.Consistency)
	v.SetDefault("quality.scoring.weights.accuracy", defaults.Weights.Accuracy)

	v.SetDefault("feeds.chain.source_id", "ethereum")
	v.SetDefault("feeds.chain.symbol", "ETH-BASEFEE")
	v.SetDefault("feeds.chain.oracle_decimals", 8)
	v.SetDefault("feeds.chain.blocks", 20)
	v.SetDefault("feeds.chain.request_timeout", "10s")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.log", true)
	v.SetDefault("alerting.guard.rate_per_second", 1.0)
	v.SetDefault("alerting.guard.burst", 5)
	v.SetDefault("alerting.guard.max_failures", 3)
	v.SetDefault("alerting.guard.open_timeout", "1m")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "10s")
	v.SetDefault("alerting.kafka.topic", "tradeguard.alerts")
	v.SetDefault("alerting.kafka.write_timeout", "5s")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 && c.Scheduler.Cron == "" {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Quality.HistoryCapacity <= 0 {
		return fmt.Errorf("quality.history_capacity must be greater than zero")
	}
	for dataType, threshold := range c.Quality.Thresholds {
		if !quality.DataType(strings.ToUpper(dataType)).Valid() {
			return fmt.Errorf("quality.thresholds: unknown data type %q", dataType)
		}
		if threshold < 0 || threshold > 1 {
			return fmt.Errorf("quality.thresholds.%s must be within [0,1]", dataType)
		}
	}
	for i, feed := range c.Feeds.Price {
		if feed.SourceID == "" || feed.URL == "" {
			return fmt.Errorf("feeds.price[%d]: source_id and url are required", i)
		}
		if feed.DataType != "" && !quality.DataType(strings.ToUpper(feed.DataType)).Valid() {
			return fmt.Errorf("feeds.price[%d]: unknown data type %q", i, feed.DataType)
		}
	}
	if c.Feeds.Chain.Enabled && c.Feeds.Chain.RPCURL == "" {
		return fmt.Errorf("feeds.chain.rpc_url is required when the chain feed is enabled")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	if c.Alerting.Kafka.Enabled && (len(c.Alerting.Kafka.Brokers) == 0 || c.Alerting.Kafka.Topic == "") {
		return fmt.Errorf("alerting.kafka requires brokers and topic")
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
