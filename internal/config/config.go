package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Marketplace MarketplaceConfig `mapstructure:"marketplace"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Sync        SyncConfig        `mapstructure:"sync"`
	MarketValue MarketValueConfig `mapstructure:"market_value"`
	Progress    ProgressConfig    `mapstructure:"progress"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Schedule    ScheduleConfig    `mapstructure:"schedule"`
}

type ServerConfig struct {
	Port int        `mapstructure:"port"`
	Mode string     `mapstructure:"mode"`
	CORS CORSConfig `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	AllowAllOrigins bool     `mapstructure:"allow_all_origins"`
}

// MarketplaceConfig configures the upstream marketplace API and the fetch policy
// applied to every stage that talks to it.
type MarketplaceConfig struct {
	Mode           string          `mapstructure:"mode"` // http, fixture
	BaseURL        string          `mapstructure:"base_url"`
	APIKey         string          `mapstructure:"api_key"`
	FixturePath    string          `mapstructure:"fixture_path"`
	Timeout        time.Duration   `mapstructure:"timeout"`
	PageSize       int             `mapstructure:"page_size"`
	MaxRetries     int             `mapstructure:"max_retries"`
	RetryBaseDelay time.Duration   `mapstructure:"retry_base_delay"`
	RetryMaxDelay  time.Duration   `mapstructure:"retry_max_delay"`
	Concurrency    int             `mapstructure:"concurrency"`
	RateLimit      RateLimitConfig `mapstructure:"rate_limit"`
}

type RateLimitConfig struct {
	Backend           string        `mapstructure:"backend"` // memory, redis
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	Window            time.Duration `mapstructure:"window"`
	MaxKeys           int           `mapstructure:"max_keys"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type SyncConfig struct {
	OrchestratorID  string        `mapstructure:"orchestrator_id"`
	MaxPagesPerRun  int           `mapstructure:"max_pages_per_run"`
	ChunkMaxPages   int           `mapstructure:"chunk_max_pages"`
	ChunkTimeBudget time.Duration `mapstructure:"chunk_time_budget"`
	RunTimeBudget   time.Duration `mapstructure:"run_time_budget"`
	Exclusive       bool          `mapstructure:"exclusive"`
	LockTTL         time.Duration `mapstructure:"lock_ttl"`
	HistoryLimit    int           `mapstructure:"history_limit"`
	MaxStageErrors  int           `mapstructure:"max_stage_errors"`
}

type MarketValueConfig struct {
	WindowDays         int           `mapstructure:"window_days"`
	MinSampleSize      int           `mapstructure:"min_sample_size"`
	AgeBucketWidth     int           `mapstructure:"age_bucket_width"`
	OverallBucketWidth int           `mapstructure:"overall_bucket_width"`
	FallbackRadius     int           `mapstructure:"fallback_radius"`
	CentralTendency    string        `mapstructure:"central_tendency"` // median, mean
	BatchSize          int           `mapstructure:"batch_size"`
	CacheTTL           time.Duration `mapstructure:"cache_ttl"`
}

type ProgressConfig struct {
	MaxSubscriptionLifetime time.Duration `mapstructure:"max_subscription_lifetime"`
	BufferSize              int           `mapstructure:"buffer_size"`
}

// StorageConfig configures the optional S3-compatible archive for multiplier snapshots.
type StorageConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Type      string `mapstructure:"type"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	Prefix    string `mapstructure:"prefix"`
}

type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
}

type ScheduleConfig struct {
	Daily string `mapstructure:"daily"`
}

func Load(configPath string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Bind environment variables explicitly for sensitive data
	v.BindEnv("database.url", "DATABASE_URL")
	v.BindEnv("database.password", "DATABASE_PASSWORD")
	v.BindEnv("marketplace.base_url", "MARKETPLACE_BASE_URL")
	v.BindEnv("marketplace.api_key", "MARKETPLACE_API_KEY")
	v.BindEnv("redis.addr", "REDIS_ADDR")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("storage.access_key", "S3_ACCESS_KEY")
	v.BindEnv("storage.secret_key", "S3_SECRET_KEY")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.cors.allow_all_origins", true)
	v.SetDefault("server.cors.allowed_origins", []string{})

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/playermarket.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.dbname", "playermarket")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.log_level", "warn")

	v.SetDefault("marketplace.mode", "http")
	v.SetDefault("marketplace.base_url", "https://marketplace.example.com/api")
	v.SetDefault("marketplace.fixture_path", "./data/fixtures")
	v.SetDefault("marketplace.timeout", "20s")
	v.SetDefault("marketplace.page_size", 100)
	v.SetDefault("marketplace.max_retries", 4)
	v.SetDefault("marketplace.retry_base_delay", "500ms")
	v.SetDefault("marketplace.retry_max_delay", "15s")
	v.SetDefault("marketplace.concurrency", 4)
	v.SetDefault("marketplace.rate_limit.backend", "memory")
	v.SetDefault("marketplace.rate_limit.requests_per_second", 5.0)
	v.SetDefault("marketplace.rate_limit.burst", 5)
	v.SetDefault("marketplace.rate_limit.window", "1s")
	v.SetDefault("marketplace.rate_limit.max_keys", 64)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("sync.orchestrator_id", "main")
	v.SetDefault("sync.max_pages_per_run", 0)
	v.SetDefault("sync.chunk_max_pages", 50)
	v.SetDefault("sync.chunk_time_budget", "50s")
	v.SetDefault("sync.run_time_budget", "0s")
	v.SetDefault("sync.exclusive", true)
	v.SetDefault("sync.lock_ttl", "15m")
	v.SetDefault("sync.history_limit", 20)
	v.SetDefault("sync.max_stage_errors", 50)

	v.SetDefault("market_value.window_days", 90)
	v.SetDefault("market_value.min_sample_size", 5)
	v.SetDefault("market_value.age_bucket_width", 2)
	v.SetDefault("market_value.overall_bucket_width", 5)
	v.SetDefault("market_value.fallback_radius", 2)
	v.SetDefault("market_value.central_tendency", "median")
	v.SetDefault("market_value.batch_size", 500)
	v.SetDefault("market_value.cache_ttl", "10m")

	v.SetDefault("progress.max_subscription_lifetime", "10m")
	v.SetDefault("progress.buffer_size", 64)

	v.SetDefault("storage.enabled", false)
	v.SetDefault("storage.bucket", "playermarket")
	v.SetDefault("storage.prefix", "market-values")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "playermarket")

	v.SetDefault("schedule.daily", "0 3 * * *")
}

// Validate rejects settings the sync pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Marketplace.PageSize <= 0 {
		return fmt.Errorf("marketplace.page_size must be positive")
	}
	if c.Marketplace.MaxRetries < 0 {
		return fmt.Errorf("marketplace.max_retries must not be negative")
	}
	switch c.Marketplace.Mode {
	case "http", "fixture":
	default:
		return fmt.Errorf("marketplace.mode: unknown mode %q", c.Marketplace.Mode)
	}
	switch c.Marketplace.RateLimit.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("marketplace.rate_limit.backend: unknown backend %q", c.Marketplace.RateLimit.Backend)
	}
	switch c.MarketValue.CentralTendency {
	case "median", "mean":
	default:
		return fmt.Errorf("market_value.central_tendency: unknown value %q", c.MarketValue.CentralTendency)
	}
	if c.MarketValue.AgeBucketWidth <= 0 || c.MarketValue.OverallBucketWidth <= 0 {
		return fmt.Errorf("market_value bucket widths must be positive")
	}
	if c.Sync.ChunkMaxPages <= 0 {
		return fmt.Errorf("sync.chunk_max_pages must be positive")
	}
	return nil
}
