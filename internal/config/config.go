// Package config loads the engine's single configuration document (spec
// section 6) via viper, the way this codebase's lineage layers CLI
// overrides on top of a YAML file with search-path discovery.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// HTTPConfig covers the http.* options of spec section 6.
type HTTPConfig struct {
	TimeoutSeconds     int     `mapstructure:"timeout_seconds"`
	MaxRetries         int     `mapstructure:"max_retries"`
	RateLimitPerSecond float64 `mapstructure:"rate_limit_per_second"`
	Burst              int     `mapstructure:"burst"`
	UserAgent          string  `mapstructure:"user_agent"`
	RespectRobotsTxt   bool    `mapstructure:"respect_robots_txt"`
}

func (h HTTPConfig) Timeout() time.Duration { return time.Duration(h.TimeoutSeconds) * time.Second }

// DatabaseConfig covers database.*. DSN is a Postgres connection string; see
// SPEC_FULL.md's resolved open question on the config key's historical name.
type DatabaseConfig struct {
	DSN            string `mapstructure:"dsn"`
	MaxConnections int    `mapstructure:"max_connections"`
}

// ConcurrencyConfig covers crawling.concurrency.*.
type ConcurrencyConfig struct {
	ListFetch   int `mapstructure:"list_fetch"`
	DetailFetch int `mapstructure:"detail_fetch"`
	Parse       int `mapstructure:"parse"`
	Persist     int `mapstructure:"persist"`
}

// CacheTTLConfig covers crawling.cache_ttl.*.
type CacheTTLConfig struct {
	SiteSeconds int `mapstructure:"site_seconds"`
	DBSeconds   int `mapstructure:"db_seconds"`
}

func (c CacheTTLConfig) Site() time.Duration { return time.Duration(c.SiteSeconds) * time.Second }
func (c CacheTTLConfig) DB() time.Duration   { return time.Duration(c.DBSeconds) * time.Second }

// TimeoutsConfig covers crawling.timeouts.*.
type TimeoutsConfig struct {
	PerPageSeconds          int `mapstructure:"per_page_seconds"`
	SessionHours            int `mapstructure:"session_hours"`
	StallMinutes            int `mapstructure:"stall_minutes"`
	GracefulShutdownSeconds int `mapstructure:"graceful_shutdown_seconds"`
}

func (t TimeoutsConfig) PerPage() time.Duration  { return time.Duration(t.PerPageSeconds) * time.Second }
func (t TimeoutsConfig) Session() time.Duration  { return time.Duration(t.SessionHours) * time.Hour }
func (t TimeoutsConfig) Stall() time.Duration    { return time.Duration(t.StallMinutes) * time.Minute }
func (t TimeoutsConfig) GracefulShutdown() time.Duration {
	return time.Duration(t.GracefulShutdownSeconds) * time.Second
}

// CrawlingConfig covers crawling.*.
type CrawlingConfig struct {
	ProductsPerPage    int               `mapstructure:"products_per_page"`
	MaxRangePerSession int               `mapstructure:"max_range_per_session"`
	BatchSize          int               `mapstructure:"batch_size"`
	StageQueueDepth    int               `mapstructure:"stage_queue_depth"`
	Concurrency        ConcurrencyConfig `mapstructure:"concurrency"`
	CacheTTL           CacheTTLConfig    `mapstructure:"cache_ttl"`
	Timeouts           TimeoutsConfig    `mapstructure:"timeouts"`
	DriftToleranceRatio float64          `mapstructure:"drift_tolerance_ratio"`
	MaxReportedFailures int              `mapstructure:"max_reported_failures"`
}

// SiteConfig names the certification directory being crawled.
type SiteConfig struct {
	BaseURL          string `mapstructure:"base_url"`
	ListPathTemplate string `mapstructure:"list_path_template"` // e.g. "/certified-products?page=%d"
}

// Config is the root configuration document.
type Config struct {
	Site     SiteConfig     `mapstructure:"site"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Database DatabaseConfig `mapstructure:"database"`
	Crawling CrawlingConfig `mapstructure:"crawling"`
}

// Validate checks ranges that would otherwise surface as confusing runtime
// errors deep inside an actor.
func (c *Config) Validate() error {
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.RateLimitPerSecond <= 0 {
		return fmt.Errorf("http.rate_limit_per_second must be > 0")
	}
	if c.Crawling.ProductsPerPage <= 0 {
		return fmt.Errorf("crawling.products_per_page must be > 0")
	}
	if c.Crawling.BatchSize <= 0 {
		return fmt.Errorf("crawling.batch_size must be > 0")
	}
	if c.Crawling.MaxRangePerSession <= 0 {
		return fmt.Errorf("crawling.max_range_per_session must be > 0")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Site.BaseURL == "" {
		return fmt.Errorf("site.base_url is required")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("site.list_path_template", "/certified-products?page=%d")

	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.max_retries", 3)
	v.SetDefault("http.rate_limit_per_second", 5.0)
	v.SetDefault("http.burst", 10)
	v.SetDefault("http.user_agent", "mattercrawl/1.0 (+https://example.invalid)")
	v.SetDefault("http.respect_robots_txt", true)

	v.SetDefault("database.max_connections", 8)

	v.SetDefault("crawling.products_per_page", 12)
	v.SetDefault("crawling.max_range_per_session", 100)
	v.SetDefault("crawling.batch_size", 10)
	v.SetDefault("crawling.stage_queue_depth", 256)

	v.SetDefault("crawling.concurrency.list_fetch", 3)
	v.SetDefault("crawling.concurrency.detail_fetch", 8)
	v.SetDefault("crawling.concurrency.parse", 4)
	v.SetDefault("crawling.concurrency.persist", 4)

	v.SetDefault("crawling.cache_ttl.site_seconds", 300)
	v.SetDefault("crawling.cache_ttl.db_seconds", 30)

	v.SetDefault("crawling.timeouts.per_page_seconds", 30)
	v.SetDefault("crawling.timeouts.session_hours", 2)
	v.SetDefault("crawling.timeouts.stall_minutes", 5)
	v.SetDefault("crawling.timeouts.graceful_shutdown_seconds", 10)

	v.SetDefault("crawling.drift_tolerance_ratio", 0.05)
	v.SetDefault("crawling.max_reported_failures", 100)
}

// Load reads the configuration document at configPath, or searches the
// default locations (./configs, ., $HOME/.mattercrawl) for config.yaml when
// configPath is empty.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".mattercrawl"))
		}
	}

	v.SetEnvPrefix("MATTERCRAWL")
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}
