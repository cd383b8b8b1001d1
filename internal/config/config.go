// Package config loads and validates discovery service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/contest-discovery/internal/discovery"
)

// Supported db.driver values.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	DB         DBConfig         `mapstructure:"db"`
	YouTube    YouTubeConfig    `mapstructure:"youtube"`
	Quota      QuotaConfig      `mapstructure:"quota"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Search     SearchConfig     `mapstructure:"search"`
	Ingest     IngestConfig     `mapstructure:"ingest"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	Progress   ProgressConfig   `mapstructure:"progress"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Defaults   DefaultsConfig   `mapstructure:"defaults"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features and the minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// DBConfig selects and tunes the persistence backend.
type DBConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MigrateOnStart  bool          `mapstructure:"migrate_on_start"`
}

// YouTubeConfig configures the Data API client.
type YouTubeConfig struct {
	APIKey            string  `mapstructure:"api_key"`
	Endpoint          string  `mapstructure:"endpoint"`
	TimeoutSeconds    int     `mapstructure:"timeout_seconds"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
	MaxRetries        int     `mapstructure:"max_retries"`
	BackoffInitialMs  int     `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs      int     `mapstructure:"backoff_max_ms"`
	RegionCode        string  `mapstructure:"region_code"`
	RelevanceLanguage string  `mapstructure:"relevance_language"`
}

// QuotaConfig sets the daily budget and per-operation prices.
type QuotaConfig struct {
	DailyLimit  int64 `mapstructure:"daily_limit"`
	CostSearch  int64 `mapstructure:"cost_search"`
	CostDetails int64 `mapstructure:"cost_details"`
	CostChannel int64 `mapstructure:"cost_channel"`
}

// CacheConfig controls the search result cache.
type CacheConfig struct {
	TTL             time.Duration `mapstructure:"ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// SearchConfig bounds the search loop.
type SearchConfig struct {
	LookbackDays       int `mapstructure:"lookback_days"`
	PageSize           int `mapstructure:"page_size"`
	MaxPagesPerKeyword int `mapstructure:"max_pages_per_keyword"`
}

// IngestConfig tunes batch ingestion.
type IngestConfig struct {
	FetchChannels    bool `mapstructure:"fetch_channels"`
	DetailsChunkSize int  `mapstructure:"details_chunk_size"`
}

// ClassifierConfig holds the contest vocabulary.
type ClassifierConfig struct {
	Keywords []string `mapstructure:"keywords"`
}

// ProgressConfig sizes the progress hub buffers.
type ProgressConfig struct {
	BufferSize       int           `mapstructure:"buffer_size"`
	SubscriberBuffer int           `mapstructure:"subscriber_buffer"`
	MaxBatchEvents   int           `mapstructure:"max_batch_events"`
	MaxBatchWait     time.Duration `mapstructure:"max_batch_wait"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// DefaultsConfig seeds stored settings on first boot.
type DefaultsConfig struct {
	Settings discovery.Settings   `mapstructure:"settings"`
	Cron     discovery.CronConfig `mapstructure:"cron"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DISCOVERY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	settings := discovery.DefaultSettings()
	cron := discovery.DefaultCronConfig()
	costs := discovery.DefaultCostTable()

	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("db.driver", DriverMemory)
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.max_conn_lifetime", time.Hour)
	v.SetDefault("db.migrate_on_start", true)
	v.SetDefault("db.dsn", "")
	v.SetDefault("youtube.api_key", "")
	v.SetDefault("youtube.endpoint", "")
	v.SetDefault("youtube.region_code", "")
	v.SetDefault("youtube.relevance_language", "")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("youtube.timeout_seconds", 15)
	v.SetDefault("youtube.requests_per_second", 5.0)
	v.SetDefault("youtube.burst", 5)
	v.SetDefault("youtube.max_retries", 3)
	v.SetDefault("youtube.backoff_initial_ms", 250)
	v.SetDefault("youtube.backoff_max_ms", 5000)
	v.SetDefault("quota.daily_limit", 10000)
	v.SetDefault("quota.cost_search", costs[discovery.OpSearch])
	v.SetDefault("quota.cost_details", costs[discovery.OpDetails])
	v.SetDefault("quota.cost_channel", costs[discovery.OpChannel])
	v.SetDefault("cache.ttl", 24*time.Hour)
	v.SetDefault("cache.cleanup_interval", time.Hour)
	v.SetDefault("search.lookback_days", 7)
	v.SetDefault("search.page_size", 50)
	v.SetDefault("search.max_pages_per_keyword", 10)
	v.SetDefault("ingest.fetch_channels", false)
	v.SetDefault("ingest.details_chunk_size", 50)
	v.SetDefault("classifier.keywords", []string{
		"конкурс",
		"розыгрыш",
		"разыгрываю",
		"giveaway",
		"contest",
		"sorteo",
	})
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.subscriber_buffer", 32)
	v.SetDefault("progress.max_batch_events", 100)
	v.SetDefault("progress.max_batch_wait", 500*time.Millisecond)
	v.SetDefault("defaults.settings.max_videos_per_run", settings.MaxVideosPerRun)
	v.SetDefault("defaults.settings.max_api_requests_per_run", settings.MaxAPIRequestsPerRun)
	v.SetDefault("defaults.settings.keywords", settings.Keywords)
	v.SetDefault("defaults.settings.title_weight", settings.TitleWeight)
	v.SetDefault("defaults.settings.description_weight", settings.DescriptionWeight)
	v.SetDefault("defaults.settings.tags_weight", settings.TagsWeight)
	v.SetDefault("defaults.settings.minimum_total_score", settings.MinimumTotalScore)
	v.SetDefault("defaults.cron.enabled", cron.Enabled)
	v.SetDefault("defaults.cron.frequency", string(cron.Frequency))
	v.SetDefault("defaults.cron.time", cron.Time)
	v.SetDefault("defaults.cron.days", cron.Days)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	switch c.DB.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn is required for driver %q", c.DB.Driver)
		}
	default:
		return fmt.Errorf("db.driver %q is not supported", c.DB.Driver)
	}
	if c.YouTube.APIKey == "" && c.YouTube.Endpoint == "" {
		return fmt.Errorf("youtube.api_key must be set")
	}
	if c.YouTube.TimeoutSeconds <= 0 {
		return fmt.Errorf("youtube.timeout_seconds must be > 0")
	}
	if c.Quota.DailyLimit <= 0 {
		return fmt.Errorf("quota.daily_limit must be > 0")
	}
	if c.Quota.CostSearch <= 0 || c.Quota.CostDetails <= 0 || c.Quota.CostChannel <= 0 {
		return fmt.Errorf("quota costs must be > 0")
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be > 0")
	}
	if c.Search.PageSize <= 0 || c.Search.PageSize > 50 {
		return fmt.Errorf("search.page_size must be within 1..50")
	}
	if c.Search.MaxPagesPerKeyword <= 0 {
		return fmt.Errorf("search.max_pages_per_keyword must be > 0")
	}
	if c.Ingest.DetailsChunkSize <= 0 || c.Ingest.DetailsChunkSize > 50 {
		return fmt.Errorf("ingest.details_chunk_size must be within 1..50")
	}
	if len(c.Classifier.Keywords) == 0 {
		return fmt.Errorf("classifier.keywords must not be empty")
	}
	if err := c.Defaults.Settings.Validate(); err != nil {
		return fmt.Errorf("defaults.settings: %w", err)
	}
	if err := c.Defaults.Cron.Validate(); err != nil {
		return fmt.Errorf("defaults.cron: %w", err)
	}
	return nil
}

// Costs converts the quota section into a cost table.
func (c Config) Costs() discovery.CostTable {
	return discovery.CostTable{
		discovery.OpSearch:  c.Quota.CostSearch,
		discovery.OpDetails: c.Quota.CostDetails,
		discovery.OpChannel: c.Quota.CostChannel,
	}
}

// ProviderTimeout converts the YouTube timeout into a duration.
func (c Config) ProviderTimeout() time.Duration {
	return time.Duration(c.YouTube.TimeoutSeconds) * time.Second
}
