// Package config loads and validates harvester configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/docharvest/internal/harvest"
	"github.com/JakeFAU/docharvest/internal/policy/ratelimit"
	"github.com/JakeFAU/docharvest/internal/retry"
	"github.com/JakeFAU/docharvest/internal/store"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig      `mapstructure:"server"`
	Auth      AuthConfig        `mapstructure:"auth"`
	Logging   LoggingConfig     `mapstructure:"logging"`
	Harvest   HarvestConfig     `mapstructure:"harvest"`
	RateLimit RateLimitConfig   `mapstructure:"ratelimit"`
	Retry     RetryConfig       `mapstructure:"retry"`
	Headless  HeadlessConfig    `mapstructure:"headless"`
	GitHub    GitHubConfig      `mapstructure:"github"`
	Web       WebConfig         `mapstructure:"web"`
	Store     StoreConfig       `mapstructure:"store"`
	Archive   ArchiveConfig     `mapstructure:"archive"`
	Publisher PublisherConfig   `mapstructure:"publisher"`
	Progress  ProgressConfig    `mapstructure:"progress"`
	Projects  []harvest.Project `mapstructure:"projects"`
}

// ServerConfig controls the operator HTTP server.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// HarvestConfig governs scheduling and the harvest pipeline. Deadline
// overrides the per-document stage budget derived from FetchTimeout and the
// retry settings; DiscoveryTimeout bounds each discovery attempt.
type HarvestConfig struct {
	Concurrency      int           `mapstructure:"concurrency"`
	QueueDepth       int           `mapstructure:"queue_depth"`
	UpdateInterval   time.Duration `mapstructure:"update_interval"`
	TickInterval     time.Duration `mapstructure:"tick_interval"`
	FetchTimeout     time.Duration `mapstructure:"fetch_timeout"`
	DiscoveryTimeout time.Duration `mapstructure:"discovery_timeout"`
	Deadline         time.Duration `mapstructure:"deadline"`
	MaxContentLength int64         `mapstructure:"max_content_length"`
	MaxTitleLength   int           `mapstructure:"max_title_length"`
	Readability      bool          `mapstructure:"readability"`
	UserAgent        string        `mapstructure:"user_agent"`
	RespectRobots    bool          `mapstructure:"respect_robots"`
	RetainWorkItems  int           `mapstructure:"retain_work_items"`
}

// RateLimitConfig sets the per-host token buckets.
type RateLimitConfig struct {
	PerHostRPS float64    `mapstructure:"per_host_rps"`
	Burst      int        `mapstructure:"burst"`
	Hosts      []HostRate `mapstructure:"hosts"`
}

// HostRate overrides the default bucket for one host.
type HostRate struct {
	Host  string  `mapstructure:"host"`
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// RetryConfig configures the fetch retry policy.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffMax  time.Duration `mapstructure:"backoff_max"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	MaxParallel        int           `mapstructure:"max_parallel"`
	NavTimeout         time.Duration `mapstructure:"nav_timeout"`
	SettleDelay        time.Duration `mapstructure:"settle_delay"`
	PromotionThreshold int           `mapstructure:"promotion_threshold"`
}

// GitHubConfig configures the repository and wiki adapters.
type GitHubConfig struct {
	Token      string `mapstructure:"token"`
	APIBaseURL string `mapstructure:"api_base_url"`
}

// WebConfig bounds website and hosted-docs discovery.
type WebConfig struct {
	MaxLinks        int      `mapstructure:"max_links"`
	ProbeSubdomains bool     `mapstructure:"probe_subdomains"`
	Subdomains      []string `mapstructure:"subdomains"`
	MaxPages        int      `mapstructure:"max_pages"`
	MaxDepth        int      `mapstructure:"max_depth"`
}

// StoreConfig selects and configures the snapshot store.
type StoreConfig struct {
	Provider string         `mapstructure:"provider"`
	TTL      time.Duration  `mapstructure:"ttl"`
	Refresh  bool           `mapstructure:"refresh_stale"`
	History  HistoryConfig  `mapstructure:"history"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
}

// HistoryConfig bounds per-document change history.
type HistoryConfig struct {
	MaxEvents int           `mapstructure:"max_events"`
	MaxAge    time.Duration `mapstructure:"max_age"`
}

// PostgresConfig controls access to PostgreSQL.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// SQLiteConfig locates the SQLite database file.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// ArchiveConfig selects where changed bodies are archived.
type ArchiveConfig struct {
	Provider string `mapstructure:"provider"`
	Prefix   string `mapstructure:"prefix"`
	BaseDir  string `mapstructure:"base_dir"`
	Bucket   string `mapstructure:"bucket"`
}

// PublisherConfig selects where change events are published.
type PublisherConfig struct {
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ProgressConfig controls harvest lifecycle event reporting.
type ProgressConfig struct {
	Enabled    bool `mapstructure:"enabled"`
	LogEnabled bool `mapstructure:"log_enabled"`
	// Topic publishes lifecycle events through the configured publisher
	// when set.
	Topic          string        `mapstructure:"topic"`
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DOCHARVEST")
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
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.request_timeout", 60*time.Second)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "")
	v.SetDefault("harvest.concurrency", 5)
	v.SetDefault("harvest.queue_depth", 256)
	v.SetDefault("harvest.update_interval", 2*time.Hour)
	v.SetDefault("harvest.tick_interval", time.Minute)
	v.SetDefault("harvest.fetch_timeout", 30*time.Second)
	v.SetDefault("harvest.discovery_timeout", 10*time.Minute)
	v.SetDefault("harvest.deadline", 0)
	v.SetDefault("harvest.max_content_length", 1<<20)
	v.SetDefault("harvest.max_title_length", 100)
	v.SetDefault("harvest.readability", true)
	v.SetDefault("harvest.user_agent", "docharvest/0.1 (+https://github.com/JakeFAU/docharvest)")
	v.SetDefault("harvest.respect_robots", true)
	v.SetDefault("harvest.retain_work_items", 500)
	v.SetDefault("ratelimit.per_host_rps", 1.0)
	v.SetDefault("ratelimit.burst", 10)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.backoff_base", time.Second)
	v.SetDefault("retry.backoff_max", 30*time.Second)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout", 45*time.Second)
	v.SetDefault("headless.settle_delay", 500*time.Millisecond)
	v.SetDefault("headless.promotion_threshold", 2048)
	v.SetDefault("github.token", "")
	v.SetDefault("github.api_base_url", "")
	v.SetDefault("web.max_links", 10)
	v.SetDefault("web.probe_subdomains", true)
	v.SetDefault("web.max_pages", 200)
	v.SetDefault("web.max_depth", 2)
	v.SetDefault("store.provider", "memory")
	v.SetDefault("store.ttl", 30*time.Minute)
	v.SetDefault("store.refresh_stale", true)
	v.SetDefault("store.history.max_events", 50)
	v.SetDefault("store.history.max_age", 90*24*time.Hour)
	v.SetDefault("store.postgres.max_conns", 10)
	v.SetDefault("store.postgres.migrate", true)
	v.SetDefault("store.sqlite.path", "data/docharvest.db")
	v.SetDefault("archive.provider", "none")
	v.SetDefault("archive.prefix", "bodies")
	v.SetDefault("archive.base_dir", "data/archive")
	v.SetDefault("publisher.provider", "none")
	v.SetDefault("publisher.topic", "doc-changes")
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_enabled", true)
	v.SetDefault("progress.topic", "")
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch_events", 100)
	v.SetDefault("progress.max_batch_wait", 500*time.Millisecond)
	v.SetDefault("progress.sink_timeout", 10*time.Second)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return errors.New("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return errors.New("auth.api_key must be set when auth is enabled")
	}
	if c.Harvest.Concurrency <= 0 {
		return errors.New("harvest.concurrency must be > 0")
	}
	if c.Harvest.UpdateInterval <= 0 {
		return errors.New("harvest.update_interval must be > 0")
	}
	if c.Harvest.TickInterval <= 0 {
		return errors.New("harvest.tick_interval must be > 0")
	}
	if c.Harvest.FetchTimeout <= 0 {
		return errors.New("harvest.fetch_timeout must be > 0")
	}
	if c.Harvest.DiscoveryTimeout < 0 {
		return errors.New("harvest.discovery_timeout must be >= 0")
	}
	if c.Harvest.Deadline < 0 {
		return errors.New("harvest.deadline must be >= 0")
	}
	if c.Harvest.MaxContentLength <= 0 {
		return errors.New("harvest.max_content_length must be > 0")
	}
	if c.RateLimit.PerHostRPS < 0 || c.RateLimit.Burst < 0 {
		return errors.New("ratelimit.per_host_rps and ratelimit.burst must be >= 0")
	}
	if c.Retry.MaxAttempts <= 0 {
		return errors.New("retry.max_attempts must be > 0")
	}
	if c.Retry.BackoffBase < 0 || c.Retry.BackoffMax < c.Retry.BackoffBase {
		return errors.New("retry.backoff_max must be >= retry.backoff_base >= 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return errors.New("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Store.TTL < 0 {
		return errors.New("store.ttl must be >= 0")
	}
	if c.Store.History.MaxEvents < 0 || c.Store.History.MaxAge < 0 {
		return errors.New("store.history limits must be >= 0")
	}

	switch c.Store.Provider {
	case "memory":
	case "postgres":
		if c.Store.Postgres.DSN == "" {
			return errors.New("store.postgres.dsn must be set when store.provider is postgres")
		}
	case "sqlite":
		if c.Store.SQLite.Path == "" {
			return errors.New("store.sqlite.path must be set when store.provider is sqlite")
		}
	default:
		return fmt.Errorf("store.provider %q is not one of memory, postgres, sqlite", c.Store.Provider)
	}

	switch c.Archive.Provider {
	case "", "none", "memory":
	case "local":
		if c.Archive.BaseDir == "" {
			return errors.New("archive.base_dir must be set when archive.provider is local")
		}
	case "gcs":
		if c.Archive.Bucket == "" {
			return errors.New("archive.bucket must be set when archive.provider is gcs")
		}
	default:
		return fmt.Errorf("archive.provider %q is not one of none, memory, local, gcs", c.Archive.Provider)
	}

	switch c.Publisher.Provider {
	case "", "none", "memory":
	case "pubsub":
		if c.Publisher.ProjectID == "" || c.Publisher.Topic == "" {
			return errors.New("publisher.project_id and publisher.topic must be set when publisher.provider is pubsub")
		}
	default:
		return fmt.Errorf("publisher.provider %q is not one of none, memory, pubsub", c.Publisher.Provider)
	}

	if c.Progress.Topic != "" && (c.Publisher.Provider == "" || c.Publisher.Provider == "none") {
		return errors.New("progress.topic requires a publisher.provider")
	}
	if c.Progress.BufferSize < 0 || c.Progress.MaxBatchEvents < 0 {
		return errors.New("progress.buffer_size and progress.max_batch_events must be >= 0")
	}
	return nil
}

// RetryPolicy converts the retry and fetch timeout settings into a policy.
func (c Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:    c.Retry.MaxAttempts,
		BaseDelay:      c.Retry.BackoffBase,
		MaxDelay:       c.Retry.BackoffMax,
		AttemptTimeout: c.Harvest.FetchTimeout,
	}
}

// RateLimits converts the rate limit settings into limiter configuration.
func (c Config) RateLimits() ratelimit.Config {
	hosts := make(map[string]ratelimit.HostLimit, len(c.RateLimit.Hosts))
	for _, limit := range c.RateLimit.Hosts {
		hosts[strings.ToLower(limit.Host)] = ratelimit.HostLimit{RPS: limit.RPS, Burst: limit.Burst}
	}
	return ratelimit.Config{
		DefaultRPS:   c.RateLimit.PerHostRPS,
		DefaultBurst: c.RateLimit.Burst,
		Hosts:        hosts,
	}
}

// History converts the history settings into a retention policy.
func (c Config) History() store.HistoryPolicy {
	return store.HistoryPolicy{MaxEvents: c.Store.History.MaxEvents, MaxAge: c.Store.History.MaxAge}
}
