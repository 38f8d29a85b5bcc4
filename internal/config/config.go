// Package config loads and validates catalog configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/culture-catalog/internal/catalog"
	"github.com/JakeFAU/culture-catalog/internal/policy/ratelimit"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging"`
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Fetcher   FetcherConfig   `mapstructure:"fetcher"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Store     StoreConfig     `mapstructure:"store"`
	Index     IndexConfig     `mapstructure:"index"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	Resolver  ResolverConfig  `mapstructure:"resolver"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	ExtSearch ExtSearchConfig `mapstructure:"extsearch"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	SearchPageSize  int           `mapstructure:"search_page_size"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// FetcherConfig governs politeness and retries of site fetches.
type FetcherConfig struct {
	UserAgent      string                        `mapstructure:"user_agent"`
	Timeout        time.Duration                 `mapstructure:"timeout"`
	Concurrency    int64                         `mapstructure:"concurrency"`
	RespectRobots  bool                          `mapstructure:"respect_robots"`
	MaxBodyBytes   int                           `mapstructure:"max_body_bytes"`
	RPS            float64                       `mapstructure:"rps"`
	Burst          int                           `mapstructure:"burst"`
	Sites          map[string]ratelimit.SiteRate `mapstructure:"sites"`
	MaxAttempts    int                           `mapstructure:"max_attempts"`
	BackoffInitial time.Duration                 `mapstructure:"backoff_initial"`
	BackoffMax     time.Duration                 `mapstructure:"backoff_max"`
	Breaker        BreakerConfig                 `mapstructure:"breaker"`
}

// BreakerConfig tunes the per-site circuit breaker.
type BreakerConfig struct {
	ConsecutiveFailures uint32        `mapstructure:"consecutive_failures"`
	Window              time.Duration `mapstructure:"window"`
	Cooldown            time.Duration `mapstructure:"cooldown"`
	HalfOpenRequests    uint32        `mapstructure:"half_open_requests"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	MaxParallel        int           `mapstructure:"max_parallel"`
	NavTimeout         time.Duration `mapstructure:"nav_timeout"`
	SettleDelay        time.Duration `mapstructure:"settle_delay"`
	Promote            bool          `mapstructure:"promote"`
	PromotionThreshold int           `mapstructure:"promotion_threshold"`
}

// StoreConfig selects and tunes the catalog store.
type StoreConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	Schema          string        `mapstructure:"schema"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// IndexConfig selects the search backend and its update queue.
type IndexConfig struct {
	Backend       string `mapstructure:"backend"`
	Path          string `mapstructure:"path"`
	Queue         string `mapstructure:"queue"`
	QueuePath     string `mapstructure:"queue_path"`
	QueueCapacity int    `mapstructure:"queue_capacity"`
	Workers       int    `mapstructure:"workers"`
	BatchSize     int    `mapstructure:"batch_size"`
}

// ArchiveConfig selects where raw fetched pages are kept.
type ArchiveConfig struct {
	Driver  string `mapstructure:"driver"`
	BaseDir string `mapstructure:"base_dir"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
}

// PublisherConfig holds change notification settings.
type PublisherConfig struct {
	Driver    string        `mapstructure:"driver"`
	ProjectID string        `mapstructure:"project_id"`
	Topic     string        `mapstructure:"topic"`
	Ordered   bool          `mapstructure:"ordered"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// ResolverConfig tunes identity resolution.
type ResolverConfig struct {
	MergePolicy string `mapstructure:"merge_policy"`
	MaxAttempts int    `mapstructure:"max_attempts"`
}

// JobsConfig tunes the batch jobs.
type JobsConfig struct {
	LockDir   string        `mapstructure:"lock_dir"`
	Retention time.Duration `mapstructure:"retention"`
	BatchSize int           `mapstructure:"batch_size"`
}

// ExtSearchConfig tunes external search fan-out.
type ExtSearchConfig struct {
	Timeout         time.Duration `mapstructure:"timeout"`
	CacheTTL        time.Duration `mapstructure:"cache_ttl"`
	PageSize        int           `mapstructure:"page_size"`
	Concurrency     int           `mapstructure:"concurrency"`
	MaxCacheEntries int           `mapstructure:"max_cache_entries"`
}

// TelemetryConfig toggles tracing.
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CATALOG")
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
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.search_page_size", 20)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("fetcher.user_agent", "culture-catalog/0.1 (+https://github.com/JakeFAU/culture-catalog)")
	v.SetDefault("fetcher.timeout", 20*time.Second)
	v.SetDefault("fetcher.concurrency", 8)
	v.SetDefault("fetcher.respect_robots", true)
	v.SetDefault("fetcher.max_body_bytes", 10<<20)
	v.SetDefault("fetcher.rps", 1.0)
	v.SetDefault("fetcher.burst", 2)
	v.SetDefault("fetcher.max_attempts", 3)
	v.SetDefault("fetcher.backoff_initial", 250*time.Millisecond)
	v.SetDefault("fetcher.backoff_max", 5*time.Second)
	v.SetDefault("fetcher.breaker.consecutive_failures", 5)
	v.SetDefault("fetcher.breaker.window", time.Minute)
	v.SetDefault("fetcher.breaker.cooldown", 30*time.Second)
	v.SetDefault("fetcher.breaker.half_open_requests", 1)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout", 25*time.Second)
	v.SetDefault("headless.settle_delay", 500*time.Millisecond)
	v.SetDefault("headless.promote", true)
	v.SetDefault("headless.promotion_threshold", 2048)
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.schema", "public")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.max_conn_lifetime", time.Hour)
	v.SetDefault("index.backend", "memory")
	v.SetDefault("index.path", "catalog-index.db")
	v.SetDefault("index.queue", "memory")
	v.SetDefault("index.queue_path", "catalog-outbox")
	v.SetDefault("index.queue_capacity", 10000)
	v.SetDefault("index.workers", 2)
	v.SetDefault("index.batch_size", 500)
	v.SetDefault("archive.driver", "none")
	v.SetDefault("archive.prefix", "pages")
	v.SetDefault("publisher.driver", "none")
	v.SetDefault("publisher.topic", "catalog-changes")
	v.SetDefault("publisher.ordered", true)
	v.SetDefault("publisher.timeout", 10*time.Second)
	v.SetDefault("resolver.merge_policy", string(catalog.MergeWinnerFirst))
	v.SetDefault("resolver.max_attempts", 3)
	v.SetDefault("jobs.lock_dir", ".catalog-locks")
	v.SetDefault("jobs.retention", 30*24*time.Hour)
	v.SetDefault("jobs.batch_size", 200)
	v.SetDefault("extsearch.timeout", 5*time.Second)
	v.SetDefault("extsearch.cache_ttl", 300*time.Second)
	v.SetDefault("extsearch.page_size", 0)
	v.SetDefault("extsearch.concurrency", 8)
	v.SetDefault("extsearch.max_cache_entries", 1024)
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "culture-catalog")
}

func oneOf(field, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s, got %q", field, strings.Join(allowed, "|"), value)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Fetcher.Concurrency <= 0 {
		return fmt.Errorf("fetcher.concurrency must be > 0")
	}
	if c.Fetcher.Timeout <= 0 {
		return fmt.Errorf("fetcher.timeout must be > 0")
	}
	if c.Fetcher.RPS <= 0 {
		return fmt.Errorf("fetcher.rps must be > 0")
	}
	for site, rate := range c.Fetcher.Sites {
		if rate.RPS <= 0 {
			return fmt.Errorf("fetcher.sites.%s.rps must be > 0", site)
		}
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if err := oneOf("store.driver", c.Store.Driver, "memory", "postgres"); err != nil {
		return err
	}
	if c.Store.Driver == "postgres" && c.Store.DSN == "" {
		return fmt.Errorf("store.dsn must be set for the postgres driver")
	}
	if err := oneOf("index.backend", c.Index.Backend, "memory", "sqlite"); err != nil {
		return err
	}
	if c.Index.Backend == "sqlite" && c.Index.Path == "" {
		return fmt.Errorf("index.path must be set for the sqlite backend")
	}
	if err := oneOf("index.queue", c.Index.Queue, "memory", "badger"); err != nil {
		return err
	}
	if c.Index.Queue == "badger" && c.Index.QueuePath == "" {
		return fmt.Errorf("index.queue_path must be set for the badger queue")
	}
	if c.Index.Workers <= 0 {
		return fmt.Errorf("index.workers must be > 0")
	}
	if err := oneOf("archive.driver", c.Archive.Driver, "none", "memory", "local", "gcs"); err != nil {
		return err
	}
	if c.Archive.Driver == "local" && c.Archive.BaseDir == "" {
		return fmt.Errorf("archive.base_dir must be set for the local driver")
	}
	if c.Archive.Driver == "gcs" && c.Archive.Bucket == "" {
		return fmt.Errorf("archive.bucket must be set for the gcs driver")
	}
	if err := oneOf("publisher.driver", c.Publisher.Driver, "none", "memory", "pubsub"); err != nil {
		return err
	}
	if c.Publisher.Driver == "pubsub" && (c.Publisher.ProjectID == "" || c.Publisher.Topic == "") {
		return fmt.Errorf("publisher.project_id and publisher.topic must be set for the pubsub driver")
	}
	if _, err := catalog.ParseMergePolicy(c.Resolver.MergePolicy); err != nil {
		return fmt.Errorf("resolver.merge_policy: %w", err)
	}
	if c.Jobs.BatchSize <= 0 {
		return fmt.Errorf("jobs.batch_size must be > 0")
	}
	if c.Jobs.Retention < 0 {
		return fmt.Errorf("jobs.retention must be >= 0")
	}
	if c.ExtSearch.Timeout <= 0 {
		return fmt.Errorf("extsearch.timeout must be > 0")
	}
	return nil
}

// Addr is the HTTP listen address.
func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
