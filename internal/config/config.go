// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"

	BlobMemory = "memory"
	BlobLocal  = "local"
	BlobGCS    = "gcs"

	EmbedderOpenAI = "openai"
	EmbedderHash   = "hash"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Extract   ExtractConfig   `mapstructure:"extract"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	Progress  ProgressConfig  `mapstructure:"progress"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	RequestTimeoutSeconds  int `mapstructure:"request_timeout_seconds"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
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

// CrawlerConfig governs the worker pool, crawl bookkeeping and politeness.
type CrawlerConfig struct {
	Concurrency              int     `mapstructure:"concurrency"`
	QueueDepth               int     `mapstructure:"queue_depth"`
	UserAgent                string  `mapstructure:"user_agent"`
	PerDomainRPS             float64 `mapstructure:"per_domain_rps"`
	Burst                    int     `mapstructure:"burst"`
	SitemapConcurrency       int     `mapstructure:"sitemap_concurrency"`
	StaleAfterSeconds        int     `mapstructure:"stale_after_seconds"`
	ReconcileIntervalSeconds int     `mapstructure:"reconcile_interval_seconds"`
}

// HTTPConfig configures outbound fetch timeouts and retries.
type HTTPConfig struct {
	TimeoutSeconds   int `mapstructure:"timeout_seconds"`
	MaxRetries       int `mapstructure:"max_retries"`
	BackoffInitialMs int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int `mapstructure:"backoff_max_ms"`
	MaxBodyBytes     int `mapstructure:"max_body_bytes"`
}

// ExtractConfig bounds extracted text.
type ExtractConfig struct {
	MaxChars int `mapstructure:"max_chars"`
}

// EmbeddingConfig selects the embedding provider and chunking.
type EmbeddingConfig struct {
	Provider     string `mapstructure:"provider"`
	BaseURL      string `mapstructure:"base_url"`
	APIKey       string `mapstructure:"api_key"`
	Model        string `mapstructure:"model"`
	Dimension    int    `mapstructure:"dimension"`
	ChunkSize    int    `mapstructure:"chunk_size"`
	ChunkOverlap int    `mapstructure:"chunk_overlap"`
	BatchSize    int    `mapstructure:"batch_size"`
	Workers      int    `mapstructure:"workers"`
}

// LedgerConfig sets prices and bot-to-account billing.
type LedgerConfig struct {
	MessageCost    int64             `mapstructure:"message_cost"`
	PagesPerCredit int64             `mapstructure:"pages_per_credit"`
	Accounts       map[string]string `mapstructure:"accounts"`
}

// StorageConfig selects the persistence and upload backends.
type StorageConfig struct {
	Backend        string `mapstructure:"backend"`
	Blob           string `mapstructure:"blob"`
	LocalDir       string `mapstructure:"local_dir"`
	GCSBucket      string `mapstructure:"gcs_bucket"`
	GCSPrefix      string `mapstructure:"gcs_prefix"`
	MaxUploadBytes int64  `mapstructure:"max_upload_bytes"`
}

// DBConfig controls access to Postgres.
type DBConfig struct {
	DSN                    string `mapstructure:"dsn"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeSeconds int    `mapstructure:"max_conn_lifetime_seconds"`
	Migrate                bool   `mapstructure:"migrate"`
}

// ProgressConfig tunes the progress event hub.
type ProgressConfig struct {
	BufferSize     int  `mapstructure:"buffer_size"`
	MaxBatchEvents int  `mapstructure:"max_batch_events"`
	MaxBatchWaitMs int  `mapstructure:"max_batch_wait_ms"`
	SinkTimeoutMs  int  `mapstructure:"sink_timeout_ms"`
	LogEvents      bool `mapstructure:"log_events"`
}

// Load builds a Config from defaults, an optional file and KBINGEST_*
// environment variables.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("KBINGEST")
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
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("server.shutdown_timeout_seconds", 15)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("crawler.concurrency", 4)
	v.SetDefault("crawler.queue_depth", 256)
	v.SetDefault("crawler.user_agent", "kb-ingest-bot/0.1 (+https://github.com/JakeFAU/kb-ingest)")
	v.SetDefault("crawler.per_domain_rps", 2.0)
	v.SetDefault("crawler.burst", 2)
	v.SetDefault("crawler.sitemap_concurrency", 4)
	v.SetDefault("crawler.stale_after_seconds", 900)
	v.SetDefault("crawler.reconcile_interval_seconds", 60)
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.max_retries", 2)
	v.SetDefault("http.backoff_initial_ms", 250)
	v.SetDefault("http.backoff_max_ms", 2000)
	v.SetDefault("http.max_body_bytes", 10<<20)
	v.SetDefault("extract.max_chars", 50000)
	v.SetDefault("embedding.provider", EmbedderHash)
	v.SetDefault("embedding.base_url", "")
	v.SetDefault("embedding.api_key", "")
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.dimension", 256)
	v.SetDefault("embedding.chunk_size", 1000)
	v.SetDefault("embedding.chunk_overlap", 200)
	v.SetDefault("embedding.batch_size", 16)
	v.SetDefault("embedding.workers", 4)
	v.SetDefault("ledger.message_cost", 1)
	v.SetDefault("ledger.pages_per_credit", 10)
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.blob", BlobMemory)
	v.SetDefault("storage.local_dir", "data/uploads")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.gcs_prefix", "uploads")
	v.SetDefault("storage.max_upload_bytes", 20<<20)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime_seconds", 1800)
	v.SetDefault("db.migrate", true)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch_events", 256)
	v.SetDefault("progress.max_batch_wait_ms", 500)
	v.SetDefault("progress.sink_timeout_ms", 5000)
	v.SetDefault("progress.log_events", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 {
		errs = append(errs, errors.New("server.port must be > 0"))
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		errs = append(errs, errors.New("auth.api_key must be set when auth is enabled"))
	}
	if c.Crawler.Concurrency <= 0 {
		errs = append(errs, errors.New("crawler.concurrency must be > 0"))
	}
	if c.Crawler.QueueDepth <= 0 {
		errs = append(errs, errors.New("crawler.queue_depth must be > 0"))
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		errs = append(errs, errors.New("http.timeout_seconds must be > 0"))
	}
	if c.HTTP.MaxRetries < 0 {
		errs = append(errs, errors.New("http.max_retries must be >= 0"))
	}
	if c.Extract.MaxChars <= 0 {
		errs = append(errs, errors.New("extract.max_chars must be > 0"))
	}
	switch c.Embedding.Provider {
	case EmbedderHash:
		if c.Embedding.Dimension <= 0 {
			errs = append(errs, errors.New("embedding.dimension must be > 0"))
		}
	case EmbedderOpenAI:
		if c.Embedding.Model == "" {
			errs = append(errs, errors.New("embedding.model is required for the openai provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("embedding.provider %q is not one of hash, openai", c.Embedding.Provider))
	}
	if c.Embedding.ChunkSize <= 0 {
		errs = append(errs, errors.New("embedding.chunk_size must be > 0"))
	}
	if c.Ledger.PagesPerCredit <= 0 || c.Ledger.MessageCost <= 0 {
		errs = append(errs, errors.New("ledger prices must be > 0"))
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.DB.DSN == "" {
			errs = append(errs, errors.New("db.dsn is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q is not one of memory, postgres", c.Storage.Backend))
	}
	switch c.Storage.Blob {
	case BlobMemory:
	case BlobLocal:
		if c.Storage.LocalDir == "" {
			errs = append(errs, errors.New("storage.local_dir is required for local uploads"))
		}
	case BlobGCS:
		if c.Storage.GCSBucket == "" {
			errs = append(errs, errors.New("storage.gcs_bucket is required for gcs uploads"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.blob %q is not one of memory, local, gcs", c.Storage.Blob))
	}
	return errors.Join(errs...)
}

// RequestTimeout bounds a single API request.
func (c ServerConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// ShutdownTimeout bounds graceful shutdown.
func (c ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// StaleAfter is the heartbeat lease of crawls and processing sources.
func (c CrawlerConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterSeconds) * time.Second
}

// ReconcileInterval is the period of the stale-work sweep.
func (c CrawlerConfig) ReconcileInterval() time.Duration {
	return time.Duration(c.ReconcileIntervalSeconds) * time.Second
}

// Timeout is the per-request fetch timeout.
func (c HTTPConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// BackoffInitial is the first retry delay.
func (c HTTPConfig) BackoffInitial() time.Duration {
	return time.Duration(c.BackoffInitialMs) * time.Millisecond
}

// BackoffMax caps retry delays.
func (c HTTPConfig) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxMs) * time.Millisecond
}

// MaxConnLifetime converts the pool setting.
func (c DBConfig) MaxConnLifetime() time.Duration {
	return time.Duration(c.MaxConnLifetimeSeconds) * time.Second
}
