// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/JakeFAU/aoc-ranking-crawler/internal/crawler"
)

// EnvPrefix scopes environment overrides, e.g. RANKCRAWLER_SERVER_PORT.
const EnvPrefix = "RANKCRAWLER"

// Storage backends.
const (
	BackendMemory    = "memory"
	BackendPostgres  = "postgres"
	BackendDuckDB    = "duckdb"
	BackendEncrypted = "encrypted"
)

// Blob backends.
const (
	BlobNone   = "none"
	BlobMemory = "memory"
	BlobLocal  = "local"
	BlobGCS    = "gcs"
	BlobS3     = "s3"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig     `mapstructure:"server"`
	Auth     AuthConfig       `mapstructure:"auth"`
	Pipeline PipelineConfig   `mapstructure:"pipeline"`
	HTTP     HTTPConfig       `mapstructure:"http"`
	Headless HeadlessConfig   `mapstructure:"headless"`
	Storage  StorageConfig    `mapstructure:"storage"`
	Blob     BlobConfig       `mapstructure:"blob"`
	PubSub   PubSubConfig     `mapstructure:"pubsub"`
	Schedule ScheduleConfig   `mapstructure:"schedule"`
	Schemas  SchemasConfig    `mapstructure:"schemas"`
	Logging  LoggingConfig    `mapstructure:"logging"`
	Tracing  TracingConfig    `mapstructure:"tracing"`
	Sources  []crawler.Source `mapstructure:"sources"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// AnalyticsDay pins the event day for completion rates. Zero counts all
	// 25 days; -1 uses the highest completed day in the data.
	AnalyticsDay int `mapstructure:"analytics_day"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// PipelineConfig governs run execution.
type PipelineConfig struct {
	// Concurrency bounds the sources fetched at once within a run.
	Concurrency int `mapstructure:"concurrency"`
	WriteBuffer int `mapstructure:"write_buffer"`
	// Workers is the number of runs executed at once by serve.
	Workers    int           `mapstructure:"workers"`
	QueueDepth int           `mapstructure:"queue_depth"`
	RunTimeout time.Duration `mapstructure:"run_timeout"`
}

// HTTPConfig configures the page transport and its retry behavior.
type HTTPConfig struct {
	UserAgent        string `mapstructure:"user_agent"`
	RespectRobots    bool   `mapstructure:"respect_robots"`
	TimeoutSeconds   int    `mapstructure:"timeout_seconds"`
	MaxRetries       int    `mapstructure:"max_retries"`
	BackoffInitialMs int    `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int    `mapstructure:"backoff_max_ms"`
	// DefaultInterval applies to sources without a min_interval.
	DefaultInterval time.Duration `mapstructure:"default_interval"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	MaxParallel     int           `mapstructure:"max_parallel"`
	NavTimeoutSec   int           `mapstructure:"nav_timeout_seconds"`
	Settle          time.Duration `mapstructure:"settle"`
	PromotionThresh int           `mapstructure:"promotion_threshold"`
}

// StorageConfig selects the row and run store backend.
type StorageConfig struct {
	Backend string `mapstructure:"backend"`
	// Retention is the age after which prune deletes rows; zero keeps all.
	Retention time.Duration   `mapstructure:"retention"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	DuckDB    DuckDBConfig    `mapstructure:"duckdb"`
	Encrypted EncryptedConfig `mapstructure:"encrypted"`
}

// PostgresConfig controls the pgx pool.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	RowsTable       string        `mapstructure:"rows_table"`
	RunsTable       string        `mapstructure:"runs_table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// DuckDBConfig points at the database file.
type DuckDBConfig struct {
	Path  string `mapstructure:"path"`
	Table string `mapstructure:"table"`
}

// EncryptedConfig configures the encrypted snapshot store. Key wins over KeyFile.
type EncryptedConfig struct {
	Key      string `mapstructure:"key"`
	KeyFile  string `mapstructure:"key_file"`
	Snapshot string `mapstructure:"snapshot"`
}

// BlobConfig selects where raw documents and encrypted snapshots are written.
type BlobConfig struct {
	Backend string `mapstructure:"backend"`
	// ArchiveRaw keeps every fetched document under ArchivePrefix.
	ArchiveRaw    bool      `mapstructure:"archive_raw"`
	ArchivePrefix string    `mapstructure:"archive_prefix"`
	LocalDir      string    `mapstructure:"local_dir"`
	GCS           GCSConfig `mapstructure:"gcs"`
	S3            S3Config  `mapstructure:"s3"`
}

// GCSConfig names the Cloud Storage bucket.
type GCSConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// S3Config configures an S3-compatible endpoint.
type S3Config struct {
	Endpoint     string `mapstructure:"endpoint"`
	AccessKey    string `mapstructure:"access_key"`
	SecretKey    string `mapstructure:"secret_key"`
	Bucket       string `mapstructure:"bucket"`
	Region       string `mapstructure:"region"`
	Prefix       string `mapstructure:"prefix"`
	UseSSL       bool   `mapstructure:"use_ssl"`
	CreateBucket bool   `mapstructure:"create_bucket"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ScheduleConfig drives periodic runs in serve mode.
type ScheduleConfig struct {
	// Interval between scheduled runs; zero disables scheduling.
	Interval time.Duration `mapstructure:"interval"`
	// Sources restricts scheduled runs; empty means all.
	Sources []string `mapstructure:"sources"`
}

// SchemasConfig points at extra YAML schema files.
type SchemasConfig struct {
	Dir string `mapstructure:"dir"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TracingConfig controls span sampling.
type TracingConfig struct {
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk and environment. Variables in envFiles
// (default ".env" when present) are loaded first; they never override
// variables already set in the process environment.
func Load(path string, envFiles ...string) (Config, error) {
	if err := loadEnvFiles(envFiles); err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
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

func loadEnvFiles(files []string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load env file %s: %w", f, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("server.analytics_day", 0)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("pipeline.concurrency", 4)
	v.SetDefault("pipeline.write_buffer", 16)
	v.SetDefault("pipeline.workers", 1)
	v.SetDefault("pipeline.queue_depth", 16)
	v.SetDefault("pipeline.run_timeout", "10m")
	v.SetDefault("http.user_agent", "rankcrawler/0.1")
	v.SetDefault("http.respect_robots", true)
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.max_retries", 3)
	v.SetDefault("http.backoff_initial_ms", 250)
	v.SetDefault("http.backoff_max_ms", 5000)
	v.SetDefault("http.default_interval", "1s")
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("headless.settle", "0s")
	v.SetDefault("headless.promotion_threshold", 2048)
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.retention", "0s")
	v.SetDefault("storage.postgres.dsn", "")
	v.SetDefault("storage.postgres.rows_table", "canonical_rows")
	v.SetDefault("storage.postgres.runs_table", "pipeline_runs")
	v.SetDefault("storage.postgres.max_conns", 8)
	v.SetDefault("storage.postgres.min_conns", 0)
	v.SetDefault("storage.postgres.max_conn_lifetime", "30m")
	v.SetDefault("storage.duckdb.path", "data/rows.duckdb")
	v.SetDefault("storage.duckdb.table", "canonical_rows")
	v.SetDefault("storage.encrypted.key", "")
	v.SetDefault("storage.encrypted.key_file", "data/rows.key")
	v.SetDefault("storage.encrypted.snapshot", "snapshots/rows.enc")
	v.SetDefault("blob.backend", BlobNone)
	v.SetDefault("blob.archive_raw", false)
	v.SetDefault("blob.archive_prefix", "raw")
	v.SetDefault("blob.local_dir", "data/blobs")
	v.SetDefault("blob.gcs.bucket", "")
	v.SetDefault("blob.gcs.prefix", "")
	v.SetDefault("blob.s3.endpoint", "")
	v.SetDefault("blob.s3.access_key", "")
	v.SetDefault("blob.s3.secret_key", "")
	v.SetDefault("blob.s3.bucket", "")
	v.SetDefault("blob.s3.region", "us-east-1")
	v.SetDefault("blob.s3.prefix", "")
	v.SetDefault("blob.s3.use_ssl", true)
	v.SetDefault("blob.s3.create_bucket", false)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("schedule.interval", "5m")
	v.SetDefault("schemas.dir", "")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("tracing.sample_ratio", 0.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.AnalyticsDay < -1 || c.Server.AnalyticsDay > 25 {
		return fmt.Errorf("server.analytics_day must be between -1 and 25")
	}
	if c.Pipeline.Concurrency <= 0 {
		return fmt.Errorf("pipeline.concurrency must be > 0")
	}
	if c.Pipeline.Workers <= 0 {
		return fmt.Errorf("pipeline.workers must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.MaxRetries < 0 {
		return fmt.Errorf("http.max_retries must be >= 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Schedule.Interval < 0 {
		return fmt.Errorf("schedule.interval must be >= 0")
	}
	if err := c.validateStorage(); err != nil {
		return err
	}
	if err := c.validateBlob(); err != nil {
		return err
	}
	return c.validateSources()
}

func (c Config) validateStorage() error {
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres backend")
		}
	case BackendDuckDB:
		if c.Storage.DuckDB.Path == "" {
			return fmt.Errorf("storage.duckdb.path is required for the duckdb backend")
		}
	case BackendEncrypted:
		if c.Blob.Backend == BlobNone || c.Blob.Backend == "" {
			return fmt.Errorf("storage.encrypted needs a blob.backend to hold snapshots")
		}
		if c.Storage.Encrypted.Key == "" && c.Storage.Encrypted.KeyFile == "" {
			return fmt.Errorf("storage.encrypted.key or storage.encrypted.key_file is required")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	if c.Storage.Retention < 0 {
		return fmt.Errorf("storage.retention must be >= 0")
	}
	return nil
}

func (c Config) validateBlob() error {
	switch c.Blob.Backend {
	case "", BlobNone, BlobMemory:
	case BlobLocal:
		if c.Blob.LocalDir == "" {
			return fmt.Errorf("blob.local_dir is required for the local backend")
		}
	case BlobGCS:
		if c.Blob.GCS.Bucket == "" {
			return fmt.Errorf("blob.gcs.bucket is required for the gcs backend")
		}
	case BlobS3:
		if c.Blob.S3.Endpoint == "" || c.Blob.S3.Bucket == "" {
			return fmt.Errorf("blob.s3.endpoint and blob.s3.bucket are required for the s3 backend")
		}
	default:
		return fmt.Errorf("blob.backend %q is not supported", c.Blob.Backend)
	}
	if c.Blob.ArchiveRaw && (c.Blob.Backend == "" || c.Blob.Backend == BlobNone) {
		return fmt.Errorf("blob.archive_raw needs a blob.backend")
	}
	return nil
}

func (c Config) validateSources() error {
	for i, s := range c.Sources {
		switch {
		case s.ID == "":
			return fmt.Errorf("sources[%d].id is required", i)
		case s.URL == "":
			return fmt.Errorf("source %s: url is required", s.ID)
		case s.Schema == "":
			return fmt.Errorf("source %s: schema is required", s.ID)
		}
		switch s.Format {
		case "", crawler.FormatHTML, crawler.FormatJSON:
		default:
			return fmt.Errorf("source %s: format %q is not supported", s.ID, s.Format)
		}
		switch s.Pagination.Kind {
		case "", crawler.PaginationNone, crawler.PaginationPageParam, crawler.PaginationNextLink:
		default:
			return fmt.Errorf("source %s: pagination.kind %q is not supported", s.ID, s.Pagination.Kind)
		}
		switch s.Render {
		case "", crawler.RenderNever, crawler.RenderAlways, crawler.RenderAuto:
		default:
			return fmt.Errorf("source %s: render %q is not supported", s.ID, s.Render)
		}
		if s.MinInterval < 0 {
			return fmt.Errorf("source %s: min_interval must be >= 0", s.ID)
		}
	}
	if _, err := crawler.NewCatalog(c.Sources); err != nil {
		return fmt.Errorf("sources: %w", err)
	}
	return nil
}

// Catalog indexes the configured sources.
func (c Config) Catalog() (*crawler.Catalog, error) {
	return crawler.NewCatalog(c.Sources)
}

// RetryPolicy converts the HTTP retry knobs.
func (c Config) RetryPolicy() crawler.RetryPolicy {
	return crawler.RetryPolicy{
		MaxRetries: c.HTTP.MaxRetries,
		BaseDelay:  time.Duration(c.HTTP.BackoffInitialMs) * time.Millisecond,
		MaxDelay:   time.Duration(c.HTTP.BackoffMaxMs) * time.Millisecond,
	}
}

// HTTPTimeout is the per-request transport timeout.
func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}
