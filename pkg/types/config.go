package types

import "time"

// HTTPConfig holds shared HTTP settings used by stages that make network requests.
type HTTPConfig struct {
	// Timeout bounds a single network operation (one catalog page, one download).
	Timeout time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout"`

	// UserAgent is the User-Agent header sent with HTTP requests
	// (e.g. "paper-ingest/0.1").
	UserAgent string `json:"user_agent" yaml:"user_agent" mapstructure:"user_agent"`
}

// CatalogConfig holds settings for the catalog client.
type CatalogConfig struct {
	HTTPConfig `yaml:",inline" mapstructure:",squash"`

	// BaseURL is the arXiv query endpoint.
	BaseURL string `json:"base_url" yaml:"base_url" mapstructure:"base_url"`

	// Query is the default search expression when none is given on the command line.
	Query string `json:"query" yaml:"query" mapstructure:"query"`

	// MaxResults is the default result limit (default 50).
	MaxResults int `json:"max_results" yaml:"max_results" mapstructure:"max_results"`

	// PageSize is the number of entries requested per page (default 100).
	PageSize int `json:"page_size" yaml:"page_size" mapstructure:"page_size"`

	// PageDelay separates consecutive page requests (default 3s).
	PageDelay time.Duration `json:"page_delay" yaml:"page_delay" mapstructure:"page_delay"`

	// MaxRetries bounds retries of one failing page fetch (default 4).
	MaxRetries int `json:"max_retries" yaml:"max_retries" mapstructure:"max_retries"`

	// RetryWaitMin and RetryWaitMax bound the jittered exponential backoff.
	RetryWaitMin time.Duration `json:"retry_wait_min" yaml:"retry_wait_min" mapstructure:"retry_wait_min"`
	RetryWaitMax time.Duration `json:"retry_wait_max" yaml:"retry_wait_max" mapstructure:"retry_wait_max"`
}

// Blob backends for published artifacts.
const (
	BackendFS = "fs"
	BackendS3 = "s3"
)

// S3Config holds settings for the S3-compatible artifact backend.
type S3Config struct {
	Endpoint  string `json:"endpoint" yaml:"endpoint" mapstructure:"endpoint"`
	Region    string `json:"region" yaml:"region" mapstructure:"region"`
	Bucket    string `json:"bucket" yaml:"bucket" mapstructure:"bucket"`
	Prefix    string `json:"prefix" yaml:"prefix" mapstructure:"prefix"`
	AccessKey string `json:"-" yaml:"-" mapstructure:"access_key"`
	SecretKey string `json:"-" yaml:"-" mapstructure:"secret_key"`
	UseSSL    bool   `json:"use_ssl" yaml:"use_ssl" mapstructure:"use_ssl"`

	// PathStyle forces path-style addressing (MinIO and most S3-compatible services).
	PathStyle bool `json:"path_style" yaml:"path_style" mapstructure:"path_style"`
}

// DownloadConfig holds settings for the artifact downloader and its pool.
type DownloadConfig struct {
	HTTPConfig `yaml:",inline" mapstructure:",squash"`

	// Concurrency is the download worker pool size (default 5).
	Concurrency int `json:"concurrency" yaml:"concurrency" mapstructure:"concurrency"`

	// Backend selects where artifacts are published: fs or s3.
	Backend string `json:"backend" yaml:"backend" mapstructure:"backend"`

	// Root is the destination directory for the fs backend and the staging
	// directory for the s3 backend.
	Root string `json:"root" yaml:"root" mapstructure:"root"`

	// MinBytes is the smallest acceptable artifact size (default 1024).
	MinBytes int64 `json:"min_bytes" yaml:"min_bytes" mapstructure:"min_bytes"`

	// MaxBytes caps the artifact size; 0 disables the cap.
	MaxBytes int64 `json:"max_bytes" yaml:"max_bytes" mapstructure:"max_bytes"`

	// DeepValidate runs a structural PDF validation before publishing.
	DeepValidate bool `json:"deep_validate" yaml:"deep_validate" mapstructure:"deep_validate"`

	S3 S3Config `json:"s3" yaml:"s3" mapstructure:"s3"`
}

// RetryConfig holds the per-item download retry policy.
type RetryConfig struct {
	// MaxAttempts is the number of download attempts per record (default 3).
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts" mapstructure:"max_attempts"`

	// Backoff is the delay schedule between attempts (default 1s, 5s, 5m).
	// The last entry repeats when MaxAttempts exceeds the schedule.
	Backoff []time.Duration `json:"backoff" yaml:"backoff" mapstructure:"backoff"`
}

// StoreConfig holds settings for the dedup store.
type StoreConfig struct {
	// Path is the SQLite database file.
	Path string `json:"path" yaml:"path" mapstructure:"path"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `json:"level" yaml:"level" mapstructure:"level"`
	Format string `json:"format" yaml:"format" mapstructure:"format"`

	// File enables rotating file output in addition to stderr.
	File       string `json:"file" yaml:"file" mapstructure:"file"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `json:"compress" yaml:"compress" mapstructure:"compress"`
}

// FailedPolicy decides what happens to a failed record seen again in a run.
type FailedPolicy string

const (
	// FailedManual leaves failed records alone until reset explicitly.
	FailedManual FailedPolicy = "manual"

	// FailedAuto resets a failed record to download_pending when the catalog
	// returns it again.
	FailedAuto FailedPolicy = "auto"
)

// Config groups every setting consumed by the ingestion core.
type Config struct {
	Catalog      CatalogConfig  `json:"catalog" yaml:"catalog" mapstructure:"catalog"`
	Download     DownloadConfig `json:"download" yaml:"download" mapstructure:"download"`
	Retry        RetryConfig    `json:"retry" yaml:"retry" mapstructure:"retry"`
	Store        StoreConfig    `json:"store" yaml:"store" mapstructure:"store"`
	Log          LogConfig      `json:"log" yaml:"log" mapstructure:"log"`
	FailedPolicy FailedPolicy   `json:"failed_policy" yaml:"failed_policy" mapstructure:"failed_policy"`
}
