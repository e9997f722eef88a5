// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package config assembles the runtime configuration from defaults, an
// optional YAML file, a .env file, PAPER_INGEST_* environment variables,
// and the secrets directory.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/pdiddy/paper-ingest/internal/catalog"
	"github.com/pdiddy/paper-ingest/internal/download"
	"github.com/pdiddy/paper-ingest/internal/secrets"
	"github.com/pdiddy/paper-ingest/internal/store"
	"github.com/pdiddy/paper-ingest/pkg/types"
)

// EnvPrefix prefixes environment overrides, e.g. PAPER_INGEST_DOWNLOAD_CONCURRENCY.
const EnvPrefix = "PAPER_INGEST"

// DefaultQuery is the scheduled ingestion query.
const DefaultQuery = "cat:cs.AI OR cat:cs.LG OR cat:cs.CL"

const defaultUserAgent = "paper-ingest/0.1"

// SetDefaults registers every configuration key with its default value.
// Keys must be registered for environment overrides to reach Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("catalog.base_url", catalog.DefaultBaseURL)
	v.SetDefault("catalog.query", DefaultQuery)
	v.SetDefault("catalog.max_results", 50)
	v.SetDefault("catalog.page_size", 100)
	v.SetDefault("catalog.page_delay", 3*time.Second)
	v.SetDefault("catalog.max_retries", 4)
	v.SetDefault("catalog.retry_wait_min", time.Second)
	v.SetDefault("catalog.retry_wait_max", 30*time.Second)
	v.SetDefault("catalog.timeout", 30*time.Second)
	v.SetDefault("catalog.user_agent", defaultUserAgent)

	v.SetDefault("download.timeout", 2*time.Minute)
	v.SetDefault("download.user_agent", defaultUserAgent)
	v.SetDefault("download.concurrency", 5)
	v.SetDefault("download.backend", types.BackendFS)
	v.SetDefault("download.root", download.DefaultRoot)
	v.SetDefault("download.min_bytes", 1024)
	v.SetDefault("download.max_bytes", 100<<20)
	v.SetDefault("download.deep_validate", false)
	v.SetDefault("download.s3.endpoint", "")
	v.SetDefault("download.s3.region", "us-east-1")
	v.SetDefault("download.s3.bucket", "")
	v.SetDefault("download.s3.prefix", "")
	v.SetDefault("download.s3.access_key", "")
	v.SetDefault("download.s3.secret_key", "")
	v.SetDefault("download.s3.use_ssl", true)
	v.SetDefault("download.s3.path_style", false)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.backoff", []time.Duration{time.Second, 5 * time.Second, 5 * time.Minute})

	v.SetDefault("store.path", store.DefaultPath)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.compress", true)

	v.SetDefault("failed_policy", string(types.FailedManual))
}

// Load reads configuration through v. The caller chooses the config file
// (SetConfigFile or SetConfigName/AddConfigPath); a missing file found by
// search is not an error. S3 credentials left empty are filled from
// secretsDir.
func Load(v *viper.Viper, secretsDir string) (*types.Config, error) {
	// Load .env file if it exists.
	_ = godotenv.Load()

	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg types.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	s, err := secrets.Load(secretsDir)
	if err != nil {
		return nil, err
	}
	secrets.ApplyS3(&cfg.Download.S3, s)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting in cfg.
func Validate(cfg *types.Config) error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(cfg.Catalog.MaxResults > 0, "catalog.max_results must be positive, got %d", cfg.Catalog.MaxResults)
	check(cfg.Catalog.PageSize > 0, "catalog.page_size must be positive, got %d", cfg.Catalog.PageSize)
	check(cfg.Catalog.MaxRetries >= 0, "catalog.max_retries must not be negative")
	check(cfg.Catalog.RetryWaitMax >= cfg.Catalog.RetryWaitMin, "catalog.retry_wait_max must not be below retry_wait_min")

	check(cfg.Download.Concurrency > 0, "download.concurrency must be positive, got %d", cfg.Download.Concurrency)
	check(cfg.Download.MinBytes >= 0, "download.min_bytes must not be negative")
	check(cfg.Download.MaxBytes == 0 || cfg.Download.MaxBytes >= cfg.Download.MinBytes,
		"download.max_bytes %d is below min_bytes %d", cfg.Download.MaxBytes, cfg.Download.MinBytes)
	switch cfg.Download.Backend {
	case types.BackendFS:
	case types.BackendS3:
		check(cfg.Download.S3.Bucket != "", "download.s3.bucket is required for the s3 backend")
	default:
		errs = append(errs, fmt.Errorf("download.backend must be %q or %q, got %q", types.BackendFS, types.BackendS3, cfg.Download.Backend))
	}

	check(cfg.Retry.MaxAttempts > 0, "retry.max_attempts must be positive, got %d", cfg.Retry.MaxAttempts)
	for i, d := range cfg.Retry.Backoff {
		check(d >= 0, "retry.backoff[%d] must not be negative", i)
	}

	check(cfg.Log.Format == "json" || cfg.Log.Format == "text", "log.format must be json or text, got %q", cfg.Log.Format)
	check(cfg.FailedPolicy == types.FailedManual || cfg.FailedPolicy == types.FailedAuto,
		"failed_policy must be %q or %q, got %q", types.FailedManual, types.FailedAuto, cfg.FailedPolicy)

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}
