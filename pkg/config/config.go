// Package config provides the unified configuration system for driftsync.
// It defines a single Config structure shared by the sync engine and the
// backfill worker pool, loaded from the environment (with .env support in
// the CLI) via viper.
//
// The configuration is organized into logical sections:
//   - Warehouse: BigQuery project, dataset, location, credentials
//   - Sync: batch sizing and lookback windows
//   - Backfill: worker count, request rate, retry budget
//   - Classifier: external classification service credentials
//   - GitHub: code-review source credentials and repository list
//   - Reliability: retry/backoff tuning shared by source and warehouse calls
//   - Log: logging level and encoding
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the unified configuration for all driftsync components.
type Config struct {
	Warehouse   WarehouseConfig   `mapstructure:"warehouse"`
	Sync        SyncConfig        `mapstructure:"sync"`
	Backfill    BackfillConfig    `mapstructure:"backfill"`
	Classifier  ClassifierConfig  `mapstructure:"classifier"`
	GitHub      GitHubConfig      `mapstructure:"github"`
	Reliability ReliabilityConfig `mapstructure:"reliability"`
	Log         LogConfig         `mapstructure:"log"`
}

// WarehouseConfig holds BigQuery connection settings.
type WarehouseConfig struct {
	// ProjectID is the target GCP project
	ProjectID string `mapstructure:"project_id"`
	// Dataset is the raw-data dataset all tables live in
	Dataset string `mapstructure:"dataset"`
	// Location is the dataset location
	Location string `mapstructure:"location"`
	// CredentialsB64 is a base64-encoded service account key JSON
	CredentialsB64 string `mapstructure:"credentials_b64"`
	// StagingTTL bounds the lifetime of staging tables so orphans from
	// crashed runs expire on their own
	StagingTTL time.Duration `mapstructure:"staging_ttl"`
}

// SyncConfig holds sync orchestration settings.
type SyncConfig struct {
	// BatchSize is the number of records staged and merged together.
	// A throughput tunable, not a correctness parameter.
	BatchSize int `mapstructure:"batch_size"`
	// LookbackDays overrides the source's default incremental lookback
	// when positive
	LookbackDays int `mapstructure:"lookback_days"`
}

// BackfillConfig holds enrichment worker pool settings.
type BackfillConfig struct {
	// Workers is the number of concurrent enrichment workers
	Workers int `mapstructure:"workers"`
	// RatePerSec caps aggregate classifier calls across all workers
	RatePerSec float64 `mapstructure:"rate_per_sec"`
	// Burst is the token bucket burst size. A burst of 1 keeps the observed
	// call rate within one request of RatePerSec over any window.
	Burst int `mapstructure:"burst"`
	// MaxAttempts bounds retries per job before failed-permanently
	MaxAttempts int `mapstructure:"max_attempts"`
	// WriteBatchSize is the number of enriched rows merged back together
	WriteBatchSize int `mapstructure:"write_batch_size"`
	// Days is the default selection window for unenriched rows
	Days int `mapstructure:"days"`
}

// ClassifierConfig holds Cloudflare Workers AI settings.
type ClassifierConfig struct {
	AccountID string `mapstructure:"account_id"`
	APIToken  string `mapstructure:"api_token"`
	// BaseURL overrides the API endpoint, used in tests
	BaseURL string `mapstructure:"base_url"`
}

// GitHubConfig holds code-review source settings.
type GitHubConfig struct {
	Token string   `mapstructure:"token"`
	Org   string   `mapstructure:"org"`
	Repos []string `mapstructure:"repos"`
}

// ReliabilityConfig contains retry and backoff tuning shared by source
// page fetches and warehouse load/merge calls.
type ReliabilityConfig struct {
	RetryAttempts   int           `mapstructure:"retry_attempts"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
	RetryMultiplier float64       `mapstructure:"retry_multiplier"`
	MaxRetryDelay   time.Duration `mapstructure:"max_retry_delay"`
	RetryJitter     float64       `mapstructure:"retry_jitter"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level    string `mapstructure:"level"`
	Encoding string `mapstructure:"encoding"`
}

// Default returns a Config with production-ready defaults.
func Default() *Config {
	return &Config{
		Warehouse: WarehouseConfig{
			Dataset:    "raw_data",
			Location:   "US",
			StagingTTL: 6 * time.Hour,
		},
		Sync: SyncConfig{
			BatchSize: 500,
		},
		Backfill: BackfillConfig{
			Workers:        10,
			RatePerSec:     2,
			Burst:          1,
			MaxAttempts:    5,
			WriteBatchSize: 50,
			Days:           7,
		},
		Reliability: ReliabilityConfig{
			RetryAttempts:   3,
			RetryDelay:      time.Second,
			RetryMultiplier: 2.0,
			MaxRetryDelay:   60 * time.Second,
			RetryJitter:     0.25,
			RequestTimeout:  30 * time.Second,
		},
		Log: LogConfig{
			Level:    "info",
			Encoding: "json",
		},
	}
}

// Load builds a Config from the environment. Values are read from
// DRIFTSYNC_-prefixed variables (e.g. DRIFTSYNC_SYNC_BATCH_SIZE), with the
// credential variables of the original deployment recognized directly:
// GCP_PROJECT_ID, GCP_SA_KEY, GITHUB_TOKEN, GITHUB_ORG, GITHUB_REPOS,
// CLOUDFLARE_ACCOUNT_ID, CLOUDFLARE_WORKERS_AI_TOKEN.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DRIFTSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := Default()
	bindDefaults(v, cfg)

	// Legacy credential variables take the exact names the deployment
	// already uses for its secrets.
	for key, env := range map[string]string{
		"warehouse.project_id":      "GCP_PROJECT_ID",
		"warehouse.credentials_b64": "GCP_SA_KEY",
		"github.token":              "GITHUB_TOKEN",
		"github.org":                "GITHUB_ORG",
		"classifier.account_id":     "CLOUDFLARE_ACCOUNT_ID",
		"classifier.api_token":      "CLOUDFLARE_WORKERS_AI_TOKEN",
	} {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}
	if err := v.BindEnv("github.repos", "GITHUB_REPOS"); err != nil {
		return nil, fmt.Errorf("failed to bind GITHUB_REPOS: %w", err)
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// GITHUB_REPOS arrives as a comma-separated string. Viper may hand it
	// over pre-split but with the surrounding whitespace intact, so the
	// entries are always rejoined and trimmed.
	if len(cfg.GitHub.Repos) > 0 {
		cfg.GitHub.Repos = splitAndTrim(strings.Join(cfg.GitHub.Repos, ","))
	}

	return cfg, nil
}

// bindDefaults registers defaults so AutomaticEnv can override them.
func bindDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("warehouse.dataset", cfg.Warehouse.Dataset)
	v.SetDefault("warehouse.location", cfg.Warehouse.Location)
	v.SetDefault("warehouse.staging_ttl", cfg.Warehouse.StagingTTL)
	v.SetDefault("sync.batch_size", cfg.Sync.BatchSize)
	v.SetDefault("sync.lookback_days", cfg.Sync.LookbackDays)
	v.SetDefault("backfill.workers", cfg.Backfill.Workers)
	v.SetDefault("backfill.rate_per_sec", cfg.Backfill.RatePerSec)
	v.SetDefault("backfill.burst", cfg.Backfill.Burst)
	v.SetDefault("backfill.max_attempts", cfg.Backfill.MaxAttempts)
	v.SetDefault("backfill.write_batch_size", cfg.Backfill.WriteBatchSize)
	v.SetDefault("backfill.days", cfg.Backfill.Days)
	v.SetDefault("classifier.base_url", cfg.Classifier.BaseURL)
	v.SetDefault("reliability.retry_attempts", cfg.Reliability.RetryAttempts)
	v.SetDefault("reliability.retry_delay", cfg.Reliability.RetryDelay)
	v.SetDefault("reliability.retry_multiplier", cfg.Reliability.RetryMultiplier)
	v.SetDefault("reliability.max_retry_delay", cfg.Reliability.MaxRetryDelay)
	v.SetDefault("reliability.retry_jitter", cfg.Reliability.RetryJitter)
	v.SetDefault("reliability.request_timeout", cfg.Reliability.RequestTimeout)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.encoding", cfg.Log.Encoding)
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate validates the configuration for correctness.
// Commands should call this after loading configuration to catch errors early.
func (c *Config) Validate() error {
	if c.Warehouse.ProjectID == "" {
		return fmt.Errorf("warehouse project_id is required (GCP_PROJECT_ID)")
	}
	if c.Warehouse.Dataset == "" {
		return fmt.Errorf("warehouse dataset is required")
	}
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("sync batch_size must be positive")
	}
	if c.Backfill.Workers <= 0 {
		return fmt.Errorf("backfill workers must be positive")
	}
	if c.Backfill.RatePerSec <= 0 {
		return fmt.Errorf("backfill rate_per_sec must be positive")
	}
	if c.Backfill.MaxAttempts <= 0 {
		return fmt.Errorf("backfill max_attempts must be positive")
	}
	if c.Reliability.RetryAttempts < 0 {
		return fmt.Errorf("retry_attempts cannot be negative")
	}
	return nil
}
