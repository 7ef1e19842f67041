// Package sync parses sync command flags and launches the sync runtime.
package sync

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"time"

	entrypoint "github.com/louisbranch/matchsync/internal/platform/cmd"
	"github.com/louisbranch/matchsync/internal/platform/config"
	"github.com/louisbranch/matchsync/internal/platform/logging"
	syncapp "github.com/louisbranch/matchsync/internal/services/sync/app"
	"github.com/louisbranch/matchsync/internal/services/sync/domain"
	"github.com/louisbranch/matchsync/internal/services/sync/entities"
	"github.com/louisbranch/matchsync/internal/services/sync/provider"
	"github.com/louisbranch/matchsync/internal/services/sync/snapshot"
	"github.com/louisbranch/matchsync/internal/services/sync/storage/sqlstore"
	"go.uber.org/zap"
)

// Config holds sync command configuration.
type Config struct {
	Entities     string        `env:"MATCHSYNC_ENTITIES"`
	EntitiesFile string        `env:"MATCHSYNC_ENTITIES_FILE"`
	Stage        string        `env:"MATCHSYNC_STAGE" envDefault:"run"`
	DryRun       bool          `env:"MATCHSYNC_DRY_RUN"`
	DataDir      string        `env:"MATCHSYNC_DATA_DIR" envDefault:"data"`
	Dialect      string        `env:"MATCHSYNC_DB_DIALECT" envDefault:"sqlite"`
	DSN          string        `env:"MATCHSYNC_DB_DSN"`
	MaxOpenConns int           `env:"MATCHSYNC_DB_MAX_OPEN_CONNS" envDefault:"8"`
	MaxAttempts  int           `env:"MATCHSYNC_MAX_ATTEMPTS" envDefault:"3"`
	RetryBackoff time.Duration `env:"MATCHSYNC_RETRY_BACKOFF" envDefault:"30s"`

	ProviderURL       string        `env:"MATCHSYNC_PROVIDER_URL" envDefault:"https://v3.football.api-sports.io"`
	ProviderHost      string        `env:"MATCHSYNC_PROVIDER_HOST" envDefault:"v3.football.api-sports.io"`
	ProviderKey       string        `env:"MATCHSYNC_PROVIDER_KEY"`
	ProviderKeyHeader string        `env:"MATCHSYNC_PROVIDER_KEY_HEADER" envDefault:"x-rapidapi-key"`
	RequestsPerMinute int           `env:"MATCHSYNC_REQUESTS_PER_MINUTE" envDefault:"400"`
	ProviderTimeout   time.Duration `env:"MATCHSYNC_PROVIDER_TIMEOUT" envDefault:"30s"`
	QuotaMode         string        `env:"MATCHSYNC_QUOTA_MODE" envDefault:"local"`
	QuotaAccount      string        `env:"MATCHSYNC_QUOTA_ACCOUNT" envDefault:"api-football"`

	S3Bucket         string `env:"MATCHSYNC_S3_BUCKET"`
	S3Prefix         string `env:"MATCHSYNC_S3_PREFIX" envDefault:"runs"`
	S3Region         string `env:"MATCHSYNC_S3_REGION"`
	S3Endpoint       string `env:"MATCHSYNC_S3_ENDPOINT"`
	S3ForcePathStyle bool   `env:"MATCHSYNC_S3_FORCE_PATH_STYLE"`

	MetricsTextfile string `env:"MATCHSYNC_METRICS_TEXTFILE"`
	LogLevel        string `env:"MATCHSYNC_LOG_LEVEL" envDefault:"info"`
	LogFormat       string `env:"MATCHSYNC_LOG_FORMAT" envDefault:"json"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.Entities, "entities", cfg.Entities, "Comma-separated entities to sync; empty runs all of "+strings.Join(entities.Names(), ","))
	fs.StringVar(&cfg.EntitiesFile, "entities-file", cfg.EntitiesFile, "YAML file of per-entity overrides")
	fs.StringVar(&cfg.Stage, "stage", cfg.Stage, "Pipeline stage: fetch, process, load or run")
	fs.BoolVar(&cfg.DryRun, "dry-run", cfg.DryRun, "Validate configuration and exit")
	fs.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "Document store root directory")
	fs.StringVar(&cfg.Dialect, "db-dialect", cfg.Dialect, "Relational store dialect: sqlite, postgres or mysql")
	fs.StringVar(&cfg.DSN, "db-dsn", cfg.DSN, "Relational store data source name")
	fs.IntVar(&cfg.MaxOpenConns, "db-max-open-conns", cfg.MaxOpenConns, "Maximum open database connections")
	fs.IntVar(&cfg.MaxAttempts, "max-attempts", cfg.MaxAttempts, "Maximum attempts per entity")
	fs.DurationVar(&cfg.RetryBackoff, "retry-backoff", cfg.RetryBackoff, "Delay between entity attempts")
	fs.StringVar(&cfg.ProviderURL, "provider-url", cfg.ProviderURL, "Provider base URL")
	fs.StringVar(&cfg.ProviderHost, "provider-host", cfg.ProviderHost, "Provider host header value")
	fs.StringVar(&cfg.ProviderKeyHeader, "provider-key-header", cfg.ProviderKeyHeader, "Provider API key header name")
	fs.IntVar(&cfg.RequestsPerMinute, "requests-per-minute", cfg.RequestsPerMinute, "Provider call pacing")
	fs.DurationVar(&cfg.ProviderTimeout, "provider-timeout", cfg.ProviderTimeout, "Provider request timeout")
	fs.StringVar(&cfg.QuotaMode, "quota-mode", cfg.QuotaMode, "Quota gate: local or shared")
	fs.StringVar(&cfg.QuotaAccount, "quota-account", cfg.QuotaAccount, "Shared quota ledger account")
	fs.StringVar(&cfg.S3Bucket, "s3-bucket", cfg.S3Bucket, "Bucket for run snapshots; empty disables uploads")
	fs.StringVar(&cfg.S3Prefix, "s3-prefix", cfg.S3Prefix, "Key prefix for run snapshots")
	fs.StringVar(&cfg.S3Region, "s3-region", cfg.S3Region, "Snapshot bucket region")
	fs.StringVar(&cfg.S3Endpoint, "s3-endpoint", cfg.S3Endpoint, "S3-compatible endpoint override")
	fs.BoolVar(&cfg.S3ForcePathStyle, "s3-force-path-style", cfg.S3ForcePathStyle, "Use path-style S3 addressing")
	fs.StringVar(&cfg.MetricsTextfile, "metrics-textfile", cfg.MetricsTextfile, "Write metrics to this node-exporter textfile")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: json or console")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// RuntimeConfig validates cfg and converts it for the sync runtime.
func (cfg Config) RuntimeConfig(logger *zap.Logger) (syncapp.RuntimeConfig, error) {
	stage, err := domain.ParseStage(cfg.Stage)
	if err != nil {
		return syncapp.RuntimeConfig{}, err
	}
	dialect, err := sqlstore.ParseDialect(cfg.Dialect)
	if err != nil {
		return syncapp.RuntimeConfig{}, err
	}
	var overrides map[string]entities.Override
	if err := config.LoadYAML(cfg.EntitiesFile, &overrides); err != nil {
		return syncapp.RuntimeConfig{}, fmt.Errorf("load entities file: %w", err)
	}
	return syncapp.RuntimeConfig{
		DataDir:      cfg.DataDir,
		Dialect:      dialect,
		DSN:          cfg.DSN,
		MaxOpenConns: cfg.MaxOpenConns,
		Provider: provider.Config{
			BaseURL:           cfg.ProviderURL,
			KeyHeader:         cfg.ProviderKeyHeader,
			APIKey:            cfg.ProviderKey,
			Host:              cfg.ProviderHost,
			RequestsPerMinute: cfg.RequestsPerMinute,
			Timeout:           cfg.ProviderTimeout,
		},
		QuotaMode:    cfg.QuotaMode,
		QuotaAccount: cfg.QuotaAccount,
		Entities:     splitList(cfg.Entities),
		Overrides:    overrides,
		Stage:        stage,
		MaxAttempts:  cfg.MaxAttempts,
		RetryBackoff: cfg.RetryBackoff,
		Snapshot: snapshot.Config{
			Bucket:         cfg.S3Bucket,
			Prefix:         cfg.S3Prefix,
			Region:         cfg.S3Region,
			Endpoint:       cfg.S3Endpoint,
			ForcePathStyle: cfg.S3ForcePathStyle,
		},
		MetricsTextfile: cfg.MetricsTextfile,
		DryRun:          cfg.DryRun,
		Logger:          logger,
	}, nil
}

// Run syncs the configured entities.
func Run(ctx context.Context, cfg Config) error {
	logger, err := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	runtimeCfg, err := cfg.RuntimeConfig(logger)
	if err != nil {
		return err
	}
	return entrypoint.RunWithTelemetryAndOptions(ctx, entrypoint.ServiceSync, entrypoint.RunOptions{Logger: logger}, func(ctx context.Context) error {
		_, err := syncapp.Run(ctx, runtimeCfg)
		return err
	})
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
