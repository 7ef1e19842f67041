package app

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/louisbranch/matchsync/internal/platform/logging"
	"github.com/louisbranch/matchsync/internal/services/sync/docstore"
	"github.com/louisbranch/matchsync/internal/services/sync/domain"
	"github.com/louisbranch/matchsync/internal/services/sync/entities"
	"github.com/louisbranch/matchsync/internal/services/sync/metrics"
	"github.com/louisbranch/matchsync/internal/services/sync/pipeline"
	"github.com/louisbranch/matchsync/internal/services/sync/provider"
	"github.com/louisbranch/matchsync/internal/services/sync/snapshot"
	"github.com/louisbranch/matchsync/internal/services/sync/storage/sqlstore"
	"go.uber.org/zap"
)

// Quota modes.
const (
	QuotaLocal  = "local"
	QuotaShared = "shared"
)

const (
	defaultDataDir      = "data"
	defaultQuotaAccount = "api-football"
)

// RuntimeConfig controls one sync invocation and its dependencies.
type RuntimeConfig struct {
	DataDir      string
	Dialect      sqlstore.Dialect
	DSN          string
	MaxOpenConns int

	Provider provider.Config
	// QuotaMode is local or shared.
	QuotaMode    string
	QuotaAccount string

	Entities  []string
	Overrides map[string]entities.Override

	Stage        domain.Stage
	MaxAttempts  int
	RetryBackoff time.Duration

	// Snapshot uploads are enabled when Snapshot.Bucket is set.
	Snapshot        snapshot.Config
	MetricsTextfile string
	DryRun          bool
	Now             func() time.Time
	Logger          *zap.Logger
}

func (c RuntimeConfig) normalized() (RuntimeConfig, error) {
	c.DataDir = strings.TrimSpace(c.DataDir)
	if c.DataDir == "" {
		c.DataDir = defaultDataDir
	}
	if c.Dialect == "" {
		c.Dialect = sqlstore.SQLite
	}
	if strings.TrimSpace(c.DSN) == "" && c.Dialect == sqlstore.SQLite {
		c.DSN = filepath.Join(c.DataDir, "matchsync.db")
	}
	c.QuotaMode = strings.ToLower(strings.TrimSpace(c.QuotaMode))
	switch c.QuotaMode {
	case "":
		c.QuotaMode = QuotaLocal
	case QuotaLocal, QuotaShared:
	default:
		return c, fmt.Errorf("unknown quota mode %q", c.QuotaMode)
	}
	if strings.TrimSpace(c.QuotaAccount) == "" {
		c.QuotaAccount = defaultQuotaAccount
	}
	if c.Stage == "" {
		c.Stage = domain.StageRun
	}
	if _, err := domain.ParseStage(string(c.Stage)); err != nil {
		return c, err
	}
	c.Logger = logging.OrNop(c.Logger)
	return c, nil
}

// Run opens the stores, builds the selected entity pipelines, and runs them.
func Run(ctx context.Context, cfg RuntimeConfig) (Summary, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := cfg.normalized()
	if err != nil {
		return Summary{}, err
	}
	logger := cfg.Logger

	store, err := sqlstore.Open(ctx, sqlstore.Config{
		Dialect:      cfg.Dialect,
		DSN:          cfg.DSN,
		MaxOpenConns: cfg.MaxOpenConns,
		Logger:       logger,
	})
	if err != nil {
		return Summary{}, fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			logger.Warn("close store", zap.Error(closeErr))
		}
	}()

	docs := docstore.NewOS(cfg.DataDir)
	providerCfg := cfg.Provider
	providerCfg.Logger = logger
	fetcher, err := provider.New(providerCfg, docs, nil)
	if err != nil {
		return Summary{}, fmt.Errorf("build provider: %w", err)
	}
	if cfg.QuotaMode == QuotaShared {
		fetcher = fetcher.WithSharedQuota(store, cfg.QuotaAccount, cfg.Now)
	}

	selected, err := buildDescriptors(entities.Deps{Fetcher: fetcher, Store: store, Now: cfg.Now}, cfg.Overrides, cfg.Entities)
	if err != nil {
		return Summary{}, err
	}
	if len(selected) == 0 {
		return Summary{}, fmt.Errorf("no entities selected")
	}
	if cfg.DryRun {
		names := make([]string, 0, len(selected))
		for _, d := range selected {
			names = append(names, d.Name)
		}
		logger.Info("dry run: configuration is valid",
			zap.String("stage", string(cfg.Stage)),
			zap.Strings("entities", names),
			zap.String("quota_mode", cfg.QuotaMode),
		)
		return Summary{}, nil
	}

	var snapshots Snapshotter
	if strings.TrimSpace(cfg.Snapshot.Bucket) != "" {
		snapCfg := cfg.Snapshot
		snapCfg.Logger = logger
		uploader, err := snapshot.NewS3(ctx, snapCfg, docs)
		if err != nil {
			return Summary{}, fmt.Errorf("build snapshot uploader: %w", err)
		}
		snapshots = uploader
	}

	pipe, err := pipeline.New(docs, store, logger)
	if err != nil {
		return Summary{}, err
	}
	runner := NewRunner(pipe, newRunStoreRecorder(store), snapshots, Config{
		Stage:        cfg.Stage,
		MaxAttempts:  cfg.MaxAttempts,
		RetryBackoff: cfg.RetryBackoff,
	}, logger)

	summary, runErr := runner.Run(ctx, selected)
	if err := metrics.WriteTextfile(cfg.MetricsTextfile); err != nil {
		logger.Warn("write metrics textfile", zap.String("path", cfg.MetricsTextfile), zap.Error(err))
	}
	return summary, runErr
}

// buildDescriptors builds the catalog, applies overrides, and selects the
// requested entities.
func buildDescriptors(deps entities.Deps, overrides map[string]entities.Override, names []string) ([]pipeline.Descriptor, error) {
	catalog, err := entities.Catalog(deps)
	if err != nil {
		return nil, fmt.Errorf("build entity catalog: %w", err)
	}
	catalog, err = entities.ApplyOverrides(catalog, overrides)
	if err != nil {
		return nil, fmt.Errorf("apply entity overrides: %w", err)
	}
	return entities.Select(catalog, names)
}
