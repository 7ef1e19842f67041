package sync

import (
	"context"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/louisbranch/matchsync/internal/platform/otel"
	"github.com/louisbranch/matchsync/internal/services/sync/domain"
	"github.com/louisbranch/matchsync/internal/services/sync/storage/sqlstore"
)

func TestParseConfig_ParsesDefaultsAndFlags(t *testing.T) {
	fs := flag.NewFlagSet("sync", flag.ContinueOnError)
	t.Setenv("MATCHSYNC_DATA_DIR", "/srv/matchsync")
	t.Setenv("MATCHSYNC_PROVIDER_KEY", "secret")

	cfg, err := ParseConfig(fs, []string{"-entities", "fixtures,teams", "-stage", "fetch", "-max-attempts", "5", "-quota-mode", "shared"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.DataDir != "/srv/matchsync" {
		t.Fatalf("data dir = %q, want %q", cfg.DataDir, "/srv/matchsync")
	}
	if cfg.ProviderKey != "secret" {
		t.Fatalf("provider key = %q, want %q", cfg.ProviderKey, "secret")
	}
	if cfg.Entities != "fixtures,teams" || cfg.Stage != "fetch" {
		t.Fatalf("entities/stage = %q/%q", cfg.Entities, cfg.Stage)
	}
	if cfg.MaxAttempts != 5 {
		t.Fatalf("max attempts = %d, want 5", cfg.MaxAttempts)
	}
	if cfg.QuotaMode != "shared" {
		t.Fatalf("quota mode = %q, want shared", cfg.QuotaMode)
	}
	if cfg.RetryBackoff != 30*time.Second {
		t.Fatalf("retry backoff = %s, want 30s", cfg.RetryBackoff)
	}
	if cfg.RequestsPerMinute != 400 {
		t.Fatalf("requests per minute = %d, want 400", cfg.RequestsPerMinute)
	}
}

func TestRuntimeConfigConvertsValues(t *testing.T) {
	dir := t.TempDir()
	overridesPath := filepath.Join(dir, "entities.yaml")
	if err := os.WriteFile(overridesPath, []byte("fixture_events:\n  chunk_size: 20\n  max_workers: 2\nteams:\n  disabled: true\n"), 0o644); err != nil {
		t.Fatalf("write overrides: %v", err)
	}
	fs := flag.NewFlagSet("sync", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, []string{
		"-entities", " fixtures, ,fixture_events ",
		"-entities-file", overridesPath,
		"-stage", "LOAD",
		"-db-dialect", "pg",
		"-s3-bucket", "matchsync-runs",
	})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}

	runtimeCfg, err := cfg.RuntimeConfig(nil)
	if err != nil {
		t.Fatalf("runtime config: %v", err)
	}
	if diff := cmp.Diff([]string{"fixtures", "fixture_events"}, runtimeCfg.Entities); diff != "" {
		t.Fatalf("entities mismatch (-want +got):\n%s", diff)
	}
	if runtimeCfg.Stage != domain.StageLoad {
		t.Fatalf("stage = %q, want load", runtimeCfg.Stage)
	}
	if runtimeCfg.Dialect != sqlstore.Postgres {
		t.Fatalf("dialect = %q, want postgres", runtimeCfg.Dialect)
	}
	if runtimeCfg.Snapshot.Bucket != "matchsync-runs" || runtimeCfg.Snapshot.Prefix != "runs" {
		t.Fatalf("snapshot = %+v", runtimeCfg.Snapshot)
	}
	events := runtimeCfg.Overrides["fixture_events"]
	if events.ChunkSize == nil || *events.ChunkSize != 20 || events.MaxWorkers == nil || *events.MaxWorkers != 2 {
		t.Fatalf("fixture_events override = %+v", events)
	}
	if !runtimeCfg.Overrides["teams"].Disabled {
		t.Fatal("expected teams to be disabled")
	}
}

func TestRuntimeConfigRejectsInvalidValues(t *testing.T) {
	dir := t.TempDir()
	badYAML := filepath.Join(dir, "entities.yaml")
	if err := os.WriteFile(badYAML, []byte("fixtures:\n  chunksize: 10\n"), 0o644); err != nil {
		t.Fatalf("write overrides: %v", err)
	}
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{name: "stage", cfg: Config{Stage: "publish", Dialect: "sqlite"}, want: "unknown stage"},
		{name: "dialect", cfg: Config{Stage: "run", Dialect: "oracle"}, want: "unsupported dialect"},
		{name: "entities file", cfg: Config{Stage: "run", Dialect: "sqlite", EntitiesFile: badYAML}, want: "load entities file"},
		{name: "missing entities file", cfg: Config{Stage: "run", Dialect: "sqlite", EntitiesFile: filepath.Join(dir, "missing.yaml")}, want: "not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.cfg.RuntimeConfig(nil)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestRunRejectsUnknownLogFormat(t *testing.T) {
	t.Setenv(otel.EnvEndpoint, "")
	err := Run(context.Background(), Config{Stage: "run", Dialect: "sqlite", LogLevel: "info", LogFormat: "xml"})
	if err == nil || !strings.Contains(err.Error(), "unsupported log format") {
		t.Fatalf("error = %v, want unsupported log format", err)
	}
}

func TestRunDryRun(t *testing.T) {
	t.Setenv(otel.EnvEndpoint, "")
	dir := t.TempDir()
	fs := flag.NewFlagSet("sync", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, []string{
		"-dry-run",
		"-data-dir", dir,
		"-db-dsn", filepath.Join(dir, "sync.db"),
		"-provider-url", "http://127.0.0.1:1",
		"-log-level", "error",
	})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if err := Run(context.Background(), cfg); err != nil {
		t.Fatalf("dry run: %v", err)
	}
}

func TestSplitList(t *testing.T) {
	if got := splitList(""); got != nil {
		t.Fatalf("split empty = %v, want nil", got)
	}
	if diff := cmp.Diff([]string{"a", "b"}, splitList(" a,,b ,")); diff != "" {
		t.Fatalf("split mismatch (-want +got):\n%s", diff)
	}
}
