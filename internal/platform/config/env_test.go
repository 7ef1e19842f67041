package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type envTestConfig struct {
	Workers int `env:"MATCHSYNC_TEST_WORKERS" envDefault:"4"`
}

type prefixedTestConfig struct {
	DataDir string `env:"DATA_DIR" envDefault:"data"`
}

func TestParseEnvDefaults(t *testing.T) {
	var cfg envTestConfig

	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.Workers != 4 {
		t.Fatalf("expected default workers 4, got %d", cfg.Workers)
	}
}

func TestParseEnvError(t *testing.T) {
	var cfg envTestConfig
	t.Setenv("MATCHSYNC_TEST_WORKERS", "not-an-int")

	err := ParseEnv(&cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env prefix, got %v", err)
	}
}

func TestParseEnvWithPrefix(t *testing.T) {
	var cfg prefixedTestConfig
	t.Setenv(EnvPrefix+"DATA_DIR", "/srv/sync")

	if err := ParseEnvWithPrefix(&cfg, EnvPrefix); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.DataDir != "/srv/sync" {
		t.Fatalf("data dir = %q, want %q", cfg.DataDir, "/srv/sync")
	}
}

type yamlTestConfig struct {
	Entities map[string]struct {
		ChunkSize int `yaml:"chunk_size"`
	} `yaml:"entities"`
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "entities.yaml")
	if err := os.WriteFile(path, []byte("entities:\n  fixture_events:\n    chunk_size: 25\n"), 0o600); err != nil {
		t.Fatalf("write yaml: %v", err)
	}

	var cfg yamlTestConfig
	if err := LoadYAML(path, &cfg); err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	if got := cfg.Entities["fixture_events"].ChunkSize; got != 25 {
		t.Fatalf("chunk size = %d, want 25", got)
	}
}

func TestLoadYAMLRejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "entities.yaml")
	if err := os.WriteFile(path, []byte("entities:\n  fixtures:\n    chunk_sise: 25\n"), 0o600); err != nil {
		t.Fatalf("write yaml: %v", err)
	}

	var cfg yamlTestConfig
	if err := LoadYAML(path, &cfg); err == nil {
		t.Fatal("expected unknown field error")
	}
}

func TestLoadYAMLEmptyPathIsNoop(t *testing.T) {
	var cfg yamlTestConfig
	if err := LoadYAML("", &cfg); err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	if cfg.Entities != nil {
		t.Fatal("expected no entities")
	}
}

func TestLoadYAMLMissingFile(t *testing.T) {
	var cfg yamlTestConfig
	if err := LoadYAML(filepath.Join(t.TempDir(), "missing.yaml"), &cfg); err == nil {
		t.Fatal("expected missing file error")
	}
}
