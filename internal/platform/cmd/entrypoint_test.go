package cmd

import (
	"context"
	"errors"
	"flag"
	"testing"

	"github.com/louisbranch/matchsync/internal/platform/otel"
)

type testConfig struct {
	DataDir string `env:"CMD_TEST_DATA_DIR" envDefault:"data"`
	Stage   string `env:"CMD_TEST_STAGE" envDefault:"run"`
}

func TestParseConfigReadsEnvAndFlags(t *testing.T) {
	t.Setenv("CMD_TEST_DATA_DIR", "/env/data")
	t.Setenv("CMD_TEST_STAGE", "fetch")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfgRef := testConfig{}
	if err := ParseConfig(&cfgRef); err != nil {
		t.Fatalf("load config defaults: %v", err)
	}
	fs.StringVar(&cfgRef.DataDir, "data-dir", cfgRef.DataDir, "data dir")
	fs.StringVar(&cfgRef.Stage, "stage", cfgRef.Stage, "stage")

	if err := ParseArgs(fs, []string{"-data-dir", "/flag/data"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	if cfgRef.DataDir != "/flag/data" {
		t.Fatalf("expected flag value for data dir, got %q", cfgRef.DataDir)
	}
	if cfgRef.Stage != "fetch" {
		t.Fatalf("expected env default stage, got %q", cfgRef.Stage)
	}
}

func TestParseConfigFromArgsReadsEnvAndFlags(t *testing.T) {
	t.Setenv("CMD_TEST_DATA_DIR", "/env/data")
	t.Setenv("CMD_TEST_STAGE", "load")

	cfgRef := testConfig{}
	fs := flag.NewFlagSet("configargs", flag.ContinueOnError)
	fs.StringVar(&cfgRef.DataDir, "data-dir", "", "data dir")
	fs.StringVar(&cfgRef.Stage, "stage", "", "stage")
	if err := ParseConfigFromArgs(&cfgRef, fs, []string{"-data-dir", "/flag/data"}); err != nil {
		t.Fatalf("parse config and args: %v", err)
	}
	if cfgRef.DataDir != "/flag/data" {
		t.Fatalf("expected parsed flag data dir, got %q", cfgRef.DataDir)
	}
	if cfgRef.Stage != "load" {
		t.Fatalf("expected env default stage, got %q", cfgRef.Stage)
	}
}

func TestParseArgsRejectsNilParser(t *testing.T) {
	if err := ParseArgs(nil, []string{}); err == nil {
		t.Fatal("expected parse args to reject nil parser")
	}
}

func TestParseConfigRejectsNilTarget(t *testing.T) {
	if err := ParseConfig[testConfig](nil); err == nil {
		t.Fatal("expected nil target error")
	}
}

func TestRunWithTelemetryRunsAndPropagatesError(t *testing.T) {
	t.Setenv(otel.EnvEndpoint, "")
	want := errors.New("entity failed")

	called := false
	err := RunWithTelemetry(context.Background(), ServiceSync, func(context.Context) error {
		called = true
		return want
	})
	if !called {
		t.Fatal("expected run function to be called")
	}
	if !errors.Is(err, want) {
		t.Fatalf("err = %v, want %v", err, want)
	}
}

func TestRunWithTelemetryRejectsMissingInputs(t *testing.T) {
	if err := RunWithTelemetry(context.Background(), "", func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected missing service error")
	}
	if err := RunWithTelemetry(context.Background(), ServiceSync, nil); err == nil {
		t.Fatal("expected missing run function error")
	}
}
