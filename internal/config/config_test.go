package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tradejs.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatalf("expected error when config file missing")
	}
}

func TestLoadFromYAML(t *testing.T) {
	t.Setenv(EnvVarEnvironment, "")
	t.Setenv(EnvVarJournalDSN, "")
	path := writeConfig(t, `
environment: STAGING
worker:
  executable: /usr/local/bin/tradejs-instrument
  startupTimeout: 3s
  requestTimeout: 750ms
  spawnRate: 5
executors:
  customDir: /srv/executors
eventbus:
  bufferSize: 16
journal:
  postgres:
    enabled: true
    dsn: postgres://journal@db/tradejs
instruments:
  - symbol: " eurusd "
    timeFrame: 5m
  - symbol: GBPUSD
    type: Backtest
    ea: breakout
    options:
      risk: 0.5
`)

	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Environment != EnvStaging {
		t.Fatalf("expected staging, got %q", cfg.Environment)
	}
	if cfg.Worker.StartupTimeout != 3*time.Second || cfg.Worker.RequestTimeout != 750*time.Millisecond {
		t.Fatalf("unexpected timeouts %+v", cfg.Worker)
	}
	if cfg.Worker.KillGrace != 2*time.Second || cfg.Worker.SpawnBurst != 4 {
		t.Fatalf("defaults not applied: %+v", cfg.Worker)
	}
	if cfg.Eventbus.BufferSize != 16 || cfg.Eventbus.FanoutWorkers != 4 {
		t.Fatalf("unexpected eventbus %+v", cfg.Eventbus)
	}
	if len(cfg.Instruments) != 2 || cfg.Instruments[0].Symbol != "EURUSD" || cfg.Instruments[1].Type != "backtest" {
		t.Fatalf("unexpected instruments %+v", cfg.Instruments)
	}
	if cfg.Instruments[1].Options["risk"] != 0.5 {
		t.Fatalf("options not decoded: %+v", cfg.Instruments[1].Options)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv(EnvVarEnvironment, "prod")
	t.Setenv(EnvVarJournalDSN, "postgres://env@db/tradejs")
	path := writeConfig(t, "environment: dev\n")

	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Environment != EnvProd || cfg.Journal.Postgres.DSN != "postgres://env@db/tradejs" {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
}

func TestValidateRejects(t *testing.T) {
	t.Setenv(EnvVarEnvironment, "")
	t.Setenv(EnvVarJournalDSN, "")
	cases := map[string]string{
		"environment": "environment: qa\n",
		"journal dsn": "journal:\n  postgres:\n    enabled: true\n",
		"symbol":      "instruments:\n  - timeFrame: 1m\n",
		"yaml":        "worker: [\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(context.Background(), writeConfig(t, body)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestLoadOrDefault(t *testing.T) {
	t.Setenv(EnvVarEnvironment, "")
	t.Setenv(EnvVarJournalDSN, "")

	cfg, err := LoadOrDefault(context.Background(), filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault failed: %v", err)
	}
	def := Default()
	if cfg.Environment != def.Environment || cfg.Worker.RequestTimeout != def.Worker.RequestTimeout {
		t.Fatalf("expected defaults, got %+v", cfg)
	}

	if _, err := LoadOrDefault(context.Background(), writeConfig(t, "environment: qa\n")); err == nil {
		t.Fatalf("expected validation error for present file")
	}
}
