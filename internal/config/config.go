// Package config loads and validates the orchestrator's YAML configuration.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment identifies the runtime environment.
type Environment string

const (
	EnvDev     Environment = "dev"
	EnvStaging Environment = "staging"
	EnvProd    Environment = "prod"
)

// Environment variables consulted after the file is read.
const (
	EnvVarEnvironment = "TRADEJS_ENV"
	EnvVarJournalDSN  = "TRADEJS_JOURNAL_DSN"
)

// WorkerConfig controls how instrument workers are launched and supervised.
type WorkerConfig struct {
	Executable     string        `yaml:"executable"`
	Args           []string      `yaml:"args"`
	SocketDir      string        `yaml:"socketDir"`
	StartupTimeout time.Duration `yaml:"startupTimeout"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
	KillGrace      time.Duration `yaml:"killGrace"`
	// SpawnRate is the sustained worker spawns per second.
	SpawnRate  float64 `yaml:"spawnRate"`
	SpawnBurst int     `yaml:"spawnBurst"`
}

// ExecutorsConfig locates custom executors.
type ExecutorsConfig struct {
	CustomDir string `yaml:"customDir"`
}

// EventbusConfig sets in-memory event bus sizing.
type EventbusConfig struct {
	BufferSize    int `yaml:"bufferSize"`
	FanoutWorkers int `yaml:"fanoutWorkers"`
}

// TelemetryConfig configures the OTLP metrics exporter.
type TelemetryConfig struct {
	Enabled       bool   `yaml:"enabled"`
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// PostgresJournalConfig enables the PostgreSQL journal sink.
type PostgresJournalConfig struct {
	Enabled        bool          `yaml:"enabled"`
	DSN            string        `yaml:"dsn"`
	MigrationsPath string        `yaml:"migrationsPath"`
	AutoMigrate    bool          `yaml:"autoMigrate"`
	MaxConns       int32         `yaml:"maxConns"`
	Workers        int           `yaml:"workers"`
	Queue          int           `yaml:"queue"`
	WriteTimeout   time.Duration `yaml:"writeTimeout"`
}

// JournalConfig selects diagnostic sinks. The log sink is always on.
type JournalConfig struct {
	Postgres PostgresJournalConfig `yaml:"postgres"`
}

// InstrumentSpec is an instrument created at start-up.
type InstrumentSpec struct {
	Symbol    string         `yaml:"symbol"`
	Type      string         `yaml:"type"`
	EA        string         `yaml:"ea"`
	TimeFrame string         `yaml:"timeFrame"`
	Options   map[string]any `yaml:"options"`
}

// AppConfig is the full orchestrator configuration.
type AppConfig struct {
	Environment Environment      `yaml:"environment"`
	Worker      WorkerConfig     `yaml:"worker"`
	Executors   ExecutorsConfig  `yaml:"executors"`
	Eventbus    EventbusConfig   `yaml:"eventbus"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Journal     JournalConfig    `yaml:"journal"`
	Instruments []InstrumentSpec `yaml:"instruments"`
}

// Default returns a configuration usable without a file.
func Default() AppConfig {
	cfg := AppConfig{}
	cfg.normalise()
	return cfg
}

// Load reads, normalises and validates the YAML file at path.
func Load(ctx context.Context, path string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(path)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}
	var cfg AppConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.applyEnv()
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// LoadOrDefault behaves like Load but falls back to Default when path is empty
// or the file does not exist.
func LoadOrDefault(ctx context.Context, path string) (AppConfig, error) {
	if strings.TrimSpace(path) == "" {
		cfg := AppConfig{}
		cfg.applyEnv()
		cfg.normalise()
		return cfg, cfg.Validate()
	}
	cfg, err := Load(ctx, path)
	if errors.Is(err, fs.ErrNotExist) {
		return LoadOrDefault(ctx, "")
	}
	return cfg, err
}

func (c *AppConfig) applyEnv() {
	if env := strings.TrimSpace(os.Getenv(EnvVarEnvironment)); env != "" {
		c.Environment = Environment(env)
	}
	if dsn := strings.TrimSpace(os.Getenv(EnvVarJournalDSN)); dsn != "" {
		c.Journal.Postgres.DSN = dsn
	}
}

func (c *AppConfig) normalise() {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if c.Environment == "" {
		c.Environment = EnvDev
	}

	w := &c.Worker
	w.Executable = strings.TrimSpace(w.Executable)
	w.SocketDir = strings.TrimSpace(w.SocketDir)
	if w.SocketDir == "" {
		w.SocketDir = os.TempDir()
	}
	if w.StartupTimeout <= 0 {
		w.StartupTimeout = 10 * time.Second
	}
	if w.RequestTimeout <= 0 {
		w.RequestTimeout = 30 * time.Second
	}
	if w.KillGrace <= 0 {
		w.KillGrace = 2 * time.Second
	}
	if w.SpawnRate <= 0 {
		w.SpawnRate = 20
	}
	if w.SpawnBurst <= 0 {
		w.SpawnBurst = 4
	}

	c.Executors.CustomDir = strings.TrimSpace(c.Executors.CustomDir)
	if c.Executors.CustomDir == "" {
		c.Executors.CustomDir = "executors"
	}

	if c.Eventbus.BufferSize <= 0 {
		c.Eventbus.BufferSize = 64
	}
	if c.Eventbus.FanoutWorkers <= 0 {
		c.Eventbus.FanoutWorkers = 4
	}

	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "tradejs"
	}

	pg := &c.Journal.Postgres
	pg.DSN = strings.TrimSpace(pg.DSN)
	pg.MigrationsPath = strings.TrimSpace(pg.MigrationsPath)
	if pg.MaxConns <= 0 {
		pg.MaxConns = 4
	}
	if pg.Workers <= 0 {
		pg.Workers = 2
	}
	if pg.Queue <= 0 {
		pg.Queue = 256
	}
	if pg.WriteTimeout <= 0 {
		pg.WriteTimeout = 5 * time.Second
	}

	for i := range c.Instruments {
		in := &c.Instruments[i]
		in.Symbol = strings.ToUpper(strings.TrimSpace(in.Symbol))
		in.Type = strings.ToLower(strings.TrimSpace(in.Type))
		in.EA = strings.TrimSpace(in.EA)
		in.TimeFrame = strings.TrimSpace(in.TimeFrame)
	}
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}
	if c.Worker.SpawnBurst <= 0 {
		return fmt.Errorf("worker spawnBurst must be >0")
	}
	if c.Eventbus.BufferSize <= 0 {
		return fmt.Errorf("eventbus bufferSize must be >0")
	}
	if c.Eventbus.FanoutWorkers <= 0 {
		return fmt.Errorf("eventbus fanoutWorkers must be >0")
	}
	if c.Journal.Postgres.Enabled && c.Journal.Postgres.DSN == "" {
		return fmt.Errorf("journal postgres dsn required when enabled")
	}
	for i, in := range c.Instruments {
		if in.Symbol == "" {
			return fmt.Errorf("instruments[%d]: symbol required", i)
		}
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := filepath.Clean(strings.TrimSpace(path))

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
