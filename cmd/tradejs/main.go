// Command tradejs runs the instrument orchestrator.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/spf13/pflag"

	"github.com/coachpo/tradejs/internal/config"
	"github.com/coachpo/tradejs/internal/eventbus"
	"github.com/coachpo/tradejs/internal/executor"
	"github.com/coachpo/tradejs/internal/journal"
	"github.com/coachpo/tradejs/internal/journal/postgres"
	"github.com/coachpo/tradejs/internal/orchestrator"
	"github.com/coachpo/tradejs/internal/telemetry"
	"github.com/coachpo/tradejs/internal/worker"
)

const (
	defaultConfigPath    = "config/tradejs.yaml"
	defaultWorkerBinary  = "instrument"
	tradejsLoggerPrefix  = "tradejs "
	shutdownTimeout      = 30 * time.Second
	orchestratorTimeout  = 15 * time.Second
	lifecycleTimeout     = 5 * time.Second
	eventBusTimeout      = 2 * time.Second
	journalTimeout       = 5 * time.Second
	telemetryTimeout     = 5 * time.Second
	manifestCreateWindow = time.Minute
)

func main() {
	configPath, workerBinary := parseFlags(os.Args[1:])
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newLogger()

	appCfg, err := config.LoadOrDefault(ctx, configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if workerBinary != "" {
		appCfg.Worker.Executable = workerBinary
	}
	logger.Printf("configuration initialised: env=%s, instruments=%d", appCfg.Environment, len(appCfg.Instruments))

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg.Environment, appCfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialise telemetry: %v", err)
	}

	sink, closers, err := buildJournal(ctx, logger, appCfg.Journal)
	if err != nil {
		logger.Fatalf("initialise journal: %v", err)
	}

	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{
		BufferSize:    appCfg.Eventbus.BufferSize,
		FanoutWorkers: appCfg.Eventbus.FanoutWorkers,
	})

	orch, err := orchestrator.New(orchestratorConfig(appCfg), orchestrator.Deps{
		Spawner: worker.NewExecSpawner(appCfg.Worker.SocketDir, appCfg.Worker.KillGrace,
			log.New(os.Stdout, "", log.LstdFlags|log.Lmicroseconds)),
		Executors: executor.NewRegistry(executor.Config{
			Executable: resolveWorkerExecutable(appCfg.Worker.Executable),
			Args:       appCfg.Worker.Args,
			CustomDir:  appCfg.Executors.CustomDir,
		}),
		Bus:     bus,
		Journal: sink,
	})
	if err != nil {
		logger.Fatalf("initialise orchestrator: %v", err)
	}

	var lifecycle conc.WaitGroup
	if err := watchLifecycle(ctx, &lifecycle, logger, orch); err != nil {
		logger.Fatalf("subscribe lifecycle events: %v", err)
	}

	createManifest(ctx, logger, orch, appCfg.Instruments)

	logger.Print("orchestrator started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		orchestrator: orch,
		mainCancel:   cancel,
		lifecycle:    &lifecycle,
		eventBus:     bus,
		journal:      closers,
		telemetry:    telemetryProvider,
	})
	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags(args []string) (configPath, workerBinary string) {
	flags := pflag.NewFlagSet("tradejs", pflag.ExitOnError)
	flags.StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to the orchestrator configuration file")
	flags.StringVar(&workerBinary, "instrument-bin", "", "Instrument worker executable (overrides worker.executable)")
	_ = flags.Parse(args)
	return configPath, workerBinary
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newLogger() *log.Logger {
	return log.New(os.Stdout, tradejsLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func initTelemetry(ctx context.Context, logger *log.Logger, env config.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	telemetryCfg.Enabled = cfg.Enabled
	telemetryCfg.Environment = string(env)
	telemetryCfg.OTLPInsecure = cfg.OTLPInsecure
	telemetryCfg.EnableMetrics = cfg.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialise telemetry provider: %w", err)
	}
	if telemetryCfg.Enabled {
		logger.Printf("telemetry initialised: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

// journalCloser flushes a sink on shutdown.
type journalCloser interface {
	Close(ctx context.Context) error
}

func buildJournal(ctx context.Context, logger *log.Logger, cfg config.JournalConfig) (journal.Sink, []journalCloser, error) {
	sinks := journal.Multi{journal.NewLogSink(log.New(os.Stdout, "journal ", log.LstdFlags|log.Lmicroseconds))}
	pg := cfg.Postgres
	if !pg.Enabled {
		return sinks, nil, nil
	}
	if pg.AutoMigrate {
		migrateLogger := log.New(os.Stdout, "tradejs-migrate ", log.LstdFlags)
		if err := postgres.Apply(ctx, pg.DSN, pg.MigrationsPath, migrateLogger); err != nil {
			return nil, nil, fmt.Errorf("journal migrations: %w", err)
		}
	}
	store, err := postgres.Open(ctx, postgres.Config{
		DSN:          pg.DSN,
		MaxConns:     pg.MaxConns,
		Workers:      pg.Workers,
		Queue:        pg.Queue,
		WriteTimeout: pg.WriteTimeout,
	})
	if err != nil {
		return nil, nil, err
	}
	logger.Printf("journal: postgres sink enabled (workers=%d queue=%d)", pg.Workers, pg.Queue)
	return append(sinks, store), []journalCloser{store}, nil
}

func orchestratorConfig(cfg config.AppConfig) orchestrator.Config {
	return orchestrator.Config{
		Worker: worker.Config{
			StartupTimeout: cfg.Worker.StartupTimeout,
			RequestTimeout: cfg.Worker.RequestTimeout,
		},
		SpawnRate:  cfg.Worker.SpawnRate,
		SpawnBurst: cfg.Worker.SpawnBurst,
	}
}

// resolveWorkerExecutable defaults to the instrument binary installed next to
// this one.
func resolveWorkerExecutable(configured string) string {
	if configured != "" {
		return configured
	}
	self, err := os.Executable()
	if err != nil {
		return defaultWorkerBinary
	}
	return filepath.Join(filepath.Dir(self), defaultWorkerBinary)
}

func manifestSpecs(instruments []config.InstrumentSpec) []orchestrator.Spec {
	specs := make([]orchestrator.Spec, len(instruments))
	for i, in := range instruments {
		specs[i] = orchestrator.Spec{
			Symbol:    in.Symbol,
			Type:      in.Type,
			EA:        in.EA,
			TimeFrame: in.TimeFrame,
			Options:   in.Options,
		}
	}
	return specs
}

func createManifest(ctx context.Context, logger *log.Logger, orch *orchestrator.Orchestrator, instruments []config.InstrumentSpec) {
	if len(instruments) == 0 {
		return
	}
	createCtx, cancel := context.WithTimeout(ctx, manifestCreateWindow)
	defer cancel()
	created := 0
	for i, out := range orch.Create(createCtx, manifestSpecs(instruments)) {
		if out.Err != nil {
			logger.Printf("manifest instrument %d (%s): %v", i, instruments[i].Symbol, out.Err)
			continue
		}
		created++
	}
	logger.Printf("manifest instruments created: %d/%d", created, len(instruments))
}

func watchLifecycle(ctx context.Context, lifecycle *conc.WaitGroup, logger *log.Logger, orch *orchestrator.Orchestrator) error {
	for _, topic := range []eventbus.Topic{eventbus.TopicCreated, eventbus.TopicDestroyed} {
		_, events, err := orch.Subscribe(ctx, topic)
		if err != nil {
			return err
		}
		lifecycle.Go(func() {
			for evt := range events {
				logger.Printf("event %s: instrument=%s", evt.Type, evt.InstrumentID)
			}
		})
	}
	return nil
}

type gracefulShutdownConfig struct {
	orchestrator *orchestrator.Orchestrator
	mainCancel   context.CancelFunc
	lifecycle    *conc.WaitGroup
	eventBus     eventbus.Bus
	journal      []journalCloser
	telemetry    *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.orchestrator != nil {
		shutdownStep("destroying instruments", orchestratorTimeout, cfg.orchestrator.Close)
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.eventBus != nil {
		shutdownStep("closing event bus", eventBusTimeout, func(context.Context) error {
			cfg.eventBus.Close()
			return nil
		})
	}

	for _, closer := range cfg.journal {
		shutdownStep("flushing journal", journalTimeout, closer.Close)
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryTimeout, cfg.telemetry.Shutdown)
	}
}
