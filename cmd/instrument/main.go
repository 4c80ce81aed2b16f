// Command instrument is the built-in instrument worker process.
package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/coachpo/tradejs/internal/executor"
	"github.com/coachpo/tradejs/internal/instrument"
	"github.com/coachpo/tradejs/internal/worker"
	"github.com/coachpo/tradejs/internal/worker/agent"
)

const dialTimeout = 10 * time.Second

func main() {
	script := pflag.String(executor.ScriptFlag[2:], "", "Path to a custom executor script defining onCandle")
	interval := pflag.Duration("status-interval", time.Second, "Interval between status pushes")
	bufferSize := pflag.Int("buffer-size", 500, "Candles kept per timeframe")
	pflag.Parse()

	logger := log.New(os.Stderr, "instrument["+os.Getenv(worker.EnvWorkerID)+"] ", log.LstdFlags|log.Lmicroseconds)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	dialCtx, dialCancel := context.WithTimeout(ctx, dialTimeout)
	conn, err := agent.DialFromEnv(dialCtx)
	dialCancel()
	if err != nil {
		logger.Fatalf("connect to orchestrator: %v", err)
	}

	a := agent.New(logger)
	instrument.Attach(a, instrument.Settings{
		BufferSize:     *bufferSize,
		StatusInterval: *interval,
		ScriptPath:     *script,
		Logger:         logger,
	})

	if err := a.Serve(ctx, conn); err != nil && !errors.Is(err, context.Canceled) {
		logger.Printf("serve: %v", err)
		os.Exit(1)
	}
}
