package worker_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/tradejs/errs"
	"github.com/coachpo/tradejs/internal/testutil/fakeworker"
	"github.com/coachpo/tradejs/internal/worker"
	"github.com/coachpo/tradejs/internal/worker/agent"
)

type echoBody struct {
	N int `json:"n"`
}

func echoSetup(block chan struct{}) fakeworker.SetupFunc {
	return func(_ string, _ worker.LaunchSpec, a *agent.Agent) {
		a.Handle("echo", func(_ context.Context, payload json.RawMessage) (any, error) {
			var body echoBody
			if err := json.Unmarshal(payload, &body); err != nil {
				return nil, err
			}
			return body, nil
		})
		a.Handle("fail", func(context.Context, json.RawMessage) (any, error) {
			return nil, errors.New("boom")
		})
		a.Handle("block", func(ctx context.Context, _ json.RawMessage) (any, error) {
			select {
			case <-block:
			case <-ctx.Done():
			}
			return map[string]bool{"late": true}, nil
		})
	}
}

func startHost(t *testing.T, spawner *fakeworker.Spawner, cfg worker.Config) *worker.Host {
	t.Helper()
	host := worker.NewHost("EURUSD_1", worker.LaunchSpec{Kind: "builtin", Options: map[string]string{"symbol": "EURUSD"}}, spawner, worker.WithConfig(cfg))
	require.NoError(t, host.Init(context.Background()))
	t.Cleanup(func() { _ = host.Kill() })
	return host
}

func TestHostRoundTrip(t *testing.T) {
	host := startHost(t, fakeworker.New(echoSetup(nil)), worker.Config{})

	raw, err := host.Send(context.Background(), "echo", echoBody{N: 7})
	require.NoError(t, err)
	var got echoBody
	require.NoError(t, json.Unmarshal(raw, &got))
	require.Equal(t, 7, got.N)
	require.False(t, host.Exited())
	require.Equal(t, -1, host.ExitCode())
}

func TestHostDeliversInitOptions(t *testing.T) {
	received := make(chan string, 1)
	spawner := fakeworker.New(func(_ string, _ worker.LaunchSpec, a *agent.Agent) {
		a.OnInit(func(_ context.Context, options json.RawMessage) error {
			received <- string(options)
			return nil
		})
	})
	startHost(t, spawner, worker.Config{})
	require.JSONEq(t, `{"symbol":"EURUSD"}`, <-received)
}

func TestHostConcurrentRequestsCorrelate(t *testing.T) {
	host := startHost(t, fakeworker.New(echoSetup(nil)), worker.Config{})

	var wg sync.WaitGroup
	failures := atomic.Int32{}
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			raw, err := host.Send(context.Background(), "echo", echoBody{N: n})
			if err != nil {
				failures.Add(1)
				return
			}
			var got echoBody
			if json.Unmarshal(raw, &got) != nil || got.N != n {
				failures.Add(1)
			}
		}(i)
	}
	wg.Wait()
	require.Zero(t, failures.Load())
}

func TestHostWorkerErrorReply(t *testing.T) {
	host := startHost(t, fakeworker.New(echoSetup(nil)), worker.Config{})

	_, err := host.Send(context.Background(), "fail", nil)
	require.True(t, errs.IsCode(err, errs.CodeWorkerError))
	require.Contains(t, err.Error(), "boom")

	_, err = host.Send(context.Background(), "nope", nil)
	require.True(t, errs.IsCode(err, errs.CodeWorkerError))
	require.Contains(t, err.Error(), "unknown command")
}

func TestHostRequestTimeoutDropsLateReply(t *testing.T) {
	block := make(chan struct{})
	host := startHost(t, fakeworker.New(echoSetup(block)), worker.Config{RequestTimeout: 50 * time.Millisecond})

	_, err := host.Send(context.Background(), "block", nil)
	require.True(t, errs.IsCode(err, errs.CodeWorkerTimeout))

	close(block)
	require.Eventually(t, func() bool {
		raw, err := host.Send(context.Background(), "echo", echoBody{N: 1})
		return err == nil && string(raw) == `{"n":1}`
	}, 2*time.Second, 20*time.Millisecond)
}

func TestHostCrashFailsPendingThenNotifiesOnce(t *testing.T) {
	spawner := fakeworker.New(echoSetup(make(chan struct{})))
	host := worker.NewHost("EURUSD_1", worker.LaunchSpec{Kind: "builtin"}, spawner)

	exits := make(chan int, 4)
	exitedID := make(chan string, 4)
	host.OnExit(func(id string, code int) {
		exitedID <- id
		exits <- code
	})
	require.NoError(t, host.Init(context.Background()))

	errCh := make(chan error, 1)
	go func() {
		_, err := host.Send(context.Background(), "block", nil)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	spawner.Process("EURUSD_1").Crash(3)

	select {
	case err := <-errCh:
		require.True(t, errs.IsCode(err, errs.CodeWorkerCrashed), "got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("pending request not failed")
	}
	require.Equal(t, 3, <-exits)
	require.Equal(t, "EURUSD_1", <-exitedID)
	<-host.Done()
	require.Equal(t, 3, host.ExitCode())

	require.NoError(t, host.Kill())
	require.NoError(t, host.Kill())
	select {
	case code := <-exits:
		t.Fatalf("exit notified twice (second code %d)", code)
	case <-time.After(50 * time.Millisecond):
	}

	_, err := host.Send(context.Background(), "echo", echoBody{})
	require.True(t, errs.IsCode(err, errs.CodeChannelClosed))
}

func TestHostStatusAndFaultHooks(t *testing.T) {
	spawner := fakeworker.New(nil)
	host := worker.NewHost("GBPUSD_2", worker.LaunchSpec{}, spawner)

	statuses := make(chan string, 1)
	faults := make(chan error, 1)
	host.OnStatus(func(_ string, payload json.RawMessage) { statuses <- string(payload) })
	host.OnFault(func(_ string, err error) { faults <- err })
	require.NoError(t, host.Init(context.Background()))
	defer host.Kill()

	proc := spawner.Process("GBPUSD_2")
	require.NoError(t, proc.Agent.PushStatus(map[string]float64{"lastPrice": 1.25}))
	require.JSONEq(t, `{"lastPrice":1.25}`, <-statuses)

	require.NoError(t, proc.Agent.Fault(fmt.Errorf("feed lost")))
	err := <-faults
	require.True(t, errs.IsCode(err, errs.CodeWorkerError))
	require.Contains(t, err.Error(), "feed lost")
}

func TestHostInitFailures(t *testing.T) {
	t.Run("spawn refused", func(t *testing.T) {
		spawner := fakeworker.New(nil)
		spawner.FailSpawns(fakeworker.ErrSpawn)
		host := worker.NewHost("X_1", worker.LaunchSpec{}, spawner)
		err := host.Init(context.Background())
		require.True(t, errs.IsCode(err, errs.CodeSpawn))
		require.ErrorIs(t, err, fakeworker.ErrSpawn)
		require.True(t, host.Exited())
	})

	t.Run("never ready", func(t *testing.T) {
		spawner := fakeworker.New(nil)
		spawner.NeverReady(true)
		host := worker.NewHost("X_2", worker.LaunchSpec{}, spawner, worker.WithConfig(worker.Config{StartupTimeout: 50 * time.Millisecond}))
		err := host.Init(context.Background())
		require.True(t, errs.IsCode(err, errs.CodeSpawn))
		require.Eventually(t, spawner.Process("X_2").Exited, time.Second, 10*time.Millisecond)
	})

	t.Run("init rejected", func(t *testing.T) {
		spawner := fakeworker.New(nil)
		spawner.RejectInit(errors.New("bad options"))
		host := worker.NewHost("X_3", worker.LaunchSpec{}, spawner)
		err := host.Init(context.Background())
		require.True(t, errs.IsCode(err, errs.CodeSpawn))
		require.Contains(t, err.Error(), "bad options")
	})

	t.Run("double init", func(t *testing.T) {
		host := startHost(t, fakeworker.New(nil), worker.Config{})
		require.True(t, errs.IsCode(host.Init(context.Background()), errs.CodeSpawn))
	})
}

func TestHostSendBeforeInit(t *testing.T) {
	host := worker.NewHost("X_9", worker.LaunchSpec{}, fakeworker.New(nil))
	_, err := host.Send(context.Background(), "echo", nil)
	require.True(t, errs.IsCode(err, errs.CodeUnavailable))
	require.NoError(t, host.Kill())
}

func TestHostSendHonoursContext(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	host := startHost(t, fakeworker.New(echoSetup(block)), worker.Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := host.Send(ctx, "block", nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
