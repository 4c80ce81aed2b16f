package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tradejs/errs"
	"github.com/coachpo/tradejs/internal/ipc"
	"github.com/coachpo/tradejs/internal/telemetry"
)

const (
	defaultStartupTimeout = 10 * time.Second
	defaultRequestTimeout = 30 * time.Second
)

// Config bounds the host's waits on its worker.
type Config struct {
	StartupTimeout time.Duration
	RequestTimeout time.Duration
}

func (c Config) normalise() Config {
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = defaultStartupTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	return c
}

// StatusFunc receives unsolicited status payloads pushed by the worker.
type StatusFunc func(id string, payload json.RawMessage)

// FaultFunc receives worker-reported faults.
type FaultFunc func(id string, err error)

// ExitFunc is invoked exactly once when the worker process terminates.
type ExitFunc func(id string, code int)

// Option customises a Host.
type Option func(*Host)

// WithConfig sets startup and request timeouts.
func WithConfig(cfg Config) Option {
	return func(h *Host) { h.cfg = cfg.normalise() }
}

// WithLogger overrides the host logger.
func WithLogger(logger *log.Logger) Option {
	return func(h *Host) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// Host owns one worker process and multiplexes requests over its channel.
type Host struct {
	id      string
	launch  LaunchSpec
	spawner Spawner
	cfg     Config
	logger  *log.Logger

	mu       sync.Mutex
	started  bool
	proc     Process
	ch       *ipc.Channel
	pending  map[string]chan ipc.Message
	onStatus StatusFunc
	onFault  FaultFunc
	onExit   ExitFunc

	ready     chan struct{}
	readyOnce sync.Once
	readyErr  string

	exited   chan struct{}
	exitOnce sync.Once
	exitCode int
	killOnce sync.Once

	metrics *hostMetrics
}

// NewHost prepares a host for the given instrument id. No process is started until Init.
func NewHost(id string, launch LaunchSpec, spawner Spawner, opts ...Option) *Host {
	h := &Host{
		id:       id,
		launch:   launch,
		spawner:  spawner,
		cfg:      Config{}.normalise(),
		logger:   log.New(os.Stdout, "worker-host ", log.LstdFlags|log.Lmicroseconds),
		pending:  make(map[string]chan ipc.Message),
		ready:    make(chan struct{}),
		exited:   make(chan struct{}),
		exitCode: -1,
		metrics:  loadHostMetrics(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// ID returns the instrument id this host serves.
func (h *Host) ID() string { return h.id }

// Kind returns the executor kind the worker was launched with.
func (h *Host) Kind() string { return h.launch.Kind }

// OnStatus registers the status listener. Register before Init.
func (h *Host) OnStatus(fn StatusFunc) {
	h.mu.Lock()
	h.onStatus = fn
	h.mu.Unlock()
}

// OnFault registers the fault listener. Register before Init.
func (h *Host) OnFault(fn FaultFunc) {
	h.mu.Lock()
	h.onFault = fn
	h.mu.Unlock()
}

// OnExit registers the exit listener. Register before Init.
func (h *Host) OnExit(fn ExitFunc) {
	h.mu.Lock()
	h.onExit = fn
	h.mu.Unlock()
}

// Init spawns the worker, delivers its options and waits for the ready reply.
// Any failure is reported as a spawn error and leaves no process running.
func (h *Host) Init(ctx context.Context) error {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return h.spawnError("host already initialised", nil)
	}
	h.started = true
	h.mu.Unlock()

	startCtx, cancel := context.WithTimeout(ctx, h.cfg.StartupTimeout)
	defer cancel()

	proc, err := h.spawner.Spawn(startCtx, h.id, h.launch)
	if err != nil {
		h.markExited(-1, false)
		return h.spawnError("spawn worker", err)
	}

	ch := ipc.NewChannel(proc.Conn())
	h.mu.Lock()
	h.proc = proc
	h.ch = ch
	h.mu.Unlock()

	go h.readLoop(ch)
	go h.waitLoop(proc, ch)

	payload, err := ipc.NewPayload(h.launch.Options)
	if err != nil {
		_ = h.Kill()
		return h.spawnError("encode init options", err)
	}
	if err := ch.Send(ipc.Message{Kind: ipc.KindInit, Payload: payload}); err != nil {
		_ = h.Kill()
		return h.spawnError("deliver init options", err)
	}

	select {
	case <-h.ready:
		if h.readyErr != "" {
			_ = h.Kill()
			return h.spawnError("worker rejected init", errors.New(h.readyErr))
		}
		return nil
	case <-h.exited:
		return h.spawnError(fmt.Sprintf("worker exited with code %d during startup", h.ExitCode()), nil)
	case <-startCtx.Done():
		_ = h.Kill()
		return h.spawnError("worker did not become ready", startCtx.Err())
	}
}

// Send issues a command and waits for the correlated reply.
func (h *Host) Send(ctx context.Context, command string, payload any) (json.RawMessage, error) {
	start := time.Now()
	raw, err := h.send(ctx, command, payload)
	h.metrics.record(ctx, command, err, time.Since(start))
	return raw, err
}

func (h *Host) send(ctx context.Context, command string, payload any) (json.RawMessage, error) {
	select {
	case <-h.exited:
		return nil, errs.New("worker/send", errs.CodeChannelClosed,
			errs.WithInstrument(h.id),
			errs.WithMessage("worker process has exited"),
			errs.WithField("command", command))
	default:
	}

	body, err := ipc.NewPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("worker: encode %s payload: %w", command, err)
	}

	h.mu.Lock()
	ch := h.ch
	if ch == nil {
		h.mu.Unlock()
		return nil, errs.New("worker/send", errs.CodeUnavailable,
			errs.WithInstrument(h.id),
			errs.WithMessage("worker not initialised"))
	}
	corrID := uuid.NewString()
	reply := make(chan ipc.Message, 1)
	h.pending[corrID] = reply
	h.mu.Unlock()
	defer h.forget(corrID)

	if err := ch.Send(ipc.Message{Kind: ipc.KindRequest, ID: corrID, Command: command, Payload: body}); err != nil {
		if errs.IsCode(err, errs.CodeChannelClosed) {
			return nil, errs.New("worker/send", errs.CodeChannelClosed,
				errs.WithInstrument(h.id),
				errs.WithField("command", command),
				errs.WithCause(err))
		}
		return nil, err
	}

	timer := time.NewTimer(h.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case msg := <-reply:
		return h.result(command, msg)
	case <-h.exited:
		select {
		case msg := <-reply:
			return h.result(command, msg)
		default:
		}
		return nil, errs.New("worker/send", errs.CodeWorkerCrashed,
			errs.WithInstrument(h.id),
			errs.WithMessage(fmt.Sprintf("worker exited with code %d", h.ExitCode())),
			errs.WithField("command", command))
	case <-timer.C:
		return nil, errs.New("worker/send", errs.CodeWorkerTimeout,
			errs.WithInstrument(h.id),
			errs.WithMessage(fmt.Sprintf("no reply within %s", h.cfg.RequestTimeout)),
			errs.WithField("command", command))
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *Host) result(command string, msg ipc.Message) (json.RawMessage, error) {
	if msg.Error != "" {
		return nil, errs.New("worker/"+command, errs.CodeWorkerError,
			errs.WithInstrument(h.id),
			errs.WithMessage(msg.Error))
	}
	return msg.Payload, nil
}

func (h *Host) forget(corrID string) {
	h.mu.Lock()
	delete(h.pending, corrID)
	h.mu.Unlock()
}

// Kill terminates the worker. It is a no-op once the process has exited or before Init.
func (h *Host) Kill() error {
	h.mu.Lock()
	proc := h.proc
	h.mu.Unlock()
	if proc == nil || h.Exited() {
		return nil
	}
	var err error
	h.killOnce.Do(func() {
		err = proc.Kill()
	})
	return err
}

// Exited reports whether the worker process has terminated.
func (h *Host) Exited() bool {
	select {
	case <-h.exited:
		return true
	default:
		return false
	}
}

// Done is closed once the worker process has terminated.
func (h *Host) Done() <-chan struct{} { return h.exited }

// ExitCode returns the worker exit code, or -1 while it is running.
func (h *Host) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

func (h *Host) readLoop(ch *ipc.Channel) {
	for msg := range ch.Inbound() {
		h.dispatch(msg)
	}
	// the worker is unreachable once its stream is gone
	if !h.Exited() {
		if err := h.Kill(); err != nil {
			h.logger.Printf("instrument %s: kill after channel loss: %v", h.id, err)
		}
	}
}

func (h *Host) dispatch(msg ipc.Message) {
	switch msg.Kind {
	case ipc.KindReady:
		h.readyOnce.Do(func() {
			h.readyErr = msg.Error
			close(h.ready)
		})
	case ipc.KindResponse:
		h.mu.Lock()
		reply, ok := h.pending[msg.ID]
		h.mu.Unlock()
		if !ok {
			h.logger.Printf("instrument %s: dropping late reply %q", h.id, msg.ID)
			return
		}
		reply <- msg
	case ipc.KindFault:
		h.mu.Lock()
		fn := h.onFault
		h.mu.Unlock()
		err := errs.New("worker/fault", errs.CodeWorkerError,
			errs.WithInstrument(h.id),
			errs.WithMessage(msg.Error))
		if fn == nil {
			h.logger.Printf("instrument %s: unhandled fault: %v", h.id, err)
			return
		}
		fn(h.id, err)
	default:
		h.mu.Lock()
		fn := h.onStatus
		h.mu.Unlock()
		if fn != nil {
			fn(h.id, msg.Payload)
		}
	}
}

func (h *Host) waitLoop(proc Process, ch *ipc.Channel) {
	code := proc.Wait()
	_ = ch.Close()
	h.markExited(code, true)
}

func (h *Host) markExited(code int, notify bool) {
	h.exitOnce.Do(func() {
		h.mu.Lock()
		h.exitCode = code
		fn := h.onExit
		h.mu.Unlock()
		close(h.exited)
		if !notify {
			return
		}
		h.metrics.exit(code)
		if code != 0 {
			h.logger.Printf("instrument %s: worker exited with code %d", h.id, code)
		}
		if fn != nil {
			fn(h.id, code)
		}
	})
}

func (h *Host) spawnError(message string, cause error) error {
	return errs.New("worker/init", errs.CodeSpawn,
		errs.WithInstrument(h.id),
		errs.WithMessage(message),
		errs.WithField("executable", h.launch.Executable),
		errs.WithCause(cause))
}

type hostMetrics struct {
	requests metric.Int64Counter
	duration metric.Float64Histogram
	exits    metric.Int64Counter
}

var (
	hostMetricsOnce sync.Once
	sharedMetrics   *hostMetrics
)

func loadHostMetrics() *hostMetrics {
	hostMetricsOnce.Do(func() {
		meter := otel.Meter("worker")
		m := &hostMetrics{}
		m.requests, _ = meter.Int64Counter("worker.requests",
			metric.WithDescription("Worker requests by command and result"),
			metric.WithUnit("{request}"))
		m.duration, _ = meter.Float64Histogram("worker.request.duration",
			metric.WithDescription("Worker request round-trip duration"),
			metric.WithUnit("ms"))
		m.exits, _ = meter.Int64Counter("worker.exits",
			metric.WithDescription("Worker process exits"),
			metric.WithUnit("{exit}"))
		sharedMetrics = m
	})
	return sharedMetrics
}

func (m *hostMetrics) record(ctx context.Context, command string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := telemetry.ResultSuccess
	switch {
	case errs.IsCode(err, errs.CodeWorkerTimeout):
		result = telemetry.ResultTimeout
	case err != nil:
		result = telemetry.ResultError
	}
	attrs := metric.WithAttributes(telemetry.RequestAttributes(command, result)...)
	if m.requests != nil {
		m.requests.Add(context.WithoutCancel(ctx), 1, attrs)
	}
	if m.duration != nil {
		m.duration.Record(context.WithoutCancel(ctx), float64(elapsed.Microseconds())/1000, attrs)
	}
}

func (m *hostMetrics) exit(code int) {
	if m == nil || m.exits == nil {
		return
	}
	m.exits.Add(context.Background(), 1, metric.WithAttributes(telemetry.ExitAttributes(code)...))
}
