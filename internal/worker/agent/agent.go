// Package agent is the worker-process side of the orchestrator channel.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"

	"github.com/coachpo/tradejs/internal/ipc"
	"github.com/coachpo/tradejs/internal/worker"
)

const (
	maxDialInterval = time.Second
	defaultDialWait = 10 * time.Second
)

// HandlerFunc answers one command. The returned value becomes the response payload.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (any, error)

// InitFunc receives the launch options before the worker reports ready.
type InitFunc func(ctx context.Context, options json.RawMessage) error

// Agent dispatches host requests to registered handlers.
type Agent struct {
	logger *log.Logger

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	onInit   InitFunc

	chMu sync.Mutex
	ch   *ipc.Channel
}

// New creates an agent. A nil logger writes to stderr.
func New(logger *log.Logger) *Agent {
	if logger == nil {
		logger = log.New(os.Stderr, "instrument ", log.LstdFlags|log.Lmicroseconds)
	}
	return &Agent{logger: logger, handlers: make(map[string]HandlerFunc)}
}

// OnInit registers the init handler.
func (a *Agent) OnInit(fn InitFunc) {
	a.mu.Lock()
	a.onInit = fn
	a.mu.Unlock()
}

// Handle registers the handler for command, replacing any previous one.
func (a *Agent) Handle(command string, fn HandlerFunc) {
	a.mu.Lock()
	a.handlers[command] = fn
	a.mu.Unlock()
}

// Dial connects to the host socket, retrying with exponential backoff until ctx expires.
func Dial(ctx context.Context, path string) (net.Conn, error) {
	client, err := ipc.NewClient(path)
	if err != nil {
		return nil, err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultDialWait)
		defer cancel()
	}

	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.InitialInterval = 10 * time.Millisecond
	backoffCfg.MaxInterval = maxDialInterval

	for {
		conn, err := client.Dial(ctx)
		if err == nil {
			return conn, nil
		}
		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = maxDialInterval
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("agent: dial %s: %w", path, errors.Join(ctx.Err(), err))
		case <-time.After(sleep):
		}
	}
}

// DialFromEnv connects using the socket path handed down by the host.
func DialFromEnv(ctx context.Context) (net.Conn, error) {
	path := os.Getenv(worker.EnvWorkerSocket)
	if path == "" {
		return nil, fmt.Errorf("agent: %s not set", worker.EnvWorkerSocket)
	}
	return Dial(ctx, path)
}

// Serve runs the agent over conn until the host goes away or ctx is cancelled.
// Requests are handled one at a time in arrival order.
func (a *Agent) Serve(ctx context.Context, conn io.ReadWriteCloser) error {
	ch := ipc.NewChannel(conn)
	a.chMu.Lock()
	a.ch = ch
	a.chMu.Unlock()
	defer ch.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch.Inbound():
			if !ok {
				return ch.Err()
			}
			a.handle(ctx, ch, msg)
		}
	}
}

func (a *Agent) handle(ctx context.Context, ch *ipc.Channel, msg ipc.Message) {
	switch msg.Kind {
	case ipc.KindInit:
		a.mu.RLock()
		fn := a.onInit
		a.mu.RUnlock()
		reply := ipc.Message{Kind: ipc.KindReady}
		if fn != nil {
			if err := fn(ctx, msg.Payload); err != nil {
				reply.Error = err.Error()
			}
		}
		a.send(ch, reply)
	case ipc.KindRequest:
		a.send(ch, a.respond(ctx, msg))
	default:
		a.logger.Printf("ignoring %s message", msg.Kind)
	}
}

func (a *Agent) respond(ctx context.Context, msg ipc.Message) ipc.Message {
	reply := ipc.Message{Kind: ipc.KindResponse, ID: msg.ID, Command: msg.Command}
	a.mu.RLock()
	fn, ok := a.handlers[msg.Command]
	a.mu.RUnlock()
	if !ok {
		reply.Error = fmt.Sprintf("unknown command %q", msg.Command)
		return reply
	}
	result, err := fn(ctx, msg.Payload)
	if err != nil {
		reply.Error = err.Error()
		return reply
	}
	payload, err := ipc.NewPayload(result)
	if err != nil {
		reply.Error = fmt.Sprintf("encode %s result: %v", msg.Command, err)
		return reply
	}
	reply.Payload = payload
	return reply
}

// PushStatus sends an unsolicited status update to the host.
func (a *Agent) PushStatus(status any) error {
	payload, err := ipc.NewPayload(status)
	if err != nil {
		return err
	}
	return a.push(ipc.Message{Kind: ipc.KindStatus, Payload: payload})
}

// Fault reports a non-fatal error to the host.
func (a *Agent) Fault(err error) error {
	if err == nil {
		return nil
	}
	return a.push(ipc.Message{Kind: ipc.KindFault, Error: err.Error()})
}

func (a *Agent) push(msg ipc.Message) error {
	a.chMu.Lock()
	ch := a.ch
	a.chMu.Unlock()
	if ch == nil {
		return errors.New("agent: not connected")
	}
	return ch.Send(msg)
}

func (a *Agent) send(ch *ipc.Channel, msg ipc.Message) {
	if err := ch.Send(msg); err != nil {
		a.logger.Printf("send %s: %v", msg.Kind, err)
	}
}
