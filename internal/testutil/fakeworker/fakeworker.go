// Package fakeworker runs worker agents in-process over net.Pipe for tests.
package fakeworker

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/coachpo/tradejs/internal/worker"
	"github.com/coachpo/tradejs/internal/worker/agent"
)

// SetupFunc registers handlers on the agent backing a freshly spawned worker.
type SetupFunc func(id string, spec worker.LaunchSpec, a *agent.Agent)

// Spawner implements worker.Spawner without starting processes.
type Spawner struct {
	setup  SetupFunc
	logger *log.Logger

	mu         sync.Mutex
	failSpawn  error
	neverReady bool
	failInit   error
	procs      map[string]*Process
	spawned    []string
}

// New returns a spawner whose workers are configured by setup.
func New(setup SetupFunc) *Spawner {
	return &Spawner{
		setup:  setup,
		logger: log.New(io.Discard, "", 0),
		procs:  make(map[string]*Process),
	}
}

// FailSpawns makes subsequent spawns fail with err. Nil restores normal behaviour.
func (s *Spawner) FailSpawns(err error) {
	s.mu.Lock()
	s.failSpawn = err
	s.mu.Unlock()
}

// NeverReady makes subsequent workers swallow the init handshake.
func (s *Spawner) NeverReady(on bool) {
	s.mu.Lock()
	s.neverReady = on
	s.mu.Unlock()
}

// RejectInit makes subsequent workers answer init with err.
func (s *Spawner) RejectInit(err error) {
	s.mu.Lock()
	s.failInit = err
	s.mu.Unlock()
}

// Process returns the fake process spawned for id, if any.
func (s *Spawner) Process(id string) *Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[id]
}

// Spawned lists ids in spawn order.
func (s *Spawner) Spawned() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.spawned...)
}

// Spawn starts an agent goroutine connected through an in-memory pipe.
func (s *Spawner) Spawn(ctx context.Context, id string, spec worker.LaunchSpec) (worker.Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	failSpawn, neverReady, failInit := s.failSpawn, s.neverReady, s.failInit
	s.mu.Unlock()
	if failSpawn != nil {
		return nil, failSpawn
	}

	hostConn, workerConn := net.Pipe()
	serveCtx, cancel := context.WithCancel(context.Background())
	p := &Process{
		ID:         id,
		Spec:       spec,
		Agent:      agent.New(s.logger),
		hostConn:   hostConn,
		workerConn: workerConn,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	switch {
	case neverReady:
		p.Agent.OnInit(func(ctx context.Context, _ json.RawMessage) error {
			<-ctx.Done()
			return ctx.Err()
		})
	case failInit != nil:
		p.Agent.OnInit(func(context.Context, json.RawMessage) error { return failInit })
	}
	if s.setup != nil {
		s.setup(id, spec, p.Agent)
	}

	s.mu.Lock()
	s.procs[id] = p
	s.spawned = append(s.spawned, id)
	s.mu.Unlock()

	go func() {
		_ = p.Agent.Serve(serveCtx, workerConn)
	}()
	return p, nil
}

// Process is a fake worker process.
type Process struct {
	ID    string
	Spec  worker.LaunchSpec
	Agent *agent.Agent

	hostConn   net.Conn
	workerConn net.Conn
	cancel     context.CancelFunc

	once  sync.Once
	done  chan struct{}
	code  int
	kills int
	mu    sync.Mutex
}

// Conn returns the host end of the pipe.
func (p *Process) Conn() io.ReadWriteCloser { return p.hostConn }

// Wait blocks until the process exits.
func (p *Process) Wait() int {
	<-p.done
	return p.code
}

// Kill terminates the process with exit code 0, as a worker does on SIGTERM.
func (p *Process) Kill() error {
	p.mu.Lock()
	p.kills++
	p.mu.Unlock()
	p.Exit(0)
	return nil
}

// Kills reports how many times Kill was called.
func (p *Process) Kills() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.kills
}

// Crash terminates the process with a non-zero exit code.
func (p *Process) Crash(code int) {
	if code == 0 {
		code = 1
	}
	p.Exit(code)
}

// Exit terminates the process with code. Only the first call has effect.
func (p *Process) Exit(code int) {
	p.once.Do(func() {
		p.code = code
		p.cancel()
		_ = p.workerConn.Close()
		_ = p.hostConn.Close()
		close(p.done)
	})
}

// Exited reports whether the process has terminated.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// ErrSpawn is a ready-made spawn failure for tests.
var ErrSpawn = errors.New("fakeworker: spawn refused")
