package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/coachpo/tradejs/internal/ipc"
)

const defaultKillGrace = 3 * time.Second

// ExecSpawner starts workers as operating system processes connected over a Unix socket.
type ExecSpawner struct {
	SocketDir string
	KillGrace time.Duration
	Logger    *log.Logger
}

// NewExecSpawner constructs a spawner placing worker sockets under socketDir.
func NewExecSpawner(socketDir string, killGrace time.Duration, logger *log.Logger) *ExecSpawner {
	if logger == nil {
		logger = log.New(os.Stdout, "worker ", log.LstdFlags|log.Lmicroseconds)
	}
	if killGrace <= 0 {
		killGrace = defaultKillGrace
	}
	return &ExecSpawner{SocketDir: socketDir, KillGrace: killGrace, Logger: logger}
}

// Spawn starts the executable and waits for it to dial back.
func (s *ExecSpawner) Spawn(ctx context.Context, id string, spec LaunchSpec) (Process, error) {
	if strings.TrimSpace(spec.Executable) == "" {
		return nil, errors.New("worker: executable required")
	}
	dir := s.SocketDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("worker: socket dir: %w", err)
	}
	socketPath := filepath.Join(dir, socketName(id))

	server, err := ipc.NewServer(socketPath)
	if err != nil {
		return nil, err
	}
	if err := server.Listen(); err != nil {
		return nil, fmt.Errorf("worker: listen %s: %w", socketPath, err)
	}
	defer func() { _ = server.Close() }()

	cmd := exec.Command(spec.Executable, spec.Args...) // #nosec G204 -- executable comes from the executor registry.
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Env = append(cmd.Env, EnvWorkerID+"="+id, EnvWorkerSocket+"="+socketPath)
	cmd.Stdout = newLineWriter(s.Logger, id)
	cmd.Stderr = newLineWriter(s.Logger, id)
	cmd.WaitDelay = s.KillGrace

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("worker: start %s: %w", spec.Executable, err)
	}

	proc := &execProcess{cmd: cmd, grace: s.KillGrace, done: make(chan struct{})}
	go proc.reap()

	conn, err := acceptOrExit(ctx, server, proc)
	if err != nil {
		_ = proc.Kill()
		return nil, err
	}
	proc.conn = conn
	return proc, nil
}

func acceptOrExit(ctx context.Context, server *ipc.Server, proc *execProcess) (io.ReadWriteCloser, error) {
	acceptCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-proc.done:
			cancel()
		case <-acceptCtx.Done():
		}
	}()

	conn, err := server.Accept(acceptCtx)
	if err == nil {
		return conn, nil
	}
	select {
	case <-proc.done:
		return nil, fmt.Errorf("worker: process exited with code %d before connecting", proc.code)
	default:
	}
	return nil, fmt.Errorf("worker: await connection: %w", err)
}

func socketName(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return fmt.Sprintf("tradejs-%d-%s.sock", os.Getpid(), b.String())
}

type execProcess struct {
	cmd   *exec.Cmd
	conn  io.ReadWriteCloser
	grace time.Duration

	done chan struct{}
	code int

	killOnce sync.Once
}

func (p *execProcess) Conn() io.ReadWriteCloser { return p.conn }

func (p *execProcess) Wait() int {
	<-p.done
	return p.code
}

func (p *execProcess) reap() {
	err := p.cmd.Wait()
	code := -1
	if p.cmd.ProcessState != nil {
		code = p.cmd.ProcessState.ExitCode()
	} else if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
	}
	p.code = code
	close(p.done)
}

// Kill sends SIGTERM and escalates to SIGKILL after the grace period.
func (p *execProcess) Kill() error {
	var err error
	p.killOnce.Do(func() {
		if p.conn != nil {
			_ = p.conn.Close()
		}
		if sigErr := p.cmd.Process.Signal(syscall.SIGTERM); sigErr != nil {
			if errors.Is(sigErr, os.ErrProcessDone) {
				return
			}
			err = sigErr
		}
		go func() {
			timer := time.NewTimer(p.grace)
			defer timer.Stop()
			select {
			case <-p.done:
			case <-timer.C:
				_ = p.cmd.Process.Kill()
			}
		}()
	})
	return err
}

// lineWriter forwards worker output to the logger one line at a time.
type lineWriter struct {
	mu     sync.Mutex
	logger *log.Logger
	id     string
	buf    bytes.Buffer
}

func newLineWriter(logger *log.Logger, id string) *lineWriter {
	return &lineWriter{logger: logger, id: id}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// partial line stays buffered
			w.buf.Reset()
			w.buf.WriteString(line)
			break
		}
		w.logger.Printf("[%s] %s", w.id, strings.TrimRight(line, "\r\n"))
	}
	return len(p), nil
}
