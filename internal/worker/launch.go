// Package worker hosts instrument worker processes behind a request/response surface.
package worker

import (
	"context"
	"io"
)

const (
	// EnvWorkerID carries the instrument id into the worker process.
	EnvWorkerID = "TRADEJS_WORKER_ID"
	// EnvWorkerSocket carries the socket path the worker must dial.
	EnvWorkerSocket = "TRADEJS_WORKER_SOCKET"
)

// LaunchSpec describes how to start one worker.
type LaunchSpec struct {
	// Kind is the executor kind tag the spec was resolved from.
	Kind       string
	Executable string
	Args       []string
	Env        []string
	// Options is delivered to the worker in the init handshake.
	Options any
}

// Process is a started worker as seen from the host side.
type Process interface {
	// Conn is the connected message stream to the worker.
	Conn() io.ReadWriteCloser
	// Wait blocks until the process terminates and returns its exit code.
	Wait() int
	// Kill requests termination.
	Kill() error
}

// Spawner starts worker processes. Spawn must return once the worker has connected,
// or fail when ctx expires.
type Spawner interface {
	Spawn(ctx context.Context, id string, spec LaunchSpec) (Process, error)
}
