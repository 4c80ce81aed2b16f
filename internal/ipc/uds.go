package ipc

import (
	"context"
	"errors"
	"net"
	"os"
	"time"
)

const unixNetwork = "unix"

var (
	// ErrEmptyPath is returned when a socket path is empty.
	ErrEmptyPath = errors.New("ipc: empty socket path")
	// ErrNotListening is returned when Accept is called before Listen.
	ErrNotListening = errors.New("ipc: not listening")
	// ErrAlreadyListening is returned when Listen is called twice.
	ErrAlreadyListening = errors.New("ipc: already listening")
	// ErrPathNotSocket is returned when the existing path is not a socket.
	ErrPathNotSocket = errors.New("ipc: path exists and is not a socket")
)

// Server listens for a worker connection on a Unix domain socket.
type Server struct {
	addr net.UnixAddr
	ln   *net.UnixListener
}

// NewServer creates a server for the provided socket path.
func NewServer(path string) (*Server, error) {
	if path == "" {
		return nil, ErrEmptyPath
	}
	return &Server{addr: net.UnixAddr{Name: path, Net: unixNetwork}}, nil
}

// Path returns the configured socket path.
func (s *Server) Path() string {
	return s.addr.Name
}

// Listen starts listening, removing a stale socket file first.
func (s *Server) Listen() error {
	if s.ln != nil {
		return ErrAlreadyListening
	}
	if err := RemoveIfExists(s.addr.Name); err != nil {
		return err
	}
	ln, err := net.ListenUnix(unixNetwork, &s.addr)
	if err != nil {
		return err
	}
	ln.SetUnlinkOnClose(true)
	s.ln = ln
	return nil
}

// Accept waits for the next connection until ctx expires.
func (s *Server) Accept(ctx context.Context) (*net.UnixConn, error) {
	if s.ln == nil {
		return nil, ErrNotListening
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := s.ln.SetDeadline(deadline); err != nil {
			return nil, err
		}
		defer func() { _ = s.ln.SetDeadline(time.Time{}) }()
	}
	stop := context.AfterFunc(ctx, func() {
		_ = s.ln.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	conn, err := s.ln.AcceptUnix()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		var netErr net.Error
		if _, hasDeadline := ctx.Deadline(); hasDeadline && errors.As(err, &netErr) && netErr.Timeout() {
			return nil, context.DeadlineExceeded
		}
		return nil, err
	}
	return conn, nil
}

// Close stops the listener and unlinks the socket file.
func (s *Server) Close() error {
	if s.ln == nil {
		return nil
	}
	err := s.ln.Close()
	s.ln = nil
	return err
}

// Client dials a worker socket.
type Client struct {
	addr net.UnixAddr
}

// NewClient creates a client for the provided socket path.
func NewClient(path string) (*Client, error) {
	if path == "" {
		return nil, ErrEmptyPath
	}
	return &Client{addr: net.UnixAddr{Name: path, Net: unixNetwork}}, nil
}

// Dial opens the socket connection.
func (c *Client) Dial(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, unixNetwork, c.addr.Name)
}

// RemoveIfExists removes the socket file if it exists.
func RemoveIfExists(path string) error {
	if path == "" {
		return ErrEmptyPath
	}
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Mode()&os.ModeSocket == 0 {
		return ErrPathNotSocket
	}
	return os.Remove(path)
}
