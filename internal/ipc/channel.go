package ipc

import (
	"errors"
	"io"
	"net"
	"sync"

	"github.com/coachpo/tradejs/errs"
)

const inboundBuffer = 64

// Channel is a bidirectional message link to one peer process.
// Writes are serialized so each direction preserves send order.
type Channel struct {
	conn io.ReadWriteCloser

	wmu     sync.Mutex
	inbound chan Message
	closed  chan struct{}
	once    sync.Once

	errMu sync.Mutex
	err   error
}

// NewChannel wraps conn and starts reading inbound frames.
func NewChannel(conn io.ReadWriteCloser) *Channel {
	c := &Channel{
		conn:    conn,
		inbound: make(chan Message, inboundBuffer),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Send writes msg to the peer. It fails with CodeChannelClosed once the peer is gone.
func (c *Channel) Send(msg Message) error {
	select {
	case <-c.closed:
		return c.closedError(nil)
	default:
	}

	c.wmu.Lock()
	err := WriteFrame(c.conn, msg)
	c.wmu.Unlock()
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrFrameTooLarge) {
		return err
	}
	c.shutdown(err)
	return c.closedError(err)
}

// Inbound delivers messages from the peer. It is closed when the channel shuts down.
func (c *Channel) Inbound() <-chan Message {
	return c.inbound
}

// Done is closed once the channel stops.
func (c *Channel) Done() <-chan struct{} {
	return c.closed
}

// Err returns the read or write error that stopped the channel, if any.
func (c *Channel) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close tears down the channel. It is safe to call more than once.
func (c *Channel) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *Channel) readLoop() {
	defer close(c.inbound)
	for {
		msg, err := ReadFrame(c.conn)
		if err != nil {
			c.shutdown(err)
			return
		}
		select {
		case c.inbound <- msg:
		case <-c.closed:
			return
		}
	}
}

func (c *Channel) shutdown(cause error) {
	c.once.Do(func() {
		if cause != nil && !isClosedConn(cause) {
			c.errMu.Lock()
			c.err = cause
			c.errMu.Unlock()
		}
		close(c.closed)
		_ = c.conn.Close()
	})
}

func (c *Channel) closedError(cause error) error {
	if cause == nil {
		cause = c.Err()
	}
	return errs.New("ipc/send", errs.CodeChannelClosed,
		errs.WithMessage("peer process is gone"),
		errs.WithCause(cause))
}

func isClosedConn(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}
