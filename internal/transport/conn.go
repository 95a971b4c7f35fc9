// Package transport wraps one TCP socket with the exact-length, timeout
// bounded primitives the gateway protocol runs on.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"
)

// Status classifies the outcome of a transport operation.
type Status int

const (
	StatusOK Status = iota
	StatusTimeout
	StatusPeerClosed
	StatusIOError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusTimeout:
		return "timeout"
	case StatusPeerClosed:
		return "peer_closed"
	default:
		return "io_error"
	}
}

var (
	ErrTimeout    = errors.New("transport: timeout")
	ErrPeerClosed = errors.New("transport: peer closed")
	ErrIO         = errors.New("transport: io error")
	ErrClosed     = errors.New("transport: connection closed")
)

// Classify maps any error returned by this package onto a Status.
func Classify(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrTimeout):
		return StatusTimeout
	case errors.Is(err, ErrPeerClosed):
		return StatusPeerClosed
	default:
		return StatusIOError
	}
}

// Endpoint is one side of a connection.
type Endpoint struct {
	IP   netip.Addr
	Port uint16
}

func (e Endpoint) String() string {
	if !e.IP.IsValid() {
		return ""
	}
	return netip.AddrPortFrom(e.IP, e.Port).String()
}

// Connection owns one stream socket plus its cached endpoint identity.
type Connection struct {
	mu     sync.Mutex
	conn   net.Conn
	local  Endpoint
	remote Endpoint
}

// Wrap adopts an established socket.
func Wrap(conn net.Conn) *Connection {
	return &Connection{
		conn:   conn,
		local:  endpointOf(conn.LocalAddr()),
		remote: endpointOf(conn.RemoteAddr()),
	}
}

type deadlineListener interface {
	net.Listener
	SetDeadline(time.Time) error
}

// Accept waits up to timeout (0 = unbounded) for one inbound connection.
func Accept(ln net.Listener, timeout time.Duration) (*Connection, error) {
	if dl, ok := ln.(deadlineListener); ok {
		var deadline time.Time
		if timeout > 0 {
			deadline = time.Now().Add(timeout)
		}
		if err := dl.SetDeadline(deadline); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrIO, err)
		}
	}
	conn, err := ln.Accept()
	if err != nil {
		return nil, classifyNetErr(err)
	}
	return Wrap(conn), nil
}

// Dial connects to ip:port within timeout.
func Dial(ctx context.Context, ip string, port uint16, timeout time.Duration) (*Connection, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(ip, strconv.Itoa(int(port))))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classifyNetErr(err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	return Wrap(conn), nil
}

func (c *Connection) LocalEndpoint() Endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

func (c *Connection) RemoteEndpoint() Endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

func (c *Connection) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local.String() + "->" + c.remote.String()
}

// Send writes all of b. Timeout 0 means no write deadline beyond ctx.
func (c *Connection) Send(ctx context.Context, b []byte, timeout time.Duration) error {
	conn := c.socket()
	if conn == nil {
		return ErrClosed
	}
	if err := conn.SetWriteDeadline(deadlineFor(ctx, timeout)); err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetWriteDeadline(time.Unix(1, 0))
	})
	defer stop()

	if _, err := conn.Write(b); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return classifyNetErr(err)
	}
	return nil
}

// Receive blocks until exactly n bytes arrived or a terminal condition
// occurs. A close before any byte of the read arrives is ErrPeerClosed.
func (c *Connection) Receive(ctx context.Context, n int, timeout time.Duration) ([]byte, error) {
	conn := c.socket()
	if conn == nil {
		return nil, ErrClosed
	}
	if err := conn.SetReadDeadline(deadlineFor(ctx, timeout)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, io.EOF) {
			return nil, ErrPeerClosed
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: %w", ErrIO, err)
		}
		return nil, classifyNetErr(err)
	}
	return buf, nil
}

// Close is idempotent and clears the cached identity.
func (c *Connection) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.local = Endpoint{}
	c.remote = Endpoint{}
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn == nil
}

func (c *Connection) socket() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func deadlineFor(ctx context.Context, timeout time.Duration) time.Time {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if ctxDeadline, ok := ctx.Deadline(); ok && (deadline.IsZero() || ctxDeadline.Before(deadline)) {
		deadline = ctxDeadline
	}
	return deadline
}

func classifyNetErr(err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	if errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}
	return fmt.Errorf("%w: %w", ErrIO, err)
}

func endpointOf(addr net.Addr) Endpoint {
	if addr == nil {
		return Endpoint{}
	}
	ap, err := netip.ParseAddrPort(addr.String())
	if err != nil {
		return Endpoint{}
	}
	return Endpoint{IP: ap.Addr().Unmap(), Port: ap.Port()}
}
