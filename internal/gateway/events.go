package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/danmuck/ansgw/internal/protocol/frame"
	"github.com/danmuck/ansgw/internal/transport"
	"github.com/rs/zerolog/log"
)

var ErrBoardClosed = errors.New("gateway: board closed")

// observer is one event stream side connection. The listener accepts exactly
// one connection; ready closes once that accept finished either way.
type observer struct {
	handle uint32
	ln     net.Listener
	ready  chan struct{}

	conn   atomic.Pointer[transport.Connection]
	closed atomic.Bool

	// mu orders sends and their sequence numbers. close never takes it, so
	// a teardown under the registry lock does not wait out a slow write.
	mu  sync.Mutex
	seq uint32
}

func (o *observer) close() {
	o.closed.Store(true)
	_ = o.ln.Close()
	if conn := o.conn.Swap(nil); conn != nil {
		_ = conn.Close()
	}
}

// attach installs the accepted connection unless close already ran.
func (o *observer) attach(conn *transport.Connection) bool {
	o.conn.Store(conn)
	if o.closed.Load() {
		if c := o.conn.Swap(nil); c != nil {
			_ = c.Close()
		}
		return false
	}
	return true
}

func (o *observer) send(ctx context.Context, b *Board, payload []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	conn := o.conn.Load()
	if o.closed.Load() || conn == nil {
		return transport.ErrClosed
	}
	o.seq++
	buf, err := frame.EncodeEvent(frame.Event{ObserverHandle: o.handle, Sequence: o.seq, Payload: payload})
	if err != nil {
		return err
	}
	return conn.Send(ctx, buf, b.cfg.WriteTimeout)
}

// OpenObserver listens on an ephemeral port of ip and registers a pending
// observer. The client has HandshakeTimeout to connect.
func (b *Board) OpenObserver(ip netip.Addr) (uint32, uint16, error) {
	ln, err := net.Listen("tcp", netip.AddrPortFrom(ip, 0).String())
	if err != nil {
		return 0, 0, fmt.Errorf("gateway: observer listen: %w", err)
	}
	port := uint16(ln.Addr().(*net.TCPAddr).Port)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = ln.Close()
		return 0, 0, ErrBoardClosed
	}
	obs := &observer{handle: b.nextObserver, ln: ln, ready: make(chan struct{})}
	b.nextObserver++
	b.observers[obs.handle] = obs
	b.mu.Unlock()

	go b.acceptObserver(obs)
	log.Debug().
		Uint32("handle", b.Handle()).
		Uint32("observer", obs.handle).
		Uint16("port", port).
		Msg("event observer listening")
	return obs.handle, port, nil
}

func (b *Board) acceptObserver(obs *observer) {
	defer close(obs.ready)
	conn, err := transport.Accept(obs.ln, b.cfg.HandshakeTimeout)
	_ = obs.ln.Close()
	if err != nil {
		log.Warn().Err(err).Uint32("handle", b.Handle()).Uint32("observer", obs.handle).Msg("event observer accept failed")
		b.CloseObserver(obs.handle)
		return
	}

	if !obs.attach(conn) {
		return
	}
	log.Debug().
		Uint32("handle", b.Handle()).
		Uint32("observer", obs.handle).
		Str("remote", conn.RemoteEndpoint().String()).
		Msg("event observer connected")
}

// CloseObserver removes and disconnects one observer.
func (b *Board) CloseObserver(handle uint32) bool {
	b.mu.Lock()
	obs, ok := b.observers[handle]
	delete(b.observers, handle)
	b.mu.Unlock()
	if !ok {
		return false
	}
	obs.close()
	return true
}

// Publish fans payload out to every observer and returns how many received
// it. Observers still connecting are waited for; observers whose send fails
// are dropped.
func (b *Board) Publish(ctx context.Context, payload []byte) int {
	b.mu.Lock()
	targets := make([]*observer, 0, len(b.observers))
	for _, obs := range b.observers {
		targets = append(targets, obs)
	}
	b.mu.Unlock()

	delivered := 0
	for _, obs := range targets {
		select {
		case <-obs.ready:
		case <-ctx.Done():
			return delivered
		}
		if err := obs.send(ctx, b, payload); err != nil {
			log.Debug().Err(err).Uint32("handle", b.Handle()).Uint32("observer", obs.handle).Msg("event observer dropped")
			b.CloseObserver(obs.handle)
			continue
		}
		delivered++
	}
	return delivered
}
