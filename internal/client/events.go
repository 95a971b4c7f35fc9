package client

import (
	"context"
	"errors"
	"sync"

	"github.com/danmuck/ansgw/internal/protocol"
	"github.com/danmuck/ansgw/internal/protocol/frame"
	"github.com/danmuck/ansgw/internal/transport"
)

// EventHandler receives every event pushed on a stream, in order, from the
// stream's reader goroutine.
type EventHandler func(frame.Event)

// EventStream is one observer connection opened for a board.
type EventStream struct {
	handle uint32
	port   uint16
	conn   *transport.Connection
	cancel context.CancelFunc
	done   chan struct{}

	once sync.Once
	err  error
}

func (s *EventStream) Handle() uint32 { return s.handle }
func (s *EventStream) Port() uint16   { return s.port }

// Done is closed once the reader goroutine exits.
func (s *EventStream) Done() <-chan struct{} { return s.done }

// Err is the error that ended the stream, nil for a close from either side.
// It is only meaningful after Done is closed.
func (s *EventStream) Err() error {
	<-s.done
	return s.err
}

// OpenEventStream registers an observer on the gateway and connects to the
// port it announces. handler runs for every event until the stream closes.
func (b *Board) OpenEventStream(ctx context.Context, handler EventHandler) (*EventStream, error) {
	out, err := b.call(ctx, protocol.FuncOpenEventStream, nil)
	if err != nil {
		return nil, err
	}
	info, err := frame.DecodeEventStreamInfo(out)
	if err != nil {
		return nil, err
	}
	conn, err := transport.Dial(ctx, b.peer.address, info.Port, b.peer.cfg.Session.ConnectTimeout)
	if err != nil {
		_, _ = b.call(ctx, protocol.FuncCloseEventStream, u32Payload(info.ObserverHandle))
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &EventStream{
		handle: info.ObserverHandle,
		port:   info.Port,
		conn:   conn,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	b.streamsMu.Lock()
	b.streams[s.handle] = s
	b.streamsMu.Unlock()

	go s.run(runCtx, handler)
	b.logger.Debug().Uint32("observer", s.handle).Uint16("port", s.port).Msg("event stream opened")
	return s, nil
}

// CloseEventStream unregisters the observer on the gateway and stops the
// local reader.
func (b *Board) CloseEventStream(ctx context.Context, s *EventStream) error {
	if s == nil {
		return nil
	}
	b.streamsMu.Lock()
	if b.streams[s.handle] == s {
		delete(b.streams, s.handle)
	}
	b.streamsMu.Unlock()

	_, err := b.call(ctx, protocol.FuncCloseEventStream, u32Payload(s.handle))
	s.close()
	return err
}

func (s *EventStream) run(ctx context.Context, handler EventHandler) {
	defer close(s.done)
	for {
		ev, err := frame.ReadEvent(ctx, s.conn, 0)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, transport.ErrPeerClosed) && !errors.Is(err, transport.ErrClosed) {
				s.err = err
			}
			_ = s.conn.Close()
			return
		}
		if ev.ObserverHandle != s.handle {
			continue
		}
		if handler != nil {
			handler(ev)
		}
	}
}

func (s *EventStream) close() {
	s.once.Do(func() {
		s.cancel()
		_ = s.conn.Close()
	})
}
