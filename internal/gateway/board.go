package gateway

import (
	"sync"

	"github.com/danmuck/ansgw/internal/device"
	"github.com/danmuck/ansgw/internal/protocol"
	"github.com/danmuck/ansgw/internal/protocol/session"
	"github.com/danmuck/ansgw/internal/transport"
	"github.com/rs/zerolog/log"
)

// Board is one remotely opened device plus the board channel bound to it and
// its event observers.
type Board struct {
	dev   device.Device
	owner protocol.PeerID
	cfg   session.Config

	mu           sync.Mutex
	command      *transport.Connection
	observers    map[uint32]*observer
	nextObserver uint32
	closed       bool
}

func newBoard(dev device.Device, owner protocol.PeerID, conn *transport.Connection, cfg session.Config) *Board {
	return &Board{
		dev:          dev,
		owner:        owner,
		cfg:          cfg.WithDefaults(),
		command:      conn,
		observers:    make(map[uint32]*observer),
		nextObserver: 1,
	}
}

func (b *Board) Handle() uint32 {
	return b.dev.Handle()
}

func (b *Board) Owner() protocol.PeerID {
	return b.owner
}

func (b *Board) Device() device.Device {
	return b.dev
}

// ObserverCount reports registered observers, including ones still waiting
// for their connection.
func (b *Board) ObserverCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.observers)
}

// teardown runs under the board registry lock once the last external
// reference is released.
func (b *Board) teardown() {
	b.mu.Lock()
	b.closed = true
	b.command = nil
	observers := b.observers
	b.observers = make(map[uint32]*observer)
	b.mu.Unlock()

	for _, obs := range observers {
		obs.close()
	}
	b.dev.SetEventSink(nil)
	if err := b.dev.Close(); err != nil {
		log.Warn().Err(err).Uint32("handle", b.Handle()).Msg("board device close failed")
	}
	log.Debug().Uint32("handle", b.Handle()).Uint32("owner", uint32(b.owner)).Msg("board torn down")
}

func (b *Board) snapshot(refs int) BoardSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := BoardSnapshot{
		Handle:    b.dev.Handle(),
		Owner:     b.owner,
		Refs:      refs,
		Observers: len(b.observers),
	}
	if b.command != nil {
		out.Remote = b.command.RemoteEndpoint().String()
	}
	return out
}
