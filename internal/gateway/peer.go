package gateway

import (
	"sort"
	"sync"
	"time"

	"github.com/danmuck/ansgw/internal/protocol"
	"github.com/danmuck/ansgw/internal/transport"
)

// Peer is one registered client session. A peer may hold several admin
// connections plus the board channels opened under its id.
type Peer struct {
	id      protocol.PeerID
	created time.Time

	mu    sync.Mutex
	conns map[*transport.Connection]protocol.LinkType
}

func newPeer(id protocol.PeerID) *Peer {
	return &Peer{
		id:      id,
		created: time.Now(),
		conns:   make(map[*transport.Connection]protocol.LinkType),
	}
}

func (p *Peer) ID() protocol.PeerID {
	return p.id
}

func (p *Peer) attach(conn *transport.Connection, link protocol.LinkType) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conns[conn] = link
}

func (p *Peer) detach(conn *transport.Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.conns, conn)
}

// ConnectionCount reports live connections of any link type.
func (p *Peer) ConnectionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// AdminConnections reports live admin channels.
func (p *Peer) AdminConnections() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, link := range p.conns {
		if link == protocol.LinkAdmin {
			n++
		}
	}
	return n
}

func (p *Peer) closeAll() {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[*transport.Connection]protocol.LinkType)
	p.mu.Unlock()
	for conn := range conns {
		_ = conn.Close()
	}
}

func (p *Peer) snapshot() []ConnectionSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ConnectionSnapshot, 0, len(p.conns))
	for conn, link := range p.conns {
		out = append(out, ConnectionSnapshot{Link: link.String(), Remote: conn.RemoteEndpoint().String()})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Link != out[j].Link {
			return out[i].Link < out[j].Link
		}
		return out[i].Remote < out[j].Remote
	})
	return out
}
