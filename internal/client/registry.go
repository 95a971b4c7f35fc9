package client

import (
	"net"
	"strconv"
	"strings"
	"sync"
)

const registryBaseline = 1

type peerEntry struct {
	peer *Peer
	refs int
}

// Registry holds one Peer per distinct gateway address and port, with the
// same baseline-of-one reference counting the gateway uses.
type Registry struct {
	cfg Config

	mu    sync.Mutex
	peers map[string]*peerEntry
}

func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:   cfg.withDefaults(),
		peers: make(map[string]*peerEntry),
	}
}

func peerKey(address string, port uint16) string {
	return net.JoinHostPort(address, strconv.Itoa(int(port)))
}

// Acquire returns the peer for address:port, creating it on first use or
// when the linked peer was already closed. The caller owns one reference and
// must Release it.
func (r *Registry) Acquire(address string, port uint16) (*Peer, error) {
	address = strings.TrimSpace(address)
	if address == "" || port == 0 {
		return nil, ErrAddressRequired
	}
	key := peerKey(address, port)

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.peers[key]; ok {
		if !e.peer.isClosed() {
			e.refs++
			return e.peer, nil
		}
		// Closed outside Release; the entry is dead and is replaced.
		delete(r.peers, key)
	}
	p := newPeer(address, port, r.cfg)
	r.peers[key] = &peerEntry{peer: p, refs: registryBaseline + 1}
	return p, nil
}

// Release drops one reference. The last one unlinks the peer and closes its
// channels.
func (r *Registry) Release(p *Peer) bool {
	if p == nil {
		return false
	}
	key := peerKey(p.address, p.port)

	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.peers[key]
	if !ok || e.peer != p {
		return false
	}
	e.refs--
	if e.refs > registryBaseline {
		return false
	}
	delete(r.peers, key)
	_ = p.Close()
	return true
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

func (r *Registry) Refs(address string, port uint16) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.peers[peerKey(address, port)]; ok {
		return e.refs
	}
	return 0
}
