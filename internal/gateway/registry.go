package gateway

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/ansgw/internal/device"
	"github.com/danmuck/ansgw/internal/observability"
	"github.com/danmuck/ansgw/internal/protocol"
	"github.com/danmuck/ansgw/internal/protocol/session"
	"github.com/danmuck/ansgw/internal/transport"
)

// registryBaseline is the count held by registry membership alone.
const registryBaseline = 1

type refEntry[V any] struct {
	value V
	refs  int
}

// refRegistry is a lock-guarded keyed collection of refcounted values.
// Every count change, insert and unlink happens under mu, and teardown runs
// inside the same critical section as the unlink.
type refRegistry[K comparable, V any] struct {
	mu       sync.Mutex
	entries  map[K]*refEntry[V]
	teardown func(V)
	changed  func(int)
}

func newRefRegistry[K comparable, V any](teardown func(V), changed func(int)) *refRegistry[K, V] {
	return &refRegistry[K, V]{
		entries:  make(map[K]*refEntry[V]),
		teardown: teardown,
		changed:  changed,
	}
}

func (r *refRegistry[K, V]) lookupAndRetain(key K) (V, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	e.refs++
	return e.value, true
}

// createAndInsert runs alloc under the lock so key allocation and insertion
// are atomic. The new entry starts at baseline+1: the caller holds a
// reference.
func (r *refRegistry[K, V]) createAndInsert(alloc func() (K, V, error)) (V, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, value, err := alloc()
	if err != nil {
		var zero V
		return zero, err
	}
	if _, exists := r.entries[key]; exists {
		var zero V
		return zero, fmt.Errorf("gateway: key %v already registered: %w", key, protocol.ErrRegistration)
	}
	r.entries[key] = &refEntry[V]{value: value, refs: registryBaseline + 1}
	r.notify()
	return value, nil
}

// release drops one reference and reports whether the entry was removed.
func (r *refRegistry[K, V]) release(key K) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return false
	}
	e.refs--
	if e.refs > registryBaseline {
		return false
	}
	delete(r.entries, key)
	if r.teardown != nil {
		r.teardown(e.value)
	}
	r.notify()
	return true
}

func (r *refRegistry[K, V]) refs(key K) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		return e.refs
	}
	return 0
}

func (r *refRegistry[K, V]) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *refRegistry[K, V]) each(fn func(V, int)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		fn(e.value, e.refs)
	}
}

func (r *refRegistry[K, V]) notify() {
	if r.changed != nil {
		r.changed(len(r.entries))
	}
}

// PeerRegistry holds every live peer. Ids come from a counter starting at 1
// and are never reused within the process.
type PeerRegistry struct {
	reg    *refRegistry[protocol.PeerID, *Peer]
	nextID protocol.PeerID
}

func NewPeerRegistry() *PeerRegistry {
	return &PeerRegistry{
		reg:    newRefRegistry[protocol.PeerID, *Peer]((*Peer).closeAll, observability.SetPeersActive),
		nextID: 1,
	}
}

// Create registers a fresh peer and returns it retained by the caller.
func (r *PeerRegistry) Create() (*Peer, error) {
	return r.reg.createAndInsert(func() (protocol.PeerID, *Peer, error) {
		if !r.nextID.Known() {
			return 0, nil, fmt.Errorf("gateway: peer ids exhausted: %w", protocol.ErrRegistration)
		}
		id := r.nextID
		r.nextID++
		return id, newPeer(id), nil
	})
}

// Acquire retains an existing peer.
func (r *PeerRegistry) Acquire(id protocol.PeerID) (*Peer, bool) {
	if !id.Known() {
		return nil, false
	}
	return r.reg.lookupAndRetain(id)
}

// Release drops one reference. The peer is unlinked and its remaining
// connections closed when only the registry reference is left.
func (r *PeerRegistry) Release(p *Peer) bool {
	if p == nil {
		return false
	}
	return r.reg.release(p.ID())
}

func (r *PeerRegistry) Len() int {
	return r.reg.len()
}

// Refs reports the current count for id, or 0 when it is not registered.
func (r *PeerRegistry) Refs(id protocol.PeerID) int {
	return r.reg.refs(id)
}

type PeerSnapshot struct {
	ID          protocol.PeerID      `json:"id"`
	Refs        int                  `json:"refs"`
	Since       time.Time            `json:"since"`
	Connections []ConnectionSnapshot `json:"connections"`
}

type ConnectionSnapshot struct {
	Link   string `json:"link"`
	Remote string `json:"remote"`
}

func (r *PeerRegistry) Snapshot() []PeerSnapshot {
	out := make([]PeerSnapshot, 0, r.Len())
	r.reg.each(func(p *Peer, refs int) {
		out = append(out, PeerSnapshot{ID: p.ID(), Refs: refs, Since: p.created, Connections: p.snapshot()})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// BoardRegistry holds every open board keyed by device handle.
type BoardRegistry struct {
	reg *refRegistry[uint32, *Board]
}

func NewBoardRegistry() *BoardRegistry {
	return &BoardRegistry{
		reg: newRefRegistry[uint32, *Board]((*Board).teardown, observability.SetBoardsActive),
	}
}

// Create registers an opened device bound to the board channel conn.
func (r *BoardRegistry) Create(
	dev device.Device,
	owner protocol.PeerID,
	conn *transport.Connection,
	cfg session.Config,
) (*Board, error) {
	return r.reg.createAndInsert(func() (uint32, *Board, error) {
		b := newBoard(dev, owner, conn, cfg)
		return b.Handle(), b, nil
	})
}

// Acquire retains a board for a holder other than its command channel, such
// as a status lookup. The holder must Release it; if the channel closed the
// board meanwhile, that Release is the one that tears it down.
func (r *BoardRegistry) Acquire(handle uint32) (*Board, bool) {
	return r.reg.lookupAndRetain(handle)
}

// Lookup snapshots one board while holding a reference to it. Refs excludes
// the lookup's own reference.
func (r *BoardRegistry) Lookup(handle uint32) (BoardSnapshot, bool) {
	b, ok := r.Acquire(handle)
	if !ok {
		return BoardSnapshot{}, false
	}
	defer r.Release(b)
	return b.snapshot(r.Refs(handle) - 1), true
}

// Release drops one reference. The last external release closes the
// board's observers and its device.
func (r *BoardRegistry) Release(b *Board) bool {
	if b == nil {
		return false
	}
	return r.reg.release(b.Handle())
}

func (r *BoardRegistry) Len() int {
	return r.reg.len()
}

func (r *BoardRegistry) Refs(handle uint32) int {
	return r.reg.refs(handle)
}

type BoardSnapshot struct {
	Handle    uint32          `json:"handle"`
	Owner     protocol.PeerID `json:"owner"`
	Refs      int             `json:"refs"`
	Remote    string          `json:"remote"`
	Observers int             `json:"observers"`
}

func (r *BoardRegistry) Snapshot() []BoardSnapshot {
	out := make([]BoardSnapshot, 0, r.Len())
	r.reg.each(func(b *Board, refs int) {
		out = append(out, b.snapshot(refs))
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out
}
