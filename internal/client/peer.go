package client

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/ansgw/internal/protocol"
	"github.com/danmuck/ansgw/internal/protocol/frame"
	"github.com/danmuck/ansgw/internal/protocol/schema"
	"github.com/danmuck/ansgw/internal/protocol/session"
	"github.com/danmuck/ansgw/internal/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Peer is one gateway as seen from the client. It owns the admin channel and
// the peer id the gateway assigned to it.
type Peer struct {
	address string
	port    uint16
	cfg     Config
	logger  zerolog.Logger

	// mu serializes the admin channel.
	mu         sync.Mutex
	conn       *transport.Connection
	boardCount uint32
	closed     bool

	peerID atomic.Uint32
	txID   atomic.Uint32
	shut   atomic.Bool

	boardsMu sync.Mutex
	boards   map[uint32]*Board
}

func newPeer(address string, port uint16, cfg Config) *Peer {
	p := &Peer{
		address: address,
		port:    port,
		cfg:     cfg,
		logger:  log.With().Str("gateway", peerKey(address, port)).Logger(),
		boards:  make(map[uint32]*Board),
	}
	p.peerID.Store(uint32(protocol.PeerIDUnknown))
	return p
}

func (p *Peer) Address() string { return p.address }
func (p *Peer) Port() uint16    { return p.port }

// PeerID is PeerIDUnknown until the first successful admin handshake.
func (p *Peer) PeerID() protocol.PeerID {
	return protocol.PeerID(p.peerID.Load())
}

func (p *Peer) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn != nil && !p.conn.Closed()
}

// isClosed does not take mu, which an in-flight command holds.
func (p *Peer) isClosed() bool {
	return p.shut.Load()
}

// BoardCount is the count reported by the last admin handshake.
func (p *Peer) BoardCount() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.boardCount
}

// Connect opens the admin channel. It is a no-op while connected. A known
// peer id the gateway no longer recognizes is dropped and the handshake
// retried once as a new peer.
func (p *Peer) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connectLocked(ctx)
}

func (p *Peer) connectLocked(ctx context.Context) error {
	if p.closed {
		return ErrClosed
	}
	if p.conn != nil && !p.conn.Closed() {
		return nil
	}
	p.conn = nil

	conn, resp, err := p.handshake(ctx, protocol.LinkAdmin, p.PeerID())
	var le *LinkError
	if errors.As(err, &le) && le.Status == protocol.StatusInvalidPeerID && p.PeerID().Known() {
		p.logger.Warn().Uint32("peer_id", uint32(p.PeerID())).Msg("gateway forgot peer id, registering again")
		p.peerID.Store(uint32(protocol.PeerIDUnknown))
		conn, resp, err = p.handshake(ctx, protocol.LinkAdmin, protocol.PeerIDUnknown)
	}
	if err != nil {
		return err
	}
	p.conn = conn
	p.boardCount = resp.BoardCount
	p.peerID.Store(uint32(resp.PeerID))
	p.logger.Info().
		Uint32("peer_id", uint32(resp.PeerID)).
		Uint32("boards", resp.BoardCount).
		Stringer("version", resp.Version).
		Msg("admin channel connected")
	return nil
}

// ConnectWithRetry retries Connect with backoff until it succeeds, the
// gateway rejects the handshake, ctx ends, or attempts run out. attempts <= 0
// retries until ctx ends.
func (p *Peer) ConnectWithRetry(ctx context.Context, attempts int) error {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for attempt := 1; ; attempt++ {
		err := p.Connect(ctx)
		if err == nil {
			return nil
		}
		if !shouldRetry(err) {
			return err
		}
		if attempts > 0 && attempt >= attempts {
			return fmt.Errorf("client: connect failed after %d attempts: %w", attempt, err)
		}
		p.logger.Debug().Err(err).Int("attempt", attempt).Msg("connect failed, backing off")
		if err := session.SleepBackoff(ctx, p.cfg.Session.Backoff, attempt, rng); err != nil {
			return err
		}
	}
}

func shouldRetry(err error) bool {
	var le *LinkError
	if errors.As(err, &le) {
		return false
	}
	if errors.Is(err, ErrClosed) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// handshake dials the gateway and performs one link handshake. The
// connection is closed on any failure.
func (p *Peer) handshake(
	ctx context.Context,
	link protocol.LinkType,
	peerID protocol.PeerID,
) (*transport.Connection, frame.LinkResponse, error) {
	s := p.cfg.Session
	conn, err := transport.Dial(ctx, p.address, p.port, s.ConnectTimeout)
	if err != nil {
		return nil, frame.LinkResponse{}, err
	}
	if err := frame.WriteLinkInit(ctx, conn, s.HandshakeTimeout, link, p.cfg.Version, peerID); err != nil {
		_ = conn.Close()
		return nil, frame.LinkResponse{}, err
	}
	resp, err := frame.ReadLinkResponse(ctx, conn, s.HandshakeTimeout)
	if err != nil {
		_ = conn.Close()
		return nil, frame.LinkResponse{}, err
	}
	if resp.Status != protocol.StatusOK {
		_ = conn.Close()
		return nil, resp, &LinkError{Link: link, Status: resp.Status}
	}
	return conn, resp, nil
}

// TransmitCommand sends one admin command and waits for its response,
// connecting first if needed. A transport failure drops the admin channel so
// the next call reconnects. The returned error covers transport failures only;
// the response status is the caller's to inspect.
func (p *Peer) TransmitCommand(ctx context.Context, fn protocol.FunctionID, payload []byte) (frame.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.connectLocked(ctx); err != nil {
		return frame.Response{}, err
	}
	resp, err := transact(ctx, p.conn, p.cfg.Session, p.logger, frame.CommandHeader{
		TransactionID: p.txID.Add(1),
		ClientID:      p.PeerID(),
		CommandType:   protocol.CommandAdmin,
		FunctionID:    fn,
	}, payload)
	if err != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
	return resp, err
}

// transact writes one command and reads responses until one carries the same
// transaction id. Stale responses from abandoned transactions are discarded.
func transact(
	ctx context.Context,
	conn *transport.Connection,
	s session.Config,
	logger zerolog.Logger,
	h frame.CommandHeader,
	payload []byte,
) (frame.Response, error) {
	if err := frame.WriteCommand(ctx, conn, s.WriteTimeout, frame.Command{Header: h, Payload: payload}); err != nil {
		return frame.Response{}, err
	}
	for {
		rh, resp, err := frame.ReadResponse(ctx, conn, s.ReadTimeout)
		if err != nil {
			return frame.Response{}, err
		}
		if rh.TransactionID != h.TransactionID {
			logger.Debug().
				Uint32("want", h.TransactionID).
				Uint32("got", rh.TransactionID).
				Msg("discarding stale response")
			continue
		}
		return resp, nil
	}
}

// call is TransmitCommand with a non-OK status turned into a StatusError.
func (p *Peer) call(ctx context.Context, fn protocol.FunctionID, payload []byte) ([]byte, error) {
	resp, err := p.TransmitCommand(ctx, fn, payload)
	if err != nil {
		return nil, err
	}
	if resp.Status != protocol.StatusOK {
		return nil, &StatusError{Function: fn, Status: resp.Status}
	}
	return resp.Payload, nil
}

func (p *Peer) GetNumBoards(ctx context.Context) (uint32, error) {
	out, err := p.call(ctx, protocol.FuncGetNumBoards, nil)
	if err != nil {
		return 0, err
	}
	return decodeU32(protocol.FuncGetNumBoards, out)
}

func (p *Peer) GetServerInfo(ctx context.Context) (schema.ServerInfo, error) {
	out, err := p.call(ctx, protocol.FuncGetServerInfo, nil)
	if err != nil {
		return schema.ServerInfo{}, err
	}
	return schema.DecodeServerInfo(out)
}

func (p *Peer) GetPeerInfo(ctx context.Context) (schema.PeerInfo, error) {
	out, err := p.call(ctx, protocol.FuncGetPeerInfo, nil)
	if err != nil {
		return schema.PeerInfo{}, err
	}
	return schema.DecodePeerInfo(out)
}

func decodeU32(fn protocol.FunctionID, b []byte) (uint32, error) {
	if len(b) != 4 {
		return 0, fmt.Errorf("client: %s payload length %d: %w", fn, len(b), protocol.ErrInvalidLength)
	}
	return binary.BigEndian.Uint32(b), nil
}

func u32Payload(v uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	return buf
}

// Boards lists the boards currently open through this peer.
func (p *Peer) Boards() []*Board {
	p.boardsMu.Lock()
	defer p.boardsMu.Unlock()
	out := make([]*Board, 0, len(p.boards))
	for _, b := range p.boards {
		out = append(out, b)
	}
	return out
}

func (p *Peer) trackBoard(b *Board) {
	p.boardsMu.Lock()
	defer p.boardsMu.Unlock()
	p.boards[b.handle] = b
}

func (p *Peer) untrackBoard(b *Board) {
	p.boardsMu.Lock()
	defer p.boardsMu.Unlock()
	if p.boards[b.handle] == b {
		delete(p.boards, b.handle)
	}
}

// Close drops every board channel and the admin channel without further
// exchanges. The gateway treats the dropped channels as closed boards.
func (p *Peer) Close() error {
	p.shut.Store(true)
	for _, b := range p.Boards() {
		b.disconnect()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
	p.logger.Debug().Msg("peer closed")
	return nil
}
