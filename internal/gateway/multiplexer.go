package gateway

import (
	"context"
	"fmt"

	"github.com/danmuck/ansgw/internal/observability"
	"github.com/danmuck/ansgw/internal/protocol"
	"github.com/danmuck/ansgw/internal/protocol/frame"
	"github.com/danmuck/ansgw/internal/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type muxState int

const (
	stateAwaitingLinkInit muxState = iota
	stateValidatingVersion
	stateClassifyingLink
	stateRegistering
	stateRunning
	stateTerminating
)

func (s muxState) String() string {
	switch s {
	case stateAwaitingLinkInit:
		return "awaiting_link_init"
	case stateValidatingVersion:
		return "validating_version"
	case stateClassifyingLink:
		return "classifying_link"
	case stateRegistering:
		return "registering"
	case stateRunning:
		return "running"
	default:
		return "terminating"
	}
}

// multiplexer drives one accepted connection through the handshake and into
// its worker loop.
type multiplexer struct {
	srv    *Server
	conn   *transport.Connection
	state  muxState
	init   frame.LinkInit
	ch     *Channel
	logger zerolog.Logger
}

// HandleConn runs the full lifecycle of one accepted connection and returns
// when it has been torn down. A nil error means the worker loop ended with a
// clean peer close.
func (s *Server) HandleConn(ctx context.Context, conn *transport.Connection) error {
	m := &multiplexer{
		srv:    s,
		conn:   conn,
		state:  stateAwaitingLinkInit,
		logger: log.With().Str("remote", conn.RemoteEndpoint().String()).Logger(),
	}
	return m.run(ctx)
}

func (m *multiplexer) run(ctx context.Context) error {
	defer m.terminate()
	cfg := m.srv.cfg.Session

	for {
		switch m.state {
		case stateAwaitingLinkInit:
			init, err := frame.ReadLinkInit(ctx, m.conn, cfg.HandshakeTimeout)
			if err != nil {
				observability.RecordConnectionRejected("link_init")
				m.logger.Debug().Err(err).Msg("link init read failed")
				return err
			}
			m.init = init
			m.logger = m.logger.With().
				Stringer("link", init.LinkType).
				Uint32("peer_id", uint32(init.PeerID)).
				Logger()
			m.advance(stateValidatingVersion)

		case stateValidatingVersion:
			v := m.init.Version
			if v.Major != protocol.VersionMajor {
				m.reject(ctx, protocol.StatusIncompatibleProtVer)
				return fmt.Errorf("gateway: client version %s: %w", v, protocol.ErrUnsupportedVersion)
			}
			if v.Minor > protocol.VersionMinor {
				m.logger.Warn().
					Stringer("client_version", v).
					Stringer("server_version", protocol.CurrentVersion()).
					Msg("client minor version newer than server; newer capabilities unavailable")
			}
			m.advance(stateClassifyingLink)

		case stateClassifyingLink:
			peer, status, err := m.classify()
			if status != protocol.StatusOK {
				m.reject(ctx, status)
				return err
			}
			m.ch = newChannel(m.srv, m.conn, m.init.LinkType, peer)
			m.advance(stateRegistering)

		case stateRegistering:
			m.ch.peer.attach(m.conn, m.ch.link)
			err := frame.SendLinkResponse(
				ctx,
				m.conn,
				cfg.WriteTimeout,
				m.ch.link,
				m.ch.peer.ID(),
				protocol.StatusOK,
				m.srv.BoardCount(),
			)
			if err != nil {
				m.logger.Warn().Err(err).Msg("link response send failed")
				return err
			}
			observability.RecordHandshake(m.ch.link.String(), protocol.StatusOK.String())
			m.ch.logger.Info().Msg("link established")
			m.advance(stateRunning)

		case stateRunning:
			observability.ConnectionOpened(m.ch.link.String())
			defer observability.ConnectionClosed(m.ch.link.String())
			return m.ch.serve(ctx)

		default:
			return nil
		}
	}
}

func (m *multiplexer) advance(next muxState) {
	m.logger.Trace().Stringer("from", m.state).Stringer("to", next).Msg("multiplexer state")
	m.state = next
}

// classify resolves the peer a handshake refers to, retaining it on success.
func (m *multiplexer) classify() (*Peer, protocol.Status, error) {
	peers := m.srv.peers
	switch m.init.LinkType {
	case protocol.LinkAdmin:
		if !m.init.PeerID.Known() {
			p, err := peers.Create()
			if err != nil {
				m.logger.Error().Err(err).Msg("peer registration failed")
				return nil, protocol.StatusInternalError, err
			}
			return p, protocol.StatusOK, nil
		}
		if p, ok := peers.Acquire(m.init.PeerID); ok {
			return p, protocol.StatusOK, nil
		}
	case protocol.LinkBoard:
		if p, ok := peers.Acquire(m.init.PeerID); ok {
			return p, protocol.StatusOK, nil
		}
	default:
		return nil, protocol.StatusInvalidLinkType, fmt.Errorf("gateway: link type %d: %w", uint32(m.init.LinkType), protocol.ErrInvalidLinkType)
	}
	return nil, protocol.StatusInvalidPeerID, fmt.Errorf("gateway: peer %d: %w", uint32(m.init.PeerID), protocol.ErrInvalidPeerID)
}

// reject sends the most specific status the connection still accepts. The
// caller returns right after, so terminate closes the connection.
func (m *multiplexer) reject(ctx context.Context, status protocol.Status) {
	observability.RecordHandshake(m.init.LinkType.String(), status.String())
	m.logger.Warn().Stringer("status", status).Stringer("client_version", m.init.Version).Msg("link rejected")
	err := frame.SendLinkResponse(ctx, m.conn, m.srv.cfg.Session.WriteTimeout, m.init.LinkType, m.init.PeerID, status, 0)
	if err != nil {
		m.logger.Debug().Err(err).Msg("reject send failed")
	}
}

// terminate runs exactly once per connection.
func (m *multiplexer) terminate() {
	m.advance(stateTerminating)
	_ = m.conn.Close()
	if m.ch == nil {
		return
	}
	if m.ch.board != nil {
		m.srv.boards.Release(m.ch.board)
		m.ch.board = nil
	}
	m.ch.peer.detach(m.conn)
	if m.srv.peers.Release(m.ch.peer) {
		m.ch.logger.Info().Msg("peer released")
	}
	m.ch.logger.Debug().Msg("connection terminated")
}
