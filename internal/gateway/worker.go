package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/ansgw/internal/observability"
	"github.com/danmuck/ansgw/internal/protocol"
	"github.com/danmuck/ansgw/internal/protocol/frame"
	"github.com/danmuck/ansgw/internal/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Handler serves one function on a channel. Returning nil signals an
// internal failure: the worker answers InternalError and ends the channel.
type Handler func(ctx context.Context, ch *Channel, cmd frame.Command) *frame.Response

// Channel is a connection after a successful handshake.
type Channel struct {
	srv    *Server
	conn   *transport.Connection
	link   protocol.LinkType
	peer   *Peer
	board  *Board
	logger zerolog.Logger
}

func newChannel(srv *Server, conn *transport.Connection, link protocol.LinkType, peer *Peer) *Channel {
	return &Channel{
		srv:  srv,
		conn: conn,
		link: link,
		peer: peer,
		logger: log.With().
			Str("remote", conn.RemoteEndpoint().String()).
			Stringer("link", link).
			Uint32("peer_id", uint32(peer.ID())).
			Logger(),
	}
}

func (c *Channel) Server() *Server { return c.srv }
func (c *Channel) Conn() *transport.Connection { return c.conn }
func (c *Channel) Link() protocol.LinkType { return c.link }
func (c *Channel) Peer() *Peer { return c.peer }
func (c *Channel) Logger() *zerolog.Logger { return &c.logger }

// Board is the board bound by OpenBoard, or nil.
func (c *Channel) Board() *Board { return c.board }

// serve is the admin/board worker loop. A peer close between frames ends it
// with nil; every other exit is an error.
func (c *Channel) serve(ctx context.Context) error {
	cfg := c.srv.cfg.Session
	table := c.srv.tableFor(c.link)
	want := protocol.CommandTypeFor(c.link)

	for {
		cmd, err := frame.ReadCommand(ctx, c.conn, cfg.IdleTimeout)
		if err != nil {
			if errors.Is(err, transport.ErrPeerClosed) && !errors.Is(err, protocol.ErrTruncated) {
				c.logger.Info().Msg("peer closed channel")
				return nil
			}
			c.logger.Warn().Err(err).Msg("command read failed")
			return err
		}
		h := cmd.Header
		if h.CommandType != want {
			c.logger.Warn().Uint32("command_type", uint32(h.CommandType)).Msg("command type does not match channel")
			return fmt.Errorf("gateway: command type %d on %s channel: %w", uint32(h.CommandType), c.link, protocol.ErrUnexpectedCommandType)
		}

		handler, ok := table.Lookup(h.FunctionID)
		if !ok {
			c.logger.Warn().Stringer("function", h.FunctionID).Msg("no handler registered")
			c.reply(ctx, h, &frame.Response{Status: protocol.StatusUnknownFunction}, 0)
			return fmt.Errorf("gateway: function %s: %w", h.FunctionID, protocol.ErrNoHandler)
		}

		start := time.Now()
		resp := handler(ctx, c, cmd)
		if resp == nil {
			c.logger.Error().Stringer("function", h.FunctionID).Msg("handler failed")
			c.reply(ctx, h, &frame.Response{Status: protocol.StatusInternalError}, time.Since(start))
			return fmt.Errorf("gateway: function %s: %w", h.FunctionID, protocol.ErrHandlerFailed)
		}
		if err := c.reply(ctx, h, resp, time.Since(start)); err != nil {
			c.logger.Warn().Err(err).Stringer("function", h.FunctionID).Msg("response send failed")
			return err
		}
	}
}

func (c *Channel) reply(ctx context.Context, req frame.CommandHeader, resp *frame.Response, elapsed time.Duration) error {
	resp.FunctionID = req.FunctionID
	observability.RecordCommand(c.link.String(), req.FunctionID.String(), resp.Status.String(), elapsed)
	c.logger.Debug().
		Uint32("txid", req.TransactionID).
		Stringer("function", req.FunctionID).
		Stringer("status", resp.Status).
		Int("payload", len(resp.Payload)).
		Msg("command served")
	return frame.WriteResponse(ctx, c.conn, c.srv.cfg.Session.WriteTimeout, req, *resp)
}
