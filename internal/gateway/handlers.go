package gateway

import (
	"context"
	"encoding/binary"

	"github.com/danmuck/ansgw/internal/device"
	"github.com/danmuck/ansgw/internal/protocol"
	"github.com/danmuck/ansgw/internal/protocol/frame"
	"github.com/danmuck/ansgw/internal/protocol/schema"
)

func registerBuiltins(s *Server) {
	s.admin.Register(protocol.FuncGetNumBoards, handleGetNumBoards)
	s.admin.Register(protocol.FuncGetServerInfo, handleGetServerInfo)
	s.admin.Register(protocol.FuncGetPeerInfo, handleGetPeerInfo)

	s.board.Register(protocol.FuncGetNumBoards, handleGetNumBoards)
	s.board.Register(protocol.FuncOpenBoard, handleOpenBoard)
	s.board.Register(protocol.FuncCloseBoard, handleCloseBoard)
	s.board.Register(protocol.FuncOpenEventStream, handleOpenEventStream)
	s.board.Register(protocol.FuncCloseEventStream, handleCloseEventStream)
	s.board.SetFallback(handleDeviceCommand)
}

func respond(status protocol.Status, payload []byte) *frame.Response {
	return &frame.Response{Status: status, Payload: payload}
}

func u32Payload(v uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	return buf
}

func handleGetNumBoards(_ context.Context, ch *Channel, _ frame.Command) *frame.Response {
	return respond(protocol.StatusOK, u32Payload(ch.srv.BoardCount()))
}

func handleGetServerInfo(_ context.Context, ch *Channel, _ frame.Command) *frame.Response {
	return respond(protocol.StatusOK, schema.EncodeServerInfo(ch.srv.ServerInfo()))
}

func handleGetPeerInfo(_ context.Context, ch *Channel, _ frame.Command) *frame.Response {
	return respond(protocol.StatusOK, schema.EncodePeerInfo(schema.PeerInfo{
		PeerID:      ch.peer.ID(),
		Connections: uint32(ch.peer.ConnectionCount()),
	}))
}

// handleOpenBoard binds a device to this board channel. Payload: index u32.
func handleOpenBoard(_ context.Context, ch *Channel, cmd frame.Command) *frame.Response {
	if len(cmd.Payload) != 4 {
		return respond(protocol.StatusInvalidPayload, nil)
	}
	if ch.board != nil {
		return respond(protocol.StatusBoardBusy, nil)
	}
	if ch.srv.backend == nil {
		return respond(protocol.StatusInvalidBoard, nil)
	}
	index := binary.BigEndian.Uint32(cmd.Payload)
	dev, err := ch.srv.backend.Open(index)
	if err != nil {
		ch.logger.Warn().Err(err).Uint32("index", index).Msg("board open failed")
		return respond(device.StatusFor(err), nil)
	}
	b, err := ch.srv.boards.Create(dev, ch.peer.ID(), ch.conn, ch.srv.cfg.Session)
	if err != nil {
		ch.logger.Warn().Err(err).Uint32("handle", dev.Handle()).Msg("board registration failed")
		_ = dev.Close()
		return respond(protocol.StatusBoardBusy, nil)
	}
	dev.SetEventSink(func(payload []byte) {
		b.Publish(context.Background(), payload)
	})
	ch.board = b
	ch.logger = ch.logger.With().Uint32("handle", b.Handle()).Logger()
	ch.logger.Info().Uint32("index", index).Msg("board opened")
	return respond(protocol.StatusOK, u32Payload(b.Handle()))
}

func handleCloseBoard(_ context.Context, ch *Channel, _ frame.Command) *frame.Response {
	if ch.board == nil {
		return respond(protocol.StatusInvalidBoard, nil)
	}
	ch.srv.boards.Release(ch.board)
	ch.board = nil
	ch.logger.Info().Msg("board closed")
	return respond(protocol.StatusOK, nil)
}

// handleOpenEventStream answers with the observer handle and the port the
// client must connect to, little-endian per the event stream contract.
func handleOpenEventStream(_ context.Context, ch *Channel, _ frame.Command) *frame.Response {
	if ch.board == nil {
		return respond(protocol.StatusInvalidBoard, nil)
	}
	handle, port, err := ch.board.OpenObserver(ch.conn.LocalEndpoint().IP)
	if err != nil {
		ch.logger.Error().Err(err).Msg("event stream open failed")
		return nil
	}
	return respond(protocol.StatusOK, frame.EncodeEventStreamInfo(frame.EventStreamInfo{
		ObserverHandle: handle,
		Port:           port,
	}))
}

func handleCloseEventStream(_ context.Context, ch *Channel, cmd frame.Command) *frame.Response {
	if ch.board == nil {
		return respond(protocol.StatusInvalidBoard, nil)
	}
	if len(cmd.Payload) != 4 {
		return respond(protocol.StatusInvalidPayload, nil)
	}
	if !ch.board.CloseObserver(binary.BigEndian.Uint32(cmd.Payload)) {
		return respond(protocol.StatusInvalidObserver, nil)
	}
	return respond(protocol.StatusOK, nil)
}

// handleDeviceCommand forwards everything the gateway does not handle itself
// to the bound device.
func handleDeviceCommand(ctx context.Context, ch *Channel, cmd frame.Command) *frame.Response {
	if ch.board == nil {
		return respond(protocol.StatusInvalidBoard, nil)
	}
	status, out, err := ch.board.Device().Execute(ctx, cmd.Header.FunctionID, cmd.Payload)
	if err != nil {
		ch.logger.Error().Err(err).Stringer("function", cmd.Header.FunctionID).Msg("device execute failed")
		return nil
	}
	return respond(status, out)
}
