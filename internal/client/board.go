package client

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/danmuck/ansgw/internal/protocol"
	"github.com/danmuck/ansgw/internal/protocol/frame"
	"github.com/danmuck/ansgw/internal/transport"
	"github.com/rs/zerolog"
)

// Board is one open board reached over its own board channel. Commands on a
// board serialize on the board's lock only.
type Board struct {
	peer   *Peer
	index  uint32
	handle uint32
	logger zerolog.Logger

	// conn is fixed at open; mu serializes exchanges on it.
	conn *transport.Connection
	mu   sync.Mutex
	txID atomic.Uint32

	streamsMu sync.Mutex
	streams   map[uint32]*EventStream
}

func (b *Board) Peer() *Peer    { return b.peer }
func (b *Board) Index() uint32  { return b.index }
func (b *Board) Handle() uint32 { return b.handle }

// OpenBoard connects a board channel under this peer's id and binds it to
// the board at index. The admin channel is connected first when needed.
func (p *Peer) OpenBoard(ctx context.Context, index uint32) (*Board, error) {
	if err := p.Connect(ctx); err != nil {
		return nil, err
	}
	conn, _, err := p.handshake(ctx, protocol.LinkBoard, p.PeerID())
	if err != nil {
		return nil, err
	}
	b := &Board{
		peer:    p,
		index:   index,
		conn:    conn,
		streams: make(map[uint32]*EventStream),
	}
	b.logger = p.logger.With().Uint32("index", index).Logger()

	out, err := b.call(ctx, protocol.FuncOpenBoard, u32Payload(index))
	if err == nil {
		b.handle, err = decodeU32(protocol.FuncOpenBoard, out)
	}
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	b.logger = b.logger.With().Uint32("handle", b.handle).Logger()
	p.trackBoard(b)
	b.logger.Info().Msg("board opened")
	return b, nil
}

// TransmitBoardCommand sends one command on the board channel and waits for
// its response. As with Peer.TransmitCommand the error covers transport
// failures only. A transport failure leaves the board unusable.
func (b *Board) TransmitBoardCommand(ctx context.Context, fn protocol.FunctionID, payload []byte) (frame.Response, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn.Closed() {
		return frame.Response{}, ErrNotConnected
	}
	resp, err := transact(ctx, b.conn, b.peer.cfg.Session, b.logger, frame.CommandHeader{
		TransactionID: b.txID.Add(1),
		ClientID:      b.peer.PeerID(),
		CommandType:   protocol.CommandBoard,
		FunctionID:    fn,
	}, payload)
	if err != nil {
		_ = b.conn.Close()
	}
	return resp, err
}

func (b *Board) call(ctx context.Context, fn protocol.FunctionID, payload []byte) ([]byte, error) {
	resp, err := b.TransmitBoardCommand(ctx, fn, payload)
	if err != nil {
		return nil, err
	}
	if resp.Status != protocol.StatusOK {
		return nil, &StatusError{Function: fn, Status: resp.Status}
	}
	return resp.Payload, nil
}

// Execute runs a device function and returns its output.
func (b *Board) Execute(ctx context.Context, fn protocol.FunctionID, payload []byte) ([]byte, error) {
	return b.call(ctx, fn, payload)
}

// Close asks the gateway to close the board and then drops the channel. The
// channel is dropped even if the exchange fails, and the gateway releases the
// board either way.
func (b *Board) Close(ctx context.Context) error {
	_, err := b.call(ctx, protocol.FuncCloseBoard, nil)
	b.disconnect()
	if err != nil {
		b.logger.Warn().Err(err).Msg("close board exchange failed")
	}
	return err
}

func (b *Board) disconnect() {
	b.streamsMu.Lock()
	streams := b.streams
	b.streams = make(map[uint32]*EventStream)
	b.streamsMu.Unlock()
	for _, s := range streams {
		s.close()
	}

	_ = b.conn.Close()
	b.peer.untrackBoard(b)
}
