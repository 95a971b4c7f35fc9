// Package sim is an in-memory device backend for tests, demos and hosts
// without attached hardware.
package sim

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/ansgw/internal/device"
	"github.com/danmuck/ansgw/internal/protocol"
	"github.com/rs/zerolog/log"
)

// HandleBase is added to a board index to form its device handle.
const HandleBase uint32 = 0x1000

// Functions understood by simulated boards.
const (
	FuncEcho       protocol.FunctionID = 0x0200
	FuncRaiseEvent protocol.FunctionID = 0x0201
	FuncFail       protocol.FunctionID = 0x0202
	FuncDelay      protocol.FunctionID = 0x0203
)

// Backend simulates a fixed number of boards. Each board can be open at
// most once at a time.
type Backend struct {
	mu    sync.Mutex
	count int
	open  map[uint32]*Board
}

var _ device.Backend = (*Backend)(nil)

func NewBackend(boards int) *Backend {
	if boards < 0 {
		boards = 0
	}
	return &Backend{
		count: boards,
		open:  make(map[uint32]*Board),
	}
}

func (b *Backend) BoardCount() int {
	return b.count
}

func (b *Backend) Open(index uint32) (device.Device, error) {
	if int64(index) >= int64(b.count) {
		return nil, fmt.Errorf("sim: index %d of %d: %w", index, b.count, device.ErrNoSuchBoard)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, busy := b.open[index]; busy {
		return nil, fmt.Errorf("sim: index %d: %w", index, device.ErrBoardInUse)
	}
	board := &Board{backend: b, index: index}
	b.open[index] = board
	log.Debug().Uint32("index", index).Uint32("handle", board.Handle()).Msg("sim board opened")
	return board, nil
}

// OpenCount reports how many boards are currently open.
func (b *Backend) OpenCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.open)
}

func (b *Backend) release(index uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.open, index)
}

// Board is one simulated board.
type Board struct {
	backend *Backend
	index   uint32

	mu     sync.Mutex
	sink   device.EventSink
	closed bool
}

func (d *Board) Handle() uint32 {
	return HandleBase + d.index
}

func (d *Board) SetEventSink(sink device.EventSink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sink = sink
}

// Execute implements the simulated function set. FuncDelay takes a big-endian
// u32 millisecond count and honors ctx.
func (d *Board) Execute(ctx context.Context, fn protocol.FunctionID, payload []byte) (protocol.Status, []byte, error) {
	d.mu.Lock()
	closed := d.closed
	sink := d.sink
	d.mu.Unlock()
	if closed {
		return protocol.StatusInvalidBoard, nil, device.ErrDeviceClosed
	}

	switch fn {
	case FuncEcho:
		out := make([]byte, len(payload))
		copy(out, payload)
		return protocol.StatusOK, out, nil
	case FuncRaiseEvent:
		if sink != nil {
			ev := make([]byte, len(payload))
			copy(ev, payload)
			sink(ev)
		}
		return protocol.StatusOK, nil, nil
	case FuncFail:
		return protocol.StatusDeviceError, nil, nil
	case FuncDelay:
		if len(payload) != 4 {
			return protocol.StatusInvalidPayload, nil, nil
		}
		timer := time.NewTimer(time.Duration(binary.BigEndian.Uint32(payload)) * time.Millisecond)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return protocol.StatusInternalError, nil, ctx.Err()
		case <-timer.C:
		}
		return protocol.StatusOK, payload, nil
	default:
		return protocol.StatusUnknownFunction, nil, nil
	}
}

// Close is idempotent and frees the board for the next Open.
func (d *Board) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.sink = nil
	d.mu.Unlock()
	d.backend.release(d.index)
	log.Debug().Uint32("handle", d.Handle()).Msg("sim board closed")
	return nil
}

// DelayPayload encodes a FuncDelay argument.
func DelayPayload(d time.Duration) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(d/time.Millisecond))
	return buf
}
