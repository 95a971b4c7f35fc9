package frame

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/danmuck/ansgw/internal/protocol"
)

const (
	EventHeaderLen     = 16
	EventStreamInfoLen = 8
	MaxEventPayload    = 64 * 1024
)

// Event is one asynchronous notification pushed on an observer connection.
type Event struct {
	ObserverHandle uint32
	Sequence       uint32
	Payload        []byte
}

func EncodeEvent(e Event) ([]byte, error) {
	if len(e.Payload) > MaxEventPayload {
		return nil, fmt.Errorf("frame: event payload %d: %w", len(e.Payload), protocol.ErrFrameTooLarge)
	}
	buf := make([]byte, EventHeaderLen+len(e.Payload))
	binary.BigEndian.PutUint32(buf[0:4], protocol.Magic)
	binary.BigEndian.PutUint32(buf[4:8], e.ObserverHandle)
	binary.BigEndian.PutUint32(buf[8:12], e.Sequence)
	binary.BigEndian.PutUint32(buf[12:16], uint32(len(e.Payload)))
	copy(buf[EventHeaderLen:], e.Payload)
	return buf, nil
}

func ReadEvent(ctx context.Context, s Stream, timeout time.Duration) (Event, error) {
	hb, err := s.Receive(ctx, EventHeaderLen, timeout)
	if err != nil {
		return Event{}, err
	}
	if magic := binary.BigEndian.Uint32(hb[0:4]); magic != protocol.Magic {
		return Event{}, fmt.Errorf("frame: event magic 0x%08x: %w", magic, protocol.ErrInvalidMagic)
	}
	e := Event{
		ObserverHandle: binary.BigEndian.Uint32(hb[4:8]),
		Sequence:       binary.BigEndian.Uint32(hb[8:12]),
	}
	n := binary.BigEndian.Uint32(hb[12:16])
	if n > MaxEventPayload {
		return Event{}, fmt.Errorf("frame: event payload %d: %w", n, protocol.ErrFrameTooLarge)
	}
	if n > 0 {
		e.Payload, err = s.Receive(ctx, int(n), timeout)
		if err != nil {
			return Event{}, err
		}
	}
	return e, nil
}

// EventStreamInfo is the OpenEventStream response payload. The port travels
// little-endian while the handle uses the frame byte order.
type EventStreamInfo struct {
	ObserverHandle uint32
	Port           uint16
}

func EncodeEventStreamInfo(info EventStreamInfo) []byte {
	buf := make([]byte, EventStreamInfoLen)
	binary.BigEndian.PutUint32(buf[0:4], info.ObserverHandle)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(info.Port))
	return buf
}

func DecodeEventStreamInfo(b []byte) (EventStreamInfo, error) {
	if len(b) != EventStreamInfoLen {
		return EventStreamInfo{}, fmt.Errorf("frame: event stream info length %d: %w", len(b), protocol.ErrInvalidLength)
	}
	port := binary.LittleEndian.Uint32(b[4:8])
	if port == 0 || port > 0xFFFF {
		return EventStreamInfo{}, fmt.Errorf("frame: event stream port %d: %w", port, protocol.ErrInvalidLength)
	}
	return EventStreamInfo{
		ObserverHandle: binary.BigEndian.Uint32(b[0:4]),
		Port:           uint16(port),
	}, nil
}
