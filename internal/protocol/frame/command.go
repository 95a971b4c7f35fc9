package frame

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/danmuck/ansgw/internal/protocol"
)

const (
	CommandHeaderLen  = 28
	ResponseHeaderLen = 8
)

// CommandHeader precedes every command and every response envelope.
type CommandHeader struct {
	TransactionID       uint32
	ClientID            protocol.PeerID
	FragmentIndex       uint32
	FragmentPayloadSize uint32
	TransactionSize     uint32
	CommandType         protocol.CommandType
	FunctionID          protocol.FunctionID
}

// PayloadLen is the number of payload bytes following the header.
func (h CommandHeader) PayloadLen() uint32 {
	return h.TransactionSize - CommandHeaderLen
}

// Command is one complete command frame.
type Command struct {
	Header  CommandHeader
	Payload []byte
}

// Response is the body of a response envelope.
type Response struct {
	FunctionID protocol.FunctionID
	Status     protocol.Status
	Payload    []byte
}

// EncodeCommand sizes the header from the payload and encodes the frame.
func EncodeCommand(c Command) ([]byte, error) {
	size := uint64(CommandHeaderLen) + uint64(len(c.Payload))
	if size > uint64(protocol.MaxTransactionSize) {
		return nil, fmt.Errorf("frame: command size %d: %w", size, protocol.ErrFrameTooLarge)
	}
	h := c.Header
	h.FragmentIndex = 0
	h.FragmentPayloadSize = uint32(len(c.Payload))
	h.TransactionSize = uint32(size)

	buf := make([]byte, size)
	putCommandHeader(buf, h)
	copy(buf[CommandHeaderLen:], c.Payload)
	return buf, nil
}

// DecodeCommandHeader validates sizes. Commands are never fragmented.
func DecodeCommandHeader(b []byte) (CommandHeader, error) {
	if len(b) != CommandHeaderLen {
		return CommandHeader{}, fmt.Errorf("frame: command header length %d: %w", len(b), protocol.ErrInvalidLength)
	}
	h := CommandHeader{
		TransactionID:       binary.BigEndian.Uint32(b[0:4]),
		ClientID:            protocol.PeerID(binary.BigEndian.Uint32(b[4:8])),
		FragmentIndex:       binary.BigEndian.Uint32(b[8:12]),
		FragmentPayloadSize: binary.BigEndian.Uint32(b[12:16]),
		TransactionSize:     binary.BigEndian.Uint32(b[16:20]),
		CommandType:         protocol.CommandType(binary.BigEndian.Uint32(b[20:24])),
		FunctionID:          protocol.FunctionID(binary.BigEndian.Uint32(b[24:28])),
	}
	if h.TransactionSize < CommandHeaderLen {
		return CommandHeader{}, fmt.Errorf("frame: transaction size %d: %w", h.TransactionSize, protocol.ErrInvalidLength)
	}
	if h.TransactionSize > protocol.MaxTransactionSize {
		return CommandHeader{}, fmt.Errorf("frame: transaction size %d: %w", h.TransactionSize, protocol.ErrFrameTooLarge)
	}
	if h.FragmentIndex != 0 || h.FragmentPayloadSize != h.PayloadLen() {
		return CommandHeader{}, fmt.Errorf(
			"frame: fragment index=%d size=%d payload=%d: %w",
			h.FragmentIndex,
			h.FragmentPayloadSize,
			h.PayloadLen(),
			protocol.ErrInvalidLength,
		)
	}
	return h, nil
}

func EncodeResponse(r Response) []byte {
	buf := make([]byte, ResponseHeaderLen+len(r.Payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(r.FunctionID))
	binary.BigEndian.PutUint32(buf[4:8], uint32(r.Status))
	copy(buf[ResponseHeaderLen:], r.Payload)
	return buf
}

func DecodeResponse(b []byte) (Response, error) {
	if len(b) < ResponseHeaderLen {
		return Response{}, fmt.Errorf("frame: response length %d: %w", len(b), protocol.ErrTruncated)
	}
	payload := make([]byte, len(b)-ResponseHeaderLen)
	copy(payload, b[ResponseHeaderLen:])
	return Response{
		FunctionID: protocol.FunctionID(binary.BigEndian.Uint32(b[0:4])),
		Status:     protocol.Status(binary.BigEndian.Uint32(b[4:8])),
		Payload:    payload,
	}, nil
}

// ReadCommand receives one header and its payload. The timeout applies to
// each of the two receives. A payload read failure is wrapped with
// protocol.ErrTruncated so callers can tell it from a close between frames.
func ReadCommand(ctx context.Context, s Stream, timeout time.Duration) (Command, error) {
	hb, err := s.Receive(ctx, CommandHeaderLen, timeout)
	if err != nil {
		return Command{}, err
	}
	h, err := DecodeCommandHeader(hb)
	if err != nil {
		return Command{}, err
	}
	var payload []byte
	if n := h.PayloadLen(); n > 0 {
		payload, err = s.Receive(ctx, int(n), timeout)
		if err != nil {
			return Command{}, fmt.Errorf("frame: command payload: %w: %w", protocol.ErrTruncated, err)
		}
	}
	return Command{Header: h, Payload: payload}, nil
}

func WriteCommand(ctx context.Context, s Stream, timeout time.Duration, c Command) error {
	b, err := EncodeCommand(c)
	if err != nil {
		return err
	}
	return s.Send(ctx, b, timeout)
}

// WriteResponse answers req inside a command envelope that echoes its
// transaction id, client id, command type and function id.
func WriteResponse(ctx context.Context, s Stream, timeout time.Duration, req CommandHeader, r Response) error {
	return WriteCommand(ctx, s, timeout, Command{
		Header: CommandHeader{
			TransactionID: req.TransactionID,
			ClientID:      req.ClientID,
			CommandType:   req.CommandType,
			FunctionID:    req.FunctionID,
		},
		Payload: EncodeResponse(r),
	})
}

// ReadResponse receives one response envelope.
func ReadResponse(ctx context.Context, s Stream, timeout time.Duration) (CommandHeader, Response, error) {
	c, err := ReadCommand(ctx, s, timeout)
	if err != nil {
		return CommandHeader{}, Response{}, err
	}
	r, err := DecodeResponse(c.Payload)
	if err != nil {
		return CommandHeader{}, Response{}, err
	}
	return c.Header, r, nil
}

func putCommandHeader(buf []byte, h CommandHeader) {
	binary.BigEndian.PutUint32(buf[0:4], h.TransactionID)
	binary.BigEndian.PutUint32(buf[4:8], uint32(h.ClientID))
	binary.BigEndian.PutUint32(buf[8:12], h.FragmentIndex)
	binary.BigEndian.PutUint32(buf[12:16], h.FragmentPayloadSize)
	binary.BigEndian.PutUint32(buf[16:20], h.TransactionSize)
	binary.BigEndian.PutUint32(buf[20:24], uint32(h.CommandType))
	binary.BigEndian.PutUint32(buf[24:28], uint32(h.FunctionID))
}
