package frame

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/danmuck/ansgw/internal/protocol"
	"github.com/danmuck/ansgw/internal/testutil/testlog"
)

// bufStream adapts a bytes.Buffer to Stream for codec tests.
type bufStream struct {
	buf bytes.Buffer
}

func (s *bufStream) Send(_ context.Context, b []byte, _ time.Duration) error {
	_, err := s.buf.Write(b)
	return err
}

func (s *bufStream) Receive(_ context.Context, n int, _ time.Duration) ([]byte, error) {
	out := make([]byte, n)
	if _, err := io.ReadFull(&s.buf, out); err != nil {
		return nil, err
	}
	return out, nil
}

func TestLinkInitRoundTrip(t *testing.T) {
	testlog.Start(t)
	s := &bufStream{}
	ctx := context.Background()
	if err := WriteLinkInit(ctx, s, time.Second, protocol.LinkBoard, protocol.Version{Major: 1, Minor: 3}, 42); err != nil {
		t.Fatalf("write link init: %v", err)
	}
	if s.buf.Len() != LinkInitLen {
		t.Fatalf("unexpected encoded length %d", s.buf.Len())
	}
	got, err := ReadLinkInit(ctx, s, time.Second)
	if err != nil {
		t.Fatalf("read link init: %v", err)
	}
	want := LinkInit{Magic: protocol.Magic, Version: protocol.Version{Major: 1, Minor: 3}, LinkType: protocol.LinkBoard, PeerID: 42}
	if got != want {
		t.Fatalf("link init mismatch: got=%+v want=%+v", got, want)
	}
}

func TestLinkResponseRoundTrip(t *testing.T) {
	testlog.Start(t)
	in := LinkResponse{
		LinkInit: LinkInit{
			Magic:    protocol.Magic,
			Version:  protocol.CurrentVersion(),
			LinkType: protocol.LinkAdmin,
			PeerID:   protocol.PeerIDUnknown,
		},
		Status:     protocol.StatusInvalidPeerID,
		BoardCount: 4,
	}
	got, err := DecodeLinkResponse(EncodeLinkResponse(in))
	if err != nil {
		t.Fatalf("decode link response: %v", err)
	}
	if got != in {
		t.Fatalf("link response mismatch: got=%+v want=%+v", got, in)
	}
}

func TestLinkFramesRejectForeignMagic(t *testing.T) {
	testlog.Start(t)
	b := EncodeLinkInit(LinkInit{Magic: 0xDEADBEEF, Version: protocol.CurrentVersion(), LinkType: protocol.LinkAdmin})
	if _, err := DecodeLinkInit(b); !errors.Is(err, protocol.ErrInvalidMagic) {
		t.Fatalf("expected ErrInvalidMagic, got %v", err)
	}
	rb := EncodeLinkResponse(LinkResponse{LinkInit: LinkInit{Magic: protocol.Magic + 1}})
	if _, err := DecodeLinkResponse(rb); !errors.Is(err, protocol.ErrInvalidMagic) {
		t.Fatalf("expected ErrInvalidMagic, got %v", err)
	}
}

func TestReadLinkInitShortReadFails(t *testing.T) {
	testlog.Start(t)
	s := &bufStream{}
	s.buf.Write(EncodeLinkInit(LinkInit{Magic: protocol.Magic})[:10])
	if _, err := ReadLinkInit(context.Background(), s, time.Second); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected ErrUnexpectedEOF, got %v", err)
	}
}

func TestCommandRoundTripStampsSizes(t *testing.T) {
	testlog.Start(t)
	s := &bufStream{}
	ctx := context.Background()
	in := Command{
		Header: CommandHeader{
			TransactionID: 7,
			ClientID:      3,
			CommandType:   protocol.CommandBoard,
			FunctionID:    0x2001,
		},
		Payload: []byte("payload"),
	}
	if err := WriteCommand(ctx, s, time.Second, in); err != nil {
		t.Fatalf("write command: %v", err)
	}
	got, err := ReadCommand(ctx, s, time.Second)
	if err != nil {
		t.Fatalf("read command: %v", err)
	}
	if got.Header.TransactionID != 7 || got.Header.ClientID != 3 || got.Header.FunctionID != 0x2001 {
		t.Fatalf("header mismatch: %+v", got.Header)
	}
	if got.Header.TransactionSize != CommandHeaderLen+7 || got.Header.FragmentPayloadSize != 7 {
		t.Fatalf("sizes not stamped: %+v", got.Header)
	}
	if !bytes.Equal(got.Payload, in.Payload) {
		t.Fatalf("payload mismatch: %q", got.Payload)
	}
}

func TestReadCommandTruncatedPayload(t *testing.T) {
	testlog.Start(t)
	s := &bufStream{}
	b, err := EncodeCommand(Command{
		Header:  CommandHeader{TransactionID: 1, CommandType: protocol.CommandAdmin, FunctionID: protocol.FuncGetNumBoards},
		Payload: []byte("abcdef"),
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	s.buf.Write(b[:len(b)-2])
	if _, err := ReadCommand(context.Background(), s, time.Second); !errors.Is(err, protocol.ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestDecodeCommandHeaderRejectsBadSizes(t *testing.T) {
	testlog.Start(t)
	buf := make([]byte, CommandHeaderLen)
	binary.BigEndian.PutUint32(buf[16:20], 4)
	if _, err := DecodeCommandHeader(buf); !errors.Is(err, protocol.ErrInvalidLength) {
		t.Fatalf("expected ErrInvalidLength, got %v", err)
	}
	binary.BigEndian.PutUint32(buf[16:20], protocol.MaxTransactionSize+1)
	if _, err := DecodeCommandHeader(buf); !errors.Is(err, protocol.ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
	binary.BigEndian.PutUint32(buf[16:20], CommandHeaderLen+8)
	binary.BigEndian.PutUint32(buf[12:16], 3)
	if _, err := DecodeCommandHeader(buf); !errors.Is(err, protocol.ErrInvalidLength) {
		t.Fatalf("expected fragment size mismatch, got %v", err)
	}
}

func TestResponseEnvelopeEchoesRequest(t *testing.T) {
	testlog.Start(t)
	s := &bufStream{}
	ctx := context.Background()
	req := CommandHeader{TransactionID: 99, ClientID: 5, CommandType: protocol.CommandAdmin, FunctionID: protocol.FuncGetNumBoards}
	resp := Response{FunctionID: protocol.FuncGetNumBoards, Status: protocol.StatusOK, Payload: []byte{0, 0, 0, 2}}
	if err := WriteResponse(ctx, s, time.Second, req, resp); err != nil {
		t.Fatalf("write response: %v", err)
	}
	h, got, err := ReadResponse(ctx, s, time.Second)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if h.TransactionID != 99 || h.ClientID != 5 || h.CommandType != protocol.CommandAdmin {
		t.Fatalf("envelope mismatch: %+v", h)
	}
	if got.FunctionID != resp.FunctionID || got.Status != resp.Status || !bytes.Equal(got.Payload, resp.Payload) {
		t.Fatalf("response mismatch: %+v", got)
	}
}

func TestEventRoundTripAndMagic(t *testing.T) {
	testlog.Start(t)
	s := &bufStream{}
	b, err := EncodeEvent(Event{ObserverHandle: 2, Sequence: 11, Payload: []byte("irq")})
	if err != nil {
		t.Fatalf("encode event: %v", err)
	}
	s.buf.Write(b)
	got, err := ReadEvent(context.Background(), s, time.Second)
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	if got.ObserverHandle != 2 || got.Sequence != 11 || string(got.Payload) != "irq" {
		t.Fatalf("event mismatch: %+v", got)
	}

	b[0] ^= 0xFF
	s.buf.Write(b)
	if _, err := ReadEvent(context.Background(), s, time.Second); !errors.Is(err, protocol.ErrInvalidMagic) {
		t.Fatalf("expected ErrInvalidMagic, got %v", err)
	}
}

func TestEventStreamInfoPortIsLittleEndian(t *testing.T) {
	testlog.Start(t)
	b := EncodeEventStreamInfo(EventStreamInfo{ObserverHandle: 0x01020304, Port: 0x1F90})
	if !bytes.Equal(b[0:4], []byte{0x01, 0x02, 0x03, 0x04}) {
		t.Fatalf("handle not big-endian: % x", b[0:4])
	}
	if !bytes.Equal(b[4:8], []byte{0x90, 0x1F, 0x00, 0x00}) {
		t.Fatalf("port not little-endian: % x", b[4:8])
	}
	got, err := DecodeEventStreamInfo(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ObserverHandle != 0x01020304 || got.Port != 0x1F90 {
		t.Fatalf("info mismatch: %+v", got)
	}
}

func TestDiscoverFramesRoundTrip(t *testing.T) {
	testlog.Start(t)
	req, err := DecodeDiscoverRequest(EncodeDiscoverRequest(DiscoverRequest{Magic: protocol.Magic, ReplyPort: 9522}))
	if err != nil {
		t.Fatalf("decode request: %v", err)
	}
	if req.ReplyPort != 9522 {
		t.Fatalf("reply port mismatch: %d", req.ReplyPort)
	}

	in := DiscoverResponse{
		Magic:         protocol.Magic,
		ProtocolID:    protocol.ProtocolID,
		ServerPort:    9520,
		BoardCount:    3,
		ProtocolMajor: 1,
		ProtocolMinor: 0,
		HostName:      "bench-01",
	}
	b := EncodeDiscoverResponse(in)
	if len(b) != DiscoverResponseLen {
		t.Fatalf("unexpected response length %d", len(b))
	}
	got, err := DecodeDiscoverResponse(b)
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got != in {
		t.Fatalf("response mismatch: got=%+v want=%+v", got, in)
	}
}

func TestDiscoverResponseTruncatesHostName(t *testing.T) {
	testlog.Start(t)
	long := bytes.Repeat([]byte("h"), 100)
	got, err := DecodeDiscoverResponse(EncodeDiscoverResponse(DiscoverResponse{Magic: protocol.Magic, HostName: string(long)}))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.HostName) != HostNameLen-1 {
		t.Fatalf("unexpected host name length %d", len(got.HostName))
	}
}

func TestDiscoverRequestRejectsForeignMagic(t *testing.T) {
	testlog.Start(t)
	if _, err := DecodeDiscoverRequest(EncodeDiscoverRequest(DiscoverRequest{Magic: 1, ReplyPort: 9522})); !errors.Is(err, protocol.ErrInvalidMagic) {
		t.Fatalf("expected ErrInvalidMagic, got %v", err)
	}
	if _, err := DecodeDiscoverRequest([]byte{1, 2, 3}); !errors.Is(err, protocol.ErrInvalidLength) {
		t.Fatalf("expected ErrInvalidLength, got %v", err)
	}
}
