package frame

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/danmuck/ansgw/internal/protocol"
)

const (
	LinkInitLen     = 16
	LinkResponseLen = 24
)

// LinkInit is the first frame a client sends on every new connection.
type LinkInit struct {
	Magic    uint32
	Version  protocol.Version
	LinkType protocol.LinkType
	PeerID   protocol.PeerID
}

// LinkResponse answers a LinkInit with the assigned peer id and a status word.
type LinkResponse struct {
	LinkInit
	Status     protocol.Status
	BoardCount uint32
}

func EncodeLinkInit(f LinkInit) []byte {
	buf := make([]byte, LinkInitLen)
	putLinkInit(buf, f)
	return buf
}

func DecodeLinkInit(b []byte) (LinkInit, error) {
	if len(b) != LinkInitLen {
		return LinkInit{}, fmt.Errorf("frame: link init length %d: %w", len(b), protocol.ErrInvalidLength)
	}
	f := getLinkInit(b)
	if f.Magic != protocol.Magic {
		return LinkInit{}, fmt.Errorf("frame: link init magic 0x%08x: %w", f.Magic, protocol.ErrInvalidMagic)
	}
	return f, nil
}

func EncodeLinkResponse(f LinkResponse) []byte {
	buf := make([]byte, LinkResponseLen)
	putLinkInit(buf, f.LinkInit)
	binary.BigEndian.PutUint32(buf[16:20], uint32(f.Status))
	binary.BigEndian.PutUint32(buf[20:24], f.BoardCount)
	return buf
}

func DecodeLinkResponse(b []byte) (LinkResponse, error) {
	if len(b) != LinkResponseLen {
		return LinkResponse{}, fmt.Errorf("frame: link response length %d: %w", len(b), protocol.ErrInvalidLength)
	}
	f := LinkResponse{
		LinkInit:   getLinkInit(b),
		Status:     protocol.Status(binary.BigEndian.Uint32(b[16:20])),
		BoardCount: binary.BigEndian.Uint32(b[20:24]),
	}
	if f.Magic != protocol.Magic {
		return LinkResponse{}, fmt.Errorf("frame: link response magic 0x%08x: %w", f.Magic, protocol.ErrInvalidMagic)
	}
	return f, nil
}

// ReadLinkInit receives one LinkInit within timeout and validates its magic.
func ReadLinkInit(ctx context.Context, s Stream, timeout time.Duration) (LinkInit, error) {
	b, err := s.Receive(ctx, LinkInitLen, timeout)
	if err != nil {
		return LinkInit{}, err
	}
	return DecodeLinkInit(b)
}

// WriteLinkInit sends a LinkInit tagged with the process magic.
func WriteLinkInit(
	ctx context.Context,
	s Stream,
	timeout time.Duration,
	link protocol.LinkType,
	version protocol.Version,
	peerID protocol.PeerID,
) error {
	return s.Send(ctx, EncodeLinkInit(LinkInit{
		Magic:    protocol.Magic,
		Version:  version,
		LinkType: link,
		PeerID:   peerID,
	}), timeout)
}

// SendLinkResponse answers a handshake. The version is always the server's.
func SendLinkResponse(
	ctx context.Context,
	s Stream,
	timeout time.Duration,
	link protocol.LinkType,
	peerID protocol.PeerID,
	status protocol.Status,
	boardCount uint32,
) error {
	return s.Send(ctx, EncodeLinkResponse(LinkResponse{
		LinkInit: LinkInit{
			Magic:    protocol.Magic,
			Version:  protocol.CurrentVersion(),
			LinkType: link,
			PeerID:   peerID,
		},
		Status:     status,
		BoardCount: boardCount,
	}), timeout)
}

// ReadLinkResponse receives one LinkResponse within timeout and validates its magic.
func ReadLinkResponse(ctx context.Context, s Stream, timeout time.Duration) (LinkResponse, error) {
	b, err := s.Receive(ctx, LinkResponseLen, timeout)
	if err != nil {
		return LinkResponse{}, err
	}
	return DecodeLinkResponse(b)
}

func putLinkInit(buf []byte, f LinkInit) {
	binary.BigEndian.PutUint32(buf[0:4], f.Magic)
	binary.BigEndian.PutUint16(buf[4:6], f.Version.Major)
	binary.BigEndian.PutUint16(buf[6:8], f.Version.Minor)
	binary.BigEndian.PutUint32(buf[8:12], uint32(f.LinkType))
	binary.BigEndian.PutUint32(buf[12:16], uint32(f.PeerID))
}

func getLinkInit(b []byte) LinkInit {
	return LinkInit{
		Magic: binary.BigEndian.Uint32(b[0:4]),
		Version: protocol.Version{
			Major: binary.BigEndian.Uint16(b[4:6]),
			Minor: binary.BigEndian.Uint16(b[6:8]),
		},
		LinkType: protocol.LinkType(binary.BigEndian.Uint32(b[8:12])),
		PeerID:   protocol.PeerID(binary.BigEndian.Uint32(b[12:16])),
	}
}
