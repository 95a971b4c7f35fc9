package frame

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/danmuck/ansgw/internal/protocol"
)

const (
	DiscoverRequestLen  = 8
	DiscoverResponseLen = 78
	HostNameLen         = 64
)

// DiscoverRequest asks every server on the subnet to answer on ReplyPort.
type DiscoverRequest struct {
	Magic     uint32
	ReplyPort uint32
}

// DiscoverResponse advertises one server.
type DiscoverResponse struct {
	Magic         uint32
	ProtocolID    uint16
	ServerPort    uint16
	BoardCount    uint32
	ProtocolMajor uint8
	ProtocolMinor uint8
	HostName      string
}

func EncodeDiscoverRequest(r DiscoverRequest) []byte {
	buf := make([]byte, DiscoverRequestLen)
	binary.BigEndian.PutUint32(buf[0:4], r.Magic)
	binary.BigEndian.PutUint32(buf[4:8], r.ReplyPort)
	return buf
}

func DecodeDiscoverRequest(b []byte) (DiscoverRequest, error) {
	if len(b) != DiscoverRequestLen {
		return DiscoverRequest{}, fmt.Errorf("frame: discover request length %d: %w", len(b), protocol.ErrInvalidLength)
	}
	r := DiscoverRequest{
		Magic:     binary.BigEndian.Uint32(b[0:4]),
		ReplyPort: binary.BigEndian.Uint32(b[4:8]),
	}
	if r.Magic != protocol.Magic {
		return DiscoverRequest{}, fmt.Errorf("frame: discover request magic 0x%08x: %w", r.Magic, protocol.ErrInvalidMagic)
	}
	if r.ReplyPort == 0 || r.ReplyPort > 0xFFFF {
		return DiscoverRequest{}, fmt.Errorf("frame: discover reply port %d: %w", r.ReplyPort, protocol.ErrInvalidLength)
	}
	return r, nil
}

// EncodeDiscoverResponse truncates HostName to fit the fixed field and
// always leaves a terminating NUL.
func EncodeDiscoverResponse(r DiscoverResponse) []byte {
	buf := make([]byte, DiscoverResponseLen)
	binary.BigEndian.PutUint32(buf[0:4], r.Magic)
	binary.BigEndian.PutUint16(buf[4:6], r.ProtocolID)
	binary.BigEndian.PutUint16(buf[6:8], r.ServerPort)
	binary.BigEndian.PutUint32(buf[8:12], r.BoardCount)
	buf[12] = r.ProtocolMajor
	buf[13] = r.ProtocolMinor
	name := []byte(r.HostName)
	if len(name) > HostNameLen-1 {
		name = name[:HostNameLen-1]
	}
	copy(buf[14:], name)
	return buf
}

func DecodeDiscoverResponse(b []byte) (DiscoverResponse, error) {
	if len(b) != DiscoverResponseLen {
		return DiscoverResponse{}, fmt.Errorf("frame: discover response length %d: %w", len(b), protocol.ErrInvalidLength)
	}
	r := DiscoverResponse{
		Magic:         binary.BigEndian.Uint32(b[0:4]),
		ProtocolID:    binary.BigEndian.Uint16(b[4:6]),
		ServerPort:    binary.BigEndian.Uint16(b[6:8]),
		BoardCount:    binary.BigEndian.Uint32(b[8:12]),
		ProtocolMajor: b[12],
		ProtocolMinor: b[13],
	}
	if r.Magic != protocol.Magic {
		return DiscoverResponse{}, fmt.Errorf("frame: discover response magic 0x%08x: %w", r.Magic, protocol.ErrInvalidMagic)
	}
	name := b[14:DiscoverResponseLen]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	r.HostName = string(name)
	return r, nil
}
