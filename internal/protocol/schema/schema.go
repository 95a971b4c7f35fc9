package schema

import (
	"fmt"

	"github.com/danmuck/ansgw/internal/protocol"
	"github.com/danmuck/ansgw/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Field IDs used in structured response payloads.
const (
	FieldHostName      uint16 = 1
	FieldOSDescription uint16 = 2
	FieldServerVersion uint16 = 3
	FieldProtocolMajor uint16 = 4
	FieldProtocolMinor uint16 = 5
	FieldBoardCount    uint16 = 6

	FieldPeerID          uint16 = 100
	FieldConnectionCount uint16 = 101
)

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	Function protocol.FunctionID
	FieldID  uint16
	Reason   string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: function=%s: %s", e.Function, e.Reason)
	}
	return fmt.Sprintf("schema: function=%s field=%d: %s", e.Function, e.FieldID, e.Reason)
}

var requirements = map[protocol.FunctionID][]Requirement{
	protocol.FuncGetServerInfo: {
		{FieldHostName, tlv.TypeString},
		{FieldOSDescription, tlv.TypeString},
		{FieldServerVersion, tlv.TypeString},
		{FieldProtocolMajor, tlv.TypeU16},
		{FieldProtocolMinor, tlv.TypeU16},
		{FieldBoardCount, tlv.TypeU32},
	},
	protocol.FuncGetPeerInfo: {
		{FieldPeerID, tlv.TypeU32},
		{FieldConnectionCount, tlv.TypeU32},
	},
}

// Validate enforces required fields and field types for a function's
// response payload. Unknown fields are ignored.
func Validate(fn protocol.FunctionID, fields []tlv.Field) error {
	reqs, ok := requirements[fn]
	if !ok {
		return ValidationError{Function: fn, Reason: "no payload schema"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Debug().Stringer("function", fn).Uint16("field_id", req.ID).Msg("schema missing field")
			return ValidationError{Function: fn, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Debug().
				Stringer("function", fn).
				Uint16("field_id", req.ID).
				Uint8("got", f.Type).
				Uint8("want", req.Type).
				Msg("schema type mismatch")
			return ValidationError{Function: fn, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	return nil
}

// ServerInfo is the GetServerInfo response payload.
type ServerInfo struct {
	HostName      string           `json:"host_name"`
	OSDescription string           `json:"os_description"`
	ServerVersion string           `json:"server_version"`
	Protocol      protocol.Version `json:"protocol"`
	BoardCount    uint32           `json:"board_count"`
}

func EncodeServerInfo(info ServerInfo) []byte {
	return tlv.EncodeFields([]tlv.Field{
		tlv.String(FieldHostName, info.HostName),
		tlv.String(FieldOSDescription, info.OSDescription),
		tlv.String(FieldServerVersion, info.ServerVersion),
		tlv.U16(FieldProtocolMajor, info.Protocol.Major),
		tlv.U16(FieldProtocolMinor, info.Protocol.Minor),
		tlv.U32(FieldBoardCount, info.BoardCount),
	})
}

func DecodeServerInfo(payload []byte) (ServerInfo, error) {
	fields, err := tlv.DecodeFields(payload)
	if err != nil {
		return ServerInfo{}, err
	}
	if err := Validate(protocol.FuncGetServerInfo, fields); err != nil {
		return ServerInfo{}, err
	}
	var info ServerInfo
	info.HostName, _ = tlv.GetString(fields, FieldHostName)
	info.OSDescription, _ = tlv.GetString(fields, FieldOSDescription)
	info.ServerVersion, _ = tlv.GetString(fields, FieldServerVersion)
	if info.Protocol.Major, err = tlv.GetU16(fields, FieldProtocolMajor); err != nil {
		return ServerInfo{}, err
	}
	if info.Protocol.Minor, err = tlv.GetU16(fields, FieldProtocolMinor); err != nil {
		return ServerInfo{}, err
	}
	if info.BoardCount, err = tlv.GetU32(fields, FieldBoardCount); err != nil {
		return ServerInfo{}, err
	}
	return info, nil
}

// PeerInfo is the GetPeerInfo response payload.
type PeerInfo struct {
	PeerID      protocol.PeerID `json:"peer_id"`
	Connections uint32          `json:"connections"`
}

func EncodePeerInfo(info PeerInfo) []byte {
	return tlv.EncodeFields([]tlv.Field{
		tlv.U32(FieldPeerID, uint32(info.PeerID)),
		tlv.U32(FieldConnectionCount, info.Connections),
	})
}

func DecodePeerInfo(payload []byte) (PeerInfo, error) {
	fields, err := tlv.DecodeFields(payload)
	if err != nil {
		return PeerInfo{}, err
	}
	if err := Validate(protocol.FuncGetPeerInfo, fields); err != nil {
		return PeerInfo{}, err
	}
	id, err := tlv.GetU32(fields, FieldPeerID)
	if err != nil {
		return PeerInfo{}, err
	}
	conns, err := tlv.GetU32(fields, FieldConnectionCount)
	if err != nil {
		return PeerInfo{}, err
	}
	return PeerInfo{PeerID: protocol.PeerID(id), Connections: conns}, nil
}
