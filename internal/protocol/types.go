package protocol

import "fmt"

// Magic tags every ANS frame ("ANS1").
const Magic uint32 = 0x414E5331

// ProtocolID identifies the gateway protocol family in discovery responses.
const ProtocolID uint16 = 0x0A51

const (
	VersionMajor uint16 = 1
	VersionMinor uint16 = 0
)

// ServerVersion is reported by GetServerInfo.
const ServerVersion = "1.0.0"

const (
	DefaultServerPort    uint16 = 9520
	DefaultDiscoveryPort uint16 = 9521
	DefaultAnnouncePort  uint16 = 9522
)

// MaxTransactionSize bounds one command frame including its header.
const MaxTransactionSize uint32 = 1 << 20

// Version is a major/minor protocol version pair.
type Version struct {
	Major uint16
	Minor uint16
}

func CurrentVersion() Version {
	return Version{Major: VersionMajor, Minor: VersionMinor}
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// LinkType selects the role of a connection during the handshake.
type LinkType uint32

const (
	LinkAdmin LinkType = 1
	LinkBoard LinkType = 2
)

func (l LinkType) String() string {
	switch l {
	case LinkAdmin:
		return "admin"
	case LinkBoard:
		return "board"
	default:
		return fmt.Sprintf("link(%d)", uint32(l))
	}
}

func (l LinkType) Valid() bool {
	return l == LinkAdmin || l == LinkBoard
}

// PeerID is the server-assigned id of a client session.
type PeerID uint32

// PeerIDUnknown is presented by a client before the server assigned an id.
const PeerIDUnknown PeerID = 0xFFFFFFFF

func (p PeerID) Known() bool {
	return p != PeerIDUnknown
}

// CommandType must match the link role of the channel carrying the command.
type CommandType uint32

const (
	CommandAdmin CommandType = 1
	CommandBoard CommandType = 2
)

// CommandTypeFor returns the command type accepted on a link.
func CommandTypeFor(l LinkType) CommandType {
	if l == LinkBoard {
		return CommandBoard
	}
	return CommandAdmin
}

// FunctionID selects a handler inside a channel's handler table.
type FunctionID uint32

// Admin channel functions.
const (
	FuncGetNumBoards  FunctionID = 0x0001
	FuncGetServerInfo FunctionID = 0x0002
	FuncGetPeerInfo   FunctionID = 0x0003
)

// Board channel functions handled by the gateway itself. Anything else on a
// board channel is forwarded to the board's device.
const (
	FuncOpenBoard        FunctionID = 0x0100
	FuncCloseBoard       FunctionID = 0x0101
	FuncOpenEventStream  FunctionID = 0x0102
	FuncCloseEventStream FunctionID = 0x0103
)

func (f FunctionID) String() string {
	switch f {
	case FuncGetNumBoards:
		return "get_num_boards"
	case FuncGetServerInfo:
		return "get_server_info"
	case FuncGetPeerInfo:
		return "get_peer_info"
	case FuncOpenBoard:
		return "open_board"
	case FuncCloseBoard:
		return "close_board"
	case FuncOpenEventStream:
		return "open_event_stream"
	case FuncCloseEventStream:
		return "close_event_stream"
	default:
		return fmt.Sprintf("func(0x%04x)", uint32(f))
	}
}

// Status is the status word carried in link and command responses.
type Status uint32

const (
	StatusOK                  Status = 0
	StatusIncompatibleProtVer Status = 1
	StatusInvalidPeerID       Status = 2
	StatusInvalidLinkType     Status = 3
	StatusInternalError       Status = 4
	StatusUnknownFunction     Status = 5
	StatusInvalidBoard        Status = 6
	StatusBoardBusy           Status = 7
	StatusInvalidPayload      Status = 8
	StatusDeviceError         Status = 9
	StatusInvalidObserver     Status = 10
)

var statusNames = map[Status]string{
	StatusOK:                  "ok",
	StatusIncompatibleProtVer: "incompatible_protocol_version",
	StatusInvalidPeerID:       "invalid_peer_id",
	StatusInvalidLinkType:     "invalid_link_type",
	StatusInternalError:       "internal_error",
	StatusUnknownFunction:     "unknown_function",
	StatusInvalidBoard:        "invalid_board",
	StatusBoardBusy:           "board_busy",
	StatusInvalidPayload:      "invalid_payload",
	StatusDeviceError:         "device_error",
	StatusInvalidObserver:     "invalid_observer",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", uint32(s))
}
