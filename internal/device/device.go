// Package device defines the hardware boundary board channels dispatch into.
//
// The gateway never touches board registers itself. Board channel commands
// that the gateway does not handle are forwarded verbatim to the Device that
// the channel opened, and the Device reports asynchronous notifications
// through the sink installed by the gateway.
package device

import (
	"context"
	"errors"

	"github.com/danmuck/ansgw/internal/protocol"
)

var (
	ErrNoSuchBoard  = errors.New("device: no such board")
	ErrBoardInUse   = errors.New("device: board already open")
	ErrDeviceClosed = errors.New("device: closed")
)

// EventSink receives raw event payloads produced by a device.
type EventSink func(payload []byte)

// Backend enumerates and opens the boards attached to this host.
type Backend interface {
	BoardCount() int
	Open(index uint32) (Device, error)
}

// Device is one opened board. Execute returns the protocol status word and
// response payload for fn; a non-nil error is an internal failure that ends
// the board channel.
type Device interface {
	Handle() uint32
	Execute(ctx context.Context, fn protocol.FunctionID, payload []byte) (protocol.Status, []byte, error)
	SetEventSink(sink EventSink)
	Close() error
}

// StatusFor maps backend open errors onto the status returned to clients.
func StatusFor(err error) protocol.Status {
	switch {
	case err == nil:
		return protocol.StatusOK
	case errors.Is(err, ErrNoSuchBoard):
		return protocol.StatusInvalidBoard
	case errors.Is(err, ErrBoardInUse):
		return protocol.StatusBoardBusy
	default:
		return protocol.StatusDeviceError
	}
}
