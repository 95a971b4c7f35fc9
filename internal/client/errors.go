package client

import (
	"errors"
	"fmt"

	"github.com/danmuck/ansgw/internal/protocol"
)

var (
	ErrAddressRequired = errors.New("client: gateway address required")
	ErrNotConnected    = errors.New("client: not connected")
	ErrClosed          = errors.New("client: closed")
)

// StatusError is a command the gateway answered with a non-OK status.
type StatusError struct {
	Function protocol.FunctionID
	Status   protocol.Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("client: %s: %s", e.Function, e.Status)
}

// LinkError is a handshake the gateway rejected.
type LinkError struct {
	Link   protocol.LinkType
	Status protocol.Status
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("client: %s link rejected: %s", e.Link, e.Status)
}

// StatusOf reduces any error returned by this package to one status word.
func StatusOf(err error) protocol.Status {
	if err == nil {
		return protocol.StatusOK
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	var le *LinkError
	if errors.As(err, &le) {
		return le.Status
	}
	return protocol.StatusInternalError
}
