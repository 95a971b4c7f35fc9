package protocol

import "errors"

var (
	ErrInvalidMagic          = errors.New("protocol: invalid magic")
	ErrUnsupportedVersion    = errors.New("protocol: unsupported version")
	ErrInvalidLinkType       = errors.New("protocol: invalid link type")
	ErrUnexpectedCommandType = errors.New("protocol: unexpected command type")
	ErrInvalidPeerID         = errors.New("protocol: invalid peer id")
	ErrRegistration          = errors.New("protocol: registration failed")
	ErrNoHandler             = errors.New("protocol: no handler registered")
	ErrHandlerFailed         = errors.New("protocol: handler produced no response")
	ErrFrameTooLarge         = errors.New("protocol: frame too large")
	ErrInvalidLength         = errors.New("protocol: invalid length")
	ErrTruncated             = errors.New("protocol: truncated data")
)
