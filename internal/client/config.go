package client

import (
	"github.com/danmuck/ansgw/internal/protocol"
	"github.com/danmuck/ansgw/internal/protocol/session"
)

// Config applies to every peer a Registry creates. Version is the protocol
// version presented in handshakes.
type Config struct {
	Session session.Config
	Version protocol.Version
}

func DefaultConfig() Config {
	return Config{
		Session: session.DefaultConfig(),
		Version: protocol.CurrentVersion(),
	}
}

func (c Config) withDefaults() Config {
	c.Session = c.Session.WithDefaults()
	if c.Version == (protocol.Version{}) {
		c.Version = protocol.CurrentVersion()
	}
	return c
}
