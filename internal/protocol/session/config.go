package session

import "time"

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines transport timing for both ends of a link.
//
// IdleTimeout bounds the server's wait for the next command; zero keeps the
// wait unbounded so the client drives cadence. ReadTimeout bounds a client's
// wait for a response.
type Config struct {
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	Backoff          BackoffConfig
}

// DefaultConfig returns the gateway defaults.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:   5 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		IdleTimeout:      0,
		ReadTimeout:      15 * time.Second,
		WriteTimeout:     15 * time.Second,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills zero durations from DefaultConfig. IdleTimeout is left
// alone since zero is meaningful there.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = def.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = def.Backoff
	}
	return c
}
