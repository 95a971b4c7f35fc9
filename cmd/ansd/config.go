package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/ansgw/internal/gateway"
	"github.com/danmuck/ansgw/internal/logging"
	"github.com/rs/zerolog"
)

// ansd config.toml key mapping to gateway runtime settings.
type fileConfig struct {
	ListenAddr     string `toml:"listen_addr"`
	StatusAddr     string `toml:"status_addr"`
	MaxConnections int    `toml:"max_connections"`
	HostName       string `toml:"host_name"`
	Boards         int    `toml:"boards"`
	LogLevel       string `toml:"log_level"`
	LogJSON        bool   `toml:"log_json"`

	Discovery struct {
		Enabled      bool   `toml:"enabled"`
		ListenAddr   string `toml:"listen_addr"`
		AnnouncePort uint16 `toml:"announce_port"`
	} `toml:"discovery"`

	Session struct {
		ConnectTimeout   string `toml:"connect_timeout"`
		HandshakeTimeout string `toml:"handshake_timeout"`
		IdleTimeout      string `toml:"idle_timeout"`
		ReadTimeout      string `toml:"read_timeout"`
		WriteTimeout     string `toml:"write_timeout"`
	} `toml:"session"`
}

// daemonConfig is everything ansd needs to start.
type daemonConfig struct {
	Service gateway.ServiceConfig
	Boards  int
	Log     logging.Config
}

const defaultBoards = 4

func defaultDaemonConfig() daemonConfig {
	return daemonConfig{
		Service: gateway.DefaultServiceConfig(),
		Boards:  defaultBoards,
		Log:     logging.Config{Level: zerolog.InfoLevel, Timestamp: true},
	}
}

// loadDaemonConfig overlays the keys present in path onto the defaults. An
// empty path yields the defaults.
func loadDaemonConfig(path string) (daemonConfig, error) {
	cfg := defaultDaemonConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return daemonConfig{}, fmt.Errorf("load ansd config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return daemonConfig{}, fmt.Errorf("load ansd config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("listen_addr") {
		cfg.Service.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("status_addr") {
		cfg.Service.StatusAddr = strings.TrimSpace(raw.StatusAddr)
	}
	if meta.IsDefined("max_connections") {
		cfg.Service.MaxConnections = raw.MaxConnections
	}
	if meta.IsDefined("host_name") {
		cfg.Service.Server.HostName = strings.TrimSpace(raw.HostName)
	}
	if meta.IsDefined("boards") {
		if raw.Boards < 0 {
			return daemonConfig{}, fmt.Errorf("load ansd config: boards must not be negative, got %d", raw.Boards)
		}
		cfg.Boards = raw.Boards
	}
	if meta.IsDefined("log_level") {
		lvl, ok := logging.ParseLevel(raw.LogLevel)
		if !ok {
			return daemonConfig{}, fmt.Errorf("load ansd config: unknown log_level %q", raw.LogLevel)
		}
		cfg.Log.Level = lvl
	}
	if meta.IsDefined("log_json") {
		cfg.Log.JSON = raw.LogJSON
	}

	if meta.IsDefined("discovery", "enabled") {
		cfg.Service.Discovery.Enabled = raw.Discovery.Enabled
	}
	if meta.IsDefined("discovery", "listen_addr") {
		cfg.Service.Discovery.ListenAddr = strings.TrimSpace(raw.Discovery.ListenAddr)
	}
	if meta.IsDefined("discovery", "announce_port") {
		cfg.Service.Discovery.AnnouncePort = raw.Discovery.AnnouncePort
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"connect_timeout", raw.Session.ConnectTimeout, &cfg.Service.Server.Session.ConnectTimeout},
		{"handshake_timeout", raw.Session.HandshakeTimeout, &cfg.Service.Server.Session.HandshakeTimeout},
		{"idle_timeout", raw.Session.IdleTimeout, &cfg.Service.Server.Session.IdleTimeout},
		{"read_timeout", raw.Session.ReadTimeout, &cfg.Service.Server.Session.ReadTimeout},
		{"write_timeout", raw.Session.WriteTimeout, &cfg.Service.Server.Session.WriteTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined("session", d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil || v < 0 {
			return daemonConfig{}, fmt.Errorf("load ansd config: session.%s %q is not a valid duration", d.key, d.raw)
		}
		*d.dst = v
	}

	if strings.TrimSpace(cfg.Service.ListenAddr) == "" {
		return daemonConfig{}, fmt.Errorf("load ansd config: listen_addr must not be empty")
	}
	if cfg.Service.Discovery.Enabled && strings.TrimSpace(cfg.Service.Discovery.ListenAddr) == "" {
		return daemonConfig{}, fmt.Errorf("load ansd config: discovery.listen_addr is required when discovery is enabled")
	}
	return cfg, nil
}
