package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/ansgw/internal/gateway"
	"github.com/rs/zerolog"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDaemonConfigDefaultsAndOverrides(t *testing.T) {
	path := writeConfig(t, `
listen_addr = "127.0.0.1:19520"
host_name = "bench-7"
boards = 2
log_level = "debug"

[discovery]
enabled = false

[session]
idle_timeout = "30s"
read_timeout = "2s"
`)
	cfg, err := loadDaemonConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	def := gateway.DefaultServiceConfig()
	if cfg.Service.ListenAddr != "127.0.0.1:19520" {
		t.Fatalf("unexpected listen addr: %q", cfg.Service.ListenAddr)
	}
	if cfg.Service.StatusAddr != def.StatusAddr {
		t.Fatalf("status addr not defaulted: %q", cfg.Service.StatusAddr)
	}
	if cfg.Service.Server.HostName != "bench-7" || cfg.Boards != 2 {
		t.Fatalf("unexpected host=%q boards=%d", cfg.Service.Server.HostName, cfg.Boards)
	}
	if cfg.Log.Level != zerolog.DebugLevel {
		t.Fatalf("unexpected log level: %s", cfg.Log.Level)
	}
	if cfg.Service.Discovery.Enabled {
		t.Fatalf("discovery should be disabled")
	}
	if cfg.Service.Discovery.AnnouncePort != def.Discovery.AnnouncePort {
		t.Fatalf("announce port not defaulted: %d", cfg.Service.Discovery.AnnouncePort)
	}
	s := cfg.Service.Server.Session
	if s.IdleTimeout != 30*time.Second || s.ReadTimeout != 2*time.Second {
		t.Fatalf("unexpected session timeouts: %+v", s)
	}
	if s.WriteTimeout != def.Server.Session.WriteTimeout {
		t.Fatalf("write timeout not defaulted: %s", s.WriteTimeout)
	}
}

func TestLoadDaemonConfigEmptyPathIsDefaults(t *testing.T) {
	cfg, err := loadDaemonConfig("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if cfg.Boards != defaultBoards || cfg.Service.ListenAddr != gateway.DefaultServiceConfig().ListenAddr {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadDaemonConfigExampleFile(t *testing.T) {
	cfg, err := loadDaemonConfig("ex.config.toml")
	if err != nil {
		t.Fatalf("load example config: %v", err)
	}
	if cfg.Service.Server.HostName != "bench-gw" || !cfg.Service.Discovery.Enabled {
		t.Fatalf("unexpected example config: %+v", cfg.Service)
	}
}

func TestLoadDaemonConfigRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"duration": "[session]\nread_timeout = \"soon\"\n",
		"level":    "log_level = \"loud\"\n",
		"boards":   "boards = -1\n",
		"unknown":  "listen_adr = \":1\"\n",
		"listen":   "listen_addr = \"  \"\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := loadDaemonConfig(writeConfig(t, content)); err == nil || !strings.Contains(err.Error(), "load ansd config") {
				t.Fatalf("expected load error, got %v", err)
			}
		})
	}
}
