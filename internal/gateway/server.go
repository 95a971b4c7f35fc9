package gateway

import (
	"os"
	"runtime"
	"strings"
	"sync"

	"github.com/danmuck/ansgw/internal/device"
	"github.com/danmuck/ansgw/internal/protocol"
	"github.com/danmuck/ansgw/internal/protocol/schema"
	"github.com/danmuck/ansgw/internal/protocol/session"
)

// ServerConfig is the protocol-level configuration shared by every
// connection task.
type ServerConfig struct {
	HostName string
	Session  session.Config
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{Session: session.DefaultConfig()}
}

// Server is the gateway context handed to every multiplexer, worker and
// handler: registries, handler tables and the device backend.
type Server struct {
	cfg     ServerConfig
	backend device.Backend
	peers   *PeerRegistry
	boards  *BoardRegistry
	admin   *HandlerTable
	board   *HandlerTable
}

func NewServer(cfg ServerConfig, backend device.Backend) *Server {
	cfg.Session = cfg.Session.WithDefaults()
	if strings.TrimSpace(cfg.HostName) == "" {
		cfg.HostName = localHostName()
	}
	s := &Server{
		cfg:     cfg,
		backend: backend,
		peers:   NewPeerRegistry(),
		boards:  NewBoardRegistry(),
		admin:   NewHandlerTable(),
		board:   NewHandlerTable(),
	}
	registerBuiltins(s)
	return s
}

func (s *Server) Config() ServerConfig {
	return s.cfg
}

func (s *Server) Peers() *PeerRegistry {
	return s.peers
}

func (s *Server) Boards() *BoardRegistry {
	return s.boards
}

// AdminHandlers is the admin channel dispatch table.
func (s *Server) AdminHandlers() *HandlerTable {
	return s.admin
}

// BoardHandlers is the board channel dispatch table. Its fallback forwards to
// the bound device.
func (s *Server) BoardHandlers() *HandlerTable {
	return s.board
}

// BoardCount is the number of boards attached to this host.
func (s *Server) BoardCount() uint32 {
	if s.backend == nil {
		return 0
	}
	return uint32(s.backend.BoardCount())
}

func (s *Server) ServerInfo() schema.ServerInfo {
	return schema.ServerInfo{
		HostName:      s.cfg.HostName,
		OSDescription: runtime.GOOS + "/" + runtime.GOARCH,
		ServerVersion: protocol.ServerVersion,
		Protocol:      protocol.CurrentVersion(),
		BoardCount:    s.BoardCount(),
	}
}

func (s *Server) tableFor(link protocol.LinkType) *HandlerTable {
	if link == protocol.LinkBoard {
		return s.board
	}
	return s.admin
}

// HandlerTable maps function ids to handlers. A nil fallback means unknown
// functions are rejected.
type HandlerTable struct {
	mu       sync.RWMutex
	handlers map[protocol.FunctionID]Handler
	fallback Handler
}

func NewHandlerTable() *HandlerTable {
	return &HandlerTable{handlers: make(map[protocol.FunctionID]Handler)}
}

func (t *HandlerTable) Register(fn protocol.FunctionID, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if h == nil {
		delete(t.handlers, fn)
		return
	}
	t.handlers[fn] = h
}

func (t *HandlerTable) SetFallback(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fallback = h
}

func (t *HandlerTable) Lookup(fn protocol.FunctionID) (Handler, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if h, ok := t.handlers[fn]; ok {
		return h, true
	}
	if t.fallback != nil {
		return t.fallback, true
	}
	return nil, false
}

func localHostName() string {
	name, err := os.Hostname()
	if err != nil || strings.TrimSpace(name) == "" {
		return "ans-gateway"
	}
	return name
}
