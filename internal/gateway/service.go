package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/ansgw/internal/device"
	"github.com/danmuck/ansgw/internal/discovery"
	"github.com/danmuck/ansgw/internal/observability"
	"github.com/danmuck/ansgw/internal/protocol"
	"github.com/danmuck/ansgw/internal/protocol/frame"
	"github.com/danmuck/ansgw/internal/transport"
	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// DiscoveryConfig controls the UDP responder started with the service.
type DiscoveryConfig struct {
	Enabled      bool
	ListenAddr   string
	AnnouncePort uint16
}

// ServiceConfig is the runtime configuration of the gateway daemon.
// MaxConnections bounds concurrent connection tasks; zero means unbounded.
// An empty StatusAddr disables the status HTTP API.
type ServiceConfig struct {
	ListenAddr     string
	StatusAddr     string
	MaxConnections int
	Discovery      DiscoveryConfig
	Server         ServerConfig
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		ListenAddr:     fmt.Sprintf(":%d", protocol.DefaultServerPort),
		StatusAddr:     "127.0.0.1:9580",
		MaxConnections: 256,
		Discovery: DiscoveryConfig{
			Enabled:      true,
			ListenAddr:   fmt.Sprintf(":%d", protocol.DefaultDiscoveryPort),
			AnnouncePort: protocol.DefaultAnnouncePort,
		},
		Server: DefaultServerConfig(),
	}
}

// Service runs a Server behind a TCP listener, a connection task pool, the
// discovery responder and the status API.
type Service struct {
	cfg    ServiceConfig
	server *Server
	status *StatusAPI

	connsMu sync.Mutex
	conns   map[*transport.Connection]struct{}

	active     atomic.Int64
	ready      atomic.Bool
	serverPort atomic.Uint32
}

func NewService(cfg ServiceConfig, backend device.Backend) *Service {
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = DefaultServiceConfig().ListenAddr
	}
	svc := &Service{
		cfg:    cfg,
		server: NewServer(cfg.Server, backend),
		conns:  make(map[*transport.Connection]struct{}),
	}
	svc.status = NewStatusAPI(svc.server.Config().HostName, svc.server, svc.Ready)
	return svc
}

func (s *Service) Server() *Server {
	return s.server
}

func (s *Service) Status() *StatusAPI {
	return s.status
}

// Ready reports whether the accept loop is running.
func (s *Service) Ready() bool {
	return s.ready.Load()
}

// ActiveConnections counts connection tasks currently running.
func (s *Service) ActiveConnections() int64 {
	return s.active.Load()
}

// Run listens and serves until ctx is cancelled or a component fails.
func (s *Service) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("gateway: listen %s: %w", s.cfg.ListenAddr, err)
	}
	if tcp, ok := ln.Addr().(*net.TCPAddr); ok {
		s.serverPort.Store(uint32(tcp.Port))
	}
	log.Info().Str("addr", ln.Addr().String()).Uint32("boards", s.server.BoardCount()).Msg("gateway listening")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.Serve(gctx, ln)
	})
	if s.cfg.Discovery.Enabled {
		responder := discovery.NewResponder(discovery.ResponderConfig{
			ListenAddr:   s.cfg.Discovery.ListenAddr,
			AnnouncePort: s.cfg.Discovery.AnnouncePort,
		}, s.Advertisement)
		g.Go(func() error {
			return responder.Run(gctx)
		})
	}
	if addr := strings.TrimSpace(s.cfg.StatusAddr); addr != "" {
		httpSrv := &http.Server{
			Addr:              addr,
			Handler:           s.status.Router(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Info().Str("addr", addr).Msg("status api listening")
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		})
	}
	return g.Wait()
}

// Serve accepts on ln until ctx is cancelled, then closes every tracked
// connection and waits for their tasks to finish.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	if tcp, ok := ln.Addr().(*net.TCPAddr); ok {
		s.serverPort.Store(uint32(tcp.Port))
	}
	pool, err := ants.NewPool(
		s.cfg.MaxConnections,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(p interface{}) {
			log.Error().Interface("panic", p).Msg("connection task panicked")
		}),
	)
	if err != nil {
		return fmt.Errorf("gateway: connection pool: %w", err)
	}
	defer pool.Release()

	var tasks sync.WaitGroup
	defer tasks.Wait()
	defer ln.Close()
	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close()
		s.closeAllConns()
	})
	defer stop()

	s.ready.Store(true)
	defer s.ready.Store(false)

	for {
		raw, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.closeAllConns()
				return nil
			}
			return err
		}
		conn := transport.Wrap(raw)
		s.trackConn(conn)
		tasks.Add(1)
		err = pool.Submit(func() {
			defer tasks.Done()
			s.handleConn(ctx, conn)
		})
		if err != nil {
			tasks.Done()
			observability.RecordConnectionRejected("overload")
			log.Warn().Err(err).Str("remote", conn.RemoteEndpoint().String()).Msg("connection rejected")
			s.untrackConn(conn)
			_ = conn.Close()
		}
	}
}

func (s *Service) handleConn(ctx context.Context, conn *transport.Connection) {
	defer s.untrackConn(conn)
	remote := conn.RemoteEndpoint().String()
	active := s.active.Add(1)
	log.Debug().Str("remote", remote).Int64("active", active).Msg("connection accepted")
	defer func() {
		remaining := s.active.Add(-1)
		log.Debug().Str("remote", remote).Int64("active", remaining).Msg("connection finished")
	}()
	if err := s.server.HandleConn(ctx, conn); err != nil {
		log.Debug().Err(err).Str("remote", remote).Msg("connection ended with error")
	}
}

// Advertisement describes this gateway to discovery requesters.
func (s *Service) Advertisement() frame.DiscoverResponse {
	return frame.DiscoverResponse{
		Magic:         protocol.Magic,
		ProtocolID:    protocol.ProtocolID,
		ServerPort:    uint16(s.serverPort.Load()),
		BoardCount:    s.server.BoardCount(),
		ProtocolMajor: uint8(protocol.VersionMajor),
		ProtocolMinor: uint8(protocol.VersionMinor),
		HostName:      s.server.Config().HostName,
	}
}

func (s *Service) trackConn(conn *transport.Connection) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *Service) untrackConn(conn *transport.Connection) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, conn)
}

// closeAllConns unblocks every connection task still reading.
func (s *Service) closeAllConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
		delete(s.conns, conn)
	}
}
