package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/ansgw/internal/observability"
	"github.com/danmuck/ansgw/internal/protocol"
	"github.com/danmuck/ansgw/internal/protocol/frame"
	"github.com/rs/zerolog/log"
)

// ResponderConfig controls where a gateway listens for discovery requests.
// AnnouncePort 0 disables the startup announcement; AnnounceTargets
// overrides the subnet broadcast addresses it is sent to.
type ResponderConfig struct {
	ListenAddr      string
	AnnouncePort    uint16
	AnnounceTargets []netip.AddrPort
}

// Advertisement produces the response describing this gateway. It is called
// per request so board counts stay current.
type Advertisement func() frame.DiscoverResponse

type Responder struct {
	cfg       ResponderConfig
	advertise Advertisement

	mu   sync.Mutex
	conn *net.UDPConn
}

func NewResponder(cfg ResponderConfig, advertise Advertisement) *Responder {
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = fmt.Sprintf(":%d", protocol.DefaultDiscoveryPort)
	}
	return &Responder{cfg: cfg, advertise: advertise}
}

// Listen binds the request socket. Run calls it when needed.
func (r *Responder) Listen(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		return nil
	}
	conn, err := listenUDP(ctx, r.cfg.ListenAddr)
	if err != nil {
		return err
	}
	r.conn = conn
	return nil
}

// LocalAddr is the bound request address, valid after Listen.
func (r *Responder) LocalAddr() netip.AddrPort {
	r.mu.Lock()
	defer r.mu.Unlock()
	return localAddrPort(r.conn)
}

// Run answers requests until ctx is done.
func (r *Responder) Run(ctx context.Context) error {
	if err := r.Listen(ctx); err != nil {
		return err
	}
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	defer r.Close()

	log.Info().Str("addr", localAddrPort(conn).String()).Msg("discovery responder listening")
	r.announce(ctx, conn)

	buf := make([]byte, maxDatagram)
	for {
		if ctx.Err() != nil {
			return nil
		}
		_ = conn.SetReadDeadline(time.Now().Add(pollInterval))
		n, src, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		r.handle(conn, buf[:n], src)
	}
}

func (r *Responder) handle(conn *net.UDPConn, b []byte, src netip.AddrPort) {
	req, err := frame.DecodeDiscoverRequest(b)
	if err != nil {
		observability.RecordDiscoveryRequest("invalid")
		log.Debug().Err(err).Str("from", src.String()).Msg("discovery request ignored")
		return
	}
	dst := netip.AddrPortFrom(src.Addr().Unmap(), uint16(req.ReplyPort))
	if _, err := conn.WriteToUDPAddrPort(frame.EncodeDiscoverResponse(r.advertise()), dst); err != nil {
		observability.RecordDiscoveryRequest("send_failed")
		log.Warn().Err(err).Str("to", dst.String()).Msg("discovery reply failed")
		return
	}
	observability.RecordDiscoveryRequest("answered")
	log.Debug().Str("to", dst.String()).Msg("discovery reply sent")
}

func (r *Responder) announce(ctx context.Context, conn *net.UDPConn) {
	if r.cfg.AnnouncePort == 0 {
		return
	}
	targets := r.cfg.AnnounceTargets
	if len(targets) == 0 {
		targets = BroadcastTargets(r.cfg.AnnouncePort)
	}
	if err := sendTo(ctx, conn, frame.EncodeDiscoverResponse(r.advertise()), targets); err != nil {
		log.Warn().Err(err).Msg("discovery announcement failed")
		return
	}
	log.Info().Int("targets", len(targets)).Msg("discovery announcement sent")
}

func (r *Responder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	err := r.conn.Close()
	r.conn = nil
	return err
}
