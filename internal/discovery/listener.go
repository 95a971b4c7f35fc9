package discovery

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/ansgw/internal/protocol"
	"github.com/danmuck/ansgw/internal/protocol/frame"
	"github.com/rs/zerolog/log"
)

// Gateway is one discovered server.
type Gateway struct {
	Addr       netip.AddrPort   `json:"addr"`
	HostName   string           `json:"host_name"`
	BoardCount uint32           `json:"board_count"`
	ProtocolID uint16           `json:"protocol_id"`
	Protocol   protocol.Version `json:"protocol"`
}

// Listener receives discovery replies and announcements on one UDP port.
type Listener struct {
	conn *net.UDPConn
	stop atomic.Bool

	mu   sync.Mutex
	seen map[netip.AddrPort]struct{}
}

// Listen binds addr, for example ":9522".
func Listen(ctx context.Context, addr string) (*Listener, error) {
	conn, err := listenUDP(ctx, addr)
	if err != nil {
		return nil, err
	}
	return &Listener{conn: conn, seen: make(map[netip.AddrPort]struct{})}, nil
}

func (l *Listener) Port() uint16 {
	return localAddrPort(l.conn).Port()
}

// Stop asks Run to return after its current poll.
func (l *Listener) Stop() {
	l.stop.Store(true)
}

func (l *Listener) Close() error {
	l.Stop()
	return l.conn.Close()
}

// Run calls fn once for every distinct gateway that answers, keyed by sender
// address and advertised server port, until Stop or ctx.
func (l *Listener) Run(ctx context.Context, fn func(Gateway)) error {
	buf := make([]byte, maxDatagram)
	for !l.stop.Load() {
		if ctx.Err() != nil {
			return nil
		}
		_ = l.conn.SetReadDeadline(time.Now().Add(pollInterval))
		n, src, err := l.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if l.stop.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		resp, err := frame.DecodeDiscoverResponse(buf[:n])
		if err != nil {
			log.Debug().Err(err).Str("from", src.String()).Msg("discovery datagram ignored")
			continue
		}
		gw := Gateway{
			Addr:       netip.AddrPortFrom(src.Addr().Unmap(), resp.ServerPort),
			HostName:   resp.HostName,
			BoardCount: resp.BoardCount,
			ProtocolID: resp.ProtocolID,
			Protocol:   protocol.Version{Major: uint16(resp.ProtocolMajor), Minor: uint16(resp.ProtocolMinor)},
		}
		if !l.markSeen(gw.Addr) {
			continue
		}
		log.Debug().Str("gateway", gw.Addr.String()).Str("host", gw.HostName).Msg("gateway discovered")
		fn(gw)
	}
	return nil
}

func (l *Listener) markSeen(addr netip.AddrPort) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.seen[addr]; ok {
		return false
	}
	l.seen[addr] = struct{}{}
	return true
}

// Discover broadcasts one request (or sends it to targets) and collects
// replies for window.
func Discover(ctx context.Context, window time.Duration, listenAddr string, targets ...netip.AddrPort) ([]Gateway, error) {
	l, err := Listen(ctx, listenAddr)
	if err != nil {
		return nil, err
	}
	defer l.Close()

	ctx, cancel := context.WithTimeout(ctx, window)
	defer cancel()
	if err := Request(ctx, l.Port(), targets...); err != nil {
		return nil, err
	}

	var found []Gateway
	err = l.Run(ctx, func(gw Gateway) {
		found = append(found, gw)
	})
	return found, err
}
