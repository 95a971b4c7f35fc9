package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/danmuck/ansgw/internal/protocol"
	"github.com/danmuck/ansgw/internal/protocol/frame"
	"github.com/rs/zerolog/log"
)

var ErrNoTargets = errors.New("discovery: no request target reachable")

// Request sends one DiscoverRequest asking for replies on replyPort. With no
// explicit targets it broadcasts to the default discovery port on every
// local subnet. It fails only when no target could be sent to.
func Request(ctx context.Context, replyPort uint16, targets ...netip.AddrPort) error {
	if replyPort == 0 {
		return fmt.Errorf("discovery: reply port 0: %w", protocol.ErrInvalidLength)
	}
	if len(targets) == 0 {
		targets = BroadcastTargets(protocol.DefaultDiscoveryPort)
	}
	conn, err := listenUDP(ctx, ":0")
	if err != nil {
		return err
	}
	defer conn.Close()
	return sendTo(ctx, conn, frame.EncodeDiscoverRequest(frame.DiscoverRequest{
		Magic:     protocol.Magic,
		ReplyPort: uint32(replyPort),
	}), targets)
}

func sendTo(ctx context.Context, conn *net.UDPConn, payload []byte, targets []netip.AddrPort) error {
	deadline := time.Now().Add(time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)

	sent := 0
	var lastErr error
	for _, target := range targets {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := conn.WriteToUDPAddrPort(payload, target); err != nil {
			log.Debug().Err(err).Str("target", target.String()).Msg("discovery send failed")
			lastErr = err
			continue
		}
		sent++
	}
	if sent == 0 {
		if lastErr != nil {
			return fmt.Errorf("%w: %w", ErrNoTargets, lastErr)
		}
		return ErrNoTargets
	}
	return nil
}
