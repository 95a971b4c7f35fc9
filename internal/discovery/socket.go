package discovery

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"go4.org/netipx"
)

// pollInterval bounds each receive so stop requests are noticed promptly.
const pollInterval = 250 * time.Millisecond

const maxDatagram = 512

func listenUDP(ctx context.Context, addr string) (*net.UDPConn, error) {
	lc := net.ListenConfig{Control: control}
	pc, err := lc.ListenPacket(ctx, "udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("discovery: listen %s: %w", addr, err)
	}
	return pc.(*net.UDPConn), nil
}

func localAddrPort(conn *net.UDPConn) netip.AddrPort {
	if conn == nil {
		return netip.AddrPort{}
	}
	ap := conn.LocalAddr().(*net.UDPAddr).AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// BroadcastTargets returns the directed broadcast address of every up,
// broadcast-capable IPv4 interface plus the limited broadcast address, each
// paired with port.
func BroadcastTargets(port uint16) []netip.AddrPort {
	seen := make(map[netip.Addr]struct{})
	var out []netip.AddrPort
	add := func(a netip.Addr) {
		if _, dup := seen[a]; dup {
			return
		}
		seen[a] = struct{}{}
		out = append(out, netip.AddrPortFrom(a, port))
	}

	ifaces, err := net.Interfaces()
	if err == nil {
		for _, ifi := range ifaces {
			if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagBroadcast == 0 || ifi.Flags&net.FlagLoopback != 0 {
				continue
			}
			addrs, err := ifi.Addrs()
			if err != nil {
				continue
			}
			for _, a := range addrs {
				ipnet, ok := a.(*net.IPNet)
				if !ok {
					continue
				}
				prefix, ok := netipx.FromStdIPNet(ipnet)
				if !ok || !prefix.Addr().Is4() || prefix.Bits() >= 31 {
					continue
				}
				add(netipx.PrefixLastIP(prefix.Masked()))
			}
		}
	}
	add(netip.AddrFrom4([4]byte{255, 255, 255, 255}))
	return out
}
