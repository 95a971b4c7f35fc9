package main

import (
	"fmt"
	"net/netip"
	"text/tabwriter"
	"time"

	"github.com/danmuck/ansgw/internal/discovery"
	"github.com/danmuck/ansgw/internal/protocol"
	"github.com/spf13/cobra"
)

func discoverCmd(_ *globalOptions) *cobra.Command {
	var (
		window  time.Duration
		listen  string
		targets []string
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Find gateways on the local network",
		Long: `Broadcast a discovery request and list every gateway that answers within
the window. --target sends the request to specific addresses instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var dst []netip.AddrPort
			for _, raw := range targets {
				ap, err := parseTarget(raw)
				if err != nil {
					return err
				}
				dst = append(dst, ap)
			}
			found, err := discovery.Discover(cmd.Context(), window, listen, dst...)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), found)
			}
			if len(found) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no gateways answered")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ADDRESS\tHOST\tBOARDS\tPROTOCOL")
			for _, gw := range found {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", gw.Addr, gw.HostName, gw.BoardCount, gw.Protocol)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().DurationVarP(&window, "window", "w", 2*time.Second, "how long to collect replies")
	cmd.Flags().StringVar(&listen, "listen", ":0", "local UDP address for replies")
	cmd.Flags().StringSliceVarP(&targets, "target", "t", nil, "unicast target ip[:port], repeatable")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

// parseTarget accepts ip or ip:port; a bare ip uses the discovery port.
func parseTarget(raw string) (netip.AddrPort, error) {
	if ap, err := netip.ParseAddrPort(raw); err == nil {
		return ap, nil
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("invalid target %q", raw)
	}
	return netip.AddrPortFrom(addr, protocol.DefaultDiscoveryPort), nil
}
