package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/danmuck/ansgw/internal/client"
	"github.com/danmuck/ansgw/internal/logging"
	"github.com/danmuck/ansgw/internal/protocol"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ansctl: %v\n", err)
		os.Exit(1)
	}
}

// globalOptions are the flags every subcommand shares.
type globalOptions struct {
	gateway  string
	port     uint16
	timeout  time.Duration
	attempts int
	logLevel string
}

func rootCmd() *cobra.Command {
	opts := &globalOptions{}
	cmd := &cobra.Command{
		Use:           "ansctl",
		Short:         "Operator client for ANS gateways",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logging.ConfigureRuntime()
			if cmd.Flags().Changed("log-level") {
				lvl, ok := logging.ParseLevel(opts.logLevel)
				if !ok {
					return fmt.Errorf("unknown log level %q", opts.logLevel)
				}
				logging.ApplyWithEnv(logging.Config{Level: lvl, Timestamp: true})
			}
			return nil
		},
	}
	pf := cmd.PersistentFlags()
	pf.StringVarP(&opts.gateway, "gateway", "g", "127.0.0.1", "gateway address")
	pf.Uint16VarP(&opts.port, "port", "p", protocol.DefaultServerPort, "gateway TCP port")
	pf.DurationVar(&opts.timeout, "timeout", 10*time.Second, "overall deadline for the command")
	pf.IntVar(&opts.attempts, "attempts", 3, "connect attempts before giving up")
	pf.StringVar(&opts.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")

	cmd.AddCommand(
		discoverCmd(opts),
		infoCmd(opts),
		boardsCmd(opts),
		exerciseCmd(opts),
	)
	return cmd
}

// withPeer connects to the selected gateway, runs fn and releases the peer.
func withPeer(cmd *cobra.Command, opts *globalOptions, fn func(ctx context.Context, p *client.Peer) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()

	reg := client.NewRegistry(client.DefaultConfig())
	p, err := reg.Acquire(opts.gateway, opts.port)
	if err != nil {
		return err
	}
	defer reg.Release(p)
	if err := p.ConnectWithRetry(ctx, opts.attempts); err != nil {
		return fmt.Errorf("connect %s:%d: %w", opts.gateway, opts.port, err)
	}
	return fn(ctx, p)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
