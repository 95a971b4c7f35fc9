package main

import (
	"context"
	"fmt"

	"github.com/danmuck/ansgw/internal/client"
	"github.com/danmuck/ansgw/internal/protocol/schema"
	"github.com/spf13/cobra"
)

type infoOutput struct {
	Server schema.ServerInfo `json:"server"`
	Peer   schema.PeerInfo   `json:"peer"`
}

func infoCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show server and peer information",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPeer(cmd, opts, func(ctx context.Context, p *client.Peer) error {
				server, err := p.GetServerInfo(ctx)
				if err != nil {
					return err
				}
				peer, err := p.GetPeerInfo(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), infoOutput{Server: server, Peer: peer})
			})
		},
	}
}

func boardsCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "boards",
		Short: "Print the number of boards the gateway serves",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPeer(cmd, opts, func(ctx context.Context, p *client.Peer) error {
				n, err := p.GetNumBoards(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), n)
				return nil
			})
		},
	}
}
