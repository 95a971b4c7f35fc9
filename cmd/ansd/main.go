package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/danmuck/ansgw/internal/device/sim"
	"github.com/danmuck/ansgw/internal/gateway"
	"github.com/danmuck/ansgw/internal/logging"
	"github.com/danmuck/ansgw/internal/protocol"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ansd: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		listenAddr string
		boards     int
	)

	cmd := &cobra.Command{
		Use:           "ansd",
		Short:         "ANS gateway daemon",
		Long:          `ansd serves simulated boards to remote ANS clients over TCP and answers UDP discovery.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadDaemonConfig(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.Service.ListenAddr = listenAddr
			}
			if cmd.Flags().Changed("boards") {
				cfg.Boards = boards
			}

			logging.ApplyWithEnv(cfg.Log)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			svc := gateway.NewService(cfg.Service, sim.NewBackend(cfg.Boards))
			err = svc.Run(ctx)
			if err != nil && ctx.Err() == nil {
				return err
			}
			log.Info().Msg("ansd stopped")
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a TOML config file")
	cmd.Flags().StringVar(&listenAddr, "listen", "", "override the TCP listen address")
	cmd.Flags().IntVar(&boards, "boards", defaultBoards, "override the number of simulated boards")

	cmd.AddCommand(versionCmd())
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			v := protocol.CurrentVersion()
			fmt.Fprintf(cmd.OutOrStdout(), "ansd %s (server %s, protocol %s, %s/%s)\n",
				version, protocol.ServerVersion, v, runtime.GOOS, runtime.GOARCH)
		},
	}
}
