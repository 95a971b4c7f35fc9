package main

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/danmuck/ansgw/internal/client"
	"github.com/danmuck/ansgw/internal/device/sim"
	"github.com/danmuck/ansgw/internal/protocol/frame"
	"github.com/spf13/cobra"
)

func exerciseCmd(opts *globalOptions) *cobra.Command {
	var (
		index  uint32
		count  int
		events bool
	)
	cmd := &cobra.Command{
		Use:   "exercise",
		Short: "Open a simulated board and round-trip commands through it",
		Long: `Open the board at --index, send --count echo commands and, with --events,
raise one event per echo on an event stream and wait for it to arrive.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPeer(cmd, opts, func(ctx context.Context, p *client.Peer) error {
				return exercise(ctx, cmd, p, index, count, events)
			})
		},
	}
	cmd.Flags().Uint32VarP(&index, "index", "i", 0, "board index")
	cmd.Flags().IntVarP(&count, "count", "n", 10, "number of echo commands")
	cmd.Flags().BoolVar(&events, "events", false, "also exercise the event stream")
	return cmd
}

func exercise(ctx context.Context, cmd *cobra.Command, p *client.Peer, index uint32, count int, events bool) error {
	out := cmd.OutOrStdout()
	b, err := p.OpenBoard(ctx, index)
	if err != nil {
		return fmt.Errorf("open board %d: %w", index, err)
	}
	defer b.Close(ctx)
	fmt.Fprintf(out, "board %d open, handle 0x%x\n", index, b.Handle())

	var received chan frame.Event
	if events {
		received = make(chan frame.Event, count)
		stream, err := b.OpenEventStream(ctx, func(ev frame.Event) {
			select {
			case received <- ev:
			default:
			}
		})
		if err != nil {
			return fmt.Errorf("open event stream: %w", err)
		}
		defer b.CloseEventStream(ctx, stream)
		fmt.Fprintf(out, "event stream %d on port %d\n", stream.Handle(), stream.Port())
	}

	var total time.Duration
	for i := 0; i < count; i++ {
		msg := []byte(fmt.Sprintf("ansctl-%d", i))
		start := time.Now()
		echo, err := b.Execute(ctx, sim.FuncEcho, msg)
		if err != nil {
			return fmt.Errorf("echo %d: %w", i, err)
		}
		total += time.Since(start)
		if !bytes.Equal(echo, msg) {
			return fmt.Errorf("echo %d: got %q want %q", i, echo, msg)
		}
		if !events {
			continue
		}
		if _, err := b.Execute(ctx, sim.FuncRaiseEvent, msg); err != nil {
			return fmt.Errorf("raise event %d: %w", i, err)
		}
		select {
		case ev := <-received:
			if !bytes.Equal(ev.Payload, msg) {
				return fmt.Errorf("event %d: got %q want %q", i, ev.Payload, msg)
			}
		case <-ctx.Done():
			return fmt.Errorf("event %d: %w", i, ctx.Err())
		}
	}
	if count > 0 {
		fmt.Fprintf(out, "%d echoes ok, mean %s\n", count, total/time.Duration(count))
	}
	return nil
}
