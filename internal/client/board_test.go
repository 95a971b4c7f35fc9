package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/ansgw/internal/device/sim"
	"github.com/danmuck/ansgw/internal/protocol"
	"github.com/danmuck/ansgw/internal/testutil/testlog"
)

func connectedPeer(t *testing.T, boards int) (*Peer, *sim.Backend) {
	t.Helper()
	backend, port := startGateway(t, boards)
	reg := NewRegistry(testConfig())
	p, err := reg.Acquire("127.0.0.1", port)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	t.Cleanup(func() { reg.Release(p) })
	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return p, backend
}

func TestBoardOpenExecuteClose(t *testing.T) {
	testlog.Start(t)
	p, backend := connectedPeer(t, 2)
	ctx := context.Background()

	b, err := p.OpenBoard(ctx, 1)
	if err != nil {
		t.Fatalf("open board: %v", err)
	}
	if b.Handle() != sim.HandleBase+1 || b.Index() != 1 || b.Peer() != p {
		t.Fatalf("handle=0x%x index=%d", b.Handle(), b.Index())
	}
	if len(p.Boards()) != 1 {
		t.Fatalf("boards=%d", len(p.Boards()))
	}
	pi, err := p.GetPeerInfo(ctx)
	if err != nil || pi.Connections != 2 {
		t.Fatalf("peer info=%+v err=%v", pi, err)
	}

	out, err := b.Execute(ctx, sim.FuncEcho, []byte("ping"))
	if err != nil || string(out) != "ping" {
		t.Fatalf("echo=%q err=%v", out, err)
	}
	_, err = b.Execute(ctx, sim.FuncFail, nil)
	var se *StatusError
	if !errors.As(err, &se) || se.Status != protocol.StatusDeviceError || se.Function != sim.FuncFail {
		t.Fatalf("fail err=%v", err)
	}

	if err := b.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(p.Boards()) != 0 {
		t.Fatalf("board still tracked after close")
	}
	if _, err := b.Execute(ctx, sim.FuncEcho, nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("execute after close: %v", err)
	}
	waitFor(t, func() bool { return backend.OpenCount() == 0 })

	again, err := p.OpenBoard(ctx, 1)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	_ = again.Close(ctx)
}

func TestBoardOpenErrors(t *testing.T) {
	testlog.Start(t)
	p, _ := connectedPeer(t, 1)
	ctx := context.Background()

	_, err := p.OpenBoard(ctx, 5)
	if StatusOf(err) != protocol.StatusInvalidBoard {
		t.Fatalf("missing board: %v", err)
	}

	b, err := p.OpenBoard(ctx, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer b.Close(ctx)
	_, err = p.OpenBoard(ctx, 0)
	if StatusOf(err) != protocol.StatusBoardBusy {
		t.Fatalf("busy board: %v", err)
	}
	if len(p.Boards()) != 1 {
		t.Fatalf("failed opens were tracked: %d", len(p.Boards()))
	}
}

func TestBoardsAndAdminProceedIndependently(t *testing.T) {
	testlog.Start(t)
	p, _ := connectedPeer(t, 2)
	ctx := context.Background()

	slow, err := p.OpenBoard(ctx, 0)
	if err != nil {
		t.Fatalf("open slow: %v", err)
	}
	fast, err := p.OpenBoard(ctx, 1)
	if err != nil {
		t.Fatalf("open fast: %v", err)
	}

	const delay = 400 * time.Millisecond
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := slow.Execute(ctx, sim.FuncDelay, sim.DelayPayload(delay)); err != nil {
			t.Errorf("delay: %v", err)
		}
	}()

	time.Sleep(50 * time.Millisecond)
	start := time.Now()
	if out, err := fast.Execute(ctx, sim.FuncEcho, []byte("x")); err != nil || string(out) != "x" {
		t.Fatalf("echo=%q err=%v", out, err)
	}
	if _, err := p.GetNumBoards(ctx); err != nil {
		t.Fatalf("admin: %v", err)
	}
	if elapsed := time.Since(start); elapsed >= delay/2 {
		t.Fatalf("fast board and admin waited %s behind the slow board", elapsed)
	}
	wg.Wait()
}

func TestBoardCommandsSerializePerBoard(t *testing.T) {
	testlog.Start(t)
	p, _ := connectedPeer(t, 1)
	ctx := context.Background()
	b, err := p.OpenBoard(ctx, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg := []byte{byte(i)}
			out, err := b.Execute(ctx, sim.FuncEcho, msg)
			if err != nil || len(out) != 1 || out[0] != byte(i) {
				t.Errorf("echo %d=%v err=%v", i, out, err)
			}
		}(i)
	}
	wg.Wait()
}

func TestPeerCloseDropsBoards(t *testing.T) {
	testlog.Start(t)
	p, backend := connectedPeer(t, 2)
	ctx := context.Background()
	if _, err := p.OpenBoard(ctx, 0); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := p.OpenBoard(ctx, 1); err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = p.Close()
	if len(p.Boards()) != 0 {
		t.Fatalf("boards=%d after close", len(p.Boards()))
	}
	waitFor(t, func() bool { return backend.OpenCount() == 0 })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s", testTimeout)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
