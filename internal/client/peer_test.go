package client

import (
	"context"
	"errors"
	"testing"

	"github.com/danmuck/ansgw/internal/protocol"
	"github.com/danmuck/ansgw/internal/protocol/frame"
	"github.com/danmuck/ansgw/internal/testutil/testlog"
	"github.com/danmuck/ansgw/internal/transport"
)

func TestPeerAdminCommands(t *testing.T) {
	testlog.Start(t)
	_, port := startGateway(t, 3)
	reg := NewRegistry(testConfig())
	p, err := reg.Acquire("127.0.0.1", port)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer reg.Release(p)
	ctx := context.Background()

	if p.PeerID().Known() {
		t.Fatalf("peer id known before connect")
	}
	if err := p.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if p.PeerID() != 1 || p.BoardCount() != 3 {
		t.Fatalf("peer=%d boards=%d", p.PeerID(), p.BoardCount())
	}
	if err := p.Connect(ctx); err != nil || p.PeerID() != 1 {
		t.Fatalf("second connect: %v peer=%d", err, p.PeerID())
	}

	n, err := p.GetNumBoards(ctx)
	if err != nil || n != 3 {
		t.Fatalf("num boards=%d err=%v", n, err)
	}
	info, err := p.GetServerInfo(ctx)
	if err != nil {
		t.Fatalf("server info: %v", err)
	}
	if info.HostName != "gw-client-test" || info.BoardCount != 3 || info.Protocol != protocol.CurrentVersion() {
		t.Fatalf("server info=%+v", info)
	}
	pi, err := p.GetPeerInfo(ctx)
	if err != nil || pi.PeerID != 1 || pi.Connections != 1 {
		t.Fatalf("peer info=%+v err=%v", pi, err)
	}

	resp, err := p.TransmitCommand(ctx, protocol.FunctionID(0x7777), nil)
	if err != nil {
		t.Fatalf("transmit: %v", err)
	}
	if resp.Status != protocol.StatusUnknownFunction {
		t.Fatalf("unknown function status=%s", resp.Status)
	}
}

func TestPeerDiscardsStaleResponses(t *testing.T) {
	testlog.Start(t)
	g := startScripted(t, func(conn *transport.Connection) {
		acceptLink(t, conn, 7, protocol.StatusOK, 2)
		ctx := context.Background()
		cmd, err := frame.ReadCommand(ctx, conn, testTimeout)
		if err != nil {
			t.Errorf("read command: %v", err)
			return
		}
		if cmd.Header.ClientID != 7 || cmd.Header.CommandType != protocol.CommandAdmin {
			t.Errorf("header=%+v", cmd.Header)
		}
		stale := cmd.Header
		stale.TransactionID += 100
		_ = frame.WriteResponse(ctx, conn, testTimeout, stale, frame.Response{Status: protocol.StatusOK, Payload: u32(99)})
		_ = frame.WriteResponse(ctx, conn, testTimeout, cmd.Header, frame.Response{Status: protocol.StatusOK, Payload: u32(2)})
	})

	p := newPeer("127.0.0.1", g.port, testConfig())
	defer p.Close()
	n, err := p.GetNumBoards(context.Background())
	if err != nil {
		t.Fatalf("num boards: %v", err)
	}
	if n != 2 {
		t.Fatalf("num boards=%d, stale response was not discarded", n)
	}
}

func TestPeerLinkRejectionIsNotRetried(t *testing.T) {
	testlog.Start(t)
	g := startScripted(t,
		func(conn *transport.Connection) {
			acceptLink(t, conn, protocol.PeerIDUnknown, protocol.StatusIncompatibleProtVer, 0)
		},
		func(conn *transport.Connection) {
			t.Errorf("rejected handshake was retried")
		},
	)
	p := newPeer("127.0.0.1", g.port, testConfig())
	defer p.Close()

	err := p.ConnectWithRetry(context.Background(), 3)
	var le *LinkError
	if !errors.As(err, &le) || le.Link != protocol.LinkAdmin {
		t.Fatalf("err=%v", err)
	}
	if StatusOf(err) != protocol.StatusIncompatibleProtVer {
		t.Fatalf("status=%s", StatusOf(err))
	}
	if p.Connected() || g.Accepted() != 1 {
		t.Fatalf("connected=%v accepted=%d", p.Connected(), g.Accepted())
	}
}

func TestPeerConnectWithRetryGivesUp(t *testing.T) {
	testlog.Start(t)
	ln, port := listenLoopback(t)
	_ = ln.Close()

	p := newPeer("127.0.0.1", port, testConfig())
	defer p.Close()
	err := p.ConnectWithRetry(context.Background(), 2)
	if err == nil {
		t.Fatalf("connect to closed port succeeded")
	}
	if !errors.Is(err, transport.ErrIO) {
		t.Fatalf("err=%v", err)
	}
	if StatusOf(err) != protocol.StatusInternalError {
		t.Fatalf("status=%s", StatusOf(err))
	}
}

func TestPeerReregistersWhenGatewayForgetsID(t *testing.T) {
	testlog.Start(t)
	g := startScripted(t,
		func(conn *transport.Connection) {
			if id := acceptLink(t, conn, 5, protocol.StatusOK, 1); id != protocol.PeerIDUnknown {
				t.Errorf("first handshake presented %d", id)
			}
		},
		func(conn *transport.Connection) {
			if id := acceptLink(t, conn, 5, protocol.StatusInvalidPeerID, 0); id != 5 {
				t.Errorf("reconnect presented %d", id)
			}
		},
		func(conn *transport.Connection) {
			if id := acceptLink(t, conn, 6, protocol.StatusOK, 4); id != protocol.PeerIDUnknown {
				t.Errorf("re-registration presented %d", id)
			}
			ctx := context.Background()
			cmd, err := frame.ReadCommand(ctx, conn, testTimeout)
			if err != nil {
				t.Errorf("read command: %v", err)
				return
			}
			_ = frame.WriteResponse(ctx, conn, testTimeout, cmd.Header, frame.Response{Status: protocol.StatusOK, Payload: u32(4)})
		},
	)
	p := newPeer("127.0.0.1", g.port, testConfig())
	defer p.Close()
	ctx := context.Background()

	if _, err := p.GetNumBoards(ctx); err == nil {
		t.Fatalf("command on a dropped channel succeeded")
	}
	if p.Connected() {
		t.Fatalf("channel still marked connected after transport failure")
	}
	n, err := p.GetNumBoards(ctx)
	if err != nil || n != 4 {
		t.Fatalf("num boards=%d err=%v", n, err)
	}
	if p.PeerID() != 6 {
		t.Fatalf("peer id=%d want 6", p.PeerID())
	}
}
