package gateway

import (
	"context"
	"encoding/binary"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/ansgw/internal/device/sim"
	"github.com/danmuck/ansgw/internal/protocol"
	"github.com/danmuck/ansgw/internal/protocol/frame"
	"github.com/danmuck/ansgw/internal/protocol/session"
	"github.com/danmuck/ansgw/internal/transport"
)

const testTimeout = 2 * time.Second

func netipLoopback() netip.Addr {
	return netip.MustParseAddr("127.0.0.1")
}

type testGateway struct {
	svc     *Service
	backend *sim.Backend
	port    uint16
	cancel  context.CancelFunc
	done    chan error
	once    sync.Once
}

// startGateway serves a Service with a simulated backend on a loopback
// listener. The service is stopped at test cleanup.
func startGateway(t *testing.T, boards int) *testGateway {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	cfg := DefaultServiceConfig()
	cfg.StatusAddr = ""
	cfg.Discovery.Enabled = false
	cfg.Server.HostName = "gw-test"
	cfg.Server.Session = session.Config{
		ConnectTimeout:   testTimeout,
		HandshakeTimeout: testTimeout,
		ReadTimeout:      testTimeout,
		WriteTimeout:     testTimeout,
	}
	backend := sim.NewBackend(boards)
	svc := NewService(cfg, backend)

	ctx, cancel := context.WithCancel(context.Background())
	gw := &testGateway{
		svc:     svc,
		backend: backend,
		port:    uint16(ln.Addr().(*net.TCPAddr).Port),
		cancel:  cancel,
		done:    make(chan error, 1),
	}
	go func() {
		gw.done <- svc.Serve(ctx, ln)
	}()
	t.Cleanup(gw.stop)
	return gw
}

func (g *testGateway) stop() {
	g.once.Do(func() {
		g.cancel()
		select {
		case <-g.done:
		case <-time.After(testTimeout):
		}
	})
}

func (g *testGateway) dial(t *testing.T) *transport.Connection {
	t.Helper()
	conn, err := transport.Dial(context.Background(), "127.0.0.1", g.port, testTimeout)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (g *testGateway) link(
	t *testing.T,
	link protocol.LinkType,
	version protocol.Version,
	peerID protocol.PeerID,
) (*transport.Connection, frame.LinkResponse) {
	t.Helper()
	conn := g.dial(t)
	ctx := context.Background()
	if err := frame.WriteLinkInit(ctx, conn, testTimeout, link, version, peerID); err != nil {
		t.Fatalf("write link init: %v", err)
	}
	resp, err := frame.ReadLinkResponse(ctx, conn, testTimeout)
	if err != nil {
		t.Fatalf("read link response: %v", err)
	}
	return conn, resp
}

// admin performs a successful admin handshake for peerID.
func (g *testGateway) admin(t *testing.T, peerID protocol.PeerID) (*transport.Connection, protocol.PeerID) {
	t.Helper()
	conn, resp := g.link(t, protocol.LinkAdmin, protocol.CurrentVersion(), peerID)
	if resp.Status != protocol.StatusOK {
		t.Fatalf("admin handshake status=%s", resp.Status)
	}
	return conn, resp.PeerID
}

func (g *testGateway) boardChannel(t *testing.T, peerID protocol.PeerID) *transport.Connection {
	t.Helper()
	conn, resp := g.link(t, protocol.LinkBoard, protocol.CurrentVersion(), peerID)
	if resp.Status != protocol.StatusOK {
		t.Fatalf("board handshake status=%s", resp.Status)
	}
	return conn
}

func exchange(
	t *testing.T,
	conn *transport.Connection,
	txid uint32,
	ct protocol.CommandType,
	fn protocol.FunctionID,
	payload []byte,
) frame.Response {
	t.Helper()
	ctx := context.Background()
	err := frame.WriteCommand(ctx, conn, testTimeout, frame.Command{
		Header: frame.CommandHeader{
			TransactionID: txid,
			CommandType:   ct,
			FunctionID:    fn,
		},
		Payload: payload,
	})
	if err != nil {
		t.Fatalf("write command %s: %v", fn, err)
	}
	h, resp, err := frame.ReadResponse(ctx, conn, testTimeout)
	if err != nil {
		t.Fatalf("read response %s: %v", fn, err)
	}
	if h.TransactionID != txid || h.FunctionID != fn || resp.FunctionID != fn {
		t.Fatalf("response does not echo request: header=%+v resp.fn=%s", h, resp.FunctionID)
	}
	return resp
}

func u32(v uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	return buf
}

func expectClosed(t *testing.T, conn *transport.Connection) {
	t.Helper()
	_, err := conn.Receive(context.Background(), 1, testTimeout)
	if transport.Classify(err) != transport.StatusPeerClosed {
		t.Fatalf("expected peer close, got %v", err)
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
