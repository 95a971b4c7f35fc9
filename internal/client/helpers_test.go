package client

import (
	"context"
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/ansgw/internal/device/sim"
	"github.com/danmuck/ansgw/internal/gateway"
	"github.com/danmuck/ansgw/internal/protocol"
	"github.com/danmuck/ansgw/internal/protocol/frame"
	"github.com/danmuck/ansgw/internal/protocol/session"
	"github.com/danmuck/ansgw/internal/transport"
)

const testTimeout = 2 * time.Second

func testSession() session.Config {
	return session.Config{
		ConnectTimeout:   testTimeout,
		HandshakeTimeout: testTimeout,
		ReadTimeout:      testTimeout,
		WriteTimeout:     testTimeout,
		Backoff: session.BackoffConfig{
			InitialDelay: 10 * time.Millisecond,
			Multiplier:   2,
			MaxDelay:     20 * time.Millisecond,
		},
	}
}

func testConfig() Config {
	return Config{Session: testSession()}
}

func listenLoopback(t *testing.T) (net.Listener, uint16) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return ln, uint16(ln.Addr().(*net.TCPAddr).Port)
}

// startGateway serves a real gateway with simulated boards on loopback and
// returns its port. It is stopped at test cleanup.
func startGateway(t *testing.T, boards int) (*sim.Backend, uint16) {
	t.Helper()
	ln, port := listenLoopback(t)
	cfg := gateway.DefaultServiceConfig()
	cfg.StatusAddr = ""
	cfg.Discovery.Enabled = false
	cfg.Server.HostName = "gw-client-test"
	cfg.Server.Session = testSession()
	backend := sim.NewBackend(boards)
	svc := gateway.NewService(cfg, backend)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(testTimeout):
			t.Errorf("gateway did not stop")
		}
	})
	return backend, port
}

// scriptedGateway accepts connections one after another and hands each to
// the next step. It stands in for a gateway whose wire behavior a test needs
// to control exactly.
type scriptedGateway struct {
	port     uint16
	accepted int
	mu       sync.Mutex
	done     chan struct{}
}

func (g *scriptedGateway) Accepted() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.accepted
}

func startScripted(t *testing.T, steps ...func(conn *transport.Connection)) *scriptedGateway {
	t.Helper()
	ln, port := listenLoopback(t)
	g := &scriptedGateway{port: port, done: make(chan struct{})}
	go func() {
		defer close(g.done)
		for _, step := range steps {
			conn, err := transport.Accept(ln, 0)
			if err != nil {
				return
			}
			g.mu.Lock()
			g.accepted++
			g.mu.Unlock()
			step(conn)
			_ = conn.Close()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		<-g.done
	})
	return g
}

// acceptLink reads a LinkInit and answers it. It reports the presented
// peer id.
func acceptLink(
	t *testing.T,
	conn *transport.Connection,
	assign protocol.PeerID,
	status protocol.Status,
	boards uint32,
) protocol.PeerID {
	t.Helper()
	ctx := context.Background()
	init, err := frame.ReadLinkInit(ctx, conn, testTimeout)
	if err != nil {
		t.Errorf("read link init: %v", err)
		return 0
	}
	if err := frame.SendLinkResponse(ctx, conn, testTimeout, init.LinkType, assign, status, boards); err != nil {
		t.Errorf("send link response: %v", err)
	}
	return init.PeerID
}

func u32(v uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	return buf
}
