package gateway

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/danmuck/ansgw/internal/protocol/session"
	"github.com/danmuck/ansgw/internal/testutil/testlog"
	"github.com/danmuck/ansgw/internal/transport"
)

func TestObserverCloseDoesNotWaitForBlockedSend(t *testing.T) {
	testlog.Start(t)
	reader, writer := net.Pipe()
	defer reader.Close()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	obs := &observer{handle: 1, ln: ln, ready: make(chan struct{})}
	if !obs.attach(transport.Wrap(writer)) {
		t.Fatalf("attach refused on an open observer")
	}
	b := &Board{cfg: session.Config{WriteTimeout: 10 * time.Second}}

	sent := make(chan error, 1)
	go func() {
		// nobody reads the pipe, so this write blocks
		sent <- obs.send(context.Background(), b, []byte("stuck"))
	}()
	eventually(t, "send holding the observer lock", func() bool {
		if obs.mu.TryLock() {
			obs.mu.Unlock()
			return false
		}
		return true
	})

	closed := make(chan struct{})
	go func() {
		obs.close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatalf("close waited behind a blocked send")
	}
	select {
	case err := <-sent:
		if err == nil {
			t.Fatalf("send on a closed observer succeeded")
		}
	case <-time.After(time.Second):
		t.Fatalf("blocked send not released by close")
	}
}

func TestObserverAttachAfterClose(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	obs := &observer{handle: 2, ln: ln, ready: make(chan struct{})}
	obs.close()

	local, remote := net.Pipe()
	defer remote.Close()
	conn := transport.Wrap(local)
	if obs.attach(conn) {
		t.Fatalf("attach accepted after close")
	}
	if !conn.Closed() {
		t.Fatalf("late connection left open")
	}
	if err := obs.send(context.Background(), &Board{}, []byte("x")); err == nil {
		t.Fatalf("send after close succeeded")
	}
}
