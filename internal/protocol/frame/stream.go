package frame

import (
	"context"
	"time"
)

// Stream is the exact-length transport the frame readers and writers run on.
// Receive must return exactly n bytes or an error; timeout 0 means unbounded.
type Stream interface {
	Send(ctx context.Context, b []byte, timeout time.Duration) error
	Receive(ctx context.Context, n int, timeout time.Duration) ([]byte, error)
}
