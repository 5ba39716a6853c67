package realtime

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	v1 "parley/shared/contracts/messaging/v1"
)

// Client is the transport half of one socket: identity, the bounded outbound queue and the stop signal.
//
// Send is never closed by the server; done signals the writer and heartbeat goroutines to stop.
// UserID is empty until hello succeeds and is only touched by the read loop.
type Client struct {
	SessionID   string
	UserID      string
	Remote      string
	ConnectedAt time.Time
	Send        chan v1.Envelope

	dropped   atomic.Int64
	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(sessionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = wsMinSendQueueSize
	}
	return &Client{
		SessionID:   sessionID,
		ConnectedAt: time.Now().UTC(),
		Send:        make(chan v1.Envelope, sendQueueSize),
		done:        make(chan struct{}),
	}
}

// Authenticated reports whether hello has bound a user to the socket.
func (c *Client) Authenticated() bool { return c != nil && c.UserID != "" }

// Enqueue queues env without blocking. It reports false when the queue is full or the client is closing;
// a full queue is counted in Dropped.
func (c *Client) Enqueue(ctx context.Context, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-c.done:
		return false
	default:
	}
	select {
	case c.Send <- env:
		return true
	default:
		c.dropped.Add(1)
		return false
	}
}

// Dropped is the number of envelopes rejected by a full queue.
func (c *Client) Dropped() int64 { return c.dropped.Load() }

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
