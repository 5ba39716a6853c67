package realtime

import (
	"context"
	"testing"

	v1 "parley/shared/contracts/messaging/v1"
)

func TestClientEnqueue(t *testing.T) {
	t.Parallel()

	c := NewClient("s1", 1)
	if cap(c.Send) != wsMinSendQueueSize {
		t.Fatalf("queue cap=%d want %d", cap(c.Send), wsMinSendQueueSize)
	}

	ctx := context.Background()
	for i := 0; i < wsMinSendQueueSize; i++ {
		if !c.Enqueue(ctx, v1.Envelope{Type: v1.TypeAck}) {
			t.Fatalf("enqueue %d rejected", i)
		}
	}
	if c.Enqueue(ctx, v1.Envelope{Type: v1.TypeAck}) {
		t.Fatalf("enqueue on full queue accepted")
	}
	if got := c.Dropped(); got != 1 {
		t.Fatalf("Dropped()=%d want 1", got)
	}

	<-c.Send
	c.Close()
	c.Close()
	if c.Enqueue(ctx, v1.Envelope{Type: v1.TypeAck}) {
		t.Fatalf("enqueue after Close accepted")
	}
	if got := c.Dropped(); got != 1 {
		t.Fatalf("closed rejection counted as drop: %d", got)
	}
	select {
	case <-c.Done():
	default:
		t.Fatalf("Done not closed")
	}
}

func TestClientEnqueueCancelledContext(t *testing.T) {
	t.Parallel()

	c := NewClient("s1", 64)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if c.Enqueue(ctx, v1.Envelope{Type: v1.TypeAck}) {
		t.Fatalf("enqueue with cancelled ctx accepted")
	}
	if c.Authenticated() {
		t.Fatalf("fresh client authenticated")
	}
}
