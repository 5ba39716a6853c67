package messaging

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

const (
	testStoreID    = "s1"
	testOrderID    = "o1"
	testCustomerID = "c1"

	userCustomer = "u-customer"
	userStore    = "u-store"
	userAdmin    = "u-admin"
	userStranger = "u-stranger"
)

type fixture struct {
	store *InMemoryStore
	feed  *MemoryFeed
	files *MemoryStorage
	notes *MemoryNotifier
	svc   *Service
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seedMemoryStore(s *InMemoryStore) {
	s.PutStore(StoreRecord{ID: testStoreID, OwnerUserID: userStore})
	s.PutCustomer(Customer{ID: testCustomerID, UserID: userCustomer})
	s.PutOrder(Order{ID: testOrderID, StoreID: testStoreID, CustomerID: testCustomerID})
	s.GrantRole(userAdmin, roleAdmin)
}

// newFixture wires a Service over in-memory collaborators. mutate may adjust deps before wiring.
func newFixture(t *testing.T, mutate ...func(*Deps)) *fixture {
	t.Helper()

	store := NewInMemoryStore()
	seedMemoryStore(store)
	feed := NewMemoryFeed(discardLogger())
	files := NewMemoryStorage("")
	notes := &MemoryNotifier{}

	deps := Deps{
		Store:    store,
		Feed:     feed,
		Files:    files,
		Notifier: notes,
		Log:      discardLogger(),
		Dispatcher: DispatcherOptions{
			Timeout:         2 * time.Second,
			MaxRetries:      2,
			InitialInterval: time.Millisecond,
		},
	}
	for _, m := range mutate {
		m(&deps)
	}

	svc, err := NewService(deps)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
		_ = feed.Close()
	})

	return &fixture{store: store, feed: feed, files: files, notes: notes, svc: svc}
}

func mustCreateConversation(t *testing.T, f *fixture) Conversation {
	t.Helper()

	c, err := f.svc.Conversations.Create(context.Background(), testOrderID, testStoreID)
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	return c
}

func mustSend(t *testing.T, f *fixture, conversationID, caller, content string) SendResult {
	t.Helper()

	res, err := f.svc.Send(context.Background(), Caller{UserID: caller}, conversationID, SendInput{Content: content})
	if err != nil {
		t.Fatalf("send %q as %s: %v", content, caller, err)
	}
	return res
}

// stepClock returns a clock that advances by step on every call.
func stepClock(start time.Time, step time.Duration) func() time.Time {
	var n atomic.Int64
	return func() time.Time {
		return start.Add(time.Duration(n.Add(1)) * step)
	}
}

// countingFeed counts publishes on top of a MemoryFeed.
type countingFeed struct {
	*MemoryFeed
	published atomic.Int64
}

func (c *countingFeed) Publish(ctx context.Context, ev Event) error {
	c.published.Add(1)
	return c.MemoryFeed.Publish(ctx, ev)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
