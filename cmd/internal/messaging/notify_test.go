package messaging

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRecipient(t *testing.T) {
	t.Parallel()

	conv := Conversation{CustomerUserID: "cust", StoreUserID: "owner"}
	cases := []struct {
		sender SenderType
		want   string
	}{
		{SenderCustomer, "owner"},
		{SenderAdmin, "owner"},
		{SenderStore, "cust"},
		{SenderUnknown, ""},
	}
	for _, tc := range cases {
		if got := Recipient(conv, tc.sender); got != tc.want {
			t.Fatalf("Recipient(%q) = %q, want %q", tc.sender, got, tc.want)
		}
	}
}

func TestBuildNotification(t *testing.T) {
	t.Parallel()

	conv := Conversation{ID: "conv", OrderID: "ord", CustomerUserID: "cust", StoreUserID: "owner"}
	long := strings.Repeat("é", previewRunes+20)
	msg := Message{ID: "msg", SenderID: "cust", Content: long}

	n, ok := BuildNotification(msg, conv, SenderCustomer, "n1", time.Unix(0, 0))
	if !ok {
		t.Fatalf("expected a notification")
	}
	if n.RecipientID != "owner" || n.ConversationID != "conv" || n.OrderID != "ord" || n.MessageID != "msg" {
		t.Fatalf("notification context = %+v", n)
	}
	if n.Type != NotificationNewMessage {
		t.Fatalf("type = %q", n.Type)
	}
	if got := []rune(strings.TrimSuffix(n.Body, "...")); len(got) != previewRunes {
		t.Fatalf("preview runes = %d, want %d", len(got), previewRunes)
	}

	// A sender that is also the recipient is not notified.
	self := Conversation{CustomerUserID: "same", StoreUserID: "same"}
	if _, ok := BuildNotification(Message{SenderID: "same"}, self, SenderCustomer, "n2", time.Now()); ok {
		t.Fatalf("self notification must be skipped")
	}
}

func TestNotificationDispatcher_FailureNeverReachesSend(t *testing.T) {
	t.Parallel()

	notes := &MemoryNotifier{Fail: func(Notification) error { return errors.New("push backend down") }}
	f := newFixture(t, func(d *Deps) { d.Notifier = notes })
	c := mustCreateConversation(t, f)

	res, err := f.svc.Send(context.Background(), Caller{UserID: userCustomer}, c.ID, SendInput{Content: "hello"})
	if err != nil {
		t.Fatalf("send failed because of notifications: %v", err)
	}
	if res.Message.ID == "" {
		t.Fatalf("missing message id")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.svc.Notifications.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if len(notes.Sent()) != 0 {
		t.Fatalf("nothing should have been recorded")
	}
}

func TestNotificationDispatcher_RetriesTransientFailures(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int64
	notes := &MemoryNotifier{Fail: func(Notification) error {
		if attempts.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}}
	f := newFixture(t, func(d *Deps) { d.Notifier = notes })
	c := mustCreateConversation(t, f)

	mustSend(t, f, c.ID, userStore, "your order shipped")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.svc.Notifications.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}

	sent := notes.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent = %d, want 1 after retries", len(sent))
	}
	if sent[0].RecipientID != userCustomer || sent[0].SenderType != SenderStore {
		t.Fatalf("notification = %+v", sent[0])
	}
}

func TestNotificationDispatcher_BreakerOpens(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	notes := &MemoryNotifier{Fail: func(Notification) error {
		calls.Add(1)
		return errors.New("down")
	}}
	d := NewNotificationDispatcher(notes, discardLogger(), nil, DispatcherOptions{
		Timeout:         time.Second,
		MaxRetries:      1,
		InitialInterval: time.Millisecond,
		BreakerFailures: 2,
		BreakerOpenFor:  time.Minute,
	})

	conv := Conversation{ID: "c", CustomerUserID: "cust", StoreUserID: "owner"}
	for i := 0; i < 3; i++ {
		d.Notify(Message{ID: "m", SenderID: "cust", Content: "x"}, conv, SenderCustomer)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := d.Wait(ctx); err != nil {
			cancel()
			t.Fatalf("wait: %v", err)
		}
		cancel()
	}

	// Two attempts trip the breaker; later notifications never reach the backend.
	if got := calls.Load(); got != 2 {
		t.Fatalf("backend calls = %d, want 2", got)
	}
}

func TestNotificationDispatcher_ShutdownStopsScheduling(t *testing.T) {
	t.Parallel()

	notes := &MemoryNotifier{}
	d := NewNotificationDispatcher(notes, discardLogger(), nil, DispatcherOptions{
		Timeout:         time.Second,
		MaxRetries:      1,
		InitialInterval: time.Millisecond,
	})
	conv := Conversation{ID: "c", CustomerUserID: "cust", StoreUserID: "owner"}
	msg := Message{ID: "m", SenderID: "cust", Content: "x"}

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Notify(msg, conv, SenderCustomer)
		}()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	wg.Wait()
	if err := d.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	before := len(notes.Sent())

	d.Notify(msg, conv, SenderCustomer)
	if err := d.Wait(ctx); err != nil {
		t.Fatalf("wait after shutdown: %v", err)
	}
	if got := len(notes.Sent()); got != before {
		t.Fatalf("sent after shutdown = %d, want %d", got, before)
	}
	if err := d.Shutdown(ctx); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
}
