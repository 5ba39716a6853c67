package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// heldUnreadStore blocks unread counts for one conversation while armed, until release is closed.
type heldUnreadStore struct {
	*InMemoryStore
	conversationID string
	armed          *atomic.Bool
	entered        chan struct{}
	enteredOnce    *sync.Once
	release        chan struct{}
}

func (s heldUnreadStore) CountMessages(ctx context.Context, conversationID string, f MessageFilter) (int, error) {
	if f.UnreadOnly && conversationID == s.conversationID && s.armed.Load() {
		s.enteredOnce.Do(func() { close(s.entered) })
		<-s.release
	}
	return s.InMemoryStore.CountMessages(ctx, conversationID, f)
}

func mustOpenSession(t *testing.T, f *fixture, user string, scope Scope) *Session {
	t.Helper()

	s := f.svc.NewSession(Caller{UserID: user})
	t.Cleanup(s.Close)
	if err := s.Open(context.Background(), scope); err != nil {
		t.Fatalf("open session for %s: %v", user, err)
	}
	return s
}

func TestSession_OpenSelectSend(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	c := mustCreateConversation(t, f)

	s := mustOpenSession(t, f, userCustomer, OrderScope(testOrderID))
	st := s.State()
	if len(st.Conversations) != 1 || st.Conversations[0].ID != c.ID {
		t.Fatalf("conversations = %+v", st.Conversations)
	}
	if st.Stats.TotalConversations != 1 {
		t.Fatalf("stats = %+v", st.Stats)
	}

	if err := s.SelectConversation(ctx, c.ID); err != nil {
		t.Fatalf("select: %v", err)
	}
	if _, err := s.Send(ctx, SendInput{Content: "hello"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	st = s.State()
	if st.Active == nil || st.Active.ID != c.ID || st.ActiveRole != SenderCustomer {
		t.Fatalf("active = %+v role %q", st.Active, st.ActiveRole)
	}
	if len(st.Messages) != 1 || st.Messages[0].Content != "hello" {
		t.Fatalf("messages = %+v", st.Messages)
	}
	if st.Stats.TotalMessages != 1 || st.Error != "" {
		t.Fatalf("stats = %+v error %q", st.Stats, st.Error)
	}
}

func TestSession_LoadMoreWithoutMoreIsNoOp(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	c := mustCreateConversation(t, f)
	mustSend(t, f, c.ID, userCustomer, "only one")

	s := mustOpenSession(t, f, userCustomer, OrderScope(testOrderID))
	if err := s.SelectConversation(ctx, c.ID); err != nil {
		t.Fatalf("select: %v", err)
	}
	before := s.State()

	loaded, err := s.LoadMore(ctx)
	if err != nil || loaded {
		t.Fatalf("LoadMore = (%v, %v), want (false, nil)", loaded, err)
	}
	after := s.State()
	if after.Version != before.Version || after.Page != before.Page || len(after.Messages) != len(before.Messages) {
		t.Fatalf("state changed: before %+v after %+v", before, after)
	}
}

func TestSession_LoadMorePrependsOlderHistory(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(d *Deps) { d.PageSize = 2 })
	ctx := context.Background()
	c := mustCreateConversation(t, f)
	for i := 0; i < 5; i++ {
		mustSend(t, f, c.ID, userCustomer, fmt.Sprintf("m%d", i))
	}

	s := mustOpenSession(t, f, userStore, StoreScope(testStoreID))
	if err := s.SelectConversation(ctx, c.ID); err != nil {
		t.Fatalf("select: %v", err)
	}
	if st := s.State(); len(st.Messages) != 2 || st.Messages[0].Content != "m3" || !st.HasMore {
		t.Fatalf("page 1 = %+v", st)
	}

	for {
		loaded, err := s.LoadMore(ctx)
		if err != nil {
			t.Fatalf("load more: %v", err)
		}
		if !loaded {
			break
		}
	}

	st := s.State()
	if len(st.Messages) != 5 || st.HasMore {
		t.Fatalf("after loading all: %d messages, hasMore=%v", len(st.Messages), st.HasMore)
	}
	for i, m := range st.Messages {
		if m.Content != fmt.Sprintf("m%d", i) {
			t.Fatalf("message %d = %q", i, m.Content)
		}
	}
}

func TestSession_LiveMessageFromCounterparty(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	c := mustCreateConversation(t, f)

	customer := mustOpenSession(t, f, userCustomer, OrderScope(testOrderID))
	if err := customer.SelectConversation(ctx, c.ID); err != nil {
		t.Fatalf("select: %v", err)
	}

	mustSend(t, f, c.ID, userStore, "we shipped it")

	waitFor(t, 2*time.Second, func() bool {
		st := customer.State()
		return len(st.Messages) == 1 && st.Messages[0].Content == "we shipped it"
	})
	waitFor(t, 2*time.Second, func() bool { return customer.State().Stats.UnreadMessages == 1 })
}

func TestSession_SwitchingScopeDropsStaleConversation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.store.PutStore(StoreRecord{ID: "s2", OwnerUserID: userStore})
	c := mustCreateConversation(t, f)

	s := mustOpenSession(t, f, userStore, StoreScope(testStoreID))
	if err := s.SelectConversation(ctx, c.ID); err != nil {
		t.Fatalf("select: %v", err)
	}
	if err := s.Open(ctx, StoreScope("s2")); err != nil {
		t.Fatalf("reopen: %v", err)
	}

	st := s.State()
	if st.Active != nil || len(st.Messages) != 0 || len(st.Conversations) != 0 {
		t.Fatalf("stale view after scope switch: %+v", st)
	}
	if f.feed.Subscribers(MessagesTopic(c.ID)) != 0 || f.feed.Subscribers(StoreTopic(testStoreID)) != 0 {
		t.Fatalf("old subscriptions leaked")
	}
}

func TestSession_StaleStatsDroppedAfterSwitchingConversation(t *testing.T) {
	t.Parallel()

	held := heldUnreadStore{
		armed:       &atomic.Bool{},
		entered:     make(chan struct{}),
		enteredOnce: &sync.Once{},
		release:     make(chan struct{}),
	}
	f := newFixture(t, func(d *Deps) {
		held.InMemoryStore = d.Store.(*InMemoryStore)
		d.Store = &held
	})
	ctx := context.Background()
	f.store.PutOrder(Order{ID: "o2", StoreID: testStoreID, CustomerID: testCustomerID})

	a := mustCreateConversation(t, f)
	held.conversationID = a.ID
	b, err := f.svc.Conversations.Create(ctx, "o2", testStoreID)
	if err != nil {
		t.Fatalf("create b: %v", err)
	}
	for i := range 3 {
		mustSend(t, f, a.ID, userCustomer, fmt.Sprintf("a-%d", i))
	}
	mustSend(t, f, b.ID, userCustomer, "b-0")

	s := mustOpenSession(t, f, userStore, StoreScope(testStoreID))
	if err := s.SelectConversation(ctx, a.ID); err != nil {
		t.Fatalf("select a: %v", err)
	}
	if got := s.State().Stats.TotalMessages; got != 3 {
		t.Fatalf("stats for a = %d, want 3", got)
	}

	held.armed.Store(true)
	done := make(chan error, 1)
	go func() { done <- s.Refresh(ctx) }()

	select {
	case <-held.entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("refresh for a never reached the unread count")
	}

	if err := s.SelectConversation(ctx, b.ID); err != nil {
		t.Fatalf("select b: %v", err)
	}
	if got := s.State().Stats.TotalMessages; got != 1 {
		t.Fatalf("stats after selecting b = %d, want 1", got)
	}

	close(held.release)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("refresh: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("refresh did not finish")
	}

	st := s.State()
	if st.Active == nil || st.Active.ID != b.ID {
		t.Fatalf("active = %+v, want %s", st.Active, b.ID)
	}
	if st.Stats.TotalMessages != 1 || st.Stats.UnreadMessages != 1 {
		t.Fatalf("stale stats for a overwrote b: %+v", st.Stats)
	}
	if len(st.Messages) != 1 || st.Messages[0].Content != "b-0" {
		t.Fatalf("messages = %+v, want b's history", st.Messages)
	}
}

func TestSession_EscalationAndClose(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	c := mustCreateConversation(t, f)

	customer := mustOpenSession(t, f, userCustomer, OrderScope(testOrderID))
	if _, err := customer.EnableAdminIntervention(ctx, c.ID); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("customer escalate err = %v, want permission denied", err)
	}
	if customer.State().Error == "" {
		t.Fatalf("expected a user-facing error")
	}

	admin := mustOpenSession(t, f, userAdmin, StoreScope(testStoreID))
	got, err := admin.EnableAdminIntervention(ctx, c.ID)
	if err != nil {
		t.Fatalf("admin escalate: %v", err)
	}
	if !got.AdminIntervention {
		t.Fatalf("not escalated: %+v", got)
	}
	if admin.State().Stats.AdminInterventions != 1 {
		t.Fatalf("stats not refreshed: %+v", admin.State().Stats)
	}

	if _, err := customer.CloseConversation(ctx, c.ID); err != nil {
		t.Fatalf("customer close: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return admin.State().Stats.Closed == 1 })
}

func TestSession_UnauthorizedScope(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	s := f.svc.NewSession(Caller{UserID: userStranger})
	defer s.Close()

	if err := s.Open(context.Background(), StoreScope(testStoreID)); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("open err = %v, want permission denied", err)
	}
}

func TestSession_ClosedSessionRejectsOperations(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	s := mustOpenSession(t, f, userCustomer, OrderScope(testOrderID))
	s.Close()

	if _, err := s.Send(context.Background(), SendInput{Content: "x"}); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("send after close err = %v", err)
	}
	if err := s.Open(context.Background(), OrderScope(testOrderID)); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("open after close err = %v", err)
	}
}
