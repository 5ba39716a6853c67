package messaging

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

// storeLookupFailStore fails GetStore with err once failing is set.
type storeLookupFailStore struct {
	*InMemoryStore
	err     error
	failing *atomic.Bool
}

func (s storeLookupFailStore) GetStore(ctx context.Context, storeID string) (StoreRecord, error) {
	if s.failing.Load() {
		return StoreRecord{}, s.err
	}
	return s.InMemoryStore.GetStore(ctx, storeID)
}

func newStoreLookupFailFixture(t *testing.T, lookupErr error) (*fixture, *atomic.Bool) {
	t.Helper()

	failing := &atomic.Bool{}
	f := newFixture(t, func(d *Deps) {
		d.Store = storeLookupFailStore{InMemoryStore: d.Store.(*InMemoryStore), err: lookupErr, failing: failing}
	})
	return f, failing
}

func TestService_AuthorizeScope(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name  string
		user  string
		scope Scope
		want  error
	}{
		{"customer on own order", userCustomer, OrderScope(testOrderID), nil},
		{"owner on order", userStore, OrderScope(testOrderID), nil},
		{"owner on store", userStore, StoreScope(testStoreID), nil},
		{"admin on store", userAdmin, StoreScope(testStoreID), nil},
		{"customer on store", userCustomer, StoreScope(testStoreID), ErrPermissionDenied},
		{"stranger on order", userStranger, OrderScope(testOrderID), ErrPermissionDenied},
		{"anonymous", "", OrderScope(testOrderID), ErrPermissionDenied},
		{"both keys", userAdmin, Scope{OrderID: testOrderID, StoreID: testStoreID}, ErrInvalidInput},
		{"no keys", userAdmin, Scope{}, ErrInvalidInput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := f.svc.AuthorizeScope(ctx, Caller{UserID: tc.user}, tc.scope)
			if tc.want == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestService_ConversationAccess(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	c := mustCreateConversation(t, f)

	roles := map[string]SenderType{
		userCustomer: SenderCustomer,
		userStore:    SenderStore,
		userAdmin:    SenderAdmin,
	}
	for user, want := range roles {
		_, role, err := f.svc.Conversation(ctx, Caller{UserID: user}, c.ID)
		if err != nil || role != want {
			t.Fatalf("%s: role = %q err = %v, want %q", user, role, err, want)
		}
	}

	if _, _, err := f.svc.Conversation(ctx, Caller{UserID: userStranger}, c.ID); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("stranger get err = %v", err)
	}
	if _, err := f.svc.FetchPage(ctx, Caller{UserID: userStranger}, c.ID, 1, 10, MessageFilter{}); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("stranger fetch err = %v", err)
	}
	if _, err := f.svc.Send(ctx, Caller{UserID: userStranger}, c.ID, SendInput{Content: "hi"}); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("stranger send err = %v", err)
	}
	if _, _, err := f.svc.Conversation(ctx, Caller{UserID: userCustomer}, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing conversation err = %v", err)
	}
}

func TestService_StatusTransitionsByRole(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	c := mustCreateConversation(t, f)

	if _, err := f.svc.EnableAdminIntervention(ctx, Caller{UserID: userStore}, c.ID); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("owner escalate err = %v", err)
	}
	if _, err := f.svc.MarkDisputed(ctx, Caller{UserID: userCustomer}, c.ID); err != nil {
		t.Fatalf("customer dispute: %v", err)
	}
	got, err := f.svc.EnableAdminIntervention(ctx, Caller{UserID: userAdmin}, c.ID)
	if err != nil || !got.AdminIntervention || got.AdminID == nil || *got.AdminID != userAdmin {
		t.Fatalf("admin escalate = %+v, %v", got, err)
	}
	got, err = f.svc.ClearAdminIntervention(ctx, Caller{UserID: userAdmin}, c.ID)
	if err != nil || got.AdminIntervention {
		t.Fatalf("admin clear = %+v, %v", got, err)
	}
	if _, err := f.svc.CloseConversation(ctx, Caller{UserID: userStranger}, c.ID); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("stranger close err = %v", err)
	}
	got, err = f.svc.CloseConversation(ctx, Caller{UserID: userStore}, c.ID)
	if err != nil || got.Status != StatusClosed {
		t.Fatalf("owner close = %+v, %v", got, err)
	}
}

func TestService_CreateConversationRequiresScopeParty(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.CreateConversation(ctx, Caller{UserID: userStranger}, testOrderID, testStoreID); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("stranger create err = %v", err)
	}
	c, err := f.svc.CreateConversation(ctx, Caller{UserID: userCustomer}, testOrderID, testStoreID)
	if err != nil {
		t.Fatalf("customer create: %v", err)
	}
	if c.CustomerUserID != userCustomer || c.StoreUserID != userStore || c.Status != StatusActive {
		t.Fatalf("created = %+v", c)
	}
}

func TestService_DeniedPartyLookupNeverGrantsAccess(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		kind error
	}{
		{"permission denied", ErrPermissionDenied},
		{"schema missing", ErrSchemaMissing},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			f, failing := newStoreLookupFailFixture(t, OpError{Op: "store.GetStore", Kind: tc.kind})
			ctx := context.Background()
			c := mustCreateConversation(t, f)
			mustSend(t, f, c.ID, userCustomer, "hello")
			failing.Store(true)

			stranger := Caller{UserID: userStranger}
			if err := f.svc.AuthorizeScope(ctx, stranger, StoreScope(testStoreID)); !errors.Is(err, ErrPermissionDenied) {
				t.Fatalf("AuthorizeScope err = %v, want ErrPermissionDenied", err)
			}

			list, err := f.svc.ListConversations(ctx, stranger, StoreScope(testStoreID), ConversationFilter{})
			if err != nil {
				t.Fatalf("ListConversations err = %v", err)
			}
			if list == nil || len(list) != 0 {
				t.Fatalf("stranger sees %d conversations, want empty non-nil slice", len(list))
			}

			st, err := f.svc.ComputeStats(ctx, stranger, StoreScope(testStoreID), "")
			if err != nil {
				t.Fatalf("ComputeStats err = %v", err)
			}
			if st != (Stats{}) {
				t.Fatalf("stranger stats = %+v, want zero", st)
			}

			s := f.svc.NewSession(stranger)
			t.Cleanup(s.Close)
			if err := s.Open(ctx, StoreScope(testStoreID)); !errors.Is(err, ErrPermissionDenied) {
				t.Fatalf("session open err = %v, want ErrPermissionDenied", err)
			}
			if f.feed.Subscribers(StoreTopic(testStoreID)) != 0 {
				t.Fatalf("denied session subscribed to the store feed")
			}

			admin, err := f.svc.ListConversations(ctx, Caller{UserID: userAdmin}, StoreScope(testStoreID), ConversationFilter{})
			if err != nil || len(admin) != 1 || admin[0].ID != c.ID {
				t.Fatalf("admin list = %+v, %v", admin, err)
			}
		})
	}
}

func TestService_PartyLookupNetworkFailurePropagates(t *testing.T) {
	t.Parallel()

	f, failing := newStoreLookupFailFixture(t, OpError{Op: "store.GetStore", Kind: ErrNetwork})
	failing.Store(true)

	_, err := f.svc.ListConversations(context.Background(), Caller{UserID: userStranger}, StoreScope(testStoreID), ConversationFilter{})
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("ListConversations err = %v, want ErrNetwork", err)
	}
}
