package messaging

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

// SyncState is the subscription state of a RealtimeSync.
type SyncState string

const (
	SyncUnsubscribed SyncState = "unsubscribed"
	SyncSubscribed   SyncState = "subscribed"
)

// RealtimeSync keeps at most one conversation-list subscription (per scope) and one message subscription
// (per followed conversation). Switching either tears the old one down before the new one is opened, and
// events delivered for a superseded subscription are dropped.
//
// Events are refresh signals only: list events call onConversations, message events call onMessages.
type RealtimeSync struct {
	feed    ChangeFeed
	log     *slog.Logger
	metrics *Metrics

	onConversations func()
	onMessages      func(conversationID string)

	mu         sync.Mutex
	closed     bool
	scope      Scope
	scopeGen   uint64
	scopeUnsub func()
	convID     string
	convGen    uint64
	convUnsub  func()
}

// NewRealtimeSync constructs an unsubscribed RealtimeSync.
func NewRealtimeSync(feed ChangeFeed, log *slog.Logger, metrics *Metrics, onConversations func(), onMessages func(string)) *RealtimeSync {
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if onConversations == nil {
		onConversations = func() {}
	}
	if onMessages == nil {
		onMessages = func(string) {}
	}
	return &RealtimeSync{
		feed:            feed,
		log:             log,
		metrics:         metrics,
		onConversations: onConversations,
		onMessages:      onMessages,
	}
}

// Subscribe (re)targets the conversation-list subscription at scope.
func (r *RealtimeSync) Subscribe(ctx context.Context, scope Scope) error {
	if err := scope.Validate(); err != nil {
		return OpError{Op: "sync.Subscribe", Kind: ErrInvalidInput, Err: err}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrSessionClosed
	}

	r.teardownScopeLocked()
	r.scope = scope
	if r.feed == nil {
		return nil
	}

	gen := r.scopeGen
	unsub, err := r.feed.Subscribe(ctx, ScopeTopic(scope), func(ev Event) {
		if !r.currentScope(gen) {
			r.metrics.FeedEvents.WithLabelValues("stale").Inc()
			return
		}
		r.metrics.FeedEvents.WithLabelValues("conversation").Inc()
		r.onConversations()
	})
	if err != nil {
		r.log.Error("sync.subscribe.fail", "scope", scope.String(), "err", err)
		return err
	}
	r.scopeUnsub = unsub
	r.log.Debug("sync.subscribed", "scope", scope.String())
	return nil
}

// Follow (re)targets the message subscription at conversationID. An empty id only unfollows.
func (r *RealtimeSync) Follow(ctx context.Context, conversationID string) error {
	conversationID = strings.TrimSpace(conversationID)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrSessionClosed
	}

	r.teardownConvLocked()
	r.convID = conversationID
	if conversationID == "" || r.feed == nil {
		return nil
	}

	gen := r.convGen
	unsub, err := r.feed.Subscribe(ctx, MessagesTopic(conversationID), func(ev Event) {
		if !r.currentConv(gen) {
			r.metrics.FeedEvents.WithLabelValues("stale").Inc()
			return
		}
		r.metrics.FeedEvents.WithLabelValues("message").Inc()
		r.onMessages(conversationID)
	})
	if err != nil {
		r.log.Error("sync.follow.fail", "conversation_id", conversationID, "err", err)
		return err
	}
	r.convUnsub = unsub
	r.log.Debug("sync.following", "conversation_id", conversationID)
	return nil
}

// Close tears down every subscription. It is idempotent.
func (r *RealtimeSync) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.teardownConvLocked()
	r.teardownScopeLocked()
}

// State reports whether any subscription is live.
func (r *RealtimeSync) State() SyncState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.scopeUnsub != nil || r.convUnsub != nil {
		return SyncSubscribed
	}
	return SyncUnsubscribed
}

// Following returns the conversation whose messages are followed.
func (r *RealtimeSync) Following() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.convID
}

func (r *RealtimeSync) teardownScopeLocked() {
	r.scopeGen++
	if r.scopeUnsub != nil {
		r.scopeUnsub()
		r.scopeUnsub = nil
		r.log.Debug("sync.unsubscribed", "scope", r.scope.String())
	}
}

func (r *RealtimeSync) teardownConvLocked() {
	r.convGen++
	if r.convUnsub != nil {
		r.convUnsub()
		r.convUnsub = nil
		r.log.Debug("sync.unfollowed", "conversation_id", r.convID)
	}
}

func (r *RealtimeSync) currentScope(gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.closed && r.scopeGen == gen
}

func (r *RealtimeSync) currentConv(gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.closed && r.convGen == gen
}
