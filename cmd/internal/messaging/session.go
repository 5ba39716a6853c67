package messaging

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
)

// State is a snapshot of a session's view.
type State struct {
	Version uint64

	Scope         Scope
	Conversations []Conversation
	Active        *Conversation
	ActiveRole    SenderType

	Messages []Message
	HasMore  bool
	Loading  bool
	Page     int
	Total    int

	Stats Stats
	Sync  SyncState

	// Error is the user-facing text of the last failed operation, cleared by the next success.
	Error string
}

// Session is the per-view orchestrator: open(scope) -> active -> Close().
//
// All view state is guarded by mu. Store and feed calls are made without holding mu; results are applied
// only if the view has not moved on (scope, selection or page generation checks).
type Session struct {
	svc    *Service
	caller Caller
	log    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	sync   *RealtimeSync

	updates chan struct{}

	mu       sync.Mutex
	closed   bool
	version  uint64
	scope    Scope
	scopeGen uint64
	selGen   uint64
	convs    []Conversation
	active   *Conversation
	role     SenderType
	pager    *Pager
	stats    Stats
	lastErr  string
}

// NewSession creates an unopened session for caller.
func (s *Service) NewSession(caller Caller) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	sess := &Session{
		svc:     s,
		caller:  caller,
		log:     s.log.With("user_id", caller.UserID),
		ctx:     ctx,
		cancel:  cancel,
		updates: make(chan struct{}, 1),
		pager:   NewPager(s.pageSize),
	}
	sess.sync = NewRealtimeSync(s.feed, s.log, s.metrics, sess.onConversationEvent, sess.onMessageEvent)
	s.metrics.ActiveSessions.Inc()
	return sess
}

// Open targets the session at scope: subscribes to its conversation feed and loads the list and stats.
// Reopening with another scope drops the open conversation.
func (s *Session) Open(ctx context.Context, scope Scope) error {
	if err := s.svc.AuthorizeScope(ctx, s.caller, scope); err != nil {
		return s.fail("session.open", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	changed := s.scope != scope
	s.scope = scope
	s.scopeGen++
	if changed {
		s.active = nil
		s.selGen++
		s.role = SenderUnknown
		s.pager.Clear()
		s.convs = nil
	}
	s.mu.Unlock()

	if changed {
		if err := s.sync.Follow(ctx, ""); err != nil {
			return s.fail("session.open", err)
		}
	}
	if err := s.sync.Subscribe(ctx, scope); err != nil {
		return s.fail("session.open", err)
	}

	if err := s.refreshConversations(ctx); err != nil {
		return s.fail("session.open", err)
	}
	s.refreshStats(ctx)
	s.ok()
	return nil
}

// SelectConversation opens a conversation: follows its messages and loads page 1.
func (s *Session) SelectConversation(ctx context.Context, id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	conv, role, err := s.svc.Conversation(ctx, s.caller, id)
	if err != nil {
		return s.fail("session.select", err)
	}

	if err := s.sync.Follow(ctx, conv.ID); err != nil {
		return s.fail("session.select", err)
	}

	s.mu.Lock()
	s.active = &conv
	s.selGen++
	s.role = role
	s.pager.Clear()
	s.mu.Unlock()

	if err := s.reloadMessages(ctx); err != nil {
		return s.fail("session.select", err)
	}
	s.refreshStats(ctx)
	s.ok()
	return nil
}

// LoadMore prepends the next older page. It reports false, without fetching, when a fetch is in flight or
// nothing more is available.
func (s *Session) LoadMore(ctx context.Context) (bool, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, ErrSessionClosed
	}
	if s.active == nil {
		s.mu.Unlock()
		return false, nil
	}
	convID := s.active.ID
	page, gen, ok := s.pager.BeginMore()
	size := s.pager.PageSize()
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	s.bump()

	res, err := s.svc.Messages.FetchPage(ctx, convID, page, size, MessageFilter{})

	s.mu.Lock()
	if err != nil {
		s.pager.Fail(gen)
		s.mu.Unlock()
		return false, s.fail("session.load_more", err)
	}
	applied := s.pager.Apply(gen, page, res, false)
	s.mu.Unlock()

	s.ok()
	return applied, nil
}

// Send posts a message to the open conversation, then reloads page 1 and the stats.
func (s *Session) Send(ctx context.Context, in SendInput) (SendResult, error) {
	convID, err := s.activeID()
	if err != nil {
		return SendResult{}, err
	}

	res, err := s.svc.Send(ctx, s.caller, convID, in)
	if err != nil {
		return SendResult{}, s.fail("session.send", err)
	}

	if err := s.reloadMessages(ctx); err != nil {
		s.log.Warn("session.send.reload.fail", "conversation_id", convID, "err", err)
	}
	s.refreshStats(ctx)
	if len(res.UploadErrors) > 0 {
		s.setError(partialUploadText(len(res.UploadErrors)))
	} else {
		s.ok()
	}
	return res, nil
}

// MarkRead marks the open conversation read for the caller.
func (s *Session) MarkRead(ctx context.Context) (int, error) {
	convID, err := s.activeID()
	if err != nil {
		return 0, err
	}
	n, err := s.svc.MarkRead(ctx, s.caller, convID)
	if err != nil {
		return 0, s.fail("session.mark_read", err)
	}
	if n > 0 {
		if err := s.reloadMessages(ctx); err != nil {
			s.log.Warn("session.mark_read.reload.fail", "conversation_id", convID, "err", err)
		}
		s.refreshStats(ctx)
	}
	s.ok()
	return n, nil
}

// CreateConversation opens a new conversation on an order of the scope and selects it.
func (s *Session) CreateConversation(ctx context.Context, orderID, storeID string) (Conversation, error) {
	if err := s.checkOpen(); err != nil {
		return Conversation{}, err
	}
	conv, err := s.svc.CreateConversation(ctx, s.caller, orderID, storeID)
	if err != nil {
		return Conversation{}, s.fail("session.create", err)
	}
	if err := s.refreshConversations(ctx); err != nil {
		s.log.Warn("session.create.refresh.fail", "conversation_id", conv.ID, "err", err)
	}
	if err := s.SelectConversation(ctx, conv.ID); err != nil {
		return conv, err
	}
	return conv, nil
}

// CloseConversation closes conversation id.
func (s *Session) CloseConversation(ctx context.Context, id string) (Conversation, error) {
	return s.mutate(ctx, "session.close", func() (Conversation, error) {
		return s.svc.CloseConversation(ctx, s.caller, id)
	})
}

// MarkDisputed flags conversation id as disputed.
func (s *Session) MarkDisputed(ctx context.Context, id string) (Conversation, error) {
	return s.mutate(ctx, "session.dispute", func() (Conversation, error) {
		return s.svc.MarkDisputed(ctx, s.caller, id)
	})
}

// EnableAdminIntervention escalates conversation id with the caller as admin.
func (s *Session) EnableAdminIntervention(ctx context.Context, id string) (Conversation, error) {
	return s.mutate(ctx, "session.escalate", func() (Conversation, error) {
		return s.svc.EnableAdminIntervention(ctx, s.caller, id)
	})
}

// ClearAdminIntervention lowers the intervention flag on conversation id.
func (s *Session) ClearAdminIntervention(ctx context.Context, id string) (Conversation, error) {
	return s.mutate(ctx, "session.deescalate", func() (Conversation, error) {
		return s.svc.ClearAdminIntervention(ctx, s.caller, id)
	})
}

// Refresh reloads the list, the open conversation's first page and the stats.
func (s *Session) Refresh(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.refreshConversations(ctx); err != nil {
		return s.fail("session.refresh", err)
	}
	if err := s.reloadMessages(ctx); err != nil {
		return s.fail("session.refresh", err)
	}
	s.refreshStats(ctx)
	s.ok()
	return nil
}

// State returns a snapshot of the view.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := State{
		Version:       s.version,
		Scope:         s.scope,
		Conversations: slices.Clone(s.convs),
		ActiveRole:    s.role,
		Messages:      s.pager.Messages(),
		HasMore:       s.pager.HasMore(),
		Loading:       s.pager.Loading(),
		Page:          s.pager.Page(),
		Total:         s.pager.Total(),
		Stats:         s.stats,
		Error:         s.lastErr,
	}
	if s.active != nil {
		c := cloneConversation(*s.active)
		st.Active = &c
	}
	st.Sync = s.sync.State()
	return st
}

// Updates signals state changes. Signals coalesce; read State after receiving.
// The channel is never closed.
func (s *Session) Updates() <-chan struct{} { return s.updates }

// Close tears down subscriptions and cancels refreshes triggered by events. It is idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.sync.Close()
	s.cancel()
	s.svc.metrics.ActiveSessions.Dec()
}

func (s *Session) mutate(ctx context.Context, op string, fn func() (Conversation, error)) (Conversation, error) {
	if err := s.checkOpen(); err != nil {
		return Conversation{}, err
	}
	conv, err := fn()
	if err != nil {
		return Conversation{}, s.fail(op, err)
	}

	s.mu.Lock()
	if s.active != nil && s.active.ID == conv.ID {
		c := conv
		s.active = &c
	}
	s.mu.Unlock()

	if err := s.refreshConversations(ctx); err != nil {
		s.log.Warn(op+".refresh.fail", "conversation_id", conv.ID, "err", err)
	}
	s.refreshStats(ctx)
	s.ok()
	return conv, nil
}

func (s *Session) refreshConversations(ctx context.Context) error {
	s.mu.Lock()
	scope, gen, sel := s.scope, s.scopeGen, s.selGen
	s.mu.Unlock()
	if scope.IsZero() {
		return nil
	}

	list, err := s.svc.Conversations.List(ctx, scope, ConversationFilter{})
	if err != nil {
		return err
	}

	s.mu.Lock()
	if gen != s.scopeGen || s.closed {
		s.mu.Unlock()
		return nil
	}
	s.convs = list
	if s.active != nil && sel == s.selGen {
		for _, c := range list {
			if c.ID == s.active.ID {
				cc := c
				s.active = &cc
				break
			}
		}
	}
	s.mu.Unlock()
	s.bump()
	return nil
}

func (s *Session) reloadMessages(ctx context.Context) error {
	s.mu.Lock()
	if s.active == nil {
		s.mu.Unlock()
		return nil
	}
	convID := s.active.ID
	gen := s.pager.Reset()
	size := s.pager.PageSize()
	s.mu.Unlock()
	s.bump()

	res, err := s.svc.Messages.FetchPage(ctx, convID, 1, size, MessageFilter{})

	s.mu.Lock()
	if err != nil {
		s.pager.Fail(gen)
		s.mu.Unlock()
		s.bump()
		return err
	}
	s.pager.Apply(gen, 1, res, true)
	s.mu.Unlock()
	s.bump()
	return nil
}

func (s *Session) refreshStats(ctx context.Context) {
	s.mu.Lock()
	scope, gen, sel := s.scope, s.scopeGen, s.selGen
	convID := ""
	if s.active != nil {
		convID = s.active.ID
	}
	s.mu.Unlock()
	if scope.IsZero() {
		return
	}

	st := s.svc.Stats.Compute(ctx, scope, convID, s.caller.UserID)

	s.mu.Lock()
	if gen == s.scopeGen && sel == s.selGen && !s.closed {
		s.stats = st
	}
	s.mu.Unlock()
	s.bump()
}

func (s *Session) onConversationEvent() {
	if s.ctx.Err() != nil {
		return
	}
	if err := s.refreshConversations(s.ctx); err != nil {
		s.log.Warn("session.event.conversations.fail", "err", err)
		return
	}
	s.refreshStats(s.ctx)
}

func (s *Session) onMessageEvent(conversationID string) {
	if s.ctx.Err() != nil {
		return
	}
	s.mu.Lock()
	current := s.active != nil && s.active.ID == conversationID
	s.mu.Unlock()
	if !current {
		return
	}
	if err := s.reloadMessages(s.ctx); err != nil {
		s.log.Warn("session.event.messages.fail", "conversation_id", conversationID, "err", err)
		return
	}
	s.refreshStats(s.ctx)
}

func (s *Session) activeID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrSessionClosed
	}
	if s.active == nil {
		return "", invalid("session", "no conversation selected")
	}
	return s.active.ID, nil
}

func (s *Session) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	return nil
}

func (s *Session) fail(op string, err error) error {
	if errors.Is(err, ErrSessionClosed) {
		return err
	}
	s.log.Warn(op+".fail", "err", err)
	s.setError(UserMessage(err))
	return err
}

func (s *Session) ok() { s.setError("") }

func (s *Session) setError(text string) {
	s.mu.Lock()
	s.lastErr = text
	s.mu.Unlock()
	s.bump()
}

func (s *Session) bump() {
	s.mu.Lock()
	s.version++
	s.mu.Unlock()
	select {
	case s.updates <- struct{}{}:
	default:
	}
}
