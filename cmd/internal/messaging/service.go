package messaging

import (
	"context"
	"errors"
	"log/slog"
	"strings"
)

// errScopeUnverified marks a denial caused by a party lookup that failed for a non-critical reason.
// Listing entry points turn it into an empty result.
var errScopeUnverified = errors.New("scope party lookup unavailable")

// Deps are the collaborators of a Service. Store is required; a nil Feed selects an in-process feed.
type Deps struct {
	Store      Store
	Feed       ChangeFeed
	Files      FileStorage
	Notifier   Notifier
	Log        *slog.Logger
	Metrics    *Metrics
	Dispatcher DispatcherOptions
	PageSize   int
}

// Service wires the messaging components and exposes caller-authorized operations. The HTTP API calls it
// directly; Sessions layer per-view state on top of it.
type Service struct {
	Conversations *ConversationRepository
	Messages      *MessageStore
	Attachments   *AttachmentUploader
	Reads         *ReadStateTracker
	Notifications *NotificationDispatcher
	Stats         *StatsAggregator

	store    Store
	feed     ChangeFeed
	log      *slog.Logger
	metrics  *Metrics
	pageSize int
}

// NewService constructs a Service from deps.
func NewService(d Deps) (*Service, error) {
	if d.Store == nil {
		return nil, errors.New("messaging: store is required")
	}
	if d.Log == nil {
		d.Log = slog.Default()
	}
	if d.Metrics == nil {
		d.Metrics = NewMetrics(nil)
	}
	if d.Feed == nil {
		d.Feed = NewMemoryFeed(d.Log)
	}

	convs := NewConversationRepository(d.Store, d.Feed, d.Log, d.Metrics)
	uploader := NewAttachmentUploader(d.Store, d.Files, d.Log, d.Metrics)
	reads := NewReadStateTracker(d.Store, d.Feed, d.Log)
	dispatcher := NewNotificationDispatcher(d.Notifier, d.Log, d.Metrics, d.Dispatcher)

	return &Service{
		Conversations: convs,
		Messages:      NewMessageStore(d.Store, d.Feed, convs, uploader, reads, dispatcher, d.Log, d.Metrics),
		Attachments:   uploader,
		Reads:         reads,
		Notifications: dispatcher,
		Stats:         NewStatsAggregator(d.Store, convs, d.Log, d.Metrics),
		store:         d.Store,
		feed:          d.Feed,
		log:           d.Log,
		metrics:       d.Metrics,
		pageSize:      clampPageSize(d.PageSize),
	}, nil
}

// Feed returns the change feed sessions subscribe to.
func (s *Service) Feed() ChangeFeed { return s.feed }

// EffectivePageSize returns the page size FetchPage uses for a requested size n (0 selects the default).
func (s *Service) EffectivePageSize(n int) int {
	if n <= 0 {
		return s.pageSize
	}
	return clampPageSize(n)
}

// Shutdown stops scheduling notifications and waits for in-flight ones.
func (s *Service) Shutdown(ctx context.Context) error {
	return s.Notifications.Shutdown(ctx)
}

// ListConversations returns the scope's conversations if caller may see the scope.
func (s *Service) ListConversations(ctx context.Context, caller Caller, scope Scope, f ConversationFilter) ([]Conversation, error) {
	if err := s.AuthorizeScope(ctx, caller, scope); err != nil {
		if errors.Is(err, errScopeUnverified) {
			return []Conversation{}, nil
		}
		return nil, err
	}
	return s.Conversations.List(ctx, scope, f)
}

// Conversation loads a conversation and the caller's role in it.
func (s *Service) Conversation(ctx context.Context, caller Caller, id string) (Conversation, SenderType, error) {
	conv, err := s.Conversations.Get(ctx, id)
	if err != nil {
		return Conversation{}, SenderUnknown, err
	}
	role, err := s.authorizeConversation(ctx, caller, conv)
	if err != nil {
		return Conversation{}, SenderUnknown, err
	}
	return conv, role, nil
}

// CreateConversation opens a conversation on orderID if caller is a party to the order or an admin.
func (s *Service) CreateConversation(ctx context.Context, caller Caller, orderID, storeID string) (Conversation, error) {
	if err := s.AuthorizeScope(ctx, caller, OrderScope(orderID)); err != nil {
		return Conversation{}, err
	}
	return s.Conversations.Create(ctx, orderID, storeID)
}

// FetchPage returns a page of the conversation's history.
func (s *Service) FetchPage(ctx context.Context, caller Caller, conversationID string, page, pageSize int, f MessageFilter) (Page, error) {
	if _, _, err := s.Conversation(ctx, caller, conversationID); err != nil {
		return Page{}, err
	}
	if pageSize <= 0 {
		pageSize = s.pageSize
	}
	return s.Messages.FetchPage(ctx, conversationID, page, pageSize, f)
}

// Send posts a message as caller.
func (s *Service) Send(ctx context.Context, caller Caller, conversationID string, in SendInput) (SendResult, error) {
	return s.Messages.Send(ctx, conversationID, caller.UserID, in)
}

// MarkRead marks the counterparty's messages read for caller.
func (s *Service) MarkRead(ctx context.Context, caller Caller, conversationID string) (int, error) {
	if _, _, err := s.Conversation(ctx, caller, conversationID); err != nil {
		return 0, err
	}
	return s.Reads.MarkRead(ctx, conversationID, caller.UserID)
}

// UnreadCount counts caller's unread messages in a conversation.
func (s *Service) UnreadCount(ctx context.Context, caller Caller, conversationID string) (int, error) {
	if _, _, err := s.Conversation(ctx, caller, conversationID); err != nil {
		return 0, err
	}
	return s.Reads.UnreadCount(ctx, conversationID, caller.UserID)
}

// CloseConversation closes a conversation. Any participant may close.
func (s *Service) CloseConversation(ctx context.Context, caller Caller, id string) (Conversation, error) {
	if _, _, err := s.Conversation(ctx, caller, id); err != nil {
		return Conversation{}, err
	}
	return s.Conversations.Close(ctx, id)
}

// MarkDisputed flags a conversation as disputed. Any participant may dispute.
func (s *Service) MarkDisputed(ctx context.Context, caller Caller, id string) (Conversation, error) {
	if _, _, err := s.Conversation(ctx, caller, id); err != nil {
		return Conversation{}, err
	}
	return s.Conversations.MarkDisputed(ctx, id)
}

// EnableAdminIntervention escalates a conversation with caller as the intervening admin.
func (s *Service) EnableAdminIntervention(ctx context.Context, caller Caller, id string) (Conversation, error) {
	if err := s.requireAdmin(ctx, caller, "service.EnableAdminIntervention"); err != nil {
		return Conversation{}, err
	}
	return s.Conversations.EnableAdminIntervention(ctx, id, caller.UserID)
}

// ClearAdminIntervention lowers the intervention flag. Admins only.
func (s *Service) ClearAdminIntervention(ctx context.Context, caller Caller, id string) (Conversation, error) {
	if err := s.requireAdmin(ctx, caller, "service.ClearAdminIntervention"); err != nil {
		return Conversation{}, err
	}
	return s.Conversations.ClearAdminIntervention(ctx, id, caller.UserID)
}

// ComputeStats aggregates counts for scope and, when set, the open conversation.
func (s *Service) ComputeStats(ctx context.Context, caller Caller, scope Scope, openConversationID string) (Stats, error) {
	if err := s.AuthorizeScope(ctx, caller, scope); err != nil {
		if errors.Is(err, errScopeUnverified) {
			return Stats{}, nil
		}
		return Stats{}, err
	}
	if openConversationID != "" {
		if _, _, err := s.Conversation(ctx, caller, openConversationID); err != nil {
			return Stats{}, err
		}
	}
	return s.Stats.Compute(ctx, scope, openConversationID, caller.UserID), nil
}

// AuthorizeScope checks that caller may see scope: the order's customer or store owner, the store's owner,
// or an admin. When the party lookup fails with an access/schema error the caller counts as a non-party, so
// only admins pass; everyone else gets a denial wrapping errScopeUnverified.
func (s *Service) AuthorizeScope(ctx context.Context, caller Caller, scope Scope) error {
	const op = "service.AuthorizeScope"

	if strings.TrimSpace(caller.UserID) == "" {
		return OpError{Op: op, Kind: ErrPermissionDenied}
	}
	if err := scope.Validate(); err != nil {
		return OpError{Op: op, Kind: ErrInvalidInput, Err: err}
	}

	allowed, err := s.isScopeParty(ctx, caller.UserID, scope)
	if err != nil {
		if !IsNonCritical(err) {
			return err
		}
		s.log.Warn("service.authorize.degraded", "scope", scope.String(), "err", err)
		if adminErr := s.requireAdmin(ctx, caller, op); adminErr != nil {
			if !errors.Is(adminErr, ErrPermissionDenied) {
				return adminErr
			}
			return OpError{Op: op, Kind: ErrPermissionDenied, Err: errors.Join(errScopeUnverified, err)}
		}
		return nil
	}
	if allowed {
		return nil
	}
	return s.requireAdmin(ctx, caller, op)
}

func (s *Service) isScopeParty(ctx context.Context, userID string, scope Scope) (bool, error) {
	if scope.StoreID != "" {
		st, err := s.store.GetStore(ctx, scope.StoreID)
		if err != nil {
			return false, err
		}
		return st.OwnerUserID == userID, nil
	}

	order, err := s.store.GetOrder(ctx, scope.OrderID)
	if err != nil {
		return false, err
	}
	if order.StoreID != "" {
		st, err := s.store.GetStore(ctx, order.StoreID)
		if err != nil && !IsNotFound(err) {
			return false, err
		}
		if err == nil && st.OwnerUserID == userID {
			return true, nil
		}
	}
	cust, err := s.store.GetCustomer(ctx, order.CustomerID)
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return cust.UserID == userID, nil
}

func (s *Service) authorizeConversation(ctx context.Context, caller Caller, conv Conversation) (SenderType, error) {
	role, err := s.Messages.resolveRole(ctx, conv, caller.UserID)
	if err != nil {
		return SenderUnknown, err
	}
	if role == SenderUnknown {
		return SenderUnknown, OpError{Op: "service.Conversation", Kind: ErrPermissionDenied}
	}
	return role, nil
}

func (s *Service) requireAdmin(ctx context.Context, caller Caller, op string) error {
	if strings.TrimSpace(caller.UserID) == "" {
		return OpError{Op: op, Kind: ErrPermissionDenied}
	}
	ok, err := s.store.HasRole(ctx, caller.UserID, roleAdmin)
	if err != nil {
		if IsNonCritical(err) {
			return OpError{Op: op, Kind: ErrPermissionDenied, Err: err}
		}
		return err
	}
	if !ok {
		return OpError{Op: op, Kind: ErrPermissionDenied}
	}
	return nil
}
