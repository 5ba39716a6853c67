package messaging

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"parley/cmd/internal/ids"
)

// ConversationRepository lists, creates and mutates conversations scoped to an order or a store.
type ConversationRepository struct {
	store   Store
	feed    ChangeFeed
	log     *slog.Logger
	metrics *Metrics
	now     func() time.Time
}

// NewConversationRepository constructs a ConversationRepository.
func NewConversationRepository(store Store, feed ChangeFeed, log *slog.Logger, metrics *Metrics) *ConversationRepository {
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &ConversationRepository{
		store:   store,
		feed:    feed,
		log:     log,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// List returns the scope's conversations ordered by last_message_at descending.
//
// For a store scope the store's orders are resolved first. When that lookup fails because access is
// denied or the schema is absent, List returns an empty result: "no conversations" and "no access"
// look the same to the caller.
func (r *ConversationRepository) List(ctx context.Context, scope Scope, f ConversationFilter) ([]Conversation, error) {
	const op = "conversations.List"

	if err := scope.Validate(); err != nil {
		return nil, OpError{Op: op, Kind: ErrInvalidInput, Err: err}
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, invalid(op, "unknown status filter")
	}

	orderIDs, err := r.scopeOrderIDs(ctx, scope)
	if err != nil {
		return nil, err
	}
	if len(orderIDs) == 0 {
		return []Conversation{}, nil
	}

	out, err := r.store.ListConversations(ctx, ConversationQuery{OrderIDs: orderIDs, Filter: f})
	if err != nil {
		r.log.Error("conversation.list.fail", "scope", scope.String(), "err", err)
		return nil, err
	}
	if out == nil {
		out = []Conversation{}
	}
	return out, nil
}

// scopeOrderIDs resolves the orders visible through scope, degrading non-critical lookup failures
// to an empty set.
func (r *ConversationRepository) scopeOrderIDs(ctx context.Context, scope Scope) ([]string, error) {
	if scope.OrderID != "" {
		return []string{scope.OrderID}, nil
	}

	orderIDs, err := r.store.ListStoreOrderIDs(ctx, scope.StoreID)
	if err != nil {
		if IsNonCritical(err) {
			r.metrics.ListDegraded.Inc()
			r.log.Warn("conversation.list.degraded", "store_id", scope.StoreID, "err", err)
			return nil, nil
		}
		r.log.Error("conversation.list.orders.fail", "store_id", scope.StoreID, "err", err)
		return nil, err
	}
	return orderIDs, nil
}

// Get loads one conversation.
func (r *ConversationRepository) Get(ctx context.Context, id string) (Conversation, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Conversation{}, invalid("conversations.Get", "missing conversation_id")
	}
	c, err := r.store.GetConversation(ctx, id)
	if err != nil {
		if !IsNotFound(err) {
			r.log.Error("conversation.get.fail", "conversation_id", id, "err", err)
		}
		return Conversation{}, err
	}
	return c, nil
}

// Create opens a new active conversation for an order and its store.
// It fails with ErrNotFound when the order, its customer or the store cannot be resolved.
func (r *ConversationRepository) Create(ctx context.Context, orderID, storeID string) (Conversation, error) {
	const op = "conversations.Create"

	orderID = strings.TrimSpace(orderID)
	storeID = strings.TrimSpace(storeID)
	if orderID == "" || storeID == "" {
		return Conversation{}, invalid(op, "order_id and store_id are required")
	}

	order, err := r.store.GetOrder(ctx, orderID)
	if err != nil {
		r.log.Error("conversation.create.order.fail", "order_id", orderID, "err", err)
		return Conversation{}, err
	}
	if order.StoreID != "" && order.StoreID != storeID {
		return Conversation{}, invalid(op, "order does not belong to store")
	}

	st, err := r.store.GetStore(ctx, storeID)
	if err != nil {
		r.log.Error("conversation.create.store.fail", "store_id", storeID, "err", err)
		return Conversation{}, err
	}

	customer, err := r.store.GetCustomer(ctx, order.CustomerID)
	if err != nil {
		r.log.Error("conversation.create.customer.fail", "order_id", orderID, "customer_id", order.CustomerID, "err", err)
		return Conversation{}, err
	}
	if customer.UserID == "" {
		return Conversation{}, NotFoundError{Op: op, Resource: "customer user", ID: customer.ID}
	}

	now := r.now()
	id, err := ids.NewULID(now)
	if err != nil {
		return Conversation{}, err
	}

	c, err := r.store.InsertConversation(ctx, Conversation{
		ID:                id,
		OrderID:           order.ID,
		StoreID:           st.ID,
		CustomerID:        customer.ID,
		CustomerUserID:    customer.UserID,
		StoreUserID:       st.OwnerUserID,
		Status:            StatusActive,
		AdminIntervention: false,
		LastMessageAt:     now,
		CreatedAt:         now,
		UpdatedAt:         now,
	})
	if err != nil {
		r.log.Error("conversation.create.fail", "order_id", orderID, "store_id", storeID, "err", err)
		return Conversation{}, err
	}

	r.log.Info("conversation.created", "conversation_id", c.ID, "order_id", c.OrderID, "store_id", c.StoreID)
	r.publish(ctx, c, EventInsert)
	return c, nil
}

// Close moves a conversation to the closed status. Closing never deletes.
func (r *ConversationRepository) Close(ctx context.Context, id string) (Conversation, error) {
	status := StatusClosed
	return r.update(ctx, "conversations.Close", id, ConversationPatch{Status: &status})
}

// MarkDisputed moves a conversation to the disputed status.
func (r *ConversationRepository) MarkDisputed(ctx context.Context, id string) (Conversation, error) {
	status := StatusDisputed
	return r.update(ctx, "conversations.MarkDisputed", id, ConversationPatch{Status: &status})
}

// EnableAdminIntervention flags the conversation as escalated and records the admin.
func (r *ConversationRepository) EnableAdminIntervention(ctx context.Context, id, adminID string) (Conversation, error) {
	adminID = strings.TrimSpace(adminID)
	if adminID == "" {
		return Conversation{}, invalid("conversations.EnableAdminIntervention", "missing admin_id")
	}
	on := true
	return r.update(ctx, "conversations.EnableAdminIntervention", id, ConversationPatch{
		AdminIntervention: &on,
		AdminID:           &adminID,
	})
}

// ClearAdminIntervention is the explicit administrative action that lowers the intervention flag.
// Nothing else ever clears it.
func (r *ConversationRepository) ClearAdminIntervention(ctx context.Context, id, adminID string) (Conversation, error) {
	if strings.TrimSpace(adminID) == "" {
		return Conversation{}, invalid("conversations.ClearAdminIntervention", "missing admin_id")
	}
	off := false
	c, err := r.update(ctx, "conversations.ClearAdminIntervention", id, ConversationPatch{
		AdminIntervention: &off,
		ClearAdminID:      true,
	})
	if err == nil {
		r.log.Info("conversation.admin_intervention.cleared", "conversation_id", id, "admin_id", adminID)
	}
	return c, err
}

// Touch moves last_message_at forward.
func (r *ConversationRepository) Touch(ctx context.Context, id string, at time.Time) (Conversation, error) {
	return r.update(ctx, "conversations.Touch", id, ConversationPatch{LastMessageAt: &at})
}

func (r *ConversationRepository) update(ctx context.Context, op, id string, p ConversationPatch) (Conversation, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Conversation{}, invalid(op, "missing conversation_id")
	}
	c, err := r.store.UpdateConversation(ctx, id, p)
	if err != nil {
		r.log.Error("conversation.update.fail", "op", op, "conversation_id", id, "err", err)
		return Conversation{}, err
	}
	r.publish(ctx, c, EventUpdate)
	return c, nil
}

func (r *ConversationRepository) publish(ctx context.Context, c Conversation, kind EventKind) {
	if r.feed == nil {
		return
	}
	at := r.now()
	for _, topic := range []string{OrderTopic(c.OrderID), StoreTopic(c.StoreID)} {
		err := r.feed.Publish(ctx, Event{
			Topic:    topic,
			Table:    tableConversations,
			Kind:     kind,
			RecordID: c.ID,
			At:       at,
		})
		if err != nil {
			r.log.Warn("conversation.publish.fail", "conversation_id", c.ID, "topic", topic, "err", err)
		}
	}
}
