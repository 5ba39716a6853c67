package messaging

import (
	"context"
	"time"
)

// Store is the record-store boundary of the engine.
//
// Requirements:
//   - Lookups of missing rows return an error matching ErrNotFound.
//   - Access and schema failures are reported as ErrPermissionDenied / ErrSchemaMissing so that
//     list-scoping lookups can degrade gracefully.
//   - ListMessages windows are taken over the conversation's messages ordered newest first by
//     (created_at, seq); Seq is assigned by InsertMessage and breaks created_at ties.
type Store interface {
	GetOrder(ctx context.Context, orderID string) (Order, error)
	GetStore(ctx context.Context, storeID string) (StoreRecord, error)
	GetCustomer(ctx context.Context, customerID string) (Customer, error)
	HasRole(ctx context.Context, userID, role string) (bool, error)
	ListStoreOrderIDs(ctx context.Context, storeID string) ([]string, error)

	ListConversations(ctx context.Context, q ConversationQuery) ([]Conversation, error)
	CountConversations(ctx context.Context, q ConversationQuery) (int, error)
	GetConversation(ctx context.Context, id string) (Conversation, error)
	InsertConversation(ctx context.Context, c Conversation) (Conversation, error)
	UpdateConversation(ctx context.Context, id string, p ConversationPatch) (Conversation, error)

	CountMessages(ctx context.Context, conversationID string, f MessageFilter) (int, error)
	ListMessages(ctx context.Context, conversationID string, f MessageFilter, offset, limit int) ([]Message, error)
	InsertMessage(ctx context.Context, m Message) (Message, error)
	MarkMessagesRead(ctx context.Context, conversationID, readerID string, at time.Time) (int, error)
	InsertAttachment(ctx context.Context, a Attachment) (Attachment, error)

	Close() error
}

// ConversationQuery selects conversations belonging to a set of orders.
// An empty OrderIDs slice matches nothing.
type ConversationQuery struct {
	OrderIDs []string
	Filter   ConversationFilter
}

// ConversationPatch is a partial conversation update; nil fields are left untouched.
type ConversationPatch struct {
	Status            *ConversationStatus
	AdminIntervention *bool
	AdminID           *string
	ClearAdminID      bool
	LastMessageAt     *time.Time
}

// EventKind classifies a change-feed event.
type EventKind string

const (
	EventInsert EventKind = "insert"
	EventUpdate EventKind = "update"
)

// Event is a "something changed, refresh" signal. It is never an authoritative diff.
type Event struct {
	Topic    string    `json:"topic"`
	Table    string    `json:"table"`
	Kind     EventKind `json:"kind"`
	RecordID string    `json:"record_id"`
	At       time.Time `json:"at"`
}

// ChangeFeed delivers change events to topic subscribers.
//
// Subscribe returns an unsubscribe func that is idempotent and does not wait for an in-flight callback.
// Delivery may coalesce bursts: a subscriber with a pending event is not sent another one.
type ChangeFeed interface {
	Subscribe(ctx context.Context, topic string, fn func(Event)) (func(), error)
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// FileStorage persists uploaded attachment bytes.
type FileStorage interface {
	Upload(ctx context.Context, folder string, f FileUpload) (StoredFile, error)
}

// Notifier enqueues a notification for delivery by an external backend.
type Notifier interface {
	Enqueue(ctx context.Context, n Notification) error
}

const (
	tableConversations = "conversations"
	tableMessages      = "messages"
	tableAttachments   = "message_attachments"

	roleAdmin = "admin"
)

// RoleAdmin is the user_roles grant that authorizes platform-wide moderation.
const RoleAdmin = roleAdmin

// OrderTopic is the feed topic for conversations of one order.
func OrderTopic(orderID string) string { return "conversations:order:" + orderID }

// StoreTopic is the feed topic for all conversations of a store.
func StoreTopic(storeID string) string { return "conversations:store:" + storeID }

// MessagesTopic is the feed topic for messages of one conversation.
func MessagesTopic(conversationID string) string { return "messages:conversation:" + conversationID }

// ScopeTopic returns the conversation feed topic for a scope.
func ScopeTopic(s Scope) string {
	if s.OrderID != "" {
		return OrderTopic(s.OrderID)
	}
	return StoreTopic(s.StoreID)
}
