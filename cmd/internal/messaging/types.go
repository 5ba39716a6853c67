// Package messaging implements the order-conversation messaging engine: per-order conversations between a
// customer, a store and an optional admin, paginated history, live change merging, attachment upload and
// best-effort notification fanout.
package messaging

import (
	"errors"
	"strings"
	"time"
)

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	StatusActive   ConversationStatus = "active"
	StatusClosed   ConversationStatus = "closed"
	StatusDisputed ConversationStatus = "disputed"
)

// Valid reports whether s is a known status.
func (s ConversationStatus) Valid() bool {
	switch s {
	case StatusActive, StatusClosed, StatusDisputed:
		return true
	default:
		return false
	}
}

// SenderType is the resolved role of a message author within its conversation.
type SenderType string

const (
	SenderUnknown  SenderType = ""
	SenderCustomer SenderType = "customer"
	SenderStore    SenderType = "store"
	SenderAdmin    SenderType = "admin"
)

// MessageType classifies message content.
type MessageType string

const (
	MessageText       MessageType = "text"
	MessageAttachment MessageType = "attachment"
	MessageSystem     MessageType = "system"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageAttachment, MessageSystem:
		return true
	default:
		return false
	}
}

// Conversation is the thread of messages tied to one order.
type Conversation struct {
	ID             string
	OrderID        string
	StoreID        string
	CustomerID     string
	CustomerUserID string
	StoreUserID    string
	AdminID        *string

	Status            ConversationStatus
	AdminIntervention bool

	LastMessageAt time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Participants returns the identities used for sender role resolution.
func (c Conversation) Participants() Participants {
	p := Participants{
		CustomerUserID: c.CustomerUserID,
		StoreUserID:    c.StoreUserID,
	}
	if c.AdminID != nil {
		p.AdminID = *c.AdminID
	}
	return p
}

// Message is a single immutable entry in a conversation (except read state).
type Message struct {
	ID             string
	ConversationID string
	Seq            int64
	SenderID       string
	SenderType     SenderType
	Content        string
	MessageType    MessageType
	IsRead         bool
	ReadAt         *time.Time
	CreatedAt      time.Time

	Attachments []Attachment
}

// Attachment is a stored file linked to a message.
type Attachment struct {
	ID          string
	MessageID   string
	FileName    string
	FileType    string
	FileSize    int64
	FileURL     string
	StoragePath string
	Checksum    string
	CreatedAt   time.Time
}

// Stats is a derived, non-persisted aggregate over conversations and the open conversation's messages.
type Stats struct {
	TotalConversations int
	Active             int
	Closed             int
	Disputed           int
	AdminInterventions int
	TotalMessages      int
	UnreadMessages     int
}

// Scope selects which conversations are visible: exactly one of OrderID or StoreID is set.
type Scope struct {
	OrderID string
	StoreID string
}

// OrderScope returns a scope keyed by order id.
func OrderScope(orderID string) Scope { return Scope{OrderID: strings.TrimSpace(orderID)} }

// StoreScope returns a scope keyed by store id.
func StoreScope(storeID string) Scope { return Scope{StoreID: strings.TrimSpace(storeID)} }

// Validate checks that exactly one key is present.
func (s Scope) Validate() error {
	hasOrder := strings.TrimSpace(s.OrderID) != ""
	hasStore := strings.TrimSpace(s.StoreID) != ""
	switch {
	case hasOrder && hasStore:
		return errors.New("scope: order_id and store_id are mutually exclusive")
	case !hasOrder && !hasStore:
		return errors.New("scope: order_id or store_id is required")
	default:
		return nil
	}
}

// IsZero reports whether no key is set.
func (s Scope) IsZero() bool { return s.OrderID == "" && s.StoreID == "" }

func (s Scope) String() string {
	if s.OrderID != "" {
		return "order:" + s.OrderID
	}
	if s.StoreID != "" {
		return "store:" + s.StoreID
	}
	return ""
}

// ConversationFilter narrows a conversation listing.
type ConversationFilter struct {
	Status            ConversationStatus
	AdminIntervention *bool
	Limit             int
}

// MessageFilter narrows message pages and counts.
type MessageFilter struct {
	MessageType MessageType
	// UnreadOnly keeps messages with is_read=false.
	UnreadOnly bool
	// ExcludeSender drops messages authored by this user id.
	ExcludeSender string
	// Search keeps messages whose content contains this substring (case-insensitive).
	Search string
}

// Page is one window of a conversation's history in ascending order.
type Page struct {
	Messages   []Message
	TotalCount int
}

// Order is the minimal order projection the engine needs.
type Order struct {
	ID         string
	StoreID    string
	CustomerID string
}

// StoreRecord is the minimal store projection the engine needs.
type StoreRecord struct {
	ID          string
	OwnerUserID string
}

// Customer links a customer record to its user identity.
type Customer struct {
	ID     string
	UserID string
}

// Caller is the authenticated user driving an operation.
type Caller struct {
	UserID string
}

// FileUpload is an attachment payload submitted with a message.
type FileUpload struct {
	FileName    string
	ContentType string
	Data        []byte
}

// StoredFile is the result of a file-storage upload.
type StoredFile struct {
	Path      string
	PublicURL string
	Size      int64
	MimeType  string
	FileName  string
}

// Notification is an enqueued notice for a message counterparty.
type Notification struct {
	ID             string     `json:"id"`
	RecipientID    string     `json:"recipient_id"`
	Type           string     `json:"type"`
	Title          string     `json:"title"`
	Body           string     `json:"body"`
	ConversationID string     `json:"conversation_id"`
	OrderID        string     `json:"order_id"`
	MessageID      string     `json:"message_id"`
	SenderType     SenderType `json:"sender_type"`
	CreatedAt      time.Time  `json:"created_at"`
}
