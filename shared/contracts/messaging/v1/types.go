package v1

import "time"

// Scope is the session's conversation scope.
type Scope struct {
	OrderID string `json:"order_id,omitempty"`
	StoreID string `json:"store_id,omitempty"`
}

// Conversation is the wire form of a conversation.
type Conversation struct {
	ID                string    `json:"id"`
	OrderID           string    `json:"order_id"`
	StoreID           string    `json:"store_id"`
	CustomerID        string    `json:"customer_id"`
	CustomerUserID    string    `json:"customer_user_id"`
	StoreUserID       string    `json:"store_user_id"`
	AdminID           *string   `json:"admin_id,omitempty"`
	Status            string    `json:"status"`
	AdminIntervention bool      `json:"admin_intervention"`
	LastMessageAt     time.Time `json:"last_message_at"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
	// Role is the caller's role in the conversation, when known.
	Role string `json:"role,omitempty"`
}

// Attachment is the wire form of a stored attachment.
type Attachment struct {
	ID        string    `json:"id"`
	FileName  string    `json:"file_name"`
	FileType  string    `json:"file_type"`
	FileSize  int64     `json:"file_size"`
	FileURL   string    `json:"file_url"`
	Checksum  string    `json:"checksum,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is the wire form of a message.
type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversation_id"`
	SenderID       string       `json:"sender_id"`
	SenderType     string       `json:"sender_type"`
	Content        string       `json:"content"`
	MessageType    string       `json:"message_type"`
	IsRead         bool         `json:"is_read"`
	ReadAt         *time.Time   `json:"read_at,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	Attachments    []Attachment `json:"attachments"`
}

// UploadError reports one attachment that failed.
type UploadError struct {
	Index    int    `json:"index"`
	FileName string `json:"file_name"`
	Error    string `json:"error"`
}

// Stats are the derived counts shown next to a conversation list.
type Stats struct {
	TotalConversations int `json:"total_conversations"`
	Active             int `json:"active"`
	Closed             int `json:"closed"`
	Disputed           int `json:"disputed"`
	AdminInterventions int `json:"admin_interventions"`
	TotalMessages      int `json:"total_messages"`
	UnreadMessages     int `json:"unread_messages"`
}

// Page is one window of history, ascending.
type Page struct {
	Messages   []Message `json:"messages"`
	Page       int       `json:"page"`
	PageSize   int       `json:"page_size"`
	TotalCount int       `json:"total_count"`
	HasMore    bool      `json:"has_more"`
}

// SessionState is a full snapshot of a session view.
type SessionState struct {
	Version       uint64         `json:"version"`
	Scope         Scope          `json:"scope"`
	Conversations []Conversation `json:"conversations"`
	Active        *Conversation  `json:"active,omitempty"`
	Messages      []Message      `json:"messages"`
	HasMore       bool           `json:"has_more"`
	Loading       bool           `json:"loading"`
	Page          int            `json:"page"`
	Total         int            `json:"total"`
	Stats         Stats          `json:"stats"`
	Sync          string         `json:"sync"`
	Error         string         `json:"error,omitempty"`
}
