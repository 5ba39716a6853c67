// Package v1 defines the Parley messaging wire contract v1: the WebSocket envelope protocol and the JSON
// shapes shared by the WebSocket and HTTP transports.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the WebSocket subprotocol negotiated by clients.
const Subprotocol = "parley.messaging.v1"

// Type constants (wire-stable).
const (
	// TypeHello authenticates the socket (client -> server). Must be first.
	TypeHello = "hello"
	// TypeHelloAck confirms authentication (server -> client).
	TypeHelloAck = "hello.ack"

	// TypeSessionOpen targets the session at an order or a store (client -> server).
	TypeSessionOpen = "session.open"
	// TypeSessionRefresh reloads the list, open conversation and stats (client -> server).
	TypeSessionRefresh = "session.refresh"
	// TypeSessionState is a full snapshot of the session view (server -> client).
	TypeSessionState = "session.state"

	// TypeConversationCreate opens a conversation on an order and selects it (client -> server).
	TypeConversationCreate = "conversation.create"
	// TypeConversationSelect opens a conversation and follows its messages (client -> server).
	TypeConversationSelect = "conversation.select"
	// TypeConversationRead marks the open conversation read (client -> server).
	TypeConversationRead = "conversation.read"
	// TypeConversationClose closes a conversation (client -> server).
	TypeConversationClose = "conversation.close"
	// TypeConversationDispute flags a conversation as disputed (client -> server).
	TypeConversationDispute = "conversation.dispute"
	// TypeConversationEscalate raises admin intervention (client -> server, admins).
	TypeConversationEscalate = "conversation.escalate"
	// TypeConversationDeescalate lowers admin intervention (client -> server, admins).
	TypeConversationDeescalate = "conversation.deescalate"

	// TypeMessagesLoadMore prepends the next older page (client -> server).
	TypeMessagesLoadMore = "messages.load_more"
	// TypeMessageSend posts a message to the open conversation (client -> server).
	TypeMessageSend = "message.send"
	// TypeMessageSent acknowledges a send (server -> client).
	TypeMessageSent = "message.sent"

	// TypeAck acknowledges any other request by envelope id (server -> client).
	TypeAck = "ack"
	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeSessionOpen,
		TypeSessionRefresh,
		TypeSessionState,
		TypeConversationCreate,
		TypeConversationSelect,
		TypeConversationRead,
		TypeConversationClose,
		TypeConversationDispute,
		TypeConversationEscalate,
		TypeConversationDeescalate,
		TypeMessagesLoadMore,
		TypeMessageSend,
		TypeMessageSent,
		TypeAck,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// HelloPayload carries the bearer token.
type HelloPayload struct {
	Token string `json:"token"`
}

// HelloAckPayload identifies the authenticated socket.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// SessionOpenPayload selects the scope: exactly one of OrderID or StoreID.
type SessionOpenPayload struct {
	OrderID string `json:"order_id,omitempty"`
	StoreID string `json:"store_id,omitempty"`
}

// ConversationCreatePayload names the order (and its store) to open a conversation on.
type ConversationCreatePayload struct {
	OrderID string `json:"order_id"`
	StoreID string `json:"store_id"`
}

// ConversationPayload names a conversation for select/close/dispute/escalate/deescalate.
type ConversationPayload struct {
	ConversationID string `json:"conversation_id"`
}

// FileUpload is an inline attachment. Data is base64 in JSON.
type FileUpload struct {
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type,omitempty"`
	Data        []byte `json:"data"`
}

// MessageSendPayload posts to the open conversation.
type MessageSendPayload struct {
	ClientMsgID string       `json:"client_msg_id,omitempty"`
	Content     string       `json:"content"`
	MessageType string       `json:"message_type,omitempty"`
	Attachments []FileUpload `json:"attachments,omitempty"`
}

// MessageSentPayload acknowledges a send. UploadErrors lists attachments that failed; the message stands.
type MessageSentPayload struct {
	ClientMsgID  string        `json:"client_msg_id,omitempty"`
	Message      Message       `json:"message"`
	UploadErrors []UploadError `json:"upload_errors,omitempty"`
}

// AckPayload acknowledges a request. Conversation is set for conversation mutations, Count for reads
// (messages marked read) and Loaded for load_more.
type AckPayload struct {
	Op           string        `json:"op"`
	Conversation *Conversation `json:"conversation,omitempty"`
	Count        *int          `json:"count,omitempty"`
	Loaded       *bool         `json:"loaded,omitempty"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
