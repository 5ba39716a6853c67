package api

import (
	v1 "parley/shared/contracts/messaging/v1"
)

type createConversationRequest struct {
	OrderID string `json:"order_id"`
	StoreID string `json:"store_id"`
}

type sendMessageRequest struct {
	Content     string          `json:"content"`
	MessageType string          `json:"message_type,omitempty"`
	Attachments []v1.FileUpload `json:"attachments,omitempty"`
}

type conversationsResponse struct {
	Conversations []v1.Conversation `json:"conversations"`
}

type sendResponse struct {
	Message      v1.Message       `json:"message"`
	UploadErrors []v1.UploadError `json:"upload_errors,omitempty"`
}

type countResponse struct {
	Count int `json:"count"`
}
