package messaging

import (
	v1 "parley/shared/contracts/messaging/v1"
)

// WireConversation converts c to its wire form. role may be SenderUnknown.
func WireConversation(c Conversation, role SenderType) v1.Conversation {
	return v1.Conversation{
		ID:                c.ID,
		OrderID:           c.OrderID,
		StoreID:           c.StoreID,
		CustomerID:        c.CustomerID,
		CustomerUserID:    c.CustomerUserID,
		StoreUserID:       c.StoreUserID,
		AdminID:           c.AdminID,
		Status:            string(c.Status),
		AdminIntervention: c.AdminIntervention,
		LastMessageAt:     c.LastMessageAt,
		CreatedAt:         c.CreatedAt,
		UpdatedAt:         c.UpdatedAt,
		Role:              string(role),
	}
}

// WireConversations converts a listing.
func WireConversations(cs []Conversation) []v1.Conversation {
	out := make([]v1.Conversation, 0, len(cs))
	for _, c := range cs {
		out = append(out, WireConversation(c, SenderUnknown))
	}
	return out
}

// WireMessage converts m and its attachments.
func WireMessage(m Message) v1.Message {
	out := v1.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		SenderType:     string(m.SenderType),
		Content:        m.Content,
		MessageType:    string(m.MessageType),
		IsRead:         m.IsRead,
		ReadAt:         m.ReadAt,
		CreatedAt:      m.CreatedAt,
		Attachments:    make([]v1.Attachment, 0, len(m.Attachments)),
	}
	for _, a := range m.Attachments {
		out.Attachments = append(out.Attachments, v1.Attachment{
			ID:        a.ID,
			FileName:  a.FileName,
			FileType:  a.FileType,
			FileSize:  a.FileSize,
			FileURL:   a.FileURL,
			Checksum:  a.Checksum,
			CreatedAt: a.CreatedAt,
		})
	}
	return out
}

// WireMessages converts a page of messages.
func WireMessages(ms []Message) []v1.Message {
	out := make([]v1.Message, 0, len(ms))
	for _, m := range ms {
		out = append(out, WireMessage(m))
	}
	return out
}

// WireUploadErrors converts attachment failures.
func WireUploadErrors(errs []UploadError) []v1.UploadError {
	if len(errs) == 0 {
		return nil
	}
	out := make([]v1.UploadError, 0, len(errs))
	for _, e := range errs {
		msg := ""
		if e.Err != nil {
			msg = e.Err.Error()
		}
		out = append(out, v1.UploadError{Index: e.Index, FileName: e.FileName, Error: msg})
	}
	return out
}

// WireStats converts stats.
func WireStats(s Stats) v1.Stats {
	return v1.Stats{
		TotalConversations: s.TotalConversations,
		Active:             s.Active,
		Closed:             s.Closed,
		Disputed:           s.Disputed,
		AdminInterventions: s.AdminInterventions,
		TotalMessages:      s.TotalMessages,
		UnreadMessages:     s.UnreadMessages,
	}
}

// WireState converts a session snapshot.
func WireState(st State) v1.SessionState {
	out := v1.SessionState{
		Version:       st.Version,
		Scope:         v1.Scope{OrderID: st.Scope.OrderID, StoreID: st.Scope.StoreID},
		Conversations: WireConversations(st.Conversations),
		Messages:      WireMessages(st.Messages),
		HasMore:       st.HasMore,
		Loading:       st.Loading,
		Page:          st.Page,
		Total:         st.Total,
		Stats:         WireStats(st.Stats),
		Sync:          string(st.Sync),
		Error:         st.Error,
	}
	if st.Active != nil {
		c := WireConversation(*st.Active, st.ActiveRole)
		out.Active = &c
	}
	return out
}

// FromWireUploads converts inline wire attachments to uploads.
func FromWireUploads(files []v1.FileUpload) []FileUpload {
	if len(files) == 0 {
		return nil
	}
	out := make([]FileUpload, 0, len(files))
	for _, f := range files {
		out = append(out, FileUpload{FileName: f.FileName, ContentType: f.ContentType, Data: f.Data})
	}
	return out
}
