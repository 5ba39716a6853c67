package messaging

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"parley/cmd/internal/ids"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200

	// MaxContentRunes bounds a message body.
	MaxContentRunes = 4000
)

// SendInput is the payload of a send.
type SendInput struct {
	Content     string
	MessageType MessageType
	Attachments []FileUpload
}

// SendResult is a successful send. UploadErrors lists attachments that failed; the message stands regardless.
type SendResult struct {
	Message      Message
	Attachments  []Attachment
	UploadErrors []UploadError
}

// MessageStore pages and inserts messages of one conversation at a time.
type MessageStore struct {
	store    Store
	feed     ChangeFeed
	convs    *ConversationRepository
	uploader *AttachmentUploader
	reads    *ReadStateTracker
	notify   *NotificationDispatcher
	log      *slog.Logger
	metrics  *Metrics
	now      func() time.Time
}

// NewMessageStore wires a MessageStore. uploader and notify may be nil.
func NewMessageStore(
	store Store,
	feed ChangeFeed,
	convs *ConversationRepository,
	uploader *AttachmentUploader,
	reads *ReadStateTracker,
	notify *NotificationDispatcher,
	log *slog.Logger,
	metrics *Metrics,
) *MessageStore {
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &MessageStore{
		store:    store,
		feed:     feed,
		convs:    convs,
		uploader: uploader,
		reads:    reads,
		notify:   notify,
		log:      log,
		metrics:  metrics,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// FetchPage returns one page of history in ascending order together with the conversation's filtered total.
//
// Page 1 is the newest pageSize messages, page 2 the pageSize before them, and so on.
func (s *MessageStore) FetchPage(ctx context.Context, conversationID string, page, pageSize int, f MessageFilter) (Page, error) {
	const op = "messages.FetchPage"

	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return Page{}, invalid(op, "missing conversation_id")
	}
	if page < 1 {
		return Page{}, invalid(op, "page must be >= 1")
	}
	if f.MessageType != "" && !f.MessageType.Valid() {
		return Page{}, invalid(op, "unknown message_type filter")
	}
	pageSize = clampPageSize(pageSize)

	start := time.Now()
	defer func() { s.metrics.FetchDuration.Observe(time.Since(start).Seconds()) }()

	var (
		total int
		rows  []Message
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := s.store.CountMessages(gctx, conversationID, f)
		total = n
		return err
	})
	g.Go(func() error {
		list, err := s.store.ListMessages(gctx, conversationID, f, (page-1)*pageSize, pageSize)
		rows = list
		return err
	})
	if err := g.Wait(); err != nil {
		s.log.Error("messages.fetch.fail", "conversation_id", conversationID, "page", page, "err", err)
		return Page{}, err
	}

	// The store windows newest first; pages are presented ascending.
	slices.Reverse(rows)
	if rows == nil {
		rows = []Message{}
	}
	return Page{Messages: rows, TotalCount: total}, nil
}

// Send persists a message from callerID.
//
// Only the message insert can fail the send. Attachment, read-state and notification failures after that
// point are reported (UploadErrors) or logged, never rolled back.
func (s *MessageStore) Send(ctx context.Context, conversationID, callerID string, in SendInput) (SendResult, error) {
	const op = "messages.Send"

	conversationID = strings.TrimSpace(conversationID)
	callerID = strings.TrimSpace(callerID)
	if conversationID == "" || callerID == "" {
		return SendResult{}, invalid(op, "missing conversation_id or caller")
	}

	content := strings.TrimSpace(in.Content)
	msgType, err := normalizeSendInput(op, content, in)
	if err != nil {
		return SendResult{}, err
	}

	conv, err := s.convs.Get(ctx, conversationID)
	if err != nil {
		return SendResult{}, err
	}
	if conv.Status == StatusClosed {
		return SendResult{}, OpError{Op: op, Kind: ErrConversationClosed}
	}

	role, err := s.resolveRole(ctx, conv, callerID)
	if err != nil {
		return SendResult{}, err
	}
	if role == SenderUnknown {
		s.log.Warn("messaging.send.denied", "conversation_id", conv.ID, "caller_id", callerID)
		return SendResult{}, OpError{Op: op, Kind: ErrPermissionDenied}
	}

	now := s.now()
	id, err := ids.NewULID(now)
	if err != nil {
		return SendResult{}, err
	}

	msg, err := s.store.InsertMessage(ctx, Message{
		ID:             id,
		ConversationID: conv.ID,
		SenderID:       callerID,
		SenderType:     role,
		Content:        content,
		MessageType:    msgType,
		CreatedAt:      now,
	})
	if err != nil {
		s.metrics.SendFailures.Inc()
		s.log.Error("messaging.send.fail", "conversation_id", conv.ID, "caller_id", callerID, "err", err)
		return SendResult{}, err
	}
	s.metrics.MessagesSent.WithLabelValues(string(role)).Inc()
	s.publish(ctx, msg.ConversationID, msg.ID, EventInsert)

	if _, err := s.convs.Touch(ctx, conv.ID, msg.CreatedAt); err != nil {
		s.log.Warn("messaging.send.touch.fail", "conversation_id", conv.ID, "message_id", msg.ID, "err", err)
	}

	res := SendResult{Message: msg}
	if len(in.Attachments) > 0 {
		res.Attachments, res.UploadErrors = s.uploadAll(ctx, callerID, msg.ID, in.Attachments)
		res.Message.Attachments = slices.Clone(res.Attachments)
		if len(res.Attachments) > 0 {
			s.publish(ctx, msg.ConversationID, msg.ID, EventUpdate)
		}
	}

	if s.reads != nil {
		if _, err := s.reads.MarkRead(ctx, conv.ID, callerID); err != nil {
			s.log.Warn("messaging.send.mark_read.fail", "conversation_id", conv.ID, "caller_id", callerID, "err", err)
		}
	}

	if s.notify != nil {
		s.notify.Notify(res.Message, conv, role)
	}

	s.log.Info("messaging.sent",
		"conversation_id", conv.ID,
		"message_id", msg.ID,
		"sender_type", string(role),
		"attachments", len(res.Attachments),
		"upload_failures", len(res.UploadErrors),
	)
	return res, nil
}

// resolveRole consults the admin role only when the caller is not a participant.
func (s *MessageStore) resolveRole(ctx context.Context, conv Conversation, callerID string) (SenderType, error) {
	p := conv.Participants()
	if !p.needsRoleLookup(callerID) {
		return ResolveSenderRole(p, callerID, false), nil
	}

	isAdmin, err := s.store.HasRole(ctx, callerID, roleAdmin)
	if err != nil {
		if IsNonCritical(err) {
			s.log.Warn("messaging.send.role_lookup.degraded", "caller_id", callerID, "err", err)
			return SenderUnknown, nil
		}
		s.log.Error("messaging.send.role_lookup.fail", "caller_id", callerID, "err", err)
		return SenderUnknown, err
	}
	return ResolveSenderRole(p, callerID, isAdmin), nil
}

func (s *MessageStore) uploadAll(ctx context.Context, callerID, messageID string, files []FileUpload) ([]Attachment, []UploadError) {
	if s.uploader == nil {
		errs := make([]UploadError, len(files))
		for i, f := range files {
			errs[i] = UploadError{Index: i, FileName: f.FileName, Err: errStorageUnavailable}
		}
		return nil, errs
	}
	return s.uploader.UploadAll(ctx, callerID, messageID, files)
}

func (s *MessageStore) publish(ctx context.Context, conversationID, messageID string, kind EventKind) {
	if s.feed == nil {
		return
	}
	err := s.feed.Publish(ctx, Event{
		Topic:    MessagesTopic(conversationID),
		Table:    tableMessages,
		Kind:     kind,
		RecordID: messageID,
		At:       s.now(),
	})
	if err != nil {
		s.log.Warn("messaging.publish.fail", "conversation_id", conversationID, "message_id", messageID, "err", err)
	}
}

func normalizeSendInput(op, content string, in SendInput) (MessageType, error) {
	if content == "" && len(in.Attachments) == 0 {
		return "", invalid(op, "content or attachments required")
	}
	if utf8.RuneCountInString(content) > MaxContentRunes {
		return "", invalid(op, "content too long")
	}

	t := in.MessageType
	switch {
	case t == "" && content == "":
		t = MessageAttachment
	case t == "":
		t = MessageText
	case !t.Valid():
		return "", invalid(op, "unknown message_type")
	}
	return t, nil
}
