package messaging

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// ReadStateTracker marks the counterparty's messages read for a reader.
type ReadStateTracker struct {
	store Store
	feed  ChangeFeed
	log   *slog.Logger
	now   func() time.Time
}

// NewReadStateTracker constructs a ReadStateTracker.
func NewReadStateTracker(store Store, feed ChangeFeed, log *slog.Logger) *ReadStateTracker {
	if log == nil {
		log = slog.Default()
	}
	return &ReadStateTracker{
		store: store,
		feed:  feed,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// MarkRead sets is_read/read_at on every unread message not sent by readerID and returns how many changed.
// With nothing unread it writes nothing and publishes nothing.
func (t *ReadStateTracker) MarkRead(ctx context.Context, conversationID, readerID string) (int, error) {
	conversationID = strings.TrimSpace(conversationID)
	readerID = strings.TrimSpace(readerID)
	if conversationID == "" || readerID == "" {
		return 0, invalid("reads.MarkRead", "missing conversation_id or reader_id")
	}

	n, err := t.store.MarkMessagesRead(ctx, conversationID, readerID, t.now())
	if err != nil {
		t.log.Error("reads.mark.fail", "conversation_id", conversationID, "reader_id", readerID, "err", err)
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}

	t.log.Debug("reads.marked", "conversation_id", conversationID, "reader_id", readerID, "count", n)
	if t.feed != nil {
		err := t.feed.Publish(ctx, Event{
			Topic:    MessagesTopic(conversationID),
			Table:    tableMessages,
			Kind:     EventUpdate,
			RecordID: conversationID,
			At:       t.now(),
		})
		if err != nil {
			t.log.Warn("reads.publish.fail", "conversation_id", conversationID, "err", err)
		}
	}
	return n, nil
}

// UnreadCount counts messages readerID has not read yet.
func (t *ReadStateTracker) UnreadCount(ctx context.Context, conversationID, readerID string) (int, error) {
	if strings.TrimSpace(conversationID) == "" || strings.TrimSpace(readerID) == "" {
		return 0, invalid("reads.UnreadCount", "missing conversation_id or reader_id")
	}
	n, err := t.store.CountMessages(ctx, conversationID, MessageFilter{UnreadOnly: true, ExcludeSender: readerID})
	if err != nil {
		t.log.Error("reads.unread_count.fail", "conversation_id", conversationID, "reader_id", readerID, "err", err)
		return 0, err
	}
	return n, nil
}
