package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hibiken/asynq"
)

// TaskNotificationDeliver is the asynq task type carrying a Notification.
const TaskNotificationDeliver = "notification:deliver"

// NotificationQueue is the asynq queue notifications are enqueued on.
const NotificationQueue = "notifications"

// EncodeNotificationTask builds the asynq task for n. The notification id doubles as the task id so a
// retried enqueue never produces a second delivery.
func EncodeNotificationTask(n Notification) (*asynq.Task, []asynq.Option, error) {
	payload, err := json.Marshal(n)
	if err != nil {
		return nil, nil, err
	}
	opts := []asynq.Option{
		asynq.TaskID(n.ID),
		asynq.Queue(NotificationQueue),
		asynq.MaxRetry(5),
		asynq.Retention(24 * time.Hour),
	}
	return asynq.NewTask(TaskNotificationDeliver, payload), opts, nil
}

// DecodeNotificationTask parses a task produced by EncodeNotificationTask.
func DecodeNotificationTask(t *asynq.Task) (Notification, error) {
	var n Notification
	if err := json.Unmarshal(t.Payload(), &n); err != nil {
		return Notification{}, fmt.Errorf("decode %s: %v: %w", t.Type(), err, asynq.SkipRetry)
	}
	if n.ID == "" || n.RecipientID == "" {
		return Notification{}, fmt.Errorf("decode %s: missing id or recipient: %w", t.Type(), asynq.SkipRetry)
	}
	return n, nil
}

// AsynqNotifier enqueues notifications on Redis for the worker process.
type AsynqNotifier struct {
	client *asynq.Client
}

// NewAsynqNotifier connects an asynq client to redisURL.
func NewAsynqNotifier(redisURL string) (*AsynqNotifier, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("asynq: parse redis url: %w", err)
	}
	return &AsynqNotifier{client: asynq.NewClient(opt)}, nil
}

// Enqueue schedules delivery of n. A duplicate id is treated as already enqueued.
func (a *AsynqNotifier) Enqueue(ctx context.Context, n Notification) error {
	task, opts, err := EncodeNotificationTask(n)
	if err != nil {
		return err
	}
	if _, err := a.client.EnqueueContext(ctx, task, opts...); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return nil
		}
		return err
	}
	return nil
}

// Close releases the client connection.
func (a *AsynqNotifier) Close() error { return a.client.Close() }

// NotificationSink persists notifications. PostgresStore implements it.
type NotificationSink interface {
	InsertNotification(ctx context.Context, n Notification) error
}

// SinkNotifier writes notifications straight to a sink, without a queue.
type SinkNotifier struct {
	sink NotificationSink
}

// NewSinkNotifier returns a Notifier writing to sink.
func NewSinkNotifier(sink NotificationSink) *SinkNotifier { return &SinkNotifier{sink: sink} }

// Enqueue persists n.
func (s *SinkNotifier) Enqueue(ctx context.Context, n Notification) error {
	return s.sink.InsertNotification(ctx, n)
}

// LogNotifier only logs notifications. It is the dev-mode notifier.
type LogNotifier struct {
	log *slog.Logger
}

// NewLogNotifier returns a LogNotifier.
func NewLogNotifier(log *slog.Logger) *LogNotifier {
	if log == nil {
		log = slog.Default()
	}
	return &LogNotifier{log: log}
}

// Enqueue logs n.
func (l *LogNotifier) Enqueue(ctx context.Context, n Notification) error {
	l.log.InfoContext(ctx, "notify.enqueued",
		"notification_id", n.ID,
		"recipient_id", n.RecipientID,
		"conversation_id", n.ConversationID,
		"title", n.Title,
	)
	return nil
}

// MemoryNotifier records notifications in memory. Fail, when set, is consulted before recording.
type MemoryNotifier struct {
	Fail func(Notification) error

	mu   sync.Mutex
	sent []Notification
}

// Enqueue records n unless Fail rejects it.
func (m *MemoryNotifier) Enqueue(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.Fail != nil {
		if err := m.Fail(n); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.sent = append(m.sent, n)
	m.mu.Unlock()
	return nil
}

// Sent returns the recorded notifications.
func (m *MemoryNotifier) Sent() []Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Notification(nil), m.sent...)
}

var (
	_ Notifier         = (*AsynqNotifier)(nil)
	_ Notifier         = (*SinkNotifier)(nil)
	_ Notifier         = (*LogNotifier)(nil)
	_ Notifier         = (*MemoryNotifier)(nil)
	_ NotificationSink = (*PostgresStore)(nil)
)
