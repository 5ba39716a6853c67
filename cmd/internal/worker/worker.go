// Package worker runs the notification delivery side of the asynq queue fed by messaging.AsynqNotifier.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"parley/cmd/internal/messaging"

	"github.com/hibiken/asynq"
)

// Config controls the asynq server.
type Config struct {
	RedisURL        string
	Concurrency     int
	ShutdownTimeout time.Duration
}

// Handler delivers decoded notifications to a sink.
type Handler struct {
	sink messaging.NotificationSink
	log  *slog.Logger
}

// NewHandler returns a Handler writing to sink.
func NewHandler(sink messaging.NotificationSink, log *slog.Logger) (*Handler, error) {
	if sink == nil {
		return nil, errors.New("worker: nil notification sink")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Handler{sink: sink, log: log}, nil
}

// HandleDeliver processes one notification:deliver task. Malformed payloads and access/schema failures
// are not retried; everything else is, per the task's retry budget.
func (h *Handler) HandleDeliver(ctx context.Context, t *asynq.Task) error {
	n, err := messaging.DecodeNotificationTask(t)
	if err != nil {
		h.log.Warn("worker.notification.malformed", "err", err)
		return err
	}

	if err := h.sink.InsertNotification(ctx, n); err != nil {
		if messaging.IsNonCritical(err) {
			h.log.Error("worker.notification.dropped", "notification_id", n.ID, "err", err)
			return fmt.Errorf("deliver %s: %w: %w", n.ID, err, asynq.SkipRetry)
		}
		h.log.Warn("worker.notification.retry", "notification_id", n.ID, "err", err)
		return err
	}

	h.log.Info("worker.notification.delivered",
		"notification_id", n.ID,
		"recipient_id", n.RecipientID,
		"conversation_id", n.ConversationID,
	)
	return nil
}

// NewMux routes task types to h.
func NewMux(h *Handler) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(messaging.TaskNotificationDeliver, h.HandleDeliver)
	return mux
}

// Run starts the asynq server and blocks until ctx is cancelled, then shuts down gracefully.
func Run(ctx context.Context, cfg Config, h *Handler, log *slog.Logger) error {
	opt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("asynq: parse redis url: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 10
	}

	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency:     concurrency,
		Queues:          map[string]int{messaging.NotificationQueue: 1},
		ShutdownTimeout: cfg.ShutdownTimeout,
		ErrorHandler: asynq.ErrorHandlerFunc(func(_ context.Context, task *asynq.Task, err error) {
			log.Warn("worker.task.fail", "type", task.Type(), "err", err)
		}),
	})

	if err := srv.Start(NewMux(h)); err != nil {
		return err
	}
	log.Info("worker.start", "queue", messaging.NotificationQueue, "concurrency", concurrency)

	<-ctx.Done()
	srv.Shutdown()
	log.Info("worker.stopped")
	return nil
}

// LogSink records notifications in the log only. It backs the worker when no database is configured.
type LogSink struct {
	Log *slog.Logger
}

// InsertNotification logs n.
func (s LogSink) InsertNotification(_ context.Context, n messaging.Notification) error {
	log := s.Log
	if log == nil {
		log = slog.Default()
	}
	log.Info("worker.notification.logged", "notification_id", n.ID, "recipient_id", n.RecipientID, "title", n.Title)
	return nil
}
