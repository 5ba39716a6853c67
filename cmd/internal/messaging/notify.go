package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"parley/cmd/internal/ids"
)

const (
	NotificationNewMessage = "new_message"

	previewRunes = 100
)

// DispatcherOptions tunes delivery of a single notification.
type DispatcherOptions struct {
	Timeout         time.Duration
	MaxRetries      uint64
	InitialInterval time.Duration

	// BreakerFailures consecutive failures open the breaker for BreakerOpenFor.
	BreakerFailures uint32
	BreakerOpenFor  time.Duration
}

func (o DispatcherOptions) withDefaults() DispatcherOptions {
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.InitialInterval <= 0 {
		o.InitialInterval = 200 * time.Millisecond
	}
	if o.BreakerFailures == 0 {
		o.BreakerFailures = 5
	}
	if o.BreakerOpenFor <= 0 {
		o.BreakerOpenFor = 30 * time.Second
	}
	return o
}

// NotificationDispatcher delivers best-effort notifications to a message's counterparty.
//
// Notify returns immediately. Delivery runs on a detached goroutine with its own timeout; failures are
// logged and counted, never returned.
type NotificationDispatcher struct {
	notifier Notifier
	log      *slog.Logger
	metrics  *Metrics
	opts     DispatcherOptions
	breaker  *gobreaker.CircuitBreaker
	now      func() time.Time

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewNotificationDispatcher constructs a dispatcher. A nil notifier disables notifications.
func NewNotificationDispatcher(n Notifier, log *slog.Logger, metrics *Metrics, opts DispatcherOptions) *NotificationDispatcher {
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	opts = opts.withDefaults()

	d := &NotificationDispatcher{
		notifier: n,
		log:      log,
		metrics:  metrics,
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC() },
	}
	d.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "notifications",
		Timeout: opts.BreakerOpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("notify.breaker.state", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return d
}

// Recipient returns the user who should hear about a message from senderType.
// Customer and admin messages go to the store owner, store messages to the customer.
func Recipient(conv Conversation, senderType SenderType) string {
	switch senderType {
	case SenderCustomer, SenderAdmin:
		return conv.StoreUserID
	case SenderStore:
		return conv.CustomerUserID
	default:
		return ""
	}
}

// BuildNotification renders the notification for msg. ok is false when nobody should be notified.
func BuildNotification(msg Message, conv Conversation, senderType SenderType, id string, at time.Time) (Notification, bool) {
	to := Recipient(conv, senderType)
	if to == "" || to == msg.SenderID {
		return Notification{}, false
	}

	body := preview(msg.Content)
	if body == "" && len(msg.Attachments) > 0 {
		body = fmt.Sprintf("Sent %d attachment(s)", len(msg.Attachments))
	}

	return Notification{
		ID:             id,
		RecipientID:    to,
		Type:           NotificationNewMessage,
		Title:          "New message from " + senderLabel(senderType),
		Body:           body,
		ConversationID: conv.ID,
		OrderID:        conv.OrderID,
		MessageID:      msg.ID,
		SenderType:     senderType,
		CreatedAt:      at,
	}, true
}

// Notify schedules delivery for msg and returns without waiting.
func (d *NotificationDispatcher) Notify(msg Message, conv Conversation, senderType SenderType) {
	if d == nil || d.notifier == nil {
		return
	}

	now := d.now()
	id, err := ids.NewULID(now)
	if err != nil {
		d.log.Warn("notify.id.fail", "message_id", msg.ID, "err", err)
		return
	}
	n, ok := BuildNotification(msg, conv, senderType, id, now)
	if !ok {
		d.log.Debug("notify.skip", "conversation_id", conv.ID, "message_id", msg.ID)
		return
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.log.Debug("notify.drop.shutdown", "conversation_id", conv.ID, "message_id", msg.ID)
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), d.opts.Timeout)
		defer cancel()

		if err := d.deliver(ctx, n); err != nil {
			d.metrics.NotificationFailures.WithLabelValues(failureReason(err)).Inc()
			d.log.Warn("notify.fail",
				"conversation_id", n.ConversationID,
				"message_id", n.MessageID,
				"recipient_id", n.RecipientID,
				"err", OpError{Op: "notify.Notify", Kind: ErrNotificationFailed, Err: err},
			)
			return
		}
		d.metrics.NotificationsSent.Inc()
		d.log.Debug("notify.sent", "notification_id", n.ID, "recipient_id", n.RecipientID)
	}()
}

// Shutdown stops scheduling new deliveries and waits for in-flight ones until ctx ends.
func (d *NotificationDispatcher) Shutdown(ctx context.Context) error {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return d.Wait(ctx)
}

// Wait blocks until in-flight deliveries finish or ctx ends. Callers that may race Notify use Shutdown.
func (d *NotificationDispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *NotificationDispatcher) deliver(ctx context.Context, n Notification) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = d.opts.InitialInterval
	eb.MaxElapsedTime = d.opts.Timeout

	var bo backoff.BackOff = eb
	if d.opts.MaxRetries > 0 {
		bo = backoff.WithMaxRetries(bo, d.opts.MaxRetries)
	}

	return backoff.Retry(func() error {
		_, err := d.breaker.Execute(func() (interface{}, error) {
			return nil, d.notifier.Enqueue(ctx, n)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(bo, ctx))
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "breaker_open"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "enqueue"
	}
}

func preview(s string) string {
	if utf8.RuneCountInString(s) <= previewRunes {
		return s
	}
	r := []rune(s)
	return string(r[:previewRunes]) + "..."
}

func senderLabel(t SenderType) string {
	switch t {
	case SenderCustomer:
		return "customer"
	case SenderStore:
		return "store"
	case SenderAdmin:
		return "support"
	default:
		return "unknown"
	}
}
