package messaging

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of the messaging engine.
type Metrics struct {
	MessagesSent         *prometheus.CounterVec
	SendFailures         prometheus.Counter
	AttachmentsUploaded  prometheus.Counter
	AttachmentFailures   prometheus.Counter
	NotificationsSent    prometheus.Counter
	NotificationFailures *prometheus.CounterVec
	ListDegraded         prometheus.Counter
	StatsCountFailures   *prometheus.CounterVec
	FeedEvents           *prometheus.CounterVec
	ActiveSessions       prometheus.Gauge
	FetchDuration        prometheus.Histogram
}

// NewMetrics creates and registers the collectors on reg.
// A nil reg registers on a private registry (tests, embedded use).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		MessagesSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_messages_sent_total",
			Help: "Messages persisted, by resolved sender type.",
		}, []string{"sender_type"}),
		SendFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "parley_message_send_failures_total",
			Help: "Sends that failed before the message was persisted.",
		}),
		AttachmentsUploaded: f.NewCounter(prometheus.CounterOpts{
			Name: "parley_attachments_uploaded_total",
			Help: "Attachments uploaded and linked to a message.",
		}),
		AttachmentFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "parley_attachment_failures_total",
			Help: "Attachments that failed to upload or persist.",
		}),
		NotificationsSent: f.NewCounter(prometheus.CounterOpts{
			Name: "parley_notifications_enqueued_total",
			Help: "Notifications successfully enqueued.",
		}),
		NotificationFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_notification_failures_total",
			Help: "Notifications dropped after retries, by reason.",
		}, []string{"reason"}),
		ListDegraded: f.NewCounter(prometheus.CounterOpts{
			Name: "parley_conversation_list_degraded_total",
			Help: "Store-scoped listings that degraded to an empty result.",
		}),
		StatsCountFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_stats_count_failures_total",
			Help: "Individual stats counts that failed and degraded to zero.",
		}, []string{"metric"}),
		FeedEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_feed_events_total",
			Help: "Change-feed events handled by sessions, by kind.",
		}, []string{"kind"}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "parley_sessions_active",
			Help: "Messaging sessions currently open.",
		}),
		FetchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "parley_message_page_fetch_seconds",
			Help:    "Duration of message page fetches.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
