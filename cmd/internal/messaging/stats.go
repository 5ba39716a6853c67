package messaging

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// StatsAggregator derives conversation/message counts. Each count is an independent query; one failing
// count is reported as 0 and never fails the aggregate.
type StatsAggregator struct {
	store   Store
	convs   *ConversationRepository
	log     *slog.Logger
	metrics *Metrics
}

// NewStatsAggregator constructs a StatsAggregator.
func NewStatsAggregator(store Store, convs *ConversationRepository, log *slog.Logger, metrics *Metrics) *StatsAggregator {
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &StatsAggregator{store: store, convs: convs, log: log, metrics: metrics}
}

// Compute returns the stats for scope. Message counts cover openConversationID only and are zero when it is
// empty. readerID selects whose unread messages are counted.
func (a *StatsAggregator) Compute(ctx context.Context, scope Scope, openConversationID, readerID string) Stats {
	var (
		out Stats
		mu  sync.Mutex
	)

	orderIDs, err := a.convs.scopeOrderIDs(ctx, scope)
	if err != nil {
		a.countFailed("scope", err)
	}

	// Plain group: failures are absorbed per count and must not cancel the others.
	var g errgroup.Group
	count := func(metric string, set func(*Stats, int), fn func(context.Context) (int, error)) {
		g.Go(func() error {
			n, err := fn(ctx)
			if err != nil {
				a.countFailed(metric, err)
				n = 0
			}
			mu.Lock()
			set(&out, n)
			mu.Unlock()
			return nil
		})
	}
	convCount := func(f ConversationFilter) func(context.Context) (int, error) {
		return func(ctx context.Context) (int, error) {
			if len(orderIDs) == 0 {
				return 0, nil
			}
			return a.store.CountConversations(ctx, ConversationQuery{OrderIDs: orderIDs, Filter: f})
		}
	}

	on := true
	count("total_conversations", func(s *Stats, n int) { s.TotalConversations = n }, convCount(ConversationFilter{}))
	count("active", func(s *Stats, n int) { s.Active = n }, convCount(ConversationFilter{Status: StatusActive}))
	count("closed", func(s *Stats, n int) { s.Closed = n }, convCount(ConversationFilter{Status: StatusClosed}))
	count("disputed", func(s *Stats, n int) { s.Disputed = n }, convCount(ConversationFilter{Status: StatusDisputed}))
	count("admin_interventions", func(s *Stats, n int) { s.AdminInterventions = n }, convCount(ConversationFilter{AdminIntervention: &on}))

	if openConversationID != "" {
		count("total_messages", func(s *Stats, n int) { s.TotalMessages = n }, func(ctx context.Context) (int, error) {
			return a.store.CountMessages(ctx, openConversationID, MessageFilter{})
		})
		count("unread_messages", func(s *Stats, n int) { s.UnreadMessages = n }, func(ctx context.Context) (int, error) {
			return a.store.CountMessages(ctx, openConversationID, MessageFilter{UnreadOnly: true, ExcludeSender: readerID})
		})
	}

	_ = g.Wait()
	return out
}

func (a *StatsAggregator) countFailed(metric string, err error) {
	a.metrics.StatsCountFailures.WithLabelValues(metric).Inc()
	a.log.Warn("stats.count.fail", "metric", metric, "err", err)
}
