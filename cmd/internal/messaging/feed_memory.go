package messaging

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

// fanout is the in-process topic registry shared by every ChangeFeed implementation.
// Remote feeds (Postgres, Redis) receive events from their backend and hand them to a fanout.
//
// Concurrency guarantees:
//   - Subscribe/unsubscribe are safe under concurrent dispatch.
//   - dispatch never blocks: each subscriber holds at most one pending event and extra events are
//     coalesced into it.
//   - Callbacks run on the subscriber's own goroutine, never under the registry lock.
type fanout struct {
	log *slog.Logger

	nextID atomic.Uint64

	mu     sync.RWMutex
	topics map[string]map[uint64]*subscriber
	closed bool
}

type subscriber struct {
	id    uint64
	topic string
	fn    func(Event)

	pending chan Event
	done    chan struct{}
	once    sync.Once
}

func newFanout(log *slog.Logger) *fanout {
	if log == nil {
		log = slog.Default()
	}
	return &fanout{
		log:    log,
		topics: make(map[string]map[uint64]*subscriber),
	}
}

func (f *fanout) subscribe(ctx context.Context, topic string, fn func(Event)) (func(), error) {
	if topic == "" || fn == nil {
		return nil, errors.New("feed: topic and callback are required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sub := &subscriber{
		id:      f.nextID.Add(1),
		topic:   topic,
		fn:      fn,
		pending: make(chan Event, 1),
		done:    make(chan struct{}),
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, errors.New("feed: closed")
	}
	if f.topics[topic] == nil {
		f.topics[topic] = make(map[uint64]*subscriber)
	}
	f.topics[topic][sub.id] = sub
	f.mu.Unlock()

	go sub.run()

	f.log.Debug("feed.subscribe", "topic", topic, "subscriber_id", sub.id)

	return func() { f.unsubscribe(sub) }, nil
}

// unsubscribe removes the subscriber before stopping it so a concurrent dispatch never
// holds a pointer to a stopped subscriber.
func (f *fanout) unsubscribe(sub *subscriber) {
	f.mu.Lock()
	if subs := f.topics[sub.topic]; subs != nil {
		delete(subs, sub.id)
		if len(subs) == 0 {
			delete(f.topics, sub.topic)
		}
	}
	f.mu.Unlock()

	sub.stop()
	f.log.Debug("feed.unsubscribe", "topic", sub.topic, "subscriber_id", sub.id)
}

func (f *fanout) dispatch(ev Event) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, sub := range f.topics[ev.Topic] {
		select {
		case <-sub.done:
			continue
		default:
		}

		select {
		case sub.pending <- ev:
		default:
			// A refresh is already pending for this subscriber.
		}
	}
}

func (f *fanout) subscriberCount(topic string) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.topics[topic])
}

func (f *fanout) close() {
	f.mu.Lock()
	all := f.topics
	f.topics = make(map[string]map[uint64]*subscriber)
	f.closed = true
	f.mu.Unlock()

	for _, subs := range all {
		for _, sub := range subs {
			sub.stop()
		}
	}
}

func (s *subscriber) run() {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.pending:
			select {
			case <-s.done:
				return
			default:
			}
			s.fn(ev)
		}
	}
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

// MemoryFeed is a process-local ChangeFeed. It is the dev-mode feed and the feed used by tests.
type MemoryFeed struct {
	fan *fanout
}

// NewMemoryFeed constructs a process-local change feed.
func NewMemoryFeed(log *slog.Logger) *MemoryFeed {
	return &MemoryFeed{fan: newFanout(log)}
}

// Subscribe registers fn for events on topic.
func (f *MemoryFeed) Subscribe(ctx context.Context, topic string, fn func(Event)) (func(), error) {
	return f.fan.subscribe(ctx, topic, fn)
}

// Publish delivers ev to the topic's subscribers without blocking.
func (f *MemoryFeed) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.fan.dispatch(ev)
	return nil
}

// Subscribers returns the live subscriber count for topic.
func (f *MemoryFeed) Subscribers(topic string) int { return f.fan.subscriberCount(topic) }

// Close stops every subscriber.
func (f *MemoryFeed) Close() error {
	f.fan.close()
	return nil
}

var _ ChangeFeed = (*MemoryFeed)(nil)
