package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisChannel carries change events between processes.
const DefaultRedisChannel = "parley:changes"

// RedisFeed is a ChangeFeed over Redis pub/sub. Every process publishes to one channel and fans received
// events out to its local subscribers, so sessions on any node see every mutation.
type RedisFeed struct {
	client  *redis.Client
	channel string
	log     *slog.Logger
	fan     *fanout

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedisFeed subscribes to channel and starts the receive loop. The client is owned by the caller.
func NewRedisFeed(ctx context.Context, client *redis.Client, channel string, log *slog.Logger) (*RedisFeed, error) {
	if client == nil {
		return nil, errors.New("messaging: nil redis client")
	}
	if channel == "" {
		channel = DefaultRedisChannel
	}
	if log == nil {
		log = slog.Default()
	}

	pubsub := client.Subscribe(ctx, channel)
	// Wait for the subscription confirmation so early publishes are not missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, OpError{Op: "feed.redis.Subscribe", Kind: ErrNetwork, Err: err}
	}

	lctx, cancel := context.WithCancel(context.Background())
	f := &RedisFeed{
		client:  client,
		channel: channel,
		log:     log,
		fan:     newFanout(log),
		ctx:     lctx,
		cancel:  cancel,
	}
	f.wg.Add(1)
	go f.listen(pubsub)
	return f, nil
}

func (f *RedisFeed) listen(pubsub *redis.PubSub) {
	defer f.wg.Done()
	defer pubsub.Close()

	for {
		msg, err := pubsub.ReceiveMessage(f.ctx)
		if err != nil {
			if f.ctx.Err() != nil {
				return
			}
			f.log.Warn("feed.redis.receive.fail", "channel", f.channel, "err", err)
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			f.log.Warn("feed.redis.decode.fail", "channel", f.channel, "err", err)
			continue
		}
		f.fan.dispatch(ev)
	}
}

// Subscribe registers fn for events on topic.
func (f *RedisFeed) Subscribe(ctx context.Context, topic string, fn func(Event)) (func(), error) {
	return f.fan.subscribe(ctx, topic, fn)
}

// Publish sends ev to every process listening on the channel, this one included.
func (f *RedisFeed) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := f.client.Publish(ctx, f.channel, data).Err(); err != nil {
		return OpError{Op: "feed.redis.Publish", Kind: ErrNetwork, Err: err}
	}
	return nil
}

// Close stops the receive loop and every local subscriber.
func (f *RedisFeed) Close() error {
	f.cancel()
	f.wg.Wait()
	f.fan.close()
	return nil
}

var _ ChangeFeed = (*RedisFeed)(nil)
