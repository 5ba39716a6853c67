package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultNotifyChannel is the LISTEN/NOTIFY channel of the Postgres feed.
const DefaultNotifyChannel = "parley_changes"

// PostgresFeed is a ChangeFeed over Postgres LISTEN/NOTIFY.
//
// One pooled connection is held for LISTEN; when it drops, the listener reconnects with exponential
// backoff. Events published while disconnected are lost, which only delays a refresh: events are signals,
// not state.
type PostgresFeed struct {
	pool    *pgxpool.Pool
	channel string
	log     *slog.Logger
	fan     *fanout

	ready chan struct{}
	once  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPostgresFeed starts the listener. The pool is owned by the caller.
func NewPostgresFeed(pool *pgxpool.Pool, channel string, log *slog.Logger) (*PostgresFeed, error) {
	if pool == nil {
		return nil, errors.New("messaging: nil pool")
	}
	if channel == "" {
		channel = DefaultNotifyChannel
	}
	if !isValidPGIdent(channel) {
		return nil, errors.New("messaging: invalid notify channel")
	}
	if log == nil {
		log = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	f := &PostgresFeed{
		pool:    pool,
		channel: channel,
		log:     log,
		fan:     newFanout(log),
		ready:   make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	f.wg.Add(1)
	go f.run()
	return f, nil
}

// Ready is closed once the first LISTEN succeeded.
func (f *PostgresFeed) Ready() <-chan struct{} { return f.ready }

func (f *PostgresFeed) run() {
	defer f.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 0

	for {
		err := f.listen()
		if f.ctx.Err() != nil {
			return
		}
		wait := bo.NextBackOff()
		f.log.Warn("feed.postgres.listen.fail", "channel", f.channel, "retry_in", wait, "err", err)

		t := time.NewTimer(wait)
		select {
		case <-f.ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// listen holds one connection until it fails or the feed closes.
func (f *PostgresFeed) listen() error {
	pooled, err := f.pool.Acquire(f.ctx)
	if err != nil {
		return err
	}
	// A LISTEN-ing connection must not return to the pool.
	conn := pooled.Hijack()
	defer func() { _ = conn.Close(context.Background()) }()

	if _, err := conn.Exec(f.ctx, "LISTEN "+pgx.Identifier{f.channel}.Sanitize()); err != nil {
		return err
	}
	f.once.Do(func() { close(f.ready) })
	f.log.Debug("feed.postgres.listening", "channel", f.channel)

	for {
		n, err := conn.WaitForNotification(f.ctx)
		if err != nil {
			return err
		}
		var ev Event
		if err := json.Unmarshal([]byte(n.Payload), &ev); err != nil {
			f.log.Warn("feed.postgres.decode.fail", "channel", f.channel, "err", err)
			continue
		}
		f.fan.dispatch(ev)
	}
}

// Subscribe registers fn for events on topic.
func (f *PostgresFeed) Subscribe(ctx context.Context, topic string, fn func(Event)) (func(), error) {
	return f.fan.subscribe(ctx, topic, fn)
}

// Publish notifies every listener on the channel, this process included.
func (f *PostgresFeed) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := f.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, f.channel, string(data)); err != nil {
		return classify("feed.postgres.Publish", err)
	}
	return nil
}

// Close stops the listener and every local subscriber.
func (f *PostgresFeed) Close() error {
	f.cancel()
	f.wg.Wait()
	f.fan.close()
	return nil
}

var _ ChangeFeed = (*PostgresFeed)(nil)
