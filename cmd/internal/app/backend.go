package app

import (
	"context"
	"errors"
	"fmt"

	"parley/cmd/internal/messaging"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// backend bundles the messaging collaborators selected by config plus their shutdown hooks.
// Ownership model:
//   - app owns the pool and the redis client
//   - stores and feeds built on them never close them
type backend struct {
	store    messaging.Store
	feed     messaging.ChangeFeed
	files    messaging.FileStorage
	notifier messaging.Notifier

	pool    *pgxpool.Pool
	closers []func() error
}

func (b *backend) onClose(fn func() error) { b.closers = append(b.closers, fn) }

// Close releases resources in reverse acquisition order.
func (b *backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}

func newBackend(ctx context.Context, cfg Config, log Logger) (_ *backend, err error) {
	b := &backend{}
	defer func() {
		if err != nil {
			_ = b.Close()
		}
	}()

	if err := b.openStore(ctx, cfg, log); err != nil {
		return nil, err
	}

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("PARLEY_REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opt)
		b.onClose(rdb.Close)
	}

	if err := b.openFeed(ctx, cfg, log, rdb); err != nil {
		return nil, err
	}
	if err := b.openStorage(cfg, log); err != nil {
		return nil, err
	}
	if err := b.openNotifier(cfg, log); err != nil {
		return nil, err
	}
	return b, nil
}

// openStore decides between Postgres-backed persistence and the in-memory dev store.
func (b *backend) openStore(ctx context.Context, cfg Config, log Logger) error {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store", "dev_seed", cfg.DevSeed)
		mem := messaging.NewInMemoryStore()
		if cfg.DevSeed {
			seedDevData(mem)
		}
		b.store = mem
		return nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return err
	}
	b.pool = pool
	b.onClose(func() error { pool.Close(); return nil })

	st, err := messaging.NewPostgresStore(pool, messaging.WithSchema(cfg.DBSchema))
	if err != nil {
		return err
	}
	if cfg.DBAutoMigrate {
		if err := st.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		log.Info("db.migrated", "schema", cfg.DBSchema)
	}
	b.store = st
	b.onClose(st.Close)

	log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)
	return nil
}

func (b *backend) openFeed(ctx context.Context, cfg Config, log Logger, rdb *redis.Client) error {
	var (
		feed messaging.ChangeFeed
		err  error
	)
	switch cfg.Feed {
	case FeedPostgres:
		if b.pool == nil {
			return errors.New("postgres feed requires a database")
		}
		feed, err = messaging.NewPostgresFeed(b.pool, cfg.FeedChannel, log)
	case FeedRedis:
		if rdb == nil {
			return errors.New("redis feed requires PARLEY_REDIS_URL")
		}
		feed, err = messaging.NewRedisFeed(ctx, rdb, cfg.FeedChannel, log)
	default:
		feed = messaging.NewMemoryFeed(log)
	}
	if err != nil {
		return err
	}
	b.feed = feed
	b.onClose(feed.Close)
	log.Info("feed.enabled", "kind", cfg.Feed)
	return nil
}

func (b *backend) openStorage(cfg Config, log Logger) error {
	switch cfg.Storage {
	case StorageS3:
		s3, err := messaging.NewS3Storage(messaging.S3Config{
			Endpoint:        cfg.S3Endpoint,
			Region:          cfg.S3Region,
			Bucket:          cfg.S3Bucket,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			PublicBaseURL:   cfg.StoragePublicBaseURL,
		})
		if err != nil {
			return err
		}
		b.files = s3
	default:
		b.files = messaging.NewMemoryStorage(cfg.StoragePublicBaseURL)
	}
	log.Info("storage.enabled", "kind", cfg.Storage)
	return nil
}

func (b *backend) openNotifier(cfg Config, log Logger) error {
	switch cfg.Notifier {
	case NotifierAsynq:
		n, err := messaging.NewAsynqNotifier(cfg.RedisURL)
		if err != nil {
			return err
		}
		b.notifier = n
		b.onClose(n.Close)
	case NotifierPostgres:
		sink, ok := b.store.(messaging.NotificationSink)
		if !ok {
			return errors.New("postgres notifier requires the postgres store")
		}
		b.notifier = messaging.NewSinkNotifier(sink)
	default:
		b.notifier = messaging.NewLogNotifier(log)
	}
	log.Info("notifier.enabled", "kind", cfg.Notifier)
	return nil
}

// Demo identities loaded by PARLEY_DEV_SEED.
const (
	DevStoreID      = "store-demo"
	DevOrderID      = "order-demo"
	DevCustomerID   = "customer-demo"
	DevStoreUserID  = "user-store"
	DevCustomerUser = "user-customer"
	DevAdminUserID  = "user-admin"
)

func seedDevData(mem *messaging.InMemoryStore) {
	mem.PutStore(messaging.StoreRecord{ID: DevStoreID, OwnerUserID: DevStoreUserID})
	mem.PutCustomer(messaging.Customer{ID: DevCustomerID, UserID: DevCustomerUser})
	mem.PutOrder(messaging.Order{ID: DevOrderID, StoreID: DevStoreID, CustomerID: DevCustomerID})
	mem.GrantRole(DevAdminUserID, messaging.RoleAdmin)
}
