package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"parley/cmd/internal/messaging"
	"parley/cmd/internal/worker"
)

// RunWorker is the entrypoint used by cmd/parley-worker. It drains the asynq notification queue into
// the Postgres notifications table, or into the log when no database is configured.
func RunWorker() error {
	cfg := LoadConfig()
	log := NewLogger(cfg.LogLevel, cfg.LogFormat)

	if cfg.RedisURL == "" {
		return errors.New("worker: PARLEY_REDIS_URL is required")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var sink messaging.NotificationSink = worker.LogSink{Log: log}
	if cfg.DatabaseURL != "" {
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return err
		}
		defer pool.Close()

		st, err := messaging.NewPostgresStore(pool, messaging.WithSchema(cfg.DBSchema))
		if err != nil {
			return err
		}
		if cfg.DBAutoMigrate {
			if err := st.Migrate(ctx); err != nil {
				return err
			}
		}
		sink = st
	} else {
		log.Warn("worker.db.disabled", "sink", "log")
	}

	h, err := worker.NewHandler(sink, log)
	if err != nil {
		return err
	}
	return worker.Run(ctx, worker.Config{
		RedisURL:        cfg.RedisURL,
		Concurrency:     cfg.WorkerConcurrency,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, h, log)
}
