// Package app wires the Parley server runtime: config, logging, HTTP routes, and realtime gateways.
//
// It is intentionally small and deterministic to keep CI gates strict and behavior predictable.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"parley/cmd/internal/api"
	"parley/cmd/internal/messaging"
	"parley/cmd/internal/realtime"
	"parley/cmd/security/token"

	"github.com/prometheus/client_golang/prometheus"
)

// App is the Parley server runtime: it owns HTTP server wiring and the messaging backend.
type App struct {
	cfg Config
	log Logger

	backend *backend
	svc     *messaging.Service
	reg     *prometheus.Registry
	httpm   *httpMetrics

	ws  *realtime.WSGateway
	api *api.Handler
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	key, err := ValidateSecurityConfig(cfg, log)
	if err != nil {
		return nil, err
	}
	verifier, err := token.NewVerifier(token.Config{
		Key:      key,
		Issuer:   cfg.TokenIssuer,
		Audience: cfg.TokenAudience,
		Leeway:   cfg.TokenLeeway,
	})
	if err != nil {
		return nil, err
	}

	b, err := newBackend(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	reg := newRegistry()
	svc, err := messaging.NewService(messaging.Deps{
		Store:    b.store,
		Feed:     b.feed,
		Files:    b.files,
		Notifier: b.notifier,
		Log:      log,
		Metrics:  messaging.NewMetrics(reg),
		Dispatcher: messaging.DispatcherOptions{
			Timeout:    cfg.NotifyTimeout,
			MaxRetries: uint64(max(cfg.NotifyMaxRetries, 0)),
		},
		PageSize: cfg.PageSize,
	})
	if err != nil {
		_ = b.Close()
		return nil, err
	}

	handler, err := api.NewHandler(log, svc, verifier, cfg.API)
	if err != nil {
		_ = b.Close()
		return nil, err
	}
	ws, err := realtime.NewWSGateway(log, svc, verifier, cfg.WS)
	if err != nil {
		_ = b.Close()
		return nil, err
	}

	return &App{
		cfg:     cfg,
		log:     log,
		backend: b,
		svc:     svc,
		reg:     reg,
		httpm:   newHTTPMetrics(reg),
		ws:      ws,
		api:     handler,
	}, nil
}

// Handler returns the fully wrapped HTTP handler.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.backend.pool, a.reg, a.ws, a.api)

	var h http.Handler = mux
	h = WithRequestLogging(h, a.log, a.httpm)
	h = WithCORS(h, a.cfg, a.log)
	return WithSecurityHeaders(h)
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"http_url", base,
		"ws_url", wsBaseURL(base)+"/ws",
		"db_enabled", a.backend.pool != nil,
		"feed", a.cfg.Feed,
		"storage", a.cfg.Storage,
		"notifier", a.cfg.Notifier,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case runErr = <-errCh:
		a.log.Error("server.fail", "err", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		runErr = errors.Join(runErr, err)
	}

	// In-flight notifications finish before their notifier goes away.
	if err := a.svc.Shutdown(shutdownCtx); err != nil {
		a.log.Warn("notify.drain.fail", "err", err)
	}

	if err := a.backend.Close(); err != nil {
		a.log.Error("backend.close.fail", "err", err)
	}

	a.log.Info("server.stopped")
	return runErr
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// runtimeBaseURL turns a listen address into a URL a local client can dial.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}
