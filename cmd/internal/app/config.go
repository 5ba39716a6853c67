package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"parley/cmd/internal/api"
	"parley/cmd/internal/realtime"
)

// Backend selectors.
const (
	FeedMemory   = "memory"
	FeedPostgres = "postgres"
	FeedRedis    = "redis"

	StorageMemory = "memory"
	StorageS3     = "s3"

	NotifierLog      = "log"
	NotifierPostgres = "postgres"
	NotifierAsynq    = "asynq"

	LogFormatJSON   = "json"
	LogFormatPretty = "pretty"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	MaxHeaderBytes    int

	DatabaseURL   string
	DBMaxConns    int32
	DBMinConns    int32
	DBSchema      string
	DBAutoMigrate bool

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// Feed selects the change feed: memory, postgres (LISTEN/NOTIFY) or redis (pub/sub).
	Feed        string
	FeedChannel string
	RedisURL    string

	// Storage selects attachment storage: memory or s3.
	Storage              string
	StoragePublicBaseURL string
	S3Endpoint           string
	S3Region             string
	S3Bucket             string
	S3AccessKeyID        string
	S3SecretAccessKey    string

	// Notifier selects where new-message notifications go: log, postgres (direct insert) or asynq (queue).
	Notifier          string
	NotifyTimeout     time.Duration
	NotifyMaxRetries  int
	WorkerConcurrency int

	PageSize int

	TokenIssuer   string
	TokenAudience string
	TokenLeeway   time.Duration

	// Security policy:
	// If true, PARLEY_TOKEN_HMAC_KEY MUST be at least 32 bytes.
	RequireTokenHMAC bool

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	// DevSeed loads a demo order, store, customer and admin into the in-memory store.
	DevSeed bool

	API api.Config
	WS  realtime.Config
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	cfg := Config{
		HTTPAddr:  EnvString("PARLEY_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("PARLEY_LOG_LEVEL", "info"),
		LogFormat: strings.ToLower(EnvString("PARLEY_LOG_FORMAT", LogFormatJSON)),

		ReadHeaderTimeout: EnvDuration("PARLEY_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("PARLEY_HTTP_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:      EnvDuration("PARLEY_HTTP_WRITE_TIMEOUT", 30*time.Second),
		IdleTimeout:       EnvDuration("PARLEY_HTTP_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout:   EnvDuration("PARLEY_SHUTDOWN_TIMEOUT", 10*time.Second),

		MaxHeaderBytes: EnvInt("PARLEY_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL:   EnvString("PARLEY_DATABASE_URL", ""),
		DBMaxConns:    EnvInt32("PARLEY_DB_MAX_CONNS", 10),
		DBMinConns:    EnvInt32("PARLEY_DB_MIN_CONNS", 0),
		DBSchema:      EnvString("PARLEY_DB_SCHEMA", "parley"),
		DBAutoMigrate: EnvBool("PARLEY_DB_AUTO_MIGRATE", false),

		ReadinessRequireDB: EnvBool("PARLEY_READINESS_REQUIRE_DB", false),

		FeedChannel: EnvString("PARLEY_FEED_CHANNEL", ""),
		RedisURL:    EnvString("PARLEY_REDIS_URL", ""),

		Storage:              strings.ToLower(EnvString("PARLEY_STORAGE", StorageMemory)),
		StoragePublicBaseURL: EnvString("PARLEY_STORAGE_PUBLIC_BASE_URL", ""),
		S3Endpoint:           EnvString("PARLEY_S3_ENDPOINT", ""),
		S3Region:             EnvString("PARLEY_S3_REGION", "auto"),
		S3Bucket:             EnvString("PARLEY_S3_BUCKET", ""),
		S3AccessKeyID:        EnvString("PARLEY_S3_ACCESS_KEY_ID", ""),
		S3SecretAccessKey:    EnvString("PARLEY_S3_SECRET_ACCESS_KEY", ""),

		Notifier:          strings.ToLower(EnvString("PARLEY_NOTIFIER", NotifierLog)),
		NotifyTimeout:     EnvDuration("PARLEY_NOTIFY_TIMEOUT", 10*time.Second),
		NotifyMaxRetries:  EnvInt("PARLEY_NOTIFY_MAX_RETRIES", 3),
		WorkerConcurrency: EnvInt("PARLEY_WORKER_CONCURRENCY", 10),

		PageSize: EnvInt("PARLEY_PAGE_SIZE", 50),

		TokenIssuer:   EnvString("PARLEY_TOKEN_ISSUER", ""),
		TokenAudience: EnvString("PARLEY_TOKEN_AUDIENCE", ""),
		TokenLeeway:   EnvDuration("PARLEY_TOKEN_LEEWAY", 30*time.Second),

		RequireTokenHMAC: EnvBool("PARLEY_REQUIRE_TOKEN_HMAC", true),

		CORSAllowedOrigins:   EnvCSV("PARLEY_CORS_ALLOWED_ORIGINS", ""),
		CORSAllowCredentials: EnvBool("PARLEY_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("PARLEY_CORS_MAX_AGE_SECONDS", 600),

		DevSeed: EnvBool("PARLEY_DEV_SEED", false),

		API: api.LoadConfigFromEnv(),
		WS:  loadWSConfig(),
	}

	defFeed := FeedMemory
	if cfg.DatabaseURL != "" {
		defFeed = FeedPostgres
	}
	cfg.Feed = strings.ToLower(EnvString("PARLEY_FEED", defFeed))
	return cfg
}

func loadWSConfig() realtime.Config {
	def := realtime.DefaultConfig()
	return realtime.Config{
		DevInsecure:      EnvBool("PARLEY_WS_DEV_INSECURE", false),
		OriginRequired:   EnvBool("PARLEY_WS_ORIGIN_REQUIRED", def.OriginRequired),
		AllowedOrigins:   EnvCSV("PARLEY_WS_ALLOWED_ORIGINS", strings.Join(def.AllowedOrigins, ",")),
		WriteTimeout:     EnvDuration("PARLEY_WS_WRITE_TIMEOUT", def.WriteTimeout),
		ReadIdleTimeout:  EnvDuration("PARLEY_WS_READ_IDLE_TIMEOUT", def.ReadIdleTimeout),
		HelloTimeout:     EnvDuration("PARLEY_WS_HELLO_TIMEOUT", def.HelloTimeout),
		OpTimeout:        EnvDuration("PARLEY_WS_OP_TIMEOUT", def.OpTimeout),
		SendQueueSize:    EnvInt("PARLEY_WS_SEND_QUEUE", def.SendQueueSize),
		MaxFrameBytes:    int64(EnvInt("PARLEY_WS_MAX_FRAME_BYTES", int(def.MaxFrameBytes))),
		HeartbeatEvery:   EnvDuration("PARLEY_WS_HEARTBEAT_INTERVAL", def.HeartbeatEvery),
		HeartbeatTimeout: EnvDuration("PARLEY_WS_HEARTBEAT_TIMEOUT", def.HeartbeatTimeout),
		RateEvents:       EnvInt("PARLEY_WS_RATE_EVENTS", def.RateEvents),
		RateWindow:       EnvDuration("PARLEY_WS_RATE_WINDOW", def.RateWindow),
	}
}

// Validate fails fast on backend combinations that cannot work.
func (c Config) Validate() error {
	var errs []error

	switch c.LogFormat {
	case LogFormatJSON, LogFormatPretty:
	default:
		errs = append(errs, fmt.Errorf("PARLEY_LOG_FORMAT: unknown format %q", c.LogFormat))
	}

	switch c.Feed {
	case FeedMemory:
	case FeedPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("PARLEY_FEED=postgres requires PARLEY_DATABASE_URL"))
		}
	case FeedRedis:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("PARLEY_FEED=redis requires PARLEY_REDIS_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("PARLEY_FEED: unknown feed %q", c.Feed))
	}

	switch c.Storage {
	case StorageMemory:
	case StorageS3:
		if c.S3Bucket == "" {
			errs = append(errs, errors.New("PARLEY_STORAGE=s3 requires PARLEY_S3_BUCKET"))
		}
	default:
		errs = append(errs, fmt.Errorf("PARLEY_STORAGE: unknown storage %q", c.Storage))
	}

	switch c.Notifier {
	case NotifierLog:
	case NotifierPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("PARLEY_NOTIFIER=postgres requires PARLEY_DATABASE_URL"))
		}
	case NotifierAsynq:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("PARLEY_NOTIFIER=asynq requires PARLEY_REDIS_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("PARLEY_NOTIFIER: unknown notifier %q", c.Notifier))
	}

	if c.DevSeed && c.DatabaseURL != "" {
		errs = append(errs, errors.New("PARLEY_DEV_SEED only applies to the in-memory store"))
	}

	return errors.Join(errs...)
}
