package api

import (
	"os"
	"strconv"
	"strings"

	"parley/cmd/internal/messaging"
)

// Config controls API request limits.
type Config struct {
	MaxBodyBytes   int64
	MaxUploadBytes int64
	MaxFiles       int
}

// DefaultConfig returns the limits used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		MaxBodyBytes:   1 << 20,
		MaxUploadBytes: 5*messaging.MaxAttachmentBytes + 1<<20,
		MaxFiles:       5,
	}
}

// LoadConfigFromEnv loads API limits from environment variables with safe defaults.
func LoadConfigFromEnv() Config {
	def := DefaultConfig()
	return Config{
		MaxBodyBytes:   envInt64("PARLEY_API_MAX_BODY_BYTES", def.MaxBodyBytes),
		MaxUploadBytes: envInt64("PARLEY_API_MAX_UPLOAD_BYTES", def.MaxUploadBytes),
		MaxFiles:       int(envInt64("PARLEY_API_MAX_FILES", int64(def.MaxFiles))),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = def.MaxBodyBytes
	}
	if c.MaxUploadBytes <= 0 {
		c.MaxUploadBytes = def.MaxUploadBytes
	}
	if c.MaxFiles <= 0 {
		c.MaxFiles = def.MaxFiles
	}
	return c
}

func envInt64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
