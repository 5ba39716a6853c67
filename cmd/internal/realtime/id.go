package realtime

import (
	"time"

	"parley/cmd/internal/ids"
)

// NewSessionID returns a ULID used as websocket session id.
func NewSessionID(now time.Time) (string, error) {
	return ids.NewULID(now)
}

// NewEnvelopeID returns a ULID used as envelope id, so server envelopes sort in emission order in logs.
func NewEnvelopeID(now time.Time) (string, error) {
	return ids.NewULID(now)
}
