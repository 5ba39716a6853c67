package realtime

import "time"

// Security/performance limits. Config overrides these from PARLEY_WS_* variables.
const (
	// Max bytes per websocket frame read. Inline attachments travel base64-encoded inside message.send, so
	// this sits well above a single attachment; bulk uploads belong on the HTTP multipart endpoint.
	maxFrameBytes = 16 << 20 // 16 MiB

	// Max inline attachments per message.send.
	maxInlineFiles = 5
)

const (
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// An unauthenticated socket must say hello within this window.
	helloTimeout = 10 * time.Second

	// Upper bound for one session operation (select, send, load_more, ...).
	opTimeout = 15 * time.Second

	// Per-connection rate limits (events per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)
