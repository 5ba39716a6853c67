package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"parley/cmd/internal/messaging"
	"parley/cmd/security/token"
	v1 "parley/shared/contracts/messaging/v1"

	"github.com/coder/websocket"
)

const (
	wsCloseGrace      = 1 * time.Second
	wsMaxPingFailures = 3
)

// Verifier resolves a bearer token to a caller identity.
type Verifier interface {
	Verify(raw string) (token.Claims, error)
}

// WSGateway is the WebSocket entrypoint for messaging sessions.
//
// It enforces origin policy, subprotocol selection, authentication, rate limits and heartbeats. Each socket
// owns exactly one messaging.Session: client envelopes drive the session and every session update is
// pushed back as a session.state snapshot.
type WSGateway struct {
	log  *slog.Logger
	svc  *messaging.Service
	auth Verifier
	cfg  Config

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string
}

// NewWSGateway constructs a gateway. svc and auth are required.
func NewWSGateway(log *slog.Logger, svc *messaging.Service, auth Verifier, cfg Config) (*WSGateway, error) {
	if log == nil {
		log = slog.Default()
	}
	if svc == nil {
		return nil, errors.New("realtime: nil messaging service")
	}
	if auth == nil {
		return nil, errors.New("realtime: nil token verifier")
	}
	cfg = cfg.withDefaults()

	return &WSGateway{
		log:  log,
		svc:  svc,
		auth: auth,
		cfg:  cfg,
		// websocket.Accept enforces its own origin policy; derive its patterns from the allowlist so the two
		// layers agree.
		originPatterns: deriveOriginPatternsFromAllowedOrigins(cfg.AllowedOrigins),
	}, nil
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// conn is the per-socket state owned by the read loop.
type conn struct {
	client  *Client
	session *messaging.Session
	ready   chan *messaging.Session
}

// HandleWS upgrades an HTTP request to a WebSocket and runs the session loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	// A bearer header authenticates at handshake time; without one the first frame must be hello.
	var preAuth token.Claims
	if raw := token.BearerFromHeader(r.Header.Get("Authorization")); raw != "" {
		claims, err := g.auth.Verify(raw)
		if err != nil {
			g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
			w.Header().Set("WWW-Authenticate", `Bearer realm="parley"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		preAuth = claims
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = ws.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := ws.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = ws.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	ws.SetReadLimit(g.cfg.MaxFrameBytes)

	now := time.Now().UTC()
	sessionID, err := NewSessionID(now)
	if err != nil {
		g.log.Error("ws.session_id.fail", "err", err)
		_ = ws.Close(websocket.StatusInternalError, "internal error")
		return
	}
	c := &conn{
		client: NewClient(sessionID, g.cfg.SendQueueSize),
		ready:  make(chan *messaging.Session, 1),
	}
	c.client.Remote = r.RemoteAddr
	log := g.log.With("session_id", sessionID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close client.Send.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			c.client.Close()
			_ = ws.Close(code, reason)
			cancel()
		})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		g.writeLoop(ctx, ws, c, log, shutdown)
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		g.heartbeatLoop(ctx, ws, c.client, log, shutdown)
	}()

	defer func() {
		if c.session != nil {
			c.session.Close()
		}
	}()

	if preAuth.UserID != "" {
		if err := g.authenticate(ctx, c, preAuth, ""); err != nil {
			shutdown(websocket.StatusInternalError, "ack failed")
		}
	}

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

readLoop:
	for {
		idle := g.cfg.ReadIdleTimeout
		if !c.client.Authenticated() {
			idle = g.cfg.HelloTimeout
		}
		readCtx, readCancel := context.WithTimeout(ctx, idle)
		env, err := readEnvelope(readCtx, ws)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				if !c.client.Authenticated() && ctx.Err() == nil {
					g.closeWithError(ctx, ws, "", "hello_timeout", "hello not received", shutdown)
					break readLoop
				}
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, c.client, "", "bad_json", "invalid JSON")
				continue readLoop
			default:
				log.Info("ws.read.fail", "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !rl.Allow(time.Now().UTC()) {
			g.closeWithError(ctx, ws, env.ID, "rate_limited", "too many events", shutdown)
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, c.client, env.ID, "bad_envelope", err.Error())
			continue readLoop
		}

		if env.Type == v1.TypeHello {
			if err := g.onHello(ctx, c, env); err != nil {
				g.closeWithError(ctx, ws, env.ID, "unauthorized", err.Error(), shutdown)
				break readLoop
			}
			continue readLoop
		}

		if c.session == nil {
			g.closeWithError(ctx, ws, env.ID, "hello_required", "send hello first", shutdown)
			break readLoop
		}

		reply, err := g.dispatch(ctx, c.session, env)
		if err != nil {
			code, msg := errorCode(err)
			if code == "server_error" || code == "unavailable" {
				log.Error("ws.op.fail", "type", env.Type, "user_id", c.client.UserID, "err", err)
			} else {
				log.Info("ws.op.rejected", "type", env.Type, "user_id", c.client.UserID, "code", code, "err", err)
			}
			g.trySendError(ctx, c.client, env.ID, code, msg)
			continue readLoop
		}
		if !c.client.Enqueue(ctx, reply) {
			log.Info("ws.backpressure", "type", reply.Type)
			shutdown(websocket.StatusPolicyViolation, "backpressure")
			break readLoop
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}

	log.Info("ws.closed",
		"user_id", c.client.UserID,
		"remote", c.client.Remote,
		"duration_ms", time.Since(c.client.ConnectedAt).Milliseconds(),
		"dropped", c.client.Dropped(),
	)
}

// writeLoop drains the send queue and pushes a session.state snapshot whenever the session signals an
// update. Snapshots are built at write time, so coalesced signals never deliver stale state.
func (g *WSGateway) writeLoop(ctx context.Context, ws *websocket.Conn, c *conn, log *slog.Logger, shutdown func(websocket.StatusCode, string)) {
	var (
		sess    *messaging.Session
		updates <-chan struct{}
	)
	for {
		var env v1.Envelope
		select {
		case <-ctx.Done():
			return
		case <-c.client.Done():
			return
		case s := <-c.ready:
			sess, updates = s, s.Updates()
			continue
		case <-updates:
			env = stateEnvelope(sess.State())
		case env = <-c.client.Send:
		}
		if err := writeEnvelope(ctx, ws, env, g.cfg.WriteTimeout); err != nil {
			log.Info("ws.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
			shutdown(websocket.StatusAbnormalClosure, "write failed")
			return
		}
	}
}

func (g *WSGateway) heartbeatLoop(ctx context.Context, ws *websocket.Conn, client *Client, log *slog.Logger, shutdown func(websocket.StatusCode, string)) {
	t := time.NewTicker(g.cfg.HeartbeatEvery)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-client.Done():
			return
		case <-t.C:
			hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
			err := ws.Ping(hbCtx)
			hbCancel()

			if err != nil {
				failures++
				log.Info("ws.ping.fail", "failures", failures, "err", err)
				if failures >= wsMaxPingFailures {
					shutdown(websocket.StatusGoingAway, "heartbeat failed")
					return
				}
				continue
			}
			failures = 0
		}
	}
}

// ---- send helpers ----

func (g *WSGateway) trySendError(ctx context.Context, client *Client, replyTo, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	_ = client.Enqueue(ctx, newEnvelope(v1.TypeError, replyTo, p))
}

// closeWithError writes a final error frame directly, bypassing the send queue so it cannot lose the race
// with shutdown, then closes the socket with a policy violation. The websocket library serializes writes.
func (g *WSGateway) closeWithError(ctx context.Context, ws *websocket.Conn, replyTo, code, msg string, shutdown func(websocket.StatusCode, string)) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	_ = writeEnvelope(ctx, ws, newEnvelope(v1.TypeError, replyTo, p), g.cfg.WriteTimeout)
	shutdown(websocket.StatusPolicyViolation, code)
}

// ---- envelope IO ----

// newEnvelope builds a server envelope. Replies reuse the request envelope id so clients can correlate.
func newEnvelope(typ, replyTo string, payload json.RawMessage) v1.Envelope {
	now := time.Now().UTC()
	id := replyTo
	if id == "" {
		id, _ = NewEnvelopeID(now)
	}
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      now,
		Payload: payload,
	}
}

func stateEnvelope(st messaging.State) v1.Envelope {
	p, _ := json.Marshal(messaging.WireState(st))
	return newEnvelope(v1.TypeSessionState, "", p)
}

func readEnvelope(ctx context.Context, ws *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := ws.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, ws *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || errors.Is(err, io.ErrUnexpectedEOF) {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			return nil
		}
		if origin == a {
			return nil
		}
		// Host match ignores port and scheme.
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatternsFromAllowedOrigins returns the sorted, de-duplicated hosts of the allowlist.
// websocket.Accept matches OriginPatterns against the origin host with filepath.Match.
func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	out := make([]string, 0, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		out = append(out, h)
	}
	slices.Sort(out)
	return slices.Compact(out)
}
