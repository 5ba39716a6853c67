package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"parley/cmd/internal/messaging"
	"parley/cmd/security/token"
	v1 "parley/shared/contracts/messaging/v1"

	"github.com/coder/websocket"
)

const (
	testStoreID = "s1"
	testOrderID = "o1"

	userCustomer = "u-customer"
	userStore    = "u-store"
	userStranger = "u-stranger"

	testOrigin = "http://localhost"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func newTestGateway(t *testing.T) *httptest.Server {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	store := messaging.NewInMemoryStore()
	store.PutStore(messaging.StoreRecord{ID: testStoreID, OwnerUserID: userStore})
	store.PutCustomer(messaging.Customer{ID: "c1", UserID: userCustomer})
	store.PutOrder(messaging.Order{ID: testOrderID, StoreID: testStoreID, CustomerID: "c1"})

	feed := messaging.NewMemoryFeed(log)
	svc, err := messaging.NewService(messaging.Deps{Store: store, Feed: feed, Files: messaging.NewMemoryStorage(""), Log: log})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	verifier, err := token.NewVerifier(token.Config{Key: testKey})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	cfg := DefaultConfig()
	cfg.HelloTimeout = 2 * time.Second
	gw, err := NewWSGateway(log, svc, verifier, cfg)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
		_ = feed.Close()
	})
	return ts
}

func mustToken(t *testing.T, userID string) string {
	t.Helper()

	tok, err := token.Issue(token.Config{Key: testKey}, userID, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return tok
}

func dialWS(t *testing.T, baseHTTPURL, origin, bearerToken string) (*websocket.Conn, *http.Response, error) {
	t.Helper()

	u, err := url.Parse(baseHTTPURL)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	u.Scheme = "ws"
	u.Path = "/ws"

	h := http.Header{}
	if origin != "" {
		h.Set("Origin", origin)
	}
	if bearerToken != "" {
		h.Set("Authorization", "Bearer "+bearerToken)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
}

func mustDial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()

	conn, resp, err := dialWS(t, ts.URL, testOrigin, "")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

func writeEnvelopeWS(t *testing.T, conn *websocket.Conn, typ, id string, payload any) {
	t.Helper()

	env := v1.Envelope{V: v1.Version, Type: typ, ID: id, TS: time.Now().UTC()}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		env.Payload = b
	}
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("conn.Write: %v", err)
	}
}

// readUntil reads envelopes until match accepts one. session.state pushes interleave with replies.
func readUntil(t *testing.T, conn *websocket.Conn, match func(v1.Envelope) bool) v1.Envelope {
	t.Helper()

	for i := 0; i < 50; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, b, err := conn.Read(ctx)
		cancel()
		if err != nil {
			t.Fatalf("conn.Read: %v", err)
		}
		var env v1.Envelope
		if err := json.Unmarshal(b, &env); err != nil {
			t.Fatalf("unmarshal envelope: %v", err)
		}
		if match(env) {
			return env
		}
	}
	t.Fatalf("no matching envelope received")
	return v1.Envelope{}
}

func ofType(typ string) func(v1.Envelope) bool {
	return func(env v1.Envelope) bool { return env.Type == typ }
}

func replyTo(id string) func(v1.Envelope) bool {
	return func(env v1.Envelope) bool { return env.ID == id && env.Type != v1.TypeSessionState }
}

func mustPayload[T any](t *testing.T, env v1.Envelope) T {
	t.Helper()

	var out T
	if err := json.Unmarshal(env.Payload, &out); err != nil {
		t.Fatalf("unmarshal %s payload: %v", env.Type, err)
	}
	return out
}

func mustHello(t *testing.T, conn *websocket.Conn, userID string) v1.HelloAckPayload {
	t.Helper()

	writeEnvelopeWS(t, conn, v1.TypeHello, "h1", v1.HelloPayload{Token: mustToken(t, userID)})
	env := readUntil(t, conn, replyTo("h1"))
	if env.Type != v1.TypeHelloAck {
		t.Fatalf("hello reply = %s %s", env.Type, env.Payload)
	}
	return mustPayload[v1.HelloAckPayload](t, env)
}

func TestWSGateway_OriginPolicy(t *testing.T) {
	t.Parallel()

	ts := newTestGateway(t)

	for _, origin := range []string{"", "http://evil.example"} {
		_, resp, err := dialWS(t, ts.URL, origin, "")
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err == nil {
			t.Fatalf("origin %q: expected handshake failure", origin)
		}
		if resp == nil || resp.StatusCode != http.StatusForbidden {
			t.Fatalf("origin %q: expected 403, got %v", origin, resp)
		}
	}
}

func TestWSGateway_HandshakeBearer(t *testing.T) {
	t.Parallel()

	ts := newTestGateway(t)

	_, resp, err := dialWS(t, ts.URL, testOrigin, "not-a-jwt")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("invalid bearer: err=%v resp=%v, want 401", err, resp)
	}

	conn, resp, err := dialWS(t, ts.URL, testOrigin, mustToken(t, userCustomer))
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial with bearer: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	ack := mustPayload[v1.HelloAckPayload](t, readUntil(t, conn, ofType(v1.TypeHelloAck)))
	if ack.UserID != userCustomer || ack.SessionID == "" {
		t.Fatalf("hello.ack = %+v", ack)
	}
}

func TestWSGateway_HelloRequired(t *testing.T) {
	t.Parallel()

	ts := newTestGateway(t)
	conn := mustDial(t, ts)

	writeEnvelopeWS(t, conn, v1.TypeSessionOpen, "o1", v1.SessionOpenPayload{OrderID: testOrderID})
	env := readUntil(t, conn, ofType(v1.TypeError))
	if p := mustPayload[v1.ErrorPayload](t, env); p.Code != "hello_required" {
		t.Fatalf("error code = %q", p.Code)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, _, err := conn.Read(ctx); websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Fatalf("expected policy violation close, got %v", err)
	}
}

func TestWSGateway_HelloRejectsBadToken(t *testing.T) {
	t.Parallel()

	ts := newTestGateway(t)
	conn := mustDial(t, ts)

	writeEnvelopeWS(t, conn, v1.TypeHello, "h1", v1.HelloPayload{Token: "garbage"})
	env := readUntil(t, conn, ofType(v1.TypeError))
	if p := mustPayload[v1.ErrorPayload](t, env); p.Code != "unauthorized" {
		t.Fatalf("error code = %q", p.Code)
	}
}

func TestWSGateway_SessionFlow(t *testing.T) {
	t.Parallel()

	ts := newTestGateway(t)
	conn := mustDial(t, ts)

	if ack := mustHello(t, conn, userCustomer); ack.UserID != userCustomer {
		t.Fatalf("hello.ack = %+v", ack)
	}

	writeEnvelopeWS(t, conn, v1.TypeSessionOpen, "open", v1.SessionOpenPayload{OrderID: testOrderID})
	if env := readUntil(t, conn, replyTo("open")); env.Type != v1.TypeAck {
		t.Fatalf("open reply = %s %s", env.Type, env.Payload)
	}

	writeEnvelopeWS(t, conn, v1.TypeConversationCreate, "create", v1.ConversationCreatePayload{OrderID: testOrderID, StoreID: testStoreID})
	env := readUntil(t, conn, replyTo("create"))
	created := mustPayload[v1.AckPayload](t, env)
	if env.Type != v1.TypeAck || created.Conversation == nil || created.Conversation.Status != "active" {
		t.Fatalf("create reply = %s %s", env.Type, env.Payload)
	}

	writeEnvelopeWS(t, conn, v1.TypeMessageSend, "send", v1.MessageSendPayload{ClientMsgID: "c-1", Content: "where is my order?"})
	env = readUntil(t, conn, replyTo("send"))
	sent := mustPayload[v1.MessageSentPayload](t, env)
	if env.Type != v1.TypeMessageSent || sent.ClientMsgID != "c-1" || sent.Message.SenderType != "customer" {
		t.Fatalf("send reply = %s %s", env.Type, env.Payload)
	}

	state := readUntil(t, conn, func(env v1.Envelope) bool {
		if env.Type != v1.TypeSessionState {
			return false
		}
		st := mustPayload[v1.SessionState](t, env)
		return st.Active != nil && len(st.Messages) == 1 && st.Stats.TotalMessages == 1
	})
	st := mustPayload[v1.SessionState](t, state)
	if st.Active.ID != created.Conversation.ID || st.Messages[0].Content != "where is my order?" || st.Stats.TotalMessages != 1 {
		t.Fatalf("state = %+v", st)
	}

	writeEnvelopeWS(t, conn, v1.TypeConversationEscalate, "esc", v1.ConversationPayload{ConversationID: created.Conversation.ID})
	env = readUntil(t, conn, replyTo("esc"))
	if p := mustPayload[v1.ErrorPayload](t, env); env.Type != v1.TypeError || p.Code != "forbidden" {
		t.Fatalf("customer escalate reply = %s %s", env.Type, env.Payload)
	}

	writeEnvelopeWS(t, conn, v1.TypeConversationClose, "close", v1.ConversationPayload{ConversationID: created.Conversation.ID})
	env = readUntil(t, conn, replyTo("close"))
	if p := mustPayload[v1.AckPayload](t, env); env.Type != v1.TypeAck || p.Conversation == nil || p.Conversation.Status != "closed" {
		t.Fatalf("close reply = %s %s", env.Type, env.Payload)
	}

	writeEnvelopeWS(t, conn, v1.TypeMessageSend, "late", v1.MessageSendPayload{Content: "hello?"})
	env = readUntil(t, conn, replyTo("late"))
	if p := mustPayload[v1.ErrorPayload](t, env); env.Type != v1.TypeError || p.Code != "conversation_closed" {
		t.Fatalf("send to closed reply = %s %s", env.Type, env.Payload)
	}
}

func TestWSGateway_LiveMessageFromCounterparty(t *testing.T) {
	t.Parallel()

	ts := newTestGateway(t)

	customer := mustDial(t, ts)
	mustHello(t, customer, userCustomer)
	writeEnvelopeWS(t, customer, v1.TypeConversationCreate, "create", v1.ConversationCreatePayload{OrderID: testOrderID, StoreID: testStoreID})
	created := mustPayload[v1.AckPayload](t, readUntil(t, customer, replyTo("create")))
	if created.Conversation == nil {
		t.Fatalf("create failed")
	}

	store := mustDial(t, ts)
	mustHello(t, store, userStore)
	writeEnvelopeWS(t, store, v1.TypeSessionOpen, "open", v1.SessionOpenPayload{StoreID: testStoreID})
	readUntil(t, store, replyTo("open"))
	writeEnvelopeWS(t, store, v1.TypeConversationSelect, "sel", v1.ConversationPayload{ConversationID: created.Conversation.ID})
	if env := readUntil(t, store, replyTo("sel")); env.Type != v1.TypeAck {
		t.Fatalf("select reply = %s %s", env.Type, env.Payload)
	}

	writeEnvelopeWS(t, customer, v1.TypeMessageSend, "send", v1.MessageSendPayload{Content: "ping"})
	readUntil(t, customer, replyTo("send"))

	env := readUntil(t, store, func(env v1.Envelope) bool {
		if env.Type != v1.TypeSessionState {
			return false
		}
		st := mustPayload[v1.SessionState](t, env)
		return len(st.Messages) == 1
	})
	st := mustPayload[v1.SessionState](t, env)
	if st.Messages[0].Content != "ping" || st.Messages[0].SenderType != "customer" {
		t.Fatalf("store view = %+v", st.Messages)
	}

	writeEnvelopeWS(t, store, v1.TypeConversationRead, "read", nil)
	ack := mustPayload[v1.AckPayload](t, readUntil(t, store, replyTo("read")))
	if ack.Count == nil || *ack.Count != 1 {
		t.Fatalf("read ack = %+v", ack)
	}
}

func TestWSGateway_StrangerCannotOpenScope(t *testing.T) {
	t.Parallel()

	ts := newTestGateway(t)
	conn := mustDial(t, ts)
	mustHello(t, conn, userStranger)

	writeEnvelopeWS(t, conn, v1.TypeSessionOpen, "open", v1.SessionOpenPayload{OrderID: testOrderID})
	env := readUntil(t, conn, replyTo("open"))
	if p := mustPayload[v1.ErrorPayload](t, env); env.Type != v1.TypeError || p.Code != "forbidden" {
		t.Fatalf("stranger open reply = %s %s", env.Type, env.Payload)
	}

	writeEnvelopeWS(t, conn, v1.TypeMessageSend, "send", v1.MessageSendPayload{Content: "x"})
	env = readUntil(t, conn, replyTo("send"))
	if env.Type != v1.TypeError {
		t.Fatalf("send without open conversation reply = %s", env.Type)
	}
}

func TestDeriveOriginPatterns(t *testing.T) {
	t.Parallel()

	got := deriveOriginPatternsFromAllowedOrigins([]string{"http://localhost:3000", "https://app.example.com", "http://localhost", "*", ""})
	want := []string{"app.example.com", "localhost"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("patterns = %v, want %v", got, want)
	}
}

func TestErrorCode(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want string
	}{
		{messaging.OpError{Op: "x", Kind: messaging.ErrPermissionDenied}, "forbidden"},
		{messaging.OpError{Op: "x", Kind: messaging.ErrConversationClosed}, "conversation_closed"},
		{messaging.ErrSessionClosed, "session_closed"},
		{invalidRequest("bad"), "invalid_request"},
		{context.DeadlineExceeded, "timeout"},
		{io.ErrClosedPipe, "server_error"},
	}
	for _, tc := range cases {
		if got, msg := errorCode(tc.err); got != tc.want || msg == "" {
			t.Fatalf("errorCode(%v) = %q %q, want %q", tc.err, got, msg, tc.want)
		}
	}
}
