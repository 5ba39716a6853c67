// Package main provides a CI-friendly WebSocket smoke test for the Parley messaging gateway.
//
// It validates:
//   - handshake + subprotocol selection
//   - hello/ack with a signed bearer token
//   - session.open + conversation.create + conversation.select
//   - message.send -> message.sent (client_msg_id echoed)
//   - live session.state push to the counterparty
//   - conversation.read -> ack count + read receipt on the sender's view
//
// The defaults match a server started with PARLEY_DEV_SEED=true.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"parley/cmd/security/token"
	v1 "parley/shared/contracts/messaging/v1"

	"github.com/coder/websocket"
)

const (
	maxReadBytes = 16 << 20 // 16MiB, matches the server frame limit
)

type smokeClient struct {
	name      string
	conn      *websocket.Conn
	sessionID string
	seq       int

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL        = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin       = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		key          = flag.String("key", os.Getenv(token.HMACEnvKey), "HMAC key used to sign test tokens")
		orderID      = flag.String("order", "order-demo", "Order to open the conversation on")
		storeID      = flag.String("store", "store-demo", "Store owning the order")
		customerUser = flag.String("customer", "user-customer", "Customer user id")
		storeUser    = flag.String("store-user", "user-store", "Store owner user id")
		text         = flag.String("text", "hello parley 👋", "Message text to send")
		timeout      = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose      = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}
	if strings.TrimSpace(*key) == "" {
		fatalf("missing -key (or %s)", token.HMACEnvKey)
	}

	root := context.Background()
	tcfg := token.Config{Key: []byte(strings.TrimSpace(*key))}

	a := mustConnect(root, "customer", *wsURL, *origin, mustIssue(tcfg, *customerUser), *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "store", *wsURL, *origin, mustIssue(tcfg, *storeUser), *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: customer=%s store=%s origin=%q\n", a.sessionID, b.sessionID, *origin)
	}

	scope := v1.SessionOpenPayload{OrderID: *orderID}
	a.mustRequest(root, v1.TypeSessionOpen, scope, *timeout)
	b.mustRequest(root, v1.TypeSessionOpen, scope, *timeout)

	created := a.mustRequest(root, v1.TypeConversationCreate, v1.ConversationCreatePayload{OrderID: *orderID, StoreID: *storeID}, *timeout)
	var cp v1.AckPayload
	mustUnmarshal(created.Payload, &cp)
	if cp.Conversation == nil || cp.Conversation.ID == "" {
		fatalf("conversation.create ack missing conversation")
	}
	convID := cp.Conversation.ID
	if *verbose {
		fmt.Printf("created conversation %s\n", convID)
	}

	a.mustRequest(root, v1.TypeConversationSelect, v1.ConversationPayload{ConversationID: convID}, *timeout)
	b.mustRequest(root, v1.TypeConversationSelect, v1.ConversationPayload{ConversationID: convID}, *timeout)

	clientMsgID := fmt.Sprintf("cmsg-%d", time.Now().UnixNano())
	sent := a.mustRequest(root, v1.TypeMessageSend, v1.MessageSendPayload{ClientMsgID: clientMsgID, Content: *text}, *timeout)
	var sp v1.MessageSentPayload
	mustUnmarshal(sent.Payload, &sp)
	if sp.ClientMsgID != clientMsgID {
		fatalf("message.sent client_msg_id mismatch: got=%q want=%q", sp.ClientMsgID, clientMsgID)
	}
	if sp.Message.ID == "" || sp.Message.Content != *text {
		fatalf("message.sent payload mismatch: %+v", sp.Message)
	}
	msgID := sp.Message.ID

	b.mustAwaitState(root, *timeout, "message delivered to store", func(st v1.SessionState) bool {
		return hasMessage(st, msgID, func(m v1.Message) bool { return m.SenderType == "customer" })
	})

	read := b.mustRequest(root, v1.TypeConversationRead, v1.ConversationPayload{ConversationID: convID}, *timeout)
	var rp v1.AckPayload
	mustUnmarshal(read.Payload, &rp)
	if rp.Count == nil || *rp.Count < 1 {
		fatalf("conversation.read ack count missing or zero")
	}

	a.mustAwaitState(root, *timeout, "read receipt on sender", func(st v1.SessionState) bool {
		return hasMessage(st, msgID, func(m v1.Message) bool { return m.IsRead })
	})

	fmt.Printf("OK: conversation=%s message=%s\n", convID, msgID)
}

func mustIssue(cfg token.Config, userID string) string {
	tok, err := token.Issue(cfg, userID, 10*time.Minute)
	if err != nil {
		fatalf("issue token for %s: %v", userID, err)
	}
	return tok
}

func mustConnect(parent context.Context, name, wsURL, origin, bearer string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, v1.Subprotocol)
	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	ack := c.mustRequest(parent, v1.TypeHello, v1.HelloPayload{Token: bearer}, stepTimeout)
	var p v1.HelloAckPayload
	mustUnmarshal(ack.Payload, &p)
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("hello.ack missing session_id (%s)", name)
	}
	c.sessionID = p.SessionID
	return c
}

// mustRequest writes one request and waits for the reply carrying its id. State pushes in between are
// skipped; an error reply fails the run.
func (c *smokeClient) mustRequest(parent context.Context, typ string, payload any, stepTimeout time.Duration) v1.Envelope {
	c.seq++
	id := fmt.Sprintf("%s-%d", c.name, c.seq)
	mustWriteWithTimeout(parent, c.conn, v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      time.Now().UTC(),
		Payload: mustJSON(payload),
	}, stepTimeout)

	return c.mustReadUntil(parent, stepTimeout, typ, func(env v1.Envelope) bool {
		return env.ID == id && env.Type != v1.TypeSessionState
	})
}

func (c *smokeClient) mustAwaitState(parent context.Context, stepTimeout time.Duration, what string, match func(v1.SessionState) bool) {
	c.mustReadUntil(parent, stepTimeout, what, func(env v1.Envelope) bool {
		if env.Type != v1.TypeSessionState {
			return false
		}
		var st v1.SessionState
		mustUnmarshal(env.Payload, &st)
		return match(st)
	})
}

func (c *smokeClient) mustReadUntil(parent context.Context, stepTimeout time.Duration, what string, match func(v1.Envelope) bool) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %s (%s): %v", what, c.name, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for %s (%s): %v", what, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %s (%s)", what, c.name)
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s) waiting for %s: code=%q msg=%q", c.name, what, ep.Code, ep.Message)
			}
			if match(env) {
				return env
			}
		}
	}
}

func hasMessage(st v1.SessionState, id string, pred func(v1.Message) bool) bool {
	for _, m := range st.Messages {
		if m.ID == id {
			return pred(m)
		}
	}
	return false
}

func mustUnmarshal(raw json.RawMessage, v any) {
	if err := json.Unmarshal(raw, v); err != nil {
		fatalf("unmarshal payload: %v", err)
	}
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
