package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"parley/cmd/internal/messaging"
	"parley/cmd/security/token"
	v1 "parley/shared/contracts/messaging/v1"
)

func (g *WSGateway) onHello(ctx context.Context, c *conn, env v1.Envelope) error {
	var p v1.HelloPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	claims, err := g.auth.Verify(p.Token)
	if err != nil {
		g.log.Info("ws.hello.reject", "session_id", c.client.SessionID, "err", err)
		return errors.New("invalid token")
	}
	if c.client.Authenticated() && claims.UserID != c.client.UserID {
		return errors.New("token subject does not match the authenticated user")
	}
	return g.authenticate(ctx, c, claims, env.ID)
}

// authenticate binds the user to the socket, creates its session on first use and acknowledges.
func (g *WSGateway) authenticate(ctx context.Context, c *conn, claims token.Claims, replyTo string) error {
	if c.session == nil {
		c.client.UserID = claims.UserID
		c.session = g.svc.NewSession(messaging.Caller{UserID: claims.UserID})
		c.ready <- c.session
		g.log.Info("ws.hello.ok", "session_id", c.client.SessionID, "user_id", claims.UserID)
	}

	p, _ := json.Marshal(v1.HelloAckPayload{SessionID: c.client.SessionID, UserID: c.client.UserID})
	if !c.client.Enqueue(ctx, newEnvelope(v1.TypeHelloAck, replyTo, p)) {
		return errors.New("backpressure: hello.ack")
	}
	return nil
}

// dispatch runs one client request against the session and returns the reply envelope. State changes
// reach the client separately through session.state pushes.
func (g *WSGateway) dispatch(parent context.Context, sess *messaging.Session, env v1.Envelope) (v1.Envelope, error) {
	ctx, cancel := context.WithTimeout(parent, g.cfg.OpTimeout)
	defer cancel()

	switch env.Type {
	case v1.TypeSessionOpen:
		var p v1.SessionOpenPayload
		if err := decodePayload(env, &p); err != nil {
			return v1.Envelope{}, err
		}
		scope := messaging.Scope{OrderID: strings.TrimSpace(p.OrderID), StoreID: strings.TrimSpace(p.StoreID)}
		if err := sess.Open(ctx, scope); err != nil {
			return v1.Envelope{}, err
		}
		return ack(env, v1.AckPayload{Op: env.Type}), nil

	case v1.TypeSessionRefresh:
		if err := sess.Refresh(ctx); err != nil {
			return v1.Envelope{}, err
		}
		return ack(env, v1.AckPayload{Op: env.Type}), nil

	case v1.TypeConversationCreate:
		var p v1.ConversationCreatePayload
		if err := decodePayload(env, &p); err != nil {
			return v1.Envelope{}, err
		}
		conv, err := sess.CreateConversation(ctx, p.OrderID, p.StoreID)
		if err != nil {
			return v1.Envelope{}, err
		}
		return conversationAck(env, conv), nil

	case v1.TypeConversationSelect:
		id, err := conversationID(env)
		if err != nil {
			return v1.Envelope{}, err
		}
		if err := sess.SelectConversation(ctx, id); err != nil {
			return v1.Envelope{}, err
		}
		return ack(env, v1.AckPayload{Op: env.Type}), nil

	case v1.TypeConversationRead:
		n, err := sess.MarkRead(ctx)
		if err != nil {
			return v1.Envelope{}, err
		}
		return ack(env, v1.AckPayload{Op: env.Type, Count: &n}), nil

	case v1.TypeConversationClose, v1.TypeConversationDispute, v1.TypeConversationEscalate, v1.TypeConversationDeescalate:
		id, err := conversationID(env)
		if err != nil {
			return v1.Envelope{}, err
		}
		conv, err := mutateConversation(ctx, sess, env.Type, id)
		if err != nil {
			return v1.Envelope{}, err
		}
		return conversationAck(env, conv), nil

	case v1.TypeMessagesLoadMore:
		loaded, err := sess.LoadMore(ctx)
		if err != nil {
			return v1.Envelope{}, err
		}
		return ack(env, v1.AckPayload{Op: env.Type, Loaded: &loaded}), nil

	case v1.TypeMessageSend:
		var p v1.MessageSendPayload
		if err := decodePayload(env, &p); err != nil {
			return v1.Envelope{}, err
		}
		if len(p.Attachments) > maxInlineFiles {
			return v1.Envelope{}, invalidRequest(fmt.Sprintf("at most %d inline attachments", maxInlineFiles))
		}
		res, err := sess.Send(ctx, messaging.SendInput{
			Content:     p.Content,
			MessageType: messaging.MessageType(p.MessageType),
			Attachments: messaging.FromWireUploads(p.Attachments),
		})
		if err != nil {
			return v1.Envelope{}, err
		}
		b, _ := json.Marshal(v1.MessageSentPayload{
			ClientMsgID:  p.ClientMsgID,
			Message:      messaging.WireMessage(res.Message),
			UploadErrors: messaging.WireUploadErrors(res.UploadErrors),
		})
		return newEnvelope(v1.TypeMessageSent, env.ID, b), nil

	default:
		return v1.Envelope{}, invalidRequest(fmt.Sprintf("unsupported type: %s", env.Type))
	}
}

func mutateConversation(ctx context.Context, sess *messaging.Session, typ, id string) (messaging.Conversation, error) {
	switch typ {
	case v1.TypeConversationClose:
		return sess.CloseConversation(ctx, id)
	case v1.TypeConversationDispute:
		return sess.MarkDisputed(ctx, id)
	case v1.TypeConversationEscalate:
		return sess.EnableAdminIntervention(ctx, id)
	default:
		return sess.ClearAdminIntervention(ctx, id)
	}
}

func ack(req v1.Envelope, p v1.AckPayload) v1.Envelope {
	b, _ := json.Marshal(p)
	return newEnvelope(v1.TypeAck, req.ID, b)
}

func conversationAck(req v1.Envelope, c messaging.Conversation) v1.Envelope {
	wc := messaging.WireConversation(c, messaging.SenderUnknown)
	return ack(req, v1.AckPayload{Op: req.Type, Conversation: &wc})
}

func conversationID(env v1.Envelope) (string, error) {
	var p v1.ConversationPayload
	if err := decodePayload(env, &p); err != nil {
		return "", err
	}
	id := strings.TrimSpace(p.ConversationID)
	if id == "" {
		return "", invalidRequest("missing conversation_id")
	}
	return id, nil
}

func decodePayload(env v1.Envelope, dst any) error {
	if len(env.Payload) == 0 {
		return invalidRequest("missing payload")
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return invalidRequest("invalid payload: " + err.Error())
	}
	return nil
}

func invalidRequest(msg string) error {
	return messaging.OpError{Op: "ws.dispatch", Kind: messaging.ErrInvalidInput, Err: errors.New(msg)}
}

// errorCode maps engine error kinds onto wire error codes and user-facing text.
func errorCode(err error) (string, string) {
	msg := messaging.UserMessage(err)
	switch {
	case errors.Is(err, messaging.ErrInvalidInput):
		return "invalid_request", msg
	case errors.Is(err, messaging.ErrNotFound):
		return "not_found", msg
	case errors.Is(err, messaging.ErrPermissionDenied):
		return "forbidden", msg
	case errors.Is(err, messaging.ErrConversationClosed):
		return "conversation_closed", msg
	case errors.Is(err, messaging.ErrSessionClosed):
		return "session_closed", msg
	case errors.Is(err, messaging.ErrSchemaMissing), errors.Is(err, messaging.ErrNetwork):
		return "unavailable", msg
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout", msg
	default:
		return "server_error", msg
	}
}
