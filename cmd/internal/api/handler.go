// Package api serves the bearer-authenticated HTTP JSON surface of the messaging engine.
package api

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"parley/cmd/internal/messaging"
	"parley/cmd/security/token"
	v1 "parley/shared/contracts/messaging/v1"
)

// Verifier resolves a bearer token to a caller identity.
type Verifier interface {
	Verify(raw string) (token.Claims, error)
}

// Handler wires HTTP routes to the messaging service.
type Handler struct {
	log  *slog.Logger
	cfg  Config
	svc  *messaging.Service
	auth Verifier
}

// NewHandler constructs a Handler.
func NewHandler(log *slog.Logger, svc *messaging.Service, auth Verifier, cfg Config) (*Handler, error) {
	if log == nil {
		log = slog.Default()
	}
	if svc == nil {
		return nil, errors.New("api: nil messaging service")
	}
	if auth == nil {
		return nil, errors.New("api: nil token verifier")
	}
	return &Handler{log: log, cfg: cfg.withDefaults(), svc: svc, auth: auth}, nil
}

// Register wires routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("GET /v1/conversations", h.authed(h.handleListConversations))
	mux.HandleFunc("POST /v1/conversations", h.authed(h.handleCreateConversation))
	mux.HandleFunc("GET /v1/conversations/{id}", h.authed(h.handleGetConversation))
	mux.HandleFunc("POST /v1/conversations/{id}/close", h.authed(h.handleClose))
	mux.HandleFunc("POST /v1/conversations/{id}/dispute", h.authed(h.handleDispute))
	mux.HandleFunc("POST /v1/conversations/{id}/admin-intervention", h.authed(h.handleEscalate))
	mux.HandleFunc("DELETE /v1/conversations/{id}/admin-intervention", h.authed(h.handleDeescalate))
	mux.HandleFunc("GET /v1/conversations/{id}/messages", h.authed(h.handleListMessages))
	mux.HandleFunc("POST /v1/conversations/{id}/messages", h.authed(h.handleSend))
	mux.HandleFunc("POST /v1/conversations/{id}/read", h.authed(h.handleMarkRead))
	mux.HandleFunc("GET /v1/conversations/{id}/unread", h.authed(h.handleUnread))
	mux.HandleFunc("GET /v1/stats", h.authed(h.handleStats))
}

type callerHandler func(w http.ResponseWriter, r *http.Request, caller messaging.Caller)

func (h *Handler) authed(next callerHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, err := h.auth.Verify(token.BearerFromHeader(r.Header.Get("Authorization")))
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="parley"`)
			writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
			return
		}
		next(w, r, messaging.Caller{UserID: claims.UserID})
	}
}

// ---- handlers ----

func (h *Handler) handleListConversations(w http.ResponseWriter, r *http.Request, caller messaging.Caller) {
	q := r.URL.Query()
	f := messaging.ConversationFilter{Status: messaging.ConversationStatus(strings.TrimSpace(q.Get("status")))}
	if v := strings.TrimSpace(q.Get("admin_intervention")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "admin_intervention must be a boolean")
			return
		}
		f.AdminIntervention = &b
	}
	if v := strings.TrimSpace(q.Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}

	list, err := h.svc.ListConversations(r.Context(), caller, scopeFromQuery(r), f)
	if err != nil {
		h.writeServiceError(w, "api.conversations.list", err)
		return
	}
	writeJSON(w, http.StatusOK, conversationsResponse{Conversations: messaging.WireConversations(list)})
}

func (h *Handler) handleCreateConversation(w http.ResponseWriter, r *http.Request, caller messaging.Caller) {
	var req createConversationRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeBodyError(w, err)
		return
	}
	c, err := h.svc.CreateConversation(r.Context(), caller, req.OrderID, req.StoreID)
	if err != nil {
		h.writeServiceError(w, "api.conversations.create", err)
		return
	}
	h.log.Info("api.conversations.created", "conversation_id", c.ID, "order_id", c.OrderID, "user_id", caller.UserID)
	writeJSON(w, http.StatusCreated, messaging.WireConversation(c, messaging.SenderUnknown))
}

func (h *Handler) handleGetConversation(w http.ResponseWriter, r *http.Request, caller messaging.Caller) {
	c, role, err := h.svc.Conversation(r.Context(), caller, r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, "api.conversations.get", err)
		return
	}
	writeJSON(w, http.StatusOK, messaging.WireConversation(c, role))
}

type conversationMutation func(r *http.Request, caller messaging.Caller, id string) (messaging.Conversation, error)

func (h *Handler) mutate(op string, fn conversationMutation) callerHandler {
	return func(w http.ResponseWriter, r *http.Request, caller messaging.Caller) {
		c, err := fn(r, caller, r.PathValue("id"))
		if err != nil {
			h.writeServiceError(w, op, err)
			return
		}
		h.log.Info(op+".ok", "conversation_id", c.ID, "user_id", caller.UserID, "status", string(c.Status))
		writeJSON(w, http.StatusOK, messaging.WireConversation(c, messaging.SenderUnknown))
	}
}

func (h *Handler) handleClose(w http.ResponseWriter, r *http.Request, caller messaging.Caller) {
	h.mutate("api.conversations.close", func(r *http.Request, c messaging.Caller, id string) (messaging.Conversation, error) {
		return h.svc.CloseConversation(r.Context(), c, id)
	})(w, r, caller)
}

func (h *Handler) handleDispute(w http.ResponseWriter, r *http.Request, caller messaging.Caller) {
	h.mutate("api.conversations.dispute", func(r *http.Request, c messaging.Caller, id string) (messaging.Conversation, error) {
		return h.svc.MarkDisputed(r.Context(), c, id)
	})(w, r, caller)
}

func (h *Handler) handleEscalate(w http.ResponseWriter, r *http.Request, caller messaging.Caller) {
	h.mutate("api.conversations.escalate", func(r *http.Request, c messaging.Caller, id string) (messaging.Conversation, error) {
		return h.svc.EnableAdminIntervention(r.Context(), c, id)
	})(w, r, caller)
}

func (h *Handler) handleDeescalate(w http.ResponseWriter, r *http.Request, caller messaging.Caller) {
	h.mutate("api.conversations.deescalate", func(r *http.Request, c messaging.Caller, id string) (messaging.Conversation, error) {
		return h.svc.ClearAdminIntervention(r.Context(), c, id)
	})(w, r, caller)
}

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request, caller messaging.Caller) {
	q := r.URL.Query()

	page, ok := queryInt(q.Get("page"), 1)
	if !ok || page < 1 {
		writeError(w, http.StatusBadRequest, "invalid_request", "page must be a positive integer")
		return
	}
	size, ok := queryInt(q.Get("page_size"), 0)
	if !ok || size < 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "page_size must be a positive integer")
		return
	}
	size = h.svc.EffectivePageSize(size)

	f := messaging.MessageFilter{
		MessageType: messaging.MessageType(strings.TrimSpace(q.Get("type"))),
		Search:      strings.TrimSpace(q.Get("search")),
	}
	if unread, _ := strconv.ParseBool(q.Get("unread")); unread {
		f.UnreadOnly = true
		f.ExcludeSender = caller.UserID
	}

	res, err := h.svc.FetchPage(r.Context(), caller, r.PathValue("id"), page, size, f)
	if err != nil {
		h.writeServiceError(w, "api.messages.list", err)
		return
	}
	writeJSON(w, http.StatusOK, v1.Page{
		Messages:   messaging.WireMessages(res.Messages),
		Page:       page,
		PageSize:   size,
		TotalCount: res.TotalCount,
		HasMore:    page*size < res.TotalCount,
	})
}

func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request, caller messaging.Caller) {
	in, err := h.readSendInput(w, r)
	if err != nil {
		writeBodyError(w, err)
		return
	}

	res, err := h.svc.Send(r.Context(), caller, r.PathValue("id"), in)
	if err != nil {
		h.writeServiceError(w, "api.messages.send", err)
		return
	}
	writeJSON(w, http.StatusCreated, sendResponse{
		Message:      messaging.WireMessage(res.Message),
		UploadErrors: messaging.WireUploadErrors(res.UploadErrors),
	})
}

// readSendInput accepts JSON (inline base64 attachments) or multipart/form-data (content, message_type and
// repeated "files" parts).
func (h *Handler) readSendInput(w http.ResponseWriter, r *http.Request) (messaging.SendInput, error) {
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mt != "multipart/form-data" {
		var req sendMessageRequest
		if err := decodeJSON(w, r, h.cfg.MaxUploadBytes, &req); err != nil {
			return messaging.SendInput{}, err
		}
		if len(req.Attachments) > h.cfg.MaxFiles {
			return messaging.SendInput{}, badBody("too many attachments (max %d)", h.cfg.MaxFiles)
		}
		return messaging.SendInput{
			Content:     req.Content,
			MessageType: messaging.MessageType(req.MessageType),
			Attachments: messaging.FromWireUploads(req.Attachments),
		}, nil
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return messaging.SendInput{}, fmt.Errorf("%w (limit %d bytes)", errBodyTooLarge, tooLarge.Limit)
		}
		return messaging.SendInput{}, badBody("invalid multipart body")
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	in := messaging.SendInput{
		Content:     r.FormValue("content"),
		MessageType: messaging.MessageType(r.FormValue("message_type")),
	}
	headers := r.MultipartForm.File["files"]
	if len(headers) > h.cfg.MaxFiles {
		return messaging.SendInput{}, badBody("too many attachments (max %d)", h.cfg.MaxFiles)
	}
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			return messaging.SendInput{}, badBody("unreadable file %q", fh.Filename)
		}
		// One byte over the limit lets the uploader report the file as too large.
		data, err := io.ReadAll(io.LimitReader(f, messaging.MaxAttachmentBytes+1))
		_ = f.Close()
		if err != nil {
			return messaging.SendInput{}, badBody("unreadable file %q", fh.Filename)
		}
		in.Attachments = append(in.Attachments, messaging.FileUpload{
			FileName:    fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Data:        data,
		})
	}
	return in, nil
}

func (h *Handler) handleMarkRead(w http.ResponseWriter, r *http.Request, caller messaging.Caller) {
	n, err := h.svc.MarkRead(r.Context(), caller, r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, "api.messages.read", err)
		return
	}
	writeJSON(w, http.StatusOK, countResponse{Count: n})
}

func (h *Handler) handleUnread(w http.ResponseWriter, r *http.Request, caller messaging.Caller) {
	n, err := h.svc.UnreadCount(r.Context(), caller, r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, "api.messages.unread", err)
		return
	}
	writeJSON(w, http.StatusOK, countResponse{Count: n})
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request, caller messaging.Caller) {
	st, err := h.svc.ComputeStats(r.Context(), caller, scopeFromQuery(r), strings.TrimSpace(r.URL.Query().Get("conversation_id")))
	if err != nil {
		h.writeServiceError(w, "api.stats", err)
		return
	}
	writeJSON(w, http.StatusOK, messaging.WireStats(st))
}

// ---- helpers ----

func scopeFromQuery(r *http.Request) messaging.Scope {
	q := r.URL.Query()
	return messaging.Scope{
		OrderID: strings.TrimSpace(q.Get("order_id")),
		StoreID: strings.TrimSpace(q.Get("store_id")),
	}
}

func queryInt(raw string, def int) (int, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}
