package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"lucasmed.com/chat-engine/internal/auth"
	"lucasmed.com/chat-engine/internal/pagination"
	"lucasmed.com/chat-engine/internal/relay"
	"lucasmed.com/chat-engine/internal/sse"
	"lucasmed.com/chat-engine/internal/store"
)

// maxBodyBytes leaves room for an inline image data URI.
const maxBodyBytes = 20 << 20

// MessageLog is the store surface the handlers expose.
type MessageLog interface {
	Append(ctx context.Context, conversationID string, draft store.Draft) (*store.Message, error)
	Page(ctx context.Context, conversationID string, cursor *pagination.Cursor, limit int) (*store.Page, error)
	SubscribeHead(ctx context.Context, conversationID string, limit int) (<-chan store.Snapshot, error)
}

type APIHandler struct {
	messages MessageLog
	proxy    *relay.Proxy
	issuer   *auth.Issuer
	pageSize int
}

func NewAPIHandler(messages MessageLog, proxy *relay.Proxy, issuer *auth.Issuer, pageSize int) *APIHandler {
	if pageSize <= 0 {
		pageSize = store.DefaultPageSize
	}
	return &APIHandler{messages: messages, proxy: proxy, issuer: issuer, pageSize: pageSize}
}

type ctxKey struct{}

// ConversationID returns the conversation resolved by JWTAuthMiddleware.
func ConversationID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("write response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// JWTAuthMiddleware resolves the bearer token to the caller's conversation.
func (h *APIHandler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeError(w, http.StatusUnauthorized, "Authorization header is required")
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		subject, err := h.issuer.Validate(tokenString)
		if err != nil {
			log.Debug().Err(err).Msg("rejected token")
			writeError(w, http.StatusUnauthorized, "Invalid token")
			return
		}

		// A conversation named in the query must be the caller's own.
		if requested := r.URL.Query().Get("conversation"); requested != "" && requested != subject {
			writeError(w, http.StatusForbidden, "Conversation does not belong to this user")
			return
		}

		ctx := context.WithValue(r.Context(), ctxKey{}, subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func decodeRelayRequest(w http.ResponseWriter, r *http.Request) (relay.Request, bool) {
	var req relay.Request
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return req, false
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "Prompt is required")
		return req, false
	}
	return req, true
}

// ChatStreamHandler relays one generation as `data: <event>` lines. Every
// failure after the headers are sent is a single error event.
func (h *APIHandler) ChatStreamHandler(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRelayRequest(w, r)
	if !ok {
		return
	}

	stream, err := sse.Prepare(w)
	if err != nil {
		log.Error().Err(err).Msg("cannot stream relay response")
		writeError(w, http.StatusInternalServerError, "Streaming unsupported")
		return
	}

	conv := ConversationID(r.Context())
	err = h.proxy.Relay(r.Context(), req, func(ev relay.Event) error {
		return stream.Send(ev)
	})
	if err != nil {
		log.Debug().Err(err).Str("conversation", conv).Msg("relay turn ended with error")
	}
}

// ChatHandler is the non-streaming relay.
func (h *APIHandler) ChatHandler(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRelayRequest(w, r)
	if !ok {
		return
	}

	out, err := h.proxy.Complete(r.Context(), req)
	if err != nil {
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, relay.ErrAuthenticationMissing):
			status = http.StatusServiceUnavailable
		case errors.Is(err, relay.ErrInvalidRequest):
			status = http.StatusBadRequest
		}
		log.Error().Err(err).Str("conversation", ConversationID(r.Context())).Msg("chat completion failed")
		writeError(w, status, "Failed to get AI response: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *APIHandler) limit(r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return h.pageSize, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > store.MaxPageSize {
		return 0, false
	}
	return n, true
}

func (h *APIHandler) ListMessagesHandler(w http.ResponseWriter, r *http.Request) {
	limit, ok := h.limit(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid limit")
		return
	}
	cursor, err := pagination.Decode(r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conv := ConversationID(r.Context())
	page, err := h.messages.Page(r.Context(), conv, cursor, limit)
	if err != nil {
		log.Error().Err(err).Str("conversation", conv).Msg("Error listing messages")
		writeError(w, http.StatusInternalServerError, "Failed to list messages")
		return
	}
	writeJSON(w, http.StatusOK, PageResponse{Items: page.Items, NextCursor: pagination.Encode(page.NextCursor)})
}

func (h *APIHandler) PostMessageHandler(w http.ResponseWriter, r *http.Request) {
	var draft store.Draft
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&draft); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	conv := ConversationID(r.Context())
	msg, err := h.messages.Append(r.Context(), conv, draft)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrEmptyText):
			writeError(w, http.StatusBadRequest, store.ErrEmptyText.Error())
			return
		case errors.Is(err, store.ErrBadSender):
			writeError(w, http.StatusBadRequest, store.ErrBadSender.Error())
			return
		}
		log.Error().Err(err).Str("conversation", conv).Msg("Error appending message")
		writeError(w, http.StatusInternalServerError, "Failed to save message")
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// LiveMessagesHandler streams the recomputed newest page after every change
// until the client goes away.
func (h *APIHandler) LiveMessagesHandler(w http.ResponseWriter, r *http.Request) {
	limit, ok := h.limit(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid limit")
		return
	}

	conv := ConversationID(r.Context())
	snaps, err := h.messages.SubscribeHead(r.Context(), conv, limit)
	if err != nil {
		log.Error().Err(err).Str("conversation", conv).Msg("Error subscribing to messages")
		writeError(w, http.StatusInternalServerError, "Failed to subscribe")
		return
	}

	stream, err := sse.Prepare(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Streaming unsupported")
		return
	}
	for snap := range snaps {
		frame := LiveFrame{Items: snap.Items, HasMore: snap.HasMore}
		if snap.Err != nil {
			frame.Error = "Failed to load messages"
		}
		if err := stream.Send(frame); err != nil {
			log.Debug().Err(err).Str("conversation", conv).Msg("live tail client gone")
			return
		}
	}
}
