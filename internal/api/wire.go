package api

import "lucasmed.com/chat-engine/internal/store"

// PageResponse is the body of GET /api/messages. NextCursor is an opaque
// token, absent when the log is exhausted.
type PageResponse struct {
	Items      []store.Message `json:"items"`
	NextCursor string          `json:"nextCursor,omitempty"`
}

// LiveFrame is one live-tail delivery on GET /api/messages/live.
type LiveFrame struct {
	Items   []store.Message `json:"items"`
	HasMore bool            `json:"hasMore"`
	Error   string          `json:"error,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
