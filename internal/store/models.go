package store

import (
	"errors"
	"time"

	"lucasmed.com/chat-engine/internal/pagination"
)

// Sender values use the persisted document vocabulary.
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "ai"
)

func (s Sender) Valid() bool {
	return s == SenderUser || s == SenderAssistant
}

// DefaultPageSize is the fixed page size of the conversation view.
const DefaultPageSize = 15

// MaxPageSize bounds a single read.
const MaxPageSize = 100

var (
	// ErrPersistence is returned when a record could not be written.
	ErrPersistence = errors.New("persistence failure")
	ErrEmptyText   = errors.New("message text cannot be empty")
	ErrBadSender   = errors.New("sender must be \"user\" or \"ai\"")
	ErrBadLimit    = errors.New("page limit out of range")
)

// Message is one persisted, immutable entry of a conversation log.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Sender         Sender    `json:"sender"`
	Text           string    `json:"text"`
	ImageURL       string    `json:"imageUrl,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

func (m Message) SortKey() (time.Time, string) {
	return m.CreatedAt, m.ID
}

// Draft is the caller-supplied part of a message; id and timestamp are
// assigned on append.
//
// ClientKey makes an append idempotent: a second append with the same key
// in the same conversation returns the message the first one stored.
type Draft struct {
	Sender    Sender `json:"sender"`
	Text      string `json:"text"`
	ImageURL  string `json:"imageUrl,omitempty"`
	ClientKey string `json:"clientKey,omitempty"`
}

func (d Draft) Validate() error {
	if !d.Sender.Valid() {
		return ErrBadSender
	}
	if d.Text == "" {
		return ErrEmptyText
	}
	return nil
}

// Page is one slice of the total order, newest first.
type Page struct {
	Items      []Message          `json:"items"`
	NextCursor *pagination.Cursor `json:"-"`
}

// Snapshot is one live-tail delivery: the full recomputed newest page.
type Snapshot struct {
	Items   []Message
	HasMore bool
	Err     error
}
