package client

import (
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"lucasmed.com/chat-engine/internal/pagination"
	"lucasmed.com/chat-engine/internal/store"
)

// EntryKind tags where a timeline entry came from.
type EntryKind int

const (
	EntryPersisted EntryKind = iota
	EntryPending
	EntryWelcome
	// EntryUnsaved is a generated reply whose append failed; it lives in
	// the outbox until a retry persists it.
	EntryUnsaved
)

// Local id spaces. Store ids are bare UUIDs, so a prefixed id can never
// match one.
const (
	pendingPrefix = "pending-"
	welcomePrefix = "welcome-"
	unsavedPrefix = "unsaved-"
)

// Entry is one rendered line of the conversation view.
type Entry struct {
	ID        string
	Kind      EntryKind
	Sender    store.Sender
	Text      string
	ImageURL  string
	CreatedAt time.Time
}

func (e Entry) SortKey() (time.Time, string) {
	return e.CreatedAt, e.ID
}

func entryFromMessage(m store.Message) Entry {
	return Entry{
		ID:        m.ID,
		Kind:      EntryPersisted,
		Sender:    m.Sender,
		Text:      m.Text,
		ImageURL:  m.ImageURL,
		CreatedAt: m.CreatedAt,
	}
}

// Pending is the single in-flight assistant placeholder.
type Pending struct {
	ID        string
	Text      string
	StartedAt time.Time
}

func newPendingID() string { return pendingPrefix + uuid.NewString() }
func newUnsavedID() string { return unsavedPrefix + uuid.NewString() }

// WelcomeText is the greeting shown on an empty conversation.
func WelcomeText(name string) string {
	if name = strings.TrimSpace(name); name != "" {
		return "Hi " + name + "! I'm LucasMed, your AI assistant. How can I help you today?"
	}
	return "Hi! I'm LucasMed, your AI assistant. How can I help you today?"
}

func welcomeEntry(name string, at time.Time) Entry {
	return Entry{
		ID:        welcomePrefix + uuid.NewString(),
		Kind:      EntryWelcome,
		Sender:    store.SenderAssistant,
		Text:      WelcomeText(name),
		CreatedAt: at,
	}
}

// Merge builds the display timeline, oldest first, from everything the
// session has seen. Persisted messages are keyed by id, so a message seen
// in several deliveries appears once. Unsaved replies are placed among
// them by the time they were generated, and the pending placeholder, once
// it has text, comes last. welcome is shown only when nothing is persisted.
func Merge(persisted []store.Message, unsaved []Entry, pending *Pending, welcome *Entry) []Entry {
	seen := make(map[string]struct{}, len(persisted))
	out := make([]Entry, 0, len(persisted)+len(unsaved)+2)
	if len(persisted) == 0 && welcome != nil {
		out = append(out, *welcome)
	}
	start := len(out)
	for _, m := range persisted {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		out = append(out, entryFromMessage(m))
	}
	out = append(out, unsaved...)
	// total order is newest first; the view is oldest first
	slices.SortFunc(out[start:], func(a, b Entry) int { return pagination.Compare(b, a) })

	if pending != nil && pending.Text != "" {
		out = append(out, Entry{
			ID:        pending.ID,
			Kind:      EntryPending,
			Sender:    store.SenderAssistant,
			Text:      pending.Text,
			CreatedAt: pending.StartedAt,
		})
	}
	return out
}
