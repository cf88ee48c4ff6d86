package client

import (
	"errors"
	"fmt"
	"iter"
	"strings"

	"lucasmed.com/chat-engine/internal/relay"
)

// DefaultContextTurns is how many prior turns are sent with a prompt.
const DefaultContextTurns = 4

var (
	// ErrGenerationFailed wraps every way a relay turn can end without a
	// usable reply.
	ErrGenerationFailed = errors.New("generation failed")
	errEmptyReply       = errors.New("empty reply")
)

// BuildContext serializes the last n persisted entries before the current
// prompt as role-tagged lines, oldest first. Pending, welcome and unsaved
// entries are skipped, as is excludeID (the message being answered).
func BuildContext(entries []Entry, excludeID string, n int) string {
	if n <= 0 {
		return ""
	}
	window := make([]Entry, 0, n)
	for i := len(entries) - 1; i >= 0 && len(window) < n; i-- {
		e := entries[i]
		if e.Kind != EntryPersisted || e.ID == excludeID {
			continue
		}
		window = append(window, e)
	}

	lines := make([]string, 0, len(window))
	for i := len(window) - 1; i >= 0; i-- {
		e := window[i]
		line := string(e.Sender) + ": " + e.Text
		if e.ImageURL != "" {
			line += " [image: " + e.ImageURL + "]"
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// Consume drains one relay response. Every token is passed to onToken in
// order and accumulated; the accumulated text is returned when the turn
// finishes. An error event, a truncated stream or an empty reply yields
// ErrGenerationFailed and no text.
func Consume(events iter.Seq2[relay.Event, error], onToken func(string)) (string, error) {
	var acc strings.Builder
	for ev, err := range events {
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrGenerationFailed, err)
		}
		switch ev.Kind {
		case relay.KindToken:
			acc.WriteString(ev.Token)
			if onToken != nil {
				onToken(ev.Token)
			}
		case relay.KindError:
			return "", fmt.Errorf("%w: %s", ErrGenerationFailed, ev.Error)
		case relay.KindFinished:
			if acc.Len() == 0 {
				return "", fmt.Errorf("%w: %w", ErrGenerationFailed, errEmptyReply)
			}
			return acc.String(), nil
		}
	}
	return "", fmt.Errorf("%w: %w", ErrGenerationFailed, relay.ErrTruncated)
}
