package pagination

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Keyed is anything positioned in the conversation total order
// (createdAt desc, id desc).
type Keyed interface {
	SortKey() (time.Time, string)
}

// Cursor marks a page boundary: the key of the last item of a fetched page.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

func (c Cursor) SortKey() (time.Time, string) {
	return c.CreatedAt, c.ID
}

// Compare reports -1 when a sorts before b in the total order (a is newer),
// 1 when a sorts after b, and 0 when both keys are identical.
func Compare(a, b Keyed) int {
	at, aid := a.SortKey()
	bt, bid := b.SortKey()
	switch {
	case at.After(bt):
		return -1
	case at.Before(bt):
		return 1
	case aid > bid:
		return -1
	case aid < bid:
		return 1
	}
	return 0
}

// Older reports whether item sorts strictly after the cursor, i.e. belongs
// to a page requested with that cursor.
func Older(item Keyed, c Cursor) bool {
	return Compare(item, c) > 0
}

// Next derives the cursor for the page after items. It returns nil for an
// empty page.
func Next[T Keyed](items []T) *Cursor {
	if len(items) == 0 {
		return nil
	}
	createdAt, id := items[len(items)-1].SortKey()
	return &Cursor{CreatedAt: createdAt, ID: id}
}

// Encode renders a cursor as an opaque URL-safe token.
func Encode(c *Cursor) string {
	if c == nil {
		return ""
	}
	raw := strconv.FormatInt(c.CreatedAt.UnixNano(), 10) + ":" + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses a token produced by Encode. An empty token yields a nil cursor.
func Decode(token string) (*Cursor, error) {
	if token == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor encoding: %w", err)
	}
	nanos, id, ok := strings.Cut(string(raw), ":")
	if !ok || id == "" {
		return nil, fmt.Errorf("invalid cursor: missing id")
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor timestamp: %w", err)
	}
	return &Cursor{CreatedAt: time.Unix(0, n).UTC(), ID: id}, nil
}
