package store

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lucasmed.com/chat-engine/internal/pagination"
)

type stepClock struct {
	mu   sync.Mutex
	t    time.Time
	step time.Duration
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(c.step)
	return c.t
}

func newTestStore(t *testing.T, opts ...Option) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "chat.db"), nil, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seed(t *testing.T, s *SQLiteStore, conv string, n int) []*Message {
	t.Helper()
	out := make([]*Message, 0, n)
	for i := 0; i < n; i++ {
		sender := SenderUser
		if i%2 == 1 {
			sender = SenderAssistant
		}
		msg, err := s.Append(context.Background(), conv, Draft{Sender: sender, Text: fmt.Sprintf("message %d", i+1)})
		require.NoError(t, err)
		out = append(out, msg)
	}
	return out
}

func TestAppendAssignsIDAndTimestamp(t *testing.T) {
	clock := &stepClock{t: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), step: time.Second}
	s := newTestStore(t, WithClock(clock.Now))

	msg, err := s.Append(context.Background(), "u1", Draft{Sender: SenderUser, Text: "hola", ImageURL: "https://img/x.png"})
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, "u1", msg.ConversationID)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 1, 0, time.UTC), msg.CreatedAt)

	page, err := s.Page(context.Background(), "u1", nil, DefaultPageSize)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, *msg, page.Items[0])
}

func TestAppendRejectsEmptyText(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Append(context.Background(), "u1", Draft{Sender: SenderAssistant, Text: ""})
	require.ErrorIs(t, err, ErrPersistence)
	assert.ErrorIs(t, err, ErrEmptyText)

	_, err = s.Append(context.Background(), "u1", Draft{Sender: "bot", Text: "x"})
	assert.ErrorIs(t, err, ErrBadSender)

	page, err := s.Page(context.Background(), "u1", nil, DefaultPageSize)
	require.NoError(t, err)
	assert.Empty(t, page.Items)
}

func TestAppendWithClientKeyIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	snaps, err := s.SubscribeHead(ctx, "u1", DefaultPageSize)
	require.NoError(t, err)
	receive(t, snaps)

	draft := Draft{Sender: SenderAssistant, Text: "Hello", ClientKey: "pending-1"}
	first, err := s.Append(ctx, "u1", draft)
	require.NoError(t, err)
	receive(t, snaps)

	again, err := s.Append(ctx, "u1", draft)
	require.NoError(t, err)
	assert.Equal(t, first, again)

	page, err := s.Page(ctx, "u1", nil, DefaultPageSize)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, first.ID, page.Items[0].ID)

	select {
	case snap := <-snaps:
		t.Fatalf("replayed append notified listeners: %+v", snap)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClientKeyIsScopedToConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, err := s.Append(ctx, "u1", Draft{Sender: SenderUser, Text: "x", ClientKey: "k"})
	require.NoError(t, err)
	b, err := s.Append(ctx, "u2", Draft{Sender: SenderUser, Text: "x", ClientKey: "k"})
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)

	// Drafts without a key never collide.
	_, err = s.Append(ctx, "u1", Draft{Sender: SenderUser, Text: "x"})
	require.NoError(t, err)
	_, err = s.Append(ctx, "u1", Draft{Sender: SenderUser, Text: "x"})
	require.NoError(t, err)
	page, err := s.Page(ctx, "u1", nil, DefaultPageSize)
	require.NoError(t, err)
	assert.Len(t, page.Items, 3)
}

func TestClientKeySharedAcrossStoresOnOneFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.db") + "?_busy_timeout=5000"
	a, err := NewSQLiteStore(path, nil)
	require.NoError(t, err)
	defer a.Close()
	b, err := NewSQLiteStore(path, nil)
	require.NoError(t, err)
	defer b.Close()

	draft := Draft{Sender: SenderAssistant, Text: "Hello", ClientKey: "pending-7"}
	first, err := a.Append(context.Background(), "u1", draft)
	require.NoError(t, err)
	second, err := b.Append(context.Background(), "u1", draft)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestOpenUpgradesLogWithoutClientKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.db")
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE messages (
        id TEXT PRIMARY KEY,
        conversation_id TEXT NOT NULL,
        sender TEXT NOT NULL,
        text TEXT NOT NULL,
        image_url TEXT,
        created_at INTEGER NOT NULL)`)
	require.NoError(t, err)
	_, err = db.Exec("INSERT INTO messages VALUES ('old', 'u1', 'user', 'hola', NULL, 1)")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	s, err := NewSQLiteStore(path, nil)
	require.NoError(t, err)
	defer s.Close()

	draft := Draft{Sender: SenderAssistant, Text: "Hello", ClientKey: "pending-1"}
	first, err := s.Append(context.Background(), "u1", draft)
	require.NoError(t, err)
	again, err := s.Append(context.Background(), "u1", draft)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	page, err := s.Page(context.Background(), "u1", nil, DefaultPageSize)
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)
}

func TestCreatedAtNeverGoesBackwards(t *testing.T) {
	times := []time.Time{
		time.Date(2024, 5, 1, 10, 0, 5, 0, time.UTC),
		time.Date(2024, 5, 1, 10, 0, 1, 0, time.UTC), // clock skew
	}
	i := 0
	s := newTestStore(t, WithClock(func() time.Time { tm := times[i]; i++; return tm }))

	first, err := s.Append(context.Background(), "u1", Draft{Sender: SenderUser, Text: "a"})
	require.NoError(t, err)
	second, err := s.Append(context.Background(), "u1", Draft{Sender: SenderAssistant, Text: "b"})
	require.NoError(t, err)
	assert.False(t, second.CreatedAt.Before(first.CreatedAt))
}

func TestPageSixteenMessages(t *testing.T) {
	clock := &stepClock{t: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), step: time.Millisecond}
	s := newTestStore(t, WithClock(clock.Now))
	all := seed(t, s, "u1", 16)
	ctx := context.Background()

	first, err := s.Page(ctx, "u1", nil, 15)
	require.NoError(t, err)
	require.Len(t, first.Items, 15)
	require.NotNil(t, first.NextCursor)
	assert.Equal(t, all[15].ID, first.Items[0].ID, "newest first")
	assert.Equal(t, all[1].ID, first.Items[14].ID)

	second, err := s.Page(ctx, "u1", first.NextCursor, 15)
	require.NoError(t, err)
	require.Len(t, second.Items, 1)
	assert.Equal(t, all[0].ID, second.Items[0].ID)
	assert.Nil(t, second.NextCursor)

	third, err := s.Page(ctx, "u1", pagination.Next(second.Items), 15)
	require.NoError(t, err)
	assert.Empty(t, third.Items)
	assert.Nil(t, third.NextCursor)
}

func TestPagesConcatenateToFullLog(t *testing.T) {
	clock := &stepClock{t: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), step: time.Microsecond}
	s := newTestStore(t, WithClock(clock.Now))
	all := seed(t, s, "u1", 37)
	seed(t, s, "other", 5)
	ctx := context.Background()

	var got []string
	var cursor *pagination.Cursor
	for {
		page, err := s.Page(ctx, "u1", cursor, 4)
		require.NoError(t, err)
		for _, m := range page.Items {
			got = append(got, m.ID)
		}
		if page.NextCursor == nil {
			break
		}
		cursor = page.NextCursor
	}

	want := make([]string, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		want = append(want, all[i].ID)
	}
	assert.Equal(t, want, got)
}

func TestFirstPageIsRepeatable(t *testing.T) {
	s := newTestStore(t)
	seed(t, s, "u1", 20)
	ctx := context.Background()

	a, err := s.Page(ctx, "u1", nil, 15)
	require.NoError(t, err)
	b, err := s.Page(ctx, "u1", nil, 15)
	require.NoError(t, err)
	assert.Equal(t, a.Items, b.Items)
	assert.Equal(t, a.NextCursor, b.NextCursor)
}

func TestIdenticalTimestampsOrderedByID(t *testing.T) {
	fixed := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	ids := []string{"b", "d", "a", "c"}
	n := 0
	s := newTestStore(t,
		WithClock(func() time.Time { return fixed }),
		WithIDs(func() string { id := ids[n]; n++; return id }),
	)
	seed(t, s, "u1", len(ids))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		first, err := s.Page(ctx, "u1", nil, 2)
		require.NoError(t, err)
		second, err := s.Page(ctx, "u1", first.NextCursor, 2)
		require.NoError(t, err)

		var got []string
		for _, m := range append(first.Items, second.Items...) {
			got = append(got, m.ID)
		}
		assert.Equal(t, []string{"d", "c", "b", "a"}, got)
		assert.Nil(t, second.NextCursor)
	}
}

func TestPageRejectsBadLimit(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Page(context.Background(), "u1", nil, 0)
	assert.ErrorIs(t, err, ErrBadLimit)
	_, err = s.Page(context.Background(), "u1", nil, MaxPageSize+1)
	assert.ErrorIs(t, err, ErrBadLimit)
}

func TestSubscribeHeadRedeliversFullPage(t *testing.T) {
	clock := &stepClock{t: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), step: time.Second}
	s := newTestStore(t, WithClock(clock.Now))
	seed(t, s, "u1", 3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	snaps, err := s.SubscribeHead(ctx, "u1", DefaultPageSize)
	require.NoError(t, err)

	initial := receive(t, snaps)
	require.NoError(t, initial.Err)
	require.Len(t, initial.Items, 3)
	assert.False(t, initial.HasMore)

	added, err := s.Append(ctx, "u1", Draft{Sender: SenderUser, Text: "fourth"})
	require.NoError(t, err)

	next := receive(t, snaps)
	require.Len(t, next.Items, 4)
	assert.Equal(t, added.ID, next.Items[0].ID)
	for i := 1; i < len(next.Items); i++ {
		assert.Equal(t, -1, pagination.Compare(next.Items[i-1], next.Items[i]))
	}
}

func TestSubscribeHeadIgnoresOtherConversations(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	snaps, err := s.SubscribeHead(ctx, "u1", DefaultPageSize)
	require.NoError(t, err)
	assert.Empty(t, receive(t, snaps).Items)

	_, err = s.Append(ctx, "u2", Draft{Sender: SenderUser, Text: "elsewhere"})
	require.NoError(t, err)

	select {
	case snap := <-snaps:
		t.Fatalf("unexpected delivery: %+v", snap)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscribeHeadClosesOnCancel(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())

	snaps, err := s.SubscribeHead(ctx, "u1", DefaultPageSize)
	require.NoError(t, err)
	receive(t, snaps)
	cancel()

	select {
	case _, ok := <-snaps:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not closed")
	}
}

func receive(t *testing.T, ch <-chan Snapshot) Snapshot {
	t.Helper()
	select {
	case snap, ok := <-ch:
		require.True(t, ok, "subscription closed")
		return snap
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
	}
	return Snapshot{}
}
