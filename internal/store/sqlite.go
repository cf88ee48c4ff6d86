package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/rs/zerolog/log"

	"lucasmed.com/chat-engine/internal/metrics"
	"lucasmed.com/chat-engine/internal/pagination"
)

type SQLiteStore struct {
	db       *sql.DB
	notifier Notifier
	now      func() time.Time
	newID    func() string
	wg       sync.WaitGroup
}

type Option func(*SQLiteStore)

// WithClock overrides the server clock used for createdAt.
func WithClock(now func() time.Time) Option {
	return func(s *SQLiteStore) { s.now = now }
}

// WithIDs overrides store id generation.
func WithIDs(newID func() string) Option {
	return func(s *SQLiteStore) { s.newID = newID }
}

func NewSQLiteStore(dataSourceName string, notifier Notifier, opts ...Option) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps appends and their timestamp read serialized.
	db.SetMaxOpenConns(1)
	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if notifier == nil {
		notifier = NewLocalNotifier()
	}
	store := &SQLiteStore{
		db:       db,
		notifier: notifier,
		now:      time.Now,
		newID:    newStoreID,
	}
	for _, opt := range opts {
		opt(store)
	}
	if err = store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// newStoreID returns a time-ordered UUID. Pending placeholders use a
// prefixed id space, so these can never collide with them.
func newStoreID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Close waits for open live-tail subscriptions to end, so their contexts
// must be cancelled first.
func (s *SQLiteStore) Close() error {
	s.wg.Wait()
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS messages (
        id TEXT PRIMARY KEY,
        conversation_id TEXT NOT NULL,
        sender TEXT NOT NULL CHECK (sender IN ('user', 'ai')),
        text TEXT NOT NULL CHECK (text <> ''),
        image_url TEXT,
        created_at INTEGER NOT NULL, -- unix microseconds, server assigned
        client_key TEXT
    );

    CREATE INDEX IF NOT EXISTS idx_messages_order
        ON messages (conversation_id, created_at DESC, id DESC);
    `
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	if err := s.addClientKeyColumn(); err != nil {
		return err
	}
	_, err := s.db.Exec(`
    CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_client_key
        ON messages (conversation_id, client_key) WHERE client_key IS NOT NULL;
    `)
	return err
}

// addClientKeyColumn upgrades logs created before appends carried a key.
func (s *SQLiteStore) addClientKeyColumn() error {
	rows, err := s.db.Query("SELECT name FROM pragma_table_info('messages')")
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		if name == "client_key" {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()
	_, err = s.db.Exec("ALTER TABLE messages ADD COLUMN client_key TEXT")
	return err
}

// Append writes draft as a new message of conversationID. The record is
// written in a single transaction; on any failure nothing is persisted and
// the returned error wraps ErrPersistence. A draft whose ClientKey was
// already stored returns that message unchanged and notifies nobody.
func (s *SQLiteStore) Append(ctx context.Context, conversationID string, draft Draft) (*Message, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("%w: conversation id is required", ErrPersistence)
	}
	if err := draft.Validate(); err != nil {
		metrics.StoreAppendsTotal.WithLabelValues(string(draft.Sender), "rejected").Inc()
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	msg, created, err := s.insert(ctx, conversationID, draft)
	if err != nil {
		metrics.StoreAppendsTotal.WithLabelValues(string(draft.Sender), "failed").Inc()
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	if !created {
		metrics.StoreAppendsTotal.WithLabelValues(string(draft.Sender), "duplicate").Inc()
		log.Debug().Str("conversation", conversationID).Str("client_key", draft.ClientKey).Msg("append replayed, returning stored message")
		return msg, nil
	}
	metrics.StoreAppendsTotal.WithLabelValues(string(draft.Sender), "ok").Inc()

	if err := s.notifier.Notify(ctx, conversationID); err != nil {
		log.Warn().Err(err).Str("conversation", conversationID).Msg("live tail notify failed")
	}
	return msg, nil
}

func (s *SQLiteStore) insert(ctx context.Context, conversationID string, draft Draft) (*Message, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin message insert: %w", err)
	}
	defer tx.Rollback()

	if draft.ClientKey != "" {
		existing, err := byClientKey(ctx, tx, conversationID, draft.ClientKey)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			return existing, false, nil
		}
	}

	// createdAt never goes backwards within a conversation, even if the
	// wall clock does.
	var last int64
	err = tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(created_at), 0) FROM messages WHERE conversation_id = ?",
		conversationID).Scan(&last)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read last timestamp: %w", err)
	}
	created := s.now().UnixMicro()
	if created < last {
		created = last
	}

	msg := &Message{
		ID:             s.newID(),
		ConversationID: conversationID,
		Sender:         draft.Sender,
		Text:           draft.Text,
		ImageURL:       draft.ImageURL,
		CreatedAt:      time.UnixMicro(created).UTC(),
	}

	var imageURL, clientKey sql.NullString
	if msg.ImageURL != "" {
		imageURL = sql.NullString{String: msg.ImageURL, Valid: true}
	}
	if draft.ClientKey != "" {
		clientKey = sql.NullString{String: draft.ClientKey, Valid: true}
	}
	// Another writer on the same file may have stored the key since the
	// lookup above.
	res, err := tx.ExecContext(ctx, `
        INSERT INTO messages (id, conversation_id, sender, text, image_url, created_at, client_key)
        VALUES (?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT (conversation_id, client_key) WHERE client_key IS NOT NULL DO NOTHING`,
		msg.ID, msg.ConversationID, string(msg.Sender), msg.Text, imageURL, created, clientKey)
	if err != nil {
		return nil, false, fmt.Errorf("failed to execute message insert: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		existing, err := byClientKey(ctx, tx, conversationID, draft.ClientKey)
		if err != nil {
			return nil, false, err
		}
		if existing == nil {
			return nil, false, fmt.Errorf("message with client key %q vanished", draft.ClientKey)
		}
		return existing, false, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit message insert: %w", err)
	}
	return msg, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (Message, error) {
	var msg Message
	var sender string
	var imageURL sql.NullString
	var created int64
	if err := row.Scan(&msg.ID, &msg.ConversationID, &sender, &msg.Text, &imageURL, &created); err != nil {
		return Message{}, err
	}
	msg.Sender = Sender(sender)
	msg.ImageURL = imageURL.String
	msg.CreatedAt = time.UnixMicro(created).UTC()
	return msg, nil
}

// byClientKey returns the stored message carrying key, or nil.
func byClientKey(ctx context.Context, tx *sql.Tx, conversationID, key string) (*Message, error) {
	row := tx.QueryRowContext(ctx,
		"SELECT id, conversation_id, sender, text, image_url, created_at FROM messages WHERE conversation_id = ? AND client_key = ?",
		conversationID, key)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up client key: %w", err)
	}
	return &msg, nil
}

// Page returns up to limit messages strictly older than cursor (newest page
// when cursor is nil), ordered createdAt desc, id desc. NextCursor is set
// only when older messages remain.
func (s *SQLiteStore) Page(ctx context.Context, conversationID string, cursor *pagination.Cursor, limit int) (*Page, error) {
	if limit <= 0 || limit > MaxPageSize {
		return nil, ErrBadLimit
	}
	metrics.StorePageReadsTotal.Inc()

	query := "SELECT id, conversation_id, sender, text, image_url, created_at FROM messages WHERE conversation_id = ?"
	args := []any{conversationID}
	if cursor != nil {
		at := cursor.CreatedAt.UnixMicro()
		query += " AND (created_at < ? OR (created_at = ? AND id < ?))"
		args = append(args, at, at, cursor.ID)
	}
	// One extra row tells whether another page exists.
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	items := make([]Message, 0, limit)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		items = append(items, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read message rows: %w", err)
	}

	page := &Page{Items: items}
	if len(items) > limit {
		page.Items = items[:limit]
		page.NextCursor = pagination.Next(page.Items)
	}
	return page, nil
}
