package client

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"lucasmed.com/chat-engine/internal/store"
)

var outboxBucket = []byte("unsaved_replies")

// UnsavedReply is a generated assistant reply that could not be appended.
type UnsavedReply struct {
	ID string `json:"id"`
	// ClientKey is the idempotency key of the turn that generated the reply.
	ClientKey      string    `json:"clientKey,omitempty"`
	ConversationID string    `json:"conversationId"`
	Text           string    `json:"text"`
	GeneratedAt    time.Time `json:"generatedAt"`
	Reason         string    `json:"reason,omitempty"`
}

// key is the append key for the reply. Entries written without one fall
// back to their own id, which is stable across restarts.
func (r UnsavedReply) key() string {
	if r.ClientKey != "" {
		return r.ClientKey
	}
	return r.ID
}

func (r UnsavedReply) entry() Entry {
	return Entry{
		ID:        r.ID,
		Kind:      EntryUnsaved,
		Sender:    store.SenderAssistant,
		Text:      r.Text,
		CreatedAt: r.GeneratedAt,
	}
}

// Outbox keeps unsaved replies on disk so they survive a restart. Keys are
// nested under one bucket per conversation.
type Outbox struct {
	db *bolt.DB
}

func OpenOutbox(path string) (*Outbox, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open outbox: %w", err)
	}
	return &Outbox{db: db}, nil
}

func (o *Outbox) Close() error {
	return o.db.Close()
}

func (o *Outbox) Put(r UnsavedReply) error {
	enc, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return o.db.Update(func(tx *bolt.Tx) error {
		root, err := tx.CreateBucketIfNotExists(outboxBucket)
		if err != nil {
			return err
		}
		b, err := root.CreateBucketIfNotExists([]byte(r.ConversationID))
		if err != nil {
			return err
		}
		return b.Put([]byte(r.ID), enc)
	})
}

// List returns the conversation's unsaved replies, oldest first.
func (o *Outbox) List(conversationID string) ([]UnsavedReply, error) {
	var out []UnsavedReply
	err := o.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket(outboxBucket)
		if root == nil {
			return nil
		}
		b := root.Bucket([]byte(conversationID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var r UnsavedReply
			if err := json.Unmarshal(v, &r); err != nil {
				// Skip malformed entries instead of failing the whole load
				return nil
			}
			out = append(out, r)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GeneratedAt.Before(out[j].GeneratedAt) })
	return out, nil
}

func (o *Outbox) Delete(conversationID, id string) error {
	return o.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(outboxBucket)
		if root == nil {
			return nil
		}
		b := root.Bucket([]byte(conversationID))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(id))
	})
}
