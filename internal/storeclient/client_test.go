package storeclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lucasmed.com/chat-engine/internal/api"
	"lucasmed.com/chat-engine/internal/auth"
	"lucasmed.com/chat-engine/internal/client"
	"lucasmed.com/chat-engine/internal/relay"
	"lucasmed.com/chat-engine/internal/sse"
	"lucasmed.com/chat-engine/internal/store"
)

func newRemote(t *testing.T) (*Client, *store.SQLiteStore) {
	t.Helper()
	return newRemoteWith(t, func(h http.Handler) http.Handler { return h })
}

func newRemoteWith(t *testing.T, wrap func(http.Handler) http.Handler) (*Client, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "chat.db"), nil)
	require.NoError(t, err)
	issuer, err := auth.NewIssuer("secret", time.Hour)
	require.NoError(t, err)
	token, err := issuer.Issue("u1")
	require.NoError(t, err)

	h := api.NewAPIHandler(st, relay.NewProxy(nil, time.Second), issuer, store.DefaultPageSize)
	srv := httptest.NewServer(wrap(api.NewRouter(h)))
	t.Cleanup(func() {
		srv.Close()
		st.Close()
	})
	return New(srv.URL, token, srv.Client()), st
}

// dropFirstReply lets the first assistant append reach the store and then
// cuts the connection before the response is written.
func dropFirstReply(h http.Handler) http.Handler {
	var dropped atomic.Bool
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/messages" {
			h.ServeHTTP(w, r)
			return
		}
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(raw))
		var draft store.Draft
		_ = json.Unmarshal(raw, &draft)
		if draft.Sender != store.SenderAssistant || !dropped.CompareAndSwap(false, true) {
			h.ServeHTTP(w, r)
			return
		}
		h.ServeHTTP(httptest.NewRecorder(), r)
		panic(http.ErrAbortHandler)
	})
}

func TestAppendAndPage(t *testing.T) {
	c, _ := newRemote(t)
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		msg, err := c.Append(ctx, "u1", store.Draft{Sender: store.SenderUser, Text: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
		assert.Equal(t, "u1", msg.ConversationID)
	}

	page, err := c.Page(ctx, "u1", nil, 3)
	require.NoError(t, err)
	require.Len(t, page.Items, 3)
	assert.Equal(t, "m4", page.Items[0].Text)
	require.NotNil(t, page.NextCursor)

	page, err = c.Page(ctx, "u1", page.NextCursor, 3)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "m1", page.Items[0].Text)
	assert.Nil(t, page.NextCursor)
}

func TestAppendReplaysClientKey(t *testing.T) {
	c, st := newRemote(t)
	ctx := context.Background()

	draft := store.Draft{Sender: store.SenderAssistant, Text: "Rest.", ClientKey: "pending-1"}
	first, err := c.Append(ctx, "u1", draft)
	require.NoError(t, err)
	again, err := c.Append(ctx, "u1", draft)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	page, err := st.Page(ctx, "u1", nil, 10)
	require.NoError(t, err)
	assert.Len(t, page.Items, 1)
}

func TestAppendMapsRejections(t *testing.T) {
	c, _ := newRemote(t)

	_, err := c.Append(context.Background(), "u1", store.Draft{Sender: store.SenderAssistant})
	assert.ErrorIs(t, err, store.ErrEmptyText)

	_, err = c.Append(context.Background(), "someone-else", store.Draft{Sender: store.SenderUser, Text: "x"})
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestSubscribeHeadFollowsAppends(t *testing.T) {
	c, st := newRemote(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	snaps, err := c.SubscribeHead(ctx, "u1", 5)
	require.NoError(t, err)

	first := <-snaps
	require.NoError(t, first.Err)
	assert.Empty(t, first.Items)

	_, err = st.Append(context.Background(), "u1", store.Draft{Sender: store.SenderUser, Text: "hello"})
	require.NoError(t, err)

	second := <-snaps
	require.NoError(t, second.Err)
	require.Len(t, second.Items, 1)
	assert.Equal(t, "hello", second.Items[0].Text)

	cancel()
	for range snaps {
	}
}

func TestSubscribeHeadReconnects(t *testing.T) {
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := conns.Add(1)
		stream, err := sse.Prepare(w)
		if err != nil {
			return
		}
		_ = stream.Send(api.LiveFrame{Items: []store.Message{{ID: fmt.Sprintf("m%d", n), Text: "x"}}})
		// Returning drops the connection.
	}))
	defer srv.Close()

	c := New(srv.URL, "", srv.Client())
	c.maxReconnectWait = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	snaps, err := c.SubscribeHead(ctx, "u1", 5)
	require.NoError(t, err)

	snap := <-snaps
	require.NoError(t, snap.Err)
	assert.Equal(t, "m1", snap.Items[0].ID)

	snap = <-snaps
	assert.Error(t, snap.Err)

	snap = <-snaps
	require.NoError(t, snap.Err)
	assert.Equal(t, "m2", snap.Items[0].ID)

	cancel()
	for range snaps {
	}
}

func TestSubscribeHeadRejectsBadLimit(t *testing.T) {
	c := New("http://127.0.0.1:1", "", nil)
	_, err := c.SubscribeHead(context.Background(), "u1", 0)
	assert.ErrorIs(t, err, store.ErrBadLimit)
}

type oneReply struct{ text string }

type replyStream struct{ text string }

func (s replyStream) All() iter.Seq2[relay.Event, error] {
	return func(yield func(relay.Event, error) bool) {
		if !yield(relay.TokenEvent(s.text), nil) {
			return
		}
		yield(relay.FinishedEvent(), nil)
	}
}

func (replyStream) Close() error { return nil }

func (r oneReply) Stream(context.Context, relay.Request) (client.EventStream, error) {
	return replyStream{text: r.text}, nil
}

func TestSessionOverRemoteStore(t *testing.T) {
	c, st := newRemote(t)

	sess := client.NewSession(c, oneReply{text: "Take rest."}, client.Options{ConversationID: "u1", DisplayName: "Ana"})
	require.NoError(t, sess.Open(context.Background()))
	defer sess.Close()

	require.NoError(t, sess.Send(context.Background(), client.Prompt{Text: "I have a headache"}))
	assert.Equal(t, client.StateCompleted, sess.State())

	page, err := st.Page(context.Background(), "u1", nil, 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, store.SenderAssistant, page.Items[0].Sender)
	assert.Equal(t, "Take rest.", page.Items[0].Text)
}

func TestSessionReplyLostInTransitIsStoredOnce(t *testing.T) {
	c, st := newRemoteWith(t, dropFirstReply)

	sess := client.NewSession(c, oneReply{text: "Take rest."}, client.Options{ConversationID: "u1", AppendInterval: time.Millisecond})
	require.NoError(t, sess.Open(context.Background()))
	defer sess.Close()

	require.NoError(t, sess.Send(context.Background(), client.Prompt{Text: "I have a headache"}))
	assert.Equal(t, client.StateCompleted, sess.State())

	page, err := st.Page(context.Background(), "u1", nil, 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "Take rest.", page.Items[0].Text)
	assert.Equal(t, "I have a headache", page.Items[1].Text)
}
