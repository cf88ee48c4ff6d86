package client

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"lucasmed.com/chat-engine/internal/pagination"
	"lucasmed.com/chat-engine/internal/relay"
	"lucasmed.com/chat-engine/internal/store"
)

// imageOnlyPrompt stands in for the text of a turn that only carries an image.
const imageOnlyPrompt = "Please analyze this image."

var (
	// ErrNotSaved means a reply was generated but could not be appended.
	// The text is kept in the outbox and shown as unsaved.
	ErrNotSaved    = errors.New("reply generated but not saved")
	ErrEmptyPrompt = errors.New("message text cannot be empty")
	ErrClosed      = errors.New("session closed")
)

// MessageStore is the persisted log a Session reads and appends to.
type MessageStore interface {
	Append(ctx context.Context, conversationID string, draft store.Draft) (*store.Message, error)
	Page(ctx context.Context, conversationID string, cursor *pagination.Cursor, limit int) (*store.Page, error)
	SubscribeHead(ctx context.Context, conversationID string, limit int) (<-chan store.Snapshot, error)
}

// Prompt is one user turn. ImageURL is persisted with the message;
// ImageDataURI is only sent to the relay.
type Prompt struct {
	Text         string
	ImageURL     string
	ImageDataURI string
}

type Options struct {
	ConversationID string
	DisplayName    string
	PageSize       int
	ContextTurns   int
	// Outbox is optional; without it unsaved replies only live in memory.
	Outbox *Outbox
	// AppendRetries bounds the retries of the final assistant append.
	AppendRetries  uint64
	AppendInterval time.Duration
	Now            func() time.Time
}

func (o *Options) defaults() {
	if o.PageSize <= 0 {
		o.PageSize = store.DefaultPageSize
	}
	if o.ContextTurns <= 0 {
		o.ContextTurns = DefaultContextTurns
	}
	if o.AppendRetries == 0 {
		o.AppendRetries = 3
	}
	if o.AppendInterval <= 0 {
		o.AppendInterval = 250 * time.Millisecond
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Session is one open conversation view: the live tail, the older pages
// loaded so far, the pending slot and any unsaved replies. Open starts it,
// Close unsubscribes and aborts an in-flight turn.
type Session struct {
	store MessageStore
	relay Relayer
	opts  Options
	pager *pagination.Pager[store.Message]
	// retrying admits one RetryUnsaved at a time.
	retrying *semaphore.Weighted

	mu       sync.Mutex
	messages map[string]store.Message
	ctrl     Controller
	unsaved  []UnsavedReply
	welcome  Entry
	hasHead  bool
	liveErr  error
	opened   bool
	closed   bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	changes  chan struct{}
}

func NewSession(st MessageStore, rl Relayer, opts Options) *Session {
	opts.defaults()
	s := &Session{
		store:    st,
		relay:    rl,
		opts:     opts,
		messages: make(map[string]store.Message),
		changes:  make(chan struct{}, 1),
		retrying: semaphore.NewWeighted(1),
	}
	s.pager = pagination.NewPager(s.fetchOlder)
	s.welcome = welcomeEntry(opts.DisplayName, opts.Now())
	return s
}

func (s *Session) fetchOlder(ctx context.Context, cursor *pagination.Cursor) ([]store.Message, *pagination.Cursor, error) {
	page, err := s.store.Page(ctx, s.opts.ConversationID, cursor, s.opts.PageSize)
	if err != nil {
		return nil, nil, err
	}
	return page.Items, page.NextCursor, nil
}

// Open subscribes to the live tail and restores unsaved replies. ctx bounds
// the whole session.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.opened {
		s.mu.Unlock()
		return errors.New("session already opened")
	}
	s.opened = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	if s.opts.Outbox != nil {
		replies, err := s.opts.Outbox.List(s.opts.ConversationID)
		if err != nil {
			log.Warn().Err(err).Msg("could not read unsaved replies")
		}
		s.mu.Lock()
		s.unsaved = replies
		s.mu.Unlock()
	}

	snaps, err := s.store.SubscribeHead(s.ctx, s.opts.ConversationID, s.opts.PageSize)
	if err != nil {
		s.cancel()
		return fmt.Errorf("subscribe to conversation: %w", err)
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for snap := range snaps {
			s.applyHead(snap)
		}
	}()
	return nil
}

func (s *Session) applyHead(snap store.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap.Err != nil {
		s.liveErr = snap.Err
		s.notifyLocked()
		return
	}
	s.liveErr = nil
	s.hasHead = true
	for _, m := range snap.Items {
		s.messages[m.ID] = m
	}
	s.pager.Seed(pagination.Next(snap.Items), snap.HasMore)
	s.notifyLocked()
}

// Close ends the live tail, aborts a running turn and waits for both.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	close(s.changes)
}

// Changes signals, coalesced, that Timeline or State may have changed. It
// is closed by Close.
func (s *Session) Changes() <-chan struct{} {
	return s.changes
}

func (s *Session) notifyLocked() {
	if s.closed {
		return
	}
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

// begin registers a blocking operation so Close waits for it.
func (s *Session) begin(ctx context.Context) (context.Context, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened || s.closed {
		return nil, nil, ErrClosed
	}
	s.wg.Add(1)
	opCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	return opCtx, func() {
		stop()
		cancel()
		s.wg.Done()
	}, nil
}

// Timeline is the merged, de-duplicated view, oldest first.
func (s *Session) Timeline() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timelineLocked()
}

func (s *Session) timelineLocked() []Entry {
	persisted := make([]store.Message, 0, len(s.messages))
	for _, m := range s.messages {
		persisted = append(persisted, m)
	}
	unsaved := make([]Entry, 0, len(s.unsaved))
	for _, r := range s.unsaved {
		unsaved = append(unsaved, r.entry())
	}
	var welcome *Entry
	if s.hasHead {
		welcome = &s.welcome
	}
	return Merge(persisted, unsaved, s.ctrl.pending, welcome)
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctrl.State()
}

// Err is the failure that ended the last turn, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctrl.Err()
}

// LiveErr is set while the live tail is failing to recompute.
func (s *Session) LiveErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liveErr
}

func (s *Session) Unsaved() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.unsaved)
}

// HasMore reports whether older messages may still be loaded.
func (s *Session) HasMore() bool {
	return s.pager.Seeded() && s.pager.HasMore()
}

// LoadMore fetches the next older page. It returns false without fetching
// when a load is already running, the log is exhausted or the live tail
// has not delivered yet.
func (s *Session) LoadMore(ctx context.Context) (bool, error) {
	if !s.pager.Seeded() {
		return false, nil
	}
	ctx, done, err := s.begin(ctx)
	if err != nil {
		return false, err
	}
	defer done()

	items, loaded, err := s.pager.LoadMore(ctx)
	if err != nil || !loaded {
		return false, err
	}
	s.mu.Lock()
	for _, m := range items {
		s.messages[m.ID] = m
	}
	s.notifyLocked()
	s.mu.Unlock()
	return true, nil
}

// Send runs one full turn: append the user message, stream the reply into
// the pending slot and append it once finished. A turn already in flight
// makes it fail with ErrTurnInProgress. Nothing is appended for a failed
// generation.
func (s *Session) Send(ctx context.Context, p Prompt) error {
	p.Text = strings.TrimSpace(p.Text)
	if p.Text == "" {
		if p.ImageURL == "" && p.ImageDataURI == "" {
			return ErrEmptyPrompt
		}
		p.Text = imageOnlyPrompt
	}

	ctx, done, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer done()

	s.mu.Lock()
	turnID, err := s.ctrl.Begin(s.opts.Now())
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.notifyLocked()
	s.mu.Unlock()

	userMsg, err := s.store.Append(ctx, s.opts.ConversationID, store.Draft{
		Sender:    store.SenderUser,
		Text:      p.Text,
		ImageURL:  p.ImageURL,
		ClientKey: turnID + "/user",
	})
	if err != nil {
		return s.fail(err)
	}

	s.mu.Lock()
	s.messages[userMsg.ID] = *userMsg
	req := relay.Request{
		Prompt:       p.Text,
		Context:      BuildContext(s.timelineLocked(), userMsg.ID, s.opts.ContextTurns),
		ImageDataURI: p.ImageDataURI,
	}
	s.notifyLocked()
	s.mu.Unlock()

	stream, err := s.relay.Stream(ctx, req)
	if err != nil {
		return s.fail(err)
	}
	text, err := Consume(stream.All(), s.onToken)
	stream.Close()
	if err != nil {
		return s.fail(err)
	}

	reply, err := s.appendReply(ctx, text, turnID)
	if err != nil {
		return s.keepUnsaved(text, turnID, err)
	}

	s.mu.Lock()
	s.messages[reply.ID] = *reply
	s.ctrl.Complete()
	s.notifyLocked()
	s.mu.Unlock()
	return nil
}

func (s *Session) onToken(tok string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ctrl.Token(tok); err != nil {
		return
	}
	s.notifyLocked()
}

func (s *Session) fail(err error) error {
	log.Warn().Err(err).Str("conversation", s.opts.ConversationID).Msg("turn failed")
	s.mu.Lock()
	s.ctrl.Fail(err)
	s.notifyLocked()
	s.mu.Unlock()
	return err
}

// appendReply persists the assistant reply, retrying transient failures.
// Every attempt carries key, so an attempt whose response was lost after
// the store committed does not write the reply twice.
func (s *Session) appendReply(ctx context.Context, text, key string) (*store.Message, error) {
	var reply *store.Message
	op := func() error {
		msg, err := s.store.Append(ctx, s.opts.ConversationID, store.Draft{Sender: store.SenderAssistant, Text: text, ClientKey: key})
		if err != nil {
			if errors.Is(err, store.ErrEmptyText) || errors.Is(err, store.ErrBadSender) {
				return backoff.Permanent(err)
			}
			log.Debug().Err(err).Msg("retrying reply append")
			return err
		}
		reply = msg
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.AppendInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, s.opts.AppendRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return reply, nil
}

func (s *Session) keepUnsaved(text, key string, cause error) error {
	reply := UnsavedReply{
		ID:             newUnsavedID(),
		ClientKey:      key,
		ConversationID: s.opts.ConversationID,
		Text:           text,
		GeneratedAt:    s.opts.Now(),
		Reason:         cause.Error(),
	}
	if s.opts.Outbox != nil {
		if err := s.opts.Outbox.Put(reply); err != nil {
			log.Error().Err(err).Msg("could not write unsaved reply to outbox")
		}
	}
	err := fmt.Errorf("%w: %w", ErrNotSaved, cause)
	log.Error().Err(err).Str("conversation", s.opts.ConversationID).Int("text_len", len(text)).Msg("reply kept as unsaved")

	s.mu.Lock()
	s.unsaved = append(s.unsaved, reply)
	s.ctrl.Unsaved(err)
	s.notifyLocked()
	s.mu.Unlock()
	return err
}

// RetryUnsaved appends the unsaved replies in order, stopping at the first
// failure. A call while another retry runs returns immediately.
func (s *Session) RetryUnsaved(ctx context.Context) error {
	if !s.retrying.TryAcquire(1) {
		return nil
	}
	defer s.retrying.Release(1)

	ctx, done, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer done()

	for {
		s.mu.Lock()
		if len(s.unsaved) == 0 {
			if s.ctrl.State() == StateUnsaved {
				s.ctrl.Complete()
			}
			s.notifyLocked()
			s.mu.Unlock()
			return nil
		}
		next := s.unsaved[0]
		s.mu.Unlock()

		msg, err := s.store.Append(ctx, s.opts.ConversationID, store.Draft{Sender: store.SenderAssistant, Text: next.Text, ClientKey: next.key()})
		if err != nil {
			return fmt.Errorf("%w: %w", ErrNotSaved, err)
		}
		if s.opts.Outbox != nil {
			if err := s.opts.Outbox.Delete(s.opts.ConversationID, next.ID); err != nil {
				log.Error().Err(err).Msg("could not remove saved reply from outbox")
			}
		}

		s.mu.Lock()
		s.messages[msg.ID] = *msg
		s.unsaved = slices.DeleteFunc(s.unsaved, func(r UnsavedReply) bool { return r.ID == next.ID })
		s.mu.Unlock()
	}
}
