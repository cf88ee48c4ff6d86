package tui

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lucasmed.com/chat-engine/internal/client"
	"lucasmed.com/chat-engine/internal/store"
)

type fakeConversation struct {
	mu      sync.Mutex
	entries []client.Entry
	state   client.State
	sent    []client.Prompt
	loads   int
	retries int
	unsaved int
	changes chan struct{}
}

func newFakeConversation() *fakeConversation {
	return &fakeConversation{changes: make(chan struct{}, 1)}
}

func (f *fakeConversation) Timeline() []client.Entry { return f.entries }
func (f *fakeConversation) State() client.State      { return f.state }
func (f *fakeConversation) Err() error               { return nil }
func (f *fakeConversation) LiveErr() error           { return nil }
func (f *fakeConversation) Unsaved() int             { return f.unsaved }
func (f *fakeConversation) HasMore() bool            { return true }
func (f *fakeConversation) Changes() <-chan struct{} { return f.changes }

func (f *fakeConversation) Send(_ context.Context, p client.Prompt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, p)
	return nil
}

func (f *fakeConversation) LoadMore(context.Context) (bool, error) {
	f.loads++
	return true, nil
}

func (f *fakeConversation) RetryUnsaved(context.Context) error {
	f.retries++
	return nil
}

func typeLine(t *testing.T, m Model, line string) (Model, tea.Cmd) {
	t.Helper()
	var next tea.Model = m
	for _, r := range line {
		next, _ = next.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}})
	}
	next, cmd := next.Update(tea.KeyMsg{Type: tea.KeyEnter})
	return next.(Model), cmd
}

func TestEnterSendsPrompt(t *testing.T) {
	conv := newFakeConversation()
	m := New(context.Background(), conv, "LucasMed")

	m, cmd := typeLine(t, m, "I have a fever")
	require.NotNil(t, cmd)
	msg := cmd()
	assert.Equal(t, sendDoneMsg{}, msg)
	require.Len(t, conv.sent, 1)
	assert.Equal(t, "I have a fever", conv.sent[0].Text)
	assert.Empty(t, m.input.Value())
}

func TestEnterWhileStreamingKeepsInput(t *testing.T) {
	conv := newFakeConversation()
	conv.state = client.StateStreaming
	m := New(context.Background(), conv, "LucasMed")

	m, cmd := typeLine(t, m, "again")
	assert.Nil(t, cmd)
	assert.Empty(t, conv.sent)
	assert.Equal(t, "again", m.input.Value())
	assert.True(t, m.statusErr)
}

func TestCommands(t *testing.T) {
	conv := newFakeConversation()
	m := New(context.Background(), conv, "LucasMed")

	m, cmd := typeLine(t, m, "/more")
	require.NotNil(t, cmd)
	assert.Equal(t, loadDoneMsg{loaded: true}, cmd())
	assert.Equal(t, 1, conv.loads)

	_, cmd = typeLine(t, m, "/retry")
	require.NotNil(t, cmd)
	assert.Equal(t, retryDoneMsg{}, cmd())
	assert.Equal(t, 1, conv.retries)
}

func TestChangesRefreshTimeline(t *testing.T) {
	conv := newFakeConversation()
	m := New(context.Background(), conv, "LucasMed")
	next, _ := m.Update(tea.WindowSizeMsg{Width: 80, Height: 24})

	conv.entries = []client.Entry{{ID: "m1", Kind: client.EntryPersisted, Sender: store.SenderUser, Text: "hola"}}
	next, cmd := next.Update(changedMsg{})
	assert.NotNil(t, cmd)
	assert.Contains(t, next.View(), "hola")

	close(conv.changes)
	_, cmd = next.Update(closedMsg{})
	require.NotNil(t, cmd)
	assert.Equal(t, tea.QuitMsg{}, cmd())
}

func TestRenderMarksEntryKinds(t *testing.T) {
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	out := render([]client.Entry{
		{ID: "m1", Kind: client.EntryPersisted, Sender: store.SenderUser, Text: "look", ImageURL: "https://img/x.png", CreatedAt: at},
		{ID: "unsaved-1", Kind: client.EntryUnsaved, Sender: store.SenderAssistant, Text: "kept", CreatedAt: at.Add(time.Second)},
		{ID: "pending-1", Kind: client.EntryPending, Sender: store.SenderAssistant, Text: "stream", CreatedAt: at.Add(2 * time.Second)},
	}, client.StateStreaming, newTheme(), 80)

	assert.Contains(t, out, "You")
	assert.Contains(t, out, "[image: https://img/x.png]")
	assert.Contains(t, out, "(not saved)")
	assert.Less(t, strings.Index(out, "look"), strings.Index(out, "kept"))
	assert.Less(t, strings.Index(out, "kept"), strings.Index(out, "stream"))
}

func TestParsePrompt(t *testing.T) {
	p, err := ParsePrompt("plain question")
	require.NoError(t, err)
	assert.Equal(t, client.Prompt{Text: "plain question"}, p)

	p, err = ParsePrompt("/image https://img/x.png what is this?")
	require.NoError(t, err)
	assert.Equal(t, client.Prompt{Text: "what is this?", ImageURL: "https://img/x.png"}, p)

	dir := t.TempDir()
	png := filepath.Join(dir, "rash.png")
	require.NoError(t, os.WriteFile(png, []byte("\x89PNG\r\n\x1a\n0000"), 0o600))
	p, err = ParsePrompt("/image " + png)
	require.NoError(t, err)
	assert.Empty(t, p.Text)
	assert.Equal(t, "file://"+png, p.ImageURL)
	assert.True(t, strings.HasPrefix(p.ImageDataURI, "data:image/png;base64,"))

	txt := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(txt, []byte("hello"), 0o600))
	_, err = ParsePrompt("/image " + txt)
	assert.Error(t, err)

	_, err = ParsePrompt("/image " + filepath.Join(dir, "missing.png"))
	assert.Error(t, err)
}
