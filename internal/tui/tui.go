// Package tui is the terminal conversation view. It renders a Session's
// merged timeline and drives sends, older-page loads and unsaved retries.
package tui

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"lucasmed.com/chat-engine/internal/client"
	"lucasmed.com/chat-engine/internal/store"
)

// maxImageBytes bounds a local image attached with /image.
const maxImageBytes = 10 << 20

// Conversation is the part of client.Session the view drives.
type Conversation interface {
	Timeline() []client.Entry
	State() client.State
	Err() error
	LiveErr() error
	Unsaved() int
	HasMore() bool
	Changes() <-chan struct{}
	Send(ctx context.Context, p client.Prompt) error
	LoadMore(ctx context.Context) (bool, error)
	RetryUnsaved(ctx context.Context) error
}

type (
	changedMsg  struct{}
	closedMsg   struct{}
	sendDoneMsg struct{ err error }
	loadDoneMsg struct {
		loaded bool
		err    error
	}
	retryDoneMsg struct{ err error }
)

type theme struct {
	header    lipgloss.Style
	user      lipgloss.Style
	assistant lipgloss.Style
	pending   lipgloss.Style
	unsaved   lipgloss.Style
	muted     lipgloss.Style
	status    lipgloss.Style
	errStatus lipgloss.Style
}

func newTheme() theme {
	blue := lipgloss.Color("#01cdfe")
	mint := lipgloss.Color("#05ffa1")
	pink := lipgloss.Color("#ff71ce")
	amber := lipgloss.Color("#ffd166")
	muted := lipgloss.Color("#9ca3d8")

	return theme{
		header: lipgloss.NewStyle().
			Bold(true).
			Foreground(blue).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(blue).
			Padding(0, 1),
		user:      lipgloss.NewStyle().Foreground(mint).Bold(true),
		assistant: lipgloss.NewStyle().Foreground(blue).Bold(true),
		pending:   lipgloss.NewStyle().Foreground(muted).Italic(true),
		unsaved:   lipgloss.NewStyle().Foreground(amber).Bold(true),
		muted:     lipgloss.NewStyle().Foreground(muted),
		status:    lipgloss.NewStyle().Foreground(blue),
		errStatus: lipgloss.NewStyle().Foreground(pink).Bold(true),
	}
}

type Model struct {
	conv  Conversation
	ctx   context.Context
	title string

	input    textinput.Model
	timeline viewport.Model
	spinner  spinner.Model
	theme    theme

	width, height int
	status        string
	statusErr     bool
	loading       bool
}

// New builds the view. ctx bounds every operation the view starts.
func New(ctx context.Context, conv Conversation, title string) Model {
	input := textinput.New()
	input.Prompt = "❯ "
	input.CharLimit = 4000
	input.Placeholder = "Describe your symptoms. /image <path|url> [question], /more, /retry, esc to quit"
	input.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#05ffa1"))

	timeline := viewport.New(0, 0)
	timeline.MouseWheelEnabled = true

	return Model{
		conv:     conv,
		ctx:      ctx,
		title:    title,
		input:    input,
		timeline: timeline,
		spinner:  sp,
		theme:    newTheme(),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.spinner.Tick, waitChange(m.conv.Changes()))
}

func waitChange(ch <-chan struct{}) tea.Cmd {
	return func() tea.Msg {
		if _, ok := <-ch; !ok {
			return closedMsg{}
		}
		return changedMsg{}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.input.Width = max(msg.Width-4, 10)
		m.timeline.Width = msg.Width
		m.timeline.Height = max(msg.Height-6, 3)
		m.refresh(true)

	case changedMsg:
		m.refresh(m.timeline.AtBottom())
		cmds = append(cmds, waitChange(m.conv.Changes()))

	case closedMsg:
		return m, tea.Quit

	case sendDoneMsg:
		m.setResult(msg.err, "")

	case loadDoneMsg:
		m.loading = false
		switch {
		case msg.err != nil:
			m.setResult(msg.err, "")
		case !msg.loaded && !m.conv.HasMore():
			m.setResult(nil, "Beginning of conversation")
		}

	case retryDoneMsg:
		m.setResult(msg.err, "Unsaved replies saved")

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit
		case "enter":
			cmd := m.submit()
			return m, cmd
		case "pgup", "pgdown":
			// The viewport's other bindings are letters, which belong to the input.
			if msg.String() == "pgup" && m.timeline.AtTop() {
				cmds = append(cmds, m.loadMore())
			}
			var cmd tea.Cmd
			m.timeline, cmd = m.timeline.Update(msg)
			return m, tea.Batch(append(cmds, cmd)...)
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)
		return m, tea.Batch(cmds...)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.timeline, cmd = m.timeline.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m *Model) setResult(err error, ok string) {
	switch {
	case err == nil:
		m.status, m.statusErr = ok, false
	case errors.Is(err, context.Canceled):
		m.status, m.statusErr = "", false
	default:
		m.status, m.statusErr = err.Error(), true
	}
}

func (m *Model) refresh(toBottom bool) {
	m.timeline.SetContent(render(m.conv.Timeline(), m.conv.State(), m.theme, m.width))
	if toBottom {
		m.timeline.GotoBottom()
	}
}

func (m *Model) loadMore() tea.Cmd {
	if m.loading {
		return nil
	}
	m.loading = true
	conv, ctx := m.conv, m.ctx
	return func() tea.Msg {
		loaded, err := conv.LoadMore(ctx)
		return loadDoneMsg{loaded: loaded, err: err}
	}
}

// submit handles the input line. Commands start with a slash; anything else
// is a prompt. A prompt typed while a reply is streaming stays in the input.
func (m *Model) submit() tea.Cmd {
	line := strings.TrimSpace(m.input.Value())
	switch {
	case line == "":
		return nil
	case line == "/more":
		m.input.Reset()
		return m.loadMore()
	case line == "/retry":
		m.input.Reset()
		conv, ctx := m.conv, m.ctx
		return func() tea.Msg { return retryDoneMsg{err: conv.RetryUnsaved(ctx)} }
	}

	if m.conv.State().InFlight() {
		m.setResult(client.ErrTurnInProgress, "")
		return nil
	}
	prompt, err := ParsePrompt(line)
	if err != nil {
		m.setResult(err, "")
		return nil
	}

	m.input.Reset()
	m.status, m.statusErr = "", false
	conv, ctx := m.conv, m.ctx
	return func() tea.Msg { return sendDoneMsg{err: conv.Send(ctx, prompt)} }
}

// ParsePrompt turns an input line into a Prompt. `/image <ref> [text]`
// attaches an image: an http(s) URL is stored as the image reference, a
// local file is also inlined as a data URI for the model.
func ParsePrompt(line string) (client.Prompt, error) {
	rest, ok := strings.CutPrefix(line, "/image ")
	if !ok {
		return client.Prompt{Text: line}, nil
	}
	ref, text, _ := strings.Cut(strings.TrimSpace(rest), " ")
	p := client.Prompt{Text: strings.TrimSpace(text)}

	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		p.ImageURL = ref
		return p, nil
	}

	path, err := filepath.Abs(ref)
	if err != nil {
		return p, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return p, fmt.Errorf("attach image: %w", err)
	}
	if info.Size() > maxImageBytes {
		return p, fmt.Errorf("attach image: %s is larger than %d MB", ref, maxImageBytes>>20)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("attach image: %w", err)
	}
	mime := http.DetectContentType(raw)
	if !strings.HasPrefix(mime, "image/") {
		return p, fmt.Errorf("attach image: %s is not an image (%s)", ref, mime)
	}
	p.ImageURL = "file://" + path
	p.ImageDataURI = "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(raw)
	return p, nil
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(m.theme.header.Render(m.title))
	b.WriteString("\n")
	b.WriteString(m.timeline.View())
	b.WriteString("\n")
	b.WriteString(m.input.View())
	b.WriteString("\n")
	b.WriteString(m.statusLine())
	return b.String()
}

func (m Model) statusLine() string {
	if m.status != "" {
		if m.statusErr {
			return m.theme.errStatus.Render(m.status)
		}
		return m.theme.status.Render(m.status)
	}

	var parts []string
	state := m.conv.State()
	switch {
	case state.InFlight():
		parts = append(parts, m.spinner.View()+" "+state.String())
	case state == client.StateFailed && m.conv.Err() != nil:
		return m.theme.errStatus.Render("Reply failed: " + m.conv.Err().Error())
	}
	if n := m.conv.Unsaved(); n > 0 {
		parts = append(parts, m.theme.unsaved.Render(fmt.Sprintf("%d unsaved (/retry)", n)))
	}
	if err := m.conv.LiveErr(); err != nil {
		parts = append(parts, m.theme.errStatus.Render("live updates interrupted"))
	}
	if m.loading {
		parts = append(parts, "loading older messages")
	} else if m.conv.HasMore() {
		parts = append(parts, m.theme.muted.Render("pgup at top for older"))
	}
	return strings.Join(parts, " · ")
}

// render draws the timeline oldest first.
func render(entries []client.Entry, state client.State, th theme, width int) string {
	wrap := lipgloss.NewStyle()
	if width > 4 {
		wrap = wrap.Width(width - 2)
	}

	var b strings.Builder
	for i, e := range entries {
		if i > 0 {
			b.WriteString("\n")
		}
		label := th.assistant.Render("LucasMed")
		if e.Sender == store.SenderUser {
			label = th.user.Render("You")
		}
		text := e.Text
		switch e.Kind {
		case client.EntryPending:
			text = th.pending.Render(text)
		case client.EntryUnsaved:
			label += " " + th.unsaved.Render("(not saved)")
		}
		if e.ImageURL != "" {
			text += "\n" + th.muted.Render("[image: "+e.ImageURL+"]")
		}
		b.WriteString(label)
		b.WriteString("\n")
		b.WriteString(wrap.Render(text))
		b.WriteString("\n")
	}
	if len(entries) == 0 && !state.InFlight() {
		b.WriteString(th.muted.Render("Loading conversation…"))
	}
	return b.String()
}

// Run starts the program on the terminal and blocks until the user quits.
func Run(ctx context.Context, conv Conversation, title string) error {
	p := tea.NewProgram(New(ctx, conv, title), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
