package ui

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/SeeSoRuFree/careerly-v2-sub001/internal/logging"
	"github.com/SeeSoRuFree/careerly-v2-sub001/internal/session"
	"github.com/SeeSoRuFree/careerly-v2-sub001/internal/stream"
	"github.com/SeeSoRuFree/careerly-v2-sub001/internal/transcript"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
)

type (
	eventMsg      stream.StreamEvent
	streamEndMsg  struct{}
	connectedMsg  struct{}
	connectErrMsg struct{ err error }
)

// AnswerModel shows one streaming answer: a spinner until the first event,
// the answer text as tokens arrive, then the markdown-rendered answer.
type AnswerModel struct {
	ctx      context.Context
	sess     *session.Session
	question string

	styles   Styles
	spinner  spinner.Model
	viewport viewport.Model
	renderer *glamour.TermRenderer
	width    int

	answer    string
	rendered  string
	citations []stream.Citation
	profile   json.RawMessage
	state     session.State
	err       error
	retries   int
	quitting  bool
}

// NewAnswerModel creates the model for sess. The session is connected by
// Init; the model disconnects it on quit.
func NewAnswerModel(ctx context.Context, sess *session.Session, question string, styles Styles) AnswerModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = styles.Spinner

	vp := viewport.New(80, 20)
	vp.SetContent("")

	return AnswerModel{
		ctx:      ctx,
		sess:     sess,
		question: question,
		styles:   styles,
		spinner:  sp,
		viewport: vp,
		renderer: newRenderer(styles.Theme, 78),
		width:    80,
		state:    sess.State(),
	}
}

func newRenderer(theme Theme, wrap int) *glamour.TermRenderer {
	var (
		r   *glamour.TermRenderer
		err error
	)
	if theme.IsDark {
		r, err = glamour.NewTermRenderer(glamour.WithStandardStyle("dark"), glamour.WithWordWrap(wrap))
	} else {
		r, err = glamour.NewTermRenderer(glamour.WithStandardStyle("light"), glamour.WithWordWrap(wrap))
	}
	if err != nil {
		logging.Get(logging.CategoryUI).Warn("markdown renderer unavailable: %v", err)
		return nil
	}
	return r
}

// Init starts the session and the spinner.
func (m AnswerModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, connect(m.ctx, m.sess))
}

func connect(ctx context.Context, s *session.Session) tea.Cmd {
	return func() tea.Msg {
		if err := s.Connect(ctx); err != nil {
			return connectErrMsg{err}
		}
		return connectedMsg{}
	}
}

// waitForEvent pulls the next event off the session.
func waitForEvent(ctx context.Context, s *session.Session) tea.Cmd {
	return func() tea.Msg {
		ev, ok := s.Next(ctx)
		if !ok {
			return streamEndMsg{}
		}
		return eventMsg(ev)
	}
}

// Update handles keys, session events and spinner ticks.
func (m AnswerModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.sess.Disconnect()
			m.quitting = true
			return m, tea.Quit
		case "r":
			if m.state != session.StateFailed {
				return m, nil
			}
			logging.Get(logging.CategoryUI).Info("retrying %q", m.question)
			m.sess.Reset()
			m.reset()
			m.retries++
			return m, tea.Batch(m.spinner.Tick, connect(m.ctx, m.sess))
		}
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.viewport.Width = msg.Width
		m.viewport.Height = max(msg.Height-8, 5)
		m.renderer = newRenderer(m.styles.Theme, max(msg.Width-2, 20))
		if m.state == session.StateClosed {
			m.rendered = m.renderMarkdown()
		}
		m.refresh()
		return m, nil

	case connectedMsg:
		m.state = m.sess.State()
		return m, waitForEvent(m.ctx, m.sess)

	case connectErrMsg:
		m.state = session.StateFailed
		m.err = msg.err
		return m, nil

	case eventMsg:
		m.apply(stream.StreamEvent(msg))
		m.state = m.sess.State()
		m.refresh()
		return m, waitForEvent(m.ctx, m.sess)

	case streamEndMsg:
		m.state = m.sess.State()
		m.err = m.sess.Err()
		if m.state == session.StateClosed {
			m.rendered = m.renderMarkdown()
		}
		m.refresh()
		return m, nil

	case spinner.TickMsg:
		if m.state.Terminal() {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *AnswerModel) apply(ev stream.StreamEvent) {
	switch ev.Kind {
	case stream.KindToken:
		m.answer += ev.Content
	case stream.KindCitation:
		if ev.Citation != nil {
			c := *ev.Citation
			c.Title = transcript.CleanTitle(c.Title)
			m.citations = append(m.citations, c)
		}
	case stream.KindProfileSummary:
		m.profile = ev.Profile
	case stream.KindError:
		m.err = ev.Error()
	}
}

func (m *AnswerModel) reset() {
	m.answer = ""
	m.rendered = ""
	m.citations = nil
	m.profile = nil
	m.err = nil
	m.state = session.StateIdle
	m.viewport.SetContent("")
}

func (m *AnswerModel) refresh() {
	body := m.rendered
	if body == "" && m.answer != "" {
		body = m.styles.Answer.Width(max(m.width-4, 20)).Render(m.answer)
	}
	m.viewport.SetContent(body)
	m.viewport.GotoBottom()
}

func (m AnswerModel) renderMarkdown() string {
	if m.renderer == nil || m.answer == "" {
		return ""
	}
	out, err := m.renderer.Render(m.answer)
	if err != nil {
		logging.Get(logging.CategoryUI).Warn("render answer: %v", err)
		return ""
	}
	return strings.TrimRight(out, "\n")
}

// View renders the model.
func (m AnswerModel) View() string {
	var b strings.Builder
	b.WriteString(m.styles.Header.Render("careerly"))
	b.WriteString("\n\n")
	b.WriteString(m.styles.Question.Render("Q. " + m.question))
	b.WriteString("\n")

	switch {
	case m.quitting:
	case m.state == session.StateIdle, m.state == session.StateConnecting:
		b.WriteString(m.spinner.View() + " " + m.styles.Muted.Render("connecting..."))
		b.WriteString("\n")
	case m.state == session.StateOpen:
		b.WriteString(m.spinner.View() + " " + m.styles.Muted.Render("answering..."))
		b.WriteString("\n")
	}

	b.WriteString(m.viewport.View())
	b.WriteString("\n")

	if len(m.citations) > 0 {
		b.WriteString("\n")
		for i, c := range m.citations {
			b.WriteString(m.styles.Citation.Render(fmt.Sprintf("[%d] %s", i+1, citationLabel(c))))
			if c.URL != "" {
				b.WriteString(" " + m.styles.Link.Render(c.URL))
			}
			b.WriteString("\n")
		}
	}
	if p := FormatProfile(m.profile); p != "" {
		b.WriteString(m.styles.Profile.Render("profile: "+p) + "\n")
	}

	switch {
	case m.quitting:
	case m.state == session.StateClosed:
		b.WriteString(m.styles.Success.Render("done") + "\n")
		b.WriteString(m.styles.Footer.Render("q quit"))
	case m.state == session.StateFailed:
		msg := "failed"
		if m.err != nil {
			msg = "failed: " + m.err.Error()
		}
		b.WriteString(m.styles.Error.Render(msg) + "\n")
		b.WriteString(m.styles.Footer.Render("r retry · q quit"))
	default:
		b.WriteString(m.styles.Footer.Render("q stop"))
	}
	return b.String()
}

// State returns the last observed session state.
func (m AnswerModel) State() session.State { return m.state }

// Answer returns the answer text received so far.
func (m AnswerModel) Answer() string { return m.answer }

func citationLabel(c stream.Citation) string {
	switch {
	case c.Title != "":
		return c.Title
	case c.ID != "":
		return c.ID
	default:
		return "source"
	}
}

// FormatProfile renders a profile snapshot as "key: value" pairs sorted by
// key. Non-object snapshots are returned verbatim.
func FormatProfile(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return string(raw)
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		switch v := fields[k].(type) {
		case []any:
			items := make([]string, 0, len(v))
			for _, item := range v {
				items = append(items, fmt.Sprint(item))
			}
			parts = append(parts, fmt.Sprintf("%s: %s", k, strings.Join(items, ", ")))
		case map[string]any, nil:
			continue
		default:
			parts = append(parts, fmt.Sprintf("%s: %v", k, v))
		}
	}
	return strings.Join(parts, " · ")
}
