package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"gocalsync/backend"
	"gocalsync/internal/app"
	"gocalsync/internal/realtime"
)

const statusInterval = time.Second

// WatchOptions feeds the watch view.
type WatchOptions struct {
	CalendarID string
	// Entries is a live query of the calendar, e.g. Store.WatchEntries.
	Entries <-chan []backend.Entry
	// Status reads the current status.
	Status func(ctx context.Context) (app.Status, error)
	// Reconnect restarts the push-stream. May be nil.
	Reconnect func() error
	// Retry makes held operations eligible again. May be nil.
	Retry func(ctx context.Context) error
}

type entriesMsg struct {
	entries []backend.Entry
	ok      bool
}

type statusMsg struct {
	status app.Status
	err    error
}

type tickMsg time.Time

type actionMsg struct {
	notice string
	err    error
}

// watchModel is the bubbletea model for the live calendar view
type watchModel struct {
	opts     WatchOptions
	spinner  spinner.Model
	viewport viewport.Model
	entries  []backend.Entry
	status   app.Status
	err      error
	notice   string
	loaded   bool
	quitting bool
	width    int
	height   int
	now      func() time.Time
}

func newWatchModel(opts WatchOptions) watchModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = pendingStyle

	m := watchModel{
		opts:     opts,
		spinner:  sp,
		viewport: viewport.New(80, 18),
		width:    80,
		height:   24,
		now:      time.Now,
	}
	m.status.CalendarID = opts.CalendarID
	m.status.Realtime = realtime.StateDisconnected
	return m
}

// Init starts the spinner, the live query and the status poll
func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.waitForEntries(), m.fetchStatus(), tick())
}

func (m watchModel) waitForEntries() tea.Cmd {
	ch := m.opts.Entries
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		entries, ok := <-ch
		return entriesMsg{entries: entries, ok: ok}
	}
}

func (m watchModel) fetchStatus() tea.Cmd {
	fn := m.opts.Status
	if fn == nil {
		return nil
	}
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		st, err := fn(ctx)
		return statusMsg{status: st, err: err}
	}
}

func tick() tea.Cmd {
	return tea.Tick(statusInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m watchModel) reconnect() tea.Cmd {
	fn := m.opts.Reconnect
	if fn == nil {
		return func() tea.Msg { return actionMsg{notice: "Realtime is disabled"} }
	}
	return func() tea.Msg {
		if err := fn(); err != nil {
			return actionMsg{err: err}
		}
		return actionMsg{notice: "Reconnecting"}
	}
}

func (m watchModel) retry() tea.Cmd {
	fn := m.opts.Retry
	if fn == nil {
		return nil
	}
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := fn(ctx); err != nil {
			return actionMsg{err: err}
		}
		return actionMsg{notice: "Retrying queued operations"}
	}
}

// Update handles messages and updates watchModel state
func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.viewport.Width = msg.Width
		m.viewport.Height = max(msg.Height-6, 1)
		m.viewport.SetContent(m.renderEntries())
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc", "q":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, m.reconnect()
		case "u":
			return m, m.retry()
		}
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd

	case entriesMsg:
		if !msg.ok {
			m.notice = "Store closed"
			return m, nil
		}
		m.entries = msg.entries
		m.loaded = true
		m.viewport.SetContent(m.renderEntries())
		return m, m.waitForEntries()

	case statusMsg:
		m.err = msg.err
		if msg.err == nil {
			m.status = msg.status
		}
		return m, nil

	case tickMsg:
		return m, tea.Batch(m.fetchStatus(), tick())

	case actionMsg:
		m.err = msg.err
		m.notice = msg.notice
		return m, m.fetchStatus()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

// View renders the UI
func (m watchModel) View() string {
	if m.quitting {
		return ""
	}

	var s strings.Builder
	s.WriteString(titleStyle.Render("gocalsync · " + m.opts.CalendarID))
	s.WriteString("\n")
	s.WriteString(m.renderStatusLine())
	s.WriteString("\n\n")
	s.WriteString(m.viewport.View())
	s.WriteString("\n")
	if m.err != nil {
		s.WriteString(conflictStyle.Render("Error: " + m.err.Error()))
	} else if m.notice != "" {
		s.WriteString(dimStyle.Render(m.notice))
	}
	s.WriteString("\n")
	s.WriteString(dimStyle.Render("r: reconnect • u: retry queue • ↑/↓: scroll • q: quit"))
	return s.String()
}

func (m watchModel) renderStatusLine() string {
	st := m.status
	parts := []string{OnlineBadge(st.Online), RealtimeBadge(st.Realtime)}

	switch {
	case st.Syncing:
		parts = append(parts, m.spinner.View()+" syncing")
	case st.Pending > 0:
		q := fmt.Sprintf("%d queued", st.Pending)
		if !st.NextAttempt.IsZero() {
			q += ", retry " + FormatRelative(st.NextAttempt, m.now())
		}
		parts = append(parts, pendingStyle.Render(q))
	default:
		parts = append(parts, syncedStyle.Render("up to date"))
	}
	if st.Abandoned > 0 {
		parts = append(parts, conflictStyle.Render(fmt.Sprintf("%d held", st.Abandoned)))
	}
	if st.Conflicts > 0 {
		parts = append(parts, conflictStyle.Render(fmt.Sprintf("%d conflicts", st.Conflicts)))
	}
	return strings.Join(parts, dimStyle.Render(" │ "))
}

func (m watchModel) renderEntries() string {
	if !m.loaded {
		return dimStyle.Render("Loading...")
	}
	var lines []string
	for _, e := range m.entries {
		if e.Visible() {
			lines = append(lines, FormatEntry(e))
		}
	}
	if len(lines) == 0 {
		return dimStyle.Render("No entries")
	}
	return strings.Join(lines, "\n")
}

// RunWatch shows the live view until the user quits or ctx is done.
func RunWatch(ctx context.Context, opts WatchOptions) error {
	p := tea.NewProgram(newWatchModel(opts), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
