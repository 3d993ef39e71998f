package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"gocalsync/backend"
	"gocalsync/internal/app"
	"gocalsync/internal/realtime"
)

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	borderStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("36"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	syncedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	pendingStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	conflictStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
)

// GetTerminalWidth returns the current terminal width, defaulting to 80 if unable to detect
func GetTerminalWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		// Default to 80 if we can't detect terminal size
		return 80
	}
	return width
}

// IsTerminal reports whether stdout is attached to a terminal.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func clampWidth(w int) int {
	w -= 2
	if w < 40 {
		return 40
	}
	if w > 100 {
		return 100
	}
	return w
}

// StatusBadge renders an entry's sync state.
func StatusBadge(e backend.Entry) string {
	switch e.SyncStatus {
	case backend.StatusPending:
		return pendingStyle.Render("⟳ " + string(e.PendingOperation))
	case backend.StatusConflict:
		return conflictStyle.Render("! conflict")
	}
	return syncedStyle.Render("✓")
}

// FormatEntry renders one entry on a single line.
func FormatEntry(e backend.Entry) string {
	var b strings.Builder
	b.WriteString(e.StartDate)
	switch {
	case e.StartTime != "" && e.EndTime != "":
		fmt.Fprintf(&b, " %s-%s", e.StartTime, e.EndTime)
	case e.StartTime != "":
		b.WriteString(" " + e.StartTime)
	default:
		b.WriteString("      ")
	}

	title := e.Title
	if e.IsTask {
		mark := "[ ]"
		if e.Completed {
			mark = "[x]"
		}
		title = mark + " " + title
	}
	if e.MultiDay {
		title += dimStyle.Render(" → " + e.EndDate)
	}
	fmt.Fprintf(&b, "  %-40s %s", title, StatusBadge(e))
	if e.SyncStatus == backend.StatusConflict && e.LastSyncError != "" {
		b.WriteString(dimStyle.Render("  " + e.LastSyncError))
	}
	return b.String()
}

// ShowEntries writes a bordered list of a calendar's visible entries.
func ShowEntries(w io.Writer, calendarID string, entries []backend.Entry, width int) {
	borderWidth := clampWidth(width)

	headerText := fmt.Sprintf("─ %s ", calendarID)
	headerPadding := borderWidth - lipgloss.Width(headerText)
	if headerPadding < 0 {
		headerPadding = 0
	}
	fmt.Fprintln(w, borderStyle.Render("┌"+headerText+strings.Repeat("─", headerPadding)+"┐"))

	shown := 0
	for _, e := range entries {
		if !e.Visible() {
			continue
		}
		shown++
		fmt.Fprintf(w, "  %s  %s\n", dimStyle.Render(shortID(e.ID)), FormatEntry(e))
	}
	if shown == 0 {
		fmt.Fprintln(w, dimStyle.Render("  No entries"))
	}

	fmt.Fprintln(w, borderStyle.Render("└"+strings.Repeat("─", borderWidth)+"┘"))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return fmt.Sprintf("%-8s", id)
}

// OnlineBadge renders reachability.
func OnlineBadge(online bool) string {
	if online {
		return syncedStyle.Render("● online")
	}
	return conflictStyle.Render("○ offline")
}

// RealtimeBadge renders the push-stream state.
func RealtimeBadge(s realtime.State) string {
	switch s {
	case realtime.StateConnected:
		return syncedStyle.Render("live")
	case realtime.StateConnecting:
		return pendingStyle.Render("connecting")
	case realtime.StateError:
		return conflictStyle.Render("stream error")
	}
	return dimStyle.Render("not streaming")
}

// ShowStatus writes a status summary.
func ShowStatus(w io.Writer, st app.Status, now time.Time) {
	fmt.Fprintln(w, titleStyle.Render("Calendar "+st.CalendarID))
	fmt.Fprintf(w, "  Server:     %s\n", OnlineBadge(st.Online))
	fmt.Fprintf(w, "  Stream:     %s\n", RealtimeBadge(st.Realtime))
	if st.RealtimeError != "" {
		fmt.Fprintf(w, "              %s\n", dimStyle.Render(st.RealtimeError))
	}
	fmt.Fprintf(w, "  Entries:    %d\n", st.Entries)

	pending := fmt.Sprintf("%d", st.Pending)
	if st.Abandoned > 0 {
		pending += conflictStyle.Render(fmt.Sprintf(" (%d held after repeated failures)", st.Abandoned))
	}
	fmt.Fprintf(w, "  Queued:     %s\n", pending)
	if !st.NextAttempt.IsZero() {
		fmt.Fprintf(w, "  Next retry: %s\n", FormatRelative(st.NextAttempt, now))
	}
	if st.Conflicts > 0 {
		fmt.Fprintf(w, "  Conflicts:  %s\n", conflictStyle.Render(fmt.Sprintf("%d", st.Conflicts)))
	}
	if st.LastError != "" {
		fmt.Fprintf(w, "  Last error: %s\n", st.LastError)
	}
	if st.LastEventID != "" {
		fmt.Fprintf(w, "  Cursor:     %s\n", st.LastEventID)
	}
	if st.LastFullSync != nil {
		fmt.Fprintf(w, "  Full sync:  %s\n", FormatRelative(*st.LastFullSync, now))
	}
}

// ShowQueue writes the pending operations, oldest first.
func ShowQueue(w io.Writer, ops []backend.PendingOperation, maxRetries int, now time.Time) {
	if len(ops) == 0 {
		fmt.Fprintln(w, dimStyle.Render("Queue is empty"))
		return
	}
	for i, op := range ops {
		fmt.Fprintf(w, "%3d. %-6s %s", i+1, op.Operation, shortID(op.EntryID))
		if op.Payload != nil {
			fmt.Fprintf(w, "  %s", op.Payload.Title)
		}
		switch {
		case maxRetries > 0 && op.RetryCount >= maxRetries:
			fmt.Fprint(w, conflictStyle.Render(fmt.Sprintf("  held after %d attempts", op.RetryCount)))
		case op.RetryCount > 0:
			fmt.Fprint(w, pendingStyle.Render(fmt.Sprintf("  %d failed, retry %s", op.RetryCount, FormatRelative(op.NextAttemptAt, now))))
		}
		fmt.Fprintln(w)
		if op.LastError != "" {
			fmt.Fprintf(w, "     %s\n", dimStyle.Render(op.LastError))
		}
	}
}

// FormatRelative renders t relative to now, e.g. "in 2m" or "5s ago".
func FormatRelative(t, now time.Time) string {
	if t.IsZero() {
		return "now"
	}
	d := t.Sub(now)
	suffix := ""
	prefix := "in "
	if d < 0 {
		d = -d
		prefix, suffix = "", " ago"
	}
	if d < time.Second {
		return "now"
	}
	var s string
	switch {
	case d < time.Minute:
		s = fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		s = fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 48*time.Hour:
		s = fmt.Sprintf("%dh", int(d.Hours()))
	default:
		s = fmt.Sprintf("%dd", int(d.Hours()/24))
	}
	return prefix + s + suffix
}
