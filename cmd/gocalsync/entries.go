package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"gocalsync/backend"
	"gocalsync/internal/cli"
	gosync "gocalsync/internal/sync"
	"gocalsync/internal/utils"
)

// entryFlags are the content flags shared by add and edit.
type entryFlags struct {
	date        string
	endDate     string
	start       string
	end         string
	allDay      bool
	task        bool
	done        bool
	description string
	location    string
	color       string
	noSync      bool
}

func (f *entryFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.date, "date", "d", "", "Start date: YYYY-MM-DD or a phrase like 'tomorrow'")
	cmd.Flags().StringVar(&f.endDate, "end-date", "", "Last day of a multi-day entry")
	cmd.Flags().StringVar(&f.start, "start", "", "Start time (HH:MM)")
	cmd.Flags().StringVar(&f.end, "end", "", "End time (HH:MM)")
	cmd.Flags().BoolVar(&f.allDay, "all-day", false, "Clear start and end times")
	cmd.Flags().BoolVar(&f.task, "task", false, "Make the entry a task")
	cmd.Flags().BoolVar(&f.done, "done", false, "Mark the task completed")
	cmd.Flags().StringVar(&f.description, "description", "", "Description")
	cmd.Flags().StringVar(&f.location, "location", "", "Location")
	cmd.Flags().StringVar(&f.color, "color", "", "Color")
	cmd.Flags().BoolVar(&f.noSync, "no-sync", false, "Only queue the change; do not contact the server")
}

// apply copies the flags the user set onto p.
func (f *entryFlags) apply(cmd *cobra.Command, p *backend.EntryPayload, now time.Time) error {
	fl := cmd.Flags()

	if fl.Changed("date") {
		d, err := utils.ParseDateFlag(f.date, now)
		if err != nil {
			return err
		}
		if !fl.Changed("end-date") && p.EndDate == p.StartDate {
			p.EndDate = d
		}
		p.StartDate = d
	}
	if fl.Changed("end-date") {
		d, err := utils.ParseDateFlag(f.endDate, now)
		if err != nil {
			return err
		}
		p.EndDate = d
	}
	if fl.Changed("start") {
		t, err := utils.ParseTimeFlag(f.start)
		if err != nil {
			return err
		}
		p.StartTime = t
	}
	if fl.Changed("end") {
		t, err := utils.ParseTimeFlag(f.end)
		if err != nil {
			return err
		}
		p.EndTime = t
	}
	if f.allDay {
		p.StartTime, p.EndTime = "", ""
		p.AllDay = true
	}
	if fl.Changed("task") {
		p.IsTask = f.task
	}
	if fl.Changed("done") {
		p.Completed = f.done
	}
	if fl.Changed("description") {
		p.Description = f.description
	}
	if fl.Changed("location") {
		p.Location = f.location
	}
	if fl.Changed("color") {
		p.Color = f.color
	}
	return nil
}

// resolveEntryID finds the entry whose id starts with prefix.
func resolveEntryID(ctx context.Context, e *env, prefix string) (string, error) {
	entries, err := e.session.Store().ListEntries(ctx, e.calendarID)
	if err != nil {
		return "", err
	}
	var matches []string
	for _, entry := range entries {
		if entry.ID == prefix {
			return entry.ID, nil
		}
		if strings.HasPrefix(entry.ID, prefix) {
			matches = append(matches, entry.ID)
		}
	}
	switch len(matches) {
	case 0:
		return "", utils.ErrEntryNotFound(prefix)
	case 1:
		return matches[0], nil
	}
	return "", utils.WrapWithSuggestion(
		fmt.Errorf("id prefix '%s' matches %d entries", prefix, len(matches)),
		"Type more characters of the id")
}

// pushNow tries to send queued writes right away. An unreachable server is
// not an error: the writes stay queued.
func pushNow(ctx context.Context, w io.Writer, e *env, engine *gosync.Engine) error {
	pctx, cancel := context.WithTimeout(ctx, e.cfg.Sync.PingTimeout)
	err := e.session.Transport().Ping(pctx)
	cancel()
	if err != nil {
		e.log.Debug("Ping failed: %v", err)
		fmt.Fprintln(w, "Server unreachable; the change is queued and will be sent later")
		return nil
	}

	res, err := engine.Flush(ctx)
	if err != nil {
		return err
	}
	switch {
	case res.Rejected > 0:
		fmt.Fprintln(w, "The server rejected the change; see 'gocalsync list' for the conflict")
	case res.Failed > 0:
		fmt.Fprintln(w, "Sending failed; the change stays queued")
	case res.Completed > 0:
		fmt.Fprintln(w, "Synced")
	}
	return nil
}

func listEntriesFunc(opts *rootOptions, cmd *cobra.Command) func() ([]backend.Entry, error) {
	return func() ([]backend.Entry, error) {
		e, err := opts.setup(cmd.Context(), false)
		if err != nil {
			return nil, err
		}
		defer e.Close()
		return e.session.Store().ListEntries(cmd.Context(), e.calendarID)
	}
}

func newListCmd(opts *rootOptions) *cobra.Command {
	var from, to string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the calendar's entries",
		Long: `List entries from the local copy, including changes not yet sent.

Examples:
  gocalsync list
  gocalsync list --from today --to "next friday"
  gocalsync list -o json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := opts.setup(ctx, opts.verbose)
			if err != nil {
				return err
			}
			defer e.Close()

			now := time.Now()
			fromDate, err := utils.ParseDateFlag(from, now)
			if err != nil {
				return err
			}
			toDate, err := utils.ParseDateFlag(to, now)
			if err != nil {
				return err
			}

			entries, err := e.session.Store().ListEntries(ctx, e.calendarID)
			if err != nil {
				return err
			}
			visible := make([]backend.Entry, 0, len(entries))
			for _, entry := range entries {
				if !entry.Visible() {
					continue
				}
				// Dates are YYYY-MM-DD, so string order is date order.
				if fromDate != "" && entry.EndDate < fromDate {
					continue
				}
				if toDate != "" && entry.StartDate > toDate {
					continue
				}
				visible = append(visible, entry)
			}

			return opts.render(cmd, visible, func(w io.Writer) error {
				cli.ShowEntries(w, e.calendarID, visible, cli.GetTerminalWidth())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "Only entries ending on or after this date")
	cmd.Flags().StringVar(&to, "to", "", "Only entries starting on or before this date")
	return cmd
}

func newAddCmd(opts *rootOptions) *cobra.Command {
	flags := &entryFlags{}

	cmd := &cobra.Command{
		Use:   "add <title>",
		Short: "Add an entry",
		Long: `Add an entry. It is saved locally at once and sent to the server when it
is reachable.

Examples:
  gocalsync add "Lunch with Sam" --date tomorrow --start 12:00 --end 13:00
  gocalsync add "Conference" --date 2026-03-02 --end-date 2026-03-04
  gocalsync add "Pay rent" --task --date "next monday"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := opts.setup(ctx, opts.verbose)
			if err != nil {
				return err
			}
			defer e.Close()

			now := time.Now()
			p := backend.EntryPayload{
				CalendarID: e.calendarID,
				Title:      strings.Join(args, " "),
				StartDate:  now.Format(backend.DateLayout),
			}
			if err := flags.apply(cmd, &p, now); err != nil {
				return err
			}

			engine := e.session.NewEngine(e.calendarID)
			entry, err := engine.CreateEntry(ctx, p)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Added %s  %s\n", entry.ID, cli.FormatEntry(*entry))
			if flags.noSync {
				return nil
			}
			return pushNow(ctx, out, e, engine)
		},
	}
	flags.register(cmd)
	return cmd
}

func newEditCmd(opts *rootOptions) *cobra.Command {
	flags := &entryFlags{}
	var title string

	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Change an entry",
		Long: `Change the fields given as flags; other fields keep their values. The id
may be abbreviated to any unique prefix.

Examples:
  gocalsync edit 3f2a --title "Lunch with Sam and Alex"
  gocalsync edit 3f2a --date friday --start 12:30
  gocalsync edit 9c01 --done`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := opts.setup(ctx, opts.verbose)
			if err != nil {
				return err
			}
			defer e.Close()

			id, err := resolveEntryID(ctx, e, args[0])
			if err != nil {
				return err
			}
			current, err := e.session.Store().GetEntry(ctx, id)
			if err != nil {
				return err
			}

			p := current.EntryPayload
			if cmd.Flags().Changed("title") {
				p.Title = title
			}
			if err := flags.apply(cmd, &p, time.Now()); err != nil {
				return err
			}

			engine := e.session.NewEngine(e.calendarID)
			entry, err := engine.UpdateEntry(ctx, id, p)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Updated %s  %s\n", entry.ID, cli.FormatEntry(*entry))
			if flags.noSync {
				return nil
			}
			return pushNow(ctx, out, e, engine)
		},
	}
	cmd.ValidArgsFunction = cli.EntryCompletion(listEntriesFunc(opts, cmd))
	cmd.Flags().StringVarP(&title, "title", "t", "", "New title")
	flags.register(cmd)
	return cmd
}

func newDeleteCmd(opts *rootOptions) *cobra.Command {
	var noSync bool

	cmd := &cobra.Command{
		Use:     "delete <id>",
		Aliases: []string{"rm"},
		Short:   "Delete an entry",
		Long: `Delete an entry. It disappears from the local copy at once; the deletion
is sent to the server when it is reachable.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := opts.setup(ctx, opts.verbose)
			if err != nil {
				return err
			}
			defer e.Close()

			id, err := resolveEntryID(ctx, e, args[0])
			if err != nil {
				return err
			}
			engine := e.session.NewEngine(e.calendarID)
			if err := engine.DeleteEntry(ctx, id); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Deleted %s\n", id)
			if noSync {
				return nil
			}
			return pushNow(ctx, out, e, engine)
		},
	}
	cmd.ValidArgsFunction = cli.EntryCompletion(listEntriesFunc(opts, cmd))
	cmd.Flags().BoolVar(&noSync, "no-sync", false, "Only queue the deletion; do not contact the server")
	return cmd
}

func newResolveCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Acknowledge a sync conflict",
		Long: `Mark a conflicted entry as resolved. The entry keeps its current content
and its error is cleared. Edit the entry afterwards to send a corrected
version.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := opts.setup(ctx, opts.verbose)
			if err != nil {
				return err
			}
			defer e.Close()

			id, err := resolveEntryID(ctx, e, args[0])
			if err != nil {
				return err
			}
			entry, err := e.session.Store().ResolveConflict(ctx, id)
			if errors.Is(err, backend.ErrNotFound) {
				return utils.ErrEntryNotFound(id)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Resolved %s  %s\n", entry.ID, cli.FormatEntry(*entry))
			return nil
		},
	}
	cmd.ValidArgsFunction = cli.EntryCompletion(listEntriesFunc(opts, cmd))
	return cmd
}
