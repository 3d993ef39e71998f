package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"gocalsync/backend"
	"gocalsync/internal/cli"
	"gocalsync/internal/utils"
)

func newSyncCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Send queued changes to the server",
		Long: `Send every queued change whose retry time has come, oldest first.

Examples:
  gocalsync sync
  gocalsync sync status
  gocalsync sync queue
  gocalsync sync queue retry`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := opts.setup(ctx, opts.verbose)
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.session.Transport().Ping(ctx); err != nil {
				return utils.ErrServerOffline(err.Error())
			}
			res, err := e.session.NewEngine(e.calendarID).Flush(ctx)
			if err != nil {
				return err
			}
			return opts.render(cmd, res, func(w io.Writer) error {
				fmt.Fprintf(w, "Sent %d: %d synced, %d failed, %d rejected\n",
					res.Sent, res.Completed, res.Failed, res.Rejected)
				if !res.NextAttempt.IsZero() {
					fmt.Fprintf(w, "Next retry %s\n", cli.FormatRelative(res.NextAttempt, time.Now()))
				}
				return nil
			})
		},
	}
	cmd.AddCommand(newSyncStatusCmd(opts), newQueueCmd(opts))
	return cmd
}

func newSyncStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the calendar's sync state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := opts.setup(ctx, opts.verbose)
			if err != nil {
				return err
			}
			defer e.Close()

			pctx, cancel := context.WithTimeout(ctx, e.cfg.Sync.PingTimeout)
			online := e.session.Transport().Ping(pctx) == nil
			cancel()

			st, err := e.session.Status(ctx, e.calendarID)
			if err != nil {
				return err
			}
			st.Online = online
			return opts.render(cmd, st, func(w io.Writer) error {
				cli.ShowStatus(w, st, time.Now())
				return nil
			})
		},
	}
}

func newQueueCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "List queued changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := opts.setup(ctx, opts.verbose)
			if err != nil {
				return err
			}
			defer e.Close()

			ops, err := e.session.Store().ListCalendarOperations(ctx, e.calendarID)
			if err != nil {
				return err
			}
			if ops == nil {
				ops = []backend.PendingOperation{}
			}
			return opts.render(cmd, ops, func(w io.Writer) error {
				cli.ShowQueue(w, ops, e.cfg.Sync.MaxRetries, time.Now())
				return nil
			})
		},
	}
	cmd.AddCommand(newQueueRetryCmd(opts), newQueueClearCmd(opts))
	return cmd
}

func newQueueRetryCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry",
		Short: "Retry changes held after repeated failures",
		Long: `Reset the failure count of every queued change and try to send them now.
Use it after fixing whatever made the server refuse them.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := opts.setup(ctx, opts.verbose)
			if err != nil {
				return err
			}
			defer e.Close()

			n, err := e.session.Store().ResetRetries(ctx, e.calendarID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Reset %d queued changes\n", n)
			if n == 0 {
				return nil
			}
			return pushNow(ctx, out, e, e.session.NewEngine(e.calendarID))
		},
	}
}

func newQueueClearCmd(opts *rootOptions) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Discard every queued change",
		Long: `Discard every queued change of the calendar. The affected entries stay
visible, marked as conflicts, until resolved or replaced by the server copy.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := opts.setup(ctx, opts.verbose)
			if err != nil {
				return err
			}
			defer e.Close()

			out := cmd.OutOrStdout()
			if !yes {
				question := fmt.Sprintf("Discard all queued changes for %s?", e.calendarID)
				if !utils.PromptYesNo(cmd.InOrStdin(), out, question) {
					fmt.Fprintln(out, "Cancelled")
					return nil
				}
			}
			n, err := e.session.Store().ClearQueue(ctx, e.calendarID)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Discarded %d queued changes\n", n)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")
	return cmd
}
