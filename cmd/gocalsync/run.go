package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"gocalsync/backend"
	"gocalsync/internal/app"
	"gocalsync/internal/cli"
	"gocalsync/internal/hydrate"
	"gocalsync/internal/realtime"
	"gocalsync/internal/utils"
)

// offlineErr adds a suggestion to errors caused by an unreachable server.
func offlineErr(err error) error {
	var te *backend.TransportError
	if backend.IsNetworkError(err) || (errors.As(err, &te) && te.Kind == backend.KindTransient) {
		return utils.ErrServerOffline(err.Error())
	}
	return err
}

// loadSnapshot reads path for calendarID. An empty path means no snapshot.
func loadSnapshot(path, calendarID string) ([]backend.Entry, error) {
	if path == "" {
		return nil, nil
	}
	snap, err := hydrate.LoadSnapshot(path)
	if err != nil {
		return nil, err
	}
	if snap.CalendarID != "" && snap.CalendarID != calendarID {
		return nil, fmt.Errorf("snapshot %s is for calendar %s, not %s", path, snap.CalendarID, calendarID)
	}
	return snap.Entries, nil
}

func newHydrateCmd(opts *rootOptions) *cobra.Command {
	var snapshotPath string
	var full bool

	cmd := &cobra.Command{
		Use:   "hydrate",
		Short: "Prepare the local copy of a calendar",
		Long: `Prepare the local copy of a calendar. Existing local data is used as is;
otherwise the snapshot file is loaded, or the calendar is fetched from the
server. --full always refetches.

Examples:
  gocalsync hydrate
  gocalsync hydrate --snapshot work.json
  gocalsync hydrate --full`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := opts.setup(ctx, opts.verbose)
			if err != nil {
				return err
			}
			defer e.Close()

			res := hydrate.Result{CalendarID: e.calendarID}
			if full {
				res.Strategy = hydrate.FullSync
				res.Fetched, res.Err = e.session.Hydrator().FullSync(ctx, e.calendarID)
				res.Ready = true
			} else {
				snapshot, err := loadSnapshot(snapshotPath, e.calendarID)
				if err != nil {
					return err
				}
				res = e.session.Hydrator().Hydrate(ctx, e.calendarID, snapshot)
			}
			if res.Err != nil {
				return offlineErr(res.Err)
			}

			return opts.render(cmd, res, func(w io.Writer) error {
				switch res.Strategy {
				case hydrate.UseLocal:
					fmt.Fprintf(w, "Calendar %s is already stored locally\n", e.calendarID)
				case hydrate.HydrateSSR:
					fmt.Fprintf(w, "Loaded %d entries from the snapshot\n", res.Seeded)
				case hydrate.FullSync:
					fmt.Fprintf(w, "Fetched %d entries from the server\n", res.Fetched)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&snapshotPath, "snapshot", "", "JSON snapshot to seed an empty calendar from")
	cmd.Flags().BoolVar(&full, "full", false, "Refetch the calendar from the server")
	return cmd
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	var snapshotPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Keep a calendar in sync until interrupted",
		Long: `Run the sync engine and the live stream in the foreground without a user
interface. Queued changes are sent whenever the server is reachable and
remote changes are merged as they arrive. Logs go to stderr and the log
file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := opts.setup(ctx, true)
			if err != nil {
				return err
			}
			defer e.Close()

			snapshot, err := loadSnapshot(snapshotPath, e.calendarID)
			if err != nil {
				return err
			}
			log := e.log.Named("Run")
			if rt := e.session.Reconciler(); rt != nil {
				attempts := e.cfg.Realtime.MaxAttempts
				unsubscribe := rt.Subscribe(func(st realtime.State) {
					if st == realtime.StateError {
						log.Warn("%v", utils.ErrConnectionLost(int(attempts)))
					}
				})
				defer unsubscribe()
			}
			res, err := e.session.Start(ctx, e.calendarID, app.StartOptions{
				Snapshot: snapshot,
				OnEntryChanged: func(ev realtime.Event) {
					log.Info("%s %s: %s", ev.Kind, ev.EntryID, ev.Outcome)
				},
			})
			if err != nil {
				return err
			}
			if res.Err != nil {
				log.Warn("Starting with incomplete local data: %v", res.Err)
			}

			err = e.session.Wait()
			if ctx.Err() != nil {
				log.Info("Shutting down")
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&snapshotPath, "snapshot", "", "JSON snapshot to seed an empty calendar from")
	return cmd
}

func newWatchCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Show a live view of a calendar",
		Long: `Show the calendar in a full-screen view that updates as local and remote
changes happen, while syncing in the background.

Keys:
  r  reconnect the live stream
  u  retry held changes
  q  quit`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cli.IsTerminal() {
				return utils.WrapWithSuggestion(
					fmt.Errorf("watch needs an interactive terminal"),
					"Use 'gocalsync run' to sync without a user interface")
			}
			ctx := cmd.Context()
			e, err := opts.setup(ctx, false)
			if err != nil {
				return err
			}
			defer e.Close()

			if _, err := e.session.Start(ctx, e.calendarID, app.StartOptions{}); err != nil {
				return err
			}

			watchCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			entries, err := e.session.Store().WatchEntries(watchCtx, e.calendarID)
			if err != nil {
				return err
			}

			wo := cli.WatchOptions{
				CalendarID: e.calendarID,
				Entries:    entries,
				Status: func(ctx context.Context) (app.Status, error) {
					return e.session.Status(ctx, e.calendarID)
				},
				Retry: func(ctx context.Context) error {
					engine := e.session.Engine()
					if engine == nil {
						return nil
					}
					return engine.Retry(ctx)
				},
			}
			if rt := e.session.Reconciler(); rt != nil {
				wo.Reconnect = rt.Reconnect
			}
			return cli.RunWatch(ctx, wo)
		},
	}
}
