package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"gocalsync/backend/sqlite"
)

type calendarStats struct {
	CalendarID string `json:"calendarId" yaml:"calendar_id"`
	sqlite.Stats `yaml:",inline"`
}

func newDBCmd(opts *rootOptions) *cobra.Command {
	dbCmd := &cobra.Command{
		Use:   "db",
		Short: "Inspect and maintain the local database",
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show entry and queue counts for every stored calendar",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := opts.setupStore(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			store := e.session.Store()
			cals, err := store.Calendars(ctx)
			if err != nil {
				return err
			}
			all := make([]calendarStats, 0, len(cals))
			for _, cal := range cals {
				st, err := store.Stats(ctx, cal)
				if err != nil {
					return err
				}
				all = append(all, calendarStats{CalendarID: cal, Stats: st})
			}

			return opts.render(cmd, all, func(w io.Writer) error {
				fmt.Fprintf(w, "Database: %s\n", store.Path())
				if len(all) == 0 {
					fmt.Fprintln(w, "No calendars stored")
					return nil
				}
				for _, c := range all {
					fmt.Fprintf(w, "  %-20s %4d entries  %3d queued  %3d conflicts\n",
						c.CalendarID, c.Entries, c.Operations, c.Conflicts)
				}
				return nil
			})
		},
	}

	vacuumCmd := &cobra.Command{
		Use:   "vacuum",
		Short: "Reclaim space left by deleted entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := opts.setupStore(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			store := e.session.Store()
			if err := e.log.LogOperation("vacuum "+store.Path(), func() error {
				return store.Vacuum(ctx)
			}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Vacuumed %s\n", store.Path())
			return nil
		},
	}

	dbCmd.AddCommand(statsCmd, vacuumCmd)
	return dbCmd
}
