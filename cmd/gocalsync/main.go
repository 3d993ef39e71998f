package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"gocalsync/internal/app"
	"gocalsync/internal/config"
	"gocalsync/internal/credentials"
	"gocalsync/internal/utils"
)

// rootOptions holds the persistent flags.
type rootOptions struct {
	configPath string
	calendar   string
	output     string
	verbose    bool
}

// env is what a command needs once config is loaded.
type env struct {
	cfg        *config.Config
	log        *utils.Logger
	logFile    io.Closer
	session    *app.Session
	calendarID string
}

func (e *env) Close() {
	if e.session != nil {
		e.session.Close()
	}
	if e.logFile != nil {
		e.logFile.Close()
	}
}

// loadConfig reads the configuration selected by --config.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	config.SetCustomConfigPath(o.configPath)
	path, err := config.GetConfigPath()
	if err != nil {
		return nil, err
	}
	return config.Load(path)
}

// loadConfigWithToken is loadConfig with server.token replaced by the
// highest-priority token found.
func (o *rootOptions) loadConfigWithToken() (*config.Config, *credentials.Credentials, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	creds, err := credentials.Resolve(cfg.Server.URL, cfg.Server.Token)
	if err != nil {
		return nil, nil, err
	}
	cfg.Server.Token = creds.Token
	return cfg, creds, nil
}

// setup loads config, opens the log and the session for the selected
// calendar. tee also copies log lines to stderr; --verbose implies it
// unless the terminal belongs to a full-screen view.
func (o *rootOptions) setup(ctx context.Context, tee bool) (*env, error) {
	return o.open(ctx, tee, true)
}

// setupStore is setup for commands that work on the whole database.
func (o *rootOptions) setupStore(ctx context.Context) (*env, error) {
	return o.open(ctx, o.verbose, false)
}

func (o *rootOptions) open(ctx context.Context, tee, needCalendar bool) (*env, error) {
	cfg, _, err := o.loadConfigWithToken()
	if err != nil {
		return nil, err
	}

	calendarID := o.calendar
	if calendarID == "" {
		calendarID = cfg.Calendar
	}
	if calendarID == "" && needCalendar {
		return nil, utils.ErrNoCalendar()
	}

	e := &env{cfg: cfg, calendarID: calendarID}
	verbose := o.verbose || cfg.Log.Verbose
	utils.SetVerboseMode(verbose)

	var w io.Writer = os.Stderr
	if path, err := cfg.LogPath(); err == nil {
		if file, err := utils.RotatingFile(path, cfg.Log.MaxSizeMB, cfg.Log.MaxBackups); err == nil {
			e.logFile = file
			w = file
			if tee {
				w = io.MultiWriter(file, os.Stderr)
			}
		}
	}
	e.log = utils.NewLogger(w, verbose)

	s, err := app.Open(ctx, cfg, app.WithLogger(e.log))
	if err != nil {
		e.Close()
		return nil, err
	}
	e.session = s
	return e, nil
}

func (o *rootOptions) render(cmd *cobra.Command, data interface{}, text func(io.Writer) error) error {
	return utils.Render(cmd.OutOrStdout(), o.output, data, text)
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "gocalsync",
		Short: "Offline-first calendar sync",
		Long: `gocalsync keeps a local copy of a calendar and syncs it with the server.

Every change is saved locally first and queued; queued changes are sent in
order whenever the server is reachable. Changes made elsewhere arrive over
a live stream and are merged into the local copy.

Examples:
  gocalsync config init --server https://cal.example.com/api
  gocalsync auth login
  gocalsync -c work list
  gocalsync -c work add "Lunch" --date tomorrow --start 12:00 --end 13:00
  gocalsync -c work sync status
  gocalsync -c work watch`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Config file or directory (default ~/.config/gocalsync/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&opts.calendar, "calendar", "c", "", "Calendar id (default from config)")
	rootCmd.PersistentFlags().StringVarP(&opts.output, "output", "o", utils.FormatText, "Output format: text, json or yaml")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log debug output to stderr")

	rootCmd.AddCommand(
		newConfigCmd(opts),
		newAuthCmd(opts),
		newHydrateCmd(opts),
		newListCmd(opts),
		newAddCmd(opts),
		newEditCmd(opts),
		newDeleteCmd(opts),
		newResolveCmd(opts),
		newDBCmd(opts),
		newSyncCmd(opts),
		newRunCmd(opts),
		newWatchCmd(opts),
	)
	return rootCmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}
