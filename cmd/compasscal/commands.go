package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"compasscal/internal/config"
	appLog "compasscal/internal/log"
	"compasscal/internal/notify"
	"compasscal/internal/web"
)

const version = "0.1.0"

// rootOptions holds global flags for all commands.
type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "compasscal",
		Short:         "Reconcile Google Calendar changes into a local event store",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "/etc/compasscal/config.yaml", "path to config file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (debug|info|error), overrides config")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newSyncCommand(opts))
	cmd.AddCommand(newImportICSCommand(opts))
	return cmd
}

// loadConfig loads and validates the config and applies the log level.
func loadConfig(opts *rootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	appLog.SetLevel(appLog.ParseLevel(cfg.LogLevel))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	appLog.Info("effective config",
		"listen", cfg.Listen,
		"database", cfg.Database,
		"refresh", cfg.RefreshCron,
		"max_recurrences", cfg.MaxRecurrences,
		"concurrency", cfg.Concurrency,
		"atomic_events", cfg.AtomicEvents,
		"accounts", len(cfg.Accounts),
		"ics_count", len(cfg.ICS),
	)
	return cfg, nil
}

// withApp runs fn with a wired app on a context cancelled by SIGINT/SIGTERM.
func withApp(opts *rootOptions, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the push webhook and refresh on the configured schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, serve)
		},
	}
}

func serve(ctx context.Context, a *app) error {
	scheduler := cron.New()
	_, err := scheduler.AddFunc(a.cfg.RefreshCron, func() {
		if err := a.refresh(ctx); err != nil {
			appLog.Error("scheduled refresh failed", err)
		}
	})
	if err != nil {
		return err
	}
	scheduler.Start()
	defer func() { <-scheduler.Stop().Done() }()

	srv := &http.Server{
		Addr:              a.cfg.Listen,
		Handler:           web.NewServer(a.cfg, a.handler, a.store).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+a.cfg.Listen, "version", version)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		appLog.Info("signal received, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newSyncCommand(opts *rootOptions) *cobra.Command {
	var user, calendar string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Pull changes of the configured Google calendars once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(ctx context.Context, a *app) error {
				if user == "" {
					return a.handler.SyncAll(ctx)
				}
				changes, err := a.handler.SyncCalendar(ctx, user, calendar)
				if err != nil && !errors.Is(err, notify.ErrNoChanges) {
					return err
				}
				appLog.Info("sync finished", "user", user, "calendar", calendar, "changes", len(changes))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "sync only this user's calendar")
	cmd.Flags().StringVar(&calendar, "calendar", "primary", "calendar id used with --user")
	return cmd
}

func newImportICSCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import-ics",
		Short: "Fetch and apply the configured ICS feeds once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(ctx context.Context, a *app) error {
				return a.importFeeds(ctx)
			})
		},
	}
}
