package main

import (
	"context"
	"errors"
	"fmt"

	"compasscal/internal/config"
	"compasscal/internal/engine"
	"compasscal/internal/gcal"
	"compasscal/internal/ics"
	appLog "compasscal/internal/log"
	"compasscal/internal/notify"
	"compasscal/internal/store"
)

// app is the wired set of components every command works with.
type app struct {
	cfg     *config.Config
	store   *store.Store
	handler *notify.Handler
	fetcher *ics.Fetcher
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	s, err := store.Open(cfg.Database)
	if err != nil {
		return nil, err
	}

	accounts := make([]notify.Account, 0, len(cfg.Accounts))
	for _, a := range cfg.Accounts {
		svc, err := gcal.NewService(ctx, gcal.OAuthConfig{
			ClientID:     cfg.Google.ClientID,
			ClientSecret: cfg.Google.ClientSecret,
		}, a.RefreshToken)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("account %s/%s: %w", a.User, a.CalendarID, err)
		}
		accounts = append(accounts, notify.Account{
			User:     a.User,
			Calendar: a.CalendarID,
			Source:   gcal.NewFetcher(svc),
		})
	}

	processor := engine.NewProcessor(engine.NewEnv(s, cfg.MaxRecurrences), engine.Options{
		Concurrency:  cfg.Concurrency,
		AtomicEvents: cfg.AtomicEvents,
	})
	handler := notify.NewHandler(s, processor, accounts)

	for _, a := range cfg.Accounts {
		if a.ChannelID == "" {
			continue
		}
		if err := handler.Register(ctx, a.User, a.CalendarID, a.ChannelID, ""); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("register channel %s: %w", a.ChannelID, err)
		}
	}

	return &app{
		cfg:     cfg,
		store:   s,
		handler: handler,
		fetcher: ics.NewFetcher(cfg.CacheDir),
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

// importFeeds fetches, parses and applies every configured ICS feed. A
// failing feed is logged and the rest still run.
func (a *app) importFeeds(ctx context.Context) error {
	var errs []error
	for _, c := range a.cfg.ICS {
		src := ics.Source{ID: c.ID, URL: c.URL, Name: c.Name, User: c.User, Calendar: c.Calendar}
		if err := a.importFeed(ctx, src); err != nil {
			appLog.Error("feed import failed", err, "id", src.ID)
			errs = append(errs, fmt.Errorf("feed %s: %w", src.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (a *app) importFeed(ctx context.Context, src ics.Source) error {
	res, err := a.fetcher.FetchOne(ctx, src)
	if err != nil {
		return err
	}
	events, err := ics.Parse(src, res.Body)
	if err != nil {
		return err
	}
	_, err = a.handler.SyncFeed(ctx, src, events)
	if errors.Is(err, notify.ErrNoChanges) {
		return nil
	}
	return err
}

// refresh runs one pull of every account and feed.
func (a *app) refresh(ctx context.Context) error {
	appLog.Info("refresh started", "accounts", len(a.cfg.Accounts), "feeds", len(a.cfg.ICS))
	return errors.Join(a.handler.SyncAll(ctx), a.importFeeds(ctx))
}
