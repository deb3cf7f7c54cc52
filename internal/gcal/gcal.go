// Package gcal talks to the Google Calendar API: it builds authenticated
// services, pulls incremental event deltas and reads push notification
// headers.
package gcal

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	appLog "compasscal/internal/log"
)

// ErrSyncTokenExpired is returned when the provider rejects a sync token
// with 410 Gone. The caller must drop the token and resync in full.
var ErrSyncTokenExpired = errors.New("gcal: sync token expired")

const pageSize = 250

// OAuthConfig holds the OAuth client registered with Google.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
}

// NewService builds a read-only Calendar service for the account that
// granted refreshToken.
func NewService(ctx context.Context, cfg OAuthConfig, refreshToken string) (*calendar.Service, error) {
	if refreshToken == "" {
		return nil, errors.New("gcal: refresh token is required")
	}
	conf := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{calendar.CalendarReadonlyScope},
	}
	ts := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})

	svc, err := calendar.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("create calendar service: %w", err)
	}
	return svc, nil
}

// Delta is one incremental listing of a calendar.
type Delta struct {
	Events        []*calendar.Event
	NextSyncToken string
}

// Fetcher lists event deltas with sync tokens.
type Fetcher struct {
	svc *calendar.Service
}

func NewFetcher(svc *calendar.Service) *Fetcher {
	return &Fetcher{svc: svc}
}

// Changes returns every event changed since syncToken, deleted ones
// included. An empty token lists the whole calendar and yields the first
// token.
func (f *Fetcher) Changes(ctx context.Context, calendarID, syncToken string) (Delta, error) {
	call := f.svc.Events.List(calendarID).
		ShowDeleted(true).
		MaxResults(pageSize)
	if syncToken != "" {
		call = call.SyncToken(syncToken)
	}

	var out Delta
	err := call.Pages(ctx, func(page *calendar.Events) error {
		out.Events = append(out.Events, page.Items...)
		if page.NextSyncToken != "" {
			out.NextSyncToken = page.NextSyncToken
		}
		return nil
	})
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusGone {
			return Delta{}, ErrSyncTokenExpired
		}
		return Delta{}, fmt.Errorf("list events %s: %w", calendarID, err)
	}

	appLog.Debug("fetched calendar delta",
		"calendar", calendarID,
		"incremental", syncToken != "",
		"events", len(out.Events),
	)
	return out, nil
}
