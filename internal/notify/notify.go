// Package notify decides when a calendar is synced: push notifications,
// scheduled pulls and ICS feed imports all end up as one batch handed to
// the engine processor, with the provider cursor persisted afterwards.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"google.golang.org/api/calendar/v3"

	"compasscal/internal/classify"
	"compasscal/internal/engine"
	"compasscal/internal/gcal"
	"compasscal/internal/ics"
	appLog "compasscal/internal/log"
	"compasscal/internal/model"
	"compasscal/internal/store"
)

var (
	// ErrNoSyncRecord means no calendar is registered for the channel.
	ErrNoSyncRecord = errors.New("no sync record")
	// ErrMissingSyncToken means the calendar never completed a full sync,
	// so an incremental fetch is impossible.
	ErrMissingSyncToken = errors.New("sync record has no sync token")
	// ErrNoChanges means the provider returned an empty delta. The new
	// cursor is still saved.
	ErrNoChanges = errors.New("no changes")
	// ErrUnknownAccount means no delta source is registered for the
	// (user, calendar) pair.
	ErrUnknownAccount = errors.New("unknown account")
)

// DeltaSource returns the provider events changed since syncToken. An
// empty token asks for a full listing.
type DeltaSource interface {
	Changes(ctx context.Context, calendarID, syncToken string) (gcal.Delta, error)
}

// Account binds a delta source to the calendar it serves.
type Account struct {
	User     string
	Calendar string
	Source   DeltaSource
}

// Handler runs syncs for the configured accounts.
type Handler struct {
	store     *store.Store
	processor *engine.Processor
	accounts  map[string]Account

	// locks serialize syncs of one calendar so two notifications never
	// race on the same sync token.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewHandler(s *store.Store, p *engine.Processor, accounts []Account) *Handler {
	h := &Handler{
		store:     s,
		processor: p,
		accounts:  make(map[string]Account, len(accounts)),
		locks:     map[string]*sync.Mutex{},
	}
	for _, a := range accounts {
		h.accounts[accountKey(a.User, a.Calendar)] = a
	}
	return h
}

func accountKey(user, cal string) string {
	return user + "\x00" + cal
}

func (h *Handler) lock(key string) func() {
	h.mu.Lock()
	l, ok := h.locks[key]
	if !ok {
		l = &sync.Mutex{}
		h.locks[key] = l
	}
	h.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Register records channelID as the push channel of (user, calendar),
// keeping any sync token already stored. An empty resourceID keeps the
// stored one while the channel is unchanged.
func (h *Handler) Register(ctx context.Context, user, cal, channelID, resourceID string) error {
	records := h.store.SyncRecords(nil)
	rec, _, err := records.Get(ctx, user, cal)
	if err != nil {
		return err
	}
	if resourceID == "" && rec.ChannelID == channelID {
		resourceID = rec.ResourceID
	}
	rec.User, rec.Calendar = user, cal
	rec.ChannelID, rec.ResourceID = channelID, resourceID
	return records.Save(ctx, rec)
}

// HandleChannel syncs the calendar watched by push.ChannelID. The
// handshake notification sent when a channel is created carries no change
// and is acknowledged without fetching.
func (h *Handler) HandleChannel(ctx context.Context, push gcal.Push) ([]model.Change, error) {
	if push.IsSync() {
		appLog.Debug("push channel handshake", "channel", push.ChannelID)
		return nil, nil
	}
	rec, ok, err := h.store.SyncRecords(nil).GetByChannel(ctx, push.ChannelID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("channel %s: %w", push.ChannelID, ErrNoSyncRecord)
	}
	if rec.SyncToken == "" {
		return nil, fmt.Errorf("channel %s: %w", push.ChannelID, ErrMissingSyncToken)
	}
	return h.SyncCalendar(ctx, rec.User, rec.Calendar)
}

// SyncCalendar fetches the delta of (user, calendar) since the stored
// cursor, applies it and saves the next cursor. Without a cursor, or when
// the provider expired it, the whole calendar is listed again.
func (h *Handler) SyncCalendar(ctx context.Context, user, cal string) ([]model.Change, error) {
	acct, ok := h.accounts[accountKey(user, cal)]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", user, cal, ErrUnknownAccount)
	}
	defer h.lock(accountKey(user, cal))()

	records := h.store.SyncRecords(nil)
	rec, _, err := records.Get(ctx, user, cal)
	if err != nil {
		return nil, err
	}
	rec.User, rec.Calendar = user, cal

	delta, err := acct.Source.Changes(ctx, cal, rec.SyncToken)
	if errors.Is(err, gcal.ErrSyncTokenExpired) {
		appLog.Info("sync token expired, running full sync", "user", user, "calendar", cal)
		rec.SyncToken = ""
		if err := records.Save(ctx, rec); err != nil {
			return nil, err
		}
		delta, err = acct.Source.Changes(ctx, cal, "")
	}
	if err != nil {
		return nil, fmt.Errorf("fetch changes %s/%s: %w", user, cal, err)
	}

	var changes []model.Change
	if len(delta.Events) > 0 {
		changes, err = h.processor.ProcessEvents(ctx, engine.Owner{User: user, Calendar: cal}, delta.Events)
		if err != nil {
			return nil, err
		}
	}

	if delta.NextSyncToken != "" {
		rec.SyncToken = delta.NextSyncToken
		if err := records.Save(ctx, rec); err != nil {
			return nil, err
		}
	}
	if len(delta.Events) == 0 {
		return nil, ErrNoChanges
	}
	appLog.Info("calendar synced", "user", user, "calendar", cal, "events", len(delta.Events), "changes", len(changes))
	return changes, nil
}

// SyncAll syncs every configured account. Failures are logged and the
// remaining accounts still run; the first error is returned.
func (h *Handler) SyncAll(ctx context.Context) error {
	var first error
	for _, a := range h.accounts {
		_, err := h.SyncCalendar(ctx, a.User, a.Calendar)
		if err == nil || errors.Is(err, ErrNoChanges) {
			continue
		}
		appLog.Error("calendar sync failed", err, "user", a.User, "calendar", a.Calendar)
		if first == nil {
			first = err
		}
	}
	return first
}

// SyncFeed applies a parsed ICS feed to src's calendar. Feeds carry no
// delta, so top-level events stored for the calendar but missing from the
// feed are sent as cancellations.
//
// Confirmed overrides run after their series is stored and only when the
// occurrence they replace exists; an override of an occurrence the series
// no longer produces is dropped.
func (h *Handler) SyncFeed(ctx context.Context, src ics.Source, events []*calendar.Event) ([]model.Change, error) {
	if src.User == "" || src.Calendar == "" {
		return nil, fmt.Errorf("feed %s: user and calendar are required", src.ID)
	}
	defer h.lock(accountKey(src.User, src.Calendar))()
	owner := engine.Owner{User: src.User, Calendar: src.Calendar}

	stored, err := h.store.Events(nil).ListProviderIDs(ctx, src.User, src.Calendar)
	if err != nil {
		return nil, err
	}

	var (
		batch     []*calendar.Event
		overrides []*calendar.Event
		present   = make(map[string]bool, len(events))
	)
	for _, e := range events {
		present[e.Id] = true
		if classify.IsInstance(e) && model.StatusOf(e.Status) == model.Confirmed {
			overrides = append(overrides, e)
			continue
		}
		batch = append(batch, e)
	}
	removed := 0
	for _, id := range stored {
		if !present[id] {
			batch = append(batch, &calendar.Event{Id: id, Status: "cancelled"})
			removed++
		}
	}
	if len(batch) == 0 && len(overrides) == 0 {
		return nil, ErrNoChanges
	}

	changes, err := h.processor.ProcessEvents(ctx, owner, batch)
	if err != nil {
		return nil, err
	}

	if len(overrides) > 0 {
		ids := make([]string, 0, len(overrides))
		for _, e := range overrides {
			ids = append(ids, e.Id)
		}
		matches, err := h.store.Events(nil).FindMany(ctx, src.User, ids)
		if err != nil {
			return nil, err
		}
		kept := overrides[:0]
		for _, e := range overrides {
			if _, ok := matches[e.Id]; !ok {
				appLog.Debug("feed override without occurrence dropped", "id", src.ID, "event", e.Id)
				continue
			}
			kept = append(kept, e)
		}
		out, err := h.processor.ProcessEvents(ctx, owner, kept)
		if err != nil {
			return nil, err
		}
		changes = append(changes, out...)
	}

	appLog.Info("feed synced", "id", src.ID, "events", len(events), "removed", removed, "changes", len(changes))
	return changes, nil
}
