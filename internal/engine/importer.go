package engine

import (
	"context"
	"fmt"

	"google.golang.org/api/calendar/v3"

	appLog "compasscal/internal/log"
	"compasscal/internal/mapper"
	"compasscal/internal/recurrence"
	"compasscal/internal/store"
)

// ImportResult reports what ImportSeries wrote.
type ImportResult struct {
	BaseID     string
	TotalSaved int // base (when created or changed) plus inserted instances
}

// Importer persists a base event together with its expanded instances.
type Importer struct {
	store *store.Store
	max   int
}

func NewImporter(s *store.Store, maxRecurrences int) *Importer {
	return &Importer{store: s, max: maxRecurrences}
}

// ImportSeries upserts base with its clamped rule, keeping an existing
// local id, then inserts every expanded instance that is not stored yet.
func (i *Importer) ImportSeries(ctx context.Context, tx *store.Tx, user, calendarRef string, base *calendar.Event) (ImportResult, error) {
	rule, err := recurrence.New(base, i.max)
	if err != nil {
		return ImportResult{}, err
	}
	doc, err := mapper.ToLocal(user, calendarRef, base)
	if err != nil {
		return ImportResult{}, fmt.Errorf("import series: %w", err)
	}
	doc.Recurrence.Rule = rule.ToRecurrence()

	events := i.store.Events(tx)
	res, err := events.Upsert(ctx, doc)
	if err != nil {
		return ImportResult{}, fmt.Errorf("import series %s: %w", base.Id, err)
	}

	instances, err := rule.LocalInstances(user, calendarRef)
	if err != nil {
		return ImportResult{}, fmt.Errorf("import series %s: %w", base.Id, err)
	}
	for j := range instances {
		instances[j].Recurrence.EventID = res.ID
	}
	inserted, err := events.InsertMany(ctx, instances)
	if err != nil {
		return ImportResult{}, fmt.Errorf("import series %s: %w", base.Id, err)
	}

	out := ImportResult{BaseID: res.ID, TotalSaved: inserted}
	if res.Changed() {
		out.TotalSaved++
	}
	appLog.Debug("imported series",
		"user", user,
		"event", base.Id,
		"occurrences", rule.Count(),
		"saved", out.TotalSaved,
	)
	return out, nil
}
