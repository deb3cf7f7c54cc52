package engine

import (
	"context"
	"fmt"

	appLog "compasscal/internal/log"
	"compasscal/internal/mapper"
	"compasscal/internal/model"
	"compasscal/internal/store"
)

// step is one write of a multi-step transition.
type step struct {
	name string
	run  func(ctx context.Context, tx *store.Tx) ([]model.Change, error)
}

// runSteps executes steps in order and stops at the first failure. Steps
// already run stay applied unless tx is rolled back by the caller.
func runSteps(ctx context.Context, tx *store.Tx, eventID string, steps []step) ([]model.Change, error) {
	var out []model.Change
	for _, s := range steps {
		changes, err := s.run(ctx, tx)
		if err != nil {
			return out, fmt.Errorf("event %s: step %s: %w", eventID, s.name, err)
		}
		out = append(out, changes...)
	}
	return out, nil
}

// Upsert writes the provider event, or patch when non-nil, keyed by
// (user, provider event id). An instance is attached to its base's local id
// and fails with *OrphanInstanceError when the base is not stored.
func (p *Parsed) Upsert(ctx context.Context, tx *store.Tx, patch *model.Event) ([]model.Change, error) {
	var doc model.Event
	if patch != nil {
		doc = *patch
	} else {
		var err error
		doc, err = mapper.ToLocal(p.owner.User, p.owner.Calendar, p.event)
		if err != nil {
			return nil, err
		}
	}

	events := p.env.Store.Events(tx)
	if doc.ProviderRecurringEventID != "" && doc.SeriesID() == "" {
		baseID := p.match.SeriesID()
		if baseID == "" {
			base, found, err := events.FindOne(ctx, p.owner.User, doc.ProviderRecurringEventID)
			if err != nil {
				return nil, err
			}
			if !found {
				return nil, &OrphanInstanceError{EventID: doc.ProviderEventID, BaseID: doc.ProviderRecurringEventID}
			}
			baseID = base.ID
		}
		doc.Recurrence = &model.Recurrence{EventID: baseID}
	}

	res, err := events.Upsert(ctx, doc)
	if err != nil {
		return nil, err
	}
	if !res.Changed() {
		return nil, nil
	}

	created, updated := model.RegularCreated, model.RegularUpdated
	if doc.ProviderRecurringEventID != "" {
		created, updated = model.InstanceCreated, model.InstanceUpdated
	}
	op := updated
	if res.Created {
		op = created
	}
	return []model.Change{p.change(res.ID, op)}, nil
}

// Delete removes the local match. Nothing is reported when no row existed.
func (p *Parsed) Delete(ctx context.Context, tx *store.Tx) ([]model.Change, error) {
	removed, found, err := p.env.Store.Events(tx).DeleteOne(ctx, p.owner.User, p.event.Id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	op := model.RegularDeleted
	if removed.ProviderRecurringEventID != "" {
		op = model.InstanceDeleted
	}
	return []model.Change{p.change(removed.ID, op)}, nil
}

// CreateSeries persists the base and its expanded instances.
func (p *Parsed) CreateSeries(ctx context.Context, tx *store.Tx) ([]model.Change, error) {
	res, err := p.env.Importer.ImportSeries(ctx, tx, p.owner.User, p.owner.Calendar, p.event)
	if err != nil {
		return nil, err
	}
	if res.TotalSaved == 0 {
		return nil, nil
	}
	return []model.Change{p.change(res.BaseID, model.SeriesCreated)}, nil
}

// UpdateSeries rebuilds the series when its shape changed and otherwise
// cascades the base's fields onto the existing instances.
func (p *Parsed) UpdateSeries(ctx context.Context, tx *store.Tx) ([]model.Change, error) {
	if p.rule == nil {
		return nil, fmt.Errorf("update series %s: incoming event has no rule", p.event.Id)
	}
	diff := p.rule.DiffOptions(p.matchRule)
	if p.rule.AllDay() != p.match.IsAllDay {
		diff = append(diff, "ALLDAY")
	}
	if len(diff) > 0 {
		appLog.Debug("series shape changed", "user", p.owner.User, "event", p.event.Id, "options", diff)
		return p.SplitSeries(ctx, tx)
	}
	return p.UpdateRecurrence(ctx, tx)
}

// UpdateRecurrence upserts the base and copies its fields onto every
// instance. Timed instances also take the base's time of day and day span
// while keeping their own dates.
func (p *Parsed) UpdateRecurrence(ctx context.Context, tx *store.Tx) ([]model.Change, error) {
	if p.rule == nil {
		return nil, fmt.Errorf("update recurrence %s: incoming event has no rule", p.event.Id)
	}
	doc, err := mapper.ToLocal(p.owner.User, p.owner.Calendar, p.event)
	if err != nil {
		return nil, err
	}
	doc.Recurrence.Rule = p.rule.ToRecurrence()

	events := p.env.Store.Events(tx)
	res, err := events.Upsert(ctx, doc)
	if err != nil {
		return nil, err
	}

	var (
		n  int64
		op model.Operation
	)
	if doc.IsAllDay {
		op = model.AllDayInstancesUpdated
		n, err = events.UpdateInstances(ctx, p.owner.User, res.ID, store.FieldsOf(doc))
	} else {
		op = model.TimedInstancesUpdated
		clock, cerr := store.ClockOf(doc)
		if cerr != nil {
			return nil, fmt.Errorf("update recurrence %s: %w", p.event.Id, cerr)
		}
		n, err = events.UpdateTimedInstances(ctx, p.owner.User, res.ID, store.FieldsOf(doc), clock)
	}
	if err != nil {
		return nil, err
	}
	appLog.Debug("cascaded base fields", "operation", op, "user", p.owner.User, "event", p.event.Id, "rows", n)

	if !res.Changed() && n == 0 {
		return nil, nil
	}
	return []model.Change{p.change(res.ID, model.SeriesUpdated)}, nil
}

// CancelSeries deletes every instance of the matched base and, when
// cancelBase is set, the base itself.
func (p *Parsed) CancelSeries(ctx context.Context, tx *store.Tx, cancelBase bool) ([]model.Change, error) {
	if p.matchCategory != model.RecurrenceBase {
		return nil, nil
	}
	events := p.env.Store.Events(tx)
	n, err := events.DeleteInstances(ctx, p.owner.User, p.match.ID)
	if err != nil {
		return nil, err
	}
	appLog.Debug("deleted series instances", "user", p.owner.User, "event", p.match.ProviderEventID, "rows", n)

	if !cancelBase {
		if n == 0 {
			return nil, nil
		}
		return []model.Change{p.change(p.match.ID, model.SeriesUpdated)}, nil
	}

	_, found, err := events.DeleteOne(ctx, p.owner.User, p.match.ProviderEventID)
	if err != nil {
		return nil, err
	}
	if !found && n == 0 {
		return nil, nil
	}
	return []model.Change{p.change(p.match.ID, model.SeriesDeleted)}, nil
}

// SplitSeries drops the old instances, rebuilds the series under the new
// rule, then cascades the base fields. The base keeps its local id.
func (p *Parsed) SplitSeries(ctx context.Context, tx *store.Tx) ([]model.Change, error) {
	changes, err := runSteps(ctx, tx, p.event.Id, []step{
		{name: "cancel-instances", run: func(ctx context.Context, tx *store.Tx) ([]model.Change, error) {
			return p.CancelSeries(ctx, tx, false)
		}},
		{name: "create-series", run: p.CreateSeries},
		{name: "update-recurrence", run: p.UpdateRecurrence},
	})
	if err != nil || len(changes) == 0 {
		return nil, err
	}
	return []model.Change{p.change(p.match.ID, model.SeriesUpdated)}, nil
}

// SeriesToStandalone drops the instances of the matched base and strips the
// base of its recurrence. The local id is kept.
func (p *Parsed) SeriesToStandalone(ctx context.Context, tx *store.Tx) ([]model.Change, error) {
	changes, err := runSteps(ctx, tx, p.event.Id, []step{
		{name: "cancel-instances", run: func(ctx context.Context, tx *store.Tx) ([]model.Change, error) {
			return p.CancelSeries(ctx, tx, false)
		}},
		{name: "upsert-standalone", run: p.upsertStandalone},
	})
	if err != nil || len(changes) == 0 {
		return nil, err
	}
	return []model.Change{p.change(p.match.ID, model.RegularUpdated)}, nil
}

// InstanceToStandalone detaches the matched instance from its series. The
// local id is kept.
func (p *Parsed) InstanceToStandalone(ctx context.Context, tx *store.Tx) ([]model.Change, error) {
	return p.upsertStandalone(ctx, tx)
}

// StandaloneToSeries writes the new base fields over the matched standalone
// event and expands its instances.
func (p *Parsed) StandaloneToSeries(ctx context.Context, tx *store.Tx) ([]model.Change, error) {
	if p.rule == nil {
		return nil, fmt.Errorf("standalone to series %s: incoming event has no rule", p.event.Id)
	}
	changes, err := runSteps(ctx, tx, p.event.Id, []step{
		{name: "upsert-base", run: func(ctx context.Context, tx *store.Tx) ([]model.Change, error) {
			doc, err := mapper.ToLocal(p.owner.User, p.owner.Calendar, p.event)
			if err != nil {
				return nil, err
			}
			doc.ID = p.match.ID
			doc.Recurrence.Rule = p.rule.ToRecurrence()
			return p.Upsert(ctx, tx, &doc)
		}},
		{name: "create-series", run: p.CreateSeries},
	})
	if err != nil || len(changes) == 0 {
		return nil, err
	}
	return []model.Change{p.change(p.match.ID, model.SeriesCreated)}, nil
}

func (p *Parsed) upsertStandalone(ctx context.Context, tx *store.Tx) ([]model.Change, error) {
	doc, err := mapper.ToLocal(p.owner.User, p.owner.Calendar, p.event)
	if err != nil {
		return nil, err
	}
	doc = doc.Standalone()
	doc.ID = p.match.ID
	return p.Upsert(ctx, tx, &doc)
}

// change builds the Change reported for this event. The title falls back
// to the stored one when the provider omitted it, as on deletions.
func (p *Parsed) change(localID string, op model.Operation) model.Change {
	title := p.event.Summary
	if title == "" {
		title = p.match.Title
	}
	return model.Change{
		Owner:      p.owner.User,
		LocalID:    localID,
		Title:      title,
		Category:   p.category,
		Transition: p.transition,
		Operation:  op,
	}
}
