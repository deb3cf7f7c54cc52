package engine

import (
	"context"

	"compasscal/internal/model"
	"compasscal/internal/store"
)

// route has the shape of a *Parsed method expression.
type route func(p *Parsed, ctx context.Context, tx *store.Tx) ([]model.Change, error)

const nilCategory model.Category = 0

func tr(prior, incoming model.Category, status model.Status) model.Transition {
	return model.Transition{Prior: prior, Incoming: incoming, Status: status}
}

func upsert(p *Parsed, ctx context.Context, tx *store.Tx) ([]model.Change, error) {
	return p.Upsert(ctx, tx, nil)
}

func remove(p *Parsed, ctx context.Context, tx *store.Tx) ([]model.Change, error) {
	return p.Delete(ctx, tx)
}

func cancelSeries(p *Parsed, ctx context.Context, tx *store.Tx) ([]model.Change, error) {
	return p.CancelSeries(ctx, tx, true)
}

// routes maps every supported transition to its mutation.
var routes = map[model.Transition]route{
	tr(nilCategory, model.Standalone, model.Confirmed):     upsert,
	tr(nilCategory, model.RecurrenceBase, model.Confirmed): (*Parsed).CreateSeries,

	// A modified occurrence past the expansion cap has no local row yet.
	tr(nilCategory, model.RecurrenceInstance, model.Confirmed): upsert,

	tr(model.Standalone, model.Standalone, model.Confirmed):     upsert,
	tr(model.Standalone, model.Standalone, model.Cancelled):     remove,
	tr(model.Standalone, model.RecurrenceBase, model.Confirmed): (*Parsed).StandaloneToSeries,

	tr(model.RecurrenceBase, model.RecurrenceBase, model.Confirmed): (*Parsed).UpdateSeries,
	tr(model.RecurrenceBase, model.RecurrenceBase, model.Cancelled): cancelSeries,
	tr(model.RecurrenceBase, model.Standalone, model.Confirmed):     (*Parsed).SeriesToStandalone,

	tr(model.RecurrenceInstance, model.RecurrenceInstance, model.Confirmed): upsert,
	tr(model.RecurrenceInstance, model.RecurrenceInstance, model.Cancelled): remove,
	tr(model.RecurrenceInstance, model.Standalone, model.Confirmed):         (*Parsed).InstanceToStandalone,

	// Deleted events arrive as a bare {id, status}, which classifies as
	// standalone whatever the stored shape was. Cancellations of events
	// never stored are no-ops.
	tr(nilCategory, model.Standalone, model.Cancelled):              remove,
	tr(nilCategory, model.RecurrenceBase, model.Cancelled):          cancelSeries,
	tr(nilCategory, model.RecurrenceInstance, model.Cancelled):      remove,
	tr(model.Standalone, model.RecurrenceBase, model.Cancelled):     remove,
	tr(model.RecurrenceBase, model.Standalone, model.Cancelled):     cancelSeries,
	tr(model.RecurrenceInstance, model.Standalone, model.Cancelled): remove,
}

// unsupported lists the transitions the provider never produces. Routing
// one is a TransitionError.
var unsupported = map[model.Transition]struct{}{
	tr(model.Standalone, model.RecurrenceInstance, model.Confirmed):     {},
	tr(model.Standalone, model.RecurrenceInstance, model.Cancelled):     {},
	tr(model.RecurrenceBase, model.RecurrenceInstance, model.Confirmed): {},
	tr(model.RecurrenceBase, model.RecurrenceInstance, model.Cancelled): {},
	tr(model.RecurrenceInstance, model.RecurrenceBase, model.Confirmed): {},
	tr(model.RecurrenceInstance, model.RecurrenceBase, model.Cancelled): {},
}

// Apply executes the mutation routed from the event's transition.
func (p *Parsed) Apply(ctx context.Context, tx *store.Tx) ([]model.Change, error) {
	r, ok := routes[p.transition]
	if !ok {
		return nil, &TransitionError{EventID: p.event.Id, Transition: p.transition}
	}
	return r(p, ctx, tx)
}
