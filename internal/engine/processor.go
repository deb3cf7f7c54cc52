package engine

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"
	"google.golang.org/api/calendar/v3"

	"compasscal/internal/classify"
	appLog "compasscal/internal/log"
	"compasscal/internal/mapper"
	"compasscal/internal/model"
	"compasscal/internal/recurrence"
	"compasscal/internal/store"
)

const defaultConcurrency = 4

// Options tunes a Processor.
type Options struct {
	// Concurrency bounds the recurring events processed at once.
	Concurrency int
	// AtomicEvents runs every recurring event in its own transaction so a
	// multi-step transition commits or fails as a whole.
	AtomicEvents bool
}

// Processor applies a batch of provider events for one owner.
type Processor struct {
	env  Env
	opts Options
}

func NewProcessor(env Env, opts Options) *Processor {
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	return &Processor{env: env, opts: opts}
}

// entry is a recurring-path event with the phase it runs in: bases and
// series conversions first, instances second.
type entry struct {
	event *calendar.Event
	phase int
}

// ProcessEvents applies events and returns the Changes of the regular
// events followed by those of the recurring ones.
func (p *Processor) ProcessEvents(ctx context.Context, owner Owner, events []*calendar.Event) ([]model.Change, error) {
	regular, recurring := partition(events)

	var (
		changes  []model.Change
		promoted []entry
	)
	if len(regular) > 0 {
		err := p.env.Store.WithTx(ctx, func(tx *store.Tx) error {
			var err error
			changes, promoted, err = p.processRegular(ctx, tx, owner, regular)
			return err
		})
		if err != nil {
			return nil, err
		}
	}

	recurring = append(promoted, recurring...)
	for _, phase := range phases(recurring) {
		out, err := p.runPhase(ctx, owner, phase)
		if err != nil {
			return nil, err
		}
		changes = append(changes, out...)
	}

	appLog.Info("processed events",
		"user", owner.User,
		"calendar", owner.Calendar,
		"events", len(events),
		"changes", len(changes),
	)
	return changes, nil
}

// ProcessEventsTx is ProcessEvents on a caller-owned transaction. Recurring
// events run one after another on tx.
func (p *Processor) ProcessEventsTx(ctx context.Context, tx *store.Tx, owner Owner, events []*calendar.Event) ([]model.Change, error) {
	if tx == nil {
		return nil, errors.New("process events: transaction is required")
	}
	regular, recurring := partition(events)

	changes, promoted, err := p.processRegular(ctx, tx, owner, regular)
	if err != nil {
		return nil, err
	}
	recurring = append(promoted, recurring...)
	for _, phase := range phases(recurring) {
		for _, e := range phase {
			out, err := p.processOne(ctx, tx, owner, e)
			if err != nil {
				return nil, err
			}
			changes = append(changes, out...)
		}
	}
	return changes, nil
}

func partition(events []*calendar.Event) (regular []*calendar.Event, recurring []entry) {
	for _, e := range events {
		if e == nil || e.Id == "" {
			continue
		}
		switch classify.Provider(e) {
		case model.Standalone:
			regular = append(regular, e)
		case model.RecurrenceBase:
			recurring = append(recurring, entry{event: e, phase: 0})
		case model.RecurrenceInstance:
			recurring = append(recurring, entry{event: e, phase: 1})
		}
	}
	return regular, recurring
}

func phases(entries []entry) [2][]*calendar.Event {
	var out [2][]*calendar.Event
	for _, e := range entries {
		out[e.phase] = append(out[e.phase], e.event)
	}
	return out
}

// processRegular writes the standalone events in bulk. Events whose local
// match is a base or an instance need a conversion and are returned for
// the recurring path instead.
func (p *Processor) processRegular(ctx context.Context, tx *store.Tx, owner Owner, regular []*calendar.Event) ([]model.Change, []entry, error) {
	if len(regular) == 0 {
		return nil, nil, nil
	}
	events := p.env.Store.Events(tx)

	ids := make([]string, 0, len(regular))
	for _, e := range regular {
		ids = append(ids, e.Id)
	}
	matches, err := events.FindMany(ctx, owner.User, ids)
	if err != nil {
		return nil, nil, err
	}

	var (
		promoted  []entry
		upserts   []model.Event
		upserted  []*calendar.Event
		deleteIDs []string
		deleted   = map[string]*calendar.Event{}
	)
	for _, e := range regular {
		match, found := matches[e.Id]
		if found && !classify.IsLocalRegular(match) {
			phase := 0
			if classify.IsLocalInstance(match) {
				phase = 1
			}
			promoted = append(promoted, entry{event: e, phase: phase})
			continue
		}
		if model.StatusOf(e.Status) == model.Cancelled {
			deleteIDs = append(deleteIDs, e.Id)
			deleted[e.Id] = e
			continue
		}
		doc, err := mapper.ToLocal(owner.User, owner.Calendar, e)
		if err != nil {
			appLog.Error("skipping unmappable event", err, "user", owner.User, "event", e.Id)
			continue
		}
		upserts = append(upserts, doc)
		upserted = append(upserted, e)
	}

	var changes []model.Change
	results, err := events.UpsertMany(ctx, upserts)
	if err != nil {
		return nil, nil, err
	}
	for i, res := range results {
		if !res.Changed() {
			continue
		}
		e := upserted[i]
		_, found := matches[e.Id]
		op := model.RegularUpdated
		if res.Created {
			op = model.RegularCreated
		}
		changes = append(changes, regularChange(owner, res.ID, e.Summary, found, model.Confirmed, op))
	}

	removed, err := events.DeleteMany(ctx, owner.User, deleteIDs)
	if err != nil {
		return nil, nil, err
	}
	for _, ev := range removed {
		title := deleted[ev.ProviderEventID].Summary
		if title == "" {
			title = ev.Title
		}
		changes = append(changes, regularChange(owner, ev.ID, title, true, model.Cancelled, model.RegularDeleted))
	}

	return changes, promoted, nil
}

func regularChange(owner Owner, localID, title string, hadMatch bool, status model.Status, op model.Operation) model.Change {
	t := model.Transition{Incoming: model.Standalone, Status: status}
	if hadMatch {
		t.Prior = model.Standalone
	}
	return model.Change{
		Owner:      owner.User,
		LocalID:    localID,
		Title:      title,
		Category:   model.Standalone,
		Transition: t,
		Operation:  op,
	}
}

// runPhase processes events concurrently, each on its own parser. Changes
// keep the input order.
func (p *Processor) runPhase(ctx context.Context, owner Owner, events []*calendar.Event) ([]model.Change, error) {
	if len(events) == 0 {
		return nil, nil
	}
	results := make([][]model.Change, len(events))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Concurrency)
	for i, e := range events {
		g.Go(func() error {
			out, err := p.processOne(gctx, nil, owner, e)
			results[i] = out
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var changes []model.Change
	for _, out := range results {
		changes = append(changes, out...)
	}
	return changes, nil
}

// processOne runs one event through a parser. An event whose recurrence
// cannot be parsed, or an instance whose base is not stored, is logged and
// skipped.
func (p *Processor) processOne(ctx context.Context, tx *store.Tx, owner Owner, e *calendar.Event) ([]model.Change, error) {
	var changes []model.Change
	apply := func(tx *store.Tx) error {
		parsed, err := NewParser(p.env, owner, e).Init(ctx, tx)
		if err != nil {
			return err
		}
		changes, err = parsed.Apply(ctx, tx)
		return err
	}

	var err error
	if tx == nil && p.opts.AtomicEvents {
		err = p.env.Store.WithTx(ctx, apply)
	} else {
		err = apply(tx)
	}
	if recurrence.IsParseError(err) {
		appLog.Error("skipping event with unparsable recurrence", err, "user", owner.User, "event", e.Id)
		return nil, nil
	}
	if IsOrphanInstanceError(err) {
		appLog.Error("skipping instance without a stored base", err, "user", owner.User, "event", e.Id)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return changes, nil
}
