// Package engine reconciles provider event deltas with the local store.
//
// A Parser wraps one provider event. Init loads the local match and yields
// a Parsed, which knows the event's transition and can execute the
// matching mutation. A Processor drives many parsers over a delta batch.
package engine

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/api/calendar/v3"

	"compasscal/internal/classify"
	appLog "compasscal/internal/log"
	"compasscal/internal/model"
	"compasscal/internal/recurrence"
	"compasscal/internal/store"
)

// Env holds the collaborators a parser needs.
type Env struct {
	Store          *store.Store
	Importer       *Importer
	MaxRecurrences int
}

// NewEnv builds an Env whose importer shares the store and cap.
func NewEnv(s *store.Store, maxRecurrences int) Env {
	return Env{
		Store:          s,
		Importer:       NewImporter(s, maxRecurrences),
		MaxRecurrences: maxRecurrences,
	}
}

// Owner identifies whose events are being reconciled and which calendar
// they were imported from. Matching uses only User.
type Owner struct {
	User     string
	Calendar string
}

// Parser is a provider event that has not been matched yet. Init is its
// only operation.
type Parser struct {
	env   Env
	owner Owner
	event *calendar.Event
}

// NewParser wraps event for owner.
func NewParser(env Env, owner Owner, event *calendar.Event) *Parser {
	return &Parser{env: env, owner: owner, event: event}
}

// Parsed is a provider event matched against the local store.
type Parsed struct {
	env   Env
	owner Owner
	event *calendar.Event

	category model.Category
	status   model.Status

	match         model.Event
	matchCategory model.Category // zero when there is no match

	transition model.Transition

	rule      *recurrence.Rule // incoming rule, confirmed bases only
	matchRule *recurrence.Rule // stored rule, nil when absent or unreadable
}

// Init looks up the local match by (provider event id, user) and derives
// the transition. A confirmed base whose rule cannot be parsed fails with a
// *recurrence.ParseError.
func (p *Parser) Init(ctx context.Context, tx *store.Tx) (*Parsed, error) {
	if p.event == nil || p.event.Id == "" {
		return nil, errors.New("init parser: provider event id is required")
	}
	if p.owner.User == "" {
		return nil, errors.New("init parser: user is required")
	}

	out := &Parsed{
		env:      p.env,
		owner:    p.owner,
		event:    p.event,
		category: classify.Provider(p.event),
		status:   model.StatusOf(p.event.Status),
	}

	match, found, err := p.env.Store.Events(tx).FindOne(ctx, p.owner.User, p.event.Id)
	if err != nil {
		return nil, fmt.Errorf("init parser %s: %w", p.event.Id, err)
	}
	if found {
		out.match = match
		out.matchCategory = classify.Local(match)
	}

	out.transition = model.Transition{
		Prior:    out.matchCategory,
		Incoming: out.category,
		Status:   out.status,
	}

	if out.category == model.RecurrenceBase && out.status == model.Confirmed {
		out.rule, err = recurrence.New(p.event, p.env.MaxRecurrences)
		if err != nil {
			return nil, err
		}
	}
	if out.matchCategory == model.RecurrenceBase {
		out.matchRule, err = recurrence.New(toProvider(match), p.env.MaxRecurrences)
		if err != nil {
			// An unreadable stored rule diffs as changed, which rebuilds the series.
			appLog.Debug("stored recurrence unreadable", "user", p.owner.User, "event", match.ProviderEventID, "err", err)
			out.matchRule = nil
		}
	}

	return out, nil
}

// Event returns the provider event.
func (p *Parsed) Event() *calendar.Event { return p.event }

// Owner is the owner the event is reconciled for.
func (p *Parsed) Owner() Owner { return p.owner }

// Category is the incoming event's category.
func (p *Parsed) Category() model.Category { return p.category }

// MatchCategory is the local match's category, or zero without a match.
func (p *Parsed) MatchCategory() model.Category { return p.matchCategory }

// Match returns the local match and whether one exists.
func (p *Parsed) Match() (model.Event, bool) {
	return p.match, p.matchCategory != 0
}

// Status is the incoming event's status.
func (p *Parsed) Status() model.Status { return p.status }

// Transition is the (prior, incoming, status) triple Apply routes on.
func (p *Parsed) Transition() model.Transition { return p.transition }

// Rule is the incoming recurrence; nil unless the event is a confirmed base.
func (p *Parsed) Rule() *recurrence.Rule { return p.rule }

// MatchRule is the stored recurrence; nil unless the match is a base.
func (p *Parsed) MatchRule() *recurrence.Rule { return p.matchRule }

// toProvider rebuilds the provider shape of a stored base so its rule can
// be parsed with the same adapter as incoming events.
func toProvider(e model.Event) *calendar.Event {
	out := &calendar.Event{
		Id:          e.ProviderEventID,
		Summary:     e.Title,
		Description: e.Description,
		Location:    e.Location,
		Recurrence:  append([]string(nil), e.Rule()...),
	}
	if e.IsAllDay {
		out.Start = &calendar.EventDateTime{Date: e.StartDate}
		out.End = &calendar.EventDateTime{Date: e.EndDate}
	} else {
		out.Start = &calendar.EventDateTime{DateTime: e.StartDate}
		out.End = &calendar.EventDateTime{DateTime: e.EndDate}
	}
	return out
}
