// Package mapper converts provider events into local event documents.
package mapper

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/api/calendar/v3"

	"compasscal/internal/classify"
	"compasscal/internal/model"
)

var ErrMissingTimes = errors.New("event has no start or end")

// Times is the resolved start/end of a provider event.
type Times struct {
	Start    time.Time
	End      time.Time
	AllDay   bool
	Location *time.Location
}

// ParseTimes resolves the start and end of e. Timed values are converted
// into the event's declared time zone when it can be loaded; otherwise the
// offset carried by the timestamp is kept. All-day dates are midnight in
// the declared zone, or UTC.
func ParseTimes(e *calendar.Event) (Times, error) {
	if e == nil || e.Start == nil || e.End == nil {
		return Times{}, ErrMissingTimes
	}

	if e.Start.Date != "" {
		loc := loadLocation(e.Start.TimeZone, time.UTC)
		start, err := time.ParseInLocation(model.DateLayout, e.Start.Date, loc)
		if err != nil {
			return Times{}, fmt.Errorf("parse start date: %w", err)
		}
		end := start.AddDate(0, 0, 1)
		if e.End.Date != "" {
			end, err = time.ParseInLocation(model.DateLayout, e.End.Date, loc)
			if err != nil {
				return Times{}, fmt.Errorf("parse end date: %w", err)
			}
		}
		return Times{Start: start, End: end, AllDay: true, Location: loc}, nil
	}

	if e.Start.DateTime == "" || e.End.DateTime == "" {
		return Times{}, ErrMissingTimes
	}
	start, err := time.Parse(time.RFC3339, e.Start.DateTime)
	if err != nil {
		return Times{}, fmt.Errorf("parse start: %w", err)
	}
	end, err := time.Parse(time.RFC3339, e.End.DateTime)
	if err != nil {
		return Times{}, fmt.Errorf("parse end: %w", err)
	}

	loc := loadLocation(e.Start.TimeZone, start.Location())
	return Times{
		Start:    start.In(loc),
		End:      end.In(loadLocation(e.End.TimeZone, loc)),
		Location: loc,
	}, nil
}

// ToLocal maps a confirmed provider event to its local document. The local
// id and the series back-reference are left for the store and engine to
// assign.
func ToLocal(user, cal string, e *calendar.Event) (model.Event, error) {
	times, err := ParseTimes(e)
	if err != nil {
		return model.Event{}, fmt.Errorf("map event %s: %w", e.Id, err)
	}

	out := model.Event{
		User:            user,
		Calendar:        cal,
		ProviderEventID: e.Id,
		Title:           e.Summary,
		Description:     e.Description,
		Location:        e.Location,
		IsAllDay:        times.AllDay,
	}
	if times.AllDay {
		out.StartDate = FormatDate(times.Start)
		out.EndDate = FormatDate(times.End)
	} else {
		out.StartDate = FormatDateTime(times.Start)
		out.EndDate = FormatDateTime(times.End)
	}

	switch classify.Provider(e) {
	case model.RecurrenceBase:
		out.Recurrence = &model.Recurrence{Rule: append([]string(nil), e.Recurrence...)}
	case model.RecurrenceInstance:
		out.ProviderRecurringEventID = e.RecurringEventId
		out.Recurrence = &model.Recurrence{}
	}

	return out, nil
}

func FormatDate(t time.Time) string {
	return t.Format(model.DateLayout)
}

func FormatDateTime(t time.Time) string {
	return t.Format(model.DateTimeLayout)
}

func loadLocation(name string, fallback *time.Location) *time.Location {
	if name == "" {
		return fallback
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return fallback
	}
	return loc
}
