package ics

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"google.golang.org/api/calendar/v3"

	appLog "compasscal/internal/log"
	"compasscal/internal/model"
	"compasscal/internal/recurrence"
)

// Parse maps every VEVENT of an ICS payload to the provider event shape
// the engine consumes:
//
//   - a VEVENT with RRULE becomes a series base whose Recurrence carries
//     the RRULE and EXDATE lines
//   - a VEVENT with RECURRENCE-ID becomes an instance of its series, with
//     the same id the base's expansion assigns to that occurrence
//   - each EXDATE becomes a cancelled instance of its series
//   - STATUS:CANCELLED maps to the cancelled status
//   - a date-only DTSTART makes an all-day event
//
// Events that cannot be mapped are logged and skipped.
func Parse(src Source, body []byte) ([]*calendar.Event, error) {
	if len(body) == 0 {
		return nil, errors.New("empty ICS body")
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse ics %s: %w", src.ID, err)
	}

	events := make([]*calendar.Event, 0, len(cal.Events()))
	for _, ve := range cal.Events() {
		ev, perr := mapVEvent(src, ve)
		if perr != nil {
			appLog.Error("ics vevent skipped", perr, "id", src.ID, "url", redactURL(src.URL))
			continue
		}
		events = append(events, ev)
		events = append(events, excludedInstances(ev, ve)...)
	}

	appLog.Info("ics parse completed", "id", src.ID, "url", redactURL(src.URL), "event_count", len(events))
	return events, nil
}

func mapVEvent(src Source, ve *ical.VEvent) (*calendar.Event, error) {
	uid := strings.TrimSpace(propertyValue(ve.GetProperty(ical.ComponentPropertyUniqueId)))
	if uid == "" {
		return nil, errors.New("missing UID")
	}

	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStart == nil {
		return nil, fmt.Errorf("event %s: missing DTSTART", uid)
	}
	allDay := isAllDay(dtStart)
	start, err := parseTimeValue(dtStart.Value, dtStart.ICalParameters)
	if err != nil {
		return nil, fmt.Errorf("event %s: DTSTART: %w", uid, err)
	}

	end := start.Add(time.Hour)
	if allDay {
		end = start.AddDate(0, 0, 1)
	}
	if dtEnd := ve.GetProperty(ical.ComponentPropertyDtEnd); dtEnd != nil {
		parsed, err := parseTimeValue(dtEnd.Value, dtEnd.ICalParameters)
		if err != nil {
			return nil, fmt.Errorf("event %s: DTEND: %w", uid, err)
		}
		if parsed.After(start) {
			end = parsed
		}
	}

	baseID := EventID(src.ID, uid)
	out := &calendar.Event{
		Id:          baseID,
		Status:      "confirmed",
		Summary:     strings.TrimSpace(propertyValue(ve.GetProperty(ical.ComponentPropertySummary))),
		Description: strings.TrimSpace(propertyValue(ve.GetProperty(ical.ComponentPropertyDescription))),
		Location:    strings.TrimSpace(propertyValue(ve.GetProperty(ical.ComponentPropertyLocation))),
		Start:       eventDateTime(start, allDay, dtStart.ICalParameters),
		End:         eventDateTime(end, allDay, dtStart.ICalParameters),
	}
	if strings.EqualFold(strings.TrimSpace(propertyValue(ve.GetProperty(ical.ComponentPropertyStatus))), "CANCELLED") {
		out.Status = "cancelled"
	}

	if rid := ve.GetProperty(ical.ComponentPropertyRecurrenceId); rid != nil {
		at, err := parseTimeValue(rid.Value, rid.ICalParameters)
		if err != nil {
			return nil, fmt.Errorf("event %s: RECURRENCE-ID: %w", uid, err)
		}
		out.Id = recurrence.InstanceID(baseID, at, allDay)
		out.RecurringEventId = baseID
		out.OriginalStartTime = eventDateTime(at, allDay, rid.ICalParameters)
		return out, nil
	}

	if rule := strings.TrimSpace(propertyValue(ve.GetProperty(ical.ComponentPropertyRrule))); rule != "" {
		out.Recurrence = []string{"RRULE:" + rule}
		for _, ex := range ve.GetProperties(ical.ComponentPropertyExdate) {
			if v := strings.TrimSpace(ex.Value); v != "" {
				out.Recurrence = append(out.Recurrence, "EXDATE:"+v)
			}
		}
	}
	return out, nil
}

// excludedInstances turns the EXDATE values of a series base into
// cancelled instance stubs, the shape the provider uses for deleted
// occurrences.
func excludedInstances(base *calendar.Event, ve *ical.VEvent) []*calendar.Event {
	if len(base.Recurrence) == 0 {
		return nil
	}
	allDay := base.Start.Date != ""
	var out []*calendar.Event
	for _, ex := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, v := range strings.Split(ex.Value, ",") {
			at, err := parseTimeValue(v, ex.ICalParameters)
			if err != nil {
				appLog.Debug("ics exdate skipped", "event", base.Id, "value", v)
				continue
			}
			out = append(out, &calendar.Event{
				Id:                recurrence.InstanceID(base.Id, at, allDay),
				Status:            "cancelled",
				RecurringEventId:  base.Id,
				OriginalStartTime: eventDateTime(at, allDay, ex.ICalParameters),
			})
		}
	}
	return out
}

// EventID derives a stable provider-style id for a feed event. Ids of
// different feeds never collide.
func EventID(feedID, uid string) string {
	sum := sha1.Sum([]byte(feedID + "\x00" + uid))
	return "ics" + hex.EncodeToString(sum[:12])
}

func eventDateTime(t time.Time, allDay bool, params map[string][]string) *calendar.EventDateTime {
	if allDay {
		return &calendar.EventDateTime{Date: t.Format(model.DateLayout)}
	}
	out := &calendar.EventDateTime{DateTime: t.Format(time.RFC3339)}
	if tz := tzid(params); tz != "" {
		out.TimeZone = tz
	} else if t.Location() == time.UTC {
		out.TimeZone = "UTC"
	}
	return out
}

// parseTimeValue parses DATE and DATE-TIME values. Floating times (no Z,
// no TZID) are read as UTC.
func parseTimeValue(value string, params map[string][]string) (time.Time, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return time.Time{}, errors.New("empty time value")
	}

	loc := time.UTC
	if tz := tzid(params); tz != "" {
		if loaded, err := time.LoadLocation(tz); err == nil {
			loc = loaded
		}
	}

	for _, layout := range []string{"20060102T150405Z", "20060102T150405", "20060102T1504", "20060102"} {
		var (
			t   time.Time
			err error
		)
		if strings.HasSuffix(layout, "Z") {
			t, err = time.Parse(layout, v)
		} else {
			t, err = time.ParseInLocation(layout, v, loc)
		}
		if err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unable to parse time value %q", v)
}

func tzid(params map[string][]string) string {
	if vs, ok := params["TZID"]; ok && len(vs) > 0 {
		return strings.TrimSpace(vs[0])
	}
	return ""
}

func isAllDay(p *ical.IANAProperty) bool {
	if vs, ok := p.ICalParameters["VALUE"]; ok {
		for _, v := range vs {
			if strings.EqualFold(strings.TrimSpace(v), "DATE") {
				return true
			}
		}
	}
	return len(strings.TrimSpace(p.Value)) == 8
}

func propertyValue(p *ical.IANAProperty) string {
	if p == nil {
		return ""
	}
	return p.Value
}
