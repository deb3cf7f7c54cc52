// Package recurrence wraps the recurrence rule of a series base event. It
// expands occurrences, clamps them to the provider's occurrence cap, and
// diffs two rules to detect a change in series shape.
package recurrence

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
	"google.golang.org/api/calendar/v3"

	"compasscal/internal/mapper"
	"compasscal/internal/model"
)

// MaxRecurrences is the provider-imposed cap on instances per series.
const MaxRecurrences = 730

const rrulePrefix = "RRULE:"

// Rule is a parsed base event recurrence.
type Rule struct {
	base  *calendar.Event
	times mapper.Times
	max   int

	lines   []string // recurrence lines as received
	ruleIdx int      // index of the RRULE line in lines
	body    string   // RRULE line without prefix

	opt      rrule.ROption // as parsed, Dtstart set
	rawCount int           // COUNT from the rule text, 0 when absent

	starts []time.Time
}

// New parses the recurrence of base. max caps the expansion; zero or a
// negative value means MaxRecurrences.
func New(base *calendar.Event, max int) (*Rule, error) {
	if max <= 0 {
		max = MaxRecurrences
	}
	if base == nil {
		return nil, &ParseError{Reason: "base event is nil"}
	}

	times, err := mapper.ParseTimes(base)
	if err != nil {
		return nil, &ParseError{EventID: base.Id, Reason: "base event has no usable start/end", Err: err}
	}
	if len(base.Recurrence) == 0 {
		return nil, &ParseError{EventID: base.Id, Reason: "recurrence is empty"}
	}

	r := &Rule{
		base:    base,
		times:   times,
		max:     max,
		lines:   append([]string(nil), base.Recurrence...),
		ruleIdx: -1,
	}
	for i, line := range r.lines {
		if strings.HasPrefix(strings.ToUpper(strings.TrimSpace(line)), rrulePrefix) {
			r.ruleIdx = i
			r.body = strings.TrimSpace(strings.TrimSpace(line)[len(rrulePrefix):])
			break
		}
	}
	if r.ruleIdx < 0 {
		return nil, &ParseError{EventID: base.Id, Reason: "no RRULE line in recurrence"}
	}

	count, err := parseCount(r.body)
	if err != nil {
		return nil, &ParseError{EventID: base.Id, Rule: r.body, Reason: "invalid COUNT", Err: err}
	}
	r.rawCount = count

	opt, err := rrule.StrToROptionInLocation(r.body, times.Location)
	if err != nil {
		return nil, &ParseError{EventID: base.Id, Rule: r.body, Reason: "malformed rule", Err: err}
	}
	opt.Dtstart = times.Start
	r.opt = *opt

	rule, err := rrule.NewRRule(r.opt)
	if err != nil {
		return nil, &ParseError{EventID: base.Id, Rule: r.body, Reason: "unsupported rule", Err: err}
	}

	set := &rrule.Set{}
	set.RRule(rule)
	for i, line := range r.lines {
		if i == r.ruleIdx {
			continue
		}
		name, value, ok := splitProperty(line)
		if !ok || (name != "EXDATE" && name != "RDATE") {
			continue
		}
		dates, err := rrule.StrToDatesInLoc(value, times.Location)
		if err != nil {
			return nil, &ParseError{EventID: base.Id, Rule: line, Reason: "invalid " + name, Err: err}
		}
		for _, d := range dates {
			if name == "EXDATE" {
				set.ExDate(d)
			} else {
				set.RDate(d)
			}
		}
	}

	// COUNT and UNTIL bound the rule itself; the cap bounds what survives
	// the exclusions.
	next := set.Iterator()
	for len(r.starts) < r.max {
		t, ok := next()
		if !ok {
			break
		}
		r.starts = append(r.starts, t)
	}

	return r, nil
}

// splitProperty splits a recurrence line such as
// "EXDATE;TZID=Europe/Berlin:20250305T090000" into its upper-cased name and
// the remainder after the name.
func splitProperty(line string) (name, value string, ok bool) {
	line = strings.TrimSpace(line)
	i := strings.IndexAny(line, ";:")
	if i <= 0 {
		return "", "", false
	}
	return strings.ToUpper(line[:i]), line[i+1:], true
}

// Count returns the number of occurrences the series expands to, after
// EXDATE exclusions and RDATE additions. A COUNT above the cap and an
// unbounded rule both yield the cap; an UNTIL bound yields the real number
// of occurrences up to the cap.
func (r *Rule) Count() int {
	return len(r.starts)
}

// All returns the start instant of every occurrence.
func (r *Rule) All() []time.Time {
	return append([]time.Time(nil), r.starts...)
}

// AllDay reports whether the base is an all-day event.
func (r *Rule) AllDay() bool {
	return r.times.AllDay
}

// ToRecurrence returns the recurrence lines with COUNT clamped to the cap.
// Rules bounded only by UNTIL are left without COUNT.
func (r *Rule) ToRecurrence() []string {
	out := append([]string(nil), r.lines...)
	count := r.clampedCount()
	if count == r.rawCount {
		return out
	}
	out[r.ruleIdx] = rrulePrefix + withCount(r.body, count)
	return out
}

// clampedCount is the COUNT value the serialized rule carries.
func (r *Rule) clampedCount() int {
	switch {
	case r.rawCount > r.max:
		return r.max
	case r.rawCount > 0:
		return r.rawCount
	case r.opt.Until.IsZero():
		return r.max
	default:
		return 0
	}
}

// Instances returns provider-shaped occurrences of the series. Ids follow
// the provider's instance id scheme so later per-instance deltas find them.
func (r *Rule) Instances() []*calendar.Event {
	out := make([]*calendar.Event, 0, len(r.starts))
	duration := r.times.End.Sub(r.times.Start)
	spanDays := daysBetween(r.times.Start, r.times.End)

	for _, start := range r.starts {
		inst := &calendar.Event{
			Id:               InstanceID(r.base.Id, start, r.times.AllDay),
			Status:           "confirmed",
			Summary:          r.base.Summary,
			Description:      r.base.Description,
			Location:         r.base.Location,
			RecurringEventId: r.base.Id,
		}
		if r.times.AllDay {
			inst.Start = &calendar.EventDateTime{Date: mapper.FormatDate(start)}
			inst.End = &calendar.EventDateTime{Date: mapper.FormatDate(start.AddDate(0, 0, spanDays))}
		} else {
			tz := r.base.Start.TimeZone
			inst.Start = &calendar.EventDateTime{DateTime: start.Format(time.RFC3339), TimeZone: tz}
			inst.End = &calendar.EventDateTime{DateTime: start.Add(duration).Format(time.RFC3339), TimeZone: tz}
		}
		inst.OriginalStartTime = &calendar.EventDateTime{
			Date:     inst.Start.Date,
			DateTime: inst.Start.DateTime,
			TimeZone: inst.Start.TimeZone,
		}
		out = append(out, inst)
	}
	return out
}

// LocalInstances maps Instances to local documents. Ids and the series
// back-reference are assigned when the series is persisted.
func (r *Rule) LocalInstances(user, cal string) ([]model.Event, error) {
	instances := r.Instances()
	out := make([]model.Event, 0, len(instances))
	for _, inst := range instances {
		ev, err := mapper.ToLocal(user, cal, inst)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

// DiffOptions returns the names of the structural options that differ
// between r and other. A non-empty result means the series shape changed.
func (r *Rule) DiffOptions(other *Rule) []string {
	if other == nil {
		return []string{"RRULE"}
	}

	var diff []string
	if r.opt.Freq != other.opt.Freq {
		diff = append(diff, "FREQ")
	}
	if interval(r.opt.Interval) != interval(other.opt.Interval) {
		diff = append(diff, "INTERVAL")
	}
	if !slices.Equal(weekdays(r.opt.Byweekday), weekdays(other.opt.Byweekday)) {
		diff = append(diff, "BYDAY")
	}
	if r.clampedCount() != other.clampedCount() {
		diff = append(diff, "COUNT")
	}
	if !r.opt.Until.Equal(other.opt.Until) {
		diff = append(diff, "UNTIL")
	}
	return diff
}

// InstanceID builds the provider's id for one occurrence of a series.
func InstanceID(baseID string, start time.Time, allDay bool) string {
	if allDay {
		return baseID + "_" + start.Format("20060102")
	}
	return baseID + "_" + start.UTC().Format("20060102T150405Z")
}

func parseCount(body string) (int, error) {
	for _, part := range strings.Split(body, ";") {
		key, value, ok := strings.Cut(part, "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(key), "COUNT") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return 0, err
		}
		if n <= 0 {
			return 0, errors.New("COUNT must be positive")
		}
		return n, nil
	}
	return 0, nil
}

func withCount(body string, count int) string {
	parts := strings.Split(body, ";")
	out := make([]string, 0, len(parts)+1)
	for _, part := range parts {
		key, _, _ := strings.Cut(part, "=")
		if strings.EqualFold(strings.TrimSpace(key), "COUNT") || strings.TrimSpace(part) == "" {
			continue
		}
		out = append(out, part)
	}
	if count > 0 {
		out = append(out, fmt.Sprintf("COUNT=%d", count))
	}
	return strings.Join(out, ";")
}

func interval(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}

func weekdays(days []rrule.Weekday) []string {
	out := make([]string, 0, len(days))
	for i := range days {
		out = append(out, fmt.Sprintf("%d:%d", days[i].Day(), days[i].N()))
	}
	slices.Sort(out)
	return out
}

// daysBetween counts calendar days from a to b, ignoring time of day.
func daysBetween(a, b time.Time) int {
	da := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	db := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	return int(db.Sub(da).Hours() / 24)
}
