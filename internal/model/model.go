package model

import "time"

const (
	// DateLayout is the encoding of all-day start/end dates.
	DateLayout = "2006-01-02"
	// DateTimeLayout is the encoding of timed start/end values. The offset
	// is always numeric so the calendar date occupies the first 10 bytes
	// and the offset starts at byte 19.
	DateTimeLayout = "2006-01-02T15:04:05-07:00"
)

// Recurrence links a local event to its series. On a base, Rule holds the
// recurrence lines and EventID is the base's own local id. On an instance,
// Rule is empty and EventID points at the base's local id.
type Recurrence struct {
	Rule    []string `json:"rule,omitempty"`
	EventID string   `json:"eventId,omitempty"`
}

// Event is a normalized local calendar event.
type Event struct {
	ID       string `json:"id"`                 // local id (UUIDv7)
	User     string `json:"user"`               // owning user
	Calendar string `json:"calendar,omitempty"` // calendar reference the event was imported from

	ProviderEventID          string `json:"providerEventId"`
	ProviderRecurringEventID string `json:"providerRecurringEventId,omitempty"` // set only on instances

	Recurrence *Recurrence `json:"recurrence,omitempty"`

	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`

	// StartDate / EndDate use DateLayout for all-day events and
	// DateTimeLayout otherwise.
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate"`
	IsAllDay  bool   `json:"isAllDay"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Rule returns the recurrence lines of a base, or nil.
func (e Event) Rule() []string {
	if e.Recurrence == nil {
		return nil
	}
	return e.Recurrence.Rule
}

// SeriesID returns the local id of the series base this event belongs to.
func (e Event) SeriesID() string {
	if e.Recurrence == nil {
		return ""
	}
	return e.Recurrence.EventID
}

// Standalone returns a copy of e stripped of every recurrence field.
func (e Event) Standalone() Event {
	out := e
	out.Recurrence = nil
	out.ProviderRecurringEventID = ""
	return out
}
