package model

import "fmt"

// Category is the derived shape of an event. It is never stored.
type Category uint8

const (
	Standalone Category = iota + 1
	RecurrenceBase
	RecurrenceInstance
)

// Categories lists every category, in declaration order.
var Categories = []Category{Standalone, RecurrenceBase, RecurrenceInstance}

func (c Category) String() string {
	switch c {
	case Standalone:
		return "STANDALONE"
	case RecurrenceBase:
		return "RECURRENCE_BASE"
	case RecurrenceInstance:
		return "RECURRENCE_INSTANCE"
	default:
		return "NIL"
	}
}

// Status is the provider status collapsed to the two states the engine acts on.
type Status uint8

const (
	Confirmed Status = iota + 1
	Cancelled
)

// Statuses lists every status.
var Statuses = []Status{Confirmed, Cancelled}

func (s Status) String() string {
	switch s {
	case Confirmed:
		return "CONFIRMED"
	case Cancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// StatusOf maps a provider status string. Anything that is not
// "cancelled" (confirmed, tentative, empty) counts as confirmed.
func StatusOf(providerStatus string) Status {
	if providerStatus == "cancelled" {
		return Cancelled
	}
	return Confirmed
}

// Transition is (prior category of the local match, incoming category,
// incoming status). Prior is zero when no local match existed.
type Transition struct {
	Prior    Category
	Incoming Category
	Status   Status
}

// HasPrior reports whether a local match existed.
func (t Transition) HasPrior() bool {
	return t.Prior != 0
}

func (t Transition) String() string {
	return fmt.Sprintf("[%s, %s_%s]", t.Prior, t.Incoming, t.Status)
}

// MarshalJSON encodes the transition as the two-element array
// [prior|null, "INCOMING_STATUS"].
func (t Transition) MarshalJSON() ([]byte, error) {
	prior := "null"
	if t.HasPrior() {
		prior = `"` + t.Prior.String() + `"`
	}
	return []byte(`[` + prior + `,"` + t.Incoming.String() + `_` + t.Status.String() + `"]`), nil
}

// Operation is the mutation the engine performed.
type Operation string

const (
	SeriesCreated          Operation = "SERIES_CREATED"
	SeriesUpdated          Operation = "SERIES_UPDATED"
	SeriesDeleted          Operation = "SERIES_DELETED"
	InstanceCreated        Operation = "RECURRENCE_INSTANCE_CREATED"
	InstanceUpdated        Operation = "RECURRENCE_INSTANCE_UPDATED"
	InstanceDeleted        Operation = "RECURRENCE_INSTANCE_DELETED"
	RegularCreated         Operation = "REGULAR_CREATED"
	RegularUpdated         Operation = "REGULAR_UPDATED"
	RegularDeleted         Operation = "REGULAR_DELETED"
	AllDayInstancesUpdated Operation = "ALLDAY_INSTANCES_UPDATED"
	TimedInstancesUpdated  Operation = "TIMED_INSTANCES_UPDATED"
)

// Change is the externally visible result of processing one provider event.
type Change struct {
	Owner      string     `json:"owner"`
	LocalID    string     `json:"localId"`
	Title      string     `json:"title"`
	Category   Category   `json:"category"`
	Transition Transition `json:"transition"`
	Operation  Operation  `json:"operation"`
}

// MarshalText lets Category render by name in JSON map keys and fields.
func (c Category) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}
