// Package classify decides which category a provider or local event falls
// into. The predicates are pure and are the ground truth every other
// package composes on.
package classify

import (
	"strings"

	"google.golang.org/api/calendar/v3"

	"compasscal/internal/model"
)

// IsBase reports whether e carries a recurrence rule and no back-reference.
func IsBase(e *calendar.Event) bool {
	return e != nil && hasRule(e.Recurrence) && e.RecurringEventId == ""
}

// IsInstance reports whether e points at a recurring base.
func IsInstance(e *calendar.Event) bool {
	return e != nil && e.RecurringEventId != ""
}

// IsRegular reports whether e is neither a base nor an instance.
func IsRegular(e *calendar.Event) bool {
	return !IsBase(e) && !IsInstance(e)
}

// Provider returns the category of a provider event.
func Provider(e *calendar.Event) model.Category {
	switch {
	case IsInstance(e):
		return model.RecurrenceInstance
	case IsBase(e):
		return model.RecurrenceBase
	default:
		return model.Standalone
	}
}

func IsLocalBase(e model.Event) bool {
	return hasRule(e.Rule()) && e.ProviderRecurringEventID == ""
}

func IsLocalInstance(e model.Event) bool {
	return e.ProviderRecurringEventID != ""
}

func IsLocalRegular(e model.Event) bool {
	return !IsLocalBase(e) && !IsLocalInstance(e)
}

// Local returns the category of a stored event.
func Local(e model.Event) model.Category {
	switch {
	case IsLocalInstance(e):
		return model.RecurrenceInstance
	case IsLocalBase(e):
		return model.RecurrenceBase
	default:
		return model.Standalone
	}
}

func hasRule(lines []string) bool {
	for _, line := range lines {
		if strings.TrimSpace(line) != "" {
			return true
		}
	}
	return false
}
