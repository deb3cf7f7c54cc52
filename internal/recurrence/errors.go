package recurrence

import (
	"errors"
	"fmt"
)

// ParseError reports a recurrence that cannot be expanded: missing times,
// no RRULE line, malformed rule text, or a non-positive COUNT.
type ParseError struct {
	EventID string
	Rule    string
	Reason  string
	Err     error
}

func (e *ParseError) Error() string {
	msg := fmt.Sprintf("recurrence: %s", e.Reason)
	if e.EventID != "" {
		msg += fmt.Sprintf(" (event=%s)", e.EventID)
	}
	if e.Rule != "" {
		msg += fmt.Sprintf(" (rule=%q)", e.Rule)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// IsParseError reports whether err is, or wraps, a *ParseError.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}
