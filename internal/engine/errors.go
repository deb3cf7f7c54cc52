package engine

import (
	"errors"
	"fmt"

	"compasscal/internal/model"
)

// TransitionError reports a (prior, incoming, status) triple with no route.
// It signals a programming error, never a data problem.
type TransitionError struct {
	EventID    string
	Transition model.Transition
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("engine: unsupported transition %s for event %s", e.Transition, e.EventID)
}

// IsTransitionError reports whether err is, or wraps, a *TransitionError.
func IsTransitionError(err error) bool {
	var te *TransitionError
	return errors.As(err, &te)
}

// OrphanInstanceError reports an instance whose base is not stored, such
// as an occurrence of a base that was skipped for an unparsable rule.
type OrphanInstanceError struct {
	EventID string
	BaseID  string
}

func (e *OrphanInstanceError) Error() string {
	return fmt.Sprintf("engine: instance %s has no stored base %s", e.EventID, e.BaseID)
}

// IsOrphanInstanceError reports whether err is, or wraps, an *OrphanInstanceError.
func IsOrphanInstanceError(err error) bool {
	var oe *OrphanInstanceError
	return errors.As(err, &oe)
}
