package ride

import (
	"errors"
	"fmt"
)

// InvalidTransitionError reports a status change that is not legal from the
// ride's current state. It signals a local bug or a stale client and is
// always returned to the caller, never raised as a fatal condition.
type InvalidTransitionError struct {
	RideID string
	From   Status
	To     Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("ride %s: invalid transition %s -> %s", e.RideID, e.From, e.To)
}

// IsInvalidTransition reports whether err is an InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var ite *InvalidTransitionError
	return errors.As(err, &ite)
}
