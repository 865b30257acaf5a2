package automation

import "errors"

// Domain errors for the automation package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, automation.ErrScheduleNotFound) {
//	    // handle not found case
//	}
var (
	// ErrScheduleNotFound is returned when a schedule identifier does not exist.
	ErrScheduleNotFound = errors.New("schedule: not found")

	// ErrTriggerNotFound is returned when a trigger state row does not exist.
	ErrTriggerNotFound = errors.New("schedule: trigger not found")

	// ErrEngineStopped is returned when an operation is attempted on a
	// stopped engine.
	ErrEngineStopped = errors.New("schedule: engine stopped")

	// ErrInvalidSchedule is returned when a schedule definition fails validation.
	ErrInvalidSchedule = errors.New("schedule: invalid")
)
