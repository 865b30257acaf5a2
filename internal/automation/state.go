package automation

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ScheduleState is the lifecycle state of a schedule record.
type ScheduleState string

const (
	// StateIdle accumulates trigger progress; no trigger has fired.
	StateIdle ScheduleState = "idle"

	// StateTriggered has a fired trigger pending delay-wait and preparation.
	StateTriggered ScheduleState = "triggered"

	// StatePrepared has cached prepared content awaiting execution readiness.
	StatePrepared ScheduleState = "prepared"

	// StateExecuting has been handed to the execution delegate.
	StateExecuting ScheduleState = "executing"

	// StatePaused is the post-execution interval cooldown.
	StatePaused ScheduleState = "paused"

	// StateFinished is terminal; the record is retained for the edit grace
	// period and then deleted.
	StateFinished ScheduleState = "finished"
)

// AutomationScheduleData is the mutable persisted record for one schedule
// identifier. State transitions are the only legal mutator of ScheduleState
// and StateChangeDate; all other fields change alongside a transition inside
// a single atomic store update.
type AutomationScheduleData struct {
	Schedule AutomationSchedule `json:"schedule"`

	ScheduleState   ScheduleState `json:"schedule_state"`
	StateChangeDate time.Time     `json:"schedule_state_change_date"`

	ExecutionCount int `json:"execution_count"`

	TriggerInfo *TriggerInfo `json:"trigger_info,omitempty"`

	// TriggerSessionID correlates trigger firing with execution for
	// reporting. Regenerated on each new trigger session; records migrated
	// without one are assigned a fresh identifier on read.
	TriggerSessionID string `json:"trigger_session_id"`

	PreparedScheduleInfo *PreparedScheduleInfo `json:"prepared_schedule_info,omitempty"`

	AssociatedData json.RawMessage `json:"associated_data,omitempty"`
}

// isInState reports whether the record is in any of the given states.
func (d *AutomationScheduleData) isInState(states ...ScheduleState) bool {
	for _, s := range states {
		if d.ScheduleState == s {
			return true
		}
	}
	return false
}

// setState records a state transition and stamps the change date.
func (d *AutomationScheduleData) setState(state ScheduleState, now time.Time) {
	d.ScheduleState = state
	d.StateChangeDate = now
}

// isExpired reports whether the schedule's end date has passed.
func (d *AutomationScheduleData) isExpired(now time.Time) bool {
	return d.Schedule.EndDate != nil && !now.Before(*d.Schedule.EndDate)
}

// isActive reports whether the schedule is inside its start/end window.
func (d *AutomationScheduleData) isActive(now time.Time) bool {
	if d.Schedule.StartDate != nil && now.Before(*d.Schedule.StartDate) {
		return false
	}
	return !d.isExpired(now)
}

// isOverLimit reports whether the execution count has reached the limit.
func (d *AutomationScheduleData) isOverLimit() bool {
	limit := d.Schedule.executionLimit()
	return limit > 0 && d.ExecutionCount >= limit
}

// shouldDelete reports whether the record is past its end date and the edit
// grace period has fully elapsed, making it eligible for permanent deletion.
func (d *AutomationScheduleData) shouldDelete(now time.Time) bool {
	if d.Schedule.EndDate == nil {
		return false
	}
	deleteAfter := d.Schedule.EndDate.Add(d.Schedule.editGracePeriod())
	return !now.Before(deleteAfter)
}

// triggered moves the record into TRIGGERED, stamping the trigger snapshot
// and opening a fresh trigger session.
func (d *AutomationScheduleData) triggered(info TriggerInfo, now time.Time) {
	d.TriggerInfo = &info
	d.TriggerSessionID = uuid.NewString()
	d.PreparedScheduleInfo = nil
	d.setState(StateTriggered, now)
}

// prepared caches the prepared-schedule metadata and moves to PREPARED.
func (d *AutomationScheduleData) prepared(info PreparedScheduleInfo, now time.Time) {
	d.PreparedScheduleInfo = &info
	d.setState(StatePrepared, now)
}

// executing moves the record into EXECUTING.
func (d *AutomationScheduleData) executing(now time.Time) {
	d.setState(StateExecuting, now)
}

// finishedExecuting records one successful execution and settles the record:
// FINISHED when over limit or expired, PAUSED when an interval applies,
// otherwise back to IDLE.
func (d *AutomationScheduleData) finishedExecuting(now time.Time) {
	d.ExecutionCount++
	d.TriggerInfo = nil
	d.PreparedScheduleInfo = nil

	switch {
	case d.isOverLimit() || d.isExpired(now):
		d.setState(StateFinished, now)
	case d.Schedule.Interval() > 0:
		d.setState(StatePaused, now)
	default:
		d.setState(StateIdle, now)
	}
}

// executionSkipped consumes the trigger without an execution.
func (d *AutomationScheduleData) executionSkipped(now time.Time) {
	d.TriggerInfo = nil
	d.PreparedScheduleInfo = nil
	d.setState(StateIdle, now)
}

// executionPenalized consumes the trigger and applies the interval pause as
// a penalty when one is configured.
func (d *AutomationScheduleData) executionPenalized(now time.Time) {
	d.TriggerInfo = nil
	d.PreparedScheduleInfo = nil
	if d.Schedule.Interval() > 0 {
		d.setState(StatePaused, now)
	} else {
		d.setState(StateIdle, now)
	}
}

// executionCancelled aborts a pending trigger session, allowing the schedule
// to be re-triggered.
func (d *AutomationScheduleData) executionCancelled(now time.Time) {
	d.TriggerInfo = nil
	d.PreparedScheduleInfo = nil
	d.setState(StateIdle, now)
}

// executionInvalidated discards any prepared content and re-enters the
// trigger pipeline, keeping the trigger snapshot so delays stay anchored.
func (d *AutomationScheduleData) executionInvalidated(now time.Time) {
	d.PreparedScheduleInfo = nil
	d.setState(StateTriggered, now)
}

// prepareInterrupted reverts an interrupted record to TRIGGERED so
// preparation re-runs after restore.
func (d *AutomationScheduleData) prepareInterrupted(now time.Time) {
	d.PreparedScheduleInfo = nil
	d.setState(StateTriggered, now)
}

// finished moves the record to the terminal FINISHED state.
func (d *AutomationScheduleData) finished(now time.Time) {
	d.TriggerInfo = nil
	d.PreparedScheduleInfo = nil
	d.setState(StateFinished, now)
}

// idle returns the record to IDLE (interval pause elapsed).
func (d *AutomationScheduleData) idle(now time.Time) {
	d.setState(StateIdle, now)
}

// remainingPause computes the interval time left for a PAUSED record.
func (d *AutomationScheduleData) remainingPause(now time.Time) time.Duration {
	elapsed := now.Sub(d.StateChangeDate)
	remaining := d.Schedule.Interval() - elapsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// restoreOrder ranks states for deterministic restore handling: interrupted
// work first, then paused wake-ups, then idle accumulation, deletions last.
func restoreOrder(state ScheduleState) int {
	switch state {
	case StateExecuting:
		return 0
	case StatePrepared:
		return 1
	case StateTriggered:
		return 2
	case StatePaused:
		return 3
	case StateIdle:
		return 4
	case StateFinished:
		return 5
	default:
		return 6
	}
}
