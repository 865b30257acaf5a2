package automation

import (
	"context"
	"fmt"
)

// ReadyResult is a delegate's answer to "can this prepared schedule execute
// right now".
type ReadyResult string

const (
	// ReadyResultReady releases the schedule for execution.
	ReadyResultReady ReadyResult = "ready"

	// ReadyResultInvalidate discards the prepared content; the schedule
	// re-enters preparation.
	ReadyResultInvalidate ReadyResult = "invalidate"

	// ReadyResultNotReady keeps the schedule queued; the engine re-checks on
	// the next readiness change.
	ReadyResultNotReady ReadyResult = "not_ready"

	// ReadyResultSkip consumes the trigger without executing.
	ReadyResultSkip ReadyResult = "skip"
)

// ExecuteResult is a delegate's answer after an execution attempt.
type ExecuteResult string

const (
	// ExecuteResultFinished counts one successful execution.
	ExecuteResultFinished ExecuteResult = "finished"

	// ExecuteResultRetry re-queues the prepared schedule for another attempt.
	ExecuteResultRetry ExecuteResult = "retry"

	// ExecuteResultCancel abandons the schedule entirely.
	ExecuteResultCancel ExecuteResult = "cancel"
)

// InterruptedBehavior resolves a schedule found mid-execution after a crash.
type InterruptedBehavior string

const (
	// InterruptedBehaviorRetry re-prepares and re-executes the schedule.
	InterruptedBehaviorRetry InterruptedBehavior = "retry"

	// InterruptedBehaviorFinish counts the interrupted run as an execution.
	InterruptedBehaviorFinish InterruptedBehavior = "finish"
)

// ExecutorDelegate executes prepared content of one schedule data type.
// Implementations render messages or run action payloads; the engine owns
// all state transitions around them.
type ExecutorDelegate interface {
	// IsReady gates execution on delegate-side conditions (display
	// coordinator, app visibility).
	IsReady(ctx context.Context, prepared *PreparedSchedule) ReadyResult

	// Execute runs the prepared content, blocking until the delegate
	// relinquishes it (message dismissed, actions run).
	Execute(ctx context.Context, prepared *PreparedSchedule) (ExecuteResult, error)

	// Interrupted resolves a schedule that crashed mid-execution.
	Interrupted(ctx context.Context, info PreparedScheduleInfo) (InterruptedBehavior, error)

	// IsValid reports whether previously prepared content is still valid.
	IsValid(ctx context.Context, prepared *PreparedSchedule) bool
}

// Executor dispatches prepared schedules to the delegate registered for
// their content type and normalises delegate failures into retries.
type Executor struct {
	delegates map[ScheduleDataType]ExecutorDelegate
	logger    Logger
}

// NewExecutor creates an executor with no registered delegates.
func NewExecutor(logger Logger) *Executor {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Executor{
		delegates: make(map[ScheduleDataType]ExecutorDelegate),
		logger:    logger,
	}
}

// SetDelegate registers the delegate for a content type, replacing any
// previous registration.
func (e *Executor) SetDelegate(dataType ScheduleDataType, delegate ExecutorDelegate) {
	e.delegates[dataType] = delegate
}

// IsReady asks the content delegate whether the prepared schedule can
// execute. A missing delegate skips the schedule.
func (e *Executor) IsReady(ctx context.Context, prepared *PreparedSchedule) ReadyResult {
	delegate, ok := e.delegates[prepared.Data.Type]
	if !ok {
		e.logger.Warn("no executor delegate registered, skipping",
			"schedule_id", prepared.Info.ScheduleID,
			"type", string(prepared.Data.Type),
		)
		return ReadyResultSkip
	}

	// Frequency constraints are claimed at the execution boundary: the
	// check-and-increment is atomic, so two prepared schedules sharing a
	// constraint cannot both pass.
	if prepared.FrequencyChecker != nil && !prepared.FrequencyChecker.CheckAndIncrement() {
		return ReadyResultSkip
	}

	return delegate.IsReady(ctx, prepared)
}

// Execute runs the prepared schedule through its delegate. Delegate errors
// and panics degrade to a retry so a faulty delegate cannot strand a
// schedule in EXECUTING.
func (e *Executor) Execute(ctx context.Context, prepared *PreparedSchedule) (result ExecuteResult, err error) {
	delegate, ok := e.delegates[prepared.Data.Type]
	if !ok {
		return ExecuteResultCancel, fmt.Errorf("no delegate for type %q", prepared.Data.Type)
	}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("executor delegate panicked",
				"schedule_id", prepared.Info.ScheduleID,
				"panic", fmt.Sprint(r),
			)
			result = ExecuteResultRetry
			err = nil
		}
	}()

	result, err = delegate.Execute(ctx, prepared)
	if err != nil {
		e.logger.Warn("execution failed, retrying",
			"schedule_id", prepared.Info.ScheduleID,
			"error", err,
		)
		return ExecuteResultRetry, nil
	}
	return result, nil
}

// Interrupted resolves a schedule restored in EXECUTING. A missing delegate
// or delegate error retries the schedule from preparation.
func (e *Executor) Interrupted(ctx context.Context, dataType ScheduleDataType, info PreparedScheduleInfo) InterruptedBehavior {
	delegate, ok := e.delegates[dataType]
	if !ok {
		return InterruptedBehaviorRetry
	}
	behavior, err := delegate.Interrupted(ctx, info)
	if err != nil {
		e.logger.Warn("interrupted resolution failed, retrying schedule",
			"schedule_id", info.ScheduleID,
			"error", err,
		)
		return InterruptedBehaviorRetry
	}
	return behavior
}

// IsValid reports whether prepared content is still executable. A missing
// delegate invalidates.
func (e *Executor) IsValid(ctx context.Context, prepared *PreparedSchedule) bool {
	delegate, ok := e.delegates[prepared.Data.Type]
	if !ok {
		return false
	}
	return delegate.IsValid(ctx, prepared)
}
