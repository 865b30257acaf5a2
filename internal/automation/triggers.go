package automation

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// TriggerExecutionType distinguishes what a fired trigger does to its
// schedule.
type TriggerExecutionType string

const (
	// TriggerExecutionTypeExecution fires the schedule into TRIGGERED.
	TriggerExecutionTypeExecution TriggerExecutionType = "execution"

	// TriggerExecutionTypeDelayCancellation aborts a pending delay wait.
	TriggerExecutionTypeDelayCancellation TriggerExecutionType = "delay_cancellation"
)

// TriggerResult is emitted when a trigger's accumulated count reaches its
// goal.
type TriggerResult struct {
	ScheduleID           string
	TriggerExecutionType TriggerExecutionType
	TriggerInfo          TriggerInfo
}

// TriggerProcessor matches feed events against schedule triggers and emits
// TriggerResults. The engine keeps it informed of schedule definitions and
// state transitions; the processor owns per-trigger accumulation state.
type TriggerProcessor interface {
	// UpdateSchedules replaces the trigger definitions for the given
	// schedules (upsert path). Redefining a schedule resets its accumulated
	// trigger progress.
	UpdateSchedules(ctx context.Context, schedules []*AutomationScheduleData) error

	// RestoreSchedules primes the processor with the persisted schedules at
	// engine start and drops accumulation state for schedules that no longer
	// exist.
	RestoreSchedules(ctx context.Context, schedules []*AutomationScheduleData) error

	// Cancel removes the given schedules and their accumulation state.
	Cancel(ctx context.Context, scheduleIDs []string) error

	// UpdateScheduleState informs the processor of a state transition so it
	// can select which trigger class is countable.
	UpdateScheduleState(scheduleID string, state ScheduleState)

	// ProcessEvent advances trigger counts for one feed event.
	ProcessEvent(ctx context.Context, event AutomationEvent) error

	// SetPaused stops event processing while paused.
	SetPaused(paused bool)

	// TriggerResults is the stream of fired triggers, consumed by the engine.
	TriggerResults() <-chan TriggerResult
}

// trackedSchedule is the in-memory view the counting processor keeps per
// schedule: trigger definitions plus the last known state.
type trackedSchedule struct {
	executionTriggers    []AutomationTrigger
	cancellationTriggers []AutomationTrigger
	state                ScheduleState
}

// CountingTriggerProcessor is a single-trigger goal-counting implementation
// of TriggerProcessor. Each trigger accumulates matching event values toward
// its goal; on reaching the goal the count resets and a TriggerResult is
// emitted. Execution triggers count only while the schedule is IDLE;
// delay-cancellation triggers count while it is TRIGGERED or PREPARED.
//
// Compound trigger expressions are not supported; each trigger matches
// independently on its event type.
type CountingTriggerProcessor struct {
	mu        sync.Mutex
	schedules map[string]*trackedSchedule
	paused    bool

	store   ScheduleStore
	clock   Clock
	logger  Logger
	results chan TriggerResult
}

// NewCountingTriggerProcessor creates a counting processor backed by the
// store's trigger state operations.
func NewCountingTriggerProcessor(store ScheduleStore, clock Clock, logger Logger) *CountingTriggerProcessor {
	if clock == nil {
		clock = SystemClock
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &CountingTriggerProcessor{
		schedules: make(map[string]*trackedSchedule),
		store:     store,
		clock:     clock,
		logger:    logger,
		results:   make(chan TriggerResult, 32),
	}
}

// TriggerResults returns the fired-trigger stream.
func (p *CountingTriggerProcessor) TriggerResults() <-chan TriggerResult {
	return p.results
}

// SetPaused stops or resumes event processing.
func (p *CountingTriggerProcessor) SetPaused(paused bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = paused
}

// UpdateSchedules replaces trigger definitions for the given schedules and
// discards accumulation state for triggers no longer defined.
func (p *CountingTriggerProcessor) UpdateSchedules(ctx context.Context, schedules []*AutomationScheduleData) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, data := range schedules {
		p.track(data)

		// Redefining a schedule resets its trigger progress; kept triggers
		// repopulate from zero on the next matching event.
		if err := p.store.DeleteTriggersForSchedules(ctx, []string{data.Schedule.ID}); err != nil {
			return fmt.Errorf("resetting trigger state for %q: %w", data.Schedule.ID, err)
		}
	}
	return nil
}

// RestoreSchedules primes the processor at engine start. Accumulation state
// belonging to schedules outside the restored set is deleted.
func (p *CountingTriggerProcessor) RestoreSchedules(ctx context.Context, schedules []*AutomationScheduleData) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]string, 0, len(schedules))
	for _, data := range schedules {
		p.track(data)
		ids = append(ids, data.Schedule.ID)
	}
	if err := p.store.DeleteTriggersExcluding(ctx, ids); err != nil {
		return fmt.Errorf("pruning stale trigger state: %w", err)
	}
	return nil
}

// Cancel removes the given schedules and all their accumulation state.
func (p *CountingTriggerProcessor) Cancel(ctx context.Context, scheduleIDs []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, id := range scheduleIDs {
		delete(p.schedules, id)
	}
	if err := p.store.DeleteTriggersForSchedules(ctx, scheduleIDs); err != nil {
		return fmt.Errorf("deleting trigger state: %w", err)
	}
	return nil
}

// UpdateScheduleState records a schedule's state transition.
func (p *CountingTriggerProcessor) UpdateScheduleState(scheduleID string, state ScheduleState) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if tracked, ok := p.schedules[scheduleID]; ok {
		tracked.state = state
	}
}

// ProcessEvent advances the counts of every countable trigger matching the
// event and emits results for triggers that reach their goal.
func (p *CountingTriggerProcessor) ProcessEvent(ctx context.Context, event AutomationEvent) error {
	if event.Kind != EventKindTrigger || event.Trigger == nil {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.paused {
		return nil
	}

	var errs []error
	for scheduleID, tracked := range p.schedules {
		switch {
		case tracked.state == StateIdle:
			if err := p.countMatches(ctx, scheduleID, tracked.executionTriggers, TriggerExecutionTypeExecution, *event.Trigger); err != nil {
				errs = append(errs, err)
			}
		case tracked.state == StateTriggered || tracked.state == StatePrepared:
			if err := p.countMatches(ctx, scheduleID, tracked.cancellationTriggers, TriggerExecutionTypeDelayCancellation, *event.Trigger); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// track replaces the in-memory definitions for one schedule, preserving the
// persisted state's view of where the schedule is in its lifecycle.
func (p *CountingTriggerProcessor) track(data *AutomationScheduleData) *trackedSchedule {
	tracked := &trackedSchedule{
		executionTriggers: data.Schedule.Triggers,
		state:             data.ScheduleState,
	}
	if data.Schedule.Delay != nil {
		tracked.cancellationTriggers = data.Schedule.Delay.CancellationTriggers
	}
	p.schedules[data.Schedule.ID] = tracked
	return tracked
}

// countMatches advances counts for every trigger matching the event type.
// Caller holds p.mu.
func (p *CountingTriggerProcessor) countMatches(ctx context.Context, scheduleID string, triggers []AutomationTrigger, execType TriggerExecutionType, event TriggerEvent) error {
	for _, trigger := range triggers {
		if trigger.Type != event.Type {
			continue
		}

		count := 0.0
		stored, err := p.store.GetTrigger(ctx, scheduleID, trigger.ID)
		switch {
		case err == nil:
			count = stored.Count
		case errors.Is(err, ErrTriggerNotFound):
			// first occurrence
		default:
			return fmt.Errorf("reading trigger state: %w", err)
		}

		count += event.goalValue()
		goal := trigger.Goal
		if goal <= 0 {
			goal = 1
		}

		if count >= goal {
			if err := p.store.UpsertTriggers(ctx, []*TriggerData{{ScheduleID: scheduleID, TriggerID: trigger.ID, Count: 0}}); err != nil {
				return fmt.Errorf("resetting trigger count: %w", err)
			}
			p.emit(scheduleID, execType, event)
			continue
		}

		if err := p.store.UpsertTriggers(ctx, []*TriggerData{{ScheduleID: scheduleID, TriggerID: trigger.ID, Count: count}}); err != nil {
			return fmt.Errorf("persisting trigger count: %w", err)
		}
	}
	return nil
}

// emit publishes a fired trigger, dropping it with a log entry if the
// consumer has stalled rather than deadlocking event processing.
func (p *CountingTriggerProcessor) emit(scheduleID string, execType TriggerExecutionType, event TriggerEvent) {
	result := TriggerResult{
		ScheduleID:           scheduleID,
		TriggerExecutionType: execType,
		TriggerInfo: TriggerInfo{
			Context: event.Data,
			Date:    p.clock.Now(),
		},
	}
	select {
	case p.results <- result:
	default:
		p.logger.Warn("trigger result dropped, consumer stalled",
			"schedule_id", scheduleID,
			"type", string(execType),
		)
	}
}
