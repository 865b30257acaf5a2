package automation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// defaultExecutionRetryDelay spaces execution retry attempts when the
// delegate asks for another try.
const defaultExecutionRetryDelay = 30 * time.Second

// EngineConfig bundles the engine's collaborators and tunables.
type EngineConfig struct {
	Store    ScheduleStore
	Triggers TriggerProcessor
	Feed     *EventFeed
	Preparer *Preparer
	Executor *Executor
	Delay    *DelayProcessor

	// RemoteData, when set, gates execution on remote-data currency: a
	// prepared schedule whose backing data went stale is re-prepared instead
	// of executed.
	RemoteData RemoteDataAccess

	Clock   Clock
	Sleeper Sleeper
	Metrics *Metrics
	Logger  Logger

	// ExecutionRetryDelay spaces retry attempts after an execution RETRY.
	ExecutionRetryDelay time.Duration

	// StartPaused starts the engine with trigger processing paused.
	StartPaused bool
}

// preprocessJob tracks one in-flight delay-wait/prepare goroutine so it can
// be cancelled by schedule edits or delay-cancellation triggers.
type preprocessJob struct {
	scheduleID string
	cancel     context.CancelFunc
}

// Engine drives schedules through their lifecycle: it consumes trigger
// results, waits out delays, runs the prepare pipeline, and releases prepared
// schedules one at a time through the priority-ordered pending queue.
//
// All persisted state changes go through the store's atomic update before
// the trigger processor is notified, so a crash between the two at worst
// replays a notification.
type Engine struct {
	store      ScheduleStore
	triggers   TriggerProcessor
	feed       *EventFeed
	preparer   *Preparer
	executor   *Executor
	delay      *DelayProcessor
	remoteData RemoteDataAccess

	clock               Clock
	sleeper             Sleeper
	metrics             *Metrics
	logger              Logger
	executionRetryDelay time.Duration

	enginePaused    *Cell[bool]
	executionPaused *Cell[bool]
	pending         *pendingQueue

	mu      sync.Mutex
	jobs    map[uint64]*preprocessJob
	nextJob uint64
	started bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates an engine. Start must be called before schedules flow.
func NewEngine(cfg EngineConfig) *Engine {
	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock
	}
	sleeper := cfg.Sleeper
	if sleeper == nil {
		sleeper = SystemSleeper
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	retryDelay := cfg.ExecutionRetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultExecutionRetryDelay
	}
	return &Engine{
		store:               cfg.Store,
		triggers:            cfg.Triggers,
		feed:                cfg.Feed,
		preparer:            cfg.Preparer,
		executor:            cfg.Executor,
		delay:               cfg.Delay,
		remoteData:          cfg.RemoteData,
		clock:               clock,
		sleeper:             sleeper,
		metrics:             cfg.Metrics,
		logger:              logger,
		executionRetryDelay: retryDelay,
		enginePaused:        NewCell(cfg.StartPaused),
		executionPaused:     NewCell(false),
		pending:             newPendingQueue(),
		jobs:                make(map[uint64]*preprocessJob),
	}
}

// Start restores persisted schedules and begins processing. It must be
// called exactly once.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("engine already started")
	}
	e.started = true
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.mu.Unlock()

	e.triggers.SetPaused(e.enginePaused.Get())

	if err := e.restore(e.ctx); err != nil {
		return fmt.Errorf("restoring schedules: %w", err)
	}

	e.wg.Add(3)
	go e.consumeEvents()
	go e.consumeTriggerResults()
	go e.consumePending()

	e.logger.Info("automation engine started")
	return nil
}

// Stop cancels all in-flight work and waits for the engine goroutines.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.cancel != nil {
		e.cancel()
	}
	e.mu.Unlock()

	e.preparer.CancelAll()
	e.wg.Wait()
	e.logger.Info("automation engine stopped")
}

// ─── Public API ─────────────────────────────────────────────────────────────

// UpsertSchedules inserts new schedules and merges updated definitions into
// existing records, preserving lifecycle state and execution counts. A
// FINISHED record whose new definition raises the limit or extends the end
// date is resurrected to IDLE. All in-flight preprocessing is cancelled and
// affected schedules re-enter the pipeline from their stored state.
func (e *Engine) UpsertSchedules(ctx context.Context, schedules []AutomationSchedule) error {
	if err := e.running(); err != nil {
		return err
	}
	byID := make(map[string]*AutomationSchedule, len(schedules))
	ids := make([]string, 0, len(schedules))
	for i := range schedules {
		if schedules[i].ID == "" {
			return fmt.Errorf("%w: missing id", ErrInvalidSchedule)
		}
		byID[schedules[i].ID] = &schedules[i]
		ids = append(ids, schedules[i].ID)
	}

	// Edits race in-flight preparation against stale definitions; cancel all
	// preprocessing and rebuild from stored state afterwards.
	e.cancelAllPreprocessing()
	e.preparer.CancelAll()

	now := e.clock.Now()
	updated, err := e.store.UpsertSchedules(ctx, ids, func(id string, existing *AutomationScheduleData) (*AutomationScheduleData, error) {
		schedule := byID[id]
		if existing == nil {
			data := &AutomationScheduleData{
				Schedule:      *schedule,
				ScheduleState: StateIdle,
			}
			if data.Schedule.Created.IsZero() {
				data.Schedule.Created = now
			}
			data.setState(StateIdle, now)
			return data, nil
		}

		existing.Schedule = *schedule
		if existing.Schedule.Created.IsZero() {
			existing.Schedule.Created = now
		}
		// Raising the limit or extending the end date brings a finished
		// schedule back into play.
		if existing.ScheduleState == StateFinished && !existing.isOverLimit() && !existing.isExpired(now) {
			existing.idle(now)
		}
		return existing, nil
	})
	if err != nil {
		return fmt.Errorf("upserting schedules: %w", err)
	}

	if err := e.triggers.UpdateSchedules(ctx, updated); err != nil {
		return fmt.Errorf("updating trigger definitions: %w", err)
	}
	for _, data := range updated {
		e.triggers.UpdateScheduleState(data.Schedule.ID, data.ScheduleState)
	}

	// Restart the pipeline for records the cancellation stranded mid-delay
	// or mid-prepare. PREPARED records stay queued: the execution-boundary
	// equality check re-prepares them if the definition changed.
	for _, data := range updated {
		if data.ScheduleState == StateTriggered {
			e.reprocess(data)
		}
	}
	return nil
}

// StopSchedules ends the given schedules now: the end date is set to the
// current time and the records move to FINISHED, retained for their edit
// grace period.
func (e *Engine) StopSchedules(ctx context.Context, ids []string) error {
	if err := e.running(); err != nil {
		return err
	}
	e.cancelPreprocessing(ids)
	e.pending.Remove(ids)
	e.metrics.setPendingDepth(e.pending.Len())

	now := e.clock.Now()
	for _, id := range ids {
		e.preparer.Cancelled(id)
		_, err := e.updateSchedule(ctx, id, func(d *AutomationScheduleData) {
			end := now
			d.Schedule.EndDate = &end
			d.finished(now)
		})
		if err != nil && !errors.Is(err, ErrScheduleNotFound) {
			return fmt.Errorf("stopping schedule %q: %w", id, err)
		}
	}
	return nil
}

// CancelSchedules permanently removes the given schedules and all their
// state.
func (e *Engine) CancelSchedules(ctx context.Context, ids []string) error {
	return e.cancelAndDelete(ctx, ids)
}

// CancelSchedulesByGroup permanently removes every schedule in the group.
func (e *Engine) CancelSchedulesByGroup(ctx context.Context, group string) error {
	records, err := e.store.GetSchedulesByGroup(ctx, group)
	if err != nil {
		return fmt.Errorf("listing group %q: %w", group, err)
	}
	ids := make([]string, 0, len(records))
	for _, data := range records {
		ids = append(ids, data.Schedule.ID)
	}
	return e.cancelAndDelete(ctx, ids)
}

// CancelSchedulesByType permanently removes every schedule whose data payload
// has the given type.
func (e *Engine) CancelSchedulesByType(ctx context.Context, dataType ScheduleDataType) error {
	records, err := e.store.GetSchedules(ctx)
	if err != nil {
		return fmt.Errorf("listing schedules: %w", err)
	}
	var ids []string
	for _, data := range records {
		if data.Schedule.Data.Type == dataType {
			ids = append(ids, data.Schedule.ID)
		}
	}
	return e.cancelAndDelete(ctx, ids)
}

// GetSchedule returns one schedule record.
func (e *Engine) GetSchedule(ctx context.Context, id string) (*AutomationScheduleData, error) {
	return e.store.GetSchedule(ctx, id)
}

// GetSchedules returns all schedule records.
func (e *Engine) GetSchedules(ctx context.Context) ([]*AutomationScheduleData, error) {
	return e.store.GetSchedules(ctx)
}

// SetEnginePaused pauses or resumes the whole engine: trigger processing
// stops and queued executions hold.
func (e *Engine) SetEnginePaused(paused bool) {
	e.enginePaused.Set(paused)
	e.triggers.SetPaused(paused)
}

// SetExecutionPaused pauses or resumes execution only; triggers and
// preparation keep running.
func (e *Engine) SetExecutionPaused(paused bool) {
	e.executionPaused.Set(paused)
}

// ─── Restore ────────────────────────────────────────────────────────────────

// restore rebuilds in-flight work from persisted state. Interrupted work is
// handled first so restored executions precede fresh trigger accumulation.
func (e *Engine) restore(ctx context.Context) error {
	records, err := e.store.GetSchedules(ctx)
	if err != nil {
		return err
	}

	sort.SliceStable(records, func(i, j int) bool {
		oi, oj := restoreOrder(records[i].ScheduleState), restoreOrder(records[j].ScheduleState)
		if oi != oj {
			return oi < oj
		}
		return records[i].Schedule.Priority < records[j].Schedule.Priority
	})

	now := e.clock.Now()
	var expired []string
	var survivors []*AutomationScheduleData
	for _, data := range records {
		if data.shouldDelete(now) {
			expired = append(expired, data.Schedule.ID)
			continue
		}
		survivors = append(survivors, data)
	}

	if len(expired) > 0 {
		if err := e.deleteRecords(ctx, expired); err != nil {
			return err
		}
	}
	if err := e.triggers.RestoreSchedules(ctx, survivors); err != nil {
		return fmt.Errorf("restoring trigger state: %w", err)
	}

	for _, data := range survivors {
		e.restoreRecord(ctx, data)
	}
	return nil
}

// restoreRecord resumes one persisted record from wherever it stopped.
func (e *Engine) restoreRecord(ctx context.Context, data *AutomationScheduleData) {
	switch data.ScheduleState {
	case StateExecuting:
		e.restoreExecuting(ctx, data)

	case StatePrepared, StateTriggered:
		// Prepared content is never persisted; both states re-run the
		// pipeline from the stored trigger snapshot.
		updated, err := e.updateSchedule(ctx, data.Schedule.ID, func(d *AutomationScheduleData) {
			d.prepareInterrupted(e.clock.Now())
		})
		if err != nil {
			e.logger.Error("restore failed", "schedule_id", data.Schedule.ID, "error", err)
			return
		}
		e.reprocess(updated)

	case StatePaused:
		e.schedulePauseWakeup(data)

	case StateIdle, StateFinished:
		// Nothing in flight.
	}
}

// restoreExecuting resolves a record interrupted mid-execution via the
// delegate's Interrupted answer.
func (e *Engine) restoreExecuting(ctx context.Context, data *AutomationScheduleData) {
	var info PreparedScheduleInfo
	if data.PreparedScheduleInfo != nil {
		info = *data.PreparedScheduleInfo
	} else {
		info.ScheduleID = data.Schedule.ID
	}

	behavior := e.executor.Interrupted(ctx, data.Schedule.Data.Type, info)
	now := e.clock.Now()

	switch behavior {
	case InterruptedBehaviorFinish:
		updated, err := e.updateSchedule(ctx, data.Schedule.ID, func(d *AutomationScheduleData) {
			d.finishedExecuting(now)
		})
		if err != nil {
			e.logger.Error("restore finish failed", "schedule_id", data.Schedule.ID, "error", err)
			return
		}
		e.settleAfterExecution(ctx, updated)

	default: // retry
		updated, err := e.updateSchedule(ctx, data.Schedule.ID, func(d *AutomationScheduleData) {
			d.prepareInterrupted(now)
		})
		if err != nil {
			e.logger.Error("restore retry failed", "schedule_id", data.Schedule.ID, "error", err)
			return
		}
		e.reprocess(updated)
	}
}

// ─── Trigger result handling ────────────────────────────────────────────────

// consumeEvents pumps the feed into the trigger processor.
func (e *Engine) consumeEvents() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case event, ok := <-e.feed.Events():
			if !ok {
				return
			}
			if err := e.triggers.ProcessEvent(e.ctx, event); err != nil {
				e.logger.Error("event processing failed", "error", err)
			}
		}
	}
}

// consumeTriggerResults applies fired triggers to schedule records. Each
// result is isolated: a failure (or panic) in one cannot stall the stream.
func (e *Engine) consumeTriggerResults() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case result := <-e.triggers.TriggerResults():
			e.handleTriggerResult(e.ctx, result)
		}
	}
}

func (e *Engine) handleTriggerResult(ctx context.Context, result TriggerResult) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("trigger result handling panicked",
				"schedule_id", result.ScheduleID, "panic", fmt.Sprint(r))
		}
	}()

	e.metrics.observeTrigger(result.TriggerExecutionType)

	switch result.TriggerExecutionType {
	case TriggerExecutionTypeExecution:
		e.handleExecutionTrigger(ctx, result)
	case TriggerExecutionTypeDelayCancellation:
		e.handleDelayCancellation(ctx, result)
	}
}

// handleExecutionTrigger moves an idle, in-window schedule to TRIGGERED and
// starts its delay/prepare pipeline.
func (e *Engine) handleExecutionTrigger(ctx context.Context, result TriggerResult) {
	now := e.clock.Now()
	fired := false
	updated, err := e.updateSchedule(ctx, result.ScheduleID, func(d *AutomationScheduleData) {
		if d.ScheduleState != StateIdle || !d.isActive(now) || d.isOverLimit() {
			return
		}
		d.triggered(result.TriggerInfo, now)
		fired = true
	})
	if err != nil {
		if !errors.Is(err, ErrScheduleNotFound) {
			e.logger.Error("trigger apply failed", "schedule_id", result.ScheduleID, "error", err)
		}
		return
	}
	if fired {
		e.reprocess(updated)
	}
}

// handleDelayCancellation aborts a pending trigger session.
func (e *Engine) handleDelayCancellation(ctx context.Context, result TriggerResult) {
	e.cancelPreprocessing([]string{result.ScheduleID})
	e.preparer.Cancelled(result.ScheduleID)
	e.pending.Remove([]string{result.ScheduleID})
	e.metrics.setPendingDepth(e.pending.Len())

	now := e.clock.Now()
	_, err := e.updateSchedule(ctx, result.ScheduleID, func(d *AutomationScheduleData) {
		if d.isInState(StateTriggered, StatePrepared) {
			d.executionCancelled(now)
		}
	})
	if err != nil && !errors.Is(err, ErrScheduleNotFound) {
		e.logger.Error("delay cancellation failed", "schedule_id", result.ScheduleID, "error", err)
	}
}

// ─── Preprocessing (delay wait + prepare) ───────────────────────────────────

// reprocess launches the delay-wait/prepare pipeline for a TRIGGERED record.
func (e *Engine) reprocess(data *AutomationScheduleData) {
	e.mu.Lock()
	if e.ctx == nil || e.ctx.Err() != nil {
		e.mu.Unlock()
		return
	}
	jobCtx, cancel := context.WithCancel(e.ctx)
	jobID := e.nextJob
	e.nextJob++
	e.jobs[jobID] = &preprocessJob{scheduleID: data.Schedule.ID, cancel: cancel}
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.jobs, jobID)
			e.mu.Unlock()
			cancel()
		}()
		e.preprocess(jobCtx, data)
	}()
}

// preprocess waits out the delay and hands the schedule to the preparer. A
// cancelled job leaves the record in TRIGGERED; a later restore or upsert
// resumes it.
func (e *Engine) preprocess(ctx context.Context, data *AutomationScheduleData) {
	if data.Schedule.Delay != nil && data.TriggerInfo != nil {
		if err := e.delay.Process(ctx, data.Schedule.Delay, data.TriggerInfo.Date); err != nil {
			return
		}
	}
	if ctx.Err() != nil {
		return
	}

	// Ownership of cancellation transfers to the preparer here: the attempt
	// is registered in its in-flight set and outlives this job, so the
	// engine-lifetime context backs it and Cancelled/CancelAll (invoked by
	// every cancellation path) is what aborts it.
	e.preparer.Prepare(e.ctx, data, func(result SchedulePrepareResult) {
		e.handlePrepareResult(e.ctx, data, result)
	})
}

// handlePrepareResult applies a prepare pipeline outcome to the record.
func (e *Engine) handlePrepareResult(ctx context.Context, data *AutomationScheduleData, result SchedulePrepareResult) {
	e.metrics.observePrepare(result.Kind)
	now := e.clock.Now()
	id := data.Schedule.ID

	switch result.Kind {
	case PrepareResultPrepared:
		applied := false
		updated, err := e.updateSchedule(ctx, id, func(d *AutomationScheduleData) {
			if d.ScheduleState != StateTriggered {
				return
			}
			d.prepared(result.Prepared.Info, now)
			applied = true
		})
		if err != nil {
			if !errors.Is(err, ErrScheduleNotFound) {
				e.logger.Error("prepared transition failed", "schedule_id", id, "error", err)
			}
			return
		}
		if applied {
			e.pending.Push(updated, result.Prepared)
			e.metrics.setPendingDepth(e.pending.Len())
		}

	case PrepareResultCancel:
		if err := e.deleteRecords(ctx, []string{id}); err != nil {
			e.logger.Error("cancel after prepare failed", "schedule_id", id, "error", err)
		}

	case PrepareResultSkip:
		if _, err := e.updateSchedule(ctx, id, func(d *AutomationScheduleData) {
			d.executionSkipped(now)
		}); err != nil && !errors.Is(err, ErrScheduleNotFound) {
			e.logger.Error("skip transition failed", "schedule_id", id, "error", err)
		}

	case PrepareResultPenalize:
		updated, err := e.updateSchedule(ctx, id, func(d *AutomationScheduleData) {
			d.executionPenalized(now)
		})
		if err != nil {
			if !errors.Is(err, ErrScheduleNotFound) {
				e.logger.Error("penalize transition failed", "schedule_id", id, "error", err)
			}
			return
		}
		if updated.ScheduleState == StatePaused {
			e.schedulePauseWakeup(updated)
		}

	case PrepareResultInvalidate:
		updated, err := e.updateSchedule(ctx, id, func(d *AutomationScheduleData) {
			d.executionInvalidated(now)
		})
		if err != nil {
			if !errors.Is(err, ErrScheduleNotFound) {
				e.logger.Error("invalidate transition failed", "schedule_id", id, "error", err)
			}
			return
		}
		e.reprocess(updated)
	}
}

// ─── Execution ──────────────────────────────────────────────────────────────

// consumePending is the single execution consumer: prepared schedules leave
// the queue one at a time, highest priority first.
func (e *Engine) consumePending() {
	defer e.wg.Done()
	for {
		// Whole-engine and execution-only pauses hold the queue before
		// anything is dequeued, so entries arriving during a pause still
		// release in priority order.
		if err := e.enginePaused.Await(e.ctx, func(paused bool) bool { return !paused }); err != nil {
			return
		}
		if err := e.executionPaused.Await(e.ctx, func(paused bool) bool { return !paused }); err != nil {
			return
		}

		entry := e.pending.Pop()
		if entry == nil {
			select {
			case <-e.ctx.Done():
				return
			case <-e.pending.Signal():
				continue
			}
		}
		e.metrics.setPendingDepth(e.pending.Len())

		e.executePending(e.ctx, entry)
		if e.ctx.Err() != nil {
			return
		}
	}
}

// executePending validates and executes one queue entry.
func (e *Engine) executePending(ctx context.Context, entry *pendingExecution) {
	id := entry.data.Schedule.ID
	now := e.clock.Now()

	// The definition may have changed while the entry sat in the queue; a
	// stale entry is re-prepared from stored state rather than executed.
	stored, err := e.store.GetSchedule(ctx, id)
	if err != nil {
		if !errors.Is(err, ErrScheduleNotFound) {
			e.logger.Error("pending validation failed", "schedule_id", id, "error", err)
		}
		return
	}
	valid := stored.ScheduleState == StatePrepared &&
		stored.Schedule.Equal(&entry.data.Schedule) &&
		e.executor.IsValid(ctx, entry.prepared)
	if !valid {
		e.invalidatePending(ctx, id)
		return
	}

	if !stored.isActive(now) {
		if stored.isExpired(now) {
			if _, err := e.updateSchedule(ctx, id, func(d *AutomationScheduleData) {
				d.finished(now)
			}); err != nil && !errors.Is(err, ErrScheduleNotFound) {
				e.logger.Error("expire transition failed", "schedule_id", id, "error", err)
			}
		} else {
			e.invalidatePending(ctx, id)
		}
		return
	}

	// Content prepared against remote data that has since gone stale must
	// not reach the user; re-prepare against the refreshed data instead.
	if e.remoteData != nil && !e.remoteData.IsCurrent(ctx) {
		e.invalidatePending(ctx, id)
		return
	}

	// Delay conditions are re-checked at the execution boundary; a regressed
	// condition sends the schedule back through the condition wait.
	if !e.delay.AreConditionsMet(stored.Schedule.Delay) {
		e.invalidatePending(ctx, id)
		return
	}

	switch e.executor.IsReady(ctx, entry.prepared) {
	case ReadyResultReady:
		e.execute(ctx, entry)

	case ReadyResultInvalidate:
		e.invalidatePending(ctx, id)

	case ReadyResultSkip:
		if _, err := e.updateSchedule(ctx, id, func(d *AutomationScheduleData) {
			d.executionSkipped(now)
		}); err != nil && !errors.Is(err, ErrScheduleNotFound) {
			e.logger.Error("skip transition failed", "schedule_id", id, "error", err)
		}

	case ReadyResultNotReady:
		e.requeueLater(entry)
	}
}

// execute runs the delegate and settles the record per its result.
func (e *Engine) execute(ctx context.Context, entry *pendingExecution) {
	id := entry.data.Schedule.ID
	if _, err := e.updateSchedule(ctx, id, func(d *AutomationScheduleData) {
		d.executing(e.clock.Now())
	}); err != nil {
		e.logger.Error("executing transition failed", "schedule_id", id, "error", err)
		return
	}

	result, err := e.executor.Execute(ctx, entry.prepared)
	if err != nil {
		e.logger.Error("execution aborted", "schedule_id", id, "error", err)
		result = ExecuteResultCancel
	}
	e.metrics.observeExecution(result)
	now := e.clock.Now()

	switch result {
	case ExecuteResultFinished:
		updated, err := e.updateSchedule(ctx, id, func(d *AutomationScheduleData) {
			d.finishedExecuting(now)
		})
		if err != nil {
			e.logger.Error("finish transition failed", "schedule_id", id, "error", err)
			return
		}
		e.settleAfterExecution(ctx, updated)

	case ExecuteResultCancel:
		if err := e.deleteRecords(ctx, []string{id}); err != nil {
			e.logger.Error("cancel after execution failed", "schedule_id", id, "error", err)
		}

	case ExecuteResultRetry:
		if _, err := e.updateSchedule(ctx, id, func(d *AutomationScheduleData) {
			d.prepared(entry.prepared.Info, now)
		}); err != nil {
			e.logger.Error("retry transition failed", "schedule_id", id, "error", err)
			return
		}
		e.requeueLater(entry)
	}
}

// settleAfterExecution handles the record after finishedExecuting: finished
// records past their grace period are deleted, paused records get a wakeup.
func (e *Engine) settleAfterExecution(ctx context.Context, data *AutomationScheduleData) {
	switch data.ScheduleState {
	case StateFinished:
		if data.shouldDelete(e.clock.Now()) {
			if err := e.deleteRecords(ctx, []string{data.Schedule.ID}); err != nil {
				e.logger.Error("finished cleanup failed", "schedule_id", data.Schedule.ID, "error", err)
			}
		}
	case StatePaused:
		e.schedulePauseWakeup(data)
	}
}

// invalidatePending discards stale prepared content and re-runs the pipeline.
func (e *Engine) invalidatePending(ctx context.Context, id string) {
	updated, err := e.updateSchedule(ctx, id, func(d *AutomationScheduleData) {
		if d.isInState(StatePrepared, StateExecuting) {
			d.prepareInterrupted(e.clock.Now())
		}
	})
	if err != nil {
		if !errors.Is(err, ErrScheduleNotFound) {
			e.logger.Error("invalidation failed", "schedule_id", id, "error", err)
		}
		return
	}
	if updated.ScheduleState == StateTriggered {
		e.reprocess(updated)
	}
}

// requeueLater re-adds a pending entry after the retry delay without
// blocking the consumer.
func (e *Engine) requeueLater(entry *pendingExecution) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.sleeper.Sleep(e.ctx, e.executionRetryDelay); err != nil {
			return
		}
		e.pending.Push(entry.data, entry.prepared)
		e.metrics.setPendingDepth(e.pending.Len())
	}()
}

// schedulePauseWakeup returns a PAUSED record to IDLE once its interval
// elapses. Survives restarts because the remaining pause is derived from the
// persisted state change date.
func (e *Engine) schedulePauseWakeup(data *AutomationScheduleData) {
	remaining := data.remainingPause(e.clock.Now())
	id := data.Schedule.ID

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.sleeper.Sleep(e.ctx, remaining); err != nil {
			return
		}
		if _, err := e.updateSchedule(e.ctx, id, func(d *AutomationScheduleData) {
			if d.ScheduleState == StatePaused {
				d.idle(e.clock.Now())
			}
		}); err != nil && !errors.Is(err, ErrScheduleNotFound) {
			e.logger.Error("pause wakeup failed", "schedule_id", id, "error", err)
		}
	}()
}

// ─── Internal helpers ───────────────────────────────────────────────────────

// updateSchedule persists a transform and then notifies the trigger
// processor of the resulting state. Persist-then-notify keeps the store the
// source of truth across crashes.
func (e *Engine) updateSchedule(ctx context.Context, id string, transform func(*AutomationScheduleData)) (*AutomationScheduleData, error) {
	data, err := e.store.UpdateSchedule(ctx, id, transform)
	if err != nil {
		return nil, err
	}
	e.triggers.UpdateScheduleState(id, data.ScheduleState)
	return data, nil
}

// running reports whether the engine is accepting work. Mutating API calls
// on a stopped or never-started engine fail fast instead of racing shutdown.
func (e *Engine) running() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started || e.ctx == nil || e.ctx.Err() != nil {
		return ErrEngineStopped
	}
	return nil
}

// cancelAndDelete removes schedules from every engine surface and deletes
// their persisted state.
func (e *Engine) cancelAndDelete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := e.running(); err != nil {
		return err
	}
	e.cancelPreprocessing(ids)
	for _, id := range ids {
		e.preparer.Cancelled(id)
	}
	e.pending.Remove(ids)
	e.metrics.setPendingDepth(e.pending.Len())
	return e.deleteRecords(ctx, ids)
}

// deleteRecords removes schedule rows, their trigger state, and the trigger
// processor's in-memory view.
func (e *Engine) deleteRecords(ctx context.Context, ids []string) error {
	if err := e.store.DeleteSchedules(ctx, ids); err != nil {
		return err
	}
	if err := e.store.DeleteTriggersForSchedules(ctx, ids); err != nil {
		return err
	}
	return e.triggers.Cancel(ctx, ids)
}

// cancelPreprocessing aborts in-flight delay/prepare jobs for the given
// schedules.
func (e *Engine) cancelPreprocessing(ids []string) {
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}

	e.mu.Lock()
	var cancels []context.CancelFunc
	for jobID, job := range e.jobs {
		if _, ok := drop[job.scheduleID]; ok {
			cancels = append(cancels, job.cancel)
			delete(e.jobs, jobID)
		}
	}
	e.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

// cancelAllPreprocessing aborts every in-flight delay/prepare job.
func (e *Engine) cancelAllPreprocessing() {
	e.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(e.jobs))
	for jobID, job := range e.jobs {
		cancels = append(cancels, job.cancel)
		delete(e.jobs, jobID)
	}
	e.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}
