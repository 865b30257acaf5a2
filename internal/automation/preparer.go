package automation

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// RemoteDataAccess exposes the currency of remotely sourced schedule data.
// The preparer refuses to prepare against stale data and the executor
// prechecks currency before releasing a prepared schedule.
type RemoteDataAccess interface {
	// RequiresUpdate reports whether the remote data backing the schedule is
	// stale enough to demand a blocking refresh.
	RequiresUpdate(ctx context.Context) bool

	// WaitForFullRefresh blocks until a full refresh completes.
	WaitForFullRefresh(ctx context.Context) error

	// BestEffortRefresh kicks a refresh without blocking on completion.
	BestEffortRefresh(ctx context.Context) error

	// NotifyOutdated records that remote content was rejected as out of date.
	NotifyOutdated(ctx context.Context) error

	// IsCurrent reports whether remote data is fresh enough to execute
	// against.
	IsCurrent(ctx context.Context) bool
}

// FrequencyChecker gates one prepared schedule against its frequency
// constraints. Obtained at prepare time, consumed at execution time.
type FrequencyChecker interface {
	// IsOverLimit reports whether any constraint is already exceeded.
	IsOverLimit() bool

	// CheckAndIncrement atomically verifies the constraints and records an
	// occurrence, returning false when a constraint would be exceeded.
	CheckAndIncrement() bool
}

// FrequencyLimits resolves constraint ids to a checker bound to the current
// constraint state.
type FrequencyLimits interface {
	GetChecker(ctx context.Context, constraintIDs []string) (FrequencyChecker, error)
}

// AudienceEvaluator evaluates an opaque audience selector.
type AudienceEvaluator interface {
	Evaluate(ctx context.Context, selector json.RawMessage, scheduleCreated time.Time) (bool, error)
}

// ExperimentProvider resolves holdout/experiment membership for message
// schedules.
type ExperimentProvider interface {
	Evaluate(ctx context.Context, messageType string, campaigns json.RawMessage, contactID string) (json.RawMessage, error)
}

// DeviceInfoProvider supplies the stable identifiers prepared content is
// bound to.
type DeviceInfoProvider interface {
	ContactID(ctx context.Context) (string, error)
}

// DeferredResultKind classifies a deferred-content resolution outcome.
type DeferredResultKind string

const (
	DeferredResultSuccess   DeferredResultKind = "success"
	DeferredResultTimedOut  DeferredResultKind = "timed_out"
	DeferredResultOutOfDate DeferredResultKind = "out_of_date"
	DeferredResultNotFound  DeferredResultKind = "not_found"
	DeferredResultRetriable DeferredResultKind = "retriable"
)

// DeferredRequest asks the resolver for the concrete content of a deferred
// schedule.
type DeferredRequest struct {
	URL              string
	ScheduleID       string
	TriggerContext   json.RawMessage
	TriggerSessionID string
}

// DeferredContent is the resolved body of a deferred schedule: an audience
// verdict plus at most one concrete payload variant.
type DeferredContent struct {
	IsAudienceMatch bool            `json:"audience_match"`
	Message         *InAppMessage   `json:"message,omitempty"`
	Actions         json.RawMessage `json:"actions,omitempty"`
}

// DeferredResult is the outcome of one resolution attempt. RetryAfter, when
// positive, overrides the backoff delay for retriable outcomes.
type DeferredResult struct {
	Kind       DeferredResultKind
	Content    *DeferredContent
	RetryAfter time.Duration
}

// DeferredResolver fetches deferred schedule content.
type DeferredResolver interface {
	Resolve(ctx context.Context, request DeferredRequest) DeferredResult
}

// ActionPreparerDelegate prepares an actions payload for execution.
type ActionPreparerDelegate interface {
	PrepareActions(ctx context.Context, actions json.RawMessage, info PreparedScheduleInfo) (json.RawMessage, error)
}

// MessagePreparerDelegate prepares an in-app message for display.
type MessagePreparerDelegate interface {
	PrepareMessage(ctx context.Context, message InAppMessage, info PreparedScheduleInfo) (*PreparedMessage, error)
}

// PrepareResultKind classifies the outcome of a prepare pipeline run.
type PrepareResultKind string

const (
	// PrepareResultPrepared carries ready-to-execute content.
	PrepareResultPrepared PrepareResultKind = "prepared"

	// PrepareResultCancel permanently removes the schedule.
	PrepareResultCancel PrepareResultKind = "cancel"

	// PrepareResultInvalidate discards the attempt; the engine re-evaluates
	// the schedule from its stored state.
	PrepareResultInvalidate PrepareResultKind = "invalidate"

	// PrepareResultSkip consumes the trigger without an execution.
	PrepareResultSkip PrepareResultKind = "skip"

	// PrepareResultPenalize consumes the trigger and applies the interval
	// pause.
	PrepareResultPenalize PrepareResultKind = "penalize"
)

// SchedulePrepareResult is the pipeline outcome delivered to the engine.
// Prepared is set only when Kind is PrepareResultPrepared.
type SchedulePrepareResult struct {
	Kind     PrepareResultKind
	Prepared *PreparedSchedule
}

// prepareCache holds intermediate pipeline products across retries of one
// prepare invocation, so a retried attempt does not repeat completed remote
// work (most importantly deferred resolution).
type prepareCache struct {
	contactID        *string
	experimentResult json.RawMessage
	experimentDone   bool
	deferredContent  *DeferredContent
	checker          FrequencyChecker
}

// Preparer resolves a triggered schedule into executable content through a
// sequential, short-circuiting pipeline: remote-data currency, frequency
// checker, audience, experiments, then delegate content preparation with
// recursive deferred resolution. Pipelines run on named retry queues so
// transient failures back off without blocking unrelated schedules.
type Preparer struct {
	queues           *RetryQueues
	remoteData       RemoteDataAccess
	frequencyLimits  FrequencyLimits
	audience         AudienceEvaluator
	experiments      ExperimentProvider
	deviceInfo       DeviceInfoProvider
	deferredResolver DeferredResolver
	actionDelegate   ActionPreparerDelegate
	messageDelegate  MessagePreparerDelegate
	clock            Clock
	logger           Logger

	mu       sync.Mutex
	inFlight map[string]*inflightAttempt
}

// inflightAttempt identifies one registered prepare attempt. Completion paths
// compare identities before unregistering so a superseded attempt cannot
// remove its replacement's cancel handle.
type inflightAttempt struct {
	cancel context.CancelFunc
}

// PreparerConfig bundles the preparer's collaborators.
type PreparerConfig struct {
	Queues           *RetryQueues
	RemoteData       RemoteDataAccess
	FrequencyLimits  FrequencyLimits
	Audience         AudienceEvaluator
	Experiments      ExperimentProvider
	DeviceInfo       DeviceInfoProvider
	DeferredResolver DeferredResolver
	ActionDelegate   ActionPreparerDelegate
	MessageDelegate  MessagePreparerDelegate
	Clock            Clock
	Logger           Logger
}

// NewPreparer creates a preparer. Nil collaborators disable the corresponding
// pipeline step (a nil audience evaluator treats every audience as a match).
func NewPreparer(cfg PreparerConfig) *Preparer {
	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	return &Preparer{
		queues:           cfg.Queues,
		remoteData:       cfg.RemoteData,
		frequencyLimits:  cfg.FrequencyLimits,
		audience:         cfg.Audience,
		experiments:      cfg.Experiments,
		deviceInfo:       cfg.DeviceInfo,
		deferredResolver: cfg.DeferredResolver,
		actionDelegate:   cfg.ActionDelegate,
		messageDelegate:  cfg.MessageDelegate,
		clock:            clock,
		logger:           logger,
		inFlight:         make(map[string]*inflightAttempt),
	}
}

// Prepare runs the pipeline for one triggered schedule on its named retry
// queue and delivers exactly one result through callback, unless the attempt
// is cancelled first.
func (p *Preparer) Prepare(ctx context.Context, data *AutomationScheduleData, callback func(SchedulePrepareResult)) {
	attemptCtx, cancel := context.WithCancel(ctx)
	attempt := &inflightAttempt{cancel: cancel}

	scheduleID := data.Schedule.ID
	p.mu.Lock()
	if prev, ok := p.inFlight[scheduleID]; ok {
		prev.cancel()
	}
	p.inFlight[scheduleID] = attempt
	p.mu.Unlock()

	cache := &prepareCache{}
	snapshot := *data

	p.queues.Enqueue(data.Schedule.Queue, func(taskCtx context.Context) (bool, time.Duration) {
		if attemptCtx.Err() != nil {
			return false, 0
		}
		// Attempt under both the queue lifetime and the per-schedule cancel.
		runCtx, stop := mergeContexts(taskCtx, attemptCtx)
		defer stop()

		result, retry, retryAfter := p.attempt(runCtx, &snapshot, cache)
		if retry {
			return attemptCtx.Err() == nil, retryAfter
		}

		p.mu.Lock()
		if p.inFlight[scheduleID] == attempt {
			delete(p.inFlight, scheduleID)
		}
		p.mu.Unlock()

		if attemptCtx.Err() == nil {
			callback(result)
		}
		return false, 0
	})
}

// Cancelled aborts any in-flight prepare attempt for the schedule. The
// pending callback is suppressed.
func (p *Preparer) Cancelled(scheduleID string) {
	p.mu.Lock()
	attempt, ok := p.inFlight[scheduleID]
	if ok {
		delete(p.inFlight, scheduleID)
	}
	p.mu.Unlock()

	if ok {
		attempt.cancel()
	}
}

// CancelAll aborts every in-flight prepare attempt.
func (p *Preparer) CancelAll() {
	p.mu.Lock()
	attempts := make([]*inflightAttempt, 0, len(p.inFlight))
	for id, attempt := range p.inFlight {
		attempts = append(attempts, attempt)
		delete(p.inFlight, id)
	}
	p.mu.Unlock()

	for _, attempt := range attempts {
		attempt.cancel()
	}
}

// attempt runs one pass of the pipeline. retry=true requests a backoff retry
// on the same queue slot; otherwise result is final.
func (p *Preparer) attempt(ctx context.Context, data *AutomationScheduleData, cache *prepareCache) (result SchedulePrepareResult, retry bool, retryAfter time.Duration) {
	schedule := &data.Schedule

	// Step 1: remote data must be current before anything is evaluated.
	if p.remoteData != nil && p.remoteData.RequiresUpdate(ctx) {
		if err := p.remoteData.WaitForFullRefresh(ctx); err != nil {
			p.logger.Debug("remote data refresh failed, retrying prepare",
				"schedule_id", schedule.ID, "error", err)
			return SchedulePrepareResult{}, true, 0
		}
	}

	// Step 2: a schedule already over its frequency limits skips without
	// preparing content.
	if p.frequencyLimits != nil && len(schedule.FrequencyConstraintIDs) > 0 && cache.checker == nil {
		checker, err := p.frequencyLimits.GetChecker(ctx, schedule.FrequencyConstraintIDs)
		if err != nil {
			p.logger.Debug("frequency checker unavailable, retrying prepare",
				"schedule_id", schedule.ID, "error", err)
			p.notifyOutdated(ctx, schedule.ID)
			return SchedulePrepareResult{}, true, 0
		}
		if checker.IsOverLimit() {
			return SchedulePrepareResult{Kind: PrepareResultSkip}, false, 0
		}
		cache.checker = checker
	}

	// Step 3: audience.
	if p.audience != nil && schedule.Audience != nil && len(schedule.Audience.Selector) > 0 {
		match, err := p.audience.Evaluate(ctx, schedule.Audience.Selector, schedule.Created)
		if err != nil {
			p.logger.Debug("audience evaluation failed, retrying prepare",
				"schedule_id", schedule.ID, "error", err)
			return SchedulePrepareResult{}, true, 0
		}
		if !match {
			return missBehaviorResult(schedule), false, 0
		}
	}

	// Step 4: contact resolution.
	contactID := ""
	if cache.contactID != nil {
		contactID = *cache.contactID
	} else if p.deviceInfo != nil {
		resolved, err := p.deviceInfo.ContactID(ctx)
		if err != nil {
			p.logger.Debug("contact resolution failed, retrying prepare",
				"schedule_id", schedule.ID, "error", err)
			return SchedulePrepareResult{}, true, 0
		}
		contactID = resolved
		cache.contactID = &resolved
	}

	// Step 5: experiments, unless bypassed.
	if !cache.experimentDone && p.experiments != nil &&
		schedule.MessageType != "" && !p.bypassesHoldouts(schedule) {
		experimentResult, err := p.experiments.Evaluate(ctx, schedule.MessageType, schedule.Campaigns, contactID)
		if err != nil {
			p.logger.Debug("experiment evaluation failed, retrying prepare",
				"schedule_id", schedule.ID, "error", err)
			p.notifyOutdated(ctx, schedule.ID)
			return SchedulePrepareResult{}, true, 0
		}
		cache.experimentResult = experimentResult
		cache.experimentDone = true
	}

	info := PreparedScheduleInfo{
		ScheduleID:       schedule.ID,
		Campaigns:        schedule.Campaigns,
		ContactID:        contactID,
		ExperimentResult: cache.experimentResult,
		ReportingContext: schedule.ReportingContext,
		TriggerSessionID: data.TriggerSessionID,
		Priority:         schedule.Priority,
	}

	// Steps 6-7: content preparation, recursing through deferred resolution.
	return p.prepareData(ctx, data, schedule.Data, info, cache)
}

// prepareData prepares the concrete content variant. Deferred data resolves
// remotely and recurses into the resolved variant.
func (p *Preparer) prepareData(ctx context.Context, data *AutomationScheduleData, content ScheduleData, info PreparedScheduleInfo, cache *prepareCache) (SchedulePrepareResult, bool, time.Duration) {
	schedule := &data.Schedule

	switch content.Type {
	case ScheduleTypeActions:
		actions := content.Actions
		if p.actionDelegate != nil {
			prepared, err := p.actionDelegate.PrepareActions(ctx, content.Actions, info)
			if err != nil {
				p.logger.Debug("action preparation failed, retrying prepare",
					"schedule_id", schedule.ID, "error", err)
				return SchedulePrepareResult{}, true, 0
			}
			actions = prepared
		}
		return preparedResult(info, PreparedData{Type: ScheduleTypeActions, Actions: actions}, cache), false, 0

	case ScheduleTypeInAppMessage:
		// Undisplayable content consumes the trigger but keeps the record;
		// a later edit can supply renderable content.
		if !content.Message.ValidDisplay() {
			return SchedulePrepareResult{Kind: PrepareResultSkip}, false, 0
		}
		message := &PreparedMessage{Message: *content.Message}
		if p.messageDelegate != nil {
			prepared, err := p.messageDelegate.PrepareMessage(ctx, *content.Message, info)
			if err != nil {
				p.logger.Debug("message preparation failed, retrying prepare",
					"schedule_id", schedule.ID, "error", err)
				return SchedulePrepareResult{}, true, 0
			}
			message = prepared
		}
		return preparedResult(info, PreparedData{Type: ScheduleTypeInAppMessage, Message: message}, cache), false, 0

	case ScheduleTypeDeferred:
		return p.prepareDeferred(ctx, data, content.Deferred, info, cache)

	default:
		p.logger.Error("unknown schedule data type", "schedule_id", schedule.ID, "type", string(content.Type))
		return SchedulePrepareResult{Kind: PrepareResultCancel}, false, 0
	}
}

// prepareDeferred resolves deferred content and recurses into the result.
// Successful resolutions are cached so delegate failures retry without
// re-resolving.
func (p *Preparer) prepareDeferred(ctx context.Context, data *AutomationScheduleData, deferred *DeferredScheduleData, info PreparedScheduleInfo, cache *prepareCache) (SchedulePrepareResult, bool, time.Duration) {
	schedule := &data.Schedule
	if deferred == nil || p.deferredResolver == nil {
		return SchedulePrepareResult{Kind: PrepareResultCancel}, false, 0
	}

	content := cache.deferredContent
	if content == nil {
		request := DeferredRequest{
			URL:              deferred.URL,
			ScheduleID:       schedule.ID,
			TriggerSessionID: data.TriggerSessionID,
		}
		if data.TriggerInfo != nil {
			request.TriggerContext = data.TriggerInfo.Context
		}

		resolved := p.deferredResolver.Resolve(ctx, request)
		switch resolved.Kind {
		case DeferredResultSuccess:
			content = resolved.Content
			cache.deferredContent = content

		case DeferredResultTimedOut:
			if deferred.ShouldRetryOnTimeout() {
				return SchedulePrepareResult{}, true, resolved.RetryAfter
			}
			return SchedulePrepareResult{Kind: PrepareResultPenalize}, false, 0

		case DeferredResultOutOfDate:
			p.notifyOutdated(ctx, schedule.ID)
			if p.remoteData != nil {
				if err := p.remoteData.BestEffortRefresh(ctx); err != nil {
					p.logger.Warn("best effort refresh failed", "schedule_id", schedule.ID, "error", err)
				}
			}
			return SchedulePrepareResult{}, true, resolved.RetryAfter

		case DeferredResultNotFound:
			return SchedulePrepareResult{Kind: PrepareResultCancel}, false, 0

		case DeferredResultRetriable:
			return SchedulePrepareResult{}, true, resolved.RetryAfter

		default:
			p.logger.Error("unknown deferred result kind", "schedule_id", schedule.ID, "kind", string(resolved.Kind))
			return SchedulePrepareResult{}, true, resolved.RetryAfter
		}
	}

	if content == nil || !content.IsAudienceMatch {
		return missBehaviorResult(schedule), false, 0
	}

	switch {
	case content.Message != nil:
		return p.prepareData(ctx, data, ScheduleData{Type: ScheduleTypeInAppMessage, Message: content.Message}, info, cache)
	case len(content.Actions) > 0:
		return p.prepareData(ctx, data, ScheduleData{Type: ScheduleTypeActions, Actions: content.Actions}, info, cache)
	default:
		return SchedulePrepareResult{Kind: PrepareResultCancel}, false, 0
	}
}

// notifyOutdated flags remote data as suspect when a dependent lookup fails,
// so the next attempt refreshes before retrying.
func (p *Preparer) notifyOutdated(ctx context.Context, scheduleID string) {
	if p.remoteData == nil {
		return
	}
	if err := p.remoteData.NotifyOutdated(ctx); err != nil {
		p.logger.Warn("notify outdated failed", "schedule_id", scheduleID, "error", err)
	}
}

// bypassesHoldouts reports whether experiments are skipped for this schedule,
// either on the schedule itself or its message payload.
func (p *Preparer) bypassesHoldouts(schedule *AutomationSchedule) bool {
	if schedule.BypassHoldoutGroups {
		return true
	}
	return schedule.Data.Message != nil && schedule.Data.Message.BypassHoldoutGroups
}

// missBehaviorResult maps an audience miss to its configured prepare result.
func missBehaviorResult(schedule *AutomationSchedule) SchedulePrepareResult {
	switch schedule.missBehavior() {
	case MissBehaviorCancel:
		return SchedulePrepareResult{Kind: PrepareResultCancel}
	case MissBehaviorSkip:
		return SchedulePrepareResult{Kind: PrepareResultSkip}
	default:
		return SchedulePrepareResult{Kind: PrepareResultPenalize}
	}
}

// preparedResult wraps prepared content in a final pipeline result, attaching
// the frequency checker obtained earlier in the pipeline.
func preparedResult(info PreparedScheduleInfo, data PreparedData, cache *prepareCache) SchedulePrepareResult {
	return SchedulePrepareResult{
		Kind: PrepareResultPrepared,
		Prepared: &PreparedSchedule{
			Info:             info,
			Data:             data,
			FrequencyChecker: cache.checker,
		},
	}
}

// mergeContexts returns a context cancelled when either parent is cancelled.
func mergeContexts(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stopped := make(chan struct{})
	go func() {
		select {
		case <-b.Done():
			cancel()
		case <-ctx.Done():
		case <-stopped:
		}
	}()
	return ctx, func() {
		close(stopped)
		cancel()
	}
}
