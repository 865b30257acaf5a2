package automation

import (
	"encoding/json"
	"reflect"
	"time"
)

// ScheduleDataType discriminates the payload variants of a schedule.
type ScheduleDataType string

const (
	// ScheduleTypeActions is a schedule whose payload is an opaque action map.
	ScheduleTypeActions ScheduleDataType = "actions"

	// ScheduleTypeInAppMessage is a schedule that displays an in-app message.
	ScheduleTypeInAppMessage ScheduleDataType = "in_app_message"

	// ScheduleTypeDeferred is a schedule whose content is resolved remotely
	// at prepare time.
	ScheduleTypeDeferred ScheduleDataType = "deferred"
)

// ScheduleData is the tagged-union payload of a schedule. Exactly one of
// Actions, Message, or Deferred is set, selected by Type.
type ScheduleData struct {
	Type     ScheduleDataType      `json:"type"`
	Actions  json.RawMessage       `json:"actions,omitempty"`
	Message  *InAppMessage         `json:"message,omitempty"`
	Deferred *DeferredScheduleData `json:"deferred,omitempty"`
}

// InAppMessage is the displayable message payload of a schedule.
// The display content is opaque to the engine; rendering is delegated.
type InAppMessage struct {
	Name                string          `json:"name"`
	DisplayContent      json.RawMessage `json:"display_content"`
	BypassHoldoutGroups bool            `json:"bypass_holdout_groups,omitempty"`
}

// ValidDisplay reports whether the message carries renderable content.
func (m *InAppMessage) ValidDisplay() bool {
	return m != nil && len(m.DisplayContent) > 0 && string(m.DisplayContent) != "null"
}

// DeferredScheduleData describes remotely resolved schedule content.
type DeferredScheduleData struct {
	URL string `json:"url"`

	// RetryOnTimeout defaults to true when absent.
	RetryOnTimeout *bool `json:"retry_on_timeout,omitempty"`
}

// ShouldRetryOnTimeout reports whether a timed-out resolution is retried.
func (d *DeferredScheduleData) ShouldRetryOnTimeout() bool {
	return d.RetryOnTimeout == nil || *d.RetryOnTimeout
}

// MissBehavior selects the prepare outcome when the audience does not match.
type MissBehavior string

const (
	MissBehaviorCancel   MissBehavior = "cancel"
	MissBehaviorSkip     MissBehavior = "skip"
	MissBehaviorPenalize MissBehavior = "penalize"
)

// AudienceSelector holds an opaque audience expression and the behaviour to
// apply when the audience does not match. Evaluation is delegated.
type AudienceSelector struct {
	Selector     json.RawMessage `json:"selector,omitempty"`
	MissBehavior MissBehavior    `json:"miss_behavior,omitempty"`
}

// missBehavior returns the configured miss behaviour, defaulting to penalize.
func (s *AutomationSchedule) missBehavior() MissBehavior {
	if s.Audience == nil || s.Audience.MissBehavior == "" {
		return MissBehaviorPenalize
	}
	return s.Audience.MissBehavior
}

// AppState constrains schedule execution to an application lifecycle state.
type AppState string

const (
	AppStateForeground AppState = "foreground"
	AppStateBackground AppState = "background"
)

// TriggerType identifies the event class a trigger accumulates.
type TriggerType string

const (
	TriggerTypeForeground    TriggerType = "foreground"
	TriggerTypeBackground    TriggerType = "background"
	TriggerTypeScreen        TriggerType = "screen"
	TriggerTypeRegionEnter   TriggerType = "region_enter"
	TriggerTypeRegionExit    TriggerType = "region_exit"
	TriggerTypeCustomEvent   TriggerType = "custom_event"
	TriggerTypeAppInit       TriggerType = "app_init"
	TriggerTypeActiveSession TriggerType = "active_session"
)

// AutomationTrigger is a goal-counting trigger definition. When accumulated
// event values reach Goal, the trigger fires.
type AutomationTrigger struct {
	ID   string      `json:"id"`
	Type TriggerType `json:"type"`
	Goal float64     `json:"goal"`
}

// AutomationDelay describes the post-trigger wait: a fixed number of
// seconds anchored at the trigger date, plus live app/device conditions that
// must all hold before execution.
type AutomationDelay struct {
	Seconds  int64     `json:"seconds,omitempty"`
	AppState *AppState `json:"app_state,omitempty"`
	Screens  []string  `json:"screens,omitempty"`
	RegionID string    `json:"region_id,omitempty"`

	// CancellationTriggers abort a pending delay wait when they fire.
	CancellationTriggers []AutomationTrigger `json:"cancellation_triggers,omitempty"`
}

// AutomationSchedule is the immutable schedule definition supplied by the
// caller. It is only changed via an explicit upsert merge.
type AutomationSchedule struct {
	ID       string `json:"id"`
	Group    string `json:"group,omitempty"`
	Priority int    `json:"priority"`

	// Queue names the prepare retry queue; empty means the default queue.
	Queue string `json:"queue,omitempty"`

	Triggers []AutomationTrigger `json:"triggers"`
	Delay    *AutomationDelay    `json:"delay,omitempty"`
	Audience *AudienceSelector   `json:"audience,omitempty"`

	// Limit is the number of times the schedule may execute. Zero means
	// once (the default); negative means unlimited.
	Limit int `json:"limit,omitempty"`

	// IntervalSeconds pauses the schedule after each execution.
	IntervalSeconds int64 `json:"interval_seconds,omitempty"`

	StartDate *time.Time `json:"start_date,omitempty"`
	EndDate   *time.Time `json:"end_date,omitempty"`

	// EditGracePeriodDays retains an ended schedule for late edits before
	// it is permanently deleted.
	EditGracePeriodDays int `json:"edit_grace_period_days,omitempty"`

	Data ScheduleData `json:"data"`

	// FrequencyConstraintIDs name the frequency-limit constraints that
	// gate this schedule.
	FrequencyConstraintIDs []string `json:"frequency_constraint_ids,omitempty"`

	// MessageType feeds experiment/holdout evaluation for message schedules.
	MessageType string `json:"message_type,omitempty"`

	// BypassHoldoutGroups skips experiment evaluation for this schedule.
	BypassHoldoutGroups bool `json:"bypass_holdout_groups,omitempty"`

	Campaigns        json.RawMessage `json:"campaigns,omitempty"`
	ReportingContext json.RawMessage `json:"reporting_context,omitempty"`

	Created time.Time `json:"created,omitempty"`
}

// Interval returns the post-execution pause as a Duration.
func (s *AutomationSchedule) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}

// executionLimit normalises Limit: zero means one execution, negative means
// unlimited (returned as 0).
func (s *AutomationSchedule) executionLimit() int {
	switch {
	case s.Limit == 0:
		return 1
	case s.Limit < 0:
		return 0
	default:
		return s.Limit
	}
}

// editGracePeriod returns the post-end retention window as a Duration.
func (s *AutomationSchedule) editGracePeriod() time.Duration {
	return time.Duration(s.EditGracePeriodDays) * 24 * time.Hour
}

// Equal reports whether two schedule definitions are identical.
func (s *AutomationSchedule) Equal(other *AutomationSchedule) bool {
	if s == nil || other == nil {
		return s == other
	}
	return reflect.DeepEqual(*s, *other)
}

// TriggerInfo is a snapshot of the trigger occurrence that most recently
// fired a schedule. Date anchors delay countdowns.
type TriggerInfo struct {
	Context json.RawMessage `json:"context,omitempty"`
	Date    time.Time       `json:"date"`
}

// PreparedScheduleInfo is the persisted metadata of a prepared schedule.
type PreparedScheduleInfo struct {
	ScheduleID       string          `json:"schedule_id"`
	Campaigns        json.RawMessage `json:"campaigns,omitempty"`
	ContactID        string          `json:"contact_id,omitempty"`
	ExperimentResult json.RawMessage `json:"experiment_result,omitempty"`
	ReportingContext json.RawMessage `json:"reporting_context,omitempty"`
	TriggerSessionID string          `json:"trigger_session_id,omitempty"`
	Priority         int             `json:"priority"`
}

// PreparedData is the resolved, ready-to-execute content of a schedule.
// Deferred schedules resolve into one of the two concrete variants.
type PreparedData struct {
	Type    ScheduleDataType
	Actions json.RawMessage
	Message *PreparedMessage
}

// PreparedMessage is a display-ready in-app message produced by the message
// preparer delegate. Payload carries delegate-specific display assets.
type PreparedMessage struct {
	Message InAppMessage
	Payload json.RawMessage
}

// PreparedSchedule is the transient output of the Preparer, consumed exactly
// once by the Executor. It is never persisted; only Info survives restarts.
type PreparedSchedule struct {
	Info             PreparedScheduleInfo
	Data             PreparedData
	FrequencyChecker FrequencyChecker
}
