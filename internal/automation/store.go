package automation

import "context"

// TriggerData is the persisted accumulation state of one (schedule, trigger)
// pair. Count advances toward the trigger's goal as matching events arrive.
type TriggerData struct {
	ScheduleID string  `json:"schedule_id"`
	TriggerID  string  `json:"trigger_id"`
	Count      float64 `json:"count"`
}

// ScheduleStore defines the interface for schedule persistence.
// This abstraction allows different implementations (SQLite, mock, etc.)
// and enables unit testing without database dependencies.
//
// All mutating operations are atomic per schedule identifier: transform
// callbacks observe the latest persisted record and their result is written
// back before any concurrent access to the same identifier proceeds.
type ScheduleStore interface {
	// Schedule records
	GetSchedules(ctx context.Context) ([]*AutomationScheduleData, error)
	GetSchedule(ctx context.Context, id string) (*AutomationScheduleData, error)
	GetSchedulesByGroup(ctx context.Context, group string) ([]*AutomationScheduleData, error)
	GetSchedulesByIDs(ctx context.Context, ids []string) ([]*AutomationScheduleData, error)

	// UpdateSchedule applies transform to the stored record under the store
	// lock and persists the result. Returns ErrScheduleNotFound when the
	// identifier does not exist.
	UpdateSchedule(ctx context.Context, id string, transform func(*AutomationScheduleData)) (*AutomationScheduleData, error)

	// UpsertSchedules applies transform to each identifier in order; existing
	// is nil for identifiers with no stored record. The returned record is
	// inserted or replaces the stored one.
	UpsertSchedules(ctx context.Context, ids []string, transform func(id string, existing *AutomationScheduleData) (*AutomationScheduleData, error)) ([]*AutomationScheduleData, error)

	DeleteSchedules(ctx context.Context, ids []string) error
	DeleteSchedulesByGroup(ctx context.Context, group string) error

	// Per-trigger accumulation state
	GetTrigger(ctx context.Context, scheduleID, triggerID string) (*TriggerData, error)
	UpsertTriggers(ctx context.Context, triggers []*TriggerData) error
	DeleteTriggers(ctx context.Context, scheduleID string, triggerIDs []string) error
	DeleteTriggersForSchedules(ctx context.Context, scheduleIDs []string) error

	// DeleteTriggersExcluding removes trigger state for every schedule not in
	// the given set, reclaiming rows left behind by deleted schedules.
	DeleteTriggersExcluding(ctx context.Context, scheduleIDs []string) error
}
