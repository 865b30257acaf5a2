package automation

import (
	"testing"
	"time"
)

func TestAutomationScheduleData_Triggered(t *testing.T) {
	data := &AutomationScheduleData{
		Schedule:         AutomationSchedule{ID: "s1"},
		ScheduleState:    StateIdle,
		TriggerSessionID: "old-session",
	}

	now := time.Now().UTC()
	info := TriggerInfo{Date: now}
	data.triggered(info, now)

	if data.ScheduleState != StateTriggered {
		t.Errorf("ScheduleState = %q, want %q", data.ScheduleState, StateTriggered)
	}
	if data.TriggerInfo == nil || !data.TriggerInfo.Date.Equal(now) {
		t.Errorf("TriggerInfo = %+v, want date %v", data.TriggerInfo, now)
	}
	if data.TriggerSessionID == "old-session" || data.TriggerSessionID == "" {
		t.Errorf("TriggerSessionID = %q, want a fresh session id", data.TriggerSessionID)
	}
	if !data.StateChangeDate.Equal(now) {
		t.Errorf("StateChangeDate = %v, want %v", data.StateChangeDate, now)
	}
}

func TestAutomationScheduleData_FinishedExecuting(t *testing.T) {
	now := time.Now().UTC()
	past := now.Add(-time.Hour)

	tests := []struct {
		name      string
		schedule  AutomationSchedule
		count     int
		wantState ScheduleState
		wantCount int
	}{
		{
			name:      "default limit finishes after one execution",
			schedule:  AutomationSchedule{ID: "s1"},
			count:     0,
			wantState: StateFinished,
			wantCount: 1,
		},
		{
			name:      "under limit without interval returns to idle",
			schedule:  AutomationSchedule{ID: "s1", Limit: 3},
			count:     0,
			wantState: StateIdle,
			wantCount: 1,
		},
		{
			name:      "under limit with interval pauses",
			schedule:  AutomationSchedule{ID: "s1", Limit: 3, IntervalSeconds: 60},
			count:     0,
			wantState: StatePaused,
			wantCount: 1,
		},
		{
			name:      "reaching limit finishes even with interval",
			schedule:  AutomationSchedule{ID: "s1", Limit: 2, IntervalSeconds: 60},
			count:     1,
			wantState: StateFinished,
			wantCount: 2,
		},
		{
			name:      "unlimited never finishes on count",
			schedule:  AutomationSchedule{ID: "s1", Limit: -1},
			count:     100,
			wantState: StateIdle,
			wantCount: 101,
		},
		{
			name:      "expired schedule finishes regardless of limit",
			schedule:  AutomationSchedule{ID: "s1", Limit: -1, EndDate: &past},
			count:     0,
			wantState: StateFinished,
			wantCount: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := &AutomationScheduleData{
				Schedule:             tt.schedule,
				ScheduleState:        StateExecuting,
				ExecutionCount:       tt.count,
				TriggerInfo:          &TriggerInfo{Date: now},
				PreparedScheduleInfo: &PreparedScheduleInfo{ScheduleID: "s1"},
			}
			data.finishedExecuting(now)

			if data.ScheduleState != tt.wantState {
				t.Errorf("ScheduleState = %q, want %q", data.ScheduleState, tt.wantState)
			}
			if data.ExecutionCount != tt.wantCount {
				t.Errorf("ExecutionCount = %d, want %d", data.ExecutionCount, tt.wantCount)
			}
			if data.TriggerInfo != nil || data.PreparedScheduleInfo != nil {
				t.Error("finishedExecuting should clear trigger and prepared info")
			}
		})
	}
}

func TestAutomationScheduleData_MissOutcomes(t *testing.T) {
	now := time.Now().UTC()

	t.Run("skip returns to idle", func(t *testing.T) {
		data := &AutomationScheduleData{
			Schedule:      AutomationSchedule{ID: "s1", IntervalSeconds: 60},
			ScheduleState: StateTriggered,
			TriggerInfo:   &TriggerInfo{Date: now},
		}
		data.executionSkipped(now)
		if data.ScheduleState != StateIdle {
			t.Errorf("ScheduleState = %q, want %q", data.ScheduleState, StateIdle)
		}
		if data.TriggerInfo != nil {
			t.Error("skip should clear trigger info")
		}
	})

	t.Run("penalize pauses when an interval applies", func(t *testing.T) {
		data := &AutomationScheduleData{
			Schedule:      AutomationSchedule{ID: "s1", IntervalSeconds: 60},
			ScheduleState: StateTriggered,
		}
		data.executionPenalized(now)
		if data.ScheduleState != StatePaused {
			t.Errorf("ScheduleState = %q, want %q", data.ScheduleState, StatePaused)
		}
	})

	t.Run("penalize without interval returns to idle", func(t *testing.T) {
		data := &AutomationScheduleData{
			Schedule:      AutomationSchedule{ID: "s1"},
			ScheduleState: StateTriggered,
		}
		data.executionPenalized(now)
		if data.ScheduleState != StateIdle {
			t.Errorf("ScheduleState = %q, want %q", data.ScheduleState, StateIdle)
		}
	})

	t.Run("invalidate keeps the trigger snapshot", func(t *testing.T) {
		data := &AutomationScheduleData{
			Schedule:             AutomationSchedule{ID: "s1"},
			ScheduleState:        StatePrepared,
			TriggerInfo:          &TriggerInfo{Date: now},
			PreparedScheduleInfo: &PreparedScheduleInfo{ScheduleID: "s1"},
		}
		data.executionInvalidated(now)
		if data.ScheduleState != StateTriggered {
			t.Errorf("ScheduleState = %q, want %q", data.ScheduleState, StateTriggered)
		}
		if data.TriggerInfo == nil {
			t.Error("invalidate must keep trigger info so delays stay anchored")
		}
		if data.PreparedScheduleInfo != nil {
			t.Error("invalidate must discard prepared info")
		}
	})
}

func TestAutomationScheduleData_ShouldDelete(t *testing.T) {
	now := time.Now().UTC()
	ended := now.Add(-48 * time.Hour)

	tests := []struct {
		name     string
		schedule AutomationSchedule
		want     bool
	}{
		{
			name:     "no end date never deletes",
			schedule: AutomationSchedule{ID: "s1"},
			want:     false,
		},
		{
			name:     "ended with elapsed grace period deletes",
			schedule: AutomationSchedule{ID: "s1", EndDate: &ended, EditGracePeriodDays: 1},
			want:     true,
		},
		{
			name:     "ended inside grace period is retained",
			schedule: AutomationSchedule{ID: "s1", EndDate: &ended, EditGracePeriodDays: 7},
			want:     false,
		},
		{
			name:     "ended with no grace period deletes immediately",
			schedule: AutomationSchedule{ID: "s1", EndDate: &ended},
			want:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := &AutomationScheduleData{Schedule: tt.schedule}
			if got := data.shouldDelete(now); got != tt.want {
				t.Errorf("shouldDelete() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAutomationScheduleData_RemainingPause(t *testing.T) {
	now := time.Now().UTC()
	data := &AutomationScheduleData{
		Schedule:        AutomationSchedule{ID: "s1", IntervalSeconds: 60},
		ScheduleState:   StatePaused,
		StateChangeDate: now.Add(-20 * time.Second),
	}

	remaining := data.remainingPause(now)
	if remaining != 40*time.Second {
		t.Errorf("remainingPause() = %v, want 40s", remaining)
	}

	data.StateChangeDate = now.Add(-2 * time.Minute)
	if remaining := data.remainingPause(now); remaining != 0 {
		t.Errorf("remainingPause() past interval = %v, want 0", remaining)
	}
}

func TestRestoreOrder(t *testing.T) {
	order := []ScheduleState{
		StateExecuting, StatePrepared, StateTriggered,
		StatePaused, StateIdle, StateFinished,
	}
	for i := 1; i < len(order); i++ {
		if restoreOrder(order[i-1]) >= restoreOrder(order[i]) {
			t.Errorf("restoreOrder(%q) should precede restoreOrder(%q)", order[i-1], order[i])
		}
	}
}

func TestAutomationSchedule_ExecutionLimit(t *testing.T) {
	tests := []struct {
		limit int
		want  int
	}{
		{limit: 0, want: 1},
		{limit: 5, want: 5},
		{limit: -1, want: 0},
	}
	for _, tt := range tests {
		s := &AutomationSchedule{Limit: tt.limit}
		if got := s.executionLimit(); got != tt.want {
			t.Errorf("executionLimit() with Limit=%d = %d, want %d", tt.limit, got, tt.want)
		}
	}
}
