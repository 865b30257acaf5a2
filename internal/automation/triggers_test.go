package automation

import (
	"context"
	"testing"
	"time"
)

func setupTriggerProcessor(t *testing.T) (*CountingTriggerProcessor, *SQLiteScheduleStore) {
	t.Helper()
	store := setupStore(t)
	return NewCountingTriggerProcessor(store, nil, nil), store
}

func triggerEvent(eventType TriggerType, value float64) AutomationEvent {
	return AutomationEvent{
		Kind:    EventKindTrigger,
		Trigger: &TriggerEvent{Type: eventType, Value: value},
	}
}

// expectResult pops one trigger result or fails.
func expectResult(t *testing.T, p *CountingTriggerProcessor) TriggerResult {
	t.Helper()
	select {
	case r := <-p.TriggerResults():
		return r
	case <-time.After(time.Second):
		t.Fatal("expected a trigger result")
		return TriggerResult{}
	}
}

// expectNoResult asserts the result stream stays quiet.
func expectNoResult(t *testing.T, p *CountingTriggerProcessor) {
	t.Helper()
	select {
	case r := <-p.TriggerResults():
		t.Fatalf("unexpected trigger result %+v", r)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestCountingTriggerProcessor_GoalAccumulation(t *testing.T) {
	p, _ := setupTriggerProcessor(t)
	ctx := context.Background()

	data := testScheduleData("s1")
	data.Schedule.Triggers = []AutomationTrigger{{ID: "t1", Type: TriggerTypeCustomEvent, Goal: 3}}
	if err := p.RestoreSchedules(ctx, []*AutomationScheduleData{data}); err != nil {
		t.Fatalf("RestoreSchedules() error = %v", err)
	}

	// Two events of value 1: goal of 3 not reached.
	for i := 0; i < 2; i++ {
		if err := p.ProcessEvent(ctx, triggerEvent(TriggerTypeCustomEvent, 1)); err != nil {
			t.Fatalf("ProcessEvent() error = %v", err)
		}
	}
	expectNoResult(t, p)

	if err := p.ProcessEvent(ctx, triggerEvent(TriggerTypeCustomEvent, 1)); err != nil {
		t.Fatalf("ProcessEvent() error = %v", err)
	}
	result := expectResult(t, p)
	if result.ScheduleID != "s1" || result.TriggerExecutionType != TriggerExecutionTypeExecution {
		t.Errorf("result = %+v, want execution trigger for s1", result)
	}
}

// TestCountingTriggerProcessor_CountResetsAfterFire verifies goal progress
// resets once a trigger fires.
func TestCountingTriggerProcessor_CountResetsAfterFire(t *testing.T) {
	p, store := setupTriggerProcessor(t)
	ctx := context.Background()

	data := testScheduleData("s1")
	data.Schedule.Triggers = []AutomationTrigger{{ID: "t1", Type: TriggerTypeForeground, Goal: 2}}
	if err := p.RestoreSchedules(ctx, []*AutomationScheduleData{data}); err != nil {
		t.Fatalf("RestoreSchedules() error = %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := p.ProcessEvent(ctx, triggerEvent(TriggerTypeForeground, 1)); err != nil {
			t.Fatalf("ProcessEvent() error = %v", err)
		}
	}
	expectResult(t, p)

	stored, err := store.GetTrigger(ctx, "s1", "t1")
	if err != nil {
		t.Fatalf("GetTrigger() error = %v", err)
	}
	if stored.Count != 0 {
		t.Errorf("persisted count after fire = %v, want 0", stored.Count)
	}
}

// TestCountingTriggerProcessor_StateGating verifies execution triggers count
// only in IDLE and cancellation triggers only in TRIGGERED/PREPARED.
func TestCountingTriggerProcessor_StateGating(t *testing.T) {
	p, _ := setupTriggerProcessor(t)
	ctx := context.Background()

	data := testScheduleData("s1")
	data.Schedule.Triggers = []AutomationTrigger{{ID: "exec", Type: TriggerTypeForeground, Goal: 1}}
	data.Schedule.Delay = &AutomationDelay{
		Seconds:              10,
		CancellationTriggers: []AutomationTrigger{{ID: "cancel", Type: TriggerTypeBackground, Goal: 1}},
	}
	if err := p.RestoreSchedules(ctx, []*AutomationScheduleData{data}); err != nil {
		t.Fatalf("RestoreSchedules() error = %v", err)
	}

	// IDLE: cancellation triggers do not count.
	if err := p.ProcessEvent(ctx, triggerEvent(TriggerTypeBackground, 1)); err != nil {
		t.Fatalf("ProcessEvent() error = %v", err)
	}
	expectNoResult(t, p)

	// IDLE: execution trigger fires.
	if err := p.ProcessEvent(ctx, triggerEvent(TriggerTypeForeground, 1)); err != nil {
		t.Fatalf("ProcessEvent() error = %v", err)
	}
	if r := expectResult(t, p); r.TriggerExecutionType != TriggerExecutionTypeExecution {
		t.Errorf("result type = %q, want execution", r.TriggerExecutionType)
	}

	// TRIGGERED: execution triggers stop counting, cancellation fires.
	p.UpdateScheduleState("s1", StateTriggered)
	if err := p.ProcessEvent(ctx, triggerEvent(TriggerTypeForeground, 1)); err != nil {
		t.Fatalf("ProcessEvent() error = %v", err)
	}
	expectNoResult(t, p)

	if err := p.ProcessEvent(ctx, triggerEvent(TriggerTypeBackground, 1)); err != nil {
		t.Fatalf("ProcessEvent() error = %v", err)
	}
	if r := expectResult(t, p); r.TriggerExecutionType != TriggerExecutionTypeDelayCancellation {
		t.Errorf("result type = %q, want delay_cancellation", r.TriggerExecutionType)
	}
}

func TestCountingTriggerProcessor_Paused(t *testing.T) {
	p, _ := setupTriggerProcessor(t)
	ctx := context.Background()

	data := testScheduleData("s1")
	data.Schedule.Triggers = []AutomationTrigger{{ID: "t1", Type: TriggerTypeForeground, Goal: 1}}
	if err := p.RestoreSchedules(ctx, []*AutomationScheduleData{data}); err != nil {
		t.Fatalf("RestoreSchedules() error = %v", err)
	}

	p.SetPaused(true)
	if err := p.ProcessEvent(ctx, triggerEvent(TriggerTypeForeground, 1)); err != nil {
		t.Fatalf("ProcessEvent() error = %v", err)
	}
	expectNoResult(t, p)

	p.SetPaused(false)
	if err := p.ProcessEvent(ctx, triggerEvent(TriggerTypeForeground, 1)); err != nil {
		t.Fatalf("ProcessEvent() error = %v", err)
	}
	expectResult(t, p)
}

func TestCountingTriggerProcessor_Cancel(t *testing.T) {
	p, store := setupTriggerProcessor(t)
	ctx := context.Background()

	data := testScheduleData("s1")
	data.Schedule.Triggers = []AutomationTrigger{{ID: "t1", Type: TriggerTypeCustomEvent, Goal: 5}}
	if err := p.RestoreSchedules(ctx, []*AutomationScheduleData{data}); err != nil {
		t.Fatalf("RestoreSchedules() error = %v", err)
	}
	if err := p.ProcessEvent(ctx, triggerEvent(TriggerTypeCustomEvent, 1)); err != nil {
		t.Fatalf("ProcessEvent() error = %v", err)
	}

	if err := p.Cancel(ctx, []string{"s1"}); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	// Accumulation state gone, events ignored.
	if _, err := store.GetTrigger(ctx, "s1", "t1"); err == nil {
		t.Error("trigger state should be deleted after Cancel")
	}
	if err := p.ProcessEvent(ctx, triggerEvent(TriggerTypeCustomEvent, 5)); err != nil {
		t.Fatalf("ProcessEvent() error = %v", err)
	}
	expectNoResult(t, p)
}

// TestCountingTriggerProcessor_UpdateResetsProgress verifies redefining a
// schedule resets accumulated progress.
func TestCountingTriggerProcessor_UpdateResetsProgress(t *testing.T) {
	p, store := setupTriggerProcessor(t)
	ctx := context.Background()

	data := testScheduleData("s1")
	data.Schedule.Triggers = []AutomationTrigger{{ID: "t1", Type: TriggerTypeCustomEvent, Goal: 3}}
	if err := p.RestoreSchedules(ctx, []*AutomationScheduleData{data}); err != nil {
		t.Fatalf("RestoreSchedules() error = %v", err)
	}
	if err := p.ProcessEvent(ctx, triggerEvent(TriggerTypeCustomEvent, 2)); err != nil {
		t.Fatalf("ProcessEvent() error = %v", err)
	}

	if err := p.UpdateSchedules(ctx, []*AutomationScheduleData{data}); err != nil {
		t.Fatalf("UpdateSchedules() error = %v", err)
	}

	if _, err := store.GetTrigger(ctx, "s1", "t1"); err == nil {
		t.Error("accumulated progress should be reset by UpdateSchedules")
	}
}
