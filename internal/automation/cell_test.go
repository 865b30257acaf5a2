package automation

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCell_GetSet(t *testing.T) {
	cell := NewCell(10)

	if got := cell.Get(); got != 10 {
		t.Errorf("Get() = %d, want 10", got)
	}

	cell.Set(20)
	if got := cell.Get(); got != 20 {
		t.Errorf("Get() after Set = %d, want 20", got)
	}
}

func TestCell_Update(t *testing.T) {
	cell := NewCell(TriggerableState{Screen: "home"})

	updated := cell.Update(func(s TriggerableState) TriggerableState {
		s.Foreground = true
		return s
	})
	if !updated.Foreground || updated.Screen != "home" {
		t.Errorf("Update() = %+v, want foreground with screen preserved", updated)
	}
}

func TestCell_Await_ImmediateMatch(t *testing.T) {
	cell := NewCell(5)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := cell.Await(ctx, func(v int) bool { return v == 5 }); err != nil {
		t.Errorf("Await() on matching value error = %v", err)
	}
}

func TestCell_Await_WakesOnSet(t *testing.T) {
	cell := NewCell(0)

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- cell.Await(ctx, func(v int) bool { return v >= 3 })
	}()

	// Non-matching sets must not satisfy the wait.
	cell.Set(1)
	cell.Set(2)
	select {
	case err := <-done:
		t.Fatalf("Await() returned early with err = %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	cell.Set(3)
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Await() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Await() did not wake on matching Set")
	}
}

func TestCell_Await_Cancellation(t *testing.T) {
	cell := NewCell(0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- cell.Await(ctx, func(v int) bool { return v == 99 })
	}()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Await() error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Await() did not return on cancellation")
	}
}

func TestTriggerableState_Regions(t *testing.T) {
	state := TriggerableState{}

	state = state.withRegion("r1")
	state = state.withRegion("r2")
	state = state.withRegion("r1") // idempotent

	if len(state.Regions) != 2 {
		t.Errorf("Regions = %v, want 2 entries", state.Regions)
	}
	if !state.InRegion("r1") || !state.InRegion("r2") {
		t.Error("expected membership in r1 and r2")
	}

	state = state.withoutRegion("r1")
	if state.InRegion("r1") {
		t.Error("r1 should be removed")
	}
	if !state.InRegion("r2") {
		t.Error("r2 should survive removal of r1")
	}
}
