package automation

import (
	"testing"
	"time"
)

// collectEvents drains n events from the feed or fails the test.
func collectEvents(t *testing.T, feed *EventFeed, n int) []AutomationEvent {
	t.Helper()

	events := make([]AutomationEvent, 0, n)
	for i := 0; i < n; i++ {
		select {
		case ev := <-feed.Events():
			events = append(events, ev)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d of %d", i+1, n)
		}
	}
	return events
}

func TestEventFeed_Foreground(t *testing.T) {
	feed := NewEventFeed(16)

	feed.Foreground()

	// state change, foreground trigger, active session trigger — in order.
	events := collectEvents(t, feed, 3)
	if events[0].Kind != EventKindStateChanged {
		t.Errorf("events[0].Kind = %q, want state_changed", events[0].Kind)
	}
	if !events[0].State.Foreground {
		t.Error("state snapshot should be foregrounded")
	}
	if events[1].Trigger == nil || events[1].Trigger.Type != TriggerTypeForeground {
		t.Errorf("events[1] = %+v, want foreground trigger", events[1])
	}
	if events[2].Trigger == nil || events[2].Trigger.Type != TriggerTypeActiveSession {
		t.Errorf("events[2] = %+v, want active_session trigger", events[2])
	}

	state := feed.State().Get()
	if !state.Foreground || state.AppSessionID == "" {
		t.Errorf("state = %+v, want foreground with a session id", state)
	}
}

func TestEventFeed_SessionRotation(t *testing.T) {
	feed := NewEventFeed(16)

	feed.Foreground()
	first := feed.State().Get().AppSessionID

	feed.Background()
	if got := feed.State().Get().AppSessionID; got != "" {
		t.Errorf("AppSessionID after background = %q, want empty", got)
	}

	feed.Foreground()
	second := feed.State().Get().AppSessionID
	if second == "" || second == first {
		t.Errorf("second session id = %q, want a fresh id distinct from %q", second, first)
	}
}

func TestEventFeed_ScreenAndRegions(t *testing.T) {
	feed := NewEventFeed(16)

	feed.ScreenViewed("checkout")
	feed.RegionEntered("store-42")

	state := feed.State().Get()
	if state.Screen != "checkout" {
		t.Errorf("Screen = %q, want checkout", state.Screen)
	}
	if !state.InRegion("store-42") {
		t.Error("expected region membership after enter")
	}

	feed.RegionExited("store-42")
	if feed.State().Get().InRegion("store-42") {
		t.Error("expected region removed after exit")
	}
}

func TestEventFeed_CustomEventValue(t *testing.T) {
	feed := NewEventFeed(16)

	feed.CustomEvent([]byte(`{"name":"purchase"}`), 3)

	events := collectEvents(t, feed, 1)
	trigger := events[0].Trigger
	if trigger == nil || trigger.Type != TriggerTypeCustomEvent {
		t.Fatalf("event = %+v, want custom_event trigger", events[0])
	}
	if trigger.goalValue() != 3 {
		t.Errorf("goalValue() = %v, want 3", trigger.goalValue())
	}

	// Zero value defaults to one.
	feed.CustomEvent(nil, 0)
	events = collectEvents(t, feed, 1)
	if events[0].Trigger.goalValue() != 1 {
		t.Errorf("goalValue() for zero value = %v, want 1", events[0].Trigger.goalValue())
	}
}

func TestEventFeed_Close(t *testing.T) {
	feed := NewEventFeed(16)

	feed.Close()
	feed.AppInit() // must not panic

	if _, ok := <-feed.Events(); ok {
		t.Error("Events() should be closed")
	}
}
