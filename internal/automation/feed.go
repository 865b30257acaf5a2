package automation

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
)

// AutomationEventKind discriminates the two event feed variants.
type AutomationEventKind string

const (
	// EventKindTrigger carries a countable occurrence (foreground, screen
	// view, custom event, region crossing).
	EventKindTrigger AutomationEventKind = "event"

	// EventKindStateChanged carries a new TriggerableState snapshot.
	EventKindStateChanged AutomationEventKind = "state_changed"
)

// TriggerEvent is a single countable occurrence with an optional payload and
// a value contributed toward trigger goals (defaults to 1 when zero).
type TriggerEvent struct {
	Type  TriggerType
	Data  json.RawMessage
	Value float64
}

// goalValue returns the value this event contributes toward a trigger goal.
func (e TriggerEvent) goalValue() float64 {
	if e.Value == 0 {
		return 1
	}
	return e.Value
}

// AutomationEvent is one element of the merged event stream.
type AutomationEvent struct {
	Kind    AutomationEventKind
	Trigger *TriggerEvent
	State   *TriggerableState
}

// EventFeed merges application lifecycle, session, and analytics events into
// a single ordered stream and maintains the live TriggerableState cell.
//
// Producers (the host application) call the high-level methods; the engine
// consumes Events() and forwards each element to the trigger processor in
// emission order. Producers block once the buffer fills rather than
// reordering or dropping events.
//
// Thread Safety: all methods are safe for concurrent use, though events from
// concurrent producers are ordered arbitrarily relative to each other.
type EventFeed struct {
	mu     sync.Mutex
	events chan AutomationEvent
	state  *Cell[TriggerableState]
	closed bool
}

// NewEventFeed creates a feed with the given channel buffer size.
func NewEventFeed(buffer int) *EventFeed {
	if buffer < 1 {
		buffer = 64
	}
	return &EventFeed{
		events: make(chan AutomationEvent, buffer),
		state:  NewCell(TriggerableState{}),
	}
}

// Events returns the merged event stream.
func (f *EventFeed) Events() <-chan AutomationEvent {
	return f.events
}

// State returns the live TriggerableState cell observed by the delay
// processor.
func (f *EventFeed) State() *Cell[TriggerableState] {
	return f.state
}

// Close stops the feed. Subsequent emissions are ignored.
func (f *EventFeed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	close(f.events)
}

// emit appends an event to the stream unless the feed is closed.
func (f *EventFeed) emit(ev AutomationEvent) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	// Hold the lock across the send so the channel cannot be closed
	// between the check and the send, and concurrent producers keep a
	// single total order.
	f.events <- ev
	f.mu.Unlock()
}

// emitState publishes the current state snapshot on the stream.
func (f *EventFeed) emitState() {
	snapshot := f.state.Get()
	f.emit(AutomationEvent{Kind: EventKindStateChanged, State: &snapshot})
}

// emitTrigger publishes a countable occurrence on the stream.
func (f *EventFeed) emitTrigger(ev TriggerEvent) {
	f.emit(AutomationEvent{Kind: EventKindTrigger, Trigger: &ev})
}

// AppInit records application initialisation.
func (f *EventFeed) AppInit() {
	f.emitTrigger(TriggerEvent{Type: TriggerTypeAppInit})
}

// Foreground records the app entering the foreground and opens a new app
// session.
func (f *EventFeed) Foreground() {
	f.state.Update(func(s TriggerableState) TriggerableState {
		s.Foreground = true
		s.AppSessionID = uuid.NewString()
		return s
	})
	f.emitState()
	f.emitTrigger(TriggerEvent{Type: TriggerTypeForeground})
	f.emitTrigger(TriggerEvent{Type: TriggerTypeActiveSession})
}

// Background records the app entering the background and closes the session.
func (f *EventFeed) Background() {
	f.state.Update(func(s TriggerableState) TriggerableState {
		s.Foreground = false
		s.AppSessionID = ""
		return s
	})
	f.emitState()
	f.emitTrigger(TriggerEvent{Type: TriggerTypeBackground})
}

// ScreenViewed records a screen view.
func (f *EventFeed) ScreenViewed(name string) {
	f.state.Update(func(s TriggerableState) TriggerableState {
		s.Screen = name
		return s
	})
	f.emitState()
	data, _ := json.Marshal(map[string]string{"screen": name}) //nolint:errcheck // map of strings cannot fail
	f.emitTrigger(TriggerEvent{Type: TriggerTypeScreen, Data: data})
}

// RegionEntered records entry into a geofence region.
func (f *EventFeed) RegionEntered(regionID string) {
	f.state.Update(func(s TriggerableState) TriggerableState {
		return s.withRegion(regionID)
	})
	f.emitState()
	data, _ := json.Marshal(map[string]string{"region_id": regionID}) //nolint:errcheck // map of strings cannot fail
	f.emitTrigger(TriggerEvent{Type: TriggerTypeRegionEnter, Data: data})
}

// RegionExited records exit from a geofence region.
func (f *EventFeed) RegionExited(regionID string) {
	f.state.Update(func(s TriggerableState) TriggerableState {
		return s.withoutRegion(regionID)
	})
	f.emitState()
	data, _ := json.Marshal(map[string]string{"region_id": regionID}) //nolint:errcheck // map of strings cannot fail
	f.emitTrigger(TriggerEvent{Type: TriggerTypeRegionExit, Data: data})
}

// CustomEvent records an analytics event with an optional value contributed
// toward trigger goals.
func (f *EventFeed) CustomEvent(data json.RawMessage, value float64) {
	f.emitTrigger(TriggerEvent{Type: TriggerTypeCustomEvent, Data: data, Value: value})
}
