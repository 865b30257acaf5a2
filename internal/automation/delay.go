package automation

import (
	"context"
	"time"
)

// DelayProcessor waits out a schedule's post-trigger delay in two phases: a
// cancellable fixed sleep anchored at the trigger date, then an event-driven
// wait until every live condition (app state, screen, region) holds.
//
// The condition wait suspends on the TriggerableState cell rather than
// polling; each wake re-evaluates all conditions from scratch so a condition
// that regressed while another was being waited on is caught.
type DelayProcessor struct {
	state   *Cell[TriggerableState]
	clock   Clock
	sleeper Sleeper
}

// NewDelayProcessor creates a delay processor observing the given state cell.
func NewDelayProcessor(state *Cell[TriggerableState], clock Clock, sleeper Sleeper) *DelayProcessor {
	if clock == nil {
		clock = SystemClock
	}
	if sleeper == nil {
		sleeper = SystemSleeper
	}
	return &DelayProcessor{state: state, clock: clock, sleeper: sleeper}
}

// AreConditionsMet reports whether every live condition of the delay holds
// against the current state snapshot. A nil delay trivially holds.
func (p *DelayProcessor) AreConditionsMet(delay *AutomationDelay) bool {
	if delay == nil {
		return true
	}
	return conditionsMet(delay, p.state.Get())
}

// Process waits out the delay. The fixed portion is computed from the trigger
// date, so time already elapsed (including across restarts) is credited.
// Returns ctx.Err() on cancellation.
func (p *DelayProcessor) Process(ctx context.Context, delay *AutomationDelay, triggerDate time.Time) error {
	if delay == nil {
		return nil
	}

	if delay.Seconds > 0 {
		elapsed := p.clock.Now().Sub(triggerDate)
		remaining := time.Duration(delay.Seconds)*time.Second - elapsed
		if err := p.sleeper.Sleep(ctx, remaining); err != nil {
			return err
		}
	}

	for {
		if conditionsMet(delay, p.state.Get()) {
			return nil
		}
		// Wait for the first failing condition to flip, then re-check all of
		// them: satisfying one condition may have invalidated another.
		failing := firstFailingCondition(delay, p.state.Get())
		if err := p.state.Await(ctx, failing); err != nil {
			return err
		}
	}
}

// conditionsMet evaluates every live condition against a state snapshot.
func conditionsMet(delay *AutomationDelay, state TriggerableState) bool {
	if !appStateMatches(delay.AppState, state) {
		return false
	}
	if !screenMatches(delay.Screens, state) {
		return false
	}
	if delay.RegionID != "" && !state.InRegion(delay.RegionID) {
		return false
	}
	return true
}

// firstFailingCondition returns a predicate for the first condition that does
// not currently hold, in evaluation order.
func firstFailingCondition(delay *AutomationDelay, state TriggerableState) func(TriggerableState) bool {
	switch {
	case !appStateMatches(delay.AppState, state):
		appState := delay.AppState
		return func(s TriggerableState) bool { return appStateMatches(appState, s) }
	case !screenMatches(delay.Screens, state):
		screens := delay.Screens
		return func(s TriggerableState) bool { return screenMatches(screens, s) }
	default:
		regionID := delay.RegionID
		return func(s TriggerableState) bool { return s.InRegion(regionID) }
	}
}

// appStateMatches reports whether the live foreground flag satisfies the
// required app state. A nil requirement always matches.
func appStateMatches(required *AppState, state TriggerableState) bool {
	if required == nil {
		return true
	}
	if *required == AppStateForeground {
		return state.Foreground
	}
	return !state.Foreground
}

// screenMatches reports whether the current screen is one of the required
// screens. An empty list always matches.
func screenMatches(screens []string, state TriggerableState) bool {
	if len(screens) == 0 {
		return true
	}
	for _, screen := range screens {
		if state.Screen == screen {
			return true
		}
	}
	return false
}
