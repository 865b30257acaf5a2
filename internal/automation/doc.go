// Package automation provides the schedule engine for Engage Core.
//
// Schedules are trigger-driven units of work (in-app messages, action
// payloads, or remotely resolved deferred content) that move through a
// persisted lifecycle: IDLE → TRIGGERED → PREPARED → EXECUTING, settling in
// IDLE, PAUSED, or FINISHED depending on execution limits and intervals.
//
// Architecture:
//
//	┌────────────────────────────────────────────────────────────┐
//	│                    Engine (engine.go)                      │
//	│  Owns all lifecycle transitions and the execution queue    │
//	│                                                            │
//	│  EventFeed ──▶ TriggerProcessor ──▶ trigger results        │
//	│  (feed.go)     (triggers.go)                               │
//	│        │                                                   │
//	│        ▼                                                   │
//	│  ┌──────────────────────────────────────────────────┐     │
//	│  │  Per-schedule pipeline                            │     │
//	│  │  1. DelayProcessor: sleep + condition wait        │     │
//	│  │  2. Preparer: currency, frequency, audience,      │     │
//	│  │     experiments, delegate content (retry queues)  │     │
//	│  │  3. pendingQueue: single-flight, priority order   │     │
//	│  │  4. Executor: readiness gates, delegate execute   │     │
//	│  └──────────────────────────────────────────────────┘     │
//	│        │                                                   │
//	│        ▼                                                   │
//	│  ScheduleStore (store_sqlite.go): atomic per-id updates    │
//	└────────────────────────────────────────────────────────────┘
//
// # Key Types
//
//   - AutomationSchedule: Immutable schedule definition supplied by callers
//   - AutomationScheduleData: Persisted record (definition + lifecycle state)
//   - Engine: Orchestrator wiring triggers, delays, preparation, execution
//   - ScheduleStore: Serialized persistence with atomic read-modify-write
//   - Preparer / Executor: Pipelines around pluggable content delegates
//
// # Crash Safety
//
// Every state transition is persisted before collaborators are notified.
// On Start the engine restores from the store: interrupted executions are
// resolved through the delegate, interrupted preparations re-run from the
// stored trigger snapshot, and pause wake-ups are recomputed from the
// persisted state change date.
//
// # Thread Safety
//
// Engine, ScheduleStore, EventFeed, and the trigger processor are safe for
// concurrent use from multiple goroutines.
//
// # Usage
//
//	store := automation.NewSQLiteScheduleStore(db, log)
//	feed := automation.NewEventFeed(64)
//	triggers := automation.NewCountingTriggerProcessor(store, nil, log)
//
//	engine := automation.NewEngine(automation.EngineConfig{
//	    Store:    store,
//	    Triggers: triggers,
//	    Feed:     feed,
//	    Preparer: preparer,
//	    Executor: executor,
//	    Delay:    automation.NewDelayProcessor(feed.State(), nil, nil),
//	    Logger:   log,
//	})
//	if err := engine.Start(ctx); err != nil {
//	    return err
//	}
package automation
