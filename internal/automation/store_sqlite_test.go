package automation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// setupStoreTestDB creates an in-memory SQLite database with the schedules
// schema, including the later session-id/associated-data columns.
func setupStoreTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	// The store serializes access itself; a single connection keeps
	// :memory: databases from vanishing between pool connections.
	db.SetMaxOpenConns(1)

	schema := `
		CREATE TABLE schedules (
			identifier TEXT PRIMARY KEY,
			group_id TEXT,
			schedule_state TEXT NOT NULL DEFAULT 'idle',
			schedule_state_change_date INTEGER NOT NULL DEFAULT 0,
			execution_count INTEGER NOT NULL DEFAULT 0,
			schedule TEXT NOT NULL,
			trigger_info TEXT,
			prepared_schedule_info TEXT,
			trigger_session_id TEXT,
			associated_data TEXT
		) STRICT;
		CREATE INDEX idx_schedules_group ON schedules(group_id);

		CREATE TABLE schedule_triggers (
			schedule_id TEXT NOT NULL,
			trigger_id TEXT NOT NULL,
			state TEXT NOT NULL,
			PRIMARY KEY (schedule_id, trigger_id)
		) STRICT;
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		t.Fatalf("failed to create test schema: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})
	return db
}

// setupStore creates a store over a fresh in-memory database.
func setupStore(t *testing.T) *SQLiteScheduleStore {
	t.Helper()
	return NewSQLiteScheduleStore(setupStoreTestDB(t), nil)
}

// testScheduleData builds a minimal persisted record for tests.
func testScheduleData(id string) *AutomationScheduleData {
	return &AutomationScheduleData{
		Schedule: AutomationSchedule{
			ID:       id,
			Triggers: []AutomationTrigger{{ID: "t1", Type: TriggerTypeForeground, Goal: 1}},
			Data:     ScheduleData{Type: ScheduleTypeActions, Actions: []byte(`{"key":"value"}`)},
		},
		ScheduleState:    StateIdle,
		StateChangeDate:  time.Now().UTC().Truncate(time.Millisecond),
		TriggerSessionID: "session-" + id,
	}
}

// insertSchedule persists a record through the store's upsert path.
func insertSchedule(t *testing.T, store *SQLiteScheduleStore, data *AutomationScheduleData) {
	t.Helper()
	_, err := store.UpsertSchedules(context.Background(), []string{data.Schedule.ID},
		func(id string, existing *AutomationScheduleData) (*AutomationScheduleData, error) {
			return data, nil
		})
	if err != nil {
		t.Fatalf("failed to insert schedule: %v", err)
	}
}

func TestSQLiteScheduleStore_GetSchedule(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	want := testScheduleData("sched-1")
	want.Schedule.Group = "campaign-a"
	want.ExecutionCount = 2
	insertSchedule(t, store, want)

	got, err := store.GetSchedule(ctx, "sched-1")
	if err != nil {
		t.Fatalf("GetSchedule() error = %v", err)
	}
	if got.Schedule.ID != "sched-1" {
		t.Errorf("Schedule.ID = %q, want %q", got.Schedule.ID, "sched-1")
	}
	if got.Schedule.Group != "campaign-a" {
		t.Errorf("Schedule.Group = %q, want %q", got.Schedule.Group, "campaign-a")
	}
	if got.ExecutionCount != 2 {
		t.Errorf("ExecutionCount = %d, want 2", got.ExecutionCount)
	}
	if got.ScheduleState != StateIdle {
		t.Errorf("ScheduleState = %q, want %q", got.ScheduleState, StateIdle)
	}
	if !got.StateChangeDate.Equal(want.StateChangeDate) {
		t.Errorf("StateChangeDate = %v, want %v", got.StateChangeDate, want.StateChangeDate)
	}
	if got.TriggerSessionID != "session-sched-1" {
		t.Errorf("TriggerSessionID = %q, want %q", got.TriggerSessionID, "session-sched-1")
	}
}

func TestSQLiteScheduleStore_GetSchedule_NotFound(t *testing.T) {
	store := setupStore(t)

	_, err := store.GetSchedule(context.Background(), "missing")
	if !errors.Is(err, ErrScheduleNotFound) {
		t.Errorf("GetSchedule() error = %v, want ErrScheduleNotFound", err)
	}
}

func TestSQLiteScheduleStore_GetSchedulesByGroup(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	a := testScheduleData("a")
	a.Schedule.Group = "g1"
	b := testScheduleData("b")
	b.Schedule.Group = "g1"
	c := testScheduleData("c")
	c.Schedule.Group = "g2"
	for _, data := range []*AutomationScheduleData{a, b, c} {
		insertSchedule(t, store, data)
	}

	got, err := store.GetSchedulesByGroup(ctx, "g1")
	if err != nil {
		t.Fatalf("GetSchedulesByGroup() error = %v", err)
	}
	if len(got) != 2 {
		t.Errorf("got %d schedules, want 2", len(got))
	}
}

func TestSQLiteScheduleStore_UpdateSchedule(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	insertSchedule(t, store, testScheduleData("sched-1"))

	now := time.Now().UTC().Truncate(time.Millisecond)
	updated, err := store.UpdateSchedule(ctx, "sched-1", func(d *AutomationScheduleData) {
		d.triggered(TriggerInfo{Date: now}, now)
	})
	if err != nil {
		t.Fatalf("UpdateSchedule() error = %v", err)
	}
	if updated.ScheduleState != StateTriggered {
		t.Errorf("ScheduleState = %q, want %q", updated.ScheduleState, StateTriggered)
	}

	got, err := store.GetSchedule(ctx, "sched-1")
	if err != nil {
		t.Fatalf("GetSchedule() error = %v", err)
	}
	if got.ScheduleState != StateTriggered {
		t.Errorf("persisted ScheduleState = %q, want %q", got.ScheduleState, StateTriggered)
	}
	if got.TriggerInfo == nil || !got.TriggerInfo.Date.Equal(now) {
		t.Errorf("persisted TriggerInfo = %+v, want date %v", got.TriggerInfo, now)
	}
	if got.TriggerSessionID == "session-sched-1" {
		t.Error("triggered() should have opened a fresh trigger session")
	}
}

func TestSQLiteScheduleStore_UpdateSchedule_NotFound(t *testing.T) {
	store := setupStore(t)

	_, err := store.UpdateSchedule(context.Background(), "missing", func(d *AutomationScheduleData) {})
	if !errors.Is(err, ErrScheduleNotFound) {
		t.Errorf("UpdateSchedule() error = %v, want ErrScheduleNotFound", err)
	}
}

// TestSQLiteScheduleStore_UpdateSchedule_Atomic hammers one record with
// concurrent increments; serialized read-modify-write must lose none.
func TestSQLiteScheduleStore_UpdateSchedule_Atomic(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	insertSchedule(t, store, testScheduleData("sched-1"))

	const workers = 20
	const perWorker = 5

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				_, err := store.UpdateSchedule(ctx, "sched-1", func(d *AutomationScheduleData) {
					d.ExecutionCount++
				})
				if err != nil {
					t.Errorf("UpdateSchedule() error = %v", err)
				}
			}
		}()
	}
	wg.Wait()

	got, err := store.GetSchedule(ctx, "sched-1")
	if err != nil {
		t.Fatalf("GetSchedule() error = %v", err)
	}
	if got.ExecutionCount != workers*perWorker {
		t.Errorf("ExecutionCount = %d, want %d", got.ExecutionCount, workers*perWorker)
	}
}

func TestSQLiteScheduleStore_UpsertSchedules_Merge(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	original := testScheduleData("sched-1")
	original.ExecutionCount = 3
	insertSchedule(t, store, original)

	_, err := store.UpsertSchedules(ctx, []string{"sched-1", "sched-2"},
		func(id string, existing *AutomationScheduleData) (*AutomationScheduleData, error) {
			if existing != nil {
				existing.Schedule.Priority = 7
				return existing, nil
			}
			return testScheduleData(id), nil
		})
	if err != nil {
		t.Fatalf("UpsertSchedules() error = %v", err)
	}

	merged, err := store.GetSchedule(ctx, "sched-1")
	if err != nil {
		t.Fatalf("GetSchedule() error = %v", err)
	}
	if merged.ExecutionCount != 3 {
		t.Errorf("merge lost ExecutionCount: got %d, want 3", merged.ExecutionCount)
	}
	if merged.Schedule.Priority != 7 {
		t.Errorf("Priority = %d, want 7", merged.Schedule.Priority)
	}

	if _, err := store.GetSchedule(ctx, "sched-2"); err != nil {
		t.Errorf("inserted schedule missing: %v", err)
	}
}

// TestSQLiteScheduleStore_Chunking pushes a batch past the parameter chunk
// size to exercise the chunked IN-clause paths.
func TestSQLiteScheduleStore_Chunking(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	total := batchChunkSize + 50
	ids := make([]string, 0, total)
	for i := 0; i < total; i++ {
		ids = append(ids, fmt.Sprintf("sched-%04d", i))
	}

	_, err := store.UpsertSchedules(ctx, ids,
		func(id string, existing *AutomationScheduleData) (*AutomationScheduleData, error) {
			return testScheduleData(id), nil
		})
	if err != nil {
		t.Fatalf("UpsertSchedules() error = %v", err)
	}

	got, err := store.GetSchedulesByIDs(ctx, ids)
	if err != nil {
		t.Fatalf("GetSchedulesByIDs() error = %v", err)
	}
	if len(got) != total {
		t.Errorf("got %d schedules, want %d", len(got), total)
	}

	if err := store.DeleteSchedules(ctx, ids); err != nil {
		t.Fatalf("DeleteSchedules() error = %v", err)
	}
	remaining, err := store.GetSchedules(ctx)
	if err != nil {
		t.Fatalf("GetSchedules() error = %v", err)
	}
	if len(remaining) != 0 {
		t.Errorf("got %d schedules after delete, want 0", len(remaining))
	}
}

// TestSQLiteScheduleStore_CorruptRow verifies a row with unparseable JSON is
// skipped on list reads instead of failing the whole query.
func TestSQLiteScheduleStore_CorruptRow(t *testing.T) {
	db := setupStoreTestDB(t)
	store := NewSQLiteScheduleStore(db, nil)
	ctx := context.Background()

	insertSchedule(t, store, testScheduleData("good"))

	_, err := db.Exec(`
		INSERT INTO schedules (identifier, schedule, schedule_state, trigger_session_id)
		VALUES ('bad', 'not json', 'idle', 'x')`)
	if err != nil {
		t.Fatalf("failed to insert corrupt row: %v", err)
	}

	got, err := store.GetSchedules(ctx)
	if err != nil {
		t.Fatalf("GetSchedules() error = %v", err)
	}
	if len(got) != 1 || got[0].Schedule.ID != "good" {
		t.Errorf("got %d schedules, want only the valid one", len(got))
	}
}

// TestSQLiteScheduleStore_SessionIDBackfill verifies a row persisted before
// the trigger_session_id column gains a generated id on read.
func TestSQLiteScheduleStore_SessionIDBackfill(t *testing.T) {
	db := setupStoreTestDB(t)
	store := NewSQLiteScheduleStore(db, nil)

	_, err := db.Exec(`
		INSERT INTO schedules (identifier, schedule, schedule_state)
		VALUES ('legacy', '{"id":"legacy","triggers":null,"priority":0,"data":{"type":"actions"},"created":"0001-01-01T00:00:00Z"}', 'idle')`)
	if err != nil {
		t.Fatalf("failed to insert legacy row: %v", err)
	}

	got, err := store.GetSchedule(context.Background(), "legacy")
	if err != nil {
		t.Fatalf("GetSchedule() error = %v", err)
	}
	if got.TriggerSessionID == "" {
		t.Error("expected a generated trigger session id for legacy row")
	}
}

func TestSQLiteScheduleStore_DeleteSchedulesByGroup(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	a := testScheduleData("a")
	a.Schedule.Group = "g1"
	b := testScheduleData("b")
	b.Schedule.Group = "g2"
	insertSchedule(t, store, a)
	insertSchedule(t, store, b)

	if err := store.DeleteSchedulesByGroup(ctx, "g1"); err != nil {
		t.Fatalf("DeleteSchedulesByGroup() error = %v", err)
	}

	if _, err := store.GetSchedule(ctx, "a"); !errors.Is(err, ErrScheduleNotFound) {
		t.Errorf("schedule a should be deleted, got err = %v", err)
	}
	if _, err := store.GetSchedule(ctx, "b"); err != nil {
		t.Errorf("schedule b should survive, got err = %v", err)
	}
}

func TestSQLiteScheduleStore_TriggerState(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	if _, err := store.GetTrigger(ctx, "s1", "t1"); !errors.Is(err, ErrTriggerNotFound) {
		t.Errorf("GetTrigger() error = %v, want ErrTriggerNotFound", err)
	}

	err := store.UpsertTriggers(ctx, []*TriggerData{
		{ScheduleID: "s1", TriggerID: "t1", Count: 2.5},
		{ScheduleID: "s1", TriggerID: "t2", Count: 1},
		{ScheduleID: "s2", TriggerID: "t1", Count: 4},
	})
	if err != nil {
		t.Fatalf("UpsertTriggers() error = %v", err)
	}

	got, err := store.GetTrigger(ctx, "s1", "t1")
	if err != nil {
		t.Fatalf("GetTrigger() error = %v", err)
	}
	if got.Count != 2.5 {
		t.Errorf("Count = %v, want 2.5", got.Count)
	}

	// Upsert overwrites.
	if err := store.UpsertTriggers(ctx, []*TriggerData{{ScheduleID: "s1", TriggerID: "t1", Count: 0}}); err != nil {
		t.Fatalf("UpsertTriggers() error = %v", err)
	}
	got, err = store.GetTrigger(ctx, "s1", "t1")
	if err != nil {
		t.Fatalf("GetTrigger() error = %v", err)
	}
	if got.Count != 0 {
		t.Errorf("Count after reset = %v, want 0", got.Count)
	}

	if err := store.DeleteTriggers(ctx, "s1", []string{"t2"}); err != nil {
		t.Fatalf("DeleteTriggers() error = %v", err)
	}
	if _, err := store.GetTrigger(ctx, "s1", "t2"); !errors.Is(err, ErrTriggerNotFound) {
		t.Errorf("t2 should be deleted, got err = %v", err)
	}

	if err := store.DeleteTriggersExcluding(ctx, []string{"s2"}); err != nil {
		t.Fatalf("DeleteTriggersExcluding() error = %v", err)
	}
	if _, err := store.GetTrigger(ctx, "s1", "t1"); !errors.Is(err, ErrTriggerNotFound) {
		t.Errorf("s1 trigger state should be pruned, got err = %v", err)
	}
	if _, err := store.GetTrigger(ctx, "s2", "t1"); err != nil {
		t.Errorf("s2 trigger state should survive, got err = %v", err)
	}

	if err := store.DeleteTriggersForSchedules(ctx, []string{"s2"}); err != nil {
		t.Fatalf("DeleteTriggersForSchedules() error = %v", err)
	}
	if _, err := store.GetTrigger(ctx, "s2", "t1"); !errors.Is(err, ErrTriggerNotFound) {
		t.Errorf("s2 trigger state should be deleted, got err = %v", err)
	}
}
