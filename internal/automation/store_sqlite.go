package automation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// batchChunkSize bounds the number of bound parameters per statement;
// SQLite's default variable limit is 999.
const batchChunkSize = 500

// scheduleColumns is the SELECT column list for schedule queries.
const scheduleColumns = `identifier, group_id, schedule_state, schedule_state_change_date,
			execution_count, schedule, trigger_info, prepared_schedule_info,
			trigger_session_id, associated_data`

// SQLiteScheduleStore implements ScheduleStore using SQLite.
//
// A single mutex serializes all access: transform callbacks in
// UpdateSchedule/UpsertSchedules run while the lock is held, so each
// read-modify-write is atomic with respect to every other store operation.
type SQLiteScheduleStore struct {
	mu     sync.Mutex
	db     *sql.DB
	logger Logger
}

// NewSQLiteScheduleStore creates a new SQLite-backed schedule store.
func NewSQLiteScheduleStore(db *sql.DB, logger Logger) *SQLiteScheduleStore {
	if logger == nil {
		logger = noopLogger{}
	}
	return &SQLiteScheduleStore{db: db, logger: logger}
}

// rowScanner abstracts *sql.Row and *sql.Rows for shared scanning code.
type rowScanner interface {
	Scan(dest ...any) error
}

// GetSchedules retrieves all schedule records.
func (s *SQLiteScheduleStore) GetSchedules(ctx context.Context) ([]*AutomationScheduleData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `SELECT ` + scheduleColumns + ` FROM schedules`
	return s.querySchedules(ctx, query)
}

// GetSchedule retrieves a single schedule record by identifier.
func (s *SQLiteScheduleStore) GetSchedule(ctx context.Context, id string) (*AutomationScheduleData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.getScheduleLocked(ctx, id)
}

// GetSchedulesByGroup retrieves all schedule records in a group.
func (s *SQLiteScheduleStore) GetSchedulesByGroup(ctx context.Context, group string) ([]*AutomationScheduleData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `SELECT ` + scheduleColumns + ` FROM schedules WHERE group_id = ?`
	return s.querySchedules(ctx, query, group)
}

// GetSchedulesByIDs retrieves the schedule records for the given identifiers.
// Missing identifiers are silently omitted from the result.
func (s *SQLiteScheduleStore) GetSchedulesByIDs(ctx context.Context, ids []string) ([]*AutomationScheduleData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []*AutomationScheduleData
	for _, chunk := range chunkStrings(ids, batchChunkSize) {
		query := `SELECT ` + scheduleColumns + ` FROM schedules WHERE identifier IN (` + placeholders(len(chunk)) + `)`
		records, err := s.querySchedules(ctx, query, stringArgs(chunk)...)
		if err != nil {
			return nil, err
		}
		result = append(result, records...)
	}
	return result, nil
}

// UpdateSchedule applies transform to the stored record inside a transaction
// and persists the result.
func (s *SQLiteScheduleStore) UpdateSchedule(ctx context.Context, id string, transform func(*AutomationScheduleData)) (*AutomationScheduleData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning update transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	row := tx.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE identifier = ?`, id)
	data, err := s.scanSchedule(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrScheduleNotFound
		}
		return nil, fmt.Errorf("querying schedule %q: %w", id, err)
	}

	transform(data)

	if err := writeSchedule(ctx, tx, data); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing schedule update: %w", err)
	}
	return data, nil
}

// UpsertSchedules applies transform to each identifier in order, inserting or
// replacing the stored record with the result. The whole batch commits as one
// transaction.
func (s *SQLiteScheduleStore) UpsertSchedules(ctx context.Context, ids []string, transform func(id string, existing *AutomationScheduleData) (*AutomationScheduleData, error)) ([]*AutomationScheduleData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning upsert transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	result := make([]*AutomationScheduleData, 0, len(ids))
	for _, id := range ids {
		row := tx.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE identifier = ?`, id)
		existing, err := s.scanSchedule(row)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("querying schedule %q: %w", id, err)
		}

		updated, err := transform(id, existing)
		if err != nil {
			return nil, err
		}
		if err := writeSchedule(ctx, tx, updated); err != nil {
			return nil, err
		}
		result = append(result, updated)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing schedule upsert: %w", err)
	}
	return result, nil
}

// DeleteSchedules removes the given schedule records.
func (s *SQLiteScheduleStore) DeleteSchedules(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, chunk := range chunkStrings(ids, batchChunkSize) {
		query := `DELETE FROM schedules WHERE identifier IN (` + placeholders(len(chunk)) + `)`
		if _, err := s.db.ExecContext(ctx, query, stringArgs(chunk)...); err != nil {
			return fmt.Errorf("deleting schedules: %w", err)
		}
	}
	return nil
}

// DeleteSchedulesByGroup removes all schedule records in a group.
func (s *SQLiteScheduleStore) DeleteSchedulesByGroup(ctx context.Context, group string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE group_id = ?`, group); err != nil {
		return fmt.Errorf("deleting schedules by group: %w", err)
	}
	return nil
}

// GetTrigger retrieves the accumulation state of one (schedule, trigger) pair.
func (s *SQLiteScheduleStore) GetTrigger(ctx context.Context, scheduleID, triggerID string) (*TriggerData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT schedule_id, trigger_id, state FROM schedule_triggers WHERE schedule_id = ? AND trigger_id = ?`,
		scheduleID, triggerID,
	)

	var data TriggerData
	var stateJSON string
	if err := row.Scan(&data.ScheduleID, &data.TriggerID, &stateJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTriggerNotFound
		}
		return nil, fmt.Errorf("querying trigger state: %w", err)
	}
	if err := json.Unmarshal([]byte(stateJSON), &data); err != nil {
		return nil, fmt.Errorf("unmarshalling trigger state: %w", err)
	}
	data.ScheduleID = scheduleID
	data.TriggerID = triggerID
	return &data, nil
}

// UpsertTriggers inserts or replaces trigger accumulation state in one
// transaction.
func (s *SQLiteScheduleStore) UpsertTriggers(ctx context.Context, triggers []*TriggerData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning trigger upsert transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	for _, trigger := range triggers {
		stateJSON, err := json.Marshal(trigger)
		if err != nil {
			return fmt.Errorf("marshalling trigger state: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO schedule_triggers (schedule_id, trigger_id, state) VALUES (?, ?, ?)
			 ON CONFLICT(schedule_id, trigger_id) DO UPDATE SET state = excluded.state`,
			trigger.ScheduleID, trigger.TriggerID, string(stateJSON),
		)
		if err != nil {
			return fmt.Errorf("upserting trigger state: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing trigger upsert: %w", err)
	}
	return nil
}

// DeleteTriggers removes trigger state rows for one schedule.
func (s *SQLiteScheduleStore) DeleteTriggers(ctx context.Context, scheduleID string, triggerIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, chunk := range chunkStrings(triggerIDs, batchChunkSize) {
		query := `DELETE FROM schedule_triggers WHERE schedule_id = ? AND trigger_id IN (` + placeholders(len(chunk)) + `)`
		args := append([]any{scheduleID}, stringArgs(chunk)...)
		if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("deleting trigger state: %w", err)
		}
	}
	return nil
}

// DeleteTriggersForSchedules removes all trigger state for the given schedules.
func (s *SQLiteScheduleStore) DeleteTriggersForSchedules(ctx context.Context, scheduleIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, chunk := range chunkStrings(scheduleIDs, batchChunkSize) {
		query := `DELETE FROM schedule_triggers WHERE schedule_id IN (` + placeholders(len(chunk)) + `)`
		if _, err := s.db.ExecContext(ctx, query, stringArgs(chunk)...); err != nil {
			return fmt.Errorf("deleting trigger state for schedules: %w", err)
		}
	}
	return nil
}

// DeleteTriggersExcluding removes trigger state for every schedule outside the
// given set. An empty set clears the table.
func (s *SQLiteScheduleStore) DeleteTriggersExcluding(ctx context.Context, scheduleIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(scheduleIDs) == 0 {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM schedule_triggers`); err != nil {
			return fmt.Errorf("clearing trigger state: %w", err)
		}
		return nil
	}

	// Chunked NOT IN requires one statement: collect survivors into a temp
	// table would be overkill at this scale, so cap at a single chunk and
	// fall back to a two-step delete for larger sets.
	if len(scheduleIDs) <= batchChunkSize {
		query := `DELETE FROM schedule_triggers WHERE schedule_id NOT IN (` + placeholders(len(scheduleIDs)) + `)`
		if _, err := s.db.ExecContext(ctx, query, stringArgs(scheduleIDs)...); err != nil {
			return fmt.Errorf("deleting stale trigger state: %w", err)
		}
		return nil
	}

	keep := make(map[string]struct{}, len(scheduleIDs))
	for _, id := range scheduleIDs {
		keep[id] = struct{}{}
	}
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT schedule_id FROM schedule_triggers`)
	if err != nil {
		return fmt.Errorf("querying trigger schedule ids: %w", err)
	}
	defer rows.Close()

	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("scanning trigger schedule id: %w", err)
		}
		if _, ok := keep[id]; !ok {
			stale = append(stale, id)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating trigger schedule ids: %w", err)
	}

	for _, chunk := range chunkStrings(stale, batchChunkSize) {
		query := `DELETE FROM schedule_triggers WHERE schedule_id IN (` + placeholders(len(chunk)) + `)`
		if _, err := s.db.ExecContext(ctx, query, stringArgs(chunk)...); err != nil {
			return fmt.Errorf("deleting stale trigger state: %w", err)
		}
	}
	return nil
}

// ─── Internal helpers ───────────────────────────────────────────────────────

// getScheduleLocked retrieves one record. Caller holds s.mu.
func (s *SQLiteScheduleStore) getScheduleLocked(ctx context.Context, id string) (*AutomationScheduleData, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE identifier = ?`, id)
	data, err := s.scanSchedule(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrScheduleNotFound
		}
		return nil, fmt.Errorf("querying schedule %q: %w", id, err)
	}
	return data, nil
}

// querySchedules runs a multi-row schedule query. Corrupt rows are logged and
// skipped so one bad record cannot wedge the engine.
func (s *SQLiteScheduleStore) querySchedules(ctx context.Context, query string, args ...any) ([]*AutomationScheduleData, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying schedules: %w", err)
	}
	defer rows.Close()

	var result []*AutomationScheduleData
	for rows.Next() {
		data, err := s.scanSchedule(rows)
		if err != nil {
			s.logger.Error("skipping corrupt schedule row", "error", err)
			continue
		}
		result = append(result, data)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating schedules: %w", err)
	}
	return result, nil
}

// scanSchedule reads one schedule row. Rows migrated without a trigger
// session id are assigned a freshly generated one.
func (s *SQLiteScheduleStore) scanSchedule(row rowScanner) (*AutomationScheduleData, error) {
	var (
		data           AutomationScheduleData
		group          sql.NullString
		stateChangeMS  int64
		scheduleJSON   string
		triggerInfo    sql.NullString
		preparedInfo   sql.NullString
		sessionID      sql.NullString
		associatedData sql.NullString
	)

	var identifier, state string
	err := row.Scan(
		&identifier,
		&group,
		&state,
		&stateChangeMS,
		&data.ExecutionCount,
		&scheduleJSON,
		&triggerInfo,
		&preparedInfo,
		&sessionID,
		&associatedData,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(scheduleJSON), &data.Schedule); err != nil {
		return nil, fmt.Errorf("unmarshalling schedule %q: %w", identifier, err)
	}
	data.Schedule.ID = identifier
	data.ScheduleState = ScheduleState(state)
	data.StateChangeDate = time.UnixMilli(stateChangeMS).UTC()

	if triggerInfo.Valid && triggerInfo.String != "" {
		var info TriggerInfo
		if err := json.Unmarshal([]byte(triggerInfo.String), &info); err != nil {
			return nil, fmt.Errorf("unmarshalling trigger info %q: %w", identifier, err)
		}
		data.TriggerInfo = &info
	}
	if preparedInfo.Valid && preparedInfo.String != "" {
		var info PreparedScheduleInfo
		if err := json.Unmarshal([]byte(preparedInfo.String), &info); err != nil {
			return nil, fmt.Errorf("unmarshalling prepared info %q: %w", identifier, err)
		}
		data.PreparedScheduleInfo = &info
	}
	if sessionID.Valid && sessionID.String != "" {
		data.TriggerSessionID = sessionID.String
	} else {
		data.TriggerSessionID = uuid.NewString()
	}
	if associatedData.Valid && associatedData.String != "" {
		data.AssociatedData = json.RawMessage(associatedData.String)
	}
	return &data, nil
}

// writeSchedule inserts or replaces one schedule row inside tx.
func writeSchedule(ctx context.Context, tx *sql.Tx, data *AutomationScheduleData) error {
	scheduleJSON, err := json.Marshal(data.Schedule)
	if err != nil {
		return fmt.Errorf("marshalling schedule: %w", err)
	}

	var triggerInfo any
	if data.TriggerInfo != nil {
		encoded, err := json.Marshal(data.TriggerInfo)
		if err != nil {
			return fmt.Errorf("marshalling trigger info: %w", err)
		}
		triggerInfo = string(encoded)
	}
	var preparedInfo any
	if data.PreparedScheduleInfo != nil {
		encoded, err := json.Marshal(data.PreparedScheduleInfo)
		if err != nil {
			return fmt.Errorf("marshalling prepared info: %w", err)
		}
		preparedInfo = string(encoded)
	}
	var associated any
	if len(data.AssociatedData) > 0 {
		associated = string(data.AssociatedData)
	}
	var group any
	if data.Schedule.Group != "" {
		group = data.Schedule.Group
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO schedules (
			identifier, group_id, schedule_state, schedule_state_change_date,
			execution_count, schedule, trigger_info, prepared_schedule_info,
			trigger_session_id, associated_data
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(identifier) DO UPDATE SET
			group_id = excluded.group_id,
			schedule_state = excluded.schedule_state,
			schedule_state_change_date = excluded.schedule_state_change_date,
			execution_count = excluded.execution_count,
			schedule = excluded.schedule,
			trigger_info = excluded.trigger_info,
			prepared_schedule_info = excluded.prepared_schedule_info,
			trigger_session_id = excluded.trigger_session_id,
			associated_data = excluded.associated_data`,
		data.Schedule.ID,
		group,
		string(data.ScheduleState),
		data.StateChangeDate.UnixMilli(),
		data.ExecutionCount,
		string(scheduleJSON),
		triggerInfo,
		preparedInfo,
		data.TriggerSessionID,
		associated,
	)
	if err != nil {
		return fmt.Errorf("writing schedule %q: %w", data.Schedule.ID, err)
	}
	return nil
}

// placeholders builds a "?, ?, ?" list of length n.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// chunkStrings splits ids into slices of at most size elements.
func chunkStrings(ids []string, size int) [][]string {
	var chunks [][]string
	for len(ids) > 0 {
		n := size
		if len(ids) < n {
			n = len(ids)
		}
		chunks = append(chunks, ids[:n])
		ids = ids[n:]
	}
	return chunks
}

// stringArgs widens a string slice to the []any ExecContext expects.
func stringArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
