package audit

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/beaconhq/beacond/errors"
)

// Store handles persistence of schedules, executions, and viewport runs.
//
// Concurrent provider signals can race on the same run (a slow runner
// result against a retry), so the mutating run operations are written as
// guarded updates: status moves are conditioned on the current status and
// retry increments are compare-and-set on the previous counter value.
type Store struct {
	db *sql.DB
}

// NewStore creates a store over an open database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// ---- schedules ----

// CreateSchedule inserts a new schedule.
func (s *Store) CreateSchedule(sch *Schedule) error {
	now := time.Now().UTC()
	if sch.CreatedAt.IsZero() {
		sch.CreatedAt = now
	}
	sch.UpdatedAt = now

	_, err := s.db.Exec(`
		INSERT INTO schedules (id, target_id, team_id, url, cron_expr, next_execution_at, provider, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sch.ID, sch.TargetID, sch.TeamID, sch.URL, sch.CronExpr,
		sch.NextExecutionAt.UTC().Format(time.RFC3339),
		string(sch.Provider),
		sch.CreatedAt.Format(time.RFC3339),
		sch.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return errors.Wrap(err, "failed to create schedule")
	}
	return nil
}

// GetSchedule retrieves a schedule by id.
func (s *Store) GetSchedule(id string) (*Schedule, error) {
	row := s.db.QueryRow(`
		SELECT id, target_id, team_id, url, cron_expr, next_execution_at, provider, created_at, updated_at
		FROM schedules WHERE id = ?`, id)
	sch, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrNotFound, "schedule %s", id)
	}
	return sch, err
}

// ListSchedules returns all schedules ordered by creation time.
func (s *Store) ListSchedules() ([]*Schedule, error) {
	rows, err := s.db.Query(`
		SELECT id, target_id, team_id, url, cron_expr, next_execution_at, provider, created_at, updated_at
		FROM schedules ORDER BY created_at`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list schedules")
	}
	defer rows.Close()
	return collectSchedules(rows)
}

// ListSchedulesDue returns schedules whose next execution time is at or
// before now.
func (s *Store) ListSchedulesDue(now time.Time) ([]*Schedule, error) {
	rows, err := s.db.Query(`
		SELECT id, target_id, team_id, url, cron_expr, next_execution_at, provider, created_at, updated_at
		FROM schedules
		WHERE next_execution_at <= ?
		ORDER BY next_execution_at`,
		now.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list due schedules")
	}
	defer rows.Close()
	return collectSchedules(rows)
}

// UpdateScheduleNextRun advances a schedule's next fire time.
func (s *Store) UpdateScheduleNextRun(id string, next time.Time) error {
	_, err := s.db.Exec(`
		UPDATE schedules SET next_execution_at = ?, updated_at = ? WHERE id = ?`,
		next.UTC().Format(time.RFC3339),
		time.Now().UTC().Format(time.RFC3339),
		id,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to re-arm schedule %s", id)
	}
	return nil
}

// DeleteSchedule removes a schedule.
func (s *Store) DeleteSchedule(id string) error {
	res, err := s.db.Exec(`DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return errors.Wrapf(err, "failed to delete schedule %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(errors.ErrNotFound, "schedule %s", id)
	}
	return nil
}

// ---- executions ----

// CreateExecution inserts an execution and its two pending viewport runs in
// one transaction. Run creation is idempotent on (uuid, viewport): the
// UNIQUE constraint plus INSERT OR IGNORE means a re-dispatch of the same
// execution never creates duplicate rows.
func (s *Store) CreateExecution(exec *Execution) error {
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	scheduleID := sql.NullString{String: exec.ScheduleID, Valid: exec.ScheduleID != ""}
	res, err := tx.Exec(`
		INSERT INTO executions (uuid, schedule_id, target_id, team_id, url, provider, triggered_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.UUID, scheduleID, exec.TargetID, exec.TeamID, exec.URL,
		string(exec.Provider), exec.TriggeredBy,
		exec.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return errors.Wrap(err, "failed to create execution")
	}
	exec.ID, _ = res.LastInsertId()

	for _, vp := range Viewports() {
		if _, err := tx.Exec(`
			INSERT OR IGNORE INTO viewport_runs (execution_uuid, viewport, status, retries)
			VALUES (?, ?, ?, 0)`,
			exec.UUID, string(vp), string(StatusPending),
		); err != nil {
			return errors.Wrapf(err, "failed to create %s run", vp)
		}
	}

	return errors.Wrap(tx.Commit(), "failed to commit execution")
}

// GetExecutionByUUID retrieves an execution by its public correlation id.
func (s *Store) GetExecutionByUUID(uuid string) (*Execution, error) {
	row := s.db.QueryRow(`
		SELECT id, uuid, schedule_id, target_id, team_id, url, provider, triggered_by, created_at
		FROM executions WHERE uuid = ?`, uuid)

	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrNotFound, "execution %s", uuid)
	}
	return exec, err
}

// ListExecutionsByTeam returns a team's most recent executions.
func (s *Store) ListExecutionsByTeam(teamID string, limit int) ([]*Execution, error) {
	rows, err := s.db.Query(`
		SELECT id, uuid, schedule_id, target_id, team_id, url, provider, triggered_by, created_at
		FROM executions WHERE team_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`, teamID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list executions")
	}
	defer rows.Close()

	var execs []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

// ---- viewport runs ----

// GetRun retrieves the viewport run for (uuid, viewport).
func (s *Store) GetRun(uuid string, vp Viewport) (*ViewportRun, error) {
	row := s.db.QueryRow(`
		SELECT id, execution_uuid, viewport, status, retries, metrics, screenshots, started_at, ended_at
		FROM viewport_runs WHERE execution_uuid = ? AND viewport = ?`,
		uuid, string(vp))

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrNotFound, "viewport run %s/%s", uuid, vp)
	}
	return run, err
}

// ListRunsByExecution returns both runs for an execution.
func (s *Store) ListRunsByExecution(uuid string) ([]*ViewportRun, error) {
	rows, err := s.db.Query(`
		SELECT id, execution_uuid, viewport, status, retries, metrics, screenshots, started_at, ended_at
		FROM viewport_runs WHERE execution_uuid = ? ORDER BY viewport DESC`, uuid)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list runs")
	}
	defer rows.Close()

	var runs []*ViewportRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// MarkRunRunning moves a run into running. Legal from pending and, below
// the retry bound, failed; a completed run or a terminally failed run is
// never touched, so a stale queued trigger cannot resurrect it.
func (s *Store) MarkRunRunning(uuid string, vp Viewport) error {
	res, err := s.db.Exec(`
		UPDATE viewport_runs
		SET status = ?, started_at = COALESCE(started_at, ?)
		WHERE execution_uuid = ? AND viewport = ? AND status IN (?, ?, ?)
		AND NOT (status = ? AND retries >= ?)`,
		string(StatusRunning),
		time.Now().UTC().Format(time.RFC3339),
		uuid, string(vp),
		string(StatusPending), string(StatusFailed), string(StatusRunning),
		string(StatusFailed), MaxRetries,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to mark run %s/%s running", uuid, vp)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(errors.ErrIllegalTransition, "run %s/%s cannot enter running", uuid, vp)
	}
	return nil
}

// CasRetry increments the retry counter with a compare-and-set on the
// previous value, re-entering running. Returns false when the guard misses,
// which means another delivery of the same FAILED signal already consumed
// this attempt (at-least-once delivery upstream).
func (s *Store) CasRetry(uuid string, vp Viewport, prevRetries int) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE viewport_runs
		SET status = ?, retries = retries + 1
		WHERE execution_uuid = ? AND viewport = ? AND retries = ? AND status != ?`,
		string(StatusRunning),
		uuid, string(vp), prevRetries,
		string(StatusCompleted),
	)
	if err != nil {
		return false, errors.Wrapf(err, "failed to increment retries for %s/%s", uuid, vp)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// FailRunTerminal consumes the final retry attempt and moves a run to
// terminal failed, compare-and-set on the previous counter like CasRetry.
// Returns true only for the delivery that actually performed the
// transition, so the caller can publish the "failed" result message
// exactly once.
func (s *Store) FailRunTerminal(uuid string, vp Viewport, prevRetries int) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE viewport_runs
		SET status = ?, retries = retries + 1, ended_at = ?
		WHERE execution_uuid = ? AND viewport = ? AND retries = ? AND status = ?`,
		string(StatusFailed),
		time.Now().UTC().Format(time.RFC3339),
		uuid, string(vp), prevRetries,
		string(StatusRunning),
	)
	if err != nil {
		return false, errors.Wrapf(err, "failed to terminally fail run %s/%s", uuid, vp)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// CompleteRun transitions a run to completed with its extracted metrics.
// Last-writer-wins is acceptable for a duplicate completion event, but a
// run that already completed is left untouched.
func (s *Store) CompleteRun(uuid string, vp Viewport, metrics, screenshots json.RawMessage) error {
	res, err := s.db.Exec(`
		UPDATE viewport_runs
		SET status = ?, metrics = ?, screenshots = ?, ended_at = ?
		WHERE execution_uuid = ? AND viewport = ? AND status != ?`,
		string(StatusCompleted),
		nullableJSON(metrics), nullableJSON(screenshots),
		time.Now().UTC().Format(time.RFC3339),
		uuid, string(vp),
		string(StatusCompleted),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to complete run %s/%s", uuid, vp)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(errors.ErrNotFound, "no completable run %s/%s", uuid, vp)
	}
	return nil
}

// ---- scanning helpers ----

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSchedule(row rowScanner) (*Schedule, error) {
	var sch Schedule
	var provider, nextAt, createdAt, updatedAt string
	if err := row.Scan(&sch.ID, &sch.TargetID, &sch.TeamID, &sch.URL, &sch.CronExpr,
		&nextAt, &provider, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, errors.Wrap(err, "failed to scan schedule")
	}
	sch.Provider = Provider(provider)

	var err error
	if sch.NextExecutionAt, err = time.Parse(time.RFC3339, nextAt); err != nil {
		return nil, errors.Wrap(err, "invalid next_execution_at")
	}
	sch.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	sch.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &sch, nil
}

func collectSchedules(rows *sql.Rows) ([]*Schedule, error) {
	var schedules []*Schedule
	for rows.Next() {
		sch, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, sch)
	}
	return schedules, rows.Err()
}

func scanExecution(row rowScanner) (*Execution, error) {
	var exec Execution
	var scheduleID sql.NullString
	var provider, createdAt string
	if err := row.Scan(&exec.ID, &exec.UUID, &scheduleID, &exec.TargetID, &exec.TeamID,
		&exec.URL, &provider, &exec.TriggeredBy, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, errors.Wrap(err, "failed to scan execution")
	}
	exec.ScheduleID = scheduleID.String
	exec.Provider = Provider(provider)
	exec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &exec, nil
}

func scanRun(row rowScanner) (*ViewportRun, error) {
	var run ViewportRun
	var viewport, status string
	var metrics, screenshots, startedAt, endedAt sql.NullString
	if err := row.Scan(&run.ID, &run.ExecutionUUID, &viewport, &status, &run.Retries,
		&metrics, &screenshots, &startedAt, &endedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, errors.Wrap(err, "failed to scan viewport run")
	}
	run.Viewport = Viewport(viewport)
	run.Status = Status(status)
	if metrics.Valid {
		run.Metrics = json.RawMessage(metrics.String)
	}
	if screenshots.Valid {
		run.Screenshots = json.RawMessage(screenshots.String)
	}
	if startedAt.Valid {
		if t, err := time.Parse(time.RFC3339, startedAt.String); err == nil {
			run.StartedAt = &t
		}
	}
	if endedAt.Valid {
		if t, err := time.Parse(time.RFC3339, endedAt.String); err == nil {
			run.EndedAt = &t
		}
	}
	return &run, nil
}

func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
