package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"lifetracker/internal/pomodoro"
)

const recordColumns = `id, user_id, task_id, duration_minutes, is_count_up, status,
	count_up_elapsed, remaining_seconds, started_at, paused_at, resumed_at,
	completed_at, actual_duration_minutes, synced_at, revision`

const terminalGuard = `status NOT IN ('completed', 'cancelled')`

// CreateRecord upserts a full session record. A record that already reached a
// terminal status is left untouched, and so is one whose stored revision is
// newer than rec's: a periodic sync that raced a pause cannot overwrite it.
func (s *Store) CreateRecord(ctx context.Context, rec pomodoro.Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pomodoro_sessions (`+recordColumns+`, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			task_id = excluded.task_id,
			status = excluded.status,
			count_up_elapsed = excluded.count_up_elapsed,
			remaining_seconds = excluded.remaining_seconds,
			paused_at = excluded.paused_at,
			resumed_at = excluded.resumed_at,
			completed_at = excluded.completed_at,
			actual_duration_minutes = excluded.actual_duration_minutes,
			synced_at = excluded.synced_at,
			revision = excluded.revision,
			updated_at = excluded.updated_at
		WHERE pomodoro_sessions.`+terminalGuard+`
			AND excluded.revision >= pomodoro_sessions.revision`,
		rec.ID, rec.UserID, stringArg(rec.TaskID), rec.DurationMinutes, boolToInt(rec.IsCountUp),
		string(rec.Status), intArg(rec.CountUpElapsed), intArg(rec.RemainingSeconds),
		formatTime(rec.StartedAt), formatTimePtr(rec.PausedAt), formatTimePtr(rec.ResumedAt),
		formatTimePtr(rec.CompletedAt), intArg(rec.ActualDurationMinutes), formatTimePtr(rec.SyncedAt),
		rec.Revision, formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", rec.ID, err)
	}
	return nil
}

// UpdateRecord applies a partial patch. Missing or terminal records are a
// no-op; the next full upsert from the syncer recreates a missing row. A patch
// with a revision older than the stored one is dropped as well.
func (s *Store) UpdateRecord(ctx context.Context, id string, patch pomodoro.RecordPatch) error {
	var sets []string
	var args []any
	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}

	if patch.Status != nil {
		add("status", string(*patch.Status))
	}
	if patch.CountUpElapsed != nil {
		add("count_up_elapsed", *patch.CountUpElapsed)
	}
	if patch.RemainingSeconds != nil {
		add("remaining_seconds", *patch.RemainingSeconds)
	}
	if patch.PausedAt != nil {
		add("paused_at", formatTime(*patch.PausedAt))
	}
	if patch.ResumedAt != nil {
		add("resumed_at", formatTime(*patch.ResumedAt))
	}
	if patch.CompletedAt != nil {
		add("completed_at", formatTime(*patch.CompletedAt))
	}
	if patch.ActualDurationMinutes != nil {
		add("actual_duration_minutes", *patch.ActualDurationMinutes)
	}
	if patch.SyncedAt != nil {
		add("synced_at", formatTime(*patch.SyncedAt))
	}
	if patch.Revision != nil {
		add("revision", *patch.Revision)
	}
	if len(sets) == 0 {
		return nil
	}
	add("updated_at", formatTime(time.Now()))
	args = append(args, id)

	query := "UPDATE pomodoro_sessions SET " + strings.Join(sets, ", ") +
		" WHERE id = ? AND " + terminalGuard
	if patch.Revision != nil {
		query += " AND revision <= ?"
		args = append(args, *patch.Revision)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update session %s: %w", id, err)
	}
	return nil
}

// GetRecord returns the record with the given id, or nil if there is none.
func (s *Store) GetRecord(ctx context.Context, id string) (*pomodoro.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM pomodoro_sessions WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return rec, nil
}

// OpenRecordForUser returns the most recently started non-terminal record for
// userID, or nil.
func (s *Store) OpenRecordForUser(ctx context.Context, userID string) (*pomodoro.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM pomodoro_sessions
		WHERE user_id = ? AND `+terminalGuard+`
		ORDER BY started_at DESC LIMIT 1`, userID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open session for %s: %w", userID, err)
	}
	return rec, nil
}

// ListRecords returns the user's records, newest first. limit <= 0 means all.
func (s *Store) ListRecords(ctx context.Context, userID string, limit int) ([]pomodoro.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM pomodoro_sessions
		WHERE user_id = ? ORDER BY started_at DESC`
	args := []any{userID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []pomodoro.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*pomodoro.Record, error) {
	var (
		rec                                        pomodoro.Record
		taskID                                     sql.NullString
		isCountUp                                  int
		status, startedAt                          string
		countUp, remaining, actual                 sql.NullInt64
		pausedAt, resumedAt, completedAt, syncedAt sql.NullString
	)
	err := sc.Scan(&rec.ID, &rec.UserID, &taskID, &rec.DurationMinutes, &isCountUp, &status,
		&countUp, &remaining, &startedAt, &pausedAt, &resumedAt,
		&completedAt, &actual, &syncedAt, &rec.Revision)
	if err != nil {
		return nil, err
	}

	started, err := time.Parse(timeLayout, startedAt)
	if err != nil {
		return nil, fmt.Errorf("parse started_at %q: %w", startedAt, err)
	}
	rec.StartedAt = started
	rec.TaskID = nullStringPtr(taskID)
	rec.IsCountUp = isCountUp != 0
	rec.Status = pomodoro.State(status)
	rec.CountUpElapsed = nullIntPtr(countUp)
	rec.RemainingSeconds = nullIntPtr(remaining)
	rec.ActualDurationMinutes = nullIntPtr(actual)
	rec.PausedAt = parseNullTime(pausedAt)
	rec.ResumedAt = parseNullTime(resumedAt)
	rec.CompletedAt = parseNullTime(completedAt)
	rec.SyncedAt = parseNullTime(syncedAt)
	return &rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
