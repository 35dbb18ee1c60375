package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"lifetracker/internal/pomodoro"
)

// StudyEntry is a persisted study record as read back for listing.
type StudyEntry struct {
	ID              string    `json:"id"`
	SessionID       string    `json:"session_id"`
	UserID          string    `json:"user_id"`
	TaskID          *string   `json:"task_id"`
	DurationMinutes int       `json:"duration_minutes"`
	Source          string    `json:"source"`
	StartedAt       time.Time `json:"started_at"`
	CompletedAt     time.Time `json:"completed_at"`
}

// CreateStudyRecord stores the study record for a completed session. A second
// call for the same session is ignored.
func (s *Store) CreateStudyRecord(ctx context.Context, rec pomodoro.StudyRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO study_records (id, session_id, user_id, task_id, duration_minutes, source, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, 'pomodoro', ?, ?)
		ON CONFLICT(session_id) DO NOTHING`,
		uuid.New().String(), rec.SessionID, rec.UserID, stringArg(rec.TaskID), rec.DurationMinutes,
		formatTime(rec.StartedAt), formatTime(rec.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert study record for %s: %w", rec.SessionID, err)
	}
	return nil
}

// ListStudyRecords returns the user's study records, most recent first.
func (s *Store) ListStudyRecords(ctx context.Context, userID string) ([]StudyEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, user_id, task_id, duration_minutes, source, started_at, completed_at
		FROM study_records WHERE user_id = ? ORDER BY completed_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list study records: %w", err)
	}
	defer rows.Close()

	var out []StudyEntry
	for rows.Next() {
		var (
			e                  StudyEntry
			taskID             sql.NullString
			started, completed string
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.UserID, &taskID, &e.DurationMinutes,
			&e.Source, &started, &completed); err != nil {
			return nil, fmt.Errorf("scan study record: %w", err)
		}
		e.TaskID = nullStringPtr(taskID)
		if e.StartedAt, err = time.Parse(timeLayout, started); err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		if e.CompletedAt, err = time.Parse(timeLayout, completed); err != nil {
			return nil, fmt.Errorf("parse completed_at: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// TotalStudyMinutes sums the user's focus minutes completed in [from, to).
func (s *Store) TotalStudyMinutes(ctx context.Context, userID string, from, to time.Time) (int, error) {
	var total sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT SUM(duration_minutes) FROM study_records
		WHERE user_id = ? AND completed_at >= ? AND completed_at < ?`,
		userID, formatTime(from), formatTime(to)).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum study minutes: %w", err)
	}
	return int(total.Int64), nil
}
