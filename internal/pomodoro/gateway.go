package pomodoro

import (
	"context"
	"time"
)

// Record is the durable counterpart of a Session. It outlives the in-memory
// session and is the only source of truth across restarts.
type Record struct {
	ID                    string
	UserID                string
	TaskID                *string
	DurationMinutes       int
	IsCountUp             bool
	Status                State
	CountUpElapsed        *int
	RemainingSeconds      *int
	StartedAt             time.Time
	PausedAt              *time.Time
	ResumedAt             *time.Time
	CompletedAt           *time.Time
	ActualDurationMinutes *int
	// SyncedAt is the instant the stored counter value was captured.
	SyncedAt *time.Time
	// Revision orders writes; an older revision never replaces a newer one.
	Revision int64
}

// RecordPatch is a partial update. Nil fields are left untouched.
type RecordPatch struct {
	Status                *State
	CountUpElapsed        *int
	RemainingSeconds      *int
	PausedAt              *time.Time
	ResumedAt             *time.Time
	CompletedAt           *time.Time
	ActualDurationMinutes *int
	SyncedAt              *time.Time
	Revision              *int64
}

// Gateway abstracts durable storage of session records. Writes are
// idempotent upserts keyed by id; a terminal record is never reopened and a
// write carrying an older revision than the stored one is ignored.
type Gateway interface {
	CreateRecord(ctx context.Context, rec Record) error
	UpdateRecord(ctx context.Context, id string, patch RecordPatch) error
	GetRecord(ctx context.Context, id string) (*Record, error)
	OpenRecordForUser(ctx context.Context, userID string) (*Record, error)
}

// StudyRecord is the derived record of focus time handed to the study module.
type StudyRecord struct {
	SessionID       string
	UserID          string
	TaskID          *string
	DurationMinutes int
	StartedAt       time.Time
	CompletedAt     time.Time
}

// StudySink receives "focus period finished" events. Implementations must
// treat SessionID as an idempotency key.
type StudySink interface {
	CreateStudyRecord(ctx context.Context, rec StudyRecord) error
}

// recordFromSnapshot builds a full record from a consistent snapshot taken at now.
func recordFromSnapshot(snap Snapshot, now time.Time) Record {
	rec := Record{
		ID:              snap.ID,
		UserID:          snap.UserID,
		TaskID:          copyString(snap.TaskID),
		DurationMinutes: snap.DurationMinutes,
		IsCountUp:       snap.IsCountUp,
		Status:          snap.State,
		StartedAt:       snap.StartedAt,
		PausedAt:        copyTime(snap.PausedAt),
		ResumedAt:       copyTime(snap.ResumedAt),
		CompletedAt:     copyTime(snap.CompletedAt),
		SyncedAt:        &now,
		Revision:        snap.Revision,
	}
	if snap.IsCountUp {
		elapsed := snap.ElapsedSeconds
		rec.CountUpElapsed = &elapsed
	} else {
		remaining := snap.RemainingSeconds
		rec.RemainingSeconds = &remaining
	}
	return rec
}

// counterPatch captures the live counter of snap along with its capture time.
func counterPatch(snap Snapshot, now time.Time) RecordPatch {
	state := snap.State
	rev := snap.Revision
	patch := RecordPatch{Status: &state, SyncedAt: &now, Revision: &rev}
	if snap.IsCountUp {
		elapsed := snap.ElapsedSeconds
		patch.CountUpElapsed = &elapsed
	} else {
		remaining := snap.RemainingSeconds
		patch.RemainingSeconds = &remaining
	}
	return patch
}
