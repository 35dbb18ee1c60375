package pomodoro

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Reason says why a session is ending.
type Reason string

const (
	// ReasonExpired is a countdown reaching zero, observed live or on recovery.
	ReasonExpired Reason = "expired"
	// ReasonStopped is an explicit stop by the user.
	ReasonStopped Reason = "stopped"
)

// Outcome is the classification of a finished session.
type Outcome struct {
	State State
	// StudyMinutes is the derived study duration; zero when no record is due.
	StudyMinutes int
	// ActualMinutes is what gets stored as actual_duration_minutes.
	ActualMinutes int
}

// Classify decides the terminal state and derived study duration.
func Classify(snap Snapshot, reason Reason) Outcome {
	elapsed := snap.ElapsedSeconds
	switch {
	case snap.Mode == ModeCountdown && (reason == ReasonExpired || snap.RemainingSeconds == 0):
		return Outcome{State: StateCompleted, StudyMinutes: snap.DurationMinutes, ActualMinutes: snap.DurationMinutes}
	case snap.Mode == ModeCountUp && elapsed >= MinCountUpSeconds:
		return Outcome{State: StateCompleted, StudyMinutes: elapsed / 60, ActualMinutes: elapsed / 60}
	default:
		return Outcome{State: StateCancelled, ActualMinutes: elapsed / 60}
	}
}

// completionHandler finalizes sessions: it classifies, persists the terminal
// record and emits the derived study record.
type completionHandler struct {
	store     *Store
	scheduler *Scheduler
	gateway   Gateway
	sink      StudySink
	retry     *retryQueue
	events    *hub
	now       func() time.Time
	logger    *slog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

// Complete claims a live session from the store and finalizes it. A session
// can only be claimed once, so a second call returns ErrNotFound.
func (c *completionHandler) Complete(ctx context.Context, id string, reason Reason) (Snapshot, error) {
	c.scheduler.Unregister(id)
	snap, ok := c.store.Remove(id)
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return c.finalize(ctx, snap, reason, c.now())
}

// finalizeDetached finalizes a session that was never in the store, such as a
// countdown that expired while the process was down.
func (c *completionHandler) finalizeDetached(ctx context.Context, snap Snapshot, reason Reason, at time.Time) (Snapshot, error) {
	c.mu.Lock()
	if _, busy := c.inflight[snap.ID]; busy {
		c.mu.Unlock()
		return snap, fmt.Errorf("%w: %s is already being finalized", ErrNotFound, snap.ID)
	}
	c.inflight[snap.ID] = struct{}{}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.inflight, snap.ID)
		c.mu.Unlock()
	}()
	return c.finalize(ctx, snap, reason, at)
}

func (c *completionHandler) finalize(ctx context.Context, snap Snapshot, reason Reason, at time.Time) (Snapshot, error) {
	out := Classify(snap, reason)
	snap.State = out.State
	snap.CompletedAt = &at
	snap.Revision++
	if snap.Mode == ModeCountdown && out.State == StateCompleted {
		snap.RemainingSeconds = 0
		snap.ElapsedSeconds = snap.DurationSeconds
	}

	rec := recordFromSnapshot(snap, at)
	actual := out.ActualMinutes
	rec.ActualDurationMinutes = &actual

	var persistErr error
	if err := c.gateway.CreateRecord(ctx, rec); err != nil {
		c.logger.Warn("final record write failed, queued for retry",
			"session", snap.ID, "state", snap.State, "error", err)
		c.retry.addRecord(rec)
		persistErr = fmt.Errorf("%w: finalize %s: %w", ErrPersistence, snap.ID, err)
	}

	if out.State == StateCompleted {
		study := StudyRecord{
			SessionID:       snap.ID,
			UserID:          snap.UserID,
			TaskID:          copyString(snap.TaskID),
			DurationMinutes: out.StudyMinutes,
			StartedAt:       snap.StartedAt,
			CompletedAt:     at,
		}
		if err := c.sink.CreateStudyRecord(ctx, study); err != nil {
			c.logger.Warn("study record emit failed, queued for retry",
				"session", snap.ID, "minutes", study.DurationMinutes, "error", err)
			c.retry.addStudy(study)
		}
	}

	evType := EventCancelled
	if out.State == StateCompleted {
		evType = EventCompleted
	}
	c.events.publish(Event{Type: evType, Session: snap, Timestamp: at})
	c.logger.Info("session finished",
		"session", snap.ID, "user", snap.UserID, "reason", reason,
		"state", snap.State, "study_minutes", out.StudyMinutes)

	return snap, persistErr
}

// retryQueue holds terminal writes that failed and must be replayed by the
// syncer. Keys are session ids, so replays stay idempotent.
type retryQueue struct {
	mu      sync.Mutex
	records map[string]Record
	studies map[string]StudyRecord
}

func newRetryQueue() *retryQueue {
	return &retryQueue{
		records: make(map[string]Record),
		studies: make(map[string]StudyRecord),
	}
}

func (q *retryQueue) addRecord(rec Record) {
	q.mu.Lock()
	q.records[rec.ID] = rec
	q.mu.Unlock()
}

func (q *retryQueue) addStudy(rec StudyRecord) {
	q.mu.Lock()
	q.studies[rec.SessionID] = rec
	q.mu.Unlock()
}

func (q *retryQueue) pending() ([]Record, []StudyRecord) {
	q.mu.Lock()
	defer q.mu.Unlock()

	recs := make([]Record, 0, len(q.records))
	for _, r := range q.records {
		recs = append(recs, r)
	}
	studies := make([]StudyRecord, 0, len(q.studies))
	for _, s := range q.studies {
		studies = append(studies, s)
	}
	return recs, studies
}

func (q *retryQueue) doneRecord(id string) {
	q.mu.Lock()
	delete(q.records, id)
	q.mu.Unlock()
}

func (q *retryQueue) doneStudy(sessionID string) {
	q.mu.Lock()
	delete(q.studies, sessionID)
	q.mu.Unlock()
}

func (q *retryQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.records) + len(q.studies)
}
