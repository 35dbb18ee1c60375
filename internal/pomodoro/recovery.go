package pomodoro

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RecoveryLoader rebuilds live sessions from open persisted records after a
// restart or when a client reconnects to a process that never saw the session.
type RecoveryLoader struct {
	store      *Store
	scheduler  *Scheduler
	gateway    Gateway
	completion *completionHandler
	events     *hub
	now        func() time.Time
	logger     *slog.Logger
}

// Recover returns the user's live session, restoring it from storage if
// needed. live is false when there is nothing open, or when the open record
// had already expired and was finalized instead.
func (l *RecoveryLoader) Recover(ctx context.Context, userID string) (snap Snapshot, live bool, err error) {
	if snap, ok := l.store.FindByUser(userID); ok {
		return snap, true, nil
	}

	rec, err := l.gateway.OpenRecordForUser(ctx, userID)
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("%w: open record for %s: %w", ErrPersistence, userID, err)
	}
	if rec == nil {
		return Snapshot{}, false, nil
	}
	return l.restore(ctx, rec)
}

// RecoverByID is Recover keyed by session id.
func (l *RecoveryLoader) RecoverByID(ctx context.Context, id string) (snap Snapshot, live bool, err error) {
	if snap, ok := l.store.Get(id); ok {
		return snap, true, nil
	}

	rec, err := l.gateway.GetRecord(ctx, id)
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("%w: get record %s: %w", ErrPersistence, id, err)
	}
	if rec == nil || rec.Status.Terminal() {
		return Snapshot{}, false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	snap, live, err = l.restore(ctx, rec)
	if err != nil {
		return snap, live, err
	}
	if live && snap.ID != id {
		// The user moved on to another session; this record is stale.
		return Snapshot{}, false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return snap, live, nil
}

func (l *RecoveryLoader) restore(ctx context.Context, rec *Record) (Snapshot, bool, error) {
	now := l.now()

	sess := &Session{
		ID:              rec.ID,
		UserID:          rec.UserID,
		TaskID:          copyString(rec.TaskID),
		Mode:            ModeCountdown,
		DurationSeconds: rec.DurationMinutes * 60,
		State:           rec.Status,
		StartedAt:       rec.StartedAt,
		PausedAt:        copyTime(rec.PausedAt),
		ResumedAt:       copyTime(rec.ResumedAt),
		Revision:        rec.Revision + 1,
	}
	if rec.IsCountUp {
		sess.Mode = ModeCountUp
	}
	if sess.DurationSeconds <= 0 {
		l.logger.Warn("recovered record has no duration, using default", "session", rec.ID)
		sess.DurationSeconds = defaultDurationMinutes * 60
	}
	if sess.State == StatePending {
		sess.State = StateRunning
	}

	// Only a running session accrues wall-clock time while unobserved.
	ref := rec.StartedAt
	if rec.SyncedAt != nil {
		ref = *rec.SyncedAt
	} else if rec.ResumedAt != nil {
		ref = *rec.ResumedAt
	}
	delta := 0
	if sess.State == StateRunning {
		delta = int(now.Sub(ref) / time.Second)
		if delta < 0 {
			l.logger.Warn("recovered record is from the future, ignoring drift",
				"session", rec.ID, "reference", ref)
			delta = 0
		}
	}

	switch sess.Mode {
	case ModeCountdown:
		stored := sess.DurationSeconds
		if rec.RemainingSeconds != nil {
			stored = l.clamp(rec.ID, "remaining_seconds", *rec.RemainingSeconds, sess.DurationSeconds)
		}
		remaining := stored - delta
		if remaining <= 0 {
			sess.RemainingSeconds = 0
			at := now
			if sess.State == StateRunning {
				if expiredAt := ref.Add(time.Duration(stored) * time.Second); expiredAt.Before(now) {
					at = expiredAt
				}
			}
			l.logger.Info("open countdown expired while unobserved, finalizing",
				"session", rec.ID, "user", rec.UserID)
			snap, err := l.completion.finalizeDetached(ctx, sess.Snapshot(), ReasonExpired, at)
			if err != nil {
				// Failed writes are queued for the syncer; a concurrent finalizer owns the rest.
				l.logger.Warn("finalizing expired record incomplete", "session", rec.ID, "error", err)
			}
			return snap, false, nil
		}
		sess.RemainingSeconds = remaining

	case ModeCountUp:
		stored := 0
		if rec.CountUpElapsed != nil {
			stored = l.clamp(rec.ID, "count_up_elapsed", *rec.CountUpElapsed, CountUpCap)
		}
		elapsed := stored + delta
		if elapsed >= CountUpCap {
			elapsed = CountUpCap
			if sess.State == StateRunning {
				cappedAt := ref.Add(time.Duration(CountUpCap-stored) * time.Second)
				sess.PausedAt = &cappedAt
			}
			sess.State = StatePaused
			sess.Capped = true
		}
		sess.ElapsedSeconds = elapsed
	}

	snap, inserted := l.store.PutIfAbsent(sess)
	if !inserted {
		return snap, true, nil
	}
	if snap.State == StateRunning {
		l.scheduler.Register(snap.ID)
	}
	l.events.publish(Event{Type: EventRecovered, Session: snap, Timestamp: now})
	l.logger.Info("session recovered",
		"session", snap.ID, "user", snap.UserID, "state", snap.State,
		"remaining", snap.RemainingSeconds, "elapsed", snap.ElapsedSeconds)

	patch := counterPatch(snap, now)
	if snap.Capped {
		patch.PausedAt = copyTime(snap.PausedAt)
	}
	if err := l.gateway.UpdateRecord(ctx, snap.ID, patch); err != nil {
		// The syncer will push the recovered counters on its next pass.
		l.logger.Warn("recovered counter write failed", "session", snap.ID, "error", err)
	}
	return snap, true, nil
}

// clamp pulls a stored counter back into [0, limit], logging any correction.
func (l *RecoveryLoader) clamp(id, field string, v, limit int) int {
	switch {
	case v < 0:
		l.logger.Warn("clamping recovered counter", "session", id, "field", field, "value", v, "to", 0)
		return 0
	case v > limit:
		l.logger.Warn("clamping recovered counter", "session", id, "field", field, "value", v, "to", limit)
		return limit
	}
	return v
}
