package pomodoro

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

const (
	DefaultSyncInterval = 10 * time.Second
	minSyncInterval     = time.Second
	maxSyncInterval     = time.Minute
)

// Syncer periodically pushes every live session to the gateway so that
// anything reading the database directly stays reasonably fresh. It also
// replays terminal writes that failed earlier.
type Syncer struct {
	store   *Store
	gateway Gateway
	sink    StudySink
	retry   *retryQueue
	now     func() time.Time
	logger  *slog.Logger

	interval atomic.Int64
	reset    chan struct{}
}

// SetInterval changes the sync period; the running loop picks it up at once.
func (s *Syncer) SetInterval(d time.Duration) {
	s.interval.Store(int64(clampSyncInterval(d)))
	select {
	case s.reset <- struct{}{}:
	default:
	}
}

// Interval returns the current sync period.
func (s *Syncer) Interval() time.Duration {
	return time.Duration(s.interval.Load())
}

func clampSyncInterval(d time.Duration) time.Duration {
	switch {
	case d <= 0:
		return DefaultSyncInterval
	case d < minSyncInterval:
		return minSyncInterval
	case d > maxSyncInterval:
		return maxSyncInterval
	}
	return d
}

// SyncOnce upserts every live session and replays queued terminal writes.
// Failures are logged and left for the next pass.
func (s *Syncer) SyncOnce(ctx context.Context) (synced, failed int) {
	now := s.now()
	for _, snap := range s.store.Snapshots() {
		if err := s.gateway.CreateRecord(ctx, recordFromSnapshot(snap, now)); err != nil {
			failed++
			s.logger.Warn("periodic sync failed", "session", snap.ID, "error", err)
			continue
		}
		synced++
	}

	records, studies := s.retry.pending()
	for _, rec := range records {
		if err := s.gateway.CreateRecord(ctx, rec); err != nil {
			failed++
			s.logger.Warn("final record retry failed", "session", rec.ID, "error", err)
			continue
		}
		s.retry.doneRecord(rec.ID)
		synced++
	}
	for _, study := range studies {
		if err := s.sink.CreateStudyRecord(ctx, study); err != nil {
			failed++
			s.logger.Warn("study record retry failed", "session", study.SessionID, "error", err)
			continue
		}
		s.retry.doneStudy(study.SessionID)
		synced++
	}

	if synced > 0 || failed > 0 {
		s.logger.Debug("sync pass", "synced", synced, "failed", failed)
	}
	return synced, failed
}

// Run syncs on every interval until ctx is cancelled.
func (s *Syncer) Run(ctx context.Context) {
	timer := time.NewTimer(s.Interval())
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			s.SyncOnce(ctx)
			timer.Reset(s.Interval())
		case <-s.reset:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(s.Interval())
		case <-ctx.Done():
			return
		}
	}
}
