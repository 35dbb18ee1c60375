package pomodoro

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const shutdownFlushTimeout = 5 * time.Second

// Engine is the public surface of the pomodoro session engine. It owns the
// session store, the scheduler and the sync loop, and enforces the state
// machine running -> paused -> running -> completed|cancelled.
type Engine struct {
	store      *Store
	scheduler  *Scheduler
	gateway    Gateway
	completion *completionHandler
	recovery   *RecoveryLoader
	syncer     *Syncer
	events     *hub
	now        func() time.Time
	logger     *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithSyncInterval sets the initial periodic sync interval.
func WithSyncInterval(d time.Duration) Option {
	return func(e *Engine) { e.syncer.SetInterval(d) }
}

// NewEngine wires an engine over the given gateway and study sink.
func NewEngine(gateway Gateway, sink StudySink, opts ...Option) *Engine {
	store := NewStore()
	e := &Engine{
		store:     store,
		scheduler: NewScheduler(store),
		gateway:   gateway,
		events:    newHub(),
		now:       func() time.Time { return time.Now().UTC() },
		logger:    slog.Default().With("component", "pomodoro"),
	}
	retry := newRetryQueue()
	e.syncer = &Syncer{
		store:   store,
		gateway: gateway,
		sink:    sink,
		retry:   retry,
		reset:   make(chan struct{}, 1),
	}
	e.syncer.interval.Store(int64(DefaultSyncInterval))

	for _, opt := range opts {
		opt(e)
	}

	// Resolve late so options can replace the clock and logger.
	now := func() time.Time { return e.now() }
	e.syncer.now = now
	e.scheduler.now = now
	e.syncer.logger = e.logger.With("part", "syncer")
	e.completion = &completionHandler{
		store:     store,
		scheduler: e.scheduler,
		gateway:   gateway,
		sink:      sink,
		retry:     retry,
		events:    e.events,
		now:       now,
		logger:    e.logger.With("part", "completion"),
		inflight:  make(map[string]struct{}),
	}
	e.recovery = &RecoveryLoader{
		store:      store,
		scheduler:  e.scheduler,
		gateway:    gateway,
		completion: e.completion,
		events:     e.events,
		now:        now,
		logger:     e.logger.With("part", "recovery"),
	}

	e.scheduler.onExpire = e.handleExpired
	e.scheduler.onCap = e.handleCapped
	e.scheduler.onTick = func(snap Snapshot) {
		e.events.publish(Event{Type: EventTick, Session: snap, Timestamp: e.now()})
	}
	return e
}

// Start begins a focus session for userID. When the user already has an
// active session, that session is returned with existing=true instead of an
// error, which keeps double submits and multiple tabs harmless.
func (e *Engine) Start(ctx context.Context, userID string, req StartSessionRequest) (snap Snapshot, existing bool, err error) {
	if userID == "" {
		return Snapshot{}, false, fmt.Errorf("%w: missing user", ErrInvalidRequest)
	}
	if req.DurationMinutes <= 0 {
		return Snapshot{}, false, fmt.Errorf("%w: duration_minutes must be positive", ErrInvalidRequest)
	}

	if snap, live, err := e.ActiveForUser(ctx, userID); err != nil {
		return Snapshot{}, false, err
	} else if live {
		return snap, true, nil
	}

	now := e.now()
	sess := &Session{
		ID:              uuid.New().String(),
		UserID:          userID,
		TaskID:          copyString(req.TaskID),
		Mode:            req.Mode,
		DurationSeconds: req.DurationMinutes * 60,
		State:           StatePending,
		StartedAt:       now,
		Revision:        1,
	}
	if sess.Mode == ModeCountdown {
		sess.RemainingSeconds = sess.DurationSeconds
	}
	sess.State = StateRunning

	snap, inserted := e.store.PutIfAbsent(sess)
	if !inserted {
		return snap, true, nil
	}

	e.logger.Info("session started",
		"session", snap.ID, "user", userID, "mode", snap.Mode, "duration_minutes", req.DurationMinutes)

	var persistErr error
	if err := e.gateway.CreateRecord(ctx, recordFromSnapshot(snap, now)); err != nil {
		e.logger.Warn("create record failed, syncer will retry", "session", snap.ID, "error", err)
		persistErr = fmt.Errorf("%w: create %s: %w", ErrPersistence, snap.ID, err)
	}
	e.scheduler.Register(snap.ID)
	e.events.publish(Event{Type: EventStarted, Session: snap, Timestamp: now})
	return snap, false, persistErr
}

// Pause freezes a running session.
func (e *Engine) Pause(ctx context.Context, id string) (Snapshot, error) {
	if snap, err := e.ensureLive(ctx, id); err != nil {
		return snap, err
	}

	now := e.now()
	snap, err := e.store.Update(id, func(s *Session) error {
		if s.State != StateRunning {
			return fmt.Errorf("%w: cannot pause a %s session", ErrInvalidTransition, s.State)
		}
		s.State = StatePaused
		s.PausedAt = &now
		s.Revision++
		return nil
	})
	if err != nil {
		return e.transitionFailure(id, snap, err)
	}
	// The state change above already makes any later tick a no-op.
	e.scheduler.Unregister(id)
	e.events.publish(Event{Type: EventPaused, Session: snap, Timestamp: now})

	patch := counterPatch(snap, now)
	patch.PausedAt = &now
	return snap, e.persistTransition(ctx, snap.ID, patch)
}

// Resume restarts a paused session.
func (e *Engine) Resume(ctx context.Context, id string) (Snapshot, error) {
	if snap, err := e.ensureLive(ctx, id); err != nil {
		return snap, err
	}

	now := e.now()
	snap, err := e.store.Update(id, func(s *Session) error {
		if s.State != StatePaused {
			return fmt.Errorf("%w: cannot resume a %s session", ErrInvalidTransition, s.State)
		}
		if s.Capped {
			return fmt.Errorf("%w: session reached the %d second cap, stop it instead", ErrInvalidTransition, CountUpCap)
		}
		s.State = StateRunning
		s.ResumedAt = &now
		s.Revision++
		return nil
	})
	if err != nil {
		return e.transitionFailure(id, snap, err)
	}
	e.scheduler.Register(id)
	e.events.publish(Event{Type: EventResumed, Session: snap, Timestamp: now})

	patch := counterPatch(snap, now)
	patch.ResumedAt = &now
	return snap, e.persistTransition(ctx, snap.ID, patch)
}

// Stop ends a session, classifying it as completed or cancelled. Calling
// Stop twice returns ErrNotFound the second time.
func (e *Engine) Stop(ctx context.Context, id string) (Snapshot, error) {
	snap, err := e.ensureLive(ctx, id)
	if err != nil {
		// Recovery finalized an expired countdown on the way in.
		if errors.Is(err, errFinalizedOnRecovery) {
			return snap, nil
		}
		return snap, err
	}
	return e.completion.Complete(ctx, id, ReasonStopped)
}

// Status returns a read-only snapshot of a live session. ok is false when the
// session is not in memory; callers should fall back to ActiveForUser.
func (e *Engine) Status(id string) (Snapshot, bool) {
	return e.store.Get(id)
}

// ActiveForUser returns the user's live session, recovering it from storage
// when this process has no in-memory entry.
func (e *Engine) ActiveForUser(ctx context.Context, userID string) (Snapshot, bool, error) {
	if snap, ok := e.store.FindByUser(userID); ok {
		return snap, true, nil
	}
	return e.recovery.Recover(ctx, userID)
}

// List returns snapshots of every live session.
func (e *Engine) List() []Snapshot {
	return e.store.Snapshots()
}

// Subscribe streams events for userID. The returned history holds recent
// non-tick events so a reconnecting client can catch up.
func (e *Engine) Subscribe(userID string) (string, <-chan Event, []Event) {
	return e.events.subscribe(userID)
}

// Unsubscribe closes a subscription created by Subscribe.
func (e *Engine) Unsubscribe(userID, subID string) {
	e.events.unsubscribe(userID, subID)
}

// SetSyncInterval changes the periodic sync interval at runtime.
func (e *Engine) SetSyncInterval(d time.Duration) {
	e.syncer.SetInterval(d)
	e.logger.Info("sync interval updated", "interval", e.syncer.Interval())
}

// Run drives the scheduler and the syncer until ctx is cancelled, then
// flushes every live session one last time.
func (e *Engine) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		e.scheduler.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		e.syncer.Run(ctx)
	}()
	wg.Wait()

	flushCtx, cancel := context.WithTimeout(context.Background(), shutdownFlushTimeout)
	defer cancel()
	synced, failed := e.syncer.SyncOnce(flushCtx)
	e.logger.Info("engine stopped", "flushed", synced, "failed", failed)
	e.events.closeAll()
}

var errFinalizedOnRecovery = errors.New("session expired before it could be recovered")

// ensureLive makes sure id is in the store, recovering it if necessary.
func (e *Engine) ensureLive(ctx context.Context, id string) (Snapshot, error) {
	if snap, ok := e.store.Get(id); ok {
		return snap, nil
	}
	snap, live, err := e.recovery.RecoverByID(ctx, id)
	if err != nil {
		return snap, err
	}
	if !live {
		return snap, fmt.Errorf("%w: %w", ErrInvalidTransition, errFinalizedOnRecovery)
	}
	return snap, nil
}

// transitionFailure normalizes a failed store update. A session that vanished
// between ensureLive and Update was finalized concurrently.
func (e *Engine) transitionFailure(id string, snap Snapshot, err error) (Snapshot, error) {
	if errors.Is(err, ErrNotFound) {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return snap, err
}

func (e *Engine) persistTransition(ctx context.Context, id string, patch RecordPatch) error {
	if err := e.gateway.UpdateRecord(ctx, id, patch); err != nil {
		e.logger.Warn("transition write failed, syncer will retry", "session", id, "error", err)
		return fmt.Errorf("%w: update %s: %w", ErrPersistence, id, err)
	}
	return nil
}

func (e *Engine) handleExpired(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownFlushTimeout)
	defer cancel()
	if _, err := e.completion.Complete(ctx, id, ReasonExpired); err != nil && !errors.Is(err, ErrNotFound) {
		e.logger.Warn("expiry finalization incomplete", "session", id, "error", err)
	}
}

func (e *Engine) handleCapped(snap Snapshot) {
	now := e.now()
	e.events.publish(Event{Type: EventCapped, Session: snap, Timestamp: now})
	e.logger.Info("count-up session reached cap, paused", "session", snap.ID, "user", snap.UserID)

	patch := counterPatch(snap, now)
	patch.PausedAt = copyTime(snap.PausedAt)
	ctx, cancel := context.WithTimeout(context.Background(), shutdownFlushTimeout)
	defer cancel()
	_ = e.persistTransition(ctx, snap.ID, patch)
}
