package pomodoro

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func TestEngine_CountdownRunsToCompletion(t *testing.T) {
	te := newTestEngine(t)
	snap := mustStart(t, te, "u1", 25, false)

	if snap.State != StateRunning {
		t.Fatalf("expected running, got %s", snap.State)
	}
	if snap.RemainingSeconds != 1500 {
		t.Fatalf("expected 1500 remaining, got %d", snap.RemainingSeconds)
	}

	te.tick(1499)
	got, ok := te.Status(snap.ID)
	if !ok {
		t.Fatal("session vanished before expiry")
	}
	if got.RemainingSeconds != 1 {
		t.Fatalf("expected 1 second left, got %d", got.RemainingSeconds)
	}

	te.tick(1)
	if _, ok := te.Status(snap.ID); ok {
		t.Fatal("expected session removed after expiry")
	}

	rec := te.gw.record(t, snap.ID)
	if rec.Status != StateCompleted {
		t.Errorf("expected persisted status completed, got %s", rec.Status)
	}
	if rec.ActualDurationMinutes == nil || *rec.ActualDurationMinutes != 25 {
		t.Errorf("expected actual duration 25, got %v", rec.ActualDurationMinutes)
	}
	if rec.RemainingSeconds == nil || *rec.RemainingSeconds != 0 {
		t.Errorf("expected persisted remaining 0, got %v", rec.RemainingSeconds)
	}

	studies := te.sink.all()
	if len(studies) != 1 {
		t.Fatalf("expected 1 study record, got %d", len(studies))
	}
	if studies[0].DurationMinutes != 25 {
		t.Errorf("expected 25 study minutes, got %d", studies[0].DurationMinutes)
	}
	if studies[0].UserID != "u1" {
		t.Errorf("expected user u1, got %s", studies[0].UserID)
	}
}

func TestEngine_CountUpShortStopIsCancelled(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	snap := mustStart(t, te, "u1", 0, true)

	te.tick(120)
	paused, err := te.Pause(ctx, snap.ID)
	if err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	if paused.ElapsedSeconds != 120 {
		t.Fatalf("expected 120 elapsed at pause, got %d", paused.ElapsedSeconds)
	}

	te.tick(30) // paused: no progress
	if _, err := te.Resume(ctx, snap.ID); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	te.tick(80)

	final, err := te.Stop(ctx, snap.ID)
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if final.ElapsedSeconds != 200 {
		t.Errorf("expected 200 elapsed, got %d", final.ElapsedSeconds)
	}
	if final.State != StateCancelled {
		t.Errorf("expected cancelled, got %s", final.State)
	}
	if n := len(te.sink.all()); n != 0 {
		t.Errorf("expected no study record, got %d", n)
	}
	if rec := te.gw.record(t, snap.ID); rec.Status != StateCancelled {
		t.Errorf("expected persisted cancelled, got %s", rec.Status)
	}
}

func TestEngine_CountUpLongStopIsCompleted(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	snap := mustStart(t, te, "u1", 0, true)

	te.tick(120)
	if _, err := te.Pause(ctx, snap.ID); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	if _, err := te.Resume(ctx, snap.ID); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	te.tick(280)

	final, err := te.Stop(ctx, snap.ID)
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if final.State != StateCompleted {
		t.Fatalf("expected completed, got %s", final.State)
	}

	studies := te.sink.all()
	if len(studies) != 1 {
		t.Fatalf("expected 1 study record, got %d", len(studies))
	}
	if studies[0].DurationMinutes != 6 {
		t.Errorf("expected 6 study minutes, got %d", studies[0].DurationMinutes)
	}
	rec := te.gw.record(t, snap.ID)
	if rec.ActualDurationMinutes == nil || *rec.ActualDurationMinutes != 6 {
		t.Errorf("expected actual duration 6, got %v", rec.ActualDurationMinutes)
	}
}

func TestEngine_CountUpCapForcesPause(t *testing.T) {
	te := newTestEngine(t)
	snap := mustStart(t, te, "u1", 0, true)

	te.tick(CountUpCap)

	got, ok := te.Status(snap.ID)
	if !ok {
		t.Fatal("capped session must stay live until stopped")
	}
	if got.State != StatePaused {
		t.Fatalf("expected paused at cap, got %s", got.State)
	}
	if !got.Capped {
		t.Error("expected capped flag")
	}
	if got.ElapsedSeconds != CountUpCap {
		t.Errorf("expected %d elapsed, got %d", CountUpCap, got.ElapsedSeconds)
	}
	if te.scheduler.Tracked(snap.ID) {
		t.Error("expected ticking to stop at cap")
	}

	te.tick(10)
	got, _ = te.Status(snap.ID)
	if got.ElapsedSeconds != CountUpCap {
		t.Errorf("elapsed moved past cap: %d", got.ElapsedSeconds)
	}
	if n := len(te.sink.all()); n != 0 {
		t.Errorf("expected no study record before stop, got %d", n)
	}
	if rec := te.gw.record(t, snap.ID); rec.Status != StatePaused {
		t.Errorf("expected persisted paused, got %s", rec.Status)
	}

	if _, err := te.Resume(context.Background(), snap.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition resuming a capped session, got %v", err)
	}

	final, err := te.Stop(context.Background(), snap.ID)
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if final.State != StateCompleted {
		t.Errorf("expected completed, got %s", final.State)
	}
	if studies := te.sink.all(); len(studies) != 1 || studies[0].DurationMinutes != 180 {
		t.Errorf("expected one 180 minute study record, got %+v", studies)
	}
}

func TestEngine_StartIsIdempotentPerUser(t *testing.T) {
	te := newTestEngine(t)
	first := mustStart(t, te, "u1", 25, false)

	req, _ := NewStartRequest(50, true, nil)
	second, existing, err := te.Start(context.Background(), "u1", req)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !existing {
		t.Error("expected existing flag")
	}
	if second.ID != first.ID {
		t.Errorf("expected the same session, got %s and %s", first.ID, second.ID)
	}
	if second.Mode != ModeCountdown {
		t.Errorf("existing session must keep its mode, got %s", second.Mode)
	}
}

func TestEngine_ConcurrentStartsShareOneSession(t *testing.T) {
	te := newTestEngine(t)
	req, _ := NewStartRequest(25, false, nil)

	const callers = 16
	ids := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			snap, _, err := te.Start(context.Background(), "u1", req)
			if err != nil {
				t.Errorf("Start failed: %v", err)
				return
			}
			ids[i] = snap.ID
		}(i)
	}
	wg.Wait()

	for i := 1; i < callers; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("caller %d got %s, caller 0 got %s", i, ids[i], ids[0])
		}
	}
	if n := te.store.Len(); n != 1 {
		t.Errorf("expected exactly 1 live session, got %d", n)
	}
}

func TestEngine_DifferentUsersAreIndependent(t *testing.T) {
	te := newTestEngine(t)
	a := mustStart(t, te, "alice", 25, false)
	b := mustStart(t, te, "bob", 0, true)

	if _, err := te.Pause(context.Background(), a.ID); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	te.tick(10)

	gotA, _ := te.Status(a.ID)
	gotB, _ := te.Status(b.ID)
	if gotA.RemainingSeconds != 1500 {
		t.Errorf("paused session advanced: %d", gotA.RemainingSeconds)
	}
	if gotB.ElapsedSeconds != 10 {
		t.Errorf("expected bob at 10s, got %d", gotB.ElapsedSeconds)
	}
}

func TestEngine_StopTwiceReturnsNotFound(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	snap := mustStart(t, te, "u1", 0, true)
	te.tick(600)

	if _, err := te.Stop(ctx, snap.ID); err != nil {
		t.Fatalf("first Stop failed: %v", err)
	}
	if _, err := te.Stop(ctx, snap.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second stop, got %v", err)
	}
	if n := len(te.sink.all()); n != 1 {
		t.Errorf("expected exactly one study record, got %d", n)
	}
}

func TestEngine_StopCountdownEarlyIsCancelled(t *testing.T) {
	te := newTestEngine(t)
	snap := mustStart(t, te, "u1", 25, false)
	te.tick(1200)

	final, err := te.Stop(context.Background(), snap.ID)
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if final.State != StateCancelled {
		t.Errorf("expected cancelled, got %s", final.State)
	}
	if n := len(te.sink.all()); n != 0 {
		t.Errorf("expected no study record, got %d", n)
	}
	rec := te.gw.record(t, snap.ID)
	if rec.ActualDurationMinutes == nil || *rec.ActualDurationMinutes != 20 {
		t.Errorf("expected actual duration 20, got %v", rec.ActualDurationMinutes)
	}
}

func TestEngine_InvalidTransitions(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	snap := mustStart(t, te, "u1", 25, false)

	if _, err := te.Resume(ctx, snap.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("resume of running: expected ErrInvalidTransition, got %v", err)
	}
	if _, err := te.Pause(ctx, snap.ID); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	if _, err := te.Pause(ctx, snap.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("pause of paused: expected ErrInvalidTransition, got %v", err)
	}
}

func TestEngine_UnknownSessionNotFound(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()

	if _, err := te.Pause(ctx, "nonexistent"); !errors.Is(err, ErrNotFound) {
		t.Errorf("pause: expected ErrNotFound, got %v", err)
	}
	if _, err := te.Resume(ctx, "nonexistent"); !errors.Is(err, ErrNotFound) {
		t.Errorf("resume: expected ErrNotFound, got %v", err)
	}
	if _, err := te.Stop(ctx, "nonexistent"); !errors.Is(err, ErrNotFound) {
		t.Errorf("stop: expected ErrNotFound, got %v", err)
	}
	if _, ok := te.Status("nonexistent"); ok {
		t.Error("status: expected miss")
	}
}

func TestEngine_CountdownMonotonic(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	snap := mustStart(t, te, "u1", 1, false)

	prev := snap.RemainingSeconds
	for i := 0; i < 30; i++ {
		te.tick(1)
		got, _ := te.Status(snap.ID)
		if got.RemainingSeconds > prev {
			t.Fatalf("remaining increased from %d to %d", prev, got.RemainingSeconds)
		}
		prev = got.RemainingSeconds
	}

	if _, err := te.Pause(ctx, snap.ID); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	te.tick(100)
	got, _ := te.Status(snap.ID)
	if got.RemainingSeconds != prev {
		t.Fatalf("remaining changed while paused: %d -> %d", prev, got.RemainingSeconds)
	}

	if _, err := te.Resume(ctx, snap.ID); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	// Resuming twice in a row must not double-tick.
	te.scheduler.Register(snap.ID)
	te.tick(1)
	got, _ = te.Status(snap.ID)
	if got.RemainingSeconds != prev-1 {
		t.Fatalf("expected %d after one tick, got %d", prev-1, got.RemainingSeconds)
	}
}

func TestEngine_StartFailsWhenOpenRecordLookupFails(t *testing.T) {
	te := newTestEngine(t)
	te.gw.failReads = true

	req, _ := NewStartRequest(25, false, nil)
	if _, _, err := te.Start(context.Background(), "u1", req); !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	if n := te.store.Len(); n != 0 {
		t.Errorf("no session may start without checking storage, got %d", n)
	}
}

func TestEngine_StartPersistenceFailureKeepsSession(t *testing.T) {
	te := newTestEngine(t)
	te.gw.setFailing(true)

	req, _ := NewStartRequest(25, false, nil)
	snap, _, err := te.Start(context.Background(), "u1", req)
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	if _, ok := te.Status(snap.ID); !ok {
		t.Fatal("in-memory session must survive a failed write")
	}

	te.tick(5)
	te.gw.setFailing(false)
	synced, failed := te.syncer.SyncOnce(context.Background())
	if synced != 1 || failed != 0 {
		t.Fatalf("expected 1 synced 0 failed, got %d/%d", synced, failed)
	}
	rec := te.gw.record(t, snap.ID)
	if rec.RemainingSeconds == nil || *rec.RemainingSeconds != 1495 {
		t.Errorf("expected synced remaining 1495, got %v", rec.RemainingSeconds)
	}
}

func TestEngine_FailedFinalWriteIsRetried(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	snap := mustStart(t, te, "u1", 0, true)
	te.tick(400)

	te.gw.setFailing(true)
	te.sink.setFailing(true)
	final, err := te.Stop(ctx, snap.ID)
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	if final.State != StateCompleted {
		t.Fatalf("expected completed, got %s", final.State)
	}
	if te.completion.retry.len() != 2 {
		t.Fatalf("expected record and study queued, got %d", te.completion.retry.len())
	}

	te.gw.setFailing(false)
	te.sink.setFailing(false)
	te.syncer.SyncOnce(ctx)

	if rec := te.gw.record(t, snap.ID); rec.Status != StateCompleted {
		t.Errorf("expected completed after retry, got %s", rec.Status)
	}
	if n := len(te.sink.all()); n != 1 {
		t.Errorf("expected 1 study record after retry, got %d", n)
	}
	if te.completion.retry.len() != 0 {
		t.Errorf("expected empty retry queue, got %d", te.completion.retry.len())
	}
}

func TestEngine_SubscribeReceivesLifecycle(t *testing.T) {
	te := newTestEngine(t)
	subID, ch, history := te.Subscribe("u1")
	defer te.Unsubscribe("u1", subID)
	if len(history) != 0 {
		t.Fatalf("expected empty history, got %d", len(history))
	}

	snap := mustStart(t, te, "u1", 25, false)
	te.tick(1)
	if _, err := te.Pause(context.Background(), snap.ID); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}

	want := []EventType{EventStarted, EventTick, EventPaused}
	for _, w := range want {
		ev := <-ch
		if ev.Type != w {
			t.Fatalf("expected %s, got %s", w, ev.Type)
		}
		if ev.Session.ID != snap.ID {
			t.Errorf("event for wrong session %s", ev.Session.ID)
		}
	}

	// A late subscriber sees the non-tick history.
	subID2, _, history := te.Subscribe("u1")
	defer te.Unsubscribe("u1", subID2)
	if len(history) != 2 {
		t.Fatalf("expected 2 history events, got %d", len(history))
	}
	if history[0].Type != EventStarted || history[1].Type != EventPaused {
		t.Errorf("unexpected history %s, %s", history[0].Type, history[1].Type)
	}
}

func TestEngine_SetSyncIntervalClamps(t *testing.T) {
	te := newTestEngine(t)
	te.SetSyncInterval(0)
	if got := te.syncer.Interval(); got != DefaultSyncInterval {
		t.Errorf("expected default interval, got %s", got)
	}
	te.SetSyncInterval(10 * time.Minute)
	if got := te.syncer.Interval(); got != maxSyncInterval {
		t.Errorf("expected clamp to %s, got %s", maxSyncInterval, got)
	}
}

// interleavingGateway runs before ahead of the next CreateRecord, simulating
// a transition that lands between the syncer's snapshot and its write.
type interleavingGateway struct {
	*memGateway
	before func()
}

func (g *interleavingGateway) CreateRecord(ctx context.Context, rec Record) error {
	if f := g.before; f != nil {
		g.before = nil
		f()
	}
	return g.memGateway.CreateRecord(ctx, rec)
}

func TestEngine_SyncRacingPauseKeepsPausedRecord(t *testing.T) {
	mem := newMemGateway()
	gw := &interleavingGateway{memGateway: mem}
	sink := &memSink{}
	clock := newFakeClock()
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	te := &testEngine{
		Engine: NewEngine(gw, sink, WithClock(clock.Now), WithLogger(quiet)),
		gw:     mem,
		sink:   sink,
		clock:  clock,
	}
	ctx := context.Background()

	snap := mustStart(t, te, "u1", 25, false)
	te.tick(60)

	gw.before = func() {
		if _, err := te.Pause(ctx, snap.ID); err != nil {
			t.Errorf("Pause failed: %v", err)
		}
	}
	te.syncer.SyncOnce(ctx)

	rec := mem.record(t, snap.ID)
	if rec.Status != StatePaused {
		t.Fatalf("expected paused record, got %s", rec.Status)
	}
	if rec.RemainingSeconds == nil || *rec.RemainingSeconds != 1440 {
		t.Errorf("expected remaining 1440, got %v", rec.RemainingSeconds)
	}

	// A restart well past the original end must bring the pause back intact.
	restarted := newTestEngineWith(t, mem)
	restarted.clock.Advance(30 * time.Minute)
	got, live, err := restarted.ActiveForUser(ctx, "u1")
	if err != nil {
		t.Fatalf("ActiveForUser failed: %v", err)
	}
	if !live || got.State != StatePaused || got.RemainingSeconds != 1440 {
		t.Fatalf("expected live paused session at 1440, got live=%v %+v", live, got)
	}
	if n := len(restarted.sink.all()) + len(sink.all()); n != 0 {
		t.Errorf("expected no study records, got %d", n)
	}
}

func TestEngine_StaleWritesAreIgnored(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	snap := mustStart(t, te, "u1", 25, true)
	te.tick(10)
	paused, err := te.Pause(ctx, snap.ID)
	if err != nil {
		t.Fatalf("Pause failed: %v", err)
	}

	// A full write captured before the pause arrives late.
	stale := recordFromSnapshot(snap, te.clock.Now())
	if err := te.gw.CreateRecord(ctx, stale); err != nil {
		t.Fatalf("CreateRecord failed: %v", err)
	}
	if err := te.gw.UpdateRecord(ctx, snap.ID, counterPatch(snap, te.clock.Now())); err != nil {
		t.Fatalf("UpdateRecord failed: %v", err)
	}

	rec := te.gw.record(t, snap.ID)
	if rec.Status != StatePaused || rec.Revision != paused.Revision {
		t.Errorf("expected paused at revision %d, got %s at %d", paused.Revision, rec.Status, rec.Revision)
	}
}

func TestEngine_RunSyncsAndFlushesOnShutdown(t *testing.T) {
	te := newTestEngine(t)
	te.SetSyncInterval(time.Hour)
	snap := mustStart(t, te, "u1", 25, false)
	_, ch, _ := te.Subscribe("u1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		te.Run(ctx)
		close(done)
	}()

	// Shortening the interval must reset the already running timer.
	before := te.gw.createCount()
	te.SetSyncInterval(time.Second)
	deadline := time.Now().Add(5 * time.Second)
	for te.gw.createCount() == before {
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("timed out waiting for a periodic sync")
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	live, ok := te.Status(snap.ID)
	if !ok {
		t.Fatal("expected session to stay live across shutdown")
	}
	rec := te.gw.record(t, snap.ID)
	if rec.Revision != live.Revision {
		t.Errorf("expected final flush at revision %d, got %d", live.Revision, rec.Revision)
	}
	if rec.RemainingSeconds == nil || *rec.RemainingSeconds != live.RemainingSeconds {
		t.Errorf("expected flushed remaining %d, got %v", live.RemainingSeconds, rec.RemainingSeconds)
	}

	timeout := time.After(2 * time.Second)
	for {
		select {
		case _, open := <-ch:
			if !open {
				return
			}
		case <-timeout:
			t.Fatal("subscriber channel was not closed")
		}
	}
}
